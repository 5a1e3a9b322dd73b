// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/soniclens/pkg/audio"
	"github.com/MrWong99/soniclens/pkg/provider/stt"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once at
// construction and shared across all calls.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	device   string
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeDevice records the compute target the model was loaded for. The
// bindings select the accelerator at build time; the value is reported in
// logs only.
func WithNativeDevice(device string) NativeOption {
	return func(p *NativeProvider) { p.device = device }
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. A missing model file yields an error wrapping
// stt.ErrModelNotFound. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("whisper: %w: %s", stt.ErrModelNotFound, modelPath)
		}
		return nil, fmt.Errorf("whisper: stat model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		language: defaultLanguage,
		device:   "cpu",
	}
	for _, o := range opts {
		o(p)
	}

	start := time.Now()
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p.model = model
	slog.Info("whisper model loaded", "path", modelPath, "device", p.device, "elapsed", time.Since(start))
	return p, nil
}

// Close releases the whisper model. Must be called when the provider is no
// longer needed.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe decodes the clip, converts it to 16 kHz mono float32 samples
// and runs inference on a fresh whisper.cpp context.
func (p *NativeProvider) Transcribe(ctx context.Context, clip *audio.Clip, cfg stt.Config) (stt.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
	}

	pcm, format, err := audio.ReadWAV(clip.Path)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: read clip: %w", err)
	}
	pcm = audio.ConvertPCM(pcm, format, audio.Format{SampleRate: defaultSampleRate, Channels: 1})

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	// Inference itself cannot be interrupted; run it aside so a cancelled
	// ctx returns promptly. The context is discarded once it finishes.
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := p.infer(audio.PCMToFloat32(pcm), lang)
		done <- result{text, err}
	}()

	select {
	case <-ctx.Done():
		return stt.Transcript{}, fmt.Errorf("whisper: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return stt.Transcript{}, r.err
		}
		return stt.Transcript{
			Text:     r.text,
			Language: lang,
			Duration: audio.DurationOf(len(pcm), audio.Format{SampleRate: defaultSampleRate, Channels: 1}),
		}, nil
	}
}

// infer runs whisper.cpp inference using a fresh context and returns the
// concatenated segment text.
func (p *NativeProvider) infer(samples []float32, lang string) (string, error) {
	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines.
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}
