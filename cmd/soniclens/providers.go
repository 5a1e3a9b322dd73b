package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"

	"github.com/MrWong99/soniclens/internal/capture"
	"github.com/MrWong99/soniclens/internal/clip"
	"github.com/MrWong99/soniclens/internal/config"
	"github.com/MrWong99/soniclens/pkg/provider/llm"
	oaillm "github.com/MrWong99/soniclens/pkg/provider/llm/openai"
	"github.com/MrWong99/soniclens/pkg/provider/stt"
	"github.com/MrWong99/soniclens/pkg/provider/stt/command"
	"github.com/MrWong99/soniclens/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/soniclens/pkg/provider/stt/openai"
	"github.com/MrWong99/soniclens/pkg/provider/stt/whisper"
	"github.com/MrWong99/soniclens/pkg/provider/vad"
	"github.com/MrWong99/soniclens/pkg/provider/vad/energy"
	"github.com/MrWong99/soniclens/pkg/provider/vad/webrtc"
)

// defaultHelper is the transcription helper run by the "command" provider
// when no program option is configured.
const defaultHelper = "soniclens-whisper"

// builtinProviders maps provider kinds to the implementations that ship with
// SonicLens. Used for startup logging.
var builtinProviders = map[string][]string{
	"vad":       {"webrtc", "energy"},
	"stt":       {"command", "whisper", "whisper-native", "openai", "deepgram"},
	"extractor": {config.ExtractorNative, config.ExtractorFFmpeg},
	"capture":   {"ffmpeg"},
	"llm":       {"openai"},
}

// registerBuiltinProviders wires all built-in factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("webrtc", func(config.ProviderEntry) (vad.Engine, error) {
		return webrtc.New(), nil
	})
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	// command runs an external helper per clip; a missing helper makes the
	// engine unavailable rather than failing every segment on exec.
	reg.RegisterSTT("command", func(entry config.ProviderEntry, device string) (stt.Provider, error) {
		program := entry.Option("program", defaultHelper)
		if _, err := exec.LookPath(program); err != nil {
			return nil, fmt.Errorf("%w: helper %q: %w", stt.ErrUnavailable, program, err)
		}
		opts := []command.Option{command.WithDevice(device)}
		if entry.Model != "" {
			opts = append(opts, command.WithModel(entry.Model))
		}
		if args := entry.StringsOption("args"); len(args) > 0 {
			opts = append(opts, command.WithArgs(args...))
		}
		return command.New(program, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry, _ string) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry, device string) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.Option("model_path", "")
		}
		return whisper.NewNative(modelPath, whisper.WithNativeDevice(device))
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry, _ string) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if org := entry.Option("organization", ""); org != "" {
			opts = append(opts, oaistt.WithOrganization(org))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry, _ string) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if kw := entry.StringsOption("keywords"); len(kw) > 0 {
			opts = append(opts, deepgram.WithKeywords(kw...))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── Clip extractors ───────────────────────────────────────────────────────

	reg.RegisterExtractor(config.ExtractorNative, func(c config.ClipConfig) (clip.Extractor, error) {
		return clip.NewNative(clipOptions(c)), nil
	})
	reg.RegisterExtractor(config.ExtractorFFmpeg, func(c config.ClipConfig) (clip.Extractor, error) {
		path := c.FFmpegPath
		if path == "" {
			path = "ffmpeg"
		}
		if _, err := exec.LookPath(path); err != nil {
			return nil, fmt.Errorf("ffmpeg extractor: %w", err)
		}
		return clip.NewFFmpeg(path, clipOptions(c)), nil
	})

	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("ffmpeg", func(ctx context.Context, entry config.ProviderEntry, c config.ClipConfig) (capture.Source, error) {
		format, device := defaultCaptureDevice()
		src, err := capture.StartFFmpeg(ctx, capture.FFmpegConfig{
			Path:        c.FFmpegPath,
			InputFormat: entry.Option("input_format", format),
			Device:      entry.Option("device", device),
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.Option("organization", ""); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

func clipOptions(c config.ClipConfig) clip.Options {
	return clip.Options{
		Padding:    c.Padding,
		SampleRate: c.SampleRate,
		TempDir:    c.TempDir,
	}
}

// defaultCaptureDevice returns the ffmpeg demuxer and device name of the
// system's default microphone.
func defaultCaptureDevice() (format, device string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", ":0"
	case "windows":
		return "dshow", "audio=default"
	default:
		return "pulse", "default"
	}
}
