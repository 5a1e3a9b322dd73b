// Package detect turns a recording into voiced intervals.
//
// A [Detector] partitions mono 16-bit PCM into fixed-size frames, classifies
// each complete frame through a [vad.Engine] session and runs a two-state
// machine (idle, in speech) over the results. Intervals are produced lazily
// as an iterator, so a long recording is never held in memory.
package detect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/MrWong99/soniclens/pkg/audio"
	"github.com/MrWong99/soniclens/pkg/provider/vad"
	"github.com/MrWong99/soniclens/pkg/types"
)

// DefaultFrameMs is the frame length used for classification.
const DefaultFrameMs = 30

// Source is a PCM stream with a known layout, such as [audio.WAVReader].
type Source interface {
	io.Reader
	Format() audio.Format
}

// IntervalSource yields the voiced intervals of the recording at path.
// [Detector] and [WholeRecording] implement it.
type IntervalSource interface {
	Intervals(ctx context.Context, path string) iter.Seq2[types.Interval, error]
}

var (
	_ IntervalSource = (*Detector)(nil)
	_ IntervalSource = WholeRecording{}
)

// Option configures a Detector.
type Option func(*Detector)

// WithAggressiveness sets the classifier aggressiveness (0–3).
func WithAggressiveness(level int) Option {
	return func(d *Detector) { d.aggressiveness = level }
}

// WithFrameMs sets the frame length in milliseconds (10, 20 or 30).
func WithFrameMs(ms int) Option {
	return func(d *Detector) { d.frameMs = ms }
}

// Detector segments recordings into speech intervals. It is safe for
// concurrent use; every scan opens its own classifier session.
type Detector struct {
	engine         vad.Engine
	aggressiveness int
	frameMs        int
}

// New returns a Detector classifying frames with engine.
func New(engine vad.Engine, opts ...Option) *Detector {
	d := &Detector{
		engine:         engine,
		aggressiveness: vad.DefaultAggressiveness,
		frameMs:        DefaultFrameMs,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// sessionConfig validates format and returns the classifier configuration for
// it. Non-mono input or an unsupported rate wraps [audio.ErrUnsupportedAudioFormat].
func (d *Detector) sessionConfig(format audio.Format) (vad.Config, error) {
	if format.Channels != 1 {
		return vad.Config{}, fmt.Errorf("detect: %s input, want mono: %w", format, audio.ErrUnsupportedAudioFormat)
	}
	switch format.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return vad.Config{}, fmt.Errorf("detect: sample rate %d Hz, want 8000, 16000, 32000 or 48000: %w",
			format.SampleRate, audio.ErrUnsupportedAudioFormat)
	}
	return vad.Config{
		SampleRate:     format.SampleRate,
		FrameSizeMs:    d.frameMs,
		Aggressiveness: d.aggressiveness,
	}, nil
}

// Scan classifies src frame by frame and yields each closed speech interval.
//
// An interval starts at the offset of the first speech frame and ends at the
// start offset of the first silence frame that follows. Speech still open at
// end of stream ends at the end of the recording. A trailing partial frame is
// never classified. A format or classifier error is yielded once and ends the
// sequence. The sequence can be consumed only once.
func (d *Detector) Scan(ctx context.Context, src Source) iter.Seq2[types.Interval, error] {
	return func(yield func(types.Interval, error) bool) {
		format := src.Format()
		cfg, err := d.sessionConfig(format)
		if err != nil {
			yield(types.Interval{}, err)
			return
		}
		sess, err := d.engine.NewSession(cfg)
		if err != nil {
			yield(types.Interval{}, fmt.Errorf("detect: open vad session: %w", err))
			return
		}
		defer sess.Close()

		frameSec := float64(d.frameMs) / 1000
		bytesPerSec := float64(format.BytesPerSecond())
		frame := make([]byte, cfg.FrameBytes())

		var (
			inSpeech bool
			start    float64
			index    int
			read     int
			emitted  int
		)
		for {
			if err := ctx.Err(); err != nil {
				yield(types.Interval{}, err)
				return
			}

			n, err := io.ReadFull(src, frame)
			read += n
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if err != nil {
				yield(types.Interval{}, fmt.Errorf("detect: read frame %d: %w", index, err))
				return
			}

			res, err := sess.ProcessFrame(frame)
			if err != nil {
				yield(types.Interval{}, fmt.Errorf("detect: classify frame %d: %w", index, err))
				return
			}

			offset := float64(index) * frameSec
			switch {
			case res.Speech && !inSpeech:
				inSpeech = true
				start = offset
			case !res.Speech && inSpeech:
				inSpeech = false
				emitted++
				if !yield(types.Interval{Start: start, End: offset}, nil) {
					return
				}
			}
			index++
		}

		if inSpeech {
			emitted++
			if !yield(types.Interval{Start: start, End: float64(read) / bytesPerSec}, nil) {
				return
			}
		}
		slog.Debug("detect: scan complete", "frames", index, "intervals", emitted, "format", format.String())
	}
}

// Intervals opens the WAV file at path and scans it. Failing to open the
// file is yielded as the only element.
func (d *Detector) Intervals(ctx context.Context, path string) iter.Seq2[types.Interval, error] {
	return func(yield func(types.Interval, error) bool) {
		r, err := audio.OpenWAV(path)
		if err != nil {
			yield(types.Interval{}, err)
			return
		}
		defer r.Close()
		for iv, err := range d.Scan(ctx, r) {
			if !yield(iv, err) {
				return
			}
		}
	}
}

// HasVoice reports whether any complete frame of pcm is classified as speech.
// Live mode uses it to skip silent chunks before transcription.
func (d *Detector) HasVoice(pcm []byte, format audio.Format) (bool, error) {
	src := &memSource{Reader: bytes.NewReader(pcm), format: format}
	for _, err := range d.Scan(context.Background(), src) {
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

type memSource struct {
	*bytes.Reader
	format audio.Format
}

func (m *memSource) Format() audio.Format { return m.format }
