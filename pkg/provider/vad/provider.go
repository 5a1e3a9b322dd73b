// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech classifier (e.g., WebRTC VAD or a
// spectral energy gate) and surfaces it as a stateful, per-stream session. Each
// session maintains its own internal state (smoothing history, noise floor) so
// that multiple concurrent audio streams can be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// classification, which lets the detector drive its state machine frame by
// frame without buffering the recording.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "errors"

// DefaultAggressiveness is the middle setting used when no level is
// configured. It favours recall over precision.
const DefaultAggressiveness = 2

// ErrInvalidConfig is returned by NewSession for configurations the engine
// cannot honour.
var ErrInvalidConfig = errors.New("vad: invalid config")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. Supported values: 8000, 16000, 32000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Frame
	// classifiers operate on fixed frame sizes (10, 20 or 30 ms).
	// ProcessFrame will return an error if the supplied frame does not match this
	// size.
	FrameSizeMs int

	// Aggressiveness selects how eagerly non-speech is filtered out, from 0
	// (least aggressive, most frames classified as speech) to 3 (most
	// aggressive).
	Aggressiveness int
}

// Validate reports whether cfg is usable by any frame classifier.
func (c Config) Validate() error {
	switch c.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return errors.Join(ErrInvalidConfig, errors.New("sample rate must be 8000, 16000, 32000 or 48000"))
	}
	switch c.FrameSizeMs {
	case 10, 20, 30:
	default:
		return errors.Join(ErrInvalidConfig, errors.New("frame size must be 10, 20 or 30 ms"))
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		return errors.Join(ErrInvalidConfig, errors.New("aggressiveness must be between 0 and 3"))
	}
	return nil
}

// FrameBytes returns the byte length of one mono 16-bit frame under cfg.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Each session maintains its own detection state; Reset clears this state
// without closing the session.
//
// A SessionHandle should not be shared between goroutines unless the implementation
// explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame classifies a single audio frame as speech or silence. The
	// frame must be raw little-endian mono PCM at the SampleRate and FrameSizeMs
	// configured when the session was created. Returns an error if the frame
	// size is wrong or if the engine encounters an internal failure.
	//
	// This method is designed to be called synchronously in the detection loop;
	// it must not block.
	ProcessFrame(frame []byte) (FrameResult, error)

	// Reset clears all accumulated detection state without closing the session.
	// Use this when the audio stream is interrupted or restarted to avoid stale
	// state from the previous recording affecting subsequent frames.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame must return an error. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The session
	// is immediately ready to accept audio frames.
	//
	// Returns an error wrapping ErrInvalidConfig if the configuration is
	// invalid (unsupported sample rate, frame size or aggressiveness) or a
	// plain error if the engine cannot allocate resources for the session.
	NewSession(cfg Config) (SessionHandle, error)
}
