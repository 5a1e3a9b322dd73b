// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription engine (a local whisper.cpp model or
// server, a hosted API, an out-of-process helper) and exposes one uniform
// batch operation: transcribe a single extracted clip into text. Engines may
// be slow and may fail; callers bound every call with a context deadline and
// turn failures into per-segment markers rather than aborting a run.
//
// Implementations must be safe for concurrent use. The pipeline transcribes
// independent clips from a bounded worker pool, so one Provider instance
// serves many goroutines at once.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/soniclens/pkg/audio"
)

var (
	// ErrUnavailable is returned by providers that stand in for an engine
	// that could not be created. See [Unavailable].
	ErrUnavailable = errors.New("stt: transcription engine unavailable")

	// ErrModelNotFound is returned when a model file or model identifier
	// cannot be resolved. It is a fatal precondition failure.
	ErrModelNotFound = errors.New("stt: model not found")
)

// Config carries per-request recognition hints.
type Config struct {
	// Language is the BCP-47 or ISO-639-1 language tag for recognition
	// (e.g., "en", "de"). An empty string lets the provider auto-detect the
	// language, if supported, or fall back to its configured default.
	Language string
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Transcribe returns the text spoken in clip. The clip file is owned by
	// the caller; implementations must not remove or retain it.
	//
	// Returns an error if the engine fails, the clip cannot be read, or ctx
	// expires before the engine answers. An empty Text with a nil error means
	// the engine heard nothing.
	Transcribe(ctx context.Context, clip *audio.Clip, cfg Config) (Transcript, error)
}
