package stt

import (
	"context"
	"fmt"

	"github.com/MrWong99/soniclens/pkg/audio"
)

// Compile-time assertion that Unavailable implements Provider.
var _ Provider = Unavailable{}

// Unavailable is the explicit stand-in selected at startup when no
// transcription engine can be created. Every call fails with an error
// wrapping [ErrUnavailable], so each segment carries a visible marker
// instead of invented text.
type Unavailable struct {
	// Reason explains why the real engine is missing.
	Reason string
}

// Transcribe always fails.
func (u Unavailable) Transcribe(_ context.Context, _ *audio.Clip, _ Config) (Transcript, error) {
	return Transcript{}, fmt.Errorf("%w: %s", ErrUnavailable, u.Reason)
}

// Degraded describes the missing capability for run reports.
func (u Unavailable) Degraded() string {
	return "transcription unavailable: " + u.Reason
}
