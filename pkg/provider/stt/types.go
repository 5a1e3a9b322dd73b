package stt

import "time"

// Transcript is the result of transcribing one clip.
type Transcript struct {
	// Text is the transcribed speech content, trimmed.
	Text string

	// Language is the language the engine recognised, when it reports one.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Duration is the length of audio the engine processed.
	Duration time.Duration
}
