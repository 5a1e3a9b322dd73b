// Package audio holds the PCM primitives shared by detection, clip
// extraction and transcription: stream formats, fixed-size frames, WAV
// reading and writing, extracted clips and format conversion.
//
// All PCM handled by this package is signed 16-bit little-endian.
package audio

import (
	"errors"
	"time"
)

// BytesPerSample is the width of one PCM sample of one channel.
const BytesPerSample = 2

// ErrUnsupportedAudioFormat is returned when audio does not satisfy a
// precondition on channel layout, sample rate or sample encoding. It is a
// fatal input error; callers must not retry with the same data.
var ErrUnsupportedAudioFormat = errors.New("unsupported audio format")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// BytesPerSecond returns the PCM byte rate for f, or 0 for an invalid format.
func (f Format) BytesPerSecond() int {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return f.SampleRate * f.Channels * BytesPerSample
}

// Frame is a fixed-duration slice of PCM audio, the unit of voice activity
// classification.
type Frame struct {
	// Data is the raw PCM payload.
	Data []byte

	// Format of Data.
	Format Format

	// Offset is the position of the first sample relative to stream start.
	Offset time.Duration
}

// FrameBytes returns the byte length of a mono frame of ms milliseconds at
// rate Hz.
func FrameBytes(rate, ms int) int {
	return rate * ms / 1000 * BytesPerSample
}

// DurationOf returns the playback duration of n PCM bytes in format f.
func DurationOf(n int, f Format) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

