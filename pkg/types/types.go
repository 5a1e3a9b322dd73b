// Package types defines the shared data model used across all SonicLens
// packages.
//
// An [Interval] is produced by voice activity detection, a [Segment] is the
// unit that flows through clip extraction, transcription and merging, and a
// [Transcript] is the final ordered output. These types live here so that the
// detector, the pipeline, the merger and the CLI agree on one canonical shape;
// any external representation is converted once at the boundary (see
// [DecodeSegments]).
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Interval is a contiguous time span classified as speech. Start and End are
// offsets in seconds from the beginning of the recording. Intervals emitted by
// a detector are half-open, non-overlapping and start-ascending.
type Interval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End − Start in seconds.
func (iv Interval) Duration() float64 {
	return iv.End - iv.Start
}

// Segment is a time-stamped, speaker-labelled, text-bearing transcript unit.
//
// Speaker is an opaque label; it carries no identity guarantee across
// segments. Text is empty until a transcription engine fills it. When clip
// extraction or transcription fails, Text holds a human-readable error marker
// and Error holds the underlying reason, so the failure is visible in the
// serialized output.
type Segment struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Error   string  `json:"error,omitempty"`
}

// Duration returns End − Start in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Failed reports whether the segment carries an extraction or transcription
// failure instead of recognised speech.
func (s Segment) Failed() bool {
	return s.Error != ""
}

// Interval returns the time span covered by the segment.
func (s Segment) Interval() Interval {
	return Interval{Start: s.Start, End: s.End}
}

// Transcript is an ordered, start-ascending sequence of segments.
type Transcript []Segment

// Failures returns the number of segments that carry an error marker.
func (t Transcript) Failures() int {
	n := 0
	for _, s := range t {
		if s.Failed() {
			n++
		}
	}
	return n
}

// CoveredTime returns the sum of segment durations in seconds.
func (t Transcript) CoveredTime() float64 {
	var total float64
	for _, s := range t {
		total += s.Duration()
	}
	return total
}

// ErrInvalidSegment is returned by [DecodeSegments] when an external segment
// cannot be converted into a canonical [Segment].
var ErrInvalidSegment = errors.New("invalid segment")

// externalSegment accepts the field spellings produced by other tools
// (live-capture records use start_ts/end_ts, some diarizers emit spk).
type externalSegment struct {
	Speaker  *string  `json:"speaker"`
	Spk      *string  `json:"spk"`
	Start    *float64 `json:"start"`
	StartTS  *float64 `json:"start_ts"`
	End      *float64 `json:"end"`
	EndTS    *float64 `json:"end_ts"`
	Text     string   `json:"text"`
	Error    string   `json:"error"`
	Filename string   `json:"filename"`
}

// DecodeSegments reads a JSON array of segments from r and converts every
// entry into a canonical [Segment]. Only JSON is accepted. Entries without a
// start or end time, or whose end precedes their start, are rejected with an
// error wrapping [ErrInvalidSegment].
func DecodeSegments(r io.Reader) (Transcript, error) {
	var raw []externalSegment
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("types: decode segments: %w", err)
	}

	out := make(Transcript, 0, len(raw))
	for i, es := range raw {
		seg, err := es.canonical()
		if err != nil {
			return nil, fmt.Errorf("types: segment %d: %w", i, err)
		}
		out = append(out, seg)
	}
	return out, nil
}

func (es externalSegment) canonical() (Segment, error) {
	seg := Segment{Text: es.Text, Error: es.Error}

	switch {
	case es.Speaker != nil:
		seg.Speaker = *es.Speaker
	case es.Spk != nil:
		seg.Speaker = *es.Spk
	}

	switch {
	case es.Start != nil:
		seg.Start = *es.Start
	case es.StartTS != nil:
		seg.Start = *es.StartTS
	default:
		return Segment{}, fmt.Errorf("%w: missing start", ErrInvalidSegment)
	}

	switch {
	case es.End != nil:
		seg.End = *es.End
	case es.EndTS != nil:
		seg.End = *es.EndTS
	default:
		return Segment{}, fmt.Errorf("%w: missing end", ErrInvalidSegment)
	}

	if seg.End < seg.Start {
		return Segment{}, fmt.Errorf("%w: end %.3f precedes start %.3f", ErrInvalidSegment, seg.End, seg.Start)
	}
	return seg, nil
}
