package transcript

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"unicode"

	"github.com/MrWong99/soniclens/pkg/types"
)

// epsilon absorbs floating-point noise in gap and duration comparisons so
// that a gap of exactly the threshold fuses regardless of how it was computed.
const epsilon = 1e-9

// Config holds the merge thresholds. All durations are in seconds.
type Config struct {
	// GapSameSpeaker is the largest gap across which two segments of the
	// same speaker are fused.
	GapSameSpeaker float64 `yaml:"gap_same_speaker"`

	// GapCrossSpeaker is the largest gap across which segments of different
	// speakers are fused, provided one of them is shorter than
	// ShortUtterance. The earlier segment's speaker is kept.
	GapCrossSpeaker float64 `yaml:"gap_cross_speaker"`

	// ShortUtterance is the duration below which a segment counts as a
	// fragment for cross-speaker fusion.
	ShortUtterance float64 `yaml:"short_utterance"`

	// MinSegmentDuration is the duration below which a textless segment is
	// dropped.
	MinSegmentDuration float64 `yaml:"min_segment_duration"`

	// MinTextLen is the number of letters or digits a segment needs to count
	// as carrying text.
	MinTextLen int `yaml:"min_text_len"`
}

// DefaultConfig returns the standard thresholds: 0.5 s same-speaker gap,
// 0.3 s cross-speaker gap, 1.0 s short utterance, 0.15 s minimum duration
// and a minimum text length of one character.
func DefaultConfig() Config {
	return Config{
		GapSameSpeaker:     0.5,
		GapCrossSpeaker:    0.3,
		ShortUtterance:     1.0,
		MinSegmentDuration: 0.15,
		MinTextLen:         1,
	}
}

// Validate reports every negative threshold.
func (c Config) Validate() error {
	var errs []error
	if c.GapSameSpeaker < 0 {
		errs = append(errs, errors.New("gap_same_speaker must not be negative"))
	}
	if c.GapCrossSpeaker < 0 {
		errs = append(errs, errors.New("gap_cross_speaker must not be negative"))
	}
	if c.ShortUtterance < 0 {
		errs = append(errs, errors.New("short_utterance must not be negative"))
	}
	if c.MinSegmentDuration < 0 {
		errs = append(errs, errors.New("min_segment_duration must not be negative"))
	}
	if c.MinTextLen < 0 {
		errs = append(errs, errors.New("min_text_len must not be negative"))
	}
	return errors.Join(errs...)
}

// Merger fuses raw segments into a clean transcript. It is stateless apart
// from its configuration and safe for concurrent use.
type Merger struct {
	cfg Config
}

// NewMerger returns a Merger using cfg.
func NewMerger(cfg Config) *Merger {
	return &Merger{cfg: cfg}
}

// Config returns the thresholds in use.
func (m *Merger) Config() Config { return m.cfg }

// Merge orders segments by start time (stably), fuses adjacent segments that
// belong together, drops short textless noise and normalizes every
// resulting text.
//
// Segments carrying a failure marker are passed through verbatim: they are
// never fused, dropped or normalized, and they separate their neighbours.
//
// The passes repeat until nothing changes, so Merge(Merge(x)) == Merge(x).
// The input slice is not modified.
func (m *Merger) Merge(segments []types.Segment) types.Transcript {
	out := slices.Clone(segments)
	slices.SortStableFunc(out, func(a, b types.Segment) int {
		return cmp.Compare(a.Start, b.Start)
	})
	for i := range out {
		if !out[i].Failed() {
			out[i].Text = strings.Join(strings.Fields(out[i].Text), " ")
		}
	}

	for {
		n := len(out)
		out = m.pass(out)
		if len(out) == n {
			break
		}
	}
	if out == nil {
		out = []types.Segment{}
	}
	return types.Transcript(out)
}

// pass runs one round of merge, drop and normalize over segments sorted by
// start. Fusion works on whitespace-cleaned text so that fragments of one
// sentence join before punctuation is settled.
func (m *Merger) pass(segments []types.Segment) []types.Segment {
	merged := make([]types.Segment, 0, len(segments))
	for _, s := range segments {
		if n := len(merged); n > 0 && m.fusable(merged[n-1], s) {
			last := &merged[n-1]
			last.End = max(last.End, s.End)
			last.Text = joinText(last.Text, s.Text)
			continue
		}
		merged = append(merged, s)
	}

	kept := merged[:0]
	for _, s := range merged {
		if !s.Failed() && !m.hasText(s.Text) && s.Duration() < m.cfg.MinSegmentDuration-epsilon {
			continue
		}
		kept = append(kept, s)
	}

	m.normalizeAll(kept)
	return kept
}

func (m *Merger) normalizeAll(segments []types.Segment) {
	for i := range segments {
		if !segments[i].Failed() {
			segments[i].Text = Normalize(segments[i].Text)
		}
	}
}

// fusable reports whether next continues prev.
func (m *Merger) fusable(prev, next types.Segment) bool {
	if prev.Failed() || next.Failed() {
		return false
	}
	gap := next.Start - prev.End
	if prev.Speaker == next.Speaker {
		return gap <= m.cfg.GapSameSpeaker+epsilon
	}
	short := prev.Duration() < m.cfg.ShortUtterance-epsilon || next.Duration() < m.cfg.ShortUtterance-epsilon
	return short && gap <= m.cfg.GapCrossSpeaker+epsilon
}

// hasText reports whether text normalizes to something with at least
// MinTextLen letters or digits. Counting on the normalized form keeps the
// decision stable across repeated merges.
func (m *Merger) hasText(text string) bool {
	norm := Normalize(text)
	if norm == "" {
		return false
	}
	n := 0
	for _, r := range norm {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n >= m.cfg.MinTextLen
}

// joinText concatenates two texts with a single space, skipping the space
// when either side is empty.
func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
