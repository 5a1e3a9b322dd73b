package detect

import (
	"fmt"
	"iter"

	"github.com/MrWong99/soniclens/pkg/types"
)

// Labeler assigns a speaker label to the i-th emitted interval.
type Labeler func(i int, iv types.Interval) string

// RoundRobin alternates between "S1" and "S2" by emission index.
//
// This is a placeholder, not diarization: it carries no information about
// who is speaking. The merger's cross-speaker fusion rule compensates for it
// by joining short adjacent fragments regardless of label.
func RoundRobin(i int, _ types.Interval) string {
	return fmt.Sprintf("S%d", i%2+1)
}

// Label turns intervals into textless segments, assigning speakers with
// labeler (RoundRobin when nil). Errors are passed through unchanged.
func Label(intervals iter.Seq2[types.Interval, error], labeler Labeler) iter.Seq2[types.Segment, error] {
	if labeler == nil {
		labeler = RoundRobin
	}
	return func(yield func(types.Segment, error) bool) {
		i := 0
		for iv, err := range intervals {
			if err != nil {
				if !yield(types.Segment{}, err) {
					return
				}
				continue
			}
			seg := types.Segment{Speaker: labeler(i, iv), Start: iv.Start, End: iv.End}
			i++
			if !yield(seg, nil) {
				return
			}
		}
	}
}
