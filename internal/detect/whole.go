package detect

import (
	"context"
	"io"
	"iter"

	"github.com/MrWong99/soniclens/pkg/audio"
	"github.com/MrWong99/soniclens/pkg/types"
)

// WholeRecording stands in for a detector when no frame classifier is
// available. It yields a single interval spanning the entire recording so
// the rest of the pipeline still produces a transcript, and reports the
// substitution through Degraded.
type WholeRecording struct {
	// Reason explains why real detection is unavailable.
	Reason string
}

// Degraded describes the substitution for inclusion in run results.
func (w WholeRecording) Degraded() string {
	return "voice activity detection unavailable, treating whole recording as speech: " + w.Reason
}

// Intervals yields [0, duration of the recording). An empty recording yields
// nothing.
func (w WholeRecording) Intervals(ctx context.Context, path string) iter.Seq2[types.Interval, error] {
	return func(yield func(types.Interval, error) bool) {
		r, err := audio.OpenWAV(path)
		if err != nil {
			yield(types.Interval{}, err)
			return
		}
		defer r.Close()

		if err := ctx.Err(); err != nil {
			yield(types.Interval{}, err)
			return
		}
		n, err := io.Copy(io.Discard, r)
		if err != nil {
			yield(types.Interval{}, err)
			return
		}
		bps := r.Format().BytesPerSecond()
		if n == 0 || bps == 0 {
			return
		}
		yield(types.Interval{Start: 0, End: float64(n) / float64(bps)}, nil)
	}
}
