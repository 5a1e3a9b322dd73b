// Package clip cuts padded sub-ranges out of a recording into temporary
// WAV files in the layout transcription engines expect.
//
// Every [Extractor] returns an [*audio.Clip] owned by the caller, who must
// Close it on every exit path. Extractors never leave a partial file behind
// when they fail.
package clip

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/MrWong99/soniclens/pkg/audio"
)

// Defaults applied by [Options.withDefaults].
const (
	DefaultPadding    = 0.15
	DefaultSampleRate = 16000
	DefaultChannels   = 1
)

// ErrInvalidRange is returned for a requested range that is negative or
// empty.
var ErrInvalidRange = errors.New("clip: invalid range")

// Extractor materialises the padded range [start, end] of src as a clip.
type Extractor interface {
	Extract(ctx context.Context, src string, start, end float64) (*audio.Clip, error)
}

// Options controls the shape and location of extracted clips.
type Options struct {
	// Padding in seconds added before start and after end.
	Padding float64

	// SampleRate and Channels of the produced clip.
	SampleRate int
	Channels   int

	// TempDir receives clip files. Empty means os.TempDir().
	TempDir string
}

func (o Options) withDefaults() Options {
	if o.Padding < 0 {
		o.Padding = 0
	}
	if o.SampleRate <= 0 {
		o.SampleRate = DefaultSampleRate
	}
	if o.Channels <= 0 {
		o.Channels = DefaultChannels
	}
	if o.TempDir == "" {
		o.TempDir = os.TempDir()
	}
	return o
}

// DefaultOptions returns 0.15 s padding and 16 kHz mono output in the
// system temp directory.
func DefaultOptions() Options {
	return Options{Padding: DefaultPadding}.withDefaults()
}

// PaddedRange returns [max(0, start−pad), end+pad].
func PaddedRange(start, end, pad float64) (float64, float64) {
	return max(0, start-pad), end + pad
}

func checkRange(start, end float64) error {
	if start < 0 || end <= start {
		return fmt.Errorf("%w: [%.3f, %.3f]", ErrInvalidRange, start, end)
	}
	return nil
}

// tempPath returns a fresh, collision-free clip file name in dir.
func tempPath(dir string) string {
	return filepath.Join(dir, "clip-"+uuid.NewString()+".wav")
}
