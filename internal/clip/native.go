package clip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/MrWong99/soniclens/pkg/audio"
)

// Native extracts clips in-process from WAV sources. It decodes only the
// bytes it needs: everything before the range is skipped and reading stops
// at the range end.
type Native struct {
	opts Options
}

var _ Extractor = (*Native)(nil)

// NewNative returns a Native extractor.
func NewNative(opts Options) *Native {
	return &Native{opts: opts.withDefaults()}
}

// Extract implements [Extractor]. A range that extends past the end of the
// recording is truncated; the returned clip's End reflects the audio it
// actually holds.
func (n *Native) Extract(ctx context.Context, src string, start, end float64) (*audio.Clip, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r, err := audio.OpenWAV(src)
	if err != nil {
		return nil, fmt.Errorf("clip: %w", err)
	}
	defer r.Close()

	from, to := PaddedRange(start, end, n.opts.Padding)
	srcFormat := r.Format()
	frameWidth := int64(audio.BytesPerSample * srcFormat.Channels)
	offset := int64(math.Round(from*float64(srcFormat.SampleRate))) * frameWidth
	length := int64(math.Round((to-from)*float64(srcFormat.SampleRate))) * frameWidth

	skipped, err := io.CopyN(io.Discard, r, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("clip: seek %s to %.3fs: %w", src, from, err)
	}
	if skipped < offset {
		return nil, fmt.Errorf("%w: start %.3fs is past the end of %s", ErrInvalidRange, from, src)
	}

	pcm, err := io.ReadAll(io.LimitReader(r, length))
	if err != nil {
		return nil, fmt.Errorf("clip: read %s: %w", src, err)
	}
	pcm = pcm[:len(pcm)-len(pcm)%int(frameWidth)]

	target := audio.Format{SampleRate: n.opts.SampleRate, Channels: n.opts.Channels}
	out := audio.ConvertPCM(pcm, srcFormat, target)

	path := tempPath(n.opts.TempDir)
	if err := audio.WriteWAV(path, out, target); err != nil {
		return nil, fmt.Errorf("clip: %w", err)
	}

	covered := float64(len(pcm)) / float64(srcFormat.BytesPerSecond())
	slog.Debug("clip: extracted", "src", src, "from", from, "to", from+covered, "path", path)
	return &audio.Clip{
		Path:   path,
		Start:  from,
		End:    from + covered,
		Format: target,
	}, nil
}
