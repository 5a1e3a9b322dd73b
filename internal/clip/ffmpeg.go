package clip

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"

	"github.com/MrWong99/soniclens/pkg/audio"
)

// commandRunner runs an external program and returns its combined output.
type commandRunner interface {
	CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error)
}

type osCommandRunner struct{}

func (osCommandRunner) CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FFmpegOption configures an FFmpeg extractor.
type FFmpegOption func(*FFmpeg)

// WithCommandRunner replaces the process runner. Intended for tests.
func WithCommandRunner(r commandRunner) FFmpegOption {
	return func(f *FFmpeg) { f.cmd = r }
}

// FFmpeg extracts clips by shelling out to ffmpeg, which lets it read any
// container and codec ffmpeg understands.
type FFmpeg struct {
	path string
	opts Options
	cmd  commandRunner
}

var _ Extractor = (*FFmpeg)(nil)

// NewFFmpeg returns an extractor invoking the ffmpeg binary at path ("ffmpeg"
// when empty).
func NewFFmpeg(path string, opts Options, fopts ...FFmpegOption) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	f := &FFmpeg{path: path, opts: opts.withDefaults(), cmd: osCommandRunner{}}
	for _, o := range fopts {
		o(f)
	}
	return f
}

// Extract implements [Extractor].
func (f *FFmpeg) Extract(ctx context.Context, src string, start, end float64) (*audio.Clip, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	if _, err := os.Stat(src); err != nil {
		return nil, fmt.Errorf("clip: %w", err)
	}

	from, to := PaddedRange(start, end, f.opts.Padding)
	path := tempPath(f.opts.TempDir)
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-ss", formatSeconds(from),
		"-to", formatSeconds(to),
		"-ac", strconv.Itoa(f.opts.Channels),
		"-ar", strconv.Itoa(f.opts.SampleRate),
		"-c:a", "pcm_s16le",
		path,
	}

	out, err := f.cmd.CombinedOutput(ctx, f.path, args)
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
		return nil, fmt.Errorf("clip: ffmpeg %s [%.3f, %.3f]: %w: %s", src, from, to, err, out)
	}

	return &audio.Clip{
		Path:   path,
		Start:  from,
		End:    to,
		Format: audio.Format{SampleRate: f.opts.SampleRate, Channels: f.opts.Channels},
	}, nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
