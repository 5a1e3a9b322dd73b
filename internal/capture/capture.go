// Package capture provides live audio sources for the live transcription
// runner.
//
// A [Source] is a PCM byte stream with a known layout. Every source in this
// package stops blocking in Read once the context it was opened with is
// cancelled, which is what lets a live session shut down promptly.
package capture

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/MrWong99/soniclens/pkg/audio"
)

// Source is a live stream of 16-bit little-endian PCM.
type Source interface {
	io.ReadCloser
	Format() audio.Format
}

var (
	_ Source = (*File)(nil)
	_ Source = (*FFmpeg)(nil)
)

// File replays a WAV file as a live source, optionally at real-time speed.
type File struct {
	ctx   context.Context
	r     *audio.WAVReader
	paced bool
	start time.Time
	read  int
}

// OpenFile opens the WAV file at path. When paced is true, Read never
// delivers audio faster than it would arrive from a microphone.
func OpenFile(ctx context.Context, path string, paced bool) (*File, error) {
	r, err := audio.OpenWAV(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	return &File{ctx: ctx, r: r, paced: paced}, nil
}

// Format returns the layout of the file.
func (f *File) Format() audio.Format { return f.r.Format() }

// Read returns the next PCM bytes of the file. It returns the context's error
// once the context is cancelled.
func (f *File) Read(p []byte) (int, error) {
	if err := f.ctx.Err(); err != nil {
		return 0, err
	}
	if f.paced && f.start.IsZero() {
		f.start = time.Now()
	}
	n, err := f.r.Read(p)
	f.read += n
	if !f.paced || n == 0 {
		return n, err
	}

	due := f.start.Add(audio.DurationOf(f.read, f.r.Format()))
	wait := time.Until(due)
	if wait <= 0 {
		return n, err
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return n, err
	case <-f.ctx.Done():
		return n, f.ctx.Err()
	}
}

// Close releases the file.
func (f *File) Close() error {
	return f.r.Close()
}
