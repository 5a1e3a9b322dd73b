package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/soniclens/pkg/audio"
)

// DefaultSampleRate is the rate ffmpeg resamples captured audio to.
const DefaultSampleRate = 16000

// FFmpegConfig selects the capture device.
type FFmpegConfig struct {
	// Path of the ffmpeg binary. Empty means "ffmpeg" from PATH.
	Path string

	// InputFormat is the ffmpeg input device demuxer, e.g. "pulse", "alsa",
	// "avfoundation" or "dshow".
	InputFormat string

	// Device names the capture device in the demuxer's syntax, e.g.
	// "default" for pulse or ":0" for avfoundation.
	Device string

	// SampleRate of the produced stream. Zero means DefaultSampleRate.
	SampleRate int
}

// FFmpeg captures a device through an ffmpeg child process that writes mono
// s16le PCM to its stdout. The process is killed when the context passed to
// [StartFFmpeg] is cancelled or Close is called.
type FFmpeg struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	format audio.Format
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// ffmpegArgs builds the capture command line.
func ffmpegArgs(cfg FFmpegConfig) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if cfg.InputFormat != "" {
		args = append(args, "-f", cfg.InputFormat)
	}
	return append(args,
		"-i", cfg.Device,
		"-ac", "1",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"pipe:1",
	)
}

// StartFFmpeg launches the capture process.
func StartFFmpeg(ctx context.Context, cfg FFmpegConfig) (*FFmpeg, error) {
	if cfg.Device == "" {
		return nil, errors.New("capture: ffmpeg: device is required")
	}
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, cfg.Path, ffmpegArgs(cfg)...)
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("capture: ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("capture: start %s: %w", cfg.Path, err)
	}
	slog.Info("capture: ffmpeg started", "pid", cmd.Process.Pid, "input_format", cfg.InputFormat, "device", cfg.Device)

	return &FFmpeg{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		format: audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
		cancel: cancel,
	}, nil
}

// Format returns the produced layout: mono at the configured rate.
func (f *FFmpeg) Format() audio.Format { return f.format }

// Read returns captured PCM. It returns io.EOF once ffmpeg exits.
func (f *FFmpeg) Read(p []byte) (int, error) {
	return f.stdout.Read(p)
}

// Close stops the capture process and waits for it to exit. An exit caused
// by Close or by context cancellation is not an error; any other failure is
// reported with ffmpeg's last stderr output.
func (f *FFmpeg) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		err := f.cmd.Wait()
		if err == nil || f.cmd.ProcessState != nil && !f.cmd.ProcessState.Exited() {
			// Killed by signal: the expected way to stop a capture.
			return
		}
		if msg := strings.TrimSpace(f.stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		f.closeErr = fmt.Errorf("capture: ffmpeg: %w", err)
	})
	return f.closeErr
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if extra := t.buf.Len() - t.max; extra > 0 {
		t.buf.Next(extra)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
