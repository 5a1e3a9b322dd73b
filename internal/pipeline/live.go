package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/soniclens/internal/clip"
	"github.com/MrWong99/soniclens/internal/detect"
	"github.com/MrWong99/soniclens/internal/observe"
	"github.com/MrWong99/soniclens/pkg/audio"
	"github.com/MrWong99/soniclens/pkg/types"
)

// Live capture defaults.
const (
	DefaultChunk   = 6 * time.Second
	DefaultOverlap = 1 * time.Second

	// LiveSpeaker labels every live segment; live mode does no speaker
	// attribution.
	LiveSpeaker = "S1"

	// liveQueue is how many captured chunks may wait for transcription
	// before capture blocks.
	liveQueue = 4

	liveFilePattern = "live-*.wav"
)

// liveFormat is the layout chunks are converted to before the voice check
// and transcription.
var liveFormat = audio.Format{SampleRate: 16000, Channels: 1}

// VoiceChecker reports whether a chunk contains speech. [detect.Detector]
// implements it.
type VoiceChecker interface {
	HasVoice(pcm []byte, format audio.Format) (bool, error)
}

var _ VoiceChecker = (*detect.Detector)(nil)

// LiveConfig controls chunking and temporary file retention.
type LiveConfig struct {
	// Chunk is the length of each captured chunk. Zero means DefaultChunk.
	Chunk time.Duration

	// Overlap is the tail of each chunk repeated at the start of the next
	// one so words on a boundary are not clipped. It must be shorter than
	// Chunk; zero means no overlap.
	Overlap time.Duration

	// Dir receives one WAV file per voiced chunk. Empty means a
	// "soniclens-live" directory under os.TempDir().
	Dir string

	// Retention and ReapInterval configure the stale file reaper.
	Retention    time.Duration
	ReapInterval time.Duration

	// Merge runs the segment merger over the accumulated segments before Run
	// returns. Chunks overlap in time, so merging fuses consecutive voiced
	// chunks into one segment.
	Merge bool

	// OnSegment, if set, receives every segment as soon as it is
	// transcribed. It is called from the Run goroutine.
	OnSegment func(types.Segment)
}

func (c LiveConfig) withDefaults() LiveConfig {
	if c.Chunk <= 0 {
		c.Chunk = DefaultChunk
	}
	if c.Overlap < 0 || c.Overlap >= c.Chunk {
		c.Overlap = 0
	}
	if c.Dir == "" {
		c.Dir = filepath.Join(os.TempDir(), "soniclens-live")
	}
	return c
}

// Live transcribes a continuous audio stream chunk by chunk. It shares the
// transcription provider, merger and metrics of the [Pipeline] it was
// created from.
type Live struct {
	p     *Pipeline
	voice VoiceChecker
	cfg   LiveConfig
}

// NewLive returns a live runner. voice may be nil, in which case every chunk
// is transcribed.
func (p *Pipeline) NewLive(voice VoiceChecker, cfg LiveConfig) *Live {
	return &Live{p: p, voice: voice, cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (l *Live) Config() LiveConfig { return l.cfg }

type chunk struct {
	index int
	start float64
	pcm   []byte
}

// Run captures src until it ends or ctx is cancelled and returns every
// segment produced.
//
// Each chunk holds Chunk worth of audio, the first Overlap of which repeats
// the previous chunk's tail. Chunks without voice are discarded. Voiced
// chunks are written to a uuid-named WAV file in Dir and transcribed; a
// transcription failure yields an error segment. Segment times are seconds
// from the start of the session. A stale file reaper sweeps Dir while Run is
// active.
//
// Cancellation is a normal stop: the chunk being transcribed is abandoned and
// the accumulated segments are returned with a nil error. A capture error is
// returned together with the segments accumulated before it. Reads from src
// must return once ctx is cancelled; the sources in package capture do.
func (l *Live) Run(ctx context.Context, src detect.Source) (types.Transcript, error) {
	format := src.Format()
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("pipeline: live source %s: %w", format, audio.ErrUnsupportedAudioFormat)
	}
	if err := os.MkdirAll(l.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: live dir: %w", err)
	}

	m := l.p.metrics
	if m != nil {
		m.ActiveLiveSessions.Add(ctx, 1)
		defer m.ActiveLiveSessions.Add(context.Background(), -1)
	}

	reaper := &clip.Reaper{
		Dir:      l.cfg.Dir,
		Pattern:  liveFilePattern,
		MaxAge:   l.cfg.Retention,
		Interval: l.cfg.ReapInterval,
	}
	if m != nil {
		reaper.OnReap = func(n int) { m.RecordReaped(context.Background(), n) }
	}
	reapCtx, stopReap := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() { reaper.Run(reapCtx) })
	defer func() {
		stopReap()
		wg.Wait()
	}()

	slog.Info("live: session started",
		"format", format, "chunk", l.cfg.Chunk, "overlap", l.cfg.Overlap, "dir", l.cfg.Dir)

	chunks := make(chan chunk, liveQueue)
	capErr := make(chan error, 1)
	go func() { capErr <- l.capture(ctx, src, format, chunks) }()

	out := types.Transcript{}
	for c := range chunks {
		seg, ok := l.handle(ctx, c, format)
		if ctx.Err() != nil {
			break
		}
		if !ok {
			continue
		}
		out = append(out, seg)
		if l.cfg.OnSegment != nil {
			l.cfg.OnSegment(seg)
		}
	}
	err := <-capErr
	if ctx.Err() != nil {
		err = nil
	}

	if l.cfg.Merge {
		out, _ = l.p.finish(context.WithoutCancel(ctx), out)
	}
	slog.Info("live: session stopped", "segments", len(out), "err", err)
	return out, err
}

// capture slices src into overlapping chunks and sends them on out, closing
// out when done. The final chunk may be shorter than Chunk. Cancellation is
// not an error.
func (l *Live) capture(ctx context.Context, src io.Reader, format audio.Format, out chan<- chunk) error {
	defer close(out)

	chunkBytes := alignedBytes(l.cfg.Chunk, format)
	overlapBytes := alignedBytes(l.cfg.Overlap, format)
	bps := float64(format.BytesPerSecond())

	var (
		carry []byte
		pos   int
	)
	for i := 0; ; i++ {
		buf := make([]byte, chunkBytes)
		kept := copy(buf, carry)
		n, err := io.ReadFull(src, buf[kept:])
		start := float64(pos-kept) / bps
		pos += n
		total := kept + n

		last := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !last {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pipeline: live capture: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if n > 0 {
			select {
			case out <- chunk{index: i, start: start, pcm: buf[:total]}:
			case <-ctx.Done():
				return nil
			}
		}
		if last {
			return nil
		}
		carry = buf[total-overlapBytes : total]
	}
}

// handle runs the voice check and transcription for one chunk. ok is false
// when the chunk is silent or was abandoned.
func (l *Live) handle(ctx context.Context, c chunk, format audio.Format) (seg types.Segment, ok bool) {
	m := l.p.metrics
	end := c.start + float64(len(c.pcm))/float64(format.BytesPerSecond())
	pcm := c.pcm
	if format != liveFormat {
		pcm = audio.ConvertPCM(pcm, format, liveFormat)
	}

	if l.voice != nil {
		voiced, err := l.voice.HasVoice(pcm, liveFormat)
		if err != nil {
			slog.Warn("live: voice check failed, transcribing anyway", "chunk", c.index, "err", err)
			voiced = true
		}
		if !voiced {
			slog.Debug("live: chunk silent", "chunk", c.index, "start", c.start)
			l.recordChunk(m, observe.ChunkSilent)
			return types.Segment{}, false
		}
	}

	seg = types.Segment{Speaker: LiveSpeaker, Start: c.start, End: end}

	name := "live-" + uuid.NewString() + ".wav"
	path := filepath.Join(l.cfg.Dir, name)
	if err := audio.WriteWAV(path, pcm, liveFormat); err != nil {
		markCutError(&seg, err)
		l.recordChunk(m, observe.ChunkFailed)
		slog.Warn("live: write chunk", "chunk", c.index, "err", err)
		return seg, true
	}
	// The file stays on disk for inspection until the reaper removes it.
	clipFile := &audio.Clip{Path: path, Start: c.start, End: end, Format: liveFormat}

	tctx, cancel := context.WithTimeout(ctx, l.p.timeout)
	defer cancel()
	text, err := l.p.transcribe(tctx, clipFile)
	if ctx.Err() != nil {
		return types.Segment{}, false
	}
	if err != nil {
		markASRError(&seg, err)
		l.recordChunk(m, observe.ChunkFailed)
		slog.Warn("live: transcription failed", "file", name, "err", err)
		return seg, true
	}
	seg.Text = text
	l.recordChunk(m, observe.ChunkTranscribed)
	slog.Info("live: chunk transcribed", "file", name, "start", seg.Start, "end", seg.End, "text", text)
	return seg, true
}

func (l *Live) recordChunk(m *observe.Metrics, outcome string) {
	if m != nil {
		m.RecordChunk(context.Background(), outcome)
	}
}

// alignedBytes converts d to a byte count of whole sample frames in format.
func alignedBytes(d time.Duration, format audio.Format) int {
	frame := 2 * format.Channels
	n := int(d.Seconds() * float64(format.BytesPerSecond()))
	return n / frame * frame
}
