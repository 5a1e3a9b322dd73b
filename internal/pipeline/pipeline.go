// Package pipeline sequences voice activity detection, clip extraction,
// transcription and merging into a single call.
//
// A [Pipeline] is assembled from capability interfaces chosen at startup:
// an interval source (a real detector or the whole-recording placeholder),
// a clip extractor and a transcription provider (a real engine, a failover
// group or the unavailable stub). Per-segment failures never abort a run;
// they become segments whose text is an error marker. Only precondition
// failures (missing input, unsupported audio format, cancellation) are
// returned as errors.
//
// Segments are processed by a bounded worker pool. Results are stored by
// emission index, so completion order never affects the output.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/soniclens/internal/clip"
	"github.com/MrWong99/soniclens/internal/detect"
	"github.com/MrWong99/soniclens/internal/observe"
	"github.com/MrWong99/soniclens/internal/transcript"
	"github.com/MrWong99/soniclens/internal/transcript/llmcorrect"
	"github.com/MrWong99/soniclens/pkg/audio"
	"github.com/MrWong99/soniclens/pkg/provider/stt"
	"github.com/MrWong99/soniclens/pkg/types"
)

// DefaultSegmentTimeout bounds extraction plus transcription of one segment.
const DefaultSegmentTimeout = 2 * time.Minute

// Error kinds recorded on the segment error counter.
const (
	errKindCut = "cut"
	errKindASR = "asr"
)

// degrader is implemented by placeholder components that stand in for an
// unavailable capability.
type degrader interface {
	Degraded() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMerger sets the segment merger. The default uses
// [transcript.DefaultConfig].
func WithMerger(m *transcript.Merger) Option {
	return func(p *Pipeline) { p.merger.Store(m) }
}

// WithVocabulary enables post-merge correction of known terms.
func WithVocabulary(v *transcript.Vocabulary) Option {
	return func(p *Pipeline) { p.vocab.Store(v) }
}

// WithCorrector enables the language-model correction pass, which runs
// after the vocabulary.
func WithCorrector(c *llmcorrect.Corrector) Option {
	return func(p *Pipeline) { p.corrector.Store(c) }
}

// WithWorkers bounds the number of segments processed concurrently. Values
// below one select runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(p *Pipeline) { p.workers = n }
}

// WithSegmentTimeout bounds the time spent on one segment. A segment that
// exceeds it becomes an error segment.
func WithSegmentTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithLanguage sets the language hint passed to the transcription provider.
func WithLanguage(code string) Option {
	return func(p *Pipeline) { p.language = code }
}

// WithLabeler replaces the speaker labeler. The default is
// [detect.RoundRobin].
func WithLabeler(l detect.Labeler) Option {
	return func(p *Pipeline) { p.labeler = l }
}

// WithMetrics records stage latencies and segment counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline turns a recording into a transcript. It is safe for concurrent
// use; the merger and vocabulary can be swapped while runs are in flight.
type Pipeline struct {
	detector    detect.IntervalSource
	extractor   clip.Extractor
	transcriber stt.Provider

	merger    atomic.Pointer[transcript.Merger]
	vocab     atomic.Pointer[transcript.Vocabulary]
	corrector atomic.Pointer[llmcorrect.Corrector]

	workers  int
	timeout  time.Duration
	language string
	labeler  detect.Labeler
	metrics  *observe.Metrics
}

// Result is the outcome of one [Pipeline.Process] run.
type Result struct {
	// RunID identifies the run in logs and traces.
	RunID uuid.UUID

	// Transcript is the merged, cleaned output.
	Transcript types.Transcript

	// Raw holds one segment per detected interval, in detection order,
	// before merging.
	Raw types.Transcript

	// Corrections lists vocabulary substitutions applied to Transcript.
	Corrections []transcript.Correction

	// Degraded names every placeholder component that took part in the run.
	Degraded []string

	// Elapsed is the wall time of the run.
	Elapsed time.Duration
}

// New assembles a Pipeline from its capabilities.
func New(detector detect.IntervalSource, extractor clip.Extractor, transcriber stt.Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		detector:    detector,
		extractor:   extractor,
		transcriber: transcriber,
		timeout:     DefaultSegmentTimeout,
		labeler:     detect.RoundRobin,
	}
	p.merger.Store(transcript.NewMerger(transcript.DefaultConfig()))
	for _, o := range opts {
		o(p)
	}
	if p.workers < 1 {
		p.workers = runtime.NumCPU()
	}
	if p.timeout <= 0 {
		p.timeout = DefaultSegmentTimeout
	}
	return p
}

// SetMerger replaces the merger used by subsequent merges.
func (p *Pipeline) SetMerger(m *transcript.Merger) {
	if m != nil {
		p.merger.Store(m)
	}
}

// SetVocabulary replaces the vocabulary. nil disables correction.
func (p *Pipeline) SetVocabulary(v *transcript.Vocabulary) {
	p.vocab.Store(v)
}

// SetCorrector replaces the language-model corrector. nil disables the pass.
func (p *Pipeline) SetCorrector(c *llmcorrect.Corrector) {
	p.corrector.Store(c)
}

// Degraded describes every placeholder capability the pipeline was built
// with. It is empty when all capabilities are real.
func (p *Pipeline) Degraded() []string {
	var out []string
	for _, c := range []any{p.detector, p.extractor, p.transcriber} {
		if d, ok := c.(degrader); ok {
			if s := d.Degraded(); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Process transcribes the recording at path.
//
// Intervals are consumed lazily from the detector and each becomes a segment
// processed by the worker pool. When detection fails (for example with
// [audio.ErrUnsupportedAudioFormat]) in-flight work is cancelled and the
// error is returned. Extraction and transcription failures are recorded on
// their segment and the run continues.
func (p *Pipeline) Process(ctx context.Context, path string) (*Result, error) {
	start := time.Now()
	runID := uuid.New()

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("pipeline: input: %w", err)
	}

	ctx, done := observe.StartStage(ctx, p.metrics, observe.StagePipeline,
		observe.Attr("run_id", runID.String()),
		observe.Attr("input", path),
	)
	res, err := p.process(ctx, runID, path)
	done(err)
	if err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start)

	observe.Logger(ctx).Info("pipeline: run complete",
		"run_id", runID,
		"intervals", len(res.Raw),
		"segments", len(res.Transcript),
		"failures", res.Raw.Failures(),
		"elapsed", res.Elapsed,
	)
	return res, nil
}

func (p *Pipeline) process(ctx context.Context, runID uuid.UUID, path string) (*Result, error) {
	log := observe.Logger(ctx).With("run_id", runID)
	degraded := p.Degraded()
	for _, d := range degraded {
		log.Warn("pipeline: running degraded", "reason", d)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	var (
		slots     []*types.Segment
		detectErr error
		vadTime   time.Duration
	)
	pulled := time.Now()
	for seg, err := range detect.Label(p.detector.Intervals(ctx, path), p.labeler) {
		vadTime += time.Since(pulled)
		if err != nil {
			detectErr = err
			break
		}
		slot := &seg
		slots = append(slots, slot)
		g.Go(func() error {
			p.processSegment(gctx, path, slot)
			return nil
		})
		pulled = time.Now()
	}
	if detectErr != nil {
		cancel()
	}
	_ = g.Wait()
	if p.metrics != nil {
		p.metrics.ObserveStage(ctx, observe.StageVAD, vadTime)
	}

	if detectErr != nil {
		return nil, fmt.Errorf("pipeline: detect: %w", detectErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	raw := make(types.Transcript, len(slots))
	for i, s := range slots {
		raw[i] = *s
	}
	merged, corrections := p.finish(ctx, raw)
	return &Result{
		RunID:       runID,
		Transcript:  merged,
		Raw:         raw,
		Corrections: corrections,
		Degraded:    degraded,
	}, nil
}

// finish merges segments, applies the vocabulary and then the corrector.
func (p *Pipeline) finish(ctx context.Context, segments types.Transcript) (types.Transcript, []transcript.Correction) {
	_, done := observe.StartStage(ctx, p.metrics, observe.StageMerge)
	merged := p.merger.Load().Merge(segments)
	out, corrections := p.vocab.Load().Apply(merged)
	done(nil)
	if c := p.corrector.Load(); c != nil {
		var more []transcript.Correction
		out, more = c.Apply(ctx, out)
		corrections = append(corrections, more...)
	}
	for _, c := range corrections {
		slog.Debug("pipeline: vocabulary correction",
			"original", c.Original, "corrected", c.Corrected, "confidence", c.Confidence)
	}
	return out, corrections
}

// processSegment extracts and transcribes seg in place. Failures are written
// into the segment as error markers.
func (p *Pipeline) processSegment(ctx context.Context, path string, seg *types.Segment) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cctx, done := observe.StartStage(ctx, p.metrics, observe.StageClip,
		observe.Attr("speaker", seg.Speaker))
	c, err := p.extractor.Extract(cctx, path, seg.Start, seg.End)
	done(err)
	if err != nil {
		markCutError(seg, err)
		p.recordSegment(ctx, errKindCut)
		observe.Logger(ctx).Warn("pipeline: clip extraction failed",
			"start", seg.Start, "end", seg.End, "err", err)
		return
	}
	defer func() {
		if err := c.Close(); err != nil {
			slog.Warn("pipeline: remove clip", "path", c.Path, "err", err)
		}
	}()

	text, err := p.transcribe(ctx, c)
	if err != nil {
		markASRError(seg, err)
		p.recordSegment(ctx, errKindASR)
		observe.Logger(ctx).Warn("pipeline: transcription failed",
			"start", seg.Start, "end", seg.End, "err", err)
		return
	}
	seg.Text = text
	p.recordSegment(ctx, "")
}

// transcribe runs the provider on c inside an stt stage span.
func (p *Pipeline) transcribe(ctx context.Context, c *audio.Clip) (string, error) {
	ctx, done := observe.StartStage(ctx, p.metrics, observe.StageSTT)
	tr, err := p.transcriber.Transcribe(ctx, c, stt.Config{Language: p.language})
	done(err)
	if err != nil {
		return "", err
	}
	return tr.Text, nil
}

func (p *Pipeline) recordSegment(ctx context.Context, errKind string) {
	if p.metrics != nil {
		p.metrics.RecordSegment(ctx, errKind)
	}
}

func markCutError(seg *types.Segment, err error) {
	seg.Text = fmt.Sprintf("[cut error: %v]", err)
	seg.Error = err.Error()
}

func markASRError(seg *types.Segment, err error) {
	seg.Text = fmt.Sprintf("[ASR error: %v]", err)
	seg.Error = err.Error()
}
