// Package app wires all SonicLens subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run and Live execute transcriptions, ApplyConfig takes
// hot-reloadable config changes, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithDetector,
// WithTranscriber, ...). When an option is not provided, New creates real
// implementations from the config through the [config.Registry].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/soniclens/internal/capture"
	"github.com/MrWong99/soniclens/internal/clip"
	"github.com/MrWong99/soniclens/internal/config"
	"github.com/MrWong99/soniclens/internal/detect"
	"github.com/MrWong99/soniclens/internal/health"
	"github.com/MrWong99/soniclens/internal/modelcache"
	"github.com/MrWong99/soniclens/internal/observe"
	"github.com/MrWong99/soniclens/internal/pipeline"
	"github.com/MrWong99/soniclens/internal/resilience"
	"github.com/MrWong99/soniclens/internal/transcript"
	"github.com/MrWong99/soniclens/internal/transcript/llmcorrect"
	"github.com/MrWong99/soniclens/internal/transcript/phonetic"
	"github.com/MrWong99/soniclens/pkg/provider/stt"
	"github.com/MrWong99/soniclens/pkg/types"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	metrics *observe.Metrics
	level   *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	detector    detect.IntervalSource
	voice       pipeline.VoiceChecker
	extractor   clip.Extractor
	models      *modelcache.Cache[stt.Provider]
	transcriber stt.Provider
	pipeline    *pipeline.Pipeline
	health      *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// liveCheck registers the live directory readiness check once.
	liveCheck sync.Once

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records pipeline and HTTP metrics on m instead of the global
// meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets ApplyConfig change the level of the handler built on lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithDetector injects an interval source instead of building one from the
// vad config section.
func WithDetector(d detect.IntervalSource) Option {
	return func(a *App) { a.detector = d }
}

// WithExtractor injects a clip extractor instead of creating one from config.
func WithExtractor(e clip.Extractor) Option {
	return func(a *App) { a.extractor = e }
}

// WithTranscriber injects a transcription provider instead of the cached
// engines from the transcription config section.
func WithTranscriber(p stt.Provider) Option {
	return func(a *App) { a.transcriber = p }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg, building providers through reg.
//
// The primary transcription engine is loaded before New returns so that a
// missing model fails fast. When cfg.AllowDegraded is set, a VAD engine or
// transcription engine that cannot be created is replaced by its documented
// placeholder and the substitution is reported by [App.Degraded]; a missing
// model is fatal regardless.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		reg: reg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Voice activity detection ───────────────────────────────────────
	if err := a.initDetector(); err != nil {
		return nil, fmt.Errorf("app: init vad: %w", err)
	}

	// ── 2. Clip extraction ───────────────────────────────────────────────
	if a.extractor == nil {
		ex, err := reg.CreateExtractor(cfg.Clip)
		if err != nil {
			return nil, fmt.Errorf("app: init extractor: %w", err)
		}
		a.extractor = ex
	}

	// ── 3. Transcription ─────────────────────────────────────────────────
	if err := a.initTranscriber(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init transcription: %w", err)
	}

	// ── 4. Pipeline ──────────────────────────────────────────────────────
	tc := cfg.Transcription
	a.pipeline = pipeline.New(a.detector, a.extractor, a.transcriber,
		pipeline.WithMerger(transcript.NewMerger(cfg.Merge)),
		pipeline.WithVocabulary(newVocabulary(cfg.Vocabulary)),
		pipeline.WithCorrector(a.newCorrector(cfg.Vocabulary)),
		pipeline.WithWorkers(tc.Workers),
		pipeline.WithSegmentTimeout(tc.Timeout),
		pipeline.WithLanguage(tc.Language),
		pipeline.WithMetrics(a.metrics),
	)

	// ── 5. Health ────────────────────────────────────────────────────────
	a.health = health.New()
	a.health.SetDegraded(a.pipeline.Degraded)

	for _, d := range a.pipeline.Degraded() {
		slog.Warn("app: running degraded", "component", d)
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initDetector builds the VAD engine and detector unless one was injected.
func (a *App) initDetector() error {
	if a.detector != nil {
		if v, ok := a.detector.(pipeline.VoiceChecker); ok {
			a.voice = v
		}
		return nil
	}
	vc := a.cfg.VAD
	engine, err := a.reg.CreateVAD(vc.Provider)
	if err != nil {
		if !a.cfg.AllowDegraded {
			return err
		}
		slog.Warn("app: vad engine unavailable, treating each recording as one segment",
			"provider", vc.Provider.Name, "err", err)
		a.detector = detect.WholeRecording{Reason: fmt.Sprintf("vad %s: %v", vc.Provider.Name, err)}
		return nil
	}
	var opts []detect.Option
	opts = append(opts, detect.WithAggressiveness(vc.Aggressiveness))
	if vc.FrameMs > 0 {
		opts = append(opts, detect.WithFrameMs(vc.FrameMs))
	}
	d := detect.New(engine, opts...)
	a.detector = d
	a.voice = d
	return nil
}

// initTranscriber puts every configured engine behind the model cache and,
// when fallbacks are configured, behind a circuit-breaking fallback group.
func (a *App) initTranscriber(ctx context.Context) error {
	if a.transcriber != nil {
		return nil
	}
	tc := a.cfg.Transcription
	device := config.ResolveDevice("", tc.Device)
	entries := append([]config.ProviderEntry{tc.Provider}, tc.Fallbacks...)

	keys := make([]modelcache.Key, len(entries))
	byKey := make(map[modelcache.Key]config.ProviderEntry, len(entries))
	for i, e := range entries {
		keys[i] = modelKey(e, device)
		byKey[keys[i]] = e
	}
	a.models = modelcache.New(func(ctx context.Context, key modelcache.Key) (stt.Provider, error) {
		e := byKey[key]
		slog.Info("app: loading transcription engine", "provider", e.Name, "model", e.Model, "device", key.Device)
		start := time.Now()
		p, err := a.reg.CreateSTT(e, key.Device)
		if err != nil {
			return nil, err
		}
		slog.Info("app: transcription engine ready", "key", key.String(), "elapsed", time.Since(start))
		return p, nil
	})
	a.closers = append(a.closers, a.models.Close)

	if _, err := a.models.Get(ctx, keys[0]); err != nil {
		switch {
		case errors.Is(err, stt.ErrModelNotFound), errors.Is(err, context.Canceled):
			return err
		case len(entries) > 1:
			slog.Warn("app: primary transcription engine failed to load, relying on fallbacks",
				"provider", entries[0].Name, "err", err)
		case a.cfg.AllowDegraded:
			slog.Warn("app: transcription engine unavailable", "provider", entries[0].Name, "err", err)
			a.transcriber = stt.Unavailable{Reason: fmt.Sprintf("%s: %v", entries[0].Name, err)}
			return nil
		default:
			return err
		}
	}

	engines := make([]*cachedEngine, len(entries))
	for i, e := range entries {
		engines[i] = &cachedEngine{name: e.Name, key: keys[i], cache: a.models, metrics: a.metrics}
	}
	if len(engines) == 1 {
		a.transcriber = engines[0]
		return nil
	}
	fb := resilience.NewSTTFallback(engines[0], entries[0].Name, resilience.FallbackConfig{
		CircuitBreaker: tc.CircuitBreaker,
	})
	for i := 1; i < len(engines); i++ {
		fb.AddFallback(entries[i].Name, engines[i])
	}
	a.transcriber = fb
	return nil
}

// modelKey identifies the engine for e on device. Entries naming the same
// provider and model share one loaded engine.
func modelKey(e config.ProviderEntry, device string) modelcache.Key {
	model := e.Model
	if model == "" {
		model = "default"
	}
	return modelcache.Key{Model: e.Name + "/" + model, Device: device}
}

// newVocabulary returns nil when no terms are configured.
func newVocabulary(vc config.VocabularyConfig) *transcript.Vocabulary {
	if len(vc.Terms) == 0 {
		return nil
	}
	var opts []phonetic.Option
	if vc.PhoneticThreshold > 0 {
		opts = append(opts, phonetic.WithPhoneticThreshold(vc.PhoneticThreshold))
	}
	if vc.FuzzyThreshold > 0 {
		opts = append(opts, phonetic.WithFuzzyThreshold(vc.FuzzyThreshold))
	}
	return transcript.NewVocabulary(vc.Terms, phonetic.New(opts...))
}

// newCorrector builds the language-model correction pass. It returns nil when
// no model or no terms are configured. A model that cannot be created only
// disables the pass, since the transcript is complete without it.
func (a *App) newCorrector(vc config.VocabularyConfig) *llmcorrect.Corrector {
	if vc.LLM.Name == "" || len(vc.Terms) == 0 {
		return nil
	}
	model, err := a.reg.CreateLLM(vc.LLM)
	if err != nil {
		slog.Warn("app: llm correction disabled", "provider", vc.LLM.Name, "err", err)
		return nil
	}
	return llmcorrect.New(model, vc.Terms,
		llmcorrect.WithTemperature(vc.LLM.FloatOption("temperature", 0.1)))
}

// Clean merges segments produced elsewhere with the thresholds in cfg.Merge
// and applies the configured vocabulary, without building an App.
func Clean(cfg *config.Config, segments types.Transcript) (types.Transcript, []transcript.Correction) {
	out := transcript.NewMerger(cfg.Merge).Merge(segments)
	return newVocabulary(cfg.Vocabulary).Apply(out)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run transcribes the recording at path.
func (a *App) Run(ctx context.Context, path string) (*pipeline.Result, error) {
	return a.pipeline.Process(ctx, path)
}

// Live transcribes src until it ends or ctx is cancelled and returns every
// segment captured. A nil src opens the capture source configured in
// live.capture. onSegment, if set, receives each segment as it is produced.
//
// When live.listen_addr is set, /metrics, /healthz and /readyz are served
// for the duration of the session.
func (a *App) Live(ctx context.Context, src capture.Source, onSegment func(types.Segment)) (types.Transcript, error) {
	lc := a.cfg.Live
	if src == nil {
		s, err := a.reg.CreateCapture(ctx, lc.Capture, a.cfg.Clip)
		if err != nil {
			return nil, fmt.Errorf("app: open capture: %w", err)
		}
		src = s
	}
	defer func() {
		if err := src.Close(); err != nil {
			slog.Warn("app: close capture source", "err", err)
		}
	}()

	live := a.pipeline.NewLive(a.voice, pipeline.LiveConfig{
		Chunk:        lc.Chunk,
		Overlap:      lc.Overlap,
		Dir:          lc.Dir,
		Retention:    lc.Retention,
		ReapInterval: lc.ReapInterval,
		Merge:        lc.Merge,
		OnSegment:    onSegment,
	})
	dir := live.Config().Dir
	a.liveCheck.Do(func() {
		a.health.Add(health.Checker{
			Name: "live_dir",
			Check: func(context.Context) error {
				info, err := os.Stat(dir)
				if err != nil {
					return err
				}
				if !info.IsDir() {
					return fmt.Errorf("%s is not a directory", dir)
				}
				return nil
			},
		})
	})

	if lc.ListenAddr != "" {
		stop, err := a.serve(lc.ListenAddr)
		if err != nil {
			return nil, err
		}
		defer stop()
	}

	slog.Info("app: live session started", "chunk", lc.Chunk, "overlap", lc.Overlap, "dir", dir)
	return live.Run(ctx, src)
}

// Handler returns the HTTP handler serving /metrics, /healthz and /readyz.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observe.MetricsHandler())
	a.health.Register(mux)
	return observe.Middleware(a.metrics, "/metrics", "/healthz", "/readyz")(mux)
}

// serve listens on addr and serves [App.Handler] until the returned stop
// function is called.
func (a *App) serve(addr string) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("app: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("app: http server failed", "err", err)
		}
	}()
	slog.Info("app: serving metrics and health", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("app: http shutdown", "err", err)
		}
		<-done
	}, nil
}

// Degraded names every placeholder component in use.
func (a *App) Degraded() []string {
	return a.pipeline.Degraded()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of d, taking values from cfg.
// Changes listed in d.Restart are logged and otherwise ignored.
func (a *App) ApplyConfig(cfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.MergeChanged {
		a.pipeline.SetMerger(transcript.NewMerger(cfg.Merge))
		slog.Info("app: merge thresholds updated",
			"gap_same_speaker", cfg.Merge.GapSameSpeaker,
			"gap_cross_speaker", cfg.Merge.GapCrossSpeaker,
		)
	}
	if d.VocabularyChanged {
		a.pipeline.SetVocabulary(newVocabulary(cfg.Vocabulary))
		a.pipeline.SetCorrector(a.newCorrector(cfg.Vocabulary))
		slog.Info("app: vocabulary updated", "terms", len(cfg.Vocabulary.Terms), "llm", cfg.Vocabulary.LLM.Name)
	}
	if len(d.Restart) > 0 {
		slog.Warn("app: config changes take effect after restart", "sections", d.Restart)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// close releases whatever New built before it failed.
func (a *App) close() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
