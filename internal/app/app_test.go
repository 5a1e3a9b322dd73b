package app_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/soniclens/internal/app"
	"github.com/MrWong99/soniclens/internal/capture"
	"github.com/MrWong99/soniclens/internal/clip"
	"github.com/MrWong99/soniclens/internal/config"
	"github.com/MrWong99/soniclens/internal/observe"
	"github.com/MrWong99/soniclens/pkg/audio"
	"github.com/MrWong99/soniclens/pkg/provider/llm"
	llmmock "github.com/MrWong99/soniclens/pkg/provider/llm/mock"
	"github.com/MrWong99/soniclens/pkg/provider/stt"
	sttmock "github.com/MrWong99/soniclens/pkg/provider/stt/mock"
	"github.com/MrWong99/soniclens/pkg/provider/vad"
	vadmock "github.com/MrWong99/soniclens/pkg/provider/vad/mock"
	"github.com/MrWong99/soniclens/pkg/types"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

// fixedIntervals is an interval source that yields the same intervals for
// every recording.
type fixedIntervals []types.Interval

func (f fixedIntervals) Intervals(context.Context, string) iter.Seq2[types.Interval, error] {
	return func(yield func(types.Interval, error) bool) {
		for _, iv := range f {
			if !yield(iv, nil) {
				return
			}
		}
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// writeInput writes seconds of silent 16 kHz mono audio.
func writeInput(t *testing.T, seconds float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	pcm := make([]byte, int(seconds*float64(mono16k.BytesPerSecond())))
	if err := audio.WriteWAV(path, pcm, mono16k); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	return path
}

// speechScript marks frames [from, to) of n as speech.
func speechScript(n, from, to int) []bool {
	s := make([]bool, n)
	for i := from; i < to; i++ {
		s[i] = true
	}
	return s
}

// testConfig returns the default config with clip and live files under t's
// temp dirs and a "mock" transcription provider.
func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Clip.TempDir = t.TempDir()
	cfg.Live.Dir = t.TempDir()
	cfg.VAD.Provider.Name = "mock"
	cfg.Transcription.Provider = config.ProviderEntry{Name: "mock", Model: "tiny"}
	cfg.Transcription.Workers = 2
	return cfg
}

// testRegistry registers engine as the "mock" VAD, the native extractor and
// providers as STT factories by name. loads counts factory invocations.
func testRegistry(engine vad.Engine, providers map[string]stt.Provider, loads *atomic.Int32) *config.Registry {
	reg := config.NewRegistry()
	if engine != nil {
		reg.RegisterVAD("mock", func(config.ProviderEntry) (vad.Engine, error) { return engine, nil })
	}
	reg.RegisterExtractor(config.ExtractorNative, func(c config.ClipConfig) (clip.Extractor, error) {
		return clip.NewNative(clip.Options{Padding: c.Padding, SampleRate: c.SampleRate, TempDir: c.TempDir}), nil
	})
	for name, p := range providers {
		reg.RegisterSTT(name, func(config.ProviderEntry, string) (stt.Provider, error) {
			if loads != nil {
				loads.Add(1)
			}
			return p, nil
		})
	}
	return reg
}

func newMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m, reader
}

// counter sums the data points of the int64 counter name whose attribute key
// has value.
func counter(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestNew_RunFromRegistry(t *testing.T) {
	t.Parallel()

	// 100 frames of 30 ms; speech from frame 10 to 40 gives [0.3, 1.2].
	engine := &vadmock.Engine{Session: &vadmock.Session{Script: speechScript(100, 10, 40)}}
	asr := &sttmock.Provider{Text: "hello world"}
	var loads atomic.Int32
	reg := testRegistry(engine, map[string]stt.Provider{"mock": asr}, &loads)
	cfg := testConfig(t)
	cfg.Transcription.Language = "en"

	a, err := app.New(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if d := a.Degraded(); len(d) != 0 {
		t.Errorf("Degraded = %v, want none", d)
	}
	res, err := a.Run(context.Background(), writeInput(t, 3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Transcript) != 1 {
		t.Fatalf("transcript = %+v, want one segment", res.Transcript)
	}
	seg := res.Transcript[0]
	if seg.Speaker != "S1" || seg.Text != "Hello world." || !near(seg.Start, 0.3) || !near(seg.End, 1.2) {
		t.Errorf("segment = %+v", seg)
	}
	if got := loads.Load(); got != 1 {
		t.Errorf("engine loads = %d, want 1", got)
	}
	calls := asr.Calls()
	if len(calls) != 1 || calls[0].Cfg.Language != "en" {
		t.Errorf("transcribe calls = %+v", calls)
	}
	if got := engine.NewSessionCalls[0].Cfg.Aggressiveness; got != 2 {
		t.Errorf("vad aggressiveness = %d, want 2", got)
	}
}

func TestNew_DegradedPlaceholders(t *testing.T) {
	t.Parallel()

	reg := testRegistry(nil, nil, nil)
	cfg := testConfig(t)

	a, err := app.New(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if d := a.Degraded(); len(d) != 2 {
		t.Fatalf("Degraded = %v, want vad and transcription placeholders", d)
	}
	res, err := a.Run(context.Background(), writeInput(t, 2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Transcript) != 1 || !res.Transcript[0].Failed() {
		t.Fatalf("transcript = %+v, want one failed segment", res.Transcript)
	}
	if !strings.Contains(res.Transcript[0].Text, "[ASR error:") {
		t.Errorf("text = %q, want ASR error marker", res.Transcript[0].Text)
	}
	if len(res.Degraded) != 2 {
		t.Errorf("Result.Degraded = %v", res.Degraded)
	}
}

func TestNew_Fatal(t *testing.T) {
	t.Parallel()

	t.Run("vad missing without degraded mode", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t)
		cfg.AllowDegraded = false
		reg := testRegistry(nil, map[string]stt.Provider{"mock": &sttmock.Provider{}}, nil)
		_, err := app.New(context.Background(), cfg, reg)
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("err = %v, want ErrProviderNotRegistered", err)
		}
	})

	t.Run("transcription missing without degraded mode", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t)
		cfg.AllowDegraded = false
		reg := testRegistry(&vadmock.Engine{}, nil, nil)
		_, err := app.New(context.Background(), cfg, reg)
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("err = %v, want ErrProviderNotRegistered", err)
		}
	})

	t.Run("model not found even in degraded mode", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t)
		reg := testRegistry(&vadmock.Engine{}, nil, nil)
		reg.RegisterSTT("mock", func(e config.ProviderEntry, _ string) (stt.Provider, error) {
			return nil, errors.Join(stt.ErrModelNotFound, errors.New(e.Model))
		})
		_, err := app.New(context.Background(), cfg, reg)
		if !errors.Is(err, stt.ErrModelNotFound) {
			t.Errorf("err = %v, want ErrModelNotFound", err)
		}
	})

	t.Run("unknown extractor", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t)
		cfg.Clip.Extractor = config.ExtractorFFmpeg
		reg := testRegistry(&vadmock.Engine{}, map[string]stt.Provider{"mock": &sttmock.Provider{}}, nil)
		_, err := app.New(context.Background(), cfg, reg)
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("err = %v, want ErrProviderNotRegistered", err)
		}
	})
}

func TestNew_FallbackEngine(t *testing.T) {
	t.Parallel()

	m, reader := newMetrics(t)
	primary := &sttmock.Provider{Err: errors.New("gpu out of memory")}
	backup := &sttmock.Provider{Text: "from the backup"}
	reg := testRegistry(&vadmock.Engine{}, map[string]stt.Provider{"mock": primary, "backup": backup}, nil)
	cfg := testConfig(t)
	cfg.Transcription.Fallbacks = []config.ProviderEntry{{Name: "backup"}}

	a, err := app.New(context.Background(), cfg, reg,
		app.WithDetector(fixedIntervals{{Start: 0, End: 1}}),
		app.WithMetrics(m),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	res, err := a.Run(context.Background(), writeInput(t, 2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Transcript) != 1 || res.Transcript[0].Text != "From the backup." {
		t.Fatalf("transcript = %+v", res.Transcript)
	}
	if primary.CallCount() != 1 || backup.CallCount() != 1 {
		t.Errorf("calls: primary=%d backup=%d, want 1 each", primary.CallCount(), backup.CallCount())
	}
	if got := counter(t, reader, "soniclens.provider.errors", "provider", "mock"); got != 1 {
		t.Errorf("primary provider errors = %d, want 1", got)
	}
	if got := counter(t, reader, "soniclens.provider.requests", "provider", "backup"); got != 1 {
		t.Errorf("backup provider requests = %d, want 1", got)
	}
}

func TestNew_PrimaryLoadFailureUsesFallback(t *testing.T) {
	t.Parallel()

	backup := &sttmock.Provider{Text: "still here"}
	reg := testRegistry(&vadmock.Engine{}, map[string]stt.Provider{"backup": backup}, nil)
	reg.RegisterSTT("mock", func(config.ProviderEntry, string) (stt.Provider, error) {
		return nil, errors.New("server unreachable")
	})
	cfg := testConfig(t)
	cfg.AllowDegraded = false
	cfg.Transcription.Fallbacks = []config.ProviderEntry{{Name: "backup"}}

	a, err := app.New(context.Background(), cfg, reg, app.WithDetector(fixedIntervals{{Start: 0, End: 1}}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	res, err := a.Run(context.Background(), writeInput(t, 2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Transcript) != 1 || res.Transcript[0].Text != "Still here." {
		t.Errorf("transcript = %+v", res.Transcript)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	asr := &sttmock.Provider{Text: "deploy cubernetes now."}
	reg := testRegistry(&vadmock.Engine{}, map[string]stt.Provider{"mock": asr}, nil)
	cfg := testConfig(t)
	var level slog.LevelVar

	a, err := app.New(context.Background(), cfg, reg,
		app.WithDetector(fixedIntervals{{Start: 0, End: 1.5}, {Start: 1.7, End: 3}}),
		app.WithLogLevel(&level),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())
	input := writeInput(t, 4)

	// Round-robin speakers with a 0.2 s gap stay apart while both segments
	// are longer than the short utterance threshold.
	res, err := a.Run(context.Background(), input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Transcript) != 2 {
		t.Fatalf("before reload: %+v, want two segments", res.Transcript)
	}

	next := testConfig(t)
	next.LogLevel = config.LogDebug
	next.Merge.ShortUtterance = 1.4
	next.Vocabulary.Terms = []string{"Kubernetes"}
	a.ApplyConfig(next, config.Diff(cfg, next))

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	res, err = a.Run(context.Background(), input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Transcript) != 1 {
		t.Fatalf("after reload: %+v, want fused segment", res.Transcript)
	}
	if want := "Deploy Kubernetes now. Deploy Kubernetes now."; res.Transcript[0].Text != want {
		t.Errorf("text = %q, want %q", res.Transcript[0].Text, want)
	}
	if len(res.Corrections) != 2 {
		t.Errorf("corrections = %+v, want 2", res.Corrections)
	}
}

func TestApplyConfig_LLMCorrection(t *testing.T) {
	t.Parallel()

	asr := &sttmock.Provider{Text: "open the board"}
	reg := testRegistry(&vadmock.Engine{}, map[string]stt.Provider{"mock": asr}, nil)
	model := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"corrected_text": "Open the dashboard.", "corrections": [{"original": "board", "corrected": "dashboard", "confidence": 0.7}]}`,
	}}
	var created atomic.Int32
	reg.RegisterLLM("mock", func(e config.ProviderEntry) (llm.Provider, error) {
		created.Add(1)
		if e.Model != "small" {
			t.Errorf("llm model = %q, want small", e.Model)
		}
		return model, nil
	})

	cfg := testConfig(t)
	cfg.Vocabulary.Terms = []string{"Grafana"}
	cfg.Vocabulary.LLM = config.ProviderEntry{Name: "mock", Model: "small"}
	a, err := app.New(context.Background(), cfg, reg, app.WithDetector(fixedIntervals{{Start: 0, End: 1.5}}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())
	input := writeInput(t, 2)

	res, err := a.Run(context.Background(), input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Transcript[0].Text; got != "Open the dashboard." {
		t.Errorf("text = %q, want model correction", got)
	}
	if len(res.Corrections) != 1 || created.Load() != 1 {
		t.Errorf("corrections = %+v, llm created %d times", res.Corrections, created.Load())
	}

	// An unregistered model disables the pass instead of failing.
	next := testConfig(t)
	next.Vocabulary.Terms = cfg.Vocabulary.Terms
	next.Vocabulary.LLM = config.ProviderEntry{Name: "nope"}
	a.ApplyConfig(next, config.Diff(cfg, next))

	res, err = a.Run(context.Background(), input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Transcript[0].Text; got != "Open the board." {
		t.Errorf("text after disabling = %q", got)
	}
	if model.CallCount() != 1 {
		t.Errorf("model calls = %d, want 1", model.CallCount())
	}
}

func TestLive_ReplayAndHealth(t *testing.T) {
	t.Parallel()

	engine := &vadmock.Engine{Session: &vadmock.Session{Result: vad.FrameResult{Speech: true}}}
	asr := &sttmock.Provider{Text: "live words"}
	reg := testRegistry(engine, map[string]stt.Provider{"mock": asr}, nil)
	cfg := testConfig(t)
	cfg.Live.Overlap = 0

	a, err := app.New(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	src, err := capture.OpenFile(context.Background(), writeInput(t, 12), false)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	var streamed int
	out, err := a.Live(context.Background(), src, func(types.Segment) { streamed++ })
	if err != nil {
		t.Fatalf("Live: %v", err)
	}
	if len(out) != 2 || streamed != 2 {
		t.Fatalf("segments = %+v (streamed %d), want two 6 s chunks", out, streamed)
	}
	if out[1].Start != 6 || out[1].End != 12 || out[1].Text != "live words" {
		t.Errorf("second chunk = %+v", out[1])
	}

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	for path, want := range map[string]string{
		"/healthz": `"status":"ok"`,
		"/readyz":  `"live_dir"`,
		"/metrics": "",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, body %s", path, resp.StatusCode, body)
		}
		if !strings.Contains(string(body), want) {
			t.Errorf("GET %s body = %s, want %s", path, body, want)
		}
	}
}

func TestLive_CaptureFromRegistry(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Live.Capture = config.ProviderEntry{Name: "replay", Options: map[string]any{"path": writeInput(t, 6)}}
	reg := testRegistry(&vadmock.Engine{}, map[string]stt.Provider{"mock": &sttmock.Provider{Text: "x"}}, nil)
	opened := 0
	reg.RegisterCapture("replay", func(ctx context.Context, e config.ProviderEntry, _ config.ClipConfig) (capture.Source, error) {
		opened++
		return capture.OpenFile(ctx, e.Option("path", ""), false)
	})

	a, err := app.New(context.Background(), cfg, reg, app.WithTranscriber(&sttmock.Provider{Text: "x"}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	// The mock VAD classifies everything as silence, so nothing is
	// transcribed.
	out, err := a.Live(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Live: %v", err)
	}
	if opened != 1 || len(out) != 0 {
		t.Errorf("opened %d sources, got %d segments", opened, len(out))
	}

	cfg.Live.Capture.Name = "nope"
	if _, err := a.Live(context.Background(), nil, nil); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	asr := &sttmock.Provider{}
	reg := testRegistry(&vadmock.Engine{}, map[string]stt.Provider{"mock": asr}, nil)
	a, err := app.New(context.Background(), testConfig(t), reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if asr.CloseCallCount != 1 {
		t.Errorf("engine closed %d times, want 1", asr.CloseCallCount)
	}
}

func TestShutdown_ExpiredContext(t *testing.T) {
	t.Parallel()

	reg := testRegistry(&vadmock.Engine{}, map[string]stt.Provider{"mock": &sttmock.Provider{}}, nil)
	a, err := app.New(context.Background(), testConfig(t), reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestClean(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Vocabulary.Terms = []string{"Grafana"}
	in := types.Transcript{
		{Speaker: "S2", Start: 3.0, End: 3.4, Text: "open"},
		{Speaker: "S1", Start: 0, End: 1.5, Text: "  check the  grafanna dashboard"},
		{Speaker: "S2", Start: 5.0, End: 5.1, Text: "!!"},
	}
	out, corrections := app.Clean(cfg, in)

	want := types.Transcript{
		{Speaker: "S1", Start: 0, End: 1.5, Text: "Check the Grafana dashboard."},
		{Speaker: "S2", Start: 3.0, End: 3.4, Text: "Open."},
	}
	if len(out) != len(want) {
		t.Fatalf("Clean = %+v, want %+v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("segment %d = %+v, want %+v", i, out[i], want[i])
		}
	}
	if len(corrections) != 1 || corrections[0].Corrected != "Grafana" {
		t.Errorf("corrections = %+v", corrections)
	}
}
