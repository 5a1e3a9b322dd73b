package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWith returns the value of the int64 sum data point whose attributes
// contain key=value, and whether it was found.
func sumWith(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value, true
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestObserveStage(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	stages := []struct {
		stage string
		name  string
	}{
		{StageVAD, "soniclens.vad.duration"},
		{StageClip, "soniclens.clip.duration"},
		{StageSTT, "soniclens.stt.duration"},
		{StageMerge, "soniclens.merge.duration"},
		{StagePipeline, "soniclens.pipeline.duration"},
	}

	for _, tc := range stages {
		m.ObserveStage(ctx, tc.stage, 120*time.Millisecond)
		m.ObserveStage(ctx, tc.stage, 45*time.Second)
	}
	m.ObserveStage(ctx, "unknown", time.Second)

	rm := collect(t, reader)

	for _, tc := range stages {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordSegment(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSegment(ctx, "")
	m.RecordSegment(ctx, "asr")
	m.RecordSegment(ctx, "asr")
	m.RecordSegment(ctx, "cut")

	rm := collect(t, reader)
	if got, _ := sumWith(t, rm, "soniclens.segments.processed", "", ""); got != 4 {
		t.Errorf("processed = %d, want 4", got)
	}
	if got, ok := sumWith(t, rm, "soniclens.segments.errors", "kind", "asr"); !ok || got != 2 {
		t.Errorf("asr errors = %d (found %v), want 2", got, ok)
	}
	if got, ok := sumWith(t, rm, "soniclens.segments.errors", "kind", "cut"); !ok || got != 1 {
		t.Errorf("cut errors = %d (found %v), want 1", got, ok)
	}
}

func TestCounterIncrement(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "whisper", "stt", "ok")
	m.RecordProviderRequest(ctx, "whisper", "stt", "ok")
	m.RecordProviderRequest(ctx, "whisper", "stt", "error")

	rm := collect(t, reader)
	if got, ok := sumWith(t, rm, "soniclens.provider.requests", "status", "ok"); !ok || got != 2 {
		t.Errorf("ok requests = %d (found %v), want 2", got, ok)
	}
	if got, ok := sumWith(t, rm, "soniclens.provider.requests", "status", "error"); !ok || got != 1 {
		t.Errorf("error requests = %d (found %v), want 1", got, ok)
	}
}

func TestProviderErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderError(ctx, "openai", "stt")

	rm := collect(t, reader)
	if got, ok := sumWith(t, rm, "soniclens.provider.errors", "provider", "openai"); !ok || got != 1 {
		t.Errorf("counter value = %d (found %v), want 1", got, ok)
	}
}

func TestLiveCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChunk(ctx, ChunkSilent)
	m.RecordChunk(ctx, ChunkSilent)
	m.RecordChunk(ctx, ChunkTranscribed)
	m.RecordReaped(ctx, 3)
	m.RecordReaped(ctx, 0)
	m.ActiveLiveSessions.Add(ctx, 1)
	m.ActiveLiveSessions.Add(ctx, 1)
	m.ActiveLiveSessions.Add(ctx, -1)

	rm := collect(t, reader)

	tests := []struct {
		name  string
		key   string
		value string
		want  int64
	}{
		{"soniclens.live.chunks", "outcome", ChunkSilent, 2},
		{"soniclens.live.chunks", "outcome", ChunkTranscribed, 1},
		{"soniclens.live.reaped_files", "", "", 3},
		{"soniclens.live.active_sessions", "", "", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name+"/"+tc.value, func(t *testing.T) {
			got, ok := sumWith(t, rm, tc.name, tc.key, tc.value)
			if !ok {
				t.Fatal("data point not found")
			}
			if got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "soniclens.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
