// Package observe provides application-wide observability primitives for
// SonicLens: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that live sessions can
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all SonicLens metrics.
const meterName = "github.com/MrWong99/soniclens"

// Pipeline stage names used with [Metrics.ObserveStage].
const (
	StageVAD      = "vad"
	StageClip     = "clip"
	StageSTT      = "stt"
	StageMerge    = "merge"
	StagePipeline = "pipeline"
)

// Live chunk outcomes used with [Metrics.RecordChunk].
const (
	ChunkSilent      = "silent"
	ChunkTranscribed = "transcribed"
	ChunkFailed      = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// VADDuration tracks the time spent scanning a recording for speech.
	VADDuration metric.Float64Histogram

	// ClipDuration tracks per-segment clip extraction latency.
	ClipDuration metric.Float64Histogram

	// STTDuration tracks per-segment speech-to-text latency.
	STTDuration metric.Float64Histogram

	// MergeDuration tracks segment merging and cleanup latency.
	MergeDuration metric.Float64Histogram

	// PipelineDuration tracks end-to-end processing of one recording.
	PipelineDuration metric.Float64Histogram

	// --- Counters ---

	// SegmentsProcessed counts segments that went through extraction and
	// transcription, successful or not.
	SegmentsProcessed metric.Int64Counter

	// SegmentErrors counts per-segment failures. Use with attribute:
	//   attribute.String("kind", "cut"|"asr")
	SegmentErrors metric.Int64Counter

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// LiveChunks counts captured live chunks. Use with attribute:
	//   attribute.String("outcome", "silent"|"transcribed"|"failed")
	LiveChunks metric.Int64Counter

	// ReapedFiles counts stale temporary audio files removed by the reaper.
	ReapedFiles metric.Int64Counter

	// --- Gauges ---

	// ActiveLiveSessions tracks the number of running live capture sessions.
	ActiveLiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Clip
// transcription on CPU routinely takes tens of seconds and whole recordings
// several minutes, so the tail reaches further than a request latency
// histogram would.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	// Histograms.
	if met.VADDuration, err = histogram("soniclens.vad.duration",
		"Time spent detecting voice activity in a recording."); err != nil {
		return nil, err
	}
	if met.ClipDuration, err = histogram("soniclens.clip.duration",
		"Latency of extracting one padded segment clip."); err != nil {
		return nil, err
	}
	if met.STTDuration, err = histogram("soniclens.stt.duration",
		"Latency of transcribing one segment clip."); err != nil {
		return nil, err
	}
	if met.MergeDuration, err = histogram("soniclens.merge.duration",
		"Latency of merging and cleaning transcript segments."); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = histogram("soniclens.pipeline.duration",
		"End-to-end latency of processing one recording."); err != nil {
		return nil, err
	}

	// Counters.
	if met.SegmentsProcessed, err = m.Int64Counter("soniclens.segments.processed",
		metric.WithDescription("Total segments extracted and transcribed."),
	); err != nil {
		return nil, err
	}
	if met.SegmentErrors, err = m.Int64Counter("soniclens.segments.errors",
		metric.WithDescription("Total per-segment failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("soniclens.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("soniclens.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.LiveChunks, err = m.Int64Counter("soniclens.live.chunks",
		metric.WithDescription("Total live capture chunks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ReapedFiles, err = m.Int64Counter("soniclens.live.reaped_files",
		metric.WithDescription("Total stale live audio files removed."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveLiveSessions, err = m.Int64UpDownCounter("soniclens.live.active_sessions",
		metric.WithDescription("Number of running live capture sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("soniclens.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// ObserveStage records d against the latency histogram of the named stage.
// Unknown stage names are ignored.
func (m *Metrics) ObserveStage(ctx context.Context, stage string, d time.Duration) {
	var h metric.Float64Histogram
	switch stage {
	case StageVAD:
		h = m.VADDuration
	case StageClip:
		h = m.ClipDuration
	case StageSTT:
		h = m.STTDuration
	case StageMerge:
		h = m.MergeDuration
	case StagePipeline:
		h = m.PipelineDuration
	default:
		return
	}
	h.Record(ctx, d.Seconds())
}

// RecordSegment counts one processed segment. A non-empty errKind also
// increments [Metrics.SegmentErrors] under that kind.
func (m *Metrics) RecordSegment(ctx context.Context, errKind string) {
	m.SegmentsProcessed.Add(ctx, 1)
	if errKind != "" {
		m.SegmentErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", errKind)),
		)
	}
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordChunk counts one live chunk with the given outcome.
func (m *Metrics) RecordChunk(ctx context.Context, outcome string) {
	m.LiveChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordReaped adds n to the reaped file counter.
func (m *Metrics) RecordReaped(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	m.ReapedFiles.Add(ctx, int64(n))
}
