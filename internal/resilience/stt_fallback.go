package resilience

import (
	"context"
	"errors"
	"io"

	"github.com/MrWong99/soniclens/pkg/audio"
	"github.com/MrWong99/soniclens/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across several
// transcription engines, each behind its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an STTFallback with primary as the preferred engine.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another engine, tried after those already added.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the engine names in failover order.
func (f *STTFallback) Names() []string { return f.group.Names() }

// Transcribe sends clip to the first healthy engine.
func (f *STTFallback) Transcribe(ctx context.Context, clip *audio.Clip, cfg stt.Config) (stt.Transcript, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, clip, cfg)
	})
}

// Close closes every engine that implements io.Closer.
func (f *STTFallback) Close() error {
	var errs []error
	for _, p := range f.group.Values() {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
