package app

import (
	"context"

	"github.com/MrWong99/soniclens/internal/modelcache"
	"github.com/MrWong99/soniclens/internal/observe"
	"github.com/MrWong99/soniclens/pkg/audio"
	"github.com/MrWong99/soniclens/pkg/provider/stt"
)

const providerKind = "stt"

var _ stt.Provider = (*cachedEngine)(nil)

// cachedEngine resolves its engine from the model cache on every call, so the
// engine is loaded by whichever call needs it first and shared afterwards.
type cachedEngine struct {
	name    string
	key     modelcache.Key
	cache   *modelcache.Cache[stt.Provider]
	metrics *observe.Metrics
}

func (c *cachedEngine) Transcribe(ctx context.Context, clip *audio.Clip, cfg stt.Config) (stt.Transcript, error) {
	var t stt.Transcript
	p, err := c.cache.Get(ctx, c.key)
	if err == nil {
		t, err = p.Transcribe(ctx, clip, cfg)
	}

	status := "ok"
	if err != nil {
		status = "error"
		c.metrics.RecordProviderError(ctx, c.name, providerKind)
	}
	c.metrics.RecordProviderRequest(ctx, c.name, providerKind, status)
	return t, err
}
