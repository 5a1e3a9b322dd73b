// Package modelcache holds loaded transcription engines keyed by model
// identity and compute target.
//
// Loading a speech model is expensive (seconds, hundreds of megabytes), so a
// process loads each (model, device) pair at most once and shares the result
// between every caller. Concurrent first requests for the same key are
// collapsed into a single load. Entries are never evicted while the cache is
// open; [Cache.Close] releases everything at shutdown.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by [Cache.Get] after [Cache.Close] has been called.
var ErrClosed = errors.New("modelcache: cache closed")

// Key identifies a loaded engine.
type Key struct {
	// Model is the model name or path.
	Model string

	// Device is the compute target, e.g. "cpu" or "cuda".
	Device string
}

// String returns "model:device".
func (k Key) String() string {
	return k.Model + ":" + k.Device
}

// Loader creates the value for key. It is called at most once per key while
// loads succeed; a failed load is retried by the next Get.
type Loader[V any] func(ctx context.Context, key Key) (V, error)

// Cache is a process-wide, lazily populated map from [Key] to a loaded value.
// All methods are safe for concurrent use.
type Cache[V any] struct {
	load Loader[V]

	group singleflight.Group

	mu      sync.RWMutex
	entries map[Key]V
	closed  bool
}

// New returns an empty cache that populates entries with load.
func New[V any](load Loader[V]) *Cache[V] {
	return &Cache[V]{
		load:    load,
		entries: make(map[Key]V),
	}
}

// Get returns the value for key, loading it on first use. Concurrent callers
// for the same key share one load. Each caller waits only as long as its own
// ctx allows; a caller giving up does not cancel the load for the others.
func (c *Cache[V]) Get(ctx context.Context, key Key) (V, error) {
	var zero V

	c.mu.RLock()
	closed := c.closed
	v, ok := c.entries[key]
	c.mu.RUnlock()
	if closed {
		return zero, ErrClosed
	}
	if ok {
		return v, nil
	}

	ch := c.group.DoChan(key.String(), func() (any, error) {
		c.mu.RLock()
		v, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return v, nil
		}

		// The load outlives any single waiter, so it must not inherit a
		// caller's cancellation.
		start := time.Now()
		v, err := c.load(context.WithoutCancel(ctx), key)
		if err != nil {
			slog.Warn("modelcache: load failed", "key", key.String(), "err", err)
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			closeValue(v)
			return nil, ErrClosed
		}
		c.entries[key] = v
		slog.Info("modelcache: loaded", "key", key.String(), "elapsed", time.Since(start))
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("modelcache: waiting for %s: %w", key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, ErrClosed) {
				return zero, ErrClosed
			}
			return zero, fmt.Errorf("modelcache: load %s: %w", key, res.Err)
		}
		return res.Val.(V), nil
	}
}

// Len returns the number of loaded entries.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close releases every loaded value that implements io.Closer and marks the
// cache closed. Errors from individual values are joined. Calling Close more
// than once is safe.
func (c *Cache[V]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[Key]V)
	c.mu.Unlock()

	var errs []error
	for key, v := range entries {
		if err := closeValue(v); err != nil {
			errs = append(errs, fmt.Errorf("modelcache: close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func closeValue(v any) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
