package modelcache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/soniclens/internal/modelcache"
)

type engine struct {
	name     string
	closed   atomic.Int32
	closeErr error
}

func (e *engine) Close() error {
	e.closed.Add(1)
	return e.closeErr
}

func TestKeyString(t *testing.T) {
	t.Parallel()

	k := modelcache.Key{Model: "large-v3", Device: "cuda"}
	if got := k.String(); got != "large-v3:cuda" {
		t.Errorf("String = %q, want %q", got, "large-v3:cuda")
	}
}

func TestGet_LoadsOncePerKey(t *testing.T) {
	t.Parallel()

	var loads atomic.Int32
	c := modelcache.New(func(_ context.Context, k modelcache.Key) (*engine, error) {
		loads.Add(1)
		return &engine{name: k.String()}, nil
	})

	ctx := context.Background()
	a, err := c.Get(ctx, modelcache.Key{Model: "small", Device: "cpu"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := c.Get(ctx, modelcache.Key{Model: "small", Device: "cpu"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != b {
		t.Error("expected the same instance for the same key")
	}

	other, err := c.Get(ctx, modelcache.Key{Model: "small", Device: "cuda"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if other == a {
		t.Error("expected a distinct instance for a different device")
	}
	if got := loads.Load(); got != 2 {
		t.Errorf("loads = %d, want 2", got)
	}
	if got := c.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
}

func TestGet_ConcurrentCallersShareOneLoad(t *testing.T) {
	t.Parallel()

	var loads atomic.Int32
	release := make(chan struct{})
	c := modelcache.New(func(_ context.Context, k modelcache.Key) (*engine, error) {
		loads.Add(1)
		<-release
		return &engine{name: k.String()}, nil
	})

	const callers = 16
	key := modelcache.Key{Model: "base", Device: "cpu"}
	results := make([]*engine, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Get(context.Background(), key)
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			results[i] = e
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := loads.Load(); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}
	for i, e := range results {
		if e != results[0] {
			t.Errorf("caller %d got a different instance", i)
		}
	}
}

func TestGet_FailedLoadIsNotCached(t *testing.T) {
	t.Parallel()

	boom := errors.New("out of memory")
	var calls atomic.Int32
	c := modelcache.New(func(_ context.Context, _ modelcache.Key) (*engine, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return &engine{}, nil
	})

	key := modelcache.Key{Model: "m", Device: "cpu"}
	if _, err := c.Get(context.Background(), key); !errors.Is(err, boom) {
		t.Fatalf("first Get err = %v, want %v", err, boom)
	}
	if c.Len() != 0 {
		t.Errorf("Len after failure = %d, want 0", c.Len())
	}
	if _, err := c.Get(context.Background(), key); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("loads = %d, want 2", got)
	}
}

func TestGet_WaiterHonoursOwnContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	c := modelcache.New(func(ctx context.Context, _ modelcache.Key) (*engine, error) {
		<-release
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &engine{}, nil
	})
	key := modelcache.Key{Model: "slow", Device: "cpu"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Get(ctx, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}

	// The load keeps going for the next caller and is not poisoned by the
	// first caller's deadline.
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), key)
		done <- err
	}()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	closeErr := errors.New("driver busy")
	engines := map[string]*engine{
		"a:cpu": {},
		"b:cpu": {closeErr: closeErr},
	}
	c := modelcache.New(func(_ context.Context, k modelcache.Key) (*engine, error) {
		return engines[k.String()], nil
	})
	for _, m := range []string{"a", "b"} {
		if _, err := c.Get(context.Background(), modelcache.Key{Model: m, Device: "cpu"}); err != nil {
			t.Fatalf("Get %s: %v", m, err)
		}
	}

	if err := c.Close(); !errors.Is(err, closeErr) {
		t.Fatalf("Close err = %v, want wrapping %v", err, closeErr)
	}
	for k, e := range engines {
		if got := e.closed.Load(); got != 1 {
			t.Errorf("%s closed %d times, want 1", k, got)
		}
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := c.Get(context.Background(), modelcache.Key{Model: "a", Device: "cpu"}); !errors.Is(err, modelcache.ErrClosed) {
		t.Errorf("Get after Close err = %v, want ErrClosed", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len after Close = %d, want 0", c.Len())
	}
}
