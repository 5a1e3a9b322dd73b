package clip

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Default retention for live-mode clip files.
const (
	DefaultMaxAge       = 5 * time.Minute
	DefaultReapInterval = time.Minute
)

// Reaper removes stale files from a directory. Live mode writes one file per
// capture chunk; the reaper bounds disk usage when a consumer fails to clean
// up after itself.
type Reaper struct {
	// Dir is the directory to sweep. Subdirectories are left alone.
	Dir string

	// Pattern restricts removal to matching base names (filepath.Match
	// syntax). Empty matches every file.
	Pattern string

	// MaxAge is the retention window. Zero means DefaultMaxAge.
	MaxAge time.Duration

	// Interval between sweeps in Run. Zero means DefaultReapInterval.
	Interval time.Duration

	// OnReap, if set, is called with the number of files removed per sweep.
	OnReap func(n int)
}

// Reap removes every matching regular file whose modification time is older
// than now − MaxAge and returns how many were removed. Files that disappear
// concurrently are ignored.
func (r *Reaper) Reap(now time.Time) (int, error) {
	maxAge := r.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	cutoff := now.Add(-maxAge)

	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return 0, fmt.Errorf("clip: reap %s: %w", r.Dir, err)
	}

	var (
		removed int
		errs    []error
	)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if r.Pattern != "" {
			if ok, _ := filepath.Match(r.Pattern, e.Name()); !ok {
				continue
			}
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(r.Dir, e.Name())); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Debug("clip: reaped stale files", "dir", r.Dir, "count", removed)
	}
	if r.OnReap != nil {
		r.OnReap(removed)
	}
	return removed, errors.Join(errs...)
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := r.Reap(now); err != nil {
				slog.Warn("clip: reap failed", "dir", r.Dir, "err", err)
			}
		}
	}
}
