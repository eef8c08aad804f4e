package weathercache

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/dgduncan/go-weather-cache/caches"
)

// Sweeper periodically asks a ResponseCache to drop expired rows, bounding
// storage growth for keys that are never read again.
type Sweeper struct {
	cache    *ResponseCache
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper returns a sweeper for cache. A zero interval uses
// caches.DefaultSweepInterval.
func NewSweeper(cache *ResponseCache, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = caches.DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Sweeper{
		cache:    cache,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps once per interval until ctx is done. Each sweep is awaited
// before the timer is reset so sweeps never pile up behind a slow store.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTimer(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.DebugContext(ctx, "sweeper stopped")
			return
		case <-t.C:
			select {
			case <-s.cache.SweepExpired(ctx):
			case <-ctx.Done():
				return
			}
			_ = t.Reset(s.interval)
		}
	}
}
