package weathercache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dgduncan/go-weather-cache/caches"
)

// Entry is a single cached payload. The cache never looks inside Payload.
type Entry struct {
	Key       string
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry must no longer be served at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

//go:generate mockgen -destination=caches/mock/store.go -package=mock github.com/dgduncan/go-weather-cache Store

// Store is the backing storage of a ResponseCache. Implementations are plain
// key/value storage; expiry policy is applied by ResponseCache. A Store is
// only ever called from the cache's serial worker.
type Store interface {
	// Get returns the row for k, expired or not, or caches.ErrNoCacheItem.
	Get(ctx context.Context, k string) (*Entry, error)
	// Set inserts or fully replaces the row for e.Key.
	Set(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, k string) error
	// DeleteExpired removes every row with ExpiresAt at or before now and
	// returns how many rows were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	DeleteAll(ctx context.Context) error
	Close() error
}

// Lookup is the outcome of a Get. Found is false for missing and expired
// keys as well as for lookups the store failed to serve.
type Lookup struct {
	Payload []byte
	Found   bool
}

// ResponseCache stores opaque response payloads with a time-to-live. All
// operations are queued onto a single worker goroutine and executed in
// submission order; callers get a channel that is fulfilled when their
// operation has run. Store failures after construction are logged and
// degrade to misses or no-ops.
type ResponseCache struct {
	store   Store
	logger  *slog.Logger
	now     func() time.Time
	metrics Metrics
	queue   *serialQueue

	c Config

	closeOnce sync.Once
	closeErr  error
}

// New creates a ResponseCache on top of store and starts its worker. The
// cache takes ownership of store and closes it in Close.
//
// If opts is nil DefaultConfig is used, and a zero DefaultTTL falls back to
// caches.DefaultTTL. If now is nil time.Now is used. If logger is nil a
// logger writing to io.Discard is used.
func New(
	store Store,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
) (*ResponseCache, error) {
	if store == nil {
		return nil, caches.ValidationError{
			Reason: "nil store",
		}
	}

	nowFunc := now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := Config{}
	if opts == nil {
		c = DefaultConfig()
	} else {
		c = *opts
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = caches.DefaultTTL
	}

	metrics := c.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	return &ResponseCache{
		store:   store,
		logger:  logger,
		now:     nowFunc,
		metrics: metrics,
		queue:   newSerialQueue(),
		c:       c,
	}, nil
}

// DefaultTTL returns the ttl Put applies.
func (c *ResponseCache) DefaultTTL() time.Duration {
	return c.c.DefaultTTL
}

// Put stores payload under key for the configured default ttl.
func (c *ResponseCache) Put(ctx context.Context, key string, payload []byte) <-chan struct{} {
	return c.PutWithTTL(ctx, key, payload, c.c.DefaultTTL)
}

// PutWithTTL inserts or replaces the row for key. A ttl of zero or less
// stores an entry that is already stale. The returned channel is closed once
// the write has been attempted.
func (c *ResponseCache) PutWithTTL(ctx context.Context, key string, payload []byte, ttl time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if key == "" {
		c.logger.WarnContext(ctx, "refusing to cache payload without a key")
		close(done)
		return done
	}

	ctx = context.WithoutCancel(ctx)
	value := bytes.Clone(payload)
	c.submit(ctx, "put", func() {
		defer close(done)

		createdAt := c.now()
		entry := &Entry{
			Key:       key,
			Payload:   value,
			CreatedAt: createdAt,
			ExpiresAt: createdAt.Add(ttl),
		}
		if err := c.store.Set(ctx, entry); err != nil {
			c.storeFailure(ctx, "put", key, err)
			return
		}

		c.logger.DebugContext(ctx, "cache item stored",
			"key", key,
			"expiration", entry.ExpiresAt.UTC().Format(time.RFC3339))
	}, func() { close(done) })

	return done
}

// Get looks key up. An expired row is deleted before the miss is reported.
func (c *ResponseCache) Get(ctx context.Context, key string) <-chan Lookup {
	result := make(chan Lookup, 1)
	deliver := func(l Lookup) {
		result <- l
		close(result)
	}

	if key == "" {
		deliver(Lookup{})
		return result
	}

	ctx = context.WithoutCancel(ctx)
	c.submit(ctx, "get", func() {
		entry, err := c.store.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, caches.ErrNoCacheItem) {
				c.storeFailure(ctx, "get", key, err)
			} else {
				c.logger.DebugContext(ctx, "cache item not found", "key", key)
			}
			c.metrics.Miss()
			deliver(Lookup{})
			return
		}

		if entry.Expired(c.now()) {
			c.logger.DebugContext(ctx, "cache item expired, deleting",
				"key", key,
				"expiration", entry.ExpiresAt.UTC().Format(time.RFC3339))
			c.metrics.Expire()
			c.metrics.Miss()
			if err := c.store.Delete(ctx, key); err != nil {
				c.storeFailure(ctx, "delete", key, err)
			}
			deliver(Lookup{})
			return
		}

		c.logger.DebugContext(ctx, "cache item found", "key", key)
		c.metrics.Hit()
		deliver(Lookup{Payload: entry.Payload, Found: true})
	}, func() { deliver(Lookup{}) })

	return result
}

// SweepExpired deletes every expired row whether or not it has been read.
func (c *ResponseCache) SweepExpired(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})

	ctx = context.WithoutCancel(ctx)
	c.submit(ctx, "sweep", func() {
		defer close(done)

		n, err := c.store.DeleteExpired(ctx, c.now())
		if err != nil {
			c.storeFailure(ctx, "sweep", "", err)
			return
		}
		c.metrics.Sweep(n)
		c.logger.DebugContext(ctx, "expired cache items swept", "count", n)
	}, func() { close(done) })

	return done
}

// Clear deletes every row.
func (c *ResponseCache) Clear(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})

	ctx = context.WithoutCancel(ctx)
	c.submit(ctx, "clear", func() {
		defer close(done)

		if err := c.store.DeleteAll(ctx); err != nil {
			c.storeFailure(ctx, "clear", "", err)
			return
		}
		c.logger.DebugContext(ctx, "cache cleared")
	}, func() { close(done) })

	return done
}

// Close stops accepting operations, waits for the queued ones to finish and
// closes the store. Operations submitted afterwards complete immediately as
// misses or no-ops. Close must not be called from inside a cache callback.
func (c *ResponseCache) Close() error {
	c.closeOnce.Do(func() {
		c.queue.close()
		c.closeErr = c.store.Close()
	})
	return c.closeErr
}

func (c *ResponseCache) submit(ctx context.Context, op string, run, skip func()) {
	if !c.queue.submit(run) {
		c.logger.DebugContext(ctx, "cache closed, skipping operation", "op", op)
		skip()
	}
}

func (c *ResponseCache) storeFailure(ctx context.Context, op, key string, err error) {
	c.metrics.StoreFailure(op)
	c.logger.WarnContext(ctx, "cache store operation failed",
		"op", op,
		"key", key,
		"error", err)
}
