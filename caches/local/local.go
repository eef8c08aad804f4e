package local

import (
	"bytes"
	"context"
	"sync"
	"time"

	weathercache "github.com/dgduncan/go-weather-cache"
	"github.com/dgduncan/go-weather-cache/caches"
)

// BasicCache is an in-memory weathercache.Store. Nothing survives a restart;
// it suits tests and short lived processes.
type BasicCache struct {
	cache map[string]weathercache.Entry

	lock sync.RWMutex
}

var _ weathercache.Store = (*BasicCache)(nil)

func (bc *BasicCache) Get(_ context.Context, key string) (*weathercache.Entry, error) {
	bc.lock.RLock()
	defer bc.lock.RUnlock()

	val, found := bc.cache[key]
	if !found {
		return nil, caches.ErrNoCacheItem
	}

	val.Payload = bytes.Clone(val.Payload)
	return &val, nil
}

func (bc *BasicCache) Set(_ context.Context, e *weathercache.Entry) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	item := *e
	item.Payload = bytes.Clone(e.Payload)
	bc.cache[e.Key] = item

	return nil
}

func (bc *BasicCache) Delete(_ context.Context, key string) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	delete(bc.cache, key)

	return nil
}

func (bc *BasicCache) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	removed := 0
	for k, v := range bc.cache {
		if v.Expired(now) {
			delete(bc.cache, k)
			removed++
		}
	}

	return removed, nil
}

func (bc *BasicCache) DeleteAll(_ context.Context) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	clear(bc.cache)

	return nil
}

func (bc *BasicCache) Close() error {
	return nil
}

// Len returns the number of rows held, expired ones included.
func (bc *BasicCache) Len() int {
	bc.lock.RLock()
	defer bc.lock.RUnlock()

	return len(bc.cache)
}

// Has reports whether a row exists for key, regardless of expiry.
func (bc *BasicCache) Has(key string) bool {
	bc.lock.RLock()
	defer bc.lock.RUnlock()

	_, found := bc.cache[key]
	return found
}

func NewBasicCache() *BasicCache {
	return &BasicCache{
		cache: make(map[string]weathercache.Entry),
	}
}
