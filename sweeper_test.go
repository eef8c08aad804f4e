package weathercache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	weathercache "github.com/dgduncan/go-weather-cache"
	"github.com/dgduncan/go-weather-cache/caches/local"
)

func TestSweeperRemovesUnreadExpiredRows(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := local.NewBasicCache()
	clk := newClock()
	cache := newCache(t, store, clk, nil)

	cache.PutWithTTL(ctx, "stale", []byte("p"), time.Second)
	<-cache.PutWithTTL(ctx, "live", []byte("p"), time.Hour)
	clk.Advance(time.Minute)

	done := make(chan struct{})
	go func() {
		defer close(done)
		weathercache.NewSweeper(cache, 10*time.Millisecond, discardLogger()).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return !store.Has("stale")
	}, time.Second, 5*time.Millisecond)
	assert.True(t, store.Has("live"))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestSweeperToleratesClosedCache(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache, err := weathercache.New(local.NewBasicCache(), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, cache.Close())

	// sweeps against a closed cache complete immediately; Run keeps going
	// until its context ends
	done := make(chan struct{})
	go func() {
		defer close(done)
		weathercache.NewSweeper(cache, time.Millisecond, nil).Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
