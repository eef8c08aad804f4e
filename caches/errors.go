package caches

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Reason string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("creation of cache failed for reason : %s", ve.Reason)
}

var (
	// ErrNoCacheItem is returned by a store when no row exists for a key.
	ErrNoCacheItem = errors.New("no value found in cache")

	// ErrInitialization is joined with the underlying error when a store
	// cannot be opened or prepared. A store that fails this way is unusable.
	ErrInitialization = errors.New("cache store initialization failed")

	// ErrPingFailed is returned if the initial ping to a database returns an error
	ErrPingFailed = errors.New("ping returned error")
)
