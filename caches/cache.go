package caches

import "time"

var (
	// DefaultTTL is how long a payload stays live when the caller does not pick a ttl.
	DefaultTTL = 10 * time.Minute

	// DefaultSweepInterval is the default period between sweeps of expired entries.
	DefaultSweepInterval = 10 * time.Minute
)
