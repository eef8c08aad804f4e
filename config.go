package weathercache

import "time"

type Config struct {
	// DefaultTTL is the ttl applied by Put and by the transport when neither a
	// domain override nor a max-age directive picks one. Zero means
	// caches.DefaultTTL.
	DefaultTTL time.Duration

	// DomainOverrides allow for users to override the caching-directive responses from
	// upstream servers and cache for an arbitrary amount of time.
	DomainOverrides []DomainOverride

	// Metrics receives cache events. Nil disables reporting.
	Metrics Metrics
}

type DomainOverride struct {
	URI string // eg. api.openweathermap.org/data/2.5/forecast

	Duration time.Duration // eg. 1H
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		DomainOverrides: nil,
	}
}
