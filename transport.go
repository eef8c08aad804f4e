package weathercache

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"
)

const (
	headerCacheControl = "Cache-Control"
)

const (
	directiveCacheControlMaxAge  = "max-age"
	directiveCacheControlNoCache = "no-cache"
	directiveCacheControlNoStore = "no-store"
	directiveCacheControlPrivate = "private"
)

// CacheTransport implements http.RoundTripper and serves GET requests from a
// ResponseCache. Successful responses are stored whole, headers included, and
// replayed on later requests for the same method and URL until they expire.
type CacheTransport struct {
	Wrapped http.RoundTripper

	cache  *ResponseCache
	logger *slog.Logger

	c Config
}

// RoundTrip implements http.RoundTripper interface and handles the caching logic
// for HTTP requests.
//
// The process follows these steps:
// 1. Non-GET requests and requests asking for no-cache go straight upstream
// 2. Returns the cached response if a live one exists
// 3. Otherwise forwards the request
// 4. Caches 2xx responses that allow it, with the ttl picked by getTimeToCache.
func (c *CacheTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		return c.Wrapped.RoundTrip(r)
	}

	key := RequestKey(r)

	if !hasDirective(r.Header.Get(headerCacheControl), directiveCacheControlNoCache) {
		var lookup Lookup
		select {
		case lookup = <-c.cache.Get(ctx, key):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if lookup.Found { // cache hit
			c.logger.DebugContext(ctx, "cache item found", "url", r.URL.String())

			resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(lookup.Payload)), r)
			if err == nil {
				return resp, nil
			}
			// a payload we cannot replay is treated like a miss
			c.logger.WarnContext(ctx, "cached response unreadable", "url", r.URL.String(), "error", err)
		} else {
			c.logger.DebugContext(ctx, "cache item not found", "url", r.URL.String())
		}
	}

	resp, transportError := c.Wrapped.RoundTrip(r)
	if transportError != nil {
		return resp, transportError
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil
	}

	cacheControl := resp.Header.Get(headerCacheControl)
	if hasDirective(cacheControl, directiveCacheControlNoStore) || hasDirective(cacheControl, directiveCacheControlPrivate) {
		c.logger.DebugContext(ctx, "response forbids caching", "url", r.URL.String())
		return resp, nil
	}

	ttl := getTimeToCache(r, resp, c.c.DomainOverrides, c.c.DefaultTTL, c.logger)

	resBytes, err := httputil.DumpResponse(resp, true)
	if err != nil {
		c.logger.WarnContext(ctx, "error dumping response", "url", r.URL.String(), "error", err)
		return resp, nil
	}

	c.logger.DebugContext(ctx, "caching response", "url", r.URL.String(), "ttl", ttl)
	c.cache.PutWithTTL(ctx, key, resBytes, ttl)

	return resp, nil
}

// getTimeToCache matches overrides against req rather than resp.Request,
// which a wrapped RoundTripper is free to leave nil.
func getTimeToCache(req *http.Request, resp *http.Response, overrides []DomainOverride, fallback time.Duration, logger *slog.Logger) time.Duration {
	// check to see if any domain overrides exist
	for _, v := range overrides {
		if strings.HasPrefix(req.URL.Host+req.URL.Path, v.URI) {
			logger.DebugContext(context.Background(), "caching override found", "uri", v.URI)
			return v.Duration
		}
	}

	if maxAge, ok := getMaxAge(resp); ok {
		return maxAge
	}

	return fallback
}

func getMaxAge(r *http.Response) (time.Duration, bool) {
	for _, directive := range directives(r.Header.Get(headerCacheControl)) {
		name, value, found := strings.Cut(directive, "=")
		if !found || !strings.EqualFold(strings.TrimSpace(name), directiveCacheControlMaxAge) {
			continue
		}

		seconds, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
		if err != nil {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}

	return 0, false
}

func directives(cacheControl string) []string {
	if cacheControl == "" {
		return nil
	}

	parts := strings.Split(cacheControl, ",")
	for i, directive := range parts {
		parts[i] = strings.TrimSpace(directive)
	}
	return parts
}

func hasDirective(cacheControl, directive string) bool {
	for _, d := range directives(cacheControl) {
		if strings.EqualFold(d, directive) {
			return true
		}
	}
	return false
}

// NewTransport creates a transport middleware that serves GET requests from
// cache.
//
// If opts is nil the cache's own configuration is used. A zero DefaultTTL in
// opts falls back to the cache's default ttl. If the 'logger' is nil, a no-op
// logger writing to io.Discard will be used.
//
// The returned function wraps the given http.RoundTripper with caching functionality:
//   - Caches 2xx GET responses unless they carry no-store or private
//   - Uses a matching DomainOverride, then max-age, then the default ttl
//   - Skips the lookup for requests carrying Cache-Control: no-cache
func NewTransport(
	cache *ResponseCache,
	opts *Config,
	logger *slog.Logger,
) func(http.RoundTripper) http.RoundTripper {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := cache.c
	if opts != nil {
		c = *opts
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = cache.DefaultTTL()
	}

	return func(rt http.RoundTripper) http.RoundTripper {
		if rt == nil {
			rt = http.DefaultTransport
		}
		return &CacheTransport{Wrapped: rt, cache: cache, logger: logger, c: c}
	}
}
