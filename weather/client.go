// Package weather is an OpenWeatherMap client whose responses are cached in
// a weathercache.ResponseCache.
package weather

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	weathercache "github.com/dgduncan/go-weather-cache"
)

const (
	DefaultBaseURL = "https://api.openweathermap.org/data/2.5"
	DefaultGeoURL  = "https://api.openweathermap.org/geo/1.0"

	searchLimit = 10
	units       = "metric"
)

const (
	endpointWeather  = "weather"
	endpointForecast = "forecast"
	endpointGeo      = "geo"
)

type Client struct {
	apiKey  string
	baseURL string
	geoURL  string

	httpClient *http.Client
	limiter    *rate.Limiter
	group      singleflight.Group
	cache      *weathercache.ResponseCache

	retryInitial    time.Duration
	retryMaxElapsed time.Duration
	ttl             time.Duration
	location        *time.Location

	logger *slog.Logger
}

type Option func(*Client)

// WithBaseURL sets the root of the weather and forecast endpoints.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithGeoURL sets the root of the geocoding endpoint.
func WithGeoURL(u string) Option {
	return func(c *Client) { c.geoURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithRateLimit allows rps requests per second with the given burst. An rps
// of zero or less disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithRetry configures exponential backoff for transient failures. A
// maxElapsed of zero or less disables retries.
func WithRetry(initial, maxElapsed time.Duration) Option {
	return func(c *Client) {
		c.retryInitial = initial
		c.retryMaxElapsed = maxElapsed
	}
}

// WithTTL sets how long fetched payloads are cached. Zero uses the cache's
// default ttl.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) { c.ttl = ttl }
}

// WithLocation sets the time zone forecast days are grouped in.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) {
		if loc != nil {
			c.location = loc
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for apiKey that caches raw responses in cache.
func New(apiKey string, cache *weathercache.ResponseCache, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrInvalidAPIKey
	}
	if cache == nil {
		return nil, errors.New("weather client requires a cache")
	}

	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		geoURL:  DefaultGeoURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter:         rate.NewLimiter(rate.Limit(1), 5),
		cache:           cache,
		retryInitial:    500 * time.Millisecond,
		retryMaxElapsed: 10 * time.Second,
		location:        time.Local,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Client) CurrentByCity(ctx context.Context, city string) (CurrentWeather, error) {
	params, err := cityParams(city)
	if err != nil {
		return CurrentWeather{}, err
	}
	return load(ctx, c, weathercache.QueryKey(endpointWeather, city), c.baseURL+"/weather", params, decodeCurrent)
}

func (c *Client) CurrentByCoordinates(ctx context.Context, lat, lon float64) (CurrentWeather, error) {
	params, err := coordinateParams(lat, lon)
	if err != nil {
		return CurrentWeather{}, err
	}
	return load(ctx, c, weathercache.CoordinateKey(endpointWeather, lat, lon), c.baseURL+"/weather", params, decodeCurrent)
}

func (c *Client) ForecastByCity(ctx context.Context, city string) (Forecast, error) {
	params, err := cityParams(city)
	if err != nil {
		return Forecast{}, err
	}
	return load(ctx, c, weathercache.QueryKey(endpointForecast, city), c.baseURL+"/forecast", params, c.decodeForecast)
}

func (c *Client) ForecastByCoordinates(ctx context.Context, lat, lon float64) (Forecast, error) {
	params, err := coordinateParams(lat, lon)
	if err != nil {
		return Forecast{}, err
	}
	return load(ctx, c, weathercache.CoordinateKey(endpointForecast, lat, lon), c.baseURL+"/forecast", params, c.decodeForecast)
}

// SearchCities geocodes query into at most ten matching cities. An empty
// query matches nothing and makes no request.
func (c *Client) SearchCities(ctx context.Context, query string) ([]City, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []City{}, nil
	}

	params := url.Values{}
	params.Add("q", query)
	params.Add("limit", strconv.Itoa(searchLimit))

	return load(ctx, c, weathercache.QueryKey(endpointGeo, query), c.geoURL+"/direct", params, decodeCities)
}

func (c *Client) decodeForecast(data []byte) (Forecast, error) {
	return decodeForecast(data, c.location)
}

func cityParams(city string) (url.Values, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return nil, fmt.Errorf("%w: empty city name", ErrInvalidLocation)
	}

	params := url.Values{}
	params.Add("q", city)
	params.Add("units", units)
	return params, nil
}

func coordinateParams(lat, lon float64) (url.Values, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("%w: %f,%f", ErrInvalidLocation, lat, lon)
	}

	params := url.Values{}
	params.Add("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Add("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Add("units", units)
	return params, nil
}

// load serves key from the cache, or downloads and decodes it. Concurrent
// misses for the same key share one download. Only bodies that decode are
// cached.
func load[T any](
	ctx context.Context,
	c *Client,
	key string,
	endpoint string,
	params url.Values,
	decode func([]byte) (T, error),
) (T, error) {
	var zero T

	select {
	case lookup := <-c.cache.Get(ctx, key):
		if lookup.Found {
			v, err := decode(lookup.Payload)
			if err == nil {
				c.logger.DebugContext(ctx, "serving cached response", "key", key)
				return v, nil
			}
			c.logger.WarnContext(ctx, "cached response unreadable, refetching", "key", key, "error", err)
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		body, err := c.download(ctx, endpoint, params)
		if err != nil {
			return nil, err
		}

		decoded, err := decode(body)
		if err != nil {
			return nil, err
		}

		if c.ttl > 0 {
			c.cache.PutWithTTL(ctx, key, body, c.ttl)
		} else {
			c.cache.Put(ctx, key, body)
		}
		return decoded, nil
	})
	if err != nil {
		return zero, err
	}
	if shared {
		c.logger.DebugContext(ctx, "shared in-flight fetch", "key", key)
	}

	return v.(T), nil
}

func (c *Client) download(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	query.Set("appid", c.apiKey)
	target := endpoint + "?" + query.Encode()

	var body []byte
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limit wait canceled: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.DebugContext(ctx, "request failed, retrying", "endpoint", endpoint, "error", err)
			return fmt.Errorf("failed to execute request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		switch code := resp.StatusCode; {
		case code >= 200 && code <= 299:
			body = data
			return nil
		case code == http.StatusUnauthorized:
			return backoff.Permanent(ErrInvalidAPIKey)
		case code == http.StatusNotFound:
			return backoff.Permanent(ErrCityNotFound)
		case code == http.StatusTooManyRequests:
			c.logger.DebugContext(ctx, "rate limited by provider, retrying", "endpoint", endpoint)
			return ErrRateLimitExceeded
		case code >= 500:
			c.logger.DebugContext(ctx, "provider error, retrying", "endpoint", endpoint, "status", code)
			return &StatusError{Code: code}
		default:
			return backoff.Permanent(&StatusError{Code: code})
		}
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backOff(), ctx)); err != nil {
		c.logger.WarnContext(ctx, "weather request failed", "endpoint", endpoint, "error", err)
		return nil, err
	}

	return body, nil
}

func (c *Client) backOff() backoff.BackOff {
	if c.retryMaxElapsed <= 0 {
		return &backoff.StopBackOff{}
	}

	b := backoff.NewExponentialBackOff()
	if c.retryInitial > 0 {
		b.InitialInterval = c.retryInitial
	}
	b.MaxElapsedTime = c.retryMaxElapsed
	return b
}
