package weather_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	weathercache "github.com/dgduncan/go-weather-cache"
	"github.com/dgduncan/go-weather-cache/caches/local"
	"github.com/dgduncan/go-weather-cache/weather"
)

const hanoiWeather = `{
	"coord": {"lon": 105.8412, "lat": 21.0245},
	"weather": [{"id": 500, "main": "Rain", "description": "light rain", "icon": "10d"}],
	"main": {"temp": 29.5, "feels_like": 34.1, "temp_min": 28.9, "temp_max": 30.2, "pressure": 1004, "humidity": 79},
	"wind": {"speed": 3.6, "deg": 140},
	"dt": 1740830400,
	"sys": {"country": "VN", "sunrise": 1740783600, "sunset": 1740826200},
	"name": "Hanoi",
	"cod": 200
}`

const hanoiForecast = `{
	"list": [
		{"dt": 1740830400, "main": {"temp": 28.0}, "weather": [{"description": "scattered clouds", "icon": "03d"}], "dt_txt": "2025-03-01 12:00:00"},
		{"dt": 1740841200, "main": {"temp": 25.5}, "weather": [{"description": "light rain", "icon": "10n"}], "dt_txt": "2025-03-01 15:00:00"},
		{"dt": 1740852000, "main": {"temp": 31.0}, "weather": [{"description": "clear sky", "icon": "01n"}], "dt_txt": "2025-03-01 18:00:00"},
		{"dt": 1740873600, "main": {"temp": 22.0}, "weather": [{"description": "overcast clouds", "icon": "04n"}], "dt_txt": "2025-03-02 00:00:00"},
		{"dt": 1740884400, "main": {"temp": 24.0}, "weather": [], "dt_txt": "2025-03-02 03:00:00"}
	],
	"city": {"name": "Hanoi", "country": "VN"}
}`

const hanoiGeo = `[
	{"name": "Hanoi", "lat": 21.0294, "lon": 105.8544, "country": "VN"},
	{"name": "Hanoi", "lat": 35.96, "lon": -84.2, "country": "US", "state": "Tennessee"}
]`

type provider struct {
	*httptest.Server
	requests atomic.Int32

	mu      sync.Mutex
	queries []map[string][]string
}

func newProvider(t *testing.T, handler http.HandlerFunc) *provider {
	t.Helper()

	p := &provider{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.requests.Add(1)
		p.mu.Lock()
		p.queries = append(p.queries, r.URL.Query())
		p.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(p.Close)

	return p
}

func (p *provider) lastQuery() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queries[len(p.queries)-1]
}

func routes(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/data/2.5/weather":
			w.Write([]byte(hanoiWeather))
		case "/data/2.5/forecast":
			w.Write([]byte(hanoiForecast))
		case "/geo/1.0/direct":
			w.Write([]byte(hanoiGeo))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newClient(t *testing.T, p *provider, opts ...weather.Option) (*weather.Client, *weathercache.ResponseCache) {
	t.Helper()

	cache, err := weathercache.New(local.NewBasicCache(), nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	opts = append([]weather.Option{
		weather.WithBaseURL(p.URL + "/data/2.5"),
		weather.WithGeoURL(p.URL + "/geo/1.0"),
		weather.WithRateLimit(0, 0),
		weather.WithRetry(0, 0),
		weather.WithLocation(time.UTC),
	}, opts...)

	c, err := weather.New("test-key", cache, opts...)
	require.NoError(t, err)

	return c, cache
}

func TestNew(t *testing.T) {
	t.Parallel()

	cache, err := weathercache.New(local.NewBasicCache(), nil, nil, nil)
	require.NoError(t, err)
	defer cache.Close()

	_, err = weather.New("", cache)
	assert.ErrorIs(t, err, weather.ErrInvalidAPIKey)

	_, err = weather.New("   ", cache)
	assert.ErrorIs(t, err, weather.ErrInvalidAPIKey)

	_, err = weather.New("key", nil)
	assert.Error(t, err)

	c, err := weather.New("key", cache)
	assert.NoError(t, err)
	assert.NotNil(t, c)
}

func TestCurrentByCity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p := newProvider(t, routes(t))
	c, cache := newClient(t, p)

	w, err := c.CurrentByCity(ctx, "Hanoi")
	require.NoError(t, err)

	assert.Equal(t, "Hanoi", w.CityName)
	assert.Equal(t, "VN", w.Country)
	assert.Equal(t, 29.5, w.Temperature)
	assert.Equal(t, 79, w.Humidity)
	assert.Equal(t, 3.6, w.WindSpeed)
	assert.Equal(t, "Light Rain", w.Description)
	assert.Equal(t, "10d", w.Icon)
	assert.Equal(t, time.Unix(1740830400, 0).UTC(), w.Timestamp)

	q := p.lastQuery()
	assert.Equal(t, []string{"Hanoi"}, q["q"])
	assert.Equal(t, []string{"metric"}, q["units"])
	assert.Equal(t, []string{"test-key"}, q["appid"])

	// the raw body is cached under the normalised query key
	lookup := <-cache.Get(ctx, weathercache.QueryKey("weather", "hanoi"))
	require.True(t, lookup.Found)
	assert.JSONEq(t, hanoiWeather, string(lookup.Payload))

	again, err := c.CurrentByCity(ctx, "  HANOI ")
	require.NoError(t, err)
	assert.Equal(t, w, again)
	assert.Equal(t, int32(1), p.requests.Load())
}

func TestCurrentByCoordinatesSharesRoundedKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p := newProvider(t, routes(t))
	c, _ := newClient(t, p)

	_, err := c.CurrentByCoordinates(ctx, 21.0285, 105.8542)
	require.NoError(t, err)
	assert.Equal(t, []string{"21.0285"}, p.lastQuery()["lat"])
	assert.Equal(t, []string{"105.8542"}, p.lastQuery()["lon"])

	_, err = c.CurrentByCoordinates(ctx, 21.04, 105.86)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.requests.Load())

	_, err = c.CurrentByCoordinates(ctx, 21.5, 105.86)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.requests.Load())
}

func TestInvalidLocation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p := newProvider(t, routes(t))
	c, _ := newClient(t, p)

	_, err := c.CurrentByCity(ctx, " ")
	assert.ErrorIs(t, err, weather.ErrInvalidLocation)
	_, err = c.CurrentByCoordinates(ctx, 91, 0)
	assert.ErrorIs(t, err, weather.ErrInvalidLocation)
	_, err = c.ForecastByCoordinates(ctx, 0, -180.5)
	assert.ErrorIs(t, err, weather.ErrInvalidLocation)
	assert.Equal(t, int32(0), p.requests.Load())
}

func TestMissingCountryIsUnknown(t *testing.T) {
	t.Parallel()

	p := newProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"main": {"temp": 1.5}, "weather": [], "name": "Nowhere", "dt": 0}`))
	})
	c, _ := newClient(t, p)

	w, err := c.CurrentByCity(context.Background(), "Nowhere")
	require.NoError(t, err)
	assert.Equal(t, "Unknown", w.Country)
	assert.Empty(t, w.Description)
	assert.True(t, w.Sunrise.IsZero())
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	var statusErr *weather.StatusError
	var decodeErr *weather.DecodeError

	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, weather.ErrInvalidAPIKey) },
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, weather.ErrCityNotFound) },
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, weather.ErrRateLimitExceeded) },
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				require.ErrorAs(t, err, &statusErr)
				assert.Equal(t, http.StatusBadGateway, statusErr.Code)
			},
		},
		{
			name:   "other status",
			status: http.StatusTeapot,
			check: func(t *testing.T, err error) {
				require.ErrorAs(t, err, &statusErr)
				assert.Equal(t, http.StatusTeapot, statusErr.Code)
			},
		},
		{
			name:   "malformed body",
			status: http.StatusOK,
			body:   `{"main": `,
			check:  func(t *testing.T, err error) { assert.ErrorAs(t, err, &decodeErr) },
		},
		{
			name:   "body without conditions",
			status: http.StatusOK,
			body:   `{"name": "Hanoi"}`,
			check:  func(t *testing.T, err error) { assert.ErrorAs(t, err, &decodeErr) },
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := newProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			c, cache := newClient(t, p)

			_, err := c.CurrentByCity(context.Background(), "Hanoi")
			require.Error(t, err)
			tt.check(t, err)

			// failures are never cached
			assert.False(t, (<-cache.Get(context.Background(), weathercache.QueryKey("weather", "Hanoi"))).Found)
			_, err = c.CurrentByCity(context.Background(), "Hanoi")
			require.Error(t, err)
			assert.Equal(t, int32(2), p.requests.Load())
		})
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			routes(t)(w, r)
		}
	})
	c, _ := newClient(t, p, weather.WithRetry(time.Millisecond, 5*time.Second))

	w, err := c.CurrentByCity(context.Background(), "Hanoi")
	require.NoError(t, err)
	assert.Equal(t, "Hanoi", w.CityName)
	assert.Equal(t, int32(3), p.requests.Load())
}

func TestPermanentFailuresAreNotRetried(t *testing.T) {
	t.Parallel()

	p := newProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c, _ := newClient(t, p, weather.WithRetry(time.Millisecond, 5*time.Second))

	_, err := c.CurrentByCity(context.Background(), "Hanoi")
	assert.ErrorIs(t, err, weather.ErrInvalidAPIKey)
	assert.Equal(t, int32(1), p.requests.Load())
}

func TestConcurrentMissesShareOneRequest(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		routes(t)(w, r)
	})
	c, _ := newClient(t, p)

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ForecastByCity(context.Background(), "Hanoi")
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), p.requests.Load())
}

func TestUnreadableCachedPayloadIsRefetched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p := newProvider(t, routes(t))
	c, cache := newClient(t, p)

	<-cache.Put(ctx, weathercache.QueryKey("weather", "Hanoi"), []byte("garbage"))

	w, err := c.CurrentByCity(ctx, "Hanoi")
	require.NoError(t, err)
	assert.Equal(t, "Hanoi", w.CityName)
	assert.Equal(t, int32(1), p.requests.Load())
}

func TestCustomTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	cache, err := weathercache.New(local.NewBasicCache(), nil, clock, nil)
	require.NoError(t, err)
	defer cache.Close()

	p := newProvider(t, routes(t))
	c, err := weather.New("test-key", cache,
		weather.WithBaseURL(p.URL+"/data/2.5"),
		weather.WithRateLimit(0, 0),
		weather.WithTTL(time.Minute),
	)
	require.NoError(t, err)

	_, err = c.CurrentByCity(ctx, "Hanoi")
	require.NoError(t, err)

	// the put is not awaited by the client; any later operation runs after it
	<-cache.Get(ctx, "barrier")

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	_, err = c.CurrentByCity(ctx, "Hanoi")
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.requests.Load())
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()

	p := newProvider(t, routes(t))
	c, _ := newClient(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.CurrentByCity(ctx, "Hanoi")
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestForecastByCity(t *testing.T) {
	t.Parallel()

	p := newProvider(t, routes(t))
	c, _ := newClient(t, p)

	f, err := c.ForecastByCity(context.Background(), "Hanoi")
	require.NoError(t, err)

	assert.Equal(t, "Hanoi", f.City)
	assert.Equal(t, "VN", f.Country)
	require.Len(t, f.Hourly, 5)
	assert.Equal(t, "Scattered Clouds", f.Hourly[0].Description)
	assert.Equal(t, 25.5, f.Hourly[1].Temperature)

	require.Len(t, f.Daily, 2)
	first := f.Daily[0]
	assert.Equal(t, time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC), first.Date)
	assert.Equal(t, 25.5, first.MinTemperature)
	assert.Equal(t, 31.0, first.MaxTemperature)
	assert.Equal(t, "Scattered Clouds", first.Description)
	assert.Equal(t, "03d", first.Icon)

	second := f.Daily[1]
	assert.Equal(t, 22.0, second.MinTemperature)
	assert.Equal(t, 24.0, second.MaxTemperature)
	assert.Equal(t, "Overcast Clouds", second.Description)
}

func TestForecastDaysFollowLocation(t *testing.T) {
	t.Parallel()

	p := newProvider(t, routes(t))
	c, _ := newClient(t, p, weather.WithLocation(time.FixedZone("ICT", 7*60*60)))

	f, err := c.ForecastByCoordinates(context.Background(), 21.02, 105.84)
	require.NoError(t, err)

	// 18:00 UTC on the 1st is already the 2nd at UTC+7
	require.Len(t, f.Daily, 2)
	assert.Equal(t, 25.5, f.Daily[0].MinTemperature)
	assert.Equal(t, 28.0, f.Daily[0].MaxTemperature)
	assert.Equal(t, 22.0, f.Daily[1].MinTemperature)
	assert.Equal(t, 31.0, f.Daily[1].MaxTemperature)
	assert.Equal(t, "Clear Sky", f.Daily[1].Description)
}

func TestSearchCities(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p := newProvider(t, routes(t))
	c, _ := newClient(t, p)

	cities, err := c.SearchCities(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, cities)
	assert.Equal(t, int32(0), p.requests.Load())

	cities, err = c.SearchCities(ctx, "Hanoi")
	require.NoError(t, err)
	require.Len(t, cities, 2)
	assert.Equal(t, "Hanoi, VN", cities[0].DisplayName())
	assert.Equal(t, "Hanoi, Tennessee, US", cities[1].DisplayName())
	assert.Equal(t, 21.0294, cities[0].Latitude)

	q := p.lastQuery()
	assert.Equal(t, []string{"10"}, q["limit"])
	assert.Equal(t, []string{"Hanoi"}, q["q"])
	assert.Nil(t, q["units"])
}
