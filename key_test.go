package weathercache_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	weathercache "github.com/dgduncan/go-weather-cache"
)

func TestCoordinateKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		lat, lon float64
		expected string
	}{
		{name: "hanoi", lat: 21.0285, lon: 105.8542, expected: "weather:21.0,105.9"},
		{name: "nearby positions share a key", lat: 21.04, lon: 105.83, expected: "weather:21.0,105.8"},
		{name: "negative coordinates", lat: -33.8688, lon: -151.2093, expected: "weather:-33.9,-151.2"},
		{name: "negative zero is normalised", lat: -0.04, lon: 0.01, expected: "weather:0.0,0.0"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, weathercache.CoordinateKey("weather", tt.lat, tt.lon))
		})
	}
}

func TestQueryKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "weather:q=ho chi minh city", weathercache.QueryKey("weather", "  Ho Chi Minh City "))
	assert.Equal(t, weathercache.QueryKey("geo", "HANOI"), weathercache.QueryKey("geo", "hanoi"))
	assert.NotEqual(t, weathercache.QueryKey("geo", "hanoi"), weathercache.QueryKey("weather", "hanoi"))
}

func TestRequestKey(t *testing.T) {
	t.Parallel()

	r, err := http.NewRequest(http.MethodGet, "https://api.openweathermap.org/data/2.5/weather?q=Hanoi&units=metric", nil)
	assert.NoError(t, err)
	assert.Equal(t, "GET#https://api.openweathermap.org/data/2.5/weather?q=Hanoi&units=metric", weathercache.RequestKey(r))
}
