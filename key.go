package weathercache

import (
	"fmt"
	"math"
	"net/http"
	"strings"
)

// RequestKey identifies a request by method and full URL, eg. GET#https://host/path?q=1.
func RequestKey(r *http.Request) string {
	return fmt.Sprintf("%s#%s", r.Method, r.URL.String())
}

// CoordinateKey builds a key for a coordinate based lookup. Coordinates are
// rounded to one decimal place (roughly 11km) so that nearby positions share
// a cached response, eg. weather:21.0,105.8.
func CoordinateKey(endpoint string, lat, lon float64) string {
	return fmt.Sprintf("%s:%.1f,%.1f", endpoint, round1(lat), round1(lon))
}

// QueryKey builds a key for a free text lookup such as a city name.
func QueryKey(endpoint, query string) string {
	return fmt.Sprintf("%s:q=%s", endpoint, strings.ToLower(strings.TrimSpace(query)))
}

func round1(v float64) float64 {
	r := math.Round(v*10) / 10
	if r == 0 {
		return 0 // avoid -0.0
	}
	return r
}
