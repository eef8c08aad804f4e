// Package prommetrics reports ResponseCache events as Prometheus counters.
package prommetrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	weathercache "github.com/dgduncan/go-weather-cache"
)

const namespace = "weathercache"

var _ weathercache.Metrics = (*Metrics)(nil)

type Metrics struct {
	requests      *prometheus.CounterVec
	expired       prometheus.Counter
	swept         prometheus.Counter
	storeFailures *prometheus.CounterVec
}

// New creates the cache counters and registers them with reg. If reg is nil
// prometheus.DefaultRegisterer is used.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total cache lookups by result",
		}, []string{"result"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_total",
			Help:      "Total expired entries found and deleted on lookup",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_total",
			Help:      "Total expired entries removed by sweeps",
		}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Total failed store operations by operation",
		}, []string{"op"}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.expired, m.swept, m.storeFailures} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering cache metrics: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) Hit() {
	m.requests.WithLabelValues("hit").Inc()
}

func (m *Metrics) Miss() {
	m.requests.WithLabelValues("miss").Inc()
}

func (m *Metrics) Expire() {
	m.expired.Inc()
}

func (m *Metrics) Sweep(n int) {
	if n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

func (m *Metrics) StoreFailure(op string) {
	m.storeFailures.WithLabelValues(op).Inc()
}
