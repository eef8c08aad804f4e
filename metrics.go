package weathercache

// Metrics receives events from a ResponseCache. Methods are called from the
// cache worker and must not block.
type Metrics interface {
	// Hit is called when Get serves a live payload.
	Hit()

	// Miss is called when Get finds nothing to serve, for whatever reason.
	Miss()

	// Expire is called when Get finds an expired row and deletes it.
	Expire()

	// Sweep is called after SweepExpired with the number of rows removed.
	Sweep(n int)

	// StoreFailure is called when the store returns an error for op.
	StoreFailure(op string)
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                {}
func (NoopMetrics) Miss()               {}
func (NoopMetrics) Expire()             {}
func (NoopMetrics) Sweep(int)           {}
func (NoopMetrics) StoreFailure(string) {}
