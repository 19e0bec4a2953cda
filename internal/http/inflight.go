package http

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kjstillabower/hotel-pricing-service/internal/observability"
)

// InFlightTracker counts API requests being served so shutdown can drain them.
// It mirrors the count into the httpRequestsInFlight gauge and keeps the peak
// seen since start.
type InFlightTracker struct {
	count atomic.Int64
	peak  atomic.Int64
}

// Begin marks a request as started and returns the func that ends it. The
// returned func is safe to call more than once.
func (t *InFlightTracker) Begin() (end func()) {
	n := t.count.Add(1)
	observability.HTTPRequestsInFlight.Inc()
	for {
		p := t.peak.Load()
		if n <= p || t.peak.CompareAndSwap(p, n) {
			break
		}
	}
	var ended atomic.Bool
	return func() {
		if ended.CompareAndSwap(false, true) {
			t.count.Add(-1)
			observability.HTTPRequestsInFlight.Dec()
		}
	}
}

// Count returns requests currently in flight.
func (t *InFlightTracker) Count() int64 { return t.count.Load() }

// Peak returns the highest concurrent count observed.
func (t *InFlightTracker) Peak() int64 { return t.peak.Load() }

// Drain polls every interval until no request is in flight or ctx is done.
// It returns how many requests were still running when it gave up.
func (t *InFlightTracker) Drain(ctx context.Context, interval time.Duration) (remaining int64, err error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n := t.Count(); n == 0 {
			return 0, nil
		}
		select {
		case <-ctx.Done():
			return t.Count(), ctx.Err()
		case <-ticker.C:
		}
	}
}
