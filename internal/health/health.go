// Package health derives the service's reported state from recent upstream
// outcomes and budget denials over a sliding window.
package health

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is the value reported by the health endpoint.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusDegraded     Status = "degraded"
	StatusThrottled    Status = "throttled"
	StatusShuttingDown Status = "shutting-down"
)

// Config sets the thresholds. Zero values disable the corresponding check.
type Config struct {
	Window time.Duration
	// ErrorRatePct marks the service degraded when upstream failures reach this
	// share of calls, once MinSamples calls have been seen.
	ErrorRatePct int
	MinSamples   int
	// DenialThreshold marks the service throttled at this many budget denials.
	DenialThreshold int
}

// Report is a point-in-time evaluation.
type Report struct {
	Status         Status `json:"status"`
	UpstreamCalls  int    `json:"upstreamCalls"`
	UpstreamErrors int    `json:"upstreamErrors"`
	BudgetDenials  int    `json:"budgetDenials"`
}

// Tracker keeps outcome timestamps for one window. Safe for concurrent use.
type Tracker struct {
	cfg Config
	now func() time.Time

	mu           sync.Mutex
	successTimes []time.Time
	failureTimes []time.Time
	denialTimes  []time.Time

	shuttingDown atomic.Bool
}

// NewTracker returns a Tracker. A nil now uses time.Now.
func NewTracker(cfg Config, now func() time.Time) *Tracker {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{cfg: cfg, now: now}
}

func (t *Tracker) RecordUpstreamSuccess() { t.record(&t.successTimes) }
func (t *Tracker) RecordUpstreamFailure() { t.record(&t.failureTimes) }
func (t *Tracker) RecordBudgetDenial()    { t.record(&t.denialTimes) }

// SetShuttingDown makes every later evaluation report StatusShuttingDown.
func (t *Tracker) SetShuttingDown() { t.shuttingDown.Store(true) }

// ShuttingDown reports whether SetShuttingDown was called.
func (t *Tracker) ShuttingDown() bool { return t.shuttingDown.Load() }

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// Evaluate computes the current status. Shutting down wins over degraded,
// which wins over throttled.
func (t *Tracker) Evaluate() Report {
	t.mu.Lock()
	now := t.now()
	t.pruneLocked(now)
	r := Report{
		UpstreamErrors: len(t.failureTimes),
		UpstreamCalls:  len(t.failureTimes) + len(t.successTimes),
		BudgetDenials:  len(t.denialTimes),
	}
	t.mu.Unlock()

	switch {
	case t.shuttingDown.Load():
		r.Status = StatusShuttingDown
	case t.degraded(r):
		r.Status = StatusDegraded
	case t.cfg.DenialThreshold > 0 && r.BudgetDenials >= t.cfg.DenialThreshold:
		r.Status = StatusThrottled
	default:
		r.Status = StatusHealthy
	}
	return r
}

func (t *Tracker) degraded(r Report) bool {
	if t.cfg.ErrorRatePct <= 0 || r.UpstreamCalls == 0 || r.UpstreamCalls < t.cfg.MinSamples {
		return false
	}
	return r.UpstreamErrors*100 >= t.cfg.ErrorRatePct*r.UpstreamCalls
}

// pruneLocked drops timestamps older than the window. Slices are appended in
// time order so the expired prefix is contiguous.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.cfg.Window)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.failureTimes)
	prune(&t.denialTimes)
}
