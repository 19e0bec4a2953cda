// Package budget gates every outbound pricing call behind one process-wide
// allowance: a token bucket for calls per second and a cap on concurrent calls.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/hotel-pricing-service/internal/observability"
)

// ErrDenied is returned by AcquireBlocking when no capacity became available in time.
var ErrDenied = errors.New("upstream budget exhausted")

// Config sets the shared ceiling.
type Config struct {
	// RatePerSecond is the sustained upstream call rate. <= 0 means unlimited.
	RatePerSecond float64
	// Burst is the bucket size: the most calls admitted at once after an idle period.
	Burst int
	// MaxConcurrent caps calls outstanding at the same time. <= 0 means no cap.
	MaxConcurrent int
}

// Controller is safe for concurrent use. Rate tokens are spent on grant and are
// never given back, even if the call fails; only the concurrency slot is returned
// by Grant.Release.
type Controller struct {
	limiter  *rate.Limiter
	slots    *semaphore.Weighted
	inFlight atomic.Int64
	onDeny   func()
}

// Option configures a Controller.
type Option func(*Controller)

// WithDenyHook calls fn on every denial. Used to feed the health tracker.
func WithDenyHook(fn func()) Option {
	return func(c *Controller) { c.onDeny = fn }
}

// New builds a Controller from cfg.
func New(cfg Config, opts ...Option) *Controller {
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		if burst <= 0 {
			burst = int(math.Ceil(cfg.RatePerSecond))
		}
	}
	if burst <= 0 {
		burst = 1
	}
	c := &Controller{limiter: rate.NewLimiter(limit, burst)}
	if cfg.MaxConcurrent > 0 {
		c.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Grant is a successful acquisition. Release must be called once the upstream call returns.
type Grant struct {
	c        *Controller
	released atomic.Bool
}

// Release returns the concurrency slot. Safe to call more than once and on a nil Grant.
func (g *Grant) Release() {
	if g == nil || !g.released.CompareAndSwap(false, true) {
		return
	}
	g.c.inFlight.Add(-1)
	if g.c.slots != nil {
		g.c.slots.Release(1)
	}
}

// TryAcquire never waits. cost is the number of rate tokens the call spends.
// A false result is a normal denial, not an error.
func (c *Controller) TryAcquire(cost int) (*Grant, bool) {
	if cost <= 0 {
		cost = 1
	}
	if c.slots != nil && !c.slots.TryAcquire(1) {
		c.deny("try")
		return nil, false
	}
	if !c.limiter.AllowN(time.Now(), cost) {
		if c.slots != nil {
			c.slots.Release(1)
		}
		c.deny("try")
		return nil, false
	}
	return c.grant("try"), true
}

// TrySpend takes cost rate tokens without a concurrency slot. It is for work
// that runs under a slot the caller already holds, such as a retry of a
// granted call. Never waits.
func (c *Controller) TrySpend(cost int) bool {
	if cost <= 0 {
		cost = 1
	}
	if !c.limiter.AllowN(time.Now(), cost) {
		c.deny("spend")
		return false
	}
	observability.BudgetDecisionsTotal.WithLabelValues("spend", "granted").Inc()
	return true
}

// AcquireBlocking waits for capacity until ctx is done. It gives up immediately
// when the token bucket cannot refill before ctx's deadline.
func (c *Controller) AcquireBlocking(ctx context.Context, cost int) (*Grant, error) {
	if cost <= 0 {
		cost = 1
	}
	if c.slots != nil {
		if err := c.slots.Acquire(ctx, 1); err != nil {
			c.deny("blocking")
			return nil, fmt.Errorf("%w: waiting for call slot: %v", ErrDenied, err)
		}
	}
	if err := c.limiter.WaitN(ctx, cost); err != nil {
		if c.slots != nil {
			c.slots.Release(1)
		}
		c.deny("blocking")
		return nil, fmt.Errorf("%w: %v", ErrDenied, err)
	}
	return c.grant("blocking"), nil
}

// InFlight returns the number of unreleased grants.
func (c *Controller) InFlight() int64 {
	return c.inFlight.Load()
}

// Tokens returns the rate tokens currently available.
func (c *Controller) Tokens() float64 {
	return c.limiter.Tokens()
}

func (c *Controller) grant(mode string) *Grant {
	c.inFlight.Add(1)
	observability.BudgetDecisionsTotal.WithLabelValues(mode, "granted").Inc()
	return &Grant{c: c}
}

func (c *Controller) deny(mode string) {
	observability.BudgetDecisionsTotal.WithLabelValues(mode, "denied").Inc()
	if c.onDeny != nil {
		c.onDeny()
	}
}
