// Package circuitbreaker stops calling a failing dependency for a cool-down
// period, then lets a limited number of probe calls decide whether to resume.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling fn while the breaker is open or while
// half-open probes are already outstanding.
var ErrOpen = errors.New("circuit breaker open")

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// State is the breaker position.
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker parameters. Zero values take the defaults noted.
type Config struct {
	// FailureThreshold consecutive failures open the breaker (5).
	FailureThreshold int
	// SuccessThreshold consecutive probe successes close it again (2).
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before probing (30s).
	OpenTimeout time.Duration
	// MaxProbes bounds concurrent calls while half-open (1).
	MaxProbes int
	// IsFailure decides which errors count. Defaults to any non-nil error
	// except context cancellation by the caller.
	IsFailure func(error) bool
	// OnStateChange is called outside the lock on every transition.
	OnStateChange func(from, to State)
	Now           func() time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

// New returns a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Do runs fn if the breaker admits it and records the outcome.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	var from State
	changed := false
	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			b.mu.Unlock()
			return false, ErrOpen
		}
		from, changed = b.transition(StateHalfOpen)
	}
	probe := b.state == StateHalfOpen
	if probe {
		if b.probes >= b.cfg.MaxProbes {
			b.mu.Unlock()
			b.notify(changed, from, StateHalfOpen)
			return false, ErrOpen
		}
		b.probes++
	}
	b.mu.Unlock()
	b.notify(changed, from, StateHalfOpen)
	return probe, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	if probe {
		b.probes--
	}
	var from, to State
	changed := false
	if b.cfg.IsFailure(err) {
		b.successes = 0
		b.failures++
		if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.cfg.FailureThreshold) {
			to = StateOpen
			from, changed = b.transition(StateOpen)
		}
	} else {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				to = StateClosed
				from, changed = b.transition(StateClosed)
			}
		}
	}
	b.mu.Unlock()
	b.notify(changed, from, to)
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) (State, bool) {
	from := b.state
	if from == to {
		return from, false
	}
	b.state = to
	b.failures, b.successes = 0, 0
	if to == StateOpen {
		b.openedAt = b.cfg.Now()
	}
	return from, true
}

func (b *Breaker) notify(changed bool, from, to State) {
	if changed && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// State returns the current position. An open breaker whose timeout has
// elapsed still reports open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
