// Package fetch guarantees at most one outstanding upstream fetch per offer key.
//
// A caller that finds no ticket for a key becomes its owner and starts the
// fetch; anyone arriving while it runs joins the same ticket. The fetch runs
// detached from the owner's context under its own deadline, so a caller giving
// up never cancels work other callers (or the cache) are waiting on.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/hotel-pricing-service/internal/models"
	"github.com/kjstillabower/hotel-pricing-service/internal/observability"
	"github.com/kjstillabower/hotel-pricing-service/internal/offercache"
)

const shardCount = 16

var (
	// ErrNoQuote means a batch call succeeded but said nothing about a key.
	ErrNoQuote = errors.New("upstream returned no quote for key")
	// ErrInvalidQuote means the upstream answer could not be stored.
	ErrInvalidQuote = errors.New("upstream returned an invalid quote")
	// ErrFetchPanicked is the outcome of a fetch function that panicked.
	ErrFetchPanicked = errors.New("fetch panicked")
)

// Fetched is the per-key outcome of a batch call.
type Fetched struct {
	Quote models.Quote
	Err   error
}

// BatchFunc fetches quotes for keys in one upstream round. A returned error
// fails every key; otherwise each key is resolved from the map.
type BatchFunc func(ctx context.Context, keys []models.CacheKey) (map[models.CacheKey]Fetched, error)

// OneFunc fetches a single quote.
type OneFunc func(ctx context.Context, key models.CacheKey) (models.Quote, error)

// Result is the outcome a caller observed for one key.
type Result struct {
	Offer models.Offer
	Err   error
	// Joined is true when the caller attached to a fetch someone else started.
	Joined bool
}

type ticket struct {
	done  chan struct{}
	offer models.Offer
	err   error
}

type ticketShard struct {
	mu      sync.Mutex
	tickets map[models.CacheKey]*ticket
}

// Registry tracks in-flight fetches and applies their results to the cache.
type Registry struct {
	shards        [shardCount]ticketShard
	cache         *offercache.Cache
	mirror        offercache.Mirror
	logger        *zap.Logger
	maxFetch      time.Duration
	mirrorTimeout time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithMirror writes every applied offer through to m after its ticket resolves.
func WithMirror(m offercache.Mirror) Option {
	return func(r *Registry) { r.mirror = m }
}

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMaxFetchDuration bounds how long a detached fetch may run.
func WithMaxFetchDuration(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.maxFetch = d
		}
	}
}

// WithMirrorTimeout bounds each mirror write.
func WithMirrorTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.mirrorTimeout = d
		}
	}
}

// NewRegistry returns a Registry that stores successful fetches into cache.
func NewRegistry(cache *offercache.Cache, opts ...Option) *Registry {
	r := &Registry{
		cache:         cache,
		logger:        zap.NewNop(),
		maxFetch:      5 * time.Second,
		mirrorTimeout: 500 * time.Millisecond,
	}
	for i := range r.shards {
		r.shards[i].tickets = make(map[models.CacheKey]*ticket)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(key models.CacheKey) *ticketShard {
	return &r.shards[key.Hash()%shardCount]
}

// claim returns the ticket for key, creating it when none exists. owner is
// true for the caller that created it and must therefore resolve it.
func (r *Registry) claim(key models.CacheKey) (*ticket, bool) {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tickets[key]; ok {
		return t, false
	}
	t := &ticket{done: make(chan struct{})}
	s.tickets[key] = t
	observability.FetchTicketsInFlight.Inc()
	return t, true
}

// InFlight reports whether a fetch for key is outstanding.
func (r *Registry) InFlight(key models.CacheKey) bool {
	s := r.shardFor(key)
	s.mu.Lock()
	_, ok := s.tickets[key]
	s.mu.Unlock()
	return ok
}

// Len returns the number of outstanding tickets.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.tickets)
		s.mu.Unlock()
	}
	return n
}

// FetchOrJoin returns the fresh offer for key, starting fn if nobody else is
// fetching it. It waits at most until ctx is done; the fetch itself carries on
// and still updates the cache.
func (r *Registry) FetchOrJoin(ctx context.Context, key models.CacheKey, fn OneFunc) (models.Offer, error) {
	if !key.Valid() {
		return models.Offer{}, fmt.Errorf("%w: %q", offercache.ErrInvalidKey, key.String())
	}
	t, owner := r.claim(key)
	if owner {
		fctx, cancel := r.detach(ctx)
		go func() {
			defer cancel()
			r.runOne(fctx, key, t, fn)
		}()
	} else {
		observability.FetchJoinsTotal.WithLabelValues("one").Inc()
	}
	res := r.wait(ctx, t)
	return res.Offer, res.Err
}

// FetchBatch resolves every key, calling fn once with the keys no other caller
// is already fetching. Keys already in flight are joined. Outcomes are per key:
// one key failing says nothing about the others. Keys still unresolved when
// ctx is done report ctx's error.
func (r *Registry) FetchBatch(ctx context.Context, keys []models.CacheKey, fn BatchFunc) map[models.CacheKey]Result {
	return r.FetchBatchWithRelease(ctx, keys, fn, nil)
}

// FetchBatchWithRelease is FetchBatch for callers holding a resource, such as
// a budget grant, for the duration of the upstream call. release runs once fn
// returns, or right away when every key joined someone else's fetch and fn is
// never called. A nil release is ignored.
func (r *Registry) FetchBatchWithRelease(ctx context.Context, keys []models.CacheKey, fn BatchFunc, release func()) map[models.CacheKey]Result {
	if release == nil {
		release = func() {}
	}
	out := make(map[models.CacheKey]Result, len(keys))
	tickets := make(map[models.CacheKey]*ticket, len(keys))
	joined := make(map[models.CacheKey]bool, len(keys))
	var owned []models.CacheKey
	var ownedTickets []*ticket

	for _, k := range keys {
		if _, dup := tickets[k]; dup {
			continue
		}
		if _, done := out[k]; done {
			continue
		}
		if !k.Valid() {
			out[k] = Result{Err: fmt.Errorf("%w: %q", offercache.ErrInvalidKey, k.String())}
			continue
		}
		t, owner := r.claim(k)
		tickets[k] = t
		if owner {
			owned = append(owned, k)
			ownedTickets = append(ownedTickets, t)
		} else {
			joined[k] = true
			observability.FetchJoinsTotal.WithLabelValues("batch").Inc()
		}
	}

	if len(owned) > 0 {
		fctx, cancel := r.detach(ctx)
		go func() {
			defer cancel()
			defer release()
			r.runBatch(fctx, owned, ownedTickets, fn)
		}()
	} else {
		release()
	}

	for k, t := range tickets {
		res := r.wait(ctx, t)
		res.Joined = joined[k]
		out[k] = res
	}
	return out
}

// detach returns the context the owner's fetch runs under. Cancellation of ctx
// does not reach it, so joiners and a departing owner never abort the call, but
// ctx's deadline does. maxFetch caps fetches whose owner set no deadline or a
// longer one.
func (r *Registry) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < r.maxFetch {
		return context.WithDeadline(base, dl)
	}
	return context.WithTimeout(base, r.maxFetch)
}

func (r *Registry) wait(ctx context.Context, t *ticket) Result {
	select {
	case <-t.done:
		return Result{Offer: t.offer, Err: t.err}
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

func (r *Registry) runOne(ctx context.Context, key models.CacheKey, t *ticket, fn OneFunc) {
	var applied []models.Offer
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("fetch panicked", zap.String("key", key.String()), zap.Any("panic", p))
			r.resolve(key, t, models.Offer{}, fmt.Errorf("%w: %v", ErrFetchPanicked, p))
		}
		r.writeThrough(ctx, applied)
	}()

	q, err := fn(ctx, key)
	o, stored, err := r.apply(key, q, err)
	if stored {
		applied = append(applied, o)
	}
	r.resolve(key, t, o, err)
}

func (r *Registry) runBatch(ctx context.Context, keys []models.CacheKey, tickets []*ticket, fn BatchFunc) {
	resolved := 0
	var applied []models.Offer
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("batch fetch panicked", zap.Int("keys", len(keys)), zap.Any("panic", p))
			err := fmt.Errorf("%w: %v", ErrFetchPanicked, p)
			for i := resolved; i < len(keys); i++ {
				r.resolve(keys[i], tickets[i], models.Offer{}, err)
			}
		}
		r.writeThrough(ctx, applied)
	}()

	results, err := fn(ctx, keys)
	for i, k := range keys {
		var o models.Offer
		var stored bool
		var kerr error
		switch f, ok := results[k]; {
		case err != nil:
			kerr = err
		case !ok:
			kerr = ErrNoQuote
		default:
			o, stored, kerr = r.apply(k, f.Quote, f.Err)
		}
		if stored {
			applied = append(applied, o)
		}
		r.resolve(k, tickets[i], o, kerr)
		resolved++
	}
}

// apply validates q and stores it. stored is true when the cache took q.
// On any error the cache is left untouched.
func (r *Registry) apply(key models.CacheKey, q models.Quote, err error) (models.Offer, bool, error) {
	if err != nil {
		return models.Offer{}, false, err
	}
	if math.IsNaN(q.Price) || math.IsInf(q.Price, 0) || q.Price < 0 || q.Currency == "" {
		return models.Offer{}, false, fmt.Errorf("%w: price=%v currency=%q", ErrInvalidQuote, q.Price, q.Currency)
	}
	if q.FetchedAt.IsZero() {
		q.FetchedAt = r.cache.Now()
	}
	o, applied, err := r.cache.Upsert(key, q)
	if err != nil {
		return models.Offer{}, false, fmt.Errorf("%w: %v", ErrInvalidQuote, err)
	}
	return o, applied, nil
}

// resolve publishes the outcome and retires the ticket. The cache write has
// already happened, so a caller arriving after removal finds the offer cached.
func (r *Registry) resolve(key models.CacheKey, t *ticket, o models.Offer, err error) {
	t.offer, t.err = o, err

	s := r.shardFor(key)
	s.mu.Lock()
	if s.tickets[key] == t {
		delete(s.tickets, key)
	}
	s.mu.Unlock()
	observability.FetchTicketsInFlight.Dec()

	if err != nil {
		observability.FetchOutcomesTotal.WithLabelValues("error").Inc()
		r.logger.Debug("fetch failed", zap.String("key", key.String()), zap.Error(err))
	} else {
		observability.FetchOutcomesTotal.WithLabelValues("success").Inc()
	}
	close(t.done)
}

func (r *Registry) writeThrough(ctx context.Context, offers []models.Offer) {
	if r.mirror == nil || len(offers) == 0 {
		return
	}
	for _, o := range offers {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.mirrorTimeout)
		err := r.mirror.Store(mctx, o)
		cancel()
		if err != nil {
			observability.MirrorErrorsTotal.WithLabelValues("store").Inc()
			r.logger.Warn("mirror store failed", zap.String("key", o.Key().String()), zap.Error(err))
		}
	}
}
