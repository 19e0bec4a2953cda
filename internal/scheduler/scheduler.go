// Package scheduler periodically refreshes missing and stale offers through the
// same budget and fetch registry that serve requests.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/hotel-pricing-service/internal/budget"
	"github.com/kjstillabower/hotel-pricing-service/internal/fetch"
	"github.com/kjstillabower/hotel-pricing-service/internal/models"
	"github.com/kjstillabower/hotel-pricing-service/internal/observability"
	"github.com/kjstillabower/hotel-pricing-service/internal/offercache"
	"github.com/kjstillabower/hotel-pricing-service/internal/upstream"
)

// ErrAlreadyRunning is returned by Start on a scheduler that is already started.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Config controls what each sweep covers and how hard it may push upstream.
type Config struct {
	Interval     time.Duration
	BatchSize    int
	BatchTimeout time.Duration
	// Concurrency caps batches in flight at once within one sweep.
	Concurrency int
	// MaxKeysPerRun caps keys considered per sweep. 0 means no cap.
	MaxKeysPerRun int
	// MaxStaleAge evicts offers older than this at the start of each sweep. 0 keeps everything.
	MaxStaleAge time.Duration
	// TrackedHotels are refreshed for the stay LeadDays from today, Nights long,
	// even before any request has priced them.
	TrackedHotels []string
	LeadDays      int
	Nights        int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 2 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.Nights <= 0 {
		c.Nights = 1
	}
	return c
}

// RunReport summarizes one sweep.
type RunReport struct {
	Candidates int
	Refreshed  int
	Failed     int
	Denied     int
	// Skipped counts keys already being fetched by someone else, plus keys
	// over MaxKeysPerRun.
	Skipped  int
	Evicted  int
	Restored int
	Duration time.Duration
	// Overlapped is set when the sweep did nothing because another was running.
	Overlapped bool
}

// Scheduler is instance-scoped; several may run against separate caches.
type Scheduler struct {
	cache    *offercache.Cache
	registry *fetch.Registry
	budget   *budget.Controller
	fn       fetch.BatchFunc
	mirror   offercache.Mirror
	cfg      Config
	logger   *zap.Logger

	sweep sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMirror hydrates tracked keys from m when the scheduler starts.
func WithMirror(m offercache.Mirror) Option {
	return func(s *Scheduler) { s.mirror = m }
}

// WithLogger sets the scheduler's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a stopped Scheduler.
func New(cache *offercache.Cache, registry *fetch.Registry, b *budget.Controller, client upstream.PricingClient, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cache:    cache,
		registry: registry,
		budget:   b,
		fn:       upstream.BatchFunc(client),
		cfg:      cfg.withDefaults(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start hydrates from the mirror, runs one sweep, then sweeps every Interval
// until ctx is done or Stop is called. It returns once the loop is running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
	return nil
}

// Stop cancels the loop and waits for the current sweep to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	if n := s.Hydrate(ctx); n > 0 {
		s.logger.Info("hydrated offers from mirror", zap.Int("offers", n))
	}
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Hydrate loads tracked keys from the mirror into the cache, keeping each
// offer's original fetchedAt. Returns how many offers were applied.
func (s *Scheduler) Hydrate(ctx context.Context) int {
	if s.mirror == nil {
		return 0
	}
	keys := s.trackedKeys()
	if len(keys) == 0 {
		return 0
	}
	offers, err := s.mirror.Load(ctx, keys)
	if err != nil {
		observability.MirrorErrorsTotal.WithLabelValues("load").Inc()
		s.logger.Warn("mirror hydrate failed", zap.Error(err))
		return 0
	}
	restored := 0
	for _, o := range offers {
		if _, applied, err := s.cache.Restore(o); err == nil && applied {
			restored++
		}
	}
	return restored
}

func (s *Scheduler) trackedKeys() []models.CacheKey {
	if len(s.cfg.TrackedHotels) == 0 {
		return nil
	}
	stay := models.StayFrom(s.cache.Now(), s.cfg.LeadDays, s.cfg.Nights)
	keys := make([]models.CacheKey, 0, len(s.cfg.TrackedHotels))
	for _, id := range s.cfg.TrackedHotels {
		keys = append(keys, models.Key(id, stay))
	}
	return keys
}

// candidates returns tracked keys that are missing or stale, then every other
// stale cached key, oldest first, without duplicates.
func (s *Scheduler) candidates() []models.CacheKey {
	var out []models.CacheKey
	seen := make(map[models.CacheKey]struct{})
	add := func(keys []models.CacheKey) {
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	if tracked := s.trackedKeys(); len(tracked) > 0 {
		add(s.cache.ScanMissingOrStale(tracked))
	}
	add(s.cache.ScanMissingOrStale(nil))
	return out
}

// RunOnce performs a single sweep. Failures are counted and logged, never
// retried within the sweep, and never stop it. Overlapping calls return at
// once with Overlapped set.
func (s *Scheduler) RunOnce(ctx context.Context) RunReport {
	if !s.sweep.TryLock() {
		return RunReport{Overlapped: true}
	}
	defer s.sweep.Unlock()

	start := time.Now()
	var report RunReport
	if s.cfg.MaxStaleAge > 0 {
		report.Evicted = s.cache.EvictOlderThan(s.cfg.MaxStaleAge)
	}

	candidates := s.candidates()
	report.Candidates = len(candidates)

	pending := make([]models.CacheKey, 0, len(candidates))
	for _, k := range candidates {
		if s.registry.InFlight(k) {
			report.Skipped++
			continue
		}
		pending = append(pending, k)
	}
	if s.cfg.MaxKeysPerRun > 0 && len(pending) > s.cfg.MaxKeysPerRun {
		report.Skipped += len(pending) - s.cfg.MaxKeysPerRun
		pending = pending[:s.cfg.MaxKeysPerRun]
	}

	var refreshed, failed, denied atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, batch := range s.batches(pending) {
		batch := batch
		g.Go(func() error {
			ok, bad, skipped := s.refreshBatch(gctx, batch)
			refreshed.Add(int64(ok))
			failed.Add(int64(bad))
			denied.Add(int64(skipped))
			return nil
		})
	}
	_ = g.Wait()

	report.Refreshed = int(refreshed.Load())
	report.Failed = int(failed.Load())
	report.Denied = int(denied.Load())
	report.Duration = time.Since(start)

	observability.SchedulerRunsTotal.Inc()
	observability.SchedulerRunDurationSeconds.Observe(report.Duration.Seconds())
	observability.SchedulerKeysTotal.WithLabelValues("refreshed").Add(float64(report.Refreshed))
	observability.SchedulerKeysTotal.WithLabelValues("failed").Add(float64(report.Failed))
	observability.SchedulerKeysTotal.WithLabelValues("denied").Add(float64(report.Denied))
	observability.SchedulerKeysTotal.WithLabelValues("skipped").Add(float64(report.Skipped))

	s.logger.Info("refresh sweep complete",
		zap.Int("candidates", report.Candidates),
		zap.Int("refreshed", report.Refreshed),
		zap.Int("failed", report.Failed),
		zap.Int("denied", report.Denied),
		zap.Int("skipped", report.Skipped),
		zap.Int("evicted", report.Evicted),
		zap.Duration("duration", report.Duration),
	)
	return report
}

// batches splits keys into per-stay chunks of at most BatchSize, so each
// chunk is exactly one upstream call.
func (s *Scheduler) batches(keys []models.CacheKey) [][]models.CacheKey {
	var out [][]models.CacheKey
	for _, g := range upstream.GroupByStay(keys) {
		for start := 0; start < len(g.HotelIDs); start += s.cfg.BatchSize {
			end := start + s.cfg.BatchSize
			if end > len(g.HotelIDs) {
				end = len(g.HotelIDs)
			}
			chunk := make([]models.CacheKey, 0, end-start)
			for _, id := range g.HotelIDs[start:end] {
				chunk = append(chunk, models.Key(id, g.Stay))
			}
			out = append(out, chunk)
		}
	}
	return out
}

func (s *Scheduler) refreshBatch(ctx context.Context, batch []models.CacheKey) (refreshed, failed, denied int) {
	grant, ok := s.budget.TryAcquire(upstream.CallCount(batch))
	if !ok {
		s.logger.Debug("sweep batch denied by budget", zap.Int("keys", len(batch)))
		return 0, 0, len(batch)
	}
	bctx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	results := s.registry.FetchBatchWithRelease(bctx, batch, s.fn, grant.Release)
	var firstErr error
	for _, res := range results {
		if res.Err != nil {
			failed++
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}
		refreshed++
	}
	if firstErr != nil {
		s.logger.Warn("sweep batch had failures",
			zap.Int("keys", len(batch)),
			zap.Int("failed", failed),
			zap.String("category", string(upstream.CategorizeError(firstErr))),
			zap.Error(firstErr),
		)
	}
	return refreshed, failed, 0
}
