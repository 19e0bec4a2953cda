package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/hotel-pricing-service/internal/budget"
	"github.com/kjstillabower/hotel-pricing-service/internal/fetch"
	"github.com/kjstillabower/hotel-pricing-service/internal/models"
)

type refreshJob struct {
	ctx    context.Context
	keys   []models.CacheKey
	grant  *budget.Grant
	logger *zap.Logger
}

// refresher is a fixed pool of workers draining a bounded queue of warm
// refreshes. Submitting never blocks; a full queue rejects the job.
type refresher struct {
	registry *fetch.Registry
	fn       fetch.BatchFunc
	deadline time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan refreshJob
	wg     sync.WaitGroup
}

func newRefresher(registry *fetch.Registry, fn fetch.BatchFunc, workers, queue int, deadline time.Duration, logger *zap.Logger) *refresher {
	r := &refresher{
		registry: registry,
		fn:       fn,
		deadline: deadline,
		logger:   logger,
		jobs:     make(chan refreshJob, queue),
	}
	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.work()
	}
	return r
}

func (r *refresher) submit(job refreshJob) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.jobs <- job:
		return true
	default:
		return false
	}
}

func (r *refresher) close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *refresher) work() {
	defer r.wg.Done()
	for job := range r.jobs {
		r.run(job)
	}
}

func (r *refresher) run(job refreshJob) {
	logger := job.logger
	if logger == nil {
		logger = r.logger
	}
	defer func() {
		if p := recover(); p != nil {
			job.grant.Release()
			logger.Error("refresh panicked", zap.Any("panic", p))
		}
	}()

	ctx, cancel := context.WithTimeout(job.ctx, r.deadline)
	defer cancel()
	results := r.registry.FetchBatchWithRelease(ctx, job.keys, r.fn, job.grant.Release)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	logger.Debug("warm refresh finished",
		zap.Int("keys", len(job.keys)),
		zap.Int("failed", failed),
	)
}
