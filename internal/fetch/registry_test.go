package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/hotel-pricing-service/internal/models"
	"github.com/kjstillabower/hotel-pricing-service/internal/offercache"
)

var testStay = models.DateRange{CheckIn: "2026-11-01", CheckOut: "2026-11-03"}

func quote(price float64) models.Quote {
	return models.Quote{Price: price, Currency: "EUR", FetchedAt: time.Now()}
}

type recordingMirror struct {
	mu     sync.Mutex
	stored []models.Offer
}

func (m *recordingMirror) Store(_ context.Context, o models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, o)
	return nil
}

func (m *recordingMirror) Load(context.Context, []models.CacheKey) ([]models.Offer, error) {
	return nil, nil
}
func (m *recordingMirror) Ping(context.Context) error { return nil }
func (m *recordingMirror) Close() error               { return nil }

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stored)
}

// TestRegistry_FetchOrJoin_SingleFlight fires many concurrent callers for one key
// and checks exactly one upstream call is made and everyone sees its result.
func TestRegistry_FetchOrJoin_SingleFlight(t *testing.T) {
	cache := offercache.New(5 * time.Minute)
	r := NewRegistry(cache)
	key := models.Key("h1", testStay)

	var calls atomic.Int32
	fn := func(ctx context.Context, _ models.CacheKey) (models.Quote, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return quote(99), nil
	}

	const callers = 50
	var wg sync.WaitGroup
	offers := make([]models.Offer, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			offers[i], errs[i] = r.FetchOrJoin(context.Background(), key, fn)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := range offers {
		require.NoError(t, errs[i])
		assert.Equal(t, 99.0, offers[i].Price)
	}
	got, ok := cache.GetOne(key)
	require.True(t, ok)
	assert.Equal(t, 99.0, got.Price)
	assert.False(t, r.InFlight(key), "ticket must be removed once resolved")
	assert.Equal(t, 0, r.Len())
}

// TestRegistry_FetchOrJoin_CallerCancelDoesNotCancelFetch checks that a caller
// giving up leaves the fetch running to completion and into the cache.
func TestRegistry_FetchOrJoin_CallerCancelDoesNotCancelFetch(t *testing.T) {
	cache := offercache.New(5 * time.Minute)
	r := NewRegistry(cache)
	key := models.Key("h1", testStay)

	release := make(chan struct{})
	var fetchErr atomic.Value
	fn := func(ctx context.Context, _ models.CacheKey) (models.Quote, error) {
		select {
		case <-release:
			return quote(150), nil
		case <-ctx.Done():
			fetchErr.Store(ctx.Err())
			return models.Quote{}, ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := r.FetchOrJoin(ctx, key, fn)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, r.InFlight(key), "fetch must outlive the caller")

	close(release)
	require.Eventually(t, func() bool {
		_, ok := cache.GetOne(key)
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, fetchErr.Load())
	assert.False(t, r.InFlight(key))
}

func TestRegistry_FetchOrJoin_FailureLeavesCacheUntouched(t *testing.T) {
	cache := offercache.New(time.Minute)
	r := NewRegistry(cache)
	key := models.Key("h1", testStay)
	old := models.Quote{Price: 80, Currency: "EUR", FetchedAt: time.Now().Add(-time.Hour)}
	_, _, err := cache.Upsert(key, old)
	require.NoError(t, err)

	wantErr := errors.New("provider down")
	_, err = r.FetchOrJoin(context.Background(), key, func(context.Context, models.CacheKey) (models.Quote, error) {
		return models.Quote{}, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	got, ok := cache.GetOne(key)
	require.True(t, ok)
	assert.Equal(t, 80.0, got.Price)
	assert.True(t, got.FetchedAt.Equal(old.FetchedAt))
}

func TestRegistry_FetchOrJoin_InvalidQuote(t *testing.T) {
	cache := offercache.New(time.Minute)
	r := NewRegistry(cache)
	key := models.Key("h1", testStay)

	_, err := r.FetchOrJoin(context.Background(), key, func(context.Context, models.CacheKey) (models.Quote, error) {
		return models.Quote{Price: -1, Currency: "EUR", FetchedAt: time.Now()}, nil
	})
	require.ErrorIs(t, err, ErrInvalidQuote)
	assert.Equal(t, 0, cache.Len())
}

func TestRegistry_FetchOrJoin_InvalidKey(t *testing.T) {
	r := NewRegistry(offercache.New(time.Minute))
	_, err := r.FetchOrJoin(context.Background(), models.Key("", testStay), func(context.Context, models.CacheKey) (models.Quote, error) {
		t.Fatal("fetch must not run for an invalid key")
		return models.Quote{}, nil
	})
	assert.ErrorIs(t, err, offercache.ErrInvalidKey)
}

func TestRegistry_FetchOrJoin_PanicResolvesTicket(t *testing.T) {
	r := NewRegistry(offercache.New(time.Minute))
	key := models.Key("h1", testStay)

	_, err := r.FetchOrJoin(context.Background(), key, func(context.Context, models.CacheKey) (models.Quote, error) {
		panic("boom")
	})
	require.ErrorIs(t, err, ErrFetchPanicked)
	assert.False(t, r.InFlight(key))
}

func TestRegistry_FetchOrJoin_FetchDeadline(t *testing.T) {
	r := NewRegistry(offercache.New(time.Minute), WithMaxFetchDuration(30*time.Millisecond))
	key := models.Key("h1", testStay)

	_, err := r.FetchOrJoin(context.Background(), key, func(ctx context.Context, _ models.CacheKey) (models.Quote, error) {
		<-ctx.Done()
		return models.Quote{}, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_FetchRunsUnderOwnerDeadline(t *testing.T) {
	tests := []struct {
		name     string
		maxFetch time.Duration
		timeout  time.Duration
		wantMax  time.Duration
	}{
		{"owner deadline shorter than cap", 5 * time.Second, 300 * time.Millisecond, 300 * time.Millisecond},
		{"cap shorter than owner deadline", 200 * time.Millisecond, 10 * time.Second, 200 * time.Millisecond},
		{"no owner deadline", 200 * time.Millisecond, 0, 200 * time.Millisecond},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry(offercache.New(time.Minute), WithMaxFetchDuration(tc.maxFetch))
			ctx := context.Background()
			if tc.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tc.timeout)
				defer cancel()
			}
			start := time.Now()

			var oneDeadline time.Time
			_, err := r.FetchOrJoin(ctx, models.Key("one", testStay), func(fctx context.Context, _ models.CacheKey) (models.Quote, error) {
				dl, ok := fctx.Deadline()
				assert.True(t, ok)
				oneDeadline = dl
				return quote(1), nil
			})
			require.NoError(t, err)
			assert.False(t, oneDeadline.After(start.Add(tc.wantMax)), "single fetch deadline %s past bound", oneDeadline.Sub(start))

			batchKey := models.Key("batch", testStay)
			var batchDeadline time.Time
			results := r.FetchBatch(ctx, []models.CacheKey{batchKey}, func(fctx context.Context, keys []models.CacheKey) (map[models.CacheKey]Fetched, error) {
				dl, ok := fctx.Deadline()
				assert.True(t, ok)
				batchDeadline = dl
				return map[models.CacheKey]Fetched{batchKey: {Quote: quote(2)}}, nil
			})
			require.NoError(t, results[batchKey].Err)
			assert.False(t, batchDeadline.After(start.Add(tc.wantMax)), "batch fetch deadline %s past bound", batchDeadline.Sub(start))

			if dl, ok := ctx.Deadline(); ok {
				assert.False(t, oneDeadline.After(dl))
				assert.False(t, batchDeadline.After(dl))
			}
		})
	}
}

// TestRegistry_FetchBatchWithRelease_SlotFreedAtOwnerDeadline checks that a slow
// upstream holds the caller's resource no longer than the caller's deadline.
func TestRegistry_FetchBatchWithRelease_SlotFreedAtOwnerDeadline(t *testing.T) {
	r := NewRegistry(offercache.New(time.Minute), WithMaxFetchDuration(5*time.Second))
	key := models.Key("slow", testStay)

	released := make(chan time.Time, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	results := r.FetchBatchWithRelease(ctx, []models.CacheKey{key}, func(fctx context.Context, _ []models.CacheKey) (map[models.CacheKey]Fetched, error) {
		<-fctx.Done()
		return nil, fctx.Err()
	}, func() { released <- time.Now() })
	assert.ErrorIs(t, results[key].Err, context.DeadlineExceeded)

	select {
	case at := <-released:
		assert.Less(t, at.Sub(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("release not called after the owner's deadline")
	}
	require.Eventually(t, func() bool { return !r.InFlight(key) }, time.Second, 5*time.Millisecond)
}

// TestRegistry_FetchBatch_PerKeyOutcomes checks that a batch resolves each key
// independently and only successful keys reach the cache.
func TestRegistry_FetchBatch_PerKeyOutcomes(t *testing.T) {
	cache := offercache.New(time.Minute)
	r := NewRegistry(cache)
	a, b, c := models.Key("a", testStay), models.Key("b", testStay), models.Key("c", testStay)
	bErr := errors.New("sold out")

	results := r.FetchBatch(context.Background(), []models.CacheKey{a, b, c}, func(_ context.Context, keys []models.CacheKey) (map[models.CacheKey]Fetched, error) {
		assert.ElementsMatch(t, []models.CacheKey{a, b, c}, keys)
		return map[models.CacheKey]Fetched{
			a: {Quote: quote(100)},
			b: {Err: bErr},
		}, nil
	})

	require.Len(t, results, 3)
	require.NoError(t, results[a].Err)
	assert.Equal(t, 100.0, results[a].Offer.Price)
	assert.ErrorIs(t, results[b].Err, bErr)
	assert.ErrorIs(t, results[c].Err, ErrNoQuote)

	_, ok := cache.GetOne(a)
	assert.True(t, ok)
	_, ok = cache.GetOne(b)
	assert.False(t, ok)
	_, ok = cache.GetOne(c)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_FetchBatch_CallErrorFailsAllKeys(t *testing.T) {
	r := NewRegistry(offercache.New(time.Minute))
	keys := []models.CacheKey{models.Key("a", testStay), models.Key("b", testStay)}
	wantErr := errors.New("503")

	results := r.FetchBatch(context.Background(), keys, func(context.Context, []models.CacheKey) (map[models.CacheKey]Fetched, error) {
		return nil, wantErr
	})
	for _, k := range keys {
		assert.ErrorIs(t, results[k].Err, wantErr, k.String())
	}
}

// TestRegistry_FetchBatch_JoinsInFlightKeys checks that a batch does not
// re-request a key another caller is already fetching.
func TestRegistry_FetchBatch_JoinsInFlightKeys(t *testing.T) {
	cache := offercache.New(time.Minute)
	r := NewRegistry(cache)
	a, b := models.Key("a", testStay), models.Key("b", testStay)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = r.FetchOrJoin(context.Background(), a, func(context.Context, models.CacheKey) (models.Quote, error) {
			close(started)
			<-release
			return quote(1), nil
		})
	}()
	<-started

	var batchKeys []models.CacheKey
	batchCalled := make(chan struct{})
	done := make(chan map[models.CacheKey]Result)
	go func() {
		done <- r.FetchBatch(context.Background(), []models.CacheKey{a, b, b}, func(_ context.Context, keys []models.CacheKey) (map[models.CacheKey]Fetched, error) {
			batchKeys = keys
			close(batchCalled)
			return map[models.CacheKey]Fetched{b: {Quote: quote(2)}}, nil
		})
	}()

	<-batchCalled
	close(release)
	results := <-done

	assert.Equal(t, []models.CacheKey{b}, batchKeys)
	assert.True(t, results[a].Joined)
	assert.False(t, results[b].Joined)
	assert.Equal(t, 1.0, results[a].Offer.Price)
	assert.Equal(t, 2.0, results[b].Offer.Price)
}

func TestRegistry_FetchBatch_CallerDeadline(t *testing.T) {
	r := NewRegistry(offercache.New(time.Minute))
	key := models.Key("a", testStay)
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	results := r.FetchBatch(ctx, []models.CacheKey{key}, func(context.Context, []models.CacheKey) (map[models.CacheKey]Fetched, error) {
		<-release
		return nil, nil
	})
	assert.ErrorIs(t, results[key].Err, context.DeadlineExceeded)
}

func TestRegistry_WritesThroughToMirror(t *testing.T) {
	m := &recordingMirror{}
	r := NewRegistry(offercache.New(time.Minute), WithMirror(m))
	keys := []models.CacheKey{models.Key("a", testStay), models.Key("b", testStay)}

	r.FetchBatch(context.Background(), keys, func(_ context.Context, keys []models.CacheKey) (map[models.CacheKey]Fetched, error) {
		out := make(map[models.CacheKey]Fetched, len(keys))
		for _, k := range keys {
			out[k] = Fetched{Quote: quote(10)}
		}
		return out, nil
	})

	require.Eventually(t, func() bool { return m.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_FetchBatchWithRelease(t *testing.T) {
	r := NewRegistry(offercache.New(time.Minute))
	a := models.Key("a", testStay)

	var released atomic.Int32
	fnDone := make(chan struct{})
	r.FetchBatchWithRelease(context.Background(), []models.CacheKey{a}, func(context.Context, []models.CacheKey) (map[models.CacheKey]Fetched, error) {
		defer close(fnDone)
		assert.Equal(t, int32(0), released.Load(), "release must wait for the call")
		return map[models.CacheKey]Fetched{a: {Quote: quote(1)}}, nil
	}, func() { released.Add(1) })
	<-fnDone
	require.Eventually(t, func() bool { return released.Load() == 1 }, time.Second, time.Millisecond)
}

func TestRegistry_FetchBatchWithRelease_AllJoined(t *testing.T) {
	r := NewRegistry(offercache.New(time.Minute))
	a := models.Key("a", testStay)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = r.FetchOrJoin(context.Background(), a, func(context.Context, models.CacheKey) (models.Quote, error) {
			close(started)
			<-release
			return quote(1), nil
		})
	}()
	<-started

	var released atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	r.FetchBatchWithRelease(ctx, []models.CacheKey{a}, func(context.Context, []models.CacheKey) (map[models.CacheKey]Fetched, error) {
		t.Error("fn must not run when every key joined")
		return nil, nil
	}, func() { released.Add(1) })
	assert.Equal(t, int32(1), released.Load())
	close(release)
}
