package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kjstillabower/hotel-pricing-service/internal/budget"
	"github.com/kjstillabower/hotel-pricing-service/internal/catalog"
	"github.com/kjstillabower/hotel-pricing-service/internal/fetch"
	"github.com/kjstillabower/hotel-pricing-service/internal/health"
	"github.com/kjstillabower/hotel-pricing-service/internal/models"
	"github.com/kjstillabower/hotel-pricing-service/internal/offercache"
	"github.com/kjstillabower/hotel-pricing-service/internal/orchestrator"
	"github.com/kjstillabower/hotel-pricing-service/internal/upstream"
)

// fakeProvider serves the pricing provider's batch and single-rate endpoints
// with a fixed price per hotel.
type fakeProvider struct {
	prices     map[string]float64
	batchCalls atomic.Int32
	oneCalls   atomic.Int32
}

func (p *fakeProvider) handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/rates/batch", func(w http.ResponseWriter, r *http.Request) {
		p.batchCalls.Add(1)
		var req struct {
			HotelIDs []string `json:"hotelIds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := map[string][]map[string]interface{}{"rates": {}, "errors": {}}
		for _, id := range req.HotelIDs {
			price, ok := p.prices[id]
			if !ok {
				resp["errors"] = append(resp["errors"], map[string]interface{}{"hotelId": id, "code": "not_found"})
				continue
			}
			resp["rates"] = append(resp["rates"], map[string]interface{}{
				"hotelId": id, "price": price, "currency": "eur", "fetchedAt": time.Now().UTC(),
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}).Methods(http.MethodPost)
	r.HandleFunc("/v1/rates/{id}", func(w http.ResponseWriter, r *http.Request) {
		p.oneCalls.Add(1)
		id := mux.Vars(r)["id"]
		price, ok := p.prices[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"hotelId": id, "price": price, "currency": "EUR", "fetchedAt": time.Now().UTC(),
		})
	}).Methods(http.MethodGet)
	return r
}

type stack struct {
	api      *httptest.Server
	provider *fakeProvider
	cache    *offercache.Cache
}

func newStack(t *testing.T) *stack {
	t.Helper()
	provider := &fakeProvider{prices: map[string]float64{"lis-001": 180, "lis-002": 95.5}}
	upstreamSrv := httptest.NewServer(provider.handler())
	t.Cleanup(upstreamSrv.Close)

	logger := zap.NewNop()
	tracker := health.NewTracker(health.Config{ErrorRatePct: 50, MinSamples: 5}, nil)
	ctrl := budget.New(budget.Config{RatePerSecond: 100, Burst: 20, MaxConcurrent: 4}, budget.WithDenyHook(tracker.RecordBudgetDenial))
	client, err := upstream.NewHTTPClient(upstream.Config{BaseURL: upstreamSrv.URL, Timeout: time.Second},
		upstream.WithHealth(tracker))
	require.NoError(t, err)

	store := catalog.NewMemoryStore([]models.Hotel{
		{ID: "lis-001", Name: "Alfama Riverside", Destination: "Lisbon", Stars: 4, Rating: 9.1},
		{ID: "lis-002", Name: "Baixa Budget Rooms", Destination: "Lisbon", Stars: 2, Rating: 7.4},
	})
	cache := offercache.New(5 * time.Minute)
	registry := fetch.NewRegistry(cache, fetch.WithLogger(logger))

	cfg := orchestrator.DefaultConfig()
	cfg.DetailDeadline = 2 * time.Second
	cfg.RefreshDeadline = 2 * time.Second
	svc := orchestrator.New(orchestrator.Deps{
		Catalog: store, Cache: cache, Registry: registry, Budget: ctrl, Client: client, Logger: logger,
	}, cfg)
	t.Cleanup(svc.Close)

	handler := NewHandler(svc, tracker, HandlerConfig{Budget: ctrl}, logger)
	api := httptest.NewServer(NewRouter(handler, logger, RouterConfig{RequestTimeout: 5 * time.Second, InFlight: &InFlightTracker{}}))
	t.Cleanup(api.Close)

	return &stack{api: api, provider: provider, cache: cache}
}

func getJSON(t *testing.T, url string, into interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	return resp.StatusCode
}

func TestIntegration_DetailFetchesFreshPrice(t *testing.T) {
	s := newStack(t)

	var body struct {
		Hotel models.Hotel     `json:"hotel"`
		Price models.PriceInfo `json:"price"`
	}
	status := getJSON(t, s.api.URL+"/v1/hotels/lis-001?checkIn=2026-11-01&checkOut=2026-11-03", &body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Alfama Riverside", body.Hotel.Name)
	assert.Equal(t, models.PriceFresh, body.Price.Status)
	require.NotNil(t, body.Price.Amount)
	assert.Equal(t, 180.0, *body.Price.Amount)
	assert.Equal(t, "EUR", body.Price.Currency)

	// The second call is a cache hit.
	status = getJSON(t, s.api.URL+"/v1/hotels/lis-001?checkIn=2026-11-01&checkOut=2026-11-03", &body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int32(1), s.provider.oneCalls.Load())
}

func TestIntegration_SearchWarmsInBackground(t *testing.T) {
	s := newStack(t)
	url := s.api.URL + "/v1/hotels/search?destination=lisbon&checkIn=2026-11-01&checkOut=2026-11-03&sort=price_asc"

	var first struct {
		Hotels []models.PricedHotel `json:"hotels"`
		Total  int                  `json:"total"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, url, &first))
	require.Len(t, first.Hotels, 2)
	assert.Equal(t, 2, first.Total)
	for _, h := range first.Hotels {
		assert.Equal(t, models.PriceUnavailable, h.Price.Status)
		assert.Equal(t, models.ReasonNotPriced, h.Price.Reason)
	}

	require.Eventually(t, func() bool { return s.cache.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	var second struct {
		Hotels []models.PricedHotel `json:"hotels"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, url, &second))
	require.Len(t, second.Hotels, 2)
	assert.Equal(t, "lis-002", second.Hotels[0].Hotel.ID, "price_asc puts the cheaper hotel first")
	for _, h := range second.Hotels {
		assert.Equal(t, models.PriceFresh, h.Price.Status)
	}
	assert.Equal(t, int32(1), s.provider.batchCalls.Load())
	assert.Zero(t, s.provider.oneCalls.Load())
}

func TestIntegration_HealthReportsBudget(t *testing.T) {
	s := newStack(t)

	var body struct {
		Status string `json:"status"`
		Budget struct {
			InFlight int64 `json:"inFlight"`
		} `json:"budget"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, s.api.URL+"/health", &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Zero(t, body.Budget.InFlight)
}
