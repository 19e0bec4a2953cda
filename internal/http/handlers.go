package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/hotel-pricing-service/internal/budget"
	"github.com/kjstillabower/hotel-pricing-service/internal/catalog"
	"github.com/kjstillabower/hotel-pricing-service/internal/health"
	"github.com/kjstillabower/hotel-pricing-service/internal/models"
	"github.com/kjstillabower/hotel-pricing-service/internal/observability"
	"github.com/kjstillabower/hotel-pricing-service/internal/orchestrator"
	"github.com/kjstillabower/hotel-pricing-service/internal/ranking"
	"github.com/kjstillabower/hotel-pricing-service/internal/validation"
)

// PricingService is the orchestrator as seen by the handlers.
type PricingService interface {
	Search(ctx context.Context, req orchestrator.SearchRequest) (orchestrator.SearchResult, error)
	Detail(ctx context.Context, req orchestrator.DetailRequest) (orchestrator.DetailResult, error)
}

// HandlerConfig holds request limits and optional health probes.
type HandlerConfig struct {
	DestinationMinLength int
	DestinationMaxLength int
	MaxNights            int
	DefaultPageSize      int
	MaxPageSize          int
	// MirrorPing, when set, is called to check offer mirror reachability.
	MirrorPing func(ctx context.Context) error
	// Budget, when set, adds token and in-flight figures to /health.
	Budget *budget.Controller
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	pricing          PricingService
	health           *health.Tracker
	cfg              HandlerConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev health.Status
}

// NewHandler returns a new Handler.
func NewHandler(pricing PricingService, tracker *health.Tracker, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if cfg.DestinationMinLength <= 0 {
		cfg.DestinationMinLength = 2
	}
	if cfg.DestinationMaxLength <= 0 {
		cfg.DestinationMaxLength = 100
	}
	if cfg.MaxNights <= 0 {
		cfg.MaxNights = 30
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{pricing: pricing, health: tracker, cfg: cfg, logger: logger}
}

type searchResponse struct {
	Hotels   []models.PricedHotel `json:"hotels"`
	Stay     models.DateRange     `json:"stay"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"pageSize"`
	Total    int                  `json:"total"`
}

type detailResponse struct {
	Hotel models.Hotel     `json:"hotel"`
	Stay  models.DateRange `json:"stay"`
	Price models.PriceInfo `json:"price"`
}

// SearchHotels handles GET /v1/hotels/search.
func (h *Handler) SearchHotels(w http.ResponseWriter, r *http.Request) {
	req, code, err := h.parseSearch(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, code, err.Error())
		return
	}
	result, err := h.pricing.Search(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	hotels := result.Hotels
	if hotels == nil {
		hotels = []models.PricedHotel{}
	}
	writeJSON(w, http.StatusOK, searchResponse{
		Hotels:   hotels,
		Stay:     req.Stay,
		Page:     result.Page,
		PageSize: result.PageSize,
		Total:    result.Total,
	})
}

func (h *Handler) parseSearch(r *http.Request) (orchestrator.SearchRequest, string, error) {
	q := r.URL.Query()
	var req orchestrator.SearchRequest

	dest, err := validation.ValidateDestination(q.Get("destination"), h.cfg.DestinationMinLength, h.cfg.DestinationMaxLength)
	if err != nil {
		return req, "INVALID_DESTINATION", err
	}
	stay, err := validation.ParseStay(q.Get("checkIn"), q.Get("checkOut"), h.cfg.MaxNights)
	if err != nil {
		return req, "INVALID_DATES", err
	}
	req.Destination, req.Stay = dest, stay

	if req.Page, err = validation.ParseInt("page", q.Get("page"), 1, 1, 10000); err != nil {
		return req, "INVALID_PARAMETER", err
	}
	if req.PageSize, err = validation.ParseInt("pageSize", q.Get("pageSize"), h.cfg.DefaultPageSize, 1, h.cfg.MaxPageSize); err != nil {
		return req, "INVALID_PARAMETER", err
	}
	if req.Filters.MinStars, err = validation.ParseInt("minStars", q.Get("minStars"), 0, 0, 5); err != nil {
		return req, "INVALID_PARAMETER", err
	}
	req.Filters.Amenities = validation.NormalizeAmenities(q["amenity"])
	if req.Price.Min, err = validation.ParsePrice("minPrice", q.Get("minPrice")); err != nil {
		return req, "INVALID_PARAMETER", err
	}
	if req.Price.Max, err = validation.ParsePrice("maxPrice", q.Get("maxPrice")); err != nil {
		return req, "INVALID_PARAMETER", err
	}
	req.Sort = ranking.SortOrder(q.Get("sort"))
	if !req.Sort.Valid() {
		return req, "INVALID_PARAMETER", errors.New("sort must be price_asc or price_desc")
	}
	return req, "", nil
}

// GetHotel handles GET /v1/hotels/{hotelId}.
func (h *Handler) GetHotel(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ValidateHotelID(mux.Vars(r)["hotelId"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_HOTEL_ID", err.Error())
		return
	}
	q := r.URL.Query()
	stay, err := validation.ParseStay(q.Get("checkIn"), q.Get("checkOut"), h.cfg.MaxNights)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_DATES", err.Error())
		return
	}

	result, err := h.pricing.Detail(r.Context(), orchestrator.DetailRequest{HotelID: id, Stay: stay})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailResponse{Hotel: result.Hotel, Stay: stay, Price: result.Price})
}

// GetHealth handles GET /health. Upstream trouble is reported but does not
// fail the probe: prices degrade while responses keep flowing. Only shutdown
// returns 503.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	report := health.Report{Status: health.StatusHealthy}
	if h.health != nil {
		report = h.health.Evaluate()
	}

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != report.Status {
		h.logger.Info("health status transition",
			zap.String("previous_status", string(prev)),
			zap.String("current_status", string(report.Status)),
			zap.Int("upstream_errors", report.UpstreamErrors),
			zap.Int("budget_denials", report.BudgetDenials))
	}
	h.healthStatusPrev = report.Status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"upstream": "healthy", "budget": "healthy"}
	if report.Status == health.StatusDegraded {
		checks["upstream"] = "unhealthy"
	}
	if report.Status == health.StatusThrottled {
		checks["budget"] = "throttled"
	}
	if h.cfg.MirrorPing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		if h.cfg.MirrorPing(ctx) == nil {
			checks["mirror"] = "healthy"
		} else {
			checks["mirror"] = "unhealthy"
		}
		cancel()
	}

	resp := map[string]interface{}{
		"status":    report.Status,
		"service":   "hotel-pricing-service",
		"version":   "dev",
		"checks":    checks,
		"window":    report,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.cfg.Budget != nil {
		resp["budget"] = map[string]interface{}{
			"tokens":   h.cfg.Budget.Tokens(),
			"inFlight": h.cfg.Budget.InFlight(),
		}
	}
	statusCode := http.StatusOK
	if report.Status == health.StatusShuttingDown {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps orchestrator errors to responses. Pricing failures
// never get here; only bad requests, unknown hotels and catalog faults do.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "HOTEL_NOT_FOUND", "hotel not found")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
	default:
		observability.LoggerFromContext(r.Context(), nil).Error("request failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
