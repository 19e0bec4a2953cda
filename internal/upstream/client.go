// Package upstream talks to the third-party pricing provider.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kjstillabower/hotel-pricing-service/internal/budget"
	"github.com/kjstillabower/hotel-pricing-service/internal/circuitbreaker"
	"github.com/kjstillabower/hotel-pricing-service/internal/models"
	"github.com/kjstillabower/hotel-pricing-service/internal/observability"
)

// PricingClient fetches live quotes. Deadlines come from ctx.
//
//go:generate mockgen -package=upstreammock -destination=upstreammock/mock_client.go -source=client.go PricingClient
type PricingClient interface {
	// FetchBatch quotes several hotels for one stay. Hotels the provider said
	// nothing about are absent from the map.
	FetchBatch(ctx context.Context, hotelIDs []string, stay models.DateRange) (map[string]Result, error)
	FetchOne(ctx context.Context, hotelID string, stay models.DateRange) (models.Quote, error)
}

// Result is the provider's answer for one hotel in a batch.
type Result struct {
	Quote models.Quote
	Err   error
}

// HTTPDoer is the subset of *http.Client the client needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HealthRecorder receives one signal per completed provider call.
type HealthRecorder interface {
	RecordUpstreamSuccess()
	RecordUpstreamFailure()
}

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrHotelNotFound   = errors.New("hotel not found")
	ErrNoRate          = errors.New("no rate available")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
)

// Config holds the client settings.
type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// HTTPClient is the provider's REST implementation of PricingClient.
type HTTPClient struct {
	baseURL        *url.URL
	apiKey         string
	timeout        time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	doer    HTTPDoer
	breaker *circuitbreaker.Breaker
	budget  *budget.Controller
	health  HealthRecorder
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPDoer replaces the underlying transport.
func WithHTTPDoer(d HTTPDoer) Option {
	return func(c *HTTPClient) { c.doer = d }
}

// WithBreaker routes every attempt through b.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *HTTPClient) { c.breaker = b }
}

// WithRetryBudget makes each retry spend one rate token from b. The first
// attempt is paid for by the caller, and retries run under the caller's
// concurrency slot, so they never take a second one. A retry the bucket
// refuses is not made.
func WithRetryBudget(b *budget.Controller) Option {
	return func(c *HTTPClient) { c.budget = b }
}

// WithHealth reports call outcomes to h.
func WithHealth(h HealthRecorder) Option {
	return func(c *HTTPClient) { c.health = h }
}

// NewHTTPClient validates cfg and returns a client.
func NewHTTPClient(cfg Config, opts ...Option) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("upstream base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 50 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = time.Second
	}
	c := &HTTPClient{
		baseURL:        u,
		apiKey:         cfg.APIKey,
		timeout:        cfg.Timeout,
		retryAttempts:  cfg.RetryAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
		doer:           &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type rateBody struct {
	HotelID   string    `json:"hotelId"`
	Price     float64   `json:"price"`
	Currency  string    `json:"currency"`
	FetchedAt time.Time `json:"fetchedAt"`
}

type rateError struct {
	HotelID string `json:"hotelId"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type batchRequest struct {
	HotelIDs []string `json:"hotelIds"`
	CheckIn  string   `json:"checkIn"`
	CheckOut string   `json:"checkOut"`
}

type batchResponse struct {
	Rates  []rateBody  `json:"rates"`
	Errors []rateError `json:"errors"`
}

// FetchBatch posts one batch rate request.
func (c *HTTPClient) FetchBatch(ctx context.Context, hotelIDs []string, stay models.DateRange) (map[string]Result, error) {
	if len(hotelIDs) == 0 {
		return map[string]Result{}, nil
	}
	body, err := json.Marshal(batchRequest{HotelIDs: hotelIDs, CheckIn: stay.CheckIn, CheckOut: stay.CheckOut})
	if err != nil {
		return nil, fmt.Errorf("encode batch request: %w", err)
	}

	var resp batchResponse
	err = c.withRetry(ctx, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodPost, "/v1/rates/batch", nil, body)
		if err != nil {
			return err
		}
		resp = batchResponse{}
		return c.do(req, "batch", &resp)
	})
	if err != nil {
		return nil, err
	}

	requested := make(map[string]struct{}, len(hotelIDs))
	for _, id := range hotelIDs {
		requested[id] = struct{}{}
	}
	receivedAt := time.Now()
	out := make(map[string]Result, len(hotelIDs))
	for _, e := range resp.Errors {
		if _, ok := requested[e.HotelID]; ok {
			out[e.HotelID] = Result{Err: rateErr(e)}
		}
	}
	for _, r := range resp.Rates {
		if _, ok := requested[r.HotelID]; ok {
			out[r.HotelID] = Result{Quote: r.quote(receivedAt)}
		}
	}
	return out, nil
}

// FetchOne requests a single hotel's rate.
func (c *HTTPClient) FetchOne(ctx context.Context, hotelID string, stay models.DateRange) (models.Quote, error) {
	q := url.Values{}
	q.Set("checkIn", stay.CheckIn)
	q.Set("checkOut", stay.CheckOut)

	var resp rateBody
	err := c.withRetry(ctx, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodGet, "/v1/rates/"+url.PathEscape(hotelID), q, nil)
		if err != nil {
			return err
		}
		resp = rateBody{}
		return c.do(req, "one", &resp)
	})
	if err != nil {
		return models.Quote{}, err
	}
	return resp.quote(time.Now()), nil
}

func (r rateBody) quote(receivedAt time.Time) models.Quote {
	fetchedAt := r.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = receivedAt
	}
	return models.Quote{Price: r.Price, Currency: strings.ToUpper(r.Currency), FetchedAt: fetchedAt}
}

func rateErr(e rateError) error {
	if e.Code == "not_found" {
		return fmt.Errorf("%w: %s", ErrHotelNotFound, e.HotelID)
	}
	if e.Message != "" {
		return fmt.Errorf("%w: %s: %s", ErrNoRate, e.Code, e.Message)
	}
	return fmt.Errorf("%w: %s", ErrNoRate, e.Code)
}

func (c *HTTPClient) withRetry(ctx context.Context, call func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < delay {
				break
			}
			if c.budget != nil && !c.budget.TrySpend(1) {
				break
			}
			observability.UpstreamRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return c.fail(ctx.Err())
			case <-time.After(delay):
			}
		}

		err := c.attempt(ctx, call)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(ctx, err) {
			return c.fail(err)
		}
	}
	return c.fail(fmt.Errorf("exhausted retries: %w", lastErr))
}

func (c *HTTPClient) attempt(ctx context.Context, call func(context.Context) error) error {
	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if c.health != nil && !errors.Is(err, circuitbreaker.ErrOpen) && !errors.Is(err, context.Canceled) {
		if err == nil || errors.Is(err, ErrHotelNotFound) {
			c.health.RecordUpstreamSuccess()
		} else {
			c.health.RecordUpstreamFailure()
		}
	}
	return err
}

func (c *HTTPClient) fail(err error) error {
	observability.UpstreamErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
	return err
}

func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, ErrHotelNotFound), errors.Is(err, ErrInvalidAPIKey):
		return false
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamFailure):
		return true
	}
	return CategorizeError(err) == ErrorCategoryTimeout || CategorizeError(err) == ErrorCategoryNetwork
}

func (c *HTTPClient) backoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Request, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	if id := observability.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	return req, nil
}

func (c *HTTPClient) do(req *http.Request, op string, into any) error {
	ctx, cancel := context.WithTimeout(req.Context(), c.timeout)
	defer cancel()
	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := c.doer.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(op, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("request timeout: %w", err)
		}
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(op, status).Inc()
	observability.UpstreamDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())

	if err := errorFromStatus(resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func errorFromStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ErrInvalidAPIKey
	case code == http.StatusNotFound:
		return ErrHotelNotFound
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, code)
	}
}

func statusLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "success"
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	case code >= 400 && code < 500:
		return "client_error"
	case code >= 500:
		return "server_error"
	}
	return "error"
}
