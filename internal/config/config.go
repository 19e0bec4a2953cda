package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string
	LogLevel   string

	RequestTimeout time.Duration
	RateLimitRPS   int
	RateLimitBurst int
	MaxNights      int

	CatalogBackend  string // "memory" or "postgres"
	CatalogSeedFile string
	CatalogDSN      string

	UpstreamURL        string
	UpstreamAPIKey     string
	UpstreamTimeout    time.Duration
	RetryAttempts      int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	BreakerFailures    int
	BreakerSuccesses   int
	BreakerOpenTimeout time.Duration
	MaxFetchDuration   time.Duration

	OfferTTL             time.Duration
	ServeStale           bool
	RefreshStaleOnSearch bool
	DetailDeadline       time.Duration
	RefreshDeadline      time.Duration
	RefreshBatchSize     int
	RefreshWorkers       int
	RefreshQueueSize     int
	DefaultPageSize      int
	MaxPageSize          int

	BudgetRPS           float64
	BudgetBurst         int
	BudgetMaxConcurrent int

	SchedulerEnabled      bool
	SchedulerInterval     time.Duration
	SchedulerBatchSize    int
	SchedulerBatchTimeout time.Duration
	SchedulerConcurrency  int
	SchedulerMaxKeys      int
	MaxStaleAge           time.Duration
	TrackedHotels         []string
	TrackedLeadDays       int
	TrackedNights         int

	MirrorBackend    string // "none", "memcached" or "redis"
	MirrorAddrs      string
	MirrorTTL        time.Duration
	MirrorTimeout    time.Duration
	MemcachedMaxIdle int
	RedisDB          int

	HealthWindow          time.Duration
	HealthErrorPct        int
	HealthMinSamples      int
	HealthDenialThreshold int

	ShutdownTimeout time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Request struct {
		Timeout        string `yaml:"timeout"`
		RateLimitRPS   int    `yaml:"rate_limit_rps"`
		RateLimitBurst int    `yaml:"rate_limit_burst"`
		MaxNights      int    `yaml:"max_nights"`
	} `yaml:"request"`

	Catalog struct {
		Backend  string `yaml:"backend"`
		SeedFile string `yaml:"seed_file"`
		DSN      string `yaml:"dsn"`
	} `yaml:"catalog"`

	Upstream struct {
		URL              string `yaml:"url"`
		Timeout          string `yaml:"timeout"`
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		MaxFetchDuration string `yaml:"max_fetch_duration"`
		CircuitBreaker   struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			OpenTimeout      string `yaml:"open_timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"upstream"`

	Pricing struct {
		OfferTTL             string `yaml:"offer_ttl"`
		ServeStale           *bool  `yaml:"serve_stale"`
		RefreshStaleOnSearch *bool  `yaml:"refresh_stale_on_search"`
		DetailDeadline       string `yaml:"detail_deadline"`
		RefreshDeadline      string `yaml:"refresh_deadline"`
		RefreshBatchSize     int    `yaml:"refresh_batch_size"`
		RefreshWorkers       int    `yaml:"refresh_workers"`
		RefreshQueueSize     int    `yaml:"refresh_queue_size"`
		DefaultPageSize      int    `yaml:"default_page_size"`
		MaxPageSize          int    `yaml:"max_page_size"`
	} `yaml:"pricing"`

	Budget struct {
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
		MaxConcurrent int     `yaml:"max_concurrent"`
	} `yaml:"budget"`

	Scheduler struct {
		Enabled       *bool    `yaml:"enabled"`
		Interval      string   `yaml:"interval"`
		BatchSize     int      `yaml:"batch_size"`
		BatchTimeout  string   `yaml:"batch_timeout"`
		Concurrency   int      `yaml:"concurrency"`
		MaxKeysPerRun int      `yaml:"max_keys_per_run"`
		MaxStaleAge   string   `yaml:"max_stale_age"`
		TrackedHotels []string `yaml:"tracked_hotels"`
		LeadDays      int      `yaml:"lead_days"`
		Nights        int      `yaml:"nights"`
	} `yaml:"scheduler"`

	Mirror struct {
		Backend      string `yaml:"backend"`
		Addrs        string `yaml:"addrs"`
		TTL          string `yaml:"ttl"`
		Timeout      string `yaml:"timeout"`
		MaxIdleConns int    `yaml:"max_idle_conns"`
		RedisDB      int    `yaml:"redis_db"`
	} `yaml:"mirror"`

	Health struct {
		Window          string `yaml:"window"`
		ErrorPct        int    `yaml:"error_pct"`
		MinSamples      int    `yaml:"min_samples"`
		DenialThreshold int    `yaml:"denial_threshold"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	PricingAPIKey string `yaml:"pricing_api_key"`
	CatalogDSN    string `yaml:"catalog_dsn"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) relative to
// the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(filepath.Join(cwd, "config"))
}

// LoadFrom reads {dir}/{ENV_NAME}.yaml and the optional {dir}/secrets.yaml.
// PRICING_API_KEY, CATALOG_DSN, CATALOG_BACKEND, MIRROR_BACKEND and MIRROR_ADDRS
// env vars override the files.
func LoadFrom(dir string) (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(dir, env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var sec secretsFile
	secretsData, err := os.ReadFile(filepath.Join(dir, "secrets.yaml"))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read secrets file: %w", err)
		}
	} else if err := yaml.Unmarshal(secretsData, &sec); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}

	cfg := &Config{}
	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.LogLevel = strings.ToUpper(strings.TrimSpace(fc.Log.Level))

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	cfg.RateLimitRPS = positiveOr(fc.Request.RateLimitRPS, 100)
	cfg.RateLimitBurst = positiveOr(fc.Request.RateLimitBurst, 250)
	cfg.MaxNights = positiveOr(fc.Request.MaxNights, 30)

	cfg.CatalogBackend = firstNonEmpty(lowerEnv("CATALOG_BACKEND"), strings.ToLower(strings.TrimSpace(fc.Catalog.Backend)), "memory")
	cfg.CatalogSeedFile = strings.TrimSpace(fc.Catalog.SeedFile)
	cfg.CatalogDSN = firstNonEmpty(strings.TrimSpace(os.Getenv("CATALOG_DSN")), sec.CatalogDSN, strings.TrimSpace(fc.Catalog.DSN))

	cfg.UpstreamURL = strings.TrimSpace(fc.Upstream.URL)
	cfg.UpstreamAPIKey = firstNonEmpty(strings.TrimSpace(os.Getenv("PRICING_API_KEY")), sec.PricingAPIKey)
	cfg.UpstreamTimeout = parseDurationOrZero(fc.Upstream.Timeout, 2*time.Second)
	cfg.RetryAttempts = fc.Upstream.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	cfg.RetryBaseDelay = parseDuration(fc.Upstream.RetryBaseDelay, 50*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Upstream.RetryMaxDelay, time.Second)
	cfg.MaxFetchDuration = parseDuration(fc.Upstream.MaxFetchDuration, 5*time.Second)
	cfg.BreakerFailures = positiveOr(fc.Upstream.CircuitBreaker.FailureThreshold, 5)
	cfg.BreakerSuccesses = positiveOr(fc.Upstream.CircuitBreaker.SuccessThreshold, 2)
	cfg.BreakerOpenTimeout = parseDuration(fc.Upstream.CircuitBreaker.OpenTimeout, 30*time.Second)

	cfg.OfferTTL = parseDuration(fc.Pricing.OfferTTL, 5*time.Minute)
	cfg.ServeStale = boolOr(fc.Pricing.ServeStale, true)
	cfg.RefreshStaleOnSearch = boolOr(fc.Pricing.RefreshStaleOnSearch, true)
	cfg.DetailDeadline = parseDuration(fc.Pricing.DetailDeadline, 300*time.Millisecond)
	cfg.RefreshDeadline = parseDuration(fc.Pricing.RefreshDeadline, 300*time.Millisecond)
	cfg.RefreshBatchSize = positiveOr(fc.Pricing.RefreshBatchSize, 50)
	cfg.RefreshWorkers = positiveOr(fc.Pricing.RefreshWorkers, 4)
	cfg.RefreshQueueSize = positiveOr(fc.Pricing.RefreshQueueSize, 64)
	cfg.DefaultPageSize = positiveOr(fc.Pricing.DefaultPageSize, 20)
	cfg.MaxPageSize = positiveOr(fc.Pricing.MaxPageSize, 100)

	cfg.BudgetRPS = fc.Budget.RatePerSecond
	if cfg.BudgetRPS <= 0 {
		cfg.BudgetRPS = 10
	}
	cfg.BudgetBurst = positiveOr(fc.Budget.Burst, 10)
	cfg.BudgetMaxConcurrent = positiveOr(fc.Budget.MaxConcurrent, 8)

	cfg.SchedulerEnabled = boolOr(fc.Scheduler.Enabled, true)
	cfg.SchedulerInterval = parseDuration(fc.Scheduler.Interval, time.Minute)
	cfg.SchedulerBatchSize = positiveOr(fc.Scheduler.BatchSize, 50)
	cfg.SchedulerBatchTimeout = parseDuration(fc.Scheduler.BatchTimeout, 2*time.Second)
	cfg.SchedulerConcurrency = positiveOr(fc.Scheduler.Concurrency, 2)
	cfg.SchedulerMaxKeys = fc.Scheduler.MaxKeysPerRun
	cfg.MaxStaleAge = parseDurationOrZero(fc.Scheduler.MaxStaleAge, 24*time.Hour)
	cfg.TrackedHotels = fc.Scheduler.TrackedHotels
	cfg.TrackedLeadDays = fc.Scheduler.LeadDays
	cfg.TrackedNights = positiveOr(fc.Scheduler.Nights, 1)

	cfg.MirrorBackend = firstNonEmpty(lowerEnv("MIRROR_BACKEND"), strings.ToLower(strings.TrimSpace(fc.Mirror.Backend)), "none")
	cfg.MirrorAddrs = firstNonEmpty(strings.TrimSpace(os.Getenv("MIRROR_ADDRS")), strings.TrimSpace(fc.Mirror.Addrs))
	cfg.MirrorTTL = parseDuration(fc.Mirror.TTL, 24*time.Hour)
	cfg.MirrorTimeout = parseDuration(fc.Mirror.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdle = positiveOr(fc.Mirror.MaxIdleConns, 2)
	cfg.RedisDB = fc.Mirror.RedisDB

	cfg.HealthWindow = parseDuration(fc.Health.Window, time.Minute)
	cfg.HealthErrorPct = positiveOr(fc.Health.ErrorPct, 50)
	cfg.HealthMinSamples = positiveOr(fc.Health.MinSamples, 10)
	cfg.HealthDenialThreshold = positiveOr(fc.Health.DenialThreshold, 100)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func lowerEnv(key string) string {
	return strings.ToLower(strings.TrimSpace(os.Getenv(key)))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// validate performs post-load validation of configuration values.
// Auto-adjusts RequestTimeout so a detail request can always outlive its pricing deadline.
func validate(cfg *Config) error {
	if cfg.UpstreamURL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.DetailDeadline {
		cfg.RequestTimeout = cfg.DetailDeadline + time.Second
	}
	if cfg.DefaultPageSize > cfg.MaxPageSize {
		return fmt.Errorf("pricing.default_page_size %d exceeds max_page_size %d", cfg.DefaultPageSize, cfg.MaxPageSize)
	}
	if cfg.MaxStaleAge < 0 {
		return fmt.Errorf("scheduler.max_stale_age must not be negative")
	}
	if cfg.MaxStaleAge > 0 && cfg.MaxStaleAge < cfg.OfferTTL {
		return fmt.Errorf("scheduler.max_stale_age %s is shorter than pricing.offer_ttl %s", cfg.MaxStaleAge, cfg.OfferTTL)
	}
	switch cfg.CatalogBackend {
	case "memory":
		if cfg.CatalogSeedFile == "" {
			return fmt.Errorf("catalog.seed_file is required for the memory backend")
		}
	case "postgres":
		if cfg.CatalogDSN == "" {
			return fmt.Errorf("catalog DSN required for the postgres backend (set CATALOG_DSN or catalog.dsn)")
		}
	default:
		return fmt.Errorf("catalog.backend must be memory or postgres, got %q", cfg.CatalogBackend)
	}
	switch cfg.MirrorBackend {
	case "none":
	case "memcached", "redis":
		if cfg.MirrorAddrs == "" {
			return fmt.Errorf("mirror.addrs is required for the %s backend", cfg.MirrorBackend)
		}
	default:
		return fmt.Errorf("mirror.backend must be none, memcached or redis, got %q", cfg.MirrorBackend)
	}
	return nil
}
