package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const minimalEnvYAML = `
server:
  port: "8080"
catalog:
  backend: memory
  seed_file: "config/hotels.yaml"
upstream:
  url: "https://rates.example.com"
  timeout: "2s"
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ENV_NAME", "PRICING_API_KEY", "CATALOG_DSN", "CATALOG_BACKEND", "MIRROR_BACKEND", "MIRROR_ADDRS"} {
		t.Setenv(k, "")
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)

	cfg, err := LoadFrom(filepath.Join(dir, "config"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"OfferTTL", cfg.OfferTTL, 5 * time.Minute},
		{"DetailDeadline", cfg.DetailDeadline, 300 * time.Millisecond},
		{"RefreshDeadline", cfg.RefreshDeadline, 300 * time.Millisecond},
		{"ServeStale", cfg.ServeStale, true},
		{"RefreshStaleOnSearch", cfg.RefreshStaleOnSearch, true},
		{"BudgetRPS", cfg.BudgetRPS, 10.0},
		{"BudgetBurst", cfg.BudgetBurst, 10},
		{"BudgetMaxConcurrent", cfg.BudgetMaxConcurrent, 8},
		{"SchedulerEnabled", cfg.SchedulerEnabled, true},
		{"SchedulerInterval", cfg.SchedulerInterval, time.Minute},
		{"MaxStaleAge", cfg.MaxStaleAge, 24 * time.Hour},
		{"MirrorBackend", cfg.MirrorBackend, "none"},
		{"RetryAttempts", cfg.RetryAttempts, 1},
		{"RequestTimeout", cfg.RequestTimeout, 5 * time.Second},
		{"MaxPageSize", cfg.MaxPageSize, 100},
		{"TrackedNights", cfg.TrackedNights, 1},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(c.got, c.want) {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFrom_FullFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, `
server:
  port: "9090"
log:
  level: debug
catalog:
  backend: postgres
  dsn: "postgres://localhost/catalog"
upstream:
  url: "https://rates.example.com"
  timeout: "1s"
  retry_max_attempts: 3
  circuit_breaker:
    failure_threshold: 7
    open_timeout: "10s"
pricing:
  offer_ttl: "10m"
  serve_stale: false
  detail_deadline: "250ms"
budget:
  rate_per_second: 2.5
  burst: 5
  max_concurrent: 3
scheduler:
  enabled: false
  tracked_hotels: ["H1", "H2"]
  lead_days: 7
  nights: 2
  max_stale_age: "0s"
mirror:
  backend: redis
  addrs: "localhost:6379"
  ttl: "1h"
`)

	cfg, err := LoadFrom(filepath.Join(dir, "config"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.ServerPort != "9090" || cfg.LogLevel != "DEBUG" {
		t.Errorf("server/log = %q/%q", cfg.ServerPort, cfg.LogLevel)
	}
	if cfg.CatalogBackend != "postgres" || cfg.CatalogDSN != "postgres://localhost/catalog" {
		t.Errorf("catalog = %q %q", cfg.CatalogBackend, cfg.CatalogDSN)
	}
	if cfg.RetryAttempts != 3 || cfg.BreakerFailures != 7 || cfg.BreakerOpenTimeout != 10*time.Second {
		t.Errorf("upstream = %d %d %s", cfg.RetryAttempts, cfg.BreakerFailures, cfg.BreakerOpenTimeout)
	}
	if cfg.OfferTTL != 10*time.Minute || cfg.ServeStale || cfg.DetailDeadline != 250*time.Millisecond {
		t.Errorf("pricing = %s %v %s", cfg.OfferTTL, cfg.ServeStale, cfg.DetailDeadline)
	}
	if cfg.BudgetRPS != 2.5 || cfg.BudgetBurst != 5 || cfg.BudgetMaxConcurrent != 3 {
		t.Errorf("budget = %v %d %d", cfg.BudgetRPS, cfg.BudgetBurst, cfg.BudgetMaxConcurrent)
	}
	if cfg.SchedulerEnabled || !reflect.DeepEqual(cfg.TrackedHotels, []string{"H1", "H2"}) || cfg.TrackedLeadDays != 7 || cfg.TrackedNights != 2 {
		t.Errorf("scheduler = %v %v %d %d", cfg.SchedulerEnabled, cfg.TrackedHotels, cfg.TrackedLeadDays, cfg.TrackedNights)
	}
	if cfg.MaxStaleAge != 0 {
		t.Errorf("MaxStaleAge = %s, want 0 (eviction disabled)", cfg.MaxStaleAge)
	}
	if cfg.MirrorBackend != "redis" || cfg.MirrorTTL != time.Hour {
		t.Errorf("mirror = %q %s", cfg.MirrorBackend, cfg.MirrorTTL)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PRICING_API_KEY", "key-from-env")
	t.Setenv("MIRROR_BACKEND", "Memcached")
	t.Setenv("MIRROR_ADDRS", "cache-1:11211,cache-2:11211")
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, "pricing_api_key: key-from-secrets-file\n")

	cfg, err := LoadFrom(filepath.Join(dir, "config"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.UpstreamAPIKey != "key-from-env" {
		t.Errorf("UpstreamAPIKey = %q, want env value", cfg.UpstreamAPIKey)
	}
	if cfg.MirrorBackend != "memcached" || cfg.MirrorAddrs != "cache-1:11211,cache-2:11211" {
		t.Errorf("mirror = %q %q", cfg.MirrorBackend, cfg.MirrorAddrs)
	}
}

func TestLoadFrom_SecretsFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, "pricing_api_key: key-from-secrets-file\n")

	cfg, err := LoadFrom(filepath.Join(dir, "config"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.UpstreamAPIKey != "key-from-secrets-file" {
		t.Errorf("UpstreamAPIKey = %q, want key from secrets file", cfg.UpstreamAPIKey)
	}
}

func TestLoadFrom_InvalidDurationFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML+`
pricing:
  offer_ttl: "soon"
  detail_deadline: "-1s"
`)
	cfg, err := LoadFrom(filepath.Join(dir, "config"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.OfferTTL != 5*time.Minute {
		t.Errorf("OfferTTL = %s, want default 5m", cfg.OfferTTL)
	}
	if cfg.DetailDeadline != 300*time.Millisecond {
		t.Errorf("DetailDeadline = %s, want default 300ms", cfg.DetailDeadline)
	}
}

func TestLoadFrom_RequestTimeoutOutlivesDetailDeadline(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML+`
request:
  timeout: "200ms"
`)
	cfg, err := LoadFrom(filepath.Join(dir, "config"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.RequestTimeout <= cfg.DetailDeadline {
		t.Errorf("RequestTimeout %s must exceed DetailDeadline %s", cfg.RequestTimeout, cfg.DetailDeadline)
	}
}

func TestLoadFrom_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"no upstream url", "catalog:\n  seed_file: x.yaml\n", "upstream.url"},
		{"zero upstream timeout", "catalog:\n  seed_file: x.yaml\nupstream:\n  url: http://x\n  timeout: 0s\n", "upstream.timeout"},
		{"memory without seed", "upstream:\n  url: http://x\n", "seed_file"},
		{"postgres without dsn", "catalog:\n  backend: postgres\nupstream:\n  url: http://x\n", "DSN"},
		{"unknown catalog", "catalog:\n  backend: mongo\nupstream:\n  url: http://x\n", "catalog.backend"},
		{"unknown mirror", minimalEnvYAML + "mirror:\n  backend: etcd\n", "mirror.backend"},
		{"mirror without addrs", minimalEnvYAML + "mirror:\n  backend: redis\n", "mirror.addrs"},
		{"page sizes", minimalEnvYAML + "pricing:\n  default_page_size: 200\n  max_page_size: 50\n", "default_page_size"},
		{"stale age under ttl", minimalEnvYAML + "scheduler:\n  max_stale_age: 1m\n", "max_stale_age"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			dir := t.TempDir()
			writeEnvFile(t, dir, tc.yaml)
			cfg, err := LoadFrom(filepath.Join(dir, "config"))
			if err == nil {
				t.Fatalf("LoadFrom() = %+v, want error", cfg)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want message containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadFrom_InvalidYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, "server: [unclosed\n")
	if _, err := LoadFrom(filepath.Join(dir, "config")); err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Errorf("error = %v, want parse config file error", err)
	}

	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, "pricing_api_key: [unclosed\n")
	if _, err := LoadFrom(filepath.Join(dir, "config")); err == nil || !strings.Contains(err.Error(), "parse secrets file") {
		t.Errorf("error = %v, want parse secrets file error", err)
	}
}

func TestLoad_EnvFileNotFound(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_NAME", "nonexistent")

	origWd, _ := os.Getwd()
	if err := os.Chdir(findProjectRoot(t)); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer func() { _ = os.Chdir(origWd) }()

	cfg, err := Load()
	if err == nil {
		t.Fatalf("Load() = %+v, want error for missing env file", cfg)
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("Load() error = %v, want message about config file not found", err)
	}
}

func TestLoad_ShippedDevConfig(t *testing.T) {
	clearEnv(t)
	origWd, _ := os.Getwd()
	if err := os.Chdir(findProjectRoot(t)); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer func() { _ = os.Chdir(origWd) }()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CatalogBackend != "memory" {
		t.Errorf("CatalogBackend = %q, want memory", cfg.CatalogBackend)
	}
	if _, err := os.Stat(cfg.CatalogSeedFile); err != nil {
		t.Errorf("seed file %q: %v", cfg.CatalogSeedFile, err)
	}
}

func writeEnvFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "dev.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func writeSecretsFile(t *testing.T, dir, content string) {
	t.Helper()
	secretsDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(secretsDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(secretsDir, "secrets.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "config", "dev.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("config/dev.yaml not found (run tests from project root)")
		}
		dir = parent
	}
}
