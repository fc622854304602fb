package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
accounts:
  - name: primary
    api_key: key-1
    api_secret: secret-1
  - name: spouse
    api_key: key-2
    api_secret: secret-2
server:
  listen_addr: 127.0.0.1:9000
  callback_addr: 127.0.0.1:5000
timeouts:
  request_token_timeout_seconds: 120
  auto_refresh_interval_seconds: 300
refresh:
  account_concurrency: 3
gold_rates:
  timeout_seconds: 30
  fetch_hours: [12, 18]
features:
  auto_refresh_outside_market_hours: true
  fetch_physical_gold_from_google_sheets:
    enabled: true
    credentials_file: google-credentials.json
    spreadsheet_id: sheet-123
  fetch_fixed_deposits_from_google_sheets:
    enabled: false
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"LISTEN_ADDR", "STORE_MODE", "DATABASE_URL", "REQUEST_TOKEN_TIMEOUT", "AUTO_REFRESH_INTERVAL", "ACCOUNT_CONCURRENCY", "LOG_LEVEL", "LOG_FORMAT", "SESSION_CACHE_FILE", "CALLBACK_ADDR", "PUBLIC_BASE_URL", "AUTO_REFRESH_OUTSIDE_MARKET_HOURS",
		"HEARTBEAT_INTERVAL", "MARKET_TIMEZONE", "KITE_API_URL", "KITE_LOGIN_URL", "NSE_BASE_URL", "CHART_BASE_URL", "NSE_REQUEST_DELAY", "INDEX_CACHE_TTL",
		"GOLD_RATES_URL", "GOLD_RATES_TIMEOUT"} {
		t.Setenv(k, "")
	}
}

func TestLoad_FileValues(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Accounts) != 2 || cfg.Accounts[1].Name != "spouse" {
		t.Fatalf("unexpected accounts: %+v", cfg.Accounts)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.RequestTokenTimeout != 120*time.Second {
		t.Fatalf("RequestTokenTimeout = %v", cfg.RequestTokenTimeout)
	}
	if cfg.AutoRefreshInterval != 5*time.Minute {
		t.Fatalf("AutoRefreshInterval = %v", cfg.AutoRefreshInterval)
	}
	if !cfg.AutoRefreshOutsideMarketHours {
		t.Fatalf("expected auto refresh outside market hours")
	}
	if cfg.AccountConcurrency != 3 {
		t.Fatalf("AccountConcurrency = %d", cfg.AccountConcurrency)
	}
	if !cfg.PhysicalAssets.Enabled || cfg.PhysicalAssets.CredentialsFile != filepath.Join(dir, "google-credentials.json") {
		t.Fatalf("unexpected physical assets config: %+v", cfg.PhysicalAssets)
	}
	if cfg.PhysicalAssets.RangeName != "Sheet1!A:K" {
		t.Fatalf("expected default range, got %q", cfg.PhysicalAssets.RangeName)
	}
	if cfg.FixedDeposits.Enabled {
		t.Fatalf("fixed deposits should be disabled")
	}
	if cfg.GoldRatesTimeout != 30*time.Second || len(cfg.GoldRatesHours) != 2 || cfg.GoldRatesHours[1] != 18 {
		t.Fatalf("unexpected gold rates config: %v %v", cfg.GoldRatesTimeout, cfg.GoldRatesHours)
	}
	if cfg.GoldRatesURL != "https://ibjarates.com/" {
		t.Fatalf("GoldRatesURL = %q", cfg.GoldRatesURL)
	}
	if cfg.SessionCacheFile != filepath.Join(dir, ".session_cache.json") {
		t.Fatalf("SessionCacheFile = %q", cfg.SessionCacheFile)
	}
	if got := cfg.RedirectURL(); got != "http://127.0.0.1:5000/callback" {
		t.Fatalf("RedirectURL = %q", got)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AUTO_REFRESH_INTERVAL", "90s")
	t.Setenv("STORE_MODE", "memory")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.AutoRefreshInterval != 90*time.Second {
		t.Fatalf("AutoRefreshInterval = %v", cfg.AutoRefreshInterval)
	}
	if cfg.StoreMode != "memory" {
		t.Fatalf("StoreMode = %q", cfg.StoreMode)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.RequestTokenTimeout != 180*time.Second || cfg.AutoRefreshInterval != 60*time.Second {
		t.Fatalf("unexpected defaults: %v %v", cfg.RequestTokenTimeout, cfg.AutoRefreshInterval)
	}
	if cfg.AutoRefreshOutsideMarketHours {
		t.Fatalf("outside-hours refresh must default to off")
	}
}

func TestValidate_RejectsBadConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"duplicate account": func(c *Config) {
			c.Accounts = []AccountConfig{{Name: "a", APIKey: "k", APISecret: "s"}, {Name: "a", APIKey: "k", APISecret: "s"}}
		},
		"missing secret": func(c *Config) {
			c.Accounts = []AccountConfig{{Name: "a", APIKey: "k"}}
		},
		"unbounded concurrency": func(c *Config) { c.AccountConcurrency = 50 },
		"postgres without url":  func(c *Config) { c.StoreMode = "postgres" },
		"bad market clock":      func(c *Config) { c.MarketOpen = "9h:00" },
		"sheet without creds":   func(c *Config) { c.FixedDeposits.Enabled = true },
		"gold hour past 23":     func(c *Config) { c.GoldRatesHours = []int{13, 24} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.HasPrefix(err.Error(), "invalid config") {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	d, err := ParseClock("16:30")
	if err != nil {
		t.Fatalf("ParseClock: %v", err)
	}
	if d != 16*time.Hour+30*time.Minute {
		t.Fatalf("ParseClock = %v", d)
	}
}
