package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the on-disk layout of config.yaml.
type fileConfig struct {
	Accounts []struct {
		Name      string `yaml:"name"`
		APIKey    string `yaml:"api_key"`
		APISecret string `yaml:"api_secret"`
	} `yaml:"accounts"`
	Server struct {
		ListenAddr    string `yaml:"listen_addr"`
		CallbackAddr  string `yaml:"callback_addr"`
		CallbackPath  string `yaml:"callback_path"`
		PublicBaseURL string `yaml:"public_base_url"`
	} `yaml:"server"`
	Storage struct {
		Mode         string `yaml:"mode"`
		DatabaseURL  string `yaml:"database_url"`
		SessionCache string `yaml:"session_cache_file"`
	} `yaml:"storage"`
	Timeouts struct {
		RequestTokenTimeoutSeconds int `yaml:"request_token_timeout_seconds"`
		AutoRefreshIntervalSeconds int `yaml:"auto_refresh_interval_seconds"`
	} `yaml:"timeouts"`
	Refresh struct {
		AccountConcurrency int `yaml:"account_concurrency"`
		HeartbeatSeconds   int `yaml:"heartbeat_seconds"`
		ObserverBuffer     int `yaml:"observer_buffer"`
	} `yaml:"refresh"`
	Market struct {
		Timezone string `yaml:"timezone"`
		Open     string `yaml:"open"`
		Close    string `yaml:"close"`
	} `yaml:"market"`
	GoldRates struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		FetchHours     []int  `yaml:"fetch_hours"`
	} `yaml:"gold_rates"`
	Features struct {
		AutoRefreshOutsideMarketHours *bool            `yaml:"auto_refresh_outside_market_hours"`
		PhysicalGold                  *sheetFileConfig `yaml:"fetch_physical_gold_from_google_sheets"`
		FixedDeposits                 *sheetFileConfig `yaml:"fetch_fixed_deposits_from_google_sheets"`
	} `yaml:"features"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

type sheetFileConfig struct {
	Enabled         bool     `yaml:"enabled"`
	CredentialsFile string   `yaml:"credentials_file"`
	SpreadsheetID   string   `yaml:"spreadsheet_id"`
	RangeName       string   `yaml:"range_name"`
	Columns         []string `yaml:"columns"`
}

// applyFile overlays the YAML file at path onto cfg. A missing file is not
// an error so a fresh checkout can start on defaults and env alone.
func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	baseDir := filepath.Dir(path)

	for _, a := range fc.Accounts {
		cfg.Accounts = append(cfg.Accounts, AccountConfig{Name: a.Name, APIKey: a.APIKey, APISecret: a.APISecret})
	}

	setString(&cfg.ListenAddr, fc.Server.ListenAddr)
	setString(&cfg.CallbackAddr, fc.Server.CallbackAddr)
	setString(&cfg.CallbackPath, fc.Server.CallbackPath)
	setString(&cfg.PublicBaseURL, fc.Server.PublicBaseURL)

	setString(&cfg.StoreMode, fc.Storage.Mode)
	setString(&cfg.DatabaseURL, fc.Storage.DatabaseURL)
	if fc.Storage.SessionCache != "" {
		cfg.SessionCacheFile = resolve(baseDir, fc.Storage.SessionCache)
	} else {
		cfg.SessionCacheFile = filepath.Join(baseDir, ".session_cache.json")
	}

	setSeconds(&cfg.RequestTokenTimeout, fc.Timeouts.RequestTokenTimeoutSeconds)
	setSeconds(&cfg.AutoRefreshInterval, fc.Timeouts.AutoRefreshIntervalSeconds)
	setSeconds(&cfg.HeartbeatInterval, fc.Refresh.HeartbeatSeconds)
	if fc.Refresh.AccountConcurrency > 0 {
		cfg.AccountConcurrency = fc.Refresh.AccountConcurrency
	}
	if fc.Refresh.ObserverBuffer > 0 {
		cfg.ObserverBuffer = fc.Refresh.ObserverBuffer
	}

	setString(&cfg.MarketTimezone, fc.Market.Timezone)
	setString(&cfg.MarketOpen, fc.Market.Open)
	setString(&cfg.MarketClose, fc.Market.Close)

	setString(&cfg.GoldRatesURL, fc.GoldRates.URL)
	setSeconds(&cfg.GoldRatesTimeout, fc.GoldRates.TimeoutSeconds)
	if len(fc.GoldRates.FetchHours) > 0 {
		cfg.GoldRatesHours = fc.GoldRates.FetchHours
	}

	if fc.Features.AutoRefreshOutsideMarketHours != nil {
		cfg.AutoRefreshOutsideMarketHours = *fc.Features.AutoRefreshOutsideMarketHours
	}
	applySheet(&cfg.PhysicalAssets, fc.Features.PhysicalGold, baseDir)
	applySheet(&cfg.FixedDeposits, fc.Features.FixedDeposits, baseDir)

	setString(&cfg.LogLevel, fc.Logging.Level)
	setString(&cfg.LogFormat, fc.Logging.Format)
	return nil
}

func applySheet(dst *SheetSourceConfig, src *sheetFileConfig, baseDir string) {
	if src == nil {
		return
	}
	dst.Enabled = src.Enabled
	if src.CredentialsFile != "" {
		dst.CredentialsFile = resolve(baseDir, src.CredentialsFile)
	}
	dst.SpreadsheetID = src.SpreadsheetID
	setString(&dst.RangeName, src.RangeName)
	if len(src.Columns) > 0 {
		dst.Columns = src.Columns
	}
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setSeconds(dst *time.Duration, secs int) {
	if secs > 0 {
		*dst = time.Duration(secs) * time.Second
	}
}
