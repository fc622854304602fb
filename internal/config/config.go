package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"folio/internal/domain"
)

type Config struct {
	ListenAddr   string `validate:"required"`
	CallbackAddr string
	CallbackPath string `validate:"required,startswith=/"`

	StoreMode            string `validate:"oneof=file postgres memory"`
	DatabaseURL          string `validate:"required_if=StoreMode postgres"`
	SessionCacheFile     string `validate:"required_if=StoreMode file"`
	SessionEncryptionKey string
	SessionTTL           time.Duration `validate:"gt=0"`

	Accounts []AccountConfig `validate:"dive"`

	RequestTokenTimeout           time.Duration `validate:"gt=0"`
	AutoRefreshInterval           time.Duration `validate:"gt=0"`
	AutoRefreshOutsideMarketHours bool
	AccountConcurrency            int           `validate:"min=1,max=8"`
	HeartbeatInterval             time.Duration `validate:"gt=0"`
	ObserverBuffer                int           `validate:"min=1"`

	MarketTimezone string `validate:"required"`
	MarketOpen     string `validate:"required,len=5"`
	MarketClose    string `validate:"required,len=5"`

	PhysicalAssets SheetSourceConfig
	FixedDeposits  SheetSourceConfig

	KiteAPIURL   string `validate:"required,url"`
	KiteLoginURL string `validate:"required,url"`

	NSEBaseURL      string        `validate:"required,url"`
	ChartBaseURL    string        `validate:"required,url"`
	NSERequestDelay time.Duration `validate:"gte=0"`
	NSETimeout      time.Duration `validate:"gt=0"`
	IndexCacheTTL   time.Duration `validate:"gte=0"`

	GoldRatesURL     string        `validate:"required,url"`
	GoldRatesTimeout time.Duration `validate:"gt=0"`
	GoldRatesHours   []int         `validate:"dive,min=0,max=23"`

	LoginStateSecret string

	LogLevel  string `validate:"oneof=trace debug info warn error"`
	LogFormat string `validate:"oneof=console json"`

	TelegramBotToken    string
	TelegramChatID      string
	WebhookURL          string
	WebhookTimeout      time.Duration
	WebhookMaxRetries   int
	WebhookRetryBase    time.Duration
	WebhookRetryMax     time.Duration
	PublicBaseURL       string
	ShutdownGracePeriod time.Duration
}

type AccountConfig struct {
	Name      string `validate:"required"`
	APIKey    string `validate:"required"`
	APISecret string `validate:"required"`
}

type SheetSourceConfig struct {
	Enabled         bool
	CredentialsFile string `validate:"required_if=Enabled true"`
	SpreadsheetID   string
	RangeName       string
	Columns         []string
}

var (
	physicalGoldColumns = []string{"date", "type", "retail_outlet", "purity", "weight_gms", "bought_ibja_rate_per_gm"}
	fixedDepositColumns = []string{
		"original_investment_date", "reinvested_date", "bank_name",
		"deposit_year", "deposit_month", "deposit_day",
		"original_amount", "reinvested_amount", "interest_rate", "redeemed", "account",
	}
)

func Defaults() Config {
	return Config{
		ListenAddr:          "127.0.0.1:8000",
		CallbackAddr:        "",
		CallbackPath:        "/callback",
		StoreMode:           "file",
		SessionCacheFile:    "config/.session_cache.json",
		SessionTTL:          23*time.Hour + 50*time.Minute,
		RequestTokenTimeout: 180 * time.Second,
		AutoRefreshInterval: 60 * time.Second,
		AccountConcurrency:  2,
		HeartbeatInterval:   30 * time.Second,
		ObserverBuffer:      8,
		MarketTimezone:      "Asia/Kolkata",
		MarketOpen:          "09:00",
		MarketClose:         "16:30",
		PhysicalAssets:      SheetSourceConfig{RangeName: "Sheet1!A:K", Columns: physicalGoldColumns},
		FixedDeposits:       SheetSourceConfig{RangeName: "FixedDeposits!A2:K", Columns: fixedDepositColumns},
		KiteAPIURL:          "https://api.kite.trade",
		KiteLoginURL:        "https://kite.zerodha.com/connect/login",
		NSEBaseURL:          "https://www.nseindia.com",
		ChartBaseURL:        "https://query1.finance.yahoo.com",
		NSERequestDelay:     200 * time.Millisecond,
		NSETimeout:          10 * time.Second,
		IndexCacheTTL:       15 * time.Second,
		GoldRatesURL:        "https://ibjarates.com/",
		GoldRatesTimeout:    20 * time.Second,
		GoldRatesHours:      []int{13, 20},
		LogLevel:            "info",
		LogFormat:           "console",
		WebhookTimeout:      5 * time.Second,
		WebhookMaxRetries:   3,
		WebhookRetryBase:    500 * time.Millisecond,
		WebhookRetryMax:     5 * time.Second,
		ShutdownGracePeriod: 10 * time.Second,
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and finally environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.CallbackAddr = getEnv("CALLBACK_ADDR", cfg.CallbackAddr)
	cfg.StoreMode = getEnv("STORE_MODE", cfg.StoreMode)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.SessionCacheFile = getEnv("SESSION_CACHE_FILE", cfg.SessionCacheFile)
	cfg.SessionEncryptionKey = getEnv("SESSION_ENCRYPTION_KEY", cfg.SessionEncryptionKey)
	cfg.RequestTokenTimeout = getDuration("REQUEST_TOKEN_TIMEOUT", cfg.RequestTokenTimeout)
	cfg.AutoRefreshInterval = getDuration("AUTO_REFRESH_INTERVAL", cfg.AutoRefreshInterval)
	cfg.AutoRefreshOutsideMarketHours = getBool("AUTO_REFRESH_OUTSIDE_MARKET_HOURS", cfg.AutoRefreshOutsideMarketHours)
	cfg.AccountConcurrency = getInt("ACCOUNT_CONCURRENCY", cfg.AccountConcurrency)
	cfg.HeartbeatInterval = getDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.MarketTimezone = getEnv("MARKET_TIMEZONE", cfg.MarketTimezone)
	cfg.KiteAPIURL = getEnv("KITE_API_URL", cfg.KiteAPIURL)
	cfg.KiteLoginURL = getEnv("KITE_LOGIN_URL", cfg.KiteLoginURL)
	cfg.NSEBaseURL = getEnv("NSE_BASE_URL", cfg.NSEBaseURL)
	cfg.ChartBaseURL = getEnv("CHART_BASE_URL", cfg.ChartBaseURL)
	cfg.NSERequestDelay = getDuration("NSE_REQUEST_DELAY", cfg.NSERequestDelay)
	cfg.IndexCacheTTL = getDuration("INDEX_CACHE_TTL", cfg.IndexCacheTTL)
	cfg.GoldRatesURL = getEnv("GOLD_RATES_URL", cfg.GoldRatesURL)
	cfg.GoldRatesTimeout = getDuration("GOLD_RATES_TIMEOUT", cfg.GoldRatesTimeout)
	cfg.LoginStateSecret = getEnv("LOGIN_STATE_SECRET", cfg.LoginStateSecret)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", cfg.LogFormat))
	cfg.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", cfg.TelegramBotToken)
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", cfg.TelegramChatID)
	cfg.WebhookURL = getEnv("WEBHOOK_URL", cfg.WebhookURL)
	cfg.WebhookTimeout = getDuration("WEBHOOK_TIMEOUT", cfg.WebhookTimeout)
	cfg.WebhookMaxRetries = getInt("WEBHOOK_MAX_RETRIES", cfg.WebhookMaxRetries)
	cfg.PublicBaseURL = getEnv("PUBLIC_BASE_URL", cfg.PublicBaseURL)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for _, acc := range c.Accounts {
		if _, dup := seen[acc.Name]; dup {
			return fmt.Errorf("invalid config: duplicate account name %q", acc.Name)
		}
		seen[acc.Name] = struct{}{}
	}
	if _, err := ParseClock(c.MarketOpen); err != nil {
		return fmt.Errorf("invalid config: market open: %w", err)
	}
	if _, err := ParseClock(c.MarketClose); err != nil {
		return fmt.Errorf("invalid config: market close: %w", err)
	}
	return nil
}

// DomainAccounts converts the configured accounts for the service layer.
func (c Config) DomainAccounts() []domain.Account {
	out := make([]domain.Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		out = append(out, domain.Account{Name: a.Name, APIKey: a.APIKey, APISecret: a.APISecret})
	}
	return out
}

func (c Config) AccountNames() []string {
	out := make([]string, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		out = append(out, a.Name)
	}
	return out
}

// RedirectURL is the callback URL registered with the brokerage app.
func (c Config) RedirectURL() string {
	if c.PublicBaseURL != "" {
		return strings.TrimRight(c.PublicBaseURL, "/") + c.CallbackPath
	}
	addr := c.CallbackAddr
	if addr == "" {
		addr = c.ListenAddr
	}
	return "http://" + addr + c.CallbackPath
}

// ParseClock parses an "HH:MM" wall-clock time into an offset from midnight.
func ParseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, errors.New("expected HH:MM")
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
