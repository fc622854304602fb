package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

func TestLoadDotEnv_FeedsConfig(t *testing.T) {
	clearEnv(t)
	for _, k := range []string{"TELEGRAM_CHAT_ID", "LOGIN_STATE_SECRET"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	path := writeEnvFile(t, "# refresh tuning\n"+
		"AUTO_REFRESH_INTERVAL=2m\n"+
		"export STORE_MODE=memory\n"+
		"TELEGRAM_CHAT_ID=\"-100 42\"\n"+
		"LOGIN_STATE_SECRET='s3cr3t value'\n")
	os.Unsetenv("AUTO_REFRESH_INTERVAL")
	os.Unsetenv("STORE_MODE")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.AutoRefreshInterval != 2*time.Minute {
		t.Fatalf("AutoRefreshInterval = %v", cfg.AutoRefreshInterval)
	}
	if cfg.StoreMode != "memory" {
		t.Fatalf("StoreMode = %q", cfg.StoreMode)
	}
	if cfg.TelegramChatID != "-100 42" {
		t.Fatalf("TelegramChatID = %q", cfg.TelegramChatID)
	}
	if cfg.LoginStateSecret != "s3cr3t value" {
		t.Fatalf("LoginStateSecret = %q", cfg.LoginStateSecret)
	}
}

func TestLoadDotEnv_ProcessEnvWins(t *testing.T) {
	path := writeEnvFile(t, "LOG_LEVEL=debug\n")
	t.Setenv("LOG_LEVEL", "warn")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
	if got := os.Getenv("LOG_LEVEL"); got != "warn" {
		t.Fatalf("LOG_LEVEL = %q, want warn", got)
	}
}

func TestLoadDotEnv_MissingFileIsIgnored(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("LoadDotEnv on missing file: %v", err)
	}
}
