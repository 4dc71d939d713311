package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != "paper" {
		t.Fatalf("mode=%q want paper default", cfg.Mode)
	}
	if cfg.Trading.SizeUSD != 1000 {
		t.Fatalf("size_usd=%g want 1000", cfg.Trading.SizeUSD)
	}
	if cfg.Risk.CooldownAfterOrphan.Duration != 2*time.Hour {
		t.Fatalf("orphan cooldown=%s want 2h", cfg.Risk.CooldownAfterOrphan.Duration)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults failed validation: %v", err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "monitor"
log_level = "debug"

[trading]
symbols = ["ETHUSDT", "SOLUSDT"]
size_usd = 2500.0
scan_interval = "3s"

[risk]
max_orphan_time_ms = 750
cooldown_after_orphan = "30m"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != "monitor" || cfg.LogLevel != "debug" {
		t.Fatalf("mode=%q level=%q", cfg.Mode, cfg.LogLevel)
	}
	if len(cfg.Trading.Symbols) != 2 || cfg.Trading.Symbols[0] != "ETHUSDT" {
		t.Fatalf("symbols=%v", cfg.Trading.Symbols)
	}
	if cfg.Trading.ScanInterval.Duration != 3*time.Second {
		t.Fatalf("scan_interval=%s want 3s", cfg.Trading.ScanInterval.Duration)
	}
	if cfg.Risk.MaxOrphanTimeMs != 750 {
		t.Fatalf("max_orphan_time_ms=%d want 750", cfg.Risk.MaxOrphanTimeMs)
	}
	if cfg.Risk.CooldownAfterOrphan.Duration != 30*time.Minute {
		t.Fatalf("cooldown=%s want 30m", cfg.Risk.CooldownAfterOrphan.Duration)
	}
	// Untouched sections keep their defaults.
	if cfg.Execution.MaxOpenTimeMs != 1200 {
		t.Fatalf("max_open_time_ms=%d want default 1200", cfg.Execution.MaxOpenTimeMs)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
mode = "paper"

[redis]
addr = "file-redis:6379"

[exchanges.binance]
base_url = "https://fapi.binance.com"
`)
	t.Setenv("ARBBOT_MODE", "monitor")
	t.Setenv("ARBBOT_REDIS_ADDR", "env-redis:6379")
	t.Setenv("ARBBOT_TRADING_SYMBOLS", "BTCUSDT, ETHUSDT")
	t.Setenv("ARBBOT_EXCHANGE_BINANCE_API_KEY", "env-key")
	t.Setenv("ARBBOT_RISK_LEVERAGE", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != "monitor" {
		t.Fatalf("mode=%q, env must beat file", cfg.Mode)
	}
	if cfg.Redis.Addr != "env-redis:6379" {
		t.Fatalf("redis addr=%q, env must beat file", cfg.Redis.Addr)
	}
	if len(cfg.Trading.Symbols) != 2 || cfg.Trading.Symbols[1] != "ETHUSDT" {
		t.Fatalf("symbols=%v want trimmed split", cfg.Trading.Symbols)
	}
	if cfg.Exchanges["binance"].APIKey != "env-key" {
		t.Fatalf("api key=%q want env injection", cfg.Exchanges["binance"].APIKey)
	}
	if cfg.Risk.Leverage != 5 {
		t.Fatalf("leverage=%d want 5", cfg.Risk.Leverage)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*Config)
		fragment string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "yolo" }, "unknown mode"},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"no symbols", func(c *Config) { c.Trading.Symbols = nil }, "symbols"},
		{"zero size", func(c *Config) { c.Trading.SizeUSD = 0 }, "size_usd"},
		{"margin out of range", func(c *Config) { c.Risk.MaxMarginUsage = 1.5 }, "max_margin_usage"},
		{"hard below soft", func(c *Config) { c.Risk.HardMarginUsage = 0.2 }, "hard_margin_usage"},
		{"zero orphan budget", func(c *Config) { c.Risk.MaxOrphanTimeMs = 0 }, "max_orphan_time_ms"},
		{"bad server port", func(c *Config) { c.Server.Port = 99999 }, "port"},
		{"pool bounds", func(c *Config) { c.Database.PoolMinConns = 50 }, "pool_min_conns"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("validation passed")
			}
			if !strings.Contains(err.Error(), tc.fragment) {
				t.Fatalf("error %q does not mention %q", err, tc.fragment)
			}
		})
	}
}

func TestValidateTradeModeNeedsVenues(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	if err := cfg.Validate(); err == nil {
		t.Fatal("trade mode with zero venues passed validation")
	}

	cfg.Exchanges = map[string]ExchangeConfig{
		"binance": {APIKey: "k", APISecret: "s", BaseURL: "https://fapi.binance.com"},
		"bybit":   {APIKey: "k", APISecret: "s", BaseURL: "https://api.bybit.com"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("credentialed trade config rejected: %v", err)
	}

	ex := cfg.Exchanges["bybit"]
	ex.APISecret = ""
	cfg.Exchanges["bybit"] = ex
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing api_secret passed validation")
	}
}

func TestValidateArchiveNeedsS3(t *testing.T) {
	cfg := Defaults()
	cfg.Archive.Enabled = true
	cfg.S3.Bucket = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("enabled archive with no bucket passed validation")
	}
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Exchanges["binance"] = ExchangeConfig{APIKey: "key", APISecret: "secret"}
	cfg.Database.Password = "dbpass"
	cfg.Redis.Password = "redispass"
	cfg.S3.AccessKey = "ak"
	cfg.S3.SecretKey = "sk"
	cfg.Server.APIKey = "serverkey"
	cfg.Notify.TelegramToken = "tok"

	red := RedactedConfig(&cfg)
	if red.Exchanges["binance"].APIKey != "***" || red.Exchanges["binance"].APISecret != "***" {
		t.Fatal("exchange credentials not redacted")
	}
	if red.Database.Password != "***" || red.Redis.Password != "***" {
		t.Fatal("store passwords not redacted")
	}
	if red.S3.AccessKey != "***" || red.S3.SecretKey != "***" {
		t.Fatal("s3 credentials not redacted")
	}
	if red.Server.APIKey != "***" || red.Notify.TelegramToken != "***" {
		t.Fatal("api keys not redacted")
	}

	// The original must be untouched.
	if cfg.Exchanges["binance"].APIKey != "key" || cfg.Database.Password != "dbpass" {
		t.Fatal("redaction mutated the source config")
	}

	// Empty secrets stay empty rather than becoming placeholders.
	if red.Notify.DiscordWebhookURL != "" {
		t.Fatalf("empty secret became %q", red.Notify.DiscordWebhookURL)
	}
}
