// Package config defines the top-level configuration for the funding
// arbitrage engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBBOT_* environment variables.
type Config struct {
	Exchanges map[string]ExchangeConfig `toml:"exchanges"`
	Trading   TradingConfig             `toml:"trading"`
	Execution ExecutionConfig           `toml:"execution"`
	Risk      RiskConfig                `toml:"risk"`
	Health    HealthConfig              `toml:"health"`
	Database  DatabaseConfig            `toml:"database"`
	Redis     RedisConfig               `toml:"redis"`
	S3        S3Config                  `toml:"s3"`
	Archive   ArchiveConfig             `toml:"archive"`
	Server    ServerConfig              `toml:"server"`
	Notify    NotifyConfig              `toml:"notify"`
	Mode      string                    `toml:"mode"`
	LogLevel  string                    `toml:"log_level"`
}

// ExchangeConfig holds one venue's connection parameters and credentials.
type ExchangeConfig struct {
	APIKey      string  `toml:"api_key"`
	APISecret   string  `toml:"api_secret"`
	BaseURL     string  `toml:"base_url"`
	WsURL       string  `toml:"ws_url"`
	Testnet     bool    `toml:"testnet"`
	TakerFeeBps float64 `toml:"taker_fee_bps"`
	MakerFeeBps float64 `toml:"maker_fee_bps"`
}

// TradingConfig holds the discovery and sizing parameters.
type TradingConfig struct {
	Symbols        []string `toml:"symbols"`
	SizeUSD        float64  `toml:"size_usd"`
	MaxConcurrent  int      `toml:"max_concurrent_trades"`
	MinNetEdgeBps  float64  `toml:"min_net_edge_bps"`
	SlippageBps    float64  `toml:"slippage_bps"`
	BufferBps      float64  `toml:"buffer_bps"`
	MaxSlippageBps float64  `toml:"max_slippage_bps"`
	ScanInterval   duration `toml:"scan_interval"`
	OpportunityTTL duration `toml:"opportunity_ttl"`
	EmitGap        duration `toml:"emit_gap"`
}

// ExecutionConfig holds the order placement timing budgets.
type ExecutionConfig struct {
	MaxOpenTimeMs    int64 `toml:"max_open_time_ms"`
	OrderTimeoutMs   int64 `toml:"order_timeout_ms"`
	CancelTimeoutMs  int64 `toml:"cancel_timeout_ms"`
	PollIntervalMs   int64 `toml:"position_poll_interval_ms"`
	MaxChaseAttempts int   `toml:"max_chase_attempts"`
	ChaseIntervalMs  int64 `toml:"chase_interval_ms"`
	FillEpsilonMs    int64 `toml:"fill_epsilon_ms"`
	CloseRetries     int   `toml:"close_retries"`
}

// RiskConfig holds the guard limits, watchdog cadences, and cooldowns.
type RiskConfig struct {
	MaxMarginUsage      float64  `toml:"max_margin_usage"`
	HardMarginUsage     float64  `toml:"hard_margin_usage"`
	Leverage            int64    `toml:"leverage"`
	MaxOrphanTimeMs     int64    `toml:"max_orphan_time_ms"`
	DeltaThresholdPct   float64  `toml:"delta_threshold_pct"`
	MaxSpreadBps        float64  `toml:"max_spread_bps"`
	ReconcileTolerance  float64  `toml:"reconcile_tolerance"`
	DriftEscalation     int      `toml:"drift_escalation"`
	ReconcileInterval   duration `toml:"reconcile_interval"`
	GuardInterval       duration `toml:"guard_interval"`
	DeepInterval        duration `toml:"deep_interval"`
	CooldownAfterOrphan duration `toml:"cooldown_after_orphan"`
	CooldownAfterMargin duration `toml:"cooldown_after_margin"`
	CooldownAfterDelta  duration `toml:"cooldown_after_delta"`
}

// HealthConfig holds the market data freshness thresholds.
type HealthConfig struct {
	FreshBudget   duration `toml:"fresh_budget"`
	OfflineAfter  duration `toml:"offline_after"`
	MaxGapsPerMin int      `toml:"max_gaps_per_min"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds the cold-storage export parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
	Prefix        string   `toml:"prefix"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	Metrics     bool     `toml:"metrics"`
	APIKey      string   `toml:"api_key"` // empty disables auth
}

// NotifyConfig holds notification channel credentials. CriticalOnly mutes
// routine alerts so channels only carry incidents that need a human.
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`
	CriticalOnly      bool   `toml:"critical_only"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5s", "2h").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5s" or "2h".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the production default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Exchanges: map[string]ExchangeConfig{},
		Trading: TradingConfig{
			Symbols:        []string{"BTCUSDT"},
			SizeUSD:        1000,
			MaxConcurrent:  3,
			MinNetEdgeBps:  5.0,
			SlippageBps:    2.0,
			BufferBps:      2.0,
			MaxSlippageBps: 10.0,
			ScanInterval:   duration{10 * time.Second},
			OpportunityTTL: duration{30 * time.Second},
			EmitGap:        duration{time.Minute},
		},
		Execution: ExecutionConfig{
			MaxOpenTimeMs:    1200,
			OrderTimeoutMs:   400,
			CancelTimeoutMs:  2000,
			PollIntervalMs:   50,
			MaxChaseAttempts: 3,
			ChaseIntervalMs:  150,
			FillEpsilonMs:    50,
			CloseRetries:     2,
		},
		Risk: RiskConfig{
			MaxMarginUsage:      0.30,
			HardMarginUsage:     0.40,
			Leverage:            3,
			MaxOrphanTimeMs:     500,
			DeltaThresholdPct:   5.0,
			MaxSpreadBps:        10.0,
			ReconcileTolerance:  0.0001,
			DriftEscalation:     2,
			ReconcileInterval:   duration{5 * time.Second},
			GuardInterval:       duration{2 * time.Second},
			DeepInterval:        duration{60 * time.Second},
			CooldownAfterOrphan: duration{2 * time.Hour},
			CooldownAfterMargin: duration{time.Hour},
			CooldownAfterDelta:  duration{time.Hour},
		},
		Health: HealthConfig{
			FreshBudget:   duration{3 * time.Second},
			OfflineAfter:  duration{15 * time.Second},
			MaxGapsPerMin: 30,
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arbbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbbot-data",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
			Prefix:        "archive",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			Metrics:     true,
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"paper":   true,
	"monitor": true,
	"server":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, paper, monitor, server)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchanges: live trading needs at least two venues with credentials.
	if c.Mode == "trade" {
		if len(c.Exchanges) < 2 {
			errs = append(errs, fmt.Sprintf("exchanges: at least 2 venues are required for mode trade, got %d", len(c.Exchanges)))
		}
		for name, ex := range c.Exchanges {
			if ex.APIKey == "" || ex.APISecret == "" {
				errs = append(errs, fmt.Sprintf("exchanges.%s: api_key and api_secret are required for mode trade", name))
			}
			if ex.BaseURL == "" {
				errs = append(errs, fmt.Sprintf("exchanges.%s: base_url must not be empty", name))
			}
		}
	}

	// Trading
	if len(c.Trading.Symbols) == 0 {
		errs = append(errs, "trading: symbols must not be empty")
	}
	if c.Trading.SizeUSD <= 0 {
		errs = append(errs, "trading: size_usd must be > 0")
	}
	if c.Trading.MaxConcurrent < 1 {
		errs = append(errs, "trading: max_concurrent_trades must be >= 1")
	}
	if c.Trading.MinNetEdgeBps <= 0 {
		errs = append(errs, "trading: min_net_edge_bps must be > 0")
	}
	if c.Trading.ScanInterval.Duration <= 0 {
		errs = append(errs, "trading: scan_interval must be > 0")
	}

	// Execution
	if c.Execution.MaxOpenTimeMs <= 0 {
		errs = append(errs, "execution: max_open_time_ms must be > 0")
	}
	if c.Execution.OrderTimeoutMs <= 0 {
		errs = append(errs, "execution: order_timeout_ms must be > 0")
	}
	if c.Execution.MaxChaseAttempts < 0 {
		errs = append(errs, "execution: max_chase_attempts must be >= 0")
	}
	if c.Execution.PollIntervalMs <= 0 {
		errs = append(errs, "execution: position_poll_interval_ms must be > 0")
	}

	// Risk
	if c.Risk.MaxMarginUsage <= 0 || c.Risk.MaxMarginUsage >= 1 {
		errs = append(errs, fmt.Sprintf("risk: max_margin_usage must be in (0, 1), got %g", c.Risk.MaxMarginUsage))
	}
	if c.Risk.HardMarginUsage <= c.Risk.MaxMarginUsage {
		errs = append(errs, "risk: hard_margin_usage must exceed max_margin_usage")
	}
	if c.Risk.Leverage < 1 {
		errs = append(errs, "risk: leverage must be >= 1")
	}
	if c.Risk.MaxOrphanTimeMs <= 0 {
		errs = append(errs, "risk: max_orphan_time_ms must be > 0")
	}
	if c.Risk.DriftEscalation < 1 {
		errs = append(errs, "risk: drift_escalation must be >= 1")
	}
	if c.Risk.ReconcileInterval.Duration <= 0 {
		errs = append(errs, "risk: reconcile_interval must be > 0")
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3: only required when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
