package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file. Per-venue credentials use the venue name:
// ARBBOT_EXCHANGE_<NAME>_API_KEY / _API_SECRET.
func applyEnvOverrides(cfg *Config) {
	// ── Exchanges ──
	for name, ex := range cfg.Exchanges {
		upper := strings.ToUpper(name)
		setStr(&ex.APIKey, "ARBBOT_EXCHANGE_"+upper+"_API_KEY")
		setStr(&ex.APISecret, "ARBBOT_EXCHANGE_"+upper+"_API_SECRET")
		setStr(&ex.BaseURL, "ARBBOT_EXCHANGE_"+upper+"_BASE_URL")
		setStr(&ex.WsURL, "ARBBOT_EXCHANGE_"+upper+"_WS_URL")
		setBool(&ex.Testnet, "ARBBOT_EXCHANGE_"+upper+"_TESTNET")
		cfg.Exchanges[name] = ex
	}

	// ── Trading ──
	setStringSlice(&cfg.Trading.Symbols, "ARBBOT_TRADING_SYMBOLS")
	setFloat64(&cfg.Trading.SizeUSD, "ARBBOT_TRADING_SIZE_USD")
	setInt(&cfg.Trading.MaxConcurrent, "ARBBOT_TRADING_MAX_CONCURRENT_TRADES")
	setFloat64(&cfg.Trading.MinNetEdgeBps, "ARBBOT_TRADING_MIN_NET_EDGE_BPS")
	setFloat64(&cfg.Trading.SlippageBps, "ARBBOT_TRADING_SLIPPAGE_BPS")
	setFloat64(&cfg.Trading.BufferBps, "ARBBOT_TRADING_BUFFER_BPS")
	setFloat64(&cfg.Trading.MaxSlippageBps, "ARBBOT_TRADING_MAX_SLIPPAGE_BPS")
	setDuration(&cfg.Trading.ScanInterval, "ARBBOT_TRADING_SCAN_INTERVAL")
	setDuration(&cfg.Trading.OpportunityTTL, "ARBBOT_TRADING_OPPORTUNITY_TTL")
	setDuration(&cfg.Trading.EmitGap, "ARBBOT_TRADING_EMIT_GAP")

	// ── Execution ──
	setInt64(&cfg.Execution.MaxOpenTimeMs, "ARBBOT_EXECUTION_MAX_OPEN_TIME_MS")
	setInt64(&cfg.Execution.OrderTimeoutMs, "ARBBOT_EXECUTION_ORDER_TIMEOUT_MS")
	setInt64(&cfg.Execution.CancelTimeoutMs, "ARBBOT_EXECUTION_CANCEL_TIMEOUT_MS")
	setInt64(&cfg.Execution.PollIntervalMs, "ARBBOT_EXECUTION_POSITION_POLL_INTERVAL_MS")
	setInt(&cfg.Execution.MaxChaseAttempts, "ARBBOT_EXECUTION_MAX_CHASE_ATTEMPTS")
	setInt64(&cfg.Execution.ChaseIntervalMs, "ARBBOT_EXECUTION_CHASE_INTERVAL_MS")
	setInt64(&cfg.Execution.FillEpsilonMs, "ARBBOT_EXECUTION_FILL_EPSILON_MS")
	setInt(&cfg.Execution.CloseRetries, "ARBBOT_EXECUTION_CLOSE_RETRIES")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxMarginUsage, "ARBBOT_RISK_MAX_MARGIN_USAGE")
	setFloat64(&cfg.Risk.HardMarginUsage, "ARBBOT_RISK_HARD_MARGIN_USAGE")
	setInt64(&cfg.Risk.Leverage, "ARBBOT_RISK_LEVERAGE")
	setInt64(&cfg.Risk.MaxOrphanTimeMs, "ARBBOT_RISK_MAX_ORPHAN_TIME_MS")
	setFloat64(&cfg.Risk.DeltaThresholdPct, "ARBBOT_RISK_DELTA_THRESHOLD_PCT")
	setFloat64(&cfg.Risk.MaxSpreadBps, "ARBBOT_RISK_MAX_SPREAD_BPS")
	setFloat64(&cfg.Risk.ReconcileTolerance, "ARBBOT_RISK_RECONCILE_TOLERANCE")
	setInt(&cfg.Risk.DriftEscalation, "ARBBOT_RISK_DRIFT_ESCALATION")
	setDuration(&cfg.Risk.ReconcileInterval, "ARBBOT_RISK_RECONCILE_INTERVAL")
	setDuration(&cfg.Risk.GuardInterval, "ARBBOT_RISK_GUARD_INTERVAL")
	setDuration(&cfg.Risk.DeepInterval, "ARBBOT_RISK_DEEP_INTERVAL")
	setDuration(&cfg.Risk.CooldownAfterOrphan, "ARBBOT_RISK_COOLDOWN_AFTER_ORPHAN")
	setDuration(&cfg.Risk.CooldownAfterMargin, "ARBBOT_RISK_COOLDOWN_AFTER_MARGIN")
	setDuration(&cfg.Risk.CooldownAfterDelta, "ARBBOT_RISK_COOLDOWN_AFTER_DELTA")

	// ── Health ──
	setDuration(&cfg.Health.FreshBudget, "ARBBOT_HEALTH_FRESH_BUDGET")
	setDuration(&cfg.Health.OfflineAfter, "ARBBOT_HEALTH_OFFLINE_AFTER")
	setInt(&cfg.Health.MaxGapsPerMin, "ARBBOT_HEALTH_MAX_GAPS_PER_MIN")

	// ── Database ──
	setStr(&cfg.Database.DSN, "ARBBOT_DATABASE_DSN")
	setStr(&cfg.Database.Host, "ARBBOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "ARBBOT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "ARBBOT_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "ARBBOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "ARBBOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "ARBBOT_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "ARBBOT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "ARBBOT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "ARBBOT_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ARBBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARBBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARBBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ARBBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBBOT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ARBBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "ARBBOT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "ARBBOT_ARCHIVE_INTERVAL")
	setStr(&cfg.Archive.Prefix, "ARBBOT_ARCHIVE_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARBBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ARBBOT_SERVER_CORS_ORIGINS")
	setBool(&cfg.Server.Metrics, "ARBBOT_SERVER_METRICS")
	setStr(&cfg.Server.APIKey, "ARBBOT_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setBool(&cfg.Notify.CriticalOnly, "ARBBOT_NOTIFY_CRITICAL_ONLY")

	// ── Top-level ──
	setStr(&cfg.Mode, "ARBBOT_MODE")
	setStr(&cfg.LogLevel, "ARBBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
