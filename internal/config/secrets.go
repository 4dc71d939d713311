package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Exchanges: copy the map so the redacted copy cannot leak back.
	if cfg.Exchanges != nil {
		out.Exchanges = make(map[string]ExchangeConfig, len(cfg.Exchanges))
		for name, ex := range cfg.Exchanges {
			redact(&ex.APIKey)
			redact(&ex.APISecret)
			out.Exchanges[name] = ex
		}
	}

	// Database
	redact(&out.Database.DSN)
	redact(&out.Database.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Server
	redact(&out.Server.APIKey)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.TelegramChatID)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Trading.Symbols != nil {
		out.Trading.Symbols = make([]string, len(cfg.Trading.Symbols))
		copy(out.Trading.Symbols, cfg.Trading.Symbols)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
