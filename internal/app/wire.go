package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/Shmuel18/Arbitrage/internal/blob/s3"
	"github.com/Shmuel18/Arbitrage/internal/cache/redis"
	"github.com/Shmuel18/Arbitrage/internal/config"
	"github.com/Shmuel18/Arbitrage/internal/domain"
	"github.com/Shmuel18/Arbitrage/internal/notify"
	"github.com/Shmuel18/Arbitrage/internal/store/postgres"
)

// Dependencies bundles the infrastructure every mode builds on: stores,
// caches, blob storage, and alerting. Engine components are wired per mode.
type Dependencies struct {
	// Stores
	TradeStore    domain.TradeStore
	IncidentStore domain.IncidentStore
	AuditStore    domain.AuditStore

	// Redis-backed state
	PriceCache    domain.PriceCache
	LockManager   domain.LockManager
	CooldownStore domain.CooldownStore
	SnapshotStore domain.SnapshotStore

	// Blob storage
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver

	// Alerting
	Notifier *notify.Notifier

	// Raw clients kept for health checks.
	Postgres *postgres.Client
	Redis    *redis.Client
}

// Wire constructs the concrete infrastructure from configuration and returns
// it with a cleanup function that releases everything in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// ── PostgreSQL ──
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Postgres = pgClient
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.IncidentStore = postgres.NewIncidentStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// ── Redis ──
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.PriceCache = redis.NewPriceCache(redisClient, 2*cfg.Health.FreshBudget.Duration)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.CooldownStore = redis.NewCooldownStore(redisClient)
	deps.SnapshotStore = redis.NewSnapshotStore(redisClient, 5*time.Minute)

	// ── S3 blob storage ──
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			postgres.NewTradeStore(pool),
			postgres.NewIncidentStore(pool),
			deps.AuditStore,
			cfg.Archive.Prefix,
			logger,
		)
	}

	// ── Alerting ──
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.CriticalOnly, logger)

	return deps, cleanup, nil
}
