package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/chaintrader/internal/blob/s3"
	"github.com/alanyoungcy/chaintrader/internal/cache/redis"
	"github.com/alanyoungcy/chaintrader/internal/config"
	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/gateway"
	"github.com/alanyoungcy/chaintrader/internal/metrics"
	"github.com/alanyoungcy/chaintrader/internal/notify"
	"github.com/alanyoungcy/chaintrader/internal/server/handler"
	"github.com/alanyoungcy/chaintrader/internal/store/file"
	"github.com/alanyoungcy/chaintrader/internal/store/postgres"
	"github.com/alanyoungcy/chaintrader/internal/tradetask"
	"github.com/alanyoungcy/chaintrader/internal/venue/paper"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function. Optional members are nil when their backend is disabled.
type Dependencies struct {
	Metrics *metrics.Metrics

	// Venue
	Paper   *paper.Venue
	Gateway *gateway.Gateway

	// Stores
	TaskStore  tradetask.Store
	AuditStore domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	BookCache   domain.BookCache
	RateLimiter *redis.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archive *s3blob.TaskArchiver

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks pings each enabled backend for /api/health.
	HealthChecks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Metrics: metrics.New(), HealthChecks: make(map[string]handler.Check)}

	// --- Paper venue behind the throttled gateway ---
	balances, err := cfg.PaperBalances()
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	feeRate, err := cfg.PaperFeeRate()
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.Paper = paper.New(balances, feeRate, logger)
	deps.Gateway = gateway.New(cfg.Venue.Name, deps.Paper, gateway.Config{
		RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
		Burst:             cfg.Gateway.Burst,
		WeightLimit:       cfg.Gateway.WeightLimit,
		Weights:           cfg.Gateway.Weights,
	}, deps.Metrics, logger)

	// --- PostgreSQL ---
	if cfg.PostgresRequired() {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:            cfg.Postgres.DSN,
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConns:       cfg.Postgres.PoolMaxConns,
			MinConns:       cfg.Postgres.PoolMinConns,
			ConnectTimeout: cfg.Postgres.ConnectTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.HealthChecks["postgres"] = pool.Ping
		deps.AuditStore = postgres.NewAuditStore(pool)
		if strings.EqualFold(cfg.Persistence.Backend, "postgres") {
			deps.TaskStore = postgres.NewTaskStore(pool)
		}
	}

	// --- File task store ---
	if deps.TaskStore == nil {
		fs, err := file.New(cfg.Persistence.Dir, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: file store: %w", err))
		}
		deps.TaskStore = fs
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
			TLSEnabled:  cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.HealthChecks["redis"] = redisClient.Ping

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.TickerTTL.Duration)
		deps.BookCache = redis.NewBookCache(redisClient, cfg.Redis.BookTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)

		if cfg.Redis.SharedLimit {
			deps.Gateway.SetSharedLimiter(deps.RateLimiter)
		}
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
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
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		if err := s3Client.Health(ctx); err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		deps.HealthChecks["s3"] = s3Client.Health
		deps.Archive = s3blob.NewTaskArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.AuditStore,
			cfg.S3.Prefix,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
