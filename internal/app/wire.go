package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/halcyonlabs/swapbot/internal/blob/s3"
	"github.com/halcyonlabs/swapbot/internal/cache/redis"
	"github.com/halcyonlabs/swapbot/internal/config"
	"github.com/halcyonlabs/swapbot/internal/domain"
	"github.com/halcyonlabs/swapbot/internal/notify"
	"github.com/halcyonlabs/swapbot/internal/platform/aggregator"
	"github.com/halcyonlabs/swapbot/internal/platform/chain"
	"github.com/halcyonlabs/swapbot/internal/platform/pricing"
	"github.com/halcyonlabs/swapbot/internal/platform/shield"
	"github.com/halcyonlabs/swapbot/internal/store/postgres"
	"github.com/halcyonlabs/swapbot/internal/wallet"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	OrderStore    domain.DCAOrderStore
	TradeStore    domain.TradeStore
	AuditStore    domain.AuditStore

	// Caches and registries
	PriceCache   domain.PriceCache
	PendingBuys  domain.PendingBuyRegistry
	PendingSells domain.PendingSellRegistry
	RateLimiter  domain.RateLimiter
	LockManager  domain.LockManager
	SignalBus    domain.SignalBus

	// Platform clients
	Prices     domain.PriceProvider
	Aggregator domain.SwapAggregator
	Ledger     domain.LedgerClient
	Shield     domain.ShieldProvider
	Signers    domain.SignerResolver

	// Blob storage
	BlobWriter  domain.BlobWriter
	BlobReader  domain.BlobReader
	BlobDeleter domain.BlobDeleter
	Archiver    *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// sellRetentionFactor sizes the Redis retention of staged sells relative to
// their payload TTL. A staged sell whose payload has gone stale stays listable
// and confirmable (with a rebuilt payload) until retention reaps it.
const sellRetentionFactor = 10

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

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.OrderStore = postgres.NewDCAOrderStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
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

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.PendingBuys = redis.NewPendingBuyRegistry(redisClient, cfg.Engine.PendingBuyTTL.Duration)
	deps.PendingSells = redis.NewPendingSellRegistry(redisClient, sellRetentionFactor*cfg.Engine.PendingSellTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Platform clients ---
	deps.Prices = pricing.New(cfg.Pricing.BaseURL, cfg.Pricing.ApiKey, cfg.Pricing.CacheTTL.Duration, deps.RateLimiter)
	deps.Aggregator = aggregator.New(cfg.Aggregator.BaseURL, cfg.Aggregator.ApiKey, deps.RateLimiter)
	deps.Ledger = chain.New(cfg.Chain.RPCURL, cfg.Chain.SubmitRetries, cfg.Chain.ConfirmTimeout.Duration)
	deps.Shield = shield.New(cfg.Shield.BaseURL, cfg.Shield.ApiKey)

	// --- Wallet ---
	// Monitor-style deployments may run without any key material; execution
	// paths then fail with an explicit error instead of signing anything.
	if cfg.Wallet.PrivateKey != "" || cfg.Wallet.EncryptedKeyPath != "" {
		keyHex, err := wallet.LoadKey(wallet.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: wallet: %w", err)
		}
		custodial, err := wallet.NewKeySigner(keyHex)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: wallet: %w", err)
		}
		deps.Signers = wallet.NewResolver(custodial)
	} else {
		logger.Warn("wire: no wallet key configured, trade execution disabled")
	}

	// --- S3 blob storage ---
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
		// Archival is a background concern; the bot trades without it.
		logger.Warn("wire: s3 unavailable, trade archival disabled",
			slog.String("error", err.Error()),
		)
	} else {
		closers = append(closers, func() { _ = s3Client.Close() })
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		deps.BlobDeleter = reader // same type implements BlobDeleter
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter)
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
