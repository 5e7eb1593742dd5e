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
// built-in defaults, applies SWAPBOT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known SWAPBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "SWAPBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "SWAPBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "SWAPBOT_WALLET_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SWAPBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "SWAPBOT_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SWAPBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SWAPBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SWAPBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SWAPBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SWAPBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SWAPBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SWAPBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SWAPBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SWAPBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SWAPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SWAPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SWAPBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SWAPBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SWAPBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SWAPBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "SWAPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SWAPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "SWAPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SWAPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SWAPBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SWAPBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SWAPBOT_S3_FORCE_PATH_STYLE")

	// ── Pricing ──
	setStr(&cfg.Pricing.BaseURL, "SWAPBOT_PRICING_BASE_URL")
	setStr(&cfg.Pricing.WsURL, "SWAPBOT_PRICING_WS_URL")
	setStr(&cfg.Pricing.ApiKey, "SWAPBOT_PRICING_API_KEY")
	setDuration(&cfg.Pricing.CacheTTL, "SWAPBOT_PRICING_CACHE_TTL")

	// ── Aggregator ──
	setStr(&cfg.Aggregator.BaseURL, "SWAPBOT_AGGREGATOR_BASE_URL")
	setStr(&cfg.Aggregator.ApiKey, "SWAPBOT_AGGREGATOR_API_KEY")
	setInt(&cfg.Aggregator.DefaultSlippageBps, "SWAPBOT_AGGREGATOR_DEFAULT_SLIPPAGE_BPS")
	setStr(&cfg.Aggregator.QuoteAsset, "SWAPBOT_AGGREGATOR_QUOTE_ASSET")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "SWAPBOT_CHAIN_RPC_URL")
	setInt(&cfg.Chain.SubmitRetries, "SWAPBOT_CHAIN_SUBMIT_RETRIES")
	setDuration(&cfg.Chain.ConfirmTimeout, "SWAPBOT_CHAIN_CONFIRM_TIMEOUT")

	// ── Shield ──
	setStr(&cfg.Shield.BaseURL, "SWAPBOT_SHIELD_BASE_URL")
	setStr(&cfg.Shield.ApiKey, "SWAPBOT_SHIELD_API_KEY")
	setDuration(&cfg.Shield.SettleDelay, "SWAPBOT_SHIELD_SETTLE_DELAY")

	// ── Engine ──
	setBool(&cfg.Engine.AutoExecute, "SWAPBOT_ENGINE_AUTO_EXECUTE")
	setDuration(&cfg.Engine.TickInterval, "SWAPBOT_ENGINE_TICK_INTERVAL")
	setDuration(&cfg.Engine.ExitDebounce, "SWAPBOT_ENGINE_EXIT_DEBOUNCE")
	setDuration(&cfg.Engine.PendingBuyTTL, "SWAPBOT_ENGINE_PENDING_BUY_TTL")
	setDuration(&cfg.Engine.PendingSellTTL, "SWAPBOT_ENGINE_PENDING_SELL_TTL")
	setDuration(&cfg.Engine.LockTTL, "SWAPBOT_ENGINE_LOCK_TTL")
	setInt(&cfg.Engine.MaxPositions, "SWAPBOT_ENGINE_MAX_POSITIONS")
	setInt(&cfg.Engine.PurgeAfterDays, "SWAPBOT_ENGINE_PURGE_AFTER_DAYS")
	setInt(&cfg.Engine.ArchiveRetention, "SWAPBOT_ENGINE_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SWAPBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SWAPBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SWAPBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SWAPBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SWAPBOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SWAPBOT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SWAPBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SWAPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SWAPBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SWAPBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SWAPBOT_MODE")
	setStr(&cfg.LogLevel, "SWAPBOT_LOG_LEVEL")
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
