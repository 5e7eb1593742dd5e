// Package config defines the top-level configuration for the swap bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SWAPBOT_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Pricing    PricingConfig    `toml:"pricing"`
	Aggregator AggregatorConfig `toml:"aggregator"`
	Chain      ChainConfig      `toml:"chain"`
	Shield     ShieldConfig     `toml:"shield"`
	Engine     EngineConfig     `toml:"engine"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the custodial signing key material.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// S3Config holds S3-compatible object storage parameters for trade archives.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// PricingConfig holds the spot-price service endpoints.
type PricingConfig struct {
	BaseURL  string   `toml:"base_url"`
	WsURL    string   `toml:"ws_url"`
	ApiKey   string   `toml:"api_key"`
	CacheTTL duration `toml:"cache_ttl"`
}

// AggregatorConfig holds the DEX aggregator API parameters.
type AggregatorConfig struct {
	BaseURL            string `toml:"base_url"`
	ApiKey             string `toml:"api_key"`
	DefaultSlippageBps int    `toml:"default_slippage_bps"`
	QuoteAsset         string `toml:"quote_asset"`
}

// ChainConfig holds RPC parameters for transaction submission.
type ChainConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	SubmitRetries  int      `toml:"submit_retries"`
	ConfirmTimeout duration `toml:"confirm_timeout"`
}

// ShieldConfig holds the shielded balance service parameters.
type ShieldConfig struct {
	BaseURL     string   `toml:"base_url"`
	ApiKey      string   `toml:"api_key"`
	SettleDelay duration `toml:"settle_delay"`
}

// EngineConfig holds lifecycle engine parameters.
type EngineConfig struct {
	AutoExecute      bool     `toml:"auto_execute"`
	TickInterval     duration `toml:"tick_interval"`
	ExitDebounce     duration `toml:"exit_debounce"`
	PendingBuyTTL    duration `toml:"pending_buy_ttl"`
	PendingSellTTL   duration `toml:"pending_sell_ttl"`
	LockTTL          duration `toml:"lock_ttl"`
	MaxPositions     int      `toml:"max_positions"`
	PurgeAfterDays   int      `toml:"purge_after_days"`
	ArchiveRetention int      `toml:"archive_retention_days"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "swapbot",
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
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "swapbot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Pricing: PricingConfig{
			BaseURL:  "https://price.jup.ag/v6",
			WsURL:    "",
			CacheTTL: duration{5 * time.Second},
		},
		Aggregator: AggregatorConfig{
			BaseURL:            "https://quote-api.jup.ag/v6",
			DefaultSlippageBps: 100,
			QuoteAsset:         "USDC",
		},
		Chain: ChainConfig{
			RPCURL:         "https://api.mainnet-beta.solana.com",
			SubmitRetries:  3,
			ConfirmTimeout: duration{45 * time.Second},
		},
		Shield: ShieldConfig{
			BaseURL:     "http://localhost:8899",
			SettleDelay: duration{15 * time.Second},
		},
		Engine: EngineConfig{
			AutoExecute:      false,
			TickInterval:     duration{30 * time.Second},
			ExitDebounce:     duration{10 * time.Second},
			PendingBuyTTL:    duration{time.Hour},
			PendingSellTTL:   duration{90 * time.Second},
			LockTTL:          duration{30 * time.Second},
			MaxPositions:     50,
			PurgeAfterDays:   30,
			ArchiveRetention: 90,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"trade_executed", "position_closed", "sell_staged", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"server":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, server, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet — trading modes need a custodial key source.
	needsWallet := c.Mode == "trade" || c.Mode == "full"
	if needsWallet {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Pricing
	if c.Pricing.BaseURL == "" {
		errs = append(errs, "pricing: base_url must not be empty")
	}
	if c.Pricing.CacheTTL.Duration < 0 {
		errs = append(errs, "pricing: cache_ttl must not be negative")
	}

	// Aggregator
	if c.Aggregator.BaseURL == "" {
		errs = append(errs, "aggregator: base_url must not be empty")
	}
	if c.Aggregator.DefaultSlippageBps < 0 || c.Aggregator.DefaultSlippageBps > 10_000 {
		errs = append(errs, fmt.Sprintf("aggregator: default_slippage_bps must be 0-10000, got %d", c.Aggregator.DefaultSlippageBps))
	}
	if c.Aggregator.QuoteAsset == "" {
		errs = append(errs, "aggregator: quote_asset must not be empty")
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.SubmitRetries < 0 {
		errs = append(errs, "chain: submit_retries must be >= 0")
	}

	// Shield
	if c.Shield.BaseURL == "" {
		errs = append(errs, "shield: base_url must not be empty")
	}

	// Engine
	if c.Engine.TickInterval.Duration <= 0 {
		errs = append(errs, "engine: tick_interval must be > 0")
	}
	if c.Engine.PendingBuyTTL.Duration <= 0 {
		errs = append(errs, "engine: pending_buy_ttl must be > 0")
	}
	if c.Engine.PendingSellTTL.Duration <= 0 {
		errs = append(errs, "engine: pending_sell_ttl must be > 0")
	}
	if c.Engine.LockTTL.Duration <= 0 {
		errs = append(errs, "engine: lock_ttl must be > 0")
	}
	if c.Engine.MaxPositions < 1 {
		errs = append(errs, "engine: max_positions must be >= 1")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
