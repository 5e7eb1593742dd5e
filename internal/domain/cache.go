package domain

import (
	"context"
	"time"
)

// PendingBuyRegistry is the TTL-bounded staging area for buys awaiting
// manual confirmation. Entries are keyed by (orderID, buyNumber); Put
// overwrites, never duplicates. Entries are lost on process restart by
// design: they are recoverable by re-scanning ready orders, so the
// registry guarantees at-most-once staging per process, not durability.
type PendingBuyRegistry interface {
	Put(ctx context.Context, pb PendingBuy) error
	Get(ctx context.Context, orderID string, buyNumber int) (PendingBuy, error)
	// Delete removes the entry, reporting whether one existed.
	Delete(ctx context.Context, orderID string, buyNumber int) (bool, error)
	ListByOwner(ctx context.Context, owner string) ([]PendingBuy, error)
	Count(ctx context.Context) (int64, error)
}

// PendingSellRegistry stages sells awaiting approval. The (owner, asset)
// keying enforces at most one active entry per position; GetByID serves
// the API path. The same restart caveat as PendingBuyRegistry applies.
type PendingSellRegistry interface {
	// Put upserts the entry under (owner, asset) and indexes it by ID.
	Put(ctx context.Context, ps PendingSell) error
	GetActive(ctx context.Context, owner, asset string) (PendingSell, error)
	GetByID(ctx context.Context, id string) (PendingSell, error)
	// Delete removes the (owner, asset) entry, reporting whether one existed.
	Delete(ctx context.Context, owner, asset string) (bool, error)
	ListByOwner(ctx context.Context, owner string) ([]PendingSell, error)
	Count(ctx context.Context) (int64, error)
	// PurgeExpired removes entries past their expiry, returning the count.
	// This is a backstop; the registry's TTL usually gets there first.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// PriceCache stores last-observed asset prices from the feed.
type PriceCache interface {
	SetPrice(ctx context.Context, asset string, price float64, ts time.Time) error
	// GetPrice returns ErrNotFound when no price has been observed.
	GetPrice(ctx context.Context, asset string) (float64, time.Time, error)
}

// LockManager provides per-entity-key mutual exclusion so scheduler ticks
// and API-triggered confirmations racing on the same position or order
// serialize instead of losing updates.
type LockManager interface {
	// Acquire returns an unlock func on success, or ErrLockHeld when the
	// key is already locked by another holder.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter throttles calls to external APIs across engine instances.
type RateLimiter interface {
	// Allow reports whether a request under key fits the limit for the
	// window, counting it when it does.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Wait blocks until a request is allowed or the context is cancelled.
	Wait(ctx context.Context, key string) error
}

// StreamMessage is a single entry read from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus publishes engine events (trade_executed, position_closed, ...)
// for external consumers such as the dashboard and the cost-basis ledger.
// Publish/Subscribe are fire-and-forget; the stream methods give durable,
// ordered delivery for consumers that must not miss events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
