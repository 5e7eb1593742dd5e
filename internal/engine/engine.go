// Package engine implements the order and position lifecycle: DCA
// scheduling, buy staging and execution, exit evaluation, sell staging, and
// the maintenance sweeps. All mutations of a position or order happen under
// a per-key lock so scheduler ticks and API calls cannot race.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// Notifier is the slice of the notification system the engine uses.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// TradeArchiver moves aged trades to cold storage.
type TradeArchiver interface {
	// Archive writes the trades to the archive and returns its location.
	Archive(ctx context.Context, trades []domain.Trade, cutoff time.Time) (string, error)
}

// Config carries the engine's tunables.
type Config struct {
	// AutoExecute runs staged buys and sells without manual confirmation.
	AutoExecute bool
	// TickInterval paces the DCA scheduler loop.
	TickInterval time.Duration
	// ExitDebounce suppresses duplicate exit work for a position after an
	// exit has been staged or executed.
	ExitDebounce time.Duration
	// PendingBuyTTL / PendingSellTTL bound how long staged work stays valid.
	PendingBuyTTL  time.Duration
	PendingSellTTL time.Duration
	// LockTTL bounds how long a per-key lock can be held by a dead process.
	LockTTL time.Duration
	// MaxPositions caps concurrently open positions.
	MaxPositions int
	// SettleDelay is how long to wait for swap proceeds to settle before
	// sweeping a one-time identity back into the shielded balance.
	SettleDelay time.Duration
	// QuoteAsset is the currency orders spend and sells receive.
	QuoteAsset string
	// DefaultSlippageBps applies when an order does not set its own.
	DefaultSlippageBps int
	// PurgeAfterDays is the retention for terminal DCA orders.
	PurgeAfterDays int
	// ArchiveRetentionDays is the retention for trades before archival.
	ArchiveRetentionDays int
}

// Engine wires the stores, registries, and platform clients into the
// lifecycle operations. Construct with New; the zero value is not usable.
type Engine struct {
	cfg Config

	positions    domain.PositionStore
	orders       domain.DCAOrderStore
	trades       domain.TradeStore
	audit        domain.AuditStore
	pendingBuys  domain.PendingBuyRegistry
	pendingSells domain.PendingSellRegistry
	priceCache   domain.PriceCache

	prices  domain.PriceProvider
	agg     domain.SwapAggregator
	ledger  domain.LedgerClient
	shield  domain.ShieldProvider
	signers domain.SignerResolver

	locks    domain.LockManager
	bus      domain.SignalBus
	notifier Notifier
	archiver TradeArchiver

	logger *slog.Logger

	// lastExit tracks per-position debounce deadlines; guarded by the
	// position lock, so a plain map would race only across processes,
	// which the lock manager already prevents.
	lastExit *debounceTable
}

// Deps groups the collaborators New needs.
type Deps struct {
	Positions    domain.PositionStore
	Orders       domain.DCAOrderStore
	Trades       domain.TradeStore
	Audit        domain.AuditStore
	PendingBuys  domain.PendingBuyRegistry
	PendingSells domain.PendingSellRegistry
	PriceCache   domain.PriceCache
	Prices       domain.PriceProvider
	Aggregator   domain.SwapAggregator
	Ledger       domain.LedgerClient
	Shield       domain.ShieldProvider
	Signers      domain.SignerResolver
	Locks        domain.LockManager
	Bus          domain.SignalBus
	Notifier     Notifier
	Archiver     TradeArchiver
}

// New creates an Engine.
func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		positions:    deps.Positions,
		orders:       deps.Orders,
		trades:       deps.Trades,
		audit:        deps.Audit,
		pendingBuys:  deps.PendingBuys,
		pendingSells: deps.PendingSells,
		priceCache:   deps.PriceCache,
		prices:       deps.Prices,
		agg:          deps.Aggregator,
		ledger:       deps.Ledger,
		shield:       deps.Shield,
		signers:      deps.Signers,
		locks:        deps.Locks,
		bus:          deps.Bus,
		notifier:     deps.Notifier,
		archiver:     deps.Archiver,
		logger:       logger.With(slog.String("component", "engine")),
		lastExit:     newDebounceTable(),
	}
}

// positionLockKey serializes work on one (owner, asset) position.
func positionLockKey(owner, asset string) string {
	return "pos:" + owner + ":" + asset
}

// orderLockKey serializes work on one DCA order.
func orderLockKey(orderID string) string {
	return "dca:" + orderID
}

// slippageFor returns the order's slippage or the engine default.
func (e *Engine) slippageFor(bps int) int {
	if bps > 0 {
		return bps
	}
	return e.cfg.DefaultSlippageBps
}

// priceFreshWindow bounds how old a feed observation may be before price
// reads fall back to the provider.
const priceFreshWindow = 30 * time.Second

// currentPrice prefers the feed-warmed cache over a provider round trip,
// falling back to the provider when no fresh observation exists.
func (e *Engine) currentPrice(ctx context.Context, asset string) (float64, error) {
	if price, ts, err := e.priceCache.GetPrice(ctx, asset); err == nil &&
		time.Since(ts) <= priceFreshWindow {
		return price, nil
	}
	return e.prices.GetPrice(ctx, asset)
}

// auditLog records an audit entry, logging instead of failing the operation
// when the write itself errors.
func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// publish emits an event on the signal bus and appends it to the durable
// stream, logging failures rather than propagating them.
func (e *Engine) publish(ctx context.Context, channel string, payload []byte) {
	if err := e.bus.Publish(ctx, channel, payload); err != nil {
		e.logger.WarnContext(ctx, "publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
	if err := e.bus.StreamAppend(ctx, "events:"+channel, payload); err != nil {
		e.logger.WarnContext(ctx, "stream append failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// CountActivePositions reports open positions across owners.
func (e *Engine) CountActivePositions(ctx context.Context) (int64, error) {
	return e.positions.CountActive(ctx)
}

// CountActiveOrders reports active DCA orders.
func (e *Engine) CountActiveOrders(ctx context.Context) (int64, error) {
	return e.orders.CountActive(ctx)
}

// CountPendingBuys reports staged buys awaiting confirmation.
func (e *Engine) CountPendingBuys(ctx context.Context) (int64, error) {
	return e.pendingBuys.Count(ctx)
}

// CountPendingSells reports staged exits awaiting approval.
func (e *Engine) CountPendingSells(ctx context.Context) (int64, error) {
	return e.pendingSells.Count(ctx)
}

// notify forwards to the notifier when one is configured.
func (e *Engine) notify(ctx context.Context, event, title, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
