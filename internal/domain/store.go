package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions. Mutators are keyed by (owner, asset)
// and operate on the single non-closed row for that key; callers serialize
// per key through the lock manager so racing buy/sell completions cannot
// lose updates.
type PositionStore interface {
	// Create inserts a new active position. It returns ErrAlreadyExists
	// when a non-closed position for (owner, asset) is already present.
	Create(ctx context.Context, pos Position) error

	// AddTo applies a subsequent buy to an open position, recomputing the
	// weighted-average entry price. ErrNotFound without an open position.
	AddTo(ctx context.Context, owner, asset string, addedQty, addedCost, execPrice float64) (Position, error)

	// MarkPrice refreshes last-observed price/profit and raises the peak
	// profit watermark (it never lowers it).
	MarkPrice(ctx context.Context, owner, asset string, price, profitPct float64) (Position, error)

	// IncrementExitStage applies a partial exit: quantity and cost are
	// reduced by soldQty pro-rata, the stage counter advances, and status
	// becomes closing, or closed when all totalStages stages are done.
	IncrementExitStage(ctx context.Context, owner, asset string, soldQty float64, totalStages int) (Position, error)

	// Close marks the position closed and zeroes remaining inventory.
	Close(ctx context.Context, owner, asset string) (Position, error)

	// Get returns the open position for (owner, asset), or the most
	// recently closed one when none is open.
	Get(ctx context.Context, owner, asset string) (Position, error)

	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]Position, error)
	ListActive(ctx context.Context) ([]Position, error)
	ListActiveByAsset(ctx context.Context, asset string) ([]Position, error)
	CountActive(ctx context.Context) (int64, error)
}

// DCAOrderStore persists DCA orders and their append-only buy trail.
type DCAOrderStore interface {
	Create(ctx context.Context, order DCAOrder) error
	Get(ctx context.Context, id string) (DCAOrder, error)
	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]DCAOrder, error)

	// ListReady returns active orders whose next buy is due at now. A nil
	// NextBuyAt (no buy recorded yet) counts as immediately ready.
	ListReady(ctx context.Context, now time.Time) ([]DCAOrder, error)

	// RecordBuy atomically appends the buy record, advances CurrentBuy,
	// stamps Last/NextBuyAt, and completes the order when this was the
	// last buy. The record's BuyNumber must equal CurrentBuy+1; anything
	// else (including a replayed, already-consumed number) is ErrNotFound.
	RecordBuy(ctx context.Context, orderID string, rec BuyRecord, nextBuyAt time.Time) (DCAOrder, error)

	// SetStatus applies a user-driven pause/resume/cancel, enforcing
	// ValidDCATransition. Illegal transitions return ErrInvalidTransition.
	SetStatus(ctx context.Context, id string, status DCAOrderStatus) error

	CountActive(ctx context.Context) (int64, error)

	// PurgeTerminalBefore deletes completed/cancelled orders (and their
	// buy trails) created before the cutoff, returning the count removed.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TradeStore persists confirmed trades for the cost-basis ledger.
type TradeStore interface {
	Insert(ctx context.Context, trade Trade) error
	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]Trade, error)
	// ListBefore returns trades executed strictly before the cutoff, for
	// archival sweeps.
	ListBefore(ctx context.Context, before time.Time) ([]Trade, error)
	// DeleteBefore removes trades executed before the cutoff once they are
	// archived, returning the number deleted.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
