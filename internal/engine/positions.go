package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/halcyonlabs/swapbot/internal/domain"
	"github.com/halcyonlabs/swapbot/internal/strategy"
)

// GetPosition returns the open position for (owner, asset), or the most
// recently closed one when none is open.
func (e *Engine) GetPosition(ctx context.Context, owner, asset string) (domain.Position, error) {
	return e.positions.Get(ctx, owner, asset)
}

// ListPositions returns the owner's positions, open first.
func (e *Engine) ListPositions(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error) {
	return e.positions.ListByOwner(ctx, owner, opts)
}

// ListActivePositions returns every open position across owners.
func (e *Engine) ListActivePositions(ctx context.Context) ([]domain.Position, error) {
	return e.positions.ListActive(ctx)
}

// ManualExit sells sellPct of the position at the current market price,
// bypassing strategy evaluation and staging. The request itself is the
// approval, so it executes immediately even when auto-execute is off.
func (e *Engine) ManualExit(ctx context.Context, owner, asset string, sellPct float64) (domain.Position, error) {
	if sellPct <= 0 || sellPct > 100 {
		return domain.Position{}, fmt.Errorf("engine: sell pct must be in (0, 100]")
	}

	unlock, err := e.locks.Acquire(ctx, positionLockKey(owner, asset), e.cfg.LockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: position busy: %w", err)
	}
	defer unlock()

	pos, err := e.positions.Get(ctx, owner, asset)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: load position: %w", err)
	}
	if !pos.Open() || pos.Quantity <= 0 {
		return domain.Position{}, fmt.Errorf("engine: position already closed: %w", domain.ErrNotFound)
	}

	price, err := e.currentPrice(ctx, asset)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: price for %s: %w", asset, err)
	}

	strat, err := strategy.Lookup(pos.Strategy)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: strategy for position: %w", err)
	}

	decision := domain.ExitDecision{ShouldExit: true, SellPct: sellPct, Reason: "manual"}
	if err := e.executeSell(ctx, pos, strat, decision, price); err != nil {
		return domain.Position{}, err
	}

	// Any staged exit for this position is now priced off stale inventory.
	if _, err := e.pendingSells.Delete(ctx, owner, asset); err != nil {
		e.logger.Warn("drop staged sell after manual exit failed")
	}
	return e.positions.Get(ctx, owner, asset)
}

// WatchedAssets returns the assets the price feed should stream: everything
// held in an open position or targeted by an order due within the next day.
func (e *Engine) WatchedAssets(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	positions, err := e.positions.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: list positions: %w", err)
	}
	for _, p := range positions {
		seen[p.Asset] = struct{}{}
	}

	orders, err := e.orders.ListReady(ctx, time.Now().UTC().Add(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("engine: list orders: %w", err)
	}
	for _, o := range orders {
		seen[o.Asset] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}
