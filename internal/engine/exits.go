package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/swapbot/internal/domain"
	"github.com/halcyonlabs/swapbot/internal/strategy"
)

// HandleTick ingests one price observation for an asset: it warms the price
// cache, refreshes every open position on that asset, and stages or executes
// any exit the strategy calls for. The feed calls this on every update.
func (e *Engine) HandleTick(ctx context.Context, asset string, price float64, now time.Time) {
	if err := e.priceCache.SetPrice(ctx, asset, price, now); err != nil {
		e.logger.WarnContext(ctx, "price cache set failed",
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
	}

	positions, err := e.positions.ListActiveByAsset(ctx, asset)
	if err != nil {
		e.logger.ErrorContext(ctx, "list positions failed",
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, pos := range positions {
		if err := e.evaluatePosition(ctx, pos, price, now); err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				continue
			}
			e.logger.WarnContext(ctx, "exit evaluation failed",
				slog.String("owner", pos.Owner),
				slog.String("asset", pos.Asset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// evaluatePosition refreshes one position's mark and acts on the exit
// verdict. Exit work for a position is debounced so a burst of ticks does
// not stage or fire the same exit repeatedly.
func (e *Engine) evaluatePosition(ctx context.Context, pos domain.Position, price float64, now time.Time) error {
	key := positionLockKey(pos.Owner, pos.Asset)

	unlock, err := e.locks.Acquire(ctx, key, e.cfg.LockTTL)
	if err != nil {
		return err
	}
	defer unlock()

	marked, err := e.positions.MarkPrice(ctx, pos.Owner, pos.Asset, price, pos.ProfitPct(price))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil // closed since listing
		}
		return fmt.Errorf("engine: mark price: %w", err)
	}

	if e.lastExit.Suppressed(key, now) {
		return nil
	}

	strat, err := strategy.Lookup(marked.Strategy)
	if err != nil {
		return fmt.Errorf("engine: strategy for position: %w", err)
	}

	decision := strategy.Evaluate(marked, strat, price, now)
	if !decision.ShouldExit {
		return nil
	}
	e.lastExit.Mark(key, now, e.cfg.ExitDebounce)

	if e.cfg.AutoExecute {
		return e.executeSell(ctx, marked, strat, decision, price)
	}
	return e.stageSell(ctx, marked, decision, price, now)
}

// stageSell pre-builds the swap and parks it for approval. A pending entry
// still inside its payload validity window is left alone so repeated ticks
// cannot churn the staged ID out from under an approver; one past the window
// (or already consumed) is replaced, since Put upserts on (owner, asset).
func (e *Engine) stageSell(ctx context.Context, pos domain.Position, decision domain.ExitDecision, price float64, now time.Time) error {
	if cur, err := e.pendingSells.GetActive(ctx, pos.Owner, pos.Asset); err == nil {
		if cur.Status == domain.PendingSellPending && !cur.Stale(now) {
			return nil
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("engine: check staged sell: %w", err)
	}

	sellQty := pos.Quantity * decision.SellPct / 100
	if sellQty > pos.Quantity {
		sellQty = pos.Quantity
	}

	slippage := e.slippageFor(0)
	quote, err := e.agg.GetQuote(ctx, pos.Asset, e.cfg.QuoteAsset, sellQty, slippage)
	if err != nil {
		return fmt.Errorf("engine: quote sell: %w", err)
	}

	payer := pos.ExecAddress
	if payer == "" {
		signer, err := e.signers.ResolveOwner(ctx, pos.Owner)
		if err != nil {
			return fmt.Errorf("engine: resolve signer: %w", err)
		}
		payer = signer.Address()
	}
	payload, err := e.agg.BuildSwap(ctx, quote, payer)
	if err != nil {
		return fmt.Errorf("engine: build sell: %w", err)
	}

	ps := domain.PendingSell{
		ID:                uuid.NewString(),
		Owner:             pos.Owner,
		Asset:             pos.Asset,
		SellPct:           decision.SellPct,
		Quantity:          sellQty,
		CurrentPrice:      price,
		EntryPrice:        pos.EntryPrice,
		EstimatedProceeds: quote.OutAmount,
		Reason:            decision.Reason,
		Strategy:          pos.Strategy,
		SlippageBps:       slippage,
		Payload:           base64.StdEncoding.EncodeToString(payload.Raw),
		Status:            domain.PendingSellPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(e.cfg.PendingSellTTL),
	}
	if err := e.pendingSells.Put(ctx, ps); err != nil {
		return fmt.Errorf("engine: stage sell: %w", err)
	}

	e.logger.InfoContext(ctx, "sell staged",
		slog.String("owner", pos.Owner),
		slog.String("asset", pos.Asset),
		slog.Float64("sell_pct", decision.SellPct),
		slog.String("reason", decision.Reason),
	)
	e.notify(ctx, "sell_staged", "Exit ready for approval",
		fmt.Sprintf("%s %s: sell %.0f%% (%s), est. %.4f %s",
			pos.Owner, pos.Asset, decision.SellPct, decision.Reason, quote.OutAmount, e.cfg.QuoteAsset))
	return nil
}

// ListPendingSells returns the owner's staged exits with their lifecycle
// status. Entries whose payload validity window has lapsed while still
// unapproved are reported as expired.
func (e *Engine) ListPendingSells(ctx context.Context, owner string) ([]domain.PendingSell, error) {
	sells, err := e.pendingSells.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range sells {
		if sells[i].Status == domain.PendingSellPending && sells[i].Stale(now) {
			sells[i].Status = domain.PendingSellExpired
		}
	}
	return sells, nil
}

// ConfirmPendingSell records the result of a staged exit the caller has
// already executed: the submitted transaction signature is the proof. The
// engine applies the position mutation and books the trade; it never quotes,
// signs, or submits anything itself on this path.
func (e *Engine) ConfirmPendingSell(ctx context.Context, id, signature string) (domain.Position, error) {
	if strings.TrimSpace(signature) == "" {
		return domain.Position{}, fmt.Errorf("engine: submitted signature is required")
	}

	ps, err := e.pendingSells.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: pending sell %s: %w", id, err)
	}

	unlock, err := e.locks.Acquire(ctx, positionLockKey(ps.Owner, ps.Asset), e.cfg.LockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: position busy: %w", err)
	}
	defer unlock()

	// Re-read under the lock: approval may race execution or cancellation.
	ps, err = e.pendingSells.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: pending sell %s: %w", id, err)
	}
	if ps.Status != domain.PendingSellPending {
		return domain.Position{}, fmt.Errorf("engine: pending sell %s is %s: %w", id, ps.Status, domain.ErrNotFound)
	}

	pos, err := e.positions.Get(ctx, ps.Owner, ps.Asset)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: position for sell: %w", err)
	}
	if !pos.Open() || pos.Quantity <= 0 {
		if _, err := e.pendingSells.Delete(ctx, ps.Owner, ps.Asset); err != nil {
			e.logger.WarnContext(ctx, "drop orphaned pending sell failed",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
		}
		return domain.Position{}, fmt.Errorf("engine: position already closed: %w", domain.ErrNotFound)
	}

	strat, err := strategy.Lookup(pos.Strategy)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: strategy for position: %w", err)
	}
	updated, err := e.settleSell(ctx, pos, strat, ps.SellPct, ps.Quantity, ps.CurrentPrice, ps.Reason, signature)
	if err != nil {
		return domain.Position{}, err
	}

	ps.Status = domain.PendingSellExecuted
	if err := e.pendingSells.Put(ctx, ps); err != nil {
		e.logger.WarnContext(ctx, "mark pending sell executed failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
	return updated, nil
}

// CancelPendingSell discards a staged exit without executing it. The entry
// stays visible as cancelled until the registry reaps it; the next tick that
// still satisfies the strategy stages a fresh one after the debounce.
func (e *Engine) CancelPendingSell(ctx context.Context, id string) error {
	ps, err := e.pendingSells.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("engine: pending sell %s: %w", id, err)
	}
	if ps.Status != domain.PendingSellPending {
		return fmt.Errorf("engine: pending sell %s is %s: %w", id, ps.Status, domain.ErrNotFound)
	}

	ps.Status = domain.PendingSellCancelled
	if err := e.pendingSells.Put(ctx, ps); err != nil {
		return fmt.Errorf("engine: cancel pending sell: %w", err)
	}
	e.auditLog(ctx, "sell_cancelled", map[string]any{
		"id":    id,
		"owner": ps.Owner,
		"asset": ps.Asset,
	})
	return nil
}

// executeSell runs the full sell path without staging: quote, build, submit,
// settle. Caller holds the position lock.
func (e *Engine) executeSell(ctx context.Context, pos domain.Position, strat domain.ExitStrategy, decision domain.ExitDecision, price float64) error {
	sellQty := pos.Quantity * decision.SellPct / 100
	if sellQty > pos.Quantity {
		sellQty = pos.Quantity
	}

	quote, err := e.agg.GetQuote(ctx, pos.Asset, e.cfg.QuoteAsset, sellQty, e.slippageFor(0))
	if err != nil {
		return fmt.Errorf("engine: quote sell: %w", err)
	}

	signer, err := e.sellSigner(ctx, pos)
	if err != nil {
		return err
	}
	sig, err := e.submitSwap(ctx, quote, signer)
	if err != nil {
		return fmt.Errorf("engine: submit sell: %w", err)
	}

	_, err = e.settleSell(ctx, pos, strat, decision.SellPct, sellQty, price, decision.Reason, sig)
	return err
}

// sellSigner resolves the identity holding the position's inventory.
func (e *Engine) sellSigner(ctx context.Context, pos domain.Position) (domain.Signer, error) {
	if e.signers == nil {
		return nil, fmt.Errorf("engine: no signing key configured")
	}
	if pos.Private && pos.ExecAddress != "" {
		signer, err := e.signers.ResolveAddress(ctx, pos.ExecAddress)
		if err != nil {
			return nil, fmt.Errorf("engine: resolve exec identity %s: %w", pos.ExecAddress, err)
		}
		return signer, nil
	}
	signer, err := e.signers.ResolveOwner(ctx, pos.Owner)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve signer: %w", err)
	}
	return signer, nil
}

// settleSell applies a confirmed sell to the position, records the trade,
// and kicks off the proceeds sweep when a private position fully closes.
func (e *Engine) settleSell(ctx context.Context, pos domain.Position, strat domain.ExitStrategy, sellPct, sellQty, price float64, reason, sig string) (domain.Position, error) {
	executedAt := time.Now().UTC()

	var (
		updated domain.Position
		err     error
	)
	if sellPct >= 100 {
		updated, err = e.positions.Close(ctx, pos.Owner, pos.Asset)
	} else {
		updated, err = e.positions.IncrementExitStage(ctx, pos.Owner, pos.Asset, sellQty, len(strat.Stages))
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: settle sell: %w", err)
	}

	trade := domain.Trade{
		ID:         sig,
		Owner:      pos.Owner,
		Asset:      pos.Asset,
		Side:       domain.TradeSideSell,
		Quantity:   sellQty,
		Amount:     sellQty * price,
		Price:      price,
		Signature:  sig,
		Wallet:     pos.ExecAddress,
		Strategy:   pos.Strategy,
		ExecutedAt: executedAt,
	}
	if trade.Wallet == "" && e.signers != nil {
		if signer, err := e.signers.ResolveOwner(ctx, pos.Owner); err == nil {
			trade.Wallet = signer.Address()
		}
	}
	if err := e.trades.Insert(ctx, trade); err != nil {
		e.logger.ErrorContext(ctx, "trade insert failed",
			slog.String("signature", sig),
			slog.String("error", err.Error()),
		)
	}

	e.auditLog(ctx, "sell_executed", map[string]any{
		"owner":     pos.Owner,
		"asset":     pos.Asset,
		"sell_pct":  sellPct,
		"quantity":  sellQty,
		"price":     price,
		"reason":    reason,
		"signature": sig,
		"private":   pos.Private,
	})
	if payload, err := json.Marshal(trade); err == nil {
		e.publish(ctx, "trade_executed", payload)
	}
	e.logger.InfoContext(ctx, "sell executed",
		slog.String("owner", pos.Owner),
		slog.String("asset", pos.Asset),
		slog.Float64("sell_pct", sellPct),
		slog.String("reason", reason),
		slog.String("status", string(updated.Status)),
	)
	e.notify(ctx, "sell_executed", "Exit executed",
		fmt.Sprintf("%s sold %.6f %s at %.6f (%s)", pos.Owner, sellQty, pos.Asset, price, reason))

	if updated.Status == domain.PositionStatusClosed {
		if payload, err := json.Marshal(updated); err == nil {
			e.publish(ctx, "position_closed", payload)
		}
		e.lastExit.Clear(positionLockKey(pos.Owner, pos.Asset))

		if pos.Private && pos.ExecAddress != "" {
			e.scheduleProceedsSweep(pos.Owner, pos.ExecAddress)
		}
	}
	return updated, nil
}

// scheduleProceedsSweep sweeps a closed private position's proceeds from its
// one-time identity back into the shielded balance once the swap settles,
// then discards the identity. Runs detached: the sweep must survive the
// request that triggered the close.
func (e *Engine) scheduleProceedsSweep(owner, address string) {
	if e.signers == nil {
		e.logger.Warn("no signing key configured, proceeds sweep needs manual handling",
			slog.String("owner", owner),
			slog.String("address", address),
		)
		return
	}
	go func() {
		time.Sleep(e.cfg.SettleDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := e.sweepProceeds(ctx, owner, address); err != nil {
			e.logger.ErrorContext(ctx, "proceeds sweep failed, identity retained",
				slog.String("owner", owner),
				slog.String("address", address),
				slog.String("error", err.Error()),
			)
			e.notify(ctx, "sweep_failed", "Proceeds sweep failed",
				fmt.Sprintf("%s: funds remain at %s, manual sweep needed", owner, address))
		}
	}()
}

func (e *Engine) sweepProceeds(ctx context.Context, owner, address string) error {
	signer, err := e.signers.ResolveAddress(ctx, address)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	balance, err := e.ledger.Balance(ctx, address)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	if balance > 0 {
		if err := e.shield.Deposit(ctx, owner, signer, balance); err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
	}

	if err := e.signers.Discard(ctx, address); err != nil {
		return fmt.Errorf("discard identity: %w", err)
	}

	e.auditLog(ctx, "proceeds_swept", map[string]any{
		"owner":   owner,
		"address": address,
		"amount":  balance,
	})
	e.logger.Info("proceeds swept",
		slog.String("owner", owner),
		slog.Float64("amount", balance),
	)
	return nil
}
