package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/halcyonlabs/swapbot/internal/domain"
	"github.com/halcyonlabs/swapbot/internal/strategy"
)

// RunScheduler drives the DCA loop until the context is cancelled: every
// tick it finds due orders and stages or executes their next buy.
func (e *Engine) RunScheduler(ctx context.Context) error {
	e.logger.InfoContext(ctx, "scheduler started",
		slog.Duration("interval", e.cfg.TickInterval),
		slog.Bool("auto_execute", e.cfg.AutoExecute),
	)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.InfoContext(ctx, "scheduler stopped")
			return ctx.Err()
		case now := <-ticker.C:
			if err := e.Tick(ctx, now.UTC()); err != nil {
				e.logger.ErrorContext(ctx, "scheduler tick failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Tick processes every order whose next buy is due. Failures on one order
// do not block the others; the order stays due and the next tick retries.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	ready, err := e.orders.ListReady(ctx, now)
	if err != nil {
		return fmt.Errorf("engine: list ready orders: %w", err)
	}

	for _, order := range ready {
		if err := e.processDue(ctx, order.ID); err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				continue // another worker has it
			}
			e.logger.WarnContext(ctx, "order buy failed",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// processDue stages or executes the next buy of one due order. The order is
// re-read under its lock because the ready snapshot carries no buy trail
// and may be stale.
func (e *Engine) processDue(ctx context.Context, orderID string) error {
	unlock, err := e.locks.Acquire(ctx, orderLockKey(orderID), e.cfg.LockTTL)
	if err != nil {
		return err
	}
	defer unlock()

	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("engine: load order: %w", err)
	}
	now := time.Now().UTC()
	if order.Status != domain.DCAStatusActive {
		return nil
	}
	if order.NextBuyAt != nil && order.NextBuyAt.After(now) {
		return nil
	}

	price, err := e.currentPrice(ctx, order.Asset)
	if err != nil {
		return fmt.Errorf("engine: price for %s: %w", order.Asset, err)
	}

	amount := NextBuyAmount(order, price)
	if amount <= 0 {
		e.logger.WarnContext(ctx, "order has no budget left, cancelling",
			slog.String("order_id", order.ID),
		)
		return e.orders.SetStatus(ctx, order.ID, domain.DCAStatusCancelled)
	}

	if e.cfg.AutoExecute {
		_, err := e.executeBuy(ctx, order, amount, price)
		return err
	}
	return e.stageBuy(ctx, order, amount, price)
}

// stageBuy parks the sized buy for manual confirmation. Re-staging the same
// buy number refreshes the entry and its TTL rather than duplicating it.
func (e *Engine) stageBuy(ctx context.Context, order domain.DCAOrder, amount, price float64) error {
	pb := domain.PendingBuy{
		OrderID:      order.ID,
		BuyNumber:    order.CurrentBuy + 1,
		Owner:        order.Owner,
		Asset:        order.Asset,
		Amount:       amount,
		PricedAt:     price,
		EstimatedQty: amount / price,
		SlippageBps:  e.slippageFor(order.SlippageBps),
		ExitStrategy: order.ExitStrategy,
		Private:      order.Private,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.pendingBuys.Put(ctx, pb); err != nil {
		return fmt.Errorf("engine: stage buy: %w", err)
	}

	e.logger.InfoContext(ctx, "buy staged",
		slog.String("order_id", order.ID),
		slog.Int("buy_number", pb.BuyNumber),
		slog.Float64("amount", amount),
	)
	e.notify(ctx, "buy_staged", "Buy ready for confirmation",
		fmt.Sprintf("%s buy %d/%d of %s: %.4f %s at %.6f",
			order.Owner, pb.BuyNumber, order.NumBuys, order.Asset, amount, e.cfg.QuoteAsset, price))
	return nil
}

// ListPendingBuys returns the owner's staged buys awaiting confirmation.
func (e *Engine) ListPendingBuys(ctx context.Context, owner string) ([]domain.PendingBuy, error) {
	return e.pendingBuys.ListByOwner(ctx, owner)
}

// BuyExecution carries the results of a buy the caller executed externally:
// the submitted transaction signature and the actual fill. ExecAddress names
// the one-time identity that paid, when the custodial key did not.
type BuyExecution struct {
	Signature   string
	Quantity    float64
	Spend       float64
	Price       float64
	ExecAddress string
}

// validate reports every problem with the execution results at once.
func (x BuyExecution) validate() error {
	var errs []string
	if strings.TrimSpace(x.Signature) == "" {
		errs = append(errs, "signature is required")
	}
	if x.Quantity <= 0 {
		errs = append(errs, "quantity must be positive")
	}
	if x.Spend <= 0 {
		errs = append(errs, "spend must be positive")
	}
	if x.Price <= 0 {
		errs = append(errs, "price must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("engine: invalid buy execution: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ConfirmPendingBuy records the results of a staged buy the caller executed
// externally. The engine only books the fill: it advances the order, folds
// the buy into the position, and emits the trade record; it never quotes,
// signs, or submits on this path. Confirming an entry whose order has moved
// on (already executed, cancelled, or expired) is a no-op error, never a
// duplicate buy.
func (e *Engine) ConfirmPendingBuy(ctx context.Context, orderID string, buyNumber int, exec BuyExecution) (domain.DCAOrder, error) {
	if err := exec.validate(); err != nil {
		return domain.DCAOrder{}, err
	}

	unlock, err := e.locks.Acquire(ctx, orderLockKey(orderID), e.cfg.LockTTL)
	if err != nil {
		return domain.DCAOrder{}, fmt.Errorf("engine: order %s busy: %w", orderID, err)
	}
	defer unlock()

	if _, err := e.pendingBuys.Get(ctx, orderID, buyNumber); err != nil {
		return domain.DCAOrder{}, fmt.Errorf("engine: pending buy %s/%d: %w", orderID, buyNumber, err)
	}

	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return domain.DCAOrder{}, fmt.Errorf("engine: load order: %w", err)
	}
	if order.Status != domain.DCAStatusActive || order.CurrentBuy+1 != buyNumber {
		// Stale staging entry; drop it so it cannot be confirmed again.
		if _, err := e.pendingBuys.Delete(ctx, orderID, buyNumber); err != nil {
			e.logger.WarnContext(ctx, "drop stale pending buy failed",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
		}
		return domain.DCAOrder{}, fmt.Errorf("engine: pending buy %s/%d no longer applies: %w",
			orderID, buyNumber, domain.ErrNotFound)
	}

	rec := domain.BuyRecord{
		BuyNumber:   buyNumber,
		Quantity:    exec.Quantity,
		Spend:       exec.Spend,
		Price:       exec.Price,
		Signature:   exec.Signature,
		ExecAddress: exec.ExecAddress,
		ExecutedAt:  time.Now().UTC(),
	}
	return e.recordBuy(ctx, order, rec)
}

// DismissPendingBuy discards a staged buy without executing it. The order's
// cadence is unaffected; the scheduler stages the same buy again next tick.
func (e *Engine) DismissPendingBuy(ctx context.Context, orderID string, buyNumber int) error {
	existed, err := e.pendingBuys.Delete(ctx, orderID, buyNumber)
	if err != nil {
		return fmt.Errorf("engine: dismiss pending buy: %w", err)
	}
	if !existed {
		return fmt.Errorf("engine: pending buy %s/%d: %w", orderID, buyNumber, domain.ErrNotFound)
	}
	return nil
}

// executeBuy runs the full buy path: quote, build, fund and sign, submit,
// record, and fold into the position. Caller holds the order lock and has
// verified the order is active and due.
func (e *Engine) executeBuy(ctx context.Context, order domain.DCAOrder, amount, lastPrice float64) (domain.DCAOrder, error) {
	if err := e.checkPositionCap(ctx, order.Owner, order.Asset); err != nil {
		return domain.DCAOrder{}, err
	}

	quote, err := e.agg.GetQuote(ctx, e.cfg.QuoteAsset, order.Asset, amount, e.slippageFor(order.SlippageBps))
	if err != nil {
		return domain.DCAOrder{}, fmt.Errorf("engine: quote buy: %w", err)
	}

	signer, cleanup, err := e.buySigner(ctx, order, amount)
	if err != nil {
		return domain.DCAOrder{}, err
	}

	sig, err := e.submitSwap(ctx, quote, signer)
	if err != nil {
		cleanup()
		return domain.DCAOrder{}, fmt.Errorf("engine: submit buy: %w", err)
	}

	rec := domain.BuyRecord{
		BuyNumber:   order.CurrentBuy + 1,
		Quantity:    quote.OutAmount,
		Spend:       amount,
		Price:       quote.Price,
		Signature:   sig,
		ExecAddress: signer.Address(),
		ExecutedAt:  time.Now().UTC(),
	}
	return e.recordBuy(ctx, order, rec)
}

// recordBuy books a completed buy: it advances the order, folds the fill
// into the position, drops the matching staged entry, and emits the trade
// record and events. Shared by the auto path and external confirmation.
// Caller holds the order lock.
func (e *Engine) recordBuy(ctx context.Context, order domain.DCAOrder, rec domain.BuyRecord) (domain.DCAOrder, error) {
	nextBuyAt := rec.ExecutedAt.Add(time.Duration(order.IntervalMinutes) * time.Minute)

	updated, err := e.orders.RecordBuy(ctx, order.ID, rec, nextBuyAt)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// The buy number was already consumed: a replayed confirmation
			// racing a completed one. The executed swap is the caller's to
			// reconcile; surface it loudly.
			e.logger.ErrorContext(ctx, "buy recorded twice, manual reconcile needed",
				slog.String("order_id", order.ID),
				slog.Int("buy_number", rec.BuyNumber),
				slog.String("signature", rec.Signature),
			)
		}
		return domain.DCAOrder{}, fmt.Errorf("engine: record buy: %w", err)
	}

	if err := e.applyBuyToPosition(ctx, updated, rec); err != nil {
		return domain.DCAOrder{}, err
	}

	if _, err := e.pendingBuys.Delete(ctx, order.ID, rec.BuyNumber); err != nil {
		e.logger.WarnContext(ctx, "delete consumed pending buy failed",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}

	trade := domain.Trade{
		ID:         rec.Signature,
		Owner:      order.Owner,
		Asset:      order.Asset,
		Side:       domain.TradeSideBuy,
		Quantity:   rec.Quantity,
		Amount:     rec.Spend,
		Price:      rec.Price,
		Signature:  rec.Signature,
		Wallet:     rec.ExecAddress,
		Strategy:   order.ExitStrategy,
		ExecutedAt: rec.ExecutedAt,
	}
	if err := e.trades.Insert(ctx, trade); err != nil {
		e.logger.ErrorContext(ctx, "trade insert failed",
			slog.String("signature", rec.Signature),
			slog.String("error", err.Error()),
		)
	}

	e.auditLog(ctx, "buy_executed", map[string]any{
		"order_id":   order.ID,
		"buy_number": rec.BuyNumber,
		"owner":      order.Owner,
		"asset":      order.Asset,
		"quantity":   rec.Quantity,
		"spend":      rec.Spend,
		"price":      rec.Price,
		"signature":  rec.Signature,
		"private":    order.Private,
	})
	if payload, err := json.Marshal(trade); err == nil {
		e.publish(ctx, "trade_executed", payload)
	}
	e.logger.InfoContext(ctx, "buy executed",
		slog.String("order_id", order.ID),
		slog.Int("buy_number", rec.BuyNumber),
		slog.Float64("quantity", rec.Quantity),
		slog.Float64("price", rec.Price),
	)
	e.notify(ctx, "buy_executed", "Buy executed",
		fmt.Sprintf("%s bought %.6f %s for %.4f %s (buy %d/%d)",
			order.Owner, rec.Quantity, order.Asset, rec.Spend, e.cfg.QuoteAsset, rec.BuyNumber, updated.NumBuys))

	if updated.Status == domain.DCAStatusCompleted {
		e.notify(ctx, "order_completed", "DCA order completed",
			fmt.Sprintf("%s finished all %d buys of %s", order.Owner, updated.NumBuys, order.Asset))
	}
	return updated, nil
}

// buySigner resolves the identity that pays for the buy. Custodial orders
// use the owner's managed key. Private orders mint a one-time identity and
// front it the spend from the shielded balance; the returned cleanup
// discards the identity if the buy never reaches the chain.
func (e *Engine) buySigner(ctx context.Context, order domain.DCAOrder, amount float64) (domain.Signer, func(), error) {
	if e.signers == nil {
		return nil, nil, fmt.Errorf("engine: no signing key configured")
	}
	if !order.Private {
		signer, err := e.signers.ResolveOwner(ctx, order.Owner)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: resolve signer: %w", err)
		}
		return signer, func() {}, nil
	}

	// Later buys of a private position reuse its existing one-time identity
	// so the whole holding stays at a single address for the exit sweep.
	if pos, err := e.positions.Get(ctx, order.Owner, order.Asset); err == nil &&
		pos.Open() && pos.ExecAddress != "" {
		signer, err := e.signers.ResolveAddress(ctx, pos.ExecAddress)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: resolve exec identity %s: %w", pos.ExecAddress, err)
		}
		if err := e.shield.Fund(ctx, order.Owner, signer.Address(), amount); err != nil {
			return nil, nil, fmt.Errorf("engine: fund exec identity: %w", err)
		}
		return signer, func() {}, nil
	}

	signer, err := e.signers.NewEphemeral(ctx, order.Owner)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: mint ephemeral: %w", err)
	}
	cleanup := func() {
		if err := e.signers.Discard(ctx, signer.Address()); err != nil {
			e.logger.WarnContext(ctx, "discard ephemeral failed",
				slog.String("address", signer.Address()),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := e.shield.Fund(ctx, order.Owner, signer.Address(), amount); err != nil {
		cleanup()
		if errors.Is(err, domain.ErrInsufficientShield) {
			e.notify(ctx, "shield_depleted", "Shielded balance too low",
				fmt.Sprintf("%s cannot fund a %.4f %s private buy", order.Owner, amount, e.cfg.QuoteAsset))
		}
		return nil, nil, fmt.Errorf("engine: fund ephemeral: %w", err)
	}
	// Once funded, the identity must survive until the exit sweep even if
	// the buy fails: the funded balance lives at its address.
	return signer, func() {}, nil
}

// submitSwap builds and submits the swap for a quote. A stale payload is
// rebuilt from a fresh quote exactly once; it is never resubmitted as-is.
func (e *Engine) submitSwap(ctx context.Context, quote domain.SwapQuote, signer domain.Signer) (string, error) {
	payload, err := e.agg.BuildSwap(ctx, quote, signer.Address())
	if err != nil {
		return "", fmt.Errorf("build swap: %w", err)
	}

	sig, err := e.ledger.Submit(ctx, payload.Raw, signer)
	if err == nil {
		return sig, nil
	}
	if !errors.Is(err, domain.ErrStalePayload) {
		return "", err
	}

	e.logger.WarnContext(ctx, "payload went stale, rebuilding",
		slog.String("quote_id", quote.QuoteID),
	)
	fresh, err := e.agg.GetQuote(ctx, quote.FromAsset, quote.ToAsset, quote.InAmount, quote.SlippageBps)
	if err != nil {
		return "", fmt.Errorf("requote: %w", err)
	}
	payload, err = e.agg.BuildSwap(ctx, fresh, signer.Address())
	if err != nil {
		return "", fmt.Errorf("rebuild swap: %w", err)
	}
	return e.ledger.Submit(ctx, payload.Raw, signer)
}

// applyBuyToPosition opens or extends the (owner, asset) position with the
// recorded buy. A new position snapshots its exit gating from the strategy
// configuration, not from the order's sizing kind.
func (e *Engine) applyBuyToPosition(ctx context.Context, order domain.DCAOrder, rec domain.BuyRecord) error {
	strat, err := strategy.Lookup(order.ExitStrategy)
	if err != nil {
		return fmt.Errorf("engine: strategy for position: %w", err)
	}

	pos := domain.Position{
		Owner:            order.Owner,
		Asset:            order.Asset,
		Strategy:         order.ExitStrategy,
		PercentBased:     strat.PercentBased,
		EntryPrice:       rec.Price,
		Quantity:         rec.Quantity,
		TotalCost:        rec.Spend,
		CurrentPrice:     rec.Price,
		Status:           domain.PositionStatusActive,
		Private:          order.Private,
		ExecAddress:      rec.ExecAddress,
		OpenedAt:         rec.ExecutedAt,
		UpdatedAt:        rec.ExecutedAt,
		CurrentProfitPct: 0,
	}

	err = e.positions.Create(ctx, pos)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("engine: open position: %w", err)
	}

	if _, err := e.positions.AddTo(ctx, order.Owner, order.Asset, rec.Quantity, rec.Spend, rec.Price); err != nil {
		return fmt.Errorf("engine: extend position: %w", err)
	}
	return nil
}

// checkPositionCap rejects buys that would open a new position past the
// configured cap. Buys that extend an existing position always pass.
func (e *Engine) checkPositionCap(ctx context.Context, owner, asset string) error {
	if e.cfg.MaxPositions <= 0 {
		return nil
	}

	pos, err := e.positions.Get(ctx, owner, asset)
	if err == nil && pos.Open() {
		return nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("engine: check position: %w", err)
	}

	open, err := e.positions.CountActive(ctx)
	if err != nil {
		return fmt.Errorf("engine: count positions: %w", err)
	}
	if open >= int64(e.cfg.MaxPositions) {
		return fmt.Errorf("engine: position cap %d reached", e.cfg.MaxPositions)
	}
	return nil
}
