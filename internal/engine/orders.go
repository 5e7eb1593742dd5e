package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/swapbot/internal/domain"
	"github.com/halcyonlabs/swapbot/internal/strategy"
)

// CreateOrderInput carries the user-supplied fields of a new DCA order.
type CreateOrderInput struct {
	Owner           string
	Asset           string
	Kind            domain.OrderKind
	TotalBudget     float64
	NumBuys         int
	IntervalMinutes int
	ExitStrategy    string
	SlippageBps     int
	Private         bool
}

// validate reports every problem with the input at once.
func (in CreateOrderInput) validate() error {
	var errs []string
	if strings.TrimSpace(in.Owner) == "" {
		errs = append(errs, "owner is required")
	}
	if strings.TrimSpace(in.Asset) == "" {
		errs = append(errs, "asset is required")
	}
	switch in.Kind {
	case domain.OrderKindTime, domain.OrderKindPrice:
	default:
		errs = append(errs, fmt.Sprintf("unknown order kind %q", in.Kind))
	}
	if in.TotalBudget <= 0 {
		errs = append(errs, "total budget must be positive")
	}
	if in.NumBuys < 1 {
		errs = append(errs, "num buys must be at least 1")
	}
	if in.IntervalMinutes < 1 {
		errs = append(errs, "interval must be at least 1 minute")
	}
	if in.SlippageBps < 0 || in.SlippageBps > 10_000 {
		errs = append(errs, "slippage must be between 0 and 10000 bps")
	}
	if len(errs) > 0 {
		return fmt.Errorf("engine: invalid order: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CreateOrder validates and persists a new DCA order. The first buy is due
// immediately; the scheduler picks it up on its next tick. Price-sized
// orders snapshot the current price as their sizing reference.
func (e *Engine) CreateOrder(ctx context.Context, in CreateOrderInput) (domain.DCAOrder, error) {
	if err := in.validate(); err != nil {
		return domain.DCAOrder{}, err
	}
	if _, err := strategy.Lookup(in.ExitStrategy); err != nil {
		return domain.DCAOrder{}, fmt.Errorf("engine: create order: %w", err)
	}

	order := domain.DCAOrder{
		ID:              uuid.NewString(),
		Owner:           in.Owner,
		Asset:           in.Asset,
		Kind:            in.Kind,
		TotalBudget:     in.TotalBudget,
		NumBuys:         in.NumBuys,
		IntervalMinutes: in.IntervalMinutes,
		ExitStrategy:    in.ExitStrategy,
		SlippageBps:     in.SlippageBps,
		Status:          domain.DCAStatusActive,
		Private:         in.Private,
		CreatedAt:       time.Now().UTC(),
	}

	if in.Kind == domain.OrderKindPrice {
		price, err := e.prices.GetPrice(ctx, in.Asset)
		if err != nil {
			return domain.DCAOrder{}, fmt.Errorf("engine: reference price for %s: %w", in.Asset, err)
		}
		order.ReferencePrice = price
	}

	if err := e.orders.Create(ctx, order); err != nil {
		return domain.DCAOrder{}, fmt.Errorf("engine: create order: %w", err)
	}

	e.auditLog(ctx, "order_created", map[string]any{
		"order_id": order.ID,
		"owner":    order.Owner,
		"asset":    order.Asset,
		"kind":     string(order.Kind),
		"budget":   order.TotalBudget,
		"num_buys": order.NumBuys,
		"private":  order.Private,
	})
	e.logger.InfoContext(ctx, "order created",
		slog.String("order_id", order.ID),
		slog.String("owner", order.Owner),
		slog.String("asset", order.Asset),
		slog.String("kind", string(order.Kind)),
	)
	return order, nil
}

// GetOrder returns the order with its buy trail.
func (e *Engine) GetOrder(ctx context.Context, id string) (domain.DCAOrder, error) {
	return e.orders.Get(ctx, id)
}

// ListOrders returns the owner's orders, newest first, without buy trails.
func (e *Engine) ListOrders(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.DCAOrder, error) {
	return e.orders.ListByOwner(ctx, owner, opts)
}

// PauseOrder suspends scheduling for an active order.
func (e *Engine) PauseOrder(ctx context.Context, id string) error {
	return e.setOrderStatus(ctx, id, domain.DCAStatusPaused)
}

// ResumeOrder reactivates a paused order. The buy cadence resumes from the
// stored NextBuyAt; buys missed while paused do not replay in a burst.
func (e *Engine) ResumeOrder(ctx context.Context, id string) error {
	return e.setOrderStatus(ctx, id, domain.DCAStatusActive)
}

// CancelOrder terminates the order and discards any staged buy for it.
func (e *Engine) CancelOrder(ctx context.Context, id string) error {
	if err := e.setOrderStatus(ctx, id, domain.DCAStatusCancelled); err != nil {
		return err
	}

	// Drop the staged pending buy, if any. The order is already cancelled,
	// so a failure here only leaves an entry that the TTL will reap.
	order, err := e.orders.Get(ctx, id)
	if err == nil {
		if _, err := e.pendingBuys.Delete(ctx, id, order.CurrentBuy+1); err != nil {
			e.logger.WarnContext(ctx, "discard pending buy failed",
				slog.String("order_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (e *Engine) setOrderStatus(ctx context.Context, id string, status domain.DCAOrderStatus) error {
	unlock, err := e.locks.Acquire(ctx, orderLockKey(id), e.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("engine: order %s busy: %w", id, err)
	}
	defer unlock()

	if err := e.orders.SetStatus(ctx, id, status); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("engine: set order %s status: %w", id, err)
	}

	e.auditLog(ctx, "order_"+string(status), map[string]any{"order_id": id})
	e.logger.InfoContext(ctx, "order status changed",
		slog.String("order_id", id),
		slog.String("status", string(status)),
	)
	return nil
}
