package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/halcyonlabs/swapbot/internal/domain"
	"github.com/halcyonlabs/swapbot/internal/engine"
)

// OrderService defines the methods the order handler requires from the
// engine.
type OrderService interface {
	CreateOrder(ctx context.Context, in engine.CreateOrderInput) (domain.DCAOrder, error)
	GetOrder(ctx context.Context, id string) (domain.DCAOrder, error)
	ListOrders(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.DCAOrder, error)
	PauseOrder(ctx context.Context, id string) error
	ResumeOrder(ctx context.Context, id string) error
	CancelOrder(ctx context.Context, id string) error
}

// OrderHandler serves DCA order endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logger}
}

// createOrderRequest is the JSON body for creating a DCA order.
type createOrderRequest struct {
	Owner           string  `json:"owner"`
	Asset           string  `json:"asset"`
	Kind            string  `json:"kind"`
	TotalBudget     float64 `json:"total_budget"`
	NumBuys         int     `json:"num_buys"`
	IntervalMinutes int     `json:"interval_minutes"`
	ExitStrategy    string  `json:"exit_strategy"`
	SlippageBps     int     `json:"slippage_bps"`
	Private         bool    `json:"private"`
}

// CreateOrder creates a new DCA order.
// POST /api/orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	order, err := h.orders.CreateOrder(r.Context(), engine.CreateOrderInput{
		Owner:           req.Owner,
		Asset:           req.Asset,
		Kind:            domain.OrderKind(req.Kind),
		TotalBudget:     req.TotalBudget,
		NumBuys:         req.NumBuys,
		IntervalMinutes: req.IntervalMinutes,
		ExitStrategy:    req.ExitStrategy,
		SlippageBps:     req.SlippageBps,
		Private:         req.Private,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrPriceUnavailable) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: create order failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

// listOrdersResponse wraps the list orders response.
type listOrdersResponse struct {
	Orders []domain.DCAOrder `json:"orders"`
}

// ListOrders returns the owner's DCA orders.
// GET /api/orders?owner=...&limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}

	orders, err := h.orders.ListOrders(r.Context(), owner, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list orders failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	if orders == nil {
		orders = []domain.DCAOrder{}
	}

	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}

// GetOrder returns one order with its buy trail.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get order failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// PauseOrder suspends scheduling for an order.
// POST /api/orders/{id}/pause
func (h *OrderHandler) PauseOrder(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.orders.PauseOrder, "paused")
}

// ResumeOrder reactivates a paused order.
// POST /api/orders/{id}/resume
func (h *OrderHandler) ResumeOrder(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.orders.ResumeOrder, "active")
}

// CancelOrder terminates an order.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.orders.CancelOrder, "cancelled")
}

func (h *OrderHandler) setStatus(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error, status string) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	if err := op(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, domain.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "order cannot transition to "+status)
		case errors.Is(err, domain.ErrLockHeld):
			writeError(w, http.StatusConflict, "order is busy, retry shortly")
		default:
			h.logger.ErrorContext(r.Context(), "handler: order status change failed",
				slog.String("order_id", id),
				slog.String("status", status),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to update order")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"order_id": id,
	})
}
