package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/halcyonlabs/swapbot/internal/domain"
	"github.com/halcyonlabs/swapbot/internal/engine"
)

// PendingService defines the staging methods the pending handler requires
// from the engine.
type PendingService interface {
	ListPendingBuys(ctx context.Context, owner string) ([]domain.PendingBuy, error)
	ConfirmPendingBuy(ctx context.Context, orderID string, buyNumber int, exec engine.BuyExecution) (domain.DCAOrder, error)
	DismissPendingBuy(ctx context.Context, orderID string, buyNumber int) error
	ListPendingSells(ctx context.Context, owner string) ([]domain.PendingSell, error)
	ConfirmPendingSell(ctx context.Context, id, signature string) (domain.Position, error)
	CancelPendingSell(ctx context.Context, id string) error
}

// PendingHandler serves the staged buy/sell confirmation endpoints.
type PendingHandler struct {
	pending PendingService
	logger  *slog.Logger
}

// NewPendingHandler creates a PendingHandler.
func NewPendingHandler(pending PendingService, logger *slog.Logger) *PendingHandler {
	return &PendingHandler{pending: pending, logger: logger}
}

// ListPendingBuys returns the owner's staged buys.
// GET /api/pending/buys?owner=...
func (h *PendingHandler) ListPendingBuys(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}

	buys, err := h.pending.ListPendingBuys(r.Context(), owner)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list pending buys failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list pending buys")
		return
	}
	if buys == nil {
		buys = []domain.PendingBuy{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"pending_buys": buys})
}

// confirmBuyRequest carries the execution results of an externally executed
// staged buy.
type confirmBuyRequest struct {
	Signature         string  `json:"signature"`
	Quantity          float64 `json:"quantity"`
	Spend             float64 `json:"spend"`
	Price             float64 `json:"price"`
	ExecutionIdentity string  `json:"execution_identity,omitempty"`
}

// ConfirmPendingBuy records the results of a staged buy the caller executed.
// POST /api/pending/buys/{order_id}/{buy_number}/confirm
func (h *PendingHandler) ConfirmPendingBuy(w http.ResponseWriter, r *http.Request) {
	orderID, buyNumber, ok := h.buyKey(w, r)
	if !ok {
		return
	}

	var req confirmBuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Signature) == "" {
		writeError(w, http.StatusBadRequest, "signature is required")
		return
	}
	if req.Quantity <= 0 || req.Spend <= 0 || req.Price <= 0 {
		writeError(w, http.StatusBadRequest, "quantity, spend, and price must be positive")
		return
	}

	order, err := h.pending.ConfirmPendingBuy(r.Context(), orderID, buyNumber, engine.BuyExecution{
		Signature:   req.Signature,
		Quantity:    req.Quantity,
		Spend:       req.Spend,
		Price:       req.Price,
		ExecAddress: req.ExecutionIdentity,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "pending buy not found or expired")
		case errors.Is(err, domain.ErrLockHeld):
			writeError(w, http.StatusConflict, "order is busy, retry shortly")
		default:
			h.logger.ErrorContext(r.Context(), "handler: confirm pending buy failed",
				slog.String("order_id", orderID),
				slog.Int("buy_number", buyNumber),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to confirm buy")
		}
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// DismissPendingBuy discards a staged buy without executing it.
// DELETE /api/pending/buys/{order_id}/{buy_number}
func (h *PendingHandler) DismissPendingBuy(w http.ResponseWriter, r *http.Request) {
	orderID, buyNumber, ok := h.buyKey(w, r)
	if !ok {
		return
	}

	if err := h.pending.DismissPendingBuy(r.Context(), orderID, buyNumber); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pending buy not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: dismiss pending buy failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to dismiss buy")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

// ListPendingSells returns the owner's staged exits.
// GET /api/pending/sells?owner=...
func (h *PendingHandler) ListPendingSells(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}

	sells, err := h.pending.ListPendingSells(r.Context(), owner)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list pending sells failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list pending sells")
		return
	}
	if sells == nil {
		sells = []domain.PendingSell{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"pending_sells": sells})
}

// confirmSellRequest carries the submitted transaction signature of an
// externally executed staged exit.
type confirmSellRequest struct {
	Signature string `json:"signature"`
}

// ConfirmPendingSell records the result of a staged exit the caller executed.
// POST /api/pending/sells/{id}/confirm
func (h *PendingHandler) ConfirmPendingSell(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing pending sell id")
		return
	}

	var req confirmSellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Signature) == "" {
		writeError(w, http.StatusBadRequest, "signature is required")
		return
	}

	pos, err := h.pending.ConfirmPendingSell(r.Context(), id, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "pending sell not found or already handled")
		case errors.Is(err, domain.ErrLockHeld):
			writeError(w, http.StatusConflict, "position is busy, retry shortly")
		default:
			h.logger.ErrorContext(r.Context(), "handler: confirm pending sell failed",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to confirm sell")
		}
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// CancelPendingSell discards a staged exit.
// DELETE /api/pending/sells/{id}
func (h *PendingHandler) CancelPendingSell(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing pending sell id")
		return
	}

	if err := h.pending.CancelPendingSell(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pending sell not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: cancel pending sell failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel sell")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *PendingHandler) buyKey(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	orderID := pathParam(r, "order_id")
	buyNo := pathParam(r, "buy_number")
	if orderID == "" || buyNo == "" {
		writeError(w, http.StatusBadRequest, "missing order id or buy number")
		return "", 0, false
	}
	n, err := strconv.Atoi(buyNo)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "invalid buy number")
		return "", 0, false
	}
	return orderID, n, true
}
