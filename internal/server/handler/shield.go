package handler

import (
	"context"
	"log/slog"
	"net/http"
)

// ShieldService is the slice of the shield provider the handler needs.
type ShieldService interface {
	Balance(ctx context.Context, owner string) (float64, error)
}

// ShieldHandler serves shielded balance queries.
type ShieldHandler struct {
	shield ShieldService
	logger *slog.Logger
}

// NewShieldHandler creates a ShieldHandler.
func NewShieldHandler(shield ShieldService, logger *slog.Logger) *ShieldHandler {
	return &ShieldHandler{shield: shield, logger: logger}
}

// GetBalance returns the owner's shielded balance.
// GET /api/shield/{owner}/balance
func (h *ShieldHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	owner := pathParam(r, "owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "missing owner")
		return
	}

	balance, err := h.shield.Balance(r.Context(), owner)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: shield balance failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to query shielded balance")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"owner":   owner,
		"balance": balance,
	})
}
