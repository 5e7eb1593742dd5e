package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// PositionService defines the methods the position handler requires from
// the engine.
type PositionService interface {
	GetPosition(ctx context.Context, owner, asset string) (domain.Position, error)
	ListPositions(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error)
	ListActivePositions(ctx context.Context) ([]domain.Position, error)
	ManualExit(ctx context.Context, owner, asset string, sellPct float64) (domain.Position, error)
}

// PositionHandler serves position endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, logger: logger}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns an owner's positions, or every open position when no
// owner is given.
// GET /api/positions?owner=...&limit=50&offset=0
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")

	var (
		positions []domain.Position
		err       error
	)
	if owner != "" {
		positions, err = h.positions.ListPositions(r.Context(), owner, parseListOpts(r))
	} else {
		positions, err = h.positions.ListActivePositions(r.Context())
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns the position for (owner, asset).
// GET /api/positions/{owner}/{asset}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	owner, asset := pathParam(r, "owner"), pathParam(r, "asset")
	if owner == "" || asset == "" {
		writeError(w, http.StatusBadRequest, "missing owner or asset")
		return
	}

	pos, err := h.positions.GetPosition(r.Context(), owner, asset)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("owner", owner),
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// exitRequest is the JSON body for a manual exit. SellPct defaults to a full
// exit when omitted.
type exitRequest struct {
	SellPct float64 `json:"sell_pct"`
}

// ExitPosition sells part or all of a position at market.
// POST /api/positions/{owner}/{asset}/exit
func (h *PositionHandler) ExitPosition(w http.ResponseWriter, r *http.Request) {
	owner, asset := pathParam(r, "owner"), pathParam(r, "asset")
	if owner == "" || asset == "" {
		writeError(w, http.StatusBadRequest, "missing owner or asset")
		return
	}

	req := exitRequest{SellPct: 100}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	pos, err := h.positions.ManualExit(r.Context(), owner, asset, req.SellPct)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "no open position")
		case errors.Is(err, domain.ErrLockHeld):
			writeError(w, http.StatusConflict, "position is busy, retry shortly")
		default:
			h.logger.ErrorContext(r.Context(), "handler: manual exit failed",
				slog.String("owner", owner),
				slog.String("asset", asset),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to exit position")
		}
		return
	}

	writeJSON(w, http.StatusOK, pos)
}
