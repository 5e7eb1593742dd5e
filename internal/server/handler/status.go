package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// StatusCounters exposes the live counts the status endpoint reports.
type StatusCounters interface {
	CountActivePositions(ctx context.Context) (int64, error)
	CountActiveOrders(ctx context.Context) (int64, error)
	CountPendingBuys(ctx context.Context) (int64, error)
	CountPendingSells(ctx context.Context) (int64, error)
}

// StatusHandler serves the backend status for the dashboard.
type StatusHandler struct {
	mode        string
	autoExecute bool
	startedAt   time.Time
	counters    StatusCounters
	logger      *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, autoExecute bool, counters StatusCounters, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:        mode,
		autoExecute: autoExecute,
		startedAt:   time.Now().UTC(),
		counters:    counters,
		logger:      logger,
	}
}

// GetStatus responds with the backend mode and live counters. Counter
// failures degrade to -1 rather than failing the whole status call.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count := func(f func(context.Context) (int64, error), what string) int64 {
		n, err := f(ctx)
		if err != nil {
			h.logger.WarnContext(ctx, "handler: status counter failed",
				slog.String("counter", what),
				slog.String("error", err.Error()),
			)
			return -1
		}
		return n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"auto_execute":   h.autoExecute,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"positions":      count(h.counters.CountActivePositions, "positions"),
		"orders":         count(h.counters.CountActiveOrders, "orders"),
		"pending_buys":   count(h.counters.CountPendingBuys, "pending_buys"),
		"pending_sells":  count(h.counters.CountPendingSells, "pending_sells"),
	})
}
