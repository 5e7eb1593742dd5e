package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// EventSource is the durable slice of the signal bus the events handler
// reads from.
type EventSource interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// eventChannels are the streams the engine appends to and the API replays.
var eventChannels = map[string]bool{
	"trade_executed":  true,
	"position_closed": true,
}

// EventsHandler replays engine events from the durable stream so consumers
// that missed the live WebSocket push can catch up.
type EventsHandler struct {
	source EventSource
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(source EventSource, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{source: source, logger: logger}
}

// streamEvent is one replayed event. Payload carries the original JSON the
// engine published.
type streamEvent struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// ListEvents replays events from one channel's durable stream, oldest first,
// starting after the given stream ID.
// GET /api/events/{channel}?after=<stream-id>&limit=100
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	channel := pathParam(r, "channel")
	if !eventChannels[channel] {
		writeError(w, http.StatusNotFound, "unknown event channel")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}
	after := r.URL.Query().Get("after")

	msgs, err := h.source.StreamRead(r.Context(), "events:"+channel, after, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read event stream failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	events := make([]streamEvent, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, streamEvent{ID: m.ID, Payload: json.RawMessage(m.Payload)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel": channel,
		"events":  events,
	})
}
