package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// ArchiveHandler serves the cold trade archive. Nil-safe: when no blob store
// is configured the endpoints report 503.
type ArchiveHandler struct {
	reader domain.BlobReader
	prefix string
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler over the given reader and key
// prefix.
func NewArchiveHandler(reader domain.BlobReader, prefix string, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{reader: reader, prefix: prefix, logger: logger}
}

// archiveEntry is one archive object in a listing.
type archiveEntry struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified"`
}

// ListArchives lists archived trade batches.
// GET /api/archives
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "archive storage not configured")
		return
	}

	infos, err := h.reader.List(r.Context(), h.prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archives failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}

	out := make([]archiveEntry, 0, len(infos))
	for _, info := range infos {
		out = append(out, archiveEntry{
			Path:         info.Path,
			Size:         info.Size,
			LastModified: info.LastModified.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"archives": out})
}

// GetArchive streams one archived JSONL batch.
// GET /api/archives/{path...}
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "archive storage not configured")
		return
	}

	path := pathParam(r, "path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing archive path")
		return
	}

	body, err := h.reader.Get(r.Context(), path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "archive not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get archive failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get archive")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(context.WithoutCancel(r.Context()), "handler: archive stream aborted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
