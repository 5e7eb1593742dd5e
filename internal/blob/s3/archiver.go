package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// TradeArchivePrefix is where trade archives live in the bucket.
const TradeArchivePrefix = "archive/trades/"

// Archiver serializes aged trades to JSONL and uploads them to the archive
// bucket. Deleting the archived rows from the hot store is the caller's
// step, taken only after the upload succeeds.
type Archiver struct {
	writer domain.BlobWriter
}

// NewArchiver creates an Archiver over the given writer.
func NewArchiver(writer domain.BlobWriter) *Archiver {
	return &Archiver{writer: writer}
}

// Archive uploads the trades under archive/trades/YYYY-MM/, partitioned by
// the cutoff's year-month, and returns the object path. Each run writes its
// own timestamped object so repeated sweeps never clobber earlier batches.
func (a *Archiver) Archive(ctx context.Context, trades []domain.Trade, cutoff time.Time) (string, error) {
	if len(trades) == 0 {
		return "", nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	path := archivePath(cutoff)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive trades upload: %w", err)
	}
	return path, nil
}

// archivePath builds the object key for an archive file, e.g.
// archive/trades/2025-01/20250115T120000Z.jsonl.
func archivePath(cutoff time.Time) string {
	return fmt.Sprintf("%s%s/%s.jsonl",
		TradeArchivePrefix,
		cutoff.Format("2006-01"),
		time.Now().UTC().Format("20060102T150405Z"),
	)
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
