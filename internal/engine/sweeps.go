package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// maintenanceInterval paces the background housekeeping loop. Each pass is
// cheap; retention cutoffs inside it do the real gating.
const maintenanceInterval = 1 * time.Hour

// RunMaintenance drives the housekeeping loop until the context is
// cancelled: expired staged sells, aged terminal orders, and trade archival.
func (e *Engine) RunMaintenance(ctx context.Context) error {
	e.logger.InfoContext(ctx, "maintenance started",
		slog.Duration("interval", maintenanceInterval),
	)

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.InfoContext(ctx, "maintenance stopped")
			return ctx.Err()
		case now := <-ticker.C:
			e.Sweep(ctx, now.UTC())
		}
	}
}

// Sweep runs one housekeeping pass. Each task is independent; a failure in
// one is logged and the others still run.
func (e *Engine) Sweep(ctx context.Context, now time.Time) {
	if purged, err := e.pendingSells.PurgeExpired(ctx, now); err != nil {
		e.logger.WarnContext(ctx, "purge expired sells failed",
			slog.String("error", err.Error()),
		)
	} else if purged > 0 {
		e.logger.InfoContext(ctx, "expired staged sells purged",
			slog.Int("count", purged),
		)
	}

	if e.cfg.PurgeAfterDays > 0 {
		cutoff := now.AddDate(0, 0, -e.cfg.PurgeAfterDays)
		if n, err := e.orders.PurgeTerminalBefore(ctx, cutoff); err != nil {
			e.logger.WarnContext(ctx, "purge terminal orders failed",
				slog.String("error", err.Error()),
			)
		} else if n > 0 {
			e.logger.InfoContext(ctx, "terminal orders purged",
				slog.Int64("count", n),
			)
		}
	}

	if err := e.archiveTrades(ctx, now); err != nil {
		e.logger.WarnContext(ctx, "trade archival failed",
			slog.String("error", err.Error()),
		)
	}
}

// archiveTrades moves trades older than the retention window to the archive
// and deletes them from the hot store. Deletion only happens after the
// archive write succeeds, so a failure can duplicate trades in the archive
// but never lose them.
func (e *Engine) archiveTrades(ctx context.Context, now time.Time) error {
	if e.archiver == nil || e.cfg.ArchiveRetentionDays <= 0 {
		return nil
	}
	cutoff := now.AddDate(0, 0, -e.cfg.ArchiveRetentionDays)

	trades, err := e.trades.ListBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list trades: %w", err)
	}
	if len(trades) == 0 {
		return nil
	}

	location, err := e.archiver.Archive(ctx, trades, cutoff)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	deleted, err := e.trades.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete archived trades: %w", err)
	}

	e.auditLog(ctx, "trades_archived", map[string]any{
		"count":    deleted,
		"location": location,
		"cutoff":   cutoff,
	})
	e.logger.InfoContext(ctx, "trades archived",
		slog.Int64("count", deleted),
		slog.String("location", location),
	)
	return nil
}
