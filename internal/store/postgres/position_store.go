package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `owner, asset, strategy_name, percent_based,
	entry_price, quantity, total_cost, exit_stages_done, peak_profit_pct,
	current_price, current_profit_pct, status, private, exec_address,
	opened_at, closed_at, updated_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string

	err := row.Scan(
		&p.Owner, &p.Asset, &p.Strategy, &p.PercentBased,
		&p.EntryPrice, &p.Quantity, &p.TotalCost,
		&p.ExitStagesDone, &p.PeakProfitPct,
		&p.CurrentPrice, &p.CurrentProfitPct,
		&status, &p.Private, &p.ExecAddress,
		&p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new active position. A partial unique index on
// (owner, asset) for non-closed rows surfaces duplicates as ErrAlreadyExists.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			owner, asset, strategy_name, percent_based,
			entry_price, quantity, total_cost, exit_stages_done, peak_profit_pct,
			current_price, current_profit_pct, status, private, exec_address,
			opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.Owner, p.Asset, p.Strategy, p.PercentBased,
		p.EntryPrice, p.Quantity, p.TotalCost,
		p.ExitStagesDone, p.PeakProfitPct,
		p.CurrentPrice, p.CurrentProfitPct,
		string(p.Status), p.Private, p.ExecAddress,
		p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: create position %s/%s: %w", p.Owner, p.Asset, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create position %s/%s: %w", p.Owner, p.Asset, err)
	}
	return nil
}

// AddTo applies a subsequent buy to the open position, recomputing the
// weighted-average entry price from the accumulated cost and quantity.
func (s *PositionStore) AddTo(ctx context.Context, owner, asset string, addedQty, addedCost, execPrice float64) (domain.Position, error) {
	const query = `
		UPDATE positions SET
			entry_price        = (total_cost + $4) / (quantity + $3),
			quantity           = quantity + $3,
			total_cost         = total_cost + $4,
			current_price      = $5,
			current_profit_pct = ($5 / ((total_cost + $4) / (quantity + $3)) - 1.0) * 100.0,
			updated_at         = NOW()
		WHERE owner = $1 AND asset = $2 AND status <> 'closed'
		RETURNING ` + positionSelectCols

	row := s.pool.QueryRow(ctx, query, owner, asset, addedQty, addedCost, execPrice)
	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: add to position %s/%s: %w", owner, asset, err)
	}
	return p, nil
}

// MarkPrice refreshes the last-observed price and profit. The peak profit
// watermark only ever rises.
func (s *PositionStore) MarkPrice(ctx context.Context, owner, asset string, price, profitPct float64) (domain.Position, error) {
	const query = `
		UPDATE positions SET
			current_price      = $3,
			current_profit_pct = $4,
			peak_profit_pct    = GREATEST(peak_profit_pct, $4),
			updated_at         = NOW()
		WHERE owner = $1 AND asset = $2 AND status <> 'closed'
		RETURNING ` + positionSelectCols

	row := s.pool.QueryRow(ctx, query, owner, asset, price, profitPct)
	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: mark price %s/%s: %w", owner, asset, err)
	}
	return p, nil
}

// IncrementExitStage applies a partial exit. Quantity and cost shrink
// pro-rata; the position closes when the last stage is done or inventory
// runs out.
func (s *PositionStore) IncrementExitStage(ctx context.Context, owner, asset string, soldQty float64, totalStages int) (domain.Position, error) {
	const query = `
		UPDATE positions SET
			exit_stages_done = exit_stages_done + 1,
			total_cost       = CASE WHEN quantity <= $3 THEN 0
			                        ELSE total_cost * (quantity - $3) / quantity END,
			quantity         = GREATEST(quantity - $3, 0),
			status           = CASE WHEN exit_stages_done + 1 >= $4 OR quantity <= $3
			                        THEN 'closed' ELSE 'closing' END,
			closed_at        = CASE WHEN exit_stages_done + 1 >= $4 OR quantity <= $3
			                        THEN NOW() ELSE closed_at END,
			updated_at       = NOW()
		WHERE owner = $1 AND asset = $2 AND status <> 'closed'
		RETURNING ` + positionSelectCols

	row := s.pool.QueryRow(ctx, query, owner, asset, soldQty, totalStages)
	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: increment exit stage %s/%s: %w", owner, asset, err)
	}
	return p, nil
}

// Close marks the position closed and zeroes remaining inventory.
func (s *PositionStore) Close(ctx context.Context, owner, asset string) (domain.Position, error) {
	const query = `
		UPDATE positions SET
			status     = 'closed',
			quantity   = 0,
			total_cost = 0,
			closed_at  = NOW(),
			updated_at = NOW()
		WHERE owner = $1 AND asset = $2 AND status <> 'closed'
		RETURNING ` + positionSelectCols

	row := s.pool.QueryRow(ctx, query, owner, asset)
	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: close position %s/%s: %w", owner, asset, err)
	}
	return p, nil
}

// Get returns the open position for (owner, asset), falling back to the most
// recently closed one when none is open.
func (s *PositionStore) Get(ctx context.Context, owner, asset string) (domain.Position, error) {
	const query = `
		SELECT ` + positionSelectCols + ` FROM positions
		WHERE owner = $1 AND asset = $2
		ORDER BY (status = 'closed'), opened_at DESC
		LIMIT 1`

	row := s.pool.QueryRow(ctx, query, owner, asset)
	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s/%s: %w", owner, asset, err)
	}
	return p, nil
}

// ListByOwner returns the owner's positions with pagination and optional time filtering.
func (s *PositionStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE owner = $1`
	args := []any{owner}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by owner: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by owner: %w", err)
	}
	return positions, nil
}

// ListActive returns all non-closed positions across owners.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status <> 'closed'
		 ORDER BY opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return positions, nil
}

// ListActiveByAsset returns all non-closed positions holding the given asset.
func (s *PositionStore) ListActiveByAsset(ctx context.Context, asset string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE asset = $1 AND status <> 'closed'
		 ORDER BY opened_at ASC`, asset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions by asset: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions by asset: %w", err)
	}
	return positions, nil
}

// CountActive returns the number of non-closed positions.
func (s *PositionStore) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE status <> 'closed'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active positions: %w", err)
	}
	return n, nil
}
