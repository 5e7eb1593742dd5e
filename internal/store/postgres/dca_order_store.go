package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// DCAOrderStore implements domain.DCAOrderStore using PostgreSQL. Orders live
// in dca_orders; the append-only buy trail lives in dca_order_buys keyed by
// (order_id, buy_number).
type DCAOrderStore struct {
	pool *pgxpool.Pool
}

var _ domain.DCAOrderStore = (*DCAOrderStore)(nil)

// NewDCAOrderStore creates a new DCAOrderStore backed by the given connection pool.
func NewDCAOrderStore(pool *pgxpool.Pool) *DCAOrderStore {
	return &DCAOrderStore{pool: pool}
}

const dcaSelectCols = `id, owner, asset, kind, total_budget, num_buys,
	interval_minutes, exit_strategy, slippage_bps, current_buy, status,
	reference_price, private, created_at, last_buy_at, next_buy_at`

func scanDCARow(row pgx.Row) (domain.DCAOrder, error) {
	var o domain.DCAOrder
	var kind, status string

	err := row.Scan(
		&o.ID, &o.Owner, &o.Asset, &kind,
		&o.TotalBudget, &o.NumBuys, &o.IntervalMinutes,
		&o.ExitStrategy, &o.SlippageBps,
		&o.CurrentBuy, &status,
		&o.ReferencePrice, &o.Private,
		&o.CreatedAt, &o.LastBuyAt, &o.NextBuyAt,
	)
	if err != nil {
		return domain.DCAOrder{}, err
	}
	o.Kind = domain.OrderKind(kind)
	o.Status = domain.DCAOrderStatus(status)
	return o, nil
}

func scanDCARows(rows pgx.Rows) ([]domain.DCAOrder, error) {
	var orders []domain.DCAOrder
	for rows.Next() {
		o, err := scanDCARow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// loadBuys attaches the buy trail to an order, oldest first.
func (s *DCAOrderStore) loadBuys(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, o *domain.DCAOrder) error {
	rows, err := q.Query(ctx,
		`SELECT buy_number, quantity, spend, price, signature, exec_address, executed_at
		 FROM dca_order_buys WHERE order_id = $1 ORDER BY buy_number ASC`, o.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var b domain.BuyRecord
		if err := rows.Scan(&b.BuyNumber, &b.Quantity, &b.Spend, &b.Price,
			&b.Signature, &b.ExecAddress, &b.ExecutedAt); err != nil {
			return err
		}
		o.Buys = append(o.Buys, b)
	}
	return rows.Err()
}

// Create inserts a new DCA order.
func (s *DCAOrderStore) Create(ctx context.Context, o domain.DCAOrder) error {
	const query = `
		INSERT INTO dca_orders (
			id, owner, asset, kind, total_budget, num_buys,
			interval_minutes, exit_strategy, slippage_bps, current_buy, status,
			reference_price, private, created_at, last_buy_at, next_buy_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16
		)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.Owner, o.Asset, string(o.Kind),
		o.TotalBudget, o.NumBuys, o.IntervalMinutes,
		o.ExitStrategy, o.SlippageBps,
		o.CurrentBuy, string(o.Status),
		o.ReferencePrice, o.Private,
		o.CreatedAt, o.LastBuyAt, o.NextBuyAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: create dca order %s: %w", o.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create dca order %s: %w", o.ID, err)
	}
	return nil
}

// Get retrieves an order with its full buy trail.
func (s *DCAOrderStore) Get(ctx context.Context, id string) (domain.DCAOrder, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+dcaSelectCols+` FROM dca_orders WHERE id = $1`, id)

	o, err := scanDCARow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DCAOrder{}, domain.ErrNotFound
		}
		return domain.DCAOrder{}, fmt.Errorf("postgres: get dca order %s: %w", id, err)
	}
	if err := s.loadBuys(ctx, s.pool, &o); err != nil {
		return domain.DCAOrder{}, fmt.Errorf("postgres: load buys for %s: %w", id, err)
	}
	return o, nil
}

// ListByOwner returns the owner's orders with pagination and optional time
// filtering. Buy trails are not loaded; use Get for the full record.
func (s *DCAOrderStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.DCAOrder, error) {
	query := `SELECT ` + dcaSelectCols + ` FROM dca_orders WHERE owner = $1`
	args := []any{owner}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

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
		return nil, fmt.Errorf("postgres: list dca orders by owner: %w", err)
	}
	defer rows.Close()

	orders, err := scanDCARows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan dca orders by owner: %w", err)
	}
	return orders, nil
}

// ListReady returns active orders whose next buy is due. A NULL next_buy_at
// (no buy recorded yet) counts as immediately ready.
func (s *DCAOrderStore) ListReady(ctx context.Context, now time.Time) ([]domain.DCAOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+dcaSelectCols+` FROM dca_orders
		 WHERE status = 'active' AND (next_buy_at IS NULL OR next_buy_at <= $1)
		 ORDER BY created_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ready dca orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanDCARows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ready dca orders: %w", err)
	}
	return orders, nil
}

// RecordBuy atomically appends the buy record and advances the order. The
// record's buy number must equal current_buy+1 on the locked row; a replayed
// or out-of-order number matches no row and returns ErrNotFound, which makes
// confirmation idempotent.
func (s *DCAOrderStore) RecordBuy(ctx context.Context, orderID string, rec domain.BuyRecord, nextBuyAt time.Time) (domain.DCAOrder, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.DCAOrder{}, fmt.Errorf("postgres: record buy begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+dcaSelectCols+` FROM dca_orders
		 WHERE id = $1 AND status = 'active' AND current_buy + 1 = $2
		 FOR UPDATE`, orderID, rec.BuyNumber)
	o, err := scanDCARow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DCAOrder{}, domain.ErrNotFound
		}
		return domain.DCAOrder{}, fmt.Errorf("postgres: record buy lock %s: %w", orderID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO dca_order_buys (
			order_id, buy_number, quantity, spend, price, signature, exec_address, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		orderID, rec.BuyNumber, rec.Quantity, rec.Spend, rec.Price,
		rec.Signature, rec.ExecAddress, rec.ExecutedAt,
	); err != nil {
		return domain.DCAOrder{}, fmt.Errorf("postgres: insert buy %s#%d: %w", orderID, rec.BuyNumber, err)
	}

	completed := rec.BuyNumber >= o.NumBuys
	status := domain.DCAStatusActive
	var next *time.Time
	if completed {
		status = domain.DCAStatusCompleted
	} else {
		next = &nextBuyAt
	}

	row = tx.QueryRow(ctx,
		`UPDATE dca_orders SET
			current_buy = current_buy + 1,
			status      = $2,
			last_buy_at = $3,
			next_buy_at = $4
		 WHERE id = $1
		 RETURNING `+dcaSelectCols,
		orderID, string(status), rec.ExecutedAt, next)
	o, err = scanDCARow(row)
	if err != nil {
		return domain.DCAOrder{}, fmt.Errorf("postgres: record buy update %s: %w", orderID, err)
	}

	if err := s.loadBuys(ctx, tx, &o); err != nil {
		return domain.DCAOrder{}, fmt.Errorf("postgres: record buy load trail %s: %w", orderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.DCAOrder{}, fmt.Errorf("postgres: record buy commit %s: %w", orderID, err)
	}
	return o, nil
}

// SetStatus applies a user-driven pause, resume or cancel.
func (s *DCAOrderStore) SetStatus(ctx context.Context, id string, status domain.DCAOrderStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: set status begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM dca_orders WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: set status lock %s: %w", id, err)
	}

	if !domain.ValidDCATransition(domain.DCAOrderStatus(current), status) {
		return fmt.Errorf("postgres: set status %s %s->%s: %w",
			id, current, status, domain.ErrInvalidTransition)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE dca_orders SET status = $2 WHERE id = $1`, id, string(status)); err != nil {
		return fmt.Errorf("postgres: set status %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

// CountActive returns the number of active orders.
func (s *DCAOrderStore) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dca_orders WHERE status = 'active'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active dca orders: %w", err)
	}
	return n, nil
}

// PurgeTerminalBefore deletes completed and cancelled orders created before
// the cutoff. Buy trails go with them via ON DELETE CASCADE.
func (s *DCAOrderStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dca_orders
		 WHERE status IN ('completed', 'cancelled') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge terminal dca orders: %w", err)
	}
	return tag.RowsAffected(), nil
}
