package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// PendingSellRegistry implements domain.PendingSellRegistry using Redis. The
// canonical entry lives at "pending_sell:{owner}:{asset}" so a position can
// carry at most one staged sell; a secondary key "pending_sell_id:{id}"
// points back at it for ID-based lookups. Both keys share the same TTL so
// they expire together.
type PendingSellRegistry struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ domain.PendingSellRegistry = (*PendingSellRegistry)(nil)

// NewPendingSellRegistry creates a PendingSellRegistry backed by the given
// Client. Entries expire after ttl.
func NewPendingSellRegistry(c *Client, ttl time.Duration) *PendingSellRegistry {
	return &PendingSellRegistry{rdb: c.Underlying(), ttl: ttl}
}

func pendingSellKey(owner, asset string) string {
	return "pending_sell:" + owner + ":" + asset
}

func pendingSellIDKey(id string) string {
	return "pending_sell_id:" + id
}

// Put upserts the staged sell for (owner, asset) and refreshes the ID index.
func (r *PendingSellRegistry) Put(ctx context.Context, ps domain.PendingSell) error {
	data, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("redis: marshal pending sell: %w", err)
	}
	key := pendingSellKey(ps.Owner, ps.Asset)

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, key, data, r.ttl)
	pipe.Set(ctx, pendingSellIDKey(ps.ID), key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put pending sell %s: %w", key, err)
	}
	return nil
}

// GetActive returns the staged sell for (owner, asset), or domain.ErrNotFound.
func (r *PendingSellRegistry) GetActive(ctx context.Context, owner, asset string) (domain.PendingSell, error) {
	return r.getByKey(ctx, pendingSellKey(owner, asset))
}

// GetByID resolves the ID index and returns the staged sell.
func (r *PendingSellRegistry) GetByID(ctx context.Context, id string) (domain.PendingSell, error) {
	key, err := r.rdb.Get(ctx, pendingSellIDKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PendingSell{}, domain.ErrNotFound
		}
		return domain.PendingSell{}, fmt.Errorf("redis: resolve pending sell id %s: %w", id, err)
	}
	return r.getByKey(ctx, key)
}

func (r *PendingSellRegistry) getByKey(ctx context.Context, key string) (domain.PendingSell, error) {
	data, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PendingSell{}, domain.ErrNotFound
		}
		return domain.PendingSell{}, fmt.Errorf("redis: get pending sell %s: %w", key, err)
	}

	var ps domain.PendingSell
	if err := json.Unmarshal(data, &ps); err != nil {
		return domain.PendingSell{}, fmt.Errorf("redis: unmarshal pending sell %s: %w", key, err)
	}
	return ps, nil
}

// Delete removes the staged sell for (owner, asset) and its ID index entry,
// reporting whether one existed.
func (r *PendingSellRegistry) Delete(ctx context.Context, owner, asset string) (bool, error) {
	key := pendingSellKey(owner, asset)

	ps, err := r.getByKey(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.Del(ctx, pendingSellIDKey(ps.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: delete pending sell %s: %w", key, err)
	}
	return true, nil
}

// ListByOwner scans all staged sells and returns the ones belonging to owner.
func (r *PendingSellRegistry) ListByOwner(ctx context.Context, owner string) ([]domain.PendingSell, error) {
	var out []domain.PendingSell

	iter := r.rdb.Scan(ctx, 0, pendingSellKey(owner, "*"), 100).Iterator()
	for iter.Next(ctx) {
		ps, err := r.getByKey(ctx, iter.Val())
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue // expired between scan and get
			}
			return nil, err
		}
		out = append(out, ps)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan pending sells: %w", err)
	}
	return out, nil
}

// Count returns the number of currently staged sells.
func (r *PendingSellRegistry) Count(ctx context.Context) (int64, error) {
	var n int64
	iter := r.rdb.Scan(ctx, 0, "pending_sell:*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis: count pending sells: %w", err)
	}
	return n, nil
}

// PurgeExpired removes staged sells whose recorded expiry has passed. Redis
// TTLs normally handle this; the sweep only catches entries written with a
// stale clock or rewritten without a refresh.
func (r *PendingSellRegistry) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	var purged int

	iter := r.rdb.Scan(ctx, 0, "pending_sell:*", 100).Iterator()
	for iter.Next(ctx) {
		ps, err := r.getByKey(ctx, iter.Val())
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return purged, err
		}
		if !ps.Stale(now) {
			continue
		}

		pipe := r.rdb.TxPipeline()
		pipe.Del(ctx, iter.Val())
		pipe.Del(ctx, pendingSellIDKey(ps.ID))
		if _, err := pipe.Exec(ctx); err != nil {
			return purged, fmt.Errorf("redis: purge pending sell %s: %w", iter.Val(), err)
		}
		purged++
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("redis: scan pending sells: %w", err)
	}
	return purged, nil
}
