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

// PendingBuyRegistry implements domain.PendingBuyRegistry using Redis string
// keys with a TTL. Each staged buy lives at "pending_buy:{orderID}:{buyNo}"
// as a JSON blob; expiry is Redis-native so an unconfirmed buy simply
// disappears when its window lapses.
type PendingBuyRegistry struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ domain.PendingBuyRegistry = (*PendingBuyRegistry)(nil)

// NewPendingBuyRegistry creates a PendingBuyRegistry backed by the given
// Client. Entries expire after ttl.
func NewPendingBuyRegistry(c *Client, ttl time.Duration) *PendingBuyRegistry {
	return &PendingBuyRegistry{rdb: c.Underlying(), ttl: ttl}
}

func pendingBuyKey(orderID string, buyNumber int) string {
	return fmt.Sprintf("pending_buy:%s:%d", orderID, buyNumber)
}

// Put stages a buy, overwriting any previous entry for the same
// (orderID, buyNumber) and resetting its TTL.
func (r *PendingBuyRegistry) Put(ctx context.Context, pb domain.PendingBuy) error {
	data, err := json.Marshal(pb)
	if err != nil {
		return fmt.Errorf("redis: marshal pending buy: %w", err)
	}
	key := pendingBuyKey(pb.OrderID, pb.BuyNumber)
	if err := r.rdb.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis: put pending buy %s: %w", key, err)
	}
	return nil
}

// Get returns the staged buy, or domain.ErrNotFound when it was never staged
// or has expired.
func (r *PendingBuyRegistry) Get(ctx context.Context, orderID string, buyNumber int) (domain.PendingBuy, error) {
	key := pendingBuyKey(orderID, buyNumber)
	data, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PendingBuy{}, domain.ErrNotFound
		}
		return domain.PendingBuy{}, fmt.Errorf("redis: get pending buy %s: %w", key, err)
	}

	var pb domain.PendingBuy
	if err := json.Unmarshal(data, &pb); err != nil {
		return domain.PendingBuy{}, fmt.Errorf("redis: unmarshal pending buy %s: %w", key, err)
	}
	return pb, nil
}

// Delete removes the staged buy, reporting whether an entry existed.
func (r *PendingBuyRegistry) Delete(ctx context.Context, orderID string, buyNumber int) (bool, error) {
	key := pendingBuyKey(orderID, buyNumber)
	n, err := r.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis: delete pending buy %s: %w", key, err)
	}
	return n > 0, nil
}

// ListByOwner scans all staged buys and returns the ones belonging to owner.
func (r *PendingBuyRegistry) ListByOwner(ctx context.Context, owner string) ([]domain.PendingBuy, error) {
	var out []domain.PendingBuy

	iter := r.rdb.Scan(ctx, 0, "pending_buy:*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("redis: list pending buys: %w", err)
		}

		var pb domain.PendingBuy
		if err := json.Unmarshal(data, &pb); err != nil {
			continue
		}
		if pb.Owner == owner {
			out = append(out, pb)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan pending buys: %w", err)
	}
	return out, nil
}

// Count returns the number of currently staged buys.
func (r *PendingBuyRegistry) Count(ctx context.Context) (int64, error) {
	var n int64
	iter := r.rdb.Scan(ctx, 0, "pending_buy:*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis: count pending buys: %w", err)
	}
	return n, nil
}
