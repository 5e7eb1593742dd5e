package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// PendingBuyRegistry is an in-memory domain.PendingBuyRegistry. Expiry is
// checked lazily on read against the entry deadline.
type PendingBuyRegistry struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]pendingBuyEntry
}

type pendingBuyEntry struct {
	pb       domain.PendingBuy
	deadline time.Time
}

var _ domain.PendingBuyRegistry = (*PendingBuyRegistry)(nil)

// NewPendingBuyRegistry creates an empty registry with the given TTL.
func NewPendingBuyRegistry(ttl time.Duration) *PendingBuyRegistry {
	return &PendingBuyRegistry{ttl: ttl, entries: make(map[string]pendingBuyEntry)}
}

func buyKey(orderID string, buyNumber int) string {
	return fmt.Sprintf("%s:%d", orderID, buyNumber)
}

func (r *PendingBuyRegistry) Put(ctx context.Context, pb domain.PendingBuy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[buyKey(pb.OrderID, pb.BuyNumber)] = pendingBuyEntry{
		pb:       pb,
		deadline: time.Now().Add(r.ttl),
	}
	return nil
}

func (r *PendingBuyRegistry) Get(ctx context.Context, orderID string, buyNumber int) (domain.PendingBuy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[buyKey(orderID, buyNumber)]
	if !ok || time.Now().After(e.deadline) {
		return domain.PendingBuy{}, domain.ErrNotFound
	}
	return e.pb, nil
}

func (r *PendingBuyRegistry) Delete(ctx context.Context, orderID string, buyNumber int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := buyKey(orderID, buyNumber)
	e, ok := r.entries[key]
	if !ok {
		return false, nil
	}
	delete(r.entries, key)
	return !time.Now().After(e.deadline), nil
}

func (r *PendingBuyRegistry) ListByOwner(ctx context.Context, owner string) ([]domain.PendingBuy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var out []domain.PendingBuy
	for _, e := range r.entries {
		if e.pb.Owner == owner && !now.After(e.deadline) {
			out = append(out, e.pb)
		}
	}
	return out, nil
}

func (r *PendingBuyRegistry) Count(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var n int64
	for _, e := range r.entries {
		if !now.After(e.deadline) {
			n++
		}
	}
	return n, nil
}

// PendingSellRegistry is an in-memory domain.PendingSellRegistry.
type PendingSellRegistry struct {
	mu      sync.RWMutex
	entries map[string]domain.PendingSell // keyed owner:asset
	byID    map[string]string             // id -> owner:asset
}

var _ domain.PendingSellRegistry = (*PendingSellRegistry)(nil)

// NewPendingSellRegistry creates an empty registry. Expiry follows each
// entry's ExpiresAt rather than a registry-wide TTL.
func NewPendingSellRegistry() *PendingSellRegistry {
	return &PendingSellRegistry{
		entries: make(map[string]domain.PendingSell),
		byID:    make(map[string]string),
	}
}

func sellKey(owner, asset string) string {
	return owner + ":" + asset
}

func (r *PendingSellRegistry) Put(ctx context.Context, ps domain.PendingSell) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sellKey(ps.Owner, ps.Asset)
	if prev, ok := r.entries[key]; ok {
		delete(r.byID, prev.ID)
	}
	r.entries[key] = ps
	r.byID[ps.ID] = key
	return nil
}

func (r *PendingSellRegistry) GetActive(ctx context.Context, owner, asset string) (domain.PendingSell, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ps, ok := r.entries[sellKey(owner, asset)]
	if !ok || ps.Stale(time.Now()) {
		return domain.PendingSell{}, domain.ErrNotFound
	}
	return ps, nil
}

// GetByID returns the entry even past its payload expiry: a stale entry is
// still confirmable, its payload just has to be rebuilt. Only PurgeExpired
// makes entries unreachable.
func (r *PendingSellRegistry) GetByID(ctx context.Context, id string) (domain.PendingSell, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.byID[id]
	if !ok {
		return domain.PendingSell{}, domain.ErrNotFound
	}
	ps, ok := r.entries[key]
	if !ok {
		return domain.PendingSell{}, domain.ErrNotFound
	}
	return ps, nil
}

func (r *PendingSellRegistry) Delete(ctx context.Context, owner, asset string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sellKey(owner, asset)
	ps, ok := r.entries[key]
	if !ok {
		return false, nil
	}
	delete(r.entries, key)
	delete(r.byID, ps.ID)
	return true, nil
}

func (r *PendingSellRegistry) ListByOwner(ctx context.Context, owner string) ([]domain.PendingSell, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.PendingSell
	for _, ps := range r.entries {
		if ps.Owner == owner {
			out = append(out, ps)
		}
	}
	return out, nil
}

func (r *PendingSellRegistry) Count(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.entries)), nil
}

func (r *PendingSellRegistry) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged int
	for key, ps := range r.entries {
		if ps.Stale(now) {
			delete(r.entries, key)
			delete(r.byID, ps.ID)
			purged++
		}
	}
	return purged, nil
}
