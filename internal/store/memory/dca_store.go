package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// DCAOrderStore is an in-memory domain.DCAOrderStore.
type DCAOrderStore struct {
	mu     sync.RWMutex
	orders map[string]*domain.DCAOrder
}

var _ domain.DCAOrderStore = (*DCAOrderStore)(nil)

// NewDCAOrderStore creates an empty DCAOrderStore.
func NewDCAOrderStore() *DCAOrderStore {
	return &DCAOrderStore{orders: make(map[string]*domain.DCAOrder)}
}

func copyOrder(o *domain.DCAOrder) domain.DCAOrder {
	cp := *o
	cp.Buys = append([]domain.BuyRecord(nil), o.Buys...)
	return cp
}

func (s *DCAOrderStore) Create(ctx context.Context, o domain.DCAOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := copyOrder(&o)
	s.orders[o.ID] = &cp
	return nil
}

func (s *DCAOrderStore) Get(ctx context.Context, id string) (domain.DCAOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return domain.DCAOrder{}, domain.ErrNotFound
	}
	return copyOrder(o), nil
}

func (s *DCAOrderStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.DCAOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.DCAOrder
	for _, o := range s.orders {
		if o.Owner == owner {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (s *DCAOrderStore) ListReady(ctx context.Context, now time.Time) ([]domain.DCAOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.DCAOrder
	for _, o := range s.orders {
		if o.Status != domain.DCAStatusActive {
			continue
		}
		if o.NextBuyAt == nil || !o.NextBuyAt.After(now) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *DCAOrderStore) RecordBuy(ctx context.Context, orderID string, rec domain.BuyRecord, nextBuyAt time.Time) (domain.DCAOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.Status != domain.DCAStatusActive || rec.BuyNumber != o.CurrentBuy+1 {
		return domain.DCAOrder{}, domain.ErrNotFound
	}

	o.Buys = append(o.Buys, rec)
	o.CurrentBuy++
	executed := rec.ExecutedAt
	o.LastBuyAt = &executed

	if o.CurrentBuy >= o.NumBuys {
		o.Status = domain.DCAStatusCompleted
		o.NextBuyAt = nil
	} else {
		next := nextBuyAt
		o.NextBuyAt = &next
	}
	return copyOrder(o), nil
}

func (s *DCAOrderStore) SetStatus(ctx context.Context, id string, status domain.DCAOrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !domain.ValidDCATransition(o.Status, status) {
		return domain.ErrInvalidTransition
	}
	o.Status = status
	return nil
}

func (s *DCAOrderStore) CountActive(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, o := range s.orders {
		if o.Status == domain.DCAStatusActive {
			n++
		}
	}
	return n, nil
}

func (s *DCAOrderStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, o := range s.orders {
		if o.Terminal() && o.CreatedAt.Before(cutoff) {
			delete(s.orders, id)
			n++
		}
	}
	return n, nil
}
