// Package memory provides in-memory implementations of the domain store and
// cache interfaces. They back unit tests and the monitor mode's dry runs;
// nothing here survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

func positionKey(owner, asset string) string {
	return owner + ":" + asset
}

// PositionStore is an in-memory domain.PositionStore.
type PositionStore struct {
	mu     sync.RWMutex
	open   map[string]*domain.Position // keyed owner:asset, non-closed only
	closed []domain.Position
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{open: make(map[string]*domain.Position)}
}

func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := positionKey(p.Owner, p.Asset)
	if _, ok := s.open[key]; ok {
		return domain.ErrAlreadyExists
	}
	cp := p
	cp.UpdatedAt = time.Now()
	s.open[key] = &cp
	return nil
}

func (s *PositionStore) AddTo(ctx context.Context, owner, asset string, addedQty, addedCost, execPrice float64) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.open[positionKey(owner, asset)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	p.TotalCost += addedCost
	p.Quantity += addedQty
	p.EntryPrice = p.TotalCost / p.Quantity
	p.CurrentPrice = execPrice
	p.CurrentProfitPct = (execPrice/p.EntryPrice - 1) * 100
	p.UpdatedAt = time.Now()
	return *p, nil
}

func (s *PositionStore) MarkPrice(ctx context.Context, owner, asset string, price, profitPct float64) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.open[positionKey(owner, asset)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	p.CurrentPrice = price
	p.CurrentProfitPct = profitPct
	if profitPct > p.PeakProfitPct {
		p.PeakProfitPct = profitPct
	}
	p.UpdatedAt = time.Now()
	return *p, nil
}

func (s *PositionStore) IncrementExitStage(ctx context.Context, owner, asset string, soldQty float64, totalStages int) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := positionKey(owner, asset)
	p, ok := s.open[key]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}

	drained := p.Quantity <= soldQty
	if drained {
		p.Quantity = 0
		p.TotalCost = 0
	} else {
		p.TotalCost *= (p.Quantity - soldQty) / p.Quantity
		p.Quantity -= soldQty
	}
	p.ExitStagesDone++

	if p.ExitStagesDone >= totalStages || drained {
		now := time.Now()
		p.Status = domain.PositionStatusClosed
		p.ClosedAt = &now
		p.UpdatedAt = now
		s.closed = append(s.closed, *p)
		delete(s.open, key)
		return s.closed[len(s.closed)-1], nil
	}

	p.Status = domain.PositionStatusClosing
	p.UpdatedAt = time.Now()
	return *p, nil
}

func (s *PositionStore) Close(ctx context.Context, owner, asset string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := positionKey(owner, asset)
	p, ok := s.open[key]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	now := time.Now()
	p.Status = domain.PositionStatusClosed
	p.Quantity = 0
	p.TotalCost = 0
	p.ClosedAt = &now
	p.UpdatedAt = now
	s.closed = append(s.closed, *p)
	delete(s.open, key)
	return s.closed[len(s.closed)-1], nil
}

func (s *PositionStore) Get(ctx context.Context, owner, asset string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.open[positionKey(owner, asset)]; ok {
		return *p, nil
	}
	// Fall back to the most recently closed position for the key.
	for i := len(s.closed) - 1; i >= 0; i-- {
		if s.closed[i].Owner == owner && s.closed[i].Asset == asset {
			return s.closed[i], nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (s *PositionStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, p := range s.open {
		if p.Owner == owner {
			out = append(out, *p)
		}
	}
	for _, p := range s.closed {
		if p.Owner == owner {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return paginate(out, opts), nil
}

func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Position, 0, len(s.open))
	for _, p := range s.open {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *PositionStore) ListActiveByAsset(ctx context.Context, asset string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, p := range s.open {
		if p.Asset == asset {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *PositionStore) CountActive(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.open)), nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
