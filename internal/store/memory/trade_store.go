package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// TradeStore is an in-memory domain.TradeStore.
type TradeStore struct {
	mu     sync.RWMutex
	trades []domain.Trade
	seen   map[string]bool
}

var _ domain.TradeStore = (*TradeStore)(nil)

// NewTradeStore creates an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{seen: make(map[string]bool)}
}

func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen[t.ID] {
		return nil
	}
	s.seen[t.ID] = true
	s.trades = append(s.trades, t)
	return nil
}

func (s *TradeStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Trade
	for _, t := range s.trades {
		if t.Owner != owner {
			continue
		}
		if opts.Since != nil && t.ExecutedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && t.ExecutedAt.After(*opts.Until) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	return paginate(out, opts), nil
}

func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Trade
	for _, t := range s.trades {
		if t.ExecutedAt.Before(before) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []domain.Trade
	var n int64
	for _, t := range s.trades {
		if t.ExecutedAt.Before(before) {
			delete(s.seen, t.ID)
			n++
			continue
		}
		kept = append(kept, t)
	}
	s.trades = kept
	return n, nil
}

// AuditStore is an in-memory domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	nextID  int64
	entries []domain.AuditEntry
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditEntry, len(s.entries))
	copy(out, s.entries)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts), nil
}
