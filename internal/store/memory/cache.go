package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/halcyonlabs/swapbot/internal/domain"
)

// PriceCache is an in-memory domain.PriceCache.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
}

type pricePoint struct {
	price float64
	ts    time.Time
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]pricePoint)}
}

func (c *PriceCache) SetPrice(ctx context.Context, asset string, price float64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[asset] = pricePoint{price: price, ts: ts}
	return nil
}

func (c *PriceCache) GetPrice(ctx context.Context, asset string) (float64, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.prices[asset]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p.price, p.ts, nil
}

// LockManager is an in-memory domain.LockManager. TTLs are honoured so a
// crashed holder's lock eventually frees, same as the Redis implementation.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]time.Time // key -> expiry
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]time.Time)}
}

func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := time.Now()
	if exp, ok := lm.locks[key]; ok && exp.After(now) {
		return nil, domain.ErrLockHeld
	}
	expiry := now.Add(ttl)
	lm.locks[key] = expiry

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			// Only release if this acquisition still holds the key.
			if exp, ok := lm.locks[key]; ok && exp.Equal(expiry) {
				delete(lm.locks, key)
			}
		})
	}
	return unlock, nil
}

// SignalBus is an in-memory domain.SignalBus. Published payloads fan out to
// current subscribers; the stream is a bounded slice per stream name.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	streams map[string][]domain.StreamMessage
	nextID  int64
}

var _ domain.SignalBus = (*SignalBus)(nil)

// NewSignalBus creates an empty SignalBus.
func NewSignalBus() *SignalBus {
	return &SignalBus{
		subs:    make(map[string][]chan []byte),
		streams: make(map[string][]domain.StreamMessage),
	}
}

func (b *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default: // drop for slow subscribers
		}
	}
	return nil
}

func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (b *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatInt(b.nextID, 10),
		Payload: payload,
	})
	if len(msgs) > 10000 {
		msgs = msgs[len(msgs)-10000:]
	}
	b.streams[stream] = msgs
	return nil
}

func (b *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.streams[stream]
	start := 0
	if lastID != "" && lastID != "0" && lastID != "0-0" {
		for i, m := range msgs {
			if m.ID == lastID {
				start = i + 1
				break
			}
		}
	}
	if start >= len(msgs) {
		return nil, nil
	}
	end := len(msgs)
	if count > 0 && start+count < end {
		end = start + count
	}
	out := make([]domain.StreamMessage, end-start)
	copy(out, msgs[start:end])
	return out, nil
}
