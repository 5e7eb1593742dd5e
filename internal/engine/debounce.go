package engine

import (
	"sync"
	"time"
)

// debounceTable remembers, per key, until when repeat work is suppressed.
type debounceTable struct {
	mu     sync.Mutex
	until  map[string]time.Time
	sweeps int
}

func newDebounceTable() *debounceTable {
	return &debounceTable{until: make(map[string]time.Time)}
}

// Suppressed reports whether the key is inside its debounce window.
func (t *debounceTable) Suppressed(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline, ok := t.until[key]
	return ok && now.Before(deadline)
}

// Mark starts a debounce window for the key. Every so often it also drops
// expired entries so the table does not grow with dead keys.
func (t *debounceTable) Mark(key string, now time.Time, window time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.until[key] = now.Add(window)

	t.sweeps++
	if t.sweeps%256 == 0 {
		for k, d := range t.until {
			if now.After(d) {
				delete(t.until, k)
			}
		}
	}
}

// Clear drops the key's window, re-enabling work immediately.
func (t *debounceTable) Clear(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.until, key)
}
