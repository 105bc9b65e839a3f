package application

import (
	"context"
	"sync"
	"time"

	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RefreshThrottle = (*MemoryThrottle)(nil)

// MemoryThrottle allows one refresh per credential per interval within a
// single process.
type MemoryThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

// NewMemoryThrottle creates a MemoryThrottle.
func NewMemoryThrottle(interval time.Duration) *MemoryThrottle {
	return &MemoryThrottle{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether uuid may be refreshed now and records the refresh.
func (t *MemoryThrottle) Allow(_ context.Context, uuid string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.last[uuid]; ok && now.Sub(last) < t.interval {
		return false, nil
	}
	t.last[uuid] = now
	return true, nil
}
