// Package syncutil provides concurrency primitives shared across services.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key (one transaction ID = one lock) while
// leaving different keys fully independent. Locks are channel-based so a
// waiter can bail out when its context is cancelled.
//
// Lock entries are created on demand and never evicted; the key space here
// is transaction IDs, which is bounded by transaction volume and small
// relative to the records themselves.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewKeyedMutex creates a new per-key mutex set.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]chan struct{})}
}

func (m *KeyedMutex) lockChan(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{} // Start unlocked.
		m.locks[key] = ch
	}
	return ch
}

// Lock acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function the caller MUST invoke.
// On cancellation it returns nil and the context error.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.lockChan(key)

	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
