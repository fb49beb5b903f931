package lock

import (
	"context"
	"sync"
)

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]uint64
	seq  uint64
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]uint64)}
}

// TryLock implements Locker.
func (m *MemoryLocker) TryLock(_ context.Context, key string) (UnlockFunc, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.held[key]; busy {
		return nil, false, nil
	}
	m.seq++
	token := m.seq
	m.held[key] = token

	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.held[key] != token {
			return ErrNotHeld
		}
		delete(m.held, key)
		return nil
	}, true, nil
}
