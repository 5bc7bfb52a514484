package store

import "sync"

// lockManager hands out per-object exclusive locks. Lock granularity is the
// object id: concurrent writers to the same object serialize even on
// disjoint byte ranges.
type lockManager struct {
	mu   sync.Mutex
	held map[uint64]chan struct{}
}

func newLockManager() *lockManager {
	return &lockManager{held: make(map[uint64]chan struct{})}
}

// acquire blocks until the object's lock is free, then takes it.
func (m *lockManager) acquire(objectID uint64) {
	for {
		m.mu.Lock()
		ch, taken := m.held[objectID]
		if !taken {
			m.held[objectID] = make(chan struct{})
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		<-ch
	}
}

// release frees the object's lock and wakes all waiters.
func (m *lockManager) release(objectID uint64) {
	m.mu.Lock()
	ch, taken := m.held[objectID]
	if !taken {
		m.mu.Unlock()
		panic("store: releasing lock not held")
	}
	delete(m.held, objectID)
	m.mu.Unlock()
	close(ch)
}
