// Package syncutil holds locking helpers shared across packages.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key. A caller waiting for a key can give up
// when its context ends. Entries are dropped once no one holds or waits on
// them, so memory follows the number of keys in use, not keys ever seen.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyLock
}

type keyLock struct {
	ch   chan struct{} // holds a token while locked
	refs int
}

// LockContext acquires the lock for key. On success the caller must call the
// returned unlock function exactly once. If ctx ends first, it returns ctx.Err().
func (m *KeyedMutex[K]) LockContext(ctx context.Context, key K) (func(), error) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[K]*keyLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			m.release(key, l)
		}, nil
	case <-ctx.Done():
		m.release(key, l)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex[K]) release(key K, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (m *KeyedMutex[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
