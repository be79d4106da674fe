// Package syncutil holds locking helpers shared by the chat engine and the
// payment handlers.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex hands out one lock per int64 key. Waiting can be abandoned
// through the caller's context. Entries are dropped once nobody holds or
// waits for them, so memory stays proportional to active keys.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[int64]*keyLock)}
}

// LockContext blocks until the lock for key is held or ctx is done. On
// success the returned function releases the lock and must be called exactly
// once.
func (m *KeyedMutex) LockContext(ctx context.Context, key int64) (func(), error) {
	l := m.acquireRef(key)

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.releaseRef(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.releaseRef(key, l)
		})
	}, nil
}

// Lock is LockContext without cancellation.
func (m *KeyedMutex) Lock(key int64) func() {
	unlock, _ := m.LockContext(context.Background(), key)
	return unlock
}

// Len reports the number of keys currently tracked.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquireRef(key int64) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[int64]*keyLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) releaseRef(key int64, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
