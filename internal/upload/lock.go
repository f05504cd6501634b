package upload

import "sync"

// keyedMutex serializes work per upload id. Entries are dropped once nobody holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) acquire(key string) *refMutex {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()
	return m
}

func (k *keyedMutex) release(key string, m *refMutex) {
	k.mu.Lock()
	m.refs--
	if m.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	m := k.acquire(key)
	m.Lock()
	return func() {
		m.Unlock()
		k.release(key, m)
	}
}

// TryLock returns ok=false without blocking if key is held.
func (k *keyedMutex) TryLock(key string) (unlock func(), ok bool) {
	m := k.acquire(key)
	if !m.TryLock() {
		k.release(key, m)
		return nil, false
	}
	return func() {
		m.Unlock()
		k.release(key, m)
	}, true
}
