package settlement

import "sync"

// keyedMutex provides per-identity mutual exclusion. Ledger read-modify-write
// for one identity happens under its lock; different identities never block
// each other.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*identityLock
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*identityLock)}
}

// Lock acquires the lock for key and returns its release function. Release
// must be called on every exit path.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &identityLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
