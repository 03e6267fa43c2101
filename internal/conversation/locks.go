// ABOUTME: Keyed mutex used to serialize work on one conversation or participant pair
// ABOUTME: Entries are reference counted and dropped once no goroutine holds or waits on them

package conversation

import "sync"

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyMutex hands out one mutex per key.
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the mutex for key and returns its unlock func.
func (k *keyMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
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

// size reports how many keys are currently tracked.
func (k *keyMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
