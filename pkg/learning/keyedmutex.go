package learning

import "sync"

// keyedMutex serializes writers of one identifier while leaving other
// identifiers free. Locks are created on demand and dropped when the last
// holder releases, so the map stays bounded by in-flight writes.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*idLock)}
}

func (k *keyedMutex) lock(id string) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &idLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
}

func (k *keyedMutex) unlock(id string) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		k.mu.Unlock()
		panic("learning: unlock of unheld identifier " + id)
	}
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}
