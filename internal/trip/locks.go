package trip

import "sync"

// Locks serializes work per trip id. Entries are dropped once nobody holds or
// waits on them.
type Locks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{m: make(map[string]*keyLock)}
}

// Lock blocks until id is free and returns its unlock func.
func (l *Locks) Lock(id string) func() {
	l.mu.Lock()
	k, ok := l.m[id]
	if !ok {
		k = &keyLock{}
		l.m[id] = k
	}
	k.refs++
	l.mu.Unlock()

	k.mu.Lock()
	return func() {
		k.mu.Unlock()
		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}

func (l *Locks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
