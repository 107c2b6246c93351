package assets

import "sync"

// hashLocks serializes work on a single hash. Entries are dropped once no
// goroutine holds or waits for them.
type hashLocks struct {
	mu    sync.Mutex
	locks map[string]*hashLock
}

type hashLock struct {
	mu   sync.Mutex
	refs int
}

func newHashLocks() *hashLocks {
	return &hashLocks{locks: make(map[string]*hashLock)}
}

// lock blocks until hash is held and returns the matching unlock.
func (l *hashLocks) lock(hash string) func() {
	l.mu.Lock()
	hl, ok := l.locks[hash]
	if !ok {
		hl = &hashLock{}
		l.locks[hash] = hl
	}
	hl.refs++
	l.mu.Unlock()

	hl.mu.Lock()
	return func() {
		hl.mu.Unlock()
		l.mu.Lock()
		hl.refs--
		if hl.refs == 0 {
			delete(l.locks, hash)
		}
		l.mu.Unlock()
	}
}

// size reports how many hashes currently have a lock entry.
func (l *hashLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
