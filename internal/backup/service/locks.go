package service

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

// idLocks serializes work on one backup id inside this process. Cross-process
// exclusion comes from the compare-and-swap updates in the repository.
type idLocks struct {
	mu    sync.Mutex
	locks map[snowflake.ID]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

func newIDLocks() *idLocks {
	return &idLocks{locks: make(map[snowflake.ID]*idLock)}
}

func (l *idLocks) acquire(id snowflake.ID) *idLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &idLock{}
		l.locks[id] = entry
	}
	entry.refs++
	return entry
}

func (l *idLocks) release(id snowflake.ID, entry *idLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, id)
	}
}

// Lock blocks until id is free and returns the unlock func.
func (l *idLocks) Lock(id snowflake.ID) func() {
	entry := l.acquire(id)
	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.release(id, entry)
	}
}

// TryLock returns nil when id is already held.
func (l *idLocks) TryLock(id snowflake.ID) func() {
	entry := l.acquire(id)
	if !entry.mu.TryLock() {
		l.release(id, entry)
		return nil
	}
	return func() {
		entry.mu.Unlock()
		l.release(id, entry)
	}
}
