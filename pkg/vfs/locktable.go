package vfs

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// lockTable tracks advisory locks by file identity (a key chosen by the
// backend), independent of the path or how many handles are open. A holder is a handle id; closing a handle does
// not remove its entry.
//
// The table is sharded by the key hash so unrelated files never contend.
type lockTable struct {
	shards [lockTableShards]lockShard
}

const lockTableShards = 32

type lockShard struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	exclusive uint64 // holder id, 0 if none
	shared    map[uint64]struct{}
}

func (e *lockEntry) empty() bool {
	return e.exclusive == 0 && len(e.shared) == 0
}

// LockState describes the lock held on a path.
type LockState struct {
	// Mode is 0 when the path is unlocked.
	Mode LockMode
	// Holders is the number of handles holding the lock.
	Holders int
}

var handleIDs atomic.Uint64

func nextHandleID() uint64 {
	return handleIDs.Add(1)
}

func newLockTable() *lockTable {
	t := &lockTable{}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*lockEntry)
	}

	return t
}

func (t *lockTable) shard(path string) *lockShard {
	return &t.shards[xxhash.Sum64String(path)%lockTableShards]
}

// tryLock acquires mode on path for holder. It returns false on conflict and
// leaves the table unchanged.
func (t *lockTable) tryLock(path string, holder uint64, mode LockMode) bool {
	s := t.shard(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[path]
	if e == nil {
		e = &lockEntry{}
		s.entries[path] = e
	}

	switch mode {
	case LockExclusive:
		if e.exclusive == holder {
			return true
		}

		if e.exclusive != 0 {
			return false
		}

		_, mine := e.shared[holder]
		if len(e.shared) > 1 || (len(e.shared) == 1 && !mine) {
			return false
		}

		delete(e.shared, holder)
		e.exclusive = holder

		return true

	case LockShared:
		if e.exclusive != 0 && e.exclusive != holder {
			return false
		}

		e.exclusive = 0

		if e.shared == nil {
			e.shared = make(map[uint64]struct{})
		}

		e.shared[holder] = struct{}{}

		return true
	}

	return false
}

// held returns the mode holder holds on path, or 0.
func (t *lockTable) held(path string, holder uint64) LockMode {
	s := t.shard(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[path]

	switch {
	case e == nil:
		return 0
	case e.exclusive == holder:
		return LockExclusive
	}

	if _, ok := e.shared[holder]; ok {
		return LockShared
	}

	return 0
}

// unlock releases holder's lock on path and reports whether one was held.
func (t *lockTable) unlock(path string, holder uint64) bool {
	s := t.shard(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[path]
	if e == nil {
		return false
	}

	released := false

	if e.exclusive == holder {
		e.exclusive = 0
		released = true
	}

	if _, ok := e.shared[holder]; ok {
		delete(e.shared, holder)
		released = true
	}

	if e.empty() {
		delete(s.entries, path)
	}

	return released
}

func (t *lockTable) state(path string) LockState {
	s := t.shard(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[path]

	switch {
	case e == nil:
		return LockState{}
	case e.exclusive != 0:
		return LockState{Mode: LockExclusive, Holders: 1}
	case len(e.shared) > 0:
		return LockState{Mode: LockShared, Holders: len(e.shared)}
	}

	return LockState{}
}

// reset drops every lock.
func (t *lockTable) reset() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		clear(s.entries)
		s.mu.Unlock()
	}
}
