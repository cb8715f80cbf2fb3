package vfs

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
)

// MemoryConfig configures a [Memory] filesystem.
//
// The zero value gives the default model: directory entries are durable as
// soon as they change, and file contents are durable only after
// [File.SyncData] or [File.SyncAll].
type MemoryConfig struct {
	// StrictDirSync makes directory entries (creates, removes, renames)
	// durable only after [Manager.SyncDirectory] on the parent. Unsynced
	// entry changes are lost by [Memory.SimulateCrash].
	StrictDirSync bool

	// Writeback lets [Memory.SimulateCrash] keep some unsynced changes,
	// modelling page-cache writeback. The zero value keeps none.
	Writeback WritebackConfig

	// Logger receives crash and shutdown events. Nil discards them.
	Logger *slog.Logger
}

// Memory is an in-memory [Manager]. Paths must be absolute.
//
// The namespace is guarded by one tree lock, so structural operations
// (open-with-create, rename, remove) are linearizable. File contents are
// guarded per file: I/O on different files never contends.
//
// Each file keeps a durable snapshot advanced by SyncData/SyncAll.
// [Memory.SimulateCrash] discards everything past that snapshot.
type Memory struct {
	mu   sync.RWMutex
	root *memNode

	locks  *lockTable
	strict bool
	wb     *writeback
	logger *slog.Logger

	// epoch is bumped by SimulateCrash; handles from an older epoch are dead.
	epoch    atomic.Uint64
	shutdown atomic.Bool

	orphanMu sync.Mutex
	orphans  map[uint64]string // closed handle id -> lock key
}

var _ Manager = (*Memory)(nil)

// NewMemory returns an empty in-memory filesystem with the default
// durability model.
func NewMemory() *Memory {
	m, err := NewMemoryWithConfig(MemoryConfig{})
	if err != nil {
		panic(err) // zero config is always valid
	}

	return m
}

// NewMemoryWithConfig returns an empty in-memory filesystem configured by cfg.
// It fails if the writeback weights are invalid.
func NewMemoryWithConfig(cfg MemoryConfig) (*Memory, error) {
	wb, err := newWriteback(cfg.Writeback)
	if err != nil {
		return nil, err
	}

	return &Memory{
		root:    newDirNode(cfg.StrictDirSync),
		locks:   newLockTable(),
		strict:  cfg.StrictDirSync,
		wb:      wb,
		logger:  loggerOrDiscard(cfg.Logger),
		orphans: make(map[uint64]string),
	}, nil
}

func (m *Memory) checkOpen(op, path string) error {
	if m.shutdown.Load() {
		return newError(op, path, KindUnexpectedFailure, ErrShutdown)
	}

	return nil
}

// lookup walks to clean. Caller must hold m.mu. A missing segment, or a
// file used as a directory, yields nil.
func (m *Memory) lookup(clean string) *memNode {
	n := m.root

	for _, name := range splitPath(clean) {
		if !n.isDir {
			return nil
		}

		n = n.children[name]
		if n == nil {
			return nil
		}
	}

	return n
}

// parentOf returns the directory that holds clean's final element.
// Caller must hold m.mu.
func (m *Memory) parentOf(op, clean string) (*memNode, string, error) {
	segs := splitPath(clean)
	if len(segs) == 0 {
		return nil, "", newError(op, clean, KindPermissionDenied, errors.New("operation not permitted on root"))
	}

	dir := m.root

	for _, name := range segs[:len(segs)-1] {
		next := dir.children[name]

		switch {
		case next == nil:
			return nil, "", newError(op, clean, KindNotFound, errors.New("parent directory does not exist"))
		case !next.isDir:
			return nil, "", newError(op, clean, KindInvalidPath, errors.New("path component is not a directory"))
		}

		dir = next
	}

	return dir, segs[len(segs)-1], nil
}

// Open implements [Manager].
func (m *Memory) Open(path string, opts OpenOptions) (File, error) {
	const op = "open"

	clean, err := cleanPath(op, path)
	if err != nil {
		return nil, err
	}

	if err := m.checkOpen(op, clean); err != nil {
		return nil, err
	}

	if err := opts.validate(clean); err != nil {
		return nil, err
	}

	if opts.create() {
		m.mu.Lock()
		defer m.mu.Unlock()
	} else {
		m.mu.RLock()
		defer m.mu.RUnlock()
	}

	if clean == "/" {
		return nil, newError(op, clean, KindInvalidPath, errors.New("is a directory"))
	}

	parent, name, err := m.parentOf(op, clean)
	if err != nil {
		return nil, err
	}

	node := parent.children[name]

	switch {
	case node == nil && !opts.create():
		return nil, newError(op, clean, KindNotFound, nil)
	case node == nil:
		node = newFileNode()
		parent.children[name] = node
	case opts.CreateNew:
		return nil, newError(op, clean, KindAlreadyExists, nil)
	case node.isDir:
		return nil, newError(op, clean, KindInvalidPath, errors.New("is a directory"))
	}

	if opts.Truncate {
		node.setLen(0)
	}

	return m.newHandle(node, clean, opts.Read, opts.Write), nil
}

func (m *Memory) newHandle(node *memNode, clean string, read, write bool) *memFile {
	return &memFile{
		m:     m,
		node:  node,
		path:  clean,
		id:    nextHandleID(),
		epoch: m.epoch.Load(),
		read:  read,
		write: write,
	}
}

// CreateDirAll implements [Manager].
func (m *Memory) CreateDirAll(path string) error {
	const op = "mkdir"

	clean, err := cleanPath(op, path)
	if err != nil {
		return err
	}

	if err := m.checkOpen(op, clean); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.root

	for _, name := range splitPath(clean) {
		next := dir.children[name]

		switch {
		case next == nil:
			next = newDirNode(m.strict)
			dir.children[name] = next
		case !next.isDir:
			return newError(op, clean, KindInvalidPath, fmt.Errorf("%q is a file", name))
		}

		dir = next
	}

	return nil
}

// RemoveFile implements [Manager].
func (m *Memory) RemoveFile(path string) error {
	const op = "remove"

	clean, err := cleanPath(op, path)
	if err != nil {
		return err
	}

	if err := m.checkOpen(op, clean); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parent, name, err := m.parentOf(op, clean)
	if err != nil {
		return err
	}

	node := parent.children[name]

	switch {
	case node == nil:
		return newError(op, clean, KindNotFound, nil)
	case node.isDir:
		return newError(op, clean, KindInvalidPath, errors.New("is a directory"))
	}

	delete(parent.children, name)

	return nil
}

// RemoveDir implements [Manager].
func (m *Memory) RemoveDir(path string, recursive bool) error {
	const op = "rmdir"

	clean, err := cleanPath(op, path)
	if err != nil {
		return err
	}

	if err := m.checkOpen(op, clean); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parent, name, err := m.parentOf(op, clean)
	if err != nil {
		return err
	}

	node := parent.children[name]

	switch {
	case node == nil:
		return newError(op, clean, KindNotFound, nil)
	case !node.isDir:
		return newError(op, clean, KindInvalidPath, errors.New("not a directory"))
	case len(node.children) > 0 && !recursive:
		return newError(op, clean, KindAlreadyExists, errors.New("directory not empty"))
	}

	delete(parent.children, name)

	return nil
}

// Rename implements [Manager].
func (m *Memory) Rename(from, to string) error {
	const op = "rename"

	src, err := cleanPath(op, from)
	if err != nil {
		return err
	}

	dst, err := cleanPath(op, to)
	if err != nil {
		return err
	}

	if err := m.checkOpen(op, src); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	srcParent, srcName, err := m.parentOf(op, src)
	if err != nil {
		return err
	}

	node := srcParent.children[srcName]
	if node == nil {
		return newError(op, src, KindNotFound, nil)
	}

	dstParent, dstName, err := m.parentOf(op, dst)
	if err != nil {
		return err
	}

	if src == dst {
		return nil
	}

	if node.isDir && isWithin(dst, src) {
		return newError(op, dst, KindInvalidPath, errors.New("cannot move a directory into itself"))
	}

	if existing := dstParent.children[dstName]; existing != nil {
		switch {
		case node.isDir && !existing.isDir:
			return newError(op, dst, KindInvalidPath, errors.New("cannot replace a file with a directory"))
		case !node.isDir && existing.isDir:
			return newError(op, dst, KindInvalidPath, errors.New("cannot replace a directory with a file"))
		case existing.isDir && len(existing.children) > 0:
			return newError(op, dst, KindAlreadyExists, errors.New("directory not empty"))
		}
	}

	dstParent.children[dstName] = node
	delete(srcParent.children, srcName)

	return nil
}

// Exists implements [Manager].
func (m *Memory) Exists(path string) (bool, error) {
	const op = "exists"

	clean, err := cleanPath(op, path)
	if err != nil {
		return false, err
	}

	if err := m.checkOpen(op, clean); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.lookup(clean) != nil, nil
}

// SyncDirectory implements [Manager]. In strict mode it commits the
// directory's current entries; otherwise it only validates path.
func (m *Memory) SyncDirectory(path string) error {
	const op = "syncdir"

	clean, err := cleanPath(op, path)
	if err != nil {
		return err
	}

	if err := m.checkOpen(op, clean); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	node, err := m.dir(op, clean)
	if err != nil {
		return err
	}

	if m.strict {
		node.synced = maps.Clone(node.children)
	}

	return nil
}

// dir returns the directory at clean. Caller must hold m.mu.
func (m *Memory) dir(op, clean string) (*memNode, error) {
	node := m.lookup(clean)

	switch {
	case node == nil:
		return nil, newError(op, clean, KindNotFound, nil)
	case !node.isDir:
		return nil, newError(op, clean, KindInvalidPath, errors.New("not a directory"))
	}

	return node, nil
}

// List implements [Manager].
func (m *Memory) List(path string) ([]string, error) {
	const op = "list"

	clean, err := cleanPath(op, path)
	if err != nil {
		return nil, err
	}

	if err := m.checkOpen(op, clean); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	node, err := m.dir(op, clean)
	if err != nil {
		return nil, err
	}

	return node.sortedNames(), nil
}

// Usage implements [Manager].
func (m *Memory) Usage(path string) (int64, error) {
	const op = "usage"

	clean, err := cleanPath(op, path)
	if err != nil {
		return 0, err
	}

	if err := m.checkOpen(op, clean); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	node := m.lookup(clean)
	if node == nil {
		return 0, newError(op, clean, KindNotFound, nil)
	}

	return node.usage(), nil
}

// LockState reports the advisory lock currently held on the file at path.
// A missing file or a directory is unlocked.
func (m *Memory) LockState(path string) (LockState, error) {
	clean, err := cleanPath("lockstate", path)
	if err != nil {
		return LockState{}, err
	}

	m.mu.RLock()
	node := m.lookup(clean)
	m.mu.RUnlock()

	if node == nil || node.isDir {
		return LockState{}, nil
	}

	return m.locks.state(node.lockKey), nil
}

// Shutdown implements [Manager].
func (m *Memory) Shutdown() error {
	if m.shutdown.Swap(true) {
		return nil
	}

	released := m.releaseOrphans()
	if released > 0 {
		m.logger.Warn("vfs: released locks held by closed handles", "backend", "memory", "count", released)
	}

	return nil
}

func (m *Memory) addOrphan(id uint64, key string) {
	m.orphanMu.Lock()
	m.orphans[id] = key
	m.orphanMu.Unlock()
}

func (m *Memory) removeOrphan(id uint64) {
	m.orphanMu.Lock()
	delete(m.orphans, id)
	m.orphanMu.Unlock()
}

func (m *Memory) releaseOrphans() int {
	m.orphanMu.Lock()
	defer m.orphanMu.Unlock()

	n := 0

	for id, key := range m.orphans {
		if m.locks.unlock(key, id) {
			n++
		}
	}

	clear(m.orphans)

	return n
}
