package vfs

import (
	"errors"
	"math"
	"sync/atomic"
)

// memFile is a handle to a [Memory] file node. Handles share the node, so
// writes through one are visible to all others immediately.
type memFile struct {
	m     *Memory
	node  *memNode
	path  string
	id    uint64
	epoch uint64
	read  bool
	write bool

	closed atomic.Bool
}

var _ File = (*memFile)(nil)

var (
	errNotReadable = errors.New("file not opened for reading")
	errNotWritable = errors.New("file not opened for writing")
	errNegative    = errors.New("negative offset or length")
	errTooLarge    = errors.New("offset overflows file size")
	errFileTooBig  = errors.New("file size limit exceeded")
)

const (
	// maxFileSize caps the length any write or SetLen may produce. ext4
	// refuses past 16 TiB with EFBIG, tmpfs does not, so Disk checks too.
	maxFileSize = 1 << 40

	// maxMemFileSize caps a memory file, whose bytes are allocated eagerly.
	maxMemFileSize = 1 << 32
)

func (f *memFile) check(op string) error {
	switch {
	case f.closed.Load():
		return newError(op, f.path, KindUnexpectedFailure, ErrClosed)
	case f.m.epoch.Load() != f.epoch:
		return newError(op, f.path, KindUnexpectedFailure, ErrCrashed)
	case f.m.shutdown.Load():
		return newError(op, f.path, KindUnexpectedFailure, ErrShutdown)
	}

	return nil
}

// checkGrow rejects a write or SetLen whose end lies past limit.
func checkGrow(op, path string, off, n, limit int64) error {
	if off > limit-n {
		return newRangeError(op, path, off, n, KindStorageFull, errFileTooBig)
	}

	return nil
}

// checkRange validates an I/O range. Only the first failure is reported.
func checkRange(op, path string, off int64, n int) error {
	switch {
	case off < 0:
		return newRangeError(op, path, off, int64(n), KindInvalidPath, errNegative)
	case off > math.MaxInt64-int64(n):
		return newRangeError(op, path, off, int64(n), KindInvalidPath, errTooLarge)
	}

	return nil
}

func (f *memFile) Path() string { return f.path }

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	const op = "read"

	if err := f.check(op); err != nil {
		return 0, err
	}

	if !f.read {
		return 0, newRangeError(op, f.path, off, int64(len(p)), KindPermissionDenied, errNotReadable)
	}

	if err := checkRange(op, f.path, off, len(p)); err != nil {
		return 0, err
	}

	return f.node.readAt(p, off), nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	const op = "write"

	if err := f.check(op); err != nil {
		return 0, err
	}

	if !f.write {
		return 0, newRangeError(op, f.path, off, int64(len(p)), KindPermissionDenied, errNotWritable)
	}

	if err := checkRange(op, f.path, off, len(p)); err != nil {
		return 0, err
	}

	if err := checkGrow(op, f.path, off, int64(len(p)), maxMemFileSize); err != nil {
		return 0, err
	}

	f.node.writeAt(p, off)

	return len(p), nil
}

func (f *memFile) Len() (int64, error) {
	if err := f.check("len"); err != nil {
		return 0, err
	}

	return f.node.length(), nil
}

func (f *memFile) SetLen(n int64) error {
	const op = "setlen"

	if err := f.check(op); err != nil {
		return err
	}

	if !f.write {
		return newRangeError(op, f.path, n, -1, KindPermissionDenied, errNotWritable)
	}

	if n < 0 {
		return newRangeError(op, f.path, n, -1, KindInvalidPath, errNegative)
	}

	if err := checkGrow(op, f.path, n, 0, maxMemFileSize); err != nil {
		return err
	}

	f.node.setLen(n)

	return nil
}

func (f *memFile) SyncData() error {
	if err := f.check("syncdata"); err != nil {
		return err
	}

	f.node.sync()

	return nil
}

func (f *memFile) SyncAll() error {
	if err := f.check("sync"); err != nil {
		return err
	}

	f.node.sync()

	return nil
}

func (f *memFile) TryLock(mode LockMode) error {
	const op = "lock"

	if err := f.check(op); err != nil {
		return err
	}

	if mode != LockShared && mode != LockExclusive {
		return newError(op, f.path, KindInvalidPath, errors.New("invalid lock mode"))
	}

	if !f.m.locks.tryLock(f.node.lockKey, f.id, mode) {
		return newError(op, f.path, KindWouldBlock, nil)
	}

	return nil
}

func (f *memFile) Unlock() error {
	if f.m.epoch.Load() != f.epoch {
		// The crash already dropped every lock.
		return nil
	}

	f.m.locks.unlock(f.node.lockKey, f.id)
	f.m.removeOrphan(f.id)

	return nil
}

func (f *memFile) Clone() (File, error) {
	if err := f.check("clone"); err != nil {
		return nil, err
	}

	return f.m.newHandle(f.node, f.path, f.read, f.write), nil
}

func (f *memFile) Close() error {
	if f.closed.Swap(true) {
		return newError("close", f.path, KindUnexpectedFailure, ErrClosed)
	}

	if f.m.epoch.Load() == f.epoch && f.m.locks.held(f.node.lockKey, f.id) != 0 {
		f.m.addOrphan(f.id, f.node.lockKey)
	}

	return nil
}
