package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// diskFile is a [Disk] handle wrapping an [os.File].
//
// flock(2) locks belong to the open file description, so a handle closed
// while locked keeps its descriptor open ("parked") until Unlock or
// [Disk.Shutdown] releases it.
type diskFile struct {
	d     *Disk
	f     *os.File
	path  string
	key   string // lock table key, see fileKey
	id    uint64
	read  bool
	write bool

	closed atomic.Bool

	mu     sync.Mutex // serializes lock, unlock, close
	parked bool
	gone   bool // descriptor closed
}

var _ File = (*diskFile)(nil)

// errLockLost reports that a failed lock conversion also lost the lock held
// before it.
var errLockLost = errors.New("lock lost during conversion")

// fileKey identifies the file behind info by device and inode, so the lock
// table agrees with flock(2) when a locked file is renamed.
func fileKey(info os.FileInfo) string {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return fmt.Sprintf("inode:%d:%d", st.Dev, st.Ino)
	}

	return "name:" + info.Name()
}

func (f *diskFile) check(op string) error {
	switch {
	case f.closed.Load():
		return newError(op, f.path, KindUnexpectedFailure, ErrClosed)
	case f.d.shutdown.Load():
		return newError(op, f.path, KindUnexpectedFailure, ErrShutdown)
	}

	return nil
}

func (f *diskFile) Path() string { return f.path }

func (f *diskFile) ReadAt(p []byte, off int64) (int, error) {
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

	n, err := f.f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		return n, nil
	}

	return n, diskRangeError(op, f.path, off, int64(len(p)), err)
}

func (f *diskFile) WriteAt(p []byte, off int64) (int, error) {
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

	if err := checkGrow(op, f.path, off, int64(len(p)), maxFileSize); err != nil {
		return 0, err
	}

	n, err := f.f.WriteAt(p, off)

	return n, diskRangeError(op, f.path, off, int64(len(p)), err)
}

func (f *diskFile) Len() (int64, error) {
	const op = "len"

	if err := f.check(op); err != nil {
		return 0, err
	}

	info, err := f.f.Stat()
	if err != nil {
		return 0, diskError(op, f.path, err)
	}

	return info.Size(), nil
}

func (f *diskFile) SetLen(n int64) error {
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

	if err := checkGrow(op, f.path, n, 0, maxFileSize); err != nil {
		return err
	}

	return diskRangeError(op, f.path, n, -1, f.f.Truncate(n))
}

func (f *diskFile) SyncData() error {
	const op = "syncdata"

	if err := f.check(op); err != nil {
		return err
	}

	conn, err := f.f.SyscallConn()
	if err != nil {
		return diskError(op, f.path, err)
	}

	var syncErr error

	err = conn.Control(func(fd uintptr) {
		syncErr = retryEINTR(func() error { return unix.Fdatasync(int(fd)) })
	})
	if err == nil {
		err = syncErr
	}

	return diskError(op, f.path, err)
}

func (f *diskFile) SyncAll() error {
	const op = "sync"

	if err := f.check(op); err != nil {
		return err
	}

	return diskError(op, f.path, retryEINTR(f.f.Sync))
}

func (f *diskFile) TryLock(mode LockMode) error {
	const op = "lock"

	if err := f.check(op); err != nil {
		return err
	}

	how := unix.LOCK_SH

	switch mode {
	case LockShared:
	case LockExclusive:
		how = unix.LOCK_EX
	default:
		return newError(op, f.path, KindInvalidPath, errors.New("invalid lock mode"))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.d.locks.held(f.key, f.id)
	if prev == mode {
		return nil
	}

	if !f.d.locks.tryLock(f.key, f.id, mode) {
		return newError(op, f.path, KindWouldBlock, nil)
	}

	err := f.flock(how | unix.LOCK_NB)
	if err == nil {
		return nil
	}

	// Another process holds the lock. Restore the table to what we had.
	f.d.locks.unlock(f.key, f.id)

	if prev == 0 {
		return diskError(op, f.path, err)
	}

	// flock(2) converts a lock by dropping it first, so a failed
	// conversion may have released prev. Take it back.
	prevHow := unix.LOCK_SH
	if prev == LockExclusive {
		prevHow = unix.LOCK_EX
	}

	if reErr := f.flock(prevHow | unix.LOCK_NB); reErr != nil {
		return newError(op, f.path, KindUnexpectedFailure, fmt.Errorf("%w: %w", errLockLost, reErr))
	}

	f.d.locks.tryLock(f.key, f.id, prev)

	return diskError(op, f.path, err)
}

func (f *diskFile) flock(how int) error {
	conn, err := f.f.SyscallConn()
	if err != nil {
		return err
	}

	var lockErr error

	err = conn.Control(func(fd uintptr) {
		lockErr = retryEINTR(func() error { return unix.Flock(int(fd), how) })
	})
	if err != nil {
		return err
	}

	return lockErr
}

func (f *diskFile) Unlock() error {
	const op = "unlock"

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.gone || !f.d.locks.unlock(f.key, f.id) {
		return nil
	}

	if f.parked {
		f.d.unpark(f.id)

		return diskError(op, f.path, f.closeFd())
	}

	return diskError(op, f.path, f.flock(unix.LOCK_UN))
}

func (f *diskFile) Clone() (File, error) {
	const op = "clone"

	if err := f.check(op); err != nil {
		return nil, err
	}

	flag := os.O_RDONLY

	switch {
	case f.read && f.write:
		flag = os.O_RDWR
	case f.write:
		flag = os.O_WRONLY
	}

	nf, err := os.OpenFile(f.d.host(f.path), flag|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, diskError(op, f.path, err)
	}

	info, err := nf.Stat()
	if err != nil {
		_ = nf.Close()

		return nil, diskError(op, f.path, err)
	}

	return f.d.newHandle(nf, info, f.path, f.read, f.write), nil
}

func (f *diskFile) Close() error {
	const op = "close"

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed.Swap(true) {
		return newError(op, f.path, KindUnexpectedFailure, ErrClosed)
	}

	if f.d.locks.held(f.key, f.id) != 0 {
		f.parked = true
		f.d.park(f)

		return nil
	}

	return diskError(op, f.path, f.closeFd())
}

// release drops a parked handle's lock and closes its descriptor.
func (f *diskFile) release() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.gone {
		return nil
	}

	f.d.locks.unlock(f.key, f.id)

	return diskError("shutdown", f.path, f.closeFd())
}

// Caller must hold f.mu.
func (f *diskFile) closeFd() error {
	f.gone = true
	f.parked = false

	return f.f.Close()
}
