// Package vfs provides a file-like storage abstraction with interchangeable
// backends, so that storage engines can be written once and run against real
// disk files or a simulated in-memory filesystem.
//
// The main types are:
//   - [Manager]: namespace operations (open, mkdir, rename, remove, sync dir)
//   - [File]: offset-explicit I/O, sync, and advisory locks on one file
//   - [Disk]: production implementation on the host filesystem
//   - [Memory]: in-memory tree with a durability watermark and crash simulation
//   - [Faulty]: decorator that injects read/write/sync errors, space quotas,
//     bad regions and torn writes into any [Manager]
//
// Paths are slash-separated and absolute ("/wal/000001.log") in every
// backend. [Disk] maps them beneath its root directory.
//
// Every failure is an [*Error] classified by [Kind]:
//
//	f, err := m.Open("/db/data", vfs.OpenOptions{Read: true, Write: true, Create: true})
//	if errors.Is(err, vfs.ErrNotFound) {
//	    // parent directory is missing
//	}
package vfs

import (
	"errors"
	"time"
)

// OpenOptions selects the access mode and creation behavior of [Manager.Open].
// At least one of Read or Write must be set.
type OpenOptions struct {
	Read  bool
	Write bool
	// Create creates the file if it does not exist.
	Create bool
	// CreateNew fails with [ErrAlreadyExists] if the file exists.
	// Implies Create.
	CreateNew bool
	// Truncate sets the length to zero on open. Requires Write.
	Truncate bool
}

// ReadWrite returns options for opening an existing file for reading and writing.
func ReadWrite() OpenOptions { return OpenOptions{Read: true, Write: true} }

// ReadOnly returns options for opening an existing file for reading.
func ReadOnly() OpenOptions { return OpenOptions{Read: true} }

// CreateOrOpen returns read/write options that create the file if missing.
func CreateOrOpen() OpenOptions { return OpenOptions{Read: true, Write: true, Create: true} }

func (o OpenOptions) validate(path string) error {
	if !o.Read && !o.Write {
		return newError("open", path, KindInvalidPath, errors.New("neither read nor write requested"))
	}

	if o.Truncate && !o.Write {
		return newError("open", path, KindInvalidPath, errors.New("truncate requires write access"))
	}

	return nil
}

func (o OpenOptions) create() bool { return o.Create || o.CreateNew }

// LockMode is the mode of an advisory lock taken with [File.TryLock].
type LockMode uint8

const (
	// LockShared may be held by any number of handles at once.
	LockShared LockMode = iota + 1
	// LockExclusive excludes every other holder.
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	default:
		return "invalid"
	}
}

// Manager creates, opens, renames and removes files and directories.
//
// Implementations in this package: [Disk], [Memory], [Faulty], and
// [StrictTestManager].
//
// All methods are safe for concurrent use. Namespace operations on [Memory]
// are linearizable; on [Disk] they inherit the host filesystem's guarantees.
type Manager interface {
	// Open opens the file at path. See [OpenOptions] for the failure modes.
	Open(path string, opts OpenOptions) (File, error)

	// CreateDirAll creates path and any missing parents. It succeeds if path
	// is already a directory and fails with [ErrInvalidPath] if any segment is
	// a file.
	CreateDirAll(path string) error

	// RemoveFile removes a file. Open handles keep working on the unlinked
	// contents.
	RemoveFile(path string) error

	// RemoveDir removes a directory. Without recursive it fails with
	// [ErrAlreadyExists] if the directory is not empty.
	RemoveDir(path string, recursive bool) error

	// Rename atomically moves from to to, replacing an existing file at to.
	// Replacing a directory with a file (or the reverse) fails with
	// [ErrInvalidPath].
	Rename(from, to string) error

	// Exists reports whether any file or directory exists at path.
	Exists(path string) (bool, error)

	// SyncDirectory makes the directory's entries durable.
	SyncDirectory(path string) error

	// List returns the sorted child names of a directory.
	List(path string) ([]string, error)

	// Usage returns the total logical length of all files at or under path.
	Usage(path string) (int64, error)

	// Shutdown releases locks still held by closed handles. Every later call
	// fails with [ErrShutdown].
	Shutdown() error
}

// File is an open handle to one file.
//
// All I/O takes an explicit offset; a handle has no cursor. Handles are safe
// for concurrent use, and I/O through different handles to the same file is
// serialized by the backend.
type File interface {
	// Path returns the canonical path the handle was opened with.
	Path() string

	// ReadAt reads up to len(p) bytes at off. A read at or past the end of
	// the file returns 0, nil. A read straddling the end returns the
	// available prefix and a nil error.
	ReadAt(p []byte, off int64) (int, error)

	// WriteAt writes p at off, extending the file if needed. A gap between
	// the old end and off reads back as zeros.
	WriteAt(p []byte, off int64) (int, error)

	// Len returns the logical length.
	Len() (int64, error)

	// SetLen truncates or zero-extends the file to n bytes.
	SetLen(n int64) error

	// SyncData makes the contents durable.
	SyncData() error

	// SyncAll makes the contents and metadata durable.
	SyncAll() error

	// TryLock acquires an advisory lock without blocking. It fails with
	// [ErrWouldBlock] if another holder conflicts. Locking again in the held
	// mode is a no-op; the sole shared holder may upgrade to exclusive.
	TryLock(mode LockMode) error

	// Unlock releases the handle's lock. It is a no-op if none is held and
	// is the one operation still permitted after Close.
	Unlock() error

	// Clone returns a new independent handle to the same file with the same
	// access mode. The clone does not inherit the lock.
	Clone() (File, error)

	// Close releases the handle. It does not release a held lock.
	Close() error
}

// ReadRange reads up to n bytes at off and returns exactly the bytes read.
// The result is shorter than n (possibly empty) when the range passes the end
// of the file.
func ReadRange(f File, off int64, n int) ([]byte, error) {
	if n < 0 {
		return nil, newRangeError("read", f.Path(), off, int64(n), KindInvalidPath, errNegative)
	}

	buf := make([]byte, n)

	got, err := f.ReadAt(buf, off)
	if err != nil {
		return nil, err
	}

	return buf[:got], nil
}

// ErrInvalidTimeout is returned by [LockWithTimeout] when timeout <= 0.
var ErrInvalidTimeout = errors.New("invalid lock timeout")

// LockWithTimeout retries [File.TryLock] with exponential backoff (1ms to
// 25ms) until it succeeds or timeout expires. On expiry it returns an error
// satisfying errors.Is(err, [ErrWouldBlock]).
//
// The timeout is best-effort: it may overshoot slightly under scheduler delay.
func LockWithTimeout(f File, mode LockMode, timeout time.Duration) error {
	if timeout <= 0 {
		return newError("lock", f.Path(), KindInvalidPath, ErrInvalidTimeout)
	}

	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond

	for {
		err := f.TryLock(mode)
		if err == nil || !IsKind(err, KindWouldBlock) {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return newError("lock", f.Path(), KindWouldBlock, errors.New("timed out after "+timeout.String()))
		}

		time.Sleep(min(backoff, remaining))

		backoff = min(backoff*2, 25*time.Millisecond)
	}
}
