package vfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sync/atomic"
)

// ErrAtomicWriteDirSync indicates the parent directory could not be synced
// after the rename.
//
// When returned, the new file is in place but its entry may not survive a
// crash. Callers can detect this with errors.Is(err, ErrAtomicWriteDirSync).
var ErrAtomicWriteDirSync = errors.New("dir sync")

// AtomicWriter replaces whole files through a [Manager] using write, sync,
// rename.
type AtomicWriter struct {
	m Manager
}

// NewAtomicWriter returns a writer over m. Panics if m is nil.
func NewAtomicWriter(m Manager) *AtomicWriter {
	if m == nil {
		panic("manager is nil")
	}

	return &AtomicWriter{m: m}
}

// AtomicWriteOptions configures [AtomicWriter.Write].
type AtomicWriteOptions struct {
	// SyncDir syncs the parent directory after the rename.
	SyncDir bool
}

// DefaultAtomicWriteOptions syncs the parent directory.
func DefaultAtomicWriteOptions() AtomicWriteOptions {
	return AtomicWriteOptions{SyncDir: true}
}

// Write copies r into a temp file next to name, syncs it, renames it over
// name, then syncs the parent directory if opts.SyncDir is set.
//
// Readers of name see either the old or the new contents, never a mix. On
// failure before the rename the temp file is removed and name is untouched.
func (w *AtomicWriter) Write(name string, r io.Reader, opts AtomicWriteOptions) error {
	if r == nil {
		panic("reader is nil")
	}

	clean, err := cleanPath("atomicwrite", name)
	if err != nil {
		return err
	}

	if clean == "/" {
		return newError("atomicwrite", clean, KindInvalidPath, errors.New("path has no file name"))
	}

	dir, base := path.Dir(clean), path.Base(clean)

	tmp, tmpPath, err := w.createTemp(dir, base)
	if err != nil {
		return err
	}

	closed := false

	cleanup := func() error {
		var closeErr error
		if !closed {
			closeErr = tmp.Close()
		}

		removeErr := w.m.RemoveFile(tmpPath)
		if IsKind(removeErr, KindNotFound) {
			removeErr = nil
		}

		return errors.Join(closeErr, removeErr)
	}

	if err := copyAndSync(tmp, tmpPath, r); err != nil {
		return errors.Join(err, cleanup())
	}

	closed = true

	if err := tmp.Close(); err != nil {
		return errors.Join(fmt.Errorf("close temp file %q: %w", tmpPath, err), cleanup())
	}

	if err := w.m.Rename(tmpPath, clean); err != nil {
		return errors.Join(fmt.Errorf("rename: %w", err), cleanup())
	}

	if !opts.SyncDir {
		return nil
	}

	if err := w.m.SyncDirectory(dir); err != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("%q: %w", dir, err))
	}

	return nil
}

// WriteBytes is Write with an in-memory payload and default options.
func (w *AtomicWriter) WriteBytes(name string, data []byte) error {
	return w.Write(name, bytes.NewReader(data), DefaultAtomicWriteOptions())
}

const atomicWriteMaxAttempts = 10000

var atomicWriteCounter atomic.Uint64

func (w *AtomicWriter) createTemp(dir, base string) (File, string, error) {
	for range atomicWriteMaxAttempts {
		seq := atomicWriteCounter.Add(1)
		tmpPath := path.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, seq))

		f, err := w.m.Open(tmpPath, OpenOptions{Write: true, CreateNew: true})
		if err == nil {
			return f, tmpPath, nil
		}

		if IsKind(err, KindAlreadyExists) {
			continue
		}

		return nil, "", fmt.Errorf("create temp file: %w", err)
	}

	return nil, "", fmt.Errorf("exhausted temp file attempts in %q", dir)
}

func copyAndSync(f File, tmpPath string, r io.Reader) error {
	if _, err := io.Copy(io.NewOffsetWriter(f, 0), r); err != nil {
		return fmt.Errorf("write temp file %q: %w", tmpPath, err)
	}

	if err := f.SyncAll(); err != nil {
		return fmt.Errorf("sync temp file %q: %w", tmpPath, err)
	}

	return nil
}
