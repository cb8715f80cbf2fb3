package vfs

import (
	"errors"
	iofs "io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// kindForOSError maps a host error to the taxonomy.
func kindForOSError(err error) Kind {
	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ENOENT:
			return KindNotFound
		case unix.EEXIST, unix.ENOTEMPTY:
			return KindAlreadyExists
		case unix.EACCES, unix.EPERM, unix.EROFS, unix.EBADF:
			return KindPermissionDenied
		case unix.EAGAIN:
			// EWOULDBLOCK == EAGAIN on Linux.
			return KindWouldBlock
		case unix.ENOTDIR, unix.EISDIR, unix.EINVAL, unix.ENAMETOOLONG, unix.ELOOP, unix.EXDEV:
			return KindInvalidPath
		case unix.ENOSPC, unix.EDQUOT, unix.EFBIG:
			return KindStorageFull
		default:
			return KindUnexpectedFailure
		}
	}

	switch {
	case errors.Is(err, iofs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrExist):
		return KindAlreadyExists
	case errors.Is(err, iofs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalidPath
	}

	return KindUnexpectedFailure
}

func diskError(op, path string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, os.ErrClosed) {
		return newError(op, path, KindUnexpectedFailure, ErrClosed)
	}

	return newError(op, path, kindForOSError(err), err)
}

func diskRangeError(op, path string, off, n int64, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, os.ErrClosed) {
		return newRangeError(op, path, off, n, KindUnexpectedFailure, ErrClosed)
	}

	return newRangeError(op, path, off, n, kindForOSError(err), err)
}

// isNotExist reports whether err means nothing exists at the path, including
// a path that traverses a regular file.
func isNotExist(err error) bool {
	return errors.Is(err, iofs.ErrNotExist) || errors.Is(err, unix.ENOTDIR)
}

// retryEINTR runs fn until it returns something other than EINTR, giving
// up after a bounded number of attempts.
func retryEINTR(fn func() error) error {
	const maxEINTRRetries = 10000

	var err error

	for range maxEINTRRetries {
		err = fn()
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
