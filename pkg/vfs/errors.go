package vfs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies a storage failure. Every error returned by a [Manager] or
// [File] maps to exactly one Kind, regardless of backend.
type Kind uint8

const (
	// KindUnexpectedFailure is the catch-all for failures that fit no other kind.
	KindUnexpectedFailure Kind = iota
	KindNotFound
	KindAlreadyExists
	KindPermissionDenied
	// KindWouldBlock is returned by [File.TryLock] on contention.
	KindWouldBlock
	KindInvalidPath
	// KindStorageFull means the device or an injected quota is exhausted.
	KindStorageFull
)

var kindNames = [...]string{
	KindUnexpectedFailure: "unexpected failure",
	KindNotFound:          "not found",
	KindAlreadyExists:     "already exists",
	KindPermissionDenied:  "permission denied",
	KindWouldBlock:        "would block",
	KindInvalidPath:       "invalid path",
	KindStorageFull:       "storage full",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind parses the names printed by [Kind.String], also accepting
// CamelCase and snake_case spellings ("NotFound", "not_found").
func ParseKind(s string) (Kind, error) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))

	for k, name := range kindNames {
		if strings.ReplaceAll(name, " ", "") == norm {
			return Kind(k), nil
		}
	}

	return 0, fmt.Errorf("unknown error kind %q", s)
}

// Kind sentinels. Every [*Error] matches the sentinel of its kind with
// [errors.Is], so callers can write errors.Is(err, vfs.ErrNotFound).
var (
	ErrUnexpectedFailure = kindError(KindUnexpectedFailure)
	ErrNotFound          = kindError(KindNotFound)
	ErrAlreadyExists     = kindError(KindAlreadyExists)
	ErrPermissionDenied  = kindError(KindPermissionDenied)
	ErrWouldBlock        = kindError(KindWouldBlock)
	ErrInvalidPath       = kindError(KindInvalidPath)
	ErrStorageFull       = kindError(KindStorageFull)
)

var (
	// ErrClosed is wrapped by errors from operations on a closed handle.
	ErrClosed = errors.New("file already closed")

	// ErrShutdown is wrapped by errors from a manager after [Manager.Shutdown].
	ErrShutdown = errors.New("manager shut down")

	// ErrCrashed is wrapped by errors from handles invalidated by
	// [Memory.SimulateCrash].
	ErrCrashed = errors.New("handle invalidated by simulated crash")
)

type kindError Kind

func (k kindError) Error() string { return Kind(k).String() }

func sentinel(k Kind) error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindAlreadyExists:
		return ErrAlreadyExists
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindWouldBlock:
		return ErrWouldBlock
	case KindInvalidPath:
		return ErrInvalidPath
	case KindStorageFull:
		return ErrStorageFull
	default:
		return ErrUnexpectedFailure
	}
}

// Error is the error type returned by every operation in this package.
//
// Offset and Length are set for byte-range operations (ReadAt, WriteAt,
// SetLen) and are -1 otherwise.
type Error struct {
	Op     string
	Path   string
	Offset int64
	Length int64
	Kind   Kind
	// Err is the underlying cause, if any (an OS error, [ErrClosed], ...).
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(e.Op)

	if e.Path != "" {
		b.WriteByte(' ')
		b.WriteString(e.Path)
	}

	if e.Offset >= 0 {
		fmt.Fprintf(&b, " [off=%d", e.Offset)

		if e.Length >= 0 {
			fmt.Fprintf(&b, " len=%d", e.Length)
		}

		b.WriteByte(']')
	}

	b.WriteString(": ")
	b.WriteString(e.Kind.String())

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindError)

	return ok && Kind(k) == e.Kind
}

// KindOf returns the [Kind] of err. Errors not produced by this package
// report [KindUnexpectedFailure]. KindOf(nil) also returns
// KindUnexpectedFailure; check err != nil first.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	var k kindError
	if errors.As(err, &k) {
		return Kind(k)
	}

	return KindUnexpectedFailure
}

// IsKind reports whether err is a non-nil error of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && errors.Is(err, sentinel(k))
}

func newError(op, path string, kind Kind, err error) *Error {
	return &Error{Op: op, Path: path, Offset: -1, Length: -1, Kind: kind, Err: err}
}

func newRangeError(op, path string, off, n int64, kind Kind, err error) *Error {
	return &Error{Op: op, Path: path, Offset: off, Length: n, Kind: kind, Err: err}
}

// InjectedError marks an error as intentionally injected by [Faulty].
//
// Faulty returns an [*Error] carrying the same [Kind] an organic failure
// would, with an InjectedError as its cause. Only test harnesses should call
// [IsInjected].
type InjectedError struct {
	Err error
}

func (e *InjectedError) Error() string { return e.Err.Error() }

func (e *InjectedError) Unwrap() error { return e.Err }

// IsInjected reports whether err (or any wrapped error) was injected by
// [Faulty]. Returns false if err is nil.
func IsInjected(err error) bool {
	var injected *InjectedError

	return err != nil && errors.As(err, &injected)
}
