package vfs

import (
	"errors"
	"log/slog"
)

// TestBuilder is the subset of [testing.T] used by [StrictTestManager].
//
// This keeps [StrictTestManager] usable from tests in other packages
// without depending on _test.go files.
type TestBuilder interface {
	// [testing.T.Helper]
	Helper()
	// [testing.T.Cleanup]
	Cleanup(func())
	// [testing.T.Failed]
	Failed() bool
	// [testing.T.Logf]
	Logf(format string, args ...any)
	// [testing.T.Fatalf]
	Fatalf(format string, args ...any)
}

// StrictTestManager wraps a [Manager] for tests:
//   - Records a bounded trace of recent calls
//   - Fails the test on any [KindUnexpectedFailure] error that was not
//     injected by [Faulty]
//
// Contract outcomes such as [ErrNotFound] or [ErrWouldBlock] pass through,
// as do misuse errors ([ErrClosed], [ErrShutdown], [ErrCrashed]).
type StrictTestManager struct {
	tb    TestBuilder
	m     Manager
	trace *traceLog
}

// StrictTestManagerOptions configures a [StrictTestManager].
type StrictTestManagerOptions struct {
	// Manager is the manager to wrap.
	Manager Manager
	// TraceCapacity is the max number of calls kept in the trace.
	// Defaults to 200. Set to a pointer to 0 to disable tracing.
	TraceCapacity *int
}

// NewStrictTestManager wraps opts.Manager. On test failure the trace of
// recent calls is logged via tb.Cleanup.
func NewStrictTestManager(tb TestBuilder, opts StrictTestManagerOptions) *StrictTestManager {
	tb.Helper()

	if opts.Manager == nil {
		panic("manager is nil")
	}

	s := &StrictTestManager{
		tb:    tb,
		m:     opts.Manager,
		trace: newTraceLog(opts.TraceCapacity),
	}

	tb.Cleanup(func() {
		if tb.Failed() {
			if trace := s.Trace(); trace != "" {
				tb.Logf("vfs trace:\n%s", trace)
			}
		}
	})

	return s
}

var _ Manager = (*StrictTestManager)(nil)

// Trace returns the recent calls, oldest first.
func (s *StrictTestManager) Trace() string {
	return s.trace.String()
}

func (s *StrictTestManager) Open(path string, opts OpenOptions) (File, error) {
	s.tb.Helper()
	f, err := s.m.Open(path, opts)

	if err := s.check("open", path, err, attr("opts", formatOpenOptions(opts))); err != nil {
		return nil, err
	}

	return &strictFile{s: s, f: f, path: f.Path()}, nil
}

func (s *StrictTestManager) CreateDirAll(path string) error {
	s.tb.Helper()

	return s.check("mkdir", path, s.m.CreateDirAll(path))
}

func (s *StrictTestManager) RemoveFile(path string) error {
	s.tb.Helper()

	return s.check("remove", path, s.m.RemoveFile(path))
}

func (s *StrictTestManager) RemoveDir(path string, recursive bool) error {
	s.tb.Helper()

	return s.check("rmdir", path, s.m.RemoveDir(path, recursive), attr("recursive", recursive))
}

func (s *StrictTestManager) Rename(from, to string) error {
	s.tb.Helper()

	return s.check("rename", from, s.m.Rename(from, to), attr("dest", to))
}

func (s *StrictTestManager) Exists(path string) (bool, error) {
	s.tb.Helper()
	ok, err := s.m.Exists(path)

	return ok, s.check("exists", path, err, attr("exists", ok))
}

func (s *StrictTestManager) SyncDirectory(path string) error {
	s.tb.Helper()

	return s.check("syncdir", path, s.m.SyncDirectory(path))
}

func (s *StrictTestManager) List(path string) ([]string, error) {
	s.tb.Helper()
	names, err := s.m.List(path)

	return names, s.check("list", path, err, attr("n", len(names)))
}

func (s *StrictTestManager) Usage(path string) (int64, error) {
	s.tb.Helper()
	n, err := s.m.Usage(path)

	return n, s.check("usage", path, err, attr("bytes", n))
}

func (s *StrictTestManager) Shutdown() error {
	s.tb.Helper()

	return s.check("shutdown", "", s.m.Shutdown())
}

// check traces the call and fatals on errors no test should see.
func (s *StrictTestManager) check(op, path string, err error, attrs ...slog.Attr) error {
	s.tb.Helper()

	s.trace.add(op, path, err, attrs...)

	if unexpected(err) {
		trace := s.Trace()
		if trace != "" {
			trace = "\n" + trace
		}

		s.tb.Fatalf("vfs: unexpected backend error: %v%s", err, trace)
	}

	return err
}

func unexpected(err error) bool {
	switch {
	case err == nil, IsInjected(err), KindOf(err) != KindUnexpectedFailure:
		return false
	case errors.Is(err, ErrClosed), errors.Is(err, ErrShutdown), errors.Is(err, ErrCrashed):
		return false
	}

	return true
}

func formatOpenOptions(o OpenOptions) string {
	b := make([]byte, 0, 5)

	for _, f := range []struct {
		on bool
		c  byte
	}{{o.Read, 'r'}, {o.Write, 'w'}, {o.Create, 'c'}, {o.CreateNew, 'x'}, {o.Truncate, 't'}} {
		if f.on {
			b = append(b, f.c)
		}
	}

	return string(b)
}

// strictFile traces and checks calls on one handle.
type strictFile struct {
	s    *StrictTestManager
	f    File
	path string
}

var _ File = (*strictFile)(nil)

func (sf *strictFile) Path() string { return sf.path }

func (sf *strictFile) ReadAt(p []byte, off int64) (int, error) {
	sf.s.tb.Helper()
	n, err := sf.f.ReadAt(p, off)

	return n, sf.s.check("file.read", sf.path, err, attr("off", off), attr("len", len(p)), attr("n", n))
}

func (sf *strictFile) WriteAt(p []byte, off int64) (int, error) {
	sf.s.tb.Helper()
	n, err := sf.f.WriteAt(p, off)

	return n, sf.s.check("file.write", sf.path, err, attr("off", off), attr("len", len(p)), attr("n", n))
}

func (sf *strictFile) Len() (int64, error) {
	sf.s.tb.Helper()
	n, err := sf.f.Len()

	return n, sf.s.check("file.len", sf.path, err, attr("len", n))
}

func (sf *strictFile) SetLen(n int64) error {
	sf.s.tb.Helper()

	return sf.s.check("file.setlen", sf.path, sf.f.SetLen(n), attr("len", n))
}

func (sf *strictFile) SyncData() error {
	sf.s.tb.Helper()

	return sf.s.check("file.syncdata", sf.path, sf.f.SyncData())
}

func (sf *strictFile) SyncAll() error {
	sf.s.tb.Helper()

	return sf.s.check("file.sync", sf.path, sf.f.SyncAll())
}

func (sf *strictFile) TryLock(mode LockMode) error {
	sf.s.tb.Helper()

	return sf.s.check("file.lock", sf.path, sf.f.TryLock(mode), attr("mode", mode))
}

func (sf *strictFile) Unlock() error {
	sf.s.tb.Helper()

	return sf.s.check("file.unlock", sf.path, sf.f.Unlock())
}

func (sf *strictFile) Clone() (File, error) {
	sf.s.tb.Helper()
	f, err := sf.f.Clone()

	if err := sf.s.check("file.clone", sf.path, err); err != nil {
		return nil, err
	}

	return &strictFile{s: sf.s, f: f, path: sf.path}, nil
}

func (sf *strictFile) Close() error {
	sf.s.tb.Helper()

	return sf.s.check("file.close", sf.path, sf.f.Close())
}
