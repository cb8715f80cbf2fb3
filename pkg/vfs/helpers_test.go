package vfs_test

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/calvinalkan/vfs/pkg/vfs"
)

// backend builds a fresh manager for a conformance test.
type backend struct {
	name string
	new  func(t *testing.T) vfs.Manager
}

func backends() []backend {
	return []backend{
		{name: "memory", new: func(*testing.T) vfs.Manager { return vfs.NewMemory() }},
		{name: "disk", new: func(t *testing.T) vfs.Manager {
			t.Helper()

			d, err := vfs.NewDisk(t.TempDir())
			if err != nil {
				t.Fatalf("NewDisk: %v", err)
			}

			t.Cleanup(func() { _ = d.Shutdown() })

			return d
		}},
		{name: "faulty-memory", new: func(*testing.T) vfs.Manager {
			return vfs.NewFaulty(vfs.NewMemory(), vfs.FaultyConfig{Seed: 1})
		}},
	}
}

// forEachBackend runs fn as a parallel subtest against every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, m vfs.Manager)) {
	t.Helper()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			fn(t, b.new(t))
		})
	}
}

func mustOpen(t *testing.T, m vfs.Manager, path string, opts vfs.OpenOptions) vfs.File {
	t.Helper()

	f, err := m.Open(path, opts)
	if err != nil {
		t.Fatalf("Open(%q, %+v): %v", path, opts, err)
	}

	t.Cleanup(func() { _ = f.Close() })

	return f
}

func mustCreate(t *testing.T, m vfs.Manager, path string) vfs.File {
	t.Helper()

	return mustOpen(t, m, path, vfs.CreateOrOpen())
}

func mustWriteAt(t *testing.T, f vfs.File, data string, off int64) {
	t.Helper()

	n, err := f.WriteAt([]byte(data), off)
	if err != nil {
		t.Fatalf("WriteAt(%q, %d): %v", data, off, err)
	}

	if n != len(data) {
		t.Fatalf("WriteAt(%q, %d)=%d, want=%d", data, off, n, len(data))
	}
}

func mustReadAll(t *testing.T, f vfs.File) []byte {
	t.Helper()

	n, err := f.Len()
	if err != nil {
		t.Fatalf("Len(%q): %v", f.Path(), err)
	}

	got, err := vfs.ReadRange(f, 0, int(n))
	if err != nil {
		t.Fatalf("ReadRange(%q, 0, %d): %v", f.Path(), n, err)
	}

	return got
}

func mustMkdir(t *testing.T, m vfs.Manager, path string) {
	t.Helper()

	if err := m.CreateDirAll(path); err != nil {
		t.Fatalf("CreateDirAll(%q): %v", path, err)
	}
}

func writeFile(t *testing.T, m vfs.Manager, path, data string) {
	t.Helper()

	f, err := m.Open(path, vfs.OpenOptions{Write: true, Create: true, Truncate: true})
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}

	mustWriteAt(t, f, data, 0)

	if err := f.Close(); err != nil {
		t.Fatalf("Close(%q): %v", path, err)
	}
}

func readFile(t *testing.T, m vfs.Manager, path string) string {
	t.Helper()

	f, err := m.Open(path, vfs.ReadOnly())
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	defer f.Close()

	return string(mustReadAll(t, f))
}

func wantKind(t *testing.T, what string, err error, kind vfs.Kind) {
	t.Helper()

	if err == nil {
		t.Fatalf("%s: err=nil, want kind %q", what, kind)
	}

	if got := vfs.KindOf(err); got != kind {
		t.Fatalf("%s: kind=%q, want=%q (err=%v)", what, got, kind, err)
	}

	var e *vfs.Error
	if !errors.As(err, &e) {
		t.Fatalf("%s: err is %T, want *vfs.Error", what, err)
	}
}

func wantBytes(t *testing.T, what string, got []byte, want string) {
	t.Helper()

	if !bytes.Equal(got, []byte(want)) {
		t.Fatalf("%s=%q, want=%q", what, got, want)
	}
}

// fakeTB records failures instead of stopping the test.
type fakeTB struct {
	mu       sync.Mutex
	failed   bool
	logs     []string
	cleanups []func()
}

func (*fakeTB) Helper() {}

func (tb *fakeTB) Cleanup(fn func()) {
	tb.mu.Lock()
	tb.cleanups = append(tb.cleanups, fn)
	tb.mu.Unlock()
}

func (tb *fakeTB) Failed() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	return tb.failed
}

func (tb *fakeTB) Logf(format string, args ...any) {
	tb.mu.Lock()
	tb.logs = append(tb.logs, fmt.Sprintf(format, args...))
	tb.mu.Unlock()
}

// Fatalf records the failure and returns, unlike testing.T.
func (tb *fakeTB) Fatalf(format string, args ...any) {
	tb.mu.Lock()
	tb.failed = true
	tb.logs = append(tb.logs, fmt.Sprintf(format, args...))
	tb.mu.Unlock()
}

func (tb *fakeTB) runCleanups() {
	for i := len(tb.cleanups) - 1; i >= 0; i-- {
		tb.cleanups[i]()
	}
}
