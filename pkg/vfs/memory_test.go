package vfs_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/vfs/pkg/vfs"
)

func newStrictMemory(t *testing.T) *vfs.Memory {
	t.Helper()

	m, err := vfs.NewMemoryWithConfig(vfs.MemoryConfig{StrictDirSync: true})
	if err != nil {
		t.Fatalf("NewMemoryWithConfig: %v", err)
	}

	return m
}

func Test_Memory_SimulateCrash_Reverts_To_Synced_Contents_When_Writes_Are_Unsynced(t *testing.T) {
	t.Parallel()

	m := vfs.NewMemory()

	f := mustCreate(t, m, "/wal")
	mustWriteAt(t, f, "synced", 0)

	if err := f.SyncData(); err != nil {
		t.Fatalf("SyncData: %v", err)
	}

	mustWriteAt(t, f, "-lost", 6)

	m.SimulateCrash()

	if got, want := readFile(t, m, "/wal"), "synced"; got != want {
		t.Fatalf("after crash=%q, want=%q", got, want)
	}
}

func Test_Memory_SimulateCrash_Empties_File_When_It_Was_Never_Synced(t *testing.T) {
	t.Parallel()

	m := vfs.NewMemory()
	writeFile(t, m, "/never", "data")

	m.SimulateCrash()

	if ok, _ := m.Exists("/never"); !ok {
		t.Fatalf("Exists(/never)=false, want=true (entries are durable without strict mode)")
	}

	if got := readFile(t, m, "/never"); got != "" {
		t.Fatalf("after crash=%q, want empty", got)
	}
}

func Test_Memory_SimulateCrash_Invalidates_Handles_And_Drops_Locks_When_Called(t *testing.T) {
	t.Parallel()

	m := vfs.NewMemory()

	f := mustCreate(t, m, "/h")
	if err := f.TryLock(vfs.LockExclusive); err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	m.SimulateCrash()

	_, err := f.ReadAt(make([]byte, 1), 0)
	if !errors.Is(err, vfs.ErrCrashed) {
		t.Fatalf("ReadAt on pre-crash handle: err=%v, want ErrCrashed", err)
	}

	wantKind(t, "ReadAt on pre-crash handle", err, vfs.KindUnexpectedFailure)

	if err := f.Unlock(); err != nil {
		t.Fatalf("Unlock on pre-crash handle: %v", err)
	}

	g := mustOpen(t, m, "/h", vfs.ReadWrite())
	if err := g.TryLock(vfs.LockExclusive); err != nil {
		t.Fatalf("TryLock after crash: %v", err)
	}
}

func Test_Memory_SimulateCrash_Keeps_Entries_When_Strict_Mode_Is_Off(t *testing.T) {
	t.Parallel()

	m := vfs.NewMemory()
	mustMkdir(t, m, "/d")
	writeFile(t, m, "/d/a", "")

	if err := m.Rename("/d/a", "/d/b"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	m.SimulateCrash()

	names, err := m.List("/d")
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if diff := cmp.Diff([]string{"b"}, names); diff != "" {
		t.Fatalf("List mismatch (-want +got):\n%s", diff)
	}
}

func Test_Memory_SimulateCrash_Drops_Unsynced_Entries_When_Strict_Mode_Is_On(t *testing.T) {
	t.Parallel()

	m := newStrictMemory(t)
	mustMkdir(t, m, "/d")

	if err := m.SyncDirectory("/"); err != nil {
		t.Fatalf("SyncDirectory(/): %v", err)
	}

	f := mustCreate(t, m, "/d/kept")
	mustWriteAt(t, f, "k", 0)

	if err := f.SyncAll(); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	if err := m.SyncDirectory("/d"); err != nil {
		t.Fatalf("SyncDirectory(/d): %v", err)
	}

	writeFile(t, m, "/d/lost", "x")

	m.SimulateCrash()

	names, err := m.List("/d")
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if diff := cmp.Diff([]string{"kept"}, names); diff != "" {
		t.Fatalf("List mismatch (-want +got):\n%s", diff)
	}

	if got := readFile(t, m, "/d/kept"); got != "k" {
		t.Fatalf("kept=%q, want=%q", got, "k")
	}
}

func Test_Memory_SimulateCrash_Restores_Source_When_Rename_Is_Not_Synced_In_Strict_Mode(t *testing.T) {
	t.Parallel()

	m := newStrictMemory(t)

	f := mustCreate(t, m, "/old")
	mustWriteAt(t, f, "v1", 0)

	if err := f.SyncAll(); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	if err := m.SyncDirectory("/"); err != nil {
		t.Fatalf("SyncDirectory: %v", err)
	}

	if err := m.Rename("/old", "/new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	m.SimulateCrash()

	if ok, _ := m.Exists("/new"); ok {
		t.Fatalf("Exists(/new)=true, want=false")
	}

	if got := readFile(t, m, "/old"); got != "v1" {
		t.Fatalf("old=%q, want=%q", got, "v1")
	}
}

func Test_Memory_SimulateCrash_Keeps_New_Contents_When_Writeback_Keeps_New(t *testing.T) {
	t.Parallel()

	m, err := vfs.NewMemoryWithConfig(vfs.MemoryConfig{
		Writeback: vfs.WritebackConfig{
			Seed:        1,
			FileWeights: vfs.WritebackFileWeights{KeepNew: 1},
		},
	})
	if err != nil {
		t.Fatalf("NewMemoryWithConfig: %v", err)
	}

	writeFile(t, m, "/wb", "unsynced")

	m.SimulateCrash()

	if got := readFile(t, m, "/wb"); got != "unsynced" {
		t.Fatalf("after crash=%q, want=%q", got, "unsynced")
	}
}

func Test_Memory_SimulateCrash_Leaves_Prefix_Of_New_Over_Old_When_Writeback_Tears(t *testing.T) {
	t.Parallel()

	for seed := range int64(20) {
		m, err := vfs.NewMemoryWithConfig(vfs.MemoryConfig{
			Writeback: vfs.WritebackConfig{
				Seed:        seed,
				FileWeights: vfs.WritebackFileWeights{KeepPrefix: 1},
			},
		})
		if err != nil {
			t.Fatalf("NewMemoryWithConfig: %v", err)
		}

		f := mustCreate(t, m, "/torn")
		mustWriteAt(t, f, "aaaaaaaa", 0)

		if err := f.SyncData(); err != nil {
			t.Fatalf("SyncData: %v", err)
		}

		mustWriteAt(t, f, "bbbbbbbb", 0)

		m.SimulateCrash()

		got := []byte(readFile(t, m, "/torn"))
		if len(got) != 8 {
			t.Fatalf("seed %d: len=%d, want=8", seed, len(got))
		}

		k := bytes.IndexByte(got, 'a')
		if k < 0 {
			k = len(got)
		}

		if !bytes.Equal(got, append(bytes.Repeat([]byte("b"), k), bytes.Repeat([]byte("a"), 8-k)...)) {
			t.Fatalf("seed %d: contents=%q, want b* followed by a*", seed, got)
		}
	}
}

func Test_Memory_SimulateCrash_Is_Deterministic_When_Seed_Is_Fixed(t *testing.T) {
	t.Parallel()

	run := func() []string {
		m, err := vfs.NewMemoryWithConfig(vfs.MemoryConfig{
			Writeback: vfs.WritebackConfig{
				Seed:        42,
				FileWeights: vfs.WritebackFileWeights{KeepOld: 1, KeepNew: 1, KeepPrefix: 1},
			},
		})
		if err != nil {
			t.Fatalf("NewMemoryWithConfig: %v", err)
		}

		for _, name := range []string{"/a", "/b", "/c", "/d", "/e"} {
			writeFile(t, m, name, "0123456789")
		}

		m.SimulateCrash()

		var out []string
		for _, name := range []string{"/a", "/b", "/c", "/d", "/e"} {
			out = append(out, readFile(t, m, name))
		}

		return out
	}

	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Fatalf("crash outcome differs between runs (-first +second):\n%s", diff)
	}
}

func Test_NewMemoryWithConfig_Returns_Error_When_Weights_Are_Negative(t *testing.T) {
	t.Parallel()

	_, err := vfs.NewMemoryWithConfig(vfs.MemoryConfig{
		Writeback: vfs.WritebackConfig{FileWeights: vfs.WritebackFileWeights{KeepNew: -1}},
	})
	if err == nil {
		t.Fatal("NewMemoryWithConfig with negative weight: err=nil, want error")
	}
}

func Test_Memory_Shutdown_Releases_Lock_When_Closed_Handle_Still_Holds_It(t *testing.T) {
	t.Parallel()

	m := vfs.NewMemory()

	f, err := m.Open("/o", vfs.CreateOrOpen())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := f.TryLock(vfs.LockShared); err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got, _ := m.LockState("/o"); got.Mode != vfs.LockShared || got.Holders != 1 {
		t.Fatalf("LockState before Shutdown=%+v, want shared/1", got)
	}

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got, _ := m.LockState("/o"); got != (vfs.LockState{}) {
		t.Fatalf("LockState after Shutdown=%+v, want unlocked", got)
	}
}

func Test_Memory_Handles_Share_Node_When_Opened_Twice(t *testing.T) {
	t.Parallel()

	m := vfs.NewMemory()
	a := mustCreate(t, m, "/shared")
	b := mustOpen(t, m, "/shared", vfs.ReadOnly())

	mustWriteAt(t, a, "seen", 0)
	wantBytes(t, "b contents", mustReadAll(t, b), "seen")
}

func Test_Memory_Rename_Keeps_Open_Handle_Attached_When_File_Moves(t *testing.T) {
	t.Parallel()

	m := vfs.NewMemory()
	f := mustCreate(t, m, "/before")

	if err := m.Rename("/before", "/after"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	mustWriteAt(t, f, "moved", 0)

	if got := readFile(t, m, "/after"); got != "moved" {
		t.Fatalf("after=%q, want=%q", got, "moved")
	}
}
