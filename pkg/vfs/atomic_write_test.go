package vfs_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/vfs/pkg/vfs"
)

func Test_AtomicWriter_Write_Is_Durable_When_Crash_Follows(t *testing.T) {
	t.Parallel()

	m, err := vfs.NewMemoryWithConfig(vfs.MemoryConfig{StrictDirSync: true})
	if err != nil {
		t.Fatalf("NewMemoryWithConfig: %v", err)
	}

	mustMkdir(t, m, "/db")

	if err := m.SyncDirectory("/"); err != nil {
		t.Fatalf("SyncDirectory: %v", err)
	}

	w := vfs.NewAtomicWriter(m)

	if err := w.WriteBytes("/db/MANIFEST", []byte("v1")); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}

	m.SimulateCrash()

	if got := readFile(t, m, "/db/MANIFEST"); got != "v1" {
		t.Fatalf("after crash=%q, want=%q", got, "v1")
	}

	names, err := m.List("/db")
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if diff := cmp.Diff([]string{"MANIFEST"}, names); diff != "" {
		t.Fatalf("temp file left behind (-want +got):\n%s", diff)
	}
}

func Test_AtomicWriter_Write_Replaces_Existing_File_On_Every_Backend(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, m vfs.Manager) {
		writeFile(t, m, "/cfg", "old")

		w := vfs.NewAtomicWriter(m)
		if err := w.Write("/cfg", strings.NewReader("new contents"), vfs.DefaultAtomicWriteOptions()); err != nil {
			t.Fatalf("Write: %v", err)
		}

		if got := readFile(t, m, "/cfg"); got != "new contents" {
			t.Fatalf("cfg=%q, want=%q", got, "new contents")
		}
	})
}

func Test_AtomicWriter_Write_Leaves_Target_And_Removes_Temp_When_Write_Fails(t *testing.T) {
	t.Parallel()

	fm := vfs.NewFaulty(vfs.NewMemory(), vfs.FaultyConfig{})
	writeFile(t, fm, "/cfg", "old")

	fm.ErrorOnWrite("", vfs.KindStorageFull)

	err := vfs.NewAtomicWriter(fm).WriteBytes("/cfg", []byte("new"))
	if !errors.Is(err, vfs.ErrStorageFull) {
		t.Fatalf("WriteBytes: err=%v, want StorageFull", err)
	}

	fm.ClearRules()

	if got := readFile(t, fm, "/cfg"); got != "old" {
		t.Fatalf("cfg=%q, want=%q", got, "old")
	}

	names, _ := fm.List("/")
	if diff := cmp.Diff([]string{"cfg"}, names); diff != "" {
		t.Fatalf("temp file left behind (-want +got):\n%s", diff)
	}
}

func Test_AtomicWriter_Write_Returns_ErrAtomicWriteDirSync_When_Only_Dir_Sync_Fails(t *testing.T) {
	t.Parallel()

	fm := vfs.NewFaulty(vfs.NewMemory(), vfs.FaultyConfig{})
	mustMkdir(t, fm, "/d")

	if _, err := fm.AddRule(vfs.Rule{Type: vfs.RuleError, Op: vfs.OpSync, Path: "/d"}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	err := vfs.NewAtomicWriter(fm).WriteBytes("/d/f", []byte("x"))
	if !errors.Is(err, vfs.ErrAtomicWriteDirSync) {
		t.Fatalf("WriteBytes: err=%v, want ErrAtomicWriteDirSync", err)
	}

	if got := readFile(t, fm, "/d/f"); got != "x" {
		t.Fatalf("f=%q, want=%q (file is in place despite dir sync failure)", got, "x")
	}
}

func Test_AtomicWriter_Write_Returns_InvalidPath_When_Target_Is_Root(t *testing.T) {
	t.Parallel()

	err := vfs.NewAtomicWriter(vfs.NewMemory()).WriteBytes("/", []byte("x"))
	wantKind(t, "WriteBytes(/)", err, vfs.KindInvalidPath)
}
