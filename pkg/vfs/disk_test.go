package vfs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/vfs/pkg/vfs"
)

func newDisk(t *testing.T) (*vfs.Disk, string) {
	t.Helper()

	root := t.TempDir()

	d, err := vfs.NewDisk(root)
	if err != nil {
		t.Fatalf("NewDisk(%q): %v", root, err)
	}

	t.Cleanup(func() { _ = d.Shutdown() })

	return d, root
}

func Test_Disk_Maps_Paths_Beneath_Root_When_Writing(t *testing.T) {
	t.Parallel()

	d, root := newDisk(t)
	mustMkdir(t, d, "/wal")
	writeFile(t, d, "/wal/0001", "entry")

	data, err := os.ReadFile(filepath.Join(root, "wal", "0001"))
	if err != nil {
		t.Fatalf("os.ReadFile: %v", err)
	}

	if got, want := string(data), "entry"; got != want {
		t.Fatalf("host contents=%q, want=%q", got, want)
	}

	host, err := d.HostPath("/wal/../wal/0001")
	if err != nil {
		t.Fatalf("HostPath: %v", err)
	}

	if got, want := host, filepath.Join(root, "wal", "0001"); got != want {
		t.Fatalf("HostPath=%q, want=%q", got, want)
	}
}

func Test_Disk_Cannot_Escape_Root_When_Path_Has_Parent_Segments(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	root := filepath.Join(parent, "root")

	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	d, err := vfs.NewDisk(root)
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}

	writeFile(t, d, "/../outside", "x")

	if _, err := os.Stat(filepath.Join(parent, "outside")); !os.IsNotExist(err) {
		t.Fatalf("file escaped root: stat err=%v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "outside")); err != nil {
		t.Fatalf("file not created inside root: %v", err)
	}
}

func Test_NewDisk_Returns_Error_When_Root_Is_Not_A_Directory(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	for _, root := range []string{"", file, filepath.Join(file, "missing")} {
		if _, err := vfs.NewDisk(root); err == nil {
			t.Fatalf("NewDisk(%q): err=nil, want error", root)
		}
	}
}

func Test_Disk_Lock_Conflicts_Across_Managers_When_Sharing_A_Root(t *testing.T) {
	t.Parallel()

	d1, root := newDisk(t)

	d2, err := vfs.NewDisk(root)
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	defer d2.Shutdown()

	a := mustCreate(t, d1, "/LOCK")
	b := mustOpen(t, d2, "/LOCK", vfs.ReadWrite())

	if err := a.TryLock(vfs.LockExclusive); err != nil {
		t.Fatalf("a.TryLock: %v", err)
	}

	// d2 has its own lock table, so only flock(2) can see a's lock.
	wantKind(t, "b.TryLock via second manager", b.TryLock(vfs.LockShared), vfs.KindWouldBlock)

	if got, _ := d2.LockState("/LOCK"); got != (vfs.LockState{}) {
		t.Fatalf("d2.LockState after failed TryLock=%+v, want unlocked", got)
	}

	if err := a.Unlock(); err != nil {
		t.Fatalf("a.Unlock: %v", err)
	}

	if err := b.TryLock(vfs.LockShared); err != nil {
		t.Fatalf("b.TryLock after unlock: %v", err)
	}
}

func Test_Disk_Keeps_Shared_Lock_When_Upgrade_Fails_Against_Another_Manager(t *testing.T) {
	t.Parallel()

	d1, root := newDisk(t)

	d2, err := vfs.NewDisk(root)
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	defer d2.Shutdown()

	a := mustCreate(t, d1, "/UP")
	b := mustOpen(t, d2, "/UP", vfs.ReadWrite())
	c := mustOpen(t, d2, "/UP", vfs.ReadWrite())

	if err := a.TryLock(vfs.LockShared); err != nil {
		t.Fatalf("a.TryLock(shared): %v", err)
	}

	if err := b.TryLock(vfs.LockShared); err != nil {
		t.Fatalf("b.TryLock(shared): %v", err)
	}

	wantKind(t, "a upgrade while b shares", a.TryLock(vfs.LockExclusive), vfs.KindWouldBlock)

	if got, _ := d1.LockState("/UP"); got.Mode != vfs.LockShared || got.Holders != 1 {
		t.Fatalf("d1.LockState after failed upgrade=%+v, want shared/1", got)
	}

	if err := b.Unlock(); err != nil {
		t.Fatalf("b.Unlock: %v", err)
	}

	// a must still hold its shared flock.
	wantKind(t, "c.TryLock(exclusive) while a shares", c.TryLock(vfs.LockExclusive), vfs.KindWouldBlock)
}

func Test_Disk_Shutdown_Releases_Parked_Lock_When_Handle_Was_Closed_Locked(t *testing.T) {
	t.Parallel()

	d1, root := newDisk(t)

	f, err := d1.Open("/LOCK", vfs.CreateOrOpen())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := f.TryLock(vfs.LockExclusive); err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := vfs.NewDisk(root)
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	defer d2.Shutdown()

	other := mustOpen(t, d2, "/LOCK", vfs.ReadWrite())
	wantKind(t, "TryLock while parked", other.TryLock(vfs.LockExclusive), vfs.KindWouldBlock)

	if err := d1.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if err := other.TryLock(vfs.LockExclusive); err != nil {
		t.Fatalf("TryLock after Shutdown of holder: %v", err)
	}
}

func Test_Disk_Errors_Map_To_Kinds_When_Host_Rejects_The_Call(t *testing.T) {
	t.Parallel()

	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}

	d, root := newDisk(t)
	writeFile(t, d, "/ro", "x")

	if err := os.Chmod(filepath.Join(root, "ro"), 0o400); err != nil {
		t.Fatalf("Chmod: %v", err)
	}

	_, err := d.Open("/ro", vfs.ReadWrite())
	wantKind(t, "Open(read-only file for write)", err, vfs.KindPermissionDenied)
}

func Test_Disk_Clone_Fails_With_NotFound_When_File_Was_Removed(t *testing.T) {
	t.Parallel()

	d, _ := newDisk(t)
	f := mustCreate(t, d, "/gone")

	if err := d.RemoveFile("/gone"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}

	_, err := f.Clone()
	wantKind(t, "Clone(unlinked)", err, vfs.KindNotFound)
}
