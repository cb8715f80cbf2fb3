package vfs_test

import (
	"errors"
	"testing"
	"time"

	"github.com/calvinalkan/vfs/pkg/vfs"
)

func Test_LockWithTimeout_Returns_WouldBlock_When_Lock_Stays_Held(t *testing.T) {
	t.Parallel()

	m := vfs.NewMemory()
	holder := mustCreate(t, m, "/LOCK")
	waiter := mustOpen(t, m, "/LOCK", vfs.ReadWrite())

	if err := holder.TryLock(vfs.LockExclusive); err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	start := time.Now()
	err := vfs.LockWithTimeout(waiter, vfs.LockShared, 30*time.Millisecond)

	wantKind(t, "LockWithTimeout", err, vfs.KindWouldBlock)

	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("returned after %v, want >= 30ms", elapsed)
	}
}

func Test_LockWithTimeout_Acquires_Lock_When_Holder_Releases_In_Time(t *testing.T) {
	t.Parallel()

	m := vfs.NewMemory()
	holder := mustCreate(t, m, "/LOCK")
	waiter := mustOpen(t, m, "/LOCK", vfs.ReadWrite())

	if err := holder.TryLock(vfs.LockExclusive); err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = holder.Unlock()
	}()

	if err := vfs.LockWithTimeout(waiter, vfs.LockExclusive, 5*time.Second); err != nil {
		t.Fatalf("LockWithTimeout: %v", err)
	}
}

func Test_LockWithTimeout_Returns_ErrInvalidTimeout_When_Timeout_Is_Not_Positive(t *testing.T) {
	t.Parallel()

	f := mustCreate(t, vfs.NewMemory(), "/f")

	if err := vfs.LockWithTimeout(f, vfs.LockShared, 0); !errors.Is(err, vfs.ErrInvalidTimeout) {
		t.Fatalf("LockWithTimeout(0): err=%v, want ErrInvalidTimeout", err)
	}
}
