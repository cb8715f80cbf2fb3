package vfs_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/calvinalkan/vfs/pkg/vfs"
)

func Test_SyncBatch_Makes_All_Files_Durable_When_Every_Sync_Succeeds(t *testing.T) {
	t.Parallel()

	m := vfs.NewMemory()
	batch := vfs.NewSyncBatch(context.Background(), 2)

	for i := range 8 {
		f := mustCreate(t, m, fmt.Sprintf("/seg-%d", i))
		mustWriteAt(t, f, "payload", 0)

		if i%2 == 0 {
			batch.QueueSyncData(f)
		} else {
			batch.QueueSyncAll(f)
		}
	}

	if err := batch.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	m.SimulateCrash()

	for i := range 8 {
		if got := readFile(t, m, fmt.Sprintf("/seg-%d", i)); got != "payload" {
			t.Fatalf("seg-%d after crash=%q, want=%q", i, got, "payload")
		}
	}
}

func Test_SyncBatch_Wait_Returns_First_Error_When_A_Sync_Fails(t *testing.T) {
	t.Parallel()

	fm := vfs.NewFaulty(vfs.NewMemory(), vfs.FaultyConfig{})
	fm.ErrorOnSync("/bad", vfs.KindStorageFull)

	good := mustCreate(t, fm, "/good")
	bad := mustCreate(t, fm, "/bad")

	batch := vfs.NewSyncBatch(context.Background(), 0)
	batch.QueueSyncAll(good)
	batch.QueueSyncAll(bad)

	err := batch.Wait()
	if !errors.Is(err, vfs.ErrStorageFull) {
		t.Fatalf("Wait: err=%v, want StorageFull", err)
	}
}

func Test_SyncBatch_Skips_Queued_Syncs_When_Context_Is_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fm := vfs.NewFaulty(vfs.NewMemory(), vfs.FaultyConfig{})
	f := mustCreate(t, fm, "/f")

	batch := vfs.NewSyncBatch(ctx, 1)
	batch.QueueSyncData(f)

	if err := batch.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait: err=%v, want context.Canceled", err)
	}

	if got := fm.Stats(); got != (vfs.FaultStats{}) {
		t.Fatalf("Stats=%+v, want zero", got)
	}
}
