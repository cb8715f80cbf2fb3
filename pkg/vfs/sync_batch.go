package vfs

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// SyncBatch syncs many handles concurrently on a bounded pool, e.g. the
// segment files touched by one commit. The first failure cancels syncs that
// have not started yet.
//
//	b := vfs.NewSyncBatch(ctx, 0)
//	for _, f := range dirty {
//	    b.QueueSyncData(f)
//	}
//	if err := b.Wait(); err != nil { ... }
type SyncBatch struct {
	g   *errgroup.Group
	ctx context.Context
}

// NewSyncBatch returns a batch running at most limit syncs at once. A limit
// <= 0 means runtime.NumCPU().
func NewSyncBatch(ctx context.Context, limit int) *SyncBatch {
	if limit <= 0 {
		limit = runtime.NumCPU()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	return &SyncBatch{g: g, ctx: gctx}
}

// QueueSyncAll queues [File.SyncAll] on f. It blocks while the pool is full.
func (b *SyncBatch) QueueSyncAll(f File) { b.queue(f.SyncAll) }

// QueueSyncData queues [File.SyncData] on f. It blocks while the pool is full.
func (b *SyncBatch) QueueSyncData(f File) { b.queue(f.SyncData) }

func (b *SyncBatch) queue(sync func() error) {
	b.g.Go(func() error {
		if err := b.ctx.Err(); err != nil {
			return err
		}

		return sync()
	})
}

// Wait blocks until every queued sync finished and returns the first error.
func (b *SyncBatch) Wait() error { return b.g.Wait() }
