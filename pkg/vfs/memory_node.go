package vfs

import (
	"bytes"
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// memNode is a file or directory in a [Memory] tree.
//
// Directory fields are guarded by Memory.mu. File fields are guarded by
// memNode.mu; Memory.mu is always acquired first when both are needed.
type memNode struct {
	isDir bool
	// lockKey identifies the file in the lock table, so a lock follows the
	// file across renames the way flock(2) follows an inode.
	lockKey string

	// children are the live entries. synced holds the entries committed by
	// the last SyncDirectory and is only maintained in strict mode.
	children map[string]*memNode
	synced   map[string]*memNode

	mu      sync.Mutex
	data    []byte
	durable []byte
	dirty   bool
	modTime time.Time
}

func newDirNode(strict bool) *memNode {
	n := &memNode{isDir: true, children: make(map[string]*memNode), modTime: time.Now()}
	if strict {
		n.synced = make(map[string]*memNode)
	}

	return n
}

func newFileNode() *memNode {
	return &memNode{lockKey: "node:" + strconv.FormatUint(nodeIDs.Add(1), 10), modTime: time.Now()}
}

var nodeIDs atomic.Uint64

func (n *memNode) sortedNames() []string {
	return slices.Sorted(maps.Keys(n.children))
}

// readAt copies from the buffer into p. Reads at or past the end return 0.
func (n *memNode) readAt(p []byte, off int64) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	if off >= int64(len(n.data)) {
		return 0
	}

	return copy(p, n.data[off:])
}

func (n *memNode) writeAt(p []byte, off int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	end := off + int64(len(p))
	if end > int64(len(n.data)) {
		n.resize(end)
	}

	copy(n.data[off:], p)
	n.touch()
}

func (n *memNode) setLen(size int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.resize(size)
	n.touch()
}

// resize sets the logical length. Bytes exposed by growth are always zero,
// including bytes still present in capacity from an earlier shrink.
// Caller must hold n.mu.
func (n *memNode) resize(size int64) {
	oldLen := int64(len(n.data))

	if size <= oldLen {
		n.data = n.data[:size]

		return
	}

	if size > int64(cap(n.data)) {
		grown := make([]byte, size, max(size, 2*int64(cap(n.data))))
		copy(grown, n.data)
		n.data = grown

		return
	}

	n.data = n.data[:size]
	clear(n.data[oldLen:])
}

// Caller must hold n.mu.
func (n *memNode) touch() {
	n.dirty = true
	n.modTime = time.Now()
}

func (n *memNode) length() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	return int64(len(n.data))
}

// sync advances the durability watermark to the current contents.
func (n *memNode) sync() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.dirty {
		return
	}

	n.durable = bytes.Clone(n.data)
	n.dirty = false
}

// usage returns the total file bytes at or under n. Caller must hold the
// tree lock.
func (n *memNode) usage() int64 {
	if !n.isDir {
		return n.length()
	}

	var total int64
	for _, child := range n.children {
		total += child.usage()
	}

	return total
}
