package vfs

import (
	"bytes"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"slices"
)

// WritebackConfig configures which unsynced changes survive
// [Memory.SimulateCrash].
//
// Weights are relative: values must be >= 0, 0 disables an outcome, and the
// remaining weights are normalized. The zero value disables writeback: every
// unsynced change is lost.
//
// Example:
//
//	m, _ := vfs.NewMemoryWithConfig(vfs.MemoryConfig{
//		Writeback: vfs.WritebackConfig{
//			Seed:        1,
//			FileWeights: vfs.WritebackFileWeights{KeepOld: 1, KeepPrefix: 1},
//		},
//	})
type WritebackConfig struct {
	// Seed seeds the deterministic RNG. The same Seed and operation order
	// always produce the same crash outcome.
	Seed int64

	FileWeights WritebackFileWeights

	// DirEntryWeights only matter with [MemoryConfig.StrictDirSync].
	DirEntryWeights WritebackDirEntryWeights
}

// WritebackFileWeights defines the weighted outcomes for an unsynced file.
type WritebackFileWeights struct {
	// KeepOld reverts to the last synced contents.
	KeepOld float64
	// KeepNew keeps the current contents.
	KeepNew float64
	// KeepPrefix keeps a random-length prefix of the current contents
	// followed by whatever synced data lies beyond it (a torn write).
	KeepPrefix float64
}

// WritebackDirEntryWeights defines the weighted outcomes for an unsynced
// directory entry.
type WritebackDirEntryWeights struct {
	KeepOld float64
	KeepNew float64
}

type writebackOutcome uint8

const (
	writebackOld writebackOutcome = iota
	writebackNew
	writebackPrefix
)

type writeback struct {
	rng *rand.Rand // nil when disabled

	keepOld, keepNew, keepPrefix float64
	dirKeepNew                   float64
}

func newWriteback(cfg WritebackConfig) (*writeback, error) {
	fw := cfg.FileWeights

	fileSum, err := sumWeights(fw.KeepOld, fw.KeepNew, fw.KeepPrefix)
	if err != nil {
		return nil, fmt.Errorf("vfs: invalid writeback file weights: %w", err)
	}

	dirSum, err := sumWeights(cfg.DirEntryWeights.KeepOld, cfg.DirEntryWeights.KeepNew)
	if err != nil {
		return nil, fmt.Errorf("vfs: invalid writeback dir entry weights: %w", err)
	}

	wb := &writeback{keepOld: 1}
	if fileSum == 0 && dirSum == 0 {
		return wb, nil
	}

	wb.rng = rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)))

	if fileSum > 0 {
		wb.keepOld = fw.KeepOld / fileSum
		wb.keepNew = fw.KeepNew / fileSum
		wb.keepPrefix = fw.KeepPrefix / fileSum
	}

	if dirSum > 0 {
		wb.dirKeepNew = cfg.DirEntryWeights.KeepNew / dirSum
	}

	return wb, nil
}

func sumWeights(weights ...float64) (float64, error) {
	sum := 0.0

	for _, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return 0, fmt.Errorf("invalid weight %v", w)
		}

		sum += w
	}

	return sum, nil
}

func (wb *writeback) fileOutcome() writebackOutcome {
	if wb.rng == nil || wb.keepOld == 1 {
		return writebackOld
	}

	roll := wb.rng.Float64()

	switch {
	case roll < wb.keepOld:
		return writebackOld
	case roll < wb.keepOld+wb.keepNew:
		return writebackNew
	default:
		return writebackPrefix
	}
}

func (wb *writeback) keepNewEntry() bool {
	return wb.rng != nil && wb.dirKeepNew > 0 && wb.rng.Float64() < wb.dirKeepNew
}

// prefixMix returns newData[:k] followed by oldData[k:], for a random k.
func (wb *writeback) prefixMix(oldData, newData []byte) []byte {
	k := wb.rng.IntN(len(newData) + 1)

	out := bytes.Clone(newData[:k])
	if len(oldData) > k {
		out = append(out, oldData[k:]...)
	}

	return out
}

// SimulateCrash models a power loss followed by a restart. It drops all
// unsynced file contents, and in strict mode all unsynced directory entries,
// subject to the [WritebackConfig]. Every open handle is invalidated and every
// lock is released.
func (m *Memory) SimulateCrash() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.epoch.Add(1)
	m.locks.reset()

	m.orphanMu.Lock()
	clear(m.orphans)
	m.orphanMu.Unlock()

	seen := make(map[*memNode]bool)
	reverted := m.crashDir(m.root, seen)

	m.logger.Info("vfs: simulated crash", "backend", "memory", "reverted_files", reverted, "strict_dir_sync", m.strict)
}

// crashDir reverts dir and everything under it, returning the number of
// files whose contents changed. Caller must hold m.mu.
func (m *Memory) crashDir(dir *memNode, seen map[*memNode]bool) int {
	if m.strict {
		dir.children = m.crashEntries(dir)
		dir.synced = maps.Clone(dir.children)
	}

	reverted := 0

	for _, name := range dir.sortedNames() {
		child := dir.children[name]

		// In strict mode a renamed node can be committed in two directories.
		// After the crash they are two independent files.
		if seen[child] {
			child = child.copyNode(m.strict)
			dir.children[name] = child
		}

		seen[child] = true

		if child.isDir {
			reverted += m.crashDir(child, seen)

			continue
		}

		if m.crashFile(child) {
			reverted++
		}
	}

	return reverted
}

func (m *Memory) crashEntries(dir *memNode) map[string]*memNode {
	out := maps.Clone(dir.synced)
	if out == nil {
		out = make(map[string]*memNode)
	}

	names := slices.Sorted(maps.Keys(dir.children))
	for name := range maps.Keys(dir.synced) {
		if _, ok := dir.children[name]; !ok {
			names = append(names, name)
		}
	}

	slices.Sort(names)

	for _, name := range names {
		live, durable := dir.children[name], dir.synced[name]
		if live == durable || !m.wb.keepNewEntry() {
			continue
		}

		if live == nil {
			delete(out, name)
		} else {
			out[name] = live
		}
	}

	return out
}

func (m *Memory) crashFile(n *memNode) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.dirty {
		return false
	}

	switch m.wb.fileOutcome() {
	case writebackNew:
		n.durable = bytes.Clone(n.data)
	case writebackPrefix:
		n.durable = m.wb.prefixMix(n.durable, n.data)
	case writebackOld:
	}

	n.data = bytes.Clone(n.durable)
	n.dirty = false

	return true
}

// copyNode deep-copies a node. Caller must hold the tree lock.
func (n *memNode) copyNode(strict bool) *memNode {
	if n.isDir {
		out := newDirNode(strict)
		for name, child := range n.children {
			out.children[name] = child.copyNode(strict)
		}

		if strict {
			out.synced = maps.Clone(out.children)
		}

		return out
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	out := newFileNode()
	out.data = bytes.Clone(n.data)
	out.durable = bytes.Clone(n.durable)
	out.dirty = n.dirty

	return out
}
