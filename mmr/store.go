package mmr

import (
	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
)

// StoreReader reads MMR nodes by position; a missing position yields nil with no error
type StoreReader interface {
	ElementAt(acc *costs.Cost, pos uint64) (*Node, lib.ErrorI)
}

// StoreWriter persists a contiguous run of nodes starting at a position
type StoreWriter interface {
	StoreReader
	Append(acc *costs.Cost, pos uint64, nodes []*Node) lib.ErrorI
}

// Batch is the write-ahead buffer for MMR mutations. Appended runs are held
// in memory and served back on reads; Commit flushes them to the store.
// Cache hits charge the same seek and loaded bytes a store read would, so
// fees do not depend on commit timing.
type Batch struct {
	entries []batchEntry
	store   StoreReader
}

type batchEntry struct {
	pos   uint64
	nodes []*Node
}

// NewBatch() wraps a store with an empty overlay
func NewBatch(store StoreReader) *Batch {
	return &Batch{store: store}
}

// Append() buffers a contiguous run of nodes starting at pos
func (b *Batch) Append(pos uint64, nodes []*Node) {
	b.entries = append(b.entries, batchEntry{pos: pos, nodes: nodes})
}

// ElementAt() looks up a node by position, newest buffered runs first
func (b *Batch) ElementAt(acc *costs.Cost, pos uint64) (*Node, lib.ErrorI) {
	for i := len(b.entries) - 1; i >= 0; i-- {
		e := b.entries[i]
		if pos < e.pos {
			continue
		}
		if pos < e.pos+uint64(len(e.nodes)) {
			n := e.nodes[pos-e.pos]
			if acc != nil {
				acc.SeekCount++
				acc.StorageLoadedBytes += n.SerializedSize()
			}
			return n, nil
		}
		break
	}
	return b.store.ElementAt(acc, pos)
}

// Commit() flushes every buffered run to the store in append order
func (b *Batch) Commit(acc *costs.Cost) lib.ErrorI {
	w, ok := b.store.(StoreWriter)
	if !ok {
		return ErrInvalidInput("cannot commit an mmr batch over a read-only store")
	}
	for _, e := range b.entries {
		if err := w.Append(acc, e.pos, e.nodes); err != nil {
			return err
		}
	}
	b.entries = nil
	return nil
}

// MemStore is a map-backed store used by tests and for rebuilding small MMRs
// in memory. Reads charge a seek and the node's serialized size so cost
// assertions match a persistent store.
type MemStore struct {
	nodes map[uint64]*Node
}

// NewMemStore() builds an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{nodes: make(map[uint64]*Node)}
}

// ElementAt() returns the node at pos, nil when absent
func (s *MemStore) ElementAt(acc *costs.Cost, pos uint64) (*Node, lib.ErrorI) {
	n, ok := s.nodes[pos]
	if !ok {
		return nil, nil
	}
	if acc != nil {
		acc.SeekCount++
		acc.StorageLoadedBytes += n.SerializedSize()
	}
	return n, nil
}

// Append() stores a contiguous run of nodes starting at pos
func (s *MemStore) Append(_ *costs.Cost, pos uint64, nodes []*Node) lib.ErrorI {
	for i, n := range nodes {
		s.nodes[pos+uint64(i)] = n
	}
	return nil
}
