package commitment

import (
	"sort"

	"github.com/grovekv/grovekv/lib"
)

// TreeState is a checkpoint's view of the tree: empty, or containing every
// leaf up to and including Position
type TreeState struct {
	Empty    bool
	Position uint64
}

// Checkpoint pairs a tree state with the set of positions whose marks were
// removed while this checkpoint was the most recent one; the marks are
// applied to the stored leaves when the checkpoint itself is pruned
type Checkpoint struct {
	State        TreeState
	MarksRemoved map[uint64]struct{}
}

// NewCheckpoint() builds a checkpoint with no removed marks
func NewCheckpoint(state TreeState) Checkpoint {
	return Checkpoint{State: state, MarksRemoved: map[uint64]struct{}{}}
}

// ShardStore persists the commitment tree's shards (one sparse subtree per
// 2^16 leaf positions), the cap over completed shard roots, and the
// checkpoint ledger. Implementations: MemShardStore and SqliteShardStore.
type ShardStore interface {
	// GetShard returns the shard's root node, nil when the shard is absent
	GetShard(index uint64) (*Node, lib.ErrorI)
	// PutShard inserts or replaces a shard
	PutShard(index uint64, root *Node) lib.ErrorI
	// LastShard returns the highest stored shard index
	LastShard() (index uint64, ok bool, err lib.ErrorI)
	// ShardIndexes lists stored shard indexes in ascending order
	ShardIndexes() ([]uint64, lib.ErrorI)
	// TruncateShards removes every shard with index >= from
	TruncateShards(from uint64) lib.ErrorI
	// GetCap returns the cap tree, nil when none is stored
	GetCap() (*Node, lib.ErrorI)
	// PutCap inserts or replaces the cap tree
	PutCap(root *Node) lib.ErrorI
	// MinCheckpointID / MaxCheckpointID bound the stored checkpoint ids
	MinCheckpointID() (id uint32, ok bool, err lib.ErrorI)
	MaxCheckpointID() (id uint32, ok bool, err lib.ErrorI)
	// AddCheckpoint stores a checkpoint with its marks-removed set
	AddCheckpoint(id uint32, cp Checkpoint) lib.ErrorI
	// CheckpointCount returns the number of stored checkpoints
	CheckpointCount() (int, lib.ErrorI)
	// CheckpointAtDepth returns the checkpoint `depth` steps back from the
	// most recent one (depth 0 is the most recent)
	CheckpointAtDepth(depth int) (id uint32, cp Checkpoint, ok bool, err lib.ErrorI)
	// GetCheckpoint returns the checkpoint with the given id
	GetCheckpoint(id uint32) (cp Checkpoint, ok bool, err lib.ErrorI)
	// UpdateCheckpoint applies f to a stored checkpoint; reports whether the
	// checkpoint existed
	UpdateCheckpoint(id uint32, f func(*Checkpoint)) (bool, lib.ErrorI)
	// RemoveCheckpoint deletes a checkpoint and its marks-removed rows
	RemoveCheckpoint(id uint32) lib.ErrorI
	// TruncateCheckpointsRetaining deletes every checkpoint with a higher id
	// and clears the retained checkpoint's marks-removed set
	TruncateCheckpointsRetaining(id uint32) lib.ErrorI
}

// MemShardStore is an in-memory ShardStore for tests and ephemeral trees
type MemShardStore struct {
	shards      map[uint64]*Node
	cap         *Node
	checkpoints map[uint32]Checkpoint
}

var _ ShardStore = (*MemShardStore)(nil)

// NewMemShardStore() creates an empty in-memory shard store
func NewMemShardStore() *MemShardStore {
	return &MemShardStore{
		shards:      map[uint64]*Node{},
		checkpoints: map[uint32]Checkpoint{},
	}
}

func (m *MemShardStore) GetShard(index uint64) (*Node, lib.ErrorI) {
	return m.shards[index], nil
}

func (m *MemShardStore) PutShard(index uint64, root *Node) lib.ErrorI {
	m.shards[index] = root
	return nil
}

func (m *MemShardStore) LastShard() (uint64, bool, lib.ErrorI) {
	last, ok := uint64(0), false
	for idx := range m.shards {
		if !ok || idx > last {
			last, ok = idx, true
		}
	}
	return last, ok, nil
}

func (m *MemShardStore) ShardIndexes() ([]uint64, lib.ErrorI) {
	indexes := make([]uint64, 0, len(m.shards))
	for idx := range m.shards {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes, nil
}

func (m *MemShardStore) TruncateShards(from uint64) lib.ErrorI {
	for idx := range m.shards {
		if idx >= from {
			delete(m.shards, idx)
		}
	}
	return nil
}

func (m *MemShardStore) GetCap() (*Node, lib.ErrorI) { return m.cap, nil }

func (m *MemShardStore) PutCap(root *Node) lib.ErrorI {
	m.cap = root
	return nil
}

func (m *MemShardStore) MinCheckpointID() (uint32, bool, lib.ErrorI) {
	min, ok := uint32(0), false
	for id := range m.checkpoints {
		if !ok || id < min {
			min, ok = id, true
		}
	}
	return min, ok, nil
}

func (m *MemShardStore) MaxCheckpointID() (uint32, bool, lib.ErrorI) {
	max, ok := uint32(0), false
	for id := range m.checkpoints {
		if !ok || id > max {
			max, ok = id, true
		}
	}
	return max, ok, nil
}

func (m *MemShardStore) AddCheckpoint(id uint32, cp Checkpoint) lib.ErrorI {
	if _, exists := m.checkpoints[id]; exists {
		return ErrShardStoreMsg("checkpoint id already exists")
	}
	m.checkpoints[id] = copyCheckpoint(cp)
	return nil
}

func (m *MemShardStore) CheckpointCount() (int, lib.ErrorI) {
	return len(m.checkpoints), nil
}

func (m *MemShardStore) CheckpointAtDepth(depth int) (uint32, Checkpoint, bool, lib.ErrorI) {
	ids := m.sortedCheckpointIDs()
	if depth < 0 || depth >= len(ids) {
		return 0, Checkpoint{}, false, nil
	}
	id := ids[len(ids)-1-depth]
	return id, copyCheckpoint(m.checkpoints[id]), true, nil
}

func (m *MemShardStore) GetCheckpoint(id uint32) (Checkpoint, bool, lib.ErrorI) {
	cp, ok := m.checkpoints[id]
	if !ok {
		return Checkpoint{}, false, nil
	}
	return copyCheckpoint(cp), true, nil
}

func (m *MemShardStore) UpdateCheckpoint(id uint32, f func(*Checkpoint)) (bool, lib.ErrorI) {
	cp, ok := m.checkpoints[id]
	if !ok {
		return false, nil
	}
	updated := copyCheckpoint(cp)
	f(&updated)
	m.checkpoints[id] = updated
	return true, nil
}

func (m *MemShardStore) RemoveCheckpoint(id uint32) lib.ErrorI {
	delete(m.checkpoints, id)
	return nil
}

func (m *MemShardStore) TruncateCheckpointsRetaining(id uint32) lib.ErrorI {
	for cpID := range m.checkpoints {
		if cpID > id {
			delete(m.checkpoints, cpID)
		}
	}
	if cp, ok := m.checkpoints[id]; ok {
		cp.MarksRemoved = map[uint64]struct{}{}
		m.checkpoints[id] = cp
	}
	return nil
}

func (m *MemShardStore) sortedCheckpointIDs() []uint32 {
	ids := make([]uint32, 0, len(m.checkpoints))
	for id := range m.checkpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func copyCheckpoint(cp Checkpoint) Checkpoint {
	marks := make(map[uint64]struct{}, len(cp.MarksRemoved))
	for pos := range cp.MarksRemoved {
		marks[pos] = struct{}{}
	}
	return Checkpoint{State: cp.State, MarksRemoved: marks}
}
