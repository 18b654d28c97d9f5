package commitment

/*
	The shard tree stores the commitment tree's leaves across fixed-size
	shards: shard i holds the sparse subtree over leaf positions
	[i*2^16, (i+1)*2^16). A cap over completed shard roots short-circuits
	hashing of full shards. On top of the stored leaves the tree supports
	historical roots (any checkpointed position) and authentication paths
	for marked leaves, both computed by padding positions beyond the cutoff
	with empty-subtree roots.

	Checkpoints are identified by a monotonically increasing id and record
	the tree state at creation time plus any marks removed while the
	checkpoint was the most recent one; when a checkpoint is pruned (the
	store keeps at most maxCheckpoints) its removed marks are applied to the
	stored leaves.
*/

import (
	"fmt"

	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

// shardMask extracts the local position within a shard
const shardMask = (uint64(1) << ShardHeight) - 1

// Retention controls what the tree remembers about an appended leaf
type Retention struct {
	// Marked retains the leaf for witness generation
	Marked bool
	// Checkpoint creates a checkpoint immediately after the append
	Checkpoint bool
	// CheckpointID identifies the checkpoint when Checkpoint is set
	CheckpointID uint32
}

// RetentionEphemeral() keeps the leaf only as tree structure
func RetentionEphemeral() Retention { return Retention{} }

// RetentionMarked() keeps the leaf witnessable
func RetentionMarked() Retention { return Retention{Marked: true} }

// RetentionCheckpoint() checkpoints the tree right after the append
func RetentionCheckpoint(id uint32, marked bool) Retention {
	return Retention{Marked: marked, Checkpoint: true, CheckpointID: id}
}

// MerklePath is a depth-32 authentication path for a single leaf
type MerklePath struct {
	Position uint64
	AuthPath [TreeDepth]crypto.Hash
}

// Root() folds a leaf value up the path to the tree root
func (p *MerklePath) Root(h Hasher, leaf crypto.Hash) crypto.Hash {
	cur := leaf
	for level := uint8(0); level < TreeDepth; level++ {
		if (p.Position>>level)&1 == 0 {
			cur = h.Combine(level, cur, p.AuthPath[level])
		} else {
			cur = h.Combine(level, p.AuthPath[level], cur)
		}
	}
	return cur
}

// ShardTree is a commitment tree over a ShardStore
type ShardTree struct {
	store          ShardStore
	hasher         Hasher
	empty          *emptyRoots
	maxCheckpoints int
}

// NewShardTree() creates a shard tree with the default hasher
func NewShardTree(store ShardStore, maxCheckpoints int) *ShardTree {
	return NewShardTreeWithHasher(store, maxCheckpoints, DefaultHasher())
}

// NewShardTreeWithHasher() creates a shard tree with a caller-supplied hasher
func NewShardTreeWithHasher(store ShardStore, maxCheckpoints int, h Hasher) *ShardTree {
	return &ShardTree{store: store, hasher: h, empty: newEmptyRoots(h), maxCheckpoints: maxCheckpoints}
}

// Insert() writes a leaf at the given position. Appends are expected in
// order; an existing position is overwritten.
func (t *ShardTree) Insert(position uint64, leaf crypto.Hash, retention Retention) lib.ErrorI {
	if position >= MaxLeaves {
		return ErrTreeFull()
	}
	flags := FlagEphemeral
	if retention.Marked {
		flags |= FlagMarked
	}
	if retention.Checkpoint {
		flags |= FlagCheckpoint
	}
	shardIdx, local := position>>ShardHeight, position&shardMask
	root, err := t.store.GetShard(shardIdx)
	if err != nil {
		return err
	}
	if root, err = insertLeaf(root, ShardHeight, local, NewLeaf(leaf, flags)); err != nil {
		return err
	}
	// a completed shard gets its root cached on the node and in the cap
	if local == shardMask {
		full, hashErr := t.hashSubtree(root, ShardHeight, shardIdx, position)
		if hashErr != nil {
			return hashErr
		}
		root.Ann = &full
		if err = t.capInsert(shardIdx, full); err != nil {
			return err
		}
	}
	if err = t.store.PutShard(shardIdx, root); err != nil {
		return err
	}
	if retention.Checkpoint {
		if _, err = t.Checkpoint(retention.CheckpointID); err != nil {
			return err
		}
	}
	return nil
}

// MaxLeafPosition() returns the position of the highest stored leaf
func (t *ShardTree) MaxLeafPosition() (uint64, bool, lib.ErrorI) {
	shardIdx, ok, err := t.store.LastShard()
	if err != nil || !ok {
		return 0, false, err
	}
	root, err := t.store.GetShard(shardIdx)
	if err != nil {
		return 0, false, err
	}
	local, found := rightmostLeaf(root, ShardHeight)
	if !found {
		return 0, false, ErrShardStoreMsg(fmt.Sprintf("shard %d stored with no leaves", shardIdx))
	}
	return shardIdx<<ShardHeight | local, true, nil
}

// Root() computes the root over the current tree contents
func (t *ShardTree) Root() (crypto.Hash, lib.ErrorI) {
	position, ok, err := t.MaxLeafPosition()
	if err != nil {
		return crypto.NullHash, err
	}
	if !ok {
		return t.empty.roots[TreeDepth], nil
	}
	return t.hashAt(TreeDepth, 0, position)
}

// Checkpoint() records the current tree state under the given id. Ids must
// be strictly increasing; a stale id returns false without storing anything.
// Excess checkpoints beyond the retention limit are pruned oldest-first,
// applying their deferred mark removals.
func (t *ShardTree) Checkpoint(id uint32) (bool, lib.ErrorI) {
	if maxID, ok, err := t.store.MaxCheckpointID(); err != nil {
		return false, err
	} else if ok && id <= maxID {
		return false, nil
	}
	position, nonEmpty, err := t.MaxLeafPosition()
	if err != nil {
		return false, err
	}
	state := TreeState{Empty: !nonEmpty, Position: position}
	if err = t.store.AddCheckpoint(id, NewCheckpoint(state)); err != nil {
		return false, err
	}
	return true, t.pruneCheckpoints()
}

// RootAtCheckpointDepth() returns the root as of the checkpoint `depth`
// steps back from the most recent one (depth 0 is the most recent)
func (t *ShardTree) RootAtCheckpointDepth(depth int) (crypto.Hash, lib.ErrorI) {
	_, cp, ok, err := t.store.CheckpointAtDepth(depth)
	if err != nil {
		return crypto.NullHash, err
	}
	if !ok {
		return crypto.NullHash, ErrCheckpointMissing(fmt.Sprintf("no checkpoint at depth %d", depth))
	}
	if cp.State.Empty {
		return t.empty.roots[TreeDepth], nil
	}
	return t.hashAt(TreeDepth, 0, cp.State.Position)
}

// Witness() returns the authentication path of a marked leaf against the
// current tree contents
func (t *ShardTree) Witness(position uint64) (*MerklePath, lib.ErrorI) {
	cutoff, ok, err := t.MaxLeafPosition()
	if err != nil {
		return nil, err
	}
	if !ok || position > cutoff {
		return nil, ErrPositionMissing(position)
	}
	return t.witnessAt(position, cutoff)
}

// WitnessAtCheckpointDepth() returns the authentication path of a marked
// leaf as of the checkpoint at the given depth
func (t *ShardTree) WitnessAtCheckpointDepth(position uint64, depth int) (*MerklePath, lib.ErrorI) {
	_, cp, ok, err := t.store.CheckpointAtDepth(depth)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCheckpointMissing(fmt.Sprintf("no checkpoint at depth %d", depth))
	}
	if cp.State.Empty || position > cp.State.Position {
		return nil, ErrPositionMissing(position)
	}
	return t.witnessAt(position, cp.State.Position)
}

// RemoveMark() withdraws witness retention from a leaf. While checkpoints
// exist the removal is deferred (recorded against the most recent
// checkpoint and applied when it is pruned); otherwise the flag is cleared
// immediately.
func (t *ShardTree) RemoveMark(position uint64) lib.ErrorI {
	leaf, err := t.leafNode(position)
	if err != nil {
		return err
	}
	if leaf.Flags&FlagMarked == 0 {
		return ErrPositionMissing(position)
	}
	maxID, hasCheckpoints, err := t.store.MaxCheckpointID()
	if err != nil {
		return err
	}
	if hasCheckpoints {
		_, err = t.store.UpdateCheckpoint(maxID, func(cp *Checkpoint) {
			cp.MarksRemoved[position] = struct{}{}
		})
		return err
	}
	return t.clearMark(position)
}

// witnessAt() assembles the 32 path siblings against the given cutoff
func (t *ShardTree) witnessAt(position, cutoff uint64) (*MerklePath, lib.ErrorI) {
	leaf, err := t.leafNode(position)
	if err != nil {
		return nil, err
	}
	if leaf.Flags&FlagMarked == 0 {
		return nil, ErrPositionMissing(position)
	}
	removed, err := t.markPendingRemoval(position)
	if err != nil {
		return nil, err
	}
	if removed {
		return nil, ErrPositionMissing(position)
	}
	path := &MerklePath{Position: position}
	for level := uint8(0); level < TreeDepth; level++ {
		sibling := (position >> level) ^ 1
		path.AuthPath[level], err = t.hashAt(level, sibling, cutoff)
		if err != nil {
			return nil, err
		}
	}
	return path, nil
}

// hashAt() computes the hash of the subtree with the given index at the
// given level, treating every position beyond the cutoff as empty
func (t *ShardTree) hashAt(level uint8, index, cutoff uint64) (crypto.Hash, lib.ErrorI) {
	if index<<level > cutoff {
		return t.empty.roots[level], nil
	}
	switch {
	case level < ShardHeight:
		shardIdx := (index << level) >> ShardHeight
		root, err := t.store.GetShard(shardIdx)
		if err != nil {
			return crypto.NullHash, err
		}
		if root == nil {
			return crypto.NullHash, ErrPositionMissing(index << level)
		}
		return t.hashSubtree(descendTo(root, level, index), level, index, cutoff)
	case level == ShardHeight:
		// a completed shard whose range is inside the cutoff resolves from
		// the cap without loading the shard
		if full, ok, err := t.capLeaf(index); err != nil {
			return crypto.NullHash, err
		} else if ok && ((index+1)<<ShardHeight)-1 <= cutoff {
			return full, nil
		}
		root, err := t.store.GetShard(index)
		if err != nil {
			return crypto.NullHash, err
		}
		if root == nil {
			return crypto.NullHash, ErrPositionMissing(index << level)
		}
		return t.hashSubtree(root, ShardHeight, index, cutoff)
	default:
		left, err := t.hashAt(level-1, 2*index, cutoff)
		if err != nil {
			return crypto.NullHash, err
		}
		right, err := t.hashAt(level-1, 2*index+1, cutoff)
		if err != nil {
			return crypto.NullHash, err
		}
		return t.hasher.Combine(level-1, left, right), nil
	}
}

// hashSubtree() hashes a stored node covering the subtree (level, index)
func (t *ShardTree) hashSubtree(node *Node, level uint8, index, cutoff uint64) (crypto.Hash, lib.ErrorI) {
	start := index << level
	if start > cutoff {
		return t.empty.roots[level], nil
	}
	if node == nil {
		return crypto.NullHash, ErrPositionMissing(start)
	}
	if level == 0 {
		if !node.Leaf {
			return crypto.NullHash, ErrInvalidData("parent node at leaf level")
		}
		return node.Hash, nil
	}
	if node.Leaf {
		return crypto.NullHash, ErrInvalidData("leaf node above leaf level")
	}
	if node.Ann != nil && start+(uint64(1)<<level)-1 <= cutoff {
		return *node.Ann, nil
	}
	left, err := t.hashSubtree(node.Left, level-1, 2*index, cutoff)
	if err != nil {
		return crypto.NullHash, err
	}
	right, err := t.hashSubtree(node.Right, level-1, 2*index+1, cutoff)
	if err != nil {
		return crypto.NullHash, err
	}
	return t.hasher.Combine(level-1, left, right), nil
}

// capInsert() records a completed shard's root in the cap
func (t *ShardTree) capInsert(shardIdx uint64, full crypto.Hash) lib.ErrorI {
	capRoot, err := t.store.GetCap()
	if err != nil {
		return err
	}
	if capRoot, err = insertLeaf(capRoot, TreeDepth-ShardHeight, shardIdx, NewLeaf(full, 0)); err != nil {
		return err
	}
	return t.store.PutCap(capRoot)
}

// capLeaf() looks up a completed shard's cached root in the cap
func (t *ShardTree) capLeaf(shardIdx uint64) (crypto.Hash, bool, lib.ErrorI) {
	capRoot, err := t.store.GetCap()
	if err != nil {
		return crypto.NullHash, false, err
	}
	leaf := leafAt(capRoot, TreeDepth-ShardHeight, shardIdx)
	if leaf == nil {
		return crypto.NullHash, false, nil
	}
	return leaf.Hash, true, nil
}

// leafNode() loads the stored leaf at a global position
func (t *ShardTree) leafNode(position uint64) (*Node, lib.ErrorI) {
	root, err := t.store.GetShard(position >> ShardHeight)
	if err != nil {
		return nil, err
	}
	leaf := leafAt(root, ShardHeight, position&shardMask)
	if leaf == nil {
		return nil, ErrPositionMissing(position)
	}
	return leaf, nil
}

// clearMark() clears the marked flag on a stored leaf
func (t *ShardTree) clearMark(position uint64) lib.ErrorI {
	shardIdx := position >> ShardHeight
	root, err := t.store.GetShard(shardIdx)
	if err != nil {
		return err
	}
	if !updateLeafFlags(root, ShardHeight, position&shardMask, func(f uint8) uint8 {
		return f &^ FlagMarked
	}) {
		return ErrPositionMissing(position)
	}
	return t.store.PutShard(shardIdx, root)
}

// markPendingRemoval() reports whether any stored checkpoint carries a
// deferred mark removal for the position
func (t *ShardTree) markPendingRemoval(position uint64) (bool, lib.ErrorI) {
	count, err := t.store.CheckpointCount()
	if err != nil {
		return false, err
	}
	for depth := 0; depth < count; depth++ {
		_, cp, ok, cpErr := t.store.CheckpointAtDepth(depth)
		if cpErr != nil {
			return false, cpErr
		}
		if !ok {
			break
		}
		if _, removed := cp.MarksRemoved[position]; removed {
			return true, nil
		}
	}
	return false, nil
}

// pruneCheckpoints() drops the oldest checkpoints beyond the retention
// limit, applying their deferred mark removals
func (t *ShardTree) pruneCheckpoints() lib.ErrorI {
	if t.maxCheckpoints <= 0 {
		return nil
	}
	for {
		count, err := t.store.CheckpointCount()
		if err != nil {
			return err
		}
		if count <= t.maxCheckpoints {
			return nil
		}
		minID, ok, err := t.store.MinCheckpointID()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		cp, found, err := t.store.GetCheckpoint(minID)
		if err != nil {
			return err
		}
		if found {
			for position := range cp.MarksRemoved {
				if err = t.clearMark(position); err != nil {
					return err
				}
			}
		}
		if err = t.store.RemoveCheckpoint(minID); err != nil {
			return err
		}
	}
}

// descendTo() walks a shard root down to the node covering (level, index);
// nil when the path is unpopulated
func descendTo(root *Node, level uint8, index uint64) *Node {
	cur := root
	for l := ShardHeight; l > level; l-- {
		if cur == nil || cur.Leaf {
			return nil
		}
		if (index>>(l-1-level))&1 == 0 {
			cur = cur.Left
		} else {
			cur = cur.Right
		}
	}
	return cur
}

// rightmostLeaf() finds the highest populated local index under a node
func rightmostLeaf(node *Node, height uint8) (uint64, bool) {
	if node == nil {
		return 0, false
	}
	if height == 0 {
		if !node.Leaf {
			return 0, false
		}
		return 0, true
	}
	if node.Leaf {
		return 0, false
	}
	if local, ok := rightmostLeaf(node.Right, height-1); ok {
		return uint64(1)<<(height-1) | local, true
	}
	return rightmostLeaf(node.Left, height-1)
}
