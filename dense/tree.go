package dense

/*
	A dense fixed-size merkle tree: a full binary tree of fixed height whose
	positions are filled level-order (BFS), root first. Every position holds a
	value, internal nodes included; hashing binds a node's own value digest to
	its children. Root computation is O(count) per call, which is fine for the
	small epoch buffers this backs (typically 16-256 slots).

	Hash layout, domain separated:
	  leaf     = blake3(0x00 || value)
	  internal = blake3(0x01 || blake3(value) || leftHash || rightHash)
	Unpopulated subtrees hash as 32 zero bytes at every height.
*/

import (
	"fmt"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

const (
	// leafTag prefixes leaf hash inputs
	leafTag = 0x00
	// internalTag prefixes internal hash inputs
	internalTag = 0x01

	// MinHeight and MaxHeight bound the tree shape; capacity = 2^height - 1
	MinHeight = 1
	MaxHeight = 16
)

// Store is the positional byte store a dense tree persists its values into.
// GetValue returns nil for an unwritten position.
type Store interface {
	GetValue(acc *costs.Cost, position uint16) ([]byte, lib.ErrorI)
	PutValue(acc *costs.Cost, position uint16, value []byte) lib.ErrorI
}

// Tree is the in-memory state of a dense tree: its fixed height and the
// number of filled positions. Values live in the store.
type Tree struct {
	height uint8
	count  uint16
}

// validateHeight() bounds the height so shifts cannot overflow
func validateHeight(height uint8) lib.ErrorI {
	if height < MinHeight || height > MaxHeight {
		return ErrInvalidInput(fmt.Sprintf("dense tree height %d out of range [%d, %d]", height, MinHeight, MaxHeight))
	}
	return nil
}

// capacityFor() is the slot count of a tree with the given height
func capacityFor(height uint8) uint16 {
	return uint16((uint32(1) << height) - 1)
}

// NewTree() creates an empty tree of the given height
func NewTree(height uint8) (*Tree, lib.ErrorI) {
	if err := validateHeight(height); err != nil {
		return nil, err
	}
	return &Tree{height: height}, nil
}

// FromState() reconstitutes a tree from persisted (height, count) state
func FromState(height uint8, count uint16) (*Tree, lib.ErrorI) {
	if err := validateHeight(height); err != nil {
		return nil, err
	}
	if capacity := capacityFor(height); count > capacity {
		return nil, ErrCorruptedData(fmt.Sprintf("dense tree count %d exceeds capacity %d for height %d", count, capacity, height))
	}
	return &Tree{height: height, count: count}, nil
}

// Height() is the fixed height of the tree
func (t *Tree) Height() uint8 { return t.height }

// Count() is the number of filled positions
func (t *Tree) Count() uint16 { return t.count }

// Capacity() is the maximum number of values the tree can hold
func (t *Tree) Capacity() uint16 { return capacityFor(t.height) }

// IsFull() reports whether every position is filled
func (t *Tree) IsFull() bool { return t.count >= t.Capacity() }

// InsertResult is the outcome of a successful insert
type InsertResult struct {
	RootHash crypto.Hash
	Position uint16
}

// Insert() writes a value into the next position and recomputes the root.
// Inserting into a full tree is an error; TryInsert reports fullness instead.
func (t *Tree) Insert(store Store, value []byte) costs.Result[InsertResult] {
	var acc costs.Cost
	if t.IsFull() {
		return costs.ErrWithCost[InsertResult](ErrTreeFull(t.Capacity(), t.count), acc)
	}
	position := t.count
	if err := store.PutValue(&acc, position, value); err != nil {
		return costs.ErrWithCost[InsertResult](err, acc)
	}
	t.count++
	root, err := t.computeRootHash(&acc, store)
	if err != nil {
		// keep the count consistent with the last good root
		t.count--
		return costs.ErrWithCost[InsertResult](err, acc)
	}
	return costs.WrapWithCost(InsertResult{RootHash: root, Position: position}, acc)
}

// TryInsert() inserts when room remains; the bool reports whether it did
func (t *Tree) TryInsert(store Store, value []byte) costs.Result[*InsertResult] {
	if t.IsFull() {
		return costs.WrapWithCost[*InsertResult](nil, costs.Cost{})
	}
	r := t.Insert(store, value)
	return costs.MapOk(r, func(v InsertResult) *InsertResult { return &v })
}

// Get() reads the value at a position; nil when the position is unfilled
func (t *Tree) Get(store Store, position uint16) costs.Result[[]byte] {
	var acc costs.Cost
	if position >= t.count {
		return costs.WrapWithCost[[]byte](nil, acc)
	}
	value, err := store.GetValue(&acc, position)
	if err != nil {
		return costs.ErrWithCost[[]byte](err, acc)
	}
	if value == nil {
		return costs.ErrWithCost[[]byte](ErrCorruptedData(fmt.Sprintf("dense tree value missing at filled position %d", position)), acc)
	}
	return costs.WrapWithCost(value, acc)
}

// RootHash() is the current root; the zero hash for an empty tree
func (t *Tree) RootHash(store Store) costs.Result[crypto.Hash] {
	var acc costs.Cost
	root, err := t.computeRootHash(&acc, store)
	if err != nil {
		return costs.ErrWithCost[crypto.Hash](err, acc)
	}
	return costs.WrapWithCost(root, acc)
}

func (t *Tree) computeRootHash(acc *costs.Cost, store Store) (crypto.Hash, lib.ErrorI) {
	if t.count == 0 {
		return crypto.NullHash, nil
	}
	return t.hashNode(acc, store, 0)
}

// HashPosition() is the subtree hash rooted at a position, used by proof
// generation for sibling hashes
func (t *Tree) HashPosition(acc *costs.Cost, store Store, position uint16) (crypto.Hash, lib.ErrorI) {
	return t.hashNode(acc, store, position)
}

// hashNode() recursively hashes the subtree at a position; positions beyond
// the filled prefix collapse to the zero hash
func (t *Tree) hashNode(acc *costs.Cost, store Store, position uint16) (crypto.Hash, lib.ErrorI) {
	capacity := t.Capacity()
	if position >= capacity || position >= t.count {
		return crypto.NullHash, nil
	}
	value, err := store.GetValue(acc, position)
	if err != nil {
		return crypto.NullHash, err
	}
	if value == nil {
		return crypto.NullHash, ErrCorruptedData(fmt.Sprintf("dense tree value missing at filled position %d", position))
	}
	// leaf check before child arithmetic so positions near capacity cannot overflow
	if isLeafPosition(position, capacity) {
		return crypto.TaggedHash(acc, leafTag, value), nil
	}
	left, err := t.hashNode(acc, store, 2*position+1)
	if err != nil {
		return crypto.NullHash, err
	}
	right, err := t.hashNode(acc, store, 2*position+2)
	if err != nil {
		return crypto.NullHash, err
	}
	valueHash := crypto.RawHash(value, acc)
	return crypto.TaggedHash(acc, internalTag, valueHash[:], left[:], right[:]), nil
}

// isLeafPosition() reports whether a position's children fall outside capacity
func isLeafPosition(position, capacity uint16) bool {
	return position >= (capacity-1)/2
}

// ComputeDenseMerkleRoot() builds a complete binary tree bottom-up over
// pre-computed leaf hashes, pair-merging with the plain digest. The leaf
// count must be a non-zero power of two. Epoch blobs commit this way.
func ComputeDenseMerkleRoot(acc *costs.Cost, leafHashes []crypto.Hash) (crypto.Hash, lib.ErrorI) {
	if len(leafHashes) == 0 {
		return crypto.NullHash, ErrInvalidInput("dense merkle root needs at least one leaf hash")
	}
	if len(leafHashes)&(len(leafHashes)-1) != 0 {
		return crypto.NullHash, ErrInvalidInput(fmt.Sprintf("dense merkle root needs a power-of-two leaf count, got %d", len(leafHashes)))
	}
	level := append([]crypto.Hash(nil), leafHashes...)
	for len(level) > 1 {
		next := make([]crypto.Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, crypto.CombineHash(level[i], level[i+1], acc))
		}
		level = next
	}
	return level[0], nil
}

// ComputeDenseMerkleRootFromValues() hashes each value with the plain digest
// then folds the dense merkle root over the results
func ComputeDenseMerkleRootFromValues(acc *costs.Cost, values [][]byte) (crypto.Hash, lib.ErrorI) {
	if len(values) == 0 {
		return crypto.NullHash, ErrInvalidInput("dense merkle root needs at least one value")
	}
	leafHashes := make([]crypto.Hash, 0, len(values))
	for _, v := range values {
		leafHashes = append(leafHashes, crypto.RawHash(v, acc))
	}
	return ComputeDenseMerkleRoot(acc, leafHashes)
}
