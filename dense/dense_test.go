package dense

import (
	"fmt"
	"testing"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory positional store pricing reads like a disk store
type memStore struct {
	values map[uint16][]byte
}

func newMemStore() *memStore {
	return &memStore{values: make(map[uint16][]byte)}
}

func (m *memStore) GetValue(acc *costs.Cost, position uint16) ([]byte, lib.ErrorI) {
	v, ok := m.values[position]
	if !ok {
		return nil, nil
	}
	if acc != nil {
		acc.SeekCount++
		acc.StorageLoadedBytes += uint64(len(v))
	}
	return v, nil
}

func (m *memStore) PutValue(acc *costs.Cost, position uint16, value []byte) lib.ErrorI {
	if acc != nil {
		acc.SeekCount++
	}
	m.values[position] = value
	return nil
}

// failingStore writes fine but errors on every read
type failingStore struct {
	inner *memStore
}

func (f *failingStore) GetValue(_ *costs.Cost, _ uint16) ([]byte, lib.ErrorI) {
	return nil, ErrCorruptedData("simulated read failure")
}

func (f *failingStore) PutValue(acc *costs.Cost, position uint16, value []byte) lib.ErrorI {
	return f.inner.PutValue(acc, position, value)
}

// buildTree inserts n values into a fresh tree and returns it with its store
func buildTree(t *testing.T, height uint8, n int) (*Tree, *memStore) {
	t.Helper()
	tree, err := NewTree(height)
	require.NoError(t, err)
	store := newMemStore()
	for i := 0; i < n; i++ {
		r := tree.Insert(store, []byte(fmt.Sprintf("value-%d", i)))
		require.NoError(t, r.Err)
	}
	return tree, store
}

func rootOf(t *testing.T, tree *Tree, store Store) crypto.Hash {
	t.Helper()
	r := tree.RootHash(store)
	require.NoError(t, r.Err)
	return r.Value
}

func TestHeightValidation(t *testing.T) {
	for _, h := range []uint8{0, 17, 40} {
		_, err := NewTree(h)
		require.Error(t, err, "height %d", h)
		_, err = FromState(h, 0)
		require.Error(t, err, "height %d", h)
	}
	for _, h := range []uint8{1, 8, 16} {
		_, err := NewTree(h)
		require.NoError(t, err, "height %d", h)
	}
}

func TestCapacityPerHeight(t *testing.T) {
	for _, tc := range []struct {
		height   uint8
		capacity uint16
	}{
		{1, 1}, {2, 3}, {3, 7}, {4, 15}, {8, 255}, {16, 65535},
	} {
		tree, err := NewTree(tc.height)
		require.NoError(t, err)
		require.Equal(t, tc.capacity, tree.Capacity(), "height %d", tc.height)
	}
}

func TestFromStateRejectsOverfullCount(t *testing.T) {
	_, err := FromState(3, 8)
	require.Error(t, err)
	tree, err := FromState(3, 7)
	require.NoError(t, err)
	require.True(t, tree.IsFull())
}

func TestInsertFillsPositionsInOrder(t *testing.T) {
	tree, err := NewTree(3)
	require.NoError(t, err)
	store := newMemStore()
	for i := 0; i < 7; i++ {
		r := tree.Insert(store, []byte{byte(i)})
		require.NoError(t, r.Err)
		require.Equal(t, uint16(i), r.Value.Position)
		require.Equal(t, uint16(i+1), tree.Count())
	}
	require.True(t, tree.IsFull())
	r := tree.Insert(store, []byte("overflow"))
	require.Error(t, r.Err)
	require.Contains(t, r.Err.Error(), "full")
}

func TestTryInsertReportsFullness(t *testing.T) {
	tree, store := buildTree(t, 1, 1)
	r := tree.TryInsert(store, []byte("x"))
	require.NoError(t, r.Err)
	require.Nil(t, r.Value)
	require.Equal(t, uint16(1), tree.Count())
}

func TestGetReadsFilledPositionsOnly(t *testing.T) {
	tree, store := buildTree(t, 3, 4)
	r := tree.Get(store, 2)
	require.NoError(t, r.Err)
	require.Equal(t, []byte("value-2"), r.Value)
	r = tree.Get(store, 4)
	require.NoError(t, r.Err)
	require.Nil(t, r.Value)
}

func TestEmptyTreeRootIsZero(t *testing.T) {
	tree, store := buildTree(t, 3, 0)
	require.Equal(t, crypto.NullHash, rootOf(t, tree, store))
}

func TestSingleLeafRootForHeightOne(t *testing.T) {
	tree, store := buildTree(t, 1, 0)
	value := []byte("only")
	r := tree.Insert(store, value)
	require.NoError(t, r.Err)
	// capacity 1 makes position 0 a leaf
	require.Equal(t, crypto.TaggedHash(nil, 0x00, value), r.Value.RootHash)
}

func TestRootBindsInternalValues(t *testing.T) {
	tree, store := buildTree(t, 2, 0)
	value := []byte("root-slot")
	r := tree.Insert(store, value)
	require.NoError(t, r.Err)
	// position 0 is internal at height 2; both children are unpopulated
	valueHash := crypto.RawHash(value, nil)
	expected := crypto.TaggedHash(nil, 0x01, valueHash[:], crypto.NullHash[:], crypto.NullHash[:])
	require.Equal(t, expected, r.Value.RootHash)
}

func TestRootIsDeterministicAndChangesPerInsert(t *testing.T) {
	a, aStore := buildTree(t, 3, 5)
	b, bStore := buildTree(t, 3, 5)
	require.Equal(t, rootOf(t, a, aStore), rootOf(t, b, bStore))
	before := rootOf(t, a, aStore)
	r := a.Insert(aStore, []byte("value-5"))
	require.NoError(t, r.Err)
	require.NotEqual(t, before, r.Value.RootHash)
}

func TestInsertRollsBackCountOnReadFailure(t *testing.T) {
	tree, err := NewTree(2)
	require.NoError(t, err)
	store := &failingStore{inner: newMemStore()}
	r := tree.Insert(store, []byte("x"))
	require.Error(t, r.Err)
	require.Equal(t, uint16(0), tree.Count())
}

func TestInsertChargesHashAndStoreCosts(t *testing.T) {
	tree, store := buildTree(t, 3, 0)
	r := tree.Insert(store, []byte("value-0"))
	require.NoError(t, r.Err)
	require.NotZero(t, r.Cost.SeekCount)
	require.NotZero(t, r.Cost.HashNodeCalls)
}

func generate(t *testing.T, tree *Tree, store Store, positions ...uint16) *DenseTreeProof {
	t.Helper()
	r := GenerateProof(store, tree.Height(), tree.Count(), positions)
	require.NoError(t, r.Err)
	return r.Value
}

func TestProofSinglePositions(t *testing.T) {
	tree, store := buildTree(t, 3, 7)
	root := rootOf(t, tree, store)
	for pos := uint16(0); pos < 7; pos++ {
		proof := generate(t, tree, store, pos)
		entries, err := proof.Verify(root)
		require.NoError(t, err, "position %d", pos)
		require.Len(t, entries, 1)
		require.Equal(t, pos, entries[0].Position)
		require.Equal(t, []byte(fmt.Sprintf("value-%d", pos)), entries[0].Value)
	}
}

func TestProofMultipleAndAllPositions(t *testing.T) {
	tree, store := buildTree(t, 3, 7)
	root := rootOf(t, tree, store)
	proof := generate(t, tree, store, 1, 4, 6)
	entries, err := proof.Verify(root)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	all := generate(t, tree, store, 0, 1, 2, 3, 4, 5, 6)
	entries, err = all.Verify(root)
	require.NoError(t, err)
	require.Len(t, entries, 7)
	// a full proof needs no sibling hashes and no ancestor value hashes
	require.Empty(t, all.NodeHashes)
	require.Empty(t, all.NodeValueHashes)
}

func TestProofOnPartiallyFilledTree(t *testing.T) {
	tree, store := buildTree(t, 3, 5)
	root := rootOf(t, tree, store)
	for _, positions := range [][]uint16{{0}, {4}, {1, 3}, {0, 1, 2, 3, 4}} {
		proof := generate(t, tree, store, positions...)
		entries, err := proof.Verify(root)
		require.NoError(t, err)
		require.Len(t, entries, len(positions))
	}
}

func TestRangeProof(t *testing.T) {
	tree, store := buildTree(t, 3, 7)
	root := rootOf(t, tree, store)
	r := GenerateRangeProof(store, tree.Height(), tree.Count(), 2, 5)
	require.NoError(t, r.Err)
	entries, err := r.Value.Verify(root)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, uint16(2+i), e.Position)
	}
}

func TestProofDeduplicatesPositions(t *testing.T) {
	tree, store := buildTree(t, 3, 7)
	root := rootOf(t, tree, store)
	proof := generate(t, tree, store, 3, 3, 3)
	entries, err := proof.Verify(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestProofRejectsOutOfRangePosition(t *testing.T) {
	tree, store := buildTree(t, 3, 5)
	r := GenerateProof(store, tree.Height(), tree.Count(), []uint16{5})
	require.Error(t, r.Err)
	require.Contains(t, r.Err.Error(), "out of range")
}

func TestProofRejectsWrongRoot(t *testing.T) {
	tree, store := buildTree(t, 3, 7)
	proof := generate(t, tree, store, 2)
	wrong := rootOf(t, tree, store)
	wrong[0] ^= 0xff
	_, err := proof.Verify(wrong)
	require.Error(t, err)
	require.Contains(t, err.Error(), "mismatch")
}

func TestProofRejectsTamperedValue(t *testing.T) {
	tree, store := buildTree(t, 3, 7)
	root := rootOf(t, tree, store)
	proof := generate(t, tree, store, 4)
	proof.Entries[0].Value = []byte("forged")
	_, err := proof.Verify(root)
	require.Error(t, err)
}

func TestVerifyRejectsMalformedShapes(t *testing.T) {
	tree, store := buildTree(t, 3, 7)
	root := rootOf(t, tree, store)
	tests := []struct {
		name   string
		mutate func(p *DenseTreeProof)
	}{
		{"bad height", func(p *DenseTreeProof) { p.Height = 17 }},
		{"count over capacity", func(p *DenseTreeProof) { p.Count = 8 }},
		{"duplicate entry", func(p *DenseTreeProof) { p.Entries = append(p.Entries, p.Entries[0]) }},
		{"duplicate node hash", func(p *DenseTreeProof) { p.NodeHashes = append(p.NodeHashes, p.NodeHashes[0]) }},
		{"duplicate value hash", func(p *DenseTreeProof) { p.NodeValueHashes = append(p.NodeValueHashes, p.NodeValueHashes[0]) }},
		{"entry and hash overlap", func(p *DenseTreeProof) {
			p.NodeHashes = append(p.NodeHashes, PositionHash{Position: p.Entries[0].Position})
		}},
		{"entry and value hash overlap", func(p *DenseTreeProof) {
			p.NodeValueHashes = append(p.NodeValueHashes, PositionHash{Position: p.Entries[0].Position})
		}},
		{"hash on auth path", func(p *DenseTreeProof) {
			// position 1 is an ancestor of the proved leaf 3
			p.NodeHashes = append(p.NodeHashes, PositionHash{Position: 1})
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			proof := generate(t, tree, store, 3)
			tc.mutate(proof)
			_, err := proof.Verify(root)
			require.Error(t, err)
		})
	}
}

func TestVerifyRejectsOversizedFields(t *testing.T) {
	tree, store := buildTree(t, 3, 7)
	root := rootOf(t, tree, store)
	proof := generate(t, tree, store, 3)
	proof.NodeHashes = make([]PositionHash, maxProofElements+1)
	_, err := proof.Verify(root)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds")
}

func TestVerifyRejectsIncompleteProof(t *testing.T) {
	tree, store := buildTree(t, 3, 7)
	root := rootOf(t, tree, store)
	proof := generate(t, tree, store, 3)
	proof.NodeHashes = nil
	_, err := proof.Verify(root)
	require.Error(t, err)
	require.Contains(t, err.Error(), "incomplete")
}

func TestGenerateSurfacesStorageErrors(t *testing.T) {
	r := GenerateProof(&failingStore{inner: newMemStore()}, 3, 4, []uint16{1})
	require.Error(t, r.Err)
	require.Contains(t, r.Err.Error(), "simulated read failure")
}

func TestProofEncodeDecodeRoundtrip(t *testing.T) {
	tree, store := buildTree(t, 3, 5)
	root := rootOf(t, tree, store)
	proof := generate(t, tree, store, 1, 4)
	decoded, err := DecodeDenseTreeProof(proof.Encode())
	require.NoError(t, err)
	require.Equal(t, proof, decoded)
	entries, err := decoded.Verify(root)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestDecodeRejectsCorruptPayloads(t *testing.T) {
	tree, store := buildTree(t, 3, 5)
	encoded := generate(t, tree, store, 1).Encode()
	_, err := DecodeDenseTreeProof(append(encoded, 0x00))
	require.Error(t, err)
	_, err = DecodeDenseTreeProof(encoded[:len(encoded)-3])
	require.Error(t, err)
	_, err = DecodeDenseTreeProof(nil)
	require.Error(t, err)
	// a valid layout with an impossible height must still be rejected
	bad := append([]byte(nil), encoded...)
	bad[0] = 40
	_, err = DecodeDenseTreeProof(bad)
	require.Error(t, err)
}

func TestComputeDenseMerkleRoot(t *testing.T) {
	_, err := ComputeDenseMerkleRoot(nil, nil)
	require.Error(t, err)
	_, err = ComputeDenseMerkleRoot(nil, make([]crypto.Hash, 3))
	require.Error(t, err)

	h := func(s string) crypto.Hash { return crypto.RawHash([]byte(s), nil) }
	single, err := ComputeDenseMerkleRoot(nil, []crypto.Hash{h("a")})
	require.NoError(t, err)
	require.Equal(t, h("a"), single)

	pair, err := ComputeDenseMerkleRoot(nil, []crypto.Hash{h("a"), h("b")})
	require.NoError(t, err)
	require.Equal(t, crypto.CombineHash(h("a"), h("b"), nil), pair)

	quad, err := ComputeDenseMerkleRoot(nil, []crypto.Hash{h("a"), h("b"), h("c"), h("d")})
	require.NoError(t, err)
	expected := crypto.CombineHash(
		crypto.CombineHash(h("a"), h("b"), nil),
		crypto.CombineHash(h("c"), h("d"), nil), nil)
	require.Equal(t, expected, quad)

	var acc costs.Cost
	fromValues, err := ComputeDenseMerkleRootFromValues(&acc, [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")})
	require.NoError(t, err)
	require.Equal(t, quad, fromValues)
	// four leaf hashes plus three merges, one block each
	require.Equal(t, uint32(7), acc.HashNodeCalls)
}
