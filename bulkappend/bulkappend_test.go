package bulkappend

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/grovekv/grovekv/lib/crypto"
	"github.com/grovekv/grovekv/query"
	"github.com/stretchr/testify/require"
)

// posKey encodes a global position as 8 big-endian bytes
func posKey(pos uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, pos)
	return key
}

// buildBulk appends n values to a fresh tree of the given height
func buildBulk(t *testing.T, height uint8, n int) (*BulkAppendTree, *MemStore, AppendResult) {
	t.Helper()
	tree, err := NewBulkAppendTree(height)
	require.NoError(t, err)
	store := NewMemStore()
	var last AppendResult
	for i := 0; i < n; i++ {
		r := tree.Append(store, []byte(fmt.Sprintf("value-%d", i)))
		require.NoError(t, r.Err)
		require.Equal(t, uint64(i), r.Value.GlobalPosition)
		last = r.Value
	}
	return tree, store, last
}

func rangeQuery(start, end uint64) *query.Query {
	q := query.NewQuery()
	q.InsertItem(query.NewRange(posKey(start), posKey(end)))
	return q
}

func TestNewTreeValidatesHeight(t *testing.T) {
	for _, h := range []uint8{0, 17} {
		_, err := NewBulkAppendTree(h)
		require.Error(t, err, "height %d", h)
	}
	tree, err := NewBulkAppendTree(2)
	require.NoError(t, err)
	require.Equal(t, uint64(4), tree.EpochSize())
	require.Equal(t, uint64(0), tree.TotalCount())
	require.Equal(t, crypto.NullHash, tree.BufferRoot())
}

func TestAppendFillsBufferThenCompacts(t *testing.T) {
	tree, store, _ := buildBulk(t, 2, 0)
	for i := 0; i < 3; i++ {
		r := tree.Append(store, []byte{byte(i)})
		require.NoError(t, r.Err)
		require.False(t, r.Value.Compacted)
		require.NotEqual(t, crypto.NullHash, tree.BufferRoot())
	}
	require.Equal(t, uint16(3), tree.BufferCount())
	require.Equal(t, uint64(0), tree.EpochCount())

	r := tree.Append(store, []byte{3})
	require.NoError(t, r.Err)
	require.True(t, r.Value.Compacted)
	require.Equal(t, uint64(3), r.Value.GlobalPosition)
	require.Equal(t, uint16(0), tree.BufferCount())
	require.Equal(t, uint64(1), tree.EpochCount())
	require.Equal(t, uint64(1), tree.MMRSize())
	require.Equal(t, crypto.NullHash, tree.BufferRoot())
	// compacted buffer slots are deleted from the store
	v, err := store.Get(nil, BufferKey(0))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestStateRootChangesEveryAppend(t *testing.T) {
	tree, store, _ := buildBulk(t, 2, 0)
	seen := make(map[crypto.Hash]bool)
	for i := 0; i < 9; i++ {
		r := tree.Append(store, []byte{byte(i)})
		require.NoError(t, r.Err)
		require.False(t, seen[r.Value.StateRoot], "state root repeated at append %d", i)
		seen[r.Value.StateRoot] = true
		current, err := tree.StateRoot(store).Unwrap()
		require.NoError(t, err)
		require.Equal(t, r.Value.StateRoot, current)
	}
}

func TestGetValueAcrossEpochsAndBuffer(t *testing.T) {
	tree, store, _ := buildBulk(t, 2, 10)
	require.Equal(t, uint64(2), tree.EpochCount())
	require.Equal(t, uint16(2), tree.BufferCount())
	for i := uint64(0); i < 10; i++ {
		v, err := tree.GetValue(store, i).Unwrap()
		require.NoError(t, err, "position %d", i)
		require.Equal(t, []byte(fmt.Sprintf("value-%d", i)), v)
	}
	v, err := tree.GetValue(store, 10).Unwrap()
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestGetEpochBlobRoundtrip(t *testing.T) {
	tree, store, _ := buildBulk(t, 2, 8)
	blob, err := tree.GetEpochBlob(store, 1).Unwrap()
	require.NoError(t, err)
	entries, err := DeserializeEpochBlob(blob)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.Equal(t, []byte("value-4"), entries[0])
	require.Equal(t, []byte("value-7"), entries[3])

	missing, err := tree.GetEpochBlob(store, 2).Unwrap()
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestLoadFromStoreRestoresState(t *testing.T) {
	tree, store, _ := buildBulk(t, 2, 10)
	restored, err := LoadFromStore(store, tree.TotalCount(), tree.Height()).Unwrap()
	require.NoError(t, err)
	require.Equal(t, tree.MMRSize(), restored.MMRSize())
	require.Equal(t, tree.BufferRoot(), restored.BufferRoot())
	require.Equal(t, tree.BufferCount(), restored.BufferCount())

	want, err := tree.StateRoot(store).Unwrap()
	require.NoError(t, err)
	got, err := restored.StateRoot(store).Unwrap()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLoadFromStoreRejectsMissingMeta(t *testing.T) {
	_, err := LoadFromStore(NewMemStore(), 5, 2).Unwrap()
	require.Error(t, err)
	require.Contains(t, err.Error(), "metadata is missing")

	fresh, err := LoadFromStore(NewMemStore(), 0, 2).Unwrap()
	require.NoError(t, err)
	require.Equal(t, uint64(0), fresh.TotalCount())
}

func TestMetaRoundtrip(t *testing.T) {
	tree, _, _ := buildBulk(t, 3, 20)
	mmrSize, bufferRoot, err := DeserializeMeta(tree.SerializeMeta())
	require.NoError(t, err)
	require.Equal(t, tree.MMRSize(), mmrSize)
	require.Equal(t, tree.BufferRoot(), bufferRoot)

	_, _, err = DeserializeMeta([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestEpochBlobFixedFormat(t *testing.T) {
	entries := [][]byte{[]byte("hello"), []byte("world"), []byte("12345")}
	blob := SerializeEpochBlob(entries)
	require.Equal(t, byte(formatFixed), blob[0])
	require.Len(t, blob, 24)
	decoded, err := DeserializeEpochBlob(blob)
	require.NoError(t, err)
	require.Equal(t, entries, decoded)
}

func TestEpochBlobVariableFormat(t *testing.T) {
	entries := [][]byte{{}, {1}, {1, 2, 3, 4, 5}, []byte("a longer entry")}
	blob := SerializeEpochBlob(entries)
	require.Equal(t, byte(formatVariable), blob[0])
	decoded, err := DeserializeEpochBlob(blob)
	require.NoError(t, err)
	require.Equal(t, entries, decoded)
}

func TestEpochBlobEmptyAndCorrupt(t *testing.T) {
	require.Nil(t, SerializeEpochBlob(nil))
	decoded, err := DeserializeEpochBlob(nil)
	require.NoError(t, err)
	require.Nil(t, decoded)

	_, err = DeserializeEpochBlob([]byte{0xff, 1, 2})
	require.Error(t, err)
	// fixed header truncated
	_, err = DeserializeEpochBlob([]byte{formatFixed, 0, 0, 0, 1})
	require.Error(t, err)
	// fixed payload size mismatch
	blob := []byte{formatFixed, 0, 0, 0, 2, 0, 0, 0, 3, 1, 2, 3, 4, 5, 6, 7}
	_, err = DeserializeEpochBlob(blob)
	require.Error(t, err)
	// variable truncated at length prefix
	_, err = DeserializeEpochBlob([]byte{formatVariable, 0, 0})
	require.Error(t, err)
	// variable truncated at entry data
	_, err = DeserializeEpochBlob([]byte{formatVariable, 0, 0, 0, 10, 1, 2})
	require.Error(t, err)
}

func generateBulk(t *testing.T, store Store, totalCount uint64, height uint8, q *query.Query) *BulkAppendTreeProof {
	t.Helper()
	proof, err := GenerateTreeProof(store, totalCount, height, q).Unwrap()
	require.NoError(t, err)
	return proof
}

func TestProofAcrossEpochsAndBuffer(t *testing.T) {
	tree, store, last := buildBulk(t, 2, 10)
	q := rangeQuery(2, 10)
	proof := generateBulk(t, store, tree.TotalCount(), tree.Height(), q)
	values, err := proof.VerifyAgainstQuery(last.StateRoot, tree.Height(), tree.TotalCount(), q)
	require.NoError(t, err)
	require.Len(t, values, 8)
	for i, v := range values {
		pos := uint64(2 + i)
		require.Equal(t, pos, v.Position)
		require.Equal(t, []byte(fmt.Sprintf("value-%d", pos)), v.Value)
	}
}

func TestProofBufferOnlyAnchorsEpochs(t *testing.T) {
	tree, store, last := buildBulk(t, 2, 10)
	q := query.NewQuery()
	q.InsertKey(posKey(9))
	proof := generateBulk(t, store, tree.TotalCount(), tree.Height(), q)
	// the epoch side still proves epoch 0 so the mmr root can be recomputed
	require.NotZero(t, proof.EpochProof.MmrSize)
	require.Len(t, proof.EpochProof.Leaves, 1)
	require.Equal(t, uint64(0), proof.EpochProof.Leaves[0].Index)

	values, err := proof.VerifyAgainstQuery(last.StateRoot, tree.Height(), tree.TotalCount(), q)
	require.NoError(t, err)
	require.Len(t, values, 1)
	require.Equal(t, uint64(9), values[0].Position)
	require.Equal(t, []byte("value-9"), values[0].Value)
}

func TestProofEpochOnlyAnchorsBuffer(t *testing.T) {
	tree, store, last := buildBulk(t, 2, 10)
	q := query.NewQuery()
	q.InsertKey(posKey(5))
	proof := generateBulk(t, store, tree.TotalCount(), tree.Height(), q)
	// the buffer side still proves position 0
	require.NotNil(t, proof.BufferProof)

	values, err := proof.VerifyAgainstQuery(last.StateRoot, tree.Height(), tree.TotalCount(), q)
	require.NoError(t, err)
	require.Len(t, values, 1)
	require.Equal(t, uint64(5), values[0].Position)
}

func TestProofAtEpochBoundary(t *testing.T) {
	tree, store, last := buildBulk(t, 2, 8)
	require.Equal(t, uint16(0), tree.BufferCount())
	q := rangeQuery(0, 8)
	proof := generateBulk(t, store, tree.TotalCount(), tree.Height(), q)
	require.Nil(t, proof.BufferProof)
	values, err := proof.VerifyAgainstQuery(last.StateRoot, tree.Height(), tree.TotalCount(), q)
	require.NoError(t, err)
	require.Len(t, values, 8)
}

func TestProofEmptyTree(t *testing.T) {
	tree, store, _ := buildBulk(t, 2, 0)
	root, err := tree.StateRoot(store).Unwrap()
	require.NoError(t, err)
	q := query.NewQuery()
	q.InsertAll()
	proof := generateBulk(t, store, 0, 2, q)
	require.Equal(t, uint64(0), proof.EpochProof.MmrSize)
	require.Nil(t, proof.BufferProof)
	computed, result, err := proof.VerifyAndComputeRoot(2, 0)
	require.NoError(t, err)
	require.Equal(t, root, computed)
	require.Empty(t, result.EpochBlobs)
	require.Empty(t, result.BufferEntries)
}

func TestProofRejectsWrongStateRoot(t *testing.T) {
	tree, store, last := buildBulk(t, 2, 10)
	q := rangeQuery(0, 10)
	proof := generateBulk(t, store, tree.TotalCount(), tree.Height(), q)
	wrong := last.StateRoot
	wrong[0] ^= 0xff
	_, err := proof.Verify(wrong, tree.Height(), tree.TotalCount())
	require.Error(t, err)
	require.Contains(t, err.Error(), "mismatch")
}

func TestProofRejectsTamperedBlob(t *testing.T) {
	tree, store, last := buildBulk(t, 2, 10)
	q := rangeQuery(0, 10)
	proof := generateBulk(t, store, tree.TotalCount(), tree.Height(), q)
	proof.EpochProof.Leaves[0].Value[5] ^= 0xff
	_, err := proof.Verify(last.StateRoot, tree.Height(), tree.TotalCount())
	require.Error(t, err)
}

func TestProofRejectsMismatchedScalars(t *testing.T) {
	tree, store, last := buildBulk(t, 2, 10)
	q := rangeQuery(0, 10)
	proof := generateBulk(t, store, tree.TotalCount(), tree.Height(), q)
	// a different total count changes the expected sub-tree shapes
	_, _, err := proof.VerifyAndComputeRoot(tree.Height(), 14)
	require.Error(t, err)
	// a different height changes the epoch size
	_, err = proof.Verify(last.StateRoot, 3, tree.TotalCount())
	require.Error(t, err)
}

func TestProofCompletenessEnforced(t *testing.T) {
	tree, store, last := buildBulk(t, 2, 10)
	// prove only the buffer, then ask the verifier for everything
	narrow := query.NewQuery()
	narrow.InsertKey(posKey(9))
	proof := generateBulk(t, store, tree.TotalCount(), tree.Height(), narrow)
	wide := rangeQuery(0, 10)
	_, err := proof.VerifyAgainstQuery(last.StateRoot, tree.Height(), tree.TotalCount(), wide)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing epoch")
}

func TestProofQueryBeyondTotalCountIsEmpty(t *testing.T) {
	tree, store, last := buildBulk(t, 2, 10)
	q := query.NewQuery()
	q.InsertKey(posKey(500))
	proof := generateBulk(t, store, tree.TotalCount(), tree.Height(), q)
	values, err := proof.VerifyAgainstQuery(last.StateRoot, tree.Height(), tree.TotalCount(), q)
	require.NoError(t, err)
	require.Empty(t, values)
}

func TestProofRejectsSubqueries(t *testing.T) {
	_, store, _ := buildBulk(t, 2, 10)
	q := query.NewQuery()
	q.InsertAll()
	q.DefaultSubqueryBranch.Subquery = query.NewQuery()
	_, err := GenerateTreeProof(store, 10, 2, q).Unwrap()
	require.Error(t, err)
	require.Contains(t, err.Error(), "subqueries")
}

func TestProofEncodeDecodeRoundtrip(t *testing.T) {
	tree, store, last := buildBulk(t, 2, 10)
	q := rangeQuery(2, 10)
	proof := generateBulk(t, store, tree.TotalCount(), tree.Height(), q)
	decoded, err := DecodeBulkAppendTreeProof(proof.Encode())
	require.NoError(t, err)
	values, err := decoded.VerifyAgainstQuery(last.StateRoot, tree.Height(), tree.TotalCount(), q)
	require.NoError(t, err)
	require.Len(t, values, 8)

	_, err = DecodeBulkAppendTreeProof(append(proof.Encode(), 0x00))
	require.Error(t, err)
	encoded := proof.Encode()
	_, err = DecodeBulkAppendTreeProof(encoded[:len(encoded)-2])
	require.Error(t, err)
}

func TestValuesInRange(t *testing.T) {
	tree, store, last := buildBulk(t, 2, 10)
	q := rangeQuery(0, 10)
	proof := generateBulk(t, store, tree.TotalCount(), tree.Height(), q)
	result, err := proof.Verify(last.StateRoot, tree.Height(), tree.TotalCount())
	require.NoError(t, err)
	values, err := result.ValuesInRange(3, 6)
	require.NoError(t, err)
	require.Len(t, values, 3)
	require.Equal(t, uint64(3), values[0].Position)
	require.Equal(t, uint64(5), values[2].Position)
}

func TestAppendChargesCosts(t *testing.T) {
	tree, store, _ := buildBulk(t, 2, 3)
	r := tree.Append(store, []byte("compacting"))
	require.NoError(t, r.Err)
	require.True(t, r.Value.Compacted)
	require.NotZero(t, r.Cost.SeekCount)
	require.NotZero(t, r.Cost.HashNodeCalls)
}
