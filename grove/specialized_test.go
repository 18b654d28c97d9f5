package grove

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grovekv/grovekv/element"
	"github.com/grovekv/grovekv/lib/crypto"
	"github.com/grovekv/grovekv/mmr"
	"github.com/grovekv/grovekv/query"
)

func posKey(pos uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, pos)
	return out
}

func posRangeQuery(start, end uint64) *query.Query {
	q := query.NewQuery()
	q.InsertItem(query.NewRange(posKey(start), posKey(end)))
	return q
}

func TestMmrSubtreeLifecycle(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateMmrTree(nil, []byte("m")).Unwrap()
	require.NoError(t, err)
	elem, err := g.GetRaw(nil, []byte("m")).Unwrap()
	require.NoError(t, err)
	require.Equal(t, element.TypeMmrTree, elem.Type)
	require.Zero(t, elem.MmrSize)

	values := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")}
	indices, err := g.MmrAppend(nil, []byte("m"), values).Unwrap()
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1, 2, 3, 4}, indices)

	elem, err = g.GetRaw(nil, []byte("m")).Unwrap()
	require.NoError(t, err)
	require.EqualValues(t, 8, elem.MmrSize) // 2n - popcount(n) for n = 5
	require.Equal(t, mmr.LeafIndexToMMRSize(4), elem.MmrSize)
	require.NotEqual(t, crypto.NullHash, elem.StateRoot)

	for i, want := range values {
		got, e := g.MmrLeaf(nil, []byte("m"), uint64(i)).Unwrap()
		require.NoError(t, e)
		require.Equal(t, want, got)
	}
	_, err = g.MmrLeaf(nil, []byte("m"), 5).Unwrap()
	require.Error(t, err)
}

func TestMmrAppendChargesHashCalls(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateMmrTree(nil, []byte("m")).Unwrap()
	require.NoError(t, err)
	res := g.MmrAppend(nil, []byte("m"), [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, res.Err)
	require.NotZero(t, res.Cost.HashNodeCalls)
}

func TestMmrProofVerifiesAgainstElement(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateMmrTree(nil, []byte("m")).Unwrap()
	require.NoError(t, err)
	var values [][]byte
	for i := 0; i < 7; i++ {
		values = append(values, []byte(fmt.Sprintf("leaf%d", i)))
	}
	_, err = g.MmrAppend(nil, []byte("m"), values).Unwrap()
	require.NoError(t, err)

	proof, err := g.MmrProve(nil, []byte("m"), []uint64{1, 4}).Unwrap()
	require.NoError(t, err)
	elem, err := g.GetRaw(nil, []byte("m")).Unwrap()
	require.NoError(t, err)
	elemBytes, lerr := elem.Serialize()
	require.NoError(t, lerr)

	leaves, lerr := VerifyMmrProof(elemBytes, proof)
	require.NoError(t, lerr)
	require.Len(t, leaves, 2)
	require.Equal(t, []byte("leaf1"), leaves[0].Value)
	require.Equal(t, []byte("leaf4"), leaves[1].Value)

	// a proof against a stale element fails
	_, err = g.MmrAppend(nil, []byte("m"), [][]byte{[]byte("extra")}).Unwrap()
	require.NoError(t, err)
	fresh, err := g.GetRaw(nil, []byte("m")).Unwrap()
	require.NoError(t, err)
	freshBytes, lerr := fresh.Serialize()
	require.NoError(t, lerr)
	_, lerr = VerifyMmrProof(freshBytes, proof)
	require.Error(t, lerr)
}

func TestMmrTwoLevelProof(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateMmrTree(nil, []byte("m")).Unwrap()
	require.NoError(t, err)
	_, err = g.MmrAppend(nil, []byte("m"), [][]byte{[]byte("x"), []byte("y"), []byte("z")}).Unwrap()
	require.NoError(t, err)

	// layer one: the grove proof authenticates the mmr element
	q := query.NewQuery()
	q.InsertKey([]byte("m"))
	res := proveAndVerify(t, g, &PathQuery{Path: nil, Query: q})
	require.Len(t, res.Entries, 1)

	// layer two: the mmr proof verifies against the authenticated state root
	proof, err := g.MmrProve(nil, []byte("m"), []uint64{2}).Unwrap()
	require.NoError(t, err)
	leaves, lerr := VerifyMmrProof(res.Entries[0].Value, proof)
	require.NoError(t, lerr)
	require.Len(t, leaves, 1)
	require.Equal(t, []byte("z"), leaves[0].Value)
	require.EqualValues(t, 2, leaves[0].Index)
}

func TestBulkAppendSubtreeLifecycle(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateBulkAppendTree(nil, []byte("bulk"), 2).Unwrap()
	require.NoError(t, err)

	var values [][]byte
	for i := 0; i < 6; i++ {
		values = append(values, []byte(fmt.Sprintf("v%d", i)))
	}
	results, err := g.BulkAppend(nil, []byte("bulk"), values).Unwrap()
	require.NoError(t, err)
	require.Len(t, results, 6)
	require.EqualValues(t, 0, results[0].GlobalPosition)
	require.EqualValues(t, 5, results[5].GlobalPosition)
	// the fourth append fills the 2^2 buffer and rolls an epoch
	require.True(t, results[3].Compacted)
	require.False(t, results[4].Compacted)

	elem, err := g.GetRaw(nil, []byte("bulk")).Unwrap()
	require.NoError(t, err)
	require.EqualValues(t, 6, elem.TotalCount)
	require.EqualValues(t, 2, elem.EpochHeight)
	require.Equal(t, results[5].StateRoot, elem.StateRoot)

	// reads span the compacted epoch and the live buffer
	for i := uint64(0); i < 6; i++ {
		got, e := g.BulkValue(nil, []byte("bulk"), i).Unwrap()
		require.NoError(t, e)
		require.Equal(t, values[i], got)
	}
	_, err = g.BulkValue(nil, []byte("bulk"), 6).Unwrap()
	require.Error(t, err)
}

func TestBulkAppendStatePersistsAcrossCalls(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateBulkAppendTree(nil, []byte("bulk"), 1).Unwrap()
	require.NoError(t, err)
	_, err = g.BulkAppend(nil, []byte("bulk"), [][]byte{[]byte("a"), []byte("b")}).Unwrap()
	require.NoError(t, err)
	require.NoError(t, g.Commit())

	results, err := g.BulkAppend(nil, []byte("bulk"), [][]byte{[]byte("c")}).Unwrap()
	require.NoError(t, err)
	require.EqualValues(t, 2, results[0].GlobalPosition)

	elem, err := g.GetRaw(nil, []byte("bulk")).Unwrap()
	require.NoError(t, err)
	require.EqualValues(t, 3, elem.TotalCount)
}

func TestBulkProofVerifiesAgainstElement(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateBulkAppendTree(nil, []byte("bulk"), 2).Unwrap()
	require.NoError(t, err)
	var values [][]byte
	for i := 0; i < 6; i++ {
		values = append(values, []byte(fmt.Sprintf("v%d", i)))
	}
	_, err = g.BulkAppend(nil, []byte("bulk"), values).Unwrap()
	require.NoError(t, err)

	q := posRangeQuery(0, 6)
	proof, err := g.BulkProve(nil, []byte("bulk"), q).Unwrap()
	require.NoError(t, err)

	// authenticate the element through a grove proof, then check the
	// bulk proof against its state root
	kq := query.NewQuery()
	kq.InsertKey([]byte("bulk"))
	res := proveAndVerify(t, g, &PathQuery{Path: nil, Query: kq})
	require.Len(t, res.Entries, 1)

	got, lerr := VerifyBulkAppendProof(res.Entries[0].Value, proof, q)
	require.NoError(t, lerr)
	require.Len(t, got, 6)
	for i, pv := range got {
		require.EqualValues(t, i, pv.Position)
		require.Equal(t, values[i], pv.Value)
	}

	// narrower range
	q2 := posRangeQuery(2, 5)
	proof2, err := g.BulkProve(nil, []byte("bulk"), q2).Unwrap()
	require.NoError(t, err)
	got, lerr = VerifyBulkAppendProof(res.Entries[0].Value, proof2, q2)
	require.NoError(t, lerr)
	require.Len(t, got, 3)
	require.Equal(t, []byte("v2"), got[0].Value)
}

func TestCommitmentSubtreeLifecycle(t *testing.T) {
	g := testDB(t)
	const encSize = 8
	_, err := g.CreateCommitmentTree(nil, []byte("ct"), 2, encSize).Unwrap()
	require.NoError(t, err)
	elem, err := g.GetRaw(nil, []byte("ct")).Unwrap()
	require.NoError(t, err)
	require.Equal(t, element.TypeCommitmentTree, elem.Type)
	require.Zero(t, elem.TotalCount)

	payload := make([]byte, 32+encSize+80)
	for i := range payload {
		payload[i] = byte(i)
	}
	cmx := crypto.HashBytes([]byte("commitment-0"))
	res, err := g.CommitmentAppend(nil, []byte("ct"), cmx, payload).Unwrap()
	require.NoError(t, err)
	require.EqualValues(t, 0, res.GlobalPosition)

	elem, err = g.GetRaw(nil, []byte("ct")).Unwrap()
	require.NoError(t, err)
	require.EqualValues(t, 1, elem.TotalCount)
	require.Equal(t, res.StateRoot, elem.StateRoot)

	entry, err := g.CommitmentEntry(nil, []byte("ct"), 0).Unwrap()
	require.NoError(t, err)
	require.Equal(t, cmx[:], entry[:32])
	require.Equal(t, payload, entry[32:])
}

func TestCommitmentConfigSurvivesCommit(t *testing.T) {
	g := testDB(t)
	const encSize = 4
	_, err := g.CreateCommitmentTree(nil, []byte("ct"), 1, encSize).Unwrap()
	require.NoError(t, err)
	payload := make([]byte, 32+encSize+80)

	_, err = g.CommitmentAppend(nil, []byte("ct"), crypto.HashBytes([]byte("c0")), payload).Unwrap()
	require.NoError(t, err)
	require.NoError(t, g.Commit())

	// the persisted (height, encSize) pair restores the tree after a commit
	res, err := g.CommitmentAppend(nil, []byte("ct"), crypto.HashBytes([]byte("c1")), payload).Unwrap()
	require.NoError(t, err)
	require.EqualValues(t, 1, res.GlobalPosition)
	require.True(t, res.Compacted) // height 1 means epochs of two
}

func TestCommitmentAppendRejectsBadPayload(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateCommitmentTree(nil, []byte("ct"), 2, 8).Unwrap()
	require.NoError(t, err)
	_, err = g.CommitmentAppend(nil, []byte("ct"), crypto.HashBytes([]byte("c")), []byte("short")).Unwrap()
	require.Error(t, err)
}

func TestSpecializedAppendMovesGroveRoot(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateMmrTree(nil, []byte("m")).Unwrap()
	require.NoError(t, err)
	before := groveRoot(t, g)
	_, err = g.MmrAppend(nil, []byte("m"), [][]byte{[]byte("leaf")}).Unwrap()
	require.NoError(t, err)
	require.NotEqual(t, before, groveRoot(t, g))
}

func TestSpecializedOpsRejectWrongElementType(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateBulkAppendTree(nil, []byte("bulk"), 2).Unwrap()
	require.NoError(t, err)
	_, err = g.MmrAppend(nil, []byte("bulk"), [][]byte{[]byte("v")}).Unwrap()
	require.Error(t, err)
	_, err = g.CommitmentAppend(nil, []byte("bulk"), crypto.HashBytes([]byte("c")), nil).Unwrap()
	require.Error(t, err)
}

func TestPutIntoSpecializedSubtreeFails(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateMmrTree(nil, []byte("m")).Unwrap()
	require.NoError(t, err)
	_, err = g.Put(path("m"), []byte("k"), element.NewItem([]byte("v"))).Unwrap()
	require.Error(t, err)
}

func TestDeleteSpecializedSubtreeClearsState(t *testing.T) {
	g := testDB(t)
	_, err := g.CreateMmrTree(nil, []byte("m")).Unwrap()
	require.NoError(t, err)
	_, err = g.MmrAppend(nil, []byte("m"), [][]byte{[]byte("a"), []byte("b")}).Unwrap()
	require.NoError(t, err)

	_, err = g.Delete(nil, []byte("m")).Unwrap()
	require.NoError(t, err)
	has, err := g.Has(nil, []byte("m")).Unwrap()
	require.NoError(t, err)
	require.False(t, has)

	// recreating the tree starts from scratch: old mmr nodes are gone
	_, err = g.CreateMmrTree(nil, []byte("m")).Unwrap()
	require.NoError(t, err)
	indices, err := g.MmrAppend(nil, []byte("m"), [][]byte{[]byte("fresh")}).Unwrap()
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, indices)
}
