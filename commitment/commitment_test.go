package commitment

import (
	"fmt"
	"testing"

	"github.com/grovekv/grovekv/bulkappend"
	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib/crypto"
	"github.com/stretchr/testify/require"
)

func leafHash(i int) crypto.Hash {
	return crypto.HashBytes([]byte(fmt.Sprintf("cmx-%d", i)))
}

// naiveRoot folds the leaves bottom-up through all 32 levels, padding with
// empty subtrees, without any frontier shortcuts
func naiveRoot(t *testing.T, h Hasher, leaves []crypto.Hash) crypto.Hash {
	t.Helper()
	empty := make([]crypto.Hash, TreeDepth+1)
	empty[0] = h.EmptyLeaf()
	for level := uint8(0); level < TreeDepth; level++ {
		empty[level+1] = h.Combine(level, empty[level], empty[level])
	}
	nodes := append([]crypto.Hash{}, leaves...)
	for level := uint8(0); level < TreeDepth; level++ {
		if len(nodes) == 0 {
			return empty[TreeDepth]
		}
		next := make([]crypto.Hash, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			right := empty[level]
			if i+1 < len(nodes) {
				right = nodes[i+1]
			}
			next = append(next, h.Combine(level, nodes[i], right))
		}
		nodes = next
	}
	require.Len(t, nodes, 1)
	return nodes[0]
}

func TestFrontierEmptyRoot(t *testing.T) {
	h := DefaultHasher()
	f := NewFrontier(h)
	require.EqualValues(t, 0, f.Size())
	_, nonEmpty := f.Position()
	require.False(t, nonEmpty)
	require.Equal(t, EmptyRoot(h), f.Root())
	require.Equal(t, naiveRoot(t, h, nil), f.Root())
}

func TestFrontierRootMatchesNaiveFold(t *testing.T) {
	h := DefaultHasher()
	f := NewFrontier(h)
	var leaves []crypto.Hash
	for i := 0; i < 9; i++ {
		leaf := leafHash(i)
		leaves = append(leaves, leaf)
		require.NoError(t, f.Append(nil, leaf))
		require.EqualValues(t, i+1, f.Size())
		position, nonEmpty := f.Position()
		require.True(t, nonEmpty)
		require.EqualValues(t, i, position)
		require.Equal(t, naiveRoot(t, h, leaves), f.Root(), "root mismatch after %d leaves", i+1)
	}
}

func TestFrontierAppendChargesSinsemillaCalls(t *testing.T) {
	f := NewFrontier(DefaultHasher())
	// 32 calls for the root path plus trailing_ones(prior position) merges
	expected := []uint32{32, 32, 33, 32, 34, 32, 33, 32, 35}
	for i, want := range expected {
		acc := costs.Cost{}
		require.NoError(t, f.Append(&acc, leafHash(i)))
		require.Equal(t, want, acc.SinsemillaHashCalls, "append %d", i)
		require.Zero(t, acc.HashNodeCalls)
	}
}

func TestFrontierSerializeRoundtrip(t *testing.T) {
	h := DefaultHasher()
	f := NewFrontier(h)
	require.Equal(t, []byte{0x00}, f.Serialize())
	decoded, err := DeserializeFrontier(h, f.Serialize())
	require.NoError(t, err)
	require.EqualValues(t, 0, decoded.Size())

	for i := 0; i < 7; i++ {
		require.NoError(t, f.Append(nil, leafHash(i)))
		decoded, err = DeserializeFrontier(h, f.Serialize())
		require.NoError(t, err)
		require.Equal(t, f.Size(), decoded.Size())
		require.Equal(t, f.Root(), decoded.Root())
	}
}

func TestFrontierDeserializeRejectsMalformed(t *testing.T) {
	h := DefaultHasher()
	f := NewFrontier(h)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.Append(nil, leafHash(i)))
	}
	good := f.Serialize()

	_, err := DeserializeFrontier(h, nil)
	require.Error(t, err)
	_, err = DeserializeFrontier(h, []byte{0x02})
	require.Error(t, err)
	_, err = DeserializeFrontier(h, []byte{0x00, 0xff})
	require.Error(t, err)
	_, err = DeserializeFrontier(h, good[:len(good)-1])
	require.Error(t, err)
	_, err = DeserializeFrontier(h, append(append([]byte{}, good...), 0x00))
	require.Error(t, err)
	// ommer count inconsistent with the position's population count
	bad := append([]byte{}, good...)
	bad[1+8+crypto.HashLength]++
	_, err = DeserializeFrontier(h, bad)
	require.Error(t, err)
}

func TestFrontierFullTreeRejectsAppend(t *testing.T) {
	h := DefaultHasher()
	// a frontier at the last position has 32 ommers
	buf := []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff}
	leaf := leafHash(0)
	buf = append(buf, leaf[:]...)
	buf = append(buf, 32)
	for i := 0; i < 32; i++ {
		ommer := leafHash(i + 1)
		buf = append(buf, ommer[:]...)
	}
	f, err := DeserializeFrontier(h, buf)
	require.NoError(t, err)
	require.Equal(t, MaxLeaves, f.Size())
	err = f.Append(nil, leafHash(99))
	require.Error(t, err)
	require.Contains(t, err.Error(), "full")
}

func TestNodeCodecRoundtrip(t *testing.T) {
	ann := leafHash(7)
	trees := []*Node{
		nil,
		NewLeaf(leafHash(1), FlagMarked),
		NewParent(nil, NewLeaf(leafHash(1), 0), nil),
		NewParent(&ann,
			NewParent(nil, NewLeaf(leafHash(2), FlagMarked|FlagCheckpoint), NewLeaf(leafHash(3), 0)),
			NewLeaf(leafHash(4), 0)),
	}
	for i, tree := range trees {
		data := SerializeNode(tree)
		decoded, err := DeserializeNode(data)
		require.NoError(t, err, "tree %d", i)
		require.Equal(t, data, SerializeNode(decoded), "tree %d", i)
	}
}

func TestNodeCodecRejectsMalformed(t *testing.T) {
	leaf := SerializeNode(NewLeaf(leafHash(1), FlagMarked))
	cases := map[string][]byte{
		"empty":              {},
		"unknown tag":        {0x07},
		"truncated leaf":     leaf[:10],
		"bad ann flag":       {0x02, 0x05, 0x00, 0x00},
		"truncated ann":      {0x02, 0x01, 0xaa},
		"truncated children": {0x02, 0x00, 0x00},
		"trailing bytes":     append(append([]byte{}, leaf...), 0x00),
	}
	for name, data := range cases {
		_, err := DeserializeNode(data)
		require.Error(t, err, name)
	}
}

func TestNodeCodecRejectsDeepNesting(t *testing.T) {
	var data []byte
	for i := 0; i < maxNodeDepth+2; i++ {
		data = append(data, tagParent, 0x00, tagNil)
	}
	data = append(data, tagNil)
	_, err := DeserializeNode(data)
	require.Error(t, err)
	require.Contains(t, err.Error(), "nesting depth")
}

func buildShardTree(t *testing.T, n int, retention func(int) Retention) (*ShardTree, *Frontier) {
	t.Helper()
	h := DefaultHasher()
	tree := NewShardTree(NewMemShardStore(), 10)
	frontier := NewFrontier(h)
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(uint64(i), leafHash(i), retention(i)))
		require.NoError(t, frontier.Append(nil, leafHash(i)))
	}
	return tree, frontier
}

func everyEphemeral(int) Retention { return RetentionEphemeral() }
func everyMarked(int) Retention    { return RetentionMarked() }

func TestShardTreeRootMatchesFrontier(t *testing.T) {
	h := DefaultHasher()
	tree := NewShardTree(NewMemShardStore(), 10)
	frontier := NewFrontier(h)
	root, err := tree.Root()
	require.NoError(t, err)
	require.Equal(t, EmptyRoot(h), root)
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Insert(uint64(i), leafHash(i), RetentionEphemeral()))
		require.NoError(t, frontier.Append(nil, leafHash(i)))
		root, err = tree.Root()
		require.NoError(t, err)
		require.Equal(t, frontier.Root(), root, "root mismatch after %d leaves", i+1)
	}
}

func TestShardTreeMaxLeafPosition(t *testing.T) {
	tree, _ := buildShardTree(t, 0, everyEphemeral)
	_, ok, err := tree.MaxLeafPosition()
	require.NoError(t, err)
	require.False(t, ok)
	tree, _ = buildShardTree(t, 13, everyEphemeral)
	position, ok, err := tree.MaxLeafPosition()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 12, position)
}

func TestShardTreeWitnessVerifies(t *testing.T) {
	h := DefaultHasher()
	tree, frontier := buildShardTree(t, 11, everyMarked)
	root, err := tree.Root()
	require.NoError(t, err)
	require.Equal(t, frontier.Root(), root)
	for _, position := range []uint64{0, 3, 7, 10} {
		path, witErr := tree.Witness(position)
		require.NoError(t, witErr)
		require.Equal(t, position, path.Position)
		require.Equal(t, root, path.Root(h, leafHash(int(position))))
	}
	// unmarked and out-of-range positions are refused
	unmarked, _ := buildShardTree(t, 5, everyEphemeral)
	_, err = unmarked.Witness(2)
	require.Error(t, err)
	_, err = tree.Witness(11)
	require.Error(t, err)
}

func TestShardTreeCheckpointRoots(t *testing.T) {
	h := DefaultHasher()
	tree := NewShardTree(NewMemShardStore(), 10)
	frontier3 := NewFrontier(h)
	for i := 0; i < 3; i++ {
		require.NoError(t, tree.Insert(uint64(i), leafHash(i), RetentionEphemeral()))
		require.NoError(t, frontier3.Append(nil, leafHash(i)))
	}
	created, err := tree.Checkpoint(1)
	require.NoError(t, err)
	require.True(t, created)
	for i := 3; i < 5; i++ {
		require.NoError(t, tree.Insert(uint64(i), leafHash(i), RetentionEphemeral()))
	}
	created, err = tree.Checkpoint(2)
	require.NoError(t, err)
	require.True(t, created)

	// depth 0 is the most recent checkpoint (the current 5-leaf state),
	// depth 1 the 3-leaf state
	current, err := tree.Root()
	require.NoError(t, err)
	atDepth0, err := tree.RootAtCheckpointDepth(0)
	require.NoError(t, err)
	require.Equal(t, current, atDepth0)
	atDepth1, err := tree.RootAtCheckpointDepth(1)
	require.NoError(t, err)
	require.Equal(t, frontier3.Root(), atDepth1)
	_, err = tree.RootAtCheckpointDepth(2)
	require.Error(t, err)

	// stale checkpoint ids are refused without storing anything
	created, err = tree.Checkpoint(2)
	require.NoError(t, err)
	require.False(t, created)
}

func TestShardTreeCheckpointOnEmptyTree(t *testing.T) {
	h := DefaultHasher()
	tree := NewShardTree(NewMemShardStore(), 10)
	created, err := tree.Checkpoint(1)
	require.NoError(t, err)
	require.True(t, created)
	root, err := tree.RootAtCheckpointDepth(0)
	require.NoError(t, err)
	require.Equal(t, EmptyRoot(h), root)
}

func TestShardTreeInsertWithCheckpointRetention(t *testing.T) {
	tree := NewShardTree(NewMemShardStore(), 10)
	require.NoError(t, tree.Insert(0, leafHash(0), RetentionCheckpoint(1, true)))
	root, err := tree.RootAtCheckpointDepth(0)
	require.NoError(t, err)
	current, err := tree.Root()
	require.NoError(t, err)
	require.Equal(t, current, root)
	_, err = tree.Witness(0)
	require.NoError(t, err)
}

func TestShardTreeRemoveMarkImmediate(t *testing.T) {
	tree, _ := buildShardTree(t, 4, everyMarked)
	_, err := tree.Witness(2)
	require.NoError(t, err)
	require.NoError(t, tree.RemoveMark(2))
	_, err = tree.Witness(2)
	require.Error(t, err)
	// other marks survive
	_, err = tree.Witness(1)
	require.NoError(t, err)
	// removing an unmarked position is refused
	require.Error(t, tree.RemoveMark(2))
}

func TestShardTreeRemoveMarkDeferredUntilPrune(t *testing.T) {
	store := NewMemShardStore()
	tree := NewShardTreeWithHasher(store, 1, DefaultHasher())
	for i := 0; i < 4; i++ {
		require.NoError(t, tree.Insert(uint64(i), leafHash(i), RetentionMarked()))
	}
	created, err := tree.Checkpoint(1)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, tree.RemoveMark(2))

	// the removal is deferred: the stored leaf keeps its flag but witnesses
	// are already refused
	root, err := store.GetShard(0)
	require.NoError(t, err)
	require.NotZero(t, leafAt(root, ShardHeight, 2).Flags&FlagMarked)
	_, err = tree.Witness(2)
	require.Error(t, err)

	// retention limit 1: the next checkpoint prunes the first and applies
	// its removals to the stored leaves
	created, err = tree.Checkpoint(2)
	require.NoError(t, err)
	require.True(t, created)
	count, err := store.CheckpointCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)
	root, err = store.GetShard(0)
	require.NoError(t, err)
	require.Zero(t, leafAt(root, ShardHeight, 2).Flags&FlagMarked)
	_, err = tree.Witness(2)
	require.Error(t, err)
	_, err = tree.Witness(3)
	require.NoError(t, err)
}

func TestShardTreeWitnessAtCheckpointDepth(t *testing.T) {
	h := DefaultHasher()
	tree := NewShardTree(NewMemShardStore(), 10)
	for i := 0; i < 3; i++ {
		require.NoError(t, tree.Insert(uint64(i), leafHash(i), RetentionMarked()))
	}
	_, err := tree.Checkpoint(1)
	require.NoError(t, err)
	historical, err := tree.Root()
	require.NoError(t, err)
	for i := 3; i < 6; i++ {
		require.NoError(t, tree.Insert(uint64(i), leafHash(i), RetentionMarked()))
	}
	_, err = tree.Checkpoint(2)
	require.NoError(t, err)

	// a witness at depth 1 verifies against the 3-leaf root
	path, err := tree.WitnessAtCheckpointDepth(1, 1)
	require.NoError(t, err)
	require.Equal(t, historical, path.Root(h, leafHash(1)))
	// positions past that checkpoint's cutoff are unavailable at its depth
	_, err = tree.WitnessAtCheckpointDepth(4, 1)
	require.Error(t, err)
	_, err = tree.WitnessAtCheckpointDepth(4, 0)
	require.NoError(t, err)
}

func TestShardTreeCompletedShardCapAndCrossShardWitness(t *testing.T) {
	h := DefaultHasher()
	store := NewMemShardStore()
	tree := NewShardTreeWithHasher(store, 10, h)
	frontier := NewFrontier(h)
	shardLeaves := int(shardMask) + 1
	total := shardLeaves + 3
	for i := 0; i < total; i++ {
		retention := RetentionEphemeral()
		if i == 5 || i == shardLeaves+1 {
			retention = RetentionMarked()
		}
		require.NoError(t, tree.Insert(uint64(i), leafHash(i), retention))
		require.NoError(t, frontier.Append(nil, leafHash(i)))
	}
	// completing shard 0 caches its root in the cap
	capRoot, err := store.GetCap()
	require.NoError(t, err)
	require.NotNil(t, capRoot)
	require.NotNil(t, leafAt(capRoot, TreeDepth-ShardHeight, 0))

	root, err := tree.Root()
	require.NoError(t, err)
	require.Equal(t, frontier.Root(), root)
	for _, position := range []uint64{5, uint64(shardLeaves) + 1} {
		path, witErr := tree.Witness(position)
		require.NoError(t, witErr)
		require.Equal(t, root, path.Root(h, leafHash(int(position))))
	}
}

func TestCommitmentTreeAppendAndStateRoot(t *testing.T) {
	const encSize = 8
	store := bulkappend.NewMemStore()
	tree, err := NewCommitmentTree(2, encSize)
	require.NoError(t, err)
	require.Equal(t, 32+encSize+80, tree.PayloadSize())

	payload := func(i int) []byte {
		p := make([]byte, tree.PayloadSize())
		p[0] = byte(i)
		return p
	}
	frontier := NewFrontier(DefaultHasher())
	for i := 0; i < 6; i++ {
		acc := costs.Cost{}
		result, appendErr := tree.Append(store, leafHash(i), payload(i)).UnwrapAddCost(&acc)
		require.NoError(t, appendErr)
		require.EqualValues(t, i, result.GlobalPosition)
		// epoch size 4: the fourth append compacts
		require.Equal(t, i == 3, result.Compacted)
		require.NotZero(t, acc.SinsemillaHashCalls)

		require.NoError(t, frontier.Append(nil, leafHash(i)))
		require.Equal(t, frontier.Root(), result.SinsemillaRoot)
		require.Equal(t,
			ComputeStateRoot(nil, result.SinsemillaRoot, result.BulkStateRoot),
			result.StateRoot)
		recomputed, rootErr := tree.StateRoot(store).Unwrap()
		require.NoError(t, rootErr)
		require.Equal(t, result.StateRoot, recomputed)
	}
	require.EqualValues(t, 6, tree.TotalCount())
	require.EqualValues(t, 1, tree.EpochCount())
}

func TestCommitmentTreeRejectsBadPayload(t *testing.T) {
	store := bulkappend.NewMemStore()
	tree, err := NewCommitmentTree(3, 4)
	require.NoError(t, err)
	_, err = tree.Append(store, leafHash(0), make([]byte, tree.PayloadSize()-1)).Unwrap()
	require.Error(t, err)
	// nothing was mutated
	require.EqualValues(t, 0, tree.TotalCount())
	require.EqualValues(t, 0, tree.Frontier().Size())
	data, err := store.Get(nil, DataKey)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestCommitmentTreeOpenRoundtrip(t *testing.T) {
	const encSize = 4
	store := bulkappend.NewMemStore()
	tree, err := NewCommitmentTree(2, encSize)
	require.NoError(t, err)
	var lastRoot crypto.Hash
	for i := 0; i < 5; i++ {
		result, appendErr := tree.Append(store, leafHash(i), make([]byte, tree.PayloadSize())).Unwrap()
		require.NoError(t, appendErr)
		lastRoot = result.StateRoot
	}
	reopened, err := OpenCommitmentTree(store, 5, 2, encSize).Unwrap()
	require.NoError(t, err)
	require.EqualValues(t, 5, reopened.TotalCount())
	root, err := reopened.StateRoot(store).Unwrap()
	require.NoError(t, err)
	require.Equal(t, lastRoot, root)

	// a total count disagreeing with the stored frontier is rejected
	_, err = OpenCommitmentTree(store, 4, 2, encSize).Unwrap()
	require.Error(t, err)
	// a non-zero count over an empty store is rejected
	_, err = OpenCommitmentTree(bulkappend.NewMemStore(), 5, 2, encSize).Unwrap()
	require.Error(t, err)
	// an empty store opens as an empty tree
	empty, err := OpenCommitmentTree(bulkappend.NewMemStore(), 0, 2, encSize).Unwrap()
	require.NoError(t, err)
	require.EqualValues(t, 0, empty.TotalCount())
}

func TestCommitmentTreeReadsBack(t *testing.T) {
	const encSize = 4
	store := bulkappend.NewMemStore()
	tree, err := NewCommitmentTree(2, encSize)
	require.NoError(t, err)
	payloads := make([][]byte, 6)
	for i := range payloads {
		payloads[i] = make([]byte, tree.PayloadSize())
		payloads[i][35] = byte(i)
		_, appendErr := tree.Append(store, leafHash(i), payloads[i]).Unwrap()
		require.NoError(t, appendErr)
	}
	for i := range payloads {
		entry, getErr := tree.GetEntry(store, uint64(i)).Unwrap()
		require.NoError(t, getErr)
		want := leafHash(i)
		require.Equal(t, want[:], entry[:crypto.HashLength])
		require.Equal(t, payloads[i], entry[crypto.HashLength:])
		cmx, cmxErr := tree.GetCommitment(store, uint64(i)).Unwrap()
		require.NoError(t, cmxErr)
		require.Equal(t, want, cmx)
	}
	blob, err := tree.GetEpochBlob(store, 0).Unwrap()
	require.NoError(t, err)
	require.NotEmpty(t, blob)
}

func TestCiphertextSerializeRoundtrip(t *testing.T) {
	const encSize = 12
	ct := &Ciphertext{Enc: make([]byte, encSize)}
	ct.Epk[0] = 0xaa
	ct.Enc[3] = 0xbb
	ct.Out[79] = 0xcc
	data := ct.Serialize()
	require.Len(t, data, 32+encSize+80)
	decoded, err := DeserializeCiphertext(data, encSize)
	require.NoError(t, err)
	require.Equal(t, ct, decoded)
	_, err = DeserializeCiphertext(data[:len(data)-1], encSize)
	require.Error(t, err)
}
