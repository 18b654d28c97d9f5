package grove

/*
	Specialized subtree elements (mmr, bulk-append, commitment) are not
	merk-backed: their state lives in the child subtree's aux keyspace and
	only a fixed-size state root surfaces into the parent element. Appends
	mutate the aux state, refresh the element's cached scalars, and re-put
	the element so the new state root propagates to the grove root.
*/

import (
	"encoding/binary"
	"fmt"

	"github.com/grovekv/grovekv/bulkappend"
	"github.com/grovekv/grovekv/commitment"
	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/element"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
	"github.com/grovekv/grovekv/mmr"
	"github.com/grovekv/grovekv/query"
	"github.com/grovekv/grovekv/store"
)

// interface enforcement
var _ mmr.StoreWriter = auxMMRStore{}

// auxMMRStore adapts a subtree's aux keyspace to the MMR's positional node
// store, keying nodes by their big-endian position
type auxMMRStore struct {
	aux *store.AuxContext
}

// ElementAt() reads the node at a position; nil when absent
func (s auxMMRStore) ElementAt(acc *costs.Cost, pos uint64) (*mmr.Node, lib.ErrorI) {
	raw, err := s.aux.Get(acc, mmr.NodeKey(pos))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return mmr.DeserializeNode(raw)
}

// Append() persists a contiguous run of nodes starting at pos
func (s auxMMRStore) Append(acc *costs.Cost, pos uint64, nodes []*mmr.Node) lib.ErrorI {
	for i, n := range nodes {
		if err := s.aux.Put(acc, mmr.NodeKey(pos+uint64(i)), n.Serialize()); err != nil {
			return err
		}
	}
	return nil
}

// specializedElement() reads the element at (path, key) and checks its type
func (g *GroveDB) specializedElement(acc *costs.Cost, cache *merkCache,
	path [][]byte, key []byte, want element.Type) (*element.Element, lib.ErrorI) {
	elem, err := cache.elementAt(acc, path, key)
	if err != nil {
		return nil, err
	}
	if elem == nil {
		return nil, lib.ErrPathKeyNotFound(fmt.Sprintf("no element at key %x", key))
	}
	if elem.Type != want {
		return nil, ErrInvalidElementType(fmt.Sprintf("element at %x has type %d, want %d", key, elem.Type, want))
	}
	return elem, nil
}

// rebind() re-puts a specialized element after its state changed and
// propagates the new binding to the grove root
func (g *GroveDB) rebind(acc *costs.Cost, cache *merkCache, path [][]byte, key []byte, elem *element.Element) lib.ErrorI {
	if err := g.put(acc, cache, path, key, elem); err != nil {
		return err
	}
	return g.propagate(acc, cache, path)
}

// CreateMmrTree() inserts an empty mountain-range subtree element at (path, key)
func (g *GroveDB) CreateMmrTree(path [][]byte, key []byte) costs.Result[struct{}] {
	return g.Put(path, key, element.NewMmrTree(crypto.NullHash, 0))
}

// MmrAppend() appends values as MMR leaves and returns their leaf indices
func (g *GroveDB) MmrAppend(path [][]byte, key []byte, values [][]byte) costs.Result[[]uint64] {
	var acc costs.Cost
	cache := g.newMerkCache()
	elem, err := g.specializedElement(&acc, cache, path, key, element.TypeMmrTree)
	if err != nil {
		return costs.ErrWithCost[[]uint64](err, acc)
	}
	if len(values) == 0 {
		return costs.WrapWithCost([]uint64(nil), acc)
	}
	m := mmr.NewMMR(elem.MmrSize, auxMMRStore{aux: g.contextAt(childPath(path, key)).Aux()})
	indices := make([]uint64, 0, len(values))
	for _, value := range values {
		// the MMR core leaves hash pricing to the appender
		acc.HashNodeCalls += mmr.HashCountForPush(m.LeafCount())
		indices = append(indices, m.LeafCount())
		if _, err = m.Push(mmr.LeafNode(value, nil)).UnwrapAddCost(&acc); err != nil {
			return costs.ErrWithCost[[]uint64](err, acc)
		}
	}
	root, err := m.GetRoot().UnwrapAddCost(&acc)
	if err != nil {
		return costs.ErrWithCost[[]uint64](err, acc)
	}
	if _, err = m.Commit().UnwrapAddCost(&acc); err != nil {
		return costs.ErrWithCost[[]uint64](err, acc)
	}
	elem.StateRoot, elem.MmrSize = root.Hash(), m.MMRSize()
	if err = g.rebind(&acc, cache, path, key, elem); err != nil {
		return costs.ErrWithCost[[]uint64](err, acc)
	}
	return costs.WrapWithCost(indices, acc)
}

// MmrLeaf() reads the leaf value at a leaf index
func (g *GroveDB) MmrLeaf(path [][]byte, key []byte, leafIndex uint64) costs.Result[[]byte] {
	var acc costs.Cost
	cache := g.newMerkCache()
	elem, err := g.specializedElement(&acc, cache, path, key, element.TypeMmrTree)
	if err != nil {
		return costs.ErrWithCost[[]byte](err, acc)
	}
	if leafIndex >= mmr.MMRSizeToLeafCount(elem.MmrSize) {
		return costs.ErrWithCost[[]byte](lib.ErrKeyNotFound(fmt.Sprintf("leaf index %d out of range", leafIndex)), acc)
	}
	adapter := auxMMRStore{aux: g.contextAt(childPath(path, key)).Aux()}
	node, err := adapter.ElementAt(&acc, mmr.LeafIndexToPos(leafIndex))
	if err != nil {
		return costs.ErrWithCost[[]byte](err, acc)
	}
	if node == nil || !node.IsLeaf() {
		return costs.ErrWithCost[[]byte](lib.ErrCorruptedData(fmt.Sprintf("missing leaf node at index %d", leafIndex)), acc)
	}
	return costs.WrapWithCost(node.Value(), acc)
}

// MmrProve() builds an inclusion proof for leaf indices against the stored MMR
func (g *GroveDB) MmrProve(path [][]byte, key []byte, leafIndices []uint64) costs.Result[*mmr.MmrTreeProof] {
	var acc costs.Cost
	cache := g.newMerkCache()
	elem, err := g.specializedElement(&acc, cache, path, key, element.TypeMmrTree)
	if err != nil {
		return costs.ErrWithCost[*mmr.MmrTreeProof](err, acc)
	}
	adapter := auxMMRStore{aux: g.contextAt(childPath(path, key)).Aux()}
	proof, err := mmr.GenerateProof(elem.MmrSize, leafIndices, func(pos uint64) (*mmr.Node, lib.ErrorI) {
		return adapter.ElementAt(&acc, pos)
	})
	if err != nil {
		return costs.ErrWithCost[*mmr.MmrTreeProof](err, acc)
	}
	return costs.WrapWithCost(proof, acc)
}

// CreateBulkAppendTree() inserts an empty bulk-append subtree element whose
// epochs hold 2^height values
func (g *GroveDB) CreateBulkAppendTree(path [][]byte, key []byte, height uint8) costs.Result[struct{}] {
	var acc costs.Cost
	tree, err := bulkappend.NewBulkAppendTree(height)
	if err != nil {
		return costs.ErrWithCost[struct{}](err, acc)
	}
	root, err := tree.StateRoot(g.contextAt(childPath(path, key)).Aux()).UnwrapAddCost(&acc)
	if err != nil {
		return costs.ErrWithCost[struct{}](err, acc)
	}
	return g.Put(path, key, element.NewBulkAppendTree(root, 0, height)).AddCost(acc)
}

// BulkAppend() appends values in order, rolling the buffer into an epoch blob
// whenever it fills
func (g *GroveDB) BulkAppend(path [][]byte, key []byte, values [][]byte) costs.Result[[]bulkappend.AppendResult] {
	var acc costs.Cost
	cache := g.newMerkCache()
	elem, err := g.specializedElement(&acc, cache, path, key, element.TypeBulkAppendTree)
	if err != nil {
		return costs.ErrWithCost[[]bulkappend.AppendResult](err, acc)
	}
	if len(values) == 0 {
		return costs.WrapWithCost([]bulkappend.AppendResult(nil), acc)
	}
	aux := g.contextAt(childPath(path, key)).Aux()
	tree, err := bulkappend.LoadFromStore(aux, elem.TotalCount, elem.EpochHeight).UnwrapAddCost(&acc)
	if err != nil {
		return costs.ErrWithCost[[]bulkappend.AppendResult](err, acc)
	}
	results := make([]bulkappend.AppendResult, 0, len(values))
	for _, value := range values {
		res, e := tree.Append(aux, value).UnwrapAddCost(&acc)
		if e != nil {
			return costs.ErrWithCost[[]bulkappend.AppendResult](e, acc)
		}
		results = append(results, res)
	}
	elem.StateRoot, elem.TotalCount = results[len(results)-1].StateRoot, tree.TotalCount()
	if err = g.rebind(&acc, cache, path, key, elem); err != nil {
		return costs.ErrWithCost[[]bulkappend.AppendResult](err, acc)
	}
	return costs.WrapWithCost(results, acc)
}

// BulkValue() reads the appended value at a global position
func (g *GroveDB) BulkValue(path [][]byte, key []byte, position uint64) costs.Result[[]byte] {
	var acc costs.Cost
	cache := g.newMerkCache()
	elem, err := g.specializedElement(&acc, cache, path, key, element.TypeBulkAppendTree)
	if err != nil {
		return costs.ErrWithCost[[]byte](err, acc)
	}
	aux := g.contextAt(childPath(path, key)).Aux()
	tree, err := bulkappend.LoadFromStore(aux, elem.TotalCount, elem.EpochHeight).UnwrapAddCost(&acc)
	if err != nil {
		return costs.ErrWithCost[[]byte](err, acc)
	}
	return tree.GetValue(aux, position).AddCost(acc)
}

// BulkProve() builds a position-range proof over a bulk-append subtree
func (g *GroveDB) BulkProve(path [][]byte, key []byte, q *query.Query) costs.Result[*bulkappend.BulkAppendTreeProof] {
	var acc costs.Cost
	cache := g.newMerkCache()
	elem, err := g.specializedElement(&acc, cache, path, key, element.TypeBulkAppendTree)
	if err != nil {
		return costs.ErrWithCost[*bulkappend.BulkAppendTreeProof](err, acc)
	}
	aux := g.contextAt(childPath(path, key)).Aux()
	return bulkappend.GenerateTreeProof(aux, elem.TotalCount, elem.EpochHeight, q).AddCost(acc)
}

// commitmentConfigKey names the meta entry holding a commitment subtree's
// (height, encSize) pair; the pair is engine configuration, not part of the
// authenticated element, so it persists beside the tree state
var commitmentConfigKey = []byte("ct_config")

func encodeCommitmentConfig(height uint8, encSize int) []byte {
	out := make([]byte, 5)
	out[0] = height
	binary.BigEndian.PutUint32(out[1:], uint32(encSize))
	return out
}

func decodeCommitmentConfig(data []byte) (uint8, int, lib.ErrorI) {
	if len(data) != 5 {
		return 0, 0, lib.ErrCorruptedData("malformed commitment tree configuration")
	}
	return data[0], int(binary.BigEndian.Uint32(data[1:])), nil
}

// CreateCommitmentTree() inserts an empty composite commitment subtree
// element, persisting its height and ciphertext size as subtree configuration
func (g *GroveDB) CreateCommitmentTree(path [][]byte, key []byte, height uint8, encSize int) costs.Result[struct{}] {
	var acc costs.Cost
	tree, err := commitment.NewCommitmentTree(height, encSize)
	if err != nil {
		return costs.ErrWithCost[struct{}](err, acc)
	}
	ctx := g.contextAt(childPath(path, key))
	root, err := tree.StateRoot(ctx.Aux()).UnwrapAddCost(&acc)
	if err != nil {
		return costs.ErrWithCost[struct{}](err, acc)
	}
	if err = ctx.PutMeta(&acc, commitmentConfigKey, encodeCommitmentConfig(height, encSize)); err != nil {
		return costs.ErrWithCost[struct{}](err, acc)
	}
	return g.Put(path, key, element.NewCommitmentTree(root, 0)).AddCost(acc)
}

// openCommitment() restores a commitment tree from the element's scalars and
// the persisted subtree configuration
func (g *GroveDB) openCommitment(acc *costs.Cost, ctx *store.Context, elem *element.Element) (*commitment.CommitmentTree, lib.ErrorI) {
	cfg, err := ctx.GetMeta(acc, commitmentConfigKey)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, lib.ErrCorruptedData("commitment tree configuration is missing")
	}
	height, encSize, err := decodeCommitmentConfig(cfg)
	if err != nil {
		return nil, err
	}
	return commitment.OpenCommitmentTree(ctx.Aux(), elem.TotalCount, height, encSize).UnwrapAddCost(acc)
}

// CommitmentAppend() appends one commitment with its ciphertext payload,
// returning the refreshed roots and the commitment's global position
func (g *GroveDB) CommitmentAppend(path [][]byte, key []byte, cmx crypto.Hash, payload []byte) costs.Result[*commitment.AppendResult] {
	var acc costs.Cost
	cache := g.newMerkCache()
	elem, err := g.specializedElement(&acc, cache, path, key, element.TypeCommitmentTree)
	if err != nil {
		return costs.ErrWithCost[*commitment.AppendResult](err, acc)
	}
	ctx := g.contextAt(childPath(path, key))
	tree, err := g.openCommitment(&acc, ctx, elem)
	if err != nil {
		return costs.ErrWithCost[*commitment.AppendResult](err, acc)
	}
	res, err := tree.Append(ctx.Aux(), cmx, payload).UnwrapAddCost(&acc)
	if err != nil {
		return costs.ErrWithCost[*commitment.AppendResult](err, acc)
	}
	elem.StateRoot, elem.TotalCount = res.StateRoot, tree.TotalCount()
	if err = g.rebind(&acc, cache, path, key, elem); err != nil {
		return costs.ErrWithCost[*commitment.AppendResult](err, acc)
	}
	return costs.WrapWithCost(res, acc)
}

// CommitmentEntry() reads the raw cmx || payload entry at a global position
func (g *GroveDB) CommitmentEntry(path [][]byte, key []byte, position uint64) costs.Result[[]byte] {
	var acc costs.Cost
	cache := g.newMerkCache()
	elem, err := g.specializedElement(&acc, cache, path, key, element.TypeCommitmentTree)
	if err != nil {
		return costs.ErrWithCost[[]byte](err, acc)
	}
	ctx := g.contextAt(childPath(path, key))
	tree, err := g.openCommitment(&acc, ctx, elem)
	if err != nil {
		return costs.ErrWithCost[[]byte](err, acc)
	}
	return tree.GetEntry(ctx.Aux(), position).AddCost(acc)
}
