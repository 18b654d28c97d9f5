package grove

/*
	Grove proofs are layered: one merk op stream per path segment plus a
	terminal stream carrying the query proof. Verification replays the
	layers bottom-up, checking at every level that the parent's surfaced
	subtree element binds the lower layer's root hash, and finally that the
	top layer reproduces the expected grove root.

	Specialized subtrees prove in two stages: a grove proof authenticates
	the element (and so its state root), and a tree-specific proof verifies
	against that state root.
*/

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/grovekv/grovekv/bulkappend"
	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/element"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
	"github.com/grovekv/grovekv/merk"
	"github.com/grovekv/grovekv/mmr"
	"github.com/grovekv/grovekv/query"
)

// Proof is a layered grove proof: path layers from the root merk down, then
// the terminal layer proving the query itself
type Proof struct {
	Layers      [][]merk.Op
	LeftToRight bool
}

// ProvedEntry is one key/value the terminal layer surfaced. For references
// the value is the serialized target element.
type ProvedEntry struct {
	Key   []byte
	Value []byte
}

// VerifyResult carries the surfaced entries of a successfully verified proof
type VerifyResult struct {
	Entries []ProvedEntry
}

// Prove() builds a layered proof for a path query
func (g *GroveDB) Prove(pq *PathQuery) costs.Result[*Proof] {
	var acc costs.Cost
	if pq == nil || pq.Query == nil || len(pq.Query.Items) == 0 {
		return costs.ErrWithCost[*Proof](ErrInvalidQuery("path query selects nothing"), acc)
	}
	cache := g.newMerkCache()
	layers := make([][]merk.Op, 0, len(pq.Path)+1)
	for i := range pq.Path {
		ops, err := g.proveLayer(&acc, cache, pq.Path[:i], []query.QueryItem{query.NewKey(pq.Path[i])}, nil, true)
		if err != nil {
			return costs.ErrWithCost[*Proof](err, acc)
		}
		layers = append(layers, ops)
	}
	var limit *uint16
	if pq.Limit != nil {
		l := *pq.Limit
		limit = &l
	}
	ops, err := g.proveLayer(&acc, cache, pq.Path, pq.Query.Items, limit, pq.Query.LeftToRight)
	if err != nil {
		return costs.ErrWithCost[*Proof](err, acc)
	}
	layers = append(layers, ops)
	return costs.WrapWithCost(&Proof{Layers: layers, LeftToRight: pq.Query.LeftToRight}, acc)
}

// proveLayer() proves one query over one subtree, surfacing matched nodes by
// their element discriminant
func (g *GroveDB) proveLayer(acc *costs.Cost, cache *merkCache, path [][]byte,
	items []query.QueryItem, limit *uint16, leftToRight bool) ([]merk.Op, lib.ErrorI) {
	m, err := cache.merkAt(acc, path)
	if err != nil {
		return nil, err
	}
	var selErr lib.ErrorI
	res, err := m.Prove(items, merk.ProveOptions{
		Limit:       limit,
		LeftToRight: leftToRight,
		NodeFor:     g.proofNodeSelector(acc, cache, m, path, &selErr),
	}).UnwrapAddCost(acc)
	if err != nil {
		return nil, err
	}
	if selErr != nil {
		return nil, selErr
	}
	return res.Ops, nil
}

// proofNodeSelector() shapes surfaced proof nodes by element type. A
// reference surfaces its direct target's serialized bytes beside the
// reference's own value hash, so the verifier can recombine the committed
// node hash; the selector itself cannot fail, so errors park in errOut.
func (g *GroveDB) proofNodeSelector(acc *costs.Cost, cache *merkCache, m *merk.Merk,
	path [][]byte, errOut *lib.ErrorI) merk.NodeSelector {
	parentProvable := m.Kind() == merk.ProvableCountedMerkNode || m.Kind() == merk.ProvableCountedSummedMerkNode
	return func(n *merk.TreeNode, subtreeCount uint64) *merk.ProofNode {
		opaque := &merk.ProofNode{Tag: merk.NodeKVHash, Hash: n.KVHash(acc)}
		if *errOut != nil {
			return opaque
		}
		t, err := element.TypeFromSerialized(n.Value)
		if err != nil {
			*errOut = err
			return opaque
		}
		tag := t.ProofNodeTag(parentProvable)
		node := &merk.ProofNode{Tag: tag, Key: n.Key, Value: n.Value}
		switch tag {
		case merk.NodeKV:
		case merk.NodeKVCount:
			node.Count = subtreeCount
		case merk.NodeKVValueHash:
			node.ValueHash = n.ValueHash
		case merk.NodeKVValueHashFeatureType:
			node.ValueHash, node.Feature = n.ValueHash, n.Feature
		case merk.NodeKVRefValueHash, merk.NodeKVRefValueHashCount:
			targetBytes, e := g.directReferenceTarget(acc, cache, path, n.Key, n.Value)
			if e != nil {
				*errOut = e
				return opaque
			}
			node.Value = targetBytes
			node.ValueHash = crypto.ValueHash(n.Value, acc)
			if tag == merk.NodeKVRefValueHashCount {
				node.Count = subtreeCount
			}
		default:
			*errOut = lib.ErrInvalidProof(fmt.Sprintf("element type %d cannot surface in a proof", t))
			return opaque
		}
		return node
	}
}

// directReferenceTarget() resolves a reference's first hop and returns the
// target's serialized bytes. Only simple-valued targets can surface: the
// recombined hash must equal the committed one, and that holds only when the
// target's committed value hash is the hash of its bytes.
func (g *GroveDB) directReferenceTarget(acc *costs.Cost, cache *merkCache,
	path [][]byte, key, refBytes []byte) ([]byte, lib.ErrorI) {
	elem, err := element.Deserialize(refBytes)
	if err != nil {
		return nil, err
	}
	if elem.Ref == nil {
		return nil, lib.ErrCorruptedData("reference element carries no path")
	}
	abs, err := elem.Ref.Absolute(path, key)
	if err != nil {
		return nil, err
	}
	if len(abs) == 0 {
		return nil, lib.ErrInvalidInput("reference resolves to an empty path")
	}
	tm, err := cache.merkAt(acc, abs[:len(abs)-1])
	if err != nil {
		return nil, err
	}
	targetBytes, err := tm.Get(abs[len(abs)-1]).UnwrapAddCost(acc)
	if err != nil {
		return nil, err
	}
	if targetBytes == nil {
		return nil, lib.ErrCorruptedReferencePathKeyNotFound(
			fmt.Sprintf("reference target %x is missing", abs[len(abs)-1]))
	}
	t, err := element.TypeFromSerialized(targetBytes)
	if err != nil {
		return nil, err
	}
	if !t.HasSimpleValueHash() {
		return nil, lib.ErrInvalidProof("reference target cannot surface in a proof")
	}
	return targetBytes, nil
}

// Verify() replays the proof bottom-up against a path query and the expected
// grove root, returning the surfaced entries
func (p *Proof) Verify(pq *PathQuery, expectedRoot crypto.Hash) costs.Result[*VerifyResult] {
	var acc costs.Cost
	if pq == nil || len(p.Layers) != len(pq.Path)+1 {
		return costs.ErrWithCost[*VerifyResult](
			lib.ErrInvalidProof("proof layer count does not match the query path"), acc)
	}
	lowerRoot := crypto.NullHash
	var entries []ProvedEntry
	for i := len(p.Layers) - 1; i >= 0; i-- {
		terminal := i == len(p.Layers)-1
		if len(p.Layers[i]) == 0 {
			// only an empty terminal subtree proves as an empty layer
			if !terminal {
				return costs.ErrWithCost[*VerifyResult](lib.ErrInvalidProof("empty path layer"), acc)
			}
			lowerRoot = crypto.NullHash
			continue
		}
		leftToRight := true
		if terminal {
			leftToRight = p.LeftToRight
		}
		var segKey []byte
		if !terminal {
			segKey = pq.Path[i]
		}
		bound, childRoot := false, lowerRoot
		visit := func(n *merk.ProofNode) lib.ErrorI {
			if terminal {
				if carriesValue(n.Tag) {
					entries = append(entries, ProvedEntry{Key: n.Key, Value: n.Value})
				}
				return nil
			}
			if !bytes.Equal(n.Key, segKey) {
				return nil
			}
			switch n.Tag {
			case merk.NodeKVValueHash, merk.NodeKVValueHashFeatureType:
			default:
				return lib.ErrInvalidProof("path segment surfaced without its value hash")
			}
			elem, err := element.Deserialize(n.Value)
			if err != nil {
				return err
			}
			if !elem.IsTree() {
				return ErrInvalidElementType("path segment element is not a merk subtree")
			}
			if crypto.CombineHash(crypto.ValueHash(n.Value, &acc), childRoot, &acc) != n.ValueHash {
				return lib.ErrInvalidProof("path layer does not bind the lower layer's root")
			}
			bound = true
			return nil
		}
		tree, err := merk.Execute(p.Layers[i], leftToRight, false, visit).UnwrapAddCost(&acc)
		if err != nil {
			return costs.ErrWithCost[*VerifyResult](err, acc)
		}
		if !terminal && !bound {
			return costs.ErrWithCost[*VerifyResult](
				lib.ErrInvalidProof(fmt.Sprintf("path segment %x missing from its proof layer", segKey)), acc)
		}
		lowerRoot = tree.RootHash(&acc)
	}
	if lowerRoot != expectedRoot {
		return costs.ErrWithCost[*VerifyResult](lib.ErrInvalidProof("proof root hash mismatch"), acc)
	}
	return costs.WrapWithCost(&VerifyResult{Entries: entries}, acc)
}

// carriesValue() reports whether a proof node tag surfaces key and value
func carriesValue(tag merk.NodeTag) bool {
	switch tag {
	case merk.NodeKV, merk.NodeKVCount, merk.NodeKVValueHash, merk.NodeKVValueHashFeatureType,
		merk.NodeKVRefValueHash, merk.NodeKVRefValueHashCount:
		return true
	}
	return false
}

// VerifyMmrProof() checks an MMR sub-proof against an authenticated mmr
// subtree element, typically one surfaced by a grove proof
func VerifyMmrProof(elemBytes []byte, proof *mmr.MmrTreeProof) ([]mmr.LeafEntry, lib.ErrorI) {
	elem, err := element.Deserialize(elemBytes)
	if err != nil {
		return nil, err
	}
	if elem.Type != element.TypeMmrTree {
		return nil, ErrInvalidElementType("element is not an mmr subtree")
	}
	return proof.Verify(elem.StateRoot)
}

// VerifyBulkAppendProof() checks a bulk-append sub-proof against an
// authenticated bulk-append subtree element and the query it answers
func VerifyBulkAppendProof(elemBytes []byte, proof *bulkappend.BulkAppendTreeProof,
	q *query.Query) ([]bulkappend.PositionedValue, lib.ErrorI) {
	elem, err := element.Deserialize(elemBytes)
	if err != nil {
		return nil, err
	}
	if elem.Type != element.TypeBulkAppendTree {
		return nil, ErrInvalidElementType("element is not a bulk-append subtree")
	}
	return proof.VerifyAgainstQuery(elem.StateRoot, elem.EpochHeight, elem.TotalCount, q)
}

// Encode() serializes a layered proof
func (p *Proof) Encode() []byte {
	buf := &bytes.Buffer{}
	if p.LeftToRight {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeGroveUvarint(buf, uint64(len(p.Layers)))
	for _, layer := range p.Layers {
		encoded := merk.EncodeOps(layer)
		writeGroveUvarint(buf, uint64(len(encoded)))
		buf.Write(encoded)
	}
	return buf.Bytes()
}

// DecodeProof() deserializes a layered proof
func DecodeProof(data []byte) (*Proof, lib.ErrorI) {
	if len(data) > merk.MaxProofSize {
		return nil, lib.ErrInvalidProof("proof exceeds the size ceiling")
	}
	r := bytes.NewReader(data)
	dir, err := r.ReadByte()
	if err != nil || dir > 1 {
		return nil, lib.ErrCorruptedData("malformed proof header")
	}
	layerCount, e := readGroveUvarint(r)
	if e != nil {
		return nil, e
	}
	if layerCount > uint64(r.Len()) {
		return nil, lib.ErrCorruptedData("proof layer count exceeds the payload")
	}
	p := &Proof{LeftToRight: dir == 1, Layers: make([][]merk.Op, 0, layerCount)}
	for i := uint64(0); i < layerCount; i++ {
		size, e := readGroveUvarint(r)
		if e != nil {
			return nil, e
		}
		if size > uint64(r.Len()) {
			return nil, lib.ErrCorruptedData("proof layer exceeds the payload")
		}
		raw := make([]byte, size)
		if _, err = r.Read(raw); err != nil {
			return nil, lib.ErrCorruptedData("truncated proof layer")
		}
		ops, e := merk.DecodeOps(raw)
		if e != nil {
			return nil, e
		}
		p.Layers = append(p.Layers, ops)
	}
	if r.Len() != 0 {
		return nil, lib.ErrCorruptedData("trailing bytes after proof")
	}
	return p, nil
}

func writeGroveUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutUvarint(tmp[:], v)])
}

func readGroveUvarint(r *bytes.Reader) (uint64, lib.ErrorI) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, lib.ErrCorruptedData("malformed varint in proof")
	}
	return v, nil
}
