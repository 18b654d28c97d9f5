package merk

import (
	"bytes"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

// Storage is the prefixed byte store a merk persists its nodes into. Get
// returns nil for a missing key. The root entry records which node key is the
// current root of this merk. Implementations charge seeks and loaded bytes
// into the accumulator; storage byte accounting is done by the merk, and the
// info passed to Put and Delete carries its attribution.
type Storage interface {
	Get(acc *costs.Cost, key []byte) ([]byte, lib.ErrorI)
	Put(acc *costs.Cost, key, value []byte, info *costs.KeyValueStorageCost) lib.ErrorI
	Delete(acc *costs.Cost, key []byte, info *costs.KeyValueStorageCost) lib.ErrorI
	GetRoot(acc *costs.Cost) ([]byte, lib.ErrorI)
	PutRoot(acc *costs.Cost, rootKey []byte, info *costs.KeyValueStorageCost) lib.ErrorI
	DeleteRoot(acc *costs.Cost, info *costs.KeyValueStorageCost) lib.ErrorI
}

// Merk is one authenticated AVL tree over a prefixed slice of the byte store
type Merk struct {
	storage Storage
	kind    FeatureKind
	root    *TreeNode
	// rootHash is kept current by Open and commit; NullHash when the tree is empty
	rootHash crypto.Hash
	// rootKeyLen remembers the stored root entry's value length for update pricing
	rootKeyLen *uint32
	// deletes collects (key, old encoded length) pairs detached during apply
	deletes []pendingDelete
	log     lib.LoggerI
}

type pendingDelete struct {
	key        []byte
	encodedLen uint32
}

// Open() loads a merk from storage, materialising only the root node
func Open(storage Storage, kind FeatureKind, log lib.LoggerI) costs.Result[*Merk] {
	var acc costs.Cost
	m := &Merk{storage: storage, kind: kind, log: log}
	rootKey, err := storage.GetRoot(&acc)
	if err != nil {
		return costs.ErrWithCost[*Merk](err, acc)
	}
	if rootKey != nil {
		root, e := m.fetchNode(&acc, rootKey)
		if e != nil {
			return costs.ErrWithCost[*Merk](e, acc)
		}
		m.root = root
		// recomputing the loaded root's digest is in-memory work, not charged
		m.rootHash = root.NodeHash(nil)
		l := uint32(len(rootKey))
		m.rootKeyLen = &l
	}
	return costs.WrapWithCost(m, acc)
}

// RootHash() is the current committed root digest; NullHash for an empty tree
func (m *Merk) RootHash() crypto.Hash { return m.rootHash }

// RootKey() is the key of the current root node, nil when empty
func (m *Merk) RootKey() []byte {
	if m.root == nil {
		return nil
	}
	return m.root.Key
}

// RootAggregate() is the aggregate data propagated to the root
func (m *Merk) RootAggregate() AggregateData {
	if m.root == nil {
		return NoAggregateData()
	}
	return m.root.SubtreeAggregate()
}

// IsEmpty() reports whether the tree holds no nodes
func (m *Merk) IsEmpty() bool { return m.root == nil }

// Kind() is the feature kind this merk enforces on every op
func (m *Merk) Kind() FeatureKind { return m.kind }

// Get() walks the tree for a key, materialising pruned nodes on the way down.
// A missing key yields a nil value with no error.
func (m *Merk) Get(key []byte) costs.Result[[]byte] {
	r := m.getNode(key)
	return costs.MapOk(r, func(n *TreeNode) []byte {
		if n == nil {
			return nil
		}
		return n.Value
	})
}

// GetValueHash() returns the committed value hash for a key, or the null hash when absent
func (m *Merk) GetValueHash(key []byte) costs.Result[crypto.Hash] {
	r := m.getNode(key)
	return costs.MapOk(r, func(n *TreeNode) crypto.Hash {
		if n == nil {
			return crypto.NullHash
		}
		return n.ValueHash
	})
}

// GetFeature() returns the stored feature for a key; the bool reports presence
func (m *Merk) GetFeature(key []byte) costs.Result[*TreeFeatureType] {
	r := m.getNode(key)
	return costs.MapOk(r, func(n *TreeNode) *TreeFeatureType {
		if n == nil {
			return nil
		}
		f := n.Feature
		return &f
	})
}

// Has() reports whether a key exists in the tree
func (m *Merk) Has(key []byte) costs.Result[bool] {
	r := m.getNode(key)
	return costs.MapOk(r, func(n *TreeNode) bool { return n != nil })
}

// getNode() descends from the root by key comparison
func (m *Merk) getNode(key []byte) costs.Result[*TreeNode] {
	var acc costs.Cost
	node := m.root
	for node != nil {
		switch cmp := bytes.Compare(key, node.Key); {
		case cmp == 0:
			return costs.WrapWithCost(node, acc)
		case cmp < 0:
			child, err := m.materialize(&acc, node.Left)
			if err != nil {
				return costs.ErrWithCost[*TreeNode](err, acc)
			}
			node = child
		default:
			child, err := m.materialize(&acc, node.Right)
			if err != nil {
				return costs.ErrWithCost[*TreeNode](err, acc)
			}
			node = child
		}
	}
	return costs.WrapWithCost[*TreeNode](nil, acc)
}

// fetchNode() reads and decodes one node from storage
func (m *Merk) fetchNode(acc *costs.Cost, key []byte) (*TreeNode, lib.ErrorI) {
	data, err := m.storage.Get(acc, key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, lib.ErrCorruptedData("referenced merk node is missing from storage")
	}
	return DecodeNode(key, data)
}

// materialize() ensures a link's in-memory tree is loaded, fetching pruned children
func (m *Merk) materialize(acc *costs.Cost, l *Link) (*TreeNode, lib.ErrorI) {
	if l == nil {
		return nil, nil
	}
	if l.Tree == nil {
		t, err := m.fetchNode(acc, l.Key)
		if err != nil {
			return nil, err
		}
		l.Tree = t
		l.State = LinkLoaded
	}
	return l.Tree, nil
}

// commit() flushes every dirty node post-order, recomputing hashes on the way
// up, then updates the root entry
func (m *Merk) commit(acc *costs.Cost) lib.ErrorI {
	// flush detached nodes first so a key reused within one batch lands as a fresh write
	for _, d := range m.deletes {
		info := costs.ForRemovedNodeCost(uint32(len(d.key)), d.encodedLen)
		acc.Storage.Add(info.KeyStorageCost)
		acc.Storage.Add(info.ValueStorageCost)
		if err := m.storage.Delete(acc, d.key, &info); err != nil {
			return err
		}
	}
	m.deletes = nil
	if m.root == nil {
		if m.rootKeyLen != nil {
			info := costs.ForRemovedRootCost(*m.rootKeyLen)
			acc.Storage.Add(info.KeyStorageCost)
			acc.Storage.Add(info.ValueStorageCost)
			if err := m.storage.DeleteRoot(acc, &info); err != nil {
				return err
			}
			m.rootKeyLen = nil
		}
		m.rootHash = crypto.NullHash
		return nil
	}
	hash, err := m.commitNode(acc, m.root, true)
	if err != nil {
		return err
	}
	m.rootHash = hash
	// point the root entry at the (possibly new) root node key
	newLen := uint32(len(m.root.Key))
	info := costs.ForUpdatedRootCost(m.rootKeyLen, newLen)
	acc.Storage.Add(info.KeyStorageCost)
	acc.Storage.Add(info.ValueStorageCost)
	if err = m.storage.PutRoot(acc, m.root.Key, &info); err != nil {
		return err
	}
	m.rootKeyLen = &newLen
	return nil
}

// commitNode() writes a dirty node and returns its hash; clean subtrees are not revisited
func (m *Merk) commitNode(acc *costs.Cost, n *TreeNode, dirty bool) (crypto.Hash, lib.ErrorI) {
	if !dirty {
		return n.NodeHash(acc), nil
	}
	for _, l := range []*Link{n.Left, n.Right} {
		if l == nil || l.State != LinkModified {
			continue
		}
		h, err := m.commitNode(acc, l.Tree, true)
		if err != nil {
			return crypto.NullHash, err
		}
		l.Hash = h
		l.State = LinkLoaded
	}
	encoded := EncodeNode(n)
	encLen := uint32(len(encoded))
	var info *costs.KeyValueStorageCost
	if n.specializedValueCost != nil {
		// caller-declared costs are verified against the raw value and the
		// feature and child key byte budgets
		children := &costs.ChildrenSizes{
			LeftKeyLen:  linkKeyLen(n.Left),
			RightKeyLen: linkKeyLen(n.Right),
		}
		if tc, ok := treeCostType(n.Feature.Kind); ok {
			children.HasTreeCost, children.TreeCost = true, tc
		}
		if err := costs.AddKeyValueStorageCosts(acc, uint32(len(n.Key)), uint32(len(n.Value)), children, n.specializedValueCost); err != nil {
			return crypto.NullHash, err
		}
		info = n.specializedValueCost
	} else {
		computed := costs.ForUpdatedNodeCost(n.oldEncodedLen, uint32(len(n.Key)), encLen)
		acc.Storage.Add(computed.KeyStorageCost)
		acc.Storage.Add(computed.ValueStorageCost)
		info = &computed
	}
	if err := m.storage.Put(acc, n.Key, encoded, info); err != nil {
		return crypto.NullHash, err
	}
	n.oldEncodedLen = &encLen
	n.specializedValueCost = nil
	return n.NodeHash(acc), nil
}

func linkKeyLen(l *Link) uint32 {
	if l == nil {
		return 0
	}
	return uint32(len(l.Key))
}

// treeCostType() maps a feature kind to the fixed byte budget its feature occupies
func treeCostType(kind FeatureKind) (costs.TreeCostType, bool) {
	switch kind {
	case SummedMerkNode, CountedMerkNode, ProvableCountedMerkNode:
		return costs.TreeFeatureUsesVarIntCostAs8Bytes, true
	case CountedSummedMerkNode, ProvableCountedSummedMerkNode:
		return costs.TreeFeatureUsesTwoVarIntsCostAs16Bytes, true
	case BigSummedMerkNode:
		return costs.TreeFeatureUses16Bytes, true
	}
	return 0, false
}

// markDeleted() records a node detached by a delete op for the commit pass
func (m *Merk) markDeleted(n *TreeNode) {
	encLen := uint32(len(EncodeNode(n)))
	if n.oldEncodedLen != nil {
		encLen = *n.oldEncodedLen
	}
	m.deletes = append(m.deletes, pendingDelete{key: n.Key, encodedLen: encLen})
}
