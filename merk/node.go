package merk

import (
	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

// MaxKeyLength bounds every merk key
const MaxKeyLength = 255

// TreeNode is one node of an AVL-balanced merkle tree. Its hash commits the
// key, the value hash, both child hashes and, for provable features, the
// subtree count.
type TreeNode struct {
	Key   []byte
	Value []byte
	// Feature is this node's own aggregate contribution
	Feature TreeFeatureType
	// ValueHash is the committed digest of the value; for references and
	// subtree elements it is a combined hash supplied by the layer above
	ValueHash crypto.Hash
	// kvHash is materialised lazily from the key and value hash
	kvHash    crypto.Hash
	hasKVHash bool
	Left      *Link
	Right     *Link
	// specializedValueCost carries a caller-declared value byte budget for cost verification
	specializedValueCost *costs.KeyValueStorageCost
	// oldEncodedLen is the node's on-disk size at load time, nil for fresh nodes;
	// it prices the replace/remove side of the next write
	oldEncodedLen *uint32
}

// NewTreeNode() materialises a node from a put op, hashing the value
func NewTreeNode(key, value []byte, feature TreeFeatureType, acc *costs.Cost) (*TreeNode, lib.ErrorI) {
	if len(key) > MaxKeyLength {
		return nil, lib.ErrInvalidInput("key exceeds 255 bytes")
	}
	return &TreeNode{
		Key:       key,
		Value:     value,
		Feature:   feature,
		ValueHash: crypto.ValueHash(value, acc),
	}, nil
}

// NewTreeNodeWithValueHash() materialises a node whose value hash was computed
// by the element layer (references and subtree elements)
func NewTreeNodeWithValueHash(key, value []byte, valueHash crypto.Hash, feature TreeFeatureType) (*TreeNode, lib.ErrorI) {
	if len(key) > MaxKeyLength {
		return nil, lib.ErrInvalidInput("key exceeds 255 bytes")
	}
	return &TreeNode{Key: key, Value: value, Feature: feature, ValueHash: valueHash}, nil
}

// childHeights() returns the cached heights of the left and right subtrees
func (n *TreeNode) childHeights() [2]uint8 {
	return [2]uint8{n.Left.Height(), n.Right.Height()}
}

// Height() is 1 plus the taller child's height
func (n *TreeNode) Height() uint8 {
	if n == nil {
		return 0
	}
	ch := n.childHeights()
	return 1 + maxU8(ch[0], ch[1])
}

// balanceFactor() is right height minus left height; AVL keeps it within [-1, 1]
func (n *TreeNode) balanceFactor() int {
	ch := n.childHeights()
	return int(ch[1]) - int(ch[0])
}

// SubtreeAggregate() is the node's own contribution combined with both child aggregates
func (n *TreeNode) SubtreeAggregate() AggregateData {
	if n == nil {
		return NoAggregateData()
	}
	agg := n.Feature.SelfAggregate()
	agg = agg.Combine(n.Left.LinkAggregate())
	return agg.Combine(n.Right.LinkAggregate())
}

// KVHash() materialises H(key || value_hash) once and caches it
func (n *TreeNode) KVHash(acc *costs.Cost) crypto.Hash {
	if !n.hasKVHash {
		n.kvHash = crypto.KVDigestToKVHash(n.Key, n.ValueHash, acc)
		n.hasKVHash = true
	}
	return n.kvHash
}

// invalidateKVHash() drops the cached kv hash after a value change
func (n *TreeNode) invalidateKVHash() { n.hasKVHash = false }

// NodeHash() commits the node; children must not be in the Modified state.
// Provable features bind the subtree count into the digest.
func (n *TreeNode) NodeHash(acc *costs.Cost) crypto.Hash {
	kv := n.KVHash(acc)
	left, right := n.Left.LinkHash(), n.Right.LinkHash()
	if n.Feature.IsProvable() {
		return crypto.NodeHashWithCount(kv, left, right, n.SubtreeAggregate().Count, acc)
	}
	return crypto.NodeHash(kv, left, right, acc)
}

// child() returns the link on the requested side
func (n *TreeNode) child(left bool) *Link {
	if left {
		return n.Left
	}
	return n.Right
}

// setChild() replaces the link on the requested side
func (n *TreeNode) setChild(left bool, l *Link) {
	if left {
		n.Left = l
	} else {
		n.Right = l
	}
}

// pendingWrites() counts dirty descendants awaiting commit
func (n *TreeNode) pendingWrites() (writes int) {
	for _, l := range []*Link{n.Left, n.Right} {
		if l != nil && l.State == LinkModified {
			writes += l.PendingWrites
		}
	}
	return writes
}

// verifyAVL() walks the in-memory portion of the subtree checking the balance invariant
func (n *TreeNode) verifyAVL() lib.ErrorI {
	if n == nil {
		return nil
	}
	if bf := n.balanceFactor(); bf < -1 || bf > 1 {
		return lib.ErrMerk("AVL balance invariant broken")
	}
	for _, l := range []*Link{n.Left, n.Right} {
		if l != nil && l.Tree != nil {
			if err := l.Tree.verifyAVL(); err != nil {
				return err
			}
		}
	}
	return nil
}
