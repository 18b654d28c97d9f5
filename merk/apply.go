package merk

import (
	"bytes"
	"sort"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

// OpKind discriminates the operations a batch may carry
type OpKind byte

const (
	// OpPut inserts or replaces a value; the engine hashes it
	OpPut OpKind = iota
	// OpPutWithSpecializedCost is a put whose storage cost the caller declares
	OpPutWithSpecializedCost
	// OpPutCombinedReference is a put whose value hash combines the value with
	// a referenced hash, supplied by the layer above
	OpPutCombinedReference
	// OpPutLayeredReference is a put for a subtree element; the value hash
	// binds the child merk's root
	OpPutLayeredReference
	// OpReplaceLayeredReference rewrites an existing subtree element's value
	// hash and feature; the key must already be in the tree
	OpReplaceLayeredReference
	// OpDelete removes a key
	OpDelete
	// OpDeleteLayered removes a subtree element
	OpDeleteLayered
)

func (k OpKind) isDelete() bool { return k == OpDelete || k == OpDeleteLayered }

// BatchEntry is one keyed operation inside an apply batch
type BatchEntry struct {
	Key     []byte
	Op      OpKind
	Value   []byte
	Feature TreeFeatureType
	// ValueHash is required for combined and layered puts, nil otherwise
	ValueHash *crypto.Hash
	// Cost is the caller-declared storage split for specialized and layered puts
	Cost *costs.KeyValueStorageCost
}

// SortBatch() orders a batch by key, failing on duplicates
func SortBatch(batch []BatchEntry) lib.ErrorI {
	sort.Slice(batch, func(i, j int) bool { return bytes.Compare(batch[i].Key, batch[j].Key) < 0 })
	for i := 1; i < len(batch); i++ {
		if bytes.Equal(batch[i-1].Key, batch[i].Key) {
			return lib.ErrInvalidInput("batch holds duplicate keys")
		}
	}
	return nil
}

// Apply() runs a sorted batch against the tree in one pass, rebalances, and
// commits every dirty node to storage. On error the in-memory tree may be
// partially modified and the merk must be reopened.
func (m *Merk) Apply(batch []BatchEntry) costs.Result[crypto.Hash] {
	var acc costs.Cost
	if err := m.validateBatch(batch); err != nil {
		return costs.ErrWithCost[crypto.Hash](err, acc)
	}
	newRoot, err := m.applySorted(&acc, m.root, batch)
	if err != nil {
		return costs.ErrWithCost[crypto.Hash](err, acc)
	}
	m.root = newRoot
	if err = m.commit(&acc); err != nil {
		return costs.ErrWithCost[crypto.Hash](err, acc)
	}
	return costs.WrapWithCost(m.rootHash, acc)
}

// validateBatch() checks key bounds, strict ordering, and feature agreement
func (m *Merk) validateBatch(batch []BatchEntry) lib.ErrorI {
	for i, e := range batch {
		if len(e.Key) == 0 || len(e.Key) > MaxKeyLength {
			return lib.ErrInvalidInput("batch key must be 1 to 255 bytes")
		}
		if i > 0 && bytes.Compare(batch[i-1].Key, e.Key) >= 0 {
			return lib.ErrInvalidInput("batch keys must be strictly ascending")
		}
		if !e.Op.isDelete() {
			if err := validateFeatureForTree(m.kind, e.Feature.Kind); err != nil {
				return err
			}
		}
	}
	return nil
}

// applySorted() recursively routes batch slices into the subtree they belong
// to, splitting at this node's key
func (m *Merk) applySorted(acc *costs.Cost, node *TreeNode, batch []BatchEntry) (*TreeNode, lib.ErrorI) {
	if len(batch) == 0 {
		return node, nil
	}
	if node == nil {
		return m.build(acc, batch)
	}
	idx := sort.Search(len(batch), func(i int) bool { return bytes.Compare(batch[i].Key, node.Key) >= 0 })
	found := idx < len(batch) && bytes.Equal(batch[idx].Key, node.Key)
	if found && batch[idx].Op.isDelete() {
		// detach this node, promote a replacement, then run the rest of the
		// batch against the restructured subtree
		m.markDeleted(node)
		replacement, err := m.removeNode(acc, node)
		if err != nil {
			return nil, err
		}
		rest := make([]BatchEntry, 0, len(batch)-1)
		rest = append(rest, batch[:idx]...)
		rest = append(rest, batch[idx+1:]...)
		return m.applySorted(acc, replacement, rest)
	}
	rightBatch := batch[idx:]
	if found {
		if err := m.updateNode(acc, node, batch[idx]); err != nil {
			return nil, err
		}
		rightBatch = batch[idx+1:]
	}
	if leftBatch := batch[:idx]; len(leftBatch) > 0 {
		child, err := m.materialize(acc, node.Left)
		if err != nil {
			return nil, err
		}
		newLeft, err := m.applySorted(acc, child, leftBatch)
		if err != nil {
			return nil, err
		}
		node.Left = linkFromTree(newLeft)
	}
	if len(rightBatch) > 0 {
		child, err := m.materialize(acc, node.Right)
		if err != nil {
			return nil, err
		}
		newRight, err := m.applySorted(acc, child, rightBatch)
		if err != nil {
			return nil, err
		}
		node.Right = linkFromTree(newRight)
	}
	return m.rebalance(acc, node)
}

// build() constructs a balanced subtree from a sorted batch of puts
func (m *Merk) build(acc *costs.Cost, batch []BatchEntry) (*TreeNode, lib.ErrorI) {
	if len(batch) == 0 {
		return nil, nil
	}
	mid := len(batch) / 2
	entry := batch[mid]
	if entry.Op.isDelete() {
		return nil, lib.ErrPathKeyNotFound("delete of a key that is not in the tree")
	}
	if entry.Op == OpReplaceLayeredReference {
		return nil, lib.ErrPathKeyNotFound("replace of a key that is not in the tree")
	}
	node, err := m.nodeFromEntry(acc, entry)
	if err != nil {
		return nil, err
	}
	left, err := m.build(acc, batch[:mid])
	if err != nil {
		return nil, err
	}
	right, err := m.build(acc, batch[mid+1:])
	if err != nil {
		return nil, err
	}
	node.Left = linkFromTree(left)
	node.Right = linkFromTree(right)
	return node, nil
}

// nodeFromEntry() materialises a fresh node from a put op
func (m *Merk) nodeFromEntry(acc *costs.Cost, e BatchEntry) (*TreeNode, lib.ErrorI) {
	var node *TreeNode
	var err lib.ErrorI
	if e.ValueHash != nil {
		node, err = NewTreeNodeWithValueHash(e.Key, e.Value, *e.ValueHash, e.Feature)
	} else {
		node, err = NewTreeNode(e.Key, e.Value, e.Feature, acc)
	}
	if err != nil {
		return nil, err
	}
	node.specializedValueCost = e.Cost
	return node, nil
}

// updateNode() rewrites an existing node's value in place
func (m *Merk) updateNode(acc *costs.Cost, node *TreeNode, e BatchEntry) lib.ErrorI {
	node.Value = e.Value
	node.Feature = e.Feature
	if e.ValueHash != nil {
		node.ValueHash = *e.ValueHash
	} else {
		node.ValueHash = crypto.ValueHash(e.Value, acc)
	}
	node.invalidateKVHash()
	node.specializedValueCost = e.Cost
	return nil
}

// removeNode() detaches a node, promoting the nearest key from the taller
// child as its replacement; ties promote from the left
func (m *Merk) removeNode(acc *costs.Cost, node *TreeNode) (*TreeNode, lib.ErrorI) {
	left, err := m.materialize(acc, node.Left)
	if err != nil {
		return nil, err
	}
	right, err := m.materialize(acc, node.Right)
	if err != nil {
		return nil, err
	}
	switch {
	case left == nil && right == nil:
		return nil, nil
	case left == nil:
		return right, nil
	case right == nil:
		return left, nil
	}
	fromLeft := node.Left.Height() >= node.Right.Height()
	var edge, rest *TreeNode
	if fromLeft {
		edge, rest, err = m.detachEdge(acc, left, false)
	} else {
		edge, rest, err = m.detachEdge(acc, right, true)
	}
	if err != nil {
		return nil, err
	}
	if fromLeft {
		edge.Left = linkFromTree(rest)
		edge.Right = node.Right
	} else {
		edge.Left = node.Left
		edge.Right = linkFromTree(rest)
	}
	return m.rebalance(acc, edge)
}

// detachEdge() walks to the extreme node on the given side, detaches it, and
// returns it with the rebalanced remainder of the subtree
func (m *Merk) detachEdge(acc *costs.Cost, node *TreeNode, left bool) (*TreeNode, *TreeNode, lib.ErrorI) {
	child, err := m.materialize(acc, node.child(left))
	if err != nil {
		return nil, nil, err
	}
	if child == nil {
		// this node is the edge; its opposite child takes its place
		rest, e := m.materialize(acc, node.child(!left))
		if e != nil {
			return nil, nil, e
		}
		node.Left, node.Right = nil, nil
		return node, rest, nil
	}
	edge, childRest, err := m.detachEdge(acc, child, left)
	if err != nil {
		return nil, nil, err
	}
	node.setChild(left, linkFromTree(childRest))
	rest, err := m.rebalance(acc, node)
	if err != nil {
		return nil, nil, err
	}
	return edge, rest, nil
}

// rebalance() restores the AVL invariant at this node; a child leaning
// against its parent is rotated first so the outer rotation lands balanced
func (m *Merk) rebalance(acc *costs.Cost, node *TreeNode) (*TreeNode, lib.ErrorI) {
	bf := node.balanceFactor()
	if bf >= -1 && bf <= 1 {
		return node, nil
	}
	heavyLeft := bf < 0
	child, err := m.materialize(acc, node.child(heavyLeft))
	if err != nil {
		return nil, err
	}
	if (heavyLeft && child.balanceFactor() > 0) || (!heavyLeft && child.balanceFactor() < 0) {
		grand, e := m.rotate(acc, child, !heavyLeft)
		if e != nil {
			return nil, e
		}
		node.setChild(heavyLeft, linkFromTree(grand))
	}
	return m.rotate(acc, node, heavyLeft)
}

// rotate() promotes the child on the given side to be the subtree root,
// rebalancing the demoted node and the promoted child on the way
func (m *Merk) rotate(acc *costs.Cost, node *TreeNode, left bool) (*TreeNode, lib.ErrorI) {
	child, err := m.materialize(acc, node.child(left))
	if err != nil {
		return nil, err
	}
	node.setChild(left, child.child(!left))
	demoted, err := m.rebalance(acc, node)
	if err != nil {
		return nil, err
	}
	child.setChild(!left, linkFromTree(demoted))
	return m.rebalance(acc, child)
}
