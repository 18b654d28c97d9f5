package merk

import (
	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/query"
)

// NodeSelector chooses the proof node surfaced for a matched tree node. The
// element layer supplies one that follows the discriminant table; the default
// is the tamper-resistant form for the tree's feature kind.
type NodeSelector func(n *TreeNode, subtreeCount uint64) *ProofNode

// ProveOptions tunes proof generation
type ProveOptions struct {
	// Limit caps the number of surfaced nodes, nil for unlimited
	Limit *uint16
	// LeftToRight orders the op stream ascending (true) or descending
	LeftToRight bool
	// NodeFor overrides proof node selection for matched nodes
	NodeFor NodeSelector
}

// ProveResult is a generated proof plus the unspent surface budget
type ProveResult struct {
	Ops       []Op
	LimitLeft *uint16
}

// Prove() generates a range proof for sorted, non-overlapping query items.
// The op stream replays to this merk's root hash and surfaces every matched
// key within the limit; boundary nodes are surfaced as digests so gaps are
// provable.
func (m *Merk) Prove(items []query.QueryItem, opts ProveOptions) costs.Result[*ProveResult] {
	var acc costs.Cost
	for i := 1; i < len(items); i++ {
		if items[i-1].Cmp(items[i]) >= 0 {
			return costs.ErrWithCost[*ProveResult](
				lib.ErrInvalidInput("proof query items must be sorted and non-overlapping"), acc)
		}
	}
	if m.root == nil {
		return costs.WrapWithCost(&ProveResult{LimitLeft: opts.Limit}, acc)
	}
	sel := opts.NodeFor
	if sel == nil {
		sel = m.defaultProofNode
	}
	var limit *uint16
	if opts.Limit != nil {
		l := *opts.Limit
		limit = &l
	}
	ops, err := m.proveNode(&acc, m.root, items, opts.LeftToRight, limit, sel)
	if err != nil {
		return costs.ErrWithCost[*ProveResult](err, acc)
	}
	return costs.WrapWithCost(&ProveResult{Ops: ops, LimitLeft: limit}, acc)
}

// defaultProofNode surfaces the raw key and value; provable-count trees carry
// the committed subtree count alongside
func (m *Merk) defaultProofNode(n *TreeNode, subtreeCount uint64) *ProofNode {
	if n.Feature.IsProvable() {
		return &ProofNode{Tag: NodeKVCount, Key: n.Key, Value: n.Value, Count: subtreeCount}
	}
	return &ProofNode{Tag: NodeKV, Key: n.Key, Value: n.Value}
}

// proveNode() recursively emits ops for one subtree: ops for the first-side
// child, a push for this node, an attach op, then the second side
func (m *Merk) proveNode(acc *costs.Cost, node *TreeNode, items []query.QueryItem,
	leftToRight bool, limit *uint16, sel NodeSelector) ([]Op, lib.ErrorI) {
	var leftItems, rightItems []query.QueryItem
	found, onExcludedBound := false, false
	for _, item := range items {
		if ok, onBound := item.ContainsKey(node.Key); ok {
			found = true
		} else if onBound {
			onExcludedBound = true
		}
		if item.CouldHaveBefore(node.Key) {
			leftItems = append(leftItems, item)
		}
		if item.CouldHaveAfter(node.Key) {
			rightItems = append(rightItems, item)
		}
	}
	// a query item routed toward a missing child proves absence through this
	// node's digest
	absenceBoundary := (len(leftItems) > 0 && node.Left == nil) ||
		(len(rightItems) > 0 && node.Right == nil)

	firstOps, err := m.proveChild(acc, node, leftItems, rightItems, leftToRight, true, limit, sel)
	if err != nil {
		return nil, err
	}
	// the first-side subtree spends the surface budget before this node does
	surfaced := found
	if found && limit != nil {
		if *limit == 0 {
			surfaced = false
		} else {
			*limit--
		}
	}
	self := m.selectProofNode(acc, node, surfaced, onExcludedBound || absenceBoundary, sel)
	secondOps, err := m.proveChild(acc, node, leftItems, rightItems, leftToRight, false, limit, sel)
	if err != nil {
		return nil, err
	}

	ops := make([]Op, 0, len(firstOps)+len(secondOps)+3)
	ops = append(ops, firstOps...)
	ops = append(ops, PushOp(self))
	if len(firstOps) > 0 {
		if leftToRight {
			ops = append(ops, Op{Tag: OpParent})
		} else {
			ops = append(ops, Op{Tag: OpParentInverted})
		}
	}
	if len(secondOps) > 0 {
		ops = append(ops, secondOps...)
		if leftToRight {
			ops = append(ops, Op{Tag: OpChild})
		} else {
			ops = append(ops, Op{Tag: OpChildInverted})
		}
	}
	return ops, nil
}

// proveChild() emits the op stream for one side: a recursive proof when query
// items route there, an opaque hash when the subtree exists but is not
// queried, and nothing when there is no child
func (m *Merk) proveChild(acc *costs.Cost, node *TreeNode, leftItems, rightItems []query.QueryItem,
	leftToRight, firstSide bool, limit *uint16, sel NodeSelector) ([]Op, lib.ErrorI) {
	// the first side emitted is the left child for ascending proofs
	left := firstSide == leftToRight
	link := node.child(left)
	if link == nil {
		return nil, nil
	}
	items := rightItems
	if left {
		items = leftItems
	}
	if len(items) == 0 {
		return []Op{PushOp(&ProofNode{Tag: NodeHash, Hash: link.LinkHash()})}, nil
	}
	child, err := m.materialize(acc, link)
	if err != nil {
		return nil, err
	}
	return m.proveNode(acc, child, items, leftToRight, limit, sel)
}

// selectProofNode() picks the pushed node form: the selector's choice for
// surfaced nodes, a digest for boundaries, and a bare kv hash otherwise
func (m *Merk) selectProofNode(acc *costs.Cost, node *TreeNode, surfaced, boundary bool, sel NodeSelector) *ProofNode {
	count := uint64(0)
	provable := node.Feature.IsProvable()
	if provable {
		count = node.SubtreeAggregate().Count
	}
	switch {
	case surfaced:
		return sel(node, count)
	case boundary && !provable:
		return &ProofNode{Tag: NodeKVDigest, Key: node.Key, ValueHash: node.ValueHash}
	case provable:
		return &ProofNode{Tag: NodeKVHashCount, Hash: node.KVHash(acc), Count: count}
	default:
		return &ProofNode{Tag: NodeKVHash, Hash: node.KVHash(acc)}
	}
}
