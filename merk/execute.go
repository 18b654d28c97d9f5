package merk

import (
	"bytes"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

// ProofTree is the partial tree a proof op stream reconstructs
type ProofTree struct {
	Node         *ProofNode
	Left, Right  *proofChild
	Height       uint8
	ChildHeights [2]uint8
}

type proofChild struct {
	Tree *ProofTree
	Hash crypto.Hash
}

// ChildHash() is the attached child's subtree hash, or the null hash
func (t *ProofTree) ChildHash(left bool) crypto.Hash {
	c := t.Right
	if left {
		c = t.Left
	}
	if c == nil {
		return crypto.NullHash
	}
	return c.Hash
}

// ChildTree() returns the attached child tree on the given side, nil when absent
func (t *ProofTree) ChildTree(left bool) *ProofTree {
	c := t.Right
	if left {
		c = t.Left
	}
	if c == nil {
		return nil
	}
	return c.Tree
}

// RootHash() recomputes the digest this proof tree commits to
func (t *ProofTree) RootHash(acc *costs.Cost) crypto.Hash {
	n := t.Node
	left, right := t.ChildHash(true), t.ChildHash(false)
	switch n.Tag {
	case NodeHash:
		return n.Hash
	case NodeKVHash:
		return crypto.NodeHash(n.Hash, left, right, acc)
	case NodeKV:
		vh := crypto.ValueHash(n.Value, acc)
		kvh := crypto.KVDigestToKVHash(n.Key, vh, acc)
		return crypto.NodeHash(kvh, left, right, acc)
	case NodeKVValueHash, NodeKVDigest:
		kvh := crypto.KVDigestToKVHash(n.Key, n.ValueHash, acc)
		return crypto.NodeHash(kvh, left, right, acc)
	case NodeKVRefValueHash:
		kvh := crypto.KVDigestToKVHash(n.Key, n.combinedValueHash(acc), acc)
		return crypto.NodeHash(kvh, left, right, acc)
	case NodeKVValueHashFeatureType:
		kvh := crypto.KVDigestToKVHash(n.Key, n.ValueHash, acc)
		if n.Feature.IsProvable() {
			return crypto.NodeHashWithCount(kvh, left, right, n.Feature.Count, acc)
		}
		return crypto.NodeHash(kvh, left, right, acc)
	case NodeKVCount:
		vh := crypto.ValueHash(n.Value, acc)
		kvh := crypto.KVDigestToKVHash(n.Key, vh, acc)
		return crypto.NodeHashWithCount(kvh, left, right, n.Count, acc)
	case NodeKVRefValueHashCount:
		kvh := crypto.KVDigestToKVHash(n.Key, n.combinedValueHash(acc), acc)
		return crypto.NodeHashWithCount(kvh, left, right, n.Count, acc)
	case NodeKVHashCount:
		return crypto.NodeHashWithCount(n.Hash, left, right, n.Count, acc)
	}
	return crypto.NullHash
}

// combinedValueHash() rebinds a reference's element value hash with the hash
// of the dereferenced value it surfaced
func (n *ProofNode) combinedValueHash(acc *costs.Cost) crypto.Hash {
	refHash := crypto.ValueHash(n.Value, acc)
	return crypto.CombineHash(n.ValueHash, refHash, acc)
}

// attach() hangs a child on the given side, failing when the slot is taken
func (t *ProofTree) attach(left bool, child *ProofTree, acc *costs.Cost) lib.ErrorI {
	if (left && t.Left != nil) || (!left && t.Right != nil) {
		return lib.ErrInvalidProof("proof attaches two children to one side")
	}
	if child.Height+1 > t.Height {
		t.Height = child.Height + 1
	}
	if left {
		t.ChildHeights[0] = child.Height
	} else {
		t.ChildHeights[1] = child.Height
	}
	c := &proofChild{Tree: child, Hash: child.RootHash(acc)}
	if left {
		t.Left = c
	} else {
		t.Right = c
	}
	return nil
}

// intoHash() collapses a subtree to an opaque hash node
func (t *ProofTree) intoHash(acc *costs.Cost) *ProofTree {
	return newProofTree(&ProofNode{Tag: NodeHash, Hash: t.RootHash(acc)})
}

func newProofTree(n *ProofNode) *ProofTree {
	return &ProofTree{Node: n, Height: 1}
}

// Execute() steps through a proof op stream, rebuilding the pruned tree on a
// stack. Keys of surfaced nodes must strictly increase when leftToRight is
// set and strictly decrease otherwise, the stack must end with exactly one
// item, and the resulting root must be AVL balanced. With collapse set,
// attached subtrees are hashed and pruned immediately. visit runs once per
// pushed node in stream order; a nil visit is allowed.
func Execute(ops []Op, leftToRight, collapse bool, visit func(*ProofNode) lib.ErrorI) costs.Result[*ProofTree] {
	var acc costs.Cost
	var stack []*ProofTree
	var lastKey []byte
	haveLast := false
	pop := func() (*ProofTree, lib.ErrorI) {
		if len(stack) == 0 {
			return nil, lib.ErrInvalidProof("proof stack underflow")
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return top, nil
	}
	attachTop := func(parentOnTop, leftSlot bool) lib.ErrorI {
		var parent, child *ProofTree
		var err lib.ErrorI
		if parentOnTop {
			if parent, err = pop(); err != nil {
				return err
			}
			if child, err = pop(); err != nil {
				return err
			}
		} else {
			if child, err = pop(); err != nil {
				return err
			}
			if parent, err = pop(); err != nil {
				return err
			}
		}
		if collapse {
			child = child.intoHash(&acc)
		}
		if err = parent.attach(leftSlot, child, &acc); err != nil {
			return err
		}
		stack = append(stack, parent)
		return nil
	}
	for _, op := range ops {
		var err lib.ErrorI
		switch op.Tag {
		case OpParent:
			err = attachTop(true, true)
		case OpParentInverted:
			err = attachTop(true, false)
		case OpChild:
			err = attachTop(false, false)
		case OpChildInverted:
			err = attachTop(false, true)
		default:
			if op.Node == nil {
				err = lib.ErrInvalidProof("push op carries no node")
				break
			}
			if op.Node.HasKey() {
				if haveLast {
					cmp := bytes.Compare(op.Node.Key, lastKey)
					if (leftToRight && cmp <= 0) || (!leftToRight && cmp >= 0) {
						err = lib.ErrInvalidProof("proof keys out of order")
						break
					}
				}
				lastKey, haveLast = op.Node.Key, true
			}
			if visit != nil {
				if err = visit(op.Node); err != nil {
					break
				}
			}
			stack = append(stack, newProofTree(op.Node))
		}
		if err != nil {
			return costs.ErrWithCost[*ProofTree](err, acc)
		}
	}
	if len(stack) != 1 {
		return costs.ErrWithCost[*ProofTree](
			lib.ErrInvalidProof("proof must resolve to exactly one stack item"), acc)
	}
	root := stack[0]
	diff := int(root.ChildHeights[0]) - int(root.ChildHeights[1])
	if diff < -1 || diff > 1 {
		return costs.ErrWithCost[*ProofTree](
			lib.ErrInvalidProof("proof does not resolve to a balanced tree"), acc)
	}
	return costs.WrapWithCost(root, acc)
}
