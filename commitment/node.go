package commitment

import (
	"bytes"
	"fmt"
	"io"

	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

// Retention flags carried on stored leaves
const (
	// FlagEphemeral marks a leaf kept only until its subtree completes
	FlagEphemeral uint8 = 0
	// FlagCheckpoint marks a leaf referenced by a checkpoint
	FlagCheckpoint uint8 = 1 << 0
	// FlagMarked marks a leaf the caller wants witnesses for
	FlagMarked uint8 = 1 << 1
)

// node tags of the serialized form
const (
	tagNil    byte = 0x00
	tagLeaf   byte = 0x01
	tagParent byte = 0x02
)

// maxNodeDepth bounds deserialization recursion; a shard tree nests at most
// ShardHeight levels, a cap at most TreeDepth-ShardHeight, with margin
const maxNodeDepth = 64

// Node is a sparse binary-tree node of a stored shard or the cap. A nil
// *Node is the empty (Nil) tree. A leaf holds a hash plus retention flags;
// a parent may carry an annotation caching the hash of its (fully
// populated) subtree.
type Node struct {
	Leaf  bool
	Hash  crypto.Hash // leaf value
	Flags uint8
	Ann   *crypto.Hash
	Left  *Node
	Right *Node
}

// NewLeaf() builds a leaf node
func NewLeaf(hash crypto.Hash, flags uint8) *Node {
	return &Node{Leaf: true, Hash: hash, Flags: flags}
}

// NewParent() builds an internal node over the given children
func NewParent(ann *crypto.Hash, left, right *Node) *Node {
	return &Node{Ann: ann, Left: left, Right: right}
}

// SerializeNode() encodes a node tree: Nil=0x00, Leaf=0x01||hash||flags,
// Parent=0x02||has_ann||ann?||left||right
func SerializeNode(n *Node) []byte {
	buf := new(bytes.Buffer)
	serializeNodeInner(n, buf)
	return buf.Bytes()
}

func serializeNodeInner(n *Node, buf *bytes.Buffer) {
	switch {
	case n == nil:
		buf.WriteByte(tagNil)
	case n.Leaf:
		buf.WriteByte(tagLeaf)
		buf.Write(n.Hash[:])
		buf.WriteByte(n.Flags)
	default:
		buf.WriteByte(tagParent)
		if n.Ann != nil {
			buf.WriteByte(0x01)
			buf.Write(n.Ann[:])
		} else {
			buf.WriteByte(0x00)
		}
		serializeNodeInner(n.Left, buf)
		serializeNodeInner(n.Right, buf)
	}
}

// DeserializeNode() decodes a node tree, rejecting trailing bytes
func DeserializeNode(data []byte) (*Node, lib.ErrorI) {
	r := bytes.NewReader(data)
	n, err := deserializeNodeBounded(r, 0)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, ErrInvalidData("trailing bytes after node tree")
	}
	return n, nil
}

// deserializeNodeBounded() is depth-limited so malicious input cannot
// overflow the stack
func deserializeNodeBounded(r *bytes.Reader, depth int) (*Node, lib.ErrorI) {
	if depth > maxNodeDepth {
		return nil, ErrInvalidData(fmt.Sprintf("node tree exceeds maximum nesting depth of %d", maxNodeDepth))
	}
	tag, err := r.ReadByte()
	if err != nil {
		return nil, ErrInvalidData("unexpected end of node data")
	}
	switch tag {
	case tagNil:
		return nil, nil
	case tagLeaf:
		var hash crypto.Hash
		if _, err = io.ReadFull(r, hash[:]); err != nil || r.Len() < 1 {
			return nil, ErrInvalidData("truncated leaf node")
		}
		flags, _ := r.ReadByte()
		return NewLeaf(hash, flags), nil
	case tagParent:
		hasAnn, annErr := r.ReadByte()
		if annErr != nil {
			return nil, ErrInvalidData("truncated parent annotation flag")
		}
		var ann *crypto.Hash
		switch hasAnn {
		case 0x00:
		case 0x01:
			var h crypto.Hash
			if _, err = io.ReadFull(r, h[:]); err != nil {
				return nil, ErrInvalidData("truncated parent annotation")
			}
			ann = &h
		default:
			return nil, ErrInvalidData(fmt.Sprintf("invalid parent annotation flag 0x%02x", hasAnn))
		}
		left, lErr := deserializeNodeBounded(r, depth+1)
		if lErr != nil {
			return nil, lErr
		}
		right, rErr := deserializeNodeBounded(r, depth+1)
		if rErr != nil {
			return nil, rErr
		}
		return NewParent(ann, left, right), nil
	default:
		return nil, ErrInvalidData(fmt.Sprintf("unknown node tag 0x%02x", tag))
	}
}

// insertLeaf() writes a leaf at the given local index within a subtree of
// the given height, creating parents along the path. Existing flags at the
// position are replaced.
func insertLeaf(root *Node, height uint8, local uint64, leaf *Node) (*Node, lib.ErrorI) {
	if height == 0 {
		if root != nil && !root.Leaf {
			return nil, ErrInvalidData("parent node at leaf level")
		}
		return leaf, nil
	}
	if root == nil {
		root = NewParent(nil, nil, nil)
	} else if root.Leaf {
		return nil, ErrInvalidData("leaf node above leaf level")
	}
	bit := (local >> (height - 1)) & 1
	var err lib.ErrorI
	if bit == 0 {
		root.Left, err = insertLeaf(root.Left, height-1, local, leaf)
	} else {
		root.Right, err = insertLeaf(root.Right, height-1, local, leaf)
	}
	if err != nil {
		return nil, err
	}
	// an in-progress write invalidates any cached subtree hash
	root.Ann = nil
	return root, nil
}

// leafAt() returns the leaf stored at the given local index, nil when the
// path or the position is unpopulated
func leafAt(root *Node, height uint8, local uint64) *Node {
	for level := height; level > 0; level-- {
		if root == nil || root.Leaf {
			return nil
		}
		if (local>>(level-1))&1 == 0 {
			root = root.Left
		} else {
			root = root.Right
		}
	}
	if root == nil || !root.Leaf {
		return nil
	}
	return root
}

// updateLeafFlags() applies f to the flags of the leaf at the local index;
// reports whether the leaf exists
func updateLeafFlags(root *Node, height uint8, local uint64, f func(uint8) uint8) bool {
	leaf := leafAt(root, height, local)
	if leaf == nil {
		return false
	}
	leaf.Flags = f(leaf.Flags)
	return true
}
