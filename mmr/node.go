package mmr

import (
	"encoding/binary"
	"fmt"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

const (
	// leafTag prefixes leaf hash inputs: H(0x00 || value)
	leafTag = 0x00
	// internalTag prefixes merge inputs: H(0x01 || left || right)
	internalTag = 0x01

	// node wire flags
	flagInternal = 0x00
	flagLeaf     = 0x01
	flagDataLeaf = 0x02
)

// Node is one MMR node. Leaf nodes carry their full value, internal nodes
// only a hash. Data leaves carry an externally computed hash alongside a
// value blob, used by the bulk-append tree where the hash is a dense merkle
// root over the blob's entries.
type Node struct {
	hash       crypto.Hash
	value      []byte
	hasValue   bool
	isDataLeaf bool
}

// LeafNode() builds a leaf: hash = H(0x00 || value)
func LeafNode(value []byte, acc *costs.Cost) *Node {
	return &Node{hash: LeafHash(value, acc), value: value, hasValue: true}
}

// InternalNode() builds a hash-only node
func InternalNode(hash crypto.Hash) *Node {
	return &Node{hash: hash}
}

// DataLeafNode() builds a leaf whose hash was computed externally; the hash to
// value binding is the caller's responsibility
func DataLeafNode(hash crypto.Hash, data []byte) *Node {
	return &Node{hash: hash, value: data, hasValue: true, isDataLeaf: true}
}

// Hash() is the 32-byte digest identifying this node
func (n *Node) Hash() crypto.Hash { return n.hash }

// Value() is the raw value of leaf nodes; nil for internal nodes
func (n *Node) Value() []byte {
	if !n.hasValue {
		return nil
	}
	return n.value
}

// IsLeaf() reports whether this node carries a value
func (n *Node) IsLeaf() bool { return n.hasValue }

// Merge() combines two siblings into a parent: H(0x01 || left || right).
// Bagging peaks uses the same merge.
func Merge(left, right *Node, acc *costs.Cost) *Node {
	return InternalNode(MergeHash(left.hash, right.hash, acc))
}

// LeafHash() is the domain-separated leaf digest
func LeafHash(value []byte, acc *costs.Cost) crypto.Hash {
	return crypto.TaggedHash(acc, leafTag, value)
}

// MergeHash() is the domain-separated internal digest
func MergeHash(left, right crypto.Hash, acc *costs.Cost) crypto.Hash {
	return crypto.TaggedHash(acc, internalTag, left[:], right[:])
}

// SerializedSize() is the node's wire size: 33 bytes for internal nodes,
// 37 plus the value for leaves
func (n *Node) SerializedSize() uint64 {
	if !n.hasValue {
		return 33
	}
	return 37 + uint64(len(n.value))
}

// Serialize() encodes the node: flag(1) + hash(32) [+ valueLen(4 BE) + value]
func (n *Node) Serialize() []byte {
	if !n.hasValue {
		out := make([]byte, 0, 33)
		out = append(out, flagInternal)
		return append(out, n.hash[:]...)
	}
	flag := byte(flagLeaf)
	if n.isDataLeaf {
		flag = flagDataLeaf
	}
	out := make([]byte, 0, 37+len(n.value))
	out = append(out, flag)
	out = append(out, n.hash[:]...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(n.value)))
	return append(out, n.value...)
}

// DeserializeNode() decodes a node, checking the hash-value binding of
// standard leaves; data leaves carry external hashes and skip the check
func DeserializeNode(data []byte) (*Node, lib.ErrorI) {
	if len(data) < 33 {
		return nil, ErrCorruptedData("data too short for an mmr node")
	}
	n := &Node{}
	copy(n.hash[:], data[1:33])
	switch data[0] {
	case flagInternal:
		if len(data) != 33 {
			return nil, ErrCorruptedData("internal mmr node has trailing bytes")
		}
		return n, nil
	case flagLeaf, flagDataLeaf:
		if len(data) < 37 {
			return nil, ErrCorruptedData("truncated mmr leaf value length")
		}
		valLen := binary.BigEndian.Uint32(data[33:37])
		if uint64(len(data)) != 37+uint64(valLen) {
			return nil, ErrCorruptedData("mmr leaf length does not match payload")
		}
		n.value = lib.CopyBytes(data[37:])
		n.hasValue = true
		n.isDataLeaf = data[0] == flagDataLeaf
		if data[0] == flagLeaf && LeafHash(n.value, nil) != n.hash {
			return nil, ErrCorruptedData("mmr leaf hash does not match its value")
		}
		return n, nil
	}
	return nil, ErrCorruptedData(fmt.Sprintf("unknown mmr node flag 0x%02x", data[0]))
}
