package commitment

/*
	The commitment tree is a depth-32 incremental Merkle tree whose internal
	nodes are computed by an opaque Hasher. Production deployments plug in
	their own combine function; the default is a level-tagged blake3 digest,
	so every level gets its own hash domain just like a Sinsemilla
	personalization would.

	Hash work done on the append path is charged as sinsemilla_hash_calls:
	32 calls for the leaf-to-root path plus one per ommer merge, regardless
	of which Hasher is installed.
*/

import (
	"github.com/grovekv/grovekv/lib/crypto"
)

const (
	// TreeDepth is the number of levels between a leaf and the root
	TreeDepth uint8 = 32
	// ShardHeight is the level at which the tree is split into stored shards;
	// each shard covers 2^16 consecutive leaf positions
	ShardHeight uint8 = 16
	// MaxLeaves is the leaf capacity of a depth-32 tree
	MaxLeaves uint64 = 1 << 32
)

// Hasher computes commitment-tree node values. Combine takes the level of its
// two children (0 combines leaves); EmptyLeaf is the value of an unpopulated
// leaf position.
type Hasher interface {
	EmptyLeaf() crypto.Hash
	Combine(level uint8, left, right crypto.Hash) crypto.Hash
}

// nodeLabel domain-separates internal commitment-tree nodes
var nodeLabel = []byte("ct_node")

// domainHasher is the default Hasher: blake3 over a level-tagged preimage
type domainHasher struct{}

// DefaultHasher() returns the level-tagged blake3 hasher
func DefaultHasher() Hasher { return domainHasher{} }

func (domainHasher) EmptyLeaf() crypto.Hash { return crypto.NullHash }

func (domainHasher) Combine(level uint8, left, right crypto.Hash) crypto.Hash {
	return crypto.LabeledHash(nil, nodeLabel, []byte{level}, left[:], right[:])
}

// emptyRoots caches the root of an all-empty subtree at every level; index i
// holds the root of an empty subtree of height i
type emptyRoots struct {
	hasher Hasher
	roots  [TreeDepth + 1]crypto.Hash
}

func newEmptyRoots(h Hasher) *emptyRoots {
	e := &emptyRoots{hasher: h}
	e.roots[0] = h.EmptyLeaf()
	for level := uint8(0); level < TreeDepth; level++ {
		e.roots[level+1] = h.Combine(level, e.roots[level], e.roots[level])
	}
	return e
}

// EmptyRoot() returns the root of a fully empty commitment tree under the
// given hasher
func EmptyRoot(h Hasher) crypto.Hash {
	return newEmptyRoots(h).roots[TreeDepth]
}
