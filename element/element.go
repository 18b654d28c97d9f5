package element

import (
	"math/big"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
	"github.com/grovekv/grovekv/merk"
)

// Type is the one-byte discriminant stored as the first byte of every
// serialized element. The numbering is wire ABI: it must never change.
type Type byte

const (
	// TypeItem is an ordinary value
	TypeItem Type = 0
	// TypeReference points at another element by path
	TypeReference Type = 1
	// TypeTree is a subtree container holding the child merk's root key
	TypeTree Type = 2
	// TypeSumItem is a signed integer totalled by sum trees
	TypeSumItem Type = 3
	// TypeSumTree is a subtree whose merk sums its summable nodes
	TypeSumTree Type = 4
	// TypeBigSumTree is a subtree summing in 128-bit form
	TypeBigSumTree Type = 5
	// TypeCountTree is a subtree counting its countable nodes
	TypeCountTree Type = 6
	// TypeCountSumTree combines count and sum subtrees
	TypeCountSumTree Type = 7
	// TypeProvableCountTree commits its count into every node hash
	TypeProvableCountTree Type = 8
	// TypeItemWithSumItem is an ordinary value carrying a sum value
	TypeItemWithSumItem Type = 9
	// TypeProvableCountSumTree combines a committed count with a sum
	TypeProvableCountSumTree Type = 10
	// TypeCommitmentTree embeds an incremental commitment tree's root
	TypeCommitmentTree Type = 11
	// TypeMmrTree embeds a merkle mountain range's root
	TypeMmrTree Type = 12
	// TypeBulkAppendTree embeds a bulk-append tree's state root
	TypeBulkAppendTree Type = 13

	typeEnd Type = 14
)

// TypeFromSerialized() reads an element's type from its first byte without
// deserializing the rest
func TypeFromSerialized(value []byte) (Type, lib.ErrorI) {
	if len(value) == 0 {
		return 0, lib.ErrCorruptedData("cannot get element type from empty value")
	}
	t := Type(value[0])
	if t >= typeEnd {
		return 0, lib.ErrCorruptedData("unknown element type discriminant")
	}
	return t, nil
}

// HasSimpleValueHash() reports whether the element's value hash is just the
// hash of its serialized bytes, letting proofs use the raw kv form
func (t Type) HasSimpleValueHash() bool {
	return t == TypeItem || t == TypeSumItem || t == TypeItemWithSumItem
}

// IsTree() reports whether the type is any kind of subtree container
func (t Type) IsTree() bool {
	switch t {
	case TypeTree, TypeSumTree, TypeBigSumTree, TypeCountTree, TypeCountSumTree,
		TypeProvableCountTree, TypeProvableCountSumTree:
		return true
	}
	return false
}

// IsSpecializedTree() reports whether the type embeds a plugin engine's root
// rather than a child merk
func (t Type) IsSpecializedTree() bool {
	return t == TypeCommitmentTree || t == TypeMmrTree || t == TypeBulkAppendTree
}

// IsReference() reports whether the type is a reference
func (t Type) IsReference() bool { return t == TypeReference }

// ProofNodeTag() is the proof node form a prover surfaces for this element
// type: raw kv when the verifier can recompute the value hash, the trusted
// value-hash forms otherwise, and the count-carrying variants under a
// provable-count parent
func (t Type) ProofNodeTag(parentProvable bool) merk.NodeTag {
	switch {
	case t.IsReference():
		if parentProvable {
			return merk.NodeKVRefValueHashCount
		}
		return merk.NodeKVRefValueHash
	case t.HasSimpleValueHash():
		if parentProvable {
			return merk.NodeKVCount
		}
		return merk.NodeKV
	default:
		if parentProvable {
			return merk.NodeKVValueHashFeatureType
		}
		return merk.NodeKVValueHash
	}
}

// Element is the discriminated union stored as every merk value in the forest
type Element struct {
	Type Type
	// Value holds the payload of item elements
	Value []byte
	// Sum is the signed contribution of sum items and the cached sum of sum trees
	Sum int64
	// BigSum is the 128-bit sum of a big sum tree
	BigSum *big.Int
	// Count is the cached element count of count trees
	Count uint64
	// RootKey is the child merk's root node key, nil while the subtree is empty
	RootKey []byte
	// Ref describes where a reference points
	Ref *ReferencePath
	// MaxHops bounds chained reference resolution, nil for the engine default
	MaxHops *uint8
	// StateRoot is the embedded root of a specialized tree engine
	StateRoot crypto.Hash
	// MmrSize is an MMR tree's node count
	MmrSize uint64
	// TotalCount is a bulk-append tree's total appended count and a commitment
	// tree's leaf position
	TotalCount uint64
	// EpochHeight is a bulk-append tree's epoch exponent (epoch size 2^h) and a
	// dense buffer or commitment tree height where one applies
	EpochHeight uint8
	// Flags are opaque caller bytes carried through storage and proofs
	Flags []byte
}

// NewItem() builds an ordinary value element
func NewItem(value []byte) *Element { return &Element{Type: TypeItem, Value: value} }

// NewItemWithFlags() builds an ordinary value element with flags
func NewItemWithFlags(value, flags []byte) *Element {
	return &Element{Type: TypeItem, Value: value, Flags: flags}
}

// NewReference() builds a reference element
func NewReference(ref *ReferencePath) *Element { return &Element{Type: TypeReference, Ref: ref} }

// NewReferenceWithHops() builds a reference element with a hop bound
func NewReferenceWithHops(ref *ReferencePath, maxHops uint8) *Element {
	return &Element{Type: TypeReference, Ref: ref, MaxHops: &maxHops}
}

// NewTree() builds an empty subtree element; the root key is filled in on commit
func NewTree(rootKey []byte) *Element { return &Element{Type: TypeTree, RootKey: rootKey} }

// NewSumItem() builds a summable value
func NewSumItem(sum int64) *Element { return &Element{Type: TypeSumItem, Sum: sum} }

// NewItemWithSumItem() builds a value that also contributes a sum
func NewItemWithSumItem(value []byte, sum int64) *Element {
	return &Element{Type: TypeItemWithSumItem, Value: value, Sum: sum}
}

// NewSumTree() builds a sum subtree element
func NewSumTree(rootKey []byte, sum int64) *Element {
	return &Element{Type: TypeSumTree, RootKey: rootKey, Sum: sum}
}

// NewBigSumTree() builds a 128-bit sum subtree element
func NewBigSumTree(rootKey []byte, sum *big.Int) *Element {
	if sum == nil {
		sum = new(big.Int)
	}
	return &Element{Type: TypeBigSumTree, RootKey: rootKey, BigSum: sum}
}

// NewCountTree() builds a count subtree element
func NewCountTree(rootKey []byte, count uint64) *Element {
	return &Element{Type: TypeCountTree, RootKey: rootKey, Count: count}
}

// NewCountSumTree() builds a combined count and sum subtree element
func NewCountSumTree(rootKey []byte, count uint64, sum int64) *Element {
	return &Element{Type: TypeCountSumTree, RootKey: rootKey, Count: count, Sum: sum}
}

// NewProvableCountTree() builds a subtree whose count is committed into hashes
func NewProvableCountTree(rootKey []byte, count uint64) *Element {
	return &Element{Type: TypeProvableCountTree, RootKey: rootKey, Count: count}
}

// NewProvableCountSumTree() builds a provable count subtree carrying a sum
func NewProvableCountSumTree(rootKey []byte, count uint64, sum int64) *Element {
	return &Element{Type: TypeProvableCountSumTree, RootKey: rootKey, Count: count, Sum: sum}
}

// NewCommitmentTree() embeds a commitment tree root at the given leaf position
func NewCommitmentTree(stateRoot crypto.Hash, position uint64) *Element {
	return &Element{Type: TypeCommitmentTree, StateRoot: stateRoot, TotalCount: position}
}

// NewMmrTree() embeds an MMR root and its node count
func NewMmrTree(stateRoot crypto.Hash, mmrSize uint64) *Element {
	return &Element{Type: TypeMmrTree, StateRoot: stateRoot, MmrSize: mmrSize}
}

// NewBulkAppendTree() embeds a bulk-append state root with its total count and
// epoch exponent
func NewBulkAppendTree(stateRoot crypto.Hash, totalCount uint64, epochHeight uint8) *Element {
	return &Element{Type: TypeBulkAppendTree, StateRoot: stateRoot,
		TotalCount: totalCount, EpochHeight: epochHeight}
}

// WithFlags() attaches opaque flags to the element
func (e *Element) WithFlags(flags []byte) *Element {
	e.Flags = flags
	return e
}

// IsTree() reports whether the element is any kind of subtree container
func (e *Element) IsTree() bool { return e.Type.IsTree() }

// ValueHash() computes the committed value hash: the plain digest of the
// serialized bytes for item-ish elements, or that digest combined with the
// other hash (child merk root, specialized state root, or reference target
// value hash) for everything else
func (e *Element) ValueHash(otherHash crypto.Hash, acc *costs.Cost) (crypto.Hash, lib.ErrorI) {
	serialized, err := e.Serialize()
	if err != nil {
		return crypto.NullHash, err
	}
	own := crypto.ValueHash(serialized, acc)
	if e.Type.HasSimpleValueHash() {
		return own, nil
	}
	return crypto.CombineHash(own, otherHash, acc), nil
}

// OtherHash() is the second input to a combined value hash for non-reference
// elements: the embedded state root for specialized trees, the null hash for
// an empty subtree. References resolve their target hash externally.
func (e *Element) OtherHash(childRootHash crypto.Hash) crypto.Hash {
	if e.Type.IsSpecializedTree() {
		return e.StateRoot
	}
	return childRootHash
}

// FeatureFor() is the tree feature this element contributes under a parent
// merk of the given kind. Count-tree and commitment-tree elements contribute
// their cached count; every other element counts as one.
func (e *Element) FeatureFor(kind merk.FeatureKind) (merk.TreeFeatureType, lib.ErrorI) {
	switch kind {
	case merk.BasicMerkNode:
		return merk.BasicFeature(), nil
	case merk.SummedMerkNode:
		return merk.SummedFeature(e.sumContribution()), nil
	case merk.BigSummedMerkNode:
		return merk.BigSummedFeature(e.bigSumContribution()), nil
	case merk.CountedMerkNode:
		return merk.CountedFeature(e.countContribution()), nil
	case merk.CountedSummedMerkNode:
		return merk.CountedSummedFeature(e.countContribution(), e.sumContribution()), nil
	case merk.ProvableCountedMerkNode:
		return merk.ProvableCountedFeature(e.countContribution()), nil
	case merk.ProvableCountedSummedMerkNode:
		return merk.ProvableCountedSummedFeature(e.countContribution(), e.sumContribution()), nil
	}
	return merk.BasicFeature(), lib.ErrInvalidInput("unknown parent tree feature kind")
}

// sumContribution() is the element's summable value under a sum parent
func (e *Element) sumContribution() int64 {
	switch e.Type {
	case TypeSumItem, TypeItemWithSumItem, TypeSumTree, TypeCountSumTree, TypeProvableCountSumTree:
		return e.Sum
	}
	return 0
}

// bigSumContribution() is the element's value under a big sum parent
func (e *Element) bigSumContribution() *big.Int {
	if e.Type == TypeBigSumTree && e.BigSum != nil {
		return new(big.Int).Set(e.BigSum)
	}
	return big.NewInt(e.sumContribution())
}

// countContribution() is the element's weight under a count parent: the
// cached count for elements that carry one, one for everything else
func (e *Element) countContribution() uint64 {
	switch e.Type {
	case TypeCountTree, TypeCountSumTree, TypeProvableCountTree, TypeProvableCountSumTree:
		return e.Count
	case TypeCommitmentTree:
		return e.TotalCount
	}
	return 1
}

// TreeKind() maps a subtree element type to the merk feature kind its child
// tree runs with
func (e *Element) TreeKind() (merk.FeatureKind, lib.ErrorI) {
	switch e.Type {
	case TypeTree:
		return merk.BasicMerkNode, nil
	case TypeSumTree:
		return merk.SummedMerkNode, nil
	case TypeBigSumTree:
		return merk.BigSummedMerkNode, nil
	case TypeCountTree:
		return merk.CountedMerkNode, nil
	case TypeCountSumTree:
		return merk.CountedSummedMerkNode, nil
	case TypeProvableCountTree:
		return merk.ProvableCountedMerkNode, nil
	case TypeProvableCountSumTree:
		return merk.ProvableCountedSummedMerkNode, nil
	}
	return 0, lib.ErrInvalidInput("element is not a merk-backed subtree")
}
