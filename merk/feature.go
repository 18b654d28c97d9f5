package merk

import (
	"math/big"

	"github.com/grovekv/grovekv/lib"
)

// FeatureKind discriminates the per-node feature a tree propagates toward its root
type FeatureKind byte

const (
	BasicMerkNode FeatureKind = iota
	SummedMerkNode
	BigSummedMerkNode
	CountedMerkNode
	CountedSummedMerkNode
	ProvableCountedMerkNode
	ProvableCountedSummedMerkNode
)

// TreeFeatureType is a node's own contribution to its tree's aggregate.
// Count-style features usually contribute 1, except subtree elements inside a
// provable-count parent, which contribute their whole subtree count.
type TreeFeatureType struct {
	Kind   FeatureKind
	Sum    int64    // Summed, CountedSummed, ProvableCountedSummed
	Count  uint64   // Counted, CountedSummed, ProvableCounted, ProvableCountedSummed
	BigSum *big.Int // BigSummed
}

// BasicFeature() is the feature of a node in a plain tree
func BasicFeature() TreeFeatureType { return TreeFeatureType{Kind: BasicMerkNode} }

// SummedFeature() contributes a sum value
func SummedFeature(sum int64) TreeFeatureType {
	return TreeFeatureType{Kind: SummedMerkNode, Sum: sum}
}

// BigSummedFeature() contributes a 128-bit sum value
func BigSummedFeature(sum *big.Int) TreeFeatureType {
	return TreeFeatureType{Kind: BigSummedMerkNode, BigSum: sum}
}

// CountedFeature() contributes a count
func CountedFeature(count uint64) TreeFeatureType {
	return TreeFeatureType{Kind: CountedMerkNode, Count: count}
}

// CountedSummedFeature() contributes a count and a sum
func CountedSummedFeature(count uint64, sum int64) TreeFeatureType {
	return TreeFeatureType{Kind: CountedSummedMerkNode, Count: count, Sum: sum}
}

// ProvableCountedFeature() contributes a count that is committed into node hashes
func ProvableCountedFeature(count uint64) TreeFeatureType {
	return TreeFeatureType{Kind: ProvableCountedMerkNode, Count: count}
}

// ProvableCountedSummedFeature() contributes a committed count and a sum
func ProvableCountedSummedFeature(count uint64, sum int64) TreeFeatureType {
	return TreeFeatureType{Kind: ProvableCountedSummedMerkNode, Count: count, Sum: sum}
}

// IsProvable() reports whether the feature's count is part of the node hash
func (f TreeFeatureType) IsProvable() bool {
	return f.Kind == ProvableCountedMerkNode || f.Kind == ProvableCountedSummedMerkNode
}

// AggregateData is the propagated per-subtree value committed into parent links
type AggregateData struct {
	Kind   FeatureKind
	Sum    int64
	Count  uint64
	BigSum *big.Int
}

// NoAggregateData() is the identity aggregate
func NoAggregateData() AggregateData { return AggregateData{Kind: BasicMerkNode} }

// SelfAggregate() is the node's own contribution under its feature type
func (f TreeFeatureType) SelfAggregate() AggregateData {
	agg := AggregateData{Kind: f.Kind, Sum: f.Sum, Count: f.Count}
	if f.BigSum != nil {
		agg.BigSum = new(big.Int).Set(f.BigSum)
	}
	return agg
}

// Combine() merges a child subtree's aggregate into this one; the result's
// kind follows the feature kind of the tree
func (a AggregateData) Combine(b AggregateData) AggregateData {
	out := AggregateData{Kind: a.Kind, Sum: a.Sum + b.Sum, Count: a.Count + b.Count}
	if a.Kind == BasicMerkNode {
		out.Kind = b.Kind
	}
	switch {
	case a.BigSum != nil && b.BigSum != nil:
		out.BigSum = new(big.Int).Add(a.BigSum, b.BigSum)
	case a.BigSum != nil:
		out.BigSum = new(big.Int).Set(a.BigSum)
	case b.BigSum != nil:
		out.BigSum = new(big.Int).Set(b.BigSum)
	}
	return out
}

// Equal() compares two aggregates componentwise
func (a AggregateData) Equal(b AggregateData) bool {
	if a.Sum != b.Sum || a.Count != b.Count {
		return false
	}
	switch {
	case a.BigSum == nil && b.BigSum == nil:
		return true
	case a.BigSum == nil || b.BigSum == nil:
		return false
	}
	return a.BigSum.Cmp(b.BigSum) == 0
}

// validateFeatureForTree() checks that a batch op's feature matches the tree's feature kind
func validateFeatureForTree(treeKind, opKind FeatureKind) lib.ErrorI {
	if treeKind != opKind {
		return lib.ErrInvalidInput("batch op feature type does not match the tree's feature type")
	}
	return nil
}
