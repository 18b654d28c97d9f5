package merk

import (
	"github.com/grovekv/grovekv/lib/crypto"
)

// LinkState tracks where a child reference is in its write cycle. The states
// progress monotonically: Reference -> Modified -> Uncommitted -> Loaded.
type LinkState byte

const (
	// LinkReference points at a child pruned to disk; only its hash, aggregate
	// and heights are in memory
	LinkReference LinkState = iota
	// LinkModified holds a dirty in-memory child whose hash has not been recomputed
	LinkModified
	// LinkUncommitted holds a child whose hash is ready but whose bytes are unflushed
	LinkUncommitted
	// LinkLoaded holds an in-memory child that is in sync with disk
	LinkLoaded
)

// Link is a parent's reference to one child subtree
type Link struct {
	State LinkState
	// Hash commits the child subtree; valid in every state except Modified
	Hash crypto.Hash
	// Aggregate is the child subtree's propagated aggregate data
	Aggregate AggregateData
	// ChildHeights caches the heights of the child's own children
	ChildHeights [2]uint8
	// Key is the child's key; always present so Reference links can be fetched
	Key []byte
	// Tree is the in-memory child; nil in the Reference state
	Tree *TreeNode
	// PendingWrites counts dirty nodes beneath a Modified link
	PendingWrites int
}

// Height() is the height of the linked subtree
func (l *Link) Height() uint8 {
	if l == nil {
		return 0
	}
	return 1 + maxU8(l.ChildHeights[0], l.ChildHeights[1])
}

// LinkHash() returns the subtree hash, or the null hash for a missing link
func (l *Link) LinkHash() crypto.Hash {
	if l == nil {
		return crypto.NullHash
	}
	return l.Hash
}

// LinkAggregate() returns the subtree aggregate, or the identity for a missing link
func (l *Link) LinkAggregate() AggregateData {
	if l == nil {
		return NoAggregateData()
	}
	return l.Aggregate
}

// fromTree() wraps a freshly modified in-memory subtree in a Modified link
func linkFromTree(t *TreeNode) *Link {
	if t == nil {
		return nil
	}
	return &Link{
		State:         LinkModified,
		Aggregate:     t.SubtreeAggregate(),
		ChildHeights:  t.childHeights(),
		Key:           t.Key,
		Tree:          t,
		PendingWrites: 1 + t.pendingWrites(),
	}
}

// loadedLink() wraps a clean in-memory subtree whose hash is known
func loadedLink(t *TreeNode, hash crypto.Hash) *Link {
	return &Link{
		State:        LinkLoaded,
		Hash:         hash,
		Aggregate:    t.SubtreeAggregate(),
		ChildHeights: t.childHeights(),
		Key:          t.Key,
		Tree:         t,
	}
}

func maxU8(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}
