package query

import (
	"sort"

	"github.com/grovekv/grovekv/lib"
)

// MaxConditionalBranches caps decoded conditional subquery branches
const MaxConditionalBranches = 1024

// SubqueryBranch points a matching key at a deeper query: an optional path of
// keys to descend first, then an optional query to run there
type SubqueryBranch struct {
	SubqueryPath [][]byte
	Subquery     *Query
}

// IsEmpty() reports whether the branch descends nowhere
func (b *SubqueryBranch) IsEmpty() bool {
	return b == nil || (len(b.SubqueryPath) == 0 && b.Subquery == nil)
}

// ConditionalBranch pairs a query item with the branch applied to its matches
type ConditionalBranch struct {
	Item   QueryItem
	Branch SubqueryBranch
}

// Query is an ordered set of key ranges plus optional subquery branching
type Query struct {
	Items []QueryItem
	// DefaultSubqueryBranch applies to matched keys no conditional branch claims
	DefaultSubqueryBranch SubqueryBranch
	// ConditionalSubqueryBranches are consulted in order; the first item
	// containing a matched key wins
	ConditionalSubqueryBranches []ConditionalBranch
	LeftToRight                 bool
}

// NewQuery() returns an empty ascending query
func NewQuery() *Query { return &Query{LeftToRight: true} }

// InsertItem() adds a range to the query, keeping items sorted and merging overlaps
func (q *Query) InsertItem(item QueryItem) {
	q.Items = append(q.Items, item)
	sort.Slice(q.Items, func(i, j int) bool { return q.Items[i].Cmp(q.Items[j]) < 0 })
	q.Items = MergeOverlapping(q.Items)
}

// InsertKey() adds a single-key item
func (q *Query) InsertKey(key []byte) { q.InsertItem(NewKey(key)) }

// InsertAll() selects the full range
func (q *Query) InsertAll() { q.InsertItem(NewRangeFull()) }

// MergeOverlapping() collapses a sorted item list so no two items intersect
func MergeOverlapping(items []QueryItem) []QueryItem {
	if len(items) < 2 {
		return items
	}
	out := items[:1]
	for _, item := range items[1:] {
		last := out[len(out)-1]
		r := last.Intersect(item)
		if r.InBoth == nil {
			out = append(out, item)
			continue
		}
		// overlap: replace the last item with the union of both
		a, b := last.RangeSet(), item.RangeSet()
		start, end := a.Start, a.End
		if b.Start.Cmp(start) < 0 {
			start = b.Start
		}
		if b.End.Cmp(end) > 0 {
			end = b.End
		}
		if merged, err := (RangeSet{Start: start, End: end}).QueryItem(); err == nil {
			out[len(out)-1] = merged
		}
	}
	return out
}

// ContainsKey() reports whether any item includes the key
func (q *Query) ContainsKey(key []byte) bool {
	for _, item := range q.Items {
		if ok, _ := item.ContainsKey(key); ok {
			return true
		}
	}
	return false
}

// branchForKey() returns the branch that governs a matched key, conditionals first
func (q *Query) branchForKey(key []byte) *SubqueryBranch {
	for i := range q.ConditionalSubqueryBranches {
		if ok, _ := q.ConditionalSubqueryBranches[i].Item.ContainsKey(key); ok {
			return &q.ConditionalSubqueryBranches[i].Branch
		}
	}
	if !q.DefaultSubqueryBranch.IsEmpty() {
		return &q.DefaultSubqueryBranch
	}
	return nil
}

// HasSubqueryOnKey() reports whether a matched key descends into a subquery
func (q *Query) HasSubqueryOnKey(key []byte) bool {
	b := q.branchForKey(key)
	return b != nil && b.Subquery != nil
}

// HasSubqueryOrPathOnKey() reports whether a matched key descends at all
func (q *Query) HasSubqueryOrPathOnKey(key []byte) bool {
	return !q.branchForKey(key).IsEmpty()
}

// MaxDepth() returns the nesting depth of the query, failing when it exceeds
// the recursion limit
func (q *Query) MaxDepth(recursionLimit uint16) (uint16, lib.ErrorI) {
	if recursionLimit == 0 {
		return 0, lib.ErrInvalidInput("query nesting exceeds the recursion limit")
	}
	depth := uint16(1)
	consider := func(b *SubqueryBranch) lib.ErrorI {
		if b == nil || b.Subquery == nil {
			return nil
		}
		sub, err := b.Subquery.MaxDepth(recursionLimit - 1)
		if err != nil {
			return err
		}
		if d := sub + 1 + uint16(len(b.SubqueryPath)); d > depth {
			depth = d
		}
		return nil
	}
	if err := consider(&q.DefaultSubqueryBranch); err != nil {
		return 0, err
	}
	for i := range q.ConditionalSubqueryBranches {
		if err := consider(&q.ConditionalSubqueryBranches[i].Branch); err != nil {
			return 0, err
		}
	}
	return depth, nil
}

// TerminalKey is one fully resolved (path, key) leaf a query addresses
type TerminalKey struct {
	Path [][]byte
	Key  []byte
}

// TerminalKeys() enumerates every concrete (path, key) pair the query can
// resolve without reading data. Ranges cannot be enumerated, so any item that
// is not a single key fails, as does exceeding maxResults.
func (q *Query) TerminalKeys(path [][]byte, maxResults int, out *[]TerminalKey) lib.ErrorI {
	for _, item := range q.Items {
		if !item.IsKey() {
			return lib.ErrInvalidInput("terminal key enumeration requires single-key query items")
		}
		key := item.Start
		branch := q.branchForKey(key)
		if branch.IsEmpty() {
			if len(*out) >= maxResults {
				return lib.ErrInvalidInput("terminal key enumeration exceeds max results")
			}
			*out = append(*out, TerminalKey{Path: path, Key: key})
			continue
		}
		subPath := make([][]byte, 0, len(path)+1+len(branch.SubqueryPath))
		subPath = append(subPath, path...)
		subPath = append(subPath, key)
		subPath = append(subPath, branch.SubqueryPath...)
		if branch.Subquery == nil {
			// the branch descends by path only; the last path segment is the leaf
			if len(*out) >= maxResults {
				return lib.ErrInvalidInput("terminal key enumeration exceeds max results")
			}
			leaf := subPath[len(subPath)-1]
			*out = append(*out, TerminalKey{Path: subPath[:len(subPath)-1], Key: leaf})
			continue
		}
		if err := branch.Subquery.TerminalKeys(subPath, maxResults, out); err != nil {
			return err
		}
	}
	return nil
}
