package query

import (
	"bytes"

	"github.com/grovekv/grovekv/lib"
)

// ItemKind discriminates the range shapes a query may carry
type ItemKind byte

const (
	// KindKey selects exactly one key
	KindKey ItemKind = iota
	// KindRange selects [start, end)
	KindRange
	// KindRangeInclusive selects [start, end]
	KindRangeInclusive
	// KindRangeFull selects every key
	KindRangeFull
	// KindRangeFrom selects [start, +inf)
	KindRangeFrom
	// KindRangeTo selects (-inf, end)
	KindRangeTo
	// KindRangeToInclusive selects (-inf, end]
	KindRangeToInclusive
	// KindRangeAfter selects (start, +inf)
	KindRangeAfter
	// KindRangeAfterTo selects (start, end)
	KindRangeAfterTo
	// KindRangeAfterToInclusive selects (start, end]
	KindRangeAfterToInclusive
)

// QueryItem is one contiguous key range of a query
type QueryItem struct {
	Kind  ItemKind
	Start []byte
	End   []byte
}

func NewKey(k []byte) QueryItem          { return QueryItem{Kind: KindKey, Start: k} }
func NewRange(a, b []byte) QueryItem     { return QueryItem{Kind: KindRange, Start: a, End: b} }
func NewRangeInclusive(a, b []byte) QueryItem {
	return QueryItem{Kind: KindRangeInclusive, Start: a, End: b}
}
func NewRangeFull() QueryItem            { return QueryItem{Kind: KindRangeFull} }
func NewRangeFrom(a []byte) QueryItem    { return QueryItem{Kind: KindRangeFrom, Start: a} }
func NewRangeTo(b []byte) QueryItem      { return QueryItem{Kind: KindRangeTo, End: b} }
func NewRangeToInclusive(b []byte) QueryItem {
	return QueryItem{Kind: KindRangeToInclusive, End: b}
}
func NewRangeAfter(a []byte) QueryItem   { return QueryItem{Kind: KindRangeAfter, Start: a} }
func NewRangeAfterTo(a, b []byte) QueryItem {
	return QueryItem{Kind: KindRangeAfterTo, Start: a, End: b}
}
func NewRangeAfterToInclusive(a, b []byte) QueryItem {
	return QueryItem{Kind: KindRangeAfterToInclusive, Start: a, End: b}
}

// IsKey() reports whether the item selects a single concrete key
func (q QueryItem) IsKey() bool { return q.Kind == KindKey }

// IsUnbounded() reports whether the item has no finite end on either side
func (q QueryItem) IsUnbounded() bool {
	switch q.Kind {
	case KindRangeFull, KindRangeFrom, KindRangeTo, KindRangeToInclusive, KindRangeAfter:
		return true
	}
	return false
}

// BoundKind classifies one endpoint of a range set
type BoundKind byte

const (
	// BoundUnboundedStart stands for negative infinity
	BoundUnboundedStart BoundKind = iota
	// BoundUnboundedEnd stands for positive infinity
	BoundUnboundedEnd
	// BoundInclusive sits exactly on its value
	BoundInclusive
	// BoundExclusiveStart sits just above its value
	BoundExclusiveStart
	// BoundExclusiveEnd sits just below its value
	BoundExclusiveEnd
)

// Bound is one endpoint of a RangeSet
type Bound struct {
	Kind  BoundKind
	Value []byte
}

// Cmp() totally orders bounds; for equal values an exclusive start sits above
// an inclusive bound, which sits above an exclusive end
func (b Bound) Cmp(o Bound) int {
	switch {
	case b.Kind == BoundUnboundedStart && o.Kind == BoundUnboundedStart:
		return 0
	case b.Kind == BoundUnboundedEnd && o.Kind == BoundUnboundedEnd:
		return 0
	case b.Kind == BoundUnboundedStart:
		return -1
	case o.Kind == BoundUnboundedStart:
		return 1
	case b.Kind == BoundUnboundedEnd:
		return 1
	case o.Kind == BoundUnboundedEnd:
		return -1
	}
	if cmp := bytes.Compare(b.Value, o.Value); cmp != 0 {
		return cmp
	}
	return int(boundRank(b.Kind)) - int(boundRank(o.Kind))
}

// boundRank orders equal-valued bounds: ExclusiveEnd < Inclusive < ExclusiveStart
func boundRank(k BoundKind) int8 {
	switch k {
	case BoundExclusiveEnd:
		return -1
	case BoundExclusiveStart:
		return 1
	}
	return 0
}

// Equal() reports exact endpoint equality
func (b Bound) Equal(o Bound) bool { return b.Cmp(o) == 0 && b.Kind == o.Kind }

// Invert() flips an endpoint across a split: an inclusive bound becomes
// exclusive on the requested side, an exclusive bound becomes inclusive
func (b Bound) Invert(isStart bool) Bound {
	switch b.Kind {
	case BoundInclusive:
		if isStart {
			return Bound{Kind: BoundExclusiveStart, Value: b.Value}
		}
		return Bound{Kind: BoundExclusiveEnd, Value: b.Value}
	case BoundExclusiveStart, BoundExclusiveEnd:
		return Bound{Kind: BoundInclusive, Value: b.Value}
	}
	return b
}

// RangeSet is the endpoint form of a query item
type RangeSet struct {
	Start Bound
	End   Bound
}

// RangeSet() converts the item to its endpoint representation
func (q QueryItem) RangeSet() RangeSet {
	switch q.Kind {
	case KindKey:
		return RangeSet{Bound{BoundInclusive, q.Start}, Bound{BoundInclusive, q.Start}}
	case KindRange:
		return RangeSet{Bound{BoundInclusive, q.Start}, Bound{BoundExclusiveEnd, q.End}}
	case KindRangeInclusive:
		return RangeSet{Bound{BoundInclusive, q.Start}, Bound{BoundInclusive, q.End}}
	case KindRangeFull:
		return RangeSet{Bound{Kind: BoundUnboundedStart}, Bound{Kind: BoundUnboundedEnd}}
	case KindRangeFrom:
		return RangeSet{Bound{BoundInclusive, q.Start}, Bound{Kind: BoundUnboundedEnd}}
	case KindRangeTo:
		return RangeSet{Bound{Kind: BoundUnboundedStart}, Bound{BoundExclusiveEnd, q.End}}
	case KindRangeToInclusive:
		return RangeSet{Bound{Kind: BoundUnboundedStart}, Bound{BoundInclusive, q.End}}
	case KindRangeAfter:
		return RangeSet{Bound{BoundExclusiveStart, q.Start}, Bound{Kind: BoundUnboundedEnd}}
	case KindRangeAfterTo:
		return RangeSet{Bound{BoundExclusiveStart, q.Start}, Bound{BoundExclusiveEnd, q.End}}
	case KindRangeAfterToInclusive:
		return RangeSet{Bound{BoundExclusiveStart, q.Start}, Bound{BoundInclusive, q.End}}
	}
	return RangeSet{}
}

// QueryItem() converts an endpoint pair back to its item form
func (r RangeSet) QueryItem() (QueryItem, lib.ErrorI) {
	s, e := r.Start, r.End
	switch {
	case s.Kind == BoundInclusive && e.Kind == BoundInclusive:
		if bytes.Equal(s.Value, e.Value) {
			return NewKey(s.Value), nil
		}
		return NewRangeInclusive(s.Value, e.Value), nil
	case s.Kind == BoundInclusive && e.Kind == BoundExclusiveEnd:
		return NewRange(s.Value, e.Value), nil
	case s.Kind == BoundInclusive && e.Kind == BoundUnboundedEnd:
		return NewRangeFrom(s.Value), nil
	case s.Kind == BoundExclusiveStart && e.Kind == BoundExclusiveEnd:
		return NewRangeAfterTo(s.Value, e.Value), nil
	case s.Kind == BoundExclusiveStart && e.Kind == BoundInclusive:
		return NewRangeAfterToInclusive(s.Value, e.Value), nil
	case s.Kind == BoundExclusiveStart && e.Kind == BoundUnboundedEnd:
		return NewRangeAfter(s.Value), nil
	case s.Kind == BoundUnboundedStart && e.Kind == BoundUnboundedEnd:
		return NewRangeFull(), nil
	case s.Kind == BoundUnboundedStart && e.Kind == BoundInclusive:
		return NewRangeToInclusive(e.Value), nil
	case s.Kind == BoundUnboundedStart && e.Kind == BoundExclusiveEnd:
		return NewRangeTo(e.Value), nil
	}
	return QueryItem{}, lib.ErrInvalidInput("range set endpoints do not form a query item")
}

// ContainsKey() reports whether the item includes the key, and whether the key
// sits exactly on an excluded bound
func (q QueryItem) ContainsKey(key []byte) (included, onExcludedBound bool) {
	r := q.RangeSet()
	passStart, onStart := true, false
	switch r.Start.Kind {
	case BoundInclusive:
		passStart = bytes.Compare(key, r.Start.Value) >= 0
	case BoundExclusiveStart:
		cmp := bytes.Compare(key, r.Start.Value)
		passStart, onStart = cmp > 0, cmp == 0
	}
	passEnd, onEnd := true, false
	switch r.End.Kind {
	case BoundInclusive:
		passEnd = bytes.Compare(key, r.End.Value) <= 0
	case BoundExclusiveEnd:
		cmp := bytes.Compare(key, r.End.Value)
		passEnd, onEnd = cmp < 0, cmp == 0
	}
	return passStart && passEnd, onStart || onEnd
}

// CouldHaveBefore() reports whether the item might select a key strictly below the given key
func (q QueryItem) CouldHaveBefore(key []byte) bool {
	r := q.RangeSet()
	switch r.Start.Kind {
	case BoundUnboundedStart:
		return true
	default:
		return bytes.Compare(r.Start.Value, key) < 0
	}
}

// CouldHaveAfter() reports whether the item might select a key strictly above the given key
func (q QueryItem) CouldHaveAfter(key []byte) bool {
	r := q.RangeSet()
	switch r.End.Kind {
	case BoundUnboundedEnd:
		return true
	default:
		return bytes.Compare(r.End.Value, key) > 0
	}
}

// Cmp() orders items by their start bound, then end bound
func (q QueryItem) Cmp(o QueryItem) int {
	a, b := q.RangeSet(), o.RangeSet()
	if cmp := a.Start.Cmp(b.Start); cmp != 0 {
		return cmp
	}
	return a.End.Cmp(b.End)
}

// IntersectionResult splits two items into their overlap and four optional leftovers
type IntersectionResult struct {
	InBoth      *QueryItem
	OursLeft    *QueryItem
	OursRight   *QueryItem
	TheirsLeft  *QueryItem
	TheirsRight *QueryItem
}

// Intersect() computes the five-piece intersection of two items
func (q QueryItem) Intersect(other QueryItem) (out IntersectionResult) {
	ours, theirs := q.RangeSet(), other.RangeSet()
	toItem := func(r RangeSet) *QueryItem {
		item, err := r.QueryItem()
		if err != nil {
			return nil
		}
		return &item
	}
	// disjoint sets leave both inputs whole
	if ours.End.Cmp(theirs.Start) < 0 {
		out.OursLeft, out.TheirsRight = toItem(ours), toItem(theirs)
		return out
	}
	if theirs.End.Cmp(ours.Start) < 0 {
		out.OursRight, out.TheirsLeft = toItem(ours), toItem(theirs)
		return out
	}
	smallerStart, biggerStart := ours.Start, theirs.Start
	oursStartsFirst := ours.Start.Cmp(theirs.Start) < 0
	if !oursStartsFirst {
		smallerStart, biggerStart = theirs.Start, ours.Start
	}
	smallerEnd, biggerEnd := ours.End, theirs.End
	oursEndsLast := ours.End.Cmp(theirs.End) > 0
	if oursEndsLast {
		smallerEnd, biggerEnd = theirs.End, ours.End
	}
	if ours.Start.Cmp(theirs.Start) != 0 {
		left := RangeSet{Start: smallerStart, End: biggerStart.Invert(false)}
		if oursStartsFirst {
			out.OursLeft = toItem(left)
		} else {
			out.TheirsLeft = toItem(left)
		}
	}
	if ours.End.Cmp(theirs.End) != 0 {
		right := RangeSet{Start: smallerEnd.Invert(true), End: biggerEnd}
		if oursEndsLast {
			out.OursRight = toItem(right)
		} else {
			out.TheirsRight = toItem(right)
		}
	}
	out.InBoth = toItem(RangeSet{Start: biggerStart, End: smallerEnd})
	return out
}

// ManyIntersectionResult accumulates pieces from intersecting two ordered item lists
type ManyIntersectionResult struct {
	InBoth []QueryItem
	Ours   []QueryItem
	Theirs []QueryItem
}

// IntersectManyOrdered() intersects each of our items against the ordered list
// of theirs, splitting both sides into overlap and leftovers
func IntersectManyOrdered(ours, theirs []QueryItem) (result ManyIntersectionResult) {
	for _, ourItem := range ours {
		pair := ManyIntersectionResult{Ours: []QueryItem{ourItem}}
		for _, theirItem := range theirs {
			if len(pair.Ours) == 0 {
				pair.Theirs = append(pair.Theirs, theirItem)
				continue
			}
			sections := pair.Ours
			pair.Ours = nil
			remaining := &theirItem
			for _, section := range sections {
				if remaining == nil {
					pair.Ours = append(pair.Ours, section)
					continue
				}
				r := section.Intersect(*remaining)
				if r.InBoth != nil {
					pair.InBoth = append(pair.InBoth, *r.InBoth)
				}
				if r.OursLeft != nil {
					pair.Ours = append(pair.Ours, *r.OursLeft)
				}
				if r.OursRight != nil {
					pair.Ours = append(pair.Ours, *r.OursRight)
				}
				if r.TheirsLeft != nil {
					pair.Theirs = append(pair.Theirs, *r.TheirsLeft)
				}
				remaining = r.TheirsRight
			}
			if remaining != nil {
				pair.Theirs = append(pair.Theirs, *remaining)
			}
		}
		result.InBoth = append(result.InBoth, pair.InBoth...)
		result.Ours = append(result.Ours, pair.Ours...)
		result.Theirs = append(result.Theirs, pair.Theirs...)
	}
	return result
}
