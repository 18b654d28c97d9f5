package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func b(s string) []byte { return []byte(s) }

func TestBoundOrdering(t *testing.T) {
	negInf := Bound{Kind: BoundUnboundedStart}
	posInf := Bound{Kind: BoundUnboundedEnd}
	incl := Bound{Kind: BoundInclusive, Value: b("m")}
	exStart := Bound{Kind: BoundExclusiveStart, Value: b("m")}
	exEnd := Bound{Kind: BoundExclusiveEnd, Value: b("m")}

	require.Negative(t, negInf.Cmp(incl))
	require.Positive(t, posInf.Cmp(incl))
	require.Zero(t, negInf.Cmp(negInf))
	require.Zero(t, posInf.Cmp(posInf))

	// at an equal value: exclusive end < inclusive < exclusive start
	require.Negative(t, exEnd.Cmp(incl))
	require.Negative(t, incl.Cmp(exStart))
	require.Negative(t, exEnd.Cmp(exStart))

	// values dominate kinds
	lower := Bound{Kind: BoundExclusiveStart, Value: b("a")}
	require.Negative(t, lower.Cmp(exEnd))

	require.True(t, incl.Equal(incl))
	require.False(t, incl.Equal(exStart))
}

func TestBoundInvert(t *testing.T) {
	incl := Bound{Kind: BoundInclusive, Value: b("k")}
	require.Equal(t, BoundExclusiveStart, incl.Invert(true).Kind)
	require.Equal(t, BoundExclusiveEnd, incl.Invert(false).Kind)
	require.Equal(t, BoundInclusive, Bound{Kind: BoundExclusiveStart, Value: b("k")}.Invert(true).Kind)
	require.Equal(t, BoundInclusive, Bound{Kind: BoundExclusiveEnd, Value: b("k")}.Invert(false).Kind)
}

func TestRangeSetQueryItemInverse(t *testing.T) {
	items := []QueryItem{
		NewKey(b("k")),
		NewRange(b("a"), b("d")),
		NewRangeInclusive(b("a"), b("d")),
		NewRangeFull(),
		NewRangeFrom(b("a")),
		NewRangeTo(b("d")),
		NewRangeToInclusive(b("d")),
		NewRangeAfter(b("a")),
		NewRangeAfterTo(b("a"), b("d")),
		NewRangeAfterToInclusive(b("a"), b("d")),
	}
	for _, item := range items {
		back, err := item.RangeSet().QueryItem()
		require.NoError(t, err)
		require.Equal(t, item.Kind, back.Kind)
	}
	// mismatched endpoints form no item
	_, err := (RangeSet{
		Start: Bound{Kind: BoundExclusiveEnd, Value: b("a")},
		End:   Bound{Kind: BoundInclusive, Value: b("d")},
	}).QueryItem()
	require.Error(t, err)
}

func TestContainsKey(t *testing.T) {
	in, onBound := NewKey(b("k")).ContainsKey(b("k"))
	require.True(t, in)
	require.False(t, onBound)
	in, _ = NewKey(b("k")).ContainsKey(b("x"))
	require.False(t, in)

	r := NewRange(b("b"), b("e"))
	for _, k := range []string{"b", "c", "d"} {
		in, _ = r.ContainsKey(b(k))
		require.True(t, in, k)
	}
	in, onBound = r.ContainsKey(b("e"))
	require.False(t, in)
	require.True(t, onBound)
	in, _ = r.ContainsKey(b("a"))
	require.False(t, in)

	in, _ = NewRangeInclusive(b("b"), b("e")).ContainsKey(b("e"))
	require.True(t, in)

	after := NewRangeAfter(b("b"))
	in, onBound = after.ContainsKey(b("b"))
	require.False(t, in)
	require.True(t, onBound)
	in, _ = after.ContainsKey(b("c"))
	require.True(t, in)

	in, _ = NewRangeFull().ContainsKey(b("anything"))
	require.True(t, in)
}

func TestCouldHaveBeforeAfter(t *testing.T) {
	r := NewRange(b("b"), b("e"))
	require.False(t, r.CouldHaveBefore(b("b")))
	require.True(t, r.CouldHaveBefore(b("c")))
	require.True(t, r.CouldHaveAfter(b("d")))
	require.False(t, r.CouldHaveAfter(b("e")))

	full := NewRangeFull()
	require.True(t, full.CouldHaveBefore(b("a")))
	require.True(t, full.CouldHaveAfter(b("z")))
}

func TestIsUnbounded(t *testing.T) {
	require.True(t, NewRangeFull().IsUnbounded())
	require.True(t, NewRangeFrom(b("a")).IsUnbounded())
	require.True(t, NewRangeTo(b("z")).IsUnbounded())
	require.False(t, NewKey(b("k")).IsUnbounded())
	require.False(t, NewRange(b("a"), b("z")).IsUnbounded())
}

func TestIntersectOverlapping(t *testing.T) {
	// [a, f) meets [c, j): overlap [c, f), our head [a, c), their tail [f, j)
	r := NewRange(b("a"), b("f")).Intersect(NewRange(b("c"), b("j")))
	require.NotNil(t, r.InBoth)
	require.Equal(t, NewRange(b("c"), b("f")), *r.InBoth)
	require.NotNil(t, r.OursLeft)
	require.Equal(t, NewRange(b("a"), b("c")), *r.OursLeft)
	require.Nil(t, r.OursRight)
	require.Nil(t, r.TheirsLeft)
	require.NotNil(t, r.TheirsRight)
	require.Equal(t, NewRange(b("f"), b("j")), *r.TheirsRight)
}

func TestIntersectDisjoint(t *testing.T) {
	r := NewRange(b("a"), b("c")).Intersect(NewRange(b("f"), b("j")))
	require.Nil(t, r.InBoth)
	require.NotNil(t, r.OursLeft)
	require.NotNil(t, r.TheirsRight)

	// adjacent ranges share no key: [a, c) then [c, j)
	r = NewRange(b("a"), b("c")).Intersect(NewRange(b("c"), b("j")))
	require.Nil(t, r.InBoth)
}

func TestIntersectContained(t *testing.T) {
	// [c, e] inside [a, j): the inner item is consumed whole
	r := NewRangeInclusive(b("c"), b("e")).Intersect(NewRange(b("a"), b("j")))
	require.NotNil(t, r.InBoth)
	require.Equal(t, NewRangeInclusive(b("c"), b("e")), *r.InBoth)
	require.Nil(t, r.OursLeft)
	require.Nil(t, r.OursRight)
	require.NotNil(t, r.TheirsLeft)
	require.Equal(t, NewRange(b("a"), b("c")), *r.TheirsLeft)
	require.NotNil(t, r.TheirsRight)
	require.Equal(t, NewRangeAfterTo(b("e"), b("j")), *r.TheirsRight)
}

func TestIntersectIdentical(t *testing.T) {
	item := NewRange(b("a"), b("d"))
	r := item.Intersect(item)
	require.NotNil(t, r.InBoth)
	require.Equal(t, item, *r.InBoth)
	require.Nil(t, r.OursLeft)
	require.Nil(t, r.OursRight)
	require.Nil(t, r.TheirsLeft)
	require.Nil(t, r.TheirsRight)
}

func TestIntersectManyOrdered(t *testing.T) {
	ours := []QueryItem{NewRange(b("a"), b("d")), NewRange(b("f"), b("k"))}
	theirs := []QueryItem{NewRange(b("c"), b("g"))}
	res := IntersectManyOrdered(ours, theirs)

	require.Equal(t, []QueryItem{NewRange(b("c"), b("d")), NewRange(b("f"), b("g"))}, res.InBoth)
	require.Equal(t, []QueryItem{NewRange(b("a"), b("c")), NewRange(b("g"), b("k"))}, res.Ours)
	// theirs leftovers are reported per our-item pairing
	require.Equal(t, []QueryItem{NewRange(b("d"), b("g")), NewRange(b("c"), b("f"))}, res.Theirs)
}

func TestMergeOverlapping(t *testing.T) {
	merged := MergeOverlapping([]QueryItem{
		NewRange(b("a"), b("d")),
		NewRange(b("c"), b("f")),
	})
	require.Len(t, merged, 1)
	require.Equal(t, NewRange(b("a"), b("f")), merged[0])

	kept := MergeOverlapping([]QueryItem{
		NewRange(b("a"), b("c")),
		NewRange(b("e"), b("g")),
	})
	require.Len(t, kept, 2)
}

func TestInsertItemKeepsSortedMerged(t *testing.T) {
	q := NewQuery()
	q.InsertItem(NewRange(b("m"), b("p")))
	q.InsertKey(b("c"))
	q.InsertItem(NewRange(b("n"), b("t")))
	require.Len(t, q.Items, 2)
	require.Equal(t, NewKey(b("c")), q.Items[0])
	require.Equal(t, NewRange(b("m"), b("t")), q.Items[1])

	require.True(t, q.ContainsKey(b("c")))
	require.True(t, q.ContainsKey(b("q")))
	require.False(t, q.ContainsKey(b("z")))
}

func TestSubqueryBranchSelection(t *testing.T) {
	sub := NewQuery()
	sub.InsertAll()
	q := NewQuery()
	q.InsertAll()
	q.DefaultSubqueryBranch = SubqueryBranch{Subquery: sub}
	q.ConditionalSubqueryBranches = []ConditionalBranch{
		{Item: NewKey(b("special")), Branch: SubqueryBranch{SubqueryPath: [][]byte{b("inner")}}},
	}

	// the conditional claims its key and carries no subquery of its own
	require.False(t, q.HasSubqueryOnKey(b("special")))
	require.True(t, q.HasSubqueryOrPathOnKey(b("special")))
	// everything else falls through to the default
	require.True(t, q.HasSubqueryOnKey(b("other")))

	plain := NewQuery()
	plain.InsertAll()
	require.False(t, plain.HasSubqueryOrPathOnKey(b("k")))
}

func TestMaxDepth(t *testing.T) {
	flat := NewQuery()
	flat.InsertAll()
	d, err := flat.MaxDepth(16)
	require.NoError(t, err)
	require.EqualValues(t, 1, d)

	inner := NewQuery()
	inner.InsertAll()
	mid := NewQuery()
	mid.InsertAll()
	mid.DefaultSubqueryBranch = SubqueryBranch{SubqueryPath: [][]byte{b("hop")}, Subquery: inner}
	outer := NewQuery()
	outer.InsertAll()
	outer.DefaultSubqueryBranch = SubqueryBranch{Subquery: mid}

	// outer(1) + mid(1) + hop(1) + inner(1)
	d, err = outer.MaxDepth(16)
	require.NoError(t, err)
	require.EqualValues(t, 4, d)

	_, err = outer.MaxDepth(2)
	require.Error(t, err)
}

func TestTerminalKeys(t *testing.T) {
	inner := NewQuery()
	inner.InsertKey(b("leaf"))
	q := NewQuery()
	q.InsertKey(b("top"))
	q.InsertKey(b("tree"))
	q.ConditionalSubqueryBranches = []ConditionalBranch{
		{Item: NewKey(b("tree")), Branch: SubqueryBranch{SubqueryPath: [][]byte{b("mid")}, Subquery: inner}},
	}

	var out []TerminalKey
	require.NoError(t, q.TerminalKeys(nil, 10, &out))
	require.Len(t, out, 2)
	require.Equal(t, b("top"), out[0].Key)
	require.Empty(t, out[0].Path)
	require.Equal(t, b("leaf"), out[1].Key)
	require.Equal(t, [][]byte{b("tree"), b("mid")}, out[1].Path)
}

func TestTerminalKeysRejectsRanges(t *testing.T) {
	q := NewQuery()
	q.InsertItem(NewRange(b("a"), b("z")))
	var out []TerminalKey
	require.Error(t, q.TerminalKeys(nil, 10, &out))
}

func TestTerminalKeysMaxResults(t *testing.T) {
	q := NewQuery()
	q.InsertKey(b("a"))
	q.InsertKey(b("b"))
	q.InsertKey(b("c"))
	var out []TerminalKey
	require.Error(t, q.TerminalKeys(nil, 2, &out))
}

func TestTerminalKeysPathOnlyBranch(t *testing.T) {
	q := NewQuery()
	q.InsertKey(b("root"))
	q.DefaultSubqueryBranch = SubqueryBranch{SubqueryPath: [][]byte{b("a"), b("b")}}
	var out []TerminalKey
	require.NoError(t, q.TerminalKeys(nil, 10, &out))
	require.Len(t, out, 1)
	require.Equal(t, [][]byte{b("root"), b("a")}, out[0].Path)
	require.Equal(t, b("b"), out[0].Key)
}
