package store

import (
	"bytes"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
)

// RawIterator is a repositionable cursor over a context's data keyspace,
// merged with the uncommitted overlay. Seek and SeekForPrev place it in
// forward or reverse gear; Next and Prev step along, re-seeking when they
// run against the current direction. Every repositioning charges one seek.
type RawIterator struct {
	ctx     *Context
	inner   lib.IteratorI
	reverse bool
}

// RawIterator() opens an unpositioned raw cursor; call Seek or SeekForPrev
// before reading from it
func (c *Context) RawIterator() *RawIterator {
	return &RawIterator{ctx: c}
}

// Seek() positions the cursor at the first key >= key, in forward gear
func (r *RawIterator) Seek(acc *costs.Cost, key []byte) lib.ErrorI {
	return r.position(acc, key, false)
}

// SeekForPrev() positions the cursor at the last key <= key, in reverse gear
func (r *RawIterator) SeekForPrev(acc *costs.Cost, key []byte) lib.ErrorI {
	return r.position(acc, key, true)
}

// Next() steps to the next larger key. In reverse gear this re-seeks
// forward past the current key.
func (r *RawIterator) Next(acc *costs.Cost) lib.ErrorI {
	if !r.Valid() {
		return nil
	}
	if !r.reverse {
		r.inner.Next()
		return nil
	}
	return r.stepAcross(acc, false)
}

// Prev() steps to the next smaller key. In forward gear this re-seeks in
// reverse before the current key.
func (r *RawIterator) Prev(acc *costs.Cost) lib.ErrorI {
	if !r.Valid() {
		return nil
	}
	if r.reverse {
		r.inner.Next()
		return nil
	}
	return r.stepAcross(acc, true)
}

// Valid() reports whether the cursor points at an entry
func (r *RawIterator) Valid() bool {
	return r.inner != nil && r.inner.Valid()
}

// Key() returns the current key relative to the data keyspace
func (r *RawIterator) Key() []byte {
	if !r.Valid() {
		return nil
	}
	return r.inner.Key()[len(r.ctx.prefix)+1:]
}

// Value() returns the current value
func (r *RawIterator) Value() []byte {
	if !r.Valid() {
		return nil
	}
	return r.inner.Value()
}

// Close() releases the cursor
func (r *RawIterator) Close() {
	if r.inner != nil {
		r.inner.Close()
		r.inner = nil
	}
}

// position() replaces the underlying merged iterator with one seeked at key
// in the given direction
func (r *RawIterator) position(acc *costs.Cost, key []byte, reverse bool) lib.ErrorI {
	if r.inner != nil {
		r.inner.Close()
		r.inner = nil
	}
	if acc != nil {
		acc.SeekCount++
	}
	full := r.ctx.key(keyspaceData, key)
	it, err := r.ctx.store.txn.iteratorAt(r.ctx.key(keyspaceData, nil), full, reverse)
	if err != nil {
		return err
	}
	r.inner, r.reverse = it, reverse
	return nil
}

// stepAcross() changes direction: it re-seeks at the current key in the
// opposite gear, then skips that key itself
func (r *RawIterator) stepAcross(acc *costs.Cost, reverse bool) lib.ErrorI {
	current := lib.CopyBytes(r.Key())
	if err := r.position(acc, current, reverse); err != nil {
		return err
	}
	if r.Valid() && bytes.Equal(r.Key(), current) {
		r.inner.Next()
	}
	return nil
}
