package costs

import (
	"github.com/grovekv/grovekv/lib"
)

/*
	Every fallible engine operation carries a Cost alongside its result so the
	consensus layer can charge clients deterministically. Cost is a monoid under
	componentwise addition; the identity is the zero value.
*/

// Cost is the typed running tally of work performed by an operation
type Cost struct {
	SeekCount           uint32      // storage seeks performed
	Storage             StorageCost // bytes added / replaced / removed
	StorageLoadedBytes  uint64      // bytes loaded from the byte store
	HashNodeCalls       uint32      // 64-byte hash blocks processed
	SinsemillaHashCalls uint32      // commitment tree combine calls
}

// Add() accumulates another cost into this one; addition is commutative
func (c *Cost) Add(other Cost) {
	c.SeekCount += other.SeekCount
	c.Storage.Add(other.Storage)
	c.StorageLoadedBytes += other.StorageLoadedBytes
	c.HashNodeCalls += other.HashNodeCalls
	c.SinsemillaHashCalls += other.SinsemillaHashCalls
}

// IsZero() reports whether no work has been tallied
func (c *Cost) IsZero() bool {
	return c.SeekCount == 0 && c.StorageLoadedBytes == 0 && c.HashNodeCalls == 0 &&
		c.SinsemillaHashCalls == 0 && c.Storage.IsZero()
}

// Result pairs a value (or error) with the cost of producing it.
// It is the engine's rendition of a cost-wrapped fallible result: the cost
// reflects work done up to and including a failing call.
type Result[T any] struct {
	Value T
	Cost  Cost
	Err   lib.ErrorI
}

// WrapWithCost() wraps a value with an already-computed cost
func WrapWithCost[T any](v T, c Cost) Result[T] {
	return Result[T]{Value: v, Cost: c}
}

// ErrWithCost() wraps an error with the cost accumulated before the failure
func ErrWithCost[T any](err lib.ErrorI, c Cost) Result[T] {
	return Result[T]{Err: err, Cost: c}
}

// UnwrapAddCost() adds the result's cost into the accumulator and returns the value and error
func (r Result[T]) UnwrapAddCost(acc *Cost) (T, lib.ErrorI) {
	acc.Add(r.Cost)
	return r.Value, r.Err
}

// Unwrap() returns the value and error, discarding the cost
func (r Result[T]) Unwrap() (T, lib.ErrorI) { return r.Value, r.Err }

// AddCost() accumulates extra cost into the result
func (r Result[T]) AddCost(c Cost) Result[T] {
	r.Cost.Add(c)
	return r
}

// ForOk() runs a side-effect hook on the value when there is no error, leaving the result unchanged
func (r Result[T]) ForOk(f func(T)) Result[T] {
	if r.Err == nil {
		f(r.Value)
	}
	return r
}

// Flatten() collapses a nested cost result, summing both cost layers
func Flatten[T any](r Result[Result[T]]) Result[T] {
	inner := r.Value
	inner.Cost.Add(r.Cost)
	if r.Err != nil {
		inner.Err = r.Err
	}
	return inner
}

// MapOk() transforms the value when there is no error, carrying cost and error through
func MapOk[T, U any](r Result[T], f func(T) U) Result[U] {
	out := Result[U]{Cost: r.Cost, Err: r.Err}
	if r.Err == nil {
		out.Value = f(r.Value)
	}
	return out
}

// ReturnOnError() is the Go rendition of the short-circuit helper: it adds the
// result's cost into the accumulator and returns (value, true) on success or
// (zero, false) after recording the error into errOut
func ReturnOnError[T any](acc *Cost, r Result[T], errOut *lib.ErrorI) (T, bool) {
	v, err := r.UnwrapAddCost(acc)
	if err != nil {
		*errOut = err
		var zero T
		return zero, false
	}
	return v, true
}

// ReturnOnErrorNoAdd() short-circuits without touching the accumulator; the
// cost is assumed to already be included
func ReturnOnErrorNoAdd[T any](r Result[T], errOut *lib.ErrorI) (T, bool) {
	if r.Err != nil {
		*errOut = r.Err
		var zero T
		return zero, false
	}
	return r.Value, true
}

// ReturnOnErrorDefault() discards the accumulated cost and restarts the tally
// from this result's cost alone
func ReturnOnErrorDefault[T any](acc *Cost, r Result[T], errOut *lib.ErrorI) (T, bool) {
	*acc = r.Cost
	if r.Err != nil {
		*errOut = r.Err
		var zero T
		return zero, false
	}
	return r.Value, true
}
