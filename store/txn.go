package store

import (
	"bytes"
	"sort"
	"strings"

	"github.com/grovekv/grovekv/lib"
)

// RWIndexerI interface enforcement
var _ RWIndexerI = &Txn{}

/*
	Txn acts like a database transaction over any indexed store.
	It buffers set/del operations in memory and lets the caller Write() them
	to the parent or Discard() them. Reads merge with the parent as if
	Write() had already been called.

	The engine keeps one Txn between commits as its uncommitted-write
	buffer: every storage context funnels its writes here, and a commit
	flushes the buffer to badger in a single atomic batch.

	CONTRACT:
	- not thread safe
	- Write() is only atomic when the parent is (the store commits through a
	  write batch instead for exactly this reason)
	- deleted keys read back as nil, the same as missing keys
	- nested txns work but iteration cost grows with each layer
*/

type Txn struct {
	parent RWIndexerI // the store the buffered operations Write() to
	txn
}

// internal txn structure maintains the write operations sorted lexicographically by keys
type txn struct {
	ops       map[string]op // [string(key)] -> set/del operations saved in memory
	sorted    []string      // ops keys sorted lexicographically; needed for iteration
	sortedLen int           // len(sorted)
}

// op has the value portion of the operation and whether it is a *delete* or a *set*
type op struct {
	value  []byte
	delete bool
}

// NewTxn() creates a new instance of a Txn with the specified parent store
func NewTxn(parent RWIndexerI) *Txn {
	return &Txn{parent: parent, txn: txn{ops: make(map[string]op), sorted: make([]string, 0)}}
}

// Get() retrieves the value for a given key from either the in-memory
// operations or the parent store
func (c *Txn) Get(key []byte) ([]byte, lib.ErrorI) {
	if v, found := c.ops[string(key)]; found {
		return v.value, nil
	}
	return c.parent.Get(key)
}

// Set() adds or updates the value for a key in the in-memory operations
func (c *Txn) Set(key, value []byte) lib.ErrorI { c.update(string(key), value, false); return nil }

// Delete() marks a key for deletion in the in-memory operations
func (c *Txn) Delete(key []byte) lib.ErrorI { c.update(string(key), nil, true); return nil }

// update() modifies or adds an operation for a key and maintains the sorted order
func (c *Txn) update(key string, v []byte, delete bool) {
	if _, found := c.ops[key]; !found {
		c.addToSorted(key)
	}
	c.ops[key] = op{value: v, delete: delete}
}

// addToSorted() inserts a key into the sorted list of operations maintaining lexicographical order
func (c *Txn) addToSorted(key string) {
	i := sort.Search(c.sortedLen, func(i int) bool { return c.sorted[i] >= key })
	c.sorted = append(c.sorted, "")
	copy(c.sorted[i+1:], c.sorted[i:])
	c.sorted[i] = key
	c.sortedLen++
}

// Iterator() returns a merged iterator over the in-memory operations and the
// parent store for the given prefix
func (c *Txn) Iterator(prefix []byte) (lib.IteratorI, lib.ErrorI) {
	return c.iteratorAt(prefix, nil, false)
}

// RevIterator() returns a merged reverse iterator over the in-memory
// operations and the parent store for the given prefix
func (c *Txn) RevIterator(prefix []byte) (lib.IteratorI, lib.ErrorI) {
	return c.iteratorAt(prefix, nil, true)
}

// iteratorAt() returns a merged iterator positioned at seek: the first key
// >= seek going forward, the last key <= seek in reverse. A nil seek starts
// at the boundary of the prefix.
func (c *Txn) iteratorAt(prefix, seek []byte, reverse bool) (lib.IteratorI, lib.ErrorI) {
	parent, err := c.parentIteratorAt(prefix, seek, reverse)
	if err != nil {
		return nil, err
	}
	return newTxnIterator(parent, c.txn, prefix, seek, reverse), nil
}

// parentIteratorAt() opens the parent side of a merged iterator, falling back
// to a linear fast-forward when the parent cannot seek mid-prefix
func (c *Txn) parentIteratorAt(prefix, seek []byte, reverse bool) (lib.IteratorI, lib.ErrorI) {
	if s, ok := c.parent.(seekerI); ok {
		return s.iteratorAt(prefix, seek, reverse)
	}
	var it lib.IteratorI
	var err lib.ErrorI
	if reverse {
		it, err = c.parent.RevIterator(prefix)
	} else {
		it, err = c.parent.Iterator(prefix)
	}
	if err != nil {
		return nil, err
	}
	if seek != nil {
		for it.Valid() {
			cmp := bytes.Compare(it.Key(), seek)
			if (!reverse && cmp >= 0) || (reverse && cmp <= 0) {
				break
			}
			it.Next()
		}
	}
	return it, nil
}

// Discard() clears all in-memory operations and resets the sorted key list
func (c *Txn) Discard() { c.ops, c.sorted, c.sortedLen = nil, nil, 0 }

// reset() re-initializes the in-memory operations for reuse
func (c *Txn) reset() {
	c.ops, c.sorted, c.sortedLen = make(map[string]op), make([]string, 0), 0
}

// Write() flushes the in-memory operations to the parent store and clears in-memory changes
func (c *Txn) Write() (err lib.ErrorI) {
	for k, v := range c.ops {
		if v.delete {
			if err = c.parent.Delete([]byte(k)); err != nil {
				return
			}
		} else {
			if err = c.parent.Set([]byte(k), v.value); err != nil {
				return
			}
		}
	}
	c.reset()
	return
}

// enforce the Iterator interface
var _ lib.IteratorI = &TxnIterator{}

// TxnIterator is a reversible, merged iterator of the parent and the in-memory operations
type TxnIterator struct {
	parent lib.IteratorI
	txn
	prefix  string
	start   string
	index   int
	reverse bool
	invalid bool
	useTxn  bool
}

// newTxnIterator() initializes a new merged iterator for traversing both the
// in-memory operations and the parent store
func newTxnIterator(parent lib.IteratorI, t txn, prefix, start []byte, reverse bool) *TxnIterator {
	return (&TxnIterator{
		parent:  parent,
		txn:     t,
		prefix:  string(prefix),
		start:   string(start),
		reverse: reverse,
	}).First()
}

// First() positions the iterator at the first valid entry based on the traversal direction
func (c *TxnIterator) First() *TxnIterator {
	if c.reverse {
		return c.revSeek()
	}
	return c.seek()
}

// Close() closes the merged iterator
func (c *TxnIterator) Close() { c.parent.Close() }

// Next() advances the iterator to the next entry, choosing between in-memory and parent store entries
func (c *TxnIterator) Next() {
	// if parent is not usable any more then txn.Next()
	// if txn is not usable any more then parent.Next()
	if !c.parent.Valid() {
		c.txnNext()
		return
	}
	if c.txnInvalid() {
		c.parent.Next()
		return
	}
	// compare the keys of the in-memory option and the parent option
	switch c.compare(c.txnKey(), c.parent.Key()) {
	case 1: // use parent
		c.parent.Next()
	case 0: // use both
		c.parent.Next()
		c.txnNext()
	case -1: // use txn
		c.txnNext()
	}
}

// Key() returns the current key from either the in-memory operations or the parent store
func (c *TxnIterator) Key() []byte {
	if c.useTxn {
		return c.txnKey()
	}
	return c.parent.Key()
}

// Value() returns the current value from either the in-memory operations or the parent store
func (c *TxnIterator) Value() []byte {
	if c.useTxn {
		return c.txnValue().value
	}
	return c.parent.Value()
}

// Valid() checks if the current position of the iterator is valid, considering both the parent and in-memory entries
func (c *TxnIterator) Valid() bool {
	for {
		if !c.parent.Valid() {
			// only using the buffer; advance until invalid or !deleted
			c.txnFastForward()
			c.useTxn = true
			break
		}
		if c.txnInvalid() {
			// parent is valid; txn is not
			c.useTxn = false
			break
		}
		// both are valid; key comparison matters
		cKey, pKey := c.txnKey(), c.parent.Key()
		switch c.compare(cKey, pKey) {
		case 1: // use parent
			c.useTxn = false
		case 0: // when equal txn shadows parent
			if c.txnValue().delete {
				c.parent.Next()
				c.txnNext()
				continue
			}
			c.useTxn = true
		case -1: // use txn
			if c.txnValue().delete {
				c.txnNext()
				continue
			}
			c.useTxn = true
		}
		break
	}
	return !c.txnInvalid() || c.parent.Valid()
}

// txnFastForward() skips over deleted entries in the in-memory operations;
// returns when invalid or !deleted
func (c *TxnIterator) txnFastForward() {
	for {
		if c.txnInvalid() || !c.txnValue().delete {
			return
		}
		c.txnNext()
	}
}

// txnInvalid() determines if the current in-memory entry is invalid
func (c *TxnIterator) txnInvalid() bool {
	if c.invalid {
		return c.invalid
	}
	c.invalid = true
	if c.reverse {
		if c.index < 0 {
			return c.invalid
		}
	} else {
		if c.index >= c.sortedLen {
			return c.invalid
		}
	}
	if !strings.HasPrefix(c.sorted[c.index], c.prefix) {
		return c.invalid
	}
	c.invalid = false
	return c.invalid
}

// txnKey() returns the key of the current in-memory operation
func (c *TxnIterator) txnKey() []byte { return []byte(c.sorted[c.index]) }

// txnValue() returns the value of the current in-memory operation
func (c *TxnIterator) txnValue() op { return c.ops[c.sorted[c.index]] }

// compare() compares two byte slices, adjusting for reverse iteration if needed
func (c *TxnIterator) compare(a, b []byte) int {
	if c.reverse {
		return bytes.Compare(a, b) * -1
	}
	return bytes.Compare(a, b)
}

// txnNext() advances the index of the in-memory operations based on the iteration direction
func (c *TxnIterator) txnNext() {
	if c.reverse {
		c.index--
	} else {
		c.index++
	}
}

// seek() positions the buffer side at the first key >= the start position
// (or the prefix itself when no start was given)
func (c *TxnIterator) seek() *TxnIterator {
	target := c.prefix
	if c.start > target {
		target = c.start
	}
	c.index = sort.Search(c.sortedLen, func(i int) bool { return c.sorted[i] >= target })
	return c
}

// revSeek() positions the buffer side at the last key <= the start position
// (or the last key of the prefix when no start was given)
func (c *TxnIterator) revSeek() *TxnIterator {
	if c.start != "" {
		c.index = sort.Search(c.sortedLen, func(i int) bool { return c.sorted[i] > c.start }) - 1
		return c
	}
	endPrefix := string(lib.PrefixEnd([]byte(c.prefix)))
	c.index = sort.Search(c.sortedLen, func(i int) bool { return c.sorted[i] >= endPrefix }) - 1
	return c
}
