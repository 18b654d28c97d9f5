package store

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/grovekv/grovekv/lib"
)

// RWIndexerI is a read-write store that can also iterate a key prefix in
// either direction
type RWIndexerI interface {
	lib.RWStoreI
	Iterator(prefix []byte) (lib.IteratorI, lib.ErrorI)
	RevIterator(prefix []byte) (lib.IteratorI, lib.ErrorI)
}

// seekerI is the optional fast path for iterators that start mid-prefix
type seekerI interface {
	iteratorAt(prefix, seek []byte, reverse bool) (lib.IteratorI, lib.ErrorI)
}

// RWIndexerI interface enforcement
var _ RWIndexerI = &TxnWrapper{}

// TxnWrapper is a wrapper over the badgerDB Txn object that conforms to the
// RWIndexerI interface; all keys pass through an optional fixed prefix
type TxnWrapper struct {
	logger lib.LoggerI
	db     *badger.Txn
	prefix []byte
}

// NewTxnWrapper() creates a new TxnWrapper with the provided params
func NewTxnWrapper(db *badger.Txn, logger lib.LoggerI, prefix []byte) *TxnWrapper {
	return &TxnWrapper{
		logger: logger,
		db:     db,
		prefix: prefix,
	}
}

// Get() retrieves the value associated with the key from the BadgerDB
// transaction; a missing key reads as nil with no error
func (t *TxnWrapper) Get(k []byte) ([]byte, lib.ErrorI) {
	item, err := t.db.Get(joinKey(t.prefix, k))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, ErrStoreGet(err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, ErrStoreGet(err)
	}
	return val, nil
}

// Set() stores the key-value pair in the BadgerDB transaction
func (t *TxnWrapper) Set(k, v []byte) lib.ErrorI {
	if err := t.db.Set(joinKey(t.prefix, k), v); err != nil {
		return ErrStoreSet(err)
	}
	return nil
}

// Delete() removes the key-value pair from the BadgerDB transaction
func (t *TxnWrapper) Delete(k []byte) lib.ErrorI {
	if err := t.db.Delete(joinKey(t.prefix, k)); err != nil {
		return ErrStoreDelete(err)
	}
	return nil
}

// Close() discards the current transaction
func (t *TxnWrapper) Close() { t.db.Discard() }

// setDB() swaps the underlying badger transaction, used when the read view
// is refreshed after a commit
func (t *TxnWrapper) setDB(p *badger.Txn) { t.db = p }

// Iterator() creates a new iterator for the given prefix in the BadgerDB transaction
func (t *TxnWrapper) Iterator(prefix []byte) (lib.IteratorI, lib.ErrorI) {
	return t.iteratorAt(prefix, nil, false)
}

// RevIterator() creates a new reverse iterator for the given prefix in the BadgerDB transaction
func (t *TxnWrapper) RevIterator(prefix []byte) (lib.IteratorI, lib.ErrorI) {
	return t.iteratorAt(prefix, nil, true)
}

// iteratorAt() creates an iterator over the prefix positioned at seek: the
// first key >= seek going forward, the last key <= seek in reverse. A nil
// seek starts at the first (or last) key of the prefix.
func (t *TxnWrapper) iteratorAt(prefix, seek []byte, reverse bool) (lib.IteratorI, lib.ErrorI) {
	fullPrefix := joinKey(t.prefix, prefix)
	parent := t.db.NewIterator(badger.IteratorOptions{
		Reverse: reverse,
		Prefix:  fullPrefix,
	})
	switch {
	case seek != nil:
		parent.Seek(joinKey(t.prefix, seek))
	case reverse:
		seekLast(parent, fullPrefix)
	default:
		parent.Rewind()
	}
	return &Iterator{
		logger: t.logger,
		parent: parent,
		prefix: t.prefix,
	}, nil
}

// seekLast() positions the reverse iterator at the last key for the given prefix
func seekLast(it *badger.Iterator, prefix []byte) {
	it.Seek(lib.PrefixEnd(prefix))
}

// IteratorI interface enforcement
var _ lib.IteratorI = &Iterator{}

// Iterator wraps BadgerDB's iterator to satisfy the IteratorI interface,
// trimming the wrapper's fixed prefix off every key
type Iterator struct {
	logger lib.LoggerI
	parent *badger.Iterator
	prefix []byte
}

// Valid() checks whether the iterator still points at an entry
func (i *Iterator) Valid() bool { return i.parent.Valid() }

// Next() advances to the next entry in the iteration direction
func (i *Iterator) Next() { i.parent.Next() }

// Key() returns the current key without the wrapper's fixed prefix
func (i *Iterator) Key() []byte {
	return lib.CopyBytes(i.parent.Item().Key()[len(i.prefix):])
}

// Value() returns a copy of the current value
func (i *Iterator) Value() []byte {
	value, err := i.parent.Item().ValueCopy(nil)
	if err != nil {
		if i.logger != nil {
			i.logger.Errorf("iterator value copy failed: %s", err)
		}
		return nil
	}
	return value
}

// Close() releases the underlying badger iterator
func (i *Iterator) Close() { i.parent.Close() }

// joinKey() concatenates a prefix and key into a fresh slice
func joinKey(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}
