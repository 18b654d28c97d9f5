package store

/*
	A Context is one subtree's slice of the byte store. Every key a context
	touches is laid out as

	  context prefix || keyspace byte || key

	over four keyspaces:

	  data ('d')  merk nodes
	  aux  ('a')  tree-variant metadata (bulk-append buffer, mmr nodes,
	              commitment frontier)
	  root ('r')  the single root entry naming the subtree's root node key
	  meta ('m')  engine bookkeeping

	Contexts charge seeks and loaded bytes into the caller's accumulator;
	the added/removed storage byte attribution travels with the write info
	and is accounted by the tree layer, not here.
*/

import (
	"github.com/grovekv/grovekv/bulkappend"
	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/merk"
)

// keyspace bytes separating a context's four key families
const (
	keyspaceData byte = 'd'
	keyspaceAux  byte = 'a'
	keyspaceRoot byte = 'r'
	keyspaceMeta byte = 'm'
)

// interface enforcement
var (
	_ merk.Storage     = &Context{}
	_ bulkappend.Store = &AuxContext{}
)

// Context is a prefixed storage context over the store's shared read view
// and uncommitted overlay
type Context struct {
	store  *Store
	prefix []byte
}

// Prefix() returns the context's key prefix
func (c *Context) Prefix() []byte { return lib.CopyBytes(c.prefix) }

// Get() reads a key from the data keyspace; nil when absent
func (c *Context) Get(acc *costs.Cost, key []byte) ([]byte, lib.ErrorI) {
	return c.get(acc, keyspaceData, key)
}

// Put() writes a key in the data keyspace. The write info carries the byte
// attribution the tree layer already charged; the context counts the seek.
func (c *Context) Put(acc *costs.Cost, key, value []byte, _ *costs.KeyValueStorageCost) lib.ErrorI {
	return c.put(acc, keyspaceData, key, value)
}

// Delete() removes a key from the data keyspace
func (c *Context) Delete(acc *costs.Cost, key []byte, _ *costs.KeyValueStorageCost) lib.ErrorI {
	return c.delete(acc, keyspaceData, key)
}

// GetRoot() reads the subtree's root entry; nil when the subtree is empty
func (c *Context) GetRoot(acc *costs.Cost) ([]byte, lib.ErrorI) {
	return c.get(acc, keyspaceRoot, nil)
}

// PutRoot() writes the subtree's root entry
func (c *Context) PutRoot(acc *costs.Cost, rootKey []byte, _ *costs.KeyValueStorageCost) lib.ErrorI {
	return c.put(acc, keyspaceRoot, nil, rootKey)
}

// DeleteRoot() removes the subtree's root entry
func (c *Context) DeleteRoot(acc *costs.Cost, _ *costs.KeyValueStorageCost) lib.ErrorI {
	return c.delete(acc, keyspaceRoot, nil)
}

// GetMeta() reads a key from the meta keyspace; nil when absent
func (c *Context) GetMeta(acc *costs.Cost, key []byte) ([]byte, lib.ErrorI) {
	return c.get(acc, keyspaceMeta, key)
}

// PutMeta() writes a key in the meta keyspace
func (c *Context) PutMeta(acc *costs.Cost, key, value []byte) lib.ErrorI {
	return c.put(acc, keyspaceMeta, key, value)
}

// DeleteMeta() removes a key from the meta keyspace
func (c *Context) DeleteMeta(acc *costs.Cost, key []byte) lib.ErrorI {
	return c.delete(acc, keyspaceMeta, key)
}

// Aux() returns the aux keyspace as a flat keyed store, the shape the
// bulk-append, mmr and commitment trees persist into
func (c *Context) Aux() *AuxContext { return &AuxContext{ctx: c} }

// Iterator() walks the data keyspace ascending under an optional sub-prefix;
// keys come back relative to the keyspace
func (c *Context) Iterator(prefix []byte) (lib.IteratorI, lib.ErrorI) {
	return c.iterate(keyspaceData, prefix, false)
}

// RevIterator() walks the data keyspace descending under an optional sub-prefix
func (c *Context) RevIterator(prefix []byte) (lib.IteratorI, lib.ErrorI) {
	return c.iterate(keyspaceData, prefix, true)
}

// Clear() removes every key the context owns across all four keyspaces,
// charging one seek per removed key. Used when a subtree is deleted.
func (c *Context) Clear(acc *costs.Cost) lib.ErrorI {
	it, err := c.store.txn.Iterator(c.prefix)
	if err != nil {
		return err
	}
	// collect first: deleting while the merged iterator is open would
	// mutate the overlay under it
	var keys [][]byte
	for ; it.Valid(); it.Next() {
		keys = append(keys, lib.CopyBytes(it.Key()))
	}
	it.Close()
	for _, key := range keys {
		if acc != nil {
			acc.SeekCount++
		}
		if err = c.store.txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// key() lays out a full store key: prefix || keyspace || key
func (c *Context) key(space byte, key []byte) []byte {
	out := make([]byte, 0, len(c.prefix)+1+len(key))
	out = append(out, c.prefix...)
	out = append(out, space)
	return append(out, key...)
}

// get() reads through the overlay, pricing a hit like a disk seek plus the
// loaded bytes and a miss as free
func (c *Context) get(acc *costs.Cost, space byte, key []byte) ([]byte, lib.ErrorI) {
	value, err := c.store.txn.Get(c.key(space, key))
	if err != nil {
		return nil, err
	}
	if value != nil && acc != nil {
		acc.SeekCount++
		acc.StorageLoadedBytes += uint64(len(value))
	}
	return value, nil
}

// put() buffers a write in the overlay
func (c *Context) put(acc *costs.Cost, space byte, key, value []byte) lib.ErrorI {
	if space != keyspaceRoot && len(key) == 0 {
		return ErrInvalidKey("empty key")
	}
	if acc != nil {
		acc.SeekCount++
	}
	return c.store.txn.Set(c.key(space, key), value)
}

// delete() buffers a delete in the overlay
func (c *Context) delete(acc *costs.Cost, space byte, key []byte) lib.ErrorI {
	if acc != nil {
		acc.SeekCount++
	}
	return c.store.txn.Delete(c.key(space, key))
}

// iterate() opens a merged iterator over one keyspace, trimming the context
// prefix and keyspace byte off every key
func (c *Context) iterate(space byte, prefix []byte, reverse bool) (lib.IteratorI, lib.ErrorI) {
	full := c.key(space, prefix)
	var it lib.IteratorI
	var err lib.ErrorI
	if reverse {
		it, err = c.store.txn.RevIterator(full)
	} else {
		it, err = c.store.txn.Iterator(full)
	}
	if err != nil {
		return nil, err
	}
	return &trimIterator{inner: it, trim: len(c.prefix) + 1}, nil
}

// AuxContext is the aux keyspace of a context exposed as a flat keyed store
type AuxContext struct {
	ctx *Context
}

// Get() reads an aux key; nil when absent
func (a *AuxContext) Get(acc *costs.Cost, key []byte) ([]byte, lib.ErrorI) {
	return a.ctx.get(acc, keyspaceAux, key)
}

// Put() writes an aux key
func (a *AuxContext) Put(acc *costs.Cost, key, value []byte) lib.ErrorI {
	return a.ctx.put(acc, keyspaceAux, key, value)
}

// Delete() removes an aux key
func (a *AuxContext) Delete(acc *costs.Cost, key []byte) lib.ErrorI {
	return a.ctx.delete(acc, keyspaceAux, key)
}

// trimIterator strips a fixed number of leading bytes off every key
type trimIterator struct {
	inner lib.IteratorI
	trim  int
}

func (t *trimIterator) Valid() bool   { return t.inner.Valid() }
func (t *trimIterator) Next()         { t.inner.Next() }
func (t *trimIterator) Key() []byte   { return t.inner.Key()[t.trim:] }
func (t *trimIterator) Value() []byte { return t.inner.Value() }
func (t *trimIterator) Close()        { t.inner.Close() }
