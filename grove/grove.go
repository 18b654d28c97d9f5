package grove

/*
	The grove is a forest of nested merks addressed by paths of byte
	segments. Every subtree owns a prefixed slice of the byte store, keyed
	by the blake3 digest of its length-prefixed path, and stores its
	elements as merk values. Subtree elements carry their child merk's root
	key and a value hash binding the child's root hash, so the root merk's
	hash commits to the entire forest.

	Writes go through one shared uncommitted overlay; Commit() flushes
	every touched subtree atomically.
*/

import (
	"fmt"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/element"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
	"github.com/grovekv/grovekv/merk"
	"github.com/grovekv/grovekv/store"
)

// GroveDB is the forest handle over one byte store
type GroveDB struct {
	store *store.Store
	log   lib.LoggerI
}

// Open() opens (or creates) a grove over the byte store the config describes
func Open(config lib.Config, log lib.LoggerI) (*GroveDB, lib.ErrorI) {
	s, err := store.New(config, log)
	if err != nil {
		return nil, err
	}
	return NewGroveDB(s, log), nil
}

// NewGroveDB() builds a grove over an already opened store
func NewGroveDB(s *store.Store, log lib.LoggerI) *GroveDB {
	return &GroveDB{store: s, log: log}
}

// Store() exposes the underlying byte store
func (g *GroveDB) Store() *store.Store { return g.store }

// Commit() flushes every uncommitted write across all subtrees atomically
func (g *GroveDB) Commit() lib.ErrorI { return g.store.Commit() }

// Rollback() drops every uncommitted write
func (g *GroveDB) Rollback() { g.store.Discard() }

// Close() releases the underlying store
func (g *GroveDB) Close() lib.ErrorI { return g.store.Close() }

// SubtreePrefix() derives a subtree's storage prefix from its path. Segments
// are length-prefixed before hashing so sibling paths cannot collide.
func SubtreePrefix(path [][]byte) []byte {
	h := crypto.HashBytes(lib.JoinLenPrefix(path...))
	return h[:]
}

// contextAt() opens the storage context a subtree persists into
func (g *GroveDB) contextAt(path [][]byte) *store.Context {
	return g.store.NewContext(SubtreePrefix(path))
}

// childPath() appends a key to a path without aliasing the caller's slice
func childPath(path [][]byte, key []byte) [][]byte {
	out := make([][]byte, 0, len(path)+1)
	out = append(out, path...)
	return append(out, key)
}

// RootHash() is the root merk's hash, committing to the whole forest
func (g *GroveDB) RootHash() costs.Result[crypto.Hash] {
	var acc costs.Cost
	m, err := g.newMerkCache().merkAt(&acc, nil)
	if err != nil {
		return costs.ErrWithCost[crypto.Hash](err, acc)
	}
	return costs.WrapWithCost(m.RootHash(), acc)
}

// GetRaw() reads the element stored at (path, key) without following references
func (g *GroveDB) GetRaw(path [][]byte, key []byte) costs.Result[*element.Element] {
	var acc costs.Cost
	elem, err := g.newMerkCache().elementAt(&acc, path, key)
	if err != nil {
		return costs.ErrWithCost[*element.Element](err, acc)
	}
	if elem == nil {
		return costs.ErrWithCost[*element.Element](
			lib.ErrPathKeyNotFound(fmt.Sprintf("no element at key %x", key)), acc)
	}
	return costs.WrapWithCost(elem, acc)
}

// Get() reads the element at (path, key), following reference chains to their
// terminal target within the hop bound
func (g *GroveDB) Get(path [][]byte, key []byte) costs.Result[*element.Element] {
	var acc costs.Cost
	cache := g.newMerkCache()
	elem, err := cache.elementAt(&acc, path, key)
	if err != nil {
		return costs.ErrWithCost[*element.Element](err, acc)
	}
	if elem == nil {
		return costs.ErrWithCost[*element.Element](
			lib.ErrPathKeyNotFound(fmt.Sprintf("no element at key %x", key)), acc)
	}
	if elem.Type == element.TypeReference {
		_, _, target, e := cache.followReference(&acc, path, key, elem)
		if e != nil {
			return costs.ErrWithCost[*element.Element](e, acc)
		}
		elem = target
	}
	return costs.WrapWithCost(elem, acc)
}

// Has() reports whether (path, key) holds an element
func (g *GroveDB) Has(path [][]byte, key []byte) costs.Result[bool] {
	var acc costs.Cost
	elem, err := g.newMerkCache().elementAt(&acc, path, key)
	if err != nil {
		return costs.ErrWithCost[bool](err, acc)
	}
	return costs.WrapWithCost(elem != nil, acc)
}

// Put() writes an element at (path, key) and re-binds every ancestor subtree
// element up to the root
func (g *GroveDB) Put(path [][]byte, key []byte, elem *element.Element) costs.Result[struct{}] {
	var acc costs.Cost
	cache := g.newMerkCache()
	if err := g.put(&acc, cache, path, key, elem); err != nil {
		return costs.ErrWithCost[struct{}](err, acc)
	}
	if err := g.propagate(&acc, cache, path); err != nil {
		return costs.ErrWithCost[struct{}](err, acc)
	}
	return costs.WrapWithCost(struct{}{}, acc)
}

// CreateTree() inserts an empty merk subtree element at (path, key)
func (g *GroveDB) CreateTree(path [][]byte, key []byte) costs.Result[struct{}] {
	return g.Put(path, key, element.NewTree(nil))
}

// Delete() removes the element at (path, key); subtree elements take their
// entire stored subtree with them
func (g *GroveDB) Delete(path [][]byte, key []byte) costs.Result[struct{}] {
	var acc costs.Cost
	cache := g.newMerkCache()
	elem, err := cache.elementAt(&acc, path, key)
	if err != nil {
		return costs.ErrWithCost[struct{}](err, acc)
	}
	if elem == nil {
		return costs.ErrWithCost[struct{}](
			lib.ErrPathKeyNotFound(fmt.Sprintf("no element at key %x", key)), acc)
	}
	op := merk.OpDelete
	if elem.IsTree() || elem.Type.IsSpecializedTree() {
		op = merk.OpDeleteLayered
		if err = g.clearSubtree(&acc, childPath(path, key)); err != nil {
			return costs.ErrWithCost[struct{}](err, acc)
		}
	}
	m, err := cache.merkAt(&acc, path)
	if err != nil {
		return costs.ErrWithCost[struct{}](err, acc)
	}
	if _, err = m.Apply([]merk.BatchEntry{{Key: key, Op: op}}).UnwrapAddCost(&acc); err != nil {
		return costs.ErrWithCost[struct{}](err, acc)
	}
	if err = g.propagate(&acc, cache, path); err != nil {
		return costs.ErrWithCost[struct{}](err, acc)
	}
	return costs.WrapWithCost(struct{}{}, acc)
}

// put() applies a single element write to the merk at path
func (g *GroveDB) put(acc *costs.Cost, cache *merkCache, path [][]byte, key []byte, elem *element.Element) lib.ErrorI {
	m, err := cache.merkAt(acc, path)
	if err != nil {
		return err
	}
	entry, err := g.batchEntryFor(acc, cache, m, path, key, elem)
	if err != nil {
		return err
	}
	_, err = m.Apply([]merk.BatchEntry{*entry}).UnwrapAddCost(acc)
	return err
}

// batchEntryFor() translates an element write into the merk op it becomes:
// a plain put for item-ish elements, a combined-reference put binding the
// target's value hash for references, and a layered put binding the child
// root (or specialized state root) for subtree elements
func (g *GroveDB) batchEntryFor(acc *costs.Cost, cache *merkCache, m *merk.Merk,
	path [][]byte, key []byte, elem *element.Element) (*merk.BatchEntry, lib.ErrorI) {
	entry := &merk.BatchEntry{Key: key, Op: merk.OpPut}
	switch {
	case elem.Type == element.TypeReference:
		// validate the chain within the hop bound, then bind the direct
		// target's committed value hash
		if _, _, _, err := cache.followReference(acc, path, key, elem); err != nil {
			return nil, err
		}
		abs, err := elem.Ref.Absolute(path, key)
		if err != nil {
			return nil, err
		}
		tm, err := cache.merkAt(acc, abs[:len(abs)-1])
		if err != nil {
			return nil, err
		}
		targetVH, err := tm.GetValueHash(abs[len(abs)-1]).UnwrapAddCost(acc)
		if err != nil {
			return nil, err
		}
		serialized, err := elem.Serialize()
		if err != nil {
			return nil, err
		}
		vh := crypto.CombineHash(crypto.ValueHash(serialized, acc), targetVH, acc)
		entry.Op, entry.Value, entry.ValueHash = merk.OpPutCombinedReference, serialized, &vh
	case elem.IsTree():
		kind, err := elem.TreeKind()
		if err != nil {
			return nil, err
		}
		child, err := cache.merkWithKind(acc, childPath(path, key), kind)
		if err != nil {
			return nil, err
		}
		elem.RootKey = child.RootKey()
		serialized, err := elem.Serialize()
		if err != nil {
			return nil, err
		}
		vh := crypto.CombineHash(crypto.ValueHash(serialized, acc), child.RootHash(), acc)
		entry.Op, entry.Value, entry.ValueHash = merk.OpPutLayeredReference, serialized, &vh
	case elem.Type.IsSpecializedTree():
		serialized, err := elem.Serialize()
		if err != nil {
			return nil, err
		}
		vh := crypto.CombineHash(crypto.ValueHash(serialized, acc), elem.StateRoot, acc)
		entry.Op, entry.Value, entry.ValueHash = merk.OpPutLayeredReference, serialized, &vh
	default:
		serialized, err := elem.Serialize()
		if err != nil {
			return nil, err
		}
		entry.Value = serialized
	}
	feature, err := elem.FeatureFor(m.Kind())
	if err != nil {
		return nil, err
	}
	entry.Feature = feature
	return entry, nil
}

// propagate() walks from the written subtree to the root, re-binding each
// parent's subtree element to its child merk's new root key, root hash, and
// aggregate scalars
func (g *GroveDB) propagate(acc *costs.Cost, cache *merkCache, path [][]byte) lib.ErrorI {
	for i := len(path); i > 0; i-- {
		child, err := cache.merkAt(acc, path[:i])
		if err != nil {
			return err
		}
		parent, err := cache.merkAt(acc, path[:i-1])
		if err != nil {
			return err
		}
		key := path[i-1]
		elem, err := cache.elementAt(acc, path[:i-1], key)
		if err != nil {
			return err
		}
		if elem == nil {
			return lib.ErrPathKeyNotFound(fmt.Sprintf("subtree element %x vanished during propagation", key))
		}
		if !elem.IsTree() {
			return ErrInvalidElementType(fmt.Sprintf("element at %x is not a merk subtree", key))
		}
		elem.RootKey = child.RootKey()
		refreshAggregates(elem, child.RootAggregate())
		serialized, err := elem.Serialize()
		if err != nil {
			return err
		}
		feature, err := elem.FeatureFor(parent.Kind())
		if err != nil {
			return err
		}
		vh := crypto.CombineHash(crypto.ValueHash(serialized, acc), child.RootHash(), acc)
		_, err = parent.Apply([]merk.BatchEntry{{
			Key:       key,
			Op:        merk.OpReplaceLayeredReference,
			Value:     serialized,
			Feature:   feature,
			ValueHash: &vh,
		}}).UnwrapAddCost(acc)
		if err != nil {
			return err
		}
	}
	return nil
}

// refreshAggregates() copies a child merk's root aggregate into the scalars
// the subtree element caches
func refreshAggregates(elem *element.Element, agg merk.AggregateData) {
	switch elem.Type {
	case element.TypeSumTree:
		elem.Sum = agg.Sum
	case element.TypeBigSumTree:
		elem.BigSum = agg.BigSum
	case element.TypeCountTree, element.TypeProvableCountTree:
		elem.Count = agg.Count
	case element.TypeCountSumTree, element.TypeProvableCountSumTree:
		elem.Count, elem.Sum = agg.Count, agg.Sum
	}
}

// clearSubtree() removes every stored key under a subtree, descending into
// nested subtrees first so no orphan prefixes survive
func (g *GroveDB) clearSubtree(acc *costs.Cost, path [][]byte) lib.ErrorI {
	ctx := g.contextAt(path)
	it, err := ctx.Iterator(nil)
	if err != nil {
		return err
	}
	var nested [][]byte
	for ; it.Valid(); it.Next() {
		node, e := merk.DecodeNode(lib.CopyBytes(it.Key()), it.Value())
		if e != nil {
			it.Close()
			return e
		}
		t, e := element.TypeFromSerialized(node.Value)
		if e != nil {
			it.Close()
			return e
		}
		if t.IsTree() || t.IsSpecializedTree() {
			nested = append(nested, node.Key)
		}
	}
	it.Close()
	for _, key := range nested {
		if err = g.clearSubtree(acc, childPath(path, key)); err != nil {
			return err
		}
	}
	return ctx.Clear(acc)
}

/*
	merkCache hands out exclusive in-memory merk handles for the subtrees one
	operation touches. Opening a merk derives its feature kind from the parent
	subtree element, so the cache validates the path on the way down; handles
	stay current across applies because every apply commits through the shared
	overlay the handles read from.
*/

type merkCache struct {
	g     *GroveDB
	merks map[string]*merk.Merk
}

func (g *GroveDB) newMerkCache() *merkCache {
	return &merkCache{g: g, merks: make(map[string]*merk.Merk)}
}

// merkAt() opens (or returns the cached) merk at a path, deriving its feature
// kind from the parent subtree element
func (c *merkCache) merkAt(acc *costs.Cost, path [][]byte) (*merk.Merk, lib.ErrorI) {
	if m, ok := c.merks[string(SubtreePrefix(path))]; ok {
		return m, nil
	}
	kind := merk.BasicMerkNode
	if len(path) > 0 {
		elem, err := c.elementAt(acc, path[:len(path)-1], path[len(path)-1])
		if err != nil {
			return nil, err
		}
		if elem == nil {
			return nil, lib.ErrPathKeyNotFound(fmt.Sprintf("no subtree at path segment %x", path[len(path)-1]))
		}
		if !elem.IsTree() {
			return nil, ErrInvalidElementType(fmt.Sprintf("path segment %x is not a merk-backed subtree", path[len(path)-1]))
		}
		if kind, err = elem.TreeKind(); err != nil {
			return nil, err
		}
	}
	return c.merkWithKind(acc, path, kind)
}

// merkWithKind() opens a merk at a path with an already-known feature kind
func (c *merkCache) merkWithKind(acc *costs.Cost, path [][]byte, kind merk.FeatureKind) (*merk.Merk, lib.ErrorI) {
	prefix := SubtreePrefix(path)
	if m, ok := c.merks[string(prefix)]; ok {
		return m, nil
	}
	m, err := merk.Open(c.g.store.NewContext(prefix), kind, c.g.log).UnwrapAddCost(acc)
	if err != nil {
		return nil, err
	}
	c.merks[string(prefix)] = m
	return m, nil
}

// elementAt() reads and deserializes the element at (path, key); nil when absent
func (c *merkCache) elementAt(acc *costs.Cost, path [][]byte, key []byte) (*element.Element, lib.ErrorI) {
	m, err := c.merkAt(acc, path)
	if err != nil {
		return nil, err
	}
	raw, err := m.Get(key).UnwrapAddCost(acc)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return element.Deserialize(raw)
}

// followReference() resolves a reference to its terminal non-reference
// target, bounded by the element's hop limit. Every intermediate target must
// exist; a dangling link is corruption, not absence.
func (c *merkCache) followReference(acc *costs.Cost, path [][]byte, key []byte,
	elem *element.Element) (tPath [][]byte, tKey []byte, target *element.Element, err lib.ErrorI) {
	hops := uint8(element.DefaultMaxReferenceHops)
	if elem.MaxHops != nil {
		hops = *elem.MaxHops
	}
	bound := hops
	for {
		if elem.Ref == nil {
			return nil, nil, nil, lib.ErrCorruptedData("reference element carries no path")
		}
		abs, e := elem.Ref.Absolute(path, key)
		if e != nil {
			return nil, nil, nil, e
		}
		if len(abs) == 0 {
			return nil, nil, nil, lib.ErrInvalidInput("reference resolves to an empty path")
		}
		tPath, tKey = abs[:len(abs)-1], abs[len(abs)-1]
		if target, e = c.elementAt(acc, tPath, tKey); e != nil {
			return nil, nil, nil, e
		}
		if target == nil {
			return nil, nil, nil, lib.ErrCorruptedReferencePathKeyNotFound(
				fmt.Sprintf("reference target %x is missing", tKey))
		}
		if target.Type != element.TypeReference {
			return tPath, tKey, target, nil
		}
		if hops == 0 {
			return nil, nil, nil, ErrMaxReferenceHops(bound)
		}
		hops--
		path, key, elem = tPath, tKey, target
	}
}
