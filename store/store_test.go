package store

import (
	"fmt"
	"testing"

	"github.com/grovekv/grovekv/bulkappend"
	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/merk"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(lib.Config{InMemory: true}, lib.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestContextKeyspacesAreDisjoint(t *testing.T) {
	s := testStore(t)
	ctx := s.NewContext([]byte("tree-1"))
	key := []byte("k")

	require.NoError(t, ctx.Put(nil, key, []byte("data"), nil))
	require.NoError(t, ctx.Aux().Put(nil, key, []byte("aux")))
	require.NoError(t, ctx.PutMeta(nil, key, []byte("meta")))
	require.NoError(t, ctx.PutRoot(nil, []byte("root-node-key"), nil))

	v, err := ctx.Get(nil, key)
	require.NoError(t, err)
	require.Equal(t, []byte("data"), v)
	v, err = ctx.Aux().Get(nil, key)
	require.NoError(t, err)
	require.Equal(t, []byte("aux"), v)
	v, err = ctx.GetMeta(nil, key)
	require.NoError(t, err)
	require.Equal(t, []byte("meta"), v)
	v, err = ctx.GetRoot(nil)
	require.NoError(t, err)
	require.Equal(t, []byte("root-node-key"), v)

	// deleting in one keyspace leaves the others alone
	require.NoError(t, ctx.Delete(nil, key, nil))
	v, err = ctx.Get(nil, key)
	require.NoError(t, err)
	require.Nil(t, v)
	v, err = ctx.Aux().Get(nil, key)
	require.NoError(t, err)
	require.Equal(t, []byte("aux"), v)
}

func TestContextsAreIsolatedByPrefix(t *testing.T) {
	s := testStore(t)
	a, b := s.NewContext([]byte("aaaa")), s.NewContext([]byte("bbbb"))
	require.NoError(t, a.Put(nil, []byte("k"), []byte("va"), nil))
	require.NoError(t, b.Put(nil, []byte("k"), []byte("vb"), nil))

	v, err := a.Get(nil, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("va"), v)
	v, err = b.Get(nil, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("vb"), v)

	it, err := a.Iterator(nil)
	require.NoError(t, err)
	defer it.Close()
	count := 0
	for ; it.Valid(); it.Next() {
		require.Equal(t, []byte("k"), it.Key())
		require.Equal(t, []byte("va"), it.Value())
		count++
	}
	require.Equal(t, 1, count)
}

func TestOverlayVisibilityAndDiscard(t *testing.T) {
	s := testStore(t)
	ctx := s.NewContext([]byte("t"))

	require.NoError(t, ctx.Put(nil, []byte("committed"), []byte("v1"), nil))
	require.NoError(t, s.Commit())
	require.Zero(t, s.PendingWrites())

	// uncommitted writes read back through the same store
	require.NoError(t, ctx.Put(nil, []byte("committed"), []byte("v2"), nil))
	require.NoError(t, ctx.Put(nil, []byte("pending"), []byte("p"), nil))
	v, err := ctx.Get(nil, []byte("committed"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)

	// discard reverts to the committed state
	s.Discard()
	v, err = ctx.Get(nil, []byte("committed"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
	v, err = ctx.Get(nil, []byte("pending"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestCommitPersistsAcrossReopen(t *testing.T) {
	config := lib.Config{DataDirPath: t.TempDir(), DBName: "db"}
	s, err := New(config, lib.NewNullLogger())
	require.NoError(t, err)
	ctx := s.NewContext([]byte("t"))
	require.NoError(t, ctx.Put(nil, []byte("k"), []byte("v"), nil))
	require.NoError(t, ctx.Aux().Put(nil, []byte("m"), []byte("meta")))
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	s, err = New(config, lib.NewNullLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx = s.NewContext([]byte("t"))
	v, gErr := ctx.Get(nil, []byte("k"))
	require.NoError(t, gErr)
	require.Equal(t, []byte("v"), v)
	v, gErr = ctx.Aux().Get(nil, []byte("m"))
	require.NoError(t, gErr)
	require.Equal(t, []byte("meta"), v)
}

func TestGetPutCostCharging(t *testing.T) {
	s := testStore(t)
	ctx := s.NewContext([]byte("t"))

	// a miss is free
	var acc costs.Cost
	v, err := ctx.Get(&acc, []byte("absent"))
	require.NoError(t, err)
	require.Nil(t, v)
	require.True(t, acc.IsZero())

	// a put charges one seek
	require.NoError(t, ctx.Put(&acc, []byte("k"), []byte("0123456789"), nil))
	require.Equal(t, uint32(1), acc.SeekCount)
	require.Zero(t, acc.StorageLoadedBytes)

	// a hit charges a seek plus the loaded bytes
	acc = costs.Cost{}
	_, err = ctx.Get(&acc, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), acc.SeekCount)
	require.Equal(t, uint64(10), acc.StorageLoadedBytes)
}

func TestEmptyKeyRejected(t *testing.T) {
	s := testStore(t)
	ctx := s.NewContext([]byte("t"))
	err := ctx.Put(nil, nil, []byte("v"), nil)
	require.Error(t, err)
	require.Equal(t, lib.CodeInvalidKey, err.Code())
	// the root entry is the one legal empty key
	require.NoError(t, ctx.PutRoot(nil, []byte("r"), nil))
}

func TestMergedIterator(t *testing.T) {
	s := testStore(t)
	ctx := s.NewContext([]byte("t"))
	for _, k := range []string{"a", "c", "e"} {
		require.NoError(t, ctx.Put(nil, []byte(k), []byte("old-"+k), nil))
	}
	require.NoError(t, s.Commit())
	// the overlay adds b, deletes c, and overwrites e
	require.NoError(t, ctx.Put(nil, []byte("b"), []byte("new-b"), nil))
	require.NoError(t, ctx.Delete(nil, []byte("c"), nil))
	require.NoError(t, ctx.Put(nil, []byte("e"), []byte("new-e"), nil))

	collect := func(it lib.IteratorI) (keys, values []string) {
		defer it.Close()
		for ; it.Valid(); it.Next() {
			keys = append(keys, string(it.Key()))
			values = append(values, string(it.Value()))
		}
		return
	}

	it, err := ctx.Iterator(nil)
	require.NoError(t, err)
	keys, values := collect(it)
	require.Equal(t, []string{"a", "b", "e"}, keys)
	require.Equal(t, []string{"old-a", "new-b", "new-e"}, values)

	rit, err := ctx.RevIterator(nil)
	require.NoError(t, err)
	keys, _ = collect(rit)
	require.Equal(t, []string{"e", "b", "a"}, keys)
}

func TestRawIterator(t *testing.T) {
	s := testStore(t)
	ctx := s.NewContext([]byte("t"))
	require.NoError(t, ctx.Put(nil, []byte("b"), []byte("vb"), nil))
	require.NoError(t, ctx.Put(nil, []byte("d"), []byte("vd"), nil))
	require.NoError(t, s.Commit())
	// half the keys live only in the overlay
	require.NoError(t, ctx.Put(nil, []byte("c"), []byte("vc"), nil))
	require.NoError(t, ctx.Put(nil, []byte("f"), []byte("vf"), nil))

	it := ctx.RawIterator()
	defer it.Close()
	require.False(t, it.Valid())

	var acc costs.Cost
	require.NoError(t, it.Seek(&acc, []byte("a")))
	require.Equal(t, uint32(1), acc.SeekCount)
	require.True(t, it.Valid())
	require.Equal(t, []byte("b"), it.Key())
	require.Equal(t, []byte("vb"), it.Value())

	require.NoError(t, it.Next(&acc))
	require.Equal(t, []byte("c"), it.Key())
	require.NoError(t, it.Next(&acc))
	require.Equal(t, []byte("d"), it.Key())

	// direction change re-seeks
	require.NoError(t, it.Prev(&acc))
	require.Equal(t, []byte("c"), it.Key())
	require.NoError(t, it.Prev(&acc))
	require.Equal(t, []byte("b"), it.Key())
	require.NoError(t, it.Prev(&acc))
	require.False(t, it.Valid())

	require.NoError(t, it.SeekForPrev(&acc, []byte("e")))
	require.True(t, it.Valid())
	require.Equal(t, []byte("d"), it.Key())
	require.NoError(t, it.Next(&acc))
	require.Equal(t, []byte("f"), it.Key())
	require.NoError(t, it.Next(&acc))
	require.False(t, it.Valid())

	// seeking at an existing key lands on it in both gears
	require.NoError(t, it.Seek(&acc, []byte("c")))
	require.Equal(t, []byte("c"), it.Key())
	require.NoError(t, it.SeekForPrev(&acc, []byte("c")))
	require.Equal(t, []byte("c"), it.Key())

	// past the last key forward, before the first key backward
	require.NoError(t, it.Seek(&acc, []byte("g")))
	require.False(t, it.Valid())
	require.NoError(t, it.SeekForPrev(&acc, []byte("a")))
	require.False(t, it.Valid())
}

func TestClearRemovesEveryKeyspace(t *testing.T) {
	s := testStore(t)
	ctx := s.NewContext([]byte("gone"))
	keep := s.NewContext([]byte("kept"))
	require.NoError(t, ctx.Put(nil, []byte("k"), []byte("v"), nil))
	require.NoError(t, ctx.Aux().Put(nil, []byte("k"), []byte("v")))
	require.NoError(t, ctx.PutMeta(nil, []byte("k"), []byte("v")))
	require.NoError(t, ctx.PutRoot(nil, []byte("r"), nil))
	require.NoError(t, keep.Put(nil, []byte("k"), []byte("v"), nil))
	require.NoError(t, s.Commit())

	var acc costs.Cost
	require.NoError(t, ctx.Clear(&acc))
	require.Equal(t, uint32(4), acc.SeekCount)

	v, err := ctx.Get(nil, []byte("k"))
	require.NoError(t, err)
	require.Nil(t, v)
	v, err = ctx.GetRoot(nil)
	require.NoError(t, err)
	require.Nil(t, v)
	v, err = keep.Get(nil, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestMerkOverBadgerContext(t *testing.T) {
	config := lib.Config{DataDirPath: t.TempDir(), DBName: "db"}
	s, err := New(config, lib.NewNullLogger())
	require.NoError(t, err)
	ctx := s.NewContext([]byte("subtree"))

	m, mErr := merk.Open(ctx, merk.BasicMerkNode, lib.NewNullLogger()).Unwrap()
	require.NoError(t, mErr)
	var batch []merk.BatchEntry
	for i := 0; i < 20; i++ {
		batch = append(batch, merk.BatchEntry{
			Key:     []byte(fmt.Sprintf("key-%02d", i)),
			Op:      merk.OpPut,
			Value:   []byte(fmt.Sprintf("value-%02d", i)),
			Feature: merk.BasicFeature(),
		})
	}
	rootHash, mErr := m.Apply(batch).Unwrap()
	require.NoError(t, mErr)
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	// a fresh store and merk see the committed tree
	s, err = New(config, lib.NewNullLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	reopened, mErr := merk.Open(s.NewContext([]byte("subtree")), merk.BasicMerkNode, lib.NewNullLogger()).Unwrap()
	require.NoError(t, mErr)
	require.Equal(t, rootHash, reopened.RootHash())
	v, mErr := reopened.Get([]byte("key-07")).Unwrap()
	require.NoError(t, mErr)
	require.Equal(t, []byte("value-07"), v)
}

func TestBulkAppendOverAuxContext(t *testing.T) {
	s := testStore(t)
	aux := s.NewContext([]byte("bulk")).Aux()
	tree, err := bulkappend.NewBulkAppendTree(2)
	require.NoError(t, err)
	var last bulkappend.AppendResult
	for i := 0; i < 5; i++ {
		last, err = tree.Append(aux, []byte(fmt.Sprintf("entry-%d", i))).Unwrap()
		require.NoError(t, err)
	}
	require.NoError(t, s.Commit())

	loaded, err := bulkappend.LoadFromStore(aux, tree.TotalCount(), 2).Unwrap()
	require.NoError(t, err)
	root, err := loaded.StateRoot(aux).Unwrap()
	require.NoError(t, err)
	require.Equal(t, last.StateRoot, root)
	v, err := loaded.GetValue(aux, 3).Unwrap()
	require.NoError(t, err)
	require.Equal(t, []byte("entry-3"), v)
}

// failingStorage fails every read and write, for poisoned-handle paths
type failingStorage struct{}

func (failingStorage) Get(*costs.Cost, []byte) ([]byte, lib.ErrorI) {
	return nil, ErrStoreGet(fmt.Errorf("injected"))
}
func (failingStorage) Put(*costs.Cost, []byte, []byte, *costs.KeyValueStorageCost) lib.ErrorI {
	return ErrStoreSet(fmt.Errorf("injected"))
}
func (failingStorage) Delete(*costs.Cost, []byte, *costs.KeyValueStorageCost) lib.ErrorI {
	return ErrStoreDelete(fmt.Errorf("injected"))
}
func (failingStorage) GetRoot(*costs.Cost) ([]byte, lib.ErrorI) {
	return nil, ErrStoreGet(fmt.Errorf("injected"))
}
func (failingStorage) PutRoot(*costs.Cost, []byte, *costs.KeyValueStorageCost) lib.ErrorI {
	return ErrStoreSet(fmt.Errorf("injected"))
}
func (failingStorage) DeleteRoot(*costs.Cost, *costs.KeyValueStorageCost) lib.ErrorI {
	return ErrStoreDelete(fmt.Errorf("injected"))
}

func TestFailingStorageSurfacesStorageErrors(t *testing.T) {
	_, err := merk.Open(failingStorage{}, merk.BasicMerkNode, lib.NewNullLogger()).Unwrap()
	require.Error(t, err)
	require.Equal(t, lib.StorageModule, err.Module())
	require.Equal(t, lib.CodeStoreGet, err.Code())
}
