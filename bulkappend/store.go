package bulkappend

import (
	"encoding/binary"
	"fmt"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/dense"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/mmr"
)

// MetaKey holds the serialized tree metadata in the aux keyspace
var MetaKey = []byte("M")

// BufferKey() is the aux key of a buffer slot: 'b' + position u32 BE
func BufferKey(position uint32) []byte {
	key := make([]byte, 5)
	key[0] = 'b'
	binary.BigEndian.PutUint32(key[1:], position)
	return key
}

// Store is the flat keyed byte store a bulk-append tree persists into. Buffer
// slots, MMR nodes and metadata share one keyspace under distinct prefixes.
// Get returns nil for an absent key.
type Store interface {
	Get(acc *costs.Cost, key []byte) ([]byte, lib.ErrorI)
	Put(acc *costs.Cost, key, value []byte) lib.ErrorI
	Delete(acc *costs.Cost, key []byte) lib.ErrorI
}

// bufferStore adapts a Store to the dense tree's positional interface
type bufferStore struct {
	store Store
}

func (b bufferStore) GetValue(acc *costs.Cost, position uint16) ([]byte, lib.ErrorI) {
	return b.store.Get(acc, BufferKey(uint32(position)))
}

func (b bufferStore) PutValue(acc *costs.Cost, position uint16, value []byte) lib.ErrorI {
	return b.store.Put(acc, BufferKey(uint32(position)), value)
}

// mmrStore adapts a Store to the MMR's positional node interface, keying
// nodes by their u64 BE position
type mmrStore struct {
	store Store
}

func (m mmrStore) ElementAt(acc *costs.Cost, pos uint64) (*mmr.Node, lib.ErrorI) {
	bytes, err := m.store.Get(acc, mmr.NodeKey(pos))
	if err != nil {
		return nil, err
	}
	if bytes == nil {
		return nil, nil
	}
	node, err := mmr.DeserializeNode(bytes)
	if err != nil {
		return nil, ErrCorruptedData(fmt.Sprintf("mmr node at position %d: %s", pos, err.Error()))
	}
	return node, nil
}

func (m mmrStore) Append(acc *costs.Cost, pos uint64, nodes []*mmr.Node) lib.ErrorI {
	for i, node := range nodes {
		if err := m.store.Put(acc, mmr.NodeKey(pos+uint64(i)), node.Serialize()); err != nil {
			return err
		}
	}
	return nil
}

// interface checks
var (
	_ dense.Store     = bufferStore{}
	_ mmr.StoreWriter = mmrStore{}
)

// MemStore is an in-memory Store for tests and staging, pricing reads like a
// disk-backed store
type MemStore struct {
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Get(acc *costs.Cost, key []byte) ([]byte, lib.ErrorI) {
	v, ok := s.data[string(key)]
	if !ok {
		return nil, nil
	}
	if acc != nil {
		acc.SeekCount++
		acc.StorageLoadedBytes += uint64(len(v))
	}
	return v, nil
}

func (s *MemStore) Put(acc *costs.Cost, key, value []byte) lib.ErrorI {
	if acc != nil {
		acc.SeekCount++
	}
	s.data[string(key)] = lib.CopyBytes(value)
	return nil
}

func (s *MemStore) Delete(acc *costs.Cost, key []byte) lib.ErrorI {
	if acc != nil {
		acc.SeekCount++
	}
	delete(s.data, string(key))
	return nil
}
