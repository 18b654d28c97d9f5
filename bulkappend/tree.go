package bulkappend

/*
	A bulk-append tree is a two-level authenticated append-only structure:

	  - incoming values fill a dense fixed-size buffer of capacity 2^height - 1
	  - the append that completes an epoch (2^height values) serializes the
	    buffered values plus the incoming one into an immutable epoch blob and
	    pushes it as a single leaf onto the epoch MMR, then clears the buffer

	Completed epoch blobs never change again, which makes them cacheable and
	cheap to sync. The composite root binds both levels:

	  state_root = blake3("bulk_state" || mmr_root || buffer_root)

	where buffer_root is the dense tree root of the current buffer (zero when
	empty) and mmr_root is zero while no epoch has completed.
*/

import (
	"encoding/binary"
	"fmt"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/dense"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
	"github.com/grovekv/grovekv/mmr"
)

// stateRootLabel domain-separates the composite root
var stateRootLabel = []byte("bulk_state")

// metaSize is the serialized metadata length: mmrSize u64 BE + buffer root
const metaSize = 40

// BulkAppendTree is the in-memory state of a bulk-append tree. Values live in
// the store; totalCount and height are authenticated by the parent element,
// mmrSize and bufferRoot by the persisted metadata.
type BulkAppendTree struct {
	totalCount uint64
	height     uint8
	mmrSize    uint64
	bufferRoot crypto.Hash
}

// AppendResult is the outcome of a successful append
type AppendResult struct {
	// StateRoot is the new composite root after this append
	StateRoot crypto.Hash
	// GlobalPosition is the 0-based position of the appended value
	GlobalPosition uint64
	// Compacted reports whether this append completed an epoch
	Compacted bool
}

// NewBulkAppendTree() creates an empty tree; height bounds follow the dense buffer
func NewBulkAppendTree(height uint8) (*BulkAppendTree, lib.ErrorI) {
	if height < dense.MinHeight || height > dense.MaxHeight {
		return nil, ErrInvalidInput(fmt.Sprintf("bulk append height %d out of range [%d, %d]",
			height, dense.MinHeight, dense.MaxHeight))
	}
	return &BulkAppendTree{height: height}, nil
}

// FromState() reconstitutes a tree from element scalars plus persisted metadata
func FromState(totalCount uint64, height uint8, mmrSize uint64, bufferRoot crypto.Hash) (*BulkAppendTree, lib.ErrorI) {
	t, err := NewBulkAppendTree(height)
	if err != nil {
		return nil, err
	}
	t.totalCount = totalCount
	t.mmrSize = mmrSize
	t.bufferRoot = bufferRoot
	return t, nil
}

// LoadFromStore() restores a tree from the store's metadata; totalCount and
// height come from the authenticated parent element
func LoadFromStore(store Store, totalCount uint64, height uint8) costs.Result[*BulkAppendTree] {
	var acc costs.Cost
	meta, err := store.Get(&acc, MetaKey)
	if err != nil {
		return costs.ErrWithCost[*BulkAppendTree](err, acc)
	}
	if meta == nil {
		if totalCount > 0 {
			return costs.ErrWithCost[*BulkAppendTree](ErrCorruptedData(fmt.Sprintf(
				"total count is %d but bulk append metadata is missing", totalCount)), acc)
		}
		t, err := NewBulkAppendTree(height)
		if err != nil {
			return costs.ErrWithCost[*BulkAppendTree](err, acc)
		}
		return costs.WrapWithCost(t, acc)
	}
	mmrSize, bufferRoot, err := DeserializeMeta(meta)
	if err != nil {
		return costs.ErrWithCost[*BulkAppendTree](err, acc)
	}
	t, err := FromState(totalCount, height, mmrSize, bufferRoot)
	if err != nil {
		return costs.ErrWithCost[*BulkAppendTree](err, acc)
	}
	return costs.WrapWithCost(t, acc)
}

// TotalCount() is the number of values ever appended
func (t *BulkAppendTree) TotalCount() uint64 { return t.totalCount }

// Height() is the dense buffer height; the epoch size is 2^height
func (t *BulkAppendTree) Height() uint8 { return t.height }

// MMRSize() is the size of the epoch MMR
func (t *BulkAppendTree) MMRSize() uint64 { return t.mmrSize }

// BufferRoot() is the dense root of the current buffer; zero when empty
func (t *BulkAppendTree) BufferRoot() crypto.Hash { return t.bufferRoot }

// EpochSize() is the number of values per completed epoch
func (t *BulkAppendTree) EpochSize() uint64 { return 1 << t.height }

// EpochCount() is the number of completed epochs
func (t *BulkAppendTree) EpochCount() uint64 { return t.totalCount / t.EpochSize() }

// BufferCount() is the number of values in the current buffer
func (t *BulkAppendTree) BufferCount() uint16 { return uint16(t.totalCount % t.EpochSize()) }

// SerializeMeta() encodes the store-persisted state: mmrSize + buffer root
func (t *BulkAppendTree) SerializeMeta() []byte {
	out := make([]byte, metaSize)
	binary.BigEndian.PutUint64(out[0:8], t.mmrSize)
	copy(out[8:], t.bufferRoot[:])
	return out
}

// DeserializeMeta() decodes persisted metadata
func DeserializeMeta(data []byte) (mmrSize uint64, bufferRoot crypto.Hash, err lib.ErrorI) {
	if len(data) != metaSize {
		return 0, crypto.NullHash, ErrCorruptedData(fmt.Sprintf(
			"bulk append metadata expected %d bytes, got %d", metaSize, len(data)))
	}
	mmrSize = binary.BigEndian.Uint64(data[0:8])
	copy(bufferRoot[:], data[8:])
	return mmrSize, bufferRoot, nil
}

// Append() appends a value, compacting the buffer into an epoch blob when the
// value completes an epoch, and persists the metadata
func (t *BulkAppendTree) Append(store Store, value []byte) costs.Result[AppendResult] {
	var acc costs.Cost
	bufCount := t.BufferCount()
	globalPosition := t.totalCount
	var mmrRoot crypto.Hash
	var compacted bool
	if uint64(bufCount) == t.EpochSize()-1 {
		// the incoming value completes the epoch; it never enters the buffer
		root, err := t.compact(&acc, store, bufCount, value)
		if err != nil {
			return costs.ErrWithCost[AppendResult](err, acc)
		}
		mmrRoot, compacted = root, true
	} else {
		buffer, err := dense.FromState(t.height, bufCount)
		if err != nil {
			return costs.ErrWithCost[AppendResult](err, acc)
		}
		inserted, err := buffer.Insert(bufferStore{store}, value).UnwrapAddCost(&acc)
		if err != nil {
			return costs.ErrWithCost[AppendResult](err, acc)
		}
		t.bufferRoot = inserted.RootHash
		if mmrRoot, err = t.readMMRRoot(&acc, store); err != nil {
			return costs.ErrWithCost[AppendResult](err, acc)
		}
	}
	t.totalCount++
	stateRoot := computeStateRoot(&acc, mmrRoot, t.bufferRoot)
	if err := store.Put(&acc, MetaKey, t.SerializeMeta()); err != nil {
		return costs.ErrWithCost[AppendResult](err, acc)
	}
	return costs.WrapWithCost(AppendResult{
		StateRoot:      stateRoot,
		GlobalPosition: globalPosition,
		Compacted:      compacted,
	}, acc)
}

// compact() serializes the buffered values plus the completing one into an
// epoch blob, pushes it onto the MMR, and clears the buffer. Returns the new
// MMR root.
func (t *BulkAppendTree) compact(acc *costs.Cost, store Store, bufCount uint16, value []byte) (crypto.Hash, lib.ErrorI) {
	buffer := bufferStore{store}
	entries := make([][]byte, 0, uint64(bufCount)+1)
	for i := uint16(0); i < bufCount; i++ {
		v, err := buffer.GetValue(acc, i)
		if err != nil {
			return crypto.NullHash, err
		}
		if v == nil {
			return crypto.NullHash, ErrCorruptedData(fmt.Sprintf("missing buffer entry %d", i))
		}
		entries = append(entries, v)
	}
	entries = append(entries, value)
	blob := SerializeEpochBlob(entries)
	// the MMR core does not price hashing; charge the leaf hash and the
	// merges this push performs
	acc.HashNodeCalls += mmr.HashCountForPush(mmr.MMRSizeToLeafCount(t.mmrSize))
	m := mmr.NewMMR(t.mmrSize, mmrStore{store})
	if _, err := m.Push(mmr.LeafNode(blob, nil)).UnwrapAddCost(acc); err != nil {
		return crypto.NullHash, err
	}
	// read the root while the batch overlay still serves the pushed nodes
	rootNode, err := m.GetRoot().UnwrapAddCost(acc)
	if err != nil {
		return crypto.NullHash, err
	}
	if _, err = m.Commit().UnwrapAddCost(acc); err != nil {
		return crypto.NullHash, err
	}
	for i := uint16(0); i < bufCount; i++ {
		if err := store.Delete(acc, BufferKey(uint32(i))); err != nil {
			return crypto.NullHash, err
		}
	}
	t.mmrSize = m.MMRSize()
	t.bufferRoot = crypto.NullHash
	return rootNode.Hash(), nil
}

// StateRoot() computes the current composite root without modifying the tree
func (t *BulkAppendTree) StateRoot(store Store) costs.Result[crypto.Hash] {
	var acc costs.Cost
	mmrRoot, err := t.readMMRRoot(&acc, store)
	if err != nil {
		return costs.ErrWithCost[crypto.Hash](err, acc)
	}
	return costs.WrapWithCost(computeStateRoot(&acc, mmrRoot, t.bufferRoot), acc)
}

// GetValue() reads the value at a global position, from a completed epoch
// blob or the buffer; nil when the position was never appended
func (t *BulkAppendTree) GetValue(store Store, position uint64) costs.Result[[]byte] {
	var acc costs.Cost
	if position >= t.totalCount {
		return costs.WrapWithCost[[]byte](nil, acc)
	}
	boundary := t.EpochCount() * t.EpochSize()
	if position >= boundary {
		buffer, err := dense.FromState(t.height, t.BufferCount())
		if err != nil {
			return costs.ErrWithCost[[]byte](err, acc)
		}
		return buffer.Get(bufferStore{store}, uint16(position-boundary)).AddCost(acc)
	}
	epochIndex := position / t.EpochSize()
	entries, err := t.readEpochEntries(&acc, store, epochIndex)
	if err != nil {
		return costs.ErrWithCost[[]byte](err, acc)
	}
	offset := position % t.EpochSize()
	if offset >= uint64(len(entries)) {
		return costs.ErrWithCost[[]byte](ErrCorruptedData(fmt.Sprintf(
			"epoch blob %d holds %d entries, position %d needs offset %d",
			epochIndex, len(entries), position, offset)), acc)
	}
	return costs.WrapWithCost(entries[offset], acc)
}

// GetEpochBlob() reads a completed epoch's raw blob; nil when the epoch has
// not completed yet
func (t *BulkAppendTree) GetEpochBlob(store Store, epochIndex uint64) costs.Result[[]byte] {
	var acc costs.Cost
	if epochIndex >= t.EpochCount() {
		return costs.WrapWithCost[[]byte](nil, acc)
	}
	node, err := mmrStore{store}.ElementAt(&acc, mmr.LeafIndexToPos(epochIndex))
	if err != nil {
		return costs.ErrWithCost[[]byte](err, acc)
	}
	if node == nil || !node.IsLeaf() {
		return costs.ErrWithCost[[]byte](ErrCorruptedData(fmt.Sprintf(
			"missing mmr leaf for epoch %d", epochIndex)), acc)
	}
	return costs.WrapWithCost(node.Value(), acc)
}

func (t *BulkAppendTree) readEpochEntries(acc *costs.Cost, store Store, epochIndex uint64) ([][]byte, lib.ErrorI) {
	blob, err := t.GetEpochBlob(store, epochIndex).UnwrapAddCost(acc)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, ErrCorruptedData(fmt.Sprintf("missing epoch blob %d", epochIndex))
	}
	return DeserializeEpochBlob(blob)
}

// readMMRRoot() is the epoch MMR root, zero while no epoch has completed
func (t *BulkAppendTree) readMMRRoot(acc *costs.Cost, store Store) (crypto.Hash, lib.ErrorI) {
	if t.mmrSize == 0 {
		return crypto.NullHash, nil
	}
	node, err := mmr.NewMMR(t.mmrSize, mmrStore{store}).GetRoot().UnwrapAddCost(acc)
	if err != nil {
		return crypto.NullHash, err
	}
	return node.Hash(), nil
}

// computeStateRoot() binds the two sub-tree roots under the state label
func computeStateRoot(acc *costs.Cost, mmrRoot, bufferRoot crypto.Hash) crypto.Hash {
	return crypto.LabeledHash(acc, stateRootLabel, mmrRoot[:], bufferRoot[:])
}
