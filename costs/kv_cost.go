package costs

import (
	"github.com/grovekv/grovekv/lib"
)

// TreeCostType is the fixed byte budget a tree variant's feature occupies in
// the stored value, independent of the varint width actually written
type TreeCostType byte

const (
	// TreeFeatureUsesVarIntCostAs8Bytes prices a single varint feature (a sum) at 8 bytes
	TreeFeatureUsesVarIntCostAs8Bytes TreeCostType = iota
	// TreeFeatureUsesTwoVarIntsCostAs16Bytes prices a (count, sum) feature pair at 16 bytes
	TreeFeatureUsesTwoVarIntsCostAs16Bytes
	// TreeFeatureUses16Bytes prices a fixed-width big sum at 16 bytes
	TreeFeatureUses16Bytes
)

// ExtraBytes() is the fixed feature budget each tree cost type adds to the value side
func (t TreeCostType) ExtraBytes() uint32 {
	switch t {
	case TreeFeatureUsesVarIntCostAs8Bytes:
		return 8
	case TreeFeatureUsesTwoVarIntsCostAs16Bytes, TreeFeatureUses16Bytes:
		return 16
	}
	return 0
}

// ChildrenSizes carries the extra byte budgets a tree node's value stores
// beyond the raw value: the feature and the left/right child keys
type ChildrenSizes struct {
	HasTreeCost bool
	TreeCost    TreeCostType
	LeftKeyLen  uint32 // 0 when there is no left child
	RightKeyLen uint32 // 0 when there is no right child
}

// extraValueBytes() sums the feature and child key budgets for the value side
func (c *ChildrenSizes) extraValueBytes() (extra uint32) {
	if c == nil {
		return 0
	}
	if c.HasTreeCost {
		extra += c.TreeCost.ExtraBytes()
	}
	if c.LeftKeyLen > 0 {
		extra += PaidSize(c.LeftKeyLen)
	}
	if c.RightKeyLen > 0 {
		extra += PaidSize(c.RightKeyLen)
	}
	return extra
}

// KeyValueStorageCost is the caller-supplied (or engine-computed) split of a
// node write into its key side and value side
type KeyValueStorageCost struct {
	KeyStorageCost   StorageCost
	ValueStorageCost StorageCost
	NewNode          bool
	// NeedsValueVerification asks the engine to recompute the value side and
	// fail on mismatch rather than trust the supplied numbers
	NeedsValueVerification bool
}

// Add() accumulates another key/value cost; flags survive only when both sides carry them
func (k *KeyValueStorageCost) Add(other KeyValueStorageCost) {
	k.KeyStorageCost.Add(other.KeyStorageCost)
	k.ValueStorageCost.Add(other.ValueStorageCost)
	k.NewNode = k.NewNode && other.NewNode
	k.NeedsValueVerification = k.NeedsValueVerification && other.NeedsValueVerification
}

// CombinedRemovedBytes() merges the key and value removal ledgers
func (k KeyValueStorageCost) CombinedRemovedBytes() Removal {
	r := k.KeyStorageCost.RemovedBytes.clone()
	r.Add(k.ValueStorageCost.RemovedBytes)
	return r
}

// PaidSize() is the priced size of a field: its bytes plus the varint length prefix
func PaidSize(n uint32) uint32 {
	return n + lib.VarintSpace(uint64(n))
}

// rootKeyPrefixBytes is the fixed overhead of the root key entry:
// 32 byte subtree prefix + 1 byte 'r' + 1 byte of required space
const rootKeyPrefixBytes = 34

// ForUpdatedRootCost() prices the write of a merk's root key entry. A nil
// oldLen means the root key is new and all bytes are added; otherwise the
// overlap with the old entry is replaced and the excess is added or removed.
func ForUpdatedRootCost(oldLen *uint32, newLen uint32) KeyValueStorageCost {
	if oldLen == nil {
		return KeyValueStorageCost{
			KeyStorageCost:   StorageCost{AddedBytes: rootKeyPrefixBytes},
			ValueStorageCost: StorageCost{AddedBytes: PaidSize(newLen)},
			NewNode:          true,
		}
	}
	keyCost := StorageCost{ReplacedBytes: rootKeyPrefixBytes}
	newBytes, oldBytes := PaidSize(newLen), PaidSize(*oldLen)
	var valueCost StorageCost
	switch {
	case newLen < *oldLen:
		valueCost = StorageCost{
			ReplacedBytes: newBytes,
			RemovedBytes:  BasicStorageRemoval(oldBytes - newBytes),
		}
	case newLen == *oldLen:
		valueCost = StorageCost{ReplacedBytes: newBytes}
	default:
		valueCost = StorageCost{
			AddedBytes:    newBytes - oldBytes,
			ReplacedBytes: oldBytes,
		}
	}
	return KeyValueStorageCost{KeyStorageCost: keyCost, ValueStorageCost: valueCost}
}

// ForRemovedRootCost() prices the deletion of a merk's root key entry
func ForRemovedRootCost(oldLen uint32) KeyValueStorageCost {
	return KeyValueStorageCost{
		KeyStorageCost:   StorageCost{RemovedBytes: BasicStorageRemoval(rootKeyPrefixBytes)},
		ValueStorageCost: StorageCost{RemovedBytes: BasicStorageRemoval(PaidSize(oldLen))},
	}
}

// ForUpdatedNodeCost() prices an engine-computed node write. A nil oldLen
// means the node is new and its full paid key and value sizes are added;
// otherwise the key bytes were already paid for and the value overlap is
// replaced, with the excess added or removed.
func ForUpdatedNodeCost(oldLen *uint32, keyLen, newLen uint32) KeyValueStorageCost {
	if oldLen == nil {
		return KeyValueStorageCost{
			KeyStorageCost:   StorageCost{AddedBytes: PaidSize(keyLen)},
			ValueStorageCost: StorageCost{AddedBytes: PaidSize(newLen)},
			NewNode:          true,
		}
	}
	keyCost := StorageCost{ReplacedBytes: PaidSize(keyLen)}
	newBytes, oldBytes := PaidSize(newLen), PaidSize(*oldLen)
	var valueCost StorageCost
	switch {
	case newLen < *oldLen:
		valueCost = StorageCost{
			ReplacedBytes: newBytes,
			RemovedBytes:  BasicStorageRemoval(oldBytes - newBytes),
		}
	case newLen == *oldLen:
		valueCost = StorageCost{ReplacedBytes: newBytes}
	default:
		valueCost = StorageCost{
			AddedBytes:    newBytes - oldBytes,
			ReplacedBytes: oldBytes,
		}
	}
	return KeyValueStorageCost{KeyStorageCost: keyCost, ValueStorageCost: valueCost}
}

// ForRemovedNodeCost() prices a node deletion: the paid key and value sizes
// are removed in full
func ForRemovedNodeCost(keyLen, oldLen uint32) KeyValueStorageCost {
	return KeyValueStorageCost{
		KeyStorageCost:   StorageCost{RemovedBytes: BasicStorageRemoval(PaidSize(keyLen))},
		ValueStorageCost: StorageCost{RemovedBytes: BasicStorageRemoval(PaidSize(oldLen))},
	}
}

// AddKeyValueStorageCosts() charges a node write into the accumulator. Without
// caller info the full paid key and value sizes are added bytes. With info,
// new-node key costs are verified exactly, and when NeedsValueVerification is
// set the value side must match the recomputation from valueLen and the
// children byte budgets.
func AddKeyValueStorageCosts(acc *Cost, keyLen, valueLen uint32, children *ChildrenSizes, info *KeyValueStorageCost) lib.ErrorI {
	if info == nil {
		acc.Storage.AddedBytes += PaidSize(keyLen) + PaidSize(valueLen) + children.extraValueBytes()
		return nil
	}
	// for new nodes the key side must equal the paid key size exactly;
	// updates skip key verification because the key bytes were already paid for
	if info.NewNode {
		expected := PaidSize(keyLen)
		actual := info.KeyStorageCost.AddedBytes
		if expected != actual {
			return lib.ErrStorageCostMismatch(expected, actual+info.KeyStorageCost.ReplacedBytes)
		}
	}
	if info.NeedsValueVerification {
		expected := PaidSize(valueLen) + children.extraValueBytes()
		actual := info.ValueStorageCost.AddedBytes + info.ValueStorageCost.ReplacedBytes
		if expected != actual {
			return lib.ErrStorageCostMismatch(expected, actual)
		}
	}
	acc.Storage.Add(info.KeyStorageCost)
	acc.Storage.Add(info.ValueStorageCost)
	return nil
}
