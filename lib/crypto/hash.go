package crypto

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/grovekv/grovekv/costs"
	"lukechampine.com/blake3"
)

const (
	// HashLength is the length of every digest in the engine
	HashLength = 32
	// HashBlockSize is the hasher's internal block size; the cost model
	// charges one hash call per block processed
	HashBlockSize = 64
)

// Hash is a 32-byte digest
type Hash = [HashLength]byte

// NullHash stands in for a missing child when hashing a node
var NullHash = Hash{}

/*
	Every hash that ends up in a committed root is produced here so the cost
	model can count hash calls in exactly one place. Lengths are varint-prefixed
	before hashing so concatenation ambiguity cannot forge digests.
*/

// blockCount() is the number of 64-byte blocks the hasher processed for n input bytes
func blockCount(n int) uint32 {
	if n <= 0 {
		return 1
	}
	return uint32(1 + (n-1)/HashBlockSize)
}

// sum() hashes the concatenation of the parts, charging one call per block
func sum(acc *costs.Cost, parts ...[]byte) (out Hash) {
	h := blake3.New(HashLength, nil)
	n := 0
	for _, p := range parts {
		_, _ = h.Write(p)
		n += len(p)
	}
	copy(out[:], h.Sum(nil))
	if acc != nil {
		acc.HashNodeCalls += blockCount(n)
	}
	return
}

// varintLen() returns the unsigned varint encoding of n
func varintLen(n int) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	w := binary.PutUvarint(buf, uint64(n))
	return buf[:w]
}

// ValueHash() hashes a raw value: H(varint(len) || value)
func ValueHash(value []byte, acc *costs.Cost) Hash {
	return sum(acc, varintLen(len(value)), value)
}

// KVHash() hashes a key/value pair: H(varint(len(key)) || key || ValueHash(value))
func KVHash(key, value []byte, acc *costs.Cost) Hash {
	vh := ValueHash(value, acc)
	return KVDigestToKVHash(key, vh, acc)
}

// KVDigestToKVHash() computes the kv hash from a key and a pre-computed value hash
func KVDigestToKVHash(key []byte, valueHash Hash, acc *costs.Cost) Hash {
	return sum(acc, varintLen(len(key)), key, valueHash[:])
}

// NodeHash() commits a node: H(kvHash || leftHash || rightHash); missing
// children hash as 32 zero bytes
func NodeHash(kvHash, left, right Hash, acc *costs.Cost) Hash {
	return sum(acc, kvHash[:], left[:], right[:])
}

// NodeHashWithCount() commits a node in a provable-count tree, binding the
// subtree count into the digest
func NodeHashWithCount(kvHash, left, right Hash, count uint64, acc *costs.Cost) Hash {
	return sum(acc, kvHash[:], left[:], right[:], varintLen(int(count)))
}

// CombineHash() binds two digests together, used for reference and subtree value hashes
func CombineHash(a, b Hash, acc *costs.Cost) Hash {
	return sum(acc, a[:], b[:])
}

// TaggedHash() is a domain-separated digest: H(tag || parts...). The
// specialized tree engines tag leaf and internal inputs differently so a
// crafted value cannot collide with a merge.
func TaggedHash(acc *costs.Cost, tag byte, parts ...[]byte) Hash {
	all := make([][]byte, 0, len(parts)+1)
	all = append(all, []byte{tag})
	return sum(acc, append(all, parts...)...)
}

// LabeledHash() is a domain-separated digest with a multi-byte label:
// H(label || parts...). Composite state roots bind their sub-tree roots
// under a label naming the composition.
func LabeledHash(acc *costs.Cost, label []byte, parts ...[]byte) Hash {
	all := make([][]byte, 0, len(parts)+1)
	all = append(all, label)
	return sum(acc, append(all, parts...)...)
}

// RawHash() is the untagged digest of a byte string, charged per block
func RawHash(value []byte, acc *costs.Cost) Hash {
	return sum(acc, value)
}

// HashBytes() is a plain uncosted digest, used for storage prefixes and test fixtures
func HashBytes(b []byte) Hash {
	return blake3.Sum256(b)
}

// HashString() returns the hex form of a digest
func HashString(h Hash) string { return hex.EncodeToString(h[:]) }
