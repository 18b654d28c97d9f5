package commitment

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

/*
	A frontier is the minimal state needed to keep appending to an
	incremental Merkle tree: the most recently appended leaf, its position,
	and the roots of the completed subtrees to its left (the ommers, ordered
	lowest level first). The frontier of an n-leaf tree is O(log n) and is
	what gets persisted between appends; the full leaf data lives in the
	shard store.
*/

// Frontier is the append cursor of a depth-32 incremental Merkle tree
type Frontier struct {
	hasher   Hasher
	empty    *emptyRoots
	nonEmpty bool
	position uint64
	leaf     crypto.Hash
	ommers   []crypto.Hash
}

// NewFrontier() creates the frontier of an empty tree
func NewFrontier(h Hasher) *Frontier {
	return &Frontier{hasher: h, empty: newEmptyRoots(h)}
}

// Size() returns the number of leaves appended so far
func (f *Frontier) Size() uint64 {
	if !f.nonEmpty {
		return 0
	}
	return f.position + 1
}

// Position() returns the position of the last appended leaf, false when empty
func (f *Frontier) Position() (uint64, bool) {
	return f.position, f.nonEmpty
}

// Append() adds a leaf, charging 32 sinsemilla calls for the leaf-to-root
// path plus one per ommer merge (trailing ones of the prior position)
func (f *Frontier) Append(acc *costs.Cost, leaf crypto.Hash) lib.ErrorI {
	if f.Size() >= MaxLeaves {
		return ErrTreeFull()
	}
	ommerMerges := uint32(0)
	if f.nonEmpty {
		ommerMerges = uint32(bits.TrailingZeros64(^f.position))
	}
	if acc != nil {
		acc.SinsemillaHashCalls += 32 + ommerMerges
	}
	if !f.nonEmpty {
		f.nonEmpty, f.position, f.leaf = true, 0, leaf
		return nil
	}
	prior := f.leaf
	f.leaf = leaf
	f.position++
	if f.position&1 == 1 {
		// new leaf is a right child; the prior leaf waits as a level-0 ommer
		f.ommers = append([]crypto.Hash{prior}, f.ommers...)
		return nil
	}
	// the prior leaf completed a subtree: carry it up through the ommers
	carry, level := prior, uint8(0)
	priorPos := f.position - 1
	for (priorPos>>level)&1 == 1 {
		carry = f.hasher.Combine(level, f.ommers[0], carry)
		f.ommers = f.ommers[1:]
		level++
	}
	f.ommers = append([]crypto.Hash{carry}, f.ommers...)
	return nil
}

// Root() computes the depth-32 root over the appended leaves, padding the
// unpopulated positions with empty subtrees. Hash charges for the root path
// are taken at Append time.
func (f *Frontier) Root() crypto.Hash {
	if !f.nonEmpty {
		return f.empty.roots[TreeDepth]
	}
	cur, ommerIdx := f.leaf, 0
	for level := uint8(0); level < TreeDepth; level++ {
		if (f.position>>level)&1 == 1 {
			cur = f.hasher.Combine(level, f.ommers[ommerIdx], cur)
			ommerIdx++
		} else {
			cur = f.hasher.Combine(level, cur, f.empty.roots[level])
		}
	}
	return cur
}

// Serialize() encodes the frontier:
//
//	has_frontier u8 (0x00 empty, 0x01 non-empty)
//	position u64 BE || leaf 32 || ommer_count u8 || ommers (32 each)
func (f *Frontier) Serialize() []byte {
	if !f.nonEmpty {
		return []byte{0x00}
	}
	buf := make([]byte, 0, 1+8+crypto.HashLength+1+len(f.ommers)*crypto.HashLength)
	buf = append(buf, 0x01)
	buf = binary.BigEndian.AppendUint64(buf, f.position)
	buf = append(buf, f.leaf[:]...)
	buf = append(buf, byte(len(f.ommers)))
	for _, ommer := range f.ommers {
		buf = append(buf, ommer[:]...)
	}
	return buf
}

// DeserializeFrontier() decodes a serialized frontier, validating that the
// ommer count matches the population count of the position
func DeserializeFrontier(h Hasher, data []byte) (*Frontier, lib.ErrorI) {
	f := NewFrontier(h)
	if len(data) == 0 {
		return nil, ErrInvalidData("empty frontier data")
	}
	switch data[0] {
	case 0x00:
		if len(data) != 1 {
			return nil, ErrInvalidData("trailing bytes after empty frontier")
		}
		return f, nil
	case 0x01:
	default:
		return nil, ErrInvalidData(fmt.Sprintf("invalid frontier flag 0x%02x", data[0]))
	}
	rest := data[1:]
	if len(rest) < 8+crypto.HashLength+1 {
		return nil, ErrInvalidData("truncated frontier data")
	}
	position := binary.BigEndian.Uint64(rest[:8])
	if position >= MaxLeaves {
		return nil, ErrInvalidData(fmt.Sprintf("frontier position %d exceeds tree capacity", position))
	}
	var leaf crypto.Hash
	copy(leaf[:], rest[8:8+crypto.HashLength])
	ommerCount := int(rest[8+crypto.HashLength])
	rest = rest[8+crypto.HashLength+1:]
	if len(rest) != ommerCount*crypto.HashLength {
		return nil, ErrInvalidData("truncated ommers")
	}
	if ommerCount != bits.OnesCount64(position) {
		return nil, ErrInvalidData(fmt.Sprintf("frontier has %d ommers, position %d requires %d",
			ommerCount, position, bits.OnesCount64(position)))
	}
	ommers := make([]crypto.Hash, ommerCount)
	for i := range ommers {
		copy(ommers[i][:], rest[i*crypto.HashLength:])
	}
	f.nonEmpty, f.position, f.leaf, f.ommers = true, position, leaf, ommers
	return f, nil
}
