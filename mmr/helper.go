package mmr

import (
	"encoding/binary"
	"math"
	"math/bits"
)

/*
	Position arithmetic over the post-order MMR layout. Positions number every
	node (leaves and internal) in insertion order; peaks are the roots of the
	perfect subtrees the leaf count decomposes into.
*/

// LeafIndexToPos() converts a 0-based leaf index to its MMR position
func LeafIndexToPos(index uint64) uint64 {
	return LeafIndexToMMRSize(index) - uint64(bits.TrailingZeros64(index+1)) - 1
}

// LeafIndexToMMRSize() is the node count of an MMR holding index+1 leaves:
// 2*leaves minus the peak count
func LeafIndexToMMRSize(index uint64) uint64 {
	leaves := index + 1
	return 2*leaves - uint64(bits.OnesCount64(leaves))
}

// PosHeightInTree() is the height of the subtree rooted at pos; leaves are height 0
func PosHeightInTree(pos uint64) uint8 {
	if pos == 0 {
		return 0
	}
	peakSize := uint64(math.MaxUint64) >> uint(bits.LeadingZeros64(pos))
	p := pos
	for peakSize > 0 {
		if p >= peakSize {
			p -= peakSize
		}
		peakSize >>= 1
	}
	return uint8(p)
}

// ParentOffset() is the distance from a left node to its parent at the given height
func ParentOffset(height uint8) uint64 { return 2 << uint(height) }

// SiblingOffset() is the distance between siblings at the given height
func SiblingOffset(height uint8) uint64 { return (2 << uint(height)) - 1 }

// GetPeakMap() is the peak-height bitmap of an MMR; its numeric value equals
// the leaf count
func GetPeakMap(mmrSize uint64) uint64 {
	if mmrSize == 0 {
		return 0
	}
	pos := mmrSize
	peakSize := uint64(math.MaxUint64) >> uint(bits.LeadingZeros64(pos))
	var peakMap uint64
	for peakSize > 0 {
		peakMap <<= 1
		if pos >= peakSize {
			pos -= peakSize
			peakMap |= 1
		}
		peakSize >>= 1
	}
	return peakMap
}

// GetPeaks() lists peak positions left to right
func GetPeaks(mmrSize uint64) []uint64 {
	if mmrSize == 0 {
		return nil
	}
	pos := mmrSize
	peakSize := uint64(math.MaxUint64) >> uint(bits.LeadingZeros64(pos))
	var peaks []uint64
	var peaksSum uint64
	for peakSize > 0 {
		if pos >= peakSize {
			pos -= peakSize
			peaks = append(peaks, peaksSum+peakSize-1)
			peaksSum += peakSize
		}
		peakSize >>= 1
	}
	return peaks
}

// MMRSizeToLeafCount() derives the leaf count from the node count
func MMRSizeToLeafCount(mmrSize uint64) uint64 { return GetPeakMap(mmrSize) }

// HashCountForPush() is the exact hash calls appending one leaf performs: the
// leaf hash plus one merge per trailing one in the current leaf count
func HashCountForPush(leafCount uint64) uint32 {
	return 1 + uint32(bits.TrailingZeros64(^leafCount))
}

// NodeKey() is the storage key for a node position: raw u64 big-endian.
// Prefixed storage contexts isolate every MMR, so no further prefix is needed.
func NodeKey(pos uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, pos)
	return key
}
