package lib

// VarintSpace() returns the number of bytes the unsigned LEB128 encoding of n occupies.
// Storage prices every length prefix at this size.
func VarintSpace(n uint64) uint32 {
	space := uint32(1)
	for n >= 0x80 {
		n >>= 7
		space++
	}
	return space
}

// PrefixEnd() returns the first key lexicographically after every key carrying the prefix
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	// the prefix is all 0xFF; there is no upper bound
	return nil
}

// CopyBytes() returns an owned copy of b; nil stays nil
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// JoinLenPrefix() concatenates segments, prefixing each with its one-byte length.
// Used to build collision-free path prefixes; segments must be under 256 bytes.
func JoinLenPrefix(segments ...[]byte) (res []byte) {
	for _, seg := range segments {
		if len(seg) > 255 {
			seg = seg[:255]
		}
		res = append(res, byte(len(seg)))
		res = append(res, seg...)
	}
	return
}
