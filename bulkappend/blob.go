package bulkappend

/*
	Epoch blob wire format. A completed epoch's entries are serialized into a
	single immutable blob that becomes one MMR leaf. Two layouts:

	  fixed    (flag 0x01): [count u32 BE][entrySize u32 BE][entries...]
	  variable (flag 0x00): per entry [len u32 BE][entry]

	Serialization picks fixed when every entry shares one length, which is the
	common case for hash-sized commitments. An empty entry slice serializes to
	an empty blob with no flag byte.
*/

import (
	"encoding/binary"
	"fmt"

	"github.com/grovekv/grovekv/lib"
)

const (
	formatVariable = 0x00
	formatFixed    = 0x01

	// maxEpochEntries caps decoded entry counts; epochs hold at most 2^16
	// entries so anything near this ceiling is a crafted header
	maxEpochEntries = 1 << 20
)

// SerializeEpochBlob() encodes entries into an immutable epoch blob
func SerializeEpochBlob(entries [][]byte) []byte {
	if len(entries) == 0 {
		return nil
	}
	fixed := true
	for _, e := range entries {
		if len(e) != len(entries[0]) {
			fixed = false
			break
		}
	}
	if fixed {
		blob := make([]byte, 0, 9+len(entries)*len(entries[0]))
		blob = append(blob, formatFixed)
		blob = binary.BigEndian.AppendUint32(blob, uint32(len(entries)))
		blob = binary.BigEndian.AppendUint32(blob, uint32(len(entries[0])))
		for _, e := range entries {
			blob = append(blob, e...)
		}
		return blob
	}
	size := 1
	for _, e := range entries {
		size += 4 + len(e)
	}
	blob := make([]byte, 0, size)
	blob = append(blob, formatVariable)
	for _, e := range entries {
		blob = binary.BigEndian.AppendUint32(blob, uint32(len(e)))
		blob = append(blob, e...)
	}
	return blob
}

// DeserializeEpochBlob() decodes an epoch blob back into its entries
func DeserializeEpochBlob(blob []byte) ([][]byte, lib.ErrorI) {
	if len(blob) == 0 {
		return nil, nil
	}
	switch blob[0] {
	case formatFixed:
		return deserializeFixed(blob[1:])
	case formatVariable:
		return deserializeVariable(blob[1:])
	}
	return nil, ErrCorruptedData(fmt.Sprintf("unknown epoch blob format flag 0x%02x", blob[0]))
}

func deserializeFixed(data []byte) ([][]byte, lib.ErrorI) {
	if len(data) < 8 {
		return nil, ErrCorruptedData("fixed epoch blob truncated at header")
	}
	count := uint64(binary.BigEndian.Uint32(data[0:4]))
	entrySize := uint64(binary.BigEndian.Uint32(data[4:8]))
	payload := data[8:]
	if count > maxEpochEntries {
		return nil, ErrCorruptedData(fmt.Sprintf("fixed epoch blob count %d exceeds maximum %d", count, maxEpochEntries))
	}
	// count and entrySize are both 32-bit so the product cannot wrap a uint64
	if expected := count * entrySize; uint64(len(payload)) != expected {
		return nil, ErrCorruptedData(fmt.Sprintf(
			"fixed epoch blob payload is %d bytes, expected %d (count=%d, entrySize=%d)",
			len(payload), expected, count, entrySize))
	}
	entries := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		entries = append(entries, lib.CopyBytes(payload[i*entrySize:(i+1)*entrySize]))
	}
	return entries, nil
}

func deserializeVariable(data []byte) ([][]byte, lib.ErrorI) {
	var entries [][]byte
	for offset := 0; offset < len(data); {
		if offset+4 > len(data) {
			return nil, ErrCorruptedData("epoch blob truncated at length prefix")
		}
		n := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		offset += 4
		if offset+n > len(data) || n < 0 {
			return nil, ErrCorruptedData("epoch blob truncated at entry data")
		}
		if len(entries) >= maxEpochEntries {
			return nil, ErrCorruptedData(fmt.Sprintf("epoch blob entry count exceeds maximum %d", maxEpochEntries))
		}
		entries = append(entries, lib.CopyBytes(data[offset:offset+n]))
		offset += n
	}
	return entries, nil
}
