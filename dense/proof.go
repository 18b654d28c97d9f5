package dense

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

const (
	// maxProofElements bounds each proof field so a crafted proof cannot
	// force an expensive ancestor-set computation
	maxProofElements = 100_000
	// maxProofDecodeBytes caps decoded proof payloads
	maxProofDecodeBytes = 100 * 1024 * 1024
)

// ProofEntry is one proven (position, value) pair
type ProofEntry struct {
	Position uint16
	Value    []byte
}

// PositionHash pairs a position with a 32-byte digest
type PositionHash struct {
	Position uint16
	Hash     crypto.Hash
}

// DenseTreeProof proves that specific positions hold specific values under a
// dense tree root. Because internal nodes bind their own value digest, the
// auth path carries ancestor value hashes in addition to sibling subtree
// hashes.
type DenseTreeProof struct {
	Height uint8
	Count  uint16
	// Entries are the proved (position, value) pairs
	Entries []ProofEntry
	// NodeValueHashes are value digests of unproved ancestors on the auth path
	NodeValueHashes []PositionHash
	// NodeHashes are subtree hashes of siblings outside the expanded set
	NodeHashes []PositionHash
}

// HeightAndCount() exposes the proof's claimed state for cross-validation
// against the authenticated element
func (p *DenseTreeProof) HeightAndCount() (uint8, uint16) {
	return p.Height, p.Count
}

// GenerateProof() builds a proof for the given positions, deduplicating them.
// Every position must be filled.
func GenerateProof(store Store, height uint8, count uint16, positions []uint16) costs.Result[*DenseTreeProof] {
	var acc costs.Cost
	if err := validateHeight(height); err != nil {
		return costs.ErrWithCost[*DenseTreeProof](err, acc)
	}
	capacity := capacityFor(height)
	for _, pos := range positions {
		if pos >= count {
			return costs.ErrWithCost[*DenseTreeProof](ErrInvalidProof(fmt.Sprintf("dense proof position %d out of range (count %d)", pos, count)), acc)
		}
	}
	proved := make(map[uint16]struct{}, len(positions))
	for _, pos := range positions {
		proved[pos] = struct{}{}
	}
	// the expanded set is every proved position plus its ancestors up to the root
	expanded := make(map[uint16]struct{}, len(proved)*int(height))
	for pos := range proved {
		expanded[pos] = struct{}{}
		for p := pos; p > 0; {
			p = (p - 1) / 2
			expanded[p] = struct{}{}
		}
	}
	ordered := make([]uint16, 0, len(expanded))
	for pos := range expanded {
		ordered = append(ordered, pos)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	tree, err := FromState(height, count)
	if err != nil {
		return costs.ErrWithCost[*DenseTreeProof](err, acc)
	}
	proof := &DenseTreeProof{Height: height, Count: count}
	for _, pos := range ordered {
		value, e := store.GetValue(&acc, pos)
		if e != nil {
			return costs.ErrWithCost[*DenseTreeProof](e, acc)
		}
		if value == nil {
			return costs.ErrWithCost[*DenseTreeProof](ErrCorruptedData(fmt.Sprintf("dense tree value missing at filled position %d", pos)), acc)
		}
		if _, ok := proved[pos]; ok {
			proof.Entries = append(proof.Entries, ProofEntry{Position: pos, Value: value})
		} else {
			// unproved ancestors only need their value digest
			proof.NodeValueHashes = append(proof.NodeValueHashes, PositionHash{Position: pos, Hash: crypto.RawHash(value, &acc)})
		}
		// children outside the expanded set contribute their subtree hash
		for _, child := range []uint32{2*uint32(pos) + 1, 2*uint32(pos) + 2} {
			if child >= uint32(capacity) {
				continue
			}
			if _, ok := expanded[uint16(child)]; ok {
				continue
			}
			h, e := tree.HashPosition(&acc, store, uint16(child))
			if e != nil {
				return costs.ErrWithCost[*DenseTreeProof](e, acc)
			}
			proof.NodeHashes = append(proof.NodeHashes, PositionHash{Position: uint16(child), Hash: h})
		}
	}
	return costs.WrapWithCost(proof, acc)
}

// GenerateRangeProof() proves the contiguous positions [start, end)
func GenerateRangeProof(store Store, height uint8, count uint16, start, end uint16) costs.Result[*DenseTreeProof] {
	positions := make([]uint16, 0, int(end)-int(start))
	for pos := start; pos < end; pos++ {
		positions = append(positions, pos)
	}
	return GenerateProof(store, height, count, positions)
}

// Verify() recomputes the root from the proof and compares it to the
// expected root, returning the proved entries. Pure function, no storage.
func (p *DenseTreeProof) Verify(expectedRoot crypto.Hash) ([]ProofEntry, lib.ErrorI) {
	root, entries, err := p.VerifyAndGetRoot()
	if err != nil {
		return nil, err
	}
	if root != expectedRoot {
		return nil, ErrInvalidProof("dense proof root hash mismatch")
	}
	return entries, nil
}

// VerifyAndGetRoot() recomputes the root from the proof material, returning
// it with the proved entries; composite roots verify the returned hash
func (p *DenseTreeProof) VerifyAndGetRoot() (crypto.Hash, []ProofEntry, lib.ErrorI) {
	if err := p.validateShape(); err != nil {
		return crypto.NullHash, nil, err
	}
	capacity := capacityFor(p.Height)
	entryMap := make(map[uint16][]byte, len(p.Entries))
	for _, e := range p.Entries {
		entryMap[e.Position] = e.Value
	}
	valueHashMap := make(map[uint16]crypto.Hash, len(p.NodeValueHashes))
	for _, nv := range p.NodeValueHashes {
		valueHashMap[nv.Position] = nv.Hash
	}
	hashMap := make(map[uint16]crypto.Hash, len(p.NodeHashes))
	for _, nh := range p.NodeHashes {
		hashMap[nh.Position] = nh.Hash
	}
	root, err := p.recomputeHash(0, capacity, entryMap, valueHashMap, hashMap)
	if err != nil {
		return crypto.NullHash, nil, err
	}
	out := make([]ProofEntry, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e.Position < p.Count && e.Position < capacity {
			out = append(out, e)
		}
	}
	return root, out, nil
}

// validateShape() rejects malformed proofs before any hashing: bad height or
// count, oversized fields, duplicate or overlapping positions, and sibling
// hashes planted on a proved entry's auth path
func (p *DenseTreeProof) validateShape() lib.ErrorI {
	if p.Height < MinHeight || p.Height > MaxHeight {
		return ErrInvalidProof(fmt.Sprintf("dense proof height %d out of range [%d, %d]", p.Height, MinHeight, MaxHeight))
	}
	capacity := capacityFor(p.Height)
	if p.Count > capacity {
		return ErrInvalidProof(fmt.Sprintf("dense proof count %d exceeds capacity %d", p.Count, capacity))
	}
	if len(p.Entries) > maxProofElements || len(p.NodeValueHashes) > maxProofElements || len(p.NodeHashes) > maxProofElements {
		return ErrInvalidProof(fmt.Sprintf("dense proof field exceeds %d elements", maxProofElements))
	}
	entryPositions := make(map[uint16]struct{}, len(p.Entries))
	for _, e := range p.Entries {
		if _, dup := entryPositions[e.Position]; dup {
			return ErrInvalidProof(fmt.Sprintf("duplicate dense proof entry at position %d", e.Position))
		}
		entryPositions[e.Position] = struct{}{}
	}
	valuePositions := make(map[uint16]struct{}, len(p.NodeValueHashes))
	for _, nv := range p.NodeValueHashes {
		if _, dup := valuePositions[nv.Position]; dup {
			return ErrInvalidProof(fmt.Sprintf("duplicate dense proof value hash at position %d", nv.Position))
		}
		if _, clash := entryPositions[nv.Position]; clash {
			return ErrInvalidProof(fmt.Sprintf("dense proof position %d appears as both entry and value hash", nv.Position))
		}
		valuePositions[nv.Position] = struct{}{}
	}
	// the expanded set must be recomputed by the verifier, never trusted
	ancestors := make(map[uint16]struct{}, len(entryPositions)*int(p.Height))
	for pos := range entryPositions {
		ancestors[pos] = struct{}{}
		for q := pos; q > 0; {
			q = (q - 1) / 2
			ancestors[q] = struct{}{}
		}
	}
	hashPositions := make(map[uint16]struct{}, len(p.NodeHashes))
	for _, nh := range p.NodeHashes {
		if _, dup := hashPositions[nh.Position]; dup {
			return ErrInvalidProof(fmt.Sprintf("duplicate dense proof hash at position %d", nh.Position))
		}
		if _, clash := entryPositions[nh.Position]; clash {
			return ErrInvalidProof(fmt.Sprintf("dense proof position %d appears as both entry and hash", nh.Position))
		}
		if _, clash := valuePositions[nh.Position]; clash {
			return ErrInvalidProof(fmt.Sprintf("dense proof position %d appears as both value hash and hash", nh.Position))
		}
		// a precomputed hash on the auth path would bypass entry verification
		if _, onPath := ancestors[nh.Position]; onPath {
			return ErrInvalidProof(fmt.Sprintf("dense proof hash at position %d sits on a proved entry's auth path", nh.Position))
		}
		hashPositions[nh.Position] = struct{}{}
	}
	return nil
}

// recomputeHash() rebuilds the hash at a position from proof material
func (p *DenseTreeProof) recomputeHash(position, capacity uint16, entryMap map[uint16][]byte, valueHashMap, hashMap map[uint16]crypto.Hash) (crypto.Hash, lib.ErrorI) {
	if position >= capacity || position >= p.Count {
		return crypto.NullHash, nil
	}
	if h, ok := hashMap[position]; ok {
		return h, nil
	}
	if isLeafPosition(position, capacity) {
		// leaf hashing needs the raw value; a bare value digest cannot stand in
		value, ok := entryMap[position]
		if !ok {
			return crypto.NullHash, ErrInvalidProof(fmt.Sprintf("incomplete dense proof: no value for leaf position %d", position))
		}
		return crypto.TaggedHash(nil, leafTag, value), nil
	}
	var valueHash crypto.Hash
	if value, ok := entryMap[position]; ok {
		valueHash = crypto.RawHash(value, nil)
	} else if h, ok := valueHashMap[position]; ok {
		valueHash = h
	} else {
		return crypto.NullHash, ErrInvalidProof(fmt.Sprintf("incomplete dense proof: no value or hash for position %d", position))
	}
	left, err := p.recomputeHash(2*position+1, capacity, entryMap, valueHashMap, hashMap)
	if err != nil {
		return crypto.NullHash, err
	}
	right, err := p.recomputeHash(2*position+2, capacity, entryMap, valueHashMap, hashMap)
	if err != nil {
		return crypto.NullHash, err
	}
	return crypto.TaggedHash(nil, internalTag, valueHash[:], left[:], right[:]), nil
}

// Encode() serializes the proof: fixed header bytes, uvarint counts and
// lengths, fixed 32-byte hashes
func (p *DenseTreeProof) Encode() []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(p.Height)
	writeDenseUvarint(buf, uint64(p.Count))
	writeDenseUvarint(buf, uint64(len(p.Entries)))
	for _, e := range p.Entries {
		writeDenseUvarint(buf, uint64(e.Position))
		writeDenseUvarint(buf, uint64(len(e.Value)))
		buf.Write(e.Value)
	}
	for _, field := range [][]PositionHash{p.NodeValueHashes, p.NodeHashes} {
		writeDenseUvarint(buf, uint64(len(field)))
		for _, ph := range field {
			writeDenseUvarint(buf, uint64(ph.Position))
			buf.Write(ph.Hash[:])
		}
	}
	return buf.Bytes()
}

// DecodeDenseTreeProof() deserializes a proof, enforcing the size ceiling and
// validating the claimed height and count
func DecodeDenseTreeProof(data []byte) (*DenseTreeProof, lib.ErrorI) {
	if len(data) > maxProofDecodeBytes {
		return nil, ErrCorruptedData("serialized dense proof exceeds the size ceiling")
	}
	r := bytes.NewReader(data)
	height, err := r.ReadByte()
	if err != nil {
		return nil, ErrCorruptedData("serialized dense proof truncated")
	}
	p := &DenseTreeProof{Height: height}
	count, e := readDenseUvarint(r)
	if e != nil {
		return nil, e
	}
	if count > uint64(^uint16(0)) {
		return nil, ErrCorruptedData("dense proof count out of range")
	}
	p.Count = uint16(count)
	entryCount, e := readDenseUvarint(r)
	if e != nil {
		return nil, e
	}
	if entryCount > uint64(r.Len()) {
		return nil, ErrCorruptedData("dense proof entry count exceeds payload")
	}
	p.Entries = make([]ProofEntry, 0, entryCount)
	for i := uint64(0); i < entryCount; i++ {
		pos, e := readDensePosition(r)
		if e != nil {
			return nil, e
		}
		n, e := readDenseUvarint(r)
		if e != nil {
			return nil, e
		}
		if n > uint64(r.Len()) {
			return nil, ErrCorruptedData("dense proof value exceeds payload")
		}
		value := make([]byte, n)
		if n > 0 {
			if _, readErr := r.Read(value); readErr != nil {
				return nil, ErrCorruptedData("serialized dense proof truncated")
			}
		}
		p.Entries = append(p.Entries, ProofEntry{Position: pos, Value: value})
	}
	for _, field := range []*[]PositionHash{&p.NodeValueHashes, &p.NodeHashes} {
		n, e := readDenseUvarint(r)
		if e != nil {
			return nil, e
		}
		if n > uint64(r.Len())/(crypto.HashLength+1) {
			return nil, ErrCorruptedData("dense proof hash count exceeds payload")
		}
		*field = make([]PositionHash, 0, n)
		for i := uint64(0); i < n; i++ {
			pos, e := readDensePosition(r)
			if e != nil {
				return nil, e
			}
			var h crypto.Hash
			if read, readErr := r.Read(h[:]); readErr != nil || read != crypto.HashLength {
				return nil, ErrCorruptedData("serialized dense proof truncated")
			}
			*field = append(*field, PositionHash{Position: pos, Hash: h})
		}
	}
	if r.Len() != 0 {
		return nil, ErrCorruptedData("trailing bytes after serialized dense proof")
	}
	if err := validateHeight(p.Height); err != nil {
		return nil, ErrInvalidProof(err.Error())
	}
	if capacity := capacityFor(p.Height); p.Count > capacity {
		return nil, ErrInvalidProof(fmt.Sprintf("dense proof count %d exceeds capacity %d", p.Count, capacity))
	}
	return p, nil
}

func writeDenseUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutUvarint(tmp[:], v)])
}

func readDenseUvarint(r *bytes.Reader) (uint64, lib.ErrorI) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, ErrCorruptedData("serialized dense proof varint unreadable")
	}
	return v, nil
}

func readDensePosition(r *bytes.Reader) (uint16, lib.ErrorI) {
	v, err := readDenseUvarint(r)
	if err != nil {
		return 0, err
	}
	if v > uint64(^uint16(0)) {
		return 0, ErrCorruptedData("dense proof position out of range")
	}
	return uint16(v), nil
}
