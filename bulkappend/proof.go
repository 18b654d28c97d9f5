package bulkappend

/*
	Bulk-append proofs carry one sub-proof per level: an MMR proof over
	completed epoch blobs and a dense tree proof over the current buffer.
	Verification recomputes state_root = blake3("bulk_state" || mmr_root ||
	buffer_root) from the two sub-proofs; the parent Merk authenticates the
	expected state root along with the tree's height and total count, so the
	proof never carries those scalars itself.

	Query items address global u64 positions as big-endian bytes (1-8 bytes).
	When a query touches only one level, the other level is anchored by
	proving epoch 0 or buffer position 0 so the verifier can still recompute
	both roots.
*/

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/dense"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
	"github.com/grovekv/grovekv/mmr"
	"github.com/grovekv/grovekv/query"
)

// maxProofDecodeBytes caps decoded proof payloads
const maxProofDecodeBytes = 100 * 1024 * 1024

// BulkAppendTreeProof proves that queried positions hold specific values
// under a bulk-append state root
type BulkAppendTreeProof struct {
	// EpochProof covers the completed-epoch MMR; MmrSize 0 when no epoch exists
	EpochProof *mmr.MmrTreeProof
	// BufferProof covers the dense buffer; nil when the buffer is empty
	BufferProof *dense.DenseTreeProof
}

// EpochBlob is one verified epoch blob
type EpochBlob struct {
	Index uint64
	Blob  []byte
}

// PositionedValue is one queried value at its global position
type PositionedValue struct {
	Position uint64
	Value    []byte
}

// ProofResult is the verified content of a bulk-append proof
type ProofResult struct {
	EpochBlobs    []EpochBlob
	BufferEntries []dense.ProofEntry
	TotalCount    uint64
	Height        uint8
}

// bytesToGlobalPosition() decodes 1-8 big-endian bytes as a global position
func bytesToGlobalPosition(b []byte) (uint64, lib.ErrorI) {
	if len(b) == 0 || len(b) > 8 {
		return 0, ErrInvalidInput(fmt.Sprintf("position byte length must be 1-8, got %d", len(b)))
	}
	var buf [8]byte
	copy(buf[8-len(b):], b)
	var out uint64
	for _, c := range buf {
		out = out<<8 | uint64(c)
	}
	return out, nil
}

func satAddOne(v uint64) uint64 {
	if v == math.MaxUint64 {
		return v
	}
	return v + 1
}

// queryToRanges() resolves a query into sorted, merged, non-overlapping
// [start, end) ranges clamped to [0, totalCount)
func queryToRanges(q *query.Query, totalCount uint64) ([][2]uint64, lib.ErrorI) {
	if !q.DefaultSubqueryBranch.IsEmpty() || len(q.ConditionalSubqueryBranches) > 0 {
		return nil, ErrInvalidInput("subqueries are not supported for bulk append queries")
	}
	var ranges [][2]uint64
	for _, item := range q.Items {
		var start, end uint64
		switch item.Kind {
		case query.KindKey:
			pos, err := bytesToGlobalPosition(item.Start)
			if err != nil {
				return nil, err
			}
			if pos >= totalCount {
				continue
			}
			start, end = pos, pos+1
		case query.KindRangeFull:
			if totalCount == 0 {
				continue
			}
			start, end = 0, totalCount
		case query.KindRange, query.KindRangeInclusive, query.KindRangeAfterTo, query.KindRangeAfterToInclusive:
			s, err := bytesToGlobalPosition(item.Start)
			if err != nil {
				return nil, err
			}
			e, err := bytesToGlobalPosition(item.End)
			if err != nil {
				return nil, err
			}
			if item.Kind == query.KindRangeAfterTo || item.Kind == query.KindRangeAfterToInclusive {
				s = satAddOne(s)
			}
			if item.Kind == query.KindRangeInclusive || item.Kind == query.KindRangeAfterToInclusive {
				e = satAddOne(e)
			}
			if e > totalCount {
				e = totalCount
			}
			if s >= e {
				continue
			}
			start, end = s, e
		case query.KindRangeFrom, query.KindRangeAfter:
			s, err := bytesToGlobalPosition(item.Start)
			if err != nil {
				return nil, err
			}
			if item.Kind == query.KindRangeAfter {
				s = satAddOne(s)
			}
			if s >= totalCount {
				continue
			}
			start, end = s, totalCount
		case query.KindRangeTo, query.KindRangeToInclusive:
			e, err := bytesToGlobalPosition(item.End)
			if err != nil {
				return nil, err
			}
			if item.Kind == query.KindRangeToInclusive {
				e = satAddOne(e)
			}
			if e > totalCount {
				e = totalCount
			}
			if e == 0 {
				continue
			}
			start, end = 0, e
		default:
			return nil, ErrInvalidInput(fmt.Sprintf("unknown query item kind %d", item.Kind))
		}
		ranges = append(ranges, [2]uint64{start, end})
	}
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i][0] != ranges[j][0] {
			return ranges[i][0] < ranges[j][0]
		}
		return ranges[i][1] < ranges[j][1]
	})
	var merged [][2]uint64
	for _, r := range ranges {
		if len(merged) > 0 && r[0] <= merged[len(merged)-1][1] {
			if r[1] > merged[len(merged)-1][1] {
				merged[len(merged)-1][1] = r[1]
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged, nil
}

// inRanges() reports whether pos falls inside the sorted non-overlapping ranges
func inRanges(pos uint64, ranges [][2]uint64) bool {
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i][1] > pos })
	return i < len(ranges) && pos >= ranges[i][0]
}

// leafCountToMMRSize() is the MMR size holding exactly count leaves
func leafCountToMMRSize(count uint64) uint64 {
	if count == 0 {
		return 0
	}
	return mmr.LeafIndexToMMRSize(count - 1)
}

// GenerateTreeProof() builds a proof for the query's positions. totalCount
// and height describe the current tree state.
func GenerateTreeProof(store Store, totalCount uint64, height uint8, q *query.Query) costs.Result[*BulkAppendTreeProof] {
	var acc costs.Cost
	if height < dense.MinHeight || height > dense.MaxHeight {
		return costs.ErrWithCost[*BulkAppendTreeProof](ErrInvalidInput(fmt.Sprintf(
			"bulk append height %d out of range [%d, %d]", height, dense.MinHeight, dense.MaxHeight)), acc)
	}
	epochSize := uint64(1) << height
	completedEpochs := totalCount / epochSize
	denseCount := uint16(totalCount % epochSize)
	boundary := completedEpochs * epochSize
	ranges, err := queryToRanges(q, totalCount)
	if err != nil {
		return costs.ErrWithCost[*BulkAppendTreeProof](err, acc)
	}
	proof := &BulkAppendTreeProof{EpochProof: &mmr.MmrTreeProof{}}
	if completedEpochs > 0 {
		indexSet := make(map[uint64]struct{})
		for _, r := range ranges {
			if r[0] >= boundary {
				continue
			}
			last := (minU64(r[1], boundary) - 1) / epochSize
			for idx := r[0] / epochSize; idx <= last; idx++ {
				indexSet[idx] = struct{}{}
			}
		}
		if len(indexSet) == 0 {
			// anchor the mmr root even when the query only hits the buffer
			indexSet[0] = struct{}{}
		}
		indices := make([]uint64, 0, len(indexSet))
		for idx := range indexSet {
			indices = append(indices, idx)
		}
		sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
		getNode := func(pos uint64) (*mmr.Node, lib.ErrorI) {
			return mmrStore{store}.ElementAt(&acc, pos)
		}
		epochProof, err := mmr.GenerateProof(leafCountToMMRSize(completedEpochs), indices, getNode)
		if err != nil {
			return costs.ErrWithCost[*BulkAppendTreeProof](err, acc)
		}
		proof.EpochProof = epochProof
	}
	if denseCount > 0 {
		positionSet := make(map[uint16]struct{})
		for _, r := range ranges {
			s := maxU64(r[0], boundary)
			for pos := s; pos < r[1]; pos++ {
				positionSet[uint16(pos-boundary)] = struct{}{}
			}
		}
		if len(positionSet) == 0 {
			// anchor the buffer root even when the query only hits epochs
			positionSet[0] = struct{}{}
		}
		positions := make([]uint16, 0, len(positionSet))
		for pos := range positionSet {
			positions = append(positions, pos)
		}
		sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
		bufferProof, err := dense.GenerateProof(bufferStore{store}, height, denseCount, positions).UnwrapAddCost(&acc)
		if err != nil {
			return costs.ErrWithCost[*BulkAppendTreeProof](err, acc)
		}
		proof.BufferProof = bufferProof
	}
	return costs.WrapWithCost(proof, acc)
}

// Verify() checks the proof against the expected state root. height and
// totalCount come from the authenticated element, not from the proof.
func (p *BulkAppendTreeProof) Verify(expectedStateRoot crypto.Hash, height uint8, totalCount uint64) (*ProofResult, lib.ErrorI) {
	stateRoot, result, err := p.VerifyAndComputeRoot(height, totalCount)
	if err != nil {
		return nil, err
	}
	if stateRoot != expectedStateRoot {
		return nil, ErrInvalidProof("bulk append state root mismatch")
	}
	return result, nil
}

// VerifyAndComputeRoot() checks the proof's internal consistency and returns
// the state root it commits to. Pure function, no storage.
func (p *BulkAppendTreeProof) VerifyAndComputeRoot(height uint8, totalCount uint64) (crypto.Hash, *ProofResult, lib.ErrorI) {
	if height < dense.MinHeight || height > dense.MaxHeight {
		return crypto.NullHash, nil, ErrInvalidProof(fmt.Sprintf(
			"bulk append height %d out of range [%d, %d]", height, dense.MinHeight, dense.MaxHeight))
	}
	if p.EpochProof == nil {
		return crypto.NullHash, nil, ErrInvalidProof("bulk append proof is missing its epoch sub-proof")
	}
	epochSize := uint64(1) << height
	completedEpochs := totalCount / epochSize
	denseCount := uint16(totalCount % epochSize)
	if p.EpochProof.MmrSize != leafCountToMMRSize(completedEpochs) {
		return crypto.NullHash, nil, ErrInvalidProof(fmt.Sprintf(
			"epoch sub-proof mmr size %d does not match %d completed epochs",
			p.EpochProof.MmrSize, completedEpochs))
	}
	mmrRoot := crypto.NullHash
	var blobs []EpochBlob
	if p.EpochProof.MmrSize > 0 {
		root, leaves, err := p.EpochProof.VerifyAndGetRoot()
		if err != nil {
			return crypto.NullHash, nil, ErrInvalidProof(fmt.Sprintf("epoch sub-proof: %s", err.Error()))
		}
		mmrRoot = root
		blobs = make([]EpochBlob, 0, len(leaves))
		for _, l := range leaves {
			blobs = append(blobs, EpochBlob{Index: l.Index, Blob: l.Value})
		}
	}
	bufferRoot := crypto.NullHash
	var entries []dense.ProofEntry
	if denseCount > 0 {
		if p.BufferProof == nil {
			return crypto.NullHash, nil, ErrInvalidProof("bulk append proof is missing its buffer sub-proof")
		}
		proofHeight, proofCount := p.BufferProof.HeightAndCount()
		if proofHeight != height || proofCount != denseCount {
			return crypto.NullHash, nil, ErrInvalidProof(fmt.Sprintf(
				"buffer sub-proof claims height %d count %d, element authenticates height %d count %d",
				proofHeight, proofCount, height, denseCount))
		}
		root, proved, err := p.BufferProof.VerifyAndGetRoot()
		if err != nil {
			return crypto.NullHash, nil, ErrInvalidProof(fmt.Sprintf("buffer sub-proof: %s", err.Error()))
		}
		bufferRoot = root
		entries = proved
	} else if p.BufferProof != nil {
		return crypto.NullHash, nil, ErrInvalidProof("bulk append proof carries a buffer sub-proof for an empty buffer")
	}
	stateRoot := computeStateRoot(nil, mmrRoot, bufferRoot)
	return stateRoot, &ProofResult{
		EpochBlobs:    blobs,
		BufferEntries: entries,
		TotalCount:    totalCount,
		Height:        height,
	}, nil
}

// VerifyAgainstQuery() combines root verification with completeness checking
// and extracts the values the query selects, sorted by global position
func (p *BulkAppendTreeProof) VerifyAgainstQuery(expectedStateRoot crypto.Hash, height uint8, totalCount uint64, q *query.Query) ([]PositionedValue, lib.ErrorI) {
	ranges, err := queryToRanges(q, totalCount)
	if err != nil {
		return nil, err
	}
	if len(ranges) == 0 {
		return nil, nil
	}
	result, err := p.Verify(expectedStateRoot, height, totalCount)
	if err != nil {
		return nil, err
	}
	epochSize := uint64(1) << height
	boundary := (totalCount / epochSize) * epochSize
	// completeness: every epoch and buffer position the query needs must be proved
	provedEpochs := make(map[uint64]struct{}, len(result.EpochBlobs))
	for _, b := range result.EpochBlobs {
		provedEpochs[b.Index] = struct{}{}
	}
	for _, r := range ranges {
		if r[0] >= boundary {
			continue
		}
		last := (minU64(r[1], boundary) - 1) / epochSize
		for idx := r[0] / epochSize; idx <= last; idx++ {
			if _, ok := provedEpochs[idx]; !ok {
				return nil, ErrInvalidProof(fmt.Sprintf("proof is missing epoch %d required by the query", idx))
			}
		}
	}
	provedPositions := make(map[uint16]struct{}, len(result.BufferEntries))
	for _, e := range result.BufferEntries {
		provedPositions[e.Position] = struct{}{}
	}
	for _, r := range ranges {
		if r[1] <= boundary {
			continue
		}
		for pos := maxU64(r[0], boundary); pos < r[1]; pos++ {
			if _, ok := provedPositions[uint16(pos-boundary)]; !ok {
				return nil, ErrInvalidProof(fmt.Sprintf(
					"proof is missing buffer position %d (global %d) required by the query", pos-boundary, pos))
			}
		}
	}
	return result.extract(ranges, boundary, epochSize)
}

// ValuesInRange() extracts verified values in the global range [start, end)
func (r *ProofResult) ValuesInRange(start, end uint64) ([]PositionedValue, lib.ErrorI) {
	epochSize := uint64(1) << r.Height
	boundary := (r.TotalCount / epochSize) * epochSize
	if start >= end {
		return nil, nil
	}
	return r.extract([][2]uint64{{start, end}}, boundary, epochSize)
}

func (r *ProofResult) extract(ranges [][2]uint64, boundary, epochSize uint64) ([]PositionedValue, lib.ErrorI) {
	var values []PositionedValue
	for _, b := range r.EpochBlobs {
		entries, err := DeserializeEpochBlob(b.Blob)
		if err != nil {
			return nil, ErrCorruptedData(fmt.Sprintf("epoch blob %d: %s", b.Index, err.Error()))
		}
		epochStart := b.Index * epochSize
		for i, v := range entries {
			if pos := epochStart + uint64(i); inRanges(pos, ranges) {
				values = append(values, PositionedValue{Position: pos, Value: v})
			}
		}
	}
	for _, e := range r.BufferEntries {
		if pos := boundary + uint64(e.Position); inRanges(pos, ranges) {
			values = append(values, PositionedValue{Position: pos, Value: e.Value})
		}
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Position < values[j].Position })
	return values, nil
}

// Encode() serializes the proof: length-prefixed epoch sub-proof, presence
// flag plus length-prefixed buffer sub-proof
func (p *BulkAppendTreeProof) Encode() []byte {
	buf := &bytes.Buffer{}
	epoch := p.EpochProof.Encode()
	writeBulkUvarint(buf, uint64(len(epoch)))
	buf.Write(epoch)
	if p.BufferProof == nil {
		buf.WriteByte(0x00)
		return buf.Bytes()
	}
	buf.WriteByte(0x01)
	buffer := p.BufferProof.Encode()
	writeBulkUvarint(buf, uint64(len(buffer)))
	buf.Write(buffer)
	return buf.Bytes()
}

// DecodeBulkAppendTreeProof() deserializes a proof, enforcing the size ceiling
func DecodeBulkAppendTreeProof(data []byte) (*BulkAppendTreeProof, lib.ErrorI) {
	if len(data) > maxProofDecodeBytes {
		return nil, ErrCorruptedData("serialized bulk append proof exceeds the size ceiling")
	}
	r := bytes.NewReader(data)
	epochBytes, err := readBulkLengthPrefixed(r)
	if err != nil {
		return nil, err
	}
	epochProof, e := mmr.DecodeMmrTreeProof(epochBytes)
	if e != nil {
		return nil, ErrCorruptedData(fmt.Sprintf("epoch sub-proof: %s", e.Error()))
	}
	proof := &BulkAppendTreeProof{EpochProof: epochProof}
	flag, rerr := r.ReadByte()
	if rerr != nil {
		return nil, ErrCorruptedData("serialized bulk append proof truncated")
	}
	switch flag {
	case 0x00:
	case 0x01:
		bufferBytes, err := readBulkLengthPrefixed(r)
		if err != nil {
			return nil, err
		}
		bufferProof, e := dense.DecodeDenseTreeProof(bufferBytes)
		if e != nil {
			return nil, ErrCorruptedData(fmt.Sprintf("buffer sub-proof: %s", e.Error()))
		}
		proof.BufferProof = bufferProof
	default:
		return nil, ErrCorruptedData(fmt.Sprintf("unknown buffer sub-proof flag 0x%02x", flag))
	}
	if r.Len() != 0 {
		return nil, ErrCorruptedData("trailing bytes after serialized bulk append proof")
	}
	return proof, nil
}

func writeBulkUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutUvarint(tmp[:], v)])
}

func readBulkLengthPrefixed(r *bytes.Reader) ([]byte, lib.ErrorI) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, ErrCorruptedData("serialized bulk append proof varint unreadable")
	}
	if n > uint64(r.Len()) {
		return nil, ErrCorruptedData("bulk append sub-proof length exceeds payload")
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return nil, ErrCorruptedData("serialized bulk append proof truncated")
		}
	}
	return out, nil
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
