package mmr

/*
	A merkle mountain range: an append-only forest of perfect binary trees
	("peaks") over a flat position space. Appending a leaf merges completed
	subtrees immediately, so the structure is a function of the leaf sequence
	alone. The root bags the peaks right to left.

	Mutations are buffered in a Batch; call Commit to flush them to the store.
*/

import (
	"sort"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
)

// MMR is a merkle mountain range backed by a pluggable store
type MMR struct {
	mmrSize uint64
	batch   *Batch
}

// NewMMR() opens an MMR at the given size over a store; size 0 is a fresh MMR
func NewMMR(mmrSize uint64, store StoreReader) *MMR {
	return &MMR{mmrSize: mmrSize, batch: NewBatch(store)}
}

// MMRSize() is the total node count, leaves and internal
func (m *MMR) MMRSize() uint64 { return m.mmrSize }

// LeafCount() is the number of leaves appended so far
func (m *MMR) LeafCount() uint64 { return MMRSizeToLeafCount(m.mmrSize) }

// IsEmpty() reports whether the MMR holds no nodes
func (m *MMR) IsEmpty() bool { return m.mmrSize == 0 }

// Batch() exposes the in-flight overlay for direct reads
func (m *MMR) Batch() *Batch { return m.batch }

// findElement() resolves a position against the nodes created by the current
// push first, then the batch overlay and store
func (m *MMR) findElement(acc *costs.Cost, pos uint64, pending []*Node) (*Node, lib.ErrorI) {
	if pos >= m.mmrSize {
		if i := pos - m.mmrSize; i < uint64(len(pending)) {
			return pending[i], nil
		}
	}
	n, err := m.batch.ElementAt(acc, pos)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, ErrInconsistentStore()
	}
	return n, nil
}

// PushLeaf() appends a value as a standard leaf and returns its position
func (m *MMR) PushLeaf(value []byte) costs.Result[uint64] {
	return m.Push(LeafNode(value, nil))
}

// Push() appends a leaf node and returns its position. Completed subtrees are
// merged on the spot; the new nodes stay buffered until Commit.
func (m *MMR) Push(leaf *Node) costs.Result[uint64] {
	var acc costs.Cost
	elems := []*Node{leaf}
	elemPos := m.mmrSize
	peakMap := GetPeakMap(m.mmrSize)
	pos := m.mmrSize
	peak := uint64(1)
	for peakMap&peak != 0 {
		peak <<= 1
		pos++
		left, err := m.findElement(&acc, pos-peak, elems)
		if err != nil {
			return costs.ErrWithCost[uint64](err, acc)
		}
		elems = append(elems, Merge(left, elems[len(elems)-1], nil))
	}
	m.batch.Append(elemPos, elems)
	m.mmrSize = pos + 1
	return costs.WrapWithCost(elemPos, acc)
}

// GetRoot() bags all peaks right to left into the single root node
func (m *MMR) GetRoot() costs.Result[*Node] {
	var acc costs.Cost
	if m.mmrSize == 0 {
		return costs.ErrWithCost[*Node](ErrInvalidInput("cannot take the root of an empty mmr"), acc)
	}
	if m.mmrSize == 1 {
		n, err := m.findElement(&acc, 0, nil)
		if err != nil {
			return costs.ErrWithCost[*Node](err, acc)
		}
		return costs.WrapWithCost(n, acc)
	}
	peakPositions := GetPeaks(m.mmrSize)
	peaks := make([]*Node, 0, len(peakPositions))
	for _, p := range peakPositions {
		n, err := m.findElement(&acc, p, nil)
		if err != nil {
			return costs.ErrWithCost[*Node](err, acc)
		}
		peaks = append(peaks, n)
	}
	root := bagPeaks(peaks)
	if root == nil {
		return costs.ErrWithCost[*Node](ErrInconsistentStore(), acc)
	}
	return costs.WrapWithCost(root, acc)
}

// Commit() flushes buffered nodes to the underlying store
func (m *MMR) Commit() costs.Result[struct{}] {
	var acc costs.Cost
	if err := m.batch.Commit(&acc); err != nil {
		return costs.ErrWithCost[struct{}](err, acc)
	}
	return costs.WrapWithCost(struct{}{}, acc)
}

// GenProof() generates a merkle inclusion proof for the given leaf positions.
// Positions are sorted and deduplicated; internal positions are rejected.
func (m *MMR) GenProof(posList []uint64) costs.Result[*MerkleProof] {
	var acc costs.Cost
	if len(posList) == 0 {
		return costs.ErrWithCost[*MerkleProof](ErrInvalidInput("cannot generate an mmr proof for no positions"), acc)
	}
	if m.mmrSize == 1 && len(posList) == 1 && posList[0] == 0 {
		return costs.WrapWithCost(NewMerkleProof(m.mmrSize, nil), acc)
	}
	for _, pos := range posList {
		if PosHeightInTree(pos) > 0 {
			return costs.ErrWithCost[*MerkleProof](ErrInvalidInput("mmr proofs cover leaf positions only"), acc)
		}
	}
	positions := sortedUniquePositions(posList)
	var proof []*Node
	// a run of position-free peaks on the right edge gets bagged into one item
	baggingTrack := 0
	for _, peakPos := range GetPeaks(m.mmrSize) {
		peakPositions := takeWhilePositions(&positions, peakPos)
		if len(peakPositions) == 0 {
			baggingTrack++
		} else {
			baggingTrack = 0
		}
		if err := m.genProofForPeak(&acc, &proof, peakPositions, peakPos); err != nil {
			return costs.ErrWithCost[*MerkleProof](err, acc)
		}
	}
	if len(positions) != 0 {
		return costs.ErrWithCost[*MerkleProof](ErrInvalidInput("mmr proof position out of range"), acc)
	}
	if baggingTrack > 1 {
		rhs := proof[len(proof)-baggingTrack:]
		proof = proof[:len(proof)-baggingTrack]
		bagged := bagPeaks(rhs)
		if bagged == nil {
			return costs.ErrWithCost[*MerkleProof](ErrInconsistentStore(), acc)
		}
		proof = append(proof, bagged)
	}
	return costs.WrapWithCost(NewMerkleProof(m.mmrSize, proof), acc)
}

// genProofForPeak() emits the proof items for one peak subtree; positions must
// be sorted and bounded by peakPos
func (m *MMR) genProofForPeak(acc *costs.Cost, proof *[]*Node, positions []uint64, peakPos uint64) lib.ErrorI {
	// the position being the peak itself needs no items
	if len(positions) == 1 && positions[0] == peakPos {
		return nil
	}
	// a peak with no positions contributes its root as one proof item
	if len(positions) == 0 {
		n, err := m.findElement(acc, peakPos, nil)
		if err != nil {
			return err
		}
		*proof = append(*proof, n)
		return nil
	}
	type queued struct {
		pos    uint64
		height uint8
	}
	queue := make([]queued, 0, len(positions))
	for _, pos := range positions {
		queue = append(queue, queued{pos: pos})
	}
	for len(queue) > 0 {
		q := queue[0]
		queue = queue[1:]
		if q.pos == peakPos {
			if len(queue) == 0 {
				break
			}
			return ErrInvalidInput("mmr proofs cover leaf positions only")
		}
		var sibPos, parentPos uint64
		if PosHeightInTree(q.pos+1) > q.height {
			// pos is a right child
			sibPos, parentPos = q.pos-SiblingOffset(q.height), q.pos+1
		} else {
			sibPos, parentPos = q.pos+SiblingOffset(q.height), q.pos+ParentOffset(q.height)
		}
		if len(queue) > 0 && queue[0].pos == sibPos {
			// the sibling is also being proven, its hash is recomputed by the verifier
			queue = queue[1:]
		} else {
			n, err := m.findElement(acc, sibPos, nil)
			if err != nil {
				return err
			}
			*proof = append(*proof, n)
		}
		if parentPos < peakPos {
			queue = append(queue, queued{pos: parentPos, height: q.height + 1})
		}
	}
	return nil
}

// bagPeaks() folds peaks right to left: merge(right, left) until one remains
func bagPeaks(peaks []*Node) *Node {
	if len(peaks) == 0 {
		return nil
	}
	stack := append([]*Node(nil), peaks...)
	for len(stack) > 1 {
		right := stack[len(stack)-1]
		left := stack[len(stack)-2]
		stack = stack[:len(stack)-2]
		stack = append(stack, Merge(right, left, nil))
	}
	return stack[0]
}

// sortedUniquePositions() copies, sorts and deduplicates a position list
func sortedUniquePositions(posList []uint64) []uint64 {
	out := append([]uint64(nil), posList...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	w := 0
	for i, pos := range out {
		if i == 0 || pos != out[w-1] {
			out[w] = pos
			w++
		}
	}
	return out[:w]
}

// takeWhilePositions() drains the leading positions bounded by peakPos
func takeWhilePositions(positions *[]uint64, peakPos uint64) []uint64 {
	i := 0
	for i < len(*positions) && (*positions)[i] <= peakPos {
		i++
	}
	taken := (*positions)[:i]
	*positions = (*positions)[i:]
	return taken
}
