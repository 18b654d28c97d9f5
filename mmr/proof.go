package mmr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

// maxProofDecodeBytes caps decoded proof allocations so a crafted length
// header cannot exhaust memory
const maxProofDecodeBytes = 100 * 1024 * 1024

// ProofLeaf pairs an MMR position with the node being proven there
type ProofLeaf struct {
	Pos  uint64
	Node *Node
}

// MerkleProof is an MMR inclusion proof: the sibling and peak hashes needed
// to recompute the root from a set of leaf positions
type MerkleProof struct {
	mmrSize uint64
	proof   []*Node
}

// NewMerkleProof() constructs a proof from pre-computed items
func NewMerkleProof(mmrSize uint64, proof []*Node) *MerkleProof {
	return &MerkleProof{mmrSize: mmrSize, proof: proof}
}

// MMRSize() is the MMR size the proof was generated against
func (p *MerkleProof) MMRSize() uint64 { return p.mmrSize }

// ProofItems() are the raw sibling and peak nodes
func (p *MerkleProof) ProofItems() []*Node { return p.proof }

// CalculateRoot() recomputes the MMR root from the leaves and the proof items
func (p *MerkleProof) CalculateRoot(leaves []ProofLeaf) (*Node, lib.ErrorI) {
	iter := &proofIter{items: p.proof}
	peaks, err := calculatePeaksHashes(leaves, p.mmrSize, iter)
	if err != nil {
		return nil, err
	}
	root := bagPeaks(peaks)
	if root == nil {
		return nil, ErrInvalidProof("mmr proof produced no peaks to bag")
	}
	return root, nil
}

// Verify() reports whether the leaves and proof items replay to the root
func (p *MerkleProof) Verify(root *Node, leaves []ProofLeaf) (bool, lib.ErrorI) {
	calculated, err := p.CalculateRoot(leaves)
	if err != nil {
		return false, err
	}
	return calculated.Hash() == root.Hash(), nil
}

type proofIter struct {
	items []*Node
	i     int
}

func (it *proofIter) next() (*Node, bool) {
	if it.i >= len(it.items) {
		return nil, false
	}
	n := it.items[it.i]
	it.i++
	return n, true
}

// calculatePeakRoot() replays one peak subtree from its proven leaves,
// consuming proof items for every sibling not derivable from the leaves
func calculatePeakRoot(leaves []ProofLeaf, peakPos uint64, iter *proofIter) (*Node, lib.ErrorI) {
	type queued struct {
		pos    uint64
		node   *Node
		height uint8
	}
	queue := make([]queued, 0, len(leaves))
	for _, l := range leaves {
		queue = append(queue, queued{pos: l.Pos, node: l.Node})
	}
	for len(queue) > 0 {
		q := queue[0]
		queue = queue[1:]
		if q.pos == peakPos {
			if len(queue) == 0 {
				return q.node, nil
			}
			return nil, ErrInvalidProof("mmr proof leaves remain after reaching the peak")
		}
		var parentPos uint64
		var parent *Node
		if PosHeightInTree(q.pos+1) > q.height {
			// q is a right child
			sibPos := q.pos - SiblingOffset(q.height)
			parentPos = q.pos + 1
			if len(queue) > 0 && queue[0].pos == sibPos {
				sib := queue[0].node
				queue = queue[1:]
				parent = Merge(sib, q.node, nil)
			} else {
				sib, ok := iter.next()
				if !ok {
					return nil, ErrInvalidProof("mmr proof is missing a sibling item")
				}
				parent = Merge(sib, q.node, nil)
			}
		} else {
			sibPos := q.pos + SiblingOffset(q.height)
			parentPos = q.pos + ParentOffset(q.height)
			if len(queue) > 0 && queue[0].pos == sibPos {
				sib := queue[0].node
				queue = queue[1:]
				parent = Merge(q.node, sib, nil)
			} else {
				sib, ok := iter.next()
				if !ok {
					return nil, ErrInvalidProof("mmr proof is missing a sibling item")
				}
				parent = Merge(q.node, sib, nil)
			}
		}
		if parentPos > peakPos {
			return nil, ErrInvalidProof("mmr proof parent position exceeds its peak")
		}
		queue = append(queue, queued{pos: parentPos, node: parent, height: q.height + 1})
	}
	return nil, ErrInvalidProof("mmr proof queue exhausted before reaching the peak")
}

// calculatePeaksHashes() replays every peak left to right, taking absent peak
// roots from the proof items
func calculatePeaksHashes(leaves []ProofLeaf, mmrSize uint64, iter *proofIter) ([]*Node, lib.ErrorI) {
	for _, l := range leaves {
		if PosHeightInTree(l.Pos) > 0 {
			return nil, ErrInvalidInput("mmr proofs cover leaf positions only")
		}
	}
	// an MMR of one node is its own root
	if mmrSize == 1 && len(leaves) == 1 && leaves[0].Pos == 0 {
		return []*Node{leaves[0].Node}, nil
	}
	sorted := append([]ProofLeaf(nil), leaves...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Pos < sorted[j].Pos })
	w := 0
	for i, l := range sorted {
		if i == 0 || l.Pos != sorted[w-1].Pos {
			sorted[w] = l
			w++
		}
	}
	sorted = sorted[:w]
	peaks := GetPeaks(mmrSize)
	peaksHashes := make([]*Node, 0, len(peaks)+1)
loop:
	for _, peakPos := range peaks {
		peakLeaves := takeWhileLeaves(&sorted, peakPos)
		var peakRoot *Node
		switch {
		case len(peakLeaves) == 1 && peakLeaves[0].Pos == peakPos:
			peakRoot = peakLeaves[0].Node
		case len(peakLeaves) == 0:
			// the next item is this peak's root, or the bagged right-hand
			// side; when the iterator runs dry the remaining right peaks were
			// bagged into an earlier item, checked below
			next, ok := iter.next()
			if !ok {
				break loop
			}
			peakRoot = next
		default:
			var err lib.ErrorI
			peakRoot, err = calculatePeakRoot(peakLeaves, peakPos, iter)
			if err != nil {
				return nil, err
			}
		}
		peaksHashes = append(peaksHashes, peakRoot)
	}
	if len(sorted) != 0 {
		return nil, ErrInvalidProof("mmr proof has unprocessed leaves")
	}
	if rhs, ok := iter.next(); ok {
		peaksHashes = append(peaksHashes, rhs)
	}
	if _, ok := iter.next(); ok {
		return nil, ErrInvalidProof("mmr proof has excess items")
	}
	return peaksHashes, nil
}

// takeWhileLeaves() drains the leading leaves bounded by peakPos
func takeWhileLeaves(leaves *[]ProofLeaf, peakPos uint64) []ProofLeaf {
	i := 0
	for i < len(*leaves) && (*leaves)[i].Pos <= peakPos {
		i++
	}
	taken := (*leaves)[:i]
	*leaves = (*leaves)[i:]
	return taken
}

// LeafEntry is one proven leaf: its 0-based leaf index and raw value
type LeafEntry struct {
	Index uint64
	Value []byte
}

// MmrTreeProof is the serializable proof that specific leaves exist in an MMR
// subtree. The parent merk proves the element bytes carrying the mmr root;
// this proof ties the queried leaves to that root.
type MmrTreeProof struct {
	MmrSize    uint64
	Leaves     []LeafEntry
	ProofItems []crypto.Hash
}

// GenerateProof() builds an inclusion proof for the given 0-based leaf
// indices, reading nodes through getNode. The lazy store caches reads and
// defers the first storage error, which takes priority over any proof error
// it caused downstream.
func GenerateProof(mmrSize uint64, leafIndices []uint64, getNode func(pos uint64) (*Node, lib.ErrorI)) (*MmrTreeProof, lib.ErrorI) {
	if len(leafIndices) == 0 {
		return nil, ErrInvalidInput("mmr proof needs at least one leaf index")
	}
	leafCount := MMRSizeToLeafCount(mmrSize)
	seen := make(map[uint64]struct{}, len(leafIndices))
	for _, idx := range leafIndices {
		if idx >= leafCount {
			return nil, ErrInvalidInput(fmt.Sprintf("mmr leaf index %d out of range (leaf count %d)", idx, leafCount))
		}
		if _, dup := seen[idx]; dup {
			return nil, ErrInvalidInput(fmt.Sprintf("duplicate mmr leaf index %d", idx))
		}
		seen[idx] = struct{}{}
	}
	positions := make([]uint64, 0, len(leafIndices))
	leaves := make([]LeafEntry, 0, len(leafIndices))
	for _, idx := range leafIndices {
		pos := LeafIndexToPos(idx)
		positions = append(positions, pos)
		node, err := getNode(pos)
		if err != nil {
			return nil, err
		}
		if node == nil {
			return nil, ErrCorruptedData(fmt.Sprintf("mmr leaf node missing at position %d", pos))
		}
		if !node.IsLeaf() {
			return nil, ErrCorruptedData(fmt.Sprintf("mmr node at position %d is internal, expected a leaf", pos))
		}
		leaves = append(leaves, LeafEntry{Index: idx, Value: node.Value()})
	}
	store := newLazyNodeStore(getNode)
	r := NewMMR(mmrSize, store).GenProof(positions)
	// a failed store read surfaces downstream as a bogus proof error; report
	// the root cause instead
	if err := store.takeError(); err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	items := make([]crypto.Hash, 0, len(r.Value.ProofItems()))
	for _, n := range r.Value.ProofItems() {
		items = append(items, n.Hash())
	}
	return &MmrTreeProof{MmrSize: mmrSize, Leaves: leaves, ProofItems: items}, nil
}

// Verify() checks the proof against an expected MMR root and returns the
// verified leaves. Duplicate leaf indices were not independently verified, so
// only the first occurrence of each index is returned.
func (p *MmrTreeProof) Verify(expectedRoot crypto.Hash) ([]LeafEntry, lib.ErrorI) {
	root, leaves, err := p.VerifyAndGetRoot()
	if err != nil {
		return nil, err
	}
	if root != expectedRoot {
		return nil, ErrInvalidProof("mmr proof root hash mismatch")
	}
	return leaves, nil
}

// VerifyAndGetRoot() replays the proof and returns the computed root along
// with the deduplicated leaves; the caller validates the root
func (p *MmrTreeProof) VerifyAndGetRoot() (crypto.Hash, []LeafEntry, lib.ErrorI) {
	if len(p.Leaves) == 0 {
		return crypto.NullHash, nil, ErrInvalidProof("mmr proof contains no leaves")
	}
	leafCount := MMRSizeToLeafCount(p.MmrSize)
	for _, l := range p.Leaves {
		if l.Index >= leafCount {
			return crypto.NullHash, nil, ErrInvalidProof(fmt.Sprintf("mmr leaf index %d out of range for size %d", l.Index, p.MmrSize))
		}
	}
	items := make([]*Node, 0, len(p.ProofItems))
	for _, h := range p.ProofItems {
		items = append(items, InternalNode(h))
	}
	proof := NewMerkleProof(p.MmrSize, items)
	// only the hash matters to the replay, so leaves are rebuilt hash-only
	verification := make([]ProofLeaf, 0, len(p.Leaves))
	for _, l := range p.Leaves {
		verification = append(verification, ProofLeaf{
			Pos:  LeafIndexToPos(l.Index),
			Node: InternalNode(LeafHash(l.Value, nil)),
		})
	}
	root, err := proof.CalculateRoot(verification)
	if err != nil {
		return crypto.NullHash, nil, err
	}
	seen := make(map[uint64]struct{}, len(p.Leaves))
	verified := make([]LeafEntry, 0, len(p.Leaves))
	for _, l := range p.Leaves {
		if _, dup := seen[l.Index]; dup {
			continue
		}
		seen[l.Index] = struct{}{}
		verified = append(verified, l)
	}
	return root.Hash(), verified, nil
}

// Encode() serializes the proof: uvarint fields, length-prefixed values,
// fixed 32-byte proof items
func (p *MmrTreeProof) Encode() []byte {
	buf := &bytes.Buffer{}
	writeProofUvarint(buf, p.MmrSize)
	writeProofUvarint(buf, uint64(len(p.Leaves)))
	for _, l := range p.Leaves {
		writeProofUvarint(buf, l.Index)
		writeProofUvarint(buf, uint64(len(l.Value)))
		buf.Write(l.Value)
	}
	writeProofUvarint(buf, uint64(len(p.ProofItems)))
	for _, h := range p.ProofItems {
		buf.Write(h[:])
	}
	return buf.Bytes()
}

// DecodeMmrTreeProof() deserializes a proof, rejecting payloads and claimed
// lengths beyond the 100 MiB ceiling
func DecodeMmrTreeProof(data []byte) (*MmrTreeProof, lib.ErrorI) {
	if len(data) > maxProofDecodeBytes {
		return nil, ErrCorruptedData("serialized mmr proof exceeds the size ceiling")
	}
	r := bytes.NewReader(data)
	p := &MmrTreeProof{}
	var err lib.ErrorI
	if p.MmrSize, err = readProofUvarint(r); err != nil {
		return nil, err
	}
	leafCount, err := readProofUvarint(r)
	if err != nil {
		return nil, err
	}
	if leafCount > uint64(r.Len()) {
		return nil, ErrCorruptedData("mmr proof leaf count exceeds payload")
	}
	p.Leaves = make([]LeafEntry, 0, leafCount)
	for i := uint64(0); i < leafCount; i++ {
		var l LeafEntry
		if l.Index, err = readProofUvarint(r); err != nil {
			return nil, err
		}
		n, e := readProofUvarint(r)
		if e != nil {
			return nil, e
		}
		if n > uint64(r.Len()) {
			return nil, ErrCorruptedData("mmr proof leaf value exceeds payload")
		}
		l.Value = make([]byte, n)
		if n > 0 {
			if _, readErr := r.Read(l.Value); readErr != nil {
				return nil, ErrCorruptedData("serialized mmr proof truncated")
			}
		}
		p.Leaves = append(p.Leaves, l)
	}
	itemCount, err := readProofUvarint(r)
	if err != nil {
		return nil, err
	}
	if itemCount > uint64(r.Len())/crypto.HashLength {
		return nil, ErrCorruptedData("mmr proof item count exceeds payload")
	}
	p.ProofItems = make([]crypto.Hash, 0, itemCount)
	for i := uint64(0); i < itemCount; i++ {
		var h crypto.Hash
		if n, readErr := r.Read(h[:]); readErr != nil || n != crypto.HashLength {
			return nil, ErrCorruptedData("serialized mmr proof truncated")
		}
		p.ProofItems = append(p.ProofItems, h)
	}
	if r.Len() != 0 {
		return nil, ErrCorruptedData("trailing bytes after serialized mmr proof")
	}
	return p, nil
}

func writeProofUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutUvarint(tmp[:], v)])
}

func readProofUvarint(r *bytes.Reader) (uint64, lib.ErrorI) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, ErrCorruptedData("serialized mmr proof varint unreadable")
	}
	return v, nil
}

// lazyNodeStore fetches nodes on demand during proof generation and caches
// them, so only the O(k log n) touched nodes are read. Storage errors are
// captured and checked by the caller after the proof attempt.
type lazyNodeStore struct {
	getNode func(pos uint64) (*Node, lib.ErrorI)
	cache   map[uint64]*Node
	err     lib.ErrorI
}

func newLazyNodeStore(getNode func(pos uint64) (*Node, lib.ErrorI)) *lazyNodeStore {
	return &lazyNodeStore{getNode: getNode, cache: make(map[uint64]*Node)}
}

// ElementAt() serves cached nodes; after the first failure every read
// short-circuits to nil so the caller sees the deferred error, not a symptom
func (s *lazyNodeStore) ElementAt(_ *costs.Cost, pos uint64) (*Node, lib.ErrorI) {
	if s.err != nil {
		return nil, nil
	}
	if n, ok := s.cache[pos]; ok {
		return n, nil
	}
	n, err := s.getNode(pos)
	if err != nil {
		s.err = err
		return nil, nil
	}
	s.cache[pos] = n
	return n, nil
}

func (s *lazyNodeStore) takeError() lib.ErrorI {
	err := s.err
	s.err = nil
	return err
}
