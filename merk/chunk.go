package merk

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

/*
	Chunked proofs let a client reconstruct a large tree top-down: a trunk query
	returns the first few levels with opaque hashes at the boundary, then branch
	queries fetch the truncated subtrees on demand. A height proof bounds the
	remaining work before the client commits to downloading anything.
*/

// minProvableTrunkDepth is the floor on the first chunk of a provable-count
// trunk so the chunk shape does not leak the exact element count
const minProvableTrunkDepth = 3

// MaxAVLHeight() is the tallest an AVL tree holding count nodes can be: the
// largest h whose minimal node count N(h) = N(h-1) + N(h-2) + 1 fits in count
func MaxAVLHeight(count uint64) uint8 {
	if count == 0 {
		return 0
	}
	// prev and cur walk the minimal node counts N(1)=1, N(2)=2, N(3)=4, ...
	var height uint8 = 1
	prev, cur := uint64(0), uint64(1)
	for {
		next := cur + prev + 1
		if next > count {
			return height
		}
		prev, cur = cur, next
		height++
	}
}

// CalculateChunkDepths() splits a tree of treeDepth levels into chunk depths
// of at most maxDepth each, distributed as evenly as possible and front-loaded
// so higher levels get the larger chunks
func CalculateChunkDepths(treeDepth, maxDepth uint8) []uint8 {
	if treeDepth == 0 {
		return []uint8{0}
	}
	if treeDepth <= maxDepth {
		return []uint8{treeDepth}
	}
	numChunks := (uint32(treeDepth) + uint32(maxDepth) - 1) / uint32(maxDepth)
	base := uint32(treeDepth) / numChunks
	remainder := uint32(treeDepth) % numChunks
	depths := make([]uint8, numChunks)
	for i := uint32(0); i < numChunks; i++ {
		if i < remainder {
			depths[i] = uint8(base + 1)
		} else {
			depths[i] = uint8(base)
		}
	}
	return depths
}

// CalculateChunkDepthsWithMinimum() is the chunk split with a floor on the
// first chunk; the remaining depth is split evenly below it
func CalculateChunkDepthsWithMinimum(treeDepth, maxDepth, minDepth uint8) []uint8 {
	depths := CalculateChunkDepths(treeDepth, maxDepth)
	if depths[0] >= minDepth || treeDepth == 0 {
		return depths
	}
	first := minDepth
	if first > treeDepth {
		first = treeDepth
	}
	if first == treeDepth {
		return []uint8{first}
	}
	return append([]uint8{first}, CalculateChunkDepths(treeDepth-first, maxDepth)...)
}

// HeightProof() emits the smallest op stream that forces a verifier to agree
// on the tree's height: every left-spine node as a kv hash and every off-spine
// right sibling as an opaque hash
func (m *Merk) HeightProof() costs.Result[[]Op] {
	var acc costs.Cost
	if m.root == nil {
		return costs.ErrWithCost[[]Op](lib.ErrMerk("height proof of an empty tree"), acc)
	}
	ops, err := m.heightProofOps(&acc, m.root)
	if err != nil {
		return costs.ErrWithCost[[]Op](err, acc)
	}
	return costs.WrapWithCost(ops, acc)
}

// heightProofOps() recurses down the left spine, emitting deepest-first
func (m *Merk) heightProofOps(acc *costs.Cost, node *TreeNode) ([]Op, lib.ErrorI) {
	var ops []Op
	left, err := m.materialize(acc, node.Left)
	if err != nil {
		return nil, err
	}
	if left != nil {
		if ops, err = m.heightProofOps(acc, left); err != nil {
			return nil, err
		}
	}
	ops = append(ops, PushOp(m.spineNode(acc, node)))
	if left != nil {
		ops = append(ops, Op{Tag: OpParent})
	}
	if node.Right != nil {
		ops = append(ops, PushOp(&ProofNode{Tag: NodeHash, Hash: node.Right.LinkHash()}))
		ops = append(ops, Op{Tag: OpChild})
	}
	return ops, nil
}

// spineNode() is the kv-hash form of an on-spine node; provable features carry
// the committed subtree count so the digest replays
func (m *Merk) spineNode(acc *costs.Cost, node *TreeNode) *ProofNode {
	if node.Feature.IsProvable() {
		return &ProofNode{Tag: NodeKVHashCount, Hash: node.KVHash(acc),
			Count: node.SubtreeAggregate().Count}
	}
	return &ProofNode{Tag: NodeKVHash, Hash: node.KVHash(acc)}
}

// VerifyHeightProof() replays a height proof against an expected root hash and
// returns the height it proves. Every left-spine node must be a kv-hash form;
// anything else could splice in a shorter spine.
func VerifyHeightProof(ops []Op, expectedRootHash crypto.Hash) (uint8, lib.ErrorI) {
	var acc costs.Cost
	tree, err := Execute(ops, true, false, nil).UnwrapAddCost(&acc)
	if err != nil {
		return 0, err
	}
	if tree.RootHash(&acc) != expectedRootHash {
		return 0, lib.ErrInvalidProof("height proof root hash mismatch")
	}
	var height uint8
	for t := tree; t != nil; t = t.ChildTree(true) {
		if t != tree {
			if t.Node.Tag != NodeKVHash && t.Node.Tag != NodeKVHashCount {
				return 0, lib.ErrInvalidProof("height proof spine must be kv-hash nodes")
			}
		}
		height++
	}
	return height, nil
}

// CreateChunk() emits the subtree under the root down to depth levels; nodes
// at the boundary are replaced by opaque hashes
func (m *Merk) CreateChunk(depth uint8) costs.Result[[]Op] {
	return m.TraverseAndBuildChunk(nil, depth)
}

// TraverseAndBuildChunk() walks the traversal instruction (true=left) from the
// root, then emits a chunk of the given depth rooted at the reached node
func (m *Merk) TraverseAndBuildChunk(instructions []bool, depth uint8) costs.Result[[]Op] {
	var acc costs.Cost
	if m.root == nil {
		return costs.ErrWithCost[[]Op](lib.ErrMerk("chunk of an empty tree"), acc)
	}
	node := m.root
	for _, goLeft := range instructions {
		link := node.child(goLeft)
		if link == nil {
			return costs.ErrWithCost[[]Op](
				lib.ErrBadTraversalInstruction("no node found at given traversal instruction"), acc)
		}
		child, err := m.materialize(&acc, link)
		if err != nil {
			return costs.ErrWithCost[[]Op](err, acc)
		}
		node = child
	}
	ops, err := m.chunkOps(&acc, node, depth)
	if err != nil {
		return costs.ErrWithCost[[]Op](err, acc)
	}
	return costs.WrapWithCost(ops, acc)
}

// chunkOps() emits one chunk subtree in-order; at depth zero the node
// collapses to its hash
func (m *Merk) chunkOps(acc *costs.Cost, node *TreeNode, remainingDepth uint8) ([]Op, lib.ErrorI) {
	if remainingDepth == 0 {
		return []Op{PushOp(&ProofNode{Tag: NodeHash, Hash: node.NodeHash(acc)})}, nil
	}
	var ops []Op
	left, err := m.materialize(acc, node.Left)
	if err != nil {
		return nil, err
	}
	if left != nil {
		if ops, err = m.chunkOps(acc, left, remainingDepth-1); err != nil {
			return nil, err
		}
	}
	ops = append(ops, PushOp(m.chunkNode(node)))
	if left != nil {
		ops = append(ops, Op{Tag: OpParent})
	}
	right, err := m.materialize(acc, node.Right)
	if err != nil {
		return nil, err
	}
	if right != nil {
		rightOps, e := m.chunkOps(acc, right, remainingDepth-1)
		if e != nil {
			return nil, e
		}
		ops = append(ops, rightOps...)
		ops = append(ops, Op{Tag: OpChild})
	}
	return ops, nil
}

// chunkNode() surfaces a chunk node with its feature type so the verifier
// learns aggregates; provable features carry the committed subtree count
func (m *Merk) chunkNode(node *TreeNode) *ProofNode {
	feature := node.Feature
	if feature.IsProvable() {
		feature.Count = node.SubtreeAggregate().Count
	}
	return &ProofNode{
		Tag:       NodeKVValueHashFeatureType,
		Key:       node.Key,
		Value:     node.Value,
		ValueHash: node.ValueHash,
		Feature:   feature,
	}
}

/*
	Chunk addressing. The whole tree is cut into fixed-height layers; every
	chunk is one subtree starting at a layer boundary. Chunk ids number the
	chunks in traversal order starting from 1 (the top chunk), and a chunk id
	maps to a left/right instruction string by repeatedly bisecting the id
	range, mirroring how exit nodes split the id space in half.
*/

// chunkLayerHeight is the fixed height of every addressing layer
const chunkLayerHeight = 2

// chunkHeightPerLayer() cuts a tree of the given height into fixed-height
// layers; the last layer may be short
func chunkHeightPerLayer(height int) []int {
	layers := height / chunkLayerHeight
	if height%chunkLayerHeight != 0 {
		layers++
	}
	out := make([]int, layers)
	for i := range out {
		out[i] = chunkLayerHeight
	}
	return out
}

// exitNodeCount() is the number of exit nodes under one full subtree of the given height
func exitNodeCount(height int) int {
	return 1 << uint(height)
}

// NumberOfChunks() is the chunk count needed to represent a whole tree of the given height
func NumberOfChunks(height int) int {
	return numberOfChunksInternal(chunkHeightPerLayer(height))
}

// numberOfChunksInternal() sums, layer by layer, the chunks reachable through
// the exit nodes of the layers above
func numberOfChunksInternal(layerHeights []int) int {
	if len(layerHeights) == 0 {
		return 0
	}
	// exits from the last layer point at subtrees that do not exist
	perLayerExits := layerHeights[:len(layerHeights)-1]
	total, layerCount := 0, 1
	total += layerCount
	for _, h := range perLayerExits {
		layerCount *= exitNodeCount(h)
		total += layerCount
	}
	return total
}

// ChunkLayer() is the layer index a chunk's subtree starts at
func ChunkLayer(height, chunkID int) (int, lib.ErrorI) {
	instruction, err := GenerateTraversalInstruction(height, chunkID)
	if err != nil {
		return 0, err
	}
	layerHeights := chunkHeightPerLayer(height)
	remainingDepth := len(instruction) + 1
	layer := 1
	for remainingDepth > 1 {
		remainingDepth -= layerHeights[layer-1]
		layer++
	}
	return layer - 1, nil
}

// ChunkHeight() is the depth of the chunk with the given id
func ChunkHeight(height, chunkID int) (int, lib.ErrorI) {
	layer, err := ChunkLayer(height, chunkID)
	if err != nil {
		return 0, err
	}
	return chunkHeightPerLayer(height)[layer], nil
}

// NumberOfChunksUnderChunkID() counts the chunks contained in the subtree a
// chunk id addresses, the chunk itself included
func NumberOfChunksUnderChunkID(height, chunkID int) (int, lib.ErrorI) {
	layer, err := ChunkLayer(height, chunkID)
	if err != nil {
		return 0, err
	}
	return numberOfChunksInternal(chunkHeightPerLayer(height)[layer:]), nil
}

// GenerateTraversalInstruction() maps a chunk id to the left/right path from
// the root to the chunk's subtree by bisecting the chunk id range
func GenerateTraversalInstruction(height, chunkID int) ([]bool, lib.ErrorI) {
	totalChunks := NumberOfChunks(height)
	if chunkID < 1 || chunkID > totalChunks {
		return nil, lib.ErrChunkOutOfBounds(fmt.Sprintf("chunk id %d out of bounds, tree has %d chunks", chunkID, totalChunks))
	}
	var instructions []bool
	// the total is always odd: 1 for the top chunk plus an even number of exits
	r, err := newBinaryRange(1, totalChunks)
	if err != nil {
		return nil, err
	}
	for r.len() > 1 {
		if r.odd() {
			// the odd element out is the chunk the path so far lands on
			next, prevStart, e := r.advanceRangeStart()
			if e != nil {
				return nil, e
			}
			if prevStart == chunkID {
				return instructions, nil
			}
			r = next
		} else {
			left, ok := r.whichHalf(chunkID)
			if !ok {
				return nil, lib.ErrChunkOutOfBounds("chunk id fell outside its bisection range")
			}
			instructions = append(instructions, left)
			if r, err = r.getHalf(left); err != nil {
				return nil, err
			}
		}
	}
	return instructions, nil
}

// TraversalInstructionAsString() renders an instruction as bits, 1 for left and 0 for right
func TraversalInstructionAsString(instruction []bool) string {
	var b strings.Builder
	for _, left := range instruction {
		if left {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// binaryRange bisects and advances a closed 1-based integer range while
// tracking which half a value falls in
type binaryRange struct {
	start, end int
}

// newBinaryRange() builds a range; start must be at least 1 so len cannot overflow
func newBinaryRange(start, end int) (binaryRange, lib.ErrorI) {
	if start > end {
		return binaryRange{}, lib.ErrInvalidInput("range start cannot exceed its end")
	}
	if start < 1 {
		return binaryRange{}, lib.ErrInvalidInput("range start must be at least 1")
	}
	return binaryRange{start: start, end: end}, nil
}

func (r binaryRange) len() int  { return r.end - r.start + 1 }
func (r binaryRange) odd() bool { return r.len()%2 != 0 }

// whichHalf() reports whether value sits in the left half (true) or right
// half (false); the bool result is false when the range is odd or the value
// is outside it
func (r binaryRange) whichHalf(value int) (left, ok bool) {
	if value < r.start || value > r.end || r.odd() {
		return false, false
	}
	secondHalfStart := r.start + r.len()/2
	return value < secondHalfStart, true
}

// getHalf() narrows an even range to one of its halves
func (r binaryRange) getHalf(left bool) (binaryRange, lib.ErrorI) {
	if r.odd() {
		return binaryRange{}, lib.ErrInvalidInput("cannot break an odd range in half")
	}
	secondHalfStart := r.start + r.len()/2
	if left {
		return binaryRange{start: r.start, end: secondHalfStart - 1}, nil
	}
	return binaryRange{start: secondHalfStart, end: r.end}, nil
}

// advanceRangeStart() drops the first element, returning it alongside the narrowed range
func (r binaryRange) advanceRangeStart() (binaryRange, int, lib.ErrorI) {
	if r.start == r.end {
		return binaryRange{}, 0, lib.ErrInvalidInput("cannot advance a single-element range")
	}
	return binaryRange{start: r.start + 1, end: r.end}, r.start, nil
}

/*
	Trunk and branch queries. A trunk query plans the chunk depths from the
	count aggregate, returns the top chunk, and names the terminal nodes whose
	subtrees were collapsed to hashes. Branch queries continue from a terminal
	key. A client holding a proof locates a still-unfound target by BST
	tracing: compare against surfaced keys and follow left/right until the
	path either finds the key, dead-ends (proven absent), or hits a hash
	child (the terminal to fetch next).
*/

// TrunkQueryResult is the top chunk of a count-backed tree plus the depth plan
// for the chunks below it
type TrunkQueryResult struct {
	// Ops is the trunk proof; subtrees below the first chunk depth appear as hashes
	Ops []Op
	// ChunkDepths is the planned depth of every chunk layer, first entry the trunk's
	ChunkDepths []uint8
	// TreeDepth is the max AVL height derived from the count aggregate
	TreeDepth uint8
}

// TrunkQuery() builds the trunk of a counted tree; the chunk plan comes from
// the count aggregate, so only count-carrying feature kinds are accepted
func (m *Merk) TrunkQuery(maxDepth uint8) costs.Result[*TrunkQueryResult] {
	var acc costs.Cost
	if maxDepth == 0 {
		return costs.ErrWithCost[*TrunkQueryResult](
			lib.ErrInvalidInput("trunk query max depth must be positive"), acc)
	}
	switch m.kind {
	case CountedMerkNode, CountedSummedMerkNode, ProvableCountedMerkNode, ProvableCountedSummedMerkNode:
	default:
		return costs.ErrWithCost[*TrunkQueryResult](
			lib.ErrInvalidInput("trunk queries require a count-carrying tree"), acc)
	}
	if m.root == nil {
		return costs.WrapWithCost(&TrunkQueryResult{ChunkDepths: []uint8{0}}, acc)
	}
	treeDepth := MaxAVLHeight(m.RootAggregate().Count)
	var depths []uint8
	if m.kind == ProvableCountedMerkNode || m.kind == ProvableCountedSummedMerkNode {
		depths = CalculateChunkDepthsWithMinimum(treeDepth, maxDepth, minProvableTrunkDepth)
	} else {
		depths = CalculateChunkDepths(treeDepth, maxDepth)
	}
	ops, err := m.chunkOps(&acc, m.root, depths[0])
	if err != nil {
		return costs.ErrWithCost[*TrunkQueryResult](err, acc)
	}
	return costs.WrapWithCost(&TrunkQueryResult{Ops: ops, ChunkDepths: depths, TreeDepth: treeDepth}, acc)
}

// executeTrunk() replays the result's ops into a proof tree
func (r *TrunkQueryResult) executeTrunk() (*ProofTree, lib.ErrorI) {
	tree, err := Execute(r.Ops, true, false, nil).Unwrap()
	return tree, err
}

// TerminalNodeKeys() lists the keys whose children were collapsed to hashes;
// each one is the entry point for a branch query
func (r *TrunkQueryResult) TerminalNodeKeys() ([][]byte, lib.ErrorI) {
	tree, err := r.executeTrunk()
	if err != nil {
		return nil, err
	}
	var keys [][]byte
	collectTerminalKeys(tree, &keys)
	return keys, nil
}

// collectTerminalKeys() gathers keys of nodes with at least one hash child,
// recursing only into non-hash children
func collectTerminalKeys(t *ProofTree, keys *[][]byte) {
	if t == nil {
		return
	}
	left, right := t.ChildTree(true), t.ChildTree(false)
	hasHashChild := (left != nil && left.Node.Tag == NodeHash) ||
		(right != nil && right.Node.Tag == NodeHash)
	if hasHashChild && t.Node.HasKey() {
		*keys = append(*keys, t.Node.Key)
	}
	if left != nil && left.Node.Tag != NodeHash {
		collectTerminalKeys(left, keys)
	}
	if right != nil && right.Node.Tag != NodeHash {
		collectTerminalKeys(right, keys)
	}
}

// TraceKeyToTerminal() walks the proof's BST structure toward a target key and
// returns the terminal key whose hashed subtree must hold it. A nil result
// means the key is either surfaced in the proof already or provably absent.
func (r *TrunkQueryResult) TraceKeyToTerminal(targetKey []byte) ([]byte, lib.ErrorI) {
	tree, err := r.executeTrunk()
	if err != nil {
		return nil, err
	}
	return traceKeyInProofTree(tree, targetKey), nil
}

// traceKeyInProofTree() recursively follows key comparisons until the target
// is found, the path dead-ends, or a hash child swallows it
func traceKeyInProofTree(t *ProofTree, targetKey []byte) []byte {
	if t == nil || !t.Node.HasKey() {
		return nil
	}
	cmp := bytes.Compare(targetKey, t.Node.Key)
	if cmp == 0 {
		return nil
	}
	child := t.ChildTree(cmp < 0)
	if child == nil {
		// a missing child on the decisive side proves absence
		return nil
	}
	if child.Node.Tag == NodeHash {
		return t.Node.Key
	}
	return traceKeyInProofTree(child, targetKey)
}

// VerifyTerminalDepths() checks that every hash placeholder sits exactly at
// the trunk's declared chunk depth, proving the trunk was cut on the boundary
func (r *TrunkQueryResult) VerifyTerminalDepths() lib.ErrorI {
	if len(r.ChunkDepths) == 0 {
		return lib.ErrInvalidProof("trunk result carries no chunk depth plan")
	}
	expected := int(r.ChunkDepths[0])
	tree, err := r.executeTrunk()
	if err != nil {
		return err
	}
	return verifyHashDepths(tree, 0, expected)
}

// verifyHashDepths() walks the proof tree checking hash-node depths
func verifyHashDepths(t *ProofTree, depth, expected int) lib.ErrorI {
	if t == nil {
		return nil
	}
	if t.Node.Tag == NodeHash && depth != expected {
		return lib.ErrInvalidProof(
			fmt.Sprintf("terminal hash at depth %d, expected %d", depth, expected))
	}
	for _, left := range []bool{true, false} {
		if err := verifyHashDepths(t.ChildTree(left), depth+1, expected); err != nil {
			return err
		}
	}
	return nil
}

// BranchQueryResult is a chunk rooted at a trunk terminal
type BranchQueryResult struct {
	// Ops is the branch proof; subtrees below the depth appear as hashes
	Ops []Op
	// BranchRootKey is the key the branch is rooted at
	BranchRootKey []byte
	// ReturnedDepth is the depth the branch was cut at
	ReturnedDepth uint8
	// BranchRootHash must match a hash placeholder in the proof one level up
	BranchRootHash crypto.Hash
}

// BranchQuery() walks to a key and emits a fresh chunk rooted there; the
// result's root hash ties it to the hash placeholder of the parent proof
func (m *Merk) BranchQuery(key []byte, depth uint8) costs.Result[*BranchQueryResult] {
	var acc costs.Cost
	if depth == 0 {
		return costs.ErrWithCost[*BranchQueryResult](
			lib.ErrInvalidInput("branch query depth must be positive"), acc)
	}
	node := m.root
	for node != nil && !bytes.Equal(node.Key, key) {
		link := node.child(bytes.Compare(key, node.Key) < 0)
		child, err := m.materialize(&acc, link)
		if err != nil {
			return costs.ErrWithCost[*BranchQueryResult](err, acc)
		}
		node = child
	}
	if node == nil {
		return costs.ErrWithCost[*BranchQueryResult](
			lib.ErrKeyNotFound("branch query key is not in the tree"), acc)
	}
	ops, err := m.chunkOps(&acc, node, depth)
	if err != nil {
		return costs.ErrWithCost[*BranchQueryResult](err, acc)
	}
	return costs.WrapWithCost(&BranchQueryResult{
		Ops:            ops,
		BranchRootKey:  node.Key,
		ReturnedDepth:  depth,
		BranchRootHash: node.NodeHash(&acc),
	}, acc)
}

// TraceKeyToTerminal() is BST tracing over a branch proof, continuing the
// search a trunk trace started
func (r *BranchQueryResult) TraceKeyToTerminal(targetKey []byte) ([]byte, lib.ErrorI) {
	tree, err := Execute(r.Ops, true, false, nil).Unwrap()
	if err != nil {
		return nil, err
	}
	return traceKeyInProofTree(tree, targetKey), nil
}
