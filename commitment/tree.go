package commitment

/*
	The composite commitment tree binds two authenticated structures over
	the same append stream:

	  - a depth-32 incremental Merkle tree over the 32-byte commitments,
	    carried between appends as a frontier persisted under "__ct_data__"
	  - a bulk-append tree over the full cmx||ciphertext entries, so clients
	    can sync the raw note data in epoch-sized chunks

	The composite root covers both:

	  state_root = blake3("ct_state" || sinsemilla_root || bulk_state_root)
*/

import (
	"fmt"

	"github.com/grovekv/grovekv/bulkappend"
	"github.com/grovekv/grovekv/costs"
	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

// DataKey holds the serialized frontier in the tree's keyspace
var DataKey = []byte("__ct_data__")

// stateLabel domain-separates the composite root
var stateLabel = []byte("ct_state")

// Ciphertext is a transmitted note ciphertext:
// epk (32) || enc_ciphertext || out_ciphertext (80)
type Ciphertext struct {
	Epk [32]byte
	Enc []byte
	Out [80]byte
}

// Serialize() flattens the ciphertext into its wire layout
func (c *Ciphertext) Serialize() []byte {
	buf := make([]byte, 0, 32+len(c.Enc)+80)
	buf = append(buf, c.Epk[:]...)
	buf = append(buf, c.Enc...)
	buf = append(buf, c.Out[:]...)
	return buf
}

// DeserializeCiphertext() splits a payload of the given enc size back into
// its parts
func DeserializeCiphertext(data []byte, encSize int) (*Ciphertext, lib.ErrorI) {
	if len(data) != 32+encSize+80 {
		return nil, ErrInvalidData(fmt.Sprintf("ciphertext payload is %d bytes, want %d",
			len(data), 32+encSize+80))
	}
	c := &Ciphertext{Enc: make([]byte, encSize)}
	copy(c.Epk[:], data[:32])
	copy(c.Enc, data[32:32+encSize])
	copy(c.Out[:], data[32+encSize:])
	return c, nil
}

// AppendResult is the outcome of a composite append
type AppendResult struct {
	// SinsemillaRoot is the incremental tree root after this append
	SinsemillaRoot crypto.Hash
	// BulkStateRoot is the bulk-append tree root after this append
	BulkStateRoot crypto.Hash
	// StateRoot is the composite root binding both
	StateRoot crypto.Hash
	// GlobalPosition is the 0-based position of the appended commitment
	GlobalPosition uint64
	// Compacted reports whether the append completed a bulk epoch
	Compacted bool
}

// CommitmentTree is the server-side composite tree. The frontier and the
// bulk-append metadata live in the supplied store; total_count and height
// are authenticated by the parent element.
type CommitmentTree struct {
	frontier *Frontier
	bulk     *bulkappend.BulkAppendTree
	hasher   Hasher
	encSize  int
}

// NewCommitmentTree() creates an empty composite tree; encSize is the note
// enc-ciphertext length carried in every payload
func NewCommitmentTree(height uint8, encSize int) (*CommitmentTree, lib.ErrorI) {
	return NewCommitmentTreeWithHasher(height, encSize, DefaultHasher())
}

// NewCommitmentTreeWithHasher() creates an empty composite tree with a
// caller-supplied hasher
func NewCommitmentTreeWithHasher(height uint8, encSize int, h Hasher) (*CommitmentTree, lib.ErrorI) {
	if encSize < 0 {
		return nil, ErrInvalidData("negative enc ciphertext size")
	}
	bulk, err := bulkappend.NewBulkAppendTree(height)
	if err != nil {
		return nil, err
	}
	return &CommitmentTree{frontier: NewFrontier(h), bulk: bulk, hasher: h, encSize: encSize}, nil
}

// OpenCommitmentTree() restores a composite tree from the store, validating
// that the persisted frontier agrees with the authenticated total count
func OpenCommitmentTree(store bulkappend.Store, totalCount uint64, height uint8, encSize int) costs.Result[*CommitmentTree] {
	return OpenCommitmentTreeWithHasher(store, totalCount, height, encSize, DefaultHasher())
}

// OpenCommitmentTreeWithHasher() is OpenCommitmentTree with a caller-supplied hasher
func OpenCommitmentTreeWithHasher(store bulkappend.Store, totalCount uint64, height uint8, encSize int, h Hasher) (result costs.Result[*CommitmentTree]) {
	acc := &result.Cost
	bulk, err := bulkappend.LoadFromStore(store, totalCount, height).UnwrapAddCost(acc)
	if err != nil {
		result.Err = err
		return
	}
	data, err := store.Get(acc, DataKey)
	if err != nil {
		result.Err = err
		return
	}
	frontier := NewFrontier(h)
	if data == nil {
		if totalCount != 0 {
			result.Err = ErrInvalidData(fmt.Sprintf(
				"total count is %d but no frontier is stored", totalCount))
			return
		}
	} else if frontier, err = DeserializeFrontier(h, data); err != nil {
		result.Err = err
		return
	}
	if frontier.Size() != totalCount {
		result.Err = ErrInvalidData(fmt.Sprintf(
			"stored frontier has %d leaves but total count is %d", frontier.Size(), totalCount))
		return
	}
	if encSize < 0 {
		result.Err = ErrInvalidData("negative enc ciphertext size")
		return
	}
	result.Value = &CommitmentTree{frontier: frontier, bulk: bulk, hasher: h, encSize: encSize}
	return
}

// TotalCount() returns the number of appended commitments
func (t *CommitmentTree) TotalCount() uint64 { return t.bulk.TotalCount() }

// Height() returns the bulk buffer height
func (t *CommitmentTree) Height() uint8 { return t.bulk.Height() }

// EpochSize() returns the number of entries per completed bulk epoch
func (t *CommitmentTree) EpochSize() uint64 { return t.bulk.EpochSize() }

// EpochCount() returns the number of completed bulk epochs
func (t *CommitmentTree) EpochCount() uint64 { return t.bulk.EpochCount() }

// Frontier() exposes the incremental tree's append cursor
func (t *CommitmentTree) Frontier() *Frontier { return t.frontier }

// Bulk() exposes the underlying bulk-append tree
func (t *CommitmentTree) Bulk() *bulkappend.BulkAppendTree { return t.bulk }

// PayloadSize() returns the exact ciphertext payload length every append
// must carry: epk (32) + enc + out (80)
func (t *CommitmentTree) PayloadSize() int { return 32 + t.encSize + 80 }

// Append() adds a commitment with its ciphertext payload. The payload length
// is validated before any state changes; on success the frontier is
// persisted and the new composite root returned.
func (t *CommitmentTree) Append(store bulkappend.Store, cmx crypto.Hash, payload []byte) (result costs.Result[*AppendResult]) {
	acc := &result.Cost
	if len(payload) != t.PayloadSize() {
		result.Err = ErrInvalidData(fmt.Sprintf("ciphertext payload is %d bytes, want %d",
			len(payload), t.PayloadSize()))
		return
	}
	if err := t.frontier.Append(acc, cmx); err != nil {
		result.Err = err
		return
	}
	entry := make([]byte, 0, crypto.HashLength+len(payload))
	entry = append(entry, cmx[:]...)
	entry = append(entry, payload...)
	bulkResult, err := t.bulk.Append(store, entry).UnwrapAddCost(acc)
	if err != nil {
		result.Err = err
		return
	}
	if err = store.Put(acc, DataKey, t.frontier.Serialize()); err != nil {
		result.Err = err
		return
	}
	sinsemillaRoot := t.frontier.Root()
	result.Value = &AppendResult{
		SinsemillaRoot: sinsemillaRoot,
		BulkStateRoot:  bulkResult.StateRoot,
		StateRoot:      ComputeStateRoot(acc, sinsemillaRoot, bulkResult.StateRoot),
		GlobalPosition: bulkResult.GlobalPosition,
		Compacted:      bulkResult.Compacted,
	}
	return
}

// StateRoot() recomputes the composite root from the persisted state
func (t *CommitmentTree) StateRoot(store bulkappend.Store) (result costs.Result[crypto.Hash]) {
	acc := &result.Cost
	bulkRoot, err := t.bulk.StateRoot(store).UnwrapAddCost(acc)
	if err != nil {
		result.Err = err
		return
	}
	result.Value = ComputeStateRoot(acc, t.frontier.Root(), bulkRoot)
	return
}

// GetEntry() reads the raw cmx||payload entry at a global position
func (t *CommitmentTree) GetEntry(store bulkappend.Store, position uint64) costs.Result[[]byte] {
	return t.bulk.GetValue(store, position)
}

// GetCommitment() reads just the 32-byte commitment at a global position
func (t *CommitmentTree) GetCommitment(store bulkappend.Store, position uint64) (result costs.Result[crypto.Hash]) {
	acc := &result.Cost
	entry, err := t.bulk.GetValue(store, position).UnwrapAddCost(acc)
	if err != nil {
		result.Err = err
		return
	}
	if len(entry) < crypto.HashLength {
		result.Err = ErrInvalidData(fmt.Sprintf("entry at position %d is %d bytes, shorter than a commitment",
			position, len(entry)))
		return
	}
	copy(result.Value[:], entry[:crypto.HashLength])
	return
}

// GetEpochBlob() reads a completed epoch's serialized entries
func (t *CommitmentTree) GetEpochBlob(store bulkappend.Store, epochIndex uint64) costs.Result[[]byte] {
	return t.bulk.GetEpochBlob(store, epochIndex)
}

// ComputeStateRoot() binds the incremental root and the bulk root under the
// composite label; verifiers call it with the roots they recomputed
func ComputeStateRoot(acc *costs.Cost, sinsemillaRoot, bulkStateRoot crypto.Hash) crypto.Hash {
	return crypto.LabeledHash(acc, stateLabel, sinsemillaRoot[:], bulkStateRoot[:])
}
