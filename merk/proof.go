package merk

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

// MaxProofSize caps decoded proofs at 100 MiB
const MaxProofSize = 100 * 1024 * 1024

// NodeTag discriminates the payload a Push op carries
type NodeTag byte

const (
	// NodeHash is an opaque subtree digest
	NodeHash NodeTag = iota
	// NodeKVHash is a node's kv hash with no key or value surfaced
	NodeKVHash
	// NodeKV surfaces key and value; the verifier recomputes the value hash
	NodeKV
	// NodeKVValueHash surfaces key and value with a trusted value hash
	NodeKVValueHash
	// NodeKVDigest surfaces a key and its value hash, proving boundary absence
	NodeKVDigest
	// NodeKVRefValueHash surfaces a reference's key, dereferenced value, and
	// the element's own value hash; the verifier recombines them
	NodeKVRefValueHash
	// NodeKVValueHashFeatureType adds the feature type, carrying aggregates
	NodeKVValueHashFeatureType
	// NodeKVCount surfaces key and value plus a committed subtree count
	NodeKVCount
	// NodeKVRefValueHashCount is the reference form with a committed subtree count
	NodeKVRefValueHashCount
	// NodeKVHashCount is the kv-hash form with a committed subtree count
	NodeKVHashCount
	nodeTagEnd
)

// ProofNode is one pushed node of a proof op stream
type ProofNode struct {
	Tag       NodeTag
	Hash      crypto.Hash // NodeHash, NodeKVHash, NodeKVHashCount
	Key       []byte
	Value     []byte
	ValueHash crypto.Hash
	Feature   TreeFeatureType // NodeKVValueHashFeatureType
	// Count is the subtree count committed into provable-count node hashes
	Count uint64
}

// HasKey() reports whether the node surfaces a key
func (n *ProofNode) HasKey() bool {
	switch n.Tag {
	case NodeKV, NodeKVValueHash, NodeKVDigest, NodeKVRefValueHash,
		NodeKVValueHashFeatureType, NodeKVCount, NodeKVRefValueHashCount:
		return true
	}
	return false
}

// OpTag is one proof opcode; push tags start at 0x10 plus the node tag
type OpTag byte

const (
	OpParent         OpTag = 0x00
	OpParentInverted OpTag = 0x01
	OpChild          OpTag = 0x02
	OpChildInverted  OpTag = 0x03
	opPushBase       OpTag = 0x10
)

// Op is one decoded proof operation; Node is nil for structural ops
type Op struct {
	Tag  OpTag
	Node *ProofNode
}

// PushOp() wraps a node in a push operation
func PushOp(n *ProofNode) Op { return Op{Tag: opPushBase + OpTag(n.Tag), Node: n} }

// EncodeOps() serialises a proof op stream
func EncodeOps(ops []Op) []byte {
	buf := &bytes.Buffer{}
	for _, op := range ops {
		buf.WriteByte(byte(op.Tag))
		if op.Node != nil {
			encodeProofNode(buf, op.Node)
		}
	}
	return buf.Bytes()
}

// DecodeOps() deserialises a proof op stream, enforcing the size ceiling
func DecodeOps(data []byte) ([]Op, lib.ErrorI) {
	if len(data) > MaxProofSize {
		return nil, lib.ErrInvalidProof("proof exceeds the decode ceiling")
	}
	r := bytes.NewReader(data)
	var ops []Op
	for r.Len() > 0 {
		tag, _ := r.ReadByte()
		switch OpTag(tag) {
		case OpParent, OpParentInverted, OpChild, OpChildInverted:
			ops = append(ops, Op{Tag: OpTag(tag)})
			continue
		}
		nodeTag := NodeTag(OpTag(tag) - opPushBase)
		if OpTag(tag) < opPushBase || nodeTag >= nodeTagEnd {
			return nil, lib.ErrInvalidProof("unknown proof opcode")
		}
		node, err := decodeProofNode(r, nodeTag)
		if err != nil {
			return nil, err
		}
		ops = append(ops, Op{Tag: OpTag(tag), Node: node})
	}
	return ops, nil
}

func encodeProofNode(buf *bytes.Buffer, n *ProofNode) {
	switch n.Tag {
	case NodeHash, NodeKVHash:
		buf.Write(n.Hash[:])
	case NodeKV:
		writeProofBytes(buf, n.Key)
		writeProofBytes(buf, n.Value)
	case NodeKVValueHash, NodeKVRefValueHash:
		writeProofBytes(buf, n.Key)
		writeProofBytes(buf, n.Value)
		buf.Write(n.ValueHash[:])
	case NodeKVDigest:
		writeProofBytes(buf, n.Key)
		buf.Write(n.ValueHash[:])
	case NodeKVValueHashFeatureType:
		writeProofBytes(buf, n.Key)
		writeProofBytes(buf, n.Value)
		buf.Write(n.ValueHash[:])
		encodeFeature(buf, n.Feature)
	case NodeKVCount:
		writeProofBytes(buf, n.Key)
		writeProofBytes(buf, n.Value)
		writeUvarint(buf, n.Count)
	case NodeKVRefValueHashCount:
		writeProofBytes(buf, n.Key)
		writeProofBytes(buf, n.Value)
		buf.Write(n.ValueHash[:])
		writeUvarint(buf, n.Count)
	case NodeKVHashCount:
		buf.Write(n.Hash[:])
		writeUvarint(buf, n.Count)
	}
}

func decodeProofNode(r *bytes.Reader, tag NodeTag) (*ProofNode, lib.ErrorI) {
	n := &ProofNode{Tag: tag}
	var err lib.ErrorI
	switch tag {
	case NodeHash, NodeKVHash:
		err = readProofHash(r, &n.Hash)
	case NodeKV:
		if n.Key, err = readProofBytes(r); err == nil {
			n.Value, err = readProofBytes(r)
		}
	case NodeKVValueHash, NodeKVRefValueHash:
		if n.Key, err = readProofBytes(r); err == nil {
			if n.Value, err = readProofBytes(r); err == nil {
				err = readProofHash(r, &n.ValueHash)
			}
		}
	case NodeKVDigest:
		if n.Key, err = readProofBytes(r); err == nil {
			err = readProofHash(r, &n.ValueHash)
		}
	case NodeKVValueHashFeatureType:
		if n.Key, err = readProofBytes(r); err == nil {
			if n.Value, err = readProofBytes(r); err == nil {
				if err = readProofHash(r, &n.ValueHash); err == nil {
					n.Feature, err = decodeFeature(r)
				}
			}
		}
	case NodeKVCount:
		if n.Key, err = readProofBytes(r); err == nil {
			if n.Value, err = readProofBytes(r); err == nil {
				n.Count, err = readProofUvarint(r)
			}
		}
	case NodeKVRefValueHashCount:
		if n.Key, err = readProofBytes(r); err == nil {
			if n.Value, err = readProofBytes(r); err == nil {
				if err = readProofHash(r, &n.ValueHash); err == nil {
					n.Count, err = readProofUvarint(r)
				}
			}
		}
	case NodeKVHashCount:
		if err = readProofHash(r, &n.Hash); err == nil {
			n.Count, err = readProofUvarint(r)
		}
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func writeProofBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readProofBytes(r *bytes.Reader) ([]byte, lib.ErrorI) {
	n, err := binary.ReadUvarint(r)
	if err != nil || n > MaxProofSize {
		return nil, lib.ErrInvalidProof("proof field length unreadable")
	}
	out := make([]byte, n)
	if _, e := io.ReadFull(r, out); e != nil {
		return nil, lib.ErrInvalidProof("proof field truncated")
	}
	return out, nil
}

func readProofHash(r *bytes.Reader, out *crypto.Hash) lib.ErrorI {
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return lib.ErrInvalidProof("proof hash truncated")
	}
	return nil
}

func readProofUvarint(r *bytes.Reader) (uint64, lib.ErrorI) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, lib.ErrInvalidProof("proof count unreadable")
	}
	return v, nil
}
