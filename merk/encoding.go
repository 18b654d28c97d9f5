package merk

import (
	"bytes"
	"encoding/binary"
	"math/big"

	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

/*
	On-disk node layout. The node's own key is its storage key, so only the
	value, feature, value hash and both child links are encoded:

	  varint(len(value)) || value
	  value_hash[32]
	  feature: kind byte || per-kind payload
	  left link:  0x00, or 0x01 || key_len u8 || key || hash[32] || aggregate || heights[2]
	  right link: same
*/

// EncodeNode() serialises a node for storage; links must carry valid hashes
func EncodeNode(n *TreeNode) []byte {
	buf := &bytes.Buffer{}
	writeUvarint(buf, uint64(len(n.Value)))
	buf.Write(n.Value)
	buf.Write(n.ValueHash[:])
	encodeFeature(buf, n.Feature)
	encodeLink(buf, n.Left)
	encodeLink(buf, n.Right)
	return buf.Bytes()
}

// DecodeNode() deserialises a node; both child links come back as Reference links
func DecodeNode(key, data []byte) (*TreeNode, lib.ErrorI) {
	r := bytes.NewReader(data)
	valueLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, lib.ErrCorruptedData("node value length unreadable")
	}
	value := make([]byte, valueLen)
	if _, e := r.Read(value); e != nil && valueLen > 0 {
		return nil, lib.ErrCorruptedData("node value truncated")
	}
	var valueHash crypto.Hash
	if _, e := r.Read(valueHash[:]); e != nil {
		return nil, lib.ErrCorruptedData("node value hash truncated")
	}
	feature, ferr := decodeFeature(r)
	if ferr != nil {
		return nil, ferr
	}
	left, lerr := decodeLink(r)
	if lerr != nil {
		return nil, lerr
	}
	right, rerr := decodeLink(r)
	if rerr != nil {
		return nil, rerr
	}
	encodedLen := uint32(len(data))
	return &TreeNode{
		Key:           lib.CopyBytes(key),
		Value:         value,
		Feature:       feature,
		ValueHash:     valueHash,
		Left:          left,
		Right:         right,
		oldEncodedLen: &encodedLen,
	}, nil
}

// encodeLink() writes a presence byte and, when present, the reference form of the link
func encodeLink(buf *bytes.Buffer, l *Link) {
	if l == nil {
		buf.WriteByte(0x00)
		return
	}
	buf.WriteByte(0x01)
	buf.WriteByte(byte(len(l.Key)))
	buf.Write(l.Key)
	buf.Write(l.Hash[:])
	encodeAggregate(buf, l.Aggregate)
	buf.WriteByte(l.ChildHeights[0])
	buf.WriteByte(l.ChildHeights[1])
}

// decodeLink() reads a link back as a pruned Reference
func decodeLink(r *bytes.Reader) (*Link, lib.ErrorI) {
	present, err := r.ReadByte()
	if err != nil {
		return nil, lib.ErrCorruptedData("link presence byte missing")
	}
	if present == 0x00 {
		return nil, nil
	}
	keyLen, err := r.ReadByte()
	if err != nil {
		return nil, lib.ErrCorruptedData("link key length missing")
	}
	key := make([]byte, keyLen)
	if _, e := r.Read(key); e != nil && keyLen > 0 {
		return nil, lib.ErrCorruptedData("link key truncated")
	}
	var hash crypto.Hash
	if _, e := r.Read(hash[:]); e != nil {
		return nil, lib.ErrCorruptedData("link hash truncated")
	}
	agg, aerr := decodeAggregate(r)
	if aerr != nil {
		return nil, aerr
	}
	h0, e0 := r.ReadByte()
	h1, e1 := r.ReadByte()
	if e0 != nil || e1 != nil {
		return nil, lib.ErrCorruptedData("link child heights truncated")
	}
	return &Link{
		State:        LinkReference,
		Hash:         hash,
		Aggregate:    agg,
		ChildHeights: [2]uint8{h0, h1},
		Key:          key,
	}, nil
}

// encodeFeature() writes the feature kind and its payload
func encodeFeature(buf *bytes.Buffer, f TreeFeatureType) {
	buf.WriteByte(byte(f.Kind))
	switch f.Kind {
	case SummedMerkNode:
		writeVarint(buf, f.Sum)
	case BigSummedMerkNode:
		buf.Write(bigTo16Bytes(f.BigSum))
	case CountedMerkNode, ProvableCountedMerkNode:
		writeUvarint(buf, f.Count)
	case CountedSummedMerkNode, ProvableCountedSummedMerkNode:
		writeUvarint(buf, f.Count)
		writeVarint(buf, f.Sum)
	}
}

// decodeFeature() reads a feature back
func decodeFeature(r *bytes.Reader) (f TreeFeatureType, err lib.ErrorI) {
	kind, e := r.ReadByte()
	if e != nil {
		return f, lib.ErrCorruptedData("feature kind missing")
	}
	f.Kind = FeatureKind(kind)
	switch f.Kind {
	case BasicMerkNode:
	case SummedMerkNode:
		if f.Sum, e = binary.ReadVarint(r); e != nil {
			return f, lib.ErrCorruptedData("feature sum unreadable")
		}
	case BigSummedMerkNode:
		raw := make([]byte, 16)
		if _, e = r.Read(raw); e != nil {
			return f, lib.ErrCorruptedData("feature big sum truncated")
		}
		f.BigSum = bytes16ToBig(raw)
	case CountedMerkNode, ProvableCountedMerkNode:
		if f.Count, e = binary.ReadUvarint(r); e != nil {
			return f, lib.ErrCorruptedData("feature count unreadable")
		}
	case CountedSummedMerkNode, ProvableCountedSummedMerkNode:
		if f.Count, e = binary.ReadUvarint(r); e != nil {
			return f, lib.ErrCorruptedData("feature count unreadable")
		}
		if f.Sum, e = binary.ReadVarint(r); e != nil {
			return f, lib.ErrCorruptedData("feature sum unreadable")
		}
	default:
		return f, lib.ErrCorruptedData("unknown feature kind")
	}
	return f, nil
}

// encodeAggregate() mirrors the feature codec for propagated aggregates
func encodeAggregate(buf *bytes.Buffer, a AggregateData) {
	encodeFeature(buf, TreeFeatureType{Kind: a.Kind, Sum: a.Sum, Count: a.Count, BigSum: a.BigSum})
}

// decodeAggregate() mirrors the feature codec for propagated aggregates
func decodeAggregate(r *bytes.Reader) (AggregateData, lib.ErrorI) {
	f, err := decodeFeature(r)
	if err != nil {
		return AggregateData{}, err
	}
	return AggregateData{Kind: f.Kind, Sum: f.Sum, Count: f.Count, BigSum: f.BigSum}, nil
}

// bigTo16Bytes() encodes a signed big int as 16-byte big-endian two's complement
func bigTo16Bytes(b *big.Int) []byte {
	out := make([]byte, 16)
	if b == nil {
		return out
	}
	v := new(big.Int).Set(b)
	if v.Sign() < 0 {
		// two's complement within 128 bits
		mod := new(big.Int).Lsh(big.NewInt(1), 128)
		v.Add(v, mod)
	}
	v.FillBytes(out)
	return out
}

// bytes16ToBig() decodes 16-byte big-endian two's complement to a signed big int
func bytes16ToBig(raw []byte) *big.Int {
	v := new(big.Int).SetBytes(raw)
	// values with the top bit set are negative
	if raw[0]&0x80 != 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), 128)
		v.Sub(v, mod)
	}
	return v
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, v)
	buf.Write(tmp[:n])
}

func writeVarint(buf *bytes.Buffer, v int64) {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutVarint(tmp, v)
	buf.Write(tmp[:n])
}
