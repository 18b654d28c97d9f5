package element

import (
	"bytes"
	"encoding/binary"
	"math/big"

	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

/*
	Element wire layout. The first byte is the type discriminant; the fields
	follow in declaration order with varint lengths, a presence byte for
	optional fields, and flags always last. This layout is ABI: verifiers hash
	the serialized bytes, so any change breaks every committed root.
*/

// Serialize() encodes the element into its stable wire form
func (e *Element) Serialize() ([]byte, lib.ErrorI) {
	if e.Type >= typeEnd {
		return nil, lib.ErrInvalidInput("cannot serialize an unknown element type")
	}
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(e.Type))
	switch e.Type {
	case TypeItem:
		writeElemBytes(buf, e.Value)
	case TypeReference:
		if e.Ref == nil {
			return nil, lib.ErrInvalidInput("reference element has no path")
		}
		if err := encodeRefPath(buf, e.Ref); err != nil {
			return nil, err
		}
		if e.MaxHops != nil {
			buf.WriteByte(1)
			buf.WriteByte(*e.MaxHops)
		} else {
			buf.WriteByte(0)
		}
	case TypeTree:
		writeOptBytes(buf, e.RootKey)
	case TypeSumItem:
		writeElemVarint(buf, e.Sum)
	case TypeSumTree:
		writeOptBytes(buf, e.RootKey)
		writeElemVarint(buf, e.Sum)
	case TypeBigSumTree:
		writeOptBytes(buf, e.RootKey)
		buf.Write(bigSumTo16Bytes(e.BigSum))
	case TypeCountTree, TypeProvableCountTree:
		writeOptBytes(buf, e.RootKey)
		writeElemUvarint(buf, e.Count)
	case TypeCountSumTree, TypeProvableCountSumTree:
		writeOptBytes(buf, e.RootKey)
		writeElemUvarint(buf, e.Count)
		writeElemVarint(buf, e.Sum)
	case TypeItemWithSumItem:
		writeElemBytes(buf, e.Value)
		writeElemVarint(buf, e.Sum)
	case TypeCommitmentTree:
		buf.Write(e.StateRoot[:])
		writeElemUvarint(buf, e.TotalCount)
	case TypeMmrTree:
		buf.Write(e.StateRoot[:])
		writeElemUvarint(buf, e.MmrSize)
	case TypeBulkAppendTree:
		buf.Write(e.StateRoot[:])
		writeElemUvarint(buf, e.TotalCount)
		buf.WriteByte(e.EpochHeight)
	}
	writeOptBytes(buf, e.Flags)
	return buf.Bytes(), nil
}

// Deserialize() decodes an element from its wire form
func Deserialize(data []byte) (*Element, lib.ErrorI) {
	t, err := TypeFromSerialized(data)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data[1:])
	e := &Element{Type: t}
	switch t {
	case TypeItem:
		e.Value, err = readElemBytes(r)
	case TypeReference:
		if e.Ref, err = decodeRefPath(r); err == nil {
			var present byte
			if present, err = readElemByte(r); err == nil && present == 1 {
				var hops byte
				if hops, err = readElemByte(r); err == nil {
					e.MaxHops = &hops
				}
			}
		}
	case TypeTree:
		e.RootKey, err = readOptBytes(r)
	case TypeSumItem:
		e.Sum, err = readElemVarint(r)
	case TypeSumTree:
		if e.RootKey, err = readOptBytes(r); err == nil {
			e.Sum, err = readElemVarint(r)
		}
	case TypeBigSumTree:
		if e.RootKey, err = readOptBytes(r); err == nil {
			e.BigSum, err = read16ByteBigSum(r)
		}
	case TypeCountTree, TypeProvableCountTree:
		if e.RootKey, err = readOptBytes(r); err == nil {
			e.Count, err = readElemUvarint(r)
		}
	case TypeCountSumTree, TypeProvableCountSumTree:
		if e.RootKey, err = readOptBytes(r); err == nil {
			if e.Count, err = readElemUvarint(r); err == nil {
				e.Sum, err = readElemVarint(r)
			}
		}
	case TypeItemWithSumItem:
		if e.Value, err = readElemBytes(r); err == nil {
			e.Sum, err = readElemVarint(r)
		}
	case TypeCommitmentTree:
		if err = readElemHash(r, &e.StateRoot); err == nil {
			e.TotalCount, err = readElemUvarint(r)
		}
	case TypeMmrTree:
		if err = readElemHash(r, &e.StateRoot); err == nil {
			e.MmrSize, err = readElemUvarint(r)
		}
	case TypeBulkAppendTree:
		if err = readElemHash(r, &e.StateRoot); err == nil {
			if e.TotalCount, err = readElemUvarint(r); err == nil {
				e.EpochHeight, err = readElemByte(r)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if e.Flags, err = readOptBytes(r); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, lib.ErrCorruptedData("trailing bytes after serialized element")
	}
	return e, nil
}

// encodeRefPath() writes a reference path: kind, then only the fields the kind uses
func encodeRefPath(buf *bytes.Buffer, ref *ReferencePath) lib.ErrorI {
	if ref.Kind >= refKindEnd {
		return lib.ErrInvalidInput("unknown reference path kind")
	}
	buf.WriteByte(byte(ref.Kind))
	switch ref.Kind {
	case AbsolutePath, RemovedCousin:
		writePathSegments(buf, ref.Path)
	case UpstreamRootHeight, UpstreamFromElementHeight:
		buf.WriteByte(ref.N)
		writePathSegments(buf, ref.Path)
	case Cousin, Sibling:
		writeElemBytes(buf, ref.Key)
	}
	return nil
}

// decodeRefPath() reads a reference path
func decodeRefPath(r *bytes.Reader) (*ReferencePath, lib.ErrorI) {
	kind, err := readElemByte(r)
	if err != nil {
		return nil, err
	}
	if RefKind(kind) >= refKindEnd {
		return nil, lib.ErrCorruptedData("unknown reference path kind")
	}
	ref := &ReferencePath{Kind: RefKind(kind)}
	switch ref.Kind {
	case AbsolutePath, RemovedCousin:
		ref.Path, err = readPathSegments(r)
	case UpstreamRootHeight, UpstreamFromElementHeight:
		if ref.N, err = readElemByte(r); err == nil {
			ref.Path, err = readPathSegments(r)
		}
	case Cousin, Sibling:
		ref.Key, err = readElemBytes(r)
	}
	if err != nil {
		return nil, err
	}
	return ref, nil
}

func writePathSegments(buf *bytes.Buffer, path [][]byte) {
	writeElemUvarint(buf, uint64(len(path)))
	for _, seg := range path {
		writeElemBytes(buf, seg)
	}
}

func readPathSegments(r *bytes.Reader) ([][]byte, lib.ErrorI) {
	n, err := readElemUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, lib.ErrCorruptedData("reference path segment count exceeds payload")
	}
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		seg, e := readElemBytes(r)
		if e != nil {
			return nil, e
		}
		out = append(out, seg)
	}
	return out, nil
}

func writeElemBytes(buf *bytes.Buffer, b []byte) {
	writeElemUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

// writeOptBytes() writes a presence byte, then the bytes when present; nil and
// empty are distinct on the wire
func writeOptBytes(buf *bytes.Buffer, b []byte) {
	if b == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	writeElemBytes(buf, b)
}

func writeElemUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutUvarint(tmp[:], v)])
}

func writeElemVarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutVarint(tmp[:], v)])
}

func readElemByte(r *bytes.Reader) (byte, lib.ErrorI) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, lib.ErrCorruptedData("serialized element truncated")
	}
	return b, nil
}

func readElemBytes(r *bytes.Reader) ([]byte, lib.ErrorI) {
	n, err := readElemUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, lib.ErrCorruptedData("serialized element field exceeds payload")
	}
	out := make([]byte, n)
	if n > 0 {
		if _, e := r.Read(out); e != nil {
			return nil, lib.ErrCorruptedData("serialized element truncated")
		}
	}
	return out, nil
}

func readOptBytes(r *bytes.Reader) ([]byte, lib.ErrorI) {
	present, err := readElemByte(r)
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	b, err := readElemBytes(r)
	if err != nil {
		return nil, err
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

func readElemUvarint(r *bytes.Reader) (uint64, lib.ErrorI) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, lib.ErrCorruptedData("serialized element varint unreadable")
	}
	return v, nil
}

func readElemVarint(r *bytes.Reader) (int64, lib.ErrorI) {
	v, err := binary.ReadVarint(r)
	if err != nil {
		return 0, lib.ErrCorruptedData("serialized element varint unreadable")
	}
	return v, nil
}

func readElemHash(r *bytes.Reader, out *crypto.Hash) lib.ErrorI {
	if n, err := r.Read(out[:]); err != nil || n != len(out) {
		return lib.ErrCorruptedData("serialized element hash truncated")
	}
	return nil
}

// bigSumTo16Bytes() encodes a big sum as 16 bytes two's complement big-endian
func bigSumTo16Bytes(b *big.Int) []byte {
	out := make([]byte, 16)
	if b == nil {
		return out
	}
	v := new(big.Int).Set(b)
	if v.Sign() < 0 {
		// two's complement: 2^128 + v
		v.Add(v, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	v.FillBytes(out)
	return out
}

// read16ByteBigSum() decodes a 16-byte two's complement big-endian sum
func read16ByteBigSum(r *bytes.Reader) (*big.Int, lib.ErrorI) {
	raw := make([]byte, 16)
	if n, err := r.Read(raw); err != nil || n != 16 {
		return nil, lib.ErrCorruptedData("serialized element big sum truncated")
	}
	v := new(big.Int).SetBytes(raw)
	if raw[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	return v, nil
}
