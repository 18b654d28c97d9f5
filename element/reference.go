package element

import (
	"github.com/grovekv/grovekv/lib"
)

// RefKind discriminates how a reference's stored path combines with the path
// it is stored at
type RefKind byte

const (
	// AbsolutePath holds the full path to the target
	AbsolutePath RefKind = iota
	// UpstreamRootHeight keeps the first N segments of the current path and
	// appends the stored path
	UpstreamRootHeight
	// UpstreamFromElementHeight discards the last N segments of the current
	// path and appends the stored path
	UpstreamFromElementHeight
	// Cousin swaps the immediate parent segment with the stored key, keeping
	// the element's own key
	Cousin
	// RemovedCousin swaps the immediate parent segment with the stored path,
	// keeping the element's own key
	RemovedCousin
	// Sibling points at another key in the same subtree
	Sibling

	refKindEnd
)

// DefaultMaxReferenceHops bounds chained reference resolution when the
// element does not carry its own limit
const DefaultMaxReferenceHops = 10

// ReferencePath describes where a reference element points. Resolution is
// pure path arithmetic; the forest layer walks the result.
type ReferencePath struct {
	Kind RefKind
	// N is the keep count for UpstreamRootHeight and the discard count for
	// UpstreamFromElementHeight
	N uint8
	// Path is the absolute or appended path, or the replacement parent path
	// for RemovedCousin
	Path [][]byte
	// Key is the swapped-in segment for Cousin and Sibling references
	Key []byte
}

// AbsoluteRef() builds an absolute-path reference
func AbsoluteRef(path ...[]byte) *ReferencePath {
	return &ReferencePath{Kind: AbsolutePath, Path: path}
}

// UpstreamRootHeightRef() keeps the first n segments of the current path
func UpstreamRootHeightRef(n uint8, path ...[]byte) *ReferencePath {
	return &ReferencePath{Kind: UpstreamRootHeight, N: n, Path: path}
}

// UpstreamFromElementHeightRef() discards the last n segments of the current path
func UpstreamFromElementHeightRef(n uint8, path ...[]byte) *ReferencePath {
	return &ReferencePath{Kind: UpstreamFromElementHeight, N: n, Path: path}
}

// CousinRef() swaps the parent segment with a key
func CousinRef(key []byte) *ReferencePath { return &ReferencePath{Kind: Cousin, Key: key} }

// RemovedCousinRef() swaps the parent segment with a path
func RemovedCousinRef(path ...[]byte) *ReferencePath {
	return &ReferencePath{Kind: RemovedCousin, Path: path}
}

// SiblingRef() points at another key under the same parent
func SiblingRef(key []byte) *ReferencePath { return &ReferencePath{Kind: Sibling, Key: key} }

// Absolute() resolves the reference against the path and key it is stored at,
// returning the absolute qualified path (path segments plus terminal key) of
// the target
func (r *ReferencePath) Absolute(currentPath [][]byte, currentKey []byte) ([][]byte, lib.ErrorI) {
	switch r.Kind {
	case AbsolutePath:
		return copyPath(r.Path), nil
	case UpstreamRootHeight:
		if int(r.N) > len(currentPath) {
			return nil, lib.ErrInvalidInput("reference keeps more path segments than exist")
		}
		return append(copyPath(currentPath[:r.N]), copyPath(r.Path)...), nil
	case UpstreamFromElementHeight:
		if int(r.N) > len(currentPath) {
			return nil, lib.ErrInvalidInput("reference discards more path segments than exist")
		}
		keep := len(currentPath) - int(r.N)
		return append(copyPath(currentPath[:keep]), copyPath(r.Path)...), nil
	case Cousin:
		if len(currentPath) == 0 {
			return nil, lib.ErrInvalidInput("cousin reference requires a parent segment")
		}
		out := copyPath(currentPath[:len(currentPath)-1])
		out = append(out, lib.CopyBytes(r.Key))
		return append(out, lib.CopyBytes(currentKey)), nil
	case RemovedCousin:
		if len(currentPath) == 0 {
			return nil, lib.ErrInvalidInput("cousin reference requires a parent segment")
		}
		out := copyPath(currentPath[:len(currentPath)-1])
		out = append(out, copyPath(r.Path)...)
		return append(out, lib.CopyBytes(currentKey)), nil
	case Sibling:
		return append(copyPath(currentPath), lib.CopyBytes(r.Key)), nil
	}
	return nil, lib.ErrCorruptedData("unknown reference path kind")
}

func copyPath(p [][]byte) [][]byte {
	out := make([][]byte, 0, len(p))
	for _, seg := range p {
		out = append(out, lib.CopyBytes(seg))
	}
	return out
}
