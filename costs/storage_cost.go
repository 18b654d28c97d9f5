package costs

/*
	StorageCost tracks the bytes an operation added, replaced and removed.
	Removed bytes may be attributed to (identity, epoch) cells so a consensus
	layer can credit the accounts that originally paid for the storage.
*/

// Identifier names the identity that paid for removed storage
type Identifier = [32]byte

// UnknownEpoch marks removal bytes that cannot be attributed to a specific epoch
const UnknownEpoch uint16 = 0xFFFF

// RemovalKind discriminates the three removal representations
type RemovalKind byte

const (
	NoRemoval RemovalKind = iota
	BasicRemoval
	SectionedRemoval
)

// Removal records removed bytes: none, a basic total, or sectioned per (identity, epoch)
type Removal struct {
	Kind      RemovalKind
	Basic     uint32
	Sectioned map[Identifier]map[uint16]uint32
}

// NoStorageRemoval() is the identity removal
func NoStorageRemoval() Removal { return Removal{Kind: NoRemoval} }

// BasicStorageRemoval() records an unattributed byte total
func BasicStorageRemoval(n uint32) Removal { return Removal{Kind: BasicRemoval, Basic: n} }

// SectionedStorageRemoval() records bytes per (identity, epoch) cell
func SectionedStorageRemoval(m map[Identifier]map[uint16]uint32) Removal {
	return Removal{Kind: SectionedRemoval, Sectioned: m}
}

// HasRemoval() reports whether any bytes were actually removed; zero-byte cells do not count
func (r *Removal) HasRemoval() bool {
	switch r.Kind {
	case BasicRemoval:
		return r.Basic > 0
	case SectionedRemoval:
		for _, byEpoch := range r.Sectioned {
			for _, v := range byEpoch {
				if v > 0 {
					return true
				}
			}
		}
	}
	return false
}

// TotalRemovedBytes() sums every removal cell
func (r *Removal) TotalRemovedBytes() uint32 {
	switch r.Kind {
	case BasicRemoval:
		return r.Basic
	case SectionedRemoval:
		total := uint32(0)
		for _, byEpoch := range r.Sectioned {
			for _, v := range byEpoch {
				total += v
			}
		}
		return total
	}
	return 0
}

// Add() merges another removal into this one under the sectioned-promotion rules:
// Basic joining a Sectioned lands in the (default identifier, UnknownEpoch) cell
func (r *Removal) Add(other Removal) {
	switch r.Kind {
	case NoRemoval:
		*r = other.clone()
	case BasicRemoval:
		switch other.Kind {
		case NoRemoval:
		case BasicRemoval:
			r.Basic += other.Basic
		case SectionedRemoval:
			merged := other.clone()
			merged.addToDefaultCell(r.Basic)
			*r = merged
		}
	case SectionedRemoval:
		switch other.Kind {
		case NoRemoval:
		case BasicRemoval:
			r.addToDefaultCell(other.Basic)
		case SectionedRemoval:
			// union by identity, then by epoch, summing leaf values
			for id, byEpoch := range other.Sectioned {
				existing, ok := r.Sectioned[id]
				if !ok {
					existing = make(map[uint16]uint32, len(byEpoch))
					r.Sectioned[id] = existing
				}
				for epoch, v := range byEpoch {
					existing[epoch] += v
				}
			}
		}
	}
}

// Compare() orders removals: None < Basic; two Basics compare numerically;
// sectioned removals compare by total
func (r *Removal) Compare(other *Removal) int {
	a, b := r.TotalRemovedBytes(), other.TotalRemovedBytes()
	switch {
	case r.Kind == NoRemoval && other.Kind != NoRemoval:
		return -1
	case r.Kind != NoRemoval && other.Kind == NoRemoval:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// addToDefaultCell() folds basic bytes into the (default identifier, UnknownEpoch) cell
func (r *Removal) addToDefaultCell(n uint32) {
	var def Identifier
	byEpoch, ok := r.Sectioned[def]
	if !ok {
		byEpoch = make(map[uint16]uint32, 1)
		r.Sectioned[def] = byEpoch
	}
	byEpoch[UnknownEpoch] += n
}

// clone() deep-copies a removal so additions never alias caller maps
func (r Removal) clone() Removal {
	if r.Kind != SectionedRemoval {
		return r
	}
	m := make(map[Identifier]map[uint16]uint32, len(r.Sectioned))
	for id, byEpoch := range r.Sectioned {
		inner := make(map[uint16]uint32, len(byEpoch))
		for e, v := range byEpoch {
			inner[e] = v
		}
		m[id] = inner
	}
	return Removal{Kind: SectionedRemoval, Sectioned: m}
}

// StorageCost is the byte-level ledger of a single storage operation
type StorageCost struct {
	AddedBytes    uint32
	ReplacedBytes uint32
	RemovedBytes  Removal
}

// Add() accumulates another storage cost into this one
func (s *StorageCost) Add(other StorageCost) {
	s.AddedBytes += other.AddedBytes
	s.ReplacedBytes += other.ReplacedBytes
	s.RemovedBytes.Add(other.RemovedBytes)
}

// IsZero() reports whether nothing was added, replaced or removed
func (s *StorageCost) IsZero() bool {
	return s.AddedBytes == 0 && s.ReplacedBytes == 0 && !s.RemovedBytes.HasRemoval()
}

// TransitionType classifies what a storage operation did to its target
type TransitionType byte

const (
	TransitionNone TransitionType = iota
	TransitionInsertNew
	TransitionUpdateBiggerSize
	TransitionUpdateSmallerSize
	TransitionUpdateSameSize
	TransitionReplace
	TransitionDelete
)

// Transition() maps (added, replaced, removed) to exactly one transition type.
// The classifier is total: every combination lands in one case.
func (s *StorageCost) Transition() TransitionType {
	if s.AddedBytes > 0 {
		if s.RemovedBytes.HasRemoval() {
			return TransitionReplace
		}
		if s.ReplacedBytes > 0 {
			return TransitionUpdateBiggerSize
		}
		return TransitionInsertNew
	}
	if s.RemovedBytes.HasRemoval() {
		if s.ReplacedBytes > 0 {
			return TransitionUpdateSmallerSize
		}
		return TransitionDelete
	}
	if s.ReplacedBytes > 0 {
		return TransitionUpdateSameSize
	}
	return TransitionNone
}
