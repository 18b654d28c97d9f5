package mmr

import (
	"github.com/grovekv/grovekv/lib"
)

// ErrInvalidInput() signals caller-supplied positions or sizes that cannot address the MMR
func ErrInvalidInput(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeMMRInvalidInput, lib.MMRModule, msg)
}

// ErrInvalidProof() signals a proof that does not replay to the expected root
func ErrInvalidProof(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeMMRInvalidProof, lib.MMRModule, msg)
}

// ErrCorruptedData() signals undecodable or inconsistent stored nodes
func ErrCorruptedData(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeMMRCorruptedData, lib.MMRModule, msg)
}

// ErrInconsistentStore() signals a position the MMR shape says must exist but the store lacks
func ErrInconsistentStore() lib.ErrorI {
	return lib.NewError(lib.CodeMMRStorage, lib.MMRModule, "mmr store is missing a required position")
}
