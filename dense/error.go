package dense

import (
	"fmt"

	"github.com/grovekv/grovekv/lib"
)

// ErrInvalidInput() signals heights or positions outside the tree's shape
func ErrInvalidInput(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeDenseInvalidInput, lib.DenseModule, msg)
}

// ErrInvalidProof() signals a proof that fails structural checks or the root comparison
func ErrInvalidProof(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeDenseInvalidProof, lib.DenseModule, msg)
}

// ErrCorruptedData() signals undecodable serialized state or an inconsistent store
func ErrCorruptedData(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeDenseCorruptedData, lib.DenseModule, msg)
}

// ErrTreeFull() signals an insert into a tree at capacity
func ErrTreeFull(capacity, count uint16) lib.ErrorI {
	return lib.NewError(lib.CodeDenseFull, lib.DenseModule,
		fmt.Sprintf("dense tree is full: count %d reached capacity %d", count, capacity))
}
