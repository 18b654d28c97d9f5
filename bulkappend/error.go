package bulkappend

import (
	"github.com/grovekv/grovekv/lib"
)

// ErrInvalidInput() signals a malformed height, position, or query
func ErrInvalidInput(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeBulkInvalidInput, lib.BulkModule, msg)
}

// ErrInvalidProof() signals a proof that fails structural checks or the root comparison
func ErrInvalidProof(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeBulkInvalidProof, lib.BulkModule, msg)
}

// ErrCorruptedData() signals undecodable serialized state or an inconsistent store
func ErrCorruptedData(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeBulkCorruptedData, lib.BulkModule, msg)
}

// ErrMMR() wraps an error from the epoch MMR
func ErrMMR(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeBulkMMR, lib.BulkModule, msg)
}

// ErrStorage() wraps an error from the backing store
func ErrStorage(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeBulkStorage, lib.BulkModule, msg)
}
