package store

import (
	"fmt"

	"github.com/grovekv/grovekv/lib"
)

// ErrOpenDB() signals a failure to open the underlying badger database
func ErrOpenDB(err error) lib.ErrorI {
	return lib.NewError(lib.CodeOpenDB, lib.StorageModule,
		fmt.Sprintf("openDB() failed with err: %s", err))
}

// ErrCloseDB() signals a failure to close the underlying badger database
func ErrCloseDB(err error) lib.ErrorI {
	return lib.NewError(lib.CodeCloseDB, lib.StorageModule,
		fmt.Sprintf("closeDB() failed with err: %s", err))
}

// ErrCommitDB() signals a failure to commit the current read view
func ErrCommitDB(err error) lib.ErrorI {
	return lib.NewError(lib.CodeCommitDB, lib.StorageModule,
		fmt.Sprintf("commitDB() failed with err: %s", err))
}

// ErrStoreSet() signals a failed write to the byte store
func ErrStoreSet(err error) lib.ErrorI {
	return lib.NewError(lib.CodeStoreSet, lib.StorageModule,
		fmt.Sprintf("storeSet() failed with err: %s", err))
}

// ErrStoreGet() signals a failed read from the byte store
func ErrStoreGet(err error) lib.ErrorI {
	return lib.NewError(lib.CodeStoreGet, lib.StorageModule,
		fmt.Sprintf("storeGet() failed with err: %s", err))
}

// ErrStoreDelete() signals a failed delete on the byte store
func ErrStoreDelete(err error) lib.ErrorI {
	return lib.NewError(lib.CodeStoreDelete, lib.StorageModule,
		fmt.Sprintf("storeDelete() failed with err: %s", err))
}

// ErrFlushBatch() signals a failed write-batch flush
func ErrFlushBatch(err error) lib.ErrorI {
	return lib.NewError(lib.CodeFlushBatch, lib.StorageModule,
		fmt.Sprintf("flushBatch() failed with err: %s", err))
}

// ErrInvalidKey() signals a key the store refuses to accept
func ErrInvalidKey(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidKey, lib.StorageModule, msg)
}
