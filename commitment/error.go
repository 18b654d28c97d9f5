package commitment

import (
	"fmt"

	"github.com/grovekv/grovekv/lib"
)

// ErrShardStore() wraps a failure of the backing shard store (sqlite or memory)
func ErrShardStore(err error) lib.ErrorI {
	return lib.NewError(lib.CodeShardStore, lib.CommitmentModule,
		fmt.Sprintf("shard store: %s", err.Error()))
}

// ErrShardStoreMsg() signals a shard store failure with no underlying error
func ErrShardStoreMsg(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeShardStore, lib.CommitmentModule, msg)
}

// ErrCheckpointMissing() signals a checkpoint depth or id with no stored checkpoint
func ErrCheckpointMissing(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeCheckpointMissing, lib.CommitmentModule, msg)
}

// ErrPositionMissing() signals a leaf position absent from the stored shards
func ErrPositionMissing(position uint64) lib.ErrorI {
	return lib.NewError(lib.CodePositionMissing, lib.CommitmentModule,
		fmt.Sprintf("no leaf stored at position %d", position))
}

// ErrTreeFull() signals an append beyond the depth-32 leaf capacity
func ErrTreeFull() lib.ErrorI {
	return lib.NewError(lib.CodeTreeFull, lib.CommitmentModule,
		"commitment tree is full")
}

// ErrInvalidData() signals undecodable serialized state or malformed input
func ErrInvalidData(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeCommitmentInvalidData, lib.CommitmentModule, msg)
}
