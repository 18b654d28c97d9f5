package commitment

/*
	Client-side commitment tree. Where the server-side CommitmentTree only
	carries the frontier (enough to keep appending and computing roots), a
	client that wants to spend notes needs authentication paths, so it
	replays the commitment stream into a ShardTree and marks the positions
	it cares about. Backed by a SqliteShardStore the client state survives
	restarts; backed by a MemShardStore it is ephemeral.
*/

import (
	"database/sql"
	"sync"

	"github.com/grovekv/grovekv/lib"
	"github.com/grovekv/grovekv/lib/crypto"
)

// ClientTree is a witness-capable commitment tree over a ShardStore
type ClientTree struct {
	tree *ShardTree
}

// NewClientTree() creates a client tree over any shard store
func NewClientTree(store ShardStore, maxCheckpoints int) *ClientTree {
	return &ClientTree{tree: NewShardTree(store, maxCheckpoints)}
}

// OpenClientTree() opens a persistent client tree on a dedicated SQLite
// database file, creating it if missing
func OpenClientTree(path string, maxCheckpoints int) (*ClientTree, lib.ErrorI) {
	store, err := OpenSqliteShardStore(path)
	if err != nil {
		return nil, err
	}
	return NewClientTree(store, maxCheckpoints), nil
}

// OpenClientTreeOnDB() opens a persistent client tree on an existing owned
// database handle
func OpenClientTreeOnDB(db *sql.DB, maxCheckpoints int) (*ClientTree, lib.ErrorI) {
	store, err := NewSqliteShardStore(db)
	if err != nil {
		return nil, err
	}
	return NewClientTree(store, maxCheckpoints), nil
}

// OpenClientTreeShared() opens a persistent client tree sharing a database
// handle with the rest of the application; every store call locks mu
func OpenClientTreeShared(db *sql.DB, mu *sync.Mutex, maxCheckpoints int) (*ClientTree, lib.ErrorI) {
	store, err := NewSharedSqliteShardStore(db, mu)
	if err != nil {
		return nil, err
	}
	return NewClientTree(store, maxCheckpoints), nil
}

// Append() adds a commitment at the next position with the given retention
func (c *ClientTree) Append(cmx crypto.Hash, retention Retention) lib.ErrorI {
	position, err := c.nextPosition()
	if err != nil {
		return err
	}
	return c.tree.Insert(position, cmx, retention)
}

// Checkpoint() records the current tree state under the given id; false
// when the id is not greater than every stored checkpoint id
func (c *ClientTree) Checkpoint(id uint32) (bool, lib.ErrorI) {
	return c.tree.Checkpoint(id)
}

// MaxLeafPosition() returns the position of the last appended commitment
func (c *ClientTree) MaxLeafPosition() (uint64, bool, lib.ErrorI) {
	return c.tree.MaxLeafPosition()
}

// Root() returns the current depth-32 root (the anchor for new proofs)
func (c *ClientTree) Root() (crypto.Hash, lib.ErrorI) {
	return c.tree.Root()
}

// RootAtCheckpointDepth() returns the root as of the checkpoint at depth
func (c *ClientTree) RootAtCheckpointDepth(depth int) (crypto.Hash, lib.ErrorI) {
	return c.tree.RootAtCheckpointDepth(depth)
}

// Witness() returns the 32 path siblings of a marked commitment against the
// current tree state
func (c *ClientTree) Witness(position uint64) ([]crypto.Hash, lib.ErrorI) {
	path, err := c.tree.Witness(position)
	if err != nil {
		return nil, err
	}
	return path.AuthPath[:], nil
}

// OrchardWitness() returns the full MerklePath (position plus siblings) of
// a marked commitment, the shape note-spending circuits consume
func (c *ClientTree) OrchardWitness(position uint64) (*MerklePath, lib.ErrorI) {
	return c.tree.Witness(position)
}

// WitnessAtCheckpointDepth() returns the MerklePath as of a checkpoint
func (c *ClientTree) WitnessAtCheckpointDepth(position uint64, depth int) (*MerklePath, lib.ErrorI) {
	return c.tree.WitnessAtCheckpointDepth(position, depth)
}

// RemoveMark() withdraws witness retention from a commitment
func (c *ClientTree) RemoveMark(position uint64) lib.ErrorI {
	return c.tree.RemoveMark(position)
}

// nextPosition() is 0 for an empty tree, last position + 1 otherwise
func (c *ClientTree) nextPosition() (uint64, lib.ErrorI) {
	position, ok, err := c.tree.MaxLeafPosition()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return position + 1, nil
}
