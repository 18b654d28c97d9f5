package store

/*
	Store is the badger-backed byte store behind the engine.

	It keeps two layers:

	  - a long-lived read-only badger transaction (the read view of the
	    last committed state)
	  - an in-memory Txn overlay collecting every uncommitted write

	Storage contexts hand out prefixed slices of this pair, so any number
	of subtrees share one uncommitted batch. Commit() flushes the overlay
	to badger atomically through a write batch and refreshes the read
	view; Discard() drops the overlay without touching disk.
*/

import (
	"path/filepath"

	"github.com/dgraph-io/badger/v4"

	"github.com/grovekv/grovekv/lib"
)

// Store is the engine's transactional byte store
type Store struct {
	db      *badger.DB
	reader  *badger.Txn // read view of the last committed state
	wrapper *TxnWrapper
	txn     *Txn // uncommitted write overlay
	config  lib.Config
	log     lib.LoggerI
}

// New() opens (or creates) the byte store described by the config
func New(config lib.Config, log lib.LoggerI) (*Store, lib.ErrorI) {
	opts := badger.DefaultOptions(filepath.Join(config.DataDirPath, config.DBName))
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, ErrOpenDB(err)
	}
	return NewStoreWithDB(db, config, log), nil
}

// NewStoreWithDB() builds a Store over an already opened badger handle
func NewStoreWithDB(db *badger.DB, config lib.Config, log lib.LoggerI) *Store {
	reader := db.NewTransaction(false)
	wrapper := NewTxnWrapper(reader, log, nil)
	return &Store{
		db:      db,
		reader:  reader,
		wrapper: wrapper,
		txn:     NewTxn(wrapper),
		config:  config,
		log:     log,
	}
}

// NewContext() returns a storage context scoped to the given prefix; every
// context shares the store's read view and uncommitted overlay
func (s *Store) NewContext(prefix []byte) *Context {
	return &Context{store: s, prefix: lib.CopyBytes(prefix)}
}

// Commit() flushes the uncommitted overlay to badger in one atomic write
// batch and refreshes the read view. Iterators opened before a commit hold
// the old view and must be closed first.
func (s *Store) Commit() lib.ErrorI {
	batch := s.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range s.txn.sorted {
		o := s.txn.ops[key]
		if o.delete {
			if err := batch.Delete([]byte(key)); err != nil {
				return ErrStoreDelete(err)
			}
		} else if err := batch.Set([]byte(key), o.value); err != nil {
			return ErrStoreSet(err)
		}
	}
	if err := batch.Flush(); err != nil {
		return ErrFlushBatch(err)
	}
	s.txn.reset()
	s.refreshReader()
	return nil
}

// Discard() drops every uncommitted write
func (s *Store) Discard() { s.txn.reset() }

// PendingWrites() reports how many keys the uncommitted overlay holds
func (s *Store) PendingWrites() int { return s.txn.sortedLen }

// Close() releases the read view and the underlying database
func (s *Store) Close() lib.ErrorI {
	s.reader.Discard()
	if err := s.db.Close(); err != nil {
		return ErrCloseDB(err)
	}
	return nil
}

// DB() exposes the underlying badger handle
func (s *Store) DB() *badger.DB { return s.db }

// refreshReader() replaces the read view with one that sees the last commit
func (s *Store) refreshReader() {
	s.reader.Discard()
	s.reader = s.db.NewTransaction(false)
	s.wrapper.setDB(s.reader)
}
