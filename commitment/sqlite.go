package commitment

/*
	SQLite-backed ShardStore. Four tables with a commitment_tree_ prefix so
	the store can coexist inside any existing SQLite database:

	  commitment_tree_shards(shard_index INTEGER PRIMARY KEY, shard_data BLOB)
	  commitment_tree_cap(id INTEGER PRIMARY KEY CHECK (id = 0), cap_data BLOB)
	  commitment_tree_checkpoints(checkpoint_id INTEGER PRIMARY KEY, position INTEGER)
	  commitment_tree_checkpoint_marks_removed(checkpoint_id, position,
	      PRIMARY KEY (checkpoint_id, position))

	Two connection modes:
	  - Owned:  NewSqliteShardStore(db) takes exclusive use of the handle
	  - Shared: NewSharedSqliteShardStore(db, mu) shares the handle with the
	    rest of the application; every store method locks the mutex for its
	    duration so multi-statement operations execute atomically under one
	    acquisition
*/

import (
	"database/sql"
	"sync"

	"github.com/grovekv/grovekv/lib"
	_ "modernc.org/sqlite"
)

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS commitment_tree_shards (
	shard_index INTEGER PRIMARY KEY,
	shard_data  BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS commitment_tree_cap (
	id       INTEGER PRIMARY KEY CHECK (id = 0),
	cap_data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS commitment_tree_checkpoints (
	checkpoint_id INTEGER PRIMARY KEY,
	position      INTEGER
);
CREATE TABLE IF NOT EXISTS commitment_tree_checkpoint_marks_removed (
	checkpoint_id INTEGER NOT NULL,
	position      INTEGER NOT NULL,
	PRIMARY KEY (checkpoint_id, position),
	FOREIGN KEY (checkpoint_id) REFERENCES commitment_tree_checkpoints(checkpoint_id)
);`

// SqliteShardStore persists commitment-tree state in a SQLite database
type SqliteShardStore struct {
	db *sql.DB
	mu *sync.Mutex // nil in owned mode
}

var _ ShardStore = (*SqliteShardStore)(nil)

// NewSqliteShardStore() creates a store that owns the database handle,
// creating the required tables if missing
func NewSqliteShardStore(db *sql.DB) (*SqliteShardStore, lib.ErrorI) {
	s := &SqliteShardStore{db: db}
	if _, err := db.Exec(createTablesSQL); err != nil {
		return nil, ErrShardStore(err)
	}
	return s, nil
}

// NewSharedSqliteShardStore() creates a store that shares the database handle
// with other components, serializing its calls through the given mutex
func NewSharedSqliteShardStore(db *sql.DB, mu *sync.Mutex) (*SqliteShardStore, lib.ErrorI) {
	mu.Lock()
	_, err := db.Exec(createTablesSQL)
	mu.Unlock()
	if err != nil {
		return nil, ErrShardStore(err)
	}
	return &SqliteShardStore{db: db, mu: mu}, nil
}

// OpenSqliteShardStore() opens (or creates) a dedicated database file at path
func OpenSqliteShardStore(path string) (*SqliteShardStore, lib.ErrorI) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ErrShardStore(err)
	}
	return NewSqliteShardStore(db)
}

// Close() closes the handle; only valid in owned mode
func (s *SqliteShardStore) Close() lib.ErrorI {
	if s.mu != nil {
		return ErrShardStoreMsg("cannot close a shared connection")
	}
	if err := s.db.Close(); err != nil {
		return ErrShardStore(err)
	}
	return nil
}

// lock() acquires the shared mutex when present
func (s *SqliteShardStore) lock() func() {
	if s.mu == nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *SqliteShardStore) GetShard(index uint64) (*Node, lib.ErrorI) {
	defer s.lock()()
	var data []byte
	err := s.db.QueryRow(
		"SELECT shard_data FROM commitment_tree_shards WHERE shard_index = ?", int64(index),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ErrShardStore(err)
	}
	return DeserializeNode(data)
}

func (s *SqliteShardStore) PutShard(index uint64, root *Node) lib.ErrorI {
	defer s.lock()()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO commitment_tree_shards (shard_index, shard_data) VALUES (?, ?)",
		int64(index), SerializeNode(root))
	if err != nil {
		return ErrShardStore(err)
	}
	return nil
}

func (s *SqliteShardStore) LastShard() (uint64, bool, lib.ErrorI) {
	defer s.lock()()
	var index int64
	err := s.db.QueryRow(
		"SELECT shard_index FROM commitment_tree_shards ORDER BY shard_index DESC LIMIT 1",
	).Scan(&index)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, ErrShardStore(err)
	}
	return uint64(index), true, nil
}

func (s *SqliteShardStore) ShardIndexes() ([]uint64, lib.ErrorI) {
	defer s.lock()()
	rows, err := s.db.Query("SELECT shard_index FROM commitment_tree_shards ORDER BY shard_index")
	if err != nil {
		return nil, ErrShardStore(err)
	}
	defer rows.Close()
	var indexes []uint64
	for rows.Next() {
		var index int64
		if err = rows.Scan(&index); err != nil {
			return nil, ErrShardStore(err)
		}
		indexes = append(indexes, uint64(index))
	}
	if err = rows.Err(); err != nil {
		return nil, ErrShardStore(err)
	}
	return indexes, nil
}

func (s *SqliteShardStore) TruncateShards(from uint64) lib.ErrorI {
	defer s.lock()()
	if _, err := s.db.Exec(
		"DELETE FROM commitment_tree_shards WHERE shard_index >= ?", int64(from)); err != nil {
		return ErrShardStore(err)
	}
	return nil
}

func (s *SqliteShardStore) GetCap() (*Node, lib.ErrorI) {
	defer s.lock()()
	var data []byte
	err := s.db.QueryRow("SELECT cap_data FROM commitment_tree_cap WHERE id = 0").Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ErrShardStore(err)
	}
	return DeserializeNode(data)
}

func (s *SqliteShardStore) PutCap(root *Node) lib.ErrorI {
	defer s.lock()()
	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO commitment_tree_cap (id, cap_data) VALUES (0, ?)",
		SerializeNode(root)); err != nil {
		return ErrShardStore(err)
	}
	return nil
}

func (s *SqliteShardStore) MinCheckpointID() (uint32, bool, lib.ErrorI) {
	return s.checkpointBound("MIN")
}

func (s *SqliteShardStore) MaxCheckpointID() (uint32, bool, lib.ErrorI) {
	return s.checkpointBound("MAX")
}

func (s *SqliteShardStore) checkpointBound(fn string) (uint32, bool, lib.ErrorI) {
	defer s.lock()()
	var id sql.NullInt64
	err := s.db.QueryRow(
		"SELECT " + fn + "(checkpoint_id) FROM commitment_tree_checkpoints").Scan(&id)
	if err != nil {
		return 0, false, ErrShardStore(err)
	}
	if !id.Valid {
		return 0, false, nil
	}
	return uint32(id.Int64), true, nil
}

func (s *SqliteShardStore) AddCheckpoint(id uint32, cp Checkpoint) lib.ErrorI {
	defer s.lock()()
	tx, err := s.db.Begin()
	if err != nil {
		return ErrShardStore(err)
	}
	defer tx.Rollback()
	var position sql.NullInt64
	if !cp.State.Empty {
		position = sql.NullInt64{Int64: int64(cp.State.Position), Valid: true}
	}
	if _, err = tx.Exec(
		"INSERT INTO commitment_tree_checkpoints (checkpoint_id, position) VALUES (?, ?)",
		int64(id), position); err != nil {
		return ErrShardStore(err)
	}
	for pos := range cp.MarksRemoved {
		if _, err = tx.Exec(
			"INSERT INTO commitment_tree_checkpoint_marks_removed (checkpoint_id, position) VALUES (?, ?)",
			int64(id), int64(pos)); err != nil {
			return ErrShardStore(err)
		}
	}
	if err = tx.Commit(); err != nil {
		return ErrShardStore(err)
	}
	return nil
}

func (s *SqliteShardStore) CheckpointCount() (int, lib.ErrorI) {
	defer s.lock()()
	var count int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM commitment_tree_checkpoints").Scan(&count); err != nil {
		return 0, ErrShardStore(err)
	}
	return count, nil
}

func (s *SqliteShardStore) CheckpointAtDepth(depth int) (uint32, Checkpoint, bool, lib.ErrorI) {
	defer s.lock()()
	if depth < 0 {
		return 0, Checkpoint{}, false, nil
	}
	var (
		id       int64
		position sql.NullInt64
	)
	err := s.db.QueryRow(
		"SELECT checkpoint_id, position FROM commitment_tree_checkpoints ORDER BY checkpoint_id DESC LIMIT 1 OFFSET ?",
		int64(depth)).Scan(&id, &position)
	if err == sql.ErrNoRows {
		return 0, Checkpoint{}, false, nil
	}
	if err != nil {
		return 0, Checkpoint{}, false, ErrShardStore(err)
	}
	cp, loadErr := s.loadCheckpoint(uint32(id), position)
	if loadErr != nil {
		return 0, Checkpoint{}, false, loadErr
	}
	return uint32(id), cp, true, nil
}

func (s *SqliteShardStore) GetCheckpoint(id uint32) (Checkpoint, bool, lib.ErrorI) {
	defer s.lock()()
	var position sql.NullInt64
	err := s.db.QueryRow(
		"SELECT position FROM commitment_tree_checkpoints WHERE checkpoint_id = ?",
		int64(id)).Scan(&position)
	if err == sql.ErrNoRows {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, ErrShardStore(err)
	}
	cp, loadErr := s.loadCheckpoint(id, position)
	if loadErr != nil {
		return Checkpoint{}, false, loadErr
	}
	return cp, true, nil
}

func (s *SqliteShardStore) UpdateCheckpoint(id uint32, f func(*Checkpoint)) (bool, lib.ErrorI) {
	defer s.lock()()
	var position sql.NullInt64
	err := s.db.QueryRow(
		"SELECT position FROM commitment_tree_checkpoints WHERE checkpoint_id = ?",
		int64(id)).Scan(&position)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, ErrShardStore(err)
	}
	cp, loadErr := s.loadCheckpoint(id, position)
	if loadErr != nil {
		return false, loadErr
	}
	f(&cp)
	tx, err := s.db.Begin()
	if err != nil {
		return false, ErrShardStore(err)
	}
	defer tx.Rollback()
	if _, err = tx.Exec(
		"DELETE FROM commitment_tree_checkpoint_marks_removed WHERE checkpoint_id = ?",
		int64(id)); err != nil {
		return false, ErrShardStore(err)
	}
	var newPosition sql.NullInt64
	if !cp.State.Empty {
		newPosition = sql.NullInt64{Int64: int64(cp.State.Position), Valid: true}
	}
	if _, err = tx.Exec(
		"UPDATE commitment_tree_checkpoints SET position = ? WHERE checkpoint_id = ?",
		newPosition, int64(id)); err != nil {
		return false, ErrShardStore(err)
	}
	for pos := range cp.MarksRemoved {
		if _, err = tx.Exec(
			"INSERT INTO commitment_tree_checkpoint_marks_removed (checkpoint_id, position) VALUES (?, ?)",
			int64(id), int64(pos)); err != nil {
			return false, ErrShardStore(err)
		}
	}
	if err = tx.Commit(); err != nil {
		return false, ErrShardStore(err)
	}
	return true, nil
}

func (s *SqliteShardStore) RemoveCheckpoint(id uint32) lib.ErrorI {
	defer s.lock()()
	tx, err := s.db.Begin()
	if err != nil {
		return ErrShardStore(err)
	}
	defer tx.Rollback()
	if _, err = tx.Exec(
		"DELETE FROM commitment_tree_checkpoint_marks_removed WHERE checkpoint_id = ?",
		int64(id)); err != nil {
		return ErrShardStore(err)
	}
	if _, err = tx.Exec(
		"DELETE FROM commitment_tree_checkpoints WHERE checkpoint_id = ?",
		int64(id)); err != nil {
		return ErrShardStore(err)
	}
	if err = tx.Commit(); err != nil {
		return ErrShardStore(err)
	}
	return nil
}

func (s *SqliteShardStore) TruncateCheckpointsRetaining(id uint32) lib.ErrorI {
	defer s.lock()()
	tx, err := s.db.Begin()
	if err != nil {
		return ErrShardStore(err)
	}
	defer tx.Rollback()
	if _, err = tx.Exec(
		"DELETE FROM commitment_tree_checkpoint_marks_removed WHERE checkpoint_id > ?",
		int64(id)); err != nil {
		return ErrShardStore(err)
	}
	if _, err = tx.Exec(
		"DELETE FROM commitment_tree_checkpoints WHERE checkpoint_id > ?",
		int64(id)); err != nil {
		return ErrShardStore(err)
	}
	if _, err = tx.Exec(
		"DELETE FROM commitment_tree_checkpoint_marks_removed WHERE checkpoint_id = ?",
		int64(id)); err != nil {
		return ErrShardStore(err)
	}
	if err = tx.Commit(); err != nil {
		return ErrShardStore(err)
	}
	return nil
}

// loadCheckpoint() assembles a full checkpoint including its marks-removed
// set; callers hold the lock
func (s *SqliteShardStore) loadCheckpoint(id uint32, position sql.NullInt64) (Checkpoint, lib.ErrorI) {
	state := TreeState{Empty: !position.Valid}
	if position.Valid {
		state.Position = uint64(position.Int64)
	}
	cp := NewCheckpoint(state)
	rows, err := s.db.Query(
		"SELECT position FROM commitment_tree_checkpoint_marks_removed WHERE checkpoint_id = ?",
		int64(id))
	if err != nil {
		return Checkpoint{}, ErrShardStore(err)
	}
	defer rows.Close()
	for rows.Next() {
		var pos int64
		if err = rows.Scan(&pos); err != nil {
			return Checkpoint{}, ErrShardStore(err)
		}
		cp.MarksRemoved[uint64(pos)] = struct{}{}
	}
	if err = rows.Err(); err != nil {
		return Checkpoint{}, ErrShardStore(err)
	}
	return cp, nil
}
