package lib

// RWStoreI is the minimal read-write contract shared by in-memory overlays
// and database-backed stores
type RWStoreI interface {
	Get(key []byte) ([]byte, ErrorI)
	Set(key, value []byte) ErrorI
	Delete(key []byte) ErrorI
}

// IteratorI walks a keyspace in lexicographic order
type IteratorI interface {
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
	Close()
}

// RStoreI is a read-only store view
type RStoreI interface {
	Get(key []byte) ([]byte, ErrorI)
}
