package kv

import "context"

// Record is a stored document. Values follow encoding/json decoding rules:
// numbers come back as float64, arrays as []any, objects as map[string]any.
type Record = map[string]any

// Key is a normalized primary or index key: string, int64 or float64.
type Key = any

// Mode selects transaction access.
type Mode int

const (
	// ReadOnly transactions reject writes.
	ReadOnly Mode = iota
	// ReadWrite transactions may write to every store in scope.
	ReadWrite
)

// String returns the IndexedDB-style mode name.
func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// StoreSpec describes the key configuration of an object store.
type StoreSpec struct {
	Name          string
	KeyPath       string
	AutoIncrement bool
}

// IndexSpec describes a secondary index.
type IndexSpec struct {
	Name    string
	KeyPath string
	Unique  bool
}

// UpgradeFunc performs structural migration inside Engine.Open.
// Returning an error aborts the open and leaves the persisted version unchanged.
type UpgradeFunc func(ctx context.Context, tx UpgradeTx, oldVersion, newVersion int) error

// Engine opens physical databases.
type Engine interface {
	// Open opens (creating if needed) the database called name at version.
	// upgrade runs exactly once if the persisted version is below version.
	Open(ctx context.Context, name string, version int, upgrade UpgradeFunc) (DB, error)
}

// DB is an open physical database.
type DB interface {
	// Name returns the database name passed to Open.
	Name() string

	// Version returns the persisted schema version.
	Version() int

	// StoreNames returns the physical store names in sorted order.
	StoreNames() []string

	// Begin starts a transaction over the named stores.
	Begin(ctx context.Context, mode Mode, stores ...string) (Tx, error)

	// Close releases the database.
	Close() error
}

// Tx is a transaction scoped to a fixed set of stores.
type Tx interface {
	// Store returns a handle to a store in the transaction's scope.
	Store(name string) (Store, error)

	// Mode returns the transaction mode.
	Mode() Mode

	// Commit durably commits the transaction.
	Commit() error

	// Rollback aborts the transaction. Safe to call after Commit.
	Rollback() error
}

// UpgradeTx is the transaction handed to an UpgradeFunc. Every store is in scope.
type UpgradeTx interface {
	Tx

	// HasStore reports whether the store physically exists.
	HasStore(name string) bool

	// StoreNames returns the physical store names in sorted order.
	StoreNames() []string

	// CreateStore creates an object store.
	CreateStore(spec StoreSpec) error

	// DeleteStore drops an object store and its indexes.
	DeleteStore(name string) error

	// HasIndex reports whether the index exists on the store.
	HasIndex(store, index string) bool

	// CreateIndex creates a secondary index and indexes existing records.
	CreateIndex(store string, spec IndexSpec) error

	// DeleteIndex drops a secondary index.
	DeleteIndex(store, index string) error
}

// Store is a transaction-bound handle to an object store.
type Store interface {
	Name() string
	KeyPath() string

	// Get returns the record stored under key, or a dberr NotFound error.
	Get(key Key) (Record, error)

	// GetAll returns records in key order within r (nil = all).
	// limit <= 0 means unbounded.
	GetAll(r *KeyRange, limit int) ([]Record, error)

	// Put inserts or replaces a record and returns its key.
	Put(rec Record) (Key, error)

	// Add inserts a record, failing with a dberr KeyExists error if the key is taken.
	Add(rec Record) (Key, error)

	// Delete removes the record under key. Deleting a missing key is a no-op.
	Delete(key Key) error

	// Clear removes every record.
	Clear() error

	// Count returns the number of records within r (nil = all).
	Count(r *KeyRange) (int, error)

	// OpenCursor iterates records within r in key order.
	OpenCursor(r *KeyRange) (Cursor, error)

	// Index returns a handle to a secondary index.
	Index(name string) (Index, error)
}

// Index is a transaction-bound handle to a secondary index.
type Index interface {
	Name() string
	KeyPath() string
	Unique() bool

	// Get returns the first record whose index value equals value.
	Get(value Key) (Record, error)

	// GetAll returns every record whose index value equals value.
	GetAll(value Key) ([]Record, error)

	// GetAllRange returns records whose index value lies within r.
	GetAllRange(r *KeyRange, limit int) ([]Record, error)

	// Count returns the number of indexed records within r.
	Count(r *KeyRange) (int, error)

	// OpenCursor iterates indexed records within r in index-value order.
	OpenCursor(r *KeyRange) (Cursor, error)
}

// Cursor iterates records. Call Next before reading the first position.
type Cursor interface {
	Next() bool

	// Key returns the index value for index cursors, else the primary key.
	Key() Key

	// PrimaryKey returns the primary key of the current record.
	PrimaryKey() Key

	// Value returns the current record.
	Value() Record

	// Update replaces the current record. The primary key must not change.
	Update(rec Record) error

	// Delete removes the current record.
	Delete() error

	Err() error
	Close() error
}
