// Package sqlitekv implements the kv engine contract on SQLite.
//
// Each object store is a WITHOUT ROWID table keyed by a BLOB-affinity column,
// so string and numeric keys keep their type and sort numbers before strings.
// Records are stored as JSON text. Secondary indexes are expression indexes
// over json_extract of the index key path. Store and index definitions live in
// the _kv_stores and _kv_indexes catalog tables.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=FULL: Commit returns after the WAL is fsynced
//   - busy_timeout=5000: wait for locks held by other processes
//   - one pooled connection: transactions are serialized in-process
//
// The schema version is PRAGMA user_version and is written in the same
// transaction as the upgrade callback's structural changes.
package sqlitekv
