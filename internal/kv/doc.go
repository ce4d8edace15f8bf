// Package kv defines the transactional key-value engine contract the rest of
// localstore is built on.
//
// An engine stores named object stores of JSON documents (Record) keyed by an
// inline primary key path, with optional secondary indexes over other key
// paths. All access happens inside a transaction scoped to a set of stores.
//
// # Versioning
//
// A physical database carries exactly one schema version. Engine.Open with a
// target version above the persisted one invokes the UpgradeFunc exactly once,
// inside a single write transaction, before the open completes. Structure
// (stores and indexes) may only change during that callback. Opening with a
// target below the persisted version fails: versions never decrease.
//
// # Durability
//
// Tx.Commit returns only after the engine's durable commit. Callers treat a nil
// Commit result as "durably committed"; the per-operation results inside a
// transaction carry no durability guarantee.
//
// # Keys
//
// Keys are strings or numbers. Integral numbers are normalized to int64 and
// non-integral numbers to float64. Numbers sort before strings.
//
// Implementations live in the sqlitekv and boltkv subpackages; kvtest holds
// the conformance suite both must pass.
package kv
