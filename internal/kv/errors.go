package kv

import "github.com/roach88/localstore/internal/dberr"

func errNoPosition(op string) error {
	return dberr.New(dberr.CodeTransaction, op, "cursor has no current position")
}

func errReadOnly(op string) error {
	return dberr.New(dberr.CodeTransaction, op, "transaction is read-only")
}

// ErrReadOnly returns the error engines report for writes in a read-only transaction.
func ErrReadOnly(op string) error {
	return errReadOnly(op)
}

// ErrNotInScope returns the error engines report when a store is outside the transaction scope.
func ErrNotInScope(op, store string) error {
	return dberr.Newf(dberr.CodeTransaction, op, "store %q is not in the transaction scope", store)
}

// ErrNoStore returns the error engines report when a store does not exist.
func ErrNoStore(op, store string) error {
	return dberr.Newf(dberr.CodeNotFound, op, "object store %q not found", store)
}

// ErrNoIndex returns the error engines report when an index does not exist.
func ErrNoIndex(op, store, index string) error {
	return dberr.Newf(dberr.CodeNotFound, op, "index %q not found on store %q", index, store)
}

// ErrKeyNotFound returns the error engines report for a missing key.
func ErrKeyNotFound(op, store string, key Key) error {
	return dberr.Newf(dberr.CodeNotFound, op, "no record with key %v in %q", key, store)
}

// ErrDuplicateKey returns the error engines report when Add collides.
func ErrDuplicateKey(op, store string, key Key) error {
	return dberr.Newf(dberr.CodeKeyExists, op, "key %v already exists in %q", key, store)
}

// ErrFinished returns the error engines report for use of a finished transaction.
func ErrFinished(op string) error {
	return dberr.New(dberr.CodeTransaction, op, "transaction has already finished")
}
