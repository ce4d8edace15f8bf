// Package txn runs store operations in short transactions over the managed
// connection. Write calls return only after the transaction has committed.
package txn

import (
	"context"

	"github.com/roach88/localstore/internal/kv"
)

// Initializer yields the open connection, opening it on first use.
// *conn.Manager implements it.
type Initializer interface {
	Init(ctx context.Context) (kv.DB, error)
}

// Executor wraps single-store operations and multi-store callbacks in
// transactions. It adds no retries and returns engine errors unchanged.
type Executor struct {
	init Initializer
}

// New returns an Executor over init.
func New(init Initializer) *Executor {
	return &Executor{init: init}
}

// Read runs fn in a read-only transaction over stores.
func (e *Executor) Read(ctx context.Context, stores []string, fn func(tx kv.Tx) error) error {
	return e.run(ctx, kv.ReadOnly, stores, fn)
}

// Write runs fn in a read-write transaction over stores and commits it. If
// fn fails the transaction is rolled back and fn's error returned.
func (e *Executor) Write(ctx context.Context, stores []string, fn func(tx kv.Tx) error) error {
	return e.run(ctx, kv.ReadWrite, stores, fn)
}

func (e *Executor) run(ctx context.Context, mode kv.Mode, stores []string, fn func(tx kv.Tx) error) error {
	db, err := e.init.Init(ctx)
	if err != nil {
		return err
	}
	tx, err := db.Begin(ctx, mode, stores...)
	if err != nil {
		return err
	}
	defer tx.Rollback() // No-op after Commit

	if err := fn(tx); err != nil {
		return err
	}
	if mode == kv.ReadWrite {
		return tx.Commit()
	}
	return nil
}

func (e *Executor) withStore(ctx context.Context, mode kv.Mode, store string, fn func(s kv.Store) error) error {
	return e.run(ctx, mode, []string{store}, func(tx kv.Tx) error {
		s, err := tx.Store(store)
		if err != nil {
			return err
		}
		return fn(s)
	})
}

// Get returns the record under key, or a dberr NotFound error.
func (e *Executor) Get(ctx context.Context, store string, key kv.Key) (kv.Record, error) {
	var rec kv.Record
	err := e.withStore(ctx, kv.ReadOnly, store, func(s kv.Store) error {
		var err error
		rec, err = s.Get(key)
		return err
	})
	return rec, err
}

// GetAll returns the records within r (nil = all) in key order.
func (e *Executor) GetAll(ctx context.Context, store string, r *kv.KeyRange, limit int) ([]kv.Record, error) {
	var recs []kv.Record
	err := e.withStore(ctx, kv.ReadOnly, store, func(s kv.Store) error {
		var err error
		recs, err = s.GetAll(r, limit)
		return err
	})
	return recs, err
}

// GetAllByIndex returns every record whose index value equals value.
func (e *Executor) GetAllByIndex(ctx context.Context, store, index string, value kv.Key) ([]kv.Record, error) {
	var recs []kv.Record
	err := e.withStore(ctx, kv.ReadOnly, store, func(s kv.Store) error {
		ix, err := s.Index(index)
		if err != nil {
			return err
		}
		recs, err = ix.GetAll(value)
		return err
	})
	return recs, err
}

// GetAllRange returns records whose index value lies within r.
func (e *Executor) GetAllRange(ctx context.Context, store, index string, r *kv.KeyRange, limit int) ([]kv.Record, error) {
	var recs []kv.Record
	err := e.withStore(ctx, kv.ReadOnly, store, func(s kv.Store) error {
		ix, err := s.Index(index)
		if err != nil {
			return err
		}
		recs, err = ix.GetAllRange(r, limit)
		return err
	})
	return recs, err
}

// Put upserts rec and returns its key once committed.
func (e *Executor) Put(ctx context.Context, store string, rec kv.Record) (kv.Key, error) {
	var key kv.Key
	err := e.withStore(ctx, kv.ReadWrite, store, func(s kv.Store) error {
		var err error
		key, err = s.Put(rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Add inserts rec, failing with a dberr KeyExists error if its key is taken.
func (e *Executor) Add(ctx context.Context, store string, rec kv.Record) (kv.Key, error) {
	var key kv.Key
	err := e.withStore(ctx, kv.ReadWrite, store, func(s kv.Store) error {
		var err error
		key, err = s.Add(rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Delete removes the record under key. Missing keys are not an error.
func (e *Executor) Delete(ctx context.Context, store string, key kv.Key) error {
	return e.withStore(ctx, kv.ReadWrite, store, func(s kv.Store) error {
		return s.Delete(key)
	})
}

// Count returns the number of records within r (nil = all).
func (e *Executor) Count(ctx context.Context, store string, r *kv.KeyRange) (int, error) {
	var n int
	err := e.withStore(ctx, kv.ReadOnly, store, func(s kv.Store) error {
		var err error
		n, err = s.Count(r)
		return err
	})
	return n, err
}

// Clear removes every record from store.
func (e *Executor) Clear(ctx context.Context, store string) error {
	return e.withStore(ctx, kv.ReadWrite, store, func(s kv.Store) error {
		return s.Clear()
	})
}

// Cursor iterates store within r, calling fn at each position until it
// returns false or an error. In ReadWrite mode fn may update or delete
// through the cursor; the whole iteration commits as one transaction.
func (e *Executor) Cursor(ctx context.Context, store string, mode kv.Mode, r *kv.KeyRange, fn func(c kv.Cursor) (bool, error)) error {
	return e.withStore(ctx, mode, store, func(s kv.Store) error {
		c, err := s.OpenCursor(r)
		if err != nil {
			return err
		}
		return drain(c, fn)
	})
}

// IndexCursor is Cursor over a secondary index.
func (e *Executor) IndexCursor(ctx context.Context, store, index string, mode kv.Mode, r *kv.KeyRange, fn func(c kv.Cursor) (bool, error)) error {
	return e.withStore(ctx, mode, store, func(s kv.Store) error {
		ix, err := s.Index(index)
		if err != nil {
			return err
		}
		c, err := ix.OpenCursor(r)
		if err != nil {
			return err
		}
		return drain(c, fn)
	})
}

func drain(c kv.Cursor, fn func(c kv.Cursor) (bool, error)) error {
	defer c.Close()
	for c.Next() {
		more, err := fn(c)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return c.Err()
}
