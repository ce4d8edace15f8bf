package boltkv

import (
	"context"
	"errors"

	"go.etcd.io/bbolt"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
)

type tx struct {
	ctx     context.Context
	btx     *bbolt.Tx
	mode    kv.Mode
	scope   map[string]bool // nil: every store (upgrade transactions)
	catalog *catalog
	done    bool
}

func (t *tx) Mode() kv.Mode { return t.mode }

func (t *tx) Store(name string) (kv.Store, error) {
	if t.done {
		return nil, kv.ErrFinished("store")
	}
	if t.scope != nil && !t.scope[name] {
		return nil, kv.ErrNotInScope("store", name)
	}
	meta, ok := t.catalog.stores[name]
	if !ok {
		return nil, kv.ErrNoStore("store", name)
	}
	return &store{tx: t, meta: meta}, nil
}

// Commit commits the transaction. Unless the engine was opened with NoSync,
// bbolt fsyncs the data file before Commit returns.
func (t *tx) Commit() error {
	if t.done {
		return kv.ErrFinished("commit")
	}
	t.done = true
	if t.mode != kv.ReadWrite {
		// bbolt refuses to commit read-only transactions.
		return t.rollback()
	}
	if err := t.btx.Commit(); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "commit", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.rollback()
}

func (t *tx) rollback() error {
	if err := t.btx.Rollback(); err != nil && !errors.Is(err, bbolt.ErrTxClosed) {
		return dberr.Wrap(dberr.CodeTransaction, "rollback", err)
	}
	return nil
}

func (t *tx) checkOpen(op string) error {
	if t.done {
		return kv.ErrFinished(op)
	}
	return t.ctx.Err()
}

func (t *tx) checkWrite(op string) error {
	if err := t.checkOpen(op); err != nil {
		return err
	}
	if t.mode != kv.ReadWrite {
		return kv.ErrReadOnly(op)
	}
	return nil
}

// upgradeTx adds structural operations to a transaction.
type upgradeTx struct {
	*tx
}

func (u *upgradeTx) HasStore(name string) bool {
	_, ok := u.catalog.stores[name]
	return ok
}

func (u *upgradeTx) StoreNames() []string {
	return u.catalog.names()
}

func (u *upgradeTx) CreateStore(spec kv.StoreSpec) error {
	if err := kv.ValidateName(spec.Name); err != nil {
		return err
	}
	if err := kv.ValidateKeyPath(spec.KeyPath); err != nil {
		return err
	}
	if u.HasStore(spec.Name) {
		return dberr.Newf(dberr.CodeConstraint, "create store", "object store %q already exists", spec.Name)
	}
	if _, err := u.btx.CreateBucket(storeBucket(spec.Name)); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "create store", err)
	}
	meta := &storeMeta{Spec: spec, Indexes: map[string]kv.IndexSpec{}}
	if err := saveStoreMeta(u.btx, meta); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "create store", err)
	}
	u.catalog.stores[spec.Name] = meta
	return nil
}

func (u *upgradeTx) DeleteStore(name string) error {
	meta, ok := u.catalog.stores[name]
	if !ok {
		return kv.ErrNoStore("delete store", name)
	}
	for idx := range meta.Indexes {
		if err := u.btx.DeleteBucket(indexBucket(name, idx)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return dberr.Wrap(dberr.CodeTransaction, "delete store", err)
		}
	}
	if err := u.btx.DeleteBucket(storeBucket(name)); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "delete store", err)
	}
	if err := u.btx.Bucket(bucketMeta).Delete([]byte(storeMetaPrefix + name)); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "delete store", err)
	}
	delete(u.catalog.stores, name)
	return nil
}

func (u *upgradeTx) HasIndex(store, index string) bool {
	meta, ok := u.catalog.stores[store]
	if !ok {
		return false
	}
	_, ok = meta.Indexes[index]
	return ok
}

// CreateIndex creates the index bucket and indexes every existing record.
func (u *upgradeTx) CreateIndex(storeName string, spec kv.IndexSpec) error {
	meta, ok := u.catalog.stores[storeName]
	if !ok {
		return kv.ErrNoStore("create index", storeName)
	}
	if err := kv.ValidateName(spec.Name); err != nil {
		return err
	}
	if err := kv.ValidateKeyPath(spec.KeyPath); err != nil {
		return err
	}
	if _, exists := meta.Indexes[spec.Name]; exists {
		return dberr.Newf(dberr.CodeConstraint, "create index", "index %q already exists on %q", spec.Name, storeName)
	}
	if _, err := u.btx.CreateBucket(indexBucket(storeName, spec.Name)); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "create index", err)
	}
	meta.Indexes[spec.Name] = spec

	s := &store{tx: u.tx, meta: meta}
	err := s.bucket().ForEach(func(k, v []byte) error {
		rec, err := decodeRecord(v)
		if err != nil {
			return err
		}
		return s.addIndexEntry(spec, k, rec)
	})
	if err != nil {
		delete(meta.Indexes, spec.Name)
		return err
	}
	if err := saveStoreMeta(u.btx, meta); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "create index", err)
	}
	return nil
}

func (u *upgradeTx) DeleteIndex(storeName, index string) error {
	if !u.HasIndex(storeName, index) {
		return kv.ErrNoIndex("delete index", storeName, index)
	}
	if err := u.btx.DeleteBucket(indexBucket(storeName, index)); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "delete index", err)
	}
	meta := u.catalog.stores[storeName]
	delete(meta.Indexes, index)
	if err := saveStoreMeta(u.btx, meta); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "delete index", err)
	}
	return nil
}
