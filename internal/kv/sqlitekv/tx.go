package sqlitekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
)

type tx struct {
	ctx     context.Context
	sqlTx   *sql.Tx
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

// Commit commits the transaction. With synchronous=FULL the WAL is fsynced
// before Commit returns.
func (t *tx) Commit() error {
	if t.done {
		return kv.ErrFinished("commit")
	}
	t.done = true
	if err := t.sqlTx.Commit(); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "commit", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.sqlTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return dberr.Wrap(dberr.CodeTransaction, "rollback", err)
	}
	return nil
}

func (t *tx) checkWrite(op string) error {
	if t.done {
		return kv.ErrFinished(op)
	}
	if t.mode != kv.ReadWrite {
		return kv.ErrReadOnly(op)
	}
	return nil
}

func (t *tx) exec(op, query string, args ...any) (sql.Result, error) {
	res, err := t.sqlTx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	return res, nil
}

// mapError categorizes driver errors. Constraint violations become
// dberr Constraint errors; everything else is a transaction error.
func mapError(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return &dberr.Error{Code: dberr.CodeConstraint, Op: op, Err: err}
	}
	return dberr.Wrap(dberr.CodeTransaction, op, err)
}

// upgradeTx adds structural operations to a transaction. Catalog changes are
// applied to the transaction's private catalog copy.
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
	ddl := fmt.Sprintf(`CREATE TABLE %s (key BLOB NOT NULL PRIMARY KEY, value TEXT NOT NULL) WITHOUT ROWID`, tableName(spec.Name))
	if _, err := u.exec("create store", ddl); err != nil {
		return err
	}
	if _, err := u.exec("create store",
		`INSERT INTO _kv_stores (name, key_path, auto_increment, next_key) VALUES (?, ?, ?, 1)`,
		spec.Name, spec.KeyPath, spec.AutoIncrement,
	); err != nil {
		return err
	}
	u.catalog.stores[spec.Name] = &storeMeta{spec: spec, indexes: map[string]kv.IndexSpec{}}
	return nil
}

func (u *upgradeTx) DeleteStore(name string) error {
	if !u.HasStore(name) {
		return kv.ErrNoStore("delete store", name)
	}
	if _, err := u.exec("delete store", fmt.Sprintf(`DROP TABLE %s`, tableName(name))); err != nil {
		return err
	}
	if _, err := u.exec("delete store", `DELETE FROM _kv_indexes WHERE store = ?`, name); err != nil {
		return err
	}
	if _, err := u.exec("delete store", `DELETE FROM _kv_stores WHERE name = ?`, name); err != nil {
		return err
	}
	delete(u.catalog.stores, name)
	return nil
}

func (u *upgradeTx) HasIndex(store, index string) bool {
	meta, ok := u.catalog.stores[store]
	if !ok {
		return false
	}
	_, ok = meta.indexes[index]
	return ok
}

func (u *upgradeTx) CreateIndex(store string, spec kv.IndexSpec) error {
	meta, ok := u.catalog.stores[store]
	if !ok {
		return kv.ErrNoStore("create index", store)
	}
	if err := kv.ValidateName(spec.Name); err != nil {
		return err
	}
	if err := kv.ValidateKeyPath(spec.KeyPath); err != nil {
		return err
	}
	if _, exists := meta.indexes[spec.Name]; exists {
		return dberr.Newf(dberr.CodeConstraint, "create index", "index %q already exists on %q", spec.Name, store)
	}
	unique := ""
	if spec.Unique {
		unique = "UNIQUE "
	}
	ddl := fmt.Sprintf(`CREATE %sINDEX %s ON %s(%s)`, unique, indexName(store, spec.Name), tableName(store), jsonExpr(spec.KeyPath))
	if _, err := u.exec("create index", ddl); err != nil {
		return err
	}
	if _, err := u.exec("create index",
		`INSERT INTO _kv_indexes (store, name, key_path, is_unique) VALUES (?, ?, ?, ?)`,
		store, spec.Name, spec.KeyPath, spec.Unique,
	); err != nil {
		return err
	}
	meta.indexes[spec.Name] = spec
	return nil
}

func (u *upgradeTx) DeleteIndex(store, index string) error {
	if !u.HasIndex(store, index) {
		return kv.ErrNoIndex("delete index", store, index)
	}
	if _, err := u.exec("delete index", fmt.Sprintf(`DROP INDEX %s`, indexName(store, index))); err != nil {
		return err
	}
	if _, err := u.exec("delete index", `DELETE FROM _kv_indexes WHERE store = ? AND name = ?`, store, index); err != nil {
		return err
	}
	delete(u.catalog.stores[store].indexes, index)
	return nil
}
