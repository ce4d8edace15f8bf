package sqlitekv

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
)

type store struct {
	tx   *tx
	meta *storeMeta
}

func (s *store) Name() string    { return s.meta.spec.Name }
func (s *store) KeyPath() string { return s.meta.spec.KeyPath }

func (s *store) table() string { return tableName(s.meta.spec.Name) }

func (s *store) Get(key kv.Key) (kv.Record, error) {
	nk, err := kv.NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	var raw string
	err = s.tx.sqlTx.QueryRowContext(s.tx.ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, s.table()), nk,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrKeyNotFound("get", s.Name(), nk)
	}
	if err != nil {
		return nil, mapError("get", err)
	}
	return decodeRecord(raw)
}

func (s *store) GetAll(r *kv.KeyRange, limit int) ([]kv.Record, error) {
	entries, err := s.scan("get all", r, limit)
	if err != nil {
		return nil, err
	}
	out := make([]kv.Record, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out, nil
}

func (s *store) Put(rec kv.Record) (kv.Key, error) {
	return s.write("put", rec, `INSERT INTO %s (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, false)
}

func (s *store) Add(rec kv.Record) (kv.Key, error) {
	return s.write("add", rec, `INSERT INTO %s (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING`, true)
}

func (s *store) write(op string, rec kv.Record, query string, failOnConflict bool) (kv.Key, error) {
	if err := s.tx.checkWrite(op); err != nil {
		return nil, err
	}
	var next func() (int64, error)
	if s.meta.spec.AutoIncrement {
		next = s.nextKey
	}
	prepared, key, err := kv.PrepareRecord(rec, s.KeyPath(), next)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(prepared)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeValidation, op, err)
	}

	res, err := s.tx.exec(op, fmt.Sprintf(query, s.table()), key, string(data))
	if err != nil {
		return nil, err
	}
	if failOnConflict {
		n, err := res.RowsAffected()
		if err != nil {
			return nil, mapError(op, err)
		}
		if n == 0 {
			return nil, kv.ErrDuplicateKey(op, s.Name(), key)
		}
	}
	if s.meta.spec.AutoIncrement {
		if k, ok := key.(int64); ok {
			if _, err := s.tx.exec(op,
				`UPDATE _kv_stores SET next_key = ? WHERE name = ? AND next_key <= ?`,
				k+1, s.Name(), k,
			); err != nil {
				return nil, err
			}
		}
	}
	return key, nil
}

// nextKey reserves the next auto-increment key.
func (s *store) nextKey() (int64, error) {
	var next int64
	err := s.tx.sqlTx.QueryRowContext(s.tx.ctx,
		`SELECT next_key FROM _kv_stores WHERE name = ?`, s.Name(),
	).Scan(&next)
	if err != nil {
		return 0, mapError("next key", err)
	}
	if _, err := s.tx.exec("next key", `UPDATE _kv_stores SET next_key = ? WHERE name = ?`, next+1, s.Name()); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *store) Delete(key kv.Key) error {
	if err := s.tx.checkWrite("delete"); err != nil {
		return err
	}
	nk, err := kv.NormalizeKey(key)
	if err != nil {
		return err
	}
	_, err = s.tx.exec("delete", fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table()), nk)
	return err
}

func (s *store) Clear() error {
	if err := s.tx.checkWrite("clear"); err != nil {
		return err
	}
	_, err := s.tx.exec("clear", fmt.Sprintf(`DELETE FROM %s`, s.table()))
	return err
}

func (s *store) Count(r *kv.KeyRange) (int, error) {
	where, args, err := rangeClause("key", r)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.tx.sqlTx.QueryRowContext(s.tx.ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, s.table(), where), args...,
	).Scan(&n)
	if err != nil {
		return 0, mapError("count", err)
	}
	return n, nil
}

func (s *store) OpenCursor(r *kv.KeyRange) (kv.Cursor, error) {
	entries, err := s.scan("open cursor", r, 0)
	if err != nil {
		return nil, err
	}
	return s.cursor(entries), nil
}

func (s *store) cursor(entries []kv.Entry) kv.Cursor {
	if s.tx.mode != kv.ReadWrite {
		return kv.NewSliceCursor(entries, nil, nil)
	}
	return kv.NewSliceCursor(entries, s.updateAt, s.Delete)
}

// updateAt replaces the record under pk, refusing to change its key.
func (s *store) updateAt(pk kv.Key, rec kv.Record) error {
	key, ok, err := kv.ExtractKey(rec, s.KeyPath())
	if err != nil {
		return err
	}
	if !ok || kv.CompareKeys(key, pk) != 0 {
		return dberr.New(dberr.CodeValidation, "cursor update", "record primary key does not match cursor position")
	}
	_, err = s.Put(rec)
	return err
}

func (s *store) scan(op string, r *kv.KeyRange, limit int) ([]kv.Entry, error) {
	where, args, err := rangeClause("key", r)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT key, value FROM %s%s ORDER BY key`, s.table(), where)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.tx.sqlTx.QueryContext(s.tx.ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var entries []kv.Entry
	for rows.Next() {
		var rawKey any
		var raw string
		if err := rows.Scan(&rawKey, &raw); err != nil {
			return nil, mapError(op, err)
		}
		key, err := scanKey(rawKey)
		if err != nil {
			return nil, err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, kv.Entry{Key: key, PrimaryKey: key, Value: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return entries, nil
}

func (s *store) Index(name string) (kv.Index, error) {
	spec, ok := s.meta.indexes[name]
	if !ok {
		return nil, kv.ErrNoIndex("index", s.Name(), name)
	}
	return &index{store: s, spec: spec}, nil
}

type index struct {
	store *store
	spec  kv.IndexSpec
}

func (ix *index) Name() string    { return ix.spec.Name }
func (ix *index) KeyPath() string { return ix.spec.KeyPath }
func (ix *index) Unique() bool    { return ix.spec.Unique }

func (ix *index) Get(value kv.Key) (kv.Record, error) {
	nv, err := kv.NormalizeKey(value)
	if err != nil {
		return nil, err
	}
	entries, err := ix.scan("index get", kv.Only(nv), 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, dberr.Newf(dberr.CodeNotFound, "index get", "no record with %s=%v in %q", ix.spec.KeyPath, nv, ix.store.Name())
	}
	return entries[0].Value, nil
}

func (ix *index) GetAll(value kv.Key) ([]kv.Record, error) {
	nv, err := kv.NormalizeKey(value)
	if err != nil {
		return nil, err
	}
	return ix.GetAllRange(kv.Only(nv), 0)
}

func (ix *index) GetAllRange(r *kv.KeyRange, limit int) ([]kv.Record, error) {
	entries, err := ix.scan("index get all", r, limit)
	if err != nil {
		return nil, err
	}
	out := make([]kv.Record, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out, nil
}

func (ix *index) Count(r *kv.KeyRange) (int, error) {
	entries, err := ix.scan("index count", r, 0)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (ix *index) OpenCursor(r *kv.KeyRange) (kv.Cursor, error) {
	entries, err := ix.scan("index open cursor", r, 0)
	if err != nil {
		return nil, err
	}
	return ix.store.cursor(entries), nil
}

// scan returns indexed records in (index value, primary key) order. Values
// that are not valid keys (booleans, objects) are not indexed.
func (ix *index) scan(op string, r *kv.KeyRange, limit int) ([]kv.Entry, error) {
	nr, err := r.Normalize()
	if err != nil {
		return nil, err
	}
	expr := jsonExpr(ix.spec.KeyPath)
	where, args, err := rangeClause(expr, nr)
	if err != nil {
		return nil, err
	}
	if where == "" {
		where = " WHERE " + expr + " IS NOT NULL"
	} else {
		where += " AND " + expr + " IS NOT NULL"
	}
	query := fmt.Sprintf(`SELECT key, value FROM %s%s ORDER BY %s, key`, ix.store.table(), where, expr)
	rows, err := ix.store.tx.sqlTx.QueryContext(ix.store.tx.ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var entries []kv.Entry
	for rows.Next() {
		var rawKey any
		var raw string
		if err := rows.Scan(&rawKey, &raw); err != nil {
			return nil, mapError(op, err)
		}
		pk, err := scanKey(rawKey)
		if err != nil {
			return nil, err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		v, ok, err := kv.ExtractKey(rec, ix.spec.KeyPath)
		if err != nil || !ok || !nr.Contains(v) {
			continue
		}
		entries = append(entries, kv.Entry{Key: v, PrimaryKey: pk, Value: rec})
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return entries, nil
}

// rangeClause renders a WHERE clause for r over expr.
func rangeClause(expr string, r *kv.KeyRange) (string, []any, error) {
	nr, err := r.Normalize()
	if err != nil {
		return "", nil, err
	}
	if nr == nil {
		return "", nil, nil
	}
	var conds []string
	var args []any
	if nr.Lower != nil {
		op := ">="
		if nr.LowerOpen {
			op = ">"
		}
		conds = append(conds, fmt.Sprintf("%s %s ?", expr, op))
		args = append(args, nr.Lower)
	}
	if nr.Upper != nil {
		op := "<="
		if nr.UpperOpen {
			op = "<"
		}
		conds = append(conds, fmt.Sprintf("%s %s ?", expr, op))
		args = append(args, nr.Upper)
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// scanKey converts a BLOB-affinity key column back into a kv.Key.
func scanKey(raw any) (kv.Key, error) {
	switch v := raw.(type) {
	case []byte:
		return string(v), nil
	default:
		return kv.NormalizeKey(v)
	}
}

func decodeRecord(raw string) (kv.Record, error) {
	var rec kv.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, dberr.Wrap(dberr.CodeTransaction, "decode record", err)
	}
	return rec, nil
}
