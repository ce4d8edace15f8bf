package sqlitekv

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/localstore/internal/kv"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type storeMeta struct {
	spec    kv.StoreSpec
	indexes map[string]kv.IndexSpec
}

// catalog mirrors _kv_stores and _kv_indexes. It is immutable outside an upgrade.
type catalog struct {
	stores map[string]*storeMeta
}

func (c *catalog) names() []string {
	return sortedKeys(c.stores)
}

func ensureCatalog(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS _kv_stores (
			name           TEXT PRIMARY KEY,
			key_path       TEXT NOT NULL,
			auto_increment INTEGER NOT NULL DEFAULT 0,
			next_key       INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS _kv_indexes (
			store     TEXT NOT NULL,
			name      TEXT NOT NULL,
			key_path  TEXT NOT NULL,
			is_unique INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (store, name)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func loadCatalog(ctx context.Context, q queryer) (*catalog, error) {
	cat := &catalog{stores: map[string]*storeMeta{}}

	rows, err := q.QueryContext(ctx, `SELECT name, key_path, auto_increment FROM _kv_stores ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query stores: %w", err)
	}
	for rows.Next() {
		var spec kv.StoreSpec
		if err := rows.Scan(&spec.Name, &spec.KeyPath, &spec.AutoIncrement); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan store: %w", err)
		}
		cat.stores[spec.Name] = &storeMeta{spec: spec, indexes: map[string]kv.IndexSpec{}}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate stores: %w", err)
	}
	rows.Close()

	rows, err = q.QueryContext(ctx, `SELECT store, name, key_path, is_unique FROM _kv_indexes ORDER BY store, name`)
	if err != nil {
		return nil, fmt.Errorf("query indexes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var store string
		var spec kv.IndexSpec
		if err := rows.Scan(&store, &spec.Name, &spec.KeyPath, &spec.Unique); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		if meta, ok := cat.stores[store]; ok {
			meta.indexes[spec.Name] = spec
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate indexes: %w", err)
	}
	return cat, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func tableName(store string) string {
	return quoteIdent("s_" + store)
}

func indexName(store, index string) string {
	return quoteIdent("i_" + store + "__" + index)
}

// jsonExpr is the indexed expression for a key path. The path is validated by
// kv.ValidateKeyPath, so embedding it as a literal is safe.
func jsonExpr(keyPath string) string {
	return "json_extract(value, '$." + keyPath + "')"
}
