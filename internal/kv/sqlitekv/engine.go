package sqlitekv

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
)

// Engine opens SQLite databases stored as <dir>/<name>.db.
type Engine struct {
	dir    string
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an Engine rooted at dir.
func New(dir string, opts ...Option) *Engine {
	e := &Engine{
		dir:    dir,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Path returns the database file path for name.
func (e *Engine) Path(name string) string {
	return filepath.Join(e.dir, name+".db")
}

// Open opens or creates the named database at version.
// Applies pragmas, ensures the catalog, and runs upgrade when the persisted
// user_version is below version.
func (e *Engine) Open(ctx context.Context, name string, version int, upgrade kv.UpgradeFunc) (kv.DB, error) {
	if err := kv.ValidateName(name); err != nil {
		return nil, err
	}
	if version < 1 {
		return nil, dberr.Newf(dberr.CodeValidation, "open", "version must be positive, got %d", version)
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	path := e.Path(name)
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// serializes transactions issued by this process.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := ensureCatalog(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create catalog: %w", err)
	}

	current, err := userVersion(ctx, sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	if current > version {
		sqlDB.Close()
		return nil, dberr.Newf(dberr.CodeConnection, "open", "database %q is at version %d, newer than requested %d", name, current, version)
	}
	if current < version {
		e.logger.Info("upgrading database", "name", name, "from", current, "to", version)
		if err := runUpgrade(ctx, sqlDB, current, version, upgrade); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}

	cat, err := loadCatalog(ctx, sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	e.logger.Debug("opened database", "name", name, "path", path, "version", version, "stores", len(cat.stores))
	return &DB{name: name, version: version, sqlDB: sqlDB, catalog: cat}, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

// runUpgrade invokes the upgrade callback inside one transaction and bumps
// user_version only if the callback succeeds.
func runUpgrade(ctx context.Context, db *sql.DB, oldVersion, newVersion int, upgrade kv.UpgradeFunc) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "upgrade: begin tx", err)
	}
	defer sqlTx.Rollback() // No-op if committed

	cat, err := loadCatalog(ctx, sqlTx)
	if err != nil {
		return err
	}

	ut := &upgradeTx{tx: &tx{ctx: ctx, sqlTx: sqlTx, mode: kv.ReadWrite, catalog: cat}}
	if upgrade != nil {
		if err := upgrade(ctx, ut, oldVersion, newVersion); err != nil {
			return err
		}
	}

	if _, err := sqlTx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", newVersion)); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "upgrade: set user_version", err)
	}
	ut.done = true
	if err := sqlTx.Commit(); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "upgrade: commit", err)
	}
	return nil
}

// DB is an open SQLite database.
type DB struct {
	name    string
	version int
	sqlDB   *sql.DB
	catalog *catalog
}

func (d *DB) Name() string { return d.name }

func (d *DB) Version() int { return d.version }

func (d *DB) StoreNames() []string {
	return d.catalog.names()
}

// Begin starts a transaction scoped to stores. Every store must exist.
func (d *DB) Begin(ctx context.Context, mode kv.Mode, stores ...string) (kv.Tx, error) {
	if len(stores) == 0 {
		return nil, dberr.New(dberr.CodeValidation, "begin", "transaction needs at least one store")
	}
	scope := make(map[string]bool, len(stores))
	for _, name := range stores {
		if _, ok := d.catalog.stores[name]; !ok {
			return nil, kv.ErrNoStore("begin", name)
		}
		scope[name] = true
	}
	sqlTx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeTransaction, "begin", err)
	}
	return &tx{ctx: ctx, sqlTx: sqlTx, mode: mode, scope: scope, catalog: d.catalog}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.sqlDB == nil {
		return nil
	}
	return d.sqlDB.Close()
}

// SQL returns the underlying sql.DB. Used by tests to inspect physical state.
func (d *DB) SQL() *sql.DB {
	return d.sqlDB
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
