package boltkv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
)

var (
	bucketMeta = []byte("_meta")
	keyVersion = []byte("version")
)

const storeMetaPrefix = "store:"

// Engine opens bbolt databases stored as <dir>/<name>.bolt.
type Engine struct {
	dir     string
	logger  *slog.Logger
	timeout time.Duration
	noSync  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithLockTimeout bounds how long Open waits for the file lock.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: Commit no longer implies durability. Use only for testing.
func WithNoSync(noSync bool) Option {
	return func(e *Engine) {
		e.noSync = noSync
	}
}

// New creates an Engine rooted at dir.
func New(dir string, opts ...Option) *Engine {
	e := &Engine{
		dir:     dir,
		logger:  slog.Default(),
		timeout: time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Path returns the database file path for name.
func (e *Engine) Path(name string) string {
	return filepath.Join(e.dir, name+".bolt")
}

// Open opens or creates the named database at version, running upgrade when
// the persisted version is below version.
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
	bdb, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: e.timeout,
		NoSync:  e.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	current, err := readVersion(bdb)
	if err != nil {
		_ = bdb.Close()
		return nil, err
	}
	if current > version {
		_ = bdb.Close()
		return nil, dberr.Newf(dberr.CodeConnection, "open", "database %q is at version %d, newer than requested %d", name, current, version)
	}
	if current < version {
		e.logger.Info("upgrading database", "name", name, "from", current, "to", version)
		if err := runUpgrade(ctx, bdb, current, version, upgrade); err != nil {
			_ = bdb.Close()
			return nil, err
		}
	}

	var cat *catalog
	err = bdb.View(func(btx *bbolt.Tx) error {
		var err error
		cat, err = loadCatalog(btx)
		return err
	})
	if err != nil {
		_ = bdb.Close()
		return nil, err
	}

	e.logger.Debug("opened database", "name", name, "path", path, "version", version, "stores", len(cat.stores))
	return &DB{name: name, version: version, bdb: bdb, catalog: cat}, nil
}

func readVersion(bdb *bbolt.DB) (int, error) {
	version := 0
	err := bdb.View(func(btx *bbolt.Tx) error {
		b := btx.Bucket(bucketMeta)
		if b == nil {
			return nil
		}
		raw := b.Get(keyVersion)
		if raw == nil {
			return nil
		}
		v, err := strconv.Atoi(string(raw))
		if err != nil {
			return fmt.Errorf("parse version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

func runUpgrade(ctx context.Context, bdb *bbolt.DB, oldVersion, newVersion int, upgrade kv.UpgradeFunc) error {
	btx, err := bdb.Begin(true)
	if err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "upgrade: begin tx", err)
	}
	defer btx.Rollback() // No-op if committed

	meta, err := btx.CreateBucketIfNotExists(bucketMeta)
	if err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "upgrade: meta bucket", err)
	}
	cat, err := loadCatalog(btx)
	if err != nil {
		return err
	}

	ut := &upgradeTx{tx: &tx{ctx: ctx, btx: btx, mode: kv.ReadWrite, catalog: cat}}
	if upgrade != nil {
		if err := upgrade(ctx, ut, oldVersion, newVersion); err != nil {
			return err
		}
	}

	if err := meta.Put(keyVersion, []byte(strconv.Itoa(newVersion))); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "upgrade: set version", err)
	}
	ut.done = true
	if err := btx.Commit(); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "upgrade: commit", err)
	}
	return nil
}

// storeMeta is the persisted definition of a store.
type storeMeta struct {
	Spec    kv.StoreSpec            `json:"spec"`
	Indexes map[string]kv.IndexSpec `json:"indexes"`
}

type catalog struct {
	stores map[string]*storeMeta
}

func (c *catalog) names() []string {
	names := make([]string, 0, len(c.stores))
	for name := range c.stores {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func loadCatalog(btx *bbolt.Tx) (*catalog, error) {
	cat := &catalog{stores: map[string]*storeMeta{}}
	b := btx.Bucket(bucketMeta)
	if b == nil {
		return cat, nil
	}
	prefix := []byte(storeMetaPrefix)
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == storeMetaPrefix; k, v = c.Next() {
		var meta storeMeta
		if err := json.Unmarshal(v, &meta); err != nil {
			return nil, fmt.Errorf("decode store definition %q: %w", k, err)
		}
		if meta.Indexes == nil {
			meta.Indexes = map[string]kv.IndexSpec{}
		}
		cat.stores[meta.Spec.Name] = &meta
	}
	return cat, nil
}

func saveStoreMeta(btx *bbolt.Tx, meta *storeMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return btx.Bucket(bucketMeta).Put([]byte(storeMetaPrefix+meta.Spec.Name), data)
}

func storeBucket(name string) []byte {
	return []byte("s:" + name)
}

func indexBucket(store, index string) []byte {
	return []byte("x:" + store + ":" + index)
}

// DB is an open bbolt database.
type DB struct {
	name    string
	version int
	bdb     *bbolt.DB
	catalog *catalog
}

func (d *DB) Name() string { return d.name }

func (d *DB) Version() int { return d.version }

func (d *DB) StoreNames() []string { return d.catalog.names() }

// Begin starts a transaction scoped to stores. bbolt allows one writer at a
// time; further read-write Begins block until it finishes.
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	btx, err := d.bdb.Begin(mode == kv.ReadWrite)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeTransaction, "begin", err)
	}
	return &tx{ctx: ctx, btx: btx, mode: mode, scope: scope, catalog: d.catalog}, nil
}

func (d *DB) Close() error {
	if d.bdb == nil {
		return nil
	}
	return d.bdb.Close()
}
