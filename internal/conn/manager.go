// Package conn owns the single logical database connection of a process.
package conn

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/localstore/internal/broadcast"
	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
	"github.com/roach88/localstore/internal/migrate"
	"github.com/roach88/localstore/internal/notify"
	"github.com/roach88/localstore/internal/schema"
)

const (
	// DefaultName is the physical database name.
	DefaultName = "localstore"

	// DefaultWaitTimeout bounds WaitForReady when no timeout is given.
	DefaultWaitTimeout = 8 * time.Second

	// DefaultPollInterval is how often WaitForReady re-checks readiness.
	DefaultPollInterval = 100 * time.Millisecond
)

// Manager opens the database at most once per call wave and caches the
// connection. It is safe for concurrent use.
type Manager struct {
	engine      kv.Engine
	registry    *schema.Registry
	name        string
	broadcaster *broadcast.Broadcaster
	observer    notify.Observer
	logger      *slog.Logger
	poll        time.Duration

	group    singleflight.Group
	mu       sync.Mutex
	db       kv.DB
	upgrades atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithName sets the physical database name.
func WithName(name string) Option {
	return func(m *Manager) {
		m.name = name
	}
}

// WithBroadcaster publishes readiness changes to peers and lets
// WaitForReady react to theirs.
func WithBroadcaster(b *broadcast.Broadcaster) Option {
	return func(m *Manager) {
		m.broadcaster = b
	}
}

// WithObserver receives ready, upgrade and closed events.
func WithObserver(o notify.Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithPollInterval sets the WaitForReady polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.poll = d
	}
}

// NewManager returns a Manager that opens engine at registry.Current().
func NewManager(engine kv.Engine, registry *schema.Registry, opts ...Option) *Manager {
	m := &Manager{
		engine:   engine,
		registry: registry,
		name:     DefaultName,
		observer: notify.Nop,
		logger:   slog.Default(),
		poll:     DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the schema registry the manager opens against.
func (m *Manager) Registry() *schema.Registry {
	return m.registry
}

// Version returns the target schema version.
func (m *Manager) Version() int {
	return m.registry.Current()
}

// Upgrades reports how many times the structural upgrade callback has run.
func (m *Manager) Upgrades() int {
	return int(m.upgrades.Load())
}

// DB returns the cached connection, if ready.
func (m *Manager) DB() (kv.DB, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db, m.db != nil
}

// Ready reports whether the connection is open.
func (m *Manager) Ready() bool {
	_, ok := m.DB()
	return ok
}

// Init returns the open connection, opening it if needed. Concurrent callers
// share one open attempt and receive the same DB. The open itself is not
// cancelled by ctx; ctx only bounds how long this caller waits.
func (m *Manager) Init(ctx context.Context) (kv.DB, error) {
	if db, ok := m.DB(); ok {
		return db, nil
	}

	ch := m.group.DoChan("init", func() (any, error) {
		return m.open(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(kv.DB), nil
	}
}

func (m *Manager) open(ctx context.Context) (kv.DB, error) {
	if db, ok := m.DB(); ok {
		return db, nil
	}

	target := m.registry.Current()
	structural := migrate.UpgradeFunc(m.registry, m.logger)
	upgrade := func(ctx context.Context, tx kv.UpgradeTx, oldVersion, newVersion int) error {
		m.upgrades.Add(1)
		m.observer.Notify(ctx, notify.Event{
			Kind:    notify.KindUpgrade,
			Message: "upgrading database schema",
			Version: newVersion,
		})
		if err := structural(ctx, tx, oldVersion, newVersion); err != nil {
			if dberr.CodeOf(err) == dberr.CodeUpgrade {
				return err
			}
			return dberr.Wrap(dberr.CodeUpgrade, "upgrade", err)
		}
		return nil
	}

	m.logger.Debug("opening database", "name", m.name, "version", target)
	db, err := m.engine.Open(ctx, m.name, target, upgrade)
	if err != nil {
		if code := dberr.CodeOf(err); code != dberr.CodeUpgrade && code != dberr.CodeConnection {
			err = dberr.Wrap(dberr.CodeConnection, "open "+m.name, err)
		}
		m.logger.Error("failed to open database", "name", m.name, "error", err)
		m.observer.Notify(ctx, notify.Event{Kind: notify.KindError, Message: "database open failed", Version: target, Err: err})
		return nil, err
	}

	m.mu.Lock()
	m.db = db
	m.mu.Unlock()

	if m.broadcaster != nil {
		if err := m.broadcaster.PublishReady(ctx, target); err != nil {
			m.logger.Warn("failed to broadcast readiness", "error", err)
		}
	}
	m.logger.Info("database ready", "name", m.name, "version", target)
	m.observer.Notify(ctx, notify.Event{Kind: notify.KindReady, Message: "database ready", Version: target})
	return db, nil
}

// WaitForReady blocks until the connection is open or timeout elapses
// (DefaultWaitTimeout when timeout <= 0). A peer announcing readiness at the
// target version makes this context open its own connection. Past the
// deadline it fails with a dberr Timeout error.
func (m *Manager) WaitForReady(ctx context.Context, timeout time.Duration) (kv.DB, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	if db, ok := m.DB(); ok {
		return db, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	timedOut := func() (kv.DB, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, dberr.Newf(dberr.CodeTimeout, "wait for ready", "database not ready after %s", timeout)
	}

	var peer <-chan struct{}
	if m.broadcaster != nil {
		sub, err := m.broadcaster.Subscribe(waitCtx)
		if err != nil {
			m.logger.Warn("broadcast subscription failed, polling only", "error", err)
		} else {
			peer = sub
		}
	}

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		if db, ok := m.DB(); ok {
			return db, nil
		}
		if m.peerReady(waitCtx) {
			db, err := m.Init(waitCtx)
			if err != nil && waitCtx.Err() != nil {
				return timedOut()
			}
			return db, err
		}

		select {
		case <-waitCtx.Done():
			return timedOut()
		case _, ok := <-peer:
			if !ok {
				peer = nil
			}
		case <-ticker.C:
		}
	}
}

func (m *Manager) peerReady(ctx context.Context) bool {
	if m.broadcaster == nil {
		return false
	}
	s, ok, err := m.broadcaster.Status(ctx)
	if err != nil {
		m.logger.Debug("reading broadcast status", "error", err)
		return false
	}
	return ok && s.IsReady && s.Version >= m.registry.Current()
}

// Close closes the connection and announces it to peers. Closing a manager
// that is not open is a no-op.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	db := m.db
	m.db = nil
	m.mu.Unlock()
	if db == nil {
		return nil
	}

	err := db.Close()
	if m.broadcaster != nil {
		if perr := m.broadcaster.PublishClosed(ctx, m.registry.Current()); perr != nil {
			m.logger.Warn("failed to broadcast close", "error", perr)
		}
	}
	m.observer.Notify(ctx, notify.Event{Kind: notify.KindClosed, Message: "database closed", Version: m.registry.Current()})
	if err != nil {
		return dberr.Wrap(dberr.CodeConnection, "close", err)
	}
	return nil
}
