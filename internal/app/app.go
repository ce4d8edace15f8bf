// Package app constructs the localstore service graph from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/localstore/internal/blob"
	"github.com/roach88/localstore/internal/broadcast"
	"github.com/roach88/localstore/internal/config"
	"github.com/roach88/localstore/internal/conn"
	"github.com/roach88/localstore/internal/kv"
	"github.com/roach88/localstore/internal/kv/boltkv"
	"github.com/roach88/localstore/internal/kv/sqlitekv"
	"github.com/roach88/localstore/internal/migrate"
	"github.com/roach88/localstore/internal/notify"
	"github.com/roach88/localstore/internal/schema"
	"github.com/roach88/localstore/internal/transfer"
	"github.com/roach88/localstore/internal/txn"
)

// App holds one execution context's services. Each App owns its own
// connection; there is no process-wide instance.
type App struct {
	Config      config.Config
	Registry    *schema.Registry
	Engine      kv.Engine
	Broadcaster *broadcast.Broadcaster
	Manager     *conn.Manager
	Exec        *txn.Executor
	Pipeline    *migrate.Pipeline
	Files       *blob.Store
	Transfer    *transfer.Service

	logger *slog.Logger
}

// Option configures New.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer notify.Observer
	registry *schema.Registry
	channel  broadcast.Channel
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithObserver adds an observer alongside the logging observer.
func WithObserver(obs notify.Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithRegistry replaces the default schema registry.
func WithRegistry(r *schema.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithChannel replaces the file broadcast channel.
func WithChannel(ch broadcast.Channel) Option {
	return func(o *options) {
		o.channel = ch
	}
}

// New wires the services. Nothing is opened until the first operation or an
// explicit Init.
func New(cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{
		logger:   slog.Default(),
		registry: schema.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	observer := notify.Logger(o.logger)
	if o.observer != nil {
		observer = notify.Multi(observer, o.observer)
	}

	engine, err := newEngine(cfg, o.logger)
	if err != nil {
		return nil, err
	}

	ch := o.channel
	if ch == nil {
		fc, err := broadcast.NewFileChannel(cfg.BroadcastDir(), o.logger)
		if err != nil {
			return nil, fmt.Errorf("create broadcast channel: %w", err)
		}
		ch = fc
	}
	b, err := broadcast.New(ch, broadcast.WithLogger(o.logger))
	if err != nil {
		ch.Close()
		return nil, err
	}

	m := conn.NewManager(engine, o.registry,
		conn.WithName(cfg.Name),
		conn.WithBroadcaster(b),
		conn.WithObserver(observer),
		conn.WithLogger(o.logger),
		conn.WithPollInterval(cfg.PollInterval.Std()),
	)
	exec := txn.New(m)
	pipeline := migrate.NewPipeline(o.registry,
		migrate.WithLogger(o.logger),
		migrate.WithObserver(observer),
	)
	files := blob.New(exec,
		blob.WithLogger(o.logger),
		blob.WithObserver(observer),
		blob.WithHandleDir(cfg.HandleDir()),
	)
	svc := transfer.New(exec, o.registry, pipeline,
		transfer.WithName(cfg.Name),
		transfer.WithHandleRevoker(files),
		transfer.WithLogger(o.logger),
		transfer.WithObserver(observer),
	)

	return &App{
		Config:      cfg,
		Registry:    o.registry,
		Engine:      engine,
		Broadcaster: b,
		Manager:     m,
		Exec:        exec,
		Pipeline:    pipeline,
		Files:       files,
		Transfer:    svc,
		logger:      o.logger,
	}, nil
}

func newEngine(cfg config.Config, logger *slog.Logger) (kv.Engine, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlitekv.New(cfg.Dir, sqlitekv.WithLogger(logger)), nil
	case config.DriverBolt:
		return boltkv.New(cfg.Dir,
			boltkv.WithLogger(logger),
			boltkv.WithLockTimeout(cfg.LockTimeout.Std()),
		), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// Init opens the connection, upgrading the schema if needed.
func (a *App) Init(ctx context.Context) (kv.DB, error) {
	return a.Manager.Init(ctx)
}

// WaitForReady waits up to the configured timeout for the store to be ready.
func (a *App) WaitForReady(ctx context.Context) (kv.DB, error) {
	return a.Manager.WaitForReady(ctx, a.Config.WaitTimeout.Std())
}

// Close revokes file handles, closes the connection and the broadcast channel.
func (a *App) Close(ctx context.Context) error {
	a.Files.RevokeAll()
	return errors.Join(a.Manager.Close(ctx), a.Broadcaster.Close())
}
