// Package transfer exports stores to snapshots and imports snapshots back,
// migrating older snapshots forward on the way in.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
	"github.com/roach88/localstore/internal/migrate"
	"github.com/roach88/localstore/internal/notify"
	"github.com/roach88/localstore/internal/schema"
	"github.com/roach88/localstore/internal/snapshot"
	"github.com/roach88/localstore/internal/txn"
)

// Executor runs transactions. *txn.Executor implements it.
type Executor interface {
	Read(ctx context.Context, stores []string, fn func(tx kv.Tx) error) error
	Write(ctx context.Context, stores []string, fn func(tx kv.Tx) error) error
}

var _ Executor = (*txn.Executor)(nil)

// HandleRevoker drops cached file handles after fileStorage is rewritten.
// *blob.Store implements it.
type HandleRevoker interface {
	RevokeAll()
}

// Service exports and imports snapshots.
type Service struct {
	exec     Executor
	registry *schema.Registry
	pipeline *migrate.Pipeline
	name     string
	files    HandleRevoker
	logger   *slog.Logger
	observer notify.Observer
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithName sets the name recorded in exported metadata.
func WithName(name string) Option {
	return func(s *Service) {
		s.name = name
	}
}

// WithHandleRevoker revokes file handles whenever an import writes fileStorage.
func WithHandleRevoker(r HandleRevoker) Option {
	return func(s *Service) {
		s.files = r
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithObserver receives progress and completion events.
func WithObserver(o notify.Observer) Option {
	return func(s *Service) {
		s.observer = o
	}
}

// WithClock sets the time source for exportTime.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New returns a Service. pipeline migrates older snapshots on import.
func New(exec Executor, registry *schema.Registry, pipeline *migrate.Pipeline, opts ...Option) *Service {
	s := &Service{
		exec:     exec,
		registry: registry,
		pipeline: pipeline,
		name:     "localstore",
		logger:   slog.Default(),
		observer: notify.Nop,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExportOptions selects what Export writes.
type ExportOptions struct {
	// Stores to export. Empty means every store at the current version.
	Stores []string

	// IncludeMetadata adds name, store list and export time to _metadata.
	// The version is always recorded.
	IncludeMetadata bool
}

// Export reads the selected stores in one read transaction. Fields listed in
// a store's Redact set are always removed.
func (s *Service) Export(ctx context.Context, opts ExportOptions) (*snapshot.Snapshot, error) {
	version := s.registry.Current()
	names := opts.Stores
	if len(names) == 0 {
		names = s.registry.ActiveNames(version)
	}
	names = slices.Clone(names)
	slices.Sort(names)
	names = slices.Compact(names)
	for _, name := range names {
		if !s.registry.IsActive(name, version) {
			return nil, dberr.Newf(dberr.CodeValidation, "export", "unknown store %q", name)
		}
	}

	snap := snapshot.New("", version)
	err := s.exec.Read(ctx, names, func(tx kv.Tx) error {
		for _, name := range names {
			st, err := tx.Store(name)
			if err != nil {
				return err
			}
			recs, err := st.GetAll(nil, 0)
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			desc, _ := s.registry.Lookup(name, version)
			out := make([]any, len(recs))
			for i, rec := range recs {
				redact(rec, desc.Redact)
				out[i] = rec
			}
			snap.Stores[name] = out
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	if opts.IncludeMetadata {
		snap.Metadata.Name = s.name
		snap.Metadata.Stores = names
		snap.Metadata.ExportTime = s.now().UTC().Format(time.RFC3339)
	}
	s.logger.Info("exported snapshot", "version", version, "stores", len(names))
	s.observer.Notify(ctx, notify.Event{
		Kind:    notify.KindExportComplete,
		Message: fmt.Sprintf("exported %d stores", len(names)),
		Version: version,
		Done:    len(names),
		Total:   len(names),
	})
	return snap, nil
}

// ExportJSON exports and encodes the snapshot with two-space indentation.
func (s *Service) ExportJSON(ctx context.Context, opts ExportOptions) ([]byte, error) {
	snap, err := s.Export(ctx, opts)
	if err != nil {
		return nil, err
	}
	return snapshot.Encode(snap, "  ")
}

func redact(rec kv.Record, fields []string) {
	for _, f := range fields {
		delete(rec, f)
	}
}
