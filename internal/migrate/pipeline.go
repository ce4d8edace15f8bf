package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/notify"
	"github.com/roach88/localstore/internal/schema"
	"github.com/roach88/localstore/internal/snapshot"
)

// Step transforms a snapshot from version From to From+1. Steps run on a
// private copy and must be idempotent.
type Step struct {
	From  int
	Name  string
	Apply func(ctx context.Context, s *snapshot.Snapshot, env *Env) error
}

// Env is handed to every step.
type Env struct {
	Logger *slog.Logger
	Now    time.Time
}

// Pipeline runs data migration steps up to the registry's current version.
type Pipeline struct {
	registry *schema.Registry
	steps    map[int]Step
	logger   *slog.Logger
	observer notify.Observer
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithObserver receives a migration_step event per applied step.
func WithObserver(o notify.Observer) Option {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// WithClock overrides the time source used for migratedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithSteps replaces the step chain. Steps are keyed by From; later entries win.
func WithSteps(steps ...Step) Option {
	return func(p *Pipeline) {
		p.steps = make(map[int]Step, len(steps))
		for _, s := range steps {
			p.steps[s.From] = s
		}
	}
}

// NewPipeline returns a pipeline targeting registry.Current() with DefaultSteps.
func NewPipeline(registry *schema.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: registry,
		logger:   slog.Default(),
		observer: notify.Nop,
		now:      time.Now,
	}
	WithSteps(DefaultSteps(registry)...)(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Target returns the version snapshots are migrated to.
func (p *Pipeline) Target() int {
	return p.registry.Current()
}

// NeedsMigration reports whether s is older than the target.
func (p *Pipeline) NeedsMigration(s *snapshot.Snapshot) bool {
	return s.Version() < p.Target()
}

// Migrate returns a copy of s transformed to the target version. The input
// is never modified. Snapshots newer than the target fail with a Validation error.
func (p *Pipeline) Migrate(ctx context.Context, s *snapshot.Snapshot) (*snapshot.Snapshot, error) {
	if s == nil || s.Metadata == nil {
		return nil, dberr.New(dberr.CodeValidation, "migrate", "snapshot has no metadata")
	}
	from := s.Version()
	target := p.Target()
	switch {
	case from < 1:
		return nil, dberr.Newf(dberr.CodeValidation, "migrate", "invalid snapshot version %d", from)
	case from > target:
		return nil, dberr.Newf(dberr.CodeValidation, "migrate", "snapshot version %d is newer than supported version %d", from, target)
	}

	out := s.Clone()
	if from == target {
		return out, nil
	}

	env := &Env{Logger: p.logger, Now: p.now().UTC()}
	p.logger.Info("migrating snapshot", "from", from, "to", target)
	for v := from; v < target; v++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		step, ok := p.steps[v]
		if !ok {
			return nil, dberr.Newf(dberr.CodeValidation, "migrate", "no migration step from version %d", v)
		}
		if err := step.Apply(ctx, out, env); err != nil {
			return nil, dberr.Wrap(dberr.CodeValidation, fmt.Sprintf("migrate %d->%d", v, v+1), err)
		}
		p.logger.Debug("applied migration step", "from", v, "to", v+1, "step", step.Name)
		p.observer.Notify(ctx, notify.Event{
			Kind:    notify.KindMigrationStep,
			Message: step.Name,
			Version: v + 1,
			Done:    v + 1 - from,
			Total:   target - from,
		})
	}

	out.Metadata.Version = target
	out.Metadata.OriginalVersion = from
	out.Metadata.MigratedAt = env.Now.Format(time.RFC3339)
	out.Metadata.Stores = out.StoreNames()
	return out, nil
}
