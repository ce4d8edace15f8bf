// Package notify carries lifecycle events from the persistence layer to
// whatever presentation layer is listening.
package notify

import (
	"context"
	"log/slog"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	KindReady          Kind = "ready"
	KindClosed         Kind = "closed"
	KindUpgrade        Kind = "upgrade"
	KindMigrationStep  Kind = "migration_step"
	KindImportProgress Kind = "import_progress"
	KindImportComplete Kind = "import_complete"
	KindExportComplete Kind = "export_complete"
	KindCleanup        Kind = "cleanup"
	KindError          Kind = "error"
)

// Event is a structured lifecycle message.
type Event struct {
	Kind    Kind
	Message string

	// Store is set for per-store progress.
	Store string

	// Version is the schema version the event relates to, if any.
	Version int

	// Done and Total report progress for batch operations.
	Done  int
	Total int

	Err error
}

// Observer receives lifecycle events. Implementations must not block.
type Observer interface {
	Notify(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// Nop discards every event.
var Nop Observer = ObserverFunc(func(context.Context, Event) {})

// Multi fans events out to several observers in order.
func Multi(observers ...Observer) Observer {
	return ObserverFunc(func(ctx context.Context, ev Event) {
		for _, o := range observers {
			if o != nil {
				o.Notify(ctx, ev)
			}
		}
	})
}

// Logger returns an observer that logs each event. Errors log at Warn,
// progress at Debug, everything else at Info.
func Logger(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return ObserverFunc(func(ctx context.Context, ev Event) {
		attrs := []slog.Attr{slog.String("kind", string(ev.Kind))}
		if ev.Store != "" {
			attrs = append(attrs, slog.String("store", ev.Store))
		}
		if ev.Version != 0 {
			attrs = append(attrs, slog.Int("version", ev.Version))
		}
		if ev.Total != 0 {
			attrs = append(attrs, slog.Int("done", ev.Done), slog.Int("total", ev.Total))
		}

		level := slog.LevelInfo
		switch {
		case ev.Err != nil || ev.Kind == KindError:
			level = slog.LevelWarn
			if ev.Err != nil {
				attrs = append(attrs, slog.Any("error", ev.Err))
			}
		case ev.Kind == KindImportProgress || ev.Kind == KindMigrationStep:
			level = slog.LevelDebug
		}
		logger.LogAttrs(ctx, level, ev.Message, attrs...)
	})
}

// Recorder collects events in memory. Useful in tests.
type Recorder struct {
	events chan Event
}

// NewRecorder returns a Recorder buffering up to size events; further events are dropped.
func NewRecorder(size int) *Recorder {
	return &Recorder{events: make(chan Event, size)}
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	select {
	case r.events <- ev:
	default:
	}
}

// Events drains and returns the recorded events.
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Kinds drains the recorder and returns the event kinds in order.
func (r *Recorder) Kinds() []Kind {
	events := r.Events()
	kinds := make([]Kind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}
