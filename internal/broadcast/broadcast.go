// Package broadcast publishes database readiness to peer processes sharing
// the same storage directory.
//
// The channel holds two keys: a status record (last write wins) and a
// trigger whose mutation, regardless of value, wakes subscribers. It is a
// wake-up signal only and provides no locking.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Status is the readiness record shared between peers.
type Status struct {
	IsReady   bool   `json:"isReady"`
	Version   int    `json:"version"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
	Page      string `json:"page"`
}

// Channel is the shared medium behind a Broadcaster.
type Channel interface {
	// WriteStatus replaces the status record.
	WriteStatus(ctx context.Context, s Status) error

	// ReadStatus returns the last status record; ok is false if none was written.
	ReadStatus(ctx context.Context) (s Status, ok bool, err error)

	// Trigger sets and immediately clears the trigger key.
	Trigger(ctx context.Context) error

	// Subscribe returns a channel that receives a value after trigger
	// mutations. Signals coalesce: a slow reader sees at least one signal
	// per burst. The channel is closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan struct{}, error)

	Close() error
}

// Broadcaster publishes this execution context's readiness.
type Broadcaster struct {
	ch     Channel
	page   string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the broadcaster logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// WithPage overrides the generated execution context id.
func WithPage(page string) Option {
	return func(b *Broadcaster) {
		b.page = page
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		b.now = now
	}
}

// New returns a Broadcaster over ch. Each Broadcaster identifies itself with
// a UUIDv7 page id unless WithPage is given.
func New(ch Channel, opts ...Option) (*Broadcaster, error) {
	b := &Broadcaster{
		ch:     ch,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.page == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate page id: %w", err)
		}
		b.page = id.String()
	}
	return b, nil
}

// Page returns this execution context's id.
func (b *Broadcaster) Page() string {
	return b.page
}

// PublishReady records that this context has the database open at version
// and wakes peers.
func (b *Broadcaster) PublishReady(ctx context.Context, version int) error {
	return b.publish(ctx, true, version)
}

// PublishClosed records that this context closed the database.
func (b *Broadcaster) PublishClosed(ctx context.Context, version int) error {
	return b.publish(ctx, false, version)
}

func (b *Broadcaster) publish(ctx context.Context, ready bool, version int) error {
	s := Status{
		IsReady:   ready,
		Version:   version,
		Timestamp: b.now().UnixMilli(),
		Page:      b.page,
	}
	if err := b.ch.WriteStatus(ctx, s); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	if err := b.ch.Trigger(ctx); err != nil {
		return fmt.Errorf("fire trigger: %w", err)
	}
	b.logger.Debug("published status", "ready", ready, "version", version, "page", b.page)
	return nil
}

// Status returns the last published status from any peer.
func (b *Broadcaster) Status(ctx context.Context) (Status, bool, error) {
	return b.ch.ReadStatus(ctx)
}

// Subscribe wakes the caller whenever any peer fires the trigger.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	return b.ch.Subscribe(ctx)
}

// Close closes the underlying channel.
func (b *Broadcaster) Close() error {
	return b.ch.Close()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
