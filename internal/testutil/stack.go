package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/roach88/localstore/internal/conn"
	"github.com/roach88/localstore/internal/kv"
	"github.com/roach88/localstore/internal/kv/sqlitekv"
	"github.com/roach88/localstore/internal/schema"
	"github.com/roach88/localstore/internal/txn"
)

// Stack is a connection manager and executor over a fresh SQLite database in
// a per-test temporary directory.
type Stack struct {
	Dir     string
	Engine  kv.Engine
	Manager *conn.Manager
	Exec    *txn.Executor
}

// QuietLogger returns a logger that discards everything.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewStack opens a stack at the current schema version. The connection is
// closed when the test ends.
func NewStack(t testing.TB, opts ...conn.Option) *Stack {
	t.Helper()
	dir := t.TempDir()
	engine := sqlitekv.New(dir, sqlitekv.WithLogger(QuietLogger()))
	m := conn.NewManager(engine, schema.Default(), append([]conn.Option{conn.WithLogger(QuietLogger())}, opts...)...)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return &Stack{Dir: dir, Engine: engine, Manager: m, Exec: txn.New(m)}
}
