package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	obs := Logger(logger)
	ctx := context.Background()

	obs.Notify(ctx, Event{Kind: KindReady, Message: "database ready", Version: 14})
	obs.Notify(ctx, Event{Kind: KindError, Message: "import failed", Store: "characters", Err: errors.New("boom")})
	obs.Notify(ctx, Event{Kind: KindImportProgress, Message: "importing", Store: "settings", Done: 1, Total: 3})

	out := buf.String()
	assert.Contains(t, out, `level=INFO msg="database ready" kind=ready version=14`)
	assert.Contains(t, out, `level=WARN msg="import failed" kind=error store=characters error=boom`)
	assert.Contains(t, out, `level=DEBUG msg=importing kind=import_progress store=settings done=1 total=3`)
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := NewRecorder(4), NewRecorder(1)
	obs := Multi(a, nil, b)

	obs.Notify(context.Background(), Event{Kind: KindReady})
	obs.Notify(context.Background(), Event{Kind: KindClosed})

	assert.Equal(t, []Kind{KindReady, KindClosed}, a.Kinds())
	assert.Equal(t, []Kind{KindReady}, b.Kinds(), "full recorder drops events")
	assert.Empty(t, a.Events())
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() { Nop.Notify(context.Background(), Event{Kind: KindError}) })
}
