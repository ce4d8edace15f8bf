package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
	"github.com/roach88/localstore/internal/migrate"
	"github.com/roach88/localstore/internal/notify"
	"github.com/roach88/localstore/internal/schema"
	"github.com/roach88/localstore/internal/snapshot"
	"github.com/roach88/localstore/internal/testutil"
)

func newService(t *testing.T, exec Executor, opts ...Option) *Service {
	t.Helper()
	clock := testutil.NewDeterministicClock(testutil.Epoch, 0)
	pipeline := migrate.NewPipeline(schema.Default(),
		migrate.WithLogger(testutil.QuietLogger()),
		migrate.WithClock(clock.Now),
	)
	base := []Option{WithLogger(testutil.QuietLogger()), WithClock(clock.Now)}
	return New(exec, schema.Default(), pipeline, append(base, opts...)...)
}

func seed(t *testing.T, stack *testutil.Stack) {
	t.Helper()
	ctx := context.Background()
	puts := []struct {
		store string
		rec   kv.Record
	}{
		{schema.Characters, kv.Record{"id": "c1", "name": "Alice"}},
		{schema.Characters, kv.Record{"id": "c2", "name": "Bob", "tags": []any{"x", "y"}}},
		{schema.Settings, kv.Record{"key": "theme", "value": "dark"}},
		{schema.APIConfigs, kv.Record{"id": "cfg1", "provider": "openai", "apiKey": "sk-secret", "token": "t", "model": "m"}},
		{schema.ChatHistory, kv.Record{"characterId": "c1", "text": "hi"}},
		{schema.FileStorage, kv.Record{"fileId": "file_1", "data": "aGVsbG8=", "type": "text/plain", "size": 5, "createdAt": 1}},
	}
	for _, p := range puts {
		_, err := stack.Exec.Put(ctx, p.store, p.rec)
		require.NoError(t, err)
	}
}

func byKey(recs []any, key string) map[any]any {
	out := make(map[any]any, len(recs))
	for _, r := range recs {
		m := r.(map[string]any)
		out[m[key]] = m
	}
	return out
}

func TestExport_RedactsCredentials(t *testing.T) {
	stack := testutil.NewStack(t)
	seed(t, stack)
	svc := newService(t, stack.Exec)

	snap, err := svc.Export(context.Background(), ExportOptions{IncludeMetadata: true})
	require.NoError(t, err)

	assert.Equal(t, schema.CurrentVersion, snap.Metadata.Version)
	assert.Equal(t, "localstore", snap.Metadata.Name)
	assert.Equal(t, "2024-06-01T00:00:00Z", snap.Metadata.ExportTime)
	assert.Equal(t, schema.Default().ActiveNames(schema.CurrentVersion), snap.Metadata.Stores)

	cfgs := snap.Records(schema.APIConfigs)
	require.Len(t, cfgs, 1)
	assert.NotContains(t, cfgs[0], "apiKey")
	assert.NotContains(t, cfgs[0], "token")
	assert.Equal(t, "openai", cfgs[0]["provider"])
	assert.Equal(t, "m", cfgs[0]["model"])
}

func TestExport_SelectedStores(t *testing.T) {
	stack := testutil.NewStack(t)
	seed(t, stack)
	svc := newService(t, stack.Exec)

	snap, err := svc.Export(context.Background(), ExportOptions{Stores: []string{schema.Settings, schema.Characters}})
	require.NoError(t, err)
	assert.Equal(t, []string{schema.Characters, schema.Settings}, snap.StoreNames())
	assert.Empty(t, snap.Metadata.Stores)
	assert.Empty(t, snap.Metadata.ExportTime)

	_, err = svc.Export(context.Background(), ExportOptions{Stores: []string{"avatarCache"}})
	assert.True(t, dberr.IsValidation(err))
}

func TestExportJSON_EmitsEvent(t *testing.T) {
	stack := testutil.NewStack(t)
	rec := notify.NewRecorder(4)
	svc := newService(t, stack.Exec, WithObserver(rec))

	data, err := svc.ExportJSON(context.Background(), ExportOptions{IncludeMetadata: true})
	require.NoError(t, err)
	require.NoError(t, snapshot.Validate(data))
	assert.Equal(t, []notify.Kind{notify.KindExportComplete}, rec.Kinds())
}

func TestRoundTrip_OverwriteIntoEmptyStore(t *testing.T) {
	ctx := context.Background()
	src := testutil.NewStack(t)
	seed(t, src)
	data, err := newService(t, src.Exec).ExportJSON(ctx, ExportOptions{IncludeMetadata: true})
	require.NoError(t, err)

	dst := testutil.NewStack(t)
	svc := newService(t, dst.Exec)
	res, err := svc.ImportJSON(ctx, data, ImportOptions{Overwrite: true, ValidateVersion: true})
	require.NoError(t, err)
	assert.False(t, res.Migrated)
	assert.Equal(t, 2, res.Stores[schema.Characters].Added)

	before, err := newService(t, src.Exec).Export(ctx, ExportOptions{})
	require.NoError(t, err)
	after, err := svc.Export(ctx, ExportOptions{})
	require.NoError(t, err)

	for _, name := range before.StoreNames() {
		desc, _ := schema.Default().Lookup(name, schema.CurrentVersion)
		assert.Equal(t, byKey(before.Stores[name], desc.KeyPath), byKey(after.Stores[name], desc.KeyPath), name)
	}

	cfg, err := dst.Exec.Get(ctx, schema.APIConfigs, "cfg1")
	require.NoError(t, err)
	assert.NotContains(t, cfg, "apiKey")
	assert.Equal(t, "openai", cfg["provider"])
}

func TestImport_SecondImportSkipsEverything(t *testing.T) {
	ctx := context.Background()
	src := testutil.NewStack(t)
	seed(t, src)
	snap, err := newService(t, src.Exec).Export(ctx, ExportOptions{Stores: []string{schema.Characters, schema.Settings}})
	require.NoError(t, err)

	dst := testutil.NewStack(t)
	svc := newService(t, dst.Exec)
	first, err := svc.Import(ctx, snap, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, &StoreResult{Total: 2, Added: 2}, first.Stores[schema.Characters])

	second, err := svc.Import(ctx, snap, ImportOptions{})
	require.NoError(t, err)
	for _, name := range []string{schema.Characters, schema.Settings} {
		sr := second.Stores[name]
		assert.Zero(t, sr.Added, name)
		assert.Equal(t, sr.Total, sr.Skipped, name)
	}
}

func TestImport_MigratesOldSnapshot(t *testing.T) {
	ctx := context.Background()
	data, err := os.ReadFile(filepath.Join("testdata", "v4_snapshot.json"))
	require.NoError(t, err)
	input, err := snapshot.Parse(data)
	require.NoError(t, err)
	original := input.Clone()

	stack := testutil.NewStack(t)
	rec := notify.NewRecorder(64)
	svc := newService(t, stack.Exec, WithObserver(rec))
	res, err := svc.Import(ctx, input, ImportOptions{EnableMigration: true, ValidateVersion: true})
	require.NoError(t, err)

	assert.True(t, res.Migrated)
	assert.Equal(t, 4, res.FromVersion)
	assert.Equal(t, schema.CurrentVersion, res.ToVersion)
	assert.Equal(t, original, input)
	assert.Empty(t, res.Ignored)
	assert.Contains(t, res.Stores, schema.FileStorage)
	assert.NotContains(t, res.Stores, "avatarCache")

	got, err := stack.Exec.Get(ctx, schema.Characters, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got["name"])

	kinds := rec.Kinds()
	assert.Contains(t, kinds, notify.KindMigrationStep)
	assert.Equal(t, notify.KindImportComplete, kinds[len(kinds)-1])
}

func TestImport_VersionMismatchWithoutMigration(t *testing.T) {
	stack := testutil.NewStack(t)
	svc := newService(t, stack.Exec)

	snap := snapshot.New("x", 4)
	snap.Stores[schema.Characters] = []any{map[string]any{"id": "c1"}}

	_, err := svc.Import(context.Background(), snap, ImportOptions{ValidateVersion: true})
	assert.True(t, dberr.IsValidation(err))

	res, err := svc.Import(context.Background(), snap, ImportOptions{})
	require.NoError(t, err)
	assert.False(t, res.Migrated)
	assert.Equal(t, 1, res.Stores[schema.Characters].Added)
}

func TestImport_RejectsNewerSnapshot(t *testing.T) {
	stack := testutil.NewStack(t)
	svc := newService(t, stack.Exec)

	_, err := svc.Import(context.Background(), snapshot.New("x", schema.CurrentVersion+1), ImportOptions{EnableMigration: true})
	assert.True(t, dberr.IsValidation(err))
}

func TestImportJSON_RejectsMalformedDocument(t *testing.T) {
	stack := testutil.NewStack(t)
	svc := newService(t, stack.Exec)

	for _, doc := range []string{
		`[]`,
		`{"characters": []}`,
		`{"_metadata": {"version": "14"}}`,
		`{"_metadata": {"version": 14}, "characters": {}}`,
	} {
		_, err := svc.ImportJSON(context.Background(), []byte(doc), ImportOptions{})
		assert.True(t, dberr.IsValidation(err), doc)
	}
}

func TestImport_IgnoresUnknownAndCountsBadRecords(t *testing.T) {
	stack := testutil.NewStack(t)
	svc := newService(t, stack.Exec)

	snap := snapshot.New("x", schema.CurrentVersion)
	snap.Stores["legacyThings"] = []any{map[string]any{"id": 1}}
	snap.Stores[schema.Characters] = []any{
		map[string]any{"id": "c1"},
		map[string]any{"name": "no key"},
		"not an object",
	}

	res, err := svc.Import(context.Background(), snap, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"legacyThings"}, res.Ignored)
	assert.Equal(t, &StoreResult{Total: 3, Added: 1, Errors: 2}, res.Stores[schema.Characters])
}

func TestImport_NormalizesReferenceIDs(t *testing.T) {
	stack := testutil.NewStack(t)
	svc := newService(t, stack.Exec)
	ctx := context.Background()

	decomposed := "avatar_cafe\u0301"
	snap := snapshot.New("localstore", schema.CurrentVersion)
	snap.Stores[schema.FileReferences] = []any{map[string]any{
		"referenceId": decomposed, "fileId": "file_1", "category": "avatar", "referenceKey": "cafe\u0301",
	}}

	res, err := svc.Import(ctx, snap, ImportOptions{ValidateVersion: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stores[schema.FileReferences].Added)
	assert.Equal(t, decomposed, snap.Records(schema.FileReferences)[0]["referenceId"], "input must not be modified")

	_, err = stack.Exec.Get(ctx, schema.FileReferences, "avatar_caf\u00e9")
	require.NoError(t, err)
	_, err = stack.Exec.Get(ctx, schema.FileReferences, decomposed)
	assert.True(t, dberr.IsNotFound(err))
}

func TestImport_StoreFilter(t *testing.T) {
	stack := testutil.NewStack(t)
	svc := newService(t, stack.Exec)

	snap := snapshot.New("x", schema.CurrentVersion)
	snap.Stores[schema.Characters] = []any{map[string]any{"id": "c1"}}
	snap.Stores[schema.Settings] = []any{map[string]any{"key": "k"}}

	res, err := svc.Import(context.Background(), snap, ImportOptions{Stores: []string{schema.Settings}})
	require.NoError(t, err)
	assert.Len(t, res.Stores, 1)
	assert.Contains(t, res.Stores, schema.Settings)
}

// failingExecutor fails every write transaction touching store.
type failingExecutor struct {
	Executor
	store string
}

func (f *failingExecutor) Write(ctx context.Context, stores []string, fn func(tx kv.Tx) error) error {
	for _, s := range stores {
		if s == f.store {
			return dberr.Wrap(dberr.CodeTransaction, "commit", errors.New("disk full"))
		}
	}
	return f.Executor.Write(ctx, stores, fn)
}

func TestImport_TransactionFailureAbortsOnlyThatStore(t *testing.T) {
	stack := testutil.NewStack(t)
	svc := newService(t, &failingExecutor{Executor: stack.Exec, store: schema.Settings})

	snap := snapshot.New("x", schema.CurrentVersion)
	snap.Stores[schema.Characters] = []any{map[string]any{"id": "c1"}}
	snap.Stores[schema.Settings] = []any{map[string]any{"key": "k"}}

	res, err := svc.Import(context.Background(), snap, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stores[schema.Characters].Added)
	assert.Contains(t, res.Stores[schema.Settings].Error, "disk full")
	assert.Zero(t, res.Stores[schema.Settings].Added)

	n, err := stack.Exec.Count(context.Background(), schema.Settings, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type revokeCounter struct{ n int }

func (r *revokeCounter) RevokeAll() { r.n++ }

func TestImport_FileStorageRevokesHandles(t *testing.T) {
	stack := testutil.NewStack(t)
	revoker := &revokeCounter{}
	svc := newService(t, stack.Exec, WithHandleRevoker(revoker))

	snap := snapshot.New("x", schema.CurrentVersion)
	snap.Stores[schema.Characters] = []any{}
	_, err := svc.Import(context.Background(), snap, ImportOptions{})
	require.NoError(t, err)
	assert.Zero(t, revoker.n)

	snap.Stores[schema.FileStorage] = []any{map[string]any{"fileId": "f1", "data": ""}}
	_, err = svc.Import(context.Background(), snap, ImportOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, 1, revoker.n)
}

func TestImportResult_JSONShape(t *testing.T) {
	res := &ImportResult{
		Stores:      map[string]*StoreResult{"characters": {Total: 1, Added: 1}},
		FromVersion: 4,
		ToVersion:   14,
		Migrated:    true,
		Ignored:     []string{},
	}
	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stores":{"characters":{"total":1,"added":1,"skipped":0,"errors":0}},"migrated":true,"fromVersion":4,"toVersion":14,"ignored":[]}`, string(data))
}
