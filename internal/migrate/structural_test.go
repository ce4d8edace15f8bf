package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
	"github.com/roach88/localstore/internal/kv/boltkv"
	"github.com/roach88/localstore/internal/kv/sqlitekv"
	"github.com/roach88/localstore/internal/schema"
)

func engines(t *testing.T) map[string]func() kv.Engine {
	return map[string]func() kv.Engine{
		"sqlite": func() kv.Engine { return sqlitekv.New(t.TempDir()) },
		"bolt":   func() kv.Engine { return boltkv.New(t.TempDir(), boltkv.WithNoSync(true)) },
	}
}

func TestStructural_FreshDatabase(t *testing.T) {
	for name, newEngine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			reg := schema.Default()
			db, err := newEngine().Open(context.Background(), "app", reg.Current(), UpgradeFunc(reg, quietLogger()))
			require.NoError(t, err)
			defer db.Close()

			assert.Equal(t, reg.ActiveNames(reg.Current()), db.StoreNames())

			tx, err := db.Begin(context.Background(), kv.ReadOnly, schema.ChatHistory)
			require.NoError(t, err)
			defer tx.Rollback()
			s, err := tx.Store(schema.ChatHistory)
			require.NoError(t, err)
			for _, ix := range []string{"characterId", "updatedAt"} {
				_, err := s.Index(ix)
				assert.NoError(t, err, ix)
			}
		})
	}
}

func TestStructural_StepwiseUpgrade(t *testing.T) {
	for name, newEngine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			reg := schema.Default()
			engine := newEngine()
			ctx := context.Background()

			// Open at every historical version in turn; each upgrade builds
			// on what the previous one left behind.
			for v := 1; v <= reg.Current(); v++ {
				db, err := engine.Open(ctx, "app", v, UpgradeFunc(reg, quietLogger()))
				require.NoError(t, err, "version %d", v)
				assert.Equal(t, reg.ActiveNames(v), db.StoreNames(), "version %d", v)
				require.NoError(t, db.Close())
			}
		})
	}
}

func TestStructural_KeepsData(t *testing.T) {
	for name, newEngine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			reg := schema.Default()
			engine := newEngine()
			ctx := context.Background()

			db, err := engine.Open(ctx, "app", 6, UpgradeFunc(reg, quietLogger()))
			require.NoError(t, err)
			tx, err := db.Begin(ctx, kv.ReadWrite, schema.Characters, schema.AvatarCache)
			require.NoError(t, err)
			chars, err := tx.Store(schema.Characters)
			require.NoError(t, err)
			_, err = chars.Put(kv.Record{"id": "c1", "name": "Alice"})
			require.NoError(t, err)
			avatars, err := tx.Store(schema.AvatarCache)
			require.NoError(t, err)
			_, err = avatars.Put(kv.Record{"key": "a1"})
			require.NoError(t, err)
			require.NoError(t, tx.Commit())
			require.NoError(t, db.Close())

			db, err = engine.Open(ctx, "app", 14, UpgradeFunc(reg, quietLogger()))
			require.NoError(t, err)
			defer db.Close()
			assert.NotContains(t, db.StoreNames(), schema.AvatarCache)

			tx, err = db.Begin(ctx, kv.ReadOnly, schema.Characters)
			require.NoError(t, err)
			defer tx.Rollback()
			chars, err = tx.Store(schema.Characters)
			require.NoError(t, err)
			got, err := chars.Get("c1")
			require.NoError(t, err)
			assert.Equal(t, "Alice", got["name"])
		})
	}
}

// fakeUpgradeTx records structural calls without an engine.
type fakeUpgradeTx struct {
	kv.Tx
	stores  map[string]map[string]bool
	created []string
	dropped []string
	failOn  string
}

func (f *fakeUpgradeTx) HasStore(name string) bool {
	_, ok := f.stores[name]
	return ok
}

func (f *fakeUpgradeTx) StoreNames() []string {
	return nil
}

func (f *fakeUpgradeTx) CreateStore(spec kv.StoreSpec) error {
	if spec.Name == f.failOn {
		return dberr.New(dberr.CodeTransaction, "create store", "disk full")
	}
	f.stores[spec.Name] = map[string]bool{}
	f.created = append(f.created, spec.Name)
	return nil
}

func (f *fakeUpgradeTx) DeleteStore(name string) error {
	delete(f.stores, name)
	f.dropped = append(f.dropped, name)
	return nil
}

func (f *fakeUpgradeTx) HasIndex(store, index string) bool {
	return f.stores[store][index]
}

func (f *fakeUpgradeTx) CreateIndex(store string, spec kv.IndexSpec) error {
	f.stores[store][spec.Name] = true
	f.created = append(f.created, store+"."+spec.Name)
	return nil
}

func (f *fakeUpgradeTx) DeleteIndex(store, index string) error {
	delete(f.stores[store], index)
	return nil
}

func TestStructural_ChecksExistenceFirst(t *testing.T) {
	reg := schema.Default()
	tx := &fakeUpgradeTx{stores: map[string]map[string]bool{
		schema.Characters:  {},
		schema.ChatHistory: {"characterId": true},
		schema.AvatarCache: {},
		"unrelated":        {},
	}}

	require.NoError(t, Structural(context.Background(), tx, reg, 14, quietLogger()))
	assert.NotContains(t, tx.created, schema.Characters)
	assert.NotContains(t, tx.created, schema.ChatHistory+".characterId")
	assert.Contains(t, tx.created, schema.ChatHistory+".updatedAt")
	assert.Contains(t, tx.created, schema.CharacterGroups)
	assert.Equal(t, []string{schema.AvatarCache}, tx.dropped)
	assert.Contains(t, tx.stores, "unrelated", "unknown stores are left alone")

	tx.created, tx.dropped = nil, nil
	require.NoError(t, Structural(context.Background(), tx, reg, 14, quietLogger()))
	assert.Empty(t, tx.created)
	assert.Empty(t, tx.dropped)
}

func TestStructural_FailureIsUpgradeError(t *testing.T) {
	tx := &fakeUpgradeTx{stores: map[string]map[string]bool{}, failOn: schema.Presets}
	err := Structural(context.Background(), tx, schema.Default(), 14, quietLogger())
	require.Error(t, err)
	assert.Equal(t, dberr.CodeUpgrade, dberr.CodeOf(err))
}
