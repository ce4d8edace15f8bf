// Package kvtest is a conformance suite shared by the kv engine implementations.
package kvtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
)

// Factory returns a fresh engine rooted in a test-private directory.
type Factory func(t *testing.T) kv.Engine

// Run exercises every kv.Engine behavior the persistence layer relies on.
func Run(t *testing.T, newEngine Factory) {
	t.Run("OpenRunsUpgradeOnce", func(t *testing.T) { testOpenRunsUpgradeOnce(t, newEngine) })
	t.Run("OpenRejectsDowngrade", func(t *testing.T) { testOpenRejectsDowngrade(t, newEngine) })
	t.Run("FailedUpgradeKeepsVersion", func(t *testing.T) { testFailedUpgradeKeepsVersion(t, newEngine) })
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newEngine) })
	t.Run("AddDuplicate", func(t *testing.T) { testAddDuplicate(t, newEngine) })
	t.Run("AutoIncrement", func(t *testing.T) { testAutoIncrement(t, newEngine) })
	t.Run("Ranges", func(t *testing.T) { testRanges(t, newEngine) })
	t.Run("Indexes", func(t *testing.T) { testIndexes(t, newEngine) })
	t.Run("UniqueIndex", func(t *testing.T) { testUniqueIndex(t, newEngine) })
	t.Run("CursorMutation", func(t *testing.T) { testCursorMutation(t, newEngine) })
	t.Run("ReadOnly", func(t *testing.T) { testReadOnly(t, newEngine) })
	t.Run("Scope", func(t *testing.T) { testScope(t, newEngine) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newEngine) })
	t.Run("DeleteStore", func(t *testing.T) { testDeleteStore(t, newEngine) })
	t.Run("Clear", func(t *testing.T) { testClear(t, newEngine) })
}

func baseUpgrade(_ context.Context, tx kv.UpgradeTx, _, _ int) error {
	if !tx.HasStore("items") {
		if err := tx.CreateStore(kv.StoreSpec{Name: "items", KeyPath: "id"}); err != nil {
			return err
		}
		if err := tx.CreateIndex("items", kv.IndexSpec{Name: "owner", KeyPath: "owner"}); err != nil {
			return err
		}
	}
	if !tx.HasStore("log") {
		return tx.CreateStore(kv.StoreSpec{Name: "log", KeyPath: "id", AutoIncrement: true})
	}
	return nil
}

func openBase(t *testing.T, newEngine Factory) kv.DB {
	t.Helper()
	db, err := newEngine(t).Open(context.Background(), "conformance", 1, baseUpgrade)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func write(t *testing.T, db kv.DB, storeName string, recs ...kv.Record) []kv.Key {
	t.Helper()
	tx, err := db.Begin(context.Background(), kv.ReadWrite, storeName)
	require.NoError(t, err)
	defer tx.Rollback()
	s, err := tx.Store(storeName)
	require.NoError(t, err)
	keys := make([]kv.Key, 0, len(recs))
	for _, rec := range recs {
		k, err := s.Put(rec)
		require.NoError(t, err)
		keys = append(keys, k)
	}
	require.NoError(t, tx.Commit())
	return keys
}

func read(t *testing.T, db kv.DB, storeName string, fn func(kv.Store)) {
	t.Helper()
	tx, err := db.Begin(context.Background(), kv.ReadOnly, storeName)
	require.NoError(t, err)
	defer tx.Rollback()
	s, err := tx.Store(storeName)
	require.NoError(t, err)
	fn(s)
	require.NoError(t, tx.Commit())
}

func ids(recs []kv.Record) []any {
	out := make([]any, len(recs))
	for i, r := range recs {
		out[i] = r["id"]
	}
	return out
}

func testOpenRunsUpgradeOnce(t *testing.T, newEngine Factory) {
	ctx := context.Background()
	engine := newEngine(t)
	calls := 0
	upgrade := func(ctx context.Context, tx kv.UpgradeTx, oldV, newV int) error {
		calls++
		assert.Equal(t, 0, oldV)
		assert.Equal(t, 1, newV)
		return baseUpgrade(ctx, tx, oldV, newV)
	}

	db, err := engine.Open(ctx, "once", 1, upgrade)
	require.NoError(t, err)
	assert.Equal(t, "once", db.Name())
	assert.Equal(t, 1, db.Version())
	assert.Equal(t, []string{"items", "log"}, db.StoreNames())
	require.NoError(t, db.Close())

	db, err = engine.Open(ctx, "once", 1, upgrade)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.NoError(t, db.Close())

	// A version bump runs the callback with the persisted version.
	var seen [2]int
	db, err = engine.Open(ctx, "once", 2, func(ctx context.Context, tx kv.UpgradeTx, oldV, newV int) error {
		seen = [2]int{oldV, newV}
		assert.True(t, tx.HasIndex("items", "owner"))
		return tx.CreateStore(kv.StoreSpec{Name: "extra", KeyPath: "key"})
	})
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, [2]int{1, 2}, seen)
	assert.Equal(t, []string{"extra", "items", "log"}, db.StoreNames())
}

func testOpenRejectsDowngrade(t *testing.T, newEngine Factory) {
	ctx := context.Background()
	engine := newEngine(t)
	db, err := engine.Open(ctx, "down", 3, baseUpgrade)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = engine.Open(ctx, "down", 2, baseUpgrade)
	require.Error(t, err)
	assert.Equal(t, dberr.CodeConnection, dberr.CodeOf(err))
}

func testFailedUpgradeKeepsVersion(t *testing.T, newEngine Factory) {
	ctx := context.Background()
	engine := newEngine(t)
	_, err := engine.Open(ctx, "broken", 1, func(ctx context.Context, tx kv.UpgradeTx, _, _ int) error {
		if err := tx.CreateStore(kv.StoreSpec{Name: "half", KeyPath: "id"}); err != nil {
			return err
		}
		return dberr.New(dberr.CodeUpgrade, "upgrade", "boom")
	})
	require.Error(t, err)
	assert.Equal(t, dberr.CodeUpgrade, dberr.CodeOf(err))

	db, err := engine.Open(ctx, "broken", 1, baseUpgrade)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, []string{"items", "log"}, db.StoreNames())
}

func testPutGet(t *testing.T, newEngine Factory) {
	db := openBase(t, newEngine)
	rec := kv.Record{
		"id":    "a",
		"owner": "alice",
		"tags":  []any{"x", "y"},
		"meta":  map[string]any{"size": float64(12), "ok": true},
	}
	keys := write(t, db, "items", rec)
	assert.Equal(t, []kv.Key{"a"}, keys)

	read(t, db, "items", func(s kv.Store) {
		got, err := s.Get("a")
		require.NoError(t, err)
		assert.Equal(t, rec, got)

		_, err = s.Get("missing")
		assert.True(t, dberr.IsNotFound(err))
	})

	// Put replaces.
	write(t, db, "items", kv.Record{"id": "a", "owner": "bob"})
	read(t, db, "items", func(s kv.Store) {
		got, err := s.Get("a")
		require.NoError(t, err)
		assert.Equal(t, kv.Record{"id": "a", "owner": "bob"}, got)
	})
}

func testAddDuplicate(t *testing.T, newEngine Factory) {
	db := openBase(t, newEngine)
	write(t, db, "items", kv.Record{"id": "a"})

	tx, err := db.Begin(context.Background(), kv.ReadWrite, "items")
	require.NoError(t, err)
	defer tx.Rollback()
	s, err := tx.Store("items")
	require.NoError(t, err)
	_, err = s.Add(kv.Record{"id": "a"})
	assert.True(t, dberr.IsKeyExists(err))
	_, err = s.Add(kv.Record{"id": "b"})
	assert.NoError(t, err)

	_, err = s.Put(kv.Record{"name": "no key"})
	assert.True(t, dberr.IsValidation(err))
}

func testAutoIncrement(t *testing.T, newEngine Factory) {
	db := openBase(t, newEngine)
	keys := write(t, db, "log",
		kv.Record{"msg": "one"},
		kv.Record{"msg": "two"},
		kv.Record{"id": 10, "msg": "explicit"},
		kv.Record{"msg": "after"},
	)
	assert.Equal(t, []kv.Key{int64(1), int64(2), int64(10), int64(11)}, keys)

	read(t, db, "log", func(s kv.Store) {
		got, err := s.Get(2)
		require.NoError(t, err)
		assert.Equal(t, float64(2), got["id"])
		assert.Equal(t, "two", got["msg"])
	})
}

func testRanges(t *testing.T, newEngine Factory) {
	db := openBase(t, newEngine)
	write(t, db, "log",
		kv.Record{"id": 1}, kv.Record{"id": 2}, kv.Record{"id": 3},
		kv.Record{"id": 4}, kv.Record{"id": 5},
	)
	write(t, db, "items", kv.Record{"id": "b"}, kv.Record{"id": "a"}, kv.Record{"id": "c"})

	read(t, db, "log", func(s kv.Store) {
		all, err := s.GetAll(nil, 0)
		require.NoError(t, err)
		assert.Equal(t, []any{float64(1), float64(2), float64(3), float64(4), float64(5)}, ids(all))

		some, err := s.GetAll(kv.Bound(2, 4, true, false), 0)
		require.NoError(t, err)
		assert.Equal(t, []any{float64(3), float64(4)}, ids(some))

		limited, err := s.GetAll(kv.LowerBound(2, false), 2)
		require.NoError(t, err)
		assert.Equal(t, []any{float64(2), float64(3)}, ids(limited))

		n, err := s.Count(kv.UpperBound(3, true))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.Count(nil)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	})
	read(t, db, "items", func(s kv.Store) {
		all, err := s.GetAll(nil, 0)
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b", "c"}, ids(all))
	})
}

func testIndexes(t *testing.T, newEngine Factory) {
	db := openBase(t, newEngine)
	write(t, db, "items",
		kv.Record{"id": "1", "owner": "bob"},
		kv.Record{"id": "2", "owner": "alice"},
		kv.Record{"id": "3", "owner": "bob"},
		kv.Record{"id": "4"},
		kv.Record{"id": "5", "owner": true},
	)

	read(t, db, "items", func(s kv.Store) {
		ix, err := s.Index("owner")
		require.NoError(t, err)
		assert.Equal(t, "owner", ix.KeyPath())

		bobs, err := ix.GetAll("bob")
		require.NoError(t, err)
		assert.Equal(t, []any{"1", "3"}, ids(bobs))

		first, err := ix.Get("alice")
		require.NoError(t, err)
		assert.Equal(t, "2", first["id"])

		_, err = ix.Get("carol")
		assert.True(t, dberr.IsNotFound(err))

		n, err := ix.Count(nil)
		require.NoError(t, err)
		assert.Equal(t, 3, n, "records without a valid index value are not indexed")

		c, err := ix.OpenCursor(nil)
		require.NoError(t, err)
		var order []any
		for c.Next() {
			order = append(order, c.Key(), c.PrimaryKey())
		}
		require.NoError(t, c.Err())
		require.NoError(t, c.Close())
		assert.Equal(t, []any{"alice", "2", "bob", "1", "bob", "3"}, order)

		_, err = s.Index("nope")
		assert.True(t, dberr.IsNotFound(err))
	})

	// Index entries follow updates and deletes.
	write(t, db, "items", kv.Record{"id": "1", "owner": "alice"})
	tx, err := db.Begin(context.Background(), kv.ReadWrite, "items")
	require.NoError(t, err)
	s, err := tx.Store("items")
	require.NoError(t, err)
	require.NoError(t, s.Delete("3"))
	require.NoError(t, s.Delete("never-existed"))
	require.NoError(t, tx.Commit())

	read(t, db, "items", func(s kv.Store) {
		ix, err := s.Index("owner")
		require.NoError(t, err)
		bobs, err := ix.GetAll("bob")
		require.NoError(t, err)
		assert.Empty(t, bobs)
		alices, err := ix.GetAll("alice")
		require.NoError(t, err)
		assert.Equal(t, []any{"1", "2"}, ids(alices))
	})
}

func testUniqueIndex(t *testing.T, newEngine Factory) {
	ctx := context.Background()
	db, err := newEngine(t).Open(ctx, "unique", 1, func(ctx context.Context, tx kv.UpgradeTx, _, _ int) error {
		if err := tx.CreateStore(kv.StoreSpec{Name: "users", KeyPath: "id"}); err != nil {
			return err
		}
		return tx.CreateIndex("users", kv.IndexSpec{Name: "email", KeyPath: "email", Unique: true})
	})
	require.NoError(t, err)
	defer db.Close()

	write(t, db, "users", kv.Record{"id": "u1", "email": "a@example.com"})
	// Rewriting the same record keeps its own index entry.
	write(t, db, "users", kv.Record{"id": "u1", "email": "a@example.com", "name": "A"})

	tx, err := db.Begin(ctx, kv.ReadWrite, "users")
	require.NoError(t, err)
	defer tx.Rollback()
	s, err := tx.Store("users")
	require.NoError(t, err)
	_, err = s.Put(kv.Record{"id": "u2", "email": "a@example.com"})
	require.Error(t, err)
	assert.Equal(t, dberr.CodeConstraint, dberr.CodeOf(err))
}

func testCursorMutation(t *testing.T, newEngine Factory) {
	db := openBase(t, newEngine)
	write(t, db, "items",
		kv.Record{"id": "a", "n": 1},
		kv.Record{"id": "b", "n": 2},
		kv.Record{"id": "c", "n": 3},
	)

	tx, err := db.Begin(context.Background(), kv.ReadWrite, "items")
	require.NoError(t, err)
	s, err := tx.Store("items")
	require.NoError(t, err)
	c, err := s.OpenCursor(nil)
	require.NoError(t, err)
	visited := 0
	for c.Next() {
		visited++
		rec := c.Value()
		switch rec["id"] {
		case "a":
			require.NoError(t, c.Delete())
		case "b":
			rec["n"] = 20
			require.NoError(t, c.Update(rec))
		case "c":
			rec["id"] = "z"
			assert.True(t, dberr.IsValidation(c.Update(rec)))
		}
	}
	require.NoError(t, c.Err())
	require.NoError(t, c.Close())
	require.NoError(t, tx.Commit())
	assert.Equal(t, 3, visited)

	read(t, db, "items", func(s kv.Store) {
		all, err := s.GetAll(nil, 0)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, float64(20), all[0]["n"])
		assert.Equal(t, "c", all[1]["id"])
	})
}

func testReadOnly(t *testing.T, newEngine Factory) {
	db := openBase(t, newEngine)
	write(t, db, "items", kv.Record{"id": "a"})

	tx, err := db.Begin(context.Background(), kv.ReadOnly, "items")
	require.NoError(t, err)
	defer tx.Rollback()
	assert.Equal(t, kv.ReadOnly, tx.Mode())
	s, err := tx.Store("items")
	require.NoError(t, err)

	_, err = s.Put(kv.Record{"id": "b"})
	assert.Equal(t, dberr.CodeTransaction, dberr.CodeOf(err))
	assert.Error(t, s.Delete("a"))
	assert.Error(t, s.Clear())

	c, err := s.OpenCursor(nil)
	require.NoError(t, err)
	require.True(t, c.Next())
	assert.Error(t, c.Delete())
	require.NoError(t, c.Close())
}

func testScope(t *testing.T, newEngine Factory) {
	db := openBase(t, newEngine)
	ctx := context.Background()

	_, err := db.Begin(ctx, kv.ReadOnly, "ghost")
	assert.True(t, dberr.IsNotFound(err))

	_, err = db.Begin(ctx, kv.ReadOnly)
	assert.True(t, dberr.IsValidation(err))

	tx, err := db.Begin(ctx, kv.ReadOnly, "items")
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.Store("log")
	assert.Equal(t, dberr.CodeTransaction, dberr.CodeOf(err))
}

func testRollback(t *testing.T, newEngine Factory) {
	db := openBase(t, newEngine)
	ctx := context.Background()

	tx, err := db.Begin(ctx, kv.ReadWrite, "items", "log")
	require.NoError(t, err)
	items, err := tx.Store("items")
	require.NoError(t, err)
	logs, err := tx.Store("log")
	require.NoError(t, err)
	_, err = items.Put(kv.Record{"id": "a"})
	require.NoError(t, err)
	_, err = logs.Put(kv.Record{"msg": "x"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())
	assert.Error(t, tx.Commit())

	read(t, db, "items", func(s kv.Store) {
		n, err := s.Count(nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
	read(t, db, "log", func(s kv.Store) {
		n, err := s.Count(nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func testDeleteStore(t *testing.T, newEngine Factory) {
	ctx := context.Background()
	engine := newEngine(t)
	db, err := engine.Open(ctx, "drop", 1, baseUpgrade)
	require.NoError(t, err)
	write(t, db, "items", kv.Record{"id": "a", "owner": "x"})
	require.NoError(t, db.Close())

	db, err = engine.Open(ctx, "drop", 2, func(ctx context.Context, tx kv.UpgradeTx, _, _ int) error {
		if err := tx.DeleteIndex("items", "owner"); err != nil {
			return err
		}
		if tx.HasIndex("items", "owner") {
			return dberr.New(dberr.CodeUpgrade, "upgrade", "index survived")
		}
		return tx.DeleteStore("log")
	})
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, []string{"items"}, db.StoreNames())

	read(t, db, "items", func(s kv.Store) {
		_, err := s.Index("owner")
		assert.True(t, dberr.IsNotFound(err))
		got, err := s.Get("a")
		require.NoError(t, err)
		assert.Equal(t, "x", got["owner"])
	})
}

func testClear(t *testing.T, newEngine Factory) {
	db := openBase(t, newEngine)
	write(t, db, "log", kv.Record{"msg": "a"}, kv.Record{"msg": "b"})

	tx, err := db.Begin(context.Background(), kv.ReadWrite, "log")
	require.NoError(t, err)
	s, err := tx.Store("log")
	require.NoError(t, err)
	require.NoError(t, s.Clear())
	n, err := s.Count(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	k, err := s.Put(kv.Record{"msg": "c"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), k, "clear keeps the key generator")
	require.NoError(t, tx.Commit())
}
