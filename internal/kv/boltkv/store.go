package boltkv

import (
	"bytes"
	"encoding/json"
	"slices"

	"go.etcd.io/bbolt"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
)

type store struct {
	tx   *tx
	meta *storeMeta
}

func (s *store) Name() string    { return s.meta.Spec.Name }
func (s *store) KeyPath() string { return s.meta.Spec.KeyPath }

func (s *store) bucket() *bbolt.Bucket {
	return s.tx.btx.Bucket(storeBucket(s.meta.Spec.Name))
}

func (s *store) indexBucket(name string) *bbolt.Bucket {
	return s.tx.btx.Bucket(indexBucket(s.meta.Spec.Name, name))
}

func (s *store) Get(key kv.Key) (kv.Record, error) {
	if err := s.tx.checkOpen("get"); err != nil {
		return nil, err
	}
	nk, err := kv.NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	ek, err := encodeKey(nk)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeValidation, "get", err)
	}
	raw := s.bucket().Get(ek)
	if raw == nil {
		return nil, kv.ErrKeyNotFound("get", s.Name(), nk)
	}
	return decodeRecord(raw)
}

func (s *store) GetAll(r *kv.KeyRange, limit int) ([]kv.Record, error) {
	entries, err := s.scan("get all", r, limit)
	if err != nil {
		return nil, err
	}
	out := make([]kv.Record, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out, nil
}

func (s *store) Put(rec kv.Record) (kv.Key, error) {
	return s.write("put", rec, false)
}

func (s *store) Add(rec kv.Record) (kv.Key, error) {
	return s.write("add", rec, true)
}

func (s *store) write(op string, rec kv.Record, failOnConflict bool) (kv.Key, error) {
	if err := s.tx.checkWrite(op); err != nil {
		return nil, err
	}
	b := s.bucket()
	var next func() (int64, error)
	if s.meta.Spec.AutoIncrement {
		next = func() (int64, error) {
			n, err := b.NextSequence()
			if err != nil {
				return 0, dberr.Wrap(dberr.CodeTransaction, "next key", err)
			}
			return int64(n), nil
		}
	}
	prepared, key, err := kv.PrepareRecord(rec, s.KeyPath(), next)
	if err != nil {
		return nil, err
	}
	ek, err := encodeKey(key)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeValidation, op, err)
	}
	data, err := json.Marshal(prepared)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeValidation, op, err)
	}
	// Index values are computed from the stored form so that they match
	// what later reads decode.
	stored, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}

	existing := b.Get(ek)
	if existing != nil && failOnConflict {
		return nil, kv.ErrDuplicateKey(op, s.Name(), key)
	}
	if err := s.checkUnique(op, ek, stored); err != nil {
		return nil, err
	}
	if existing != nil {
		old, err := decodeRecord(existing)
		if err != nil {
			return nil, err
		}
		if err := s.removeIndexEntries(ek, old); err != nil {
			return nil, err
		}
	}
	if err := b.Put(ek, data); err != nil {
		return nil, dberr.Wrap(dberr.CodeTransaction, op, err)
	}
	for _, name := range sortedIndexNames(s.meta) {
		if err := s.addIndexEntry(s.meta.Indexes[name], ek, stored); err != nil {
			return nil, err
		}
	}

	if s.meta.Spec.AutoIncrement {
		if k, ok := key.(int64); ok && k > 0 && uint64(k) > b.Sequence() {
			if err := b.SetSequence(uint64(k)); err != nil {
				return nil, dberr.Wrap(dberr.CodeTransaction, op, err)
			}
		}
	}
	return key, nil
}

// checkUnique fails if a unique index already maps the record's value to a
// different primary key.
func (s *store) checkUnique(op string, ek []byte, rec kv.Record) error {
	for _, spec := range s.meta.Indexes {
		if !spec.Unique {
			continue
		}
		v, ok, err := kv.ExtractKey(rec, spec.KeyPath)
		if err != nil || !ok {
			continue
		}
		ev, err := encodeKey(v)
		if err != nil {
			continue
		}
		c := s.indexBucket(spec.Name).Cursor()
		k, pk := c.Seek(ev)
		if k != nil && bytes.HasPrefix(k, ev) && !bytes.Equal(pk, ek) {
			return dberr.Newf(dberr.CodeConstraint, op, "unique index %q on %q already contains %v", spec.Name, s.Name(), v)
		}
	}
	return nil
}

// addIndexEntry indexes rec under spec. Records whose value at the key path
// is missing or not a valid key are not indexed.
func (s *store) addIndexEntry(spec kv.IndexSpec, ek []byte, rec kv.Record) error {
	v, ok, err := kv.ExtractKey(rec, spec.KeyPath)
	if err != nil || !ok {
		return nil
	}
	ev, err := encodeKey(v)
	if err != nil {
		return nil
	}
	ib := s.indexBucket(spec.Name)
	if spec.Unique {
		c := ib.Cursor()
		k, pk := c.Seek(ev)
		if k != nil && bytes.HasPrefix(k, ev) && !bytes.Equal(pk, ek) {
			return dberr.Newf(dberr.CodeConstraint, "index", "unique index %q on %q already contains %v", spec.Name, s.Name(), v)
		}
	}
	if err := ib.Put(slices.Concat(ev, ek), ek); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "index", err)
	}
	return nil
}

func (s *store) removeIndexEntries(ek []byte, rec kv.Record) error {
	for _, spec := range s.meta.Indexes {
		v, ok, err := kv.ExtractKey(rec, spec.KeyPath)
		if err != nil || !ok {
			continue
		}
		ev, err := encodeKey(v)
		if err != nil {
			continue
		}
		if err := s.indexBucket(spec.Name).Delete(slices.Concat(ev, ek)); err != nil {
			return dberr.Wrap(dberr.CodeTransaction, "unindex", err)
		}
	}
	return nil
}

func (s *store) Delete(key kv.Key) error {
	if err := s.tx.checkWrite("delete"); err != nil {
		return err
	}
	nk, err := kv.NormalizeKey(key)
	if err != nil {
		return err
	}
	ek, err := encodeKey(nk)
	if err != nil {
		return dberr.Wrap(dberr.CodeValidation, "delete", err)
	}
	b := s.bucket()
	existing := b.Get(ek)
	if existing == nil {
		return nil
	}
	old, err := decodeRecord(existing)
	if err != nil {
		return err
	}
	if err := s.removeIndexEntries(ek, old); err != nil {
		return err
	}
	if err := b.Delete(ek); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "delete", err)
	}
	return nil
}

// Clear drops and recreates the store's buckets, keeping the key generator.
func (s *store) Clear() error {
	if err := s.tx.checkWrite("clear"); err != nil {
		return err
	}
	btx := s.tx.btx
	names := append([][]byte{storeBucket(s.Name())}, indexBucketNames(s.meta)...)
	seq := s.bucket().Sequence()
	for _, name := range names {
		if err := btx.DeleteBucket(name); err != nil {
			return dberr.Wrap(dberr.CodeTransaction, "clear", err)
		}
		if _, err := btx.CreateBucket(name); err != nil {
			return dberr.Wrap(dberr.CodeTransaction, "clear", err)
		}
	}
	if err := s.bucket().SetSequence(seq); err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "clear", err)
	}
	return nil
}

func (s *store) Count(r *kv.KeyRange) (int, error) {
	if r == nil {
		if err := s.tx.checkOpen("count"); err != nil {
			return 0, err
		}
		return s.bucket().Stats().KeyN, nil
	}
	entries, err := s.scan("count", r, 0)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *store) OpenCursor(r *kv.KeyRange) (kv.Cursor, error) {
	entries, err := s.scan("open cursor", r, 0)
	if err != nil {
		return nil, err
	}
	return s.cursor(entries), nil
}

func (s *store) cursor(entries []kv.Entry) kv.Cursor {
	if s.tx.mode != kv.ReadWrite {
		return kv.NewSliceCursor(entries, nil, nil)
	}
	return kv.NewSliceCursor(entries, s.updateAt, s.Delete)
}

// updateAt replaces the record under pk, refusing to change its key.
func (s *store) updateAt(pk kv.Key, rec kv.Record) error {
	key, ok, err := kv.ExtractKey(rec, s.KeyPath())
	if err != nil {
		return err
	}
	if !ok || kv.CompareKeys(key, pk) != 0 {
		return dberr.New(dberr.CodeValidation, "cursor update", "record primary key does not match cursor position")
	}
	_, err = s.Put(rec)
	return err
}

func (s *store) scan(op string, r *kv.KeyRange, limit int) ([]kv.Entry, error) {
	if err := s.tx.checkOpen(op); err != nil {
		return nil, err
	}
	nr, err := r.Normalize()
	if err != nil {
		return nil, err
	}
	lo, hi, err := encodeBounds(nr)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeValidation, op, err)
	}

	c := s.bucket().Cursor()
	var k, v []byte
	if lo != nil {
		k, v = c.Seek(lo)
	} else {
		k, v = c.First()
	}

	var entries []kv.Entry
	for ; k != nil; k, v = c.Next() {
		if hi != nil && bytes.Compare(k, hi) > 0 {
			break
		}
		if !inRange(k, lo, hi, nr) {
			continue
		}
		key, _, err := decodeKey(k)
		if err != nil {
			return nil, dberr.Wrap(dberr.CodeTransaction, op, err)
		}
		rec, err := decodeRecord(v)
		if err != nil {
			return nil, err
		}
		entries = append(entries, kv.Entry{Key: key, PrimaryKey: key, Value: rec})
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func (s *store) Index(name string) (kv.Index, error) {
	spec, ok := s.meta.Indexes[name]
	if !ok {
		return nil, kv.ErrNoIndex("index", s.Name(), name)
	}
	return &index{store: s, spec: spec}, nil
}

type index struct {
	store *store
	spec  kv.IndexSpec
}

func (ix *index) Name() string    { return ix.spec.Name }
func (ix *index) KeyPath() string { return ix.spec.KeyPath }
func (ix *index) Unique() bool    { return ix.spec.Unique }

func (ix *index) Get(value kv.Key) (kv.Record, error) {
	nv, err := kv.NormalizeKey(value)
	if err != nil {
		return nil, err
	}
	entries, err := ix.scan("index get", kv.Only(nv), 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, dberr.Newf(dberr.CodeNotFound, "index get", "no record with %s=%v in %q", ix.spec.KeyPath, nv, ix.store.Name())
	}
	return entries[0].Value, nil
}

func (ix *index) GetAll(value kv.Key) ([]kv.Record, error) {
	nv, err := kv.NormalizeKey(value)
	if err != nil {
		return nil, err
	}
	return ix.GetAllRange(kv.Only(nv), 0)
}

func (ix *index) GetAllRange(r *kv.KeyRange, limit int) ([]kv.Record, error) {
	entries, err := ix.scan("index get all", r, limit)
	if err != nil {
		return nil, err
	}
	out := make([]kv.Record, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out, nil
}

func (ix *index) Count(r *kv.KeyRange) (int, error) {
	entries, err := ix.scan("index count", r, 0)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (ix *index) OpenCursor(r *kv.KeyRange) (kv.Cursor, error) {
	entries, err := ix.scan("index open cursor", r, 0)
	if err != nil {
		return nil, err
	}
	return ix.store.cursor(entries), nil
}

// scan walks the index bucket in (index value, primary key) order and loads
// each referenced record from the store bucket.
func (ix *index) scan(op string, r *kv.KeyRange, limit int) ([]kv.Entry, error) {
	s := ix.store
	if err := s.tx.checkOpen(op); err != nil {
		return nil, err
	}
	nr, err := r.Normalize()
	if err != nil {
		return nil, err
	}
	lo, hi, err := encodeBounds(nr)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeValidation, op, err)
	}

	records := s.bucket()
	c := s.indexBucket(ix.spec.Name).Cursor()
	var k, pk []byte
	if lo != nil {
		k, pk = c.Seek(lo)
	} else {
		k, pk = c.First()
	}

	var entries []kv.Entry
	for ; k != nil; k, pk = c.Next() {
		value, rest, err := decodeKey(k)
		if err != nil {
			return nil, dberr.Wrap(dberr.CodeTransaction, op, err)
		}
		ev := k[:len(k)-len(rest)]
		if hi != nil && bytes.Compare(ev, hi) > 0 {
			break
		}
		if !inRange(ev, lo, hi, nr) {
			continue
		}
		primary, _, err := decodeKey(pk)
		if err != nil {
			return nil, dberr.Wrap(dberr.CodeTransaction, op, err)
		}
		raw := records.Get(pk)
		if raw == nil {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, kv.Entry{Key: value, PrimaryKey: primary, Value: rec})
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func sortedIndexNames(meta *storeMeta) []string {
	names := make([]string, 0, len(meta.Indexes))
	for name := range meta.Indexes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func indexBucketNames(meta *storeMeta) [][]byte {
	var out [][]byte
	for _, name := range sortedIndexNames(meta) {
		out = append(out, indexBucket(meta.Spec.Name, name))
	}
	return out
}

func decodeRecord(raw []byte) (kv.Record, error) {
	var rec kv.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, dberr.Wrap(dberr.CodeTransaction, "decode record", err)
	}
	return rec, nil
}
