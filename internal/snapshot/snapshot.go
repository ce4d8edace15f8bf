// Package snapshot models the exported JSON document: a _metadata header
// followed by one array of records per object store.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
)

// MetadataKey is the reserved top-level key holding Metadata.
const MetadataKey = "_metadata"

// Metadata describes a snapshot.
type Metadata struct {
	Name       string   `json:"name,omitempty"`
	Version    int      `json:"version"`
	Stores     []string `json:"stores,omitempty"`
	ExportTime string   `json:"exportTime,omitempty"`

	// Set by migration.
	OriginalVersion int    `json:"originalVersion,omitempty"`
	MigratedAt      string `json:"migratedAt,omitempty"`
}

// Snapshot is a versioned copy of some or all stores.
type Snapshot struct {
	Metadata *Metadata
	Stores   map[string][]any
}

// New returns an empty snapshot at version.
func New(name string, version int) *Snapshot {
	return &Snapshot{
		Metadata: &Metadata{Name: name, Version: version},
		Stores:   map[string][]any{},
	}
}

// Version returns the recorded version, or 0 without metadata.
func (s *Snapshot) Version() int {
	if s.Metadata == nil {
		return 0
	}
	return s.Metadata.Version
}

// Has reports whether the snapshot carries the named collection.
func (s *Snapshot) Has(name string) bool {
	_, ok := s.Stores[name]
	return ok
}

// StoreNames returns the collection names in sorted order.
func (s *Snapshot) StoreNames() []string {
	names := make([]string, 0, len(s.Stores))
	for name := range s.Stores {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Records returns the object-shaped entries of a collection. Entries that
// are not JSON objects are returned as nil so callers can count them.
func (s *Snapshot) Records(name string) []kv.Record {
	raw := s.Stores[name]
	out := make([]kv.Record, len(raw))
	for i, v := range raw {
		if rec, ok := v.(map[string]any); ok {
			out[i] = rec
		}
	}
	return out
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{Stores: make(map[string][]any, len(s.Stores))}
	if s.Metadata != nil {
		md := *s.Metadata
		md.Stores = slices.Clone(s.Metadata.Stores)
		out.Metadata = &md
	}
	for name, recs := range s.Stores {
		if recs == nil {
			out.Stores[name] = nil
			continue
		}
		cp := make([]any, len(recs))
		for i, v := range recs {
			cp[i] = kv.CloneValue(v)
		}
		out.Stores[name] = cp
	}
	return out
}

// MarshalJSON writes _metadata first, then each collection in name order.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	writeField := func(key string, v any) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		buf.Write(data)
		return nil
	}

	if s.Metadata != nil {
		if err := writeField(MetadataKey, s.Metadata); err != nil {
			return nil, err
		}
	}
	for _, name := range s.StoreNames() {
		recs := s.Stores[name]
		if recs == nil {
			recs = []any{}
		}
		if err := writeField(name, recs); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a snapshot without validating its shape; use Parse
// for untrusted input.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	s.Metadata = nil
	s.Stores = make(map[string][]any, len(fields))
	for key, raw := range fields {
		if key == MetadataKey {
			var md Metadata
			if err := json.Unmarshal(raw, &md); err != nil {
				return fmt.Errorf("decode %s: %w", MetadataKey, err)
			}
			s.Metadata = &md
			continue
		}
		var recs []any
		if err := json.Unmarshal(raw, &recs); err != nil {
			return fmt.Errorf("decode store %q: %w", key, err)
		}
		if recs == nil {
			recs = []any{}
		}
		s.Stores[key] = recs
	}
	return nil
}

// Parse validates data against the snapshot shape and decodes it.
func Parse(data []byte) (*Snapshot, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, dberr.Wrap(dberr.CodeValidation, "parse snapshot", err)
	}
	return &s, nil
}

// Encode renders s as JSON, indented when indent is non-empty.
func Encode(s *Snapshot, indent string) ([]byte, error) {
	data, err := s.MarshalJSON()
	if err != nil {
		return nil, err
	}
	if indent == "" {
		return data, nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", indent); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}
