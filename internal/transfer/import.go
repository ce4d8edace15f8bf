package transfer

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
	"github.com/roach88/localstore/internal/notify"
	"github.com/roach88/localstore/internal/schema"
	"github.com/roach88/localstore/internal/snapshot"
)

// ImportOptions controls Import.
type ImportOptions struct {
	// Overwrite clears each target store and upserts every record.
	// Otherwise records whose key already exists are skipped.
	Overwrite bool

	// ValidateVersion fails the import when the snapshot version, after any
	// migration, differs from the current version.
	ValidateVersion bool

	// Stores limits the import. Empty means every store in the snapshot.
	Stores []string

	// EnableMigration migrates older snapshots before writing.
	EnableMigration bool
}

// StoreResult tallies one store's import.
type StoreResult struct {
	Total   int    `json:"total"`
	Added   int    `json:"added"`
	Skipped int    `json:"skipped"`
	Errors  int    `json:"errors"`
	Error   string `json:"error,omitempty"`
}

// ImportResult reports an import.
type ImportResult struct {
	Stores      map[string]*StoreResult `json:"stores"`
	Migrated    bool                    `json:"migrated"`
	FromVersion int                     `json:"fromVersion"`
	ToVersion   int                     `json:"toVersion"`
	// Ignored lists snapshot collections that are not stores at the current version.
	Ignored []string `json:"ignored"`
}

// ImportJSON validates and decodes data, then imports it.
func (s *Service) ImportJSON(ctx context.Context, data []byte, opts ImportOptions) (*ImportResult, error) {
	snap, err := snapshot.Parse(data)
	if err != nil {
		return nil, err
	}
	return s.Import(ctx, snap, opts)
}

// Import writes snap into the live stores, one write transaction per store.
// Per-record failures are counted; a failed transaction is recorded on that
// store's result and the remaining stores are still imported.
func (s *Service) Import(ctx context.Context, snap *snapshot.Snapshot, opts ImportOptions) (*ImportResult, error) {
	if snap == nil || snap.Metadata == nil {
		return nil, dberr.New(dberr.CodeValidation, "import", "snapshot has no metadata")
	}
	target := s.registry.Current()
	from := snap.Version()
	if from > target {
		return nil, dberr.Newf(dberr.CodeValidation, "import", "snapshot version %d is newer than supported version %d", from, target)
	}

	res := &ImportResult{
		Stores:      map[string]*StoreResult{},
		FromVersion: from,
		ToVersion:   from,
		Ignored:     []string{},
	}
	if from < target && opts.EnableMigration {
		migrated, err := s.pipeline.Migrate(ctx, snap)
		if err != nil {
			return nil, err
		}
		snap = migrated
		res.Migrated = true
		res.ToVersion = snap.Version()
	}
	if opts.ValidateVersion && snap.Version() != target {
		return nil, dberr.Newf(dberr.CodeValidation, "import", "snapshot version %d does not match current version %d", snap.Version(), target)
	}

	names := opts.Stores
	if len(names) == 0 {
		names = snap.StoreNames()
	}
	var stores []string
	for _, name := range names {
		if !snap.Has(name) {
			continue
		}
		if !s.registry.IsActive(name, target) {
			res.Ignored = append(res.Ignored, name)
			continue
		}
		stores = append(stores, name)
	}
	slices.Sort(res.Ignored)
	if len(res.Ignored) > 0 {
		s.logger.Warn("ignoring unknown collections", "collections", res.Ignored)
	}

	for i, name := range stores {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sr := s.importStore(ctx, name, snap.Records(name), opts.Overwrite)
		res.Stores[name] = sr
		s.observer.Notify(ctx, notify.Event{
			Kind:    notify.KindImportProgress,
			Message: fmt.Sprintf("imported %s: %d added, %d skipped, %d errors", name, sr.Added, sr.Skipped, sr.Errors),
			Store:   name,
			Done:    i + 1,
			Total:   len(stores),
		})
	}
	if s.files != nil && res.Stores[schema.FileStorage] != nil {
		s.files.RevokeAll()
	}

	s.logger.Info("imported snapshot", "from", res.FromVersion, "to", res.ToVersion, "migrated", res.Migrated, "stores", len(stores))
	s.observer.Notify(ctx, notify.Event{
		Kind:    notify.KindImportComplete,
		Message: fmt.Sprintf("imported %d stores", len(stores)),
		Version: res.ToVersion,
		Done:    len(stores),
		Total:   len(stores),
	})
	return res, nil
}

func (s *Service) importStore(ctx context.Context, name string, recs []kv.Record, overwrite bool) *StoreResult {
	var sr StoreResult
	err := s.exec.Write(ctx, []string{name}, func(tx kv.Tx) error {
		sr = StoreResult{Total: len(recs)}
		st, err := tx.Store(name)
		if err != nil {
			return err
		}
		if overwrite {
			if err := st.Clear(); err != nil {
				return err
			}
		}
		for _, rec := range recs {
			if rec == nil {
				sr.Errors++
				continue
			}
			rec = normalizeRecord(name, rec)
			if overwrite {
				_, err = st.Put(rec)
			} else {
				_, err = st.Add(rec)
			}
			switch {
			case err == nil:
				sr.Added++
			case dberr.IsKeyExists(err):
				sr.Skipped++
			default:
				s.logger.Debug("record import failed", "store", name, "error", err)
				sr.Errors++
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("store import failed", "store", name, "error", err)
		return &StoreResult{Total: len(recs), Errors: len(recs), Error: err.Error()}
	}
	return &sr
}

// normalizeRecord puts reference ids in NFC, the form the blob store derives
// them in, so imported references stay addressable by (category, key).
func normalizeRecord(store string, rec kv.Record) kv.Record {
	if store != schema.FileReferences {
		return rec
	}
	id, ok := rec["referenceId"].(string)
	if !ok || norm.NFC.IsNormalString(id) {
		return rec
	}
	out := maps.Clone(rec)
	out["referenceId"] = norm.NFC.String(id)
	return out
}
