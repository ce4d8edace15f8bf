// Package migrate moves stores and snapshots forward through schema versions.
//
// Structural migration runs inside the engine's upgrade callback and only
// creates or drops stores and indexes. Data migration transforms an imported
// snapshot in memory and never touches the live store.
package migrate

import (
	"context"
	"log/slog"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
	"github.com/roach88/localstore/internal/schema"
)

// Structural brings the physical stores in tx in line with the registry at
// newVersion. Every create and drop is preceded by an existence check, so it
// is safe to run against a partially upgraded database.
func Structural(ctx context.Context, tx kv.UpgradeTx, registry *schema.Registry, newVersion int, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range registry.Active(newVersion) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !tx.HasStore(d.Name) {
			logger.Info("creating object store", "store", d.Name, "keyPath", d.KeyPath, "autoIncrement", d.AutoIncrement)
			err := tx.CreateStore(kv.StoreSpec{Name: d.Name, KeyPath: d.KeyPath, AutoIncrement: d.AutoIncrement})
			if err != nil {
				return dberr.Wrap(dberr.CodeUpgrade, "create store "+d.Name, err)
			}
		}
		for _, ix := range d.Indexes {
			if tx.HasIndex(d.Name, ix.Name) {
				continue
			}
			logger.Info("creating index", "store", d.Name, "index", ix.Name, "keyPath", ix.KeyPath)
			err := tx.CreateIndex(d.Name, kv.IndexSpec{Name: ix.Name, KeyPath: ix.KeyPath, Unique: ix.Unique})
			if err != nil {
				return dberr.Wrap(dberr.CodeUpgrade, "create index "+d.Name+"."+ix.Name, err)
			}
		}
	}

	for _, name := range registry.RemovedThrough(newVersion) {
		if !tx.HasStore(name) {
			continue
		}
		logger.Info("dropping deprecated object store", "store", name)
		if err := tx.DeleteStore(name); err != nil {
			return dberr.Wrap(dberr.CodeUpgrade, "delete store "+name, err)
		}
	}
	return nil
}

// UpgradeFunc adapts Structural to the engine's upgrade callback.
func UpgradeFunc(registry *schema.Registry, logger *slog.Logger) kv.UpgradeFunc {
	return func(ctx context.Context, tx kv.UpgradeTx, oldVersion, newVersion int) error {
		if logger != nil {
			logger.Info("structural migration", "from", oldVersion, "to", newVersion)
		}
		return Structural(ctx, tx, registry, newVersion, logger)
	}
}
