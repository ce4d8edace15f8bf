package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/localstore/internal/kv"
	"github.com/roach88/localstore/internal/notify"
	"github.com/roach88/localstore/internal/schema"
	"github.com/roach88/localstore/internal/usage"
)

// CleanupResult reports a best-effort batch deletion.
type CleanupResult struct {
	DeletedCount   int            `json:"deletedCount"`
	TotalRequested int            `json:"totalRequested"`
	Errors         []CleanupError `json:"errors"`
}

// CleanupError is a per-file failure.
type CleanupError struct {
	FileID string `json:"fileId"`
	Error  string `json:"error"`
}

// CleanupSelectedImages deletes each file together with its references and
// usage metadata. Files are processed one at a time; a failure is recorded
// and the batch continues.
func (s *Store) CleanupSelectedImages(ctx context.Context, fileIDs []string) CleanupResult {
	res := CleanupResult{TotalRequested: len(fileIDs), Errors: []CleanupError{}}
	for _, id := range fileIDs {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, CleanupError{FileID: id, Error: err.Error()})
			continue
		}
		if err := s.cleanupImage(ctx, id); err != nil {
			s.logger.Warn("failed to clean up image", "fileId", id, "error", err)
			res.Errors = append(res.Errors, CleanupError{FileID: id, Error: err.Error()})
			continue
		}
		res.DeletedCount++
	}
	s.observer.Notify(ctx, notify.Event{
		Kind:    notify.KindCleanup,
		Message: fmt.Sprintf("deleted %d of %d images", res.DeletedCount, res.TotalRequested),
		Done:    res.DeletedCount,
		Total:   res.TotalRequested,
	})
	return res
}

// cleanupImage attempts every deletion even when the blob is already gone.
// A missing blob is reported as the id's error.
func (s *Store) cleanupImage(ctx context.Context, fileID string) error {
	var errs []error
	if err := s.DeleteFile(ctx, fileID); err != nil {
		errs = append(errs, err)
	}
	if err := s.exec.Delete(ctx, schema.ImageUsageMetadata, fileID); err != nil {
		errs = append(errs, fmt.Errorf("delete usage metadata: %w", err))
	}
	refs, err := s.GetFileReferences(ctx, fileID)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, ref := range refs {
		if err := s.exec.Delete(ctx, schema.FileReferences, ref.ReferenceID); err != nil {
			errs = append(errs, fmt.Errorf("delete reference %s: %w", ref.ReferenceID, err))
		}
	}
	return errors.Join(errs...)
}

// PurgeTemporaryImages deletes temporary images created more than olderThan
// ago, with their blobs and references, in one transaction. Returns the
// purged file ids.
func (s *Store) PurgeTemporaryImages(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := s.now().Add(-olderThan).UnixMilli()
	stores := []string{schema.ImageUsageMetadata, schema.FileStorage, schema.FileReferences}

	var purged []string
	err := s.exec.Write(ctx, stores, func(tx kv.Tx) error {
		meta, err := tx.Store(schema.ImageUsageMetadata)
		if err != nil {
			return err
		}
		files, err := tx.Store(schema.FileStorage)
		if err != nil {
			return err
		}
		refs, err := tx.Store(schema.FileReferences)
		if err != nil {
			return err
		}
		byType, err := meta.Index("usageType")
		if err != nil {
			return err
		}
		byFile, err := refs.Index("fileId")
		if err != nil {
			return err
		}

		c, err := byType.OpenCursor(kv.Only(string(usage.Temporary)))
		if err != nil {
			return err
		}
		defer c.Close()
		for c.Next() {
			rec := c.Value()
			created, ok := number(rec["createdAt"])
			if !ok || int64(created) >= cutoff {
				continue
			}
			fileID, _ := c.PrimaryKey().(string)
			if err := c.Delete(); err != nil {
				return err
			}
			if err := files.Delete(fileID); err != nil {
				return err
			}
			linked, err := byFile.GetAll(fileID)
			if err != nil {
				return err
			}
			for _, ref := range linked {
				if err := refs.Delete(ref["referenceId"]); err != nil {
					return err
				}
			}
			purged = append(purged, fileID)
		}
		return c.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("purge temporary images: %w", err)
	}
	for _, id := range purged {
		s.RevokeFileURL(id)
	}
	s.logger.Info("purged temporary images", "count", len(purged))
	s.observer.Notify(ctx, notify.Event{
		Kind:    notify.KindCleanup,
		Message: fmt.Sprintf("purged %d temporary images", len(purged)),
		Done:    len(purged),
		Total:   len(purged),
	})
	return purged, nil
}
