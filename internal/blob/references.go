package blob

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
	"github.com/roach88/localstore/internal/schema"
)

// Reference links a file to something that uses it, such as a character avatar.
type Reference struct {
	ReferenceID  string         `json:"referenceId"`
	FileID       string         `json:"fileId"`
	Category     string         `json:"category"`
	ReferenceKey string         `json:"referenceKey"`
	CreatedAt    time.Time      `json:"createdAt"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ReferenceID returns the deterministic id for (category, key).
func ReferenceID(category, key string) string {
	return norm.NFC.String(category + "_" + key)
}

// AddFileReference records that category/key uses fileID. Adding the same
// (category, key) again replaces the previous reference.
func (s *Store) AddFileReference(ctx context.Context, fileID, category, key string, metadata map[string]any) (Reference, error) {
	if fileID == "" || category == "" || key == "" {
		return Reference{}, dberr.New(dberr.CodeValidation, "add file reference", "fileId, category and key are required")
	}
	ref := Reference{
		ReferenceID:  ReferenceID(category, key),
		FileID:       fileID,
		Category:     category,
		ReferenceKey: key,
		CreatedAt:    s.now(),
		Metadata:     metadata,
	}
	rec := kv.Record{
		"referenceId":  ref.ReferenceID,
		"fileId":       ref.FileID,
		"category":     ref.Category,
		"referenceKey": ref.ReferenceKey,
		"createdAt":    ref.CreatedAt.UnixMilli(),
	}
	if metadata != nil {
		rec["metadata"] = kv.CloneValue(metadata)
	}
	if _, err := s.exec.Put(ctx, schema.FileReferences, rec); err != nil {
		return Reference{}, fmt.Errorf("add file reference: %w", err)
	}
	return ref, nil
}

// GetFileReferences returns every reference to fileID.
func (s *Store) GetFileReferences(ctx context.Context, fileID string) ([]Reference, error) {
	recs, err := s.exec.GetAllByIndex(ctx, schema.FileReferences, "fileId", fileID)
	if err != nil {
		return nil, fmt.Errorf("get file references: %w", err)
	}
	return referencesFromRecords(recs), nil
}

// GetReferencesByCategory returns every reference in category.
func (s *Store) GetReferencesByCategory(ctx context.Context, category string) ([]Reference, error) {
	recs, err := s.exec.GetAllByIndex(ctx, schema.FileReferences, "category", category)
	if err != nil {
		return nil, fmt.Errorf("get references by category: %w", err)
	}
	return referencesFromRecords(recs), nil
}

// RemoveFileReference deletes the (category, key) reference. Removing a
// missing reference is not an error.
func (s *Store) RemoveFileReference(ctx context.Context, category, key string) error {
	if err := s.exec.Delete(ctx, schema.FileReferences, ReferenceID(category, key)); err != nil {
		return fmt.Errorf("remove file reference: %w", err)
	}
	return nil
}

// ReferenceCount returns how many references point at fileID.
func (s *Store) ReferenceCount(ctx context.Context, fileID string) (int, error) {
	n := 0
	err := s.exec.Read(ctx, []string{schema.FileReferences}, func(tx kv.Tx) error {
		st, err := tx.Store(schema.FileReferences)
		if err != nil {
			return err
		}
		ix, err := st.Index("fileId")
		if err != nil {
			return err
		}
		n, err = ix.Count(kv.Only(fileID))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reference count: %w", err)
	}
	return n, nil
}

func referencesFromRecords(recs []kv.Record) []Reference {
	refs := make([]Reference, 0, len(recs))
	for _, rec := range recs {
		refs = append(refs, referenceFromRecord(rec))
	}
	return refs
}

func referenceFromRecord(rec kv.Record) Reference {
	var ref Reference
	ref.ReferenceID, _ = rec["referenceId"].(string)
	ref.FileID, _ = rec["fileId"].(string)
	ref.Category, _ = rec["category"].(string)
	ref.ReferenceKey, _ = rec["referenceKey"].(string)
	ref.Metadata, _ = rec["metadata"].(map[string]any)
	if ms, ok := number(rec["createdAt"]); ok {
		ref.CreatedAt = time.UnixMilli(int64(ms))
	}
	return ref
}
