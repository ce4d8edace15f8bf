package blob

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
	"github.com/roach88/localstore/internal/schema"
	"github.com/roach88/localstore/internal/usage"
)

// UsageMetadata records the retention class of a stored image.
type UsageMetadata struct {
	FileID    string     `json:"fileId"`
	UsageType usage.Type `json:"usageType"`
	Category  string     `json:"category"`
	Tags      []string   `json:"tags"`
	CreatedAt time.Time  `json:"createdAt"`
	FileName  string     `json:"fileName"`
	Size      int64      `json:"size"`
}

// UsageStats summarizes imageUsageMetadata.
type UsageStats struct {
	Total      int                `json:"total"`
	ByType     map[usage.Type]int `json:"byType"`
	ByCategory map[string]int     `json:"byCategory"`
	TotalSize  int64              `json:"totalSize"`
}

// SetImageUsageMetadata upserts the usage record for m.FileID. An existing
// record keeps its original createdAt.
func (s *Store) SetImageUsageMetadata(ctx context.Context, m UsageMetadata) (UsageMetadata, error) {
	if m.FileID == "" {
		return UsageMetadata{}, dberr.New(dberr.CodeValidation, "set image usage", "fileId is required")
	}
	if _, err := usage.Parse(string(m.UsageType)); err != nil {
		return UsageMetadata{}, dberr.Wrap(dberr.CodeValidation, "set image usage", err)
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	err := s.exec.Write(ctx, []string{schema.ImageUsageMetadata}, func(tx kv.Tx) error {
		st, err := tx.Store(schema.ImageUsageMetadata)
		if err != nil {
			return err
		}
		existing, err := st.Get(m.FileID)
		switch {
		case err == nil:
			if ms, ok := number(existing["createdAt"]); ok {
				m.CreatedAt = time.UnixMilli(int64(ms))
			}
		case dberr.IsNotFound(err):
		default:
			return err
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now()
		}
		_, err = st.Put(usageRecord(m))
		return err
	})
	if err != nil {
		return UsageMetadata{}, fmt.Errorf("set image usage: %w", err)
	}
	return m, nil
}

// GetImageUsageMetadata returns the usage record for fileID, or a dberr
// NotFound error.
func (s *Store) GetImageUsageMetadata(ctx context.Context, fileID string) (UsageMetadata, error) {
	rec, err := s.exec.Get(ctx, schema.ImageUsageMetadata, fileID)
	if err != nil {
		return UsageMetadata{}, err
	}
	return usageFromRecord(rec), nil
}

// GetImagesByUsageType returns usage records of type t, at most limit of
// them when limit > 0.
func (s *Store) GetImagesByUsageType(ctx context.Context, t usage.Type, limit int) ([]UsageMetadata, error) {
	recs, err := s.exec.GetAllByIndex(ctx, schema.ImageUsageMetadata, "usageType", string(t))
	if err != nil {
		return nil, fmt.Errorf("get images by usage type: %w", err)
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]UsageMetadata, 0, len(recs))
	for _, rec := range recs {
		out = append(out, usageFromRecord(rec))
	}
	return out, nil
}

// GetImageUsageStats scans every usage record.
func (s *Store) GetImageUsageStats(ctx context.Context) (UsageStats, error) {
	stats := UsageStats{
		ByType:     make(map[usage.Type]int, len(usage.Types)),
		ByCategory: make(map[string]int),
	}
	for _, t := range usage.Types {
		stats.ByType[t] = 0
	}
	recs, err := s.exec.GetAll(ctx, schema.ImageUsageMetadata, nil, 0)
	if err != nil {
		return UsageStats{}, fmt.Errorf("get image usage stats: %w", err)
	}
	for _, rec := range recs {
		m := usageFromRecord(rec)
		stats.Total++
		stats.ByType[m.UsageType]++
		stats.ByCategory[m.Category]++
		stats.TotalSize += m.Size
	}
	return stats, nil
}

// ClassifyFile derives the usage type of fileID from its current references
// and stores it.
func (s *Store) ClassifyFile(ctx context.Context, fileID string) (UsageMetadata, error) {
	f, err := s.GetFile(ctx, fileID)
	if err != nil {
		return UsageMetadata{}, err
	}
	refs, err := s.GetFileReferences(ctx, fileID)
	if err != nil {
		return UsageMetadata{}, err
	}
	categories := make([]string, 0, len(refs))
	for _, ref := range refs {
		categories = append(categories, ref.Category)
	}
	name, _ := f.Metadata["fileName"].(string)
	if name == "" {
		name, _ = f.Metadata["name"].(string)
	}
	if name == "" {
		name = fileID
	}
	return s.SetImageUsageMetadata(ctx, UsageMetadata{
		FileID:    fileID,
		UsageType: usage.Classify(categories),
		Category:  usage.PrimaryCategory(categories),
		CreatedAt: f.CreatedAt,
		FileName:  name,
		Size:      f.Size,
	})
}

func usageRecord(m UsageMetadata) kv.Record {
	tags := make([]any, len(m.Tags))
	for i, t := range m.Tags {
		tags[i] = t
	}
	return kv.Record{
		"fileId":    m.FileID,
		"usageType": string(m.UsageType),
		"category":  m.Category,
		"tags":      tags,
		"createdAt": m.CreatedAt.UnixMilli(),
		"fileName":  m.FileName,
		"size":      m.Size,
	}
}

func usageFromRecord(rec kv.Record) UsageMetadata {
	var m UsageMetadata
	m.FileID, _ = rec["fileId"].(string)
	t, _ := rec["usageType"].(string)
	m.UsageType = usage.Type(t)
	m.Category, _ = rec["category"].(string)
	m.FileName, _ = rec["fileName"].(string)
	m.Tags = []string{}
	if tags, ok := rec["tags"].([]any); ok {
		for _, tag := range tags {
			if s, ok := tag.(string); ok {
				m.Tags = append(m.Tags, s)
			}
		}
	}
	if ms, ok := number(rec["createdAt"]); ok {
		m.CreatedAt = time.UnixMilli(int64(ms))
	}
	if size, ok := number(rec["size"]); ok {
		m.Size = int64(size)
	}
	return m
}
