// Package blob stores binary files alongside their references and image
// usage metadata, and hands out short-lived local handles for them.
package blob

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
	"github.com/roach88/localstore/internal/notify"
	"github.com/roach88/localstore/internal/schema"
	"github.com/roach88/localstore/internal/txn"
)

// Executor is the subset of *txn.Executor the store needs.
type Executor interface {
	Read(ctx context.Context, stores []string, fn func(tx kv.Tx) error) error
	Write(ctx context.Context, stores []string, fn func(tx kv.Tx) error) error
	Get(ctx context.Context, store string, key kv.Key) (kv.Record, error)
	GetAll(ctx context.Context, store string, r *kv.KeyRange, limit int) ([]kv.Record, error)
	GetAllByIndex(ctx context.Context, store, index string, value kv.Key) ([]kv.Record, error)
	Put(ctx context.Context, store string, rec kv.Record) (kv.Key, error)
	Delete(ctx context.Context, store string, key kv.Key) error
	Count(ctx context.Context, store string, r *kv.KeyRange) (int, error)
	IndexCursor(ctx context.Context, store, index string, mode kv.Mode, r *kv.KeyRange, fn func(c kv.Cursor) (bool, error)) error
}

var _ Executor = (*txn.Executor)(nil)

// FileInfo describes a stored file.
type FileInfo struct {
	FileID string `json:"fileId"`
	Type   string `json:"type"`
	Size   int64  `json:"size"`
}

// File is a stored blob with its decoded payload.
type File struct {
	FileInfo
	CreatedAt time.Time      `json:"createdAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Data      []byte         `json:"-"`
	// Available is false when the stored payload could not be decoded.
	Available bool `json:"available"`
}

// Store manages the fileStorage, fileReferences and imageUsageMetadata
// collections.
type Store struct {
	exec      Executor
	logger    *slog.Logger
	observer  notify.Observer
	now       func() time.Time
	newID     func(time.Time) string
	handleDir string

	group   singleflight.Group
	mu      sync.Mutex
	handles map[string]string // fileId -> temp file path
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithObserver sets the observer notified of cleanup results.
func WithObserver(o notify.Observer) Option {
	return func(s *Store) {
		s.observer = o
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator replaces the file id generator.
func WithIDGenerator(fn func(time.Time) string) Option {
	return func(s *Store) {
		s.newID = fn
	}
}

// WithHandleDir sets the directory for file handles created by CreateFileURL.
func WithHandleDir(dir string) Option {
	return func(s *Store) {
		s.handleDir = dir
	}
}

// New returns a Store backed by exec.
func New(exec Executor, opts ...Option) *Store {
	s := &Store{
		exec:     exec,
		logger:   slog.Default(),
		observer: notify.Nop,
		now:      time.Now,
		newID:    NewFileID,
		handles:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewFileID returns "file_<unixMillis>_<9 base36 chars>".
func NewFileID(now time.Time) string {
	var suffix [9]byte
	for i := range suffix {
		suffix[i] = idAlphabet[rand.IntN(len(idAlphabet))]
	}
	return "file_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + string(suffix[:])
}

// StoreFile persists payload, which is either raw bytes or an inline data URL.
func (s *Store) StoreFile(ctx context.Context, payload []byte, metadata map[string]any) (FileInfo, error) {
	data := payload
	mediaType := ""
	if isDataURL(payload) {
		var err error
		data, mediaType, err = decodeDataURL(string(payload))
		if err != nil {
			return FileInfo{}, dberr.Wrap(dberr.CodeValidation, "store file", err)
		}
	}
	if mediaType == "" {
		mediaType = metadataType(metadata)
	}
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}

	now := s.now()
	info := FileInfo{
		FileID: s.newID(now),
		Type:   mediaType,
		Size:   int64(len(data)),
	}
	rec := kv.Record{
		"fileId":    info.FileID,
		"data":      base64.StdEncoding.EncodeToString(data),
		"type":      info.Type,
		"size":      info.Size,
		"createdAt": now.UnixMilli(),
	}
	if metadata != nil {
		rec["metadata"] = kv.CloneValue(metadata)
	}
	if _, err := s.exec.Put(ctx, schema.FileStorage, rec); err != nil {
		return FileInfo{}, fmt.Errorf("store file: %w", err)
	}
	s.logger.Debug("stored file", "fileId", info.FileID, "type", info.Type, "size", info.Size)
	return info, nil
}

// StoreDataURL persists an inline data URL.
func (s *Store) StoreDataURL(ctx context.Context, dataURL string, metadata map[string]any) (FileInfo, error) {
	if !isDataURL([]byte(dataURL)) {
		return FileInfo{}, dberr.New(dberr.CodeValidation, "store data url", "not a data URL")
	}
	return s.StoreFile(ctx, []byte(dataURL), metadata)
}

func metadataType(metadata map[string]any) string {
	for _, key := range []string{"type", "mimeType"} {
		if v, ok := metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// GetFile returns the file stored under fileID, or a dberr NotFound error.
// A payload that cannot be decoded is reported with Available=false.
func (s *Store) GetFile(ctx context.Context, fileID string) (*File, error) {
	rec, err := s.exec.Get(ctx, schema.FileStorage, fileID)
	if err != nil {
		return nil, err
	}
	return fileFromRecord(rec), nil
}

// ListFiles returns every stored file in fileId order.
func (s *Store) ListFiles(ctx context.Context) ([]*File, error) {
	recs, err := s.exec.GetAll(ctx, schema.FileStorage, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	files := make([]*File, 0, len(recs))
	for _, rec := range recs {
		files = append(files, fileFromRecord(rec))
	}
	return files, nil
}

func fileFromRecord(rec kv.Record) *File {
	f := &File{}
	f.FileID, _ = rec["fileId"].(string)
	f.Type, _ = rec["type"].(string)
	f.Metadata, _ = rec["metadata"].(map[string]any)
	if ms, ok := number(rec["createdAt"]); ok {
		f.CreatedAt = time.UnixMilli(int64(ms))
	}
	if data, err := decodePayload(rec["data"]); err == nil {
		f.Data = data
		f.Available = true
	}
	if size, ok := number(rec["size"]); ok {
		f.Size = int64(size)
	} else if f.Available {
		f.Size = int64(len(f.Data))
	}
	return f
}

// decodePayload accepts the stored base64 form, inline data URLs, and the
// byte arrays and index-keyed objects that typed arrays serialize to.
func decodePayload(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case string:
		if isDataURL([]byte(v)) {
			data, _, err := decodeDataURL(v)
			return data, err
		}
		return decodeBase64(v)
	case []any:
		out := make([]byte, len(v))
		for i, n := range v {
			b, err := byteValue(n)
			if err != nil {
				return nil, err
			}
			out[i] = b
		}
		return out, nil
	case map[string]any:
		out := make([]byte, len(v))
		for k, n := range v {
			i, err := strconv.Atoi(k)
			if err != nil || i < 0 || i >= len(v) {
				return nil, fmt.Errorf("payload key %q is not a byte index", k)
			}
			b, err := byteValue(n)
			if err != nil {
				return nil, err
			}
			out[i] = b
		}
		return out, nil
	}
	return nil, errors.New("no payload")
}

func byteValue(v any) (byte, error) {
	n, ok := number(v)
	if !ok || n < 0 || n > 255 || n != math.Trunc(n) {
		return 0, fmt.Errorf("payload value %v is not a byte", v)
	}
	return byte(n), nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// DeleteFile removes the blob. References and usage metadata are kept.
// Returns a dberr NotFound error when no such file exists.
func (s *Store) DeleteFile(ctx context.Context, fileID string) error {
	err := s.exec.Write(ctx, []string{schema.FileStorage}, func(tx kv.Tx) error {
		st, err := tx.Store(schema.FileStorage)
		if err != nil {
			return err
		}
		if _, err := st.Get(fileID); err != nil {
			return err
		}
		return st.Delete(fileID)
	})
	if err != nil {
		return err
	}
	s.RevokeFileURL(fileID)
	return nil
}

// CreateFileURL materializes the file under the handle directory and returns a
// file:// URL for it. Repeated calls return the same URL until it is revoked.
// Returns "" when the file does not exist or its payload is unavailable.
func (s *Store) CreateFileURL(ctx context.Context, fileID string) (string, error) {
	s.mu.Lock()
	path, ok := s.handles[fileID]
	s.mu.Unlock()
	if ok {
		return fileURL(path), nil
	}

	v, err, _ := s.group.Do(fileID, func() (any, error) {
		s.mu.Lock()
		path, ok := s.handles[fileID]
		s.mu.Unlock()
		if ok {
			return path, nil
		}
		f, err := s.GetFile(ctx, fileID)
		if dberr.IsNotFound(err) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		if !f.Available {
			s.logger.Warn("file payload unavailable", "fileId", fileID)
			return "", nil
		}
		path, err = s.writeHandle(f)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.handles[fileID] = path
		s.mu.Unlock()
		return path, nil
	})
	if err != nil {
		return "", fmt.Errorf("create file url: %w", err)
	}
	path = v.(string)
	if path == "" {
		return "", nil
	}
	return fileURL(path), nil
}

func (s *Store) writeHandle(f *File) (string, error) {
	dir := s.handleDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, f.FileID+"-*"+extension(f.Type))
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(f.Data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func extension(mediaType string) string {
	_, sub, ok := strings.Cut(mediaType, "/")
	if !ok {
		return ""
	}
	sub, _, _ = strings.Cut(sub, ";")
	sub, _, _ = strings.Cut(sub, "+")
	if sub == "" {
		return ""
	}
	return "." + strings.TrimSpace(sub)
}

func fileURL(path string) string {
	return "file://" + filepath.ToSlash(path)
}

// RevokeFileURL removes the handle for fileID, if any.
func (s *Store) RevokeFileURL(fileID string) {
	s.mu.Lock()
	path, ok := s.handles[fileID]
	delete(s.handles, fileID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove file handle", "fileId", fileID, "path", path, "error", err)
	}
}

// RevokeAll removes every outstanding handle.
func (s *Store) RevokeAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.RevokeFileURL(id)
	}
}
