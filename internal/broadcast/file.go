package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	statusFile  = "status.json"
	triggerFile = "trigger"
)

// FileChannel keeps the status record and trigger key as files in a shared
// directory and watches the directory with fsnotify.
type FileChannel struct {
	dir    string
	logger *slog.Logger
}

// NewFileChannel returns a channel rooted at dir, creating it if needed.
func NewFileChannel(dir string, logger *slog.Logger) (*FileChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create broadcast directory: %w", err)
	}
	return &FileChannel{dir: dir, logger: logger}, nil
}

// Dir returns the shared directory.
func (f *FileChannel) Dir() string {
	return f.dir
}

// WriteStatus writes the record to a temp file and renames it into place so
// readers never see a partial record.
func (f *FileChannel) WriteStatus(_ context.Context, s Status) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, ".status-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // No-op after rename
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(f.dir, statusFile))
}

func (f *FileChannel) ReadStatus(context.Context) (Status, bool, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, statusFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, err
	}
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return Status{}, false, fmt.Errorf("decode status: %w", err)
	}
	return s, true, nil
}

// Trigger writes the trigger file and removes it again. Watchers see a
// create (or write) followed by a remove.
func (f *FileChannel) Trigger(context.Context) error {
	path := filepath.Join(f.dir, triggerFile)
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.WriteFile(path, []byte(stamp), 0o644); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Subscribe starts an fsnotify watcher on the shared directory. The watch
// is registered before Subscribe returns.
func (f *FileChannel) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(f.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", f.dir, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == triggerFile {
					signal(out)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn("broadcast watcher error", "dir", f.dir, "error", err)
			}
		}
	}()
	return out, nil
}

func (f *FileChannel) Close() error {
	return nil
}
