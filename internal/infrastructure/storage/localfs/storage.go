package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Storage is a directory holding durable artifacts. Writes are staged to temp files and
// renamed into place so a reader never sees a half-written file.
type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./vectorstore"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

func (s *Storage) BasePath() string {
	return s.basePath
}

func (s *Storage) Path(key string) string {
	return filepath.Join(s.basePath, key)
}

// Write is one artifact of an atomic multi-file write.
type Write struct {
	Key    string
	Encode func(w io.Writer) error
}

// WriteAtomic stages every write to a synced temp file first and only then renames them into
// place in order. If staging fails no target file is touched.
func (s *Storage) WriteAtomic(ctx context.Context, writes ...Write) error {
	staged := make([]string, 0, len(writes))
	cleanup := func() {
		for _, tmp := range staged {
			_ = os.Remove(tmp)
		}
	}

	for _, w := range writes {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		tmp, err := s.stage(w)
		if err != nil {
			cleanup()
			return err
		}
		staged = append(staged, tmp)
	}

	for i, w := range writes {
		if err := os.Rename(staged[i], s.Path(w.Key)); err != nil {
			cleanup()
			return fmt.Errorf("rename %s: %w", w.Key, err)
		}
	}
	return syncDir(s.basePath)
}

func (s *Storage) stage(w Write) (string, error) {
	f, err := os.CreateTemp(s.basePath, w.Key+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file for %s: %w", w.Key, err)
	}
	tmp := f.Name()

	if err := w.Encode(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", w.Key, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("sync %s: %w", w.Key, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close %s: %w", w.Key, err)
	}
	return tmp, nil
}

func (s *Storage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(key))
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func (s *Storage) Exists(key string) (bool, error) {
	_, err := os.Stat(s.Path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", key, err)
}

// Remove deletes one artifact. A missing artifact is not an error.
func (s *Storage) Remove(key string) error {
	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Keys lists the regular files directly under the storage dir whose names start with prefix.
func (s *Storage) Keys(prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("read storage dir: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		keys = append(keys, e.Name())
	}
	return keys, nil
}

// CleanupStaged removes temp files left behind by an interrupted write or lock takeover.
func (s *Storage) CleanupStaged() error {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return fmt.Errorf("read storage dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !(strings.HasSuffix(e.Name(), ".tmp") || strings.HasSuffix(e.Name(), staleSuffix)) {
			continue
		}
		if err := os.Remove(s.Path(e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove staged file %s: %w", e.Name(), err)
		}
	}
	return nil
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()
	// Some filesystems reject fsync on directories; the renames are already visible then.
	_ = d.Sync()
	return nil
}
