package localfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
)

// Folder lists files directly under a data folder whose names match any pattern.
type Folder struct {
	path     string
	patterns []string
}

func NewFolder(path string, patterns []string) (*Folder, error) {
	if len(patterns) == 0 {
		patterns = []string{"*.pdf"}
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, domain.WrapError(domain.ErrConfig, "new folder scanner", fmt.Errorf("bad file pattern %q", p))
		}
	}
	return &Folder{path: path, patterns: patterns}, nil
}

func (f *Folder) Path() string {
	return f.path
}

func (f *Folder) Scan(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrConfig, "scan data folder", fmt.Errorf("folder %s does not exist", f.path))
		}
		return nil, fmt.Errorf("read data folder: %w", err)
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if f.Matches(e.Name()) {
			out = append(out, filepath.Join(f.path, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Matches reports whether a base name passes the pattern filter.
func (f *Folder) Matches(name string) bool {
	for _, p := range f.patterns {
		ok, err := doublestar.Match(p, name)
		if err == nil && ok {
			return true
		}
	}
	return false
}
