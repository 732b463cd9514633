// Package manifest persists the list of source files already absorbed into the vector store.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/storage/localfs"
)

const FileName = "indexed_files.json"

// Store keeps the manifest as a JSON array of base names next to the index artifacts.
type Store struct {
	storage *localfs.Storage
	key     string
}

func NewStore(storage *localfs.Storage) *Store {
	return &Store{storage: storage, key: FileName}
}

// Load returns an empty manifest when the file does not exist yet.
func (s *Store) Load(ctx context.Context) (domain.Manifest, error) {
	ok, err := s.storage.Exists(s.key)
	if err != nil {
		return domain.Manifest{}, err
	}
	if !ok {
		return domain.NewManifest(), nil
	}

	rc, err := s.storage.Open(ctx, s.key)
	if err != nil {
		return domain.Manifest{}, fmt.Errorf("open manifest: %w", err)
	}
	defer rc.Close()

	var names []string
	if err := json.NewDecoder(rc).Decode(&names); err != nil {
		return domain.Manifest{}, domain.WrapError(domain.ErrCorruption, "decode manifest", err)
	}
	return domain.NewManifest(names...), nil
}

func (s *Store) Save(ctx context.Context, m domain.Manifest) error {
	names := m.Names()
	return s.storage.WriteAtomic(ctx, localfs.Write{Key: s.key, Encode: func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(names)
	}})
}
