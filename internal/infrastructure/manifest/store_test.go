package manifest

import (
	"context"
	"os"
	"testing"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/storage/localfs"
)

func newStore(t *testing.T) (*Store, *localfs.Storage) {
	t.Helper()
	storage, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New() error = %v", err)
	}
	return NewStore(storage), storage
}

func TestLoadMissingManifestIsEmpty(t *testing.T) {
	store, _ := newStore(t)
	m, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty manifest, got %v", m.Names())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, storage := newStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, domain.NewManifest("b.pdf", "a.pdf")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	m, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !m.Contains("a.pdf") || !m.Contains("b.pdf") || m.Len() != 2 {
		t.Fatalf("unexpected manifest: %v", m.Names())
	}

	raw, err := os.ReadFile(storage.Path(FileName))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if want := "[\n  \"a.pdf\",\n  \"b.pdf\"\n]\n"; string(raw) != want {
		t.Fatalf("manifest file = %q, want %q", raw, want)
	}
}

func TestLoadCorruptManifest(t *testing.T) {
	store, storage := newStore(t)
	if err := os.WriteFile(storage.Path(FileName), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Load(context.Background()); !domain.IsKind(err, domain.ErrCorruption) {
		t.Fatalf("expected ErrCorruption, got %v", err)
	}
}
