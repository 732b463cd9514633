package localfs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
)

func writeString(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func TestWriteAtomicReplacesAllFiles(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	if err := s.WriteAtomic(ctx, Write{Key: "a", Encode: writeString("one")}, Write{Key: "b", Encode: writeString("two")}); err != nil {
		t.Fatalf("WriteAtomic() error = %v", err)
	}
	for key, want := range map[string]string{"a": "one", "b": "two"} {
		raw, err := os.ReadFile(s.Path(key))
		if err != nil {
			t.Fatalf("read %s: %v", key, err)
		}
		if string(raw) != want {
			t.Fatalf("%s = %q, want %q", key, raw, want)
		}
	}
}

func TestWriteAtomicLeavesTargetsOnStagingFailure(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	if err := s.WriteAtomic(ctx, Write{Key: "a", Encode: writeString("old")}); err != nil {
		t.Fatalf("WriteAtomic() error = %v", err)
	}

	boom := errors.New("encode failed")
	err = s.WriteAtomic(ctx,
		Write{Key: "a", Encode: writeString("new")},
		Write{Key: "b", Encode: func(io.Writer) error { return boom }},
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected encode error, got %v", err)
	}

	raw, _ := os.ReadFile(s.Path("a"))
	if string(raw) != "old" {
		t.Fatalf("expected untouched artifact, got %q", raw)
	}
	if ok, _ := s.Exists("b"); ok {
		t.Fatalf("expected b not to be created")
	}
	entries, _ := os.ReadDir(s.BasePath())
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("staged file left behind: %s", e.Name())
		}
	}
}

func TestCleanupStagedRemovesTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.bin.123.tmp"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed tmp: %v", err)
	}
	if err := s.CleanupStaged(); err != nil {
		t.Fatalf("CleanupStaged() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "index.bin.123.tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected tmp file removed, stat err = %v", err)
	}
}

func TestFileLockIsExclusive(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	lock := s.Lock("", time.Hour)

	release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := lock.Acquire(context.Background()); !domain.IsKind(err, domain.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release() error = %v", err)
	}
	release, err = lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = release()
}

func TestFileLockBreaksStaleLock(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	lock := s.Lock("", time.Minute)
	if _, err := lock.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	lock.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected stale lock to be replaced, got %v", err)
	}
	_ = release()
}

func TestFileLockTakeOverKeepsReplacedLock(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	lock := s.Lock("", time.Minute)
	release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	live, err := os.ReadFile(lock.path)
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}

	// A contender judged an older lock stale, but the lock was replaced before it moved in.
	err = lock.takeOver([]byte("token=old pid=1 acquired=2000-01-01T00:00:00Z\n"))
	if !domain.IsKind(err, domain.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	got, err := os.ReadFile(lock.path)
	if err != nil {
		t.Fatalf("live lock must be restored: %v", err)
	}
	if string(got) != string(live) {
		t.Fatalf("lock content changed: %q", got)
	}
	if err := release(); err != nil {
		t.Fatalf("release() error = %v", err)
	}
	keys, err := s.Keys(DefaultLockName)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no lock files left, got %v", keys)
	}
}

func TestFileLockReleaseKeepsForeignLock(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	lock := s.Lock("", time.Minute)
	release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := os.WriteFile(lock.path, []byte("token=other\n"), 0o644); err != nil {
		t.Fatalf("replace lock: %v", err)
	}

	if err := release(); err == nil {
		t.Fatalf("expected release to refuse a lock it does not own")
	}
	if _, err := os.Stat(lock.path); err != nil {
		t.Fatalf("foreign lock removed: %v", err)
	}
}

func TestStorageKeysAndRemove(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	if err := s.WriteAtomic(ctx, Write{Key: "index.a.bin", Encode: writeString("a")}, Write{Key: "other", Encode: writeString("b")}); err != nil {
		t.Fatalf("WriteAtomic() error = %v", err)
	}

	keys, err := s.Keys("index.")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 1 || keys[0] != "index.a.bin" {
		t.Fatalf("Keys() = %v", keys)
	}
	if err := s.Remove("index.a.bin"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Remove("index.a.bin"); err != nil {
		t.Fatalf("Remove() of a missing key error = %v", err)
	}
	if ok, _ := s.Exists("index.a.bin"); ok {
		t.Fatalf("artifact still exists")
	}
}

func TestFolderScanFiltersByPattern(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.pdf", "a.pdf", "notes.txt", "image.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.pdf"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	folder, err := NewFolder(dir, []string{"*.{pdf,txt}"})
	if err != nil {
		t.Fatalf("NewFolder() error = %v", err)
	}
	got, err := folder.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	want := []string{filepath.Join(dir, "a.pdf"), filepath.Join(dir, "b.pdf"), filepath.Join(dir, "notes.txt")}
	if len(got) != len(want) {
		t.Fatalf("Scan() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Scan()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestNewFolderRejectsBadPattern(t *testing.T) {
	if _, err := NewFolder(t.TempDir(), []string{"*.{pdf"}); !domain.IsKind(err, domain.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestFolderScanMissingFolder(t *testing.T) {
	folder, err := NewFolder(filepath.Join(t.TempDir(), "missing"), nil)
	if err != nil {
		t.Fatalf("NewFolder() error = %v", err)
	}
	if _, err := folder.Scan(context.Background()); !domain.IsKind(err, domain.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestFileLockCleansStagedFilesOnAcquire(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	staged := filepath.Join(dir, "index.meta.json.456.tmp")
	if err := os.WriteFile(staged, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed tmp: %v", err)
	}

	release, err := s.Lock("", time.Hour).Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()
	if _, err := os.Stat(staged); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected staged file removed after acquire, stat err = %v", err)
	}
}
