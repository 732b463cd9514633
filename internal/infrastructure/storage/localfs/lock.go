package localfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
)

const DefaultLockName = ".ingest.lock"

// staleSuffix marks a lock file moved aside during a takeover.
const staleSuffix = ".stale"

// FileLock is an exclusive lock file. It guards a single host against concurrent ingestion
// runs on the same store; it is not a distributed lock. Temp files left by an interrupted
// write are removed once the lock is held.
type FileLock struct {
	path       string
	staleAfter time.Duration
	now        func() time.Time
	onAcquire  func() error
}

func (s *Storage) Lock(name string, staleAfter time.Duration) *FileLock {
	if name == "" {
		name = DefaultLockName
	}
	return &FileLock{
		path:       s.Path(name),
		staleAfter: staleAfter,
		now:        time.Now,
		onAcquire:  s.CleanupStaged,
	}
}

func (l *FileLock) Acquire(ctx context.Context) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	release, err := l.tryCreate()
	if err == nil {
		return l.acquired(release), nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	if observed, ok := l.staleContent(); ok {
		if err := l.takeOver(observed); err != nil {
			return nil, err
		}
		release, err = l.tryCreate()
		if err == nil {
			return l.acquired(release), nil
		}
	}
	return nil, l.heldError()
}

func (l *FileLock) acquired(release func() error) func() error {
	if l.onAcquire != nil {
		if err := l.onAcquire(); err != nil {
			slog.Warn("staged_cleanup_failed", "lock", l.path, "error", err)
		}
	}
	return release
}

func (l *FileLock) tryCreate() (func() error, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	content := []byte(fmt.Sprintf("token=%s pid=%d acquired=%s\n", uuid.NewString(), os.Getpid(), l.now().UTC().Format(time.RFC3339)))
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = os.Remove(l.path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return nil, err
	}
	return func() error {
		raw, err := os.ReadFile(l.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		// A lock taken over as stale belongs to someone else now.
		if !bytes.Equal(raw, content) {
			return fmt.Errorf("release lock: %s was taken over by another process", l.path)
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("release lock: %w", err)
		}
		return nil
	}, nil
}

// staleContent returns the content of the lock file when it is older than staleAfter.
func (l *FileLock) staleContent() ([]byte, bool) {
	if l.staleAfter <= 0 {
		return nil, false
	}
	info, err := os.Stat(l.path)
	if err != nil {
		return nil, false
	}
	if l.now().Sub(info.ModTime()) <= l.staleAfter {
		return nil, false
	}
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// takeOver moves the stale lock aside with a single rename, so only one contender can claim
// it. When the moved file is not the one judged stale, another contender already replaced
// it; that lock is put back and the caller sees ErrLocked.
func (l *FileLock) takeOver(observed []byte) error {
	aside := l.path + "." + uuid.NewString() + staleSuffix
	if err := os.Rename(l.path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("move stale lock: %w", err)
	}

	moved, err := os.ReadFile(aside)
	if err == nil && !bytes.Equal(moved, observed) {
		// Link refuses to overwrite a lock created in the meantime.
		if linkErr := os.Link(aside, l.path); linkErr != nil {
			slog.Warn("ingest_lock_restore_failed", "lock", l.path, "error", linkErr)
		}
		_ = os.Remove(aside)
		return l.heldError()
	}
	if err := os.Remove(aside); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("stale_lock_remove_failed", "lock", aside, "error", err)
	}
	slog.Warn("stale_ingest_lock_taken_over", "lock", l.path, "stale_after", l.staleAfter)
	return nil
}

func (l *FileLock) heldError() error {
	return domain.WrapError(domain.ErrLocked, "acquire ingest lock", fmt.Errorf("lock held: %s", l.path))
}
