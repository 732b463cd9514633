package domain

import (
	"errors"
	"fmt"
)

var (
	ErrLoad              = errors.New("load error")
	ErrConfig            = errors.New("invalid configuration")
	ErrEmbedding         = errors.New("embedding error")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrInvariant         = errors.New("invariant violation")
	ErrNotFound          = errors.New("not found")
	ErrCorruption        = errors.New("corrupted store")

	ErrInvalidInput = errors.New("invalid input")
	ErrTemporary    = errors.New("temporary failure")
	ErrNotIndexed   = errors.New("index not built")
	ErrLocked       = errors.New("ingestion already running")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// StageError reports which ingestion stage (and file, when known) aborted a run.
type StageError struct {
	Stage IngestStage
	File  string
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return "ingestion stage error"
	}
	if e.File != "" {
		return fmt.Sprintf("ingest %s [%s]: %v", e.Stage, e.File, e.Err)
	}
	return fmt.Sprintf("ingest %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// FailedStage extracts the stage from a StageError anywhere in the chain.
func FailedStage(err error) (IngestStage, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return "", false
}
