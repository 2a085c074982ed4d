package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures raised while enriching or reconciling records.
type ErrorKind string

const (
	// ErrExtraction is fatal to the record.
	ErrExtraction ErrorKind = "extraction_failure"
	// ErrGeneration is recorded and processing continues.
	ErrGeneration ErrorKind = "generation_failure"
	// ErrStoreWrite is fatal to the current stage; re-submit to retry.
	ErrStoreWrite ErrorKind = "store_write_failure"
	// ErrRateLimit triggers a fixed backoff and is never a record failure.
	ErrRateLimit ErrorKind = "rate_limit_exceeded"
	// ErrConflict marks rows changed on both sides since the last sync.
	ErrConflict ErrorKind = "reconciliation_conflict"
)

// StageError attaches an ErrorKind and stage to an underlying error.
type StageError struct {
	Kind  ErrorKind
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err with its kind and stage.
func NewStageError(kind ErrorKind, stage Stage, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the ErrorKind carried anywhere in err's chain, or "".
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
