package errors

import (
	"errors"
	"fmt"
)

var (
	ErrConnection       = errors.New("store connection failed")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrBatchProcessing  = errors.New("batch processing failed")
	ErrRowUpdate        = errors.New("row update failed")
	ErrSchemaMismatch   = errors.New("feature schema mismatch")
	ErrLockHeld         = errors.New("run lock held by another instance")
)

// PipelineError attaches a failure kind and the pipeline stage that produced
// it to an underlying cause. errors.Is matches both the kind and the cause.
type PipelineError struct {
	Kind  error
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Stage)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind.Error(), e.Stage, e.Err.Error())
}

func (e *PipelineError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func New(kind error, stage string, err error) *PipelineError {
	return &PipelineError{
		Kind:  kind,
		Stage: stage,
		Err:   err,
	}
}

func Newf(kind error, stage string, format string, args ...any) *PipelineError {
	return &PipelineError{
		Kind:  kind,
		Stage: stage,
		Err:   fmt.Errorf(format, args...),
	}
}

// IsFatal reports whether err must abort the run before any chunk work.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrModelUnavailable)
}

// Kind returns the short name of the failure kind carried by err, or
// "unknown".
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, ErrRowUpdate):
		return "row_update"
	case errors.Is(err, ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, ErrBatchProcessing):
		return "batch_processing"
	case errors.Is(err, ErrLockHeld):
		return "lock_held"
	default:
		return "unknown"
	}
}
