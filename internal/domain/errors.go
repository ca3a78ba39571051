package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")

	// ErrLeaseLost means the batch is no longer claimed by the reporting worker,
	// typically because its lease expired and another worker reclaimed it.
	ErrLeaseLost = errors.New("batch lease lost")
)

// InvalidRangeError is returned when a key range has max < min.
type InvalidRangeError struct {
	Min int64
	Max int64
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range: max value %d is less than min value %d", e.Max, e.Min)
}

// Is lets callers match range errors with ErrValidation.
func (e *InvalidRangeError) Is(target error) bool {
	return target == ErrValidation
}

// ExecutionError wraps a failure raised by a migration body for one batch.
type ExecutionError struct {
	Filename string
	BatchID  int64
	MinValue int64
	MaxValue int64
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s batch %d [%d, %d): %v", e.Filename, e.BatchID, e.MinValue, e.MaxValue, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// FinalizationError wraps a failure raised by a migration's finalize step.
type FinalizationError struct {
	Filename string
	Err      error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("finalize %s: %v", e.Filename, e.Err)
}

func (e *FinalizationError) Unwrap() error { return e.Err }
