package workflow

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced entity, type, workflow or record
// does not exist. It aborts only the current operation.
var ErrNotFound = errors.New("not found")

// ErrInvalidDefinition rejects a malformed entity type or workflow
// definition (bad prefix, non-contiguous steps, unknown action type,
// schema that does not compile).
var ErrInvalidDefinition = errors.New("invalid definition")

// ValidationErrors maps a field's display label to a human-readable problem.
// It is returned alongside an unchanged record/entity so callers can render
// inline form errors; it is never panicked.
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	return fmt.Sprintf("validation failed for %d field(s)", len(v))
}

// InvalidTransitionError rejects an out-of-order, duplicate or unapproved
// step submission. The record is left byte-for-byte unchanged.
type InvalidTransitionError struct {
	RecordID string
	StepID   string
	Reason   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition on record %s (step %s): %s", e.RecordID, e.StepID, e.Reason)
}

func invalidTransition(recordID, stepID, reason string) error {
	return &InvalidTransitionError{RecordID: recordID, StepID: stepID, Reason: reason}
}

// ActionError reports one failed completion action. Sibling actions still
// run and the owning record stays completed; the failure is recorded as a
// warning on the record.
type ActionError struct {
	Index int
	Type  string
	Err   error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("completion action %d (%s): %v", e.Index, e.Type, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
