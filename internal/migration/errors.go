package migration

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNothingToResolve is returned by Resolve when the last run needs no operator action.
var ErrNothingToResolve = errors.New("no unresolved migration run")

// MigrationStepError wraps a failure inside one step of a run.
type MigrationStepError struct {
	Step  string
	Cause error
}

func (e *MigrationStepError) Error() string {
	return fmt.Sprintf("migration step %s failed: %v", e.Step, e.Cause)
}

func (e *MigrationStepError) Unwrap() error { return e.Cause }

// MigrationAlreadyRunningError is returned when a second run starts while one is in progress.
type MigrationAlreadyRunningError struct {
	RunID string
}

func (e *MigrationAlreadyRunningError) Error() string {
	if e.RunID == "" {
		return "a migration is already running"
	}
	return fmt.Sprintf("migration %s is already running", e.RunID)
}

// ValidationFailedError carries the validator's score and error-level findings.
type ValidationFailedError struct {
	Score  float64
	Errors []string
}

func (e *ValidationFailedError) Error() string {
	msg := fmt.Sprintf("migration validation failed with score %.1f", e.Score)
	if len(e.Errors) > 0 {
		msg += ": " + strings.Join(e.Errors, "; ")
	}
	return msg
}

// RollbackFailedError means the pre-migration snapshot could not be restored.
// The store may be partially migrated and needs operator attention.
type RollbackFailedError struct {
	OriginalError error
	RollbackError error
}

func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("rollback failed: %v (migration error: %v)", e.RollbackError, e.OriginalError)
}

// Unwrap exposes both errors to errors.Is and errors.As.
func (e *RollbackFailedError) Unwrap() []error {
	var errs []error
	if e.OriginalError != nil {
		errs = append(errs, e.OriginalError)
	}
	if e.RollbackError != nil {
		errs = append(errs, e.RollbackError)
	}
	return errs
}

// UnresolvedRunError blocks new runs until an operator calls Resolve.
type UnresolvedRunError struct {
	RunID string
}

func (e *UnresolvedRunError) Error() string {
	return fmt.Sprintf("migration run %s failed and its rollback is unresolved; repair the store and run 'migrate resolve'", e.RunID)
}
