package backup

import (
	"errors"
	"fmt"
)

var (
	// ErrBackupNotFound is returned when an id is not in the catalog.
	ErrBackupNotFound = errors.New("backup not found")
	// ErrRecoveryPointNotFound is returned when an id is not in the recovery ring.
	ErrRecoveryPointNotFound = errors.New("recovery point not found")
	// ErrUnsupportedKind is returned for backup kinds the service cannot produce.
	ErrUnsupportedKind = errors.New("unsupported backup kind")
)

// BusyError is returned when a create, restore or delete is requested while
// another one is in flight. Callers are never queued.
type BusyError struct {
	Operation string
	InFlight  string
}

func (e *BusyError) Error() string {
	if e.InFlight == "" {
		return fmt.Sprintf("backup service busy: cannot %s while another operation is in progress", e.Operation)
	}
	return fmt.Sprintf("backup service busy: cannot %s while %s is in progress", e.Operation, e.InFlight)
}

// ChecksumMismatchError is returned when a stored record fails the integrity
// gate. Nothing has been written to the live store when it is returned.
type ChecksumMismatchError struct {
	BackupID  string
	Algorithm ChecksumAlgorithm
	Expected  string
	Actual    string
	Cause     error
}

func (e *ChecksumMismatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("backup %s failed integrity check: %v", e.BackupID, e.Cause)
	}
	return fmt.Sprintf("backup %s checksum mismatch (%s): expected %s, got %s",
		e.BackupID, e.Algorithm, e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Unwrap() error { return e.Cause }

// BackupError represents errors that occur while producing or consuming a payload
type BackupError struct {
	Type    BackupErrorType
	Message string
	Cause   error
}

// Error implements the error interface
func (e *BackupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BackupError) Unwrap() error {
	return e.Cause
}

// BackupErrorType represents different types of backup errors
type BackupErrorType string

const (
	BackupErrorTypeStorage       BackupErrorType = "STORAGE_ERROR"
	BackupErrorTypeCompression   BackupErrorType = "COMPRESSION_ERROR"
	BackupErrorTypeEncryption    BackupErrorType = "ENCRYPTION_ERROR"
	BackupErrorTypeCorruption    BackupErrorType = "CORRUPTION_ERROR"
	BackupErrorTypeDatabase      BackupErrorType = "DATABASE_ERROR"
	BackupErrorTypeConfiguration BackupErrorType = "CONFIGURATION_ERROR"
)

func newBackupError(errorType BackupErrorType, message string, cause error) *BackupError {
	return &BackupError{Type: errorType, Message: message, Cause: cause}
}

func NewStorageError(message string, cause error) *BackupError {
	return newBackupError(BackupErrorTypeStorage, message, cause)
}

func NewCompressionError(message string, cause error) *BackupError {
	return newBackupError(BackupErrorTypeCompression, message, cause)
}

func NewEncryptionError(message string, cause error) *BackupError {
	return newBackupError(BackupErrorTypeEncryption, message, cause)
}

func NewCorruptionError(message string, cause error) *BackupError {
	return newBackupError(BackupErrorTypeCorruption, message, cause)
}

func NewDatabaseError(message string, cause error) *BackupError {
	return newBackupError(BackupErrorTypeDatabase, message, cause)
}

func NewConfigurationError(message string, cause error) *BackupError {
	return newBackupError(BackupErrorTypeConfiguration, message, cause)
}

// ValidationError describes one invalid configuration field
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, ValidationError{Field: field, Message: message, Value: value})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// IsRetryable reports whether the caller may reasonably try the same
// operation again: storage hiccups and a busy service are transient,
// integrity failures are not.
func IsRetryable(err error) bool {
	var busy *BusyError
	if errors.As(err, &busy) {
		return true
	}
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Type == BackupErrorTypeStorage
	}
	return false
}
