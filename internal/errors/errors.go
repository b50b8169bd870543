package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"storekeeper/internal/backup"
	"storekeeper/internal/blobstore"
	"storekeeper/internal/migration"
	"storekeeper/internal/pool"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeConnection represents pool and handle errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeSQL represents SQL execution errors
	ErrorTypeSQL ErrorType = "sql"
	// ErrorTypeBusy represents a locked store or an exclusive operation already in flight
	ErrorTypeBusy ErrorType = "busy"
	// ErrorTypeIntegrity represents corrupt stores and checksum mismatches
	ErrorTypeIntegrity ErrorType = "integrity"
	// ErrorTypeStorage represents blob store and disk errors
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeMigration represents failed or unresolved migration runs
	ErrorTypeMigration ErrorType = "migration"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypePermission represents permission/access errors
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInterruption represents user interruption
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	UserMessage string
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithUserMessage sets the message shown to operators.
func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: false,
	}
}

func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: true,
	}
}

// ErrorClassifier maps errors from the engine, the core services and the
// runtime onto ErrorTypes.
type ErrorClassifier struct{}

func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	// Domain errors first: they often wrap engine errors whose code alone
	// would be misleading.
	if domainErr := ec.classifyMigrationError(err); domainErr != nil {
		return domainErr
	}
	if domainErr := ec.classifyBackupError(err); domainErr != nil {
		return domainErr
	}
	if poolErr := ec.classifyPoolError(err); poolErr != nil {
		return poolErr
	}
	if sqliteErr := ec.classifySQLiteError(err); sqliteErr != nil {
		return sqliteErr
	}
	if ctxErr := ec.classifyContextError(err); ctxErr != nil {
		return ctxErr
	}
	if fsErr := ec.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

func (ec *ErrorClassifier) classifyMigrationError(err error) *AppError {
	var rollbackErr *migration.RollbackFailedError
	if errors.As(err, &rollbackErr) {
		return NewAppError(ErrorTypeMigration, "Migration failed and the rollback could not restore the pre-migration backup", err).
			WithUserMessage("Migration failed and its rollback also failed. The store may be partially migrated: restore the pre-migration backup, then run 'storekeeper migrate resolve'.")
	}
	var unresolved *migration.UnresolvedRunError
	if errors.As(err, &unresolved) {
		return NewAppError(ErrorTypeMigration, "A previous migration run is unresolved", err).
			WithContext("run_id", unresolved.RunID).
			WithUserMessage(unresolved.Error())
	}
	var running *migration.MigrationAlreadyRunningError
	if errors.As(err, &running) {
		return NewRecoverableError(ErrorTypeBusy, "A migration is already running", err).
			WithContext("run_id", running.RunID)
	}
	var validation *migration.ValidationFailedError
	if errors.As(err, &validation) {
		return NewAppError(ErrorTypeMigration,
			fmt.Sprintf("Migration validation failed with score %.1f; the store was rolled back", validation.Score), err).
			WithContext("score", validation.Score)
	}
	var step *migration.MigrationStepError
	if errors.As(err, &step) {
		return NewAppError(ErrorTypeMigration,
			fmt.Sprintf("Migration step %s failed", step.Step), err).
			WithContext("step", step.Step)
	}
	return nil
}

func (ec *ErrorClassifier) classifyBackupError(err error) *AppError {
	var busy *backup.BusyError
	if errors.As(err, &busy) {
		return NewRecoverableError(ErrorTypeBusy, "Another backup operation is in progress", err).
			WithContext("operation", busy.Operation).
			WithContext("in_flight", busy.InFlight)
	}
	var mismatch *backup.ChecksumMismatchError
	if errors.As(err, &mismatch) {
		return NewAppError(ErrorTypeIntegrity,
			fmt.Sprintf("Backup %s failed its checksum; it was not restored", mismatch.BackupID), err).
			WithContext("backup_id", mismatch.BackupID).
			WithContext("algorithm", string(mismatch.Algorithm))
	}
	if errors.Is(err, backup.ErrBackupNotFound) || errors.Is(err, backup.ErrRecoveryPointNotFound) {
		return NewAppError(ErrorTypeValidation, "Backup or recovery point not found", err)
	}
	if errors.Is(err, backup.ErrUnsupportedKind) {
		return NewAppError(ErrorTypeValidation, "Unsupported backup kind", err)
	}

	var backupErr *backup.BackupError
	if errors.As(err, &backupErr) {
		switch backupErr.Type {
		case backup.BackupErrorTypeStorage:
			return NewRecoverableError(ErrorTypeStorage, "Backup storage operation failed", err)
		case backup.BackupErrorTypeCorruption:
			return NewAppError(ErrorTypeIntegrity, "Backup data is corrupt", err)
		case backup.BackupErrorTypeConfiguration:
			return NewAppError(ErrorTypeValidation, "Invalid backup configuration", err)
		default:
			return NewAppError(ErrorTypeStorage, backupErr.Message, err)
		}
	}

	if errors.Is(err, blobstore.ErrNotFound) {
		return NewAppError(ErrorTypeStorage, "Object not found in blob store", err)
	}
	return nil
}

func (ec *ErrorClassifier) classifyPoolError(err error) *AppError {
	var timeout *pool.ConnectionTimeoutError
	if errors.As(err, &timeout) {
		return NewRecoverableError(ErrorTypeTimeout, "Timed out waiting for a store connection", err).
			WithContext("waited", timeout.Waited.String())
	}
	var unhealthy *pool.ConnectionUnhealthyError
	if errors.As(err, &unhealthy) {
		return NewRecoverableError(ErrorTypeConnection, "Could not open a healthy store connection", err)
	}
	if errors.Is(err, pool.ErrPoolClosed) {
		return NewAppError(ErrorTypeConnection, "Connection pool is closed", err)
	}
	return nil
}

// classifySQLiteError classifies engine result codes
func (ec *ErrorClassifier) classifySQLiteError(err error) *AppError {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		// Extended codes carry the primary code in the low byte.
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY:
			return NewRecoverableError(ErrorTypeBusy,
				"Store is busy - another connection holds a lock", err).
				WithContext("sqlite_error_code", code)
		case sqlite3.SQLITE_LOCKED:
			return NewRecoverableError(ErrorTypeBusy,
				"Table is locked by another statement", err).
				WithContext("sqlite_error_code", code)
		case sqlite3.SQLITE_CONSTRAINT:
			return NewAppError(ErrorTypeValidation,
				"Constraint violation - record conflicts with existing data", err).
				WithContext("sqlite_error_code", code)
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return NewAppError(ErrorTypeIntegrity,
				"Store file is corrupt or not a database", err).
				WithContext("sqlite_error_code", code)
		case sqlite3.SQLITE_FULL:
			return NewAppError(ErrorTypeStorage,
				"Disk is full", err).
				WithContext("sqlite_error_code", code)
		case sqlite3.SQLITE_READONLY, sqlite3.SQLITE_PERM, sqlite3.SQLITE_AUTH:
			return NewAppError(ErrorTypePermission,
				"Store is read-only or access was denied", err).
				WithContext("sqlite_error_code", code)
		case sqlite3.SQLITE_CANTOPEN:
			return NewAppError(ErrorTypeConnection,
				"Cannot open the store file", err).
				WithContext("sqlite_error_code", code)
		case sqlite3.SQLITE_IOERR:
			return NewRecoverableError(ErrorTypeStorage,
				"Disk I/O error", err).
				WithContext("sqlite_error_code", code)
		default:
			return NewAppError(ErrorTypeSQL,
				fmt.Sprintf("SQLite error: %s", sqliteErr.Error()), err).
				WithContext("sqlite_error_code", code)
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return NewAppError(ErrorTypeValidation, "No rows found", err)
	}
	if errors.Is(err, sql.ErrTxDone) {
		return NewAppError(ErrorTypeSQL, "Transaction has already been committed or rolled back", err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return NewRecoverableError(ErrorTypeConnection, "Store connection is closed", err)
	}

	return nil
}

func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRecoverableError(ErrorTypeTimeout,
			"Operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption,
			"Operation was canceled", err)
	}

	return nil
}

func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch {
		case errors.Is(pathErr.Err, syscall.ENOENT):
			return NewAppError(ErrorTypeValidation,
				fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
		case errors.Is(pathErr.Err, syscall.EACCES):
			return NewAppError(ErrorTypePermission,
				fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
		case errors.Is(pathErr.Err, syscall.ENOSPC):
			return NewAppError(ErrorTypeStorage,
				"No space left on device", err)
		}
	}

	return nil
}

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryHandler retries recoverable errors with exponential backoff. The
// core services never retry on their own; callers opt in through this.
type RetryHandler struct {
	config     RetryConfig
	classifier *ErrorClassifier
}

func NewRetryHandler(config RetryConfig) *RetryHandler {
	return &RetryHandler{
		config:     config,
		classifier: NewErrorClassifier(),
	}
}

func NewDefaultRetryHandler() *RetryHandler {
	return NewRetryHandler(DefaultRetryConfig())
}

// Retry executes a function with retry logic for recoverable errors
func (rh *RetryHandler) Retry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 1; attempt <= rh.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeInterruption, "Operation canceled", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err
		appErr := rh.classifier.ClassifyError(err)
		if !appErr.IsRecoverable() {
			return appErr
		}

		if attempt == rh.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeInterruption, "Operation canceled during retry", ctx.Err())
		case <-time.After(rh.calculateDelay(attempt)):
		}
	}

	return rh.classifier.ClassifyError(lastErr).
		WithContext("attempts", rh.config.MaxAttempts)
}

// calculateDelay is BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (rh *RetryHandler) calculateDelay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= rh.config.Multiplier
	}

	delay := time.Duration(float64(rh.config.BaseDelay) * multiplier)
	if delay > rh.config.MaxDelay {
		delay = rh.config.MaxDelay
	}
	return delay
}

// GracefulShutdownHandler runs registered shutdown functions, newest first,
// when SIGINT or SIGTERM arrives.
type GracefulShutdownHandler struct {
	shutdownFuncs []func() error
	signalChan    chan os.Signal
	done          chan bool
}

func NewGracefulShutdownHandler() *GracefulShutdownHandler {
	return &GracefulShutdownHandler{
		shutdownFuncs: make([]func() error, 0),
		signalChan:    make(chan os.Signal, 1),
		done:          make(chan bool, 1),
	}
}

// RegisterShutdownFunc registers a function to be called during shutdown
func (gsh *GracefulShutdownHandler) RegisterShutdownFunc(fn func() error) {
	gsh.shutdownFuncs = append(gsh.shutdownFuncs, fn)
}

// Start starts listening for shutdown signals
func (gsh *GracefulShutdownHandler) Start() {
	signal.Notify(gsh.signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if _, ok := <-gsh.signalChan; ok {
			gsh.shutdown()
		}
	}()
}

func (gsh *GracefulShutdownHandler) Stop() {
	signal.Stop(gsh.signalChan)
	close(gsh.signalChan)
}

// WaitForShutdown waits for shutdown to complete
func (gsh *GracefulShutdownHandler) WaitForShutdown() {
	<-gsh.done
}

func (gsh *GracefulShutdownHandler) shutdown() {
	defer func() {
		gsh.done <- true
	}()

	for i := len(gsh.shutdownFuncs) - 1; i >= 0; i-- {
		if err := gsh.shutdownFuncs[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	}
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.IsRecoverable()
	}
	return false
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// FormatUserError formats an error for display to users
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.GetUserMessage()
	}
	return "An unexpected error occurred. Please check the logs for more details."
}

// WrapError classifies err and replaces its message.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return NewAppError(appErr.Type, message, err)
	}

	classifiedErr := NewErrorClassifier().ClassifyError(err)
	classifiedErr.Message = message
	return classifiedErr
}
