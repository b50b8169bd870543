package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"storekeeper/internal/backup"
	"storekeeper/internal/blobstore"
	"storekeeper/internal/migration"
	"storekeeper/internal/pool"
)

func TestAppError(t *testing.T) {
	cause := errors.New("underlying error")
	appErr := NewAppError(ErrorTypeConnection, "connection failed", cause)

	if appErr.Type != ErrorTypeConnection {
		t.Errorf("Expected type %v, got %v", ErrorTypeConnection, appErr.Type)
	}
	if appErr.Cause != cause {
		t.Errorf("Expected cause %v, got %v", cause, appErr.Cause)
	}
	if appErr.IsRecoverable() {
		t.Error("Expected non-recoverable error")
	}

	expectedError := "connection: connection failed (caused by: underlying error)"
	if appErr.Error() != expectedError {
		t.Errorf("Expected error string %v, got %v", expectedError, appErr.Error())
	}
	if !errors.Is(appErr, cause) {
		t.Error("Expected AppError to unwrap to its cause")
	}
}

func TestAppErrorWithContext(t *testing.T) {
	appErr := NewAppError(ErrorTypeSQL, "query failed", nil)
	appErr.WithContext("table", "accounts").WithContext("query_id", 123)

	if appErr.Context["table"] != "accounts" {
		t.Errorf("Expected context table=accounts, got %v", appErr.Context["table"])
	}
	if appErr.Context["query_id"] != 123 {
		t.Errorf("Expected context query_id=123, got %v", appErr.Context["query_id"])
	}
}

func TestNewRecoverableError(t *testing.T) {
	appErr := NewRecoverableError(ErrorTypeConnection, "temporary failure", nil)
	if !appErr.IsRecoverable() {
		t.Error("Expected recoverable error")
	}
}

// sqliteError produces a real engine error by running query against a scratch store.
func sqliteError(t *testing.T, setup []string, query string) error {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "scratch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range setup {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	_, err = db.Exec(query)
	require.Error(t, err)
	return fmt.Errorf("wrapped: %w", err)
}

func TestErrorClassifier_ClassifySQLiteError(t *testing.T) {
	classifier := NewErrorClassifier()

	tests := []struct {
		name         string
		setup        []string
		query        string
		expectedType ErrorType
		recoverable  bool
	}{
		{
			name:         "unique constraint",
			setup:        []string{`CREATE TABLE accounts (email TEXT UNIQUE)`, `INSERT INTO accounts VALUES ('a@example.com')`},
			query:        `INSERT INTO accounts VALUES ('a@example.com')`,
			expectedType: ErrorTypeValidation,
		},
		{
			name:         "not null constraint",
			setup:        []string{`CREATE TABLE cards (cvv TEXT NOT NULL)`},
			query:        `INSERT INTO cards VALUES (NULL)`,
			expectedType: ErrorTypeValidation,
		},
		{
			name:         "missing table",
			query:        `INSERT INTO nowhere VALUES (1)`,
			expectedType: ErrorTypeSQL,
		},
		{
			name:         "syntax error",
			query:        `SELEC 1`,
			expectedType: ErrorTypeSQL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sqliteError(t, tt.setup, tt.query)
			appErr := classifier.ClassifyError(err)

			assert.Equal(t, tt.expectedType, appErr.Type, appErr.Error())
			assert.Equal(t, tt.recoverable, appErr.IsRecoverable())
			assert.Contains(t, appErr.Context, "sqlite_error_code")
		})
	}
}

func TestErrorClassifier_ClassifySQLError(t *testing.T) {
	classifier := NewErrorClassifier()

	tests := []struct {
		name         string
		err          error
		expectedType ErrorType
		recoverable  bool
	}{
		{"no rows", sql.ErrNoRows, ErrorTypeValidation, false},
		{"tx done", sql.ErrTxDone, ErrorTypeSQL, false},
		{"conn done", sql.ErrConnDone, ErrorTypeConnection, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := classifier.ClassifyError(tt.err)
			if appErr.Type != tt.expectedType {
				t.Errorf("Expected type %v, got %v", tt.expectedType, appErr.Type)
			}
			if appErr.IsRecoverable() != tt.recoverable {
				t.Errorf("Expected recoverable %v, got %v", tt.recoverable, appErr.IsRecoverable())
			}
		})
	}
}

func TestErrorClassifier_ClassifyDomainErrors(t *testing.T) {
	classifier := NewErrorClassifier()
	restoreErr := errors.New("restore failed")

	tests := []struct {
		name         string
		err          error
		expectedType ErrorType
		recoverable  bool
	}{
		{"pool timeout", &pool.ConnectionTimeoutError{Waited: time.Second, MaxConnections: 2}, ErrorTypeTimeout, true},
		{"pool unhealthy", &pool.ConnectionUnhealthyError{ConnectionID: "c1", Cause: errors.New("probe")}, ErrorTypeConnection, true},
		{"pool closed", pool.ErrPoolClosed, ErrorTypeConnection, false},
		{"backup busy", &backup.BusyError{Operation: "create backup", InFlight: "create backup"}, ErrorTypeBusy, true},
		{"checksum mismatch", &backup.ChecksumMismatchError{BackupID: "b1", Algorithm: backup.ChecksumSHA256}, ErrorTypeIntegrity, false},
		{"backup not found", fmt.Errorf("restore: %w", backup.ErrBackupNotFound), ErrorTypeValidation, false},
		{"unsupported kind", backup.ErrUnsupportedKind, ErrorTypeValidation, false},
		{"storage error", backup.NewStorageError("put record", errors.New("disk")), ErrorTypeStorage, true},
		{"corruption error", backup.NewCorruptionError("decode", nil), ErrorTypeIntegrity, false},
		{"configuration error", backup.NewConfigurationError("bad", nil), ErrorTypeValidation, false},
		{"blob not found", blobstore.ErrNotFound, ErrorTypeStorage, false},
		{"migration running", &migration.MigrationAlreadyRunningError{RunID: "r1"}, ErrorTypeBusy, true},
		{"migration step", &migration.MigrationStepError{Step: "accounts", Cause: errors.New("boom")}, ErrorTypeMigration, false},
		{"validation failed", &migration.ValidationFailedError{Score: 65}, ErrorTypeMigration, false},
		{"rollback failed", &migration.RollbackFailedError{OriginalError: errors.New("boom"), RollbackError: restoreErr}, ErrorTypeMigration, false},
		{"unresolved", &migration.UnresolvedRunError{RunID: "r1"}, ErrorTypeMigration, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := classifier.ClassifyError(tt.err)
			assert.Equal(t, tt.expectedType, appErr.Type, appErr.Error())
			assert.Equal(t, tt.recoverable, appErr.IsRecoverable())
			assert.ErrorIs(t, appErr, tt.err)
		})
	}
}

func TestRollbackFailureHasOperatorMessage(t *testing.T) {
	err := fmt.Errorf("startup: %w", &migration.RollbackFailedError{
		OriginalError: errors.New("validation failed"),
		RollbackError: errors.New("restore failed"),
	})

	msg := FormatUserError(NewErrorClassifier().ClassifyError(err))
	assert.Contains(t, msg, "rollback also failed")
	assert.Contains(t, msg, "migrate resolve")
}

func TestErrorClassifier_ClassifyContextError(t *testing.T) {
	classifier := NewErrorClassifier()

	tests := []struct {
		name         string
		err          error
		expectedType ErrorType
		recoverable  bool
	}{
		{"deadline exceeded", context.DeadlineExceeded, ErrorTypeTimeout, true},
		{"canceled", context.Canceled, ErrorTypeInterruption, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := classifier.ClassifyError(tt.err)
			if appErr.Type != tt.expectedType {
				t.Errorf("Expected type %v, got %v", tt.expectedType, appErr.Type)
			}
			if appErr.IsRecoverable() != tt.recoverable {
				t.Errorf("Expected recoverable %v, got %v", tt.recoverable, appErr.IsRecoverable())
			}
		})
	}
}

func TestErrorClassifier_ClassifyFileSystemError(t *testing.T) {
	classifier := NewErrorClassifier()

	tests := []struct {
		name         string
		err          error
		expectedType ErrorType
	}{
		{"not found", &os.PathError{Op: "open", Path: "/missing", Err: syscall.ENOENT}, ErrorTypeValidation},
		{"permission denied", &os.PathError{Op: "open", Path: "/root", Err: syscall.EACCES}, ErrorTypePermission},
		{"no space", &os.PathError{Op: "write", Path: "/data", Err: syscall.ENOSPC}, ErrorTypeStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := classifier.ClassifyError(tt.err)
			if appErr.Type != tt.expectedType {
				t.Errorf("Expected type %v, got %v", tt.expectedType, appErr.Type)
			}
		})
	}
}

func TestErrorClassifier_Unknown(t *testing.T) {
	classifier := NewErrorClassifier()

	if classifier.ClassifyError(nil) != nil {
		t.Error("Expected nil for nil error")
	}

	appErr := classifier.ClassifyError(errors.New("something odd"))
	if appErr.Type != ErrorTypeUnknown {
		t.Errorf("Expected unknown, got %v", appErr.Type)
	}

	existing := NewAppError(ErrorType("custom"), "kept", nil)
	if got := classifier.ClassifyError(fmt.Errorf("wrap: %w", existing)); got != existing {
		t.Errorf("Expected existing AppError to be returned as-is, got %v", got)
	}
}

func TestRetryHandler_Retry(t *testing.T) {
	config := RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		Multiplier:  2.0,
	}
	handler := NewRetryHandler(config)

	t.Run("success on first attempt", func(t *testing.T) {
		attempts := 0
		err := handler.Retry(context.Background(), func() error {
			attempts++
			return nil
		})
		if err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
		if attempts != 1 {
			t.Errorf("Expected 1 attempt, got %d", attempts)
		}
	})

	t.Run("busy backup is retried", func(t *testing.T) {
		attempts := 0
		err := handler.Retry(context.Background(), func() error {
			attempts++
			if attempts < 3 {
				return &backup.BusyError{Operation: "create backup"}
			}
			return nil
		})
		if err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
		if attempts != 3 {
			t.Errorf("Expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("checksum mismatch is not retried", func(t *testing.T) {
		attempts := 0
		err := handler.Retry(context.Background(), func() error {
			attempts++
			return &backup.ChecksumMismatchError{BackupID: "b1"}
		})
		if attempts != 1 {
			t.Errorf("Expected 1 attempt, got %d", attempts)
		}
		if GetErrorType(err) != ErrorTypeIntegrity {
			t.Errorf("Expected integrity error, got %v", err)
		}
	})

	t.Run("max attempts exceeded", func(t *testing.T) {
		attempts := 0
		err := handler.Retry(context.Background(), func() error {
			attempts++
			return &pool.ConnectionTimeoutError{Waited: time.Millisecond, MaxConnections: 1}
		})
		if err == nil {
			t.Error("Expected error, got nil")
		}
		if attempts != config.MaxAttempts {
			t.Errorf("Expected %d attempts, got %d", config.MaxAttempts, attempts)
		}
		var appErr *AppError
		if errors.As(err, &appErr) && appErr.Context["attempts"] != config.MaxAttempts {
			t.Errorf("Expected attempts in context, got %v", appErr.Context)
		}
	})

	t.Run("context canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := handler.Retry(ctx, func() error {
			return NewRecoverableError(ErrorTypeConnection, "temporary failure", nil)
		})
		if GetErrorType(err) != ErrorTypeInterruption {
			t.Errorf("Expected interruption error, got %v", err)
		}
	})
}

func TestRetryHandler_CalculateDelay(t *testing.T) {
	handler := NewRetryHandler(RetryConfig{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			if got := handler.calculateDelay(tt.attempt); got != tt.want {
				t.Errorf("Attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
			}
		})
	}
}

func TestGracefulShutdownHandler(t *testing.T) {
	handler := NewGracefulShutdownHandler()

	var order []int
	handler.RegisterShutdownFunc(func() error { order = append(order, 1); return nil })
	handler.RegisterShutdownFunc(func() error { order = append(order, 2); return errors.New("ignored") })

	handler.shutdown()
	handler.WaitForShutdown()

	assert.Equal(t, []int{2, 1}, order)
}

func TestHelpers(t *testing.T) {
	recoverable := NewRecoverableError(ErrorTypeBusy, "busy", nil)
	plain := NewAppError(ErrorTypeValidation, "invalid", nil).WithUserMessage("Please fix the config")

	assert.True(t, IsRecoverableError(fmt.Errorf("wrap: %w", recoverable)))
	assert.False(t, IsRecoverableError(plain))
	assert.False(t, IsRecoverableError(errors.New("plain")))

	assert.Equal(t, ErrorTypeBusy, GetErrorType(recoverable))
	assert.Equal(t, ErrorTypeUnknown, GetErrorType(errors.New("plain")))

	assert.Equal(t, "", FormatUserError(nil))
	assert.Equal(t, "Please fix the config", FormatUserError(plain))
	assert.Equal(t, "busy", FormatUserError(recoverable))
	assert.Contains(t, FormatUserError(errors.New("plain")), "unexpected error")

	assert.Nil(t, WrapError(nil, "x"))
	wrapped := WrapError(context.DeadlineExceeded, "acquire took too long")
	assert.Equal(t, ErrorTypeTimeout, GetErrorType(wrapped))
	assert.Contains(t, wrapped.Error(), "acquire took too long")
	assert.Equal(t, ErrorTypeValidation, GetErrorType(WrapError(plain, "outer")))
}
