package pool

import (
	"errors"
	"fmt"
	"time"
)

// ErrPoolClosed is returned by Acquire after Close, and to waiters queued at Close time.
var ErrPoolClosed = errors.New("connection pool is closed")

// ConnectionTimeoutError is returned when Acquire waited AcquireTimeout
// without a connection becoming available.
type ConnectionTimeoutError struct {
	Waited         time.Duration
	MaxConnections int
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for a connection (max %d in use)", e.Waited, e.MaxConnections)
}

// Timeout reports true so callers can treat it like a net timeout.
func (e *ConnectionTimeoutError) Timeout() bool { return true }

// ConnectionUnhealthyError is returned when a freshly dialed connection
// could not be opened or failed its first probe.
type ConnectionUnhealthyError struct {
	ConnectionID string
	Cause        error
}

func (e *ConnectionUnhealthyError) Error() string {
	if e.ConnectionID == "" {
		return fmt.Sprintf("could not open connection: %v", e.Cause)
	}
	return fmt.Sprintf("connection %s is unhealthy: %v", e.ConnectionID, e.Cause)
}

func (e *ConnectionUnhealthyError) Unwrap() error { return e.Cause }
