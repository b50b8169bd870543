package pool

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"storekeeper/internal/engine"
)

// Connection is a pooled engine handle. The pool is the only writer of
// its availability and health; a caller holding it may only issue queries
// and hand it back through Release.
type Connection struct {
	id        string
	handle    *engine.Handle
	createdAt time.Time

	// guarded by Pool.mu
	available  bool
	healthy    bool
	lastUsedAt time.Time

	queries atomic.Int64
	errors  atomic.Int64
}

// ConnectionInfo is a point-in-time copy of a connection's bookkeeping.
type ConnectionInfo struct {
	ID         string    `json:"id" yaml:"id"`
	Available  bool      `json:"available" yaml:"available"`
	Healthy    bool      `json:"healthy" yaml:"healthy"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	LastUsedAt time.Time `json:"last_used_at" yaml:"last_used_at"`
	Queries    int64     `json:"queries" yaml:"queries"`
	Errors     int64     `json:"errors" yaml:"errors"`
}

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

// Handle exposes the underlying engine handle for export and import.
func (c *Connection) Handle() *engine.Handle { return c.handle }

// Queries is the number of statements issued through this connection.
func (c *Connection) Queries() int64 { return c.queries.Load() }

// Errors is the number of statements that failed.
func (c *Connection) Errors() int64 { return c.errors.Load() }

func (c *Connection) count(err error) {
	c.queries.Add(1)
	if err != nil {
		c.errors.Add(1)
	}
}

func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.handle.ExecContext(ctx, query, args...)
	c.count(err)
	return res, err
}

func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.handle.QueryContext(ctx, query, args...)
	c.count(err)
	return rows, err
}

// QueryRowContext counts the query; row errors surface on Scan and are not counted.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	row := c.handle.QueryRowContext(ctx, query, args...)
	c.count(row.Err())
	return row
}

func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := c.handle.BeginTx(ctx, opts)
	c.count(err)
	return tx, err
}
