// Package engine opens the embedded SQLite store and hands out dedicated
// connection handles. It also implements the logical snapshot format used by
// backups: Export reads the whole store at one point in time and Import
// replaces the store contents atomically.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// DefaultBusyTimeout is how long a handle waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// Config describes where the store lives.
type Config struct {
	Path        string        `mapstructure:"path" yaml:"path"`
	Name        string        `mapstructure:"name" yaml:"name"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

// Querier is the query surface shared by handles, pooled connections and transactions.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Engine owns the *sql.DB for one store file.
type Engine struct {
	db          *sql.DB
	name        string
	path        string
	busyTimeout time.Duration
}

// Open opens (creating if needed) the store at cfg.Path and switches it to WAL mode.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	path := filepath.Clean(cfg.Path)

	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %s: %w", path, err)
	}
	// The pool owns connection lifetime; database/sql keeps no idle ones.
	db.SetMaxIdleConns(0)

	e := NewFromDB(db, cfg)
	e.path = path

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite store %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL on %s: %w", path, err)
	}
	return e, nil
}

// NewFromDB wraps an already opened database as is.
func NewFromDB(db *sql.DB, cfg Config) *Engine {
	name := cfg.Name
	if name == "" && cfg.Path != "" {
		base := filepath.Base(cfg.Path)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if name == "" {
		name = "store"
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}
	return &Engine{db: db, name: name, path: cfg.Path, busyTimeout: busy}
}

// Name is the human readable store name recorded in backups.
func (e *Engine) Name() string { return e.name }

// Path is the store file location.
func (e *Engine) Path() string { return e.path }

// Dial opens a dedicated connection with per-connection pragmas applied.
func (e *Engine) Dial(ctx context.Context) (*Handle, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", e.name, err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", e.busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("dial %s: %s: %w", e.name, p, err)
		}
	}
	return &Handle{conn: conn}, nil
}

// Close closes the underlying database. Outstanding handles fail afterwards.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Handle is one dedicated connection to the store.
type Handle struct {
	conn *sql.Conn
}

func (h *Handle) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return h.conn.ExecContext(ctx, query, args...)
}

func (h *Handle) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return h.conn.QueryContext(ctx, query, args...)
}

func (h *Handle) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return h.conn.QueryRowContext(ctx, query, args...)
}

func (h *Handle) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return h.conn.BeginTx(ctx, opts)
}

// PingContext is the lightweight health probe: a driver ping plus a trivial query.
func (h *Handle) PingContext(ctx context.Context) error {
	if err := h.conn.PingContext(ctx); err != nil {
		return err
	}
	var one int
	return h.conn.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// Close returns the connection to database/sql, which closes it.
func (h *Handle) Close() error {
	return h.conn.Close()
}
