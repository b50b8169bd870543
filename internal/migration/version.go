package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"storekeeper/internal/engine"
)

const (
	metadataTable = "_metadata"

	keySchemaVersion     = "schema_version"
	keySchemaDescription = "schema_description"
	keySchemaAppliedAt   = "schema_applied_at"
)

// SchemaVersion is the durable record of which migrations have been applied.
type SchemaVersion struct {
	Current     int       `json:"current" yaml:"current"`
	Description string    `json:"description" yaml:"description"`
	AppliedAt   time.Time `json:"applied_at" yaml:"applied_at"`
}

// VersionStore reads and writes the SchemaVersion record.
type VersionStore interface {
	Get(ctx context.Context, q engine.Querier) (SchemaVersion, error)
	Set(ctx context.Context, q engine.Querier, v SchemaVersion) error
}

// MetadataVersionStore keeps the version as rows of the _metadata table.
type MetadataVersionStore struct{}

// NewMetadataVersionStore returns the default VersionStore.
func NewMetadataVersionStore() *MetadataVersionStore {
	return &MetadataVersionStore{}
}

// Get returns version 0 for a store that has no _metadata table yet.
func (s *MetadataVersionStore) Get(ctx context.Context, q engine.Querier) (SchemaVersion, error) {
	exists, err := tableExists(ctx, q, metadataTable)
	if err != nil {
		return SchemaVersion{}, err
	}
	if !exists {
		return SchemaVersion{}, nil
	}

	rows, err := q.QueryContext(ctx,
		`SELECT key, value FROM _metadata WHERE key IN (?, ?, ?)`,
		keySchemaVersion, keySchemaDescription, keySchemaAppliedAt)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("read schema version: %w", err)
	}
	defer rows.Close()

	var v SchemaVersion
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return SchemaVersion{}, fmt.Errorf("scan schema version: %w", err)
		}
		switch key {
		case keySchemaVersion:
			n, err := strconv.Atoi(value)
			if err != nil {
				return SchemaVersion{}, fmt.Errorf("invalid schema version %q: %w", value, err)
			}
			v.Current = n
		case keySchemaDescription:
			v.Description = value
		case keySchemaAppliedAt:
			if value == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				return SchemaVersion{}, fmt.Errorf("invalid schema applied_at %q: %w", value, err)
			}
			v.AppliedAt = t
		}
	}
	if err := rows.Err(); err != nil {
		return SchemaVersion{}, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Set upserts all three keys in one statement.
func (s *MetadataVersionStore) Set(ctx context.Context, q engine.Querier, v SchemaVersion) error {
	if v.Current < 0 {
		return fmt.Errorf("schema version cannot be negative: %d", v.Current)
	}
	if _, err := q.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS _metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`); err != nil {
		return fmt.Errorf("ensure metadata table: %w", err)
	}

	appliedAt := ""
	if !v.AppliedAt.IsZero() {
		appliedAt = v.AppliedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := q.ExecContext(ctx, `INSERT INTO _metadata (key, value, updated_at) VALUES
    (?, ?, CURRENT_TIMESTAMP),
    (?, ?, CURRENT_TIMESTAMP),
    (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		keySchemaVersion, strconv.Itoa(v.Current),
		keySchemaDescription, v.Description,
		keySchemaAppliedAt, appliedAt)
	if err != nil {
		return fmt.Errorf("write schema version %d: %w", v.Current, err)
	}
	return nil
}

func tableExists(ctx context.Context, q engine.Querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up table %s: %w", name, err)
	}
	return true, nil
}
