package migration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storekeeper/internal/engine"
)

// newHandle opens a fresh store and returns a dedicated handle on it.
func newHandle(t *testing.T) *engine.Handle {
	t.Helper()
	ctx := context.Background()
	eng, err := engine.Open(ctx, engine.Config{Path: filepath.Join(t.TempDir(), "store.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	h, err := eng.Dial(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestEmbeddedPlanIsValid(t *testing.T) {
	list := Migrations()
	require.Len(t, list, TargetVersion)
	require.NoError(t, ValidatePlan(list))

	for _, m := range list {
		stmts, err := m.Statements()
		require.NoError(t, err)
		assert.NotEmpty(t, stmts, "migration %d", m.Version)
		assert.NotEmpty(t, m.Tables, "migration %d", m.Version)
	}
}

func TestMigrationsReturnsACopy(t *testing.T) {
	list := Migrations()
	list[0].Version = 42
	assert.Equal(t, 1, Migrations()[0].Version)
}

func TestValidatePlanRejectsBrokenLists(t *testing.T) {
	tests := []struct {
		name    string
		list    func() []Migration
		wantErr string
	}{
		{
			name:    "empty",
			list:    func() []Migration { return nil },
			wantErr: "no migrations defined",
		},
		{
			name: "gap",
			list: func() []Migration {
				l := Migrations()
				l[1].Version = 5
				return l
			},
			wantErr: "out of order",
		},
		{
			name: "missing file",
			list: func() []Migration {
				l := Migrations()
				l[2].File = "0099_missing.sql"
				return l
			},
			wantErr: "read migration 3",
		},
		{
			name:    "short of target",
			list:    func() []Migration { return Migrations()[:2] },
			wantErr: "target is 3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlan(tt.list())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{
			name:   "single",
			script: "CREATE TABLE a (id INTEGER);",
			want:   []string{"CREATE TABLE a (id INTEGER);"},
		},
		{
			name:   "multi line with comments",
			script: "-- header\nCREATE TABLE a (\n    id INTEGER\n);\n\n-- next\nCREATE INDEX i ON a(id);\n",
			want:   []string{"CREATE TABLE a (\n    id INTEGER\n);", "CREATE INDEX i ON a(id);"},
		},
		{
			name:   "trailing statement without semicolon",
			script: "CREATE TABLE a (id INTEGER);\nCREATE TABLE b (id INTEGER)",
			want:   []string{"CREATE TABLE a (id INTEGER);", "CREATE TABLE b (id INTEGER)"},
		},
		{
			name:   "only comments",
			script: "-- nothing\n\n",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitStatements(tt.script))
		})
	}
}

func TestExpectedTables(t *testing.T) {
	assert.Empty(t, ExpectedTables(0))
	assert.Equal(t, []string{"_metadata", "legacy_documents", "accounts", "cards"}, ExpectedTables(2))
	assert.Len(t, ExpectedTables(TargetVersion), 6)
}
