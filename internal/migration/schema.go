// Package migration moves a store from its recorded schema version to the
// version this build targets. A run snapshots the store, applies schema and
// data migrators, scores the result and either records the new version or
// restores the snapshot.
package migration

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// TargetVersion is the schema version this build migrates to.
const TargetVersion = 3

// Migration is one embedded schema step.
type Migration struct {
	Version     int
	Description string
	File        string
	// Tables the step creates; used to count what should exist after a run.
	Tables []string
}

var migrations = [...]Migration{
	{Version: 1, Description: "metadata and legacy documents", File: "0001_metadata.sql", Tables: []string{"_metadata", "legacy_documents"}},
	{Version: 2, Description: "accounts and cards", File: "0002_accounts_cards.sql", Tables: []string{"accounts", "cards"}},
	{Version: 3, Description: "pro trials and batch operations", File: "0003_trials_batches.sql", Tables: []string{"pro_trials", "batch_operations"}},
}

// Fails to compile when the migration list and TargetVersion disagree.
var _ = [1]struct{}{}[len(migrations)-TargetVersion]

// Migrations returns the embedded migrations in version order.
func Migrations() []Migration {
	out := make([]Migration, len(migrations))
	copy(out, migrations[:])
	return out
}

// SQL reads the migration's script.
func (m Migration) SQL() (string, error) {
	b, err := migrationFiles.ReadFile("migrations/" + m.File)
	if err != nil {
		return "", fmt.Errorf("read migration %d: %w", m.Version, err)
	}
	return string(b), nil
}

// Statements splits the script into individual statements.
func (m Migration) Statements() ([]string, error) {
	script, err := m.SQL()
	if err != nil {
		return nil, err
	}
	return splitStatements(script), nil
}

// ValidatePlan checks that versions run 1..TargetVersion without gaps and
// that every script has at least one statement.
func ValidatePlan(list []Migration) error {
	if len(list) == 0 {
		return fmt.Errorf("no migrations defined")
	}
	for i, m := range list {
		if m.Version != i+1 {
			return fmt.Errorf("migration %d out of order: expected version %d", m.Version, i+1)
		}
		stmts, err := m.Statements()
		if err != nil {
			return err
		}
		if len(stmts) == 0 {
			return fmt.Errorf("migration %d (%s) has no statements", m.Version, m.File)
		}
	}
	if last := list[len(list)-1].Version; last != TargetVersion {
		return fmt.Errorf("last migration is version %d, target is %d", last, TargetVersion)
	}
	return nil
}

// ExpectedTables lists the tables that exist once version has been applied.
func ExpectedTables(version int) []string {
	var tables []string
	for _, m := range migrations {
		if m.Version > version {
			break
		}
		tables = append(tables, m.Tables...)
	}
	return tables
}

// splitStatements breaks a script on semicolons that end a line. Comment
// lines are dropped. The embedded scripts contain no triggers, so this is
// enough.
func splitStatements(script string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			if s := strings.TrimSpace(cur.String()); s != ";" {
				stmts = append(stmts, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}
