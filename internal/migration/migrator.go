package migration

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"storekeeper/internal/engine"
)

// DefaultSampleSize is how many destination rows a migrator inspects for completeness.
const DefaultSampleSize = 100

// Result is what one migrator reports back to the orchestrator and validator.
type Result struct {
	Entity    string   `json:"entity" yaml:"entity"`
	Processed int      `json:"processed" yaml:"processed"`
	Migrated  int      `json:"migrated" yaml:"migrated"`
	Skipped   int      `json:"skipped" yaml:"skipped"`
	Errors    []string `json:"errors,omitempty" yaml:"errors,omitempty"`

	// ExpectedCount is how many items should be present at the destination;
	// DestinationCount is how many actually are.
	ExpectedCount    int `json:"expected_count" yaml:"expected_count"`
	DestinationCount int `json:"destination_count" yaml:"destination_count"`

	// Sampled destination rows, and how many of them had every required field.
	Sampled  int `json:"sampled" yaml:"sampled"`
	Complete int `json:"complete" yaml:"complete"`
}

// Migrator moves one entity. The orchestrator treats a returned error as a
// failed step; per-item problems belong in Result.Errors.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context, q engine.Querier) (Result, error)
}

type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// SchemaMigrator applies the embedded migrations above the recorded version.
// It never writes the version itself; the orchestrator does that on finalize.
type SchemaMigrator struct {
	versions   VersionStore
	migrations []Migration
}

// NewSchemaMigrator applies list (normally Migrations()) using versions to find the starting point.
func NewSchemaMigrator(versions VersionStore, list []Migration) *SchemaMigrator {
	if versions == nil {
		versions = NewMetadataVersionStore()
	}
	return &SchemaMigrator{versions: versions, migrations: list}
}

func (m *SchemaMigrator) Name() string { return "schema" }

func (m *SchemaMigrator) Migrate(ctx context.Context, q engine.Querier) (Result, error) {
	res := Result{Entity: m.Name()}

	current, err := m.versions.Get(ctx, q)
	if err != nil {
		return res, err
	}

	target := current.Current
	for _, mig := range m.migrations {
		if mig.Version <= current.Current {
			continue
		}
		res.Processed++
		stmts, err := mig.Statements()
		if err != nil {
			return res, err
		}
		if err := applyStatements(ctx, q, stmts); err != nil {
			return res, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Description, err)
		}
		res.Migrated++
		target = mig.Version
	}

	var expected []string
	for _, mig := range m.migrations {
		if mig.Version <= target {
			expected = append(expected, mig.Tables...)
		}
	}
	res.ExpectedCount = len(expected)
	for _, table := range expected {
		ok, err := tableExists(ctx, q, table)
		if err != nil {
			return res, err
		}
		if ok {
			res.DestinationCount++
		}
	}
	return res, nil
}

// applyStatements runs one migration's statements in a transaction when the
// querier can open one.
func applyStatements(ctx context.Context, q engine.Querier, stmts []string) error {
	b, ok := q.(txBeginner)
	if !ok {
		for _, stmt := range stmts {
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}

	tx, err := b.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// DocumentMapping describes how a legacy JSON collection maps onto a table.
// Field names double as column names.
type DocumentMapping struct {
	Collection string
	Table      string
	// KeyField identifies a document at the destination. It must be required.
	KeyField string
	Required []string
	Optional []string
}

// AccountsMapping moves legacy account documents into the accounts table.
var AccountsMapping = DocumentMapping{
	Collection: "accounts",
	Table:      "accounts",
	KeyField:   "email",
	Required:   []string{"email", "password"},
	Optional:   []string{"cookies", "status", "last_used"},
}

// CardsMapping moves legacy card documents into the cards table.
var CardsMapping = DocumentMapping{
	Collection: "cards",
	Table:      "cards",
	KeyField:   "card_number",
	Required:   []string{"card_number", "card_holder", "expiry", "cvv"},
	Optional:   []string{"status", "last_used"},
}

// Validate checks the mapping is usable.
func (m DocumentMapping) Validate() error {
	if strings.TrimSpace(m.Collection) == "" {
		return errors.New("document mapping: collection is required")
	}
	if strings.TrimSpace(m.Table) == "" {
		return errors.New("document mapping: table is required")
	}
	for _, f := range m.Required {
		if f == m.KeyField {
			return nil
		}
	}
	return fmt.Errorf("document mapping %s: key field %q must be one of the required fields", m.Collection, m.KeyField)
}

func (m DocumentMapping) columns() []string {
	cols := make([]string, 0, len(m.Required)+len(m.Optional))
	cols = append(cols, m.Required...)
	return append(cols, m.Optional...)
}

// DocumentMigrator copies one collection out of legacy_documents.
type DocumentMigrator struct {
	mapping    DocumentMapping
	sampleSize int
}

// NewDocumentMigrator validates the mapping. A sampleSize of zero or less uses DefaultSampleSize.
func NewDocumentMigrator(mapping DocumentMapping, sampleSize int) (*DocumentMigrator, error) {
	if err := mapping.Validate(); err != nil {
		return nil, err
	}
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	return &DocumentMigrator{mapping: mapping, sampleSize: sampleSize}, nil
}

func (m *DocumentMigrator) Name() string { return m.mapping.Table }

type legacyDocument struct {
	key  string
	body string
}

func (m *DocumentMigrator) Migrate(ctx context.Context, q engine.Querier) (Result, error) {
	res := Result{Entity: m.Name()}

	hasLegacy, err := tableExists(ctx, q, "legacy_documents")
	if err != nil {
		return res, err
	}
	if !hasLegacy {
		return res, nil
	}
	hasDest, err := tableExists(ctx, q, m.mapping.Table)
	if err != nil {
		return res, err
	}
	if !hasDest {
		return res, fmt.Errorf("destination table %s does not exist", m.mapping.Table)
	}

	docs, err := m.loadDocuments(ctx, q)
	if err != nil {
		return res, err
	}

	expected := m.sourceKeys(docs)
	for _, doc := range docs {
		res.Processed++

		fields, err := decodeDocument(doc.body)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s: invalid document: %v", m.mapping.Collection, doc.key, err))
			continue
		}
		if missing := m.missingFields(fields); len(missing) > 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s: missing required field(s) %s",
				m.mapping.Collection, doc.key, strings.Join(missing, ", ")))
			continue
		}

		key, err := columnValue(fields[m.mapping.KeyField])
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", m.mapping.Collection, doc.key, err))
			continue
		}
		exists, err := m.keyExists(ctx, q, key)
		if err != nil {
			return res, err
		}
		if exists {
			res.Skipped++
			continue
		}

		if err := m.insert(ctx, q, fields); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s: insert failed: %v", m.mapping.Collection, doc.key, err))
			continue
		}
		res.Migrated++
	}

	res.ExpectedCount = len(expected)
	for _, key := range expected {
		ok, err := m.keyExists(ctx, q, key)
		if err != nil {
			return res, err
		}
		if ok {
			res.DestinationCount++
		}
	}

	if err := m.sample(ctx, q, &res); err != nil {
		return res, err
	}
	return res, nil
}

// sourceKeys returns the distinct keys of the well-formed source documents,
// which is what the destination must hold once the copy is complete.
func (m *DocumentMigrator) sourceKeys(docs []legacyDocument) map[string]any {
	keys := make(map[string]any, len(docs))
	for _, doc := range docs {
		fields, err := decodeDocument(doc.body)
		if err != nil || len(m.missingFields(fields)) > 0 {
			continue
		}
		key, err := columnValue(fields[m.mapping.KeyField])
		if err != nil {
			continue
		}
		keys[fmt.Sprint(key)] = key
	}
	return keys
}

func (m *DocumentMigrator) loadDocuments(ctx context.Context, q engine.Querier) ([]legacyDocument, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT doc_key, body FROM legacy_documents WHERE collection = ? ORDER BY doc_key`,
		m.mapping.Collection)
	if err != nil {
		return nil, fmt.Errorf("read legacy %s: %w", m.mapping.Collection, err)
	}
	defer rows.Close()

	var docs []legacyDocument
	for rows.Next() {
		var d legacyDocument
		if err := rows.Scan(&d.key, &d.body); err != nil {
			return nil, fmt.Errorf("scan legacy %s: %w", m.mapping.Collection, err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read legacy %s: %w", m.mapping.Collection, err)
	}
	return docs, nil
}

func (m *DocumentMigrator) missingFields(fields map[string]any) []string {
	var missing []string
	for _, f := range m.mapping.Required {
		if isBlank(fields[f]) {
			missing = append(missing, f)
		}
	}
	return missing
}

func (m *DocumentMigrator) keyExists(ctx context.Context, q engine.Querier, key any) (bool, error) {
	var n int
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = ? LIMIT 1`, ident(m.mapping.Table), ident(m.mapping.KeyField))
	err := q.QueryRowContext(ctx, query, key).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up %s %v: %w", m.mapping.Table, key, err)
	}
	return true, nil
}

func (m *DocumentMigrator) insert(ctx context.Context, q engine.Querier, fields map[string]any) error {
	var (
		cols         []string
		placeholders []string
		args         []any
	)
	for _, col := range m.mapping.columns() {
		raw, ok := fields[col]
		if !ok || raw == nil {
			continue
		}
		v, err := columnValue(raw)
		if err != nil {
			return fmt.Errorf("field %s: %w", col, err)
		}
		cols = append(cols, ident(col))
		placeholders = append(placeholders, "?")
		args = append(args, v)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		ident(m.mapping.Table), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := q.ExecContext(ctx, query, args...)
	return err
}

// sample checks the most recent destination rows for required fields.
func (m *DocumentMigrator) sample(ctx context.Context, q engine.Querier, res *Result) error {
	cols := make([]string, len(m.mapping.Required))
	for i, c := range m.mapping.Required {
		cols[i] = ident(c)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY rowid DESC LIMIT ?`,
		strings.Join(cols, ", "), ident(m.mapping.Table))
	rows, err := q.QueryContext(ctx, query, m.sampleSize)
	if err != nil {
		return fmt.Errorf("sample %s: %w", m.mapping.Table, err)
	}
	defer rows.Close()

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("sample %s: %w", m.mapping.Table, err)
		}
		res.Sampled++
		complete := true
		for _, v := range values {
			if isBlank(v) {
				complete = false
				break
			}
		}
		if complete {
			res.Complete++
		}
	}
	return rows.Err()
}

func decodeDocument(body string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("document is null")
	}
	return fields, nil
}

// columnValue converts a decoded JSON value into a driver argument. Objects
// and arrays are stored as JSON text.
func columnValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return t, nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.String())
		}
		return f, nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	case map[string]any, []any:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		return strings.TrimSuffix(buf.String(), "\n"), nil
	default:
		return nil, fmt.Errorf("unsupported value of type %T", v)
	}
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []byte:
		return len(bytes.TrimSpace(t)) == 0
	default:
		return false
	}
}

func ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
