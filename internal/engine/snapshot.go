package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SnapshotFormatVersion is written into every snapshot and checked on decode.
const SnapshotFormatVersion = 1

// ErrUnsupportedSnapshot is returned when a payload has an unknown format version.
var ErrUnsupportedSnapshot = errors.New("unsupported snapshot format")

// Kind is a SQLite storage class as reported by typeof().
type Kind string

const (
	KindNull    Kind = "null"
	KindInteger Kind = "integer"
	KindReal    Kind = "real"
	KindText    Kind = "text"
	KindBlob    Kind = "blob"
)

// Value is one cell with its storage class preserved. Text and blob
// contents are carried as raw bytes so invalid UTF-8 survives a round trip.
type Value struct {
	Kind  Kind   `json:"k"`
	Int   int64  `json:"i,omitempty"`
	Real  string `json:"r,omitempty"`
	Bytes []byte `json:"b,omitempty"`
}

// SchemaObject is one row of sqlite_master with a CREATE statement.
type SchemaObject struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Table string `json:"table"`
	SQL   string `json:"sql"`
}

// TableData holds every row of one table, ordered by all columns.
type TableData struct {
	Name    string    `json:"name"`
	Columns []string  `json:"columns"`
	Rows    [][]Value `json:"rows"`
}

// Sequence is one AUTOINCREMENT counter from sqlite_sequence.
type Sequence struct {
	Name string `json:"name"`
	Seq  int64  `json:"seq"`
}

// Snapshot is a logical, point-in-time copy of the whole store.
type Snapshot struct {
	FormatVersion int            `json:"format_version"`
	Objects       []SchemaObject `json:"objects"`
	Tables        []TableData    `json:"tables"`
	Sequences     []Sequence     `json:"sequences,omitempty"`
}

// RowCount is the total number of rows across all tables.
func (s *Snapshot) RowCount() int {
	n := 0
	for _, t := range s.Tables {
		n += len(t.Rows)
	}
	return n
}

// Encode serializes the snapshot. Equal snapshots encode to equal bytes.
func (s *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses bytes produced by Encode.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.FormatVersion != SnapshotFormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedSnapshot, s.FormatVersion)
	}
	return &s, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Export reads the entire store inside a single transaction, so concurrent
// writers on other connections are never interleaved into the result.
func (h *Handle) Export(ctx context.Context) (*Snapshot, error) {
	tx, err := h.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("export: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	snap := &Snapshot{FormatVersion: SnapshotFormatVersion}

	snap.Objects, err = readSchema(ctx, tx)
	if err != nil {
		return nil, err
	}

	for _, obj := range snap.Objects {
		if obj.Type != "table" {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(obj.SQL)), "CREATE VIRTUAL") {
			return nil, fmt.Errorf("export: virtual table %s is not supported", obj.Name)
		}
		data, err := readTable(ctx, tx, obj.Name)
		if err != nil {
			return nil, err
		}
		snap.Tables = append(snap.Tables, *data)
	}

	snap.Sequences, err = readSequences(ctx, tx)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func readSchema(ctx context.Context, tx *sql.Tx) ([]SchemaObject, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT type, name, tbl_name, sql FROM sqlite_master
		WHERE sql IS NOT NULL AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		ORDER BY type, name`)
	if err != nil {
		return nil, fmt.Errorf("export: read schema: %w", err)
	}
	defer rows.Close()

	var objects []SchemaObject
	for rows.Next() {
		var o SchemaObject
		if err := rows.Scan(&o.Type, &o.Name, &o.Table, &o.SQL); err != nil {
			return nil, fmt.Errorf("export: scan schema: %w", err)
		}
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("export: read schema: %w", err)
	}
	return objects, nil
}

func tableColumns(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM pragma_table_info(?) ORDER BY cid", table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("columns of %s: %w", table, err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func readTable(ctx context.Context, tx *sql.Tx, table string) (*TableData, error) {
	cols, err := tableColumns(ctx, tx, table)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	data := &TableData{Name: table, Columns: cols, Rows: [][]Value{}}
	if len(cols) == 0 {
		return data, nil
	}

	// typeof() keeps the storage class and the CASE hides the declared
	// column type from the driver, so DATETIME text is not parsed into time.Time.
	selects := make([]string, 0, 2*len(cols))
	order := make([]string, 0, len(cols))
	for _, c := range cols {
		qc := quoteIdent(c)
		selects = append(selects,
			"typeof("+qc+")",
			"CASE WHEN typeof("+qc+") IN ('text','blob') THEN CAST("+qc+" AS BLOB) ELSE "+qc+" END")
		order = append(order, qc)
	}
	query := "SELECT " + strings.Join(selects, ", ") + " FROM " + quoteIdent(table) +
		" ORDER BY " + strings.Join(order, ", ")

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("export: read %s: %w", table, err)
	}
	defer rows.Close()

	kinds := make([]string, len(cols))
	raws := make([]any, len(cols))
	dest := make([]any, 2*len(cols))
	for i := range cols {
		dest[2*i] = &kinds[i]
		dest[2*i+1] = &raws[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("export: scan %s: %w", table, err)
		}
		row := make([]Value, len(cols))
		for i := range cols {
			v, err := toValue(Kind(kinds[i]), raws[i])
			if err != nil {
				return nil, fmt.Errorf("export: %s.%s: %w", table, cols[i], err)
			}
			row[i] = v
		}
		data.Rows = append(data.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("export: read %s: %w", table, err)
	}
	return data, nil
}

func toValue(kind Kind, raw any) (Value, error) {
	switch kind {
	case KindNull:
		return Value{Kind: KindNull}, nil
	case KindInteger:
		n, ok := raw.(int64)
		if !ok {
			return Value{}, fmt.Errorf("integer cell scanned as %T", raw)
		}
		return Value{Kind: KindInteger, Int: n}, nil
	case KindReal:
		f, ok := raw.(float64)
		if !ok {
			return Value{}, fmt.Errorf("real cell scanned as %T", raw)
		}
		return Value{Kind: KindReal, Real: strconv.FormatFloat(f, 'g', -1, 64)}, nil
	case KindText, KindBlob:
		var b []byte
		switch x := raw.(type) {
		case []byte:
			b = append([]byte{}, x...)
		case string:
			b = []byte(x)
		case nil:
			b = []byte{}
		default:
			return Value{}, fmt.Errorf("%s cell scanned as %T", kind, raw)
		}
		return Value{Kind: kind, Bytes: b}, nil
	default:
		return Value{}, fmt.Errorf("unknown storage class %q", kind)
	}
}

// Arg converts the cell back into a driver argument with the same storage class.
func (v Value) Arg() (any, error) {
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindInteger:
		return v.Int, nil
	case KindReal:
		f, err := strconv.ParseFloat(v.Real, 64)
		if err != nil {
			return nil, fmt.Errorf("parse real %q: %w", v.Real, err)
		}
		return f, nil
	case KindText:
		return string(v.Bytes), nil
	case KindBlob:
		if v.Bytes == nil {
			return []byte{}, nil
		}
		return v.Bytes, nil
	default:
		return nil, fmt.Errorf("unknown storage class %q", v.Kind)
	}
}

func readSequences(ctx context.Context, tx *sql.Tx) ([]Sequence, error) {
	exists, err := hasSequenceTable(ctx, tx)
	if err != nil || !exists {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, "SELECT name, seq FROM sqlite_sequence ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("export: read sqlite_sequence: %w", err)
	}
	defer rows.Close()

	var seqs []Sequence
	for rows.Next() {
		var s Sequence
		if err := rows.Scan(&s.Name, &s.Seq); err != nil {
			return nil, fmt.Errorf("export: scan sqlite_sequence: %w", err)
		}
		seqs = append(seqs, s)
	}
	return seqs, rows.Err()
}

func hasSequenceTable(ctx context.Context, q Querier) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'sqlite_sequence'").Scan(&n)
	if err != nil {
		return false, fmt.Errorf("look up sqlite_sequence: %w", err)
	}
	return n > 0, nil
}

// Import replaces every user object and row with the snapshot contents in
// one transaction. On any error the transaction is rolled back and the
// store is left exactly as it was.
func (h *Handle) Import(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return errors.New("import: nil snapshot")
	}
	if snap.FormatVersion != SnapshotFormatVersion {
		return fmt.Errorf("import: %w: version %d", ErrUnsupportedSnapshot, snap.FormatVersion)
	}

	// foreign_keys cannot be toggled inside a transaction. Tables are
	// dropped and refilled in name order, so enforcement is off until commit.
	if _, err := h.conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("import: disable foreign keys: %w", err)
	}
	defer func() {
		_, _ = h.conn.ExecContext(context.WithoutCancel(ctx), "PRAGMA foreign_keys = ON")
	}()

	tx, err := h.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("import: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := dropUserObjects(ctx, tx); err != nil {
		return err
	}

	byType := map[string][]SchemaObject{}
	for _, o := range snap.Objects {
		byType[o.Type] = append(byType[o.Type], o)
	}

	for _, o := range byType["table"] {
		if _, err := tx.ExecContext(ctx, o.SQL); err != nil {
			return fmt.Errorf("import: create table %s: %w", o.Name, err)
		}
	}
	for _, t := range snap.Tables {
		if err := insertRows(ctx, tx, t); err != nil {
			return err
		}
	}
	if err := restoreSequences(ctx, tx, snap.Sequences); err != nil {
		return err
	}
	for _, typ := range []string{"index", "view", "trigger"} {
		for _, o := range byType[typ] {
			if _, err := tx.ExecContext(ctx, o.SQL); err != nil {
				return fmt.Errorf("import: create %s %s: %w", typ, o.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("import: commit: %w", err)
	}
	committed = true
	return nil
}

func dropUserObjects(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT type, name FROM sqlite_master
		WHERE type IN ('view', 'table') AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		ORDER BY CASE type WHEN 'view' THEN 0 ELSE 1 END, name`)
	if err != nil {
		return fmt.Errorf("import: list objects: %w", err)
	}
	type object struct{ typ, name string }
	var objects []object
	for rows.Next() {
		var o object
		if err := rows.Scan(&o.typ, &o.name); err != nil {
			rows.Close()
			return fmt.Errorf("import: list objects: %w", err)
		}
		objects = append(objects, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("import: list objects: %w", err)
	}

	for _, o := range objects {
		stmt := "DROP TABLE IF EXISTS " + quoteIdent(o.name)
		if o.typ == "view" {
			stmt = "DROP VIEW IF EXISTS " + quoteIdent(o.name)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("import: drop %s %s: %w", o.typ, o.name, err)
		}
	}
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, t TableData) error {
	if len(t.Rows) == 0 {
		return nil
	}
	cols := make([]string, len(t.Columns))
	marks := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quoteIdent(c)
		marks[i] = "?"
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO "+quoteIdent(t.Name)+
		" ("+strings.Join(cols, ", ")+") VALUES ("+strings.Join(marks, ", ")+")")
	if err != nil {
		return fmt.Errorf("import: prepare %s: %w", t.Name, err)
	}
	defer stmt.Close()

	args := make([]any, len(t.Columns))
	for n, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("import: %s row %d has %d values, want %d", t.Name, n, len(row), len(t.Columns))
		}
		for i, v := range row {
			if args[i], err = v.Arg(); err != nil {
				return fmt.Errorf("import: %s row %d: %w", t.Name, n, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("import: insert into %s: %w", t.Name, err)
		}
	}
	return nil
}

func restoreSequences(ctx context.Context, tx *sql.Tx, seqs []Sequence) error {
	exists, err := hasSequenceTable(ctx, tx)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	if !exists {
		if len(seqs) > 0 {
			return errors.New("import: snapshot has AUTOINCREMENT counters but no AUTOINCREMENT table")
		}
		return nil
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sqlite_sequence"); err != nil {
		return fmt.Errorf("import: reset sqlite_sequence: %w", err)
	}
	for _, s := range seqs {
		if _, err := tx.ExecContext(ctx, "INSERT INTO sqlite_sequence (name, seq) VALUES (?, ?)", s.Name, s.Seq); err != nil {
			return fmt.Errorf("import: restore sequence %s: %w", s.Name, err)
		}
	}
	return nil
}
