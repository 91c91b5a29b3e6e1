package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Row holds column values of a mirror row. Values are string, int64 or nil.
type Row map[string]any

// Filter selects rows whose columns equal the given values.
type Filter map[string]any

// StoredRow is a row together with its store-assigned primary key.
type StoredRow struct {
	ID     string
	Fields Row
}

// Column describes one mirror table column.
type Column struct {
	Name string
	Type string // TEXT or INTEGER
}

// Table is a mirror table keyed by a generated id.
type Table struct {
	db      *DB
	name    string
	columns map[string]bool
}

// MirrorTable creates the table if needed, adds missing columns and
// returns a handle for row operations.
func (db *DB) MirrorTable(name string, columns []Column) (*Table, error) {
	if !identifierPattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	t := &Table{db: db, name: name, columns: make(map[string]bool, len(columns))}

	if _, err := db.conn.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY)`, name)); err != nil {
		return nil, fmt.Errorf("failed to create mirror table: %w", err)
	}

	for _, col := range columns {
		if !identifierPattern.MatchString(col.Name) || strings.EqualFold(col.Name, "id") {
			return nil, fmt.Errorf("%w: column %q", ErrInvalidName, col.Name)
		}
		colType := strings.ToUpper(col.Type)
		if colType != "INTEGER" {
			colType = "TEXT"
		}

		stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, name, col.Name, colType)
		if _, err := db.conn.Exec(stmt); err != nil && !isDuplicateColumnError(err) {
			return nil, fmt.Errorf("failed to add column %s: %w", col.Name, err)
		}
		t.columns[col.Name] = true
	}

	return t, nil
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// EnsureIndex creates an index over the given columns.
func (t *Table) EnsureIndex(columns ...string) error {
	if err := t.checkColumns(columns...); err != nil {
		return err
	}
	idx := fmt.Sprintf("idx_%s_%s", t.name, strings.Join(columns, "_"))
	stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(%s)`, idx, t.name, strings.Join(columns, ", "))
	if _, err := t.db.conn.Exec(stmt); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// GetRows returns the rows matching filter. An empty filter returns all rows.
func (t *Table) GetRows(ctx context.Context, filter Filter) ([]StoredRow, error) {
	where, args, err := t.where(filter)
	if err != nil {
		return nil, err
	}

	rows, err := t.db.conn.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s%s ORDER BY id`, t.name, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []StoredRow
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", t.name, err)
		}

		stored := StoredRow{Fields: make(Row, len(cols)-1)}
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			if col == "id" {
				stored.ID, _ = v.(string)
				continue
			}
			stored.Fields[col] = v
		}
		out = append(out, stored)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", t.name, err)
	}
	return out, nil
}

// InsertRow inserts fields and returns the new row id.
func (t *Table) InsertRow(ctx context.Context, fields Row) (string, error) {
	cols := sortedKeys(fields)
	if err := t.checkColumns(cols...); err != nil {
		return "", err
	}

	id := uuid.New().String()
	names := append([]string{"id"}, cols...)
	args := make([]any, 0, len(names))
	args = append(args, id)
	for _, c := range cols {
		args = append(args, fields[c])
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, t.name, strings.Join(names, ", "), placeholders)
	if _, err := t.db.conn.ExecContext(ctx, stmt, args...); err != nil {
		return "", fmt.Errorf("failed to insert into %s: %w", t.name, err)
	}
	return id, nil
}

// UpdateRow overwrites the given fields of row id.
func (t *Table) UpdateRow(ctx context.Context, fields Row, id string) error {
	cols := sortedKeys(fields)
	if len(cols) == 0 {
		return nil
	}
	if err := t.checkColumns(cols...); err != nil {
		return err
	}

	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		sets = append(sets, c+" = ?")
		args = append(args, fields[c])
	}
	args = append(args, id)

	stmt := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, t.name, strings.Join(sets, ", "))
	result, err := t.db.conn.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", t.name, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRows deletes the rows matching filter. The filter must not be
// empty. The pseudo-column "id" selects by primary key.
func (t *Table) DeleteRows(ctx context.Context, filter Filter) (int64, error) {
	if len(filter) == 0 {
		return 0, errors.New("refusing to delete without a filter")
	}

	where, args, err := t.where(filter)
	if err != nil {
		return 0, err
	}

	result, err := t.db.conn.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s%s`, t.name, where), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", t.name, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}

func (t *Table) where(filter Filter) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}

	cols := make([]string, 0, len(filter))
	for c := range filter {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	clauses := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		if c != "id" {
			if err := t.checkColumns(c); err != nil {
				return "", nil, err
			}
		}
		if filter[c] == nil {
			clauses = append(clauses, c+" IS NULL")
			continue
		}
		clauses = append(clauses, c+" = ?")
		args = append(args, filter[c])
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (t *Table) checkColumns(cols ...string) error {
	for _, c := range cols {
		if !t.columns[c] {
			return fmt.Errorf("%w: unknown column %q in %s", ErrInvalidName, c, t.name)
		}
	}
	return nil
}

func sortedKeys(r Row) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
