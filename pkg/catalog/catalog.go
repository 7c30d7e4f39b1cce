// Package catalog introspects PostgreSQL table metadata: columns,
// primary keys, unique constraint sets and foreign keys, queried from
// information_schema once at startup. The resulting Table values are
// treated as immutable for the life of the process.
package catalog

import (
	"context"
	"fmt"

	pg "github.com/tablekit/tablekit/pkg/pgx"
)

// Column describes one table column. Purely descriptive; sourced from
// information_schema and never mutated.
type Column struct {
	Name     string  `json:"name"`
	DataType string  `json:"data_type"`
	Nullable bool    `json:"nullable"`
	Default  *string `json:"default,omitempty"`
	Length   int     `json:"length,omitempty"`
}

// HasDefault reports whether the column carries a database-side default.
func (c Column) HasDefault() bool {
	return c.Default != nil && *c.Default != ""
}

// ForeignKey is one declared foreign-key constraint, including the
// referential action rules as declared in the database.
type ForeignKey struct {
	Name             string `json:"name"`
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
	OnUpdate         string `json:"on_update"`
	OnDelete         string `json:"on_delete"`
}

// Table is the introspected shape of one table.
type Table struct {
	Schema      string       `json:"schema"`
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	PrimaryKeys []string     `json:"primary_keys"`
	Unique      [][]string   `json:"unique,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

// FullName returns the schema-qualified name, the key used throughout
// the registry and the metadata cache.
func (t *Table) FullName() string {
	return fmt.Sprintf("%s.%s", t.Schema, t.Name)
}

// Column looks up a column by name.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the table has a column with the given name.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// PrimaryKey returns the first primary-key column. Tables registered
// with the engine are required to have at least one.
func (t *Table) PrimaryKey() string {
	if len(t.PrimaryKeys) == 0 {
		return ""
	}
	return t.PrimaryKeys[0]
}

// Load introspects a single table. A table with no columns does not
// exist as far as the engine is concerned.
func Load(ctx context.Context, conn pg.Conn, schema, name string) (*Table, error) {
	t := &Table{Schema: schema, Name: name}

	cols, pkeys, err := queryColumns(ctx, conn, schema, name)
	if err != nil {
		return nil, fmt.Errorf("query columns %s.%s: %w", schema, name, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s.%s not found", schema, name)
	}
	t.Columns = cols
	t.PrimaryKeys = pkeys

	unique, err := queryUniqueConstraints(ctx, conn, schema, name)
	if err != nil {
		return nil, fmt.Errorf("query unique constraints %s.%s: %w", schema, name, err)
	}
	t.Unique = unique

	fkeys, err := queryForeignKeys(ctx, conn, schema, name)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys %s.%s: %w", schema, name, err)
	}
	t.ForeignKeys = fkeys

	return t, nil
}

func queryColumns(ctx context.Context, conn pg.Conn, schema, table string) ([]Column, []string, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES',
			c.column_default,
			COALESCE(c.character_maximum_length, 0)
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`, schema, table)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType, &col.Nullable, &col.Default, &col.Length); err != nil {
			return nil, nil, err
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	pkeys, err := queryPrimaryKeys(ctx, conn, schema, table)
	if err != nil {
		return nil, nil, err
	}
	return cols, pkeys, nil
}

func queryPrimaryKeys(ctx context.Context, conn pg.Conn, schema, table string) ([]string, error) {
	rows, err := conn.Query(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = $1
			AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pkeys []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		pkeys = append(pkeys, name)
	}
	return pkeys, rows.Err()
}

func queryUniqueConstraints(ctx context.Context, conn pg.Conn, schema, table string) ([][]string, error) {
	rows, err := conn.Query(ctx, `
		SELECT array_agg(kcu.column_name ORDER BY kcu.ordinal_position)
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'UNIQUE'
			AND tc.table_schema = $1
			AND tc.table_name = $2
		GROUP BY tc.constraint_name
		ORDER BY tc.constraint_name`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var unique [][]string
	for rows.Next() {
		var columns []string
		if err := rows.Scan(&columns); err != nil {
			return nil, err
		}
		unique = append(unique, columns)
	}
	return unique, rows.Err()
}

func queryForeignKeys(ctx context.Context, conn pg.Conn, schema, table string) ([]ForeignKey, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			tc.constraint_name,
			kcu.column_name,
			ccu.table_name,
			ccu.column_name,
			rc.update_rule,
			rc.delete_rule
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON ccu.constraint_name = tc.constraint_name
			AND ccu.table_schema = tc.table_schema
		JOIN information_schema.referential_constraints rc
			ON tc.constraint_name = rc.constraint_name
			AND tc.table_schema = rc.constraint_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_schema = $1
			AND tc.table_name = $2
		ORDER BY tc.constraint_name`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fkeys []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.Name, &fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn, &fk.OnUpdate, &fk.OnDelete); err != nil {
			return nil, err
		}
		fkeys = append(fkeys, fk)
	}
	return fkeys, rows.Err()
}
