// Package db implements the database worker: a single goroutine owning
// one backend connection and translating DatabaseRequest actions into
// SQL, through a backend-parameterized generator so the embedded
// (sqlite3) and networked (postgresql) backends share one schema.
package db

import (
	"fmt"
	"strconv"
	"strings"
)

// Backend selects the keyword/placeholder variant the Generator emits.
// The schema itself never varies by Backend; only these details do.
type Backend int

const (
	SQLite Backend = iota
	PostgreSQL
)

// ColumnType is the minimal set of SQL types the fixed schema needs.
type ColumnType int

const (
	TypeInteger ColumnType = iota
	TypeBigInt
	TypeText
	TypeReal
)

// Column describes one column of a Table.
type Column struct {
	Name       string
	Type       ColumnType
	PrimaryKey bool
	NotNull    bool
}

// ForeignKey describes a CASCADE-deleting reference to another table's
// primary key, the shape every data-kind table in this schema uses to
// point back at its owning session.
type ForeignKey struct {
	Column   string
	RefTable string
	RefColumn string
}

// Table describes one database table understood by the Generator.
type Table struct {
	Name        string
	Columns     []Column
	ForeignKeys []ForeignKey
}

// Generator emits backend-appropriate DDL/DML for a fixed Table set.
// It is the single place that branches on Backend; callers elsewhere
// never special-case sqlite3 vs postgresql directly.
type Generator struct {
	Backend Backend
}

// NewGenerator returns a Generator for the given backend.
func NewGenerator(b Backend) *Generator {
	return &Generator{Backend: b}
}

// Placeholder returns the i'th (1-based) bound-parameter placeholder
// for the backend: "?" for sqlite3, "$i" for postgresql.
func (g *Generator) Placeholder(i int) string {
	if g.Backend == PostgreSQL {
		return "$" + strconv.Itoa(i)
	}
	return "?"
}

// HashOperator returns the operator used for device/session hash
// equality: IS for sqlite3 (NULL-safe identity comparison matching the
// original's SQLite usage), LIKE for postgresql (plain text match,
// since postgresql's IS only compares against boolean/NULL literals).
func (g *Generator) HashOperator() string {
	if g.Backend == PostgreSQL {
		return "LIKE"
	}
	return "IS"
}

func (g *Generator) columnTypeSQL(t ColumnType) string {
	switch t {
	case TypeBigInt:
		if g.Backend == PostgreSQL {
			return "BIGINT"
		}
		return "INTEGER"
	case TypeText:
		return "TEXT"
	case TypeReal:
		return "REAL"
	default: // TypeInteger
		if g.Backend == PostgreSQL {
			return "INTEGER"
		}
		return "INTEGER"
	}
}

func (g *Generator) autoIncrementPrimaryKey() string {
	if g.Backend == PostgreSQL {
		return "SERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// CreateTableStatement renders a CREATE TABLE IF NOT EXISTS statement
// for t, following estuary-flow's std_endpoint.go string-builder
// pattern: walk columns, special-case the primary key, then append
// foreign-key constraints.
func (g *Generator) CreateTableStatement(t Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.Name)

	parts := make([]string, 0, len(t.Columns)+len(t.ForeignKeys))
	for _, col := range t.Columns {
		if col.PrimaryKey {
			parts = append(parts, fmt.Sprintf("  %s %s", col.Name, g.autoIncrementPrimaryKey()))
			continue
		}
		def := fmt.Sprintf("  %s %s", col.Name, g.columnTypeSQL(col.Type))
		if col.NotNull {
			def += " NOT NULL"
		}
		parts = append(parts, def)
	}
	for _, fk := range t.ForeignKeys {
		parts = append(parts, fmt.Sprintf(
			"  CONSTRAINT fk_%s_%s FOREIGN KEY(%s) REFERENCES %s(%s) ON DELETE CASCADE",
			t.Name, fk.Column, fk.Column, fk.RefTable, fk.RefColumn))
	}

	b.WriteString(strings.Join(parts, ",\n"))
	b.WriteString("\n)")
	return b.String()
}

// DropTableStatement renders a DROP TABLE IF EXISTS for Forced
// InitDatabase.
func (g *Generator) DropTableStatement(t Table) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", t.Name)
}

// InsertStatement renders a parameterized INSERT for the non-primary-key
// columns of t, in the order given by columns.
func (g *Generator) InsertStatement(t Table, columns []string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = g.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.Name, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
}
