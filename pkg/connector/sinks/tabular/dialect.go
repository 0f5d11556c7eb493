package tabular

import (
	"fmt"
	"strings"

	"github.com/big-armor/datapm-sub007/pkg/schema"
)

// Dialect captures the SQL differences between the supported databases
type Dialect struct {
	Name  string
	Types map[schema.ValueType]string
	// StateType is the column type of the serialized state document
	StateType string
	quote     func(string) string
	bind      func(int) string
}

var (
	// Postgres uses double-quoted identifiers and numbered placeholders
	Postgres = Dialect{
		Name: "postgres",
		Types: map[schema.ValueType]string{
			schema.Boolean:  "BOOLEAN",
			schema.Integer:  "BIGINT",
			schema.Number:   "DOUBLE PRECISION",
			schema.Date:     "DATE",
			schema.DateTime: "TIMESTAMPTZ",
		},
		StateType: "JSONB",
		quote:     doubleQuote,
		bind:      func(i int) string { return fmt.Sprintf("$%d", i) },
	}

	MySQL = Dialect{
		Name: "mysql",
		Types: map[schema.ValueType]string{
			schema.Boolean:  "BOOLEAN",
			schema.Integer:  "BIGINT",
			schema.Number:   "DOUBLE",
			schema.Date:     "DATE",
			schema.DateTime: "DATETIME(6)",
			schema.String:   "LONGTEXT",
		},
		StateType: "LONGTEXT",
		quote:     func(s string) string { return "`" + strings.ReplaceAll(s, "`", "``") + "`" },
		bind:      func(int) string { return "?" },
	}

	Snowflake = Dialect{
		Name: "snowflake",
		Types: map[schema.ValueType]string{
			schema.Boolean:  "BOOLEAN",
			schema.Integer:  "NUMBER(38,0)",
			schema.Number:   "FLOAT",
			schema.Date:     "DATE",
			schema.DateTime: "TIMESTAMP_TZ",
			schema.String:   "VARCHAR",
		},
		StateType: "VARCHAR",
		quote:     doubleQuote,
		bind:      func(int) string { return "?" },
	}
)

func doubleQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Quote quotes an identifier
func (d Dialect) Quote(name string) string { return d.quote(name) }

// ColumnType returns the column type for a value type, TEXT by default
func (d Dialect) ColumnType(vt schema.ValueType) string {
	if t, ok := d.Types[vt]; ok {
		return t
	}
	if t, ok := d.Types[schema.String]; ok {
		return t
	}
	return "TEXT"
}

// CreateTable returns an idempotent CREATE TABLE statement
func (d Dialect) CreateTable(table string, cols []Column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = d.Quote(c.Name) + " " + d.ColumnType(c.Type)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.Quote(table), strings.Join(defs, ", "))
}

// Insert returns a multi-row INSERT with placeholders for rows rows
func (d Dialect) Insert(table string, cols []Column, rows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", d.Quote(table), d.columnList(cols))
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range cols {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.bind(n))
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// Promote copies every staged row into the target table
func (d Dialect) Promote(table, staging string, cols []Column) string {
	list := d.columnList(cols)
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", d.Quote(table), list, list, d.Quote(staging))
}

// Clear removes every row of a table with DML so it stays inside a transaction
func (d Dialect) Clear(table string) string {
	return "DELETE FROM " + d.Quote(table)
}

// Drop removes a table
func (d Dialect) Drop(table string) string {
	return "DROP TABLE IF EXISTS " + d.Quote(table)
}

// CreateStateTable returns the DDL of the state table
func (d Dialect) CreateStateTable(table string) string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (catalog_slug VARCHAR(255) NOT NULL, package_slug VARCHAR(255) NOT NULL, "+
			"major_version INTEGER NOT NULL, state %s NOT NULL, PRIMARY KEY (catalog_slug, package_slug, major_version))",
		d.Quote(table), d.StateType)
}

// SelectState reads the state document of one package major version
func (d Dialect) SelectState(table string) string {
	return fmt.Sprintf("SELECT state FROM %s WHERE catalog_slug = %s AND package_slug = %s AND major_version = %s",
		d.Quote(table), d.bind(1), d.bind(2), d.bind(3))
}

// DeleteState removes the state row ahead of InsertState
func (d Dialect) DeleteState(table string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE catalog_slug = %s AND package_slug = %s AND major_version = %s",
		d.Quote(table), d.bind(1), d.bind(2), d.bind(3))
}

// InsertState writes the state row
func (d Dialect) InsertState(table string) string {
	return fmt.Sprintf("INSERT INTO %s (catalog_slug, package_slug, major_version, state) VALUES (%s, %s, %s, %s)",
		d.Quote(table), d.bind(1), d.bind(2), d.bind(3), d.bind(4))
}

func (d Dialect) columnList(cols []Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = d.Quote(c.Name)
	}
	return strings.Join(names, ", ")
}
