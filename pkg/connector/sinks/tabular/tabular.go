// Package tabular maps inferred schemas onto relational tables. It is shared
// by the sinks that stage rows in a temporary table and promote them on
// commit.
package tabular

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/big-armor/datapm-sub007/pkg/schema"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

// Commit key fields
const (
	KeySchema  = "schema"
	KeyTable   = "table"
	KeyStaging = "staging"
	KeyColumns = "columns"
)

// DefaultStateTable holds one row of persisted state per package major version
const DefaultStateTable = "_datapm_state"

// Column is one property mapped onto a table column
type Column struct {
	Property string
	Name     string
	Type     schema.ValueType
}

var invalidIdent = regexp.MustCompile(`[^a-z0-9_]+`)

// Identifier lower-cases a slug or property name into a portable identifier
func Identifier(name string) string {
	id := strings.Trim(invalidIdent.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if id == "" {
		id = "_"
	}
	if id[0] >= '0' && id[0] <= '9' {
		id = "_" + id
	}
	return id
}

// Columns maps the properties of desc in sorted order. A property that
// still carries more than one non-null type is stored as a string.
func Columns(desc *schema.SchemaDescriptor) []Column {
	names := desc.PropertyNames()
	cols := make([]Column, 0, len(names))
	used := make(map[string]bool, len(names))
	for _, prop := range names {
		name := Identifier(prop)
		for used[name] {
			name += "_"
		}
		used[name] = true

		vt := schema.String
		if types := desc.Properties[prop].NonNullTypes(); len(types) == 1 {
			vt = types[0]
		}
		cols = append(cols, Column{Property: prop, Name: name, Type: vt})
	}
	return cols
}

// Values returns the record's values in column order, converted to what a
// database driver accepts for each column type.
func Values(cols []Column, record map[string]interface{}) []interface{} {
	out := make([]interface{}, len(cols))
	for i, c := range cols {
		v, ok := record[c.Property]
		if !ok || v == nil {
			continue
		}
		switch c.Type {
		case schema.Boolean, schema.Integer:
			out[i] = v
		case schema.Number:
			if n, ok := v.(int64); ok {
				v = float64(n)
			}
			out[i] = v
		case schema.Date, schema.DateTime:
			if t, ok := v.(time.Time); ok {
				out[i] = t
				continue
			}
			out[i] = schema.FormatValue(v)
		default:
			out[i] = schema.FormatValue(v)
		}
	}
	return out
}

// Names returns the column names
func Names(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// StagingTable names the per-run staging table of a target table
func StagingTable(table, runID string) string {
	return Identifier(fmt.Sprintf("%s_stg_%s", table, runID))
}

// Staged describes one staging table awaiting promotion
type Staged struct {
	Schema  string
	Table   string
	Staging string
	Columns []string
}

// CommitKey encodes a staged table for the sink's commit phase
func CommitKey(schemaSlug, table, staging string, columns []string) sink.CommitKey {
	return sink.CommitKey{KeySchema: schemaSlug, KeyTable: table, KeyStaging: staging, KeyColumns: columns}
}

// ParseCommitKey reads back a key produced by CommitKey
func ParseCommitKey(key sink.CommitKey) (Staged, error) {
	st := Staged{}
	st.Schema, _ = key[KeySchema].(string)
	st.Table, _ = key[KeyTable].(string)
	st.Staging, _ = key[KeyStaging].(string)
	switch cols := key[KeyColumns].(type) {
	case []string:
		st.Columns = cols
	case []interface{}:
		for _, c := range cols {
			if name, ok := c.(string); ok {
				st.Columns = append(st.Columns, name)
			}
		}
	}
	if st.Table == "" || st.Staging == "" || len(st.Columns) == 0 {
		return Staged{}, fmt.Errorf("malformed commit key: %v", map[string]interface{}(key))
	}
	return st, nil
}

// PromoteStaged copies the staged rows into the target table
func (d Dialect) PromoteStaged(st Staged) string {
	cols := make([]Column, len(st.Columns))
	for i, name := range st.Columns {
		cols[i] = Column{Name: name}
	}
	return d.Promote(st.Table, st.Staging, cols)
}
