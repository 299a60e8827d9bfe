// Package schemafilter applies allow/deny filters to schema snapshots before
// fields and relations are derived from them.
package schemafilter

import (
	"path"
	"slices"
	"strings"

	"tidb-prefetch/internal/introspection"
)

// Config controls allow/deny filters for tables and columns.
type Config struct {
	AllowTables      []string            `mapstructure:"allow_tables"`
	DenyTables       []string            `mapstructure:"deny_tables"`
	ScanViewsEnabled bool                `mapstructure:"scan_views_enabled"`
	AllowColumns     map[string][]string `mapstructure:"allow_columns"`
	DenyColumns      map[string][]string `mapstructure:"deny_columns"`
	// NonEditableColumns keeps columns visible but marks their fields as
	// not editable. Keys and values are glob patterns.
	NonEditableColumns map[string][]string `mapstructure:"non_editable_columns"`
}

// Apply filters tables, columns, indexes, and foreign keys in place.
// Missing allow lists default to allow-all; deny rules always win. A foreign
// key constraint survives only while every column at both of its ends does,
// so relations never point at filtered tables or columns.
func Apply(schema *introspection.Schema, cfg Config) {
	if schema == nil {
		return
	}

	schema.Tables = slices.DeleteFunc(schema.Tables, func(t introspection.Table) bool {
		if t.IsView && !cfg.ScanViewsEnabled {
			return true
		}
		return !tableAllowed(t.Name, cfg.AllowTables, cfg.DenyTables)
	})

	kept := make(map[string]map[string]bool, len(schema.Tables))
	for i := range schema.Tables {
		table := &schema.Tables[i]
		table.Columns = slices.DeleteFunc(table.Columns, func(c introspection.Column) bool {
			return !columnAllowed(table.Name, c.Name, cfg.AllowColumns, cfg.DenyColumns)
		})
		if len(table.Columns) == 0 {
			continue
		}
		kept[table.Name] = make(map[string]bool, len(table.Columns))
		for _, c := range table.Columns {
			kept[table.Name][c.Name] = true
		}
	}

	schema.Tables = slices.DeleteFunc(schema.Tables, func(t introspection.Table) bool {
		return kept[t.Name] == nil
	})
	for i := range schema.Tables {
		table := &schema.Tables[i]
		local := kept[table.Name]
		table.Indexes = slices.DeleteFunc(table.Indexes, func(idx introspection.Index) bool {
			return !allKept(local, idx.Columns)
		})
		table.ForeignKeys = filterForeignKeys(table.ForeignKeys, local, kept)
		table.Fields = nil
	}
}

// NonEditable expands cfg.NonEditableColumns against schema into the
// table -> columns form used when deriving fields.
func NonEditable(schema *introspection.Schema, cfg Config) map[string][]string {
	out := make(map[string][]string)
	if schema == nil || len(cfg.NonEditableColumns) == 0 {
		return out
	}
	for _, table := range schema.Tables {
		var patterns []string
		for tablePattern, columnPatterns := range cfg.NonEditableColumns {
			if matchesAny(table.Name, []string{tablePattern}) {
				patterns = append(patterns, columnPatterns...)
			}
		}
		if len(patterns) == 0 {
			continue
		}
		for _, column := range table.Columns {
			if matchesAny(column.Name, patterns) {
				out[table.Name] = append(out[table.Name], column.Name)
			}
		}
	}
	return out
}

func tableAllowed(table string, allow, deny []string) bool {
	if matchesAny(table, deny) {
		return false
	}
	if len(allow) == 0 {
		return true
	}
	return matchesAny(table, allow)
}

func columnAllowed(table, column string, allow, deny map[string][]string) bool {
	if matchesAny(column, mergePatterns(deny, table)) {
		return false
	}
	allowPatterns := mergePatterns(allow, table)
	if len(allowPatterns) == 0 {
		return true
	}
	return matchesAny(column, allowPatterns)
}

func mergePatterns(patterns map[string][]string, table string) []string {
	if patterns == nil {
		return nil
	}
	combined := append([]string{}, patterns["*"]...)
	combined = append(combined, patterns[table]...)
	return slices.Compact(combined)
}

func allKept(kept map[string]bool, columns []string) bool {
	for _, c := range columns {
		if !kept[c] {
			return false
		}
	}
	return true
}

// filterForeignKeys drops every row of a constraint when any of its rows
// refers to a filtered column. Unnamed rows are judged alone.
func filterForeignKeys(fks []introspection.ForeignKey, local map[string]bool, kept map[string]map[string]bool) []introspection.ForeignKey {
	broken := make(map[string]bool)
	rowKept := func(fk introspection.ForeignKey) bool {
		return local[fk.ColumnName] && kept[fk.ReferencedTable][fk.ReferencedColumn]
	}
	for _, fk := range fks {
		if fk.ConstraintName != "" && !rowKept(fk) {
			broken[fk.ConstraintName] = true
		}
	}
	return slices.DeleteFunc(fks, func(fk introspection.ForeignKey) bool {
		if fk.ConstraintName != "" {
			return broken[fk.ConstraintName]
		}
		return !rowKept(fk)
	})
}

// matchesAny reports whether value matches one of the glob patterns,
// ignoring case.
func matchesAny(value string, patterns []string) bool {
	value = strings.ToLower(value)
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		ok, err := path.Match(strings.ToLower(pattern), value)
		if err != nil {
			continue
		}
		if ok {
			return true
		}
	}
	return false
}
