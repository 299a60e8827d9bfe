// Package junction classifies junction tables. A pure junction (only FK
// columns) becomes a many-to-many field; an attribute junction (extra
// columns) stays an ordinary entity with two foreign keys.
package junction

import (
	"sort"

	"tidb-prefetch/internal/introspection"
)

// Type classifies a junction table.
type Type int

const (
	// NotJunction indicates the table is not a junction table.
	NotJunction Type = iota
	// PureJunction indicates a junction with only FK columns.
	PureJunction
	// AttributeJunction indicates a junction with additional non-FK columns.
	AttributeJunction
)

// String returns a human-readable representation of the junction type.
func (t Type) String() string {
	switch t {
	case NotJunction:
		return "NotJunction"
	case PureJunction:
		return "PureJunction"
	case AttributeJunction:
		return "AttributeJunction"
	default:
		return "Unknown"
	}
}

// Info contains classification metadata for a junction table.
type Info struct {
	Table string
	Type  Type
	// LeftFK is ordered first by referenced table, then by column name, so
	// self-referential junctions have a stable direction.
	LeftFK  introspection.JunctionFKInfo
	RightFK introspection.JunctionFKInfo
	// AttributeColumns lists non-FK column names (for attribute junctions).
	AttributeColumns []string
}

// Map maps junction table names to their classification info.
type Map map[string]Info

// ToIntrospectionMap keeps the pure junctions, which are the ones that
// become many-to-many fields.
func (m Map) ToIntrospectionMap() introspection.JunctionMap {
	result := make(introspection.JunctionMap, len(m))
	for tableName, info := range m {
		if info.Type != PureJunction {
			continue
		}
		result[tableName] = introspection.JunctionConfig{
			Table:   info.Table,
			LeftFK:  info.LeftFK,
			RightFK: info.RightFK,
		}
	}
	return result
}

// ClassifyJunctions analyzes schema tables and returns junction classifications.
// A table is classified as a junction when:
//   - It has exactly 2 foreign key constraints
//   - All FK columns are NOT NULL
//   - There is a composite PK or unique index covering all FK columns
//   - Both referenced tables exist in the schema
//
// Both constraints may reference the same table (self-referential junction).
func ClassifyJunctions(schema *introspection.Schema) Map {
	result := make(Map)
	if schema == nil {
		return result
	}
	for _, table := range schema.Tables {
		if table.IsView {
			continue
		}
		if info, ok := classifyTable(schema, table); ok {
			result[table.Name] = info
		}
	}
	return result
}

func classifyTable(schema *introspection.Schema, table introspection.Table) (Info, bool) {
	constraints := introspection.ForeignKeyConstraints(table)
	if len(constraints) != 2 {
		return Info{}, false
	}

	fk1, fk2 := constraints[0], constraints[1]
	if _, ok := schema.Table(fk1.ReferencedTable); !ok {
		return Info{}, false
	}
	if _, ok := schema.Table(fk2.ReferencedTable); !ok {
		return Info{}, false
	}

	fkCols := make(map[string]bool)
	var allFKCols []string
	for _, fk := range constraints {
		for _, col := range fk.ColumnNames {
			fkCols[col] = true
			allFKCols = append(allFKCols, col)
		}
	}

	for _, col := range table.Columns {
		if fkCols[col.Name] && col.IsNullable {
			return Info{}, false
		}
	}

	if !hasCoveringConstraint(table, fkCols) {
		return Info{}, false
	}

	attributeCols := findAttributeColumns(table, fkCols)
	junctionType := PureJunction
	if len(attributeCols) > 0 {
		junctionType = AttributeJunction
	}

	left, right := orderFKs(toFKInfo(fk1), toFKInfo(fk2))
	return Info{
		Table:            table.Name,
		Type:             junctionType,
		LeftFK:           left,
		RightFK:          right,
		AttributeColumns: attributeCols,
	}, true
}

func toFKInfo(fk introspection.ForeignKeyConstraint) introspection.JunctionFKInfo {
	return introspection.JunctionFKInfo{
		ConstraintName:    fk.ConstraintName,
		ColumnNames:       append([]string(nil), fk.ColumnNames...),
		ReferencedTable:   fk.ReferencedTable,
		ReferencedColumns: append([]string(nil), fk.ReferencedColumns...),
	}
}

// hasCoveringConstraint checks if there's a PK or unique index covering all FK columns.
func hasCoveringConstraint(table introspection.Table, fkCols map[string]bool) bool {
	pkCols := make(map[string]bool)
	for _, col := range introspection.PrimaryKeyColumns(table) {
		pkCols[col.Name] = true
	}
	if coversAll(pkCols, fkCols) {
		return true
	}

	for _, idx := range table.Indexes {
		if !idx.Unique {
			continue
		}
		idxCols := make(map[string]bool)
		for _, col := range idx.Columns {
			idxCols[col] = true
		}
		if coversAll(idxCols, fkCols) {
			return true
		}
	}
	return false
}

// coversAll returns true if 'covering' contains all keys from 'required'.
func coversAll(covering, required map[string]bool) bool {
	for col := range required {
		if !covering[col] {
			return false
		}
	}
	return true
}

// findAttributeColumns returns column names that are not part of any FK.
func findAttributeColumns(table introspection.Table, fkCols map[string]bool) []string {
	var attrs []string
	for _, col := range table.Columns {
		if !fkCols[col.Name] {
			attrs = append(attrs, col.Name)
		}
	}
	return attrs
}

func orderFKs(a, b introspection.JunctionFKInfo) (introspection.JunctionFKInfo, introspection.JunctionFKInfo) {
	pair := []introspection.JunctionFKInfo{a, b}
	sort.SliceStable(pair, func(i, j int) bool {
		if pair[i].ReferencedTable != pair[j].ReferencedTable {
			return pair[i].ReferencedTable < pair[j].ReferencedTable
		}
		return firstColumn(pair[i]) < firstColumn(pair[j])
	})
	return pair[0], pair[1]
}

func firstColumn(fk introspection.JunctionFKInfo) string {
	if len(fk.ColumnNames) == 0 {
		return ""
	}
	return fk.ColumnNames[0]
}
