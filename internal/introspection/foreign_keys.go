package introspection

import (
	"cmp"
	"slices"
	"strconv"
)

// ForeignKeyConstraint is one FK constraint with its columns in key order.
type ForeignKeyConstraint struct {
	ConstraintName    string
	ReferencedTable   string
	ColumnNames       []string
	ReferencedColumns []string
}

// IsSingleColumn reports whether the constraint maps exactly one column.
// Only single-column constraints become relation fields.
func (fk ForeignKeyConstraint) IsSingleColumn() bool {
	return len(fk.ColumnNames) == 1 && len(fk.ReferencedColumns) == 1
}

// ForeignKeyConstraints groups the per-column foreign key rows of table by
// constraint name, sorted by name. Rows without a name are kept apart.
func ForeignKeyConstraints(table Table) []ForeignKeyConstraint {
	if len(table.ForeignKeys) == 0 {
		return nil
	}

	byName := make(map[string][]ForeignKey)
	for i, fk := range table.ForeignKeys {
		name := fk.ConstraintName
		if name == "" {
			name = "~unnamed_" + strconv.Itoa(i)
		}
		byName[name] = append(byName[name], fk)
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]ForeignKeyConstraint, 0, len(names))
	for _, name := range names {
		parts := byName[name]
		slices.SortStableFunc(parts, compareKeyColumns)
		c := ForeignKeyConstraint{
			ConstraintName:  parts[0].ConstraintName,
			ReferencedTable: parts[0].ReferencedTable,
		}
		for _, p := range parts {
			c.ColumnNames = append(c.ColumnNames, p.ColumnName)
			c.ReferencedColumns = append(c.ReferencedColumns, p.ReferencedColumn)
		}
		out = append(out, c)
	}
	return out
}

// compareKeyColumns orders by ordinal position, unknown positions last.
func compareKeyColumns(a, b ForeignKey) int {
	switch {
	case a.OrdinalPosition == b.OrdinalPosition:
		return cmp.Compare(a.ColumnName, b.ColumnName)
	case a.OrdinalPosition == 0:
		return 1
	case b.OrdinalPosition == 0:
		return -1
	}
	return cmp.Compare(a.OrdinalPosition, b.OrdinalPosition)
}
