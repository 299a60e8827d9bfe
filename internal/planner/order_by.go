package planner

import (
	"fmt"
	"strings"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/sqlutil"
)

// OrderBy describes ordered columns and their directions.
type OrderBy struct {
	Columns    []string
	Directions []string
}

// ParseOrdering validates field names such as "title" or "-rating"
// (descending) against table. "pk" names the primary key. The primary key is
// appended when missing so the order is total.
func ParseOrdering(table *introspection.Table, ordering []string) (*OrderBy, error) {
	if len(ordering) == 0 {
		return nil, nil
	}

	orderBy := &OrderBy{}
	for _, term := range ordering {
		direction := "ASC"
		name := term
		if strings.HasPrefix(name, "-") {
			direction = "DESC"
			name = name[1:]
		}
		if name == "" {
			return nil, fmt.Errorf("empty ordering term")
		}
		if name == "pk" {
			pk, ok := introspection.SinglePrimaryKey(*table)
			if !ok {
				return nil, fmt.Errorf("%w: table %s", ErrNoPrimaryKey, table.Name)
			}
			name = pk
		}

		column := ""
		if field, ok := table.Field(name); ok {
			if field.IsManyToMany() {
				return nil, fmt.Errorf("cannot order %s by many-to-many field %s", table.Name, name)
			}
			column = field.Column
		} else if col, ok := table.Column(name); ok {
			column = col.Name
		} else {
			return nil, fmt.Errorf("unknown ordering field %s on %s", name, table.Name)
		}
		orderBy.Columns = append(orderBy.Columns, column)
		orderBy.Directions = append(orderBy.Directions, direction)
	}

	for _, pk := range introspection.PrimaryKeyColumns(*table) {
		if !containsColumn(orderBy.Columns, pk.Name) {
			orderBy.Columns = append(orderBy.Columns, pk.Name)
			orderBy.Directions = append(orderBy.Directions, "ASC")
		}
	}
	return orderBy, nil
}

// Clauses returns the ORDER BY terms qualified with quotedTable.
func (o *OrderBy) Clauses(quotedTable string) []string {
	if o == nil {
		return nil
	}
	clauses := make([]string, len(o.Columns))
	for i, col := range o.Columns {
		direction := "ASC"
		if i < len(o.Directions) && strings.EqualFold(o.Directions[i], "DESC") {
			direction = "DESC"
		}
		clauses[i] = fmt.Sprintf("%s %s", sqlutil.QualifiedIdentifier(quotedTable, col), direction)
	}
	return clauses
}

func containsColumn(columns []string, target string) bool {
	for _, col := range columns {
		if col == target {
			return true
		}
	}
	return false
}
