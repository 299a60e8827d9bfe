package planner

import (
	"fmt"
	"sort"
	"strings"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/lookup"
	"tidb-prefetch/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// Customizer reshapes a planned query for table before it is rendered.
type Customizer interface {
	Customize(table *introspection.Table, builder sq.SelectBuilder) (sq.SelectBuilder, error)
}

// Orderer is implemented by customizers that supply their own ordering,
// replacing the primary key default.
type Orderer interface {
	Ordered() bool
}

// Orders reports whether c replaces the default ordering.
func Orders(c Customizer) bool {
	o, ok := c.(Orderer)
	return ok && o.Ordered()
}

// CustomizerFunc adapts a function to Customizer.
type CustomizerFunc func(table *introspection.Table, builder sq.SelectBuilder) (sq.SelectBuilder, error)

// Customize calls f.
func (f CustomizerFunc) Customize(table *introspection.Table, builder sq.SelectBuilder) (sq.SelectBuilder, error) {
	return f(table, builder)
}

// Refinement narrows and orders a query with field names.
type Refinement struct {
	// Filter uses the lookup syntax, e.g. {"rating__gte": 4}.
	Filter map[string]any
	// Ordering lists field names, "-" prefixed for descending.
	Ordering []string
	Conn     lookup.Connection
}

// Customize implements Customizer.
func (r Refinement) Customize(table *introspection.Table, builder sq.SelectBuilder) (sq.SelectBuilder, error) {
	cond, err := BuildFilter(table, r.Filter, r.Conn)
	if err != nil {
		return builder, err
	}
	if cond != nil {
		builder = builder.Where(cond)
	}
	orderBy, err := ParseOrdering(table, r.Ordering)
	if err != nil {
		return builder, err
	}
	if orderBy != nil {
		builder = builder.OrderBy(orderBy.Clauses(sqlutil.QuoteIdentifier(table.Name))...)
	}
	return builder, nil
}

// Ordered implements Orderer.
func (r Refinement) Ordered() bool {
	return len(r.Ordering) > 0
}

func (r Refinement) String() string {
	keys := make([]string, 0, len(r.Filter))
	for key := range r.Filter {
		keys = append(keys, fmt.Sprintf("%s=%v", key, r.Filter[key]))
	}
	sort.Strings(keys)
	return fmt.Sprintf("filter(%s) order_by(%s)", strings.Join(keys, ", "), strings.Join(r.Ordering, ", "))
}
