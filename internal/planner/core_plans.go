package planner

import (
	"errors"
	"fmt"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/lookup"
	"tidb-prefetch/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// ErrNoPrimaryKey indicates a required primary key is missing for a plan.
var ErrNoPrimaryKey = errors.New("no primary key")

// BatchParentAlias is the column alias used to return parent keys in batch queries.
const BatchParentAlias = "__prefetch_parent"

// SQLQuery represents a planned SQL statement with bound args.
type SQLQuery struct {
	SQL  string
	Args []interface{}
}

// PlanTableByPK builds the SQL for a single-column primary key lookup.
func PlanTableByPK(table *introspection.Table, pkValue interface{}) (SQLQuery, error) {
	pk, ok := introspection.SinglePrimaryKey(*table)
	if !ok {
		return SQLQuery{}, fmt.Errorf("%w: table %s", ErrNoPrimaryKey, table.Name)
	}
	query, args, err := sq.Select(columnNames(table)...).
		From(sqlutil.QuoteIdentifier(table.Name)).
		Where(sq.Eq{sqlutil.QuoteIdentifier(pk): pkValue}).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return SQLQuery{}, err
	}

	return SQLQuery{SQL: query, Args: args}, nil
}

// PlanFilteredList builds the SQL listing the rows of table that match
// filter. Keys are field names with an optional lookup kind suffix; conn
// decides vendor-specific lookup handling and may be nil. Rows are ordered
// by primary key unless c orders them.
func PlanFilteredList(table *introspection.Table, filter map[string]any, conn lookup.Connection, c Customizer) (SQLQuery, error) {
	quotedTable := sqlutil.QuoteIdentifier(table.Name)
	builder := sq.Select(qualifiedColumnNames(quotedTable, columnNamesOf(table))...).
		From(quotedTable)

	cond, err := BuildFilter(table, filter, conn)
	if err != nil {
		return SQLQuery{}, err
	}
	if cond != nil {
		builder = builder.Where(cond)
	}
	return finish(table, builder, c)
}

// finish applies the customizer and the default ordering.
func finish(table *introspection.Table, builder sq.SelectBuilder, c Customizer) (SQLQuery, error) {
	ordered := false
	if c != nil {
		var err error
		builder, err = c.Customize(table, builder)
		if err != nil {
			return SQLQuery{}, err
		}
		ordered = Orders(c)
	}
	if !ordered {
		builder = builder.OrderBy(pkOrderClauses(table)...)
	}

	query, args, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

func pkOrderClauses(table *introspection.Table) []string {
	quotedTable := sqlutil.QuoteIdentifier(table.Name)
	pkCols := introspection.PrimaryKeyColumns(*table)
	clauses := make([]string, 0, len(pkCols))
	for _, pk := range pkCols {
		clauses = append(clauses, sqlutil.QualifiedIdentifier(quotedTable, pk.Name))
	}
	return clauses
}

func columnNamesOf(table *introspection.Table) []string {
	names := make([]string, len(table.Columns))
	for i, col := range table.Columns {
		names[i] = col.Name
	}
	return names
}

func columnNames(table *introspection.Table) []string {
	names := make([]string, len(table.Columns))
	for i, col := range table.Columns {
		names[i] = sqlutil.QuoteIdentifier(col.Name)
	}
	return names
}

// qualifiedColumnNames returns column identifiers prefixed with a pre-quoted table alias.
func qualifiedColumnNames(quotedAlias string, columns []string) []string {
	qualified := make([]string, len(columns))
	for i, col := range columns {
		qualified[i] = sqlutil.QualifiedIdentifier(quotedAlias, col)
	}
	return qualified
}
