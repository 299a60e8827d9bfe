package planner

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/lookup"
	"tidb-prefetch/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// ErrUnsupportedFilter is returned for filter keys the planner cannot express.
var ErrUnsupportedFilter = errors.New("unsupported filter")

// BuildFilter converts a lookup-syntax filter into a WHERE condition on
// table. Keys name a declared field, a column, or "pk"; a trailing lookup
// kind defaults to exact. Returns nil for an empty filter.
func BuildFilter(table *introspection.Table, filter map[string]any, conn lookup.Connection) (sq.Sqlizer, error) {
	if len(filter) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	quotedTable := sqlutil.QuoteIdentifier(table.Name)
	var conds sq.And
	for _, key := range keys {
		name, kind := lookup.ParseFilterKey(key)
		if strings.Contains(name, lookup.Separator) {
			return nil, fmt.Errorf("%w: %s spans relations", ErrUnsupportedFilter, key)
		}
		field, err := resolveFilterField(table, name)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", key, err)
		}

		value, err := field.PrepareLookup(kind, filter[key], conn, false)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", key, err)
		}
		kind = lookup.EffectiveKind(kind, conn)

		var cond sq.Sqlizer
		if field.IsManyToMany() {
			cond, err = manyToManyCondition(quotedTable, field.Relation, kind, value)
		} else {
			cond, err = condition(sqlutil.QualifiedIdentifier(quotedTable, field.Column), kind, value)
		}
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", key, err)
		}
		conds = append(conds, cond)
	}
	return conds, nil
}

func resolveFilterField(table *introspection.Table, name string) (*introspection.Field, error) {
	if name == "pk" {
		pk, ok := introspection.SinglePrimaryKey(*table)
		if !ok {
			return nil, fmt.Errorf("%w: table %s", ErrNoPrimaryKey, table.Name)
		}
		name = pk
	}
	if field, ok := table.Field(name); ok {
		return field, nil
	}
	for i := range table.Fields {
		if table.Fields[i].Column == name {
			return &table.Fields[i], nil
		}
	}
	return nil, fmt.Errorf("unknown field %s on %s", name, table.Name)
}

func condition(col string, kind lookup.Kind, value any) (sq.Sqlizer, error) {
	switch kind {
	case lookup.Exact, lookup.In:
		return sq.Eq{col: value}, nil
	case lookup.IExact:
		return sq.Expr("LOWER("+col+") = ?", value), nil
	case lookup.Contains, lookup.StartsWith, lookup.EndsWith:
		return sq.Expr(col+" LIKE ?", value), nil
	case lookup.IContains:
		return sq.Expr("LOWER("+col+") LIKE ?", value), nil
	case lookup.Gt:
		return sq.Gt{col: value}, nil
	case lookup.Gte:
		return sq.GtOrEq{col: value}, nil
	case lookup.Lt:
		return sq.Lt{col: value}, nil
	case lookup.Lte:
		return sq.LtOrEq{col: value}, nil
	case lookup.Range:
		bounds, ok := value.([]any)
		if !ok || len(bounds) != 2 {
			return nil, fmt.Errorf("range requires two bounds")
		}
		return sq.Expr(col+" BETWEEN ? AND ?", bounds[0], bounds[1]), nil
	case lookup.IsNull:
		if isNull, _ := value.(bool); isNull {
			return sq.Eq{col: nil}, nil
		}
		return sq.NotEq{col: nil}, nil
	default:
		return nil, fmt.Errorf("%w: %s", lookup.ErrUnsupportedLookup, kind)
	}
}

// manyToManyCondition tests the junction rows of each row in quotedTable.
// isnull=true matches rows without related objects.
func manyToManyCondition(quotedTable string, rel *introspection.Relation, kind lookup.Kind, value any) (sq.Sqlizer, error) {
	if len(rel.LocalColumns) != 1 || len(rel.JunctionLocalColumns) != 1 || len(rel.JunctionRemoteColumns) != 1 {
		return nil, fmt.Errorf("%w: composite junction %s", ErrUnsupportedFilter, rel.JunctionTable)
	}
	quotedJunction := sqlutil.QuoteIdentifier(rel.JunctionTable)
	sub := sq.Select("1").
		From(quotedJunction).
		Where(fmt.Sprintf("%s = %s",
			sqlutil.QualifiedIdentifier(quotedJunction, rel.JunctionLocalColumns[0]),
			sqlutil.QualifiedIdentifier(quotedTable, rel.LocalColumns[0]),
		))

	prefix := "EXISTS"
	if kind == lookup.IsNull {
		if isNull, _ := value.(bool); isNull {
			prefix = "NOT EXISTS"
		}
	} else {
		cond, err := condition(sqlutil.QualifiedIdentifier(quotedJunction, rel.JunctionRemoteColumns[0]), kind, value)
		if err != nil {
			return nil, err
		}
		sub = sub.Where(cond)
	}

	subSQL, subArgs, err := sub.ToSql()
	if err != nil {
		return nil, err
	}
	return sq.Expr(prefix+" ("+subSQL+")", subArgs...), nil
}
