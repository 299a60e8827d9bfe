package planner

import (
	"fmt"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// RelationHop is one step from rows of Source to the related rows of Target.
// Forward hops follow a field declared on Source; reverse hops follow a field
// declared on Target back to Source.
type RelationHop struct {
	Source  *introspection.Table
	Target  *introspection.Table
	Field   *introspection.Field
	Forward bool
}

// SourceKey is the Source column whose values identify parents in a batch.
func (h RelationHop) SourceKey() (string, error) {
	cols := h.Field.Relation.RemoteColumns
	if h.Forward {
		cols = h.Field.Relation.LocalColumns
	}
	if len(cols) != 1 {
		return "", fmt.Errorf("relation %s on %s has a composite key", h.Field.Name, h.Source.Name)
	}
	return cols[0], nil
}

// PlanRelatedBatch builds the SQL fetching the Target rows related to the
// given parent key values. Each row carries its parent key in the
// BatchParentAlias column. Rows are ordered by Target primary key unless c
// orders them.
func PlanRelatedBatch(hop RelationHop, values []interface{}, c Customizer) (SQLQuery, error) {
	if len(values) == 0 {
		return SQLQuery{}, nil
	}
	if hop.Field == nil || hop.Field.Relation == nil {
		return SQLQuery{}, fmt.Errorf("related batch requires a relation field")
	}
	rel := hop.Field.Relation
	quotedTarget := sqlutil.QuoteIdentifier(hop.Target.Name)
	builder := sq.Select(qualifiedColumnNames(quotedTarget, columnNamesOf(hop.Target))...).
		From(quotedTarget)

	var parentCol string
	switch {
	case !hop.Field.IsManyToMany():
		// Forward hops match the referenced key; reverse hops match the FK.
		cols := rel.RemoteColumns
		if !hop.Forward {
			cols = rel.LocalColumns
		}
		if len(cols) != 1 {
			return SQLQuery{}, fmt.Errorf("relation %s has a composite key", hop.Field.Name)
		}
		parentCol = sqlutil.QualifiedIdentifier(quotedTarget, cols[0])
	default:
		if len(rel.JunctionLocalColumns) != 1 || len(rel.JunctionRemoteColumns) != 1 ||
			len(rel.LocalColumns) != 1 || len(rel.RemoteColumns) != 1 {
			return SQLQuery{}, fmt.Errorf("relation %s has a composite junction", hop.Field.Name)
		}
		quotedJunction := sqlutil.QuoteIdentifier(rel.JunctionTable)
		// The junction's near column holds the parent key; its far column
		// joins the target.
		near, far, targetKey := rel.JunctionLocalColumns[0], rel.JunctionRemoteColumns[0], rel.RemoteColumns[0]
		if !hop.Forward {
			near, far, targetKey = far, near, rel.LocalColumns[0]
		}
		builder = builder.Join(fmt.Sprintf("%s ON %s = %s",
			quotedJunction,
			sqlutil.QualifiedIdentifier(quotedJunction, far),
			sqlutil.QualifiedIdentifier(quotedTarget, targetKey),
		))
		parentCol = sqlutil.QualifiedIdentifier(quotedJunction, near)
	}

	builder = builder.
		Column(fmt.Sprintf("%s AS %s", parentCol, BatchParentAlias)).
		Where(sq.Eq{parentCol: values})
	return finish(hop.Target, builder, c)
}
