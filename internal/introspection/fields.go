package introspection

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"tidb-prefetch/internal/lookup"
	"tidb-prefetch/internal/naming"
	"tidb-prefetch/internal/sqltype"
)

// Cardinality classifies a relation field as declared on its entity.
type Cardinality int

const (
	// ManyToOne is a foreign key; the reverse side is one-to-many.
	ManyToOne Cardinality = iota + 1
	// OneToOne is a foreign key covered by a unique index; the reverse side is single-valued.
	OneToOne
	// ManyToMany is a relation through a junction table.
	ManyToMany
)

// Multiple reports whether the reverse side of the relation holds many objects.
func (c Cardinality) Multiple() bool {
	return c == ManyToOne || c == ManyToMany
}

func (c Cardinality) String() string {
	switch c {
	case ManyToOne:
		return "many_to_one"
	case OneToOne:
		return "one_to_one"
	case ManyToMany:
		return "many_to_many"
	default:
		return "unknown"
	}
}

// Relation describes where a relation field points.
type Relation struct {
	Cardinality Cardinality
	// Symmetrical is only meaningful for self-referential ManyToMany relations.
	Symmetrical bool
	// RelatedName overrides the reverse accessor name.
	RelatedName string
	// Target is the referenced table name.
	Target string
	// LocalColumns are the FK columns on the declaring table (ManyToOne/OneToOne)
	// or the declaring table's key columns (ManyToMany).
	LocalColumns []string
	// RemoteColumns are the referenced key columns on Target.
	RemoteColumns []string
	// Junction mappings are positional: JunctionLocalColumns[i] joins LocalColumns[i],
	// JunctionRemoteColumns[i] joins RemoteColumns[i].
	JunctionTable         string
	JunctionLocalColumns  []string
	JunctionRemoteColumns []string
}

// Field is one declared attribute of an entity type.
type Field struct {
	Name string
	// Column is empty for ManyToMany fields.
	Column   string
	Kind     sqltype.Kind
	Editable bool
	Relation *Relation
}

// IsRelation reports whether the field points at another entity.
func (f *Field) IsRelation() bool {
	return f.Relation != nil
}

// IsManyToMany reports whether the field is stored in a junction table.
func (f *Field) IsManyToMany() bool {
	return f.Relation != nil && f.Relation.Cardinality == ManyToMany
}

// JunctionFKInfo contains foreign key details for a junction relationship.
type JunctionFKInfo struct {
	ConstraintName    string
	ColumnNames       []string
	ReferencedTable   string
	ReferencedColumns []string
}

// JunctionConfig describes a pure junction table that becomes a ManyToMany field.
type JunctionConfig struct {
	Table   string
	LeftFK  JunctionFKInfo
	RightFK JunctionFKInfo
}

// SelfReferential reports whether both sides of the junction point at the same table.
func (j JunctionConfig) SelfReferential() bool {
	return j.LeftFK.ReferencedTable == j.RightFK.ReferencedTable
}

// JunctionMap maps junction table names to their configuration.
type JunctionMap map[string]JunctionConfig

// FieldOptions customizes field derivation.
type FieldOptions struct {
	// RelatedNames maps "table.column" (foreign keys) or a junction table
	// name (many-to-many) to a custom reverse accessor name.
	RelatedNames map[string]string
	// Asymmetrical lists self-referential junction tables whose relation is
	// not symmetrical. Self-referential many-to-many relations are
	// symmetrical unless listed here.
	Asymmetrical map[string]bool
	// NonEditable maps table names to columns that are not editable.
	NonEditable map[string][]string
}

// BuildFields derives the declared fields of every table. Foreign key columns
// become relation fields in place; pure junctions add a ManyToMany field to
// the table referenced by their left foreign key. Any previous fields are
// replaced.
func BuildFields(ctx context.Context, schema *Schema, namer *naming.Namer, junctions JunctionMap, opts FieldOptions) {
	_, span := startSpan(ctx, "introspection.build_fields")
	defer span.End()

	if schema == nil {
		return
	}
	if namer == nil {
		namer = naming.Default()
	}

	for i := range schema.Tables {
		table := &schema.Tables[i]
		table.Fields = buildColumnFields(*table, namer, opts)
	}

	names := make([]string, 0, len(junctions))
	for name := range junctions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		jc := junctions[name]
		owner, ok := schema.Table(jc.LeftFK.ReferencedTable)
		if !ok {
			continue
		}
		target, ok := schema.Table(jc.RightFK.ReferencedTable)
		if !ok {
			continue
		}
		if len(jc.LeftFK.ColumnNames) != 1 || len(jc.RightFK.ColumnNames) != 1 {
			slog.Default().Warn("skipping composite many-to-many junction",
				slog.String("junction", jc.Table),
			)
			continue
		}

		fieldName := namer.ManyToManyFieldName(target.Name)
		if jc.SelfReferential() {
			fieldName = namer.SelfManyToManyFieldName(jc.Table, owner.Name)
		}
		if _, exists := owner.Field(fieldName); exists {
			fieldName = strings.ToLower(jc.Table)
		}

		kind := sqltype.KindString
		if col, ok := target.Column(jc.RightFK.ReferencedColumns[0]); ok {
			kind = col.Kind()
		}

		owner.Fields = append(owner.Fields, Field{
			Name:     fieldName,
			Kind:     kind,
			Editable: true,
			Relation: &Relation{
				Cardinality:           ManyToMany,
				Symmetrical:           jc.SelfReferential() && !opts.Asymmetrical[jc.Table],
				RelatedName:           opts.RelatedNames[jc.Table],
				Target:                target.Name,
				LocalColumns:          append([]string(nil), jc.LeftFK.ReferencedColumns...),
				RemoteColumns:         append([]string(nil), jc.RightFK.ReferencedColumns...),
				JunctionTable:         jc.Table,
				JunctionLocalColumns:  append([]string(nil), jc.LeftFK.ColumnNames...),
				JunctionRemoteColumns: append([]string(nil), jc.RightFK.ColumnNames...),
			},
		})
	}
}

func buildColumnFields(table Table, namer *naming.Namer, opts FieldOptions) []Field {
	nonEditable := make(map[string]bool)
	for _, col := range opts.NonEditable[table.Name] {
		nonEditable[col] = true
	}

	fkByColumn := make(map[string]ForeignKeyConstraint)
	for _, fk := range ForeignKeyConstraints(table) {
		if !fk.IsSingleColumn() {
			slog.Default().Warn("skipping composite foreign key relation",
				slog.String("table", table.Name),
				slog.String("constraint", fk.ConstraintName),
				slog.Any("columns", fk.ColumnNames),
			)
			continue
		}
		fkByColumn[fk.ColumnNames[0]] = fk
	}

	fields := make([]Field, 0, len(table.Columns))
	for _, col := range table.Columns {
		field := Field{
			Name:     col.Name,
			Column:   col.Name,
			Kind:     col.Kind(),
			Editable: !col.IsAutoIncrement && !col.IsAutoRandom && !col.IsGenerated && !nonEditable[col.Name],
		}
		if fk, ok := fkByColumn[col.Name]; ok {
			name := namer.ForwardFieldName(col.Name)
			if _, clash := table.Column(name); clash && name != col.Name {
				name = col.Name
			}
			cardinality := ManyToOne
			if HasUniqueIndex(table, fk.ColumnNames) {
				cardinality = OneToOne
			}
			field.Name = name
			field.Relation = &Relation{
				Cardinality:   cardinality,
				RelatedName:   opts.RelatedNames[table.Name+"."+col.Name],
				Target:        fk.ReferencedTable,
				LocalColumns:  append([]string(nil), fk.ColumnNames...),
				RemoteColumns: append([]string(nil), fk.ReferencedColumns...),
			}
		}
		fields = append(fields, field)
	}
	return fields
}

// PrepareLookup returns a database-ready argument for a lookup against this
// field. Unless prepared is set, the value is first coerced to the field's kind.
func (f *Field) PrepareLookup(kind lookup.Kind, value any, conn lookup.Connection, prepared bool) (any, error) {
	kind = lookup.EffectiveKind(kind, conn)
	if !prepared && kind != lookup.IsNull {
		coerced, err := f.coerce(kind, value)
		if err != nil {
			return nil, err
		}
		value = coerced
	}
	return lookup.Prepare(kind, value)
}

func (f *Field) coerce(kind lookup.Kind, value any) (any, error) {
	switch kind {
	case lookup.Contains, lookup.IContains, lookup.StartsWith, lookup.EndsWith, lookup.IExact:
		return value, nil
	case lookup.In, lookup.Range:
		values, err := lookup.Prepare(lookup.In, value)
		if err != nil {
			return nil, err
		}
		list := values.([]any)
		for i, v := range list {
			if list[i], err = sqltype.Coerce(f.Kind, v); err != nil {
				return nil, err
			}
		}
		return list, nil
	default:
		return sqltype.Coerce(f.Kind, value)
	}
}
