// Package related describes reverse relations: given an entity type and a
// relation field declared on another entity type pointing at it, a Descriptor
// names the reverse accessor and its cache slot, lists choices for selection
// widgets and exposes the declaring entity's editable fields.
//
// Descriptors are built once by the registry and read concurrently afterwards.
package related

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/lookup"
)

var (
	// ErrNilArgument is returned by New when an entity type or the field is nil.
	ErrNilArgument = errors.New("related: nil entity type or field")
	// ErrNoAccessor is returned when a cache slot is requested for a relation
	// that has no reverse accessor (a symmetrical self-referential many-to-many).
	ErrNoAccessor = errors.New("related: relation has no reverse accessor")
)

// Descriptor is the reverse side of one relation field.
type Descriptor struct {
	parent  *introspection.Table
	model   *introspection.Table
	field   *introspection.Field
	name    string
	varName string
}

// New builds the descriptor for field, declared on model and pointing at parent.
func New(parent, model *introspection.Table, field *introspection.Field) (*Descriptor, error) {
	if parent == nil || model == nil || field == nil {
		return nil, ErrNilArgument
	}
	if field.Relation == nil {
		return nil, fmt.Errorf("field %s.%s is not a relation", model.Name, field.Name)
	}
	return &Descriptor{
		parent:  parent,
		model:   model,
		field:   field,
		name:    model.Label(),
		varName: strings.ToLower(model.ObjectName),
	}, nil
}

// Parent is the entity type the relation points at.
func (d *Descriptor) Parent() *introspection.Table { return d.parent }

// Model is the entity type declaring the relation field.
func (d *Descriptor) Model() *introspection.Table { return d.model }

// Field is the relation field on Model.
func (d *Descriptor) Field() *introspection.Field { return d.field }

// Name is "namespace:modulename" of Model. It keys binding maps.
func (d *Descriptor) Name() string { return d.name }

// VarName is Model's lower-cased object name.
func (d *Descriptor) VarName() string { return d.varName }

// Multiple reports whether the accessor yields many objects.
func (d *Descriptor) Multiple() bool {
	return d.field.Relation.Cardinality.Multiple()
}

// SelfReferential reports whether Model and Parent are the same entity type.
func (d *Descriptor) SelfReferential() bool {
	return d.model.Name == d.parent.Name
}

// AccessorName returns the attribute exposing related Model objects on
// Parent instances. ok is false for a symmetrical many-to-many relation on
// a single entity type, where forward and reverse are the same relation.
func (d *Descriptor) AccessorName() (name string, ok bool) {
	rel := d.field.Relation
	if rel.Cardinality.Multiple() {
		if rel.Cardinality == introspection.ManyToMany && rel.Symmetrical && d.SelfReferential() {
			return "", false
		}
		if rel.RelatedName != "" {
			return rel.RelatedName, true
		}
		return d.varName + "_set", true
	}
	if rel.RelatedName != "" {
		return rel.RelatedName, true
	}
	return d.varName, true
}

// CacheSlotName returns the per-instance key memoizing the accessor's result.
func (d *Descriptor) CacheSlotName() (string, error) {
	accessor, ok := d.AccessorName()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoAccessor, d)
	}
	return "_" + accessor + "_cache", nil
}

// PrepareLookup defers to the relation field's value preparation.
func (d *Descriptor) PrepareLookup(kind lookup.Kind, value any, conn lookup.Connection, prepared bool) (any, error) {
	return d.field.PrepareLookup(kind, value, conn, prepared)
}

// EditableFields returns Model's editable fields in declaration order,
// many-to-many fields included, without the relation field itself.
func (d *Descriptor) EditableFields() []*introspection.Field {
	var fields []*introspection.Field
	for i := range d.model.Fields {
		f := &d.model.Fields[i]
		if !f.Editable || f.Name == d.field.Name {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

// Bind associates the descriptor with its entry in mapping.
func (d *Descriptor) Bind(mapping map[string]any, original any) *Bound {
	return &Bound{
		Relation:      d,
		FieldMappings: mapping[d.name],
		Original:      original,
	}
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("<RelatedObject: %s related to %s>", d.name, d.field.Name)
}

// Bound carries a descriptor with per-request binding state for rendering.
type Bound struct {
	Relation      *Descriptor
	FieldMappings any
	// Original is passed through unexamined.
	Original any
}

func (b *Bound) String() string {
	return fmt.Sprintf("<BoundRelatedObject: %s mappings=%v>", b.Relation.Name(), b.FieldMappings)
}

// EntityQuerier lists the instances of an entity type. Filter keys use the
// lookup syntax, e.g. {"author__isnull": false}.
type EntityQuerier interface {
	Query(ctx context.Context, table *introspection.Table, filter map[string]any) ([]map[string]any, error)
}

// Formatter renders an instance for display.
type Formatter interface {
	PrimaryKey(table *introspection.Table, row map[string]any) any
	Label(table *introspection.Table, row map[string]any) string
}

// Choice is one (value, label) pair for a selection widget.
type Choice struct {
	Value any
	Label string
}

// BlankChoiceDash is the default blank entry.
var BlankChoiceDash = []Choice{{Value: "", Label: "---------"}}

// ChoiceOptions controls Choices.
type ChoiceOptions struct {
	IncludeBlank bool
	// BlankChoice is prepended when IncludeBlank is set. Nil means BlankChoiceDash.
	BlankChoice []Choice
	// LimitToCurrentlyRelated keeps only instances taking part in the relation.
	LimitToCurrentlyRelated bool
}

// Choices lists every Model instance as a (primary key, label) pair.
// Errors from q propagate unchanged.
func (d *Descriptor) Choices(ctx context.Context, q EntityQuerier, f Formatter, opts ChoiceOptions) ([]Choice, error) {
	var choices []Choice
	if opts.IncludeBlank {
		blank := opts.BlankChoice
		if blank == nil {
			blank = BlankChoiceDash
		}
		choices = append(choices, blank...)
	}

	var filter map[string]any
	if opts.LimitToCurrentlyRelated {
		filter = map[string]any{d.field.Name + lookup.Separator + string(lookup.IsNull): false}
	}
	rows, err := q.Query(ctx, d.model, filter)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		choices = append(choices, Choice{
			Value: f.PrimaryKey(d.model, row),
			Label: f.Label(d.model, row),
		})
	}
	if choices == nil {
		choices = []Choice{}
	}
	return choices, nil
}
