// Package registry holds the relation accessors of every entity type in a
// schema: a static map from entity to attribute name to the relation it
// follows. It is built once after introspection and read concurrently.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/naming"
	"tidb-prefetch/internal/planner"
	"tidb-prefetch/internal/related"
)

// Step is one relation reachable from an entity under an attribute name.
type Step struct {
	// Name is the attribute on Source.
	Name string
	// Forward is true when Field is declared on Source.
	Forward bool
	Field   *introspection.Field
	// Descriptor is set for reverse steps.
	Descriptor *related.Descriptor
	Source     *introspection.Table
	Target     *introspection.Table
}

// Multiple reports whether the step yields a list of rows.
func (s Step) Multiple() bool {
	if s.Forward {
		return s.Field.IsManyToMany()
	}
	return s.Descriptor.Multiple()
}

// CacheSlot is the row key a single-valued step's object is memoized under.
func (s Step) CacheSlot() (string, error) {
	if s.Forward {
		return "_" + s.Name + "_cache", nil
	}
	return s.Descriptor.CacheSlotName()
}

// Hop is the planner view of the step.
func (s Step) Hop() planner.RelationHop {
	return planner.RelationHop{
		Source:  s.Source,
		Target:  s.Target,
		Field:   s.Field,
		Forward: s.Forward,
	}
}

func (s Step) String() string {
	direction := "reverse"
	if s.Forward {
		direction = "forward"
	}
	return fmt.Sprintf("%s.%s -> %s (%s %s)", s.Source.Name, s.Name, s.Target.Name, direction, s.Field.Relation.Cardinality)
}

// Options configures Build.
type Options struct {
	Logger *slog.Logger
}

// Registry maps entity types to their relation accessors.
type Registry struct {
	schema      *introspection.Schema
	steps       map[string]map[string]Step
	descriptors map[string][]*related.Descriptor
}

// Build registers a forward step for every relation field and a reverse
// step for every relation with an accessor. Foreign keys declared on pure
// junction tables get no reverse accessor. All naming problems are reported
// together.
func Build(ctx context.Context, schema *introspection.Schema, opts Options) (*Registry, error) {
	_, span := startSpan(ctx, "registry.build")
	defer span.End()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if schema == nil {
		return nil, fmt.Errorf("registry requires a schema")
	}

	r := &Registry{
		schema:      schema,
		steps:       make(map[string]map[string]Step),
		descriptors: make(map[string][]*related.Descriptor),
	}
	resolver := naming.NewCollisionResolver(logger)
	types := naming.NewCollisionResolver(logger)
	var errs []error

	junctions := make(map[string]bool)
	for i := range schema.Tables {
		table := &schema.Tables[i]
		// Labels key descriptor bindings and must be unique per schema.
		if err := types.Register("schema "+schema.Database, table.Label(), "table "+table.Name); err != nil {
			errs = append(errs, err)
		}
		for j := range table.Fields {
			field := &table.Fields[j]
			if field.IsManyToMany() {
				junctions[field.Relation.JunctionTable] = true
			}
			if err := resolver.Register(table.Name, field.Name, "field "+table.Name+"."+field.Name); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for i := range schema.Tables {
		table := &schema.Tables[i]
		for j := range table.Fields {
			field := &table.Fields[j]
			if !field.IsRelation() {
				continue
			}
			target, ok := schema.Table(field.Relation.Target)
			if !ok {
				logger.Warn("skipping relation to unknown table",
					slog.String("table", table.Name),
					slog.String("field", field.Name),
					slog.String("target", field.Relation.Target),
				)
				continue
			}

			if err := naming.ValidateAttribute(field.Name); err != nil {
				errs = append(errs, fmt.Errorf("%s.%s: %w", table.Name, field.Name, err))
				continue
			}
			r.add(Step{Name: field.Name, Forward: true, Field: field, Source: table, Target: target})

			if junctions[table.Name] {
				continue
			}
			d, err := related.New(target, table, field)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			accessor, ok := d.AccessorName()
			if !ok {
				continue
			}
			if err := naming.ValidateAttribute(accessor); err != nil {
				errs = append(errs, fmt.Errorf("reverse accessor for %s.%s: %w", table.Name, field.Name, err))
				continue
			}
			if err := resolver.Register(target.Name, accessor, "reverse of "+table.Name+"."+field.Name); err != nil {
				errs = append(errs, err)
				continue
			}
			r.add(Step{Name: accessor, Field: field, Descriptor: d, Source: target, Target: table})
			r.descriptors[target.Name] = append(r.descriptors[target.Name], d)
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		recordSpanError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("registry.descriptors", r.descriptorCount()))
	return r, nil
}

func (r *Registry) add(step Step) {
	if r.steps[step.Source.Name] == nil {
		r.steps[step.Source.Name] = make(map[string]Step)
	}
	r.steps[step.Source.Name][step.Name] = step
}

func (r *Registry) descriptorCount() int {
	n := 0
	for _, ds := range r.descriptors {
		n += len(ds)
	}
	return n
}

// Schema returns the schema the registry was built from.
func (r *Registry) Schema() *introspection.Schema {
	return r.schema
}

// Table returns the named entity type.
func (r *Registry) Table(name string) (*introspection.Table, bool) {
	return r.schema.Table(name)
}

// Resolve returns the relation reachable from table under name.
func (r *Registry) Resolve(table, name string) (Step, bool) {
	step, ok := r.steps[table][name]
	return step, ok
}

// Descriptors returns the reverse relations pointing at table, in
// declaration order.
func (r *Registry) Descriptors(table string) []*related.Descriptor {
	return append([]*related.Descriptor(nil), r.descriptors[table]...)
}

// Accessors returns the relation attribute names of table, sorted.
func (r *Registry) Accessors(table string) []string {
	names := make([]string, 0, len(r.steps[table]))
	for name := range r.steps[table] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Steps returns the relations of table, sorted by attribute name.
func (r *Registry) Steps(table string) []Step {
	names := r.Accessors(table)
	steps := make([]Step, len(names))
	for i, name := range names {
		steps[i] = r.steps[table][name]
	}
	return steps
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("tidb-prefetch/registry")
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
