// Package prefetch encodes prefetch instructions and executes them level by
// level against the relation registry, attaching related rows to the rows
// they belong to.
package prefetch

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/cespare/xxhash/v2"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/lookup"
	"tidb-prefetch/internal/planner"
)

var (
	// ErrInvalidConfiguration is returned for a malformed lookup, a custom
	// query set without to_attr, or a to_attr that shadows an attribute.
	ErrInvalidConfiguration = errors.New("prefetch: invalid lookup configuration")
	// ErrLevelOutOfRange is returned for a level outside [0, Depth()).
	ErrLevelOutOfRange = errors.New("prefetch: level out of range")
	// ErrUnknownRelation is returned when a path segment names no relation.
	ErrUnknownRelation = errors.New("prefetch: unknown relation")
)

// QuerySet reshapes the default query for the related rows of the last
// hop, e.g. planner.Refinement to filter or order them.
type QuerySet = planner.Customizer

// Lookup is an immutable prefetch instruction: a path of relation names,
// an optional attribute to store the last hop under, and an optional custom
// query set for the last hop. Two lookups are equal when their RefPath is.
type Lookup struct {
	path     string
	toAttr   string
	querySet QuerySet
}

// Option configures a Lookup.
type Option func(*Lookup)

// WithToAttr stores the last hop's rows under attr as a plain list.
func WithToAttr(attr string) Option {
	return func(l *Lookup) { l.toAttr = attr }
}

// WithQuerySet replaces the default query for the last hop. It requires WithToAttr.
func WithQuerySet(qs QuerySet) Option {
	return func(l *Lookup) { l.querySet = qs }
}

// New builds a lookup for path. Every segment of path must be non-empty
// and ToAttr must be a single segment.
func New(path string, opts ...Option) (Lookup, error) {
	l := Lookup{path: path}
	for _, opt := range opts {
		opt(&l)
	}
	if path == "" || slices.Contains(lookup.Split(path), "") {
		return Lookup{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidConfiguration, path)
	}
	if strings.Contains(l.toAttr, lookup.Separator) {
		return Lookup{}, fmt.Errorf("%w: to_attr %q contains %q", ErrInvalidConfiguration, l.toAttr, lookup.Separator)
	}
	if l.querySet != nil && l.toAttr == "" {
		return Lookup{}, fmt.Errorf("%w: custom query set for %s requires to_attr", ErrInvalidConfiguration, path)
	}
	return l, nil
}

// MustNew is New for statically known lookups. It panics on error.
func MustNew(path string, opts ...Option) Lookup {
	l, err := New(path, opts...)
	if err != nil {
		panic(err)
	}
	return l
}

// Path is the relation path walked from the root rows.
func (l Lookup) Path() string { return l.path }

// ToAttr is the destination attribute of the last hop, or "".
func (l Lookup) ToAttr() string { return l.toAttr }

// QuerySet is the custom query set of the last hop, or nil.
func (l Lookup) QuerySet() QuerySet { return l.querySet }

// WithPrefix returns l re-rooted under prefix.
func (l Lookup) WithPrefix(prefix string) Lookup {
	return Lookup{
		path:     prefix + lookup.Separator + l.path,
		toAttr:   l.toAttr,
		querySet: l.querySet,
	}
}

// RefPath is the path nested lookups reach this one's results through:
// Path with its last segment replaced by ToAttr, when set.
func (l Lookup) RefPath() string {
	if l.toAttr == "" {
		return l.path
	}
	idx := strings.LastIndex(l.path, lookup.Separator)
	if idx == -1 {
		return l.toAttr
	}
	return l.path[:idx+len(lookup.Separator)] + l.toAttr
}

// Depth is the number of hops.
func (l Lookup) Depth() int {
	return len(lookup.Split(l.path))
}

// LevelPath returns the first level+1 segments of RefPath.
func (l Lookup) LevelPath(level int) (string, error) {
	parts := lookup.Split(l.RefPath())
	if level < 0 || level >= len(parts) {
		return "", fmt.Errorf("%w: level %d of %q", ErrLevelOutOfRange, level, l.RefPath())
	}
	return lookup.Join(parts[:level+1]...), nil
}

// Destination returns the attribute results of hop level are stored under.
// renamed is true only for the last hop of a lookup with ToAttr; those
// results are stored as a plain list rather than in the relation's cache.
func (l Lookup) Destination(level int) (attr string, renamed bool, err error) {
	parts := lookup.Split(l.RefPath())
	if level < 0 || level >= len(parts) {
		return "", false, fmt.Errorf("%w: level %d of %q", ErrLevelOutOfRange, level, l.RefPath())
	}
	if l.toAttr == "" || level < len(parts)-1 {
		return parts[level], false, nil
	}
	return l.toAttr, true, nil
}

// Segment returns the relation name followed at hop level.
func (l Lookup) Segment(level int) (string, error) {
	parts := lookup.Split(l.path)
	if level < 0 || level >= len(parts) {
		return "", fmt.Errorf("%w: level %d of %q", ErrLevelOutOfRange, level, l.path)
	}
	return parts[level], nil
}

// Equal reports whether both lookups have the same RefPath.
func (l Lookup) Equal(other Lookup) bool {
	return l.RefPath() == other.RefPath()
}

// Hash is consistent with Equal.
func (l Lookup) Hash() uint64 {
	return xxhash.Sum64String(l.RefPath())
}

// Key returns a comparable identity consistent with Equal, for use as a map key.
func (l Lookup) Key() string {
	return l.RefPath()
}

func (l Lookup) String() string {
	toAttr := "None"
	if l.toAttr != "" {
		toAttr = l.toAttr
	}
	qs := "None"
	if l.querySet != nil {
		if s, ok := l.querySet.(fmt.Stringer); ok {
			qs = s.String()
		} else {
			qs = "custom"
		}
	}
	return fmt.Sprintf("<Lookup: lookup: %s, to_attr: %s, qs: %s>", l.path, toAttr, qs)
}

// Nester is implemented by query sets that carry prefetch lookups of their
// own. Those lookups run on the fetched rows, re-rooted under the
// destination of the lookup the query set belongs to.
type Nester interface {
	Lookups() []Lookup
}

// Nested returns a query set that customizes like qs (which may be nil) and
// prefetches lookups on its rows.
func Nested(qs QuerySet, lookups ...Lookup) QuerySet {
	return nestedQuerySet{inner: qs, lookups: lookups}
}

type nestedQuerySet struct {
	inner   QuerySet
	lookups []Lookup
}

func (n nestedQuerySet) Customize(table *introspection.Table, builder sq.SelectBuilder) (sq.SelectBuilder, error) {
	if n.inner == nil {
		return builder, nil
	}
	return n.inner.Customize(table, builder)
}

func (n nestedQuerySet) Ordered() bool {
	return n.inner != nil && planner.Orders(n.inner)
}

func (n nestedQuerySet) Lookups() []Lookup {
	return n.lookups
}

func (n nestedQuerySet) String() string {
	paths := make([]string, len(n.lookups))
	for i, l := range n.lookups {
		paths[i] = l.Path()
	}
	inner := "all"
	if s, ok := n.inner.(fmt.Stringer); ok {
		inner = s.String()
	}
	return fmt.Sprintf("%s prefetch(%s)", inner, strings.Join(paths, ", "))
}
