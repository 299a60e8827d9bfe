package prefetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/observability"
	"tidb-prefetch/internal/planner"
	"tidb-prefetch/internal/registry"
	"tidb-prefetch/internal/store"
)

// CacheKey is the row key holding multi-valued relations fetched under
// their accessor name.
const CacheKey = "_prefetched_objects_cache"

// DefaultBatchSize bounds the number of parent keys sent in one query.
const DefaultBatchSize = 500

// ErrNotPrefetchable is returned when a lookup with a query set names a path
// an earlier lookup already fetched.
var ErrNotPrefetchable = errors.New("prefetch: lookup cannot be prefetched")

// Fetcher loads the related rows of a hop for a batch of parent keys.
type Fetcher interface {
	FetchRelated(ctx context.Context, hop planner.RelationHop, parents []any, c planner.Customizer) ([]store.Row, error)
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	BatchSize int
	Logger    *slog.Logger
	// Metrics overrides metrics found in the run context.
	Metrics *observability.PrefetchMetrics
}

// Engine executes lookups against rows of a registry's entity types.
// It is safe for concurrent use; each Run keeps its own state.
type Engine struct {
	registry  *registry.Registry
	fetcher   Fetcher
	batchSize int
	logger    *slog.Logger
	metrics   *observability.PrefetchMetrics
}

// NewEngine returns an engine resolving relation names through reg and
// loading rows through fetcher.
func NewEngine(reg *registry.Registry, fetcher Fetcher, opts EngineOptions) *Engine {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:  reg,
		fetcher:   fetcher,
		batchSize: batchSize,
		logger:    logger,
		metrics:   opts.Metrics,
	}
}

// levelResult is what a level path resolved to within one Run.
type levelResult struct {
	table *introspection.Table
	rows  []store.Row
}

type run struct {
	*Engine
	metrics *observability.PrefetchMetrics
	done    map[string]levelResult
	seen    map[string]struct{}
}

// Run attaches the rows named by lookups to rows of table, one level at a
// time. Each level issues at most one query per batch of distinct parent
// keys, and a level path shared by several lookups is fetched once.
func (e *Engine) Run(ctx context.Context, table string, rows []store.Row, lookups ...Lookup) (err error) {
	ctx, span := startSpan(ctx, "prefetch.run",
		attribute.String("prefetch.table", table),
		attribute.Int("prefetch.rows", len(rows)),
		attribute.Int("prefetch.lookups", len(lookups)),
	)
	defer span.End()

	r := &run{
		Engine:  e,
		metrics: e.metrics,
		done:    make(map[string]levelResult),
		seen:    make(map[string]struct{}),
	}
	if r.metrics == nil {
		r.metrics = observability.PrefetchMetricsFromContext(ctx)
	}
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.RecordRun(ctx, table, len(lookups), time.Since(start), err != nil)
		}
		recordSpanError(span, err)
	}()

	root, ok := e.registry.Table(table)
	if !ok {
		return fmt.Errorf("%w: table %q", ErrUnknownRelation, table)
	}
	if len(rows) == 0 {
		return nil
	}

	queue := append([]Lookup(nil), lookups...)
	for i := 0; i < len(queue); i++ {
		l := queue[i]
		_, walked := r.seen[l.Key()]
		_, reached := r.done[l.RefPath()]
		if walked || reached {
			if l.QuerySet() != nil {
				return fmt.Errorf("%w: %q was already seen with a different query set", ErrNotPrefetchable, l.RefPath())
			}
			continue
		}
		r.seen[l.Key()] = struct{}{}

		nested, err := r.lookup(ctx, root, rows, l)
		if err != nil {
			return err
		}
		queue = append(queue, nested...)
	}
	return nil
}

// lookup walks one lookup from the root rows and returns the lookups its
// query set asks to run on the fetched rows.
func (r *run) lookup(ctx context.Context, table *introspection.Table, rows []store.Row, l Lookup) ([]Lookup, error) {
	var nested []Lookup
	for level := 0; level < l.Depth(); level++ {
		if len(rows) == 0 {
			break
		}
		levelPath, err := l.LevelPath(level)
		if err != nil {
			return nil, err
		}
		if prev, ok := r.done[levelPath]; ok {
			name, _ := l.Segment(level)
			if r.metrics != nil {
				r.metrics.RecordReuse(ctx, name)
			}
			table, rows = prev.table, prev.rows
			continue
		}

		name, err := l.Segment(level)
		if err != nil {
			return nil, err
		}
		step, ok := r.registry.Resolve(table.Name, name)
		if !ok {
			return nil, fmt.Errorf("%w: %q does not resolve to a relation on %s (lookup %q)", ErrUnknownRelation, name, table.Name, l.Path())
		}
		attr, renamed, err := l.Destination(level)
		if err != nil {
			return nil, err
		}
		if renamed {
			if err := r.checkToAttr(table, attr); err != nil {
				return nil, err
			}
		}

		var qs QuerySet
		if level == l.Depth()-1 {
			qs = l.QuerySet()
		}

		next, err := r.level(ctx, step, rows, attr, renamed, qs)
		if err != nil {
			return nil, err
		}
		r.done[levelPath] = levelResult{table: step.Target, rows: next}

		if n, ok := qs.(Nester); ok {
			for _, inner := range n.Lookups() {
				nested = append(nested, inner.WithPrefix(levelPath))
			}
		}
		table, rows = step.Target, next
	}
	return nested, nil
}

// level resolves one hop for rows and returns the related rows now attached
// to them, in parent order.
func (r *run) level(ctx context.Context, step registry.Step, rows []store.Row, attr string, renamed bool, qs QuerySet) (out []store.Row, err error) {
	ctx, span := startSpan(ctx, "prefetch.level",
		attribute.String("prefetch.relation", step.String()),
		attribute.String("prefetch.attr", attr),
		attribute.Int("prefetch.parents", len(rows)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.RecordLevel(ctx, step.Name, step.Field.Relation.Cardinality.String(), time.Since(start), err)
		}
		recordSpanError(span, err)
	}()

	multiple := step.Multiple()
	slot := ""
	if !multiple && !renamed {
		if slot, err = step.CacheSlot(); err != nil {
			return nil, err
		}
	}

	if fetched(rows, attr, renamed, multiple, slot) {
		span.SetAttributes(attribute.Bool("prefetch.already_fetched", true))
		return collect(rows, attr, renamed, multiple, slot), nil
	}

	hop := step.Hop()
	sourceKey, err := hop.SourceKey()
	if err != nil {
		return nil, err
	}

	groups, err := r.fetch(ctx, step, hop, parentKeys(rows, sourceKey), qs)
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		var related []store.Row
		if v := row[sourceKey]; v != nil {
			related = groups[keyOf(v)]
		}
		attach(row, attr, renamed, multiple, slot, related)
	}
	out = collect(rows, attr, renamed, multiple, slot)
	span.SetAttributes(attribute.Int("prefetch.related", len(out)))
	return out, nil
}

// fetch loads the related rows of keys in batches and groups them by parent key.
func (r *run) fetch(ctx context.Context, step registry.Step, hop planner.RelationHop, keys []any, qs QuerySet) (map[string][]store.Row, error) {
	groups := make(map[string][]store.Row)
	for startIdx := 0; startIdx < len(keys); startIdx += r.batchSize {
		end := min(startIdx+r.batchSize, len(keys))
		batch := keys[startIdx:end]

		results, err := r.fetcher.FetchRelated(ctx, hop, batch, qs)
		if err != nil {
			return nil, fmt.Errorf("prefetch %s: %w", step, err)
		}
		if r.metrics != nil {
			r.metrics.RecordBatch(ctx, step.Name, len(batch), len(results))
		}
		r.logger.Debug("prefetched batch",
			slog.String("relation", step.String()),
			slog.Int("parents", len(batch)),
			slog.Int("rows", len(results)),
		)

		for _, row := range results {
			parent, ok := row[planner.BatchParentAlias]
			if !ok {
				return nil, fmt.Errorf("prefetch %s: result row has no %s column", step, planner.BatchParentAlias)
			}
			delete(row, planner.BatchParentAlias)
			k := keyOf(parent)
			groups[k] = append(groups[k], row)
		}
	}
	return groups, nil
}

// parentKeys returns the distinct non-nil values of column in rows.
func parentKeys(rows []store.Row, column string) []any {
	seen := make(map[string]bool, len(rows))
	keys := make([]any, 0, len(rows))
	for _, row := range rows {
		v := row[column]
		if v == nil {
			continue
		}
		k := keyOf(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, v)
	}
	return keys
}

// keyOf normalizes a key value so driver representations of the same key
// (int64 and []byte, for instance) group together.
func keyOf(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

// attach stores related at the destination of row. Multi-valued results are
// always a non-nil list; single-valued results are the first row or nil.
func attach(row store.Row, attr string, renamed, multiple bool, slot string, related []store.Row) {
	if multiple && related == nil {
		related = []store.Row{}
	}
	switch {
	case multiple && renamed:
		row[attr] = related
	case multiple:
		cache, _ := row[CacheKey].(map[string][]store.Row)
		if cache == nil {
			cache = make(map[string][]store.Row)
			row[CacheKey] = cache
		}
		cache[attr] = related
	default:
		key := slot
		if renamed {
			key = attr
		}
		if len(related) == 0 {
			row[key] = nil
			return
		}
		row[key] = related[0]
	}
}

// fetched reports whether every row already holds the destination.
func fetched(rows []store.Row, attr string, renamed, multiple bool, slot string) bool {
	for _, row := range rows {
		switch {
		case renamed:
			if _, ok := row[attr]; !ok {
				return false
			}
		case multiple:
			cache, _ := row[CacheKey].(map[string][]store.Row)
			if _, ok := cache[attr]; !ok {
				return false
			}
		default:
			if _, ok := row[slot]; !ok {
				return false
			}
		}
	}
	return true
}

// collect gathers the rows attached at the destination, skipping empty
// single-valued slots.
func collect(rows []store.Row, attr string, renamed, multiple bool, slot string) []store.Row {
	var out []store.Row
	for _, row := range rows {
		key := slot
		if renamed {
			key = attr
		}
		if multiple && !renamed {
			cache, _ := row[CacheKey].(map[string][]store.Row)
			out = append(out, cache[attr]...)
			continue
		}
		switch v := row[key].(type) {
		case []store.Row:
			out = append(out, v...)
		case store.Row:
			if v != nil {
				out = append(out, v)
			}
		}
	}
	return out
}

// checkToAttr rejects destinations that would shadow a field, a column or
// a relation accessor of table. A shadowed accessor would make a later
// lookup of that relation look already fetched.
func (r *run) checkToAttr(table *introspection.Table, attr string) error {
	if step, ok := r.registry.Resolve(table.Name, attr); ok {
		return fmt.Errorf("%w: to_attr=%s conflicts with the relation %s", ErrInvalidConfiguration, attr, step)
	}
	if _, ok := table.Field(attr); ok {
		return fmt.Errorf("%w: to_attr=%s conflicts with a field on %s", ErrInvalidConfiguration, attr, table.Name)
	}
	if _, ok := table.Column(attr); ok {
		return fmt.Errorf("%w: to_attr=%s conflicts with a column on %s", ErrInvalidConfiguration, attr, table.Name)
	}
	return nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("tidb-prefetch/prefetch")
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
