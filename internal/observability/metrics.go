package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PrefetchMetrics holds the instruments recorded while resolving prefetch lookups.
type PrefetchMetrics struct {
	runDuration   metric.Float64Histogram
	levelDuration metric.Float64Histogram
	queries       metric.Int64Counter
	errors        metric.Int64Counter
	parentCount   metric.Int64Histogram
	resultRows    metric.Int64Histogram
	reusedLevels  metric.Int64Counter
}

// InitPrefetchMetrics creates the prefetch instruments on the global meter provider.
func InitPrefetchMetrics() (*PrefetchMetrics, error) {
	meter := otel.Meter("tidb-prefetch")

	runDuration, err := meter.Float64Histogram(
		"prefetch.run.duration",
		metric.WithDescription("Duration of a prefetch run in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run duration histogram: %w", err)
	}

	levelDuration, err := meter.Float64Histogram(
		"prefetch.level.duration",
		metric.WithDescription("Duration of resolving one lookup level in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create level duration histogram: %w", err)
	}

	queries, err := meter.Int64Counter(
		"prefetch.queries",
		metric.WithDescription("Number of batch queries issued for prefetching"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query counter: %w", err)
	}

	errs, err := meter.Int64Counter(
		"prefetch.errors",
		metric.WithDescription("Number of failed prefetch levels"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	parentCount, err := meter.Int64Histogram(
		"prefetch.batch.parent_count",
		metric.WithDescription("Number of parent keys included in a batch query"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch parent count histogram: %w", err)
	}

	resultRows, err := meter.Int64Histogram(
		"prefetch.batch.result_rows",
		metric.WithDescription("Number of rows returned by a batch query"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch result rows histogram: %w", err)
	}

	reusedLevels, err := meter.Int64Counter(
		"prefetch.levels.reused",
		metric.WithDescription("Number of lookup levels served from an earlier lookup in the same run"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reused levels counter: %w", err)
	}

	return &PrefetchMetrics{
		runDuration:   runDuration,
		levelDuration: levelDuration,
		queries:       queries,
		errors:        errs,
		parentCount:   parentCount,
		resultRows:    resultRows,
		reusedLevels:  reusedLevels,
	}, nil
}

// RecordRun records a whole prefetch run over one root table.
func (m *PrefetchMetrics) RecordRun(ctx context.Context, table string, lookups int, duration time.Duration, failed bool) {
	m.runDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.String("table", table),
		attribute.Int("lookups", lookups),
		attribute.Bool("has_errors", failed),
	))
}

// RecordLevel records one resolved level of a lookup path.
func (m *PrefetchMetrics) RecordLevel(ctx context.Context, relation, cardinality string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("relation", relation),
		attribute.String("cardinality", cardinality),
	)
	m.levelDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// RecordBatch records one batch query and its size.
func (m *PrefetchMetrics) RecordBatch(ctx context.Context, relation string, parents, rows int) {
	attrs := metric.WithAttributes(attribute.String("relation", relation))
	m.queries.Add(ctx, 1, attrs)
	m.parentCount.Record(ctx, int64(parents), attrs)
	m.resultRows.Record(ctx, int64(rows), attrs)
}

// RecordReuse records a level whose results were already fetched.
func (m *PrefetchMetrics) RecordReuse(ctx context.Context, relation string) {
	m.reusedLevels.Add(ctx, 1, metric.WithAttributes(
		attribute.String("relation", relation),
	))
}

type prefetchMetricsContextKey struct{}

// ContextWithPrefetchMetrics stores prefetch metrics in the provided context.
func ContextWithPrefetchMetrics(ctx context.Context, metrics *PrefetchMetrics) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, prefetchMetricsContextKey{}, metrics)
}

// PrefetchMetricsFromContext retrieves prefetch metrics from the context.
func PrefetchMetricsFromContext(ctx context.Context) *PrefetchMetrics {
	if ctx == nil {
		return nil
	}
	metrics, _ := ctx.Value(prefetchMetricsContextKey{}).(*PrefetchMetrics)
	return metrics
}
