// Package store runs planned queries and maps result rows for the relation
// and prefetch layers. It implements the entity query and formatting
// collaborators used by related.Descriptor.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-sql-driver/mysql"

	"tidb-prefetch/internal/dbexec"
	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/planner"
	"tidb-prefetch/internal/sqltype"
)

// Row is one fetched instance keyed by column name. The prefetch engine adds
// attributes to it.
type Row = map[string]any

// ErrAccessDenied hides the details of MySQL privilege errors.
var ErrAccessDenied = errors.New("access denied")

const (
	mysqlErrDBAccessDenied     = 1044
	mysqlErrTableAccessDenied  = 1142
	mysqlErrColumnAccessDenied = 1143
)

// Options configures a Store.
type Options struct {
	// Vendor is reported to lookup preparation. Defaults to "mysql".
	Vendor string
	// DisplayColumns maps a table to the column used as its instance label.
	DisplayColumns map[string]string
	Logger         *slog.Logger
}

// Store executes entity queries through a dbexec.QueryExecutor.
type Store struct {
	exec    dbexec.QueryExecutor
	vendor  string
	display map[string]string
	logger  *slog.Logger
}

// New creates a Store.
func New(exec dbexec.QueryExecutor, opts Options) *Store {
	vendor := opts.Vendor
	if vendor == "" {
		vendor = "mysql"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		exec:    exec,
		vendor:  vendor,
		display: opts.DisplayColumns,
		logger:  logger,
	}
}

// Vendor implements lookup.Connection.
func (s *Store) Vendor() string {
	return s.vendor
}

// Query lists the rows of table matching filter.
func (s *Store) Query(ctx context.Context, table *introspection.Table, filter map[string]any) ([]map[string]any, error) {
	return s.QueryWith(ctx, table, filter, nil)
}

// QueryWith is Query with a customizer applied to the planned query.
func (s *Store) QueryWith(ctx context.Context, table *introspection.Table, filter map[string]any, c planner.Customizer) ([]Row, error) {
	query, err := planner.PlanFilteredList(table, filter, s, c)
	if err != nil {
		return nil, err
	}
	return s.Fetch(ctx, table, query)
}

// Get fetches one row by primary key. It returns nil when no row matches.
func (s *Store) Get(ctx context.Context, table *introspection.Table, pk any) (Row, error) {
	query, err := planner.PlanTableByPK(table, pk)
	if err != nil {
		return nil, err
	}
	rows, err := s.Fetch(ctx, table, query)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// FetchRelated fetches the Target rows of hop related to the given parent
// keys. Each row carries its parent key under planner.BatchParentAlias.
func (s *Store) FetchRelated(ctx context.Context, hop planner.RelationHop, parents []any, c planner.Customizer) ([]Row, error) {
	query, err := planner.PlanRelatedBatch(hop, parents, c)
	if err != nil {
		return nil, err
	}
	if query.SQL == "" {
		return nil, nil
	}
	return s.Fetch(ctx, hop.Target, query)
}

// Fetch runs query and scans every column of the result. Values of columns
// known to table are converted to their kind.
func (s *Store) Fetch(ctx context.Context, table *introspection.Table, query planner.SQLQuery) ([]Row, error) {
	rows, err := s.exec.QueryContext(ctx, query.SQL, query.Args...)
	if err != nil {
		return nil, normalizeQueryError(err)
	}
	defer func() {
		_ = rows.Close()
	}()

	results, err := scanRows(rows, table)
	if err != nil {
		return nil, normalizeQueryError(err)
	}
	return results, nil
}

func scanRows(rows dbexec.Rows, table *introspection.Table) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	kinds := make([]*sqltype.Kind, len(columns))
	if table != nil {
		for i, name := range columns {
			if col, ok := table.Column(name); ok {
				kind := col.Kind()
				kinds[i] = &kind
			}
		}
	}

	var results []Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))

		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(columns))
		for i, name := range columns {
			row[name] = convertValue(values[i], kinds[i])
		}
		results = append(results, row)
	}

	return results, rows.Err()
}

func convertValue(val interface{}, kind *sqltype.Kind) interface{} {
	if val == nil {
		return nil
	}

	// Convert []byte to string
	if b, ok := val.([]byte); ok {
		val = string(b)
	}
	if kind == nil || *kind == sqltype.KindString || *kind == sqltype.KindJSON {
		return val
	}
	if converted, err := sqltype.Coerce(*kind, val); err == nil {
		return converted
	}
	return val
}

// PrimaryKey returns the row's primary key value, or a slice of values for
// a composite key.
func (s *Store) PrimaryKey(table *introspection.Table, row map[string]any) any {
	pkCols := introspection.PrimaryKeyColumns(*table)
	switch len(pkCols) {
	case 0:
		return nil
	case 1:
		return row[pkCols[0].Name]
	default:
		values := make([]any, len(pkCols))
		for i, col := range pkCols {
			values[i] = row[col.Name]
		}
		return values
	}
}

// Label renders the row's display column when configured, else
// "<ObjectName> object (<pk>)".
func (s *Store) Label(table *introspection.Table, row map[string]any) string {
	if col, ok := s.display[table.Name]; ok {
		if v, ok := row[col]; ok && v != nil {
			return fmt.Sprint(v)
		}
		s.logger.Debug("display column missing from row",
			slog.String("table", table.Name),
			slog.String("column", col),
		)
	}
	pk := s.PrimaryKey(table, row)
	if values, ok := pk.([]any); ok {
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = fmt.Sprint(v)
		}
		return fmt.Sprintf("%s object (%s)", table.ObjectName, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s object (%v)", table.ObjectName, pk)
}

func normalizeQueryError(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrDBAccessDenied, mysqlErrTableAccessDenied, mysqlErrColumnAccessDenied:
			return fmt.Errorf("%w: %s", ErrAccessDenied, mysqlErr.Message)
		}
	}
	return err
}
