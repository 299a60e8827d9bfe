// Package dbexec is the query seam between the store and the database.
// Queries run directly on the pool unless the context asks for a TiDB
// snapshot read, which pins one connection with @@tidb_snapshot.
package dbexec

import (
	"context"
	"database/sql"
)

// Rows is the subset of *sql.Rows the store scans. Snapshot reads wrap it
// to release their connection on Close.
type Rows interface {
	Next() bool
	Columns() ([]string, error)
	Scan(dest ...any) error
	Err() error
	Close() error
}

// QueryExecutor runs a read query.
type QueryExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
}

// StandardExecutor runs queries directly on the pool.
type StandardExecutor struct {
	db *sql.DB
}

// NewStandardExecutor returns an executor over db.
func NewStandardExecutor(db *sql.DB) *StandardExecutor {
	return &StandardExecutor{db: db}
}

// QueryContext implements QueryExecutor.
func (e *StandardExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.QueryContext(ctx, query, args...)
}
