package dbexec

import (
	"context"
	"database/sql"
	"fmt"

	"tidb-prefetch/internal/sqlutil"
)

type snapshotKey struct{}

// WithSnapshot returns a context whose queries read the database as of ts,
// a TiDB timestamp ("2026-01-02 15:04:05") or TSO.
func WithSnapshot(ctx context.Context, ts string) context.Context {
	return context.WithValue(ctx, snapshotKey{}, ts)
}

// SnapshotFromContext returns the snapshot set by WithSnapshot.
func SnapshotFromContext(ctx context.Context) (string, bool) {
	ts, ok := ctx.Value(snapshotKey{}).(string)
	return ts, ok && ts != ""
}

// SnapshotExecutor executes each query on a dedicated connection with
// @@tidb_snapshot set from the context, so every hop of a prefetch reads
// the same point in time.
type SnapshotExecutor struct {
	db           *sql.DB
	databaseName string
	direct       *StandardExecutor
}

// SnapshotExecutorConfig controls snapshot execution behavior.
type SnapshotExecutorConfig struct {
	DB           *sql.DB
	DatabaseName string
}

// NewSnapshotExecutor creates an executor that applies the context snapshot before each query.
func NewSnapshotExecutor(cfg SnapshotExecutorConfig) *SnapshotExecutor {
	return &SnapshotExecutor{
		db:           cfg.DB,
		databaseName: cfg.DatabaseName,
		direct:       NewStandardExecutor(cfg.DB),
	}
}

func (e *SnapshotExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	ts, ok := SnapshotFromContext(ctx)
	if !ok {
		return e.direct.QueryContext(ctx, query, args...)
	}
	if err := ValidateSnapshot(ts); err != nil {
		return nil, err
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	cleanup := func() {
		_, _ = conn.ExecContext(context.Background(), "SET @@tidb_snapshot = ''")
		_ = conn.Close()
	}

	if err := e.useDatabase(ctx, conn); err != nil {
		cleanup()
		return nil, err
	}
	// SET does not take placeholders here; ts is validated above.
	if _, err := conn.ExecContext(ctx, "SET @@tidb_snapshot = "+sqlutil.QuoteString(ts)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to set snapshot %s: %w", ts, err)
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		cleanup()
		return nil, err
	}

	return &snapshotRows{
		Rows:    rows,
		cleanup: cleanup,
	}, nil
}

func (e *SnapshotExecutor) useDatabase(ctx context.Context, conn *sql.Conn) error {
	if e.databaseName == "" {
		return nil
	}
	useSQL := fmt.Sprintf("USE %s", sqlutil.QuoteIdentifier(e.databaseName))
	if _, err := conn.ExecContext(ctx, useSQL); err != nil {
		return fmt.Errorf("failed to select database %s: %w", e.databaseName, err)
	}
	return nil
}

// ValidateSnapshot accepts digits (a TSO) or a "YYYY-MM-DD hh:mm:ss[.fff]" timestamp.
func ValidateSnapshot(ts string) error {
	if ts == "" {
		return fmt.Errorf("empty snapshot")
	}
	for _, r := range ts {
		switch {
		case r >= '0' && r <= '9':
		case r == '-' || r == ':' || r == ' ' || r == '.':
		default:
			return fmt.Errorf("invalid snapshot %q", ts)
		}
	}
	return nil
}

type snapshotRows struct {
	*sql.Rows
	cleanup func()
}

func (r *snapshotRows) Close() error {
	defer r.cleanup()
	return r.Rows.Close()
}
