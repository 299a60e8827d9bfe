// Package introspection discovers database schema metadata from information_schema.
// It extracts tables, columns, indexes and foreign keys, and derives the
// declared fields (including relation fields) of each entity type.
package introspection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tidb-prefetch/internal/naming"
	"tidb-prefetch/internal/sqltype"
	"tidb-prefetch/internal/sqlutil"
)

// Column represents a database column
type Column struct {
	Name            string
	DataType        string
	ColumnType      string
	IsNullable      bool
	IsPrimaryKey    bool
	IsGenerated     bool
	IsAutoIncrement bool
	IsAutoRandom    bool
	HasDefault      bool
	Comment         string
}

// Kind returns the value kind used when preparing lookup arguments for the column.
func (c Column) Kind() sqltype.Kind {
	return sqltype.FromSQL(c.DataType)
}

// Index represents a database index with ordered columns.
type Index struct {
	Name    string
	Unique  bool
	Columns []string
}

// ForeignKey represents a foreign key constraint on a column
type ForeignKey struct {
	ColumnName       string // e.g., "author_id"
	ReferencedTable  string // e.g., "authors"
	ReferencedColumn string // e.g., "id"
	ConstraintName   string // e.g., "books_ibfk_1"
	OrdinalPosition  int    // Column position within the FK constraint
}

// Table represents a database table, which is one entity type.
type Table struct {
	Name    string
	IsView  bool
	Comment string
	// Namespace groups entity types; it is the database name.
	Namespace string
	// ObjectName is the entity's local type name, e.g. "Book" for "books".
	ObjectName  string
	Columns     []Column
	ForeignKeys []ForeignKey
	Indexes     []Index
	// Fields lists declared fields in declaration order: one per column,
	// followed by many-to-many fields. Populated by BuildFields.
	Fields []Field
}

// ModuleName returns the lower-cased object name.
func (t *Table) ModuleName() string {
	return strings.ToLower(t.ObjectName)
}

// Label returns "namespace:modulename", unique per entity type in a schema.
func (t *Table) Label() string {
	return t.Namespace + ":" + t.ModuleName()
}

// Column returns the named column, if present.
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// Field returns the named declared field, if present.
func (t *Table) Field(name string) (*Field, bool) {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i], true
		}
	}
	return nil, false
}

// Schema represents the introspected database schema
type Schema struct {
	Database string
	Tables   []Table
}

// Table returns the named table, if present.
func (s *Schema) Table(name string) (*Table, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Queryer provides query access for schema introspection.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const (
	tablesQuery = `
		SELECT TABLE_NAME, TABLE_TYPE, TABLE_COMMENT
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_TYPE IN ('BASE TABLE', 'VIEW')
		ORDER BY TABLE_NAME`

	columnsQuery = `
		SELECT COLUMN_NAME, DATA_TYPE, COLUMN_TYPE, COLUMN_COMMENT, IS_NULLABLE, COLUMN_DEFAULT, EXTRA
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`

	primaryKeyQuery = `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION`

	foreignKeysQuery = `
		SELECT COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME, CONSTRAINT_NAME, ORDINAL_POSITION
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY CONSTRAINT_NAME, ORDINAL_POSITION`

	indexesQuery = `
		SELECT INDEX_NAME, NON_UNIQUE, COLUMN_NAME
		FROM INFORMATION_SCHEMA.STATISTICS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY INDEX_NAME, SEQ_IN_INDEX`
)

// IntrospectDatabaseContext queries information_schema to discover tables,
// columns, keys and indexes. Fields are not derived; call BuildFields once
// junctions have been classified.
func IntrospectDatabaseContext(ctx context.Context, db Queryer, databaseName string, namer *naming.Namer) (*Schema, error) {
	ctx, span := startSpan(ctx, "introspection.build_schema",
		attribute.String("db.name", databaseName),
	)
	defer span.End()

	if namer == nil {
		namer = naming.Default()
	}
	schema := &Schema{
		Database: databaseName,
		Tables:   []Table{},
	}

	tables, err := getTables(ctx, db, databaseName)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get tables: %w", err)
	}

	types := naming.NewCollisionResolver(nil)
	for _, table := range tables {
		table.Namespace = databaseName
		table.ObjectName = namer.UniqueObjectName(types, databaseName, table.Name)
		if err := describeTable(ctx, db, databaseName, &table); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		schema.Tables = append(schema.Tables, table)
	}
	return schema, nil
}

// describeTable loads the columns of table and, for base tables, its keys
// and indexes.
func describeTable(ctx context.Context, db Queryer, databaseName string, table *Table) error {
	ctx, span := startSpan(ctx, "introspection.describe_table",
		attribute.String("db.name", databaseName),
		attribute.String("db.table", table.Name),
	)
	defer span.End()

	var err error
	if table.Columns, err = getColumns(ctx, db, databaseName, table.Name); err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("failed to get columns for %s: %w", table.Name, err)
	}
	if table.IsView {
		return nil
	}
	table.Columns = applyAutoRandomColumns(ctx, db, table.Name, table.Columns)

	primaryKeys, err := queryEach(ctx, db, primaryKeyQuery, []any{databaseName, table.Name}, func(rows *sql.Rows) (string, error) {
		var name string
		err := rows.Scan(&name)
		return name, err
	})
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("failed to get primary keys for table %s: %w", table.Name, err)
	}
	for i := range table.Columns {
		table.Columns[i].IsPrimaryKey = slices.Contains(primaryKeys, table.Columns[i].Name)
	}

	table.ForeignKeys, err = queryEach(ctx, db, foreignKeysQuery, []any{databaseName, table.Name}, func(rows *sql.Rows) (ForeignKey, error) {
		var fk ForeignKey
		err := rows.Scan(&fk.ColumnName, &fk.ReferencedTable, &fk.ReferencedColumn, &fk.ConstraintName, &fk.OrdinalPosition)
		return fk, err
	})
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("failed to get foreign keys for table %s: %w", table.Name, err)
	}

	if table.Indexes, err = getIndexes(ctx, db, databaseName, table.Name); err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("failed to get indexes for table %s: %w", table.Name, err)
	}
	return nil
}

// queryEach runs query and converts every row with scan.
func queryEach[T any](ctx context.Context, db Queryer, query string, args []any, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func getTables(ctx context.Context, db Queryer, databaseName string) ([]Table, error) {
	return queryEach(ctx, db, tablesQuery, []any{databaseName}, func(rows *sql.Rows) (Table, error) {
		var (
			t         Table
			tableType string
			comment   sql.NullString
		)
		if err := rows.Scan(&t.Name, &tableType, &comment); err != nil {
			return t, err
		}
		t.IsView = strings.EqualFold(tableType, "VIEW")
		t.Comment = strings.TrimSpace(comment.String)
		return t, nil
	})
}

func getColumns(ctx context.Context, db Queryer, databaseName, tableName string) ([]Column, error) {
	return queryEach(ctx, db, columnsQuery, []any{databaseName, tableName}, func(rows *sql.Rows) (Column, error) {
		var (
			col           Column
			nullable      string
			comment       sql.NullString
			columnDefault sql.NullString
			extra         string
		)
		if err := rows.Scan(&col.Name, &col.DataType, &col.ColumnType, &comment, &nullable, &columnDefault, &extra); err != nil {
			return col, err
		}
		extra = strings.ToLower(extra)
		col.Comment = strings.TrimSpace(comment.String)
		col.IsNullable = strings.EqualFold(nullable, "YES")
		col.HasDefault = columnDefault.Valid
		col.IsAutoIncrement = strings.Contains(extra, "auto_increment")
		col.IsAutoRandom = strings.Contains(extra, "auto_random")
		col.IsGenerated = strings.Contains(extra, "generated")
		return col, nil
	})
}

// applyAutoRandomColumns marks AUTO_RANDOM columns that information_schema
// does not report in EXTRA, using SHOW CREATE TABLE. Failures are logged and
// leave the columns unchanged.
func applyAutoRandomColumns(ctx context.Context, db Queryer, tableName string, columns []Column) []Column {
	for _, col := range columns {
		if col.IsAutoRandom || col.IsAutoIncrement {
			return columns
		}
	}

	createSQL, err := getCreateTableSQL(ctx, db, tableName)
	if err != nil {
		slog.Default().Warn("failed to load create table statement", slog.String("table", tableName), slog.String("error", err.Error()))
		return columns
	}

	autoCols := extractAutoRandomColumns(createSQL)
	for i := range columns {
		if autoCols[columns[i].Name] {
			columns[i].IsAutoRandom = true
		}
	}
	return columns
}

func getCreateTableSQL(ctx context.Context, db Queryer, tableName string) (string, error) {
	statements, err := queryEach(ctx, db, "SHOW CREATE TABLE "+sqlutil.QuoteIdentifier(tableName), nil, func(rows *sql.Rows) (string, error) {
		var name, createSQL string
		err := rows.Scan(&name, &createSQL)
		return createSQL, err
	})
	if err != nil {
		return "", err
	}
	if len(statements) == 0 || statements[0] == "" {
		return "", fmt.Errorf("empty create table statement for %s", tableName)
	}
	return statements[0], nil
}

// extractAutoRandomColumns finds column definitions carrying TiDB's
// versioned AUTO_RANDOM comment. Table options are not column lines.
func extractAutoRandomColumns(createSQL string) map[string]bool {
	autoCols := make(map[string]bool)
	for line := range strings.SplitSeq(createSQL, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "`") {
			continue
		}
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "/*t![auto_rand]") || !strings.Contains(lower, "auto_random") {
			continue
		}
		if name, _, ok := strings.Cut(line[1:], "`"); ok {
			autoCols[name] = true
		}
	}
	return autoCols
}

// getIndexes groups STATISTICS rows into indexes, keeping the order the
// query returns them in.
func getIndexes(ctx context.Context, db Queryer, databaseName, tableName string) ([]Index, error) {
	type part struct {
		name   string
		unique bool
		column string
	}
	parts, err := queryEach(ctx, db, indexesQuery, []any{databaseName, tableName}, func(rows *sql.Rows) (part, error) {
		var (
			p         part
			nonUnique int
		)
		err := rows.Scan(&p.name, &nonUnique, &p.column)
		p.unique = nonUnique == 0
		return p, err
	})
	if err != nil {
		return nil, err
	}

	var indexes []Index
	for _, p := range parts {
		if n := len(indexes); n > 0 && indexes[n-1].Name == p.name {
			indexes[n-1].Columns = append(indexes[n-1].Columns, p.column)
			continue
		}
		indexes = append(indexes, Index{Name: p.name, Unique: p.unique, Columns: []string{p.column}})
	}
	return indexes, nil
}

// HasUniqueIndex reports whether the given columns are exactly covered by the
// primary key or a unique index.
func HasUniqueIndex(table Table, columns []string) bool {
	want := make(map[string]bool, len(columns))
	for _, c := range columns {
		want[c] = true
	}
	matches := func(cols []string) bool {
		if len(cols) != len(want) {
			return false
		}
		for _, c := range cols {
			if !want[c] {
				return false
			}
		}
		return true
	}

	if matches(columnNamesFromColumns(PrimaryKeyColumns(table))) {
		return true
	}
	for _, idx := range table.Indexes {
		if idx.Unique && matches(idx.Columns) {
			return true
		}
	}
	return false
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("tidb-prefetch/introspection")
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
