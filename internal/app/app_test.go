package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/fatih/color"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gopkg.in/yaml.v3"

	"tidb-prefetch/internal/config"
	"tidb-prefetch/internal/dbexec"
	"tidb-prefetch/internal/logging"
	"tidb-prefetch/internal/naming"
	"tidb-prefetch/internal/planner"
	"tidb-prefetch/internal/prefetch"
	"tidb-prefetch/internal/store"
	"tidb-prefetch/internal/testutil/library"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	goleak.VerifyTestMain(m)
}

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.Config{Level: "error", Output: &bytes.Buffer{}})
}

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Database: library.Namespace, Vendor: "tidb"},
	}
}

// newAttachedApp returns an app over the library fixture whose queries go to
// a sqlmock database.
func newAttachedApp(t *testing.T, cfg *config.Config) (*App, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	a := &App{cfg: cfg, logger: testLogger()}
	require.NoError(t, a.attach(context.Background(), library.Schema(), dbexec.NewStandardExecutor(db)))
	return a, mock
}

func TestNew_RequiresConfigAndLogger(t *testing.T) {
	_, err := New(nil, testLogger())
	require.Error(t, err)
	_, err = New(testConfig(), nil)
	require.Error(t, err)

	cfg := testConfig()
	cfg.Database.ConnectionString = "u:p@tcp(h:4000)/other"
	_, err = New(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database mismatch")

	a, err := New(testConfig(), testLogger())
	require.NoError(t, err)
	assert.Equal(t, library.Namespace, a.effectiveDatabase)
	assert.Equal(t, "database.database", a.databaseSource)
	assert.Nil(t, a.Registry())
}

func TestShutdown_Idempotent(t *testing.T) {
	a := &App{cfg: testConfig(), logger: testLogger()}
	var calls int32
	a.cleanup.push("test", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.Shutdown(ctx))
	require.NoError(t, a.Shutdown(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCleanupStack_RunsInReverseOrder(t *testing.T) {
	var order []string
	var s cleanupStack
	for _, name := range []string{"logger", "meter", "database"} {
		s.push(name, func(context.Context) error {
			order = append(order, name)
			if name == "meter" {
				return errors.New("flush failed")
			}
			return nil
		})
	}
	s.run(context.Background(), testLogger())
	assert.Equal(t, []string{"database", "meter", "logger"}, order)
}

func TestInitFailure_DoesNotMarkInitialized(t *testing.T) {
	cfg := testConfig()
	cfg.Database.TLS.Mode = "verify-ca"
	cfg.Database.TLS.CAFile = "/nonexistent/ca.pem"

	a, err := New(cfg, testLogger())
	require.NoError(t, err)

	err = a.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to database")
	assert.False(t, a.initialized)
	assert.Nil(t, a.Registry())
}

func TestWaitForDatabase(t *testing.T) {
	t.Run("retries until ping succeeds", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		mock.ExpectPing()

		cfg := testConfig()
		cfg.Database.ConnectionTimeout = 5 * time.Second
		cfg.Database.ConnectionRetryInterval = time.Millisecond

		require.NoError(t, waitForDatabase(context.Background(), cfg, testLogger(), db))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero timeout tries once", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		err = waitForDatabase(context.Background(), testConfig(), testLogger(), db)
		require.Error(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("gives up after timeout", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		for range 100 {
			mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		}

		cfg := testConfig()
		cfg.Database.ConnectionTimeout = 20 * time.Millisecond
		cfg.Database.ConnectionRetryInterval = 5 * time.Millisecond

		err = waitForDatabase(context.Background(), cfg, testLogger(), db)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database not available after 20ms")
	})
}

func TestPrepareSchema_AppliesFiltersAndRelatedNames(t *testing.T) {
	cfg := testConfig()
	cfg.SchemaFilters.AllowTables = []string{"*"}
	cfg.SchemaFilters.DenyTables = []string{"reviews"}
	cfg.Relations.RelatedNames = []config.RelatedName{{Table: "books", Column: "author_id", Name: "written_books"}}

	schema := library.Schema()
	prepareSchema(context.Background(), cfg, schema, naming.Default())

	_, ok := schema.Table("reviews")
	assert.False(t, ok)

	a := &App{cfg: cfg, logger: testLogger()}
	require.NoError(t, a.attach(context.Background(), schema, nil))
	assert.Equal(t, []string{"book_set", "profile", "written_books"}, a.Registry().Accessors("authors"))
}

func TestDescribe(t *testing.T) {
	a, _ := newAttachedApp(t, testConfig())

	var buf bytes.Buffer
	require.NoError(t, a.Describe(&buf, "authors", "books"))

	out := buf.String()
	assert.Regexp(t, `(?m)^TABLE\s+ACCESSOR\s+TARGET\s+DIRECTION\s+CARDINALITY\s+STORED AS$`, out)
	assert.Regexp(t, `(?m)^authors\s+book_set\s+books\s+reverse\s+many_to_one\s+_prefetched_objects_cache\.book_set$`, out)
	assert.Regexp(t, `(?m)^authors\s+profile\s+profiles\s+reverse\s+one_to_one\s+_profile_cache$`, out)
	assert.Regexp(t, `(?m)^books\s+author\s+authors\s+forward\s+many_to_one\s+_author_cache$`, out)

	require.Error(t, a.Describe(&buf, "missing"))
	require.Error(t, (&App{}).Describe(&buf))
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		input    string
		filter  map[string]string
		want    Request
		wantErr bool
	}{
		{
			name: "table only",
			input: "authors",
			want: Request{Table: "authors"},
		},
		{
			name: "paths and to_attr",
			input: "authors: book_set__tags , book_set>books",
			want: Request{
				Table: "authors",
				Lookups: []prefetch.Lookup{
					prefetch.MustNew("book_set__tags"),
					prefetch.MustNew("book_set", prefetch.WithToAttr("books")),
				},
			},
		},
		{
			name:   "filters",
			input:   "books:author",
			filter: map[string]string{"id__in": "1|2", "editor__isnull": "true", "title": "Dune"},
			want: Request{
				Table:   "books",
				Filter:  map[string]any{"id__in": []any{"1", "2"}, "editor__isnull": true, "title": "Dune"},
				Lookups: []prefetch.Lookup{prefetch.MustNew("author")},
			},
		},
		{
			name: "ordered to_attr",
			input: "authors:book_set>latest[-id | title]",
			want: Request{
				Table: "authors",
				Lookups: []prefetch.Lookup{
					prefetch.MustNew("book_set", prefetch.WithToAttr("latest"),
						prefetch.WithQuerySet(planner.Refinement{Ordering: []string{"-id", "title"}})),
				},
			},
		},
		{name: "missing table", input: ":book_set", wantErr: true},
		{name: "unterminated ordering", input: "authors:book_set>latest[-id", wantErr: true},
		{name: "empty attribute", input: "authors:book_set>", wantErr: true},
		{name: "empty path", input: "authors:>books", wantErr: true},
		{name: "bad isnull", input: "books", filter: map[string]string{"editor__isnull": "maybe"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest(tt.input, tt.filter)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Table, got.Table)
			assert.Equal(t, tt.want.Filter, got.Filter)
			require.Len(t, got.Lookups, len(tt.want.Lookups))
			for i := range tt.want.Lookups {
				assert.True(t, tt.want.Lookups[i].Equal(got.Lookups[i]), got.Lookups[i].String())
				assert.Equal(t, tt.want.Lookups[i].ToAttr(), got.Lookups[i].ToAttr())
				assert.Equal(t, tt.want.Lookups[i].QuerySet(), got.Lookups[i].QuerySet())
			}
		})
	}
}

func expectLibraryPrefetch(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta("FROM `authors`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "Ann").
			AddRow(int64(2), "Bo"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM `books` WHERE `books`.`author_id` IN (?,?)")).
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "author_id", "editor_id", "__prefetch_parent"}).
			AddRow(int64(10), "Dune", int64(1), nil, int64(1)))
}

func TestPrefetch(t *testing.T) {
	a, mock := newAttachedApp(t, testConfig())
	expectLibraryPrefetch(mock)

	req, err := ParseRequest("authors:book_set", nil)
	require.NoError(t, err)

	rows, err := a.Prefetch(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, rows, 2)

	want := map[string][]store.Row{
		"book_set": {{"id": int64(10), "title": "Dune", "author_id": int64(1), "editor_id": nil}},
	}
	if diff := cmp.Diff(want, rows[0][prefetch.CacheKey]); diff != "" {
		t.Fatalf("unexpected cache for Ann (-want +got):\n%s", diff)
	}
	assert.Empty(t, rows[1][prefetch.CacheKey].(map[string][]store.Row)["book_set"])

	_, err = a.Prefetch(context.Background(), Request{Table: "missing"})
	require.Error(t, err)
}

func TestPrefetch_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.Prefetch.Timeout = 10 * time.Millisecond
	a, mock := newAttachedApp(t, cfg)

	mock.ExpectQuery(regexp.QuoteMeta("FROM `authors`")).
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))

	_, err := a.Prefetch(context.Background(), Request{Table: "authors"})
	require.Error(t, err)
}

func TestPrefetch_NotInitialized(t *testing.T) {
	_, err := (&App{cfg: testConfig()}).Prefetch(context.Background(), Request{Table: "authors"})
	require.Error(t, err)
}

func TestWriteRows(t *testing.T) {
	a, mock := newAttachedApp(t, testConfig())
	expectLibraryPrefetch(mock)

	rows, err := a.Prefetch(context.Background(), Request{
		Table:   "authors",
		Lookups: []prefetch.Lookup{prefetch.MustNew("book_set", prefetch.WithToAttr("books"))},
	})
	require.NoError(t, err)

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteRows(&buf, rows, FormatJSON))

		var decoded []map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		require.Len(t, decoded, 2)
		assert.Equal(t, "Ann", decoded[0]["name"])
		books := decoded[0]["books"].([]any)
		require.Len(t, books, 1)
		assert.Equal(t, "Dune", books[0].(map[string]any)["title"])
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteRows(&buf, rows, FormatYAML))

		var decoded []map[string]any
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
		require.Len(t, decoded, 2)
		assert.Equal(t, "Bo", decoded[1]["name"])
		assert.Empty(t, decoded[1]["books"])
	})

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteRows(&buf, nil, FormatJSON))
		assert.Equal(t, "[]\n", buf.String())
	})

	t.Run("unknown format", func(t *testing.T) {
		require.Error(t, WriteRows(&bytes.Buffer{}, rows, "xml"))
	})
}
