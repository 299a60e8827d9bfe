//go:build integration

package app

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidb-prefetch/internal/config"
	"tidb-prefetch/internal/prefetch"
	"tidb-prefetch/internal/store"
	"tidb-prefetch/internal/testutil/library"
	"tidb-prefetch/internal/testutil/tidbcloud"
)

func newLibraryApp(t *testing.T) *App {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := tidbcloud.NewTestDB(t)
	testDB.Exec(t, library.DDL)
	testDB.Exec(t, library.Rows)

	cfg := &config.Config{
		Database: config.DatabaseConfig{
			ConnectionString: testDB.DSN(),
			Vendor:           "tidb",
			Pool:             config.PoolConfig{MaxOpen: 4, MaxIdle: 2},
		},
		Relations: config.RelationsConfig{
			RelatedNames: []config.RelatedName{{Table: "books", Column: "editor_id", Name: "edited_books"}},
		},
	}

	a, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, a.Init(context.Background()))
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestIntegration_RegistryFromLiveSchema(t *testing.T) {
	a := newLibraryApp(t)

	assert.Equal(t, []string{"book_set", "edited_books", "profile"}, a.Registry().Accessors("authors"))
	assert.Equal(t, []string{"friends"}, a.Registry().Accessors("people"))

	var buf bytes.Buffer
	require.NoError(t, a.Describe(&buf, "books"))
	assert.Contains(t, buf.String(), "tags")
}

func TestIntegration_PrefetchNestedManyToMany(t *testing.T) {
	a := newLibraryApp(t)

	req, err := ParseRequest("authors:book_set__tags,profile", map[string]string{"id__in": "1|2"})
	require.NoError(t, err)

	rows, err := a.Prefetch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	ann := rows[0]
	books := ann[prefetch.CacheKey].(map[string][]store.Row)["book_set"]
	require.Len(t, books, 2)
	assert.Equal(t, "Dune", books[0]["title"])
	assert.Len(t, books[0][prefetch.CacheKey].(map[string][]store.Row)["tags"], 2)
	assert.Equal(t, "Writes sagas", ann["_profile_cache"].(store.Row)["bio"])

	assert.Nil(t, rows[1]["_profile_cache"])
}
