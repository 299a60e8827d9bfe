package schemafilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/testutil/library"
)

func TestApply_AllowsAllByDefault(t *testing.T) {
	schema := &introspection.Schema{
		Tables: []introspection.Table{
			{Name: "users", Columns: []introspection.Column{{Name: "id"}}},
			{Name: "orders", Columns: []introspection.Column{{Name: "id"}}},
		},
	}

	Apply(schema, Config{})

	assert.Len(t, schema.Tables, 2)
}

func TestApply_TableAndColumnFilters(t *testing.T) {
	schema := &introspection.Schema{
		Tables: []introspection.Table{
			{
				Name: "users",
				Columns: []introspection.Column{
					{Name: "id", IsPrimaryKey: true},
					{Name: "email"},
					{Name: "password_hash"},
				},
				Indexes: []introspection.Index{
					{Name: "idx_email", Columns: []string{"email"}},
					{Name: "idx_password", Columns: []string{"password_hash"}},
				},
			},
			{
				Name: "audit_intern",
				Columns: []introspection.Column{
					{Name: "id", IsPrimaryKey: true},
					{Name: "payload"},
				},
			},
		},
	}

	Apply(schema, Config{
		AllowTables:  []string{"*"},
		DenyTables:   []string{"*_INTERN"},
		AllowColumns: map[string][]string{"*": {"*"}},
		DenyColumns:  map[string][]string{"users": {"password_*"}},
	})

	require.Len(t, schema.Tables, 1)
	users := schema.Tables[0]
	assert.Equal(t, "users", users.Name)
	assert.Len(t, users.Columns, 2)
	require.Len(t, users.Indexes, 1)
	assert.Equal(t, "idx_email", users.Indexes[0].Name)
}

func TestApply_DropsForeignKeysToFilteredTables(t *testing.T) {
	schema := library.Schema()

	Apply(schema, Config{DenyTables: []string{"authors"}})

	books, ok := schema.Table("books")
	require.True(t, ok)
	assert.Empty(t, books.ForeignKeys)
	assert.Nil(t, books.Fields, "fields are derived again after filtering")

	bookTags, ok := schema.Table("book_tags")
	require.True(t, ok)
	assert.Len(t, bookTags.ForeignKeys, 2)
}

func TestApply_DropsForeignKeysOnFilteredColumns(t *testing.T) {
	schema := library.Schema()

	Apply(schema, Config{DenyColumns: map[string][]string{"books": {"editor_id"}}})

	books, ok := schema.Table("books")
	require.True(t, ok)
	require.Len(t, books.ForeignKeys, 1)
	assert.Equal(t, "author_id", books.ForeignKeys[0].ColumnName)
}

func TestApply_DropsWholeCompositeConstraint(t *testing.T) {
	schema := &introspection.Schema{Tables: []introspection.Table{
		{
			Name:    "branches",
			Columns: []introspection.Column{{Name: "library_id"}, {Name: "code"}},
		},
		{
			Name:    "loans",
			Columns: []introspection.Column{{Name: "id"}, {Name: "library_id"}, {Name: "branch_code"}},
			ForeignKeys: []introspection.ForeignKey{
				{ConstraintName: "fk_branch", ColumnName: "library_id", ReferencedTable: "branches", ReferencedColumn: "library_id", OrdinalPosition: 1},
				{ConstraintName: "fk_branch", ColumnName: "branch_code", ReferencedTable: "branches", ReferencedColumn: "code", OrdinalPosition: 2},
			},
		},
	}}

	Apply(schema, Config{DenyColumns: map[string][]string{"loans": {"branch_code"}}})

	loans, ok := schema.Table("loans")
	require.True(t, ok)
	assert.Empty(t, loans.ForeignKeys, "a partial composite key must not become a single-column relation")
}

func TestApply_DropsTablesWithoutColumns(t *testing.T) {
	schema := library.Schema()

	Apply(schema, Config{AllowColumns: map[string][]string{"tags": {"nothing"}}})

	_, ok := schema.Table("tags")
	assert.False(t, ok)
	bookTags, ok := schema.Table("book_tags")
	require.True(t, ok)
	require.Len(t, bookTags.ForeignKeys, 1)
	assert.Equal(t, "books", bookTags.ForeignKeys[0].ReferencedTable)
}

func TestApply_ScanViews(t *testing.T) {
	build := func() *introspection.Schema {
		return &introspection.Schema{
			Tables: []introspection.Table{
				{Name: "users", Columns: []introspection.Column{{Name: "id"}}},
				{Name: "active_users", IsView: true, Columns: []introspection.Column{{Name: "id"}}},
			},
		}
	}

	schema := build()
	Apply(schema, Config{})
	require.Len(t, schema.Tables, 1)
	assert.Equal(t, "users", schema.Tables[0].Name)

	schema = build()
	Apply(schema, Config{ScanViewsEnabled: true, AllowTables: []string{"*"}})
	assert.Len(t, schema.Tables, 2)
}

func TestApply_NilSchema(t *testing.T) {
	assert.NotPanics(t, func() { Apply(nil, Config{}) })
}

func TestNonEditable(t *testing.T) {
	schema := library.Schema()

	got := NonEditable(schema, Config{NonEditableColumns: map[string][]string{
		"review*": {"body", "rat*"},
		"*":       {"title"},
	}})

	assert.Equal(t, map[string][]string{
		"books":   {"title"},
		"reviews": {"rating", "body"},
	}, got)

	assert.Empty(t, NonEditable(schema, Config{}))
	assert.Empty(t, NonEditable(nil, Config{NonEditableColumns: map[string][]string{"*": {"*"}}}))
}
