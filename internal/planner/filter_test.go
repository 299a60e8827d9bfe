package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/lookup"
	"tidb-prefetch/internal/testutil/library"
)

type vendorConn string

func (v vendorConn) Vendor() string { return string(v) }

func libraryTable(t *testing.T, name string) *introspection.Table {
	t.Helper()
	table, ok := library.Schema().Table(name)
	require.True(t, ok, "table %s missing", name)
	return table
}

const booksSelect = "SELECT `books`.`id`, `books`.`title`, `books`.`author_id`, `books`.`editor_id` FROM `books`"

func TestPlanFilteredList(t *testing.T) {
	books := libraryTable(t, "books")

	tests := []struct {
		name     string
		filter   map[string]any
		conn     lookup.Connection
		wantSQL  string
		wantArgs []interface{}
	}{
		{
			name:    "no filter",
			wantSQL: booksSelect + " ORDER BY `books`.`id`",
		},
		{
			name:    "currently related foreign key",
			filter:  map[string]any{"author__isnull": false},
			wantSQL: booksSelect + " WHERE (`books`.`author_id` IS NOT NULL) ORDER BY `books`.`id`",
		},
		{
			name:    "missing foreign key",
			filter:  map[string]any{"author__isnull": true},
			wantSQL: booksSelect + " WHERE (`books`.`author_id` IS NULL) ORDER BY `books`.`id`",
		},
		{
			name:    "currently related many-to-many",
			filter:  map[string]any{"tags__isnull": false},
			wantSQL: booksSelect + " WHERE (EXISTS (SELECT 1 FROM `book_tags` WHERE `book_tags`.`book_id` = `books`.`id`)) ORDER BY `books`.`id`",
		},
		{
			name:    "many-to-many without related rows",
			filter:  map[string]any{"tags__isnull": true},
			wantSQL: booksSelect + " WHERE (NOT EXISTS (SELECT 1 FROM `book_tags` WHERE `book_tags`.`book_id` = `books`.`id`)) ORDER BY `books`.`id`",
		},
		{
			name:     "many-to-many membership",
			filter:   map[string]any{"tags__in": []int{1, 2}},
			wantSQL:  booksSelect + " WHERE (EXISTS (SELECT 1 FROM `book_tags` WHERE `book_tags`.`book_id` = `books`.`id` AND `book_tags`.`tag_id` IN (?,?))) ORDER BY `books`.`id`",
			wantArgs: []interface{}{int64(1), int64(2)},
		},
		{
			name:     "keys are applied in sorted order",
			filter:   map[string]any{"title__icontains": "War", "author": "3"},
			wantSQL:  booksSelect + " WHERE (`books`.`author_id` = ? AND LOWER(`books`.`title`) LIKE ?) ORDER BY `books`.`id`",
			wantArgs: []interface{}{int64(3), "%war%"},
		},
		{
			name:     "column name and pk alias",
			filter:   map[string]any{"author_id__in": []any{"1"}, "pk__gt": 10},
			wantSQL:  booksSelect + " WHERE (`books`.`author_id` IN (?) AND `books`.`id` > ?) ORDER BY `books`.`id`",
			wantArgs: []interface{}{int64(1), int64(10)},
		},
		{
			name:     "iexact on mysql is equality",
			filter:   map[string]any{"title__iexact": "War"},
			conn:     vendorConn("mysql"),
			wantSQL:  booksSelect + " WHERE (`books`.`title` = ?) ORDER BY `books`.`id`",
			wantArgs: []interface{}{"War"},
		},
		{
			name:     "iexact elsewhere lowers",
			filter:   map[string]any{"title__iexact": "War"},
			conn:     vendorConn("sqlite"),
			wantSQL:  booksSelect + " WHERE (LOWER(`books`.`title`) = ?) ORDER BY `books`.`id`",
			wantArgs: []interface{}{"war"},
		},
		{
			name:     "range",
			filter:   map[string]any{"id__range": []int{1, 9}},
			wantSQL:  booksSelect + " WHERE (`books`.`id` BETWEEN ? AND ?) ORDER BY `books`.`id`",
			wantArgs: []interface{}{int64(1), int64(9)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, err := PlanFilteredList(books, tt.filter, tt.conn, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, query.SQL)
			if len(tt.wantArgs) == 0 {
				assert.Empty(t, query.Args)
			} else {
				assert.Equal(t, tt.wantArgs, query.Args)
			}
		})
	}
}

func TestPlanFilteredList_Errors(t *testing.T) {
	books := libraryTable(t, "books")

	tests := []struct {
		name    string
		filter  map[string]any
		wantErr string
	}{
		{"unknown field", map[string]any{"publisher": 1}, "unknown field publisher on books"},
		{"spans relations", map[string]any{"author__name": "x"}, "spans relations"},
		{"bad value", map[string]any{"id": "one"}, `invalid int value "one"`},
		{"isnull needs bool", map[string]any{"author__isnull": "no"}, "requires a bool"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PlanFilteredList(books, tt.filter, nil, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := PlanFilteredList(books, map[string]any{"author__name": "x"}, nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedFilter)
}

func TestPlanTableByPK(t *testing.T) {
	query, err := PlanTableByPK(libraryTable(t, "authors"), 7)
	require.NoError(t, err)
	assert.Equal(t, "SELECT `id`, `name` FROM `authors` WHERE `id` = ?", query.SQL)
	assert.Equal(t, []interface{}{7}, query.Args)

	_, err = PlanTableByPK(libraryTable(t, "book_tags"), 7)
	assert.ErrorIs(t, err, ErrNoPrimaryKey)
}
