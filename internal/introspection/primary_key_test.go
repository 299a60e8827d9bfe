package introspection

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrimaryKeyColumns(t *testing.T) {
	tests := []struct {
		name      string
		table     Table
		wantNames []string
	}{
		{
			name: "single primary key",
			table: Table{
				Name: "authors",
				Columns: []Column{
					{Name: "id", DataType: "int", IsPrimaryKey: true},
					{Name: "name", DataType: "varchar"},
				},
			},
			wantNames: []string{"id"},
		},
		{
			name: "composite primary key not contiguous",
			table: Table{
				Name: "book_tags",
				Columns: []Column{
					{Name: "book_id", DataType: "int", IsPrimaryKey: true},
					{Name: "added_at", DataType: "datetime"},
					{Name: "tag_id", DataType: "int", IsPrimaryKey: true},
				},
			},
			wantNames: []string{"book_id", "tag_id"},
		},
		{
			name: "no primary key",
			table: Table{
				Name:    "audit_log",
				Columns: []Column{{Name: "message", DataType: "text"}},
			},
			wantNames: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := columnNamesFromColumns(PrimaryKeyColumns(tt.table))
			assert.Equal(t, tt.wantNames, got)

			first := PrimaryKeyColumn(tt.table)
			if len(tt.wantNames) == 0 {
				assert.Nil(t, first)
			} else {
				assert.Equal(t, tt.wantNames[0], first.Name)
			}

			single, ok := SinglePrimaryKey(tt.table)
			assert.Equal(t, len(tt.wantNames) == 1, ok)
			if ok {
				assert.Equal(t, tt.wantNames[0], single)
			}
		})
	}
}

func TestHasUniqueIndex(t *testing.T) {
	table := Table{
		Name: "profiles",
		Columns: []Column{
			{Name: "id", IsPrimaryKey: true},
			{Name: "user_id"},
			{Name: "org_id"},
			{Name: "team_id"},
		},
		Indexes: []Index{
			{Name: "uniq_user", Unique: true, Columns: []string{"user_id"}},
			{Name: "idx_org", Unique: false, Columns: []string{"org_id"}},
			{Name: "uniq_org_team", Unique: true, Columns: []string{"org_id", "team_id"}},
		},
	}

	assert.True(t, HasUniqueIndex(table, []string{"id"}))
	assert.True(t, HasUniqueIndex(table, []string{"user_id"}))
	assert.False(t, HasUniqueIndex(table, []string{"org_id"}))
	assert.False(t, HasUniqueIndex(table, []string{"team_id"}))
	assert.True(t, HasUniqueIndex(table, []string{"team_id", "org_id"}))
}
