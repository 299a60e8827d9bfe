package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/naming"
	"tidb-prefetch/internal/testutil/library"
)

func buildLibrary(t *testing.T) *Registry {
	t.Helper()
	reg, err := Build(context.Background(), library.Schema(), Options{})
	require.NoError(t, err)
	return reg
}

func TestBuild_Accessors(t *testing.T) {
	reg := buildLibrary(t)

	tests := []struct {
		table string
		want  []string
	}{
		{"authors", []string{"book_set", "edited_books", "profile"}},
		{"books", []string{"author", "editor", "review_set", "tags"}},
		{"tags", []string{"book_set"}},
		{"people", []string{"friends"}},
		{"book_tags", []string{"book", "tag"}},
		{"profiles", []string{"author"}},
		{"reviews", []string{"book"}},
	}
	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			assert.Equal(t, tt.want, reg.Accessors(tt.table))
		})
	}
}

func TestBuild_ReverseSteps(t *testing.T) {
	reg := buildLibrary(t)

	step, ok := reg.Resolve("authors", "book_set")
	require.True(t, ok)
	assert.False(t, step.Forward)
	assert.Equal(t, "books", step.Target.Name)
	assert.Equal(t, "authors", step.Source.Name)
	assert.Equal(t, "author", step.Field.Name)
	assert.Equal(t, "library:book", step.Descriptor.Name())
	assert.True(t, step.Multiple())
	slot, err := step.CacheSlot()
	require.NoError(t, err)
	assert.Equal(t, "_book_set_cache", slot)
	assert.Equal(t, "authors.book_set -> books (reverse many_to_one)", step.String())

	step, ok = reg.Resolve("authors", "profile")
	require.True(t, ok)
	assert.False(t, step.Multiple())
	slot, err = step.CacheSlot()
	require.NoError(t, err)
	assert.Equal(t, "_profile_cache", slot)

	step, ok = reg.Resolve("tags", "book_set")
	require.True(t, ok)
	assert.True(t, step.Multiple())
	hop := step.Hop()
	assert.False(t, hop.Forward)
	assert.Equal(t, "tags", hop.Source.Name)
	assert.Equal(t, "books", hop.Target.Name)

	_, ok = reg.Resolve("books", "booktag_set")
	assert.False(t, ok, "junction foreign keys get no reverse accessor")
}

func TestBuild_ForwardSteps(t *testing.T) {
	reg := buildLibrary(t)

	step, ok := reg.Resolve("books", "author")
	require.True(t, ok)
	assert.True(t, step.Forward)
	assert.Nil(t, step.Descriptor)
	assert.False(t, step.Multiple())
	slot, err := step.CacheSlot()
	require.NoError(t, err)
	assert.Equal(t, "_author_cache", slot)

	step, ok = reg.Resolve("people", "friends")
	require.True(t, ok)
	assert.True(t, step.Forward)
	assert.True(t, step.Multiple())
	assert.Equal(t, "people", step.Target.Name)
}

func TestBuild_Descriptors(t *testing.T) {
	reg := buildLibrary(t)

	var names []string
	for _, d := range reg.Descriptors("authors") {
		accessor, _ := d.AccessorName()
		names = append(names, d.Name()+"/"+accessor)
	}
	assert.Equal(t, []string{"library:book/book_set", "library:book/edited_books", "library:profile/profile"}, names)
	assert.Empty(t, reg.Descriptors("people"))

	table, ok := reg.Table("authors")
	require.True(t, ok)
	assert.Equal(t, "Author", table.ObjectName)
}

func TestBuild_AsymmetricalSelfRelation(t *testing.T) {
	opts := library.Options()
	opts.Asymmetrical = map[string]bool{"people_friends": true}
	reg, err := Build(context.Background(), library.SchemaWithOptions(opts), Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"friends", "person_set"}, reg.Accessors("people"))
	step, ok := reg.Resolve("people", "person_set")
	require.True(t, ok)
	assert.False(t, step.Forward)
}

func TestBuild_Collisions(t *testing.T) {
	tests := []struct {
		name         string
		relatedNames map[string]string
		wantErr      string
	}{
		{
			name:    "two reverse accessors",
			wantErr: `attribute "book_set" on authors is claimed by both reverse of books.author and reverse of books.editor`,
		},
		{
			name:         "reverse accessor shadows a field",
			relatedNames: map[string]string{"books.editor_id": "name"},
			wantErr:      `attribute "name" on authors is claimed by both field authors.name and reverse of books.editor`,
		},
		{
			name:         "reserved accessor",
			relatedNames: map[string]string{"books.editor_id": "pk"},
			wantErr:      "is reserved",
		},
		{
			name:         "accessor with separator",
			relatedNames: map[string]string{"books.editor_id": "edited__books"},
			wantErr:      "lookup separator",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := library.SchemaWithOptions(introspection.FieldOptions{RelatedNames: tt.relatedNames})
			_, err := Build(context.Background(), schema, Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := Build(context.Background(), library.SchemaWithOptions(introspection.FieldOptions{}), Options{})
	var collision *naming.CollisionError
	require.True(t, errors.As(err, &collision))
	assert.Equal(t, "authors", collision.Entity)
}

func TestBuild_DuplicateLabel(t *testing.T) {
	schema := library.Schema()
	for i := range schema.Tables {
		// "tags" and "books" would both label as library:book.
		if schema.Tables[i].Name == "tags" {
			schema.Tables[i].ObjectName = "Book"
		}
	}

	_, err := Build(context.Background(), schema, Options{})
	require.Error(t, err)
	var collision *naming.CollisionError
	require.True(t, errors.As(err, &collision))
	assert.Equal(t, "schema library", collision.Entity)
	assert.Equal(t, "library:book", collision.Name)
	assert.Contains(t, err.Error(), "claimed by both table books and table tags")
}

func TestBuild_NilSchema(t *testing.T) {
	_, err := Build(context.Background(), nil, Options{})
	assert.Error(t, err)
}

func TestRegistry_ConcurrentReads(t *testing.T) {
	reg := buildLibrary(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, table := range []string{"authors", "books", "tags"} {
				for _, step := range reg.Steps(table) {
					if !step.Forward {
						_, _ = step.Descriptor.AccessorName()
					}
				}
			}
		}()
	}
	wg.Wait()
}
