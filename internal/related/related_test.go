package related_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/lookup"
	"tidb-prefetch/internal/related"
	"tidb-prefetch/internal/testutil/library"
)

func descriptor(t *testing.T, schema *introspection.Schema, parent, model, field string) *related.Descriptor {
	t.Helper()
	p, ok := schema.Table(parent)
	require.True(t, ok)
	m, ok := schema.Table(model)
	require.True(t, ok)
	f, ok := m.Field(field)
	require.True(t, ok)
	d, err := related.New(p, m, f)
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	schema := library.Schema()
	authors, _ := schema.Table("authors")
	books, _ := schema.Table("books")
	author, _ := books.Field("author")
	title, _ := books.Field("title")

	_, err := related.New(nil, books, author)
	assert.ErrorIs(t, err, related.ErrNilArgument)
	_, err = related.New(authors, nil, author)
	assert.ErrorIs(t, err, related.ErrNilArgument)
	_, err = related.New(authors, books, nil)
	assert.ErrorIs(t, err, related.ErrNilArgument)

	_, err = related.New(authors, books, title)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "books.title is not a relation")
}

func TestDescriptor_LibraryScenario(t *testing.T) {
	d := descriptor(t, library.Schema(), "authors", "books", "author")

	assert.Equal(t, "library:book", d.Name())
	assert.Equal(t, "book", d.VarName())
	assert.True(t, d.Multiple())

	accessor, ok := d.AccessorName()
	require.True(t, ok)
	assert.Equal(t, "book_set", accessor)

	slot, err := d.CacheSlotName()
	require.NoError(t, err)
	assert.Equal(t, "_book_set_cache", slot)
	assert.Equal(t, "<RelatedObject: library:book related to author>", d.String())
}

func TestDescriptor_AccessorName(t *testing.T) {
	schema := library.Schema()
	tests := []struct {
		name      string
		parent    string
		model     string
		field     string
		want      string
		wantFound bool
	}{
		{"reverse foreign key", "authors", "books", "author", "book_set", true},
		{"custom related name", "authors", "books", "editor", "edited_books", true},
		{"unique foreign key", "authors", "profiles", "author", "profile", true},
		{"many-to-many", "tags", "books", "tags", "book_set", true},
		{"symmetrical self many-to-many", "people", "people", "friends", "", false},
		{"foreign key on junction", "books", "book_tags", "book", "booktag_set", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := descriptor(t, schema, tt.parent, tt.model, tt.field)
			got, ok := d.AccessorName()
			assert.Equal(t, tt.wantFound, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDescriptor_SymmetricalIgnoresRelatedName(t *testing.T) {
	opts := library.Options()
	opts.RelatedNames = map[string]string{"people_friends": "befriended_by"}
	d := descriptor(t, library.SchemaWithOptions(opts), "people", "people", "friends")

	_, ok := d.AccessorName()
	assert.False(t, ok)

	_, err := d.CacheSlotName()
	assert.ErrorIs(t, err, related.ErrNoAccessor)
}

func TestDescriptor_AsymmetricalSelfManyToMany(t *testing.T) {
	opts := library.Options()
	opts.Asymmetrical = map[string]bool{"people_friends": true}
	d := descriptor(t, library.SchemaWithOptions(opts), "people", "people", "friends")

	accessor, ok := d.AccessorName()
	require.True(t, ok)
	assert.Equal(t, "person_set", accessor)
}

// relationTable builds a declaring table with a single relation field of the
// given shape pointing at parent.
func relationTable(objectName string, rel introspection.Relation) *introspection.Table {
	return &introspection.Table{
		Name:       strings.ToLower(objectName) + "s",
		Namespace:  "library",
		ObjectName: objectName,
		Fields: []introspection.Field{
			{Name: "rel", Editable: true, Relation: &rel},
		},
	}
}

func TestDescriptor_AccessorProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		objectName := rapid.StringMatching(`[A-Z][a-z]{2,8}`).Draw(t, "objectName")
		cardinality := rapid.SampledFrom([]introspection.Cardinality{
			introspection.ManyToOne, introspection.OneToOne, introspection.ManyToMany,
		}).Draw(t, "cardinality")
		relatedName := rapid.SampledFrom([]string{"", "custom_items"}).Draw(t, "relatedName")
		symmetrical := rapid.Bool().Draw(t, "symmetrical")
		self := rapid.Bool().Draw(t, "self")

		model := relationTable(objectName, introspection.Relation{
			Cardinality: cardinality,
			Symmetrical: symmetrical,
			RelatedName: relatedName,
		})
		parent := &introspection.Table{Name: "parent_entities", Namespace: "library", ObjectName: "ParentEntity"}
		if self {
			parent = model
		}
		d, err := related.New(parent, model, &model.Fields[0])
		if err != nil {
			t.Fatalf("new: %v", err)
		}

		accessor, ok := d.AccessorName()
		noAccessor := cardinality == introspection.ManyToMany && symmetrical && self
		switch {
		case noAccessor:
			if ok || accessor != "" {
				t.Fatalf("expected no accessor, got %q", accessor)
			}
			if _, err := d.CacheSlotName(); !errors.Is(err, related.ErrNoAccessor) {
				t.Fatalf("expected ErrNoAccessor, got %v", err)
			}
			return
		case relatedName != "":
			if accessor != relatedName {
				t.Fatalf("expected related name %q, got %q", relatedName, accessor)
			}
		case cardinality.Multiple():
			if want := strings.ToLower(objectName) + "_set"; accessor != want {
				t.Fatalf("expected %q, got %q", want, accessor)
			}
		default:
			if want := strings.ToLower(objectName); accessor != want {
				t.Fatalf("expected %q, got %q", want, accessor)
			}
		}

		slot, err := d.CacheSlotName()
		if err != nil {
			t.Fatalf("cache slot: %v", err)
		}
		if slot != "_"+accessor+"_cache" {
			t.Fatalf("unexpected cache slot %q for accessor %q", slot, accessor)
		}
		if d.Name() != "library:"+strings.ToLower(objectName) {
			t.Fatalf("unexpected name %q", d.Name())
		}
	})
}

func TestDescriptor_EditableFields(t *testing.T) {
	schema := library.Schema()

	d := descriptor(t, schema, "authors", "books", "author")
	var names []string
	for _, f := range d.EditableFields() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"title", "editor", "tags"}, names)

	d = descriptor(t, schema, "books", "reviews", "book")
	names = nil
	for _, f := range d.EditableFields() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"rating"}, names)
}

func TestDescriptor_PrepareLookup(t *testing.T) {
	d := descriptor(t, library.Schema(), "authors", "books", "author")

	got, err := d.PrepareLookup(lookup.In, []string{"1", "2"}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, got)

	got, err = d.PrepareLookup(lookup.IsNull, false, nil, false)
	require.NoError(t, err)
	assert.Equal(t, false, got)

	_, err = d.PrepareLookup(lookup.Exact, "x", nil, false)
	require.Error(t, err)
}

func TestDescriptor_Bind(t *testing.T) {
	d := descriptor(t, library.Schema(), "authors", "books", "author")
	original := struct{ ID int }{ID: 7}

	bound := d.Bind(map[string]any{
		"library:book":    []string{"title"},
		"library:profile": []string{"bio"},
	}, original)

	assert.Same(t, d, bound.Relation)
	assert.Equal(t, []string{"title"}, bound.FieldMappings)
	assert.Equal(t, original, bound.Original)
	assert.Equal(t, "<BoundRelatedObject: library:book mappings=[title]>", bound.String())

	bound = d.Bind(map[string]any{}, nil)
	assert.Nil(t, bound.FieldMappings)
}

type fakeQuerier struct {
	rows      []map[string]any
	err       error
	gotTable  string
	gotFilter map[string]any
}

func (f *fakeQuerier) Query(_ context.Context, table *introspection.Table, filter map[string]any) ([]map[string]any, error) {
	f.gotTable = table.Name
	f.gotFilter = filter
	return f.rows, f.err
}

type fakeFormatter struct{}

func (fakeFormatter) PrimaryKey(_ *introspection.Table, row map[string]any) any { return row["id"] }

func (fakeFormatter) Label(table *introspection.Table, row map[string]any) string {
	return fmt.Sprintf("%s object (%v)", table.ObjectName, row["id"])
}

func TestDescriptor_Choices(t *testing.T) {
	d := descriptor(t, library.Schema(), "authors", "books", "author")
	ctx := context.Background()

	t.Run("blank choice only for empty relation", func(t *testing.T) {
		blank := []related.Choice{{Value: "", Label: "---"}}
		q := &fakeQuerier{}
		choices, err := d.Choices(ctx, q, fakeFormatter{}, related.ChoiceOptions{IncludeBlank: true, BlankChoice: blank})
		require.NoError(t, err)
		assert.Equal(t, blank, choices)
		assert.Equal(t, "books", q.gotTable)
		assert.Nil(t, q.gotFilter)
	})

	t.Run("default blank choice", func(t *testing.T) {
		q := &fakeQuerier{rows: []map[string]any{{"id": int64(1)}, {"id": int64(2)}}}
		choices, err := d.Choices(ctx, q, fakeFormatter{}, related.ChoiceOptions{IncludeBlank: true})
		require.NoError(t, err)
		assert.Equal(t, []related.Choice{
			{Value: "", Label: "---------"},
			{Value: int64(1), Label: "Book object (1)"},
			{Value: int64(2), Label: "Book object (2)"},
		}, choices)
	})

	t.Run("limit to currently related", func(t *testing.T) {
		q := &fakeQuerier{rows: []map[string]any{{"id": int64(3)}}}
		choices, err := d.Choices(ctx, q, fakeFormatter{}, related.ChoiceOptions{LimitToCurrentlyRelated: true})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"author__isnull": false}, q.gotFilter)
		assert.Equal(t, []related.Choice{{Value: int64(3), Label: "Book object (3)"}}, choices)
	})

	t.Run("no rows without blank", func(t *testing.T) {
		choices, err := d.Choices(ctx, &fakeQuerier{}, fakeFormatter{}, related.ChoiceOptions{})
		require.NoError(t, err)
		assert.Empty(t, choices)
	})

	t.Run("query error propagates", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := d.Choices(ctx, &fakeQuerier{err: boom}, fakeFormatter{}, related.ChoiceOptions{IncludeBlank: true})
		assert.Same(t, boom, err)
	})
}
