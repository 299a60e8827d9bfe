package prefetch

import (
	"strings"
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"tidb-prefetch/internal/introspection"
	"tidb-prefetch/internal/lookup"
	"tidb-prefetch/internal/planner"
)

var segmentGen = rapid.StringMatching(`[a-z][a-z0-9]{0,6}(_[a-z0-9]{1,4})?`)

func pathGen() *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		parts := rapid.SliceOfN(segmentGen, 1, 4).Draw(t, "segments")
		return lookup.Join(parts...)
	})
}

func TestLookup_RefPathWithoutToAttr(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		path := pathGen().Draw(t, "path")
		l := MustNew(path)
		if l.RefPath() != path {
			t.Fatalf("RefPath %q != path %q", l.RefPath(), path)
		}
	})
}

func TestLookup_RefPathRenamesLastSegment(t *testing.T) {
	l := MustNew("a__b__c", WithToAttr("x"))
	assert.Equal(t, "a__b__x", l.RefPath())
	assert.Equal(t, "x", MustNew("a", WithToAttr("x")).RefPath())

	rapid.Check(t, func(t *rapid.T) {
		path := pathGen().Draw(t, "path")
		attr := segmentGen.Draw(t, "attr")
		ref := MustNew(path, WithToAttr(attr)).RefPath()

		parts, refParts := lookup.Split(path), lookup.Split(ref)
		if len(parts) != len(refParts) {
			t.Fatalf("depth changed: %q -> %q", path, ref)
		}
		if refParts[len(refParts)-1] != attr {
			t.Fatalf("last segment of %q is not %q", ref, attr)
		}
		if strings.Join(parts[:len(parts)-1], "|") != strings.Join(refParts[:len(refParts)-1], "|") {
			t.Fatalf("prefix changed: %q -> %q", path, ref)
		}
	})
}

func TestLookup_WithPrefix(t *testing.T) {
	l := MustNew("b", WithToAttr("y")).WithPrefix("a")
	assert.Equal(t, "a__b", l.Path())
	assert.Equal(t, "a__y", l.RefPath())
	assert.Equal(t, "y", l.ToAttr())

	rapid.Check(t, func(t *rapid.T) {
		prefix := pathGen().Draw(t, "prefix")
		path := pathGen().Draw(t, "path")
		l := MustNew(path)
		got := l.WithPrefix(prefix)
		if got.RefPath() != prefix+lookup.Separator+l.RefPath() {
			t.Fatalf("prefix %q + %q gave %q", prefix, path, got.RefPath())
		}
		if got.Depth() != len(lookup.Split(prefix))+l.Depth() {
			t.Fatalf("depth %d", got.Depth())
		}
	})
}

func TestLookup_EqualityByRefPath(t *testing.T) {
	a := MustNew("a", WithToAttr("z"))
	b := MustNew("a__anything", WithToAttr("z"))
	assert.False(t, a.Equal(b), "different depths have different ref paths")

	c := MustNew("a__b", WithToAttr("z"))
	d := MustNew("a__c", WithToAttr("z"))
	assert.True(t, c.Equal(d))
	assert.Equal(t, c.Hash(), d.Hash())
	assert.Equal(t, c.Key(), d.Key())

	e := MustNew("a__z")
	assert.True(t, c.Equal(e))
	assert.Equal(t, c.Hash(), e.Hash())

	rapid.Check(t, func(t *rapid.T) {
		p1 := pathGen().Draw(t, "p1")
		p2 := pathGen().Draw(t, "p2")
		attr := segmentGen.Draw(t, "attr")
		l1 := MustNew(p1, WithToAttr(attr))
		l2 := MustNew(p2, WithToAttr(attr))
		if l1.Equal(l2) != (l1.RefPath() == l2.RefPath()) {
			t.Fatalf("Equal disagrees with RefPath for %v and %v", l1, l2)
		}
		if l1.Equal(l2) && l1.Hash() != l2.Hash() {
			t.Fatalf("equal lookups hash differently: %v %v", l1, l2)
		}
	})
}

func TestLookup_QuerySetRequiresToAttr(t *testing.T) {
	_, err := New("books", WithQuerySet(planner.Refinement{}))
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	assert.Panics(t, func() { MustNew("books", WithQuerySet(planner.Refinement{})) })

	l, err := New("books", WithQuerySet(planner.Refinement{}), WithToAttr("recent_books"))
	require.NoError(t, err)
	assert.NotNil(t, l.QuerySet())
}

func TestLookup_RejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name string
		path string
		opts []Option
	}{
		{name: "empty path", path: ""},
		{name: "empty middle segment", path: "a____b"},
		{name: "trailing separator", path: "a__"},
		{name: "leading separator", path: "__a"},
		{name: "separator in to_attr", path: "a", opts: []Option{WithToAttr("x__y")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.path, tt.opts...)
			require.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}

	l, err := New("a___b", WithToAttr("x_y"))
	require.NoError(t, err)
	assert.Equal(t, 2, l.Depth())
}

func TestLookup_LevelPath(t *testing.T) {
	l := MustNew("a__b__c", WithToAttr("x"))

	tests := []struct {
		level int
		want  string
	}{
		{0, "a"},
		{1, "a__b"},
		{2, "a__b__x"},
	}
	for _, tt := range tests {
		got, err := l.LevelPath(tt.level)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := l.LevelPath(3)
	require.ErrorIs(t, err, ErrLevelOutOfRange)
	_, err = l.LevelPath(-1)
	require.ErrorIs(t, err, ErrLevelOutOfRange)
}

func TestLookup_Destination(t *testing.T) {
	plain := MustNew("a__b")
	attr, renamed, err := plain.Destination(1)
	require.NoError(t, err)
	assert.Equal(t, "b", attr)
	assert.False(t, renamed)

	l := MustNew("a__b", WithToAttr("x"))
	attr, renamed, err = l.Destination(0)
	require.NoError(t, err)
	assert.Equal(t, "a", attr)
	assert.False(t, renamed)

	attr, renamed, err = l.Destination(1)
	require.NoError(t, err)
	assert.Equal(t, "x", attr)
	assert.True(t, renamed)

	_, _, err = l.Destination(2)
	require.ErrorIs(t, err, ErrLevelOutOfRange)

	seg, err := l.Segment(1)
	require.NoError(t, err)
	assert.Equal(t, "b", seg)
	_, err = l.Segment(5)
	require.ErrorIs(t, err, ErrLevelOutOfRange)
}

func TestLookup_String(t *testing.T) {
	assert.Equal(t, "<Lookup: lookup: a__b, to_attr: None, qs: None>", MustNew("a__b").String())

	l := MustNew("book_set", WithToAttr("top"), WithQuerySet(planner.Refinement{Ordering: []string{"-rating"}}))
	assert.Contains(t, l.String(), "to_attr: top")
	assert.NotContains(t, l.String(), "qs: None")

	custom := planner.CustomizerFunc(func(_ *introspection.Table, b sq.SelectBuilder) (sq.SelectBuilder, error) {
		return b, nil
	})
	assert.Contains(t, MustNew("x", WithToAttr("y"), WithQuerySet(custom)).String(), "qs: custom")
}

func TestNested(t *testing.T) {
	qs := Nested(planner.Refinement{Ordering: []string{"title"}}, MustNew("tags"), MustNew("review_set"))

	n, ok := qs.(Nester)
	require.True(t, ok)
	assert.Len(t, n.Lookups(), 2)
	assert.True(t, planner.Orders(qs))
	assert.Contains(t, qs.(interface{ String() string }).String(), "prefetch(tags, review_set)")

	bare := Nested(nil, MustNew("tags"))
	assert.False(t, planner.Orders(bare))
	builder := sq.Select("*").From("books")
	out, err := bare.Customize(nil, builder)
	require.NoError(t, err)
	sql, _, err := out.ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM books", sql)
}
