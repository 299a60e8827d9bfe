package lookup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitJoin(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, Split("a__b__c"))
	assert.Nil(t, Split(""))
	assert.Equal(t, "a__b__c", Join("a", "b", "c"))
	assert.Equal(t, "a", Join("a"))
}

func TestParseFilterKey(t *testing.T) {
	tests := []struct {
		key       string
		wantField string
		wantKind  Kind
	}{
		{"author__isnull", "author", IsNull},
		{"title", "title", Exact},
		{"title__icontains", "title", IContains},
		{"author__name", "author__name", Exact},
		{"author__name__in", "author__name", In},
		{"pub_date__range", "pub_date", Range},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			field, kind := ParseFilterKey(tt.key)
			assert.Equal(t, tt.wantField, field)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestPrepare(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		value any
		want  any
	}{
		{"exact passes through", Exact, 42, 42},
		{"iexact lowers", IExact, "HeLLo", "hello"},
		{"contains wraps", Contains, "war", "%war%"},
		{"icontains lowers and wraps", IContains, "War", "%war%"},
		{"contains escapes wildcards", Contains, "100%_done", `%100\%\_done%`},
		{"startswith", StartsWith, "ab", "ab%"},
		{"endswith", EndsWith, "yz", "%yz"},
		{"in from typed slice", In, []int{1, 2}, []any{1, 2}},
		{"range", Range, []string{"a", "z"}, []any{"a", "z"}},
		{"isnull", IsNull, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Prepare(tt.kind, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrepareErrors(t *testing.T) {
	_, err := Prepare(IsNull, "yes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a bool")

	_, err = Prepare(In, 7)
	require.Error(t, err)

	_, err = Prepare(Range, []int{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly 2 values")

	_, err = Prepare(Kind("regex"), "x")
	require.ErrorIs(t, err, ErrUnsupportedLookup)
}

type vendorConn string

func (v vendorConn) Vendor() string { return string(v) }

func TestEffectiveKind(t *testing.T) {
	assert.Equal(t, Exact, EffectiveKind(IExact, vendorConn("mysql")))
	assert.Equal(t, Exact, EffectiveKind(IExact, vendorConn("TiDB")))
	assert.Equal(t, IExact, EffectiveKind(IExact, vendorConn("postgresql")))
	assert.Equal(t, IExact, EffectiveKind(IExact, nil))
	assert.Equal(t, Contains, EffectiveKind(Contains, vendorConn("mysql")))
}
