package lookup

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrUnsupportedLookup is returned for lookup kinds Prepare does not know.
var ErrUnsupportedLookup = errors.New("unsupported lookup")

// Connection describes the database a prepared value is destined for.
type Connection interface {
	Vendor() string
}

// EffectiveKind returns the kind actually applied on conn. MySQL-compatible
// servers compare strings with case-insensitive collations by default, so
// iexact is plain equality there.
func EffectiveKind(kind Kind, conn Connection) Kind {
	if kind != IExact || conn == nil {
		return kind
	}
	switch strings.ToLower(conn.Vendor()) {
	case "mysql", "tidb":
		return Exact
	default:
		return kind
	}
}

// Prepare converts a lookup value into the form bound as a query argument.
// LIKE-style kinds produce escaped patterns, In and Range produce []any,
// and IsNull requires a bool.
func Prepare(kind Kind, value any) (any, error) {
	switch kind {
	case Exact, Gt, Gte, Lt, Lte:
		return value, nil
	case IExact:
		return strings.ToLower(fmt.Sprint(value)), nil
	case Contains, IContains:
		return "%" + escapeLike(stringValue(kind, value)) + "%", nil
	case StartsWith:
		return escapeLike(fmt.Sprint(value)) + "%", nil
	case EndsWith:
		return "%" + escapeLike(fmt.Sprint(value)), nil
	case In:
		values, err := toSlice(value)
		if err != nil {
			return nil, fmt.Errorf("%s lookup: %w", kind, err)
		}
		return values, nil
	case Range:
		values, err := toSlice(value)
		if err != nil {
			return nil, fmt.Errorf("%s lookup: %w", kind, err)
		}
		if len(values) != 2 {
			return nil, fmt.Errorf("range lookup requires exactly 2 values, got %d", len(values))
		}
		return values, nil
	case IsNull:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("isnull lookup requires a bool, got %T", value)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLookup, kind)
	}
}

func stringValue(kind Kind, value any) string {
	s := fmt.Sprint(value)
	if kind == IContains {
		return strings.ToLower(s)
	}
	return s
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}

func toSlice(value any) ([]any, error) {
	if value == nil {
		return nil, fmt.Errorf("expected a list, got nil")
	}
	if values, ok := value.([]any); ok {
		return append([]any(nil), values...), nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected a list, got %T", value)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
