// Package sqltype maps SQL data types to the value kinds used when preparing
// lookup arguments for a column.
package sqltype

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the category of Go value a column accepts.
type Kind int

const (
	// KindString is the default for text, dates, and unknown SQL types.
	KindString Kind = iota
	// KindInt represents integer numeric types.
	KindInt
	// KindFloat represents floating-point and fixed-point numeric types.
	KindFloat
	// KindBool represents boolean types.
	KindBool
	// KindJSON represents JSON data types.
	KindJSON
)

// FromSQL converts a SQL data type string to its value kind.
// The input is case-insensitive. Size specifiers like (10,2) or (255) are stripped before matching.
func FromSQL(sqlType string) Kind {
	if idx := strings.Index(sqlType, "("); idx != -1 {
		sqlType = sqlType[:idx]
	}
	switch strings.ToUpper(strings.TrimSpace(sqlType)) {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT",
		"INTEGER", "BIGINT", "SERIAL", "BIT":
		return KindInt
	case "FLOAT", "DOUBLE", "DECIMAL", "NUMERIC":
		return KindFloat
	case "BOOL", "BOOLEAN":
		return KindBool
	case "JSON":
		return KindJSON
	default:
		return KindString
	}
}

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindJSON:
		return "json"
	default:
		return "string"
	}
}

// Coerce converts a raw lookup value to the Go type matching k.
// Nil passes through untouched.
func Coerce(k Kind, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch k {
	case KindInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case uint32:
			return int64(v), nil
		case uint64:
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid int value %q", v)
			}
			return n, nil
		}
	case KindFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid float value %q", v)
			}
			return f, nil
		}
	case KindBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case int:
			return v != 0, nil
		case int64:
			return v != 0, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid bool value %q", v)
			}
			return b, nil
		}
	case KindJSON:
		return value, nil
	default:
		if b, ok := value.([]byte); ok {
			return string(b), nil
		}
		return fmt.Sprint(value), nil
	}
	return nil, fmt.Errorf("cannot convert %T to %s", value, k)
}
