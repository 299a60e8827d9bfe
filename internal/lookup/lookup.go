// Package lookup defines the path separator shared by prefetch paths and filter
// keys, along with the lookup kinds understood by the query planner.
package lookup

import (
	"strings"
)

// Separator joins relation names in a prefetch path and separates a field
// name from its lookup kind in a filter key (e.g. "author__isnull").
const Separator = "__"

// Kind names a filter comparison.
type Kind string

const (
	Exact      Kind = "exact"
	IExact     Kind = "iexact"
	Contains   Kind = "contains"
	IContains  Kind = "icontains"
	In         Kind = "in"
	Gt         Kind = "gt"
	Gte        Kind = "gte"
	Lt         Kind = "lt"
	Lte        Kind = "lte"
	StartsWith Kind = "startswith"
	EndsWith   Kind = "endswith"
	Range      Kind = "range"
	IsNull     Kind = "isnull"
)

var knownKinds = map[Kind]bool{
	Exact:      true,
	IExact:     true,
	Contains:   true,
	IContains:  true,
	In:         true,
	Gt:         true,
	Gte:        true,
	Lt:         true,
	Lte:        true,
	StartsWith: true,
	EndsWith:   true,
	Range:      true,
	IsNull:     true,
}

// IsKind reports whether s is a lookup kind name.
func IsKind(s string) bool {
	return knownKinds[Kind(s)]
}

// Split breaks a path into its segments. An empty path has no segments.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, Separator)
}

// Join is the inverse of Split.
func Join(parts ...string) string {
	return strings.Join(parts, Separator)
}

// ParseFilterKey splits a filter key into its field path and lookup kind.
// Keys without a trailing kind use Exact.
// Example: "author__isnull" -> ("author", IsNull), "title" -> ("title", Exact)
func ParseFilterKey(key string) (string, Kind) {
	idx := strings.LastIndex(key, Separator)
	if idx == -1 {
		return key, Exact
	}
	tail := key[idx+len(Separator):]
	if IsKind(tail) {
		return key[:idx], Kind(tail)
	}
	return key, Exact
}
