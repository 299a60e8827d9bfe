package naming

import (
	"log/slog"
	"strconv"
	"strings"
)

// Namer derives entity and attribute names from SQL table and column names.
type Namer struct {
	config Config
	logger *slog.Logger
}

// New creates a Namer with the given configuration
func New(cfg Config, logger *slog.Logger) *Namer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Namer{
		config: cfg,
		logger: logger,
	}
}

// Default returns a Namer with default configuration
func Default() *Namer {
	return New(DefaultConfig(), nil)
}

// ObjectName converts a table name to the entity's local type name
// (singular PascalCase).
// Example: "books" -> "Book", "book_reviews" -> "BookReview"
func (n *Namer) ObjectName(tableName string) string {
	return toPascalCase(n.Singularize(strings.ToLower(tableName)))
}

// UniqueObjectName returns ObjectName(tableName), with a numeric suffix when
// another table registered in types already took the same module name.
// Example: "book" -> "Book", then "books" -> "Book2"
func (n *Namer) UniqueObjectName(types *CollisionResolver, schema, tableName string) string {
	base := n.ObjectName(tableName)
	name := base
	for i := 2; types.Exists(schema, n.ModuleName(name)); i++ {
		name = base + strconv.Itoa(i)
	}
	if name != base {
		n.logger.Warn("naming collision detected, applying suffix",
			slog.String("table", tableName),
			slog.String("original", base),
			slog.String("resolved", name),
		)
	}
	_ = types.Register(schema, n.ModuleName(name), "table "+tableName)
	return name
}

// ModuleName returns the lower-cased local type name used in entity labels
// and default accessors.
// Example: "BookReview" -> "bookreview"
func (n *Namer) ModuleName(objectName string) string {
	return strings.ToLower(objectName)
}

// ForwardFieldName generates the attribute name for a foreign key field
// based on the FK column name with common suffixes stripped.
// Example: "author_id" -> "author", "created_by_user_id" -> "created_by_user"
func (n *Namer) ForwardFieldName(fkColumn string) string {
	name := fkColumn
	for _, suffix := range []string{"_id", "_fk"} {
		if strings.HasSuffix(strings.ToLower(name), suffix) && len(name) > len(suffix) {
			name = name[:len(name)-len(suffix)]
			break
		}
	}
	return name
}

// ManyToManyFieldName generates the attribute name for a many-to-many field
// declared on one side of a junction.
// Returns the pluralized target table name.
// Example: "tag" -> "tags", "people" -> "people"
func (n *Namer) ManyToManyFieldName(targetTable string) string {
	return n.Pluralize(n.Singularize(strings.ToLower(targetTable)))
}

// SelfManyToManyFieldName names a many-to-many field whose junction points
// back at the declaring table. The junction name is used because the target
// name would only repeat the declaring table.
// Example: ("person_friends", "people") -> "friends"
func (n *Namer) SelfManyToManyFieldName(junctionTable, tableName string) string {
	junction := strings.ToLower(junctionTable)
	for _, prefix := range []string{strings.ToLower(tableName), n.Singularize(strings.ToLower(tableName))} {
		if trimmed := strings.TrimPrefix(junction, prefix+"_"); trimmed != junction && trimmed != "" {
			return trimmed
		}
	}
	return junction
}

// toPascalCase converts snake_case to PascalCase
func toPascalCase(s string) string {
	parts := strings.Split(s, "_")
	for i, part := range parts {
		if len(part) > 0 {
			parts[i] = strings.ToUpper(part[:1]) + part[1:]
		}
	}
	return strings.Join(parts, "")
}
