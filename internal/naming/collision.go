package naming

import (
	"fmt"
	"log/slog"
)

// CollisionError reports two sources claiming the same attribute on an entity.
type CollisionError struct {
	Entity         string
	Name           string
	ExistingSource string
	NewSource      string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("attribute %q on %s is claimed by both %s and %s",
		e.Name, e.Entity, e.ExistingSource, e.NewSource)
}

// CollisionResolver tracks the attributes registered on each entity and
// rejects duplicates.
type CollisionResolver struct {
	seen   map[string]map[string]string // entity → attribute → source
	logger *slog.Logger
}

// NewCollisionResolver creates a new collision resolver.
func NewCollisionResolver(logger *slog.Logger) *CollisionResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollisionResolver{
		seen:   make(map[string]map[string]string),
		logger: logger,
	}
}

// Register claims name on entity for source. A second claim returns a
// *CollisionError and leaves the first registration in place.
func (c *CollisionResolver) Register(entity, name, source string) error {
	if c.seen[entity] == nil {
		c.seen[entity] = make(map[string]string)
	}
	if existing, ok := c.seen[entity][name]; ok {
		c.logger.Warn("attribute collision detected",
			slog.String("entity", entity),
			slog.String("name", name),
			slog.String("existing_source", existing),
			slog.String("new_source", source),
		)
		return &CollisionError{Entity: entity, Name: name, ExistingSource: existing, NewSource: source}
	}
	c.seen[entity][name] = source
	return nil
}

// Exists checks if an attribute name is already registered on an entity.
func (c *CollisionResolver) Exists(entity, name string) bool {
	_, ok := c.seen[entity][name]
	return ok
}
