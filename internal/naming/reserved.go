package naming

import (
	"fmt"
	"strings"

	"tidb-prefetch/internal/lookup"
)

// reservedAttributes are synthesized on every entity and cannot be used as
// relation accessors.
var reservedAttributes = map[string]bool{
	"pk":                        true,
	"objects":                   true,
	"_prefetched_objects_cache": true,
}

// ValidateAttribute checks that name can be installed as an attribute on an
// entity and reached through a lookup path.
func ValidateAttribute(name string) error {
	if name == "" {
		return fmt.Errorf("attribute name is empty")
	}
	if reservedAttributes[strings.ToLower(name)] {
		return fmt.Errorf("attribute name %q is reserved", name)
	}
	if strings.Contains(name, lookup.Separator) {
		return fmt.Errorf("attribute name %q contains the lookup separator %q", name, lookup.Separator)
	}
	if strings.HasSuffix(name, "_") {
		return fmt.Errorf("attribute name %q must not end with an underscore", name)
	}
	if lookup.IsKind(name) {
		return fmt.Errorf("attribute name %q clashes with a lookup kind", name)
	}
	return nil
}
