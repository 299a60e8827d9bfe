// Package naming turns SQL table and column names into entity object names
// and relation attribute names. It owns pluralization overrides, collision
// detection and the attribute names the prefetch cache reserves.
package naming

// Config overrides inflection for words the library gets wrong.
type Config struct {
	// PluralOverrides maps a singular to its plural, e.g. {"person": "people"}.
	PluralOverrides map[string]string `mapstructure:"plural_overrides"`
	// SingularOverrides maps a plural to its singular, e.g. {"data": "datum"}.
	SingularOverrides map[string]string `mapstructure:"singular_overrides"`
}

// DefaultConfig returns a Config with no overrides.
func DefaultConfig() Config {
	return Config{
		PluralOverrides:   map[string]string{},
		SingularOverrides: map[string]string{},
	}
}
