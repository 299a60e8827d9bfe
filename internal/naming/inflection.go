package naming

import "github.com/jinzhu/inflection"

// Pluralize returns the plural of word, honouring PluralOverrides.
func (n *Namer) Pluralize(word string) string {
	return inflect(word, n.config.PluralOverrides, inflection.Plural)
}

// Singularize returns the singular of word, honouring SingularOverrides.
// Table names go through it to become object names: "books" -> "book".
func (n *Namer) Singularize(word string) string {
	return inflect(word, n.config.SingularOverrides, inflection.Singular)
}

func inflect(word string, overrides map[string]string, fallback func(string) string) string {
	if word == "" {
		return ""
	}
	if override, ok := overrides[word]; ok {
		return override
	}
	return fallback(word)
}
