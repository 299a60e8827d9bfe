package app

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"tidb-prefetch/internal/planner"
	"tidb-prefetch/internal/prefetch"
)

// ErrInvalidRequest is returned for a malformed prefetch request.
var ErrInvalidRequest = errors.New("invalid prefetch request")

// Request names the root rows to load and the lookups to prefetch on them.
type Request struct {
	Table   string
	Filter  map[string]any
	Lookups []prefetch.Lookup
}

// ParseRequest parses "table:path[>attr[order]],path..." into a Request. A
// ">attr" suffix stores the last hop of that path under attr as a plain list;
// a bracketed ordering such as "[-rating|pk]" after it reorders that hop. Filter
// values are strings; "__in" filters split on "|" and "__isnull" filters
// parse as booleans.
func ParseRequest(input string, filter map[string]string) (Request, error) {
	table, paths, ok := strings.Cut(input, ":")
	table = strings.TrimSpace(table)
	if table == "" {
		return Request{}, fmt.Errorf("%w: %q has no table", ErrInvalidRequest, input)
	}

	req := Request{Table: table}
	if ok {
		for raw := range strings.SplitSeq(paths, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			l, err := parseLookup(raw)
			if err != nil {
				return Request{}, err
			}
			req.Lookups = append(req.Lookups, l)
		}
	}

	parsed, err := parseFilter(filter)
	if err != nil {
		return Request{}, err
	}
	req.Filter = parsed
	return req, nil
}

func parseLookup(raw string) (prefetch.Lookup, error) {
	path, attr, renamed := strings.Cut(raw, ">")
	path = strings.TrimSpace(path)
	if path == "" {
		return prefetch.Lookup{}, fmt.Errorf("%w: empty path in %q", ErrInvalidRequest, raw)
	}
	if !renamed {
		return prefetch.New(path)
	}
	attr = strings.TrimSpace(attr)
	var ordering []string
	if open := strings.IndexByte(attr, '['); open != -1 {
		if !strings.HasSuffix(attr, "]") {
			return prefetch.Lookup{}, fmt.Errorf("%w: unterminated ordering in %q", ErrInvalidRequest, raw)
		}
		for term := range strings.SplitSeq(attr[open+1:len(attr)-1], "|") {
			if term = strings.TrimSpace(term); term != "" {
				ordering = append(ordering, term)
			}
		}
		attr = strings.TrimSpace(attr[:open])
	}
	if attr == "" {
		return prefetch.Lookup{}, fmt.Errorf("%w: empty attribute in %q", ErrInvalidRequest, raw)
	}
	opts := []prefetch.Option{prefetch.WithToAttr(attr)}
	if len(ordering) > 0 {
		opts = append(opts, prefetch.WithQuerySet(planner.Refinement{Ordering: ordering}))
	}
	return prefetch.New(path, opts...)
}

func parseFilter(filter map[string]string) (map[string]any, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(filter))
	for _, key := range keys {
		value := filter[key]
		switch {
		case strings.HasSuffix(key, "__in"):
			parts := strings.Split(value, "|")
			values := make([]any, len(parts))
			for i, p := range parts {
				values[i] = strings.TrimSpace(p)
			}
			out[key] = values
		case strings.HasSuffix(key, "__isnull"):
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %s expects a boolean, got %q", ErrInvalidRequest, key, value)
			}
			out[key] = b
		default:
			out[key] = value
		}
	}
	return out, nil
}
