package validate

import (
	"fmt"
	"sort"
	"strings"
)

// Errors is a field-path-keyed error tree. Nested write paths use
// dotted/bracket notation, e.g. "comments[1].body".
type Errors map[string]string

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s %s", k, e[k])
	}
	return strings.Join(parts, "; ")
}

// Add records a message for a field, keeping the first message per field.
func (e Errors) Add(field, message string) {
	if _, ok := e[field]; !ok {
		e[field] = message
	}
}

// Merge copies other into e under an optional path prefix.
func (e Errors) Merge(prefix string, other Errors) {
	for field, message := range other {
		key := field
		if prefix != "" {
			key = prefix + "." + field
		}
		e.Add(key, message)
	}
}

// Empty reports whether no field failed.
func (e Errors) Empty() bool {
	return len(e) == 0
}
