package filter

import (
	"strings"

	pg "github.com/tablekit/tablekit/pkg/pgx"
)

// SortKey is one ORDER BY component.
type SortKey struct {
	Column string
	Desc   bool
}

// ParseSort resolves sort tokens (column or -column) against the
// scope's columns. Unrecognized tokens are dropped; when nothing
// remains the fallback order applies. The scope's primary key column
// is appended as a tiebreaker when absent, which keyset pagination
// relies on for a total order.
func ParseSort(tokens []string, scope Scope, fallback []SortKey, pk string) []SortKey {
	var keys []SortKey
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		desc := false
		if strings.HasPrefix(token, "-") {
			desc = true
			token = token[1:]
		}
		if _, ok := scope.Column(token); !ok {
			continue
		}
		keys = append(keys, SortKey{Column: token, Desc: desc})
	}

	if len(keys) == 0 {
		keys = append(keys, fallback...)
	}

	if pk != "" && !containsColumn(keys, pk) {
		keys = append(keys, SortKey{Column: pk})
	}
	return keys
}

// SortTokens normalizes the wire-level sort parameter, which may be a
// single token, a comma-separated list, or an array of tokens.
func SortTokens(v any) []string {
	switch s := v.(type) {
	case nil:
		return nil
	case string:
		return strings.Split(s, ",")
	case []string:
		return s
	case []any:
		var tokens []string
		for _, item := range s {
			if str, ok := item.(string); ok {
				tokens = append(tokens, str)
			}
		}
		return tokens
	default:
		return nil
	}
}

// OrderBy renders the ORDER BY clause body for the given keys.
func OrderBy(keys []SortKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts[i] = pg.Ident(k.Column) + " " + dir
	}
	return strings.Join(parts, ", ")
}

func containsColumn(keys []SortKey, column string) bool {
	for _, k := range keys {
		if k.Column == column {
			return true
		}
	}
	return false
}
