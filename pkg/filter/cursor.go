package filter

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	pg "github.com/tablekit/tablekit/pkg/pgx"
)

// Cursor is the opaque keyset pagination token: the sort-key tuple of
// the last row of a page. The encoded sort order travels with the
// values so a tampered or mismatched cursor fails decoding or column
// resolution instead of silently skipping rows.
type Cursor struct {
	Keys []CursorKey `json:"k"`
}

// CursorKey is one component of the tuple.
type CursorKey struct {
	Column string `json:"c"`
	Desc   bool   `json:"d,omitempty"`
	Value  any    `json:"v"`
}

// EncodeCursor builds the nextPage token from the last row of a page.
func EncodeCursor(keys []SortKey, row map[string]any) (string, error) {
	c := Cursor{Keys: make([]CursorKey, len(keys))}
	for i, k := range keys {
		value, ok := row[k.Column]
		if !ok {
			return "", fmt.Errorf("cursor: row is missing sort column %q", k.Column)
		}
		c.Keys[i] = CursorKey{Column: k.Column, Desc: k.Desc, Value: value}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor parses an opaque cursor token.
func DecodeCursor(token string) (*Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, &ParamError{Key: "cursor", Message: "malformed cursor"}
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil || len(c.Keys) == 0 {
		return nil, &ParamError{Key: "cursor", Message: "malformed cursor"}
	}
	return &c, nil
}

// SortKeys returns the sort order the cursor was produced under.
func (c *Cursor) SortKeys() []SortKey {
	keys := make([]SortKey, len(c.Keys))
	for i, k := range c.Keys {
		keys[i] = SortKey{Column: k.Column, Desc: k.Desc}
	}
	return keys
}

// Render compiles the keyset comparison: a disjunction of one strict
// comparison per prefix, with equality on all preceding keys. For sort
// (a ASC, b DESC) and boundary (x, y) this yields
//
//	(a > $1) OR (a = $2 AND b < $3)
//
// which visits every row exactly once under concurrent inserts at the
// page boundary, unlike OFFSET. NULL boundary values follow the
// default NULL ordering (last ascending, first descending): comparing
// against a bound NULL is never true, so nullable keys compile to
// IS NULL / IS NOT NULL branches instead.
func (c *Cursor) Render(scope Scope, b *pg.Builder) (string, error) {
	nullable := make(map[string]bool, len(c.Keys))
	for _, k := range c.Keys {
		col, ok := scope.Column(k.Column)
		if !ok {
			return "", &ParamError{Key: "cursor", Message: fmt.Sprintf("unknown sort column %q", k.Column)}
		}
		nullable[k.Column] = col.Nullable
	}

	var branches []string
	for i, key := range c.Keys {
		if key.Value == nil && !key.Desc {
			// Ascending sorts NULLs last; no row follows a NULL
			// boundary on this key alone.
			continue
		}

		var conds []string
		for _, prev := range c.Keys[:i] {
			if prev.Value == nil {
				conds = append(conds, pg.Ident(prev.Column)+" IS NULL")
			} else {
				conds = append(conds, fmt.Sprintf("%s = %s", pg.Ident(prev.Column), b.Bind(prev.Value)))
			}
		}

		switch {
		case key.Value == nil:
			conds = append(conds, pg.Ident(key.Column)+" IS NOT NULL")
		case key.Desc:
			conds = append(conds, fmt.Sprintf("%s < %s", pg.Ident(key.Column), b.Bind(key.Value)))
		case nullable[key.Column]:
			// Ascending on a nullable key: the NULL-valued rows still
			// lie ahead of any non-null boundary.
			conds = append(conds, fmt.Sprintf("(%s > %s OR %s IS NULL)",
				pg.Ident(key.Column), b.Bind(key.Value), pg.Ident(key.Column)))
		default:
			conds = append(conds, fmt.Sprintf("%s > %s", pg.Ident(key.Column), b.Bind(key.Value)))
		}
		branches = append(branches, "("+strings.Join(conds, " AND ")+")")
	}
	if len(branches) == 0 {
		return "FALSE", nil
	}
	return strings.Join(branches, " OR "), nil
}
