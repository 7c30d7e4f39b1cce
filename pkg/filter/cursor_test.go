package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pg "github.com/tablekit/tablekit/pkg/pgx"
)

func TestCursorRoundTrip(t *testing.T) {
	keys := []SortKey{{Column: "label"}, {Column: "id", Desc: true}}
	row := map[string]any{"label": "b", "id": "42", "extra": true}

	token, err := EncodeCursor(keys, row)
	require.NoError(t, err)

	c, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, keys, c.SortKeys())
	assert.Equal(t, "b", c.Keys[0].Value)
	assert.Equal(t, "42", c.Keys[1].Value)
}

func TestCursorEncodeMissingColumn(t *testing.T) {
	_, err := EncodeCursor([]SortKey{{Column: "gone"}}, map[string]any{"id": 1})
	require.Error(t, err)
}

func TestDecodeCursorMalformed(t *testing.T) {
	for _, token := range []string{"not base64!!", "aGVsbG8", ""} {
		_, err := DecodeCursor(token)
		var pe *ParamError
		require.ErrorAs(t, err, &pe, token)
		assert.Equal(t, "cursor", pe.Key)
	}
}

func TestCursorRenderKeysetDisjunction(t *testing.T) {
	token, err := EncodeCursor(
		[]SortKey{{Column: "label"}, {Column: "int", Desc: true}},
		map[string]any{"label": "b", "int": 7})
	require.NoError(t, err)

	c, err := DecodeCursor(token)
	require.NoError(t, err)

	b := &pg.Builder{}
	sql, err := c.Render(itemsScope(), b)
	require.NoError(t, err)
	assert.Equal(t, `("label" > $1) OR ("label" = $2 AND "int" < $3)`, sql)
	assert.Len(t, b.Args(), 3)
}

func TestCursorRenderNullableAscending(t *testing.T) {
	token, err := EncodeCursor(
		[]SortKey{{Column: "note"}, {Column: "id"}},
		map[string]any{"note": "b", "id": "42"})
	require.NoError(t, err)
	c, err := DecodeCursor(token)
	require.NoError(t, err)

	// NULL-valued rows sort after the non-null boundary and must not
	// be skipped.
	b := &pg.Builder{}
	sql, err := c.Render(itemsScope(), b)
	require.NoError(t, err)
	assert.Equal(t, `(("note" > $1 OR "note" IS NULL)) OR ("note" = $2 AND "id" > $3)`, sql)
	assert.Equal(t, []any{"b", "b", "42"}, b.Args())
}

func TestCursorRenderNullBoundary(t *testing.T) {
	token, err := EncodeCursor(
		[]SortKey{{Column: "note"}, {Column: "id"}},
		map[string]any{"note": nil, "id": "42"})
	require.NoError(t, err)
	c, err := DecodeCursor(token)
	require.NoError(t, err)

	// Ascending puts NULLs last; only later NULL-valued rows remain.
	b := &pg.Builder{}
	sql, err := c.Render(itemsScope(), b)
	require.NoError(t, err)
	assert.Equal(t, `("note" IS NULL AND "id" > $1)`, sql)
	assert.Equal(t, []any{"42"}, b.Args())
}

func TestCursorRenderNullBoundaryDescending(t *testing.T) {
	token, err := EncodeCursor(
		[]SortKey{{Column: "note", Desc: true}, {Column: "id"}},
		map[string]any{"note": nil, "id": "42"})
	require.NoError(t, err)
	c, err := DecodeCursor(token)
	require.NoError(t, err)

	// Descending puts NULLs first; every non-null row still follows.
	b := &pg.Builder{}
	sql, err := c.Render(itemsScope(), b)
	require.NoError(t, err)
	assert.Equal(t, `("note" IS NOT NULL) OR ("note" IS NULL AND "id" > $1)`, sql)
	assert.Equal(t, []any{"42"}, b.Args())
}

func TestCursorRenderUnknownColumn(t *testing.T) {
	token, err := EncodeCursor([]SortKey{{Column: "label"}}, map[string]any{"label": "b"})
	require.NoError(t, err)
	c, err := DecodeCursor(token)
	require.NoError(t, err)

	scope := &fakeScope{table: "items", columns: nil}
	_, err = c.Render(scope, &pg.Builder{})
	var pe *ParamError
	require.ErrorAs(t, err, &pe)
}
