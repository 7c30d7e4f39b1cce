package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSortTokens(t *testing.T) {
	scope := itemsScope()

	keys := ParseSort([]string{"label", "-int"}, scope, nil, "id")
	assert.Equal(t, []SortKey{
		{Column: "label"},
		{Column: "int", Desc: true},
		{Column: "id"},
	}, keys)
}

func TestParseSortUnknownTokensFallBack(t *testing.T) {
	scope := itemsScope()
	fallback := []SortKey{{Column: "label"}}

	keys := ParseSort([]string{"bogus"}, scope, fallback, "id")
	assert.Equal(t, []SortKey{{Column: "label"}, {Column: "id"}}, keys)

	// A recognized token survives alongside a dropped one.
	keys = ParseSort([]string{"bogus", "int"}, scope, fallback, "id")
	assert.Equal(t, []SortKey{{Column: "int"}, {Column: "id"}}, keys)
}

func TestParseSortKeepsExplicitPK(t *testing.T) {
	scope := itemsScope()
	keys := ParseSort([]string{"-id"}, scope, nil, "id")
	assert.Equal(t, []SortKey{{Column: "id", Desc: true}}, keys)
}

func TestSortTokens(t *testing.T) {
	assert.Equal(t, []string{"a", "-b"}, SortTokens("a,-b"))
	assert.Equal(t, []string{"a", "b"}, SortTokens([]any{"a", "b"}))
	assert.Nil(t, SortTokens(nil))
	assert.Nil(t, SortTokens(42))
}

func TestOrderBy(t *testing.T) {
	got := OrderBy([]SortKey{{Column: "label"}, {Column: "int", Desc: true}})
	assert.Equal(t, `"label" ASC, "int" DESC`, got)
}
