package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParamsDefaults(t *testing.T) {
	p, err := ParseParams(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, p.Limit)
	assert.Equal(t, 0, p.Page)
	assert.Empty(t, p.Filters)
	assert.Equal(t, 0, p.Offset())
}

func TestParseParamsSplitsReservedFromFilters(t *testing.T) {
	p, err := ParseParams(map[string]any{
		"sort":   "-label",
		"page":   "3",
		"limit":  "10",
		"cursor": "abc",
		"label":  "x",
		"int.gt": 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, p.Limit)
	assert.Equal(t, 3, p.Page)
	assert.Equal(t, "abc", p.Cursor)
	assert.Equal(t, map[string]any{"label": "x", "int.gt": 1}, p.Filters)
	assert.Equal(t, 20, p.Offset())
}

func TestParseParamsCapsLimit(t *testing.T) {
	p, err := ParseParams(map[string]any{"limit": MaxLimit * 10})
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, p.Limit)
}

func TestIncludesNormalization(t *testing.T) {
	shapes := []struct {
		name string
		in   any
		want map[string]map[string]any
	}{
		{"nil", nil, nil},
		{"string", "comments", map[string]map[string]any{"comments": nil}},
		{"array", []any{"a", "b"}, map[string]map[string]any{"a": nil, "b": nil}},
		{"nested", map[string]any{"comments": map[string]any{"author": true}},
			map[string]map[string]any{"comments": {"author": true}}},
		{"flag", map[string]any{"comments": true}, map[string]map[string]any{"comments": nil}},
	}
	for _, tt := range shapes {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseParams(map[string]any{"include": tt.in})
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Includes())
		})
	}
}
