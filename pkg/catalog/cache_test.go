package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")

	tables := map[string]*Table{
		"public.users": {
			Schema: "public",
			Name:   "users",
			Columns: []Column{
				{Name: "id", DataType: "uuid"},
				{Name: "email", DataType: "text"},
			},
			PrimaryKeys: []string{"id"},
			Unique:      [][]string{{"email"}},
		},
	}
	require.NoError(t, SaveCache(path, tables))

	loaded, err := LoadCache(path)
	require.NoError(t, err)
	assert.Equal(t, tables, loaded)
}

func TestLoadCacheMissingFile(t *testing.T) {
	_, err := LoadCache(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestLoadCacheRejectsMismatchedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"public.users": {"schema": "public", "name": "posts"}}`), 0o644))

	_, err := LoadCache(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public.posts")
}

func TestTableLookups(t *testing.T) {
	tbl := &Table{
		Schema: "public",
		Name:   "users",
		Columns: []Column{
			{Name: "id", DataType: "uuid"},
			{Name: "email", DataType: "text", Nullable: true},
		},
		PrimaryKeys: []string{"id"},
	}

	assert.Equal(t, "public.users", tbl.FullName())
	assert.Equal(t, "id", tbl.PrimaryKey())
	assert.True(t, tbl.HasColumn("email"))
	assert.False(t, tbl.HasColumn("missing"))

	col, ok := tbl.Column("email")
	require.True(t, ok)
	assert.True(t, col.Nullable)
}
