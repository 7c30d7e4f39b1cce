package catalog

import (
	"encoding/json"
	"fmt"
	"os"
)

// The on-disk metadata cache is a read-through optimization: loading it
// instead of re-querying information_schema only affects startup cost.
// Tables are keyed schema.table, same as the in-memory registry.

// SaveCache writes introspected table metadata to path as JSON.
func SaveCache(path string, tables map[string]*Table) error {
	data, err := json.MarshalIndent(tables, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema cache: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write schema cache: %w", err)
	}
	return nil
}

// LoadCache reads table metadata previously written by SaveCache.
func LoadCache(path string) (map[string]*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema cache: %w", err)
	}
	var tables map[string]*Table
	if err := json.Unmarshal(data, &tables); err != nil {
		return nil, fmt.Errorf("parse schema cache: %w", err)
	}
	for key, t := range tables {
		if t.FullName() != key {
			return nil, fmt.Errorf("schema cache entry %q names table %q", key, t.FullName())
		}
	}
	return tables, nil
}
