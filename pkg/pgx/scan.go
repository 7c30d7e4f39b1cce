package pgx

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RowsToMaps drains rows into one map per row, keyed by column name.
func RowsToMaps(rows pgx.Rows) ([]map[string]any, error) {
	fieldDescriptions := rows.FieldDescriptions()
	columnNames := make([]string, len(fieldDescriptions))
	for i, fd := range fieldDescriptions {
		columnNames[i] = string(fd.Name)
	}

	var result []map[string]any

	for rows.Next() {
		values := make([]any, len(columnNames))
		valuePointers := make([]any, len(columnNames))
		for i := range values {
			valuePointers[i] = &values[i]
		}

		if err := rows.Scan(valuePointers...); err != nil {
			return nil, err
		}

		rowMap := make(map[string]any)
		for i, name := range columnNames {
			rowMap[name] = normalize(values[i])
		}
		result = append(result, rowMap)
	}

	return result, rows.Err()
}

// normalize converts driver-native values to their wire shape; uuid
// columns scan as raw bytes but travel as strings everywhere else.
func normalize(v any) any {
	if raw, ok := v.([16]byte); ok {
		return uuid.UUID(raw).String()
	}
	return v
}

// RowToMap is RowsToMaps for a query expected to return at most one row.
// Returns nil when no row matched.
func RowToMap(rows pgx.Rows) (map[string]any, error) {
	maps, err := RowsToMaps(rows)
	if err != nil {
		return nil, err
	}
	if len(maps) == 0 {
		return nil, nil
	}
	return maps[0], nil
}
