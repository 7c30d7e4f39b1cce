package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/tablekit/tablekit/pkg/catalog"
	pg "github.com/tablekit/tablekit/pkg/pgx"
)

// UniqueCheck describes one uniqueness probe: the table, its declared
// constraint column sets, the candidate row, and the primary-key value
// to exclude so updates do not conflict with themselves. When the table
// carries a tenant column it participates in every set, keeping the
// check scoped to the caller's tenant.
type UniqueCheck struct {
	Table     *catalog.Table
	Sets      [][]string
	Row       map[string]any
	PKColumn  string
	ExcludePK any
	// Current holds the stored row on updates; set columns absent from
	// the payload fall back to it, so a partial update of a compound
	// constraint still probes the full set.
	Current      map[string]any
	TenantColumn string
	// SoftDeleteColumn, when set, excludes soft-deleted rows from
	// conflicting.
	SoftDeleteColumn string
}

// Run checks every constraint set against other rows, collecting
// "is already in use" per conflicting set. The error keys on the last
// column of the set, which for compound constraints like (org, username)
// is the field a caller can actually change.
func (c UniqueCheck) Run(ctx context.Context, conn pg.Conn) (Errors, error) {
	errs := Errors{}

	for _, set := range c.Sets {
		columns := set
		if c.TenantColumn != "" && !contains(set, c.TenantColumn) {
			columns = append([]string{c.TenantColumn}, set...)
		}

		// Only probe when the payload touches the constrained columns;
		// untouched columns fall back to the stored row.
		touched := false
		for _, col := range set {
			if _, ok := c.Row[col]; ok {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}

		b := &pg.Builder{}
		conds := make([]string, 0, len(columns)+2)
		all := true
		for _, col := range columns {
			value, ok := c.Row[col]
			if !ok {
				value, ok = c.Current[col]
			}
			if !ok || value == nil {
				// Unknown values cannot probe; NULLs never conflict
				// under SQL unique semantics.
				all = false
				break
			}
			conds = append(conds, fmt.Sprintf("%s = %s", pg.Ident(col), b.Bind(value)))
		}
		if !all {
			continue
		}
		if c.ExcludePK != nil {
			conds = append(conds, fmt.Sprintf("%s <> %s", pg.Ident(c.PKColumn), b.Bind(c.ExcludePK)))
		}
		if c.SoftDeleteColumn != "" {
			conds = append(conds, pg.Ident(c.SoftDeleteColumn)+" IS NULL")
		}

		query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s)",
			pg.Ident(c.Table.Schema, c.Table.Name), strings.Join(conds, " AND "))

		var exists bool
		if err := conn.QueryRow(ctx, query, b.Args()...).Scan(&exists); err != nil {
			return nil, fmt.Errorf("unique check %v: %w", set, err)
		}
		if exists {
			errs.Add(set[len(set)-1], "is already in use")
		}
	}

	return errs, nil
}

func contains(set []string, col string) bool {
	for _, s := range set {
		if s == col {
			return true
		}
	}
	return false
}
