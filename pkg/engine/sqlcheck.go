package engine

import (
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// checkExpression verifies at registration time that a caller-supplied
// SQL expression (eager getter, policy fragment) at least parses, so a
// typo fails initialization instead of every request that includes it.
func checkExpression(expr string) error {
	// Parenthesized, matching how the select list embeds it, so both
	// plain expressions and scalar subqueries parse.
	if _, err := pg_query.Parse("SELECT (" + expr + ")"); err != nil {
		return fmt.Errorf("invalid SQL expression: %w", err)
	}
	return nil
}
