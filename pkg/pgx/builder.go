package pgx

import (
	"strconv"

	"github.com/jackc/pgx/v5"
)

// Builder accumulates positional arguments for one SQL statement and
// hands out the matching $n placeholders. A single Builder spans every
// fragment of a statement (filter, policy, pagination) so placeholder
// numbering stays consistent across independently rendered parts.
type Builder struct {
	args []any
}

// Bind appends v to the argument list and returns its placeholder.
func (b *Builder) Bind(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// Args returns the accumulated arguments in placeholder order.
func (b *Builder) Args() []any {
	return b.args
}

// Ident quotes an identifier (column, table) for safe interpolation.
func Ident(parts ...string) string {
	return pgx.Identifier(parts).Sanitize()
}
