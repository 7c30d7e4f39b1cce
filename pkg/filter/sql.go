package filter

import (
	"fmt"
	"reflect"
	"strings"

	pg "github.com/tablekit/tablekit/pkg/pgx"
)

// Render compiles a predicate tree into a SQL fragment, binding every
// value through b. Returns "" for a nil node.
func Render(node Node, scope Scope, b *pg.Builder) (string, error) {
	if node == nil {
		return "", nil
	}
	switch n := node.(type) {
	case Cond:
		return renderCond(n, scope, b)
	case Group:
		return renderGroup(n, scope, b)
	case RelationCond:
		return renderRelation(n, scope, b)
	default:
		return "", fmt.Errorf("filter: unknown node type %T", node)
	}
}

var sqlOps = map[Op]string{
	OpEq:    "=",
	OpNeq:   "<>",
	OpLt:    "<",
	OpLte:   "<=",
	OpGt:    ">",
	OpGte:   ">=",
	OpLike:  "LIKE",
	OpILike: "ILIKE",
}

func renderCond(c Cond, scope Scope, b *pg.Builder) (string, error) {
	col := pg.Ident(c.Column)

	if c.Op == OpNull {
		if c.Negate {
			return col + " IS NOT NULL", nil
		}
		return col + " IS NULL", nil
	}

	// Pattern operators compile to full-text search when the table is
	// configured for it.
	if (c.Op == OpLike || c.Op == OpILike || c.Op == OpSearch) && (scope.TextSearch() || c.Op == OpSearch) {
		expr := fmt.Sprintf("to_tsvector('simple', %s::text) @@ plainto_tsquery('simple', %s)", col, b.Bind(c.Value))
		return negated(expr, c.Negate), nil
	}

	// Array values compile to IN lists.
	if values, ok := anySlice(c.Value); ok {
		if c.Op != OpEq {
			return "", &ParamError{Key: c.Column, Message: "array values only support equality"}
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = b.Bind(v)
		}
		expr := fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", "))
		if c.Negate {
			return fmt.Sprintf("%s NOT IN (%s)", col, strings.Join(placeholders, ", ")), nil
		}
		return expr, nil
	}

	sqlOp, ok := sqlOps[c.Op]
	if !ok {
		return "", fmt.Errorf("filter: unsupported operator %q", c.Op)
	}
	return negated(fmt.Sprintf("%s %s %s", col, sqlOp, b.Bind(c.Value)), c.Negate), nil
}

func renderGroup(g Group, scope Scope, b *pg.Builder) (string, error) {
	if len(g.Children) == 0 {
		return "", nil
	}

	parts := make([]string, 0, len(g.Children))
	for _, child := range g.Children {
		part, err := Render(child, scope, b)
		if err != nil {
			return "", err
		}
		if part != "" {
			parts = append(parts, "("+part+")")
		}
	}
	if len(parts) == 0 {
		return "", nil
	}

	sep := " AND "
	if g.Or {
		sep = " OR "
	}
	return negated(strings.Join(parts, sep), g.Negate), nil
}

// renderRelation compiles a relation-scoped subfilter to a membership
// test against the related table, under that table's own mandatory
// constraint. The subquery shares the statement's argument builder.
func renderRelation(rc RelationCond, scope Scope, b *pg.Builder) (string, error) {
	rel, relScope, ok := scope.Relation(rc.Relation)
	if !ok {
		return "", fmt.Errorf("filter: unknown relation %q", rc.Relation)
	}

	sub, err := Render(rc.Filter, relScope, b)
	if err != nil {
		return "", err
	}
	constraint, err := relScope.Constraint(b)
	if err != nil {
		return "", err
	}

	where := combineAnd(sub, constraint)
	query := fmt.Sprintf("SELECT %s FROM %s", pg.Ident(rel.RefColumn), relScope.From())
	if where != "" {
		query += " WHERE " + where
	}

	op := "IN"
	if rc.Negate {
		op = "NOT IN"
	}
	return fmt.Sprintf("%s %s (%s)", pg.Ident(rel.Column), op, query), nil
}

func negated(expr string, negate bool) string {
	if negate {
		return "NOT (" + expr + ")"
	}
	return expr
}

// combineAnd joins non-empty fragments with AND, parenthesized.
func combineAnd(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, "("+p+")")
		}
	}
	return strings.Join(nonEmpty, " AND ")
}

// anySlice normalizes slice values of any element type.
func anySlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
