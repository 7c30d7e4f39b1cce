// Package filter compiles untrusted request parameters into
// parameterized SQL predicates. Parsing produces a predicate tree;
// rendering walks the tree emitting $n placeholders through a shared
// argument builder so fragments compose with policy and pagination
// clauses without renumbering.
package filter

import (
	"fmt"
	"slices"
	"strings"

	"github.com/tablekit/tablekit/pkg/catalog"
	pg "github.com/tablekit/tablekit/pkg/pgx"
	"github.com/tablekit/tablekit/pkg/relation"
)

// Op is a leaf comparison operator.
type Op string

const (
	OpEq     Op = "eq"
	OpNeq    Op = "neq"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpLike   Op = "like"
	OpILike  Op = "ilike"
	OpSearch Op = "search"
	OpNull   Op = "null"
)

// Scope is the table view a filter compiles against. The engine
// implements it per (table, request context) pair: Constraint renders
// the table's non-optional predicate (policy, tenancy, soft-delete)
// so relation subfilters are scoped exactly like direct reads.
type Scope interface {
	// From returns the quoted schema-qualified table name.
	From() string
	// Column resolves a filterable column.
	Column(name string) (catalog.Column, bool)
	// Relation resolves a relation name to its edge and the related
	// table's scope.
	Relation(name string) (relation.Relation, Scope, bool)
	// Constraint renders the table's mandatory predicate, or "" when
	// none applies.
	Constraint(b *pg.Builder) (string, error)
	// TextSearch reports whether like/ilike compile to full-text
	// search instead of pattern matching.
	TextSearch() bool
}

// Node is one node of the parsed predicate tree.
type Node interface {
	isNode()
}

// Cond is a leaf comparison against one column.
type Cond struct {
	Column string
	Op     Op
	Value  any
	Negate bool
}

// Group combines child predicates with AND or OR.
type Group struct {
	Or       bool
	Negate   bool
	Children []Node
}

// RelationCond is a membership test against a related table, compiled
// as IN/NOT IN over a policy-scoped subquery.
type RelationCond struct {
	Relation string
	Negate   bool
	Filter   Node
}

func (Cond) isNode()         {}
func (Group) isNode()        {}
func (RelationCond) isNode() {}

// ParamError reports a malformed filter parameter, keyed by the
// offending parameter so callers can build a field-level error body.
type ParamError struct {
	Key     string
	Message string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Key, e.Message)
}

var operators = map[string]Op{
	"eq":     OpEq,
	"neq":    OpNeq,
	"lt":     OpLt,
	"lte":    OpLte,
	"gt":     OpGt,
	"gte":    OpGte,
	"like":   OpLike,
	"ilike":  OpILike,
	"search": OpSearch,
	"null":   OpNull,
}

// Parse compiles a parameter object into a predicate tree for scope.
// Keys naming neither a column, combinator, nor relation are ignored;
// the wire grammar is forward-compatible by design. A nil return with
// nil error means no predicate.
func Parse(params map[string]any, scope Scope) (Node, error) {
	group := Group{}

	// Deterministic compilation order; AND children commute so the
	// rendered predicate is logically order-independent anyway.
	for _, key := range sortedKeys(params) {
		node, err := parseKey(key, params[key], scope)
		if err != nil {
			return nil, err
		}
		if node != nil {
			group.Children = append(group.Children, node)
		}
	}

	switch len(group.Children) {
	case 0:
		return nil, nil
	case 1:
		return group.Children[0], nil
	default:
		return group, nil
	}
}

func parseKey(key string, value any, scope Scope) (Node, error) {
	negate := false
	name := key
	if strings.HasPrefix(name, "not.") {
		negate = true
		name = strings.TrimPrefix(name, "not.")
	}

	if name == "and" || name == "or" {
		children, err := parseCombinator(key, value, scope)
		if err != nil {
			return nil, err
		}
		return Group{Or: name == "or", Negate: negate, Children: children}, nil
	}

	// column.op / column.not.op
	column, op, opNegate, ok := splitOperator(name, scope)
	if ok {
		col, _ := scope.Column(column)
		return parseCond(key, col, op, value, negate != opNegate)
	}

	// plain column: equality (or IN for arrays)
	if col, ok := scope.Column(name); ok {
		return parseCond(key, col, OpEq, value, negate)
	}

	if _, relScope, ok := scope.Relation(name); ok {
		sub, ok := value.(map[string]any)
		if !ok {
			return nil, &ParamError{Key: key, Message: "relation filter requires an object"}
		}
		filter, err := Parse(sub, relScope)
		if err != nil {
			return nil, err
		}
		return RelationCond{Relation: name, Negate: negate, Filter: filter}, nil
	}

	// Unknown key: ignored rather than rejected.
	return nil, nil
}

// splitOperator recognizes column.op and column.not.op keys. The
// column part may itself contain no dots, so only the trailing one or
// two segments are candidate operator tokens.
func splitOperator(key string, scope Scope) (column string, op Op, negate bool, ok bool) {
	i := strings.IndexByte(key, '.')
	if i <= 0 {
		return "", "", false, false
	}
	column, rest := key[:i], key[i+1:]
	if _, exists := scope.Column(column); !exists {
		return "", "", false, false
	}
	if strings.HasPrefix(rest, "not.") {
		negate = true
		rest = strings.TrimPrefix(rest, "not.")
	}
	op, ok = operators[rest]
	return column, op, negate, ok
}

func parseCond(key string, col catalog.Column, op Op, value any, negate bool) (Node, error) {
	if op == OpNull {
		if !col.Nullable {
			return nil, &ParamError{Key: key, Message: "null check on non-nullable column"}
		}
		return Cond{Column: col.Name, Op: OpNull, Negate: negate}, nil
	}
	if value == nil {
		// JSON null against a column compiles to a null check,
		// mirroring SQL's IS NULL rather than = NULL.
		if op == OpEq {
			return Cond{Column: col.Name, Op: OpNull, Negate: negate}, nil
		}
		return nil, &ParamError{Key: key, Message: "null value requires the null operator"}
	}
	return Cond{Column: col.Name, Op: op, Value: value, Negate: negate}, nil
}

func parseCombinator(key string, value any, scope Scope) ([]Node, error) {
	var objects []map[string]any
	switch v := value.(type) {
	case map[string]any:
		objects = []map[string]any{v}
	case []any:
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, &ParamError{Key: key, Message: "combinator entries must be objects"}
			}
			objects = append(objects, obj)
		}
	case []map[string]any:
		objects = v
	default:
		return nil, &ParamError{Key: key, Message: "combinator requires an object or array of objects"}
	}

	var children []Node
	for _, obj := range objects {
		node, err := Parse(obj, scope)
		if err != nil {
			return nil, err
		}
		if node != nil {
			children = append(children, node)
		}
	}
	return children, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
