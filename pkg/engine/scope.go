package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/tablekit/tablekit/pkg/catalog"
	"github.com/tablekit/tablekit/pkg/filter"
	pg "github.com/tablekit/tablekit/pkg/pgx"
	"github.com/tablekit/tablekit/pkg/relation"
)

// scope adapts one (table, caller context) pair to the filter
// compiler. Constraint is where policy and tenancy become part of
// every statement: relation subfilters get the related table's own
// scope, so traversal cannot widen visibility.
type scope[C any] struct {
	t           *Table[C]
	ctx         context.Context
	c           C
	withDeleted bool
}

func (t *Table[C]) scope(ctx context.Context, c C) scope[C] {
	return scope[C]{t: t, ctx: ctx, c: c}
}

func (s scope[C]) From() string {
	return s.t.from()
}

func (s scope[C]) Column(name string) (catalog.Column, bool) {
	if slices.Contains(s.t.def.Hidden, name) {
		return catalog.Column{}, false
	}
	return s.t.catalog.Column(name)
}

func (s scope[C]) Relation(name string) (relation.Relation, filter.Scope, bool) {
	rel, ok := s.t.registry.graph.Relation(s.t.key(), name)
	if !ok {
		return relation.Relation{}, nil, false
	}
	related, ok := s.t.registry.tables[rel.RefTable]
	if !ok {
		return relation.Relation{}, nil, false
	}
	// Soft-delete opt-in does not propagate across relations.
	return rel, related.scope(s.ctx, s.c), true
}

func (s scope[C]) TextSearch() bool {
	return s.t.def.TextSearch
}

// Constraint renders the table's mandatory predicate: the policy
// fragment, the tenant equality, and the soft-delete exclusion. It is
// composed onto every generated statement and is not reachable from
// request parameters.
func (s scope[C]) Constraint(b *pg.Builder) (string, error) {
	var parts []string

	if s.t.def.Policy != nil {
		fragment, err := s.t.def.Policy(s.ctx, s.c, b)
		if err != nil {
			return "", fmt.Errorf("policy %s: %w", s.t.key(), err)
		}
		if fragment != "" {
			parts = append(parts, "("+fragment+")")
		}
	}

	if s.t.def.TenantColumn != "" {
		tenant := s.t.def.Tenant(s.c)
		if tenant == nil {
			return "", badRequestField(s.t.def.TenantColumn, "is required")
		}
		parts = append(parts, fmt.Sprintf("%s = %s", pg.Ident(s.t.def.TenantColumn), b.Bind(tenant)))
	}

	if s.t.def.SoftDeleteColumn != "" && !s.withDeleted {
		parts = append(parts, pg.Ident(s.t.def.SoftDeleteColumn)+" IS NULL")
	}

	switch len(parts) {
	case 0:
		return "", nil
	case 1:
		return parts[0], nil
	default:
		joined := parts[0]
		for _, p := range parts[1:] {
			joined += " AND " + p
		}
		return joined, nil
	}
}

// tenantValue returns the mandatory tenant field value for writes, or
// a BadRequest when the caller context carries none.
func (t *Table[C]) tenantValue(c C) (any, error) {
	if t.def.TenantColumn == "" {
		return nil, nil
	}
	v := t.def.Tenant(c)
	if v == nil {
		return nil, badRequestField(t.def.TenantColumn, "is required")
	}
	return v, nil
}
