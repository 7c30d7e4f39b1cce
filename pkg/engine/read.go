package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/tablekit/tablekit/pkg/filter"
	"github.com/tablekit/tablekit/pkg/metrics"
	pg "github.com/tablekit/tablekit/pkg/pgx"
	"github.com/tablekit/tablekit/pkg/relation"
)

// compiled is one read statement under construction: shared argument
// builder, mandatory constraint, optional filter and cursor fragments.
type compiled[C any] struct {
	params *filter.Params
	b      *pg.Builder
	where  []string
	sort   []filter.SortKey
	cursor *filter.Cursor
}

// compileRead merges default parameters, parses the filter object, and
// renders the WHERE fragments every read variant shares.
func (t *Table[C]) compileRead(ctx context.Context, params map[string]any, c C) (*compiled[C], error) {
	merged := params
	if t.def.DefaultParams != nil {
		merged = make(map[string]any)
		for k, v := range t.def.DefaultParams(ctx, c) {
			merged[k] = v
		}
		for k, v := range params {
			merged[k] = v
		}
	}

	p, err := filter.ParseParams(merged)
	if err != nil {
		return nil, wrapParamError(err)
	}

	sc := t.scope(ctx, c)
	if p.WithDeleted && t.def.SoftDeleteColumn != "" {
		sc.withDeleted = true
	}

	node, err := filter.Parse(p.Filters, sc)
	if err != nil {
		return nil, wrapParamError(err)
	}

	b := &pg.Builder{}
	q := &compiled[C]{params: p, b: b}

	if fragment, err := filter.Render(node, sc, b); err != nil {
		return nil, wrapParamError(err)
	} else if fragment != "" {
		q.where = append(q.where, "("+fragment+")")
	}

	constraint, err := sc.Constraint(b)
	if err != nil {
		return nil, err
	}
	if constraint != "" {
		q.where = append(q.where, "("+constraint+")")
	}

	if p.Cursor != "" {
		cursor, err := filter.DecodeCursor(p.Cursor)
		if err != nil {
			return nil, wrapParamError(err)
		}
		q.cursor = cursor
		// The cursor carries the sort order it was produced under;
		// using anything else would skip or repeat rows.
		q.sort = cursor.SortKeys()
		fragment, err := cursor.Render(sc, b)
		if err != nil {
			return nil, wrapParamError(err)
		}
		q.where = append(q.where, "("+fragment+")")
	} else {
		q.sort = filter.ParseSort(filter.SortTokens(p.Sort), sc, t.defaultSort(sc), t.pk())
	}

	return q, nil
}

func (t *Table[C]) defaultSort(sc scope[C]) []filter.SortKey {
	return filter.ParseSort(t.def.DefaultSort, sc, nil, "")
}

func (q *compiled[C]) whereClause() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// selectList returns the visible columns plus any requested eager
// getters as aliased correlated expressions.
func (t *Table[C]) selectList(includes map[string]map[string]any) string {
	var cols []string
	for _, col := range t.catalog.Columns {
		if slices.Contains(t.def.Hidden, col.Name) {
			continue
		}
		cols = append(cols, pg.Ident(col.Name))
	}
	for name := range includes {
		getter, ok := t.def.Getters[name]
		if !ok || getter.SQL == "" {
			continue
		}
		cols = append(cols, fmt.Sprintf("(%s) AS %s", getter.SQL, pg.Ident(name)))
	}
	return strings.Join(cols, ", ")
}

// ReadMany returns the policy-scoped rows matching params, shaped as a
// collection with pagination metadata. hasMore is computed by fetching
// one row beyond the page limit.
func (t *Table[C]) ReadMany(ctx context.Context, conn pg.Conn, params map[string]any, c C) (*Collection, error) {
	metrics.Queries.WithLabelValues(t.key(), "readMany").Inc()

	q, err := t.compileRead(ctx, params, c)
	if err != nil {
		return nil, t.counted(err)
	}

	includes := q.params.Includes()
	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT %s",
		t.selectList(includes), t.from(), q.whereClause(),
		filter.OrderBy(q.sort), q.b.Bind(q.params.Limit+1))
	if q.cursor == nil && q.params.Offset() > 0 {
		sql += " OFFSET " + q.b.Bind(q.params.Offset())
	}
	sql = t.modify(ctx, c, sql)

	rows, err := conn.Query(ctx, sql, q.b.Args()...)
	if err != nil {
		return nil, err
	}
	items, err := pg.RowsToMaps(rows)
	if err != nil {
		return nil, err
	}

	hasMore := len(items) > q.params.Limit
	if hasMore {
		items = items[:q.params.Limit]
	}

	budget := newBudget(t.def.ComplexityLimit)
	if err := t.resolveIncludes(ctx, conn, items, includes, c, budget); err != nil {
		return nil, t.counted(err)
	}

	var nextCursor string
	if hasMore && len(items) > 0 {
		nextCursor, err = filter.EncodeCursor(q.sort, items[len(items)-1])
		if err != nil {
			return nil, err
		}
	}

	return t.shapeCollection(items, q.params, hasMore, nextCursor), nil
}

// ReadOne returns the row with the given primary key under policy.
func (t *Table[C]) ReadOne(ctx context.Context, conn pg.Conn, id any, params map[string]any, c C) (*Resource, error) {
	metrics.Queries.WithLabelValues(t.key(), "readOne").Inc()

	pkValue, err := t.castPK(id)
	if err != nil {
		return nil, t.counted(err)
	}

	q, err := t.compileRead(ctx, params, c)
	if err != nil {
		return nil, t.counted(err)
	}
	q.where = append(q.where, fmt.Sprintf("%s = %s", pg.Ident(t.pk()), q.b.Bind(pkValue)))

	includes := q.params.Includes()
	sql := fmt.Sprintf("SELECT %s FROM %s%s LIMIT 1", t.selectList(includes), t.from(), q.whereClause())
	sql = t.modify(ctx, c, sql)

	rows, err := conn.Query(ctx, sql, q.b.Args()...)
	if err != nil {
		return nil, err
	}
	row, err := pg.RowToMap(rows)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}

	budget := newBudget(t.def.ComplexityLimit)
	if err := t.resolveIncludes(ctx, conn, []map[string]any{row}, includes, c, budget); err != nil {
		return nil, t.counted(err)
	}

	return t.shapeResource(row), nil
}

// Count returns the number of rows matching params under policy.
func (t *Table[C]) Count(ctx context.Context, conn pg.Conn, params map[string]any, c C) (int64, error) {
	metrics.Queries.WithLabelValues(t.key(), "count").Inc()

	q, err := t.compileRead(ctx, params, c)
	if err != nil {
		return 0, t.counted(err)
	}

	sql := fmt.Sprintf("SELECT count(*) FROM %s%s", t.from(), q.whereClause())
	sql = t.modify(ctx, c, sql)

	var count int64
	if err := conn.QueryRow(ctx, sql, q.b.Args()...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// IDs returns the primary keys of rows matching params under policy.
func (t *Table[C]) IDs(ctx context.Context, conn pg.Conn, params map[string]any, c C) ([]any, error) {
	metrics.Queries.WithLabelValues(t.key(), "ids").Inc()

	q, err := t.compileRead(ctx, params, c)
	if err != nil {
		return nil, t.counted(err)
	}

	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s",
		pg.Ident(t.pk()), t.from(), q.whereClause(), filter.OrderBy(q.sort))
	sql = t.modify(ctx, c, sql)

	rows, err := conn.Query(ctx, sql, q.b.Args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []any
	for rows.Next() {
		var id any
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// resolveIncludes attaches requested relations and lazy getters to the
// fetched rows. Relations are fetched in one batched statement per
// relation, under the related table's own constraint; nesting recurses
// with the same complexity budget.
func (t *Table[C]) resolveIncludes(ctx context.Context, conn pg.Conn, rowset []map[string]any, includes map[string]map[string]any, c C, budget *budget) error {
	if len(includes) == 0 || len(rowset) == 0 {
		return nil
	}

	for _, name := range sortedIncludeNames(includes) {
		sub := includes[name]

		if getter, ok := t.def.Getters[name]; ok {
			if getter.SQL != "" {
				continue // already part of the select list
			}
			if err := budget.charge(t.def.Weight); err != nil {
				return err
			}
			for _, row := range rowset {
				value, err := getter.Resolve(ctx, c, conn, row)
				if err != nil {
					return fmt.Errorf("getter %s.%s: %w", t.key(), name, err)
				}
				row[name] = value
			}
			continue
		}

		rel, ok := t.registry.graph.Relation(t.key(), name)
		if !ok {
			continue // tolerated, like unknown filter keys
		}
		related, ok := t.registry.tables[rel.RefTable]
		if !ok {
			continue
		}
		if err := budget.charge(related.def.Weight); err != nil {
			return err
		}
		if err := t.fetchRelated(ctx, conn, rowset, rel, related, name, sub, c, budget); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table[C]) fetchRelated(ctx context.Context, conn pg.Conn, rowset []map[string]any, rel relation.Relation, related *Table[C], name string, sub map[string]any, c C, budget *budget) error {
	keys := make([]any, 0, len(rowset))
	seen := make(map[any]bool, len(rowset))
	for _, row := range rowset {
		key := row[rel.Column]
		if key == nil || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil
	}

	// Nested includes travel into the related SELECT so the related
	// table's eager getters land in its select list.
	var nested map[string]map[string]any
	if sub != nil {
		nested = normalizedIncludes(sub)
	}

	sql, b, err := t.relatedQuery(ctx, rel, related, keys, nested, c)
	if err != nil {
		return err
	}
	rows, err := conn.Query(ctx, sql, b.Args()...)
	if err != nil {
		return err
	}
	relatedRows, err := pg.RowsToMaps(rows)
	if err != nil {
		return err
	}

	if nested != nil {
		if err := related.resolveIncludes(ctx, conn, relatedRows, nested, c, budget); err != nil {
			return err
		}
	}

	if rel.Kind == relation.BelongsTo {
		byKey := make(map[any]map[string]any, len(relatedRows))
		for _, row := range relatedRows {
			byKey[row[rel.RefColumn]] = row
		}
		for _, row := range rowset {
			if match, ok := byKey[row[rel.Column]]; ok {
				row[name] = match
			}
		}
		return nil
	}

	grouped := make(map[any][]map[string]any, len(rowset))
	for _, row := range relatedRows {
		key := row[rel.RefColumn]
		grouped[key] = append(grouped[key], row)
	}
	for _, row := range rowset {
		children := grouped[row[rel.Column]]
		if children == nil {
			children = []map[string]any{}
		}
		row[name] = children
	}
	return nil
}

// relatedQuery builds the batched statement fetching related rows for
// a set of parent keys, under the related table's own constraint.
func (t *Table[C]) relatedQuery(ctx context.Context, rel relation.Relation, related *Table[C], keys []any, includes map[string]map[string]any, c C) (string, *pg.Builder, error) {
	b := &pg.Builder{}
	placeholders := make([]string, len(keys))
	for i, key := range keys {
		placeholders[i] = b.Bind(key)
	}
	where := fmt.Sprintf("%s IN (%s)", pg.Ident(rel.RefColumn), strings.Join(placeholders, ", "))

	constraint, err := related.scope(ctx, c).Constraint(b)
	if err != nil {
		return "", nil, err
	}
	if constraint != "" {
		where += " AND (" + constraint + ")"
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s", related.selectList(includes), related.from(), where)
	return sql, b, nil
}

func (t *Table[C]) modify(ctx context.Context, c C, sql string) string {
	if t.def.ModifyQuery == nil {
		return sql
	}
	return t.def.ModifyQuery(ctx, c, sql)
}

// castPK validates a caller-supplied id against the primary-key column
// type; a malformed id (e.g. a bad uuid) is a BadRequest, not a 500.
func (t *Table[C]) castPK(id any) (any, error) {
	row, errs := t.schema.Validate(map[string]any{t.pk(): id}, false)
	if errs != nil {
		return nil, badRequest(errs)
	}
	value, ok := row[t.pk()]
	if !ok {
		return nil, badRequestField(t.pk(), "is required")
	}
	return value, nil
}

// counted tallies complexity aborts before returning the error.
func (t *Table[C]) counted(err error) error {
	if IsComplexityLimit(err) {
		metrics.ComplexityAborts.WithLabelValues(t.key()).Inc()
	}
	return err
}

func wrapParamError(err error) error {
	var pe *filter.ParamError
	if errors.As(err, &pe) {
		return badRequestField(pe.Key, pe.Message)
	}
	return err
}

func sortedIncludeNames(includes map[string]map[string]any) []string {
	names := make([]string, 0, len(includes))
	for name := range includes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func normalizedIncludes(sub map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(sub))
	for name, v := range sub {
		if nested, ok := v.(map[string]any); ok {
			out[name] = nested
		} else {
			out[name] = nil
		}
	}
	return out
}
