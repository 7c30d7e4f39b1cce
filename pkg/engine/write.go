package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/tablekit/tablekit/pkg/metrics"
	pg "github.com/tablekit/tablekit/pkg/pgx"
	"github.com/tablekit/tablekit/pkg/relation"
	"github.com/tablekit/tablekit/pkg/validate"
)

// WriteNode is one node of the payload graph being committed: target
// table, resolved mode, cast field values, and child nodes keyed by
// relation name. Built from the request body, executed in dependency
// order, discarded after the transaction commits or rolls back.
type WriteNode struct {
	Table  string
	Mode   Mode
	Values map[string]any
	// PK is the primary-key value, known up front for updates and
	// deletes and assigned during execution for inserts.
	PK any
	// Path locates the node in the request payload for error keys,
	// dotted/bracketed ("comments[1].body"); empty for the root.
	Path string
	// Row is the post-statement row, populated during execution.
	Row map[string]any

	children []*childNode
}

// childNode pairs a child write with the relation edge it arrived
// through; the edge direction decides execution order.
type childNode struct {
	rel   relation.Relation
	nodes []*WriteNode
}

// txState is the working set of one write transaction: the deferred
// pre-commit assertions, the accumulated change list, and per-request
// caches like lookup-table key sets.
type txState struct {
	tx      pgx.Tx
	budget  *budget
	changes []Change
	asserts []func(ctx context.Context) error
	lookups map[string]map[string]bool
}

// deferCheck registers an assertion to run once, in registration
// order, immediately before commit.
func (s *txState) deferCheck(a func(ctx context.Context) error) {
	s.asserts = append(s.asserts, a)
}

func (s *txState) emit(mode Mode, path string, row map[string]any, views []string) {
	s.changes = append(s.changes, Change{Mode: mode, Path: path, Row: row, Views: views})
}

// Write commits a (possibly deeply nested) payload inside exactly one
// transaction. Children referenced by this row are written first,
// children owning a foreign key into this row are written after it;
// deletes cascade per the dependent table's paranoid flag. Integrity
// checks that may depend on sibling rows of the same graph are
// deferred to just before commit. Any failure rolls the whole
// transaction back; no partial writes are observable.
func (t *Table[C]) Write(ctx context.Context, payload map[string]any, c C) (*WriteResult, error) {
	metrics.Queries.WithLabelValues(t.key(), "write").Inc()
	start := time.Now()
	defer func() {
		metrics.WriteDuration.WithLabelValues(t.key()).Observe(time.Since(start).Seconds())
	}()

	state := &txState{
		budget:  newBudget(t.def.ComplexityLimit),
		lookups: make(map[string]map[string]bool),
	}

	root, err := t.buildNode(payload, "", state.budget)
	if err != nil {
		return nil, t.writeFailed(err)
	}

	tx, err := t.registry.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	state.tx = tx

	if err := t.execNode(ctx, state, root, t.def.Name, c); err != nil {
		return nil, t.writeFailed(err)
	}
	for _, assert := range state.asserts {
		if err := assert(ctx); err != nil {
			return nil, t.writeFailed(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	t.registry.logger.Debug("write committed",
		zap.String("table", t.key()),
		zap.Int("changes", len(state.changes)))

	var result any
	if root.Mode != ModeDelete {
		result = t.shapeResource(root.Row)
	}
	return &WriteResult{
		Result:   result,
		Changes:  state.changes,
		ChangeID: uuid.NewString(),
	}, nil
}

func (t *Table[C]) writeFailed(err error) error {
	var br *BadRequest
	if errors.As(err, &br) && !br.Complexity {
		metrics.ValidationFailures.WithLabelValues(t.key()).Inc()
	}
	return t.counted(err)
}

// buildNode splits a payload object into column values and
// relation-keyed children, charging the complexity budget per node
// before any recursion.
func (t *Table[C]) buildNode(payload map[string]any, path string, budget *budget) (*WriteNode, error) {
	if err := budget.charge(t.def.Weight); err != nil {
		return nil, err
	}

	node := &WriteNode{
		Table:  t.key(),
		Mode:   ModeInsert,
		Values: make(map[string]any, len(payload)),
		Path:   path,
	}

	for key, value := range payload {
		if key == DeleteSentinel {
			if deleted, _ := value.(bool); deleted {
				node.Mode = ModeDelete
			}
			continue
		}

		rel, ok := t.registry.graph.Relation(t.key(), key)
		if ok {
			child, err := t.buildChildren(rel, key, value, path, budget)
			if err != nil {
				return nil, err
			}
			if child != nil {
				node.children = append(node.children, child)
			}
			continue
		}

		node.Values[key] = value
	}

	if pk, ok := node.Values[t.pk()]; ok {
		node.PK = pk
		if node.Mode != ModeDelete {
			node.Mode = ModeUpdate
		}
	}
	if node.Mode == ModeDelete && node.PK == nil {
		return nil, badRequestField(errKey(path, t.pk()), "is required to delete")
	}
	return node, nil
}

func (t *Table[C]) buildChildren(rel relation.Relation, key string, value any, path string, budget *budget) (*childNode, error) {
	related, ok := t.registry.tables[rel.RefTable]
	if !ok {
		return nil, badRequestField(errKey(path, key), "relation target is not registered")
	}

	var payloads []map[string]any
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		payloads = []map[string]any{v}
	case []any:
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, badRequestField(errKey(path, key), "must be an object or array of objects")
			}
			payloads = append(payloads, obj)
		}
	case []map[string]any:
		payloads = v
	default:
		return nil, badRequestField(errKey(path, key), "must be an object or array of objects")
	}

	if rel.Kind == relation.BelongsTo && len(payloads) > 1 {
		return nil, badRequestField(errKey(path, key), "accepts a single object")
	}

	child := &childNode{rel: rel}
	for i, p := range payloads {
		childPath := errKey(path, key)
		if rel.Kind == relation.HasMany {
			childPath = fmt.Sprintf("%s[%d]", errKey(path, key), i)
		}
		n, err := related.buildNode(p, childPath, budget)
		if err != nil {
			return nil, err
		}
		child.nodes = append(child.nodes, n)
	}
	return child, nil
}

// execNode runs one node and its children in dependency order:
// belongs-to children first (their generated keys feed this row's FK
// columns), then this row, then has-many children (their FK columns
// are filled from this row's key). prefix is the change-path prefix;
// the node's own key is appended once known. Hooks run sequentially,
// inside the transaction.
func (t *Table[C]) execNode(ctx context.Context, state *txState, node *WriteNode, prefix string, c C) error {
	for _, child := range node.children {
		if child.rel.Kind != relation.BelongsTo {
			continue
		}
		related := t.registry.tables[child.rel.RefTable]
		for _, n := range child.nodes {
			// Written before the parent exists, so the change path
			// carries the relation name without a parent key.
			if err := related.execNode(ctx, state, n, prefix+"/"+child.rel.Name, c); err != nil {
				return err
			}
			if n.Mode != ModeDelete {
				node.Values[child.rel.Column] = n.Row[child.rel.RefColumn]
			}
		}
	}

	switch node.Mode {
	case ModeDelete:
		if err := t.execDelete(ctx, state, node, prefix, c); err != nil {
			return err
		}
	default:
		if err := t.execUpsert(ctx, state, node, prefix, c); err != nil {
			return err
		}
	}

	for _, child := range node.children {
		if child.rel.Kind != relation.HasMany {
			continue
		}
		related := t.registry.tables[child.rel.RefTable]
		for _, n := range child.nodes {
			if node.Mode == ModeDelete {
				return badRequestField(n.Path, "cannot write under a deleted row")
			}
			n.Values[child.rel.RefColumn] = node.Row[child.rel.Column]
			childPrefix := fmt.Sprintf("%s/%v/%s", prefix, node.PK, child.rel.Name)
			if err := related.execNode(ctx, state, n, childPrefix, c); err != nil {
				return err
			}
		}
	}
	return nil
}

// execUpsert validates the node, runs hooks, executes the insert or
// update, and registers the deferred policy and foreign-key checks.
func (t *Table[C]) execUpsert(ctx context.Context, state *txState, node *WriteNode, prefix string, c C) error {
	if err := t.applyTenant(node, c); err != nil {
		return err
	}

	values, err := t.validateNode(ctx, state, node, c)
	if err != nil {
		return err
	}
	node.Values = values

	if t.def.BeforeWrite != nil {
		if err := t.def.BeforeWrite(ctx, c, state.tx, node); err != nil {
			return err
		}
		// Hooks may rewrite field values; the result must hold up to
		// the same rules as caller input.
		values, err = t.validateNode(ctx, state, node, c)
		if err != nil {
			return err
		}
		node.Values = values
	}

	switch node.Mode {
	case ModeInsert:
		err = t.execInsert(ctx, state, node)
	case ModeUpdate:
		err = t.execUpdate(ctx, state, node, c)
	}
	if err != nil {
		return err
	}

	state.emit(node.Mode, fmt.Sprintf("%s/%v", prefix, node.PK), node.Row, t.def.Views)
	t.deferPolicyCheck(state, node, c)

	if t.def.AfterWrite != nil {
		if err := t.def.AfterWrite(ctx, c, state.tx, node); err != nil {
			return err
		}
	}
	return nil
}

// validateNode runs type casting, field rules, uniqueness probes, and
// registers deferred foreign-key existence assertions. Error keys are
// prefixed with the node's payload path so nested failures stay
// addressable.
func (t *Table[C]) validateNode(ctx context.Context, state *txState, node *WriteNode, c C) (map[string]any, error) {
	values, errs := t.schema.Validate(node.Values, node.Mode == ModeInsert)
	if errs != nil {
		return nil, badRequest(prefixed(node.Path, errs))
	}

	check := validate.UniqueCheck{
		Table:            t.catalog,
		Sets:             t.catalog.Unique,
		Row:              values,
		PKColumn:         t.pk(),
		TenantColumn:     t.def.TenantColumn,
		SoftDeleteColumn: t.def.SoftDeleteColumn,
	}
	if node.Mode == ModeUpdate {
		check.ExcludePK = node.PK
		if t.partialUniqueSet(values) {
			current, err := t.storedRow(ctx, state.tx, node.PK)
			if err != nil {
				return nil, err
			}
			check.Current = current
		}
	}
	uniqueErrs, err := check.Run(ctx, state.tx)
	if err != nil {
		return nil, err
	}
	if !uniqueErrs.Empty() {
		return nil, badRequest(prefixed(node.Path, uniqueErrs))
	}

	t.deferForeignKeyChecks(state, node, values, c)
	return values, nil
}

// partialUniqueSet reports whether the payload touches a unique
// constraint set without carrying all of its columns, which a compound
// set allows on partial updates.
func (t *Table[C]) partialUniqueSet(values map[string]any) bool {
	for _, set := range t.catalog.Unique {
		touched, complete := false, true
		for _, col := range set {
			if _, ok := values[col]; ok {
				touched = true
			} else {
				complete = false
			}
		}
		if touched && !complete {
			return true
		}
	}
	return false
}

// storedRow fetches the row as currently persisted, nil when missing.
func (t *Table[C]) storedRow(ctx context.Context, conn pg.Conn, pk any) (map[string]any, error) {
	b := &pg.Builder{}
	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s = %s", t.from(), pg.Ident(t.pk()), b.Bind(pk))
	rows, err := conn.Query(ctx, sql, b.Args()...)
	if err != nil {
		return nil, err
	}
	return pg.RowToMap(rows)
}

// deferForeignKeyChecks registers one pre-commit existence probe per
// foreign-key value in the node, scoped to the referenced table's own
// policy and tenancy. Deferring them means a reference to a sibling
// row created later in the same graph still validates.
func (t *Table[C]) deferForeignKeyChecks(state *txState, node *WriteNode, values map[string]any, c C) {
	for _, fk := range t.catalog.ForeignKeys {
		value, ok := values[fk.Column]
		if !ok || value == nil {
			continue
		}
		refKey := t.def.Schema + "." + fk.ReferencedTable
		related, registered := t.registry.tables[refKey]
		if !registered {
			continue // left to the database constraint
		}

		fk, value := fk, value
		state.deferCheck(func(ctx context.Context) error {
			if related.def.Lookup {
				ok, err := related.lookupHas(ctx, state, value)
				if err != nil {
					return err
				}
				if !ok {
					return badRequestField(errKey(node.Path, fk.Column), "was not found")
				}
				return nil
			}

			b := &pg.Builder{}
			where := fmt.Sprintf("%s = %s", pg.Ident(fk.ReferencedColumn), b.Bind(value))
			constraint, err := related.scope(ctx, c).Constraint(b)
			if err != nil {
				return err
			}
			if constraint != "" {
				where += " AND (" + constraint + ")"
			}
			var exists bool
			query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s)", related.from(), where)
			if err := state.tx.QueryRow(ctx, query, b.Args()...).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return badRequestField(errKey(node.Path, fk.Column), "was not found")
			}
			return nil
		})
	}
}

// lookupHas resolves a lookup table's full key set once per
// transaction and probes it in memory afterwards.
func (t *Table[C]) lookupHas(ctx context.Context, state *txState, value any) (bool, error) {
	set, ok := state.lookups[t.key()]
	if !ok {
		rows, err := state.tx.Query(ctx, fmt.Sprintf("SELECT %s FROM %s", pg.Ident(t.pk()), t.from()))
		if err != nil {
			return false, err
		}
		defer rows.Close()
		set = make(map[string]bool)
		for rows.Next() {
			var id any
			if err := rows.Scan(&id); err != nil {
				return false, err
			}
			set[fmt.Sprint(id)] = true
		}
		if err := rows.Err(); err != nil {
			return false, err
		}
		state.lookups[t.key()] = set
	}
	return set[fmt.Sprint(value)], nil
}

// deferPolicyCheck registers the post-write policy verification: the
// committed row must still be visible under the caller's scope, or the
// caller has moved it somewhere they do not own. Runs pre-commit so a
// row whose visibility depends on sibling rows of the same graph is
// judged on the final state.
func (t *Table[C]) deferPolicyCheck(state *txState, node *WriteNode, c C) {
	state.deferCheck(func(ctx context.Context) error {
		sc := t.scope(ctx, c)
		sc.withDeleted = true
		b := &pg.Builder{}
		where := fmt.Sprintf("%s = %s", pg.Ident(t.pk()), b.Bind(node.PK))
		constraint, err := sc.Constraint(b)
		if err != nil {
			return err
		}
		if constraint != "" {
			where += " AND (" + constraint + ")"
		}
		var visible bool
		query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s)", t.from(), where)
		if err := state.tx.QueryRow(ctx, query, b.Args()...).Scan(&visible); err != nil {
			return err
		}
		if !visible {
			return &Unauthorized{Reason: "row is outside the caller's scope after write"}
		}
		return nil
	})
}

// conceal strips hidden columns from a returned row, matching what the
// read side exposes. Mutation statements return the full row; change
// feeds and write results must not leak more than reads do.
func (t *Table[C]) conceal(row map[string]any) map[string]any {
	for _, name := range t.def.Hidden {
		delete(row, name)
	}
	return row
}

func (t *Table[C]) execInsert(ctx context.Context, state *txState, node *WriteNode) error {
	pkCol, _ := t.catalog.Column(t.pk())
	if _, ok := node.Values[t.pk()]; !ok && !pkCol.HasDefault() {
		node.Values[t.pk()] = t.def.NewID()
	}

	b := &pg.Builder{}
	columns := make([]string, 0, len(node.Values))
	placeholders := make([]string, 0, len(node.Values))
	for _, name := range sortedValueKeys(node.Values) {
		columns = append(columns, pg.Ident(name))
		placeholders = append(placeholders, b.Bind(node.Values[name]))
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		t.from(), strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	rows, err := state.tx.Query(ctx, sql, b.Args()...)
	if err != nil {
		return err
	}
	row, err := pg.RowToMap(rows)
	if err != nil {
		return err
	}
	node.PK = row[t.pk()]
	node.Row = t.conceal(row)
	return nil
}

func (t *Table[C]) execUpdate(ctx context.Context, state *txState, node *WriteNode, c C) error {
	if err := t.requireVisible(ctx, state, node.PK, c); err != nil {
		return err
	}

	b := &pg.Builder{}
	var sets []string
	for _, name := range sortedValueKeys(node.Values) {
		if name == t.pk() {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", pg.Ident(name), b.Bind(node.Values[name])))
	}
	if len(sets) == 0 {
		// Nothing to change; still fetch the row so children and the
		// response see current values.
		row, err := t.storedRow(ctx, state.tx, node.PK)
		if err != nil {
			return err
		}
		node.Row = t.conceal(row)
		return nil
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s RETURNING *",
		t.from(), strings.Join(sets, ", "), pg.Ident(t.pk()), b.Bind(node.PK))
	rows, err := state.tx.Query(ctx, sql, b.Args()...)
	if err != nil {
		return err
	}
	row, err := pg.RowToMap(rows)
	if err != nil {
		return err
	}
	node.Row = t.conceal(row)
	return nil
}

// execDelete removes the row and cascades to dependent rows first.
// Paranoid tables soft-delete (set the marker column); others delete
// physically. The cascade respects each dependent table's own flag.
func (t *Table[C]) execDelete(ctx context.Context, state *txState, node *WriteNode, prefix string, c C) error {
	pkValue, err := t.castPK(node.PK)
	if err != nil {
		return err
	}
	node.PK = pkValue

	if err := t.requireVisible(ctx, state, node.PK, c); err != nil {
		return err
	}

	path := fmt.Sprintf("%s/%v", prefix, node.PK)
	if err := t.cascadeDelete(ctx, state, t.pk(), []any{node.PK}, path, c); err != nil {
		return err
	}

	deleted, err := t.deleteRows(ctx, state, t.pk(), []any{node.PK})
	if err != nil {
		return err
	}
	if len(deleted) == 1 {
		node.Row = deleted[0]
	}
	state.emit(ModeDelete, path, node.Row, t.def.Views)
	return nil
}

// cascadeDelete removes every row of every dependent table whose FK
// points at the given keys, depth-first so grandchildren go before
// children. Each visited table charges the budget, which bounds
// runaway cascades over cyclic references.
func (t *Table[C]) cascadeDelete(ctx context.Context, state *txState, column string, keys []any, path string, c C) error {
	for _, rel := range t.Relations() {
		if rel.Kind != relation.HasMany || rel.Column != column {
			continue
		}
		dependent, ok := t.registry.tables[rel.RefTable]
		if !ok {
			continue
		}
		if err := state.budget.charge(dependent.def.Weight); err != nil {
			return err
		}

		b := &pg.Builder{}
		placeholders := make([]string, len(keys))
		for i, k := range keys {
			placeholders[i] = b.Bind(k)
		}
		where := fmt.Sprintf("%s IN (%s)", pg.Ident(rel.RefColumn), strings.Join(placeholders, ", "))
		if dependent.def.SoftDeleteColumn != "" {
			where += " AND " + pg.Ident(dependent.def.SoftDeleteColumn) + " IS NULL"
		}
		rows, err := state.tx.Query(ctx,
			fmt.Sprintf("SELECT %s FROM %s WHERE %s", pg.Ident(dependent.pk()), dependent.from(), where), b.Args()...)
		if err != nil {
			return err
		}
		var dependentKeys []any
		for rows.Next() {
			var id any
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			dependentKeys = append(dependentKeys, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(dependentKeys) == 0 {
			continue
		}

		if err := dependent.cascadeDelete(ctx, state, dependent.pk(), dependentKeys, path, c); err != nil {
			return err
		}
		deleted, err := dependent.deleteRows(ctx, state, dependent.pk(), dependentKeys)
		if err != nil {
			return err
		}
		for _, row := range deleted {
			state.emit(ModeDelete,
				fmt.Sprintf("%s/%s/%v", path, rel.Name, row[dependent.pk()]),
				row, dependent.def.Views)
		}
	}
	return nil
}

// deleteRows issues the actual delete statement, soft or hard, and
// returns the affected rows.
func (t *Table[C]) deleteRows(ctx context.Context, state *txState, column string, keys []any) ([]map[string]any, error) {
	b := &pg.Builder{}
	placeholders := make([]string, len(keys))
	for i, k := range keys {
		placeholders[i] = b.Bind(k)
	}
	where := fmt.Sprintf("%s IN (%s)", pg.Ident(column), strings.Join(placeholders, ", "))

	var sql string
	if t.def.SoftDeleteColumn != "" {
		sql = fmt.Sprintf("UPDATE %s SET %s = now() WHERE %s AND %s IS NULL RETURNING *",
			t.from(), pg.Ident(t.def.SoftDeleteColumn), where, pg.Ident(t.def.SoftDeleteColumn))
	} else {
		sql = fmt.Sprintf("DELETE FROM %s WHERE %s RETURNING *", t.from(), where)
	}

	rows, err := state.tx.Query(ctx, sql, b.Args()...)
	if err != nil {
		return nil, err
	}
	deleted, err := pg.RowsToMaps(rows)
	if err != nil {
		return nil, err
	}
	for _, row := range deleted {
		t.conceal(row)
	}
	return deleted, nil
}

// requireVisible is the pre-mutation policy check: the row must exist
// and be visible under the caller's scope before it may be touched. A
// row that exists but is out of scope is unauthorized, not missing;
// a soft-deleted row is missing.
func (t *Table[C]) requireVisible(ctx context.Context, state *txState, pk any, c C) error {
	b := &pg.Builder{}
	where := fmt.Sprintf("%s = %s", pg.Ident(t.pk()), b.Bind(pk))
	if t.def.SoftDeleteColumn != "" {
		where += " AND " + pg.Ident(t.def.SoftDeleteColumn) + " IS NULL"
	}
	constraint, err := t.scope(ctx, c).Constraint(b)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(
		"SELECT EXISTS (SELECT 1 FROM %s WHERE %s), EXISTS (SELECT 1 FROM %s WHERE %s AND (%s))",
		t.from(), where, t.from(), where, orTrue(constraint))
	var exists, visible bool
	if err := state.tx.QueryRow(ctx, query, b.Args()...).Scan(&exists, &visible); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	if !visible {
		return &Unauthorized{Reason: "row is outside the caller's scope"}
	}
	return nil
}

// applyTenant injects the mandatory tenant field and rejects payloads
// that claim a different tenant.
func (t *Table[C]) applyTenant(node *WriteNode, c C) error {
	if t.def.TenantColumn == "" {
		return nil
	}
	tenant, err := t.tenantValue(c)
	if err != nil {
		return err
	}
	if supplied, ok := node.Values[t.def.TenantColumn]; ok && fmt.Sprint(supplied) != fmt.Sprint(tenant) {
		return &Unauthorized{Reason: "tenant mismatch"}
	}
	node.Values[t.def.TenantColumn] = tenant
	return nil
}

func errKey(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

func prefixed(path string, errs validate.Errors) validate.Errors {
	if path == "" {
		return errs
	}
	out := validate.Errors{}
	out.Merge(path, errs)
	return out
}

func orTrue(constraint string) string {
	if constraint == "" {
		return "TRUE"
	}
	return constraint
}

func sortedValueKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
