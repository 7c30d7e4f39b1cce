package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tablekit/tablekit/pkg/filter"
	"github.com/tablekit/tablekit/pkg/metrics"
	pg "github.com/tablekit/tablekit/pkg/pgx"
)

// WriteAll applies one field delta (or deletion, via the _delete
// sentinel) to every row matching filterParams, inside one
// transaction. The matching set is resolved up front and capped by the
// table's batch maximum; after the update every touched row must still
// be visible under the caller's scope, otherwise the whole batch rolls
// back as unauthorized. Each row passes through the same hooks as a
// single-row write; one aggregate change set is emitted per request.
func (t *Table[C]) WriteAll(ctx context.Context, filterParams, delta map[string]any, c C) (*WriteResult, error) {
	metrics.Queries.WithLabelValues(t.key(), "writeAll").Inc()
	start := time.Now()
	defer func() {
		metrics.WriteDuration.WithLabelValues(t.key()).Observe(time.Since(start).Seconds())
	}()

	deleting := false
	fields := make(map[string]any, len(delta))
	for k, v := range delta {
		if k == DeleteSentinel {
			if deleted, _ := v.(bool); deleted {
				deleting = true
			}
			continue
		}
		fields[k] = v
	}
	if !deleting && len(fields) == 0 {
		return nil, badRequestField("_", "delta is empty")
	}
	if t.def.TenantColumn != "" {
		if supplied, ok := fields[t.def.TenantColumn]; ok {
			tenant, err := t.tenantValue(c)
			if err != nil {
				return nil, err
			}
			if fmt.Sprint(supplied) != fmt.Sprint(tenant) {
				return nil, &Unauthorized{Reason: "tenant mismatch"}
			}
		}
	}

	tx, err := t.registry.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids, err := t.batchIDs(ctx, tx, filterParams, c)
	if err != nil {
		return nil, t.counted(err)
	}
	if len(ids) > t.def.MaxBatch {
		metrics.ComplexityAborts.WithLabelValues(t.key()).Inc()
		return nil, complexityLimit()
	}
	if len(ids) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &WriteResult{ChangeID: uuid.NewString()}, nil
	}

	state := &txState{
		tx:      tx,
		budget:  newBudget(t.def.ComplexityLimit),
		lookups: make(map[string]map[string]bool),
	}
	// Rows within one batch share a single budget charge; the cap on
	// batch size is the bound here, not per-row weights.
	var rows []map[string]any

	for _, id := range ids {
		node := &WriteNode{
			Table: t.key(),
			Mode:  ModeUpdate,
			PK:    id,
		}
		if deleting {
			node.Mode = ModeDelete
			node.PK = id
			if err := t.execDelete(ctx, state, node, t.def.Name, c); err != nil {
				return nil, t.writeFailed(err)
			}
			continue
		}

		node.Values = make(map[string]any, len(fields)+1)
		for k, v := range fields {
			node.Values[k] = v
		}
		node.Values[t.pk()] = id
		if err := t.execUpsert(ctx, state, node, t.def.Name, c); err != nil {
			return nil, t.writeFailed(err)
		}
		rows = append(rows, node.Row)
	}

	if !deleting {
		if err := t.verifyBatchScope(ctx, state, ids, c); err != nil {
			return nil, err
		}
	}
	for _, assert := range state.asserts {
		if err := assert(ctx); err != nil {
			return nil, t.writeFailed(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	t.registry.logger.Debug("batch committed",
		zap.String("table", t.key()),
		zap.Bool("delete", deleting),
		zap.Int("rows", len(ids)))

	var result any
	if !deleting {
		shaped := make([]*Resource, len(rows))
		for i, row := range rows {
			shaped[i] = t.shapeResource(row)
		}
		result = shaped
	}
	return &WriteResult{
		Result:   result,
		Changes:  state.changes,
		ChangeID: uuid.NewString(),
	}, nil
}

// batchIDs resolves the primary keys matched by the filter under
// policy, locked for the duration of the transaction so the scope
// verification races with nothing.
func (t *Table[C]) batchIDs(ctx context.Context, tx pg.Conn, filterParams map[string]any, c C) ([]any, error) {
	q, err := t.compileRead(ctx, filterParams, c)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s FOR UPDATE",
		pg.Ident(t.pk()), t.from(), q.whereClause(), filter.OrderBy(q.sort))
	rows, err := tx.Query(ctx, sql, q.b.Args()...)
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

// verifyBatchScope fails the batch when any updated row no longer
// matches the caller's scope: a delta must not move rows out of the
// set the caller was allowed to touch.
func (t *Table[C]) verifyBatchScope(ctx context.Context, state *txState, ids []any, c C) error {
	b := &pg.Builder{}
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = b.Bind(id)
	}
	where := fmt.Sprintf("%s IN (%s)", pg.Ident(t.pk()), strings.Join(placeholders, ", "))
	constraint, err := t.scope(ctx, c).Constraint(b)
	if err != nil {
		return err
	}
	if constraint != "" {
		where += " AND (" + constraint + ")"
	}

	var still int64
	query := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", t.from(), where)
	if err := state.tx.QueryRow(ctx, query, b.Args()...).Scan(&still); err != nil {
		return err
	}
	if still != int64(len(ids)) {
		return &Unauthorized{Reason: "batch moved rows out of the caller's scope"}
	}
	return nil
}
