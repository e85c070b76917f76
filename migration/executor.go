package migration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/minetest/contentdb-sub001/observability/tracing"
)

// executor applies plans for one locked run. It owns at most one open
// transaction at a time, scoped to the revision being applied.
type executor struct {
	store   Store
	state   *StateStore
	token   string
	logger  *slog.Logger
	metrics *Metrics
	tracer  *tracing.MigrationTracer
}

// apply runs each step of p in order and stops at the first failure.
// Steps completed before the failure stay applied.
func (x *executor) apply(ctx context.Context, p *Plan) (err error) {
	ctx, span := x.tracer.StartPlan(ctx, displayID(p.From), displayID(p.To), len(p.Steps))
	defer func() { x.tracer.End(span, err) }()

	for _, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("plan interrupted before %s: %w", step.Revision.RevisionID(), err)
		}
		if err := x.applyStep(ctx, step); err != nil {
			x.metrics.RecordRevision(step.Direction, "failed")
			x.logger.Error("revision failed",
				"revision", step.Revision.RevisionID(),
				"direction", step.Direction.String(),
				"error", err)
			return err
		}
		x.metrics.RecordRevision(step.Direction, "applied")
		x.metrics.SetCurrent(step.To())
	}
	return nil
}

// applyStep applies one revision. Operations run inside a transaction
// opened on demand; an operation the dialect flags as breaking the
// transaction first commits the open one and then runs on its own. The
// applied state moves inside the last open transaction, or on its own when
// the revision ends on a breaking operation.
func (x *executor) applyStep(ctx context.Context, step Step) (err error) {
	id := step.Revision.RevisionID()
	ops := step.Operations()

	if step.Unsupported >= 0 {
		marker, _ := ops[step.Unsupported].(Irreversible)
		return &UnsupportedDowngradeError{Revision: id, Index: step.Unsupported, Reason: marker.Reason}
	}
	dialect := x.store.Dialect()
	if i, err := checkBackfillScopes(dialect, ops); err != nil {
		return &OperationError{Revision: id, Direction: step.Direction, Index: i, Kind: ops[i].Kind(), Err: err}
	}

	x.logger.Info("applying revision",
		"revision", id,
		"direction", step.Direction.String(),
		"from", displayID(step.From()),
		"to", displayID(step.To()),
		"operations", len(ops))
	start := time.Now()

	ctx, span := x.tracer.StartRevision(ctx, id, step.Direction.String())
	defer func() { x.tracer.End(span, err) }()

	var tx Tx
	defer func() {
		if tx == nil {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			err = multierr.Append(err, fmt.Errorf("rollback revision %s: %w", id, rbErr))
		}
	}()
	fail := func(i int, cause error) error {
		return &OperationError{Revision: id, Direction: step.Direction, Index: i, Kind: ops[i].Kind(), Err: cause}
	}

	for i, op := range ops {
		breaks := dialect.BreaksTransaction(op)
		var q Querier = x.store
		if breaks {
			if tx != nil {
				open := tx
				tx = nil
				if err := open.Commit(ctx); err != nil {
					return fail(i, fmt.Errorf("commit before transaction break: %w", err))
				}
			}
		} else {
			if tx == nil {
				if tx, err = x.store.Begin(ctx); err != nil {
					tx = nil
					return fail(i, fmt.Errorf("begin: %w", err))
				}
			}
			q = tx
		}
		if err := x.runOperation(ctx, dialect, q, i, op, breaks); err != nil {
			return fail(i, err)
		}
	}

	if tx != nil {
		if err := x.state.Write(ctx, tx, x.token, step.From(), step.To()); err != nil {
			return err
		}
		open := tx
		tx = nil
		if err := open.Commit(ctx); err != nil {
			return fmt.Errorf("commit revision %s: %w", id, err)
		}
	} else if err := x.state.Write(ctx, x.store, x.token, step.From(), step.To()); err != nil {
		return err
	}

	x.logger.Info("revision applied",
		"revision", id,
		"direction", step.Direction.String(),
		"duration", time.Since(start))
	return nil
}

func (x *executor) runOperation(ctx context.Context, d Dialect, q Querier, i int, op Operation, breaks bool) (err error) {
	ctx, span := x.tracer.StartOperation(ctx, string(op.Kind()), i, breaks)
	defer func() { x.tracer.End(span, err) }()

	x.logger.Debug("running operation", "index", i, "operation", op.String(), "breaks_tx", breaks)
	start := time.Now()
	err = run(ctx, d, q, op)
	status := "ok"
	if err != nil {
		status = "failed"
	}
	x.metrics.RecordOperation(op.Kind(), status, time.Since(start))
	return err
}

// checkBackfillScopes verifies every DataBackfill shares a transaction with
// the structural operations on its table, i.e. no transaction-breaking
// operation separates them. It returns the index of the offending backfill.
func checkBackfillScopes(d Dialect, ops []Operation) (int, error) {
	segment := make([]int, len(ops))
	seg := 0
	for i, op := range ops {
		if d.BreaksTransaction(op) {
			seg++
			segment[i] = seg
			seg++
			continue
		}
		segment[i] = seg
	}
	for i, op := range ops {
		fill, ok := op.(DataBackfill)
		if !ok {
			continue
		}
		for j, other := range ops {
			t, ok := other.(tableOperation)
			if !ok || !IsStructural(other) || t.TableName() != fill.Table {
				continue
			}
			if segment[j] != segment[i] {
				return i, fmt.Errorf("backfill of %s is separated from operation %d (%s) by a transaction break", fill.Table, j, other.Kind())
			}
		}
	}
	return 0, nil
}
