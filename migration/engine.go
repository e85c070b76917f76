package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/minetest/contentdb-sub001/observability/tracing"
	"github.com/minetest/contentdb-sub001/search"
)

// Engine coordinates planning and execution against one store. Every
// mutating call holds the single-writer lock for its whole duration and
// recomputes its plan from the applied state read under that lock.
type Engine struct {
	graph   *Graph
	store   Store
	state   *StateStore
	locker  Locker
	lockKey string
	logger  *slog.Logger
	metrics *Metrics
	tracer  *tracing.MigrationTracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithLocker adds an outer lock taken before the applied-state lock.
func WithLocker(l Locker, key string) Option {
	return func(e *Engine) {
		e.locker = l
		if key != "" {
			e.lockKey = key
		}
	}
}

// WithMetrics records executor metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the span helper. The default uses the global provider.
func WithTracer(t *tracing.MigrationTracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an Engine for graph over store.
func NewEngine(graph *Graph, store Store, opts ...Option) *Engine {
	e := &Engine{
		graph:   graph,
		store:   store,
		state:   NewStateStore(store),
		lockKey: DefaultLockKey,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = tracing.NewMigrationTracer(nil)
	}
	return e
}

// Graph returns the engine's revision graph.
func (e *Engine) Graph() *Graph { return e.graph }

// State returns the engine's applied-state store.
func (e *Engine) State() *StateStore { return e.state }

// Init creates the applied-state record if needed.
func (e *Engine) Init(ctx context.Context) error {
	return e.state.Init(ctx)
}

// Current returns the applied revision, "" when none. It leaves the store
// untouched.
func (e *Engine) Current(ctx context.Context) (string, error) {
	st, err := e.state.Peek(ctx)
	if err != nil {
		return "", err
	}
	return st.Current, nil
}

// Status summarizes the store against the graph.
type Status struct {
	State
	// Heads lists the graph's head revisions.
	Heads []string
	// Pending is the number of revisions between Current and the single
	// head, or -1 when that is not plannable.
	Pending int
}

// Status reads the applied state and compares it with the graph.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st, err := e.state.Peek(ctx)
	if err != nil {
		return Status{}, err
	}
	s := Status{State: st, Pending: -1}
	for _, h := range e.graph.Heads() {
		s.Heads = append(s.Heads, h.RevisionID())
	}
	if len(s.Heads) == 1 {
		if p, err := e.graph.Plan(st.Current, s.Heads[0]); err == nil && p.Direction() == Forward {
			s.Pending = len(p.Steps)
		}
	}
	return s, nil
}

// Plan resolves target and plans from the applied revision without
// executing anything.
func (e *Engine) Plan(ctx context.Context, target string) (*Plan, error) {
	current, err := e.Current(ctx)
	if err != nil {
		return nil, err
	}
	to, err := e.graph.Resolve(target)
	if err != nil {
		return nil, &PlanError{Current: current, Target: target, Err: err}
	}
	return e.graph.Plan(current, to)
}

// Upgrade moves the store forward to target ("" means head).
func (e *Engine) Upgrade(ctx context.Context, target string) (*Plan, error) {
	if target == "" {
		target = RefHead
	}
	return e.migrate(ctx, target, Forward)
}

// Downgrade moves the store backward to target ("base" reverts everything).
func (e *Engine) Downgrade(ctx context.Context, target string) (*Plan, error) {
	return e.migrate(ctx, target, Backward)
}

func (e *Engine) migrate(ctx context.Context, target string, want Direction) (*Plan, error) {
	var plan *Plan
	err := e.withLock(ctx, func(ctx context.Context, token string, st State) error {
		to, err := e.graph.Resolve(target)
		if err != nil {
			return &PlanError{Current: st.Current, Target: target, Err: err}
		}
		if plan, err = e.graph.Plan(st.Current, to); err != nil {
			return err
		}
		if !plan.Empty() && plan.Direction() != want {
			return fmt.Errorf("%s to %s: %w", want.opList(), displayID(to), ErrWrongDirection)
		}
		if plan.Empty() {
			e.logger.Info("already at target", "revision", displayID(st.Current))
			return nil
		}
		return e.executor(token).apply(ctx, plan)
	})
	return plan, err
}

// Apply executes a plan computed earlier. It fails with ErrStateChanged if
// the applied revision no longer matches the plan's starting point.
func (e *Engine) Apply(ctx context.Context, plan *Plan) error {
	return e.withLock(ctx, func(ctx context.Context, token string, st State) error {
		if st.Current != plan.From {
			return fmt.Errorf("plan starts at %s but store is at %s: %w", displayID(plan.From), displayID(st.Current), ErrStateChanged)
		}
		return e.executor(token).apply(ctx, plan)
	})
}

// Stamp records ref as applied without running any operation.
func (e *Engine) Stamp(ctx context.Context, ref string) error {
	return e.withLock(ctx, func(ctx context.Context, token string, st State) error {
		to, err := e.graph.Resolve(ref)
		if err != nil {
			return err
		}
		if err := e.state.Write(ctx, e.store, token, st.Current, to); err != nil {
			return err
		}
		e.logger.Info("stamped revision", "from", displayID(st.Current), "to", displayID(to))
		e.metrics.SetCurrent(to)
		return nil
	})
}

// Unlock clears the applied-state lock left by a run that died holding it
// and returns the state as it was.
func (e *Engine) Unlock(ctx context.Context) (State, error) {
	if err := e.state.Init(ctx); err != nil {
		return State{}, err
	}
	st, err := e.state.ForceUnlock(ctx)
	if err != nil {
		return State{}, err
	}
	if st.LockToken != "" {
		e.logger.Warn("cleared migration lock", "holder", st.LockToken, "since", st.LockedAt)
	}
	return st, nil
}

// SyncSearch regenerates a table's search document outside any revision,
// as a maintenance job. It runs in one transaction under the lock.
func (e *Engine) SyncSearch(ctx context.Context, spec search.Spec) error {
	op := SyncSearchVector{Spec: spec}
	if err := op.Validate(); err != nil {
		return err
	}
	return e.withLock(ctx, func(ctx context.Context, token string, _ State) (err error) {
		ctx, span := e.tracer.StartOperation(ctx, string(op.Kind()), 0, false)
		defer func() { e.tracer.End(span, err) }()

		e.logger.Info("syncing search vector", "table", spec.Table, "column", spec.VectorColumn(), "fields", len(spec.Fields))
		tx, err := e.store.Begin(ctx)
		if err != nil {
			return err
		}
		if err := run(ctx, e.store.Dialect(), tx, op); err != nil {
			return multierr.Append(err, tx.Rollback(context.WithoutCancel(ctx)))
		}
		return tx.Commit(ctx)
	})
}

func (e *Engine) executor(token string) *executor {
	return &executor{
		store:   e.store,
		state:   e.state,
		token:   token,
		logger:  e.logger,
		metrics: e.metrics,
		tracer:  e.tracer,
	}
}

// withLock runs fn holding the outer lock, if any, and the applied-state
// lock. Both are released on every exit path.
func (e *Engine) withLock(ctx context.Context, fn func(ctx context.Context, token string, st State) error) (err error) {
	if err := e.state.Init(ctx); err != nil {
		return err
	}

	token := NewToken()
	takeover := false
	if e.locker != nil {
		release, err := e.locker.TryAcquire(ctx, e.lockKey)
		if err != nil {
			e.lockFailed(err)
			return err
		}
		defer func() {
			err = multierr.Append(err, release(context.WithoutCancel(ctx)))
		}()
		token = OuterTokenPrefix + token
		takeover = true
	}

	st, err := e.state.Acquire(ctx, token, takeover)
	if err != nil {
		e.lockFailed(err)
		return err
	}
	defer func() {
		err = multierr.Append(err, e.state.Release(context.WithoutCancel(ctx), token))
	}()
	return fn(ctx, token, st)
}

func (e *Engine) lockFailed(err error) {
	var held *LockHeldError
	if errors.As(err, &held) {
		e.metrics.RecordLockConflict()
		e.logger.Warn("migration lock held", "holder", held.Holder, "since", held.Since)
	}
}
