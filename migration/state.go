package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// StateTable holds the applied-state record.
const StateTable = "revision_state"

const stateRowID = 1

// OuterTokenPrefix marks the lock tokens of runs that also hold an outer
// lock. Holding the outer lock proves such a run is gone, so its token can
// be taken over.
const OuterTokenPrefix = "outer:"

// State is the persisted applied-state record.
type State struct {
	// Current is the last fully applied revision, "" when none.
	Current string
	// LockToken identifies the run holding the single-writer lock, "" when
	// unlocked.
	LockToken string
	// LockedAt is when the lock was taken, as stored.
	LockedAt string
	// UpdatedAt is when Current last changed, as stored.
	UpdatedAt string
}

// StateStore reads and writes the applied-state record kept in the store
// being migrated. Every write is a compare-and-swap so a single record
// doubles as the advisory single-writer lock.
type StateStore struct {
	store Store
	sb    sq.StatementBuilderType
	now   func() time.Time
}

// NewStateStore creates a StateStore over s.
func NewStateStore(s Store) *StateStore {
	return &StateStore{
		store: s,
		sb:    sq.StatementBuilder.PlaceholderFormat(s.Dialect().Placeholder()),
		now:   time.Now,
	}
}

func (s *StateStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// Init creates the state table and its single row if they do not exist.
func (s *StateStore) Init(ctx context.Context) error {
	_, err := s.store.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+StateTable+` (
		id               INTEGER PRIMARY KEY,
		current_revision TEXT NOT NULL DEFAULT '',
		lock_token       TEXT,
		locked_at        TEXT,
		updated_at       TEXT
	)`)
	if err != nil {
		return fmt.Errorf("create %s table: %w", StateTable, err)
	}

	query, args, err := s.sb.Insert(StateTable).
		Columns("id", "current_revision", "updated_at").
		Values(stateRowID, "", s.timestamp()).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.store.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s row: %w", StateTable, err)
	}
	return nil
}

// Read returns the current record.
func (s *StateStore) Read(ctx context.Context) (State, error) {
	return s.read(ctx, s.store)
}

// Peek reads the record without creating it. A store whose state table
// does not exist yet reads as the zero State.
func (s *StateStore) Peek(ctx context.Context) (State, error) {
	st, err := s.Read(ctx)
	var missing *MissingObjectError
	if errors.As(err, &missing) {
		return State{}, nil
	}
	return st, err
}

func (s *StateStore) read(ctx context.Context, q Querier) (State, error) {
	query, args, err := s.sb.
		Select("COUNT(*)",
			"COALESCE(MAX(current_revision), '')",
			"COALESCE(MAX(lock_token), '')",
			"COALESCE(MAX(locked_at), '')",
			"COALESCE(MAX(updated_at), '')").
		From(StateTable).
		Where(sq.Eq{"id": stateRowID}).
		ToSql()
	if err != nil {
		return State{}, err
	}

	var (
		n  int
		st State
	)
	if err := q.QueryRow(ctx, query, args...).Scan(&n, &st.Current, &st.LockToken, &st.LockedAt, &st.UpdatedAt); err != nil {
		return State{}, fmt.Errorf("read applied state: %w", err)
	}
	if n == 0 {
		return State{}, fmt.Errorf("read applied state: %s is not initialized", StateTable)
	}
	return st, nil
}

// Acquire takes the single-writer lock for token. It fails with
// *LockHeldError when another token holds it. With takeover set, a token
// carrying OuterTokenPrefix is replaced as well; callers use it only while
// holding the outer lock, so such a token was left by a crashed run. A token
// without the prefix belongs to a run that took no outer lock and is never
// taken over.
func (s *StateStore) Acquire(ctx context.Context, token string, takeover bool) (State, error) {
	b := s.sb.Update(StateTable).
		Set("lock_token", token).
		Set("locked_at", s.timestamp()).
		Where(sq.Eq{"id": stateRowID})
	if takeover {
		b = b.Where(sq.Or{sq.Eq{"lock_token": nil}, sq.Like{"lock_token": OuterTokenPrefix + "%"}})
	} else {
		b = b.Where(sq.Eq{"lock_token": nil})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return State{}, err
	}
	n, err := s.store.Exec(ctx, query, args...)
	if err != nil {
		return State{}, fmt.Errorf("acquire applied-state lock: %w", err)
	}

	st, err := s.Read(ctx)
	if err != nil {
		return State{}, err
	}
	if n == 0 || st.LockToken != token {
		return st, &LockHeldError{Holder: st.LockToken, Since: st.LockedAt}
	}
	return st, nil
}

// Release clears the lock if token still holds it.
func (s *StateStore) Release(ctx context.Context, token string) error {
	query, args, err := s.sb.Update(StateTable).
		Set("lock_token", nil).
		Set("locked_at", nil).
		Where(sq.Eq{"id": stateRowID, "lock_token": token}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.store.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("release applied-state lock: %w", err)
	}
	return nil
}

// ForceUnlock clears the lock whoever holds it. It is the operator's
// remedy for a run that died while holding the lock.
func (s *StateStore) ForceUnlock(ctx context.Context) (State, error) {
	st, err := s.Read(ctx)
	if err != nil {
		return State{}, err
	}
	query, args, err := s.sb.Update(StateTable).
		Set("lock_token", nil).
		Set("locked_at", nil).
		Where(sq.Eq{"id": stateRowID}).
		ToSql()
	if err != nil {
		return State{}, err
	}
	if _, err := s.store.Exec(ctx, query, args...); err != nil {
		return State{}, fmt.Errorf("force unlock: %w", err)
	}
	return st, nil
}

// Write moves the applied revision from "from" to "to" through q, which is
// normally the transaction holding the revision's last operation. It fails
// with ErrStateChanged unless token holds the lock and the record still
// names "from".
func (s *StateStore) Write(ctx context.Context, q Querier, token, from, to string) error {
	query, args, err := s.sb.Update(StateTable).
		Set("current_revision", to).
		Set("updated_at", s.timestamp()).
		Where(sq.Eq{"id": stateRowID, "lock_token": token, "current_revision": from}).
		ToSql()
	if err != nil {
		return err
	}
	n, err := q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("write applied state: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("write applied state %s -> %s: %w", displayID(from), displayID(to), ErrStateChanged)
	}
	return nil
}
