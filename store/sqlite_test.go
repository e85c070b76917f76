package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minetest/contentdb-sub001/migration"
	"github.com/minetest/contentdb-sub001/search"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// apply prepares op and runs its statements in autocommit mode.
func apply(ctx context.Context, s migration.Store, op migration.Operation) error {
	return applyIn(ctx, s.Dialect(), s, op)
}

func applyIn(ctx context.Context, d migration.Dialect, q migration.Querier, op migration.Operation) error {
	stmts, err := d.Prepare(ctx, q, op)
	if err != nil {
		return err
	}
	for _, st := range stmts {
		if _, err := q.Exec(ctx, st.SQL, st.Args...); err != nil {
			return err
		}
	}
	return nil
}

func mustApply(t *testing.T, s migration.Store, ops ...migration.Operation) {
	t.Helper()
	for _, op := range ops {
		require.NoError(t, apply(context.Background(), s, op), op.String())
	}
}

func mustExec(t *testing.T, s migration.Store, query string, args ...any) {
	t.Helper()
	_, err := s.Exec(context.Background(), query, args...)
	require.NoError(t, err, query)
}

var packagesTable = migration.CreateTable{
	Table: "package",
	Columns: []migration.Column{
		{Name: "id", Type: "INTEGER", PrimaryKey: true},
		{Name: "name", Type: "TEXT", NotNull: true},
		{Name: "title", Type: "TEXT"},
		{Name: "score", Type: "TEXT"},
	},
}

func TestSQLite_CreateAndDropTable(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	mustApply(t, s, packagesTable)

	var conflict *migration.ConflictError
	require.ErrorAs(t, apply(ctx, s, packagesTable), &conflict)
	require.Equal(t, "table", conflict.Object)

	mustApply(t, s, migration.DropTable{Table: "package"})

	var missing *migration.MissingObjectError
	require.ErrorAs(t, apply(ctx, s, migration.DropTable{Table: "package"}), &missing)
}

func TestSQLite_Columns(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	mustApply(t, s, packagesTable)

	add := migration.AddColumn{Table: "package", Column: migration.Column{Name: "downloads", Type: "INTEGER", NotNull: true, Default: "0"}}
	mustApply(t, s, add)

	var conflict *migration.ConflictError
	require.ErrorAs(t, apply(ctx, s, add), &conflict)
	require.Equal(t, "package.downloads", conflict.Name)

	var missing *migration.MissingObjectError
	require.ErrorAs(t, apply(ctx, s, migration.DropColumn{Table: "package", Column: "nope"}), &missing)
	require.Equal(t, "column", missing.Object)
	require.ErrorAs(t, apply(ctx, s, migration.AddColumn{Table: "nope", Column: migration.Column{Name: "x", Type: "TEXT"}}), &missing)
	require.Equal(t, "table", missing.Object)

	mustApply(t, s, migration.RenameColumn{Table: "package", From: "downloads", To: "installs"})
	require.ErrorAs(t, apply(ctx, s, migration.RenameColumn{Table: "package", From: "installs", To: "name"}), &conflict)

	mustApply(t, s, migration.DropColumn{Table: "package", Column: "installs"})
	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Table("package").Columns, 4)
}

func TestSQLite_AlterColumnType(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	mustApply(t, s, packagesTable)
	mustExec(t, s, `INSERT INTO package (id, name, score) VALUES (1, 'mesecons', '12')`)

	mustApply(t, s, migration.AlterColumnType{Table: "package", Column: "score", Type: "INTEGER"})

	var typ string
	require.NoError(t, s.QueryRow(ctx, `SELECT typeof(score) FROM package WHERE id = 1`).Scan(&typ))
	require.Equal(t, "integer", typ)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	for _, c := range snap.Table("package").Columns {
		if c.Name == "score" {
			require.Equal(t, "INTEGER", c.Type)
		}
	}

	mustApply(t, s, migration.AlterColumnType{Table: "package", Column: "score", Type: "TEXT", Using: "'#' || score"})
	var score string
	require.NoError(t, s.QueryRow(ctx, `SELECT score FROM package WHERE id = 1`).Scan(&score))
	require.Equal(t, "#12", score)
}

func TestSQLite_CheckConstraint(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	mustApply(t, s, packagesTable)
	mustExec(t, s, `INSERT INTO package (id, name) VALUES (1, 'ok')`)

	check := migration.CreateConstraint{Table: "package", Name: "ck_name_length", Check: "length(name) >= 2"}
	mustApply(t, s, check)

	var violation *migration.ConstraintViolationError
	_, err := s.Exec(ctx, `INSERT INTO package (id, name) VALUES (2, 'x')`)
	require.ErrorAs(t, err, &violation)
	_, err = s.Exec(ctx, `UPDATE package SET name = 'y' WHERE id = 1`)
	require.ErrorAs(t, err, &violation)
	mustExec(t, s, `INSERT INTO package (id, name) VALUES (3, 'fine')`)

	var conflict *migration.ConflictError
	require.ErrorAs(t, apply(ctx, s, check), &conflict)

	mustApply(t, s, migration.DropConstraint{Table: "package", Name: "ck_name_length"})
	mustExec(t, s, `INSERT INTO package (id, name) VALUES (4, 'z')`)

	// Existing rows must satisfy a new check.
	require.ErrorAs(t, apply(ctx, s, check), &violation)
	require.Equal(t, "ck_name_length", violation.Constraint)

	var missing *migration.MissingObjectError
	require.ErrorAs(t, apply(ctx, s, migration.DropConstraint{Table: "package", Name: "ck_name_length"}), &missing)
}

func TestSQLite_UniqueConstraint(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	mustApply(t, s, packagesTable,
		migration.CreateUniqueConstraint{Table: "package", Name: "uq_package_name", Columns: []string{"name"}})
	mustExec(t, s, `INSERT INTO package (id, name) VALUES (1, 'mesecons')`)

	var violation *migration.ConstraintViolationError
	_, err := s.Exec(ctx, `INSERT INTO package (id, name) VALUES (2, 'mesecons')`)
	require.ErrorAs(t, err, &violation)

	// A unique constraint is not a foreign key.
	var missing *migration.MissingObjectError
	require.ErrorAs(t, apply(ctx, s, migration.DropForeignKey{Table: "package", Name: "uq_package_name"}), &missing)

	mustApply(t, s, migration.DropUniqueConstraint{Table: "package", Name: "uq_package_name"})
	mustExec(t, s, `INSERT INTO package (id, name) VALUES (2, 'mesecons')`)
}

func TestSQLite_ForeignKey(t *testing.T) {
	releases := migration.CreateTable{Table: "release", Columns: []migration.Column{
		{Name: "id", Type: "INTEGER", PrimaryKey: true},
		{Name: "package_id", Type: "INTEGER"},
	}}

	for _, tt := range []struct {
		onDelete string
		// remaining is the number of releases left after deleting the
		// parent, or -1 when the delete must fail.
		remaining int
		nulled    bool
	}{
		{onDelete: migration.OnDeleteNoAction, remaining: -1},
		{onDelete: migration.OnDeleteCascade, remaining: 0},
		{onDelete: migration.OnDeleteSetNull, remaining: 1, nulled: true},
	} {
		t.Run("on delete "+tt.onDelete, func(t *testing.T) {
			s := newSQLite(t)
			ctx := context.Background()
			mustApply(t, s, packagesTable, releases)
			mustExec(t, s, `INSERT INTO package (id, name) VALUES (1, 'mesecons')`)
			mustExec(t, s, `INSERT INTO release (id, package_id) VALUES (10, 1)`)

			fk := migration.CreateForeignKey{
				Table: "release", Name: "fk_release_package", Columns: []string{"package_id"},
				RefTable: "package", RefColumns: []string{"id"}, OnDelete: tt.onDelete,
			}
			mustApply(t, s, fk)

			var violation *migration.ConstraintViolationError
			_, err := s.Exec(ctx, `INSERT INTO release (id, package_id) VALUES (11, 99)`)
			require.ErrorAs(t, err, &violation)
			_, err = s.Exec(ctx, `UPDATE release SET package_id = 99 WHERE id = 10`)
			require.ErrorAs(t, err, &violation)
			mustExec(t, s, `INSERT INTO release (id, package_id) VALUES (12, NULL)`)
			mustExec(t, s, `DELETE FROM release WHERE id = 12`)

			_, err = s.Exec(ctx, `DELETE FROM package WHERE id = 1`)
			if tt.remaining < 0 {
				require.ErrorAs(t, err, &violation)
				return
			}
			require.NoError(t, err)

			var n int
			require.NoError(t, s.QueryRow(ctx, `SELECT COUNT(*) FROM release`).Scan(&n))
			require.Equal(t, tt.remaining, n)
			if tt.nulled {
				var parent sql.NullInt64
				require.NoError(t, s.QueryRow(ctx, `SELECT package_id FROM release WHERE id = 10`).Scan(&parent))
				require.False(t, parent.Valid)
			}
		})
	}
}

func TestSQLite_ForeignKeyRejectsOrphans(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	mustApply(t, s, packagesTable, migration.CreateTable{Table: "release", Columns: []migration.Column{
		{Name: "id", Type: "INTEGER", PrimaryKey: true},
		{Name: "package_id", Type: "INTEGER"},
	}})
	mustExec(t, s, `INSERT INTO release (id, package_id) VALUES (1, 42)`)

	fk := migration.CreateForeignKey{
		Table: "release", Name: "fk_release_package", Columns: []string{"package_id"},
		RefTable: "package", RefColumns: []string{"id"},
	}
	var violation *migration.ConstraintViolationError
	require.ErrorAs(t, apply(ctx, s, fk), &violation)

	mustApply(t, s, migration.DropTable{Table: "release"})
	var missing *migration.MissingObjectError
	require.ErrorAs(t, apply(ctx, s, migration.DropForeignKey{Table: "package", Name: "fk_release_package"}), &missing)
}

func TestSQLite_DropTableRemovesForeignKeyTriggers(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	mustApply(t, s, packagesTable,
		migration.CreateTable{Table: "release", Columns: []migration.Column{
			{Name: "id", Type: "INTEGER", PrimaryKey: true},
			{Name: "package_id", Type: "INTEGER"},
		}},
		migration.CreateForeignKey{
			Table: "release", Name: "fk_release_package", Columns: []string{"package_id"},
			RefTable: "package", RefColumns: []string{"id"},
		},
		migration.CreateConstraint{Table: "release", Name: "ck_release_id", Check: "id > 0"},
	)
	mustExec(t, s, `INSERT INTO package (id, name) VALUES (1, 'mesecons'), (2, 'pipeworks')`)

	mustApply(t, s, migration.DropTable{Table: "release"})

	mustExec(t, s, `DELETE FROM package WHERE id = 1`)
	var n int
	require.NoError(t, s.QueryRow(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger'`).Scan(&n))
	require.Zero(t, n)
}

func TestSQLite_EnumTypes(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	mustApply(t, s, migration.CreateEnumType{Name: "user_rank", Values: []string{"NEW_MEMBER", "MEMBER", "EDITOR", "ADMIN"}})

	var conflict *migration.ConflictError
	require.ErrorAs(t, apply(ctx, s, migration.CreateEnumType{Name: "user_rank", Values: []string{"X"}}), &conflict)

	mustApply(t, s,
		migration.ExtendEnumType{Name: "user_rank", Value: "APPROVER", After: "EDITOR"},
		migration.ExtendEnumType{Name: "user_rank", Value: "BANNED", Before: "NEW_MEMBER"},
		migration.ExtendEnumType{Name: "user_rank", Value: "MODERATOR"},
		migration.ExtendEnumType{Name: "user_rank", Value: "TRUSTED", Before: "EDITOR"},
		migration.ExtendEnumType{Name: "user_rank", Value: "OWNER", After: "MODERATOR"},
	)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"BANNED", "NEW_MEMBER", "MEMBER", "TRUSTED", "EDITOR", "APPROVER", "ADMIN", "MODERATOR", "OWNER"},
		snap.Enums["user_rank"])

	require.ErrorAs(t, apply(ctx, s, migration.ExtendEnumType{Name: "user_rank", Value: "ADMIN"}), &conflict)
	var missing *migration.MissingObjectError
	require.ErrorAs(t, apply(ctx, s, migration.ExtendEnumType{Name: "user_rank", Value: "X", After: "NOPE"}), &missing)
	require.ErrorAs(t, apply(ctx, s, migration.ExtendEnumType{Name: "nope", Value: "X"}), &missing)

	mustApply(t, s, migration.DropEnumType{Name: "user_rank"})
	require.ErrorAs(t, apply(ctx, s, migration.DropEnumType{Name: "user_rank"}), &missing)
	snap, err = s.Snapshot(ctx)
	require.NoError(t, err)
	require.Empty(t, snap.Enums)
}

func TestSQLite_Backfill(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	mustApply(t, s, packagesTable)
	mustExec(t, s, `INSERT INTO package (id, name, title) VALUES (1, 'a', NULL), (2, 'b', 'Bee')`)

	mustApply(t, s, migration.DataBackfill{
		Table: "package",
		Set:   []migration.Assignment{{Column: "title", Expr: "upper(name)"}},
		Where: "title IS NULL",
	})

	var a, b string
	require.NoError(t, s.QueryRow(ctx, `SELECT title FROM package WHERE id = 1`).Scan(&a))
	require.NoError(t, s.QueryRow(ctx, `SELECT title FROM package WHERE id = 2`).Scan(&b))
	require.Equal(t, "A", a)
	require.Equal(t, "Bee", b)

	var missing *migration.MissingObjectError
	require.ErrorAs(t, apply(ctx, s, migration.DataBackfill{
		Table: "package",
		Set:   []migration.Assignment{{Column: "nope", Expr: "1"}},
	}), &missing)
}

func TestSQLite_SearchVector(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	mustApply(t, s, packagesTable)
	mustExec(t, s, `INSERT INTO package (id, name, title, score) VALUES (1, 'Mesecons', ' Digital Circuitry ', '9')`)

	spec := search.Spec{Table: "package", Fields: []search.Field{{Column: "name", Weight: search.WeightA}, {Column: "title", Weight: search.WeightB}}}
	mustApply(t, s, migration.SyncSearchVector{Spec: spec})

	doc := func() string {
		var d string
		require.NoError(t, s.QueryRow(ctx, `SELECT search_vector FROM package WHERE id = 1`).Scan(&d))
		return d
	}
	row := map[string]string{"name": "Mesecons", "title": " Digital Circuitry "}
	require.Equal(t, search.Document(spec.Fields, row), doc())

	// Re-syncing with a changed field list replaces the rule.
	spec.Fields = append(spec.Fields, search.Field{Column: "score", Weight: search.WeightD})
	mustApply(t, s, migration.SyncSearchVector{Spec: spec})
	row["score"] = "9"
	require.Equal(t, search.Document(spec.Fields, row), doc())

	mustExec(t, s, `UPDATE package SET score = '10' WHERE id = 1`)
	row["score"] = "10"
	require.Equal(t, search.Document(spec.Fields, row), doc())

	mustApply(t, s, migration.DropSearchVector{Table: "package"})
	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Table("package").Columns, 4)
	require.Empty(t, snap.Table("package").Objects)

	var missing *migration.MissingObjectError
	require.ErrorAs(t, apply(ctx, s, migration.DropSearchVector{Table: "package"}), &missing)
}

func TestSQLite_TransactionRollback(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, applyIn(ctx, s.Dialect(), tx, packagesTable))
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx), "second rollback is a no-op")

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Empty(t, snap.Tables)
}

func TestSQLiteDSN(t *testing.T) {
	require.Equal(t, ":memory:", SQLiteDSN(":memory:"))
	require.Equal(t, "file:/tmp/x.db?"+SQLitePragmas, SQLiteDSN("/tmp/x.db"))
	require.Equal(t, "file:x.db?mode=rwc&"+SQLitePragmas, SQLiteDSN("file:x.db?mode=rwc"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "content.db"), 0)
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, "sqlite", b.Dialect().Name())

	_, err = Open(ctx, "oracle", "", 0)
	require.Error(t, err)
}
