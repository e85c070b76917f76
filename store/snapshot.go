package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/minetest/contentdb-sub001/migration"
)

// Snapshot is a comparable view of a schema: user tables with their
// columns and named constraints, indexes and triggers, plus enumerated
// types. Bookkeeping tables are left out.
type Snapshot struct {
	Tables []TableInfo
	Enums  map[string][]string
}

// TableInfo describes one table.
type TableInfo struct {
	Name    string
	Columns []ColumnInfo
	// Objects lists the names of constraints, indexes and triggers
	// attached to the table, sorted.
	Objects []string
}

// ColumnInfo describes one column.
type ColumnInfo struct {
	Name    string `db:"name"`
	Type    string `db:"type"`
	NotNull bool   `db:"not_null"`
}

type enumLabel struct {
	TypeName string `db:"type_name"`
	Label    string `db:"label"`
}

// Table returns the named table, or nil.
func (s *Snapshot) Table(name string) *TableInfo {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}

// String renders the snapshot for display.
func (s *Snapshot) String() string {
	var b strings.Builder
	for _, t := range s.Tables {
		fmt.Fprintf(&b, "table %s\n", t.Name)
		for _, c := range t.Columns {
			null := ""
			if c.NotNull {
				null = " not null"
			}
			fmt.Fprintf(&b, "  %s %s%s\n", c.Name, c.Type, null)
		}
		for _, o := range t.Objects {
			fmt.Fprintf(&b, "  + %s\n", o)
		}
	}
	for _, name := range sortedNames(s.Enums) {
		fmt.Fprintf(&b, "enum %s (%s)\n", name, strings.Join(s.Enums[name], ", "))
	}
	return b.String()
}

func groupLabels(labels []enumLabel) map[string][]string {
	enums := map[string][]string{}
	for _, l := range labels {
		enums[l.TypeName] = append(enums[l.TypeName], l.Label)
	}
	return enums
}

// Snapshot reads the SQLite schema.
func (s *SQLiteStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names, `SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name NOT IN (?, ?)
		ORDER BY name`, migration.StateTable, EnumTable)
	if err != nil {
		return nil, fmt.Errorf("snapshot tables: %w", err)
	}

	snap := &Snapshot{Enums: map[string][]string{}}
	for _, name := range names {
		t := TableInfo{Name: name}
		err := s.db.SelectContext(ctx, &t.Columns,
			`SELECT name, type, "notnull" AS not_null FROM pragma_table_info(?) ORDER BY cid`, name)
		if err != nil {
			return nil, fmt.Errorf("snapshot columns of %s: %w", name, err)
		}
		err = s.db.SelectContext(ctx, &t.Objects, `SELECT name FROM sqlite_master
			WHERE tbl_name = ? AND type IN ('index', 'trigger') AND name NOT LIKE 'sqlite_autoindex%'
			ORDER BY name`, name)
		if err != nil {
			return nil, fmt.Errorf("snapshot objects of %s: %w", name, err)
		}
		snap.Tables = append(snap.Tables, t)
	}

	ok, err := s.dialect.enumCatalog(ctx, s)
	if err != nil {
		return nil, err
	}
	if ok {
		var labels []enumLabel
		err := s.db.SelectContext(ctx, &labels,
			`SELECT type_name, label FROM `+EnumTable+` ORDER BY type_name, position`)
		if err != nil {
			return nil, fmt.Errorf("snapshot enums: %w", err)
		}
		snap.Enums = groupLabels(labels)
	}
	return snap, nil
}

// Snapshot reads the PostgreSQL schema of the current search path schema.
func (s *PGStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' AND table_name <> $1
		ORDER BY table_name`, migration.StateTable)
	if err != nil {
		return nil, fmt.Errorf("snapshot tables: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("snapshot tables: %w", err)
	}

	snap := &Snapshot{Enums: map[string][]string{}}
	for _, name := range names {
		t := TableInfo{Name: name}

		rows, err := s.pool.Query(ctx, `SELECT column_name AS name,
			CASE WHEN data_type = 'USER-DEFINED' THEN udt_name ELSE data_type END AS type,
			is_nullable = 'NO' AS not_null
			FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1
			ORDER BY ordinal_position`, name)
		if err != nil {
			return nil, fmt.Errorf("snapshot columns of %s: %w", name, err)
		}
		if t.Columns, err = pgx.CollectRows(rows, pgx.RowToStructByName[ColumnInfo]); err != nil {
			return nil, fmt.Errorf("snapshot columns of %s: %w", name, err)
		}

		rows, err = s.pool.Query(ctx, `WITH t AS (
				SELECT oid FROM pg_class
				WHERE relname = $1 AND relnamespace = current_schema()::regnamespace
			)
			SELECT conname::text FROM pg_constraint WHERE conrelid = (SELECT oid FROM t)
			UNION
			SELECT c.relname::text FROM pg_index i JOIN pg_class c ON c.oid = i.indexrelid
			WHERE i.indrelid = (SELECT oid FROM t)
			UNION
			SELECT tgname::text FROM pg_trigger WHERE tgrelid = (SELECT oid FROM t) AND NOT tgisinternal
			ORDER BY 1`, name)
		if err != nil {
			return nil, fmt.Errorf("snapshot objects of %s: %w", name, err)
		}
		if t.Objects, err = pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
			return nil, fmt.Errorf("snapshot objects of %s: %w", name, err)
		}
		snap.Tables = append(snap.Tables, t)
	}

	rows, err = s.pool.Query(ctx, `SELECT t.typname::text AS type_name, e.enumlabel::text AS label
		FROM pg_enum e JOIN pg_type t ON t.oid = e.enumtypid
		WHERE t.typnamespace = current_schema()::regnamespace
		ORDER BY t.typname, e.enumsortorder`)
	if err != nil {
		return nil, fmt.Errorf("snapshot enums: %w", err)
	}
	labels, err := pgx.CollectRows(rows, pgx.RowToStructByName[enumLabel])
	if err != nil {
		return nil, fmt.Errorf("snapshot enums: %w", err)
	}
	if len(labels) > 0 {
		snap.Enums = groupLabels(labels)
	}
	return snap, nil
}

func sortedNames(m map[string][]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
