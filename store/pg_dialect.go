package store

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/minetest/contentdb-sub001/migration"
	"github.com/minetest/contentdb-sub001/search"
	"github.com/minetest/contentdb-sub001/sqlident"
)

var pgSB = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// pg_constraint.contype values.
const (
	conCheck   = "c"
	conUnique  = "u"
	conForeign = "f"
)

// PGDialect compiles operations for PostgreSQL. DDL is transactional
// except for adding an enum value, which must commit before the value can
// be used and so runs outside any transaction.
type PGDialect struct{}

func (*PGDialect) Name() string                      { return "postgres" }
func (*PGDialect) Placeholder() sq.PlaceholderFormat { return sq.Dollar }

func (*PGDialect) BreaksTransaction(op migration.Operation) bool {
	return op.Kind() == migration.KindExtendEnumType
}

func (*PGDialect) table(ctx context.Context, q migration.Querier, table string) (bool, error) {
	return exists(ctx, q, pgSB.Select("COUNT(*)").From("information_schema.tables").
		Where("table_schema = current_schema()").
		Where(sq.Eq{"table_name": table}))
}

func (*PGDialect) column(ctx context.Context, q migration.Querier, table, column string) (bool, error) {
	return exists(ctx, q, pgSB.Select("COUNT(*)").From("information_schema.columns").
		Where("table_schema = current_schema()").
		Where(sq.Eq{"table_name": table, "column_name": column}))
}

// constraint reports whether table has a constraint called name. An empty
// contype accepts any kind.
func (*PGDialect) constraint(ctx context.Context, q migration.Querier, table, name, contype string) (bool, error) {
	b := pgSB.Select("COUNT(*)").From("pg_constraint c").
		Join("pg_class t ON t.oid = c.conrelid").
		Where("t.relnamespace = current_schema()::regnamespace").
		Where(sq.Eq{"t.relname": table, "c.conname": name})
	if contype != "" {
		b = b.Where(sq.Eq{"c.contype": contype})
	}
	return exists(ctx, q, b)
}

func (*PGDialect) enum(ctx context.Context, q migration.Querier, name string) (bool, error) {
	return exists(ctx, q, pgSB.Select("COUNT(*)").From("pg_type").
		Where("typnamespace = current_schema()::regnamespace").
		Where(sq.Eq{"typname": name, "typtype": "e"}))
}

func (*PGDialect) label(ctx context.Context, q migration.Querier, name, label string) (bool, error) {
	return exists(ctx, q, pgSB.Select("COUNT(*)").From("pg_enum e").
		Join("pg_type t ON t.oid = e.enumtypid").
		Where("t.typnamespace = current_schema()::regnamespace").
		Where(sq.Eq{"t.typname": name, "e.enumlabel": label}))
}

func (d *PGDialect) requireConstraint(ctx context.Context, q migration.Querier, table, name, contype string) error {
	if err := requireTable(ctx, d, q, table); err != nil {
		return err
	}
	ok, err := d.constraint(ctx, q, table, name, contype)
	if err != nil {
		return err
	}
	if !ok {
		return &migration.MissingObjectError{Object: "constraint", Name: table + "." + name}
	}
	return nil
}

func (d *PGDialect) forbidConstraint(ctx context.Context, q migration.Querier, table, name string) error {
	ok, err := d.constraint(ctx, q, table, name, "")
	if err != nil {
		return err
	}
	if ok {
		return &migration.ConflictError{Object: "constraint", Name: table + "." + name}
	}
	return nil
}

func (d *PGDialect) requireEnum(ctx context.Context, q migration.Querier, name string) error {
	ok, err := d.enum(ctx, q, name)
	if err != nil {
		return err
	}
	if !ok {
		return &migration.MissingObjectError{Object: "enum type", Name: name}
	}
	return nil
}

// Prepare implements migration.Dialect.
func (d *PGDialect) Prepare(ctx context.Context, q migration.Querier, op migration.Operation) ([]migration.Statement, error) {
	switch o := op.(type) {
	case migration.CreateTable:
		ok, err := d.table(ctx, q, o.Table)
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, &migration.ConflictError{Object: "table", Name: o.Table}
		}
		return []migration.Statement{createTable(o)}, nil

	case migration.DropTable:
		if err := requireTable(ctx, d, q, o.Table); err != nil {
			return nil, err
		}
		return []migration.Statement{stmt(`DROP TABLE %s`, sqlident.Quote(o.Table))}, nil

	case migration.AddColumn:
		if err := requireTable(ctx, d, q, o.Table); err != nil {
			return nil, err
		}
		if err := forbidColumn(ctx, d, q, o.Table, o.Column.Name); err != nil {
			return nil, err
		}
		return []migration.Statement{stmt(`ALTER TABLE %s ADD COLUMN %s`, sqlident.Quote(o.Table), o.Column.Definition())}, nil

	case migration.DropColumn:
		if err := requireColumns(ctx, d, q, o.Table, o.Column); err != nil {
			return nil, err
		}
		return []migration.Statement{stmt(`ALTER TABLE %s DROP COLUMN %s`, sqlident.Quote(o.Table), sqlident.Quote(o.Column))}, nil

	case migration.AlterColumnType:
		if err := requireColumns(ctx, d, q, o.Table, o.Column); err != nil {
			return nil, err
		}
		s := fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s TYPE %s`, sqlident.Quote(o.Table), sqlident.Quote(o.Column), o.Type)
		if o.Using != "" {
			s += " USING " + o.Using
		}
		return []migration.Statement{{SQL: s}}, nil

	case migration.RenameColumn:
		if err := requireColumns(ctx, d, q, o.Table, o.From); err != nil {
			return nil, err
		}
		if err := forbidColumn(ctx, d, q, o.Table, o.To); err != nil {
			return nil, err
		}
		return []migration.Statement{stmt(`ALTER TABLE %s RENAME COLUMN %s TO %s`,
			sqlident.Quote(o.Table), sqlident.Quote(o.From), sqlident.Quote(o.To))}, nil

	case migration.CreateConstraint:
		if err := requireTable(ctx, d, q, o.Table); err != nil {
			return nil, err
		}
		if err := d.forbidConstraint(ctx, q, o.Table, o.Name); err != nil {
			return nil, err
		}
		return []migration.Statement{stmt(`ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s)`,
			sqlident.Quote(o.Table), sqlident.Quote(o.Name), o.Check)}, nil

	case migration.DropConstraint:
		return d.dropConstraint(ctx, q, o.Table, o.Name, "")

	case migration.CreateUniqueConstraint:
		if err := requireColumns(ctx, d, q, o.Table, o.Columns...); err != nil {
			return nil, err
		}
		if err := d.forbidConstraint(ctx, q, o.Table, o.Name); err != nil {
			return nil, err
		}
		return []migration.Statement{stmt(`ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)`,
			sqlident.Quote(o.Table), sqlident.Quote(o.Name), sqlident.QuoteAll(o.Columns))}, nil

	case migration.DropUniqueConstraint:
		return d.dropConstraint(ctx, q, o.Table, o.Name, conUnique)

	case migration.CreateForeignKey:
		if err := requireColumns(ctx, d, q, o.Table, o.Columns...); err != nil {
			return nil, err
		}
		if err := requireColumns(ctx, d, q, o.RefTable, o.RefColumns...); err != nil {
			return nil, err
		}
		if err := d.forbidConstraint(ctx, q, o.Table, o.Name); err != nil {
			return nil, err
		}
		s := fmt.Sprintf(`ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)`,
			sqlident.Quote(o.Table), sqlident.Quote(o.Name), sqlident.QuoteAll(o.Columns),
			sqlident.Quote(o.RefTable), sqlident.QuoteAll(o.RefColumns))
		if o.OnDelete != migration.OnDeleteNoAction {
			s += " ON DELETE " + strings.ToUpper(o.OnDelete)
		}
		return []migration.Statement{{SQL: s}}, nil

	case migration.DropForeignKey:
		return d.dropConstraint(ctx, q, o.Table, o.Name, conForeign)

	case migration.CreateEnumType:
		ok, err := d.enum(ctx, q, o.Name)
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, &migration.ConflictError{Object: "enum type", Name: o.Name}
		}
		labels := make([]string, len(o.Values))
		for i, v := range o.Values {
			labels[i] = sqlident.Literal(v)
		}
		return []migration.Statement{stmt(`CREATE TYPE %s AS ENUM (%s)`, sqlident.Quote(o.Name), strings.Join(labels, ", "))}, nil

	case migration.DropEnumType:
		if err := d.requireEnum(ctx, q, o.Name); err != nil {
			return nil, err
		}
		return []migration.Statement{stmt(`DROP TYPE %s`, sqlident.Quote(o.Name))}, nil

	case migration.ExtendEnumType:
		return d.extendEnum(ctx, q, o)

	case migration.RawStatement:
		return []migration.Statement{{SQL: o.SQL}}, nil

	case migration.DataBackfill:
		if err := requireColumns(ctx, d, q, o.Table, backfillColumns(o)...); err != nil {
			return nil, err
		}
		return []migration.Statement{backfill(o)}, nil

	case migration.SyncSearchVector:
		if err := requireColumns(ctx, d, q, o.Spec.Table, o.Spec.Columns()...); err != nil {
			return nil, err
		}
		return statements(search.PostgresSync(o.Spec)), nil

	case migration.DropSearchVector:
		spec := o.SearchSpec()
		if err := requireColumns(ctx, d, q, spec.Table, spec.VectorColumn()); err != nil {
			return nil, err
		}
		return statements(search.PostgresDrop(spec)), nil

	case migration.Irreversible:
		return nil, fmt.Errorf("irreversible: %s", o.Reason)
	}
	return nil, fmt.Errorf("postgres: unsupported operation %s", op.Kind())
}

func (d *PGDialect) dropConstraint(ctx context.Context, q migration.Querier, table, name, contype string) ([]migration.Statement, error) {
	if err := d.requireConstraint(ctx, q, table, name, contype); err != nil {
		return nil, err
	}
	return []migration.Statement{stmt(`ALTER TABLE %s DROP CONSTRAINT %s`, sqlident.Quote(table), sqlident.Quote(name))}, nil
}

func (d *PGDialect) extendEnum(ctx context.Context, q migration.Querier, o migration.ExtendEnumType) ([]migration.Statement, error) {
	if err := d.requireEnum(ctx, q, o.Name); err != nil {
		return nil, err
	}
	dup, err := d.label(ctx, q, o.Name, o.Value)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, &migration.ConflictError{Object: "enum value", Name: o.Name + "." + o.Value}
	}

	s := fmt.Sprintf(`ALTER TYPE %s ADD VALUE %s`, sqlident.Quote(o.Name), sqlident.Literal(o.Value))
	anchor, where := o.After, "AFTER"
	if o.Before != "" {
		anchor, where = o.Before, "BEFORE"
	}
	if anchor != "" {
		ok, err := d.label(ctx, q, o.Name, anchor)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &migration.MissingObjectError{Object: "enum value", Name: o.Name + "." + anchor}
		}
		s += fmt.Sprintf(" %s %s", where, sqlident.Literal(anchor))
	}
	return []migration.Statement{{SQL: s}}, nil
}
