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

// EnumTable is the catalog SQLite uses in place of enumerated types. Each
// label has a REAL position so a value can be inserted between two others
// without renumbering.
const EnumTable = "enum_labels"

// Suffixes of the triggers emulating CHECK and FOREIGN KEY constraints.
const (
	insertSuffix = "__insert"
	updateSuffix = "__update"
	deleteSuffix = "__delete"
)

var sqliteSB = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// SQLiteDialect compiles operations for SQLite. SQLite cannot add
// constraints to an existing table and has no enumerated types, so CHECK
// and FOREIGN KEY constraints become triggers, unique constraints become
// unique indexes, and enumerated types live in EnumTable. SQLite DDL is
// transactional, so no operation breaks the transaction.
type SQLiteDialect struct{}

func (*SQLiteDialect) Name() string                               { return "sqlite" }
func (*SQLiteDialect) Placeholder() sq.PlaceholderFormat          { return sq.Question }
func (*SQLiteDialect) BreaksTransaction(migration.Operation) bool { return false }

func (*SQLiteDialect) table(ctx context.Context, q migration.Querier, table string) (bool, error) {
	return exists(ctx, q, sqliteSB.Select("COUNT(*)").From("sqlite_master").
		Where(sq.Eq{"type": "table", "name": table}))
}

func (*SQLiteDialect) column(ctx context.Context, q migration.Querier, table, column string) (bool, error) {
	return exists(ctx, q, sqliteSB.Select("COUNT(*)").
		From("pragma_table_info("+sqlident.Literal(table)+")").
		Where(sq.Eq{"name": column}))
}

func (*SQLiteDialect) object(ctx context.Context, q migration.Querier, typ, name string) (bool, error) {
	return exists(ctx, q, sqliteSB.Select("COUNT(*)").From("sqlite_master").
		Where(sq.Eq{"type": typ, "name": name}))
}

// constraintKind reports how the named constraint is emulated: "index",
// "trigger" or "" when it does not exist.
func (d *SQLiteDialect) constraintKind(ctx context.Context, q migration.Querier, name string) (string, error) {
	ok, err := d.object(ctx, q, "index", name)
	if err != nil {
		return "", err
	}
	if ok {
		return "index", nil
	}
	ok, err = d.object(ctx, q, "trigger", name+insertSuffix)
	if err != nil || !ok {
		return "", err
	}
	return "trigger", nil
}

// parentTriggers returns the delete triggers that foreign keys declared on
// table keep on other tables.
func (*SQLiteDialect) parentTriggers(ctx context.Context, q migration.Querier, table string) ([]string, error) {
	query, args, err := sqliteSB.Select("COALESCE(group_concat(d.name, char(10)), '')").
		From("sqlite_master AS i").
		Join("sqlite_master AS d ON d.name = substr(i.name, 1, length(i.name) - ?) || ?", len(insertSuffix), deleteSuffix).
		Where(sq.Eq{"i.type": "trigger", "d.type": "trigger", "i.tbl_name": table}).
		Where(sq.NotEq{"d.tbl_name": table}).
		Where("substr(i.name, ?) = ?", -len(insertSuffix), insertSuffix).
		ToSql()
	if err != nil {
		return nil, err
	}
	var names string
	if err := q.QueryRow(ctx, query, args...).Scan(&names); err != nil {
		return nil, fmt.Errorf("inspect foreign keys of %s: %w", table, err)
	}
	if names == "" {
		return nil, nil
	}
	return strings.Split(names, "\n"), nil
}

func (d *SQLiteDialect) forbidConstraint(ctx context.Context, q migration.Querier, table, name string) error {
	kind, err := d.constraintKind(ctx, q, name)
	if err != nil {
		return err
	}
	if kind != "" {
		return &migration.ConflictError{Object: "constraint", Name: table + "." + name}
	}
	return nil
}

func (d *SQLiteDialect) enumCatalog(ctx context.Context, q migration.Querier) (bool, error) {
	return d.object(ctx, q, "table", EnumTable)
}

func (d *SQLiteDialect) enumExists(ctx context.Context, q migration.Querier, name string) (bool, error) {
	ok, err := d.enumCatalog(ctx, q)
	if err != nil || !ok {
		return false, err
	}
	return exists(ctx, q, sqliteSB.Select("COUNT(*)").From(EnumTable).Where(sq.Eq{"type_name": name}))
}

// labelPosition returns the position of label in enum name.
func (d *SQLiteDialect) labelPosition(ctx context.Context, q migration.Querier, name, label string) (float64, bool, error) {
	query, args, err := sqliteSB.Select("COUNT(*)", "COALESCE(MAX(position), 0)").From(EnumTable).
		Where(sq.Eq{"type_name": name, "label": label}).ToSql()
	if err != nil {
		return 0, false, err
	}
	var (
		n   int
		pos float64
	)
	if err := q.QueryRow(ctx, query, args...).Scan(&n, &pos); err != nil {
		return 0, false, fmt.Errorf("inspect enum %s: %w", name, err)
	}
	return pos, n > 0, nil
}

// neighbour returns the nearest position above (or below) pos, or def
// when pos is at the end.
func (d *SQLiteDialect) neighbour(ctx context.Context, q migration.Querier, name string, pos float64, above bool, def float64) (float64, error) {
	b := sqliteSB.Select(fmt.Sprintf("COALESCE(MIN(position), %v)", def)).From(EnumTable).
		Where(sq.Eq{"type_name": name}).Where(sq.Gt{"position": pos})
	if !above {
		b = sqliteSB.Select(fmt.Sprintf("COALESCE(MAX(position), %v)", def)).From(EnumTable).
			Where(sq.Eq{"type_name": name}).Where(sq.Lt{"position": pos})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	var out float64
	if err := q.QueryRow(ctx, query, args...).Scan(&out); err != nil {
		return 0, fmt.Errorf("inspect enum %s: %w", name, err)
	}
	return out, nil
}

// Prepare implements migration.Dialect.
func (d *SQLiteDialect) Prepare(ctx context.Context, q migration.Querier, op migration.Operation) ([]migration.Statement, error) {
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
		// Foreign keys from the table keep a delete trigger on the
		// referenced table, which DROP TABLE leaves behind.
		parentTriggers, err := d.parentTriggers(ctx, q, o.Table)
		if err != nil {
			return nil, err
		}
		var stmts []migration.Statement
		for _, name := range parentTriggers {
			stmts = append(stmts, stmt(`DROP TRIGGER %s`, sqlident.Quote(name)))
		}
		return append(stmts, stmt(`DROP TABLE %s`, sqlident.Quote(o.Table))), nil

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
		return d.alterColumnType(ctx, q, o)

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
		return d.createCheck(ctx, q, o)

	case migration.DropConstraint:
		return d.dropConstraint(ctx, q, o.Table, o.Name, "")

	case migration.CreateUniqueConstraint:
		if err := requireColumns(ctx, d, q, o.Table, o.Columns...); err != nil {
			return nil, err
		}
		if err := d.forbidConstraint(ctx, q, o.Table, o.Name); err != nil {
			return nil, err
		}
		return []migration.Statement{stmt(`CREATE UNIQUE INDEX %s ON %s (%s)`,
			sqlident.Quote(o.Name), sqlident.Quote(o.Table), sqlident.QuoteAll(o.Columns))}, nil

	case migration.DropUniqueConstraint:
		return d.dropConstraint(ctx, q, o.Table, o.Name, "index")

	case migration.CreateForeignKey:
		return d.createForeignKey(ctx, q, o)

	case migration.DropForeignKey:
		return d.dropConstraint(ctx, q, o.Table, o.Name, "trigger")

	case migration.CreateEnumType:
		return d.createEnum(ctx, q, o)

	case migration.DropEnumType:
		ok, err := d.enumExists(ctx, q, o.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &migration.MissingObjectError{Object: "enum type", Name: o.Name}
		}
		query, args, err := sqliteSB.Delete(EnumTable).Where(sq.Eq{"type_name": o.Name}).ToSql()
		if err != nil {
			return nil, err
		}
		return []migration.Statement{{SQL: query, Args: args}}, nil

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
		present, err := d.column(ctx, q, o.Spec.Table, o.Spec.VectorColumn())
		if err != nil {
			return nil, err
		}
		return statements(search.SQLiteSync(o.Spec, !present)), nil

	case migration.DropSearchVector:
		spec := o.SearchSpec()
		if err := requireColumns(ctx, d, q, spec.Table, spec.VectorColumn()); err != nil {
			return nil, err
		}
		return statements(search.SQLiteDrop(spec)), nil

	case migration.Irreversible:
		return nil, fmt.Errorf("irreversible: %s", o.Reason)
	}
	return nil, fmt.Errorf("sqlite: unsupported operation %s", op.Kind())
}

func (d *SQLiteDialect) alterColumnType(ctx context.Context, q migration.Querier, o migration.AlterColumnType) ([]migration.Statement, error) {
	if err := requireColumns(ctx, d, q, o.Table, o.Column); err != nil {
		return nil, err
	}
	temp := o.Column + "__retype"
	if err := forbidColumn(ctx, d, q, o.Table, temp); err != nil {
		return nil, err
	}
	table := sqlident.Quote(o.Table)
	expr := o.Using
	if expr == "" {
		expr = fmt.Sprintf("CAST(%s AS %s)", sqlident.Quote(o.Column), o.Type)
	}
	return []migration.Statement{
		stmt(`ALTER TABLE %s ADD COLUMN %s %s`, table, sqlident.Quote(temp), o.Type),
		stmt(`UPDATE %s SET %s = %s`, table, sqlident.Quote(temp), expr),
		stmt(`ALTER TABLE %s DROP COLUMN %s`, table, sqlident.Quote(o.Column)),
		stmt(`ALTER TABLE %s RENAME COLUMN %s TO %s`, table, sqlident.Quote(temp), sqlident.Quote(o.Column)),
	}, nil
}

func (d *SQLiteDialect) createCheck(ctx context.Context, q migration.Querier, o migration.CreateConstraint) ([]migration.Statement, error) {
	if err := requireTable(ctx, d, q, o.Table); err != nil {
		return nil, err
	}
	if err := d.forbidConstraint(ctx, q, o.Table, o.Name); err != nil {
		return nil, err
	}
	table := sqlident.Quote(o.Table)
	bad, err := count(ctx, q, sqliteSB.Select("COUNT(*)").From(table).Where(fmt.Sprintf("NOT (%s)", o.Check)))
	if err != nil {
		return nil, err
	}
	if bad > 0 {
		return nil, &migration.ConstraintViolationError{
			Constraint: o.Name,
			Detail:     fmt.Sprintf("%d existing rows of %s fail the check", bad, o.Table),
		}
	}

	body := fmt.Sprintf(`SELECT RAISE(ABORT, %s)
    WHERE EXISTS (SELECT 1 FROM %s WHERE rowid = NEW.rowid AND NOT (%s));`,
		sqlident.Literal("CHECK constraint failed: "+o.Name), table, o.Check)
	return []migration.Statement{
		stmt("CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW\nBEGIN\n    %s\nEND",
			sqlident.Quote(o.Name+insertSuffix), table, body),
		stmt("CREATE TRIGGER %s AFTER UPDATE ON %s FOR EACH ROW\nBEGIN\n    %s\nEND",
			sqlident.Quote(o.Name+updateSuffix), table, body),
	}, nil
}

func (d *SQLiteDialect) createForeignKey(ctx context.Context, q migration.Querier, o migration.CreateForeignKey) ([]migration.Statement, error) {
	if err := requireColumns(ctx, d, q, o.Table, o.Columns...); err != nil {
		return nil, err
	}
	if err := requireColumns(ctx, d, q, o.RefTable, o.RefColumns...); err != nil {
		return nil, err
	}
	if err := d.forbidConstraint(ctx, q, o.Table, o.Name); err != nil {
		return nil, err
	}

	child, parent := sqlident.Quote(o.Table), sqlident.Quote(o.RefTable)
	match := func(childPrefix, parentPrefix string) string {
		parts := make([]string, len(o.Columns))
		for i := range o.Columns {
			parts[i] = fmt.Sprintf("%s%s = %s%s", parentPrefix, sqlident.Quote(o.RefColumns[i]), childPrefix, sqlident.Quote(o.Columns[i]))
		}
		return strings.Join(parts, " AND ")
	}
	notNull := func(prefix string) string {
		parts := make([]string, len(o.Columns))
		for i, c := range o.Columns {
			parts[i] = fmt.Sprintf("%s%s IS NOT NULL", prefix, sqlident.Quote(c))
		}
		return strings.Join(parts, " AND ")
	}

	orphans, err := count(ctx, q, sqliteSB.Select("COUNT(*)").From(child+" AS c").
		Where(notNull("c.")).
		Where(fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s AS p WHERE %s)", parent, match("c.", "p."))))
	if err != nil {
		return nil, err
	}
	if orphans > 0 {
		return nil, &migration.ConstraintViolationError{
			Constraint: o.Name,
			Detail:     fmt.Sprintf("%d rows of %s reference missing %s rows", orphans, o.Table, o.RefTable),
		}
	}

	failed := sqlident.Literal("FOREIGN KEY constraint failed: " + o.Name)
	check := fmt.Sprintf(`SELECT RAISE(ABORT, %s)
    WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s);`, failed, parent, match("NEW.", ""))

	var onDelete string
	switch strings.ToUpper(o.OnDelete) {
	case migration.OnDeleteCascade:
		onDelete = fmt.Sprintf(`DELETE FROM %s WHERE %s;`, child, referencing(o, "OLD."))
	case migration.OnDeleteSetNull:
		sets := make([]string, len(o.Columns))
		for i, c := range o.Columns {
			sets[i] = sqlident.Quote(c) + " = NULL"
		}
		onDelete = fmt.Sprintf(`UPDATE %s SET %s WHERE %s;`, child, strings.Join(sets, ", "), referencing(o, "OLD."))
	default:
		onDelete = fmt.Sprintf(`SELECT RAISE(ABORT, %s)
    WHERE EXISTS (SELECT 1 FROM %s WHERE %s);`, failed, child, referencing(o, "OLD."))
	}

	return []migration.Statement{
		stmt("CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW WHEN %s\nBEGIN\n    %s\nEND",
			sqlident.Quote(o.Name+insertSuffix), child, notNull("NEW."), check),
		stmt("CREATE TRIGGER %s AFTER UPDATE OF %s ON %s FOR EACH ROW WHEN %s\nBEGIN\n    %s\nEND",
			sqlident.Quote(o.Name+updateSuffix), sqlident.QuoteAll(o.Columns), child, notNull("NEW."), check),
		stmt("CREATE TRIGGER %s BEFORE DELETE ON %s FOR EACH ROW\nBEGIN\n    %s\nEND",
			sqlident.Quote(o.Name+deleteSuffix), parent, onDelete),
	}, nil
}

// referencing matches child rows pointing at the parent row prefix names.
func referencing(o migration.CreateForeignKey, prefix string) string {
	parts := make([]string, len(o.Columns))
	for i := range o.Columns {
		parts[i] = fmt.Sprintf("%s = %s%s", sqlident.Quote(o.Columns[i]), prefix, sqlident.Quote(o.RefColumns[i]))
	}
	return strings.Join(parts, " AND ")
}

// dropConstraint drops the index or triggers emulating a constraint. want
// restricts the accepted emulation: "index", "trigger" or "" for either.
func (d *SQLiteDialect) dropConstraint(ctx context.Context, q migration.Querier, table, name, want string) ([]migration.Statement, error) {
	if err := requireTable(ctx, d, q, table); err != nil {
		return nil, err
	}
	kind, err := d.constraintKind(ctx, q, name)
	if err != nil {
		return nil, err
	}
	if kind == "" || (want != "" && kind != want) {
		return nil, &migration.MissingObjectError{Object: "constraint", Name: table + "." + name}
	}
	if kind == "index" {
		return []migration.Statement{stmt(`DROP INDEX %s`, sqlident.Quote(name))}, nil
	}
	return []migration.Statement{
		stmt(`DROP TRIGGER IF EXISTS %s`, sqlident.Quote(name+insertSuffix)),
		stmt(`DROP TRIGGER IF EXISTS %s`, sqlident.Quote(name+updateSuffix)),
		stmt(`DROP TRIGGER IF EXISTS %s`, sqlident.Quote(name+deleteSuffix)),
	}, nil
}

func (d *SQLiteDialect) createEnum(ctx context.Context, q migration.Querier, o migration.CreateEnumType) ([]migration.Statement, error) {
	ok, err := d.enumExists(ctx, q, o.Name)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, &migration.ConflictError{Object: "enum type", Name: o.Name}
	}
	ins := sqliteSB.Insert(EnumTable).Columns("type_name", "label", "position")
	for i, v := range o.Values {
		ins = ins.Values(o.Name, v, float64(i+1))
	}
	query, args, err := ins.ToSql()
	if err != nil {
		return nil, err
	}
	return []migration.Statement{
		stmt(`CREATE TABLE IF NOT EXISTS %s (
    type_name TEXT NOT NULL,
    label     TEXT NOT NULL,
    position  REAL NOT NULL,
    PRIMARY KEY (type_name, label)
)`, EnumTable),
		{SQL: query, Args: args},
	}, nil
}

func (d *SQLiteDialect) extendEnum(ctx context.Context, q migration.Querier, o migration.ExtendEnumType) ([]migration.Statement, error) {
	ok, err := d.enumExists(ctx, q, o.Name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &migration.MissingObjectError{Object: "enum type", Name: o.Name}
	}
	if _, dup, err := d.labelPosition(ctx, q, o.Name, o.Value); err != nil {
		return nil, err
	} else if dup {
		return nil, &migration.ConflictError{Object: "enum value", Name: o.Name + "." + o.Value}
	}

	var pos float64
	switch {
	case o.Before != "" || o.After != "":
		anchor := o.Before + o.After
		at, found, err := d.labelPosition(ctx, q, o.Name, anchor)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, &migration.MissingObjectError{Object: "enum value", Name: o.Name + "." + anchor}
		}
		var other float64
		if o.After != "" {
			other, err = d.neighbour(ctx, q, o.Name, at, true, at+1)
		} else {
			other, err = d.neighbour(ctx, q, o.Name, at, false, at-1)
		}
		if err != nil {
			return nil, err
		}
		pos = (at + other) / 2
	default:
		query, args, err := sqliteSB.Select("COALESCE(MAX(position), 0)").From(EnumTable).
			Where(sq.Eq{"type_name": o.Name}).ToSql()
		if err != nil {
			return nil, err
		}
		var last float64
		if err := q.QueryRow(ctx, query, args...).Scan(&last); err != nil {
			return nil, fmt.Errorf("inspect enum %s: %w", o.Name, err)
		}
		pos = last + 1
	}

	query, args, err := sqliteSB.Insert(EnumTable).Columns("type_name", "label", "position").
		Values(o.Name, o.Value, pos).ToSql()
	if err != nil {
		return nil, err
	}
	return []migration.Statement{{SQL: query, Args: args}}, nil
}
