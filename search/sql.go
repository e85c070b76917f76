package search

import (
	"fmt"
	"strings"

	"github.com/minetest/contentdb-sub001/sqlident"
)

// Names of the objects installed for a spec.
func functionName(s Spec) string  { return s.Table + "_" + s.VectorColumn() + "_update" }
func triggerName(s Spec) string   { return s.Table + "_" + s.VectorColumn() + "_trigger" }
func indexName(s Spec) string     { return "ix_" + s.Table + "_" + s.VectorColumn() }
func insertTrigger(s Spec) string { return s.Table + "_" + s.VectorColumn() + "__search_insert" }
func updateTrigger(s Spec) string { return s.Table + "_" + s.VectorColumn() + "__search_update" }
func qualify(prefix, c string) string {
	if prefix == "" {
		return sqlident.Quote(c)
	}
	return prefix + "." + sqlident.Quote(c)
}

// PostgresExpr renders the tsvector expression. prefix qualifies column
// references, e.g. "NEW" inside a trigger function.
func PostgresExpr(s Spec, prefix string) string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = fmt.Sprintf("setweight(to_tsvector('pg_catalog.simple', coalesce(%s::text, '')), '%s')",
			qualify(prefix, f.Column), f.Weight)
	}
	return strings.Join(parts, " || ")
}

// PostgresSync returns the statements that (re)install the document rule,
// its trigger and index, then backfill every row. Existing objects are
// dropped first so a changed field list fully replaces the previous one.
func PostgresSync(s Spec) []string {
	table := sqlident.Quote(s.Table)
	col := sqlident.Quote(s.VectorColumn())
	fn := sqlident.Quote(functionName(s))
	trg := sqlident.Quote(triggerName(s))

	return []string{
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s tsvector`, table, col),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, trg, table),
		fmt.Sprintf(`DROP FUNCTION IF EXISTS %s()`, fn),
		fmt.Sprintf(`CREATE FUNCTION %s() RETURNS trigger LANGUAGE plpgsql AS $$
BEGIN
    NEW.%s := %s;
    RETURN NEW;
END
$$`, fn, col, PostgresExpr(s, "NEW")),
		fmt.Sprintf(`CREATE TRIGGER %s BEFORE INSERT OR UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION %s()`, trg, table, fn),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING gin (%s)`, sqlident.Quote(indexName(s)), table, col),
		fmt.Sprintf(`UPDATE %s SET %s = %s`, table, col, PostgresExpr(s, "")),
	}
}

// PostgresDrop removes everything PostgresSync installs.
func PostgresDrop(s Spec) []string {
	table := sqlident.Quote(s.Table)
	return []string{
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, sqlident.Quote(triggerName(s)), table),
		fmt.Sprintf(`DROP FUNCTION IF EXISTS %s()`, sqlident.Quote(functionName(s))),
		fmt.Sprintf(`DROP INDEX IF EXISTS %s`, sqlident.Quote(indexName(s))),
		fmt.Sprintf(`ALTER TABLE %s DROP COLUMN IF EXISTS %s`, table, sqlident.Quote(s.VectorColumn())),
	}
}

// SQLiteExpr renders the document expression described by Document.
func SQLiteExpr(s Spec, prefix string) string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = fmt.Sprintf("'%s:' || lower(trim(coalesce(CAST(%s AS TEXT), '')))", f.Weight, qualify(prefix, f.Column))
	}
	return strings.Join(parts, " || ' ' || ")
}

// SQLiteSync returns the SQLite equivalent of PostgresSync. addColumn
// controls whether the document column is created first; SQLite has no
// ADD COLUMN IF NOT EXISTS so the caller inspects the table.
func SQLiteSync(s Spec, addColumn bool) []string {
	table := sqlident.Quote(s.Table)
	col := sqlident.Quote(s.VectorColumn())

	var stmts []string
	if addColumn {
		stmts = append(stmts, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`, table, col))
	}
	stmts = append(stmts, sqliteDropTriggers(s)...)
	stmts = append(stmts,
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW
BEGIN
    UPDATE %s SET %s = %s WHERE rowid = NEW.rowid;
END`, sqlident.Quote(insertTrigger(s)), table, table, col, SQLiteExpr(s, "NEW")),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER UPDATE OF %s ON %s FOR EACH ROW
BEGIN
    UPDATE %s SET %s = %s WHERE rowid = NEW.rowid;
END`, sqlident.Quote(updateTrigger(s)), sqlident.QuoteAll(s.Columns()), table, table, col, SQLiteExpr(s, "NEW")),
		fmt.Sprintf(`UPDATE %s SET %s = %s`, table, col, SQLiteExpr(s, "")),
	)
	return stmts
}

// SQLiteDrop removes everything SQLiteSync installs.
func SQLiteDrop(s Spec) []string {
	return append(sqliteDropTriggers(s),
		fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`, sqlident.Quote(s.Table), sqlident.Quote(s.VectorColumn())))
}

func sqliteDropTriggers(s Spec) []string {
	return []string{
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, sqlident.Quote(insertTrigger(s))),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, sqlident.Quote(updateTrigger(s))),
	}
}
