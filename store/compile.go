package store

import (
	"fmt"
	"strings"

	"github.com/minetest/contentdb-sub001/migration"
	"github.com/minetest/contentdb-sub001/sqlident"
)

// Statement builders shared by both dialects.

func createTable(o migration.CreateTable) migration.Statement {
	defs := make([]string, len(o.Columns))
	for i, c := range o.Columns {
		defs[i] = "    " + c.Definition()
	}
	return stmt("CREATE TABLE %s (\n%s\n)", sqlident.Quote(o.Table), strings.Join(defs, ",\n"))
}

func backfill(o migration.DataBackfill) migration.Statement {
	sets := make([]string, len(o.Set))
	for i, a := range o.Set {
		sets[i] = fmt.Sprintf("%s = %s", sqlident.Quote(a.Column), a.Expr)
	}
	s := fmt.Sprintf("UPDATE %s SET %s", sqlident.Quote(o.Table), strings.Join(sets, ", "))
	if o.Where != "" {
		s += " WHERE " + o.Where
	}
	return migration.Statement{SQL: s}
}

func statements(sqls []string) []migration.Statement {
	out := make([]migration.Statement, len(sqls))
	for i, s := range sqls {
		out[i] = migration.Statement{SQL: s}
	}
	return out
}

func backfillColumns(o migration.DataBackfill) []string {
	cols := make([]string, len(o.Set))
	for i, a := range o.Set {
		cols[i] = a.Column
	}
	return cols
}
