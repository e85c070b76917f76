package migration

import (
	"regexp"
	"slices"
	"sort"
	"strings"
)

// schemaDDL is the parsed form of a plain DDL file: CREATE TYPE ... AS ENUM,
// CREATE TABLE and CREATE [UNIQUE] INDEX statements. Anything else is
// ignored.
type schemaDDL struct {
	enums   map[string][]string
	tables  map[string]tableDDL
	indexes map[string]string // name -> statement
}

type tableDDL struct {
	columns []Column
	checks  map[string]string   // constraint name -> predicate
	uniques map[string][]string // constraint name -> columns
}

func (t tableDDL) column(name string) (Column, bool) {
	for _, c := range t.columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// DiffSchemas compares two DDL files and returns the operations that take
// a database from oldDDL to newDDL, and their inverses in downgrade order.
//
// It covers tables, columns, column types, named CHECK and UNIQUE
// constraints, indexes and enum types whose new labels are only added.
// Renames, nullability and default changes, and removed or reordered enum
// labels are not detected and need a hand-written revision.
func DiffSchemas(oldDDL, newDDL string) (upgrade, downgrade []Operation) {
	from, to := parseSchema(oldDDL), parseSchema(newDDL)

	var inverses []Operation
	irreversible := ""
	add := func(up, down Operation) {
		upgrade = append(upgrade, up)
		if down != nil {
			inverses = append(inverses, down)
		}
	}

	for _, name := range sortedKeys(to.enums) {
		labels := to.enums[name]
		old, ok := from.enums[name]
		if !ok {
			add(CreateEnumType{Name: name, Values: labels}, DropEnumType{Name: name})
			continue
		}
		for _, ext := range enumExtensions(name, old, labels) {
			add(ext, nil)
			irreversible = "enum type " + name + " gained values"
		}
	}

	// Indexes on dropped tables vanish with them, so drop indexes first.
	for _, name := range sortedKeys(from.indexes) {
		if _, ok := to.indexes[name]; !ok {
			add(RawStatement{SQL: "DROP INDEX IF EXISTS " + name}, RawStatement{SQL: from.indexes[name]})
		}
	}

	for _, name := range sortedKeys(to.tables) {
		nt := to.tables[name]
		ot, ok := from.tables[name]
		if !ok {
			add(CreateTable{Table: name, Columns: nt.columns}, DropTable{Table: name})
			addConstraints(add, name, tableDDL{}, nt)
			continue
		}
		removeConstraints(add, name, ot, nt)
		for _, c := range nt.columns {
			prev, ok := ot.column(c.Name)
			switch {
			case !ok:
				add(AddColumn{Table: name, Column: c}, DropColumn{Table: name, Column: c.Name})
			case !strings.EqualFold(prev.Type, c.Type):
				add(AlterColumnType{Table: name, Column: c.Name, Type: c.Type},
					AlterColumnType{Table: name, Column: c.Name, Type: prev.Type})
			}
		}
		for _, c := range ot.columns {
			if _, ok := nt.column(c.Name); !ok {
				add(DropColumn{Table: name, Column: c.Name}, AddColumn{Table: name, Column: c})
			}
		}
		addConstraints(add, name, ot, nt)
	}

	for _, name := range sortedKeys(from.tables) {
		if _, ok := to.tables[name]; !ok {
			ot := from.tables[name]
			removeConstraints(add, name, ot, tableDDL{})
			add(DropTable{Table: name}, CreateTable{Table: name, Columns: ot.columns})
		}
	}

	for _, name := range sortedKeys(to.indexes) {
		if _, ok := from.indexes[name]; !ok {
			add(RawStatement{SQL: to.indexes[name]}, RawStatement{SQL: "DROP INDEX IF EXISTS " + name})
		}
	}

	// Dropped enum types go last: tables using them are gone by now.
	for _, name := range sortedKeys(from.enums) {
		if _, ok := to.enums[name]; !ok {
			add(DropEnumType{Name: name}, CreateEnumType{Name: name, Values: from.enums[name]})
		}
	}

	if irreversible != "" {
		downgrade = append(downgrade, Irreversible{Reason: irreversible})
	}
	for i := len(inverses) - 1; i >= 0; i-- {
		downgrade = append(downgrade, inverses[i])
	}
	return upgrade, downgrade
}

// addConstraints adds the constraints nt declares that ot lacks or
// declares differently.
func addConstraints(add func(up, down Operation), table string, ot, nt tableDDL) {
	for _, name := range sortedKeys(nt.checks) {
		if prev, ok := ot.checks[name]; !ok || prev != nt.checks[name] {
			add(CreateConstraint{Table: table, Name: name, Check: nt.checks[name]}, DropConstraint{Table: table, Name: name})
		}
	}
	for _, name := range sortedKeys(nt.uniques) {
		if prev, ok := ot.uniques[name]; !ok || !slices.Equal(prev, nt.uniques[name]) {
			add(CreateUniqueConstraint{Table: table, Name: name, Columns: nt.uniques[name]}, DropUniqueConstraint{Table: table, Name: name})
		}
	}
}

// removeConstraints drops the constraints ot declares that nt lacks or
// declares differently.
func removeConstraints(add func(up, down Operation), table string, ot, nt tableDDL) {
	for _, name := range sortedKeys(ot.checks) {
		if next, ok := nt.checks[name]; !ok || next != ot.checks[name] {
			add(DropConstraint{Table: table, Name: name}, CreateConstraint{Table: table, Name: name, Check: ot.checks[name]})
		}
	}
	for _, name := range sortedKeys(ot.uniques) {
		if next, ok := nt.uniques[name]; !ok || !slices.Equal(next, ot.uniques[name]) {
			add(DropUniqueConstraint{Table: table, Name: name}, CreateUniqueConstraint{Table: table, Name: name, Columns: ot.uniques[name]})
		}
	}
}

// enumExtensions returns the ExtendEnumType operations turning old into
// labels, or nil when labels is not old with values inserted.
func enumExtensions(name string, old, labels []string) []Operation {
	var ops []Operation
	i := 0
	for j, v := range labels {
		if i < len(old) && old[i] == v {
			i++
			continue
		}
		ext := ExtendEnumType{Name: name, Value: v}
		switch {
		case j > 0:
			ext.After = labels[j-1]
		case len(old) > 0:
			ext.Before = old[0]
		}
		ops = append(ops, ext)
	}
	if i != len(old) {
		return nil
	}
	return ops
}

var (
	createEnumRe  = regexp.MustCompile(`(?i)CREATE\s+TYPE\s+(\w+)\s+AS\s+ENUM\s*\(([^)]*)\)\s*;`)
	createTableRe = regexp.MustCompile(`(?i)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?(\w+)\s*\(([\s\S]*?)\)\s*;`)
	createIndexRe = regexp.MustCompile(`(?i)(CREATE\s+(?:UNIQUE\s+)?INDEX\s+(?:IF\s+NOT\s+EXISTS\s+)?(\w+)\s+ON\s+\w+\s*\([^)]+\))\s*;?`)
	checkRe       = regexp.MustCompile(`(?is)^CONSTRAINT\s+(\w+)\s+CHECK\s*\((.*)\)$`)
	uniqueRe      = regexp.MustCompile(`(?is)^CONSTRAINT\s+(\w+)\s+UNIQUE\s*\((.*)\)$`)
	defaultRe     = regexp.MustCompile(`(?i)\s+DEFAULT\s+(.+?)(?:\s+(?:NOT\s+NULL|NULL|PRIMARY\s+KEY))*$`)
)

func parseSchema(ddl string) schemaDDL {
	s := schemaDDL{
		enums:   make(map[string][]string),
		tables:  make(map[string]tableDDL),
		indexes: make(map[string]string),
	}
	for _, m := range createEnumRe.FindAllStringSubmatch(ddl, -1) {
		var labels []string
		for _, l := range splitTopLevel(m[2]) {
			labels = append(labels, strings.Trim(l, "'"))
		}
		s.enums[m[1]] = labels
	}
	for _, m := range createTableRe.FindAllStringSubmatch(ddl, -1) {
		s.tables[m[1]] = parseTableBody(m[2])
	}
	for _, m := range createIndexRe.FindAllStringSubmatch(ddl, -1) {
		s.indexes[m[2]] = strings.TrimSpace(m[1])
	}
	return s
}

func parseTableBody(body string) tableDDL {
	t := tableDDL{checks: map[string]string{}, uniques: map[string][]string{}}
	for _, part := range splitTopLevel(body) {
		if m := checkRe.FindStringSubmatch(part); m != nil {
			t.checks[m[1]] = strings.TrimSpace(m[2])
			continue
		}
		if m := uniqueRe.FindStringSubmatch(part); m != nil {
			t.uniques[m[1]] = splitTopLevel(m[2])
			continue
		}
		upper := strings.ToUpper(part)
		if strings.HasPrefix(upper, "PRIMARY KEY") ||
			strings.HasPrefix(upper, "FOREIGN KEY") ||
			strings.HasPrefix(upper, "CHECK") ||
			strings.HasPrefix(upper, "UNIQUE") ||
			strings.HasPrefix(upper, "CONSTRAINT") {
			continue
		}
		if c, ok := parseColumn(part); ok {
			t.columns = append(t.columns, c)
		}
	}
	return t
}

// parseColumn reads "name TYPE [PRIMARY KEY] [NOT NULL] [DEFAULT expr]".
func parseColumn(def string) (Column, bool) {
	fields := strings.Fields(def)
	if len(fields) < 2 {
		return Column{}, false
	}
	c := Column{Name: fields[0]}
	rest := strings.Join(fields[1:], " ")
	if m := defaultRe.FindStringSubmatchIndex(rest); m != nil {
		c.Default = rest[m[2]:m[3]]
		rest = rest[:m[0]] + rest[m[3]:]
	}
	upper := strings.ToUpper(rest)
	if i := strings.Index(upper, " NOT NULL"); i >= 0 {
		c.NotNull = true
		rest, upper = rest[:i]+rest[i+9:], upper[:i]+upper[i+9:]
	}
	if i := strings.Index(upper, " PRIMARY KEY"); i >= 0 {
		c.PrimaryKey = true
		rest = rest[:i] + rest[i+12:]
	}
	c.Type = strings.TrimSpace(rest)
	return c, c.Type != ""
}

// splitTopLevel splits s at commas outside parentheses and quotes and trims
// each part.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start, quoted := 0, 0, false
	for i, r := range s {
		switch {
		case r == '\'':
			quoted = !quoted
		case quoted:
		case r == '(':
			depth++
		case r == ')':
			depth--
		case r == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
