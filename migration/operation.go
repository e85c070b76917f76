package migration

import (
	"errors"
	"fmt"
	"strings"

	"github.com/minetest/contentdb-sub001/search"
	"github.com/minetest/contentdb-sub001/sqlident"
)

// Kind discriminates operation variants. Kinds double as the "op" key in
// revision files.
type Kind string

const (
	KindCreateTable            Kind = "create_table"
	KindDropTable              Kind = "drop_table"
	KindAddColumn              Kind = "add_column"
	KindDropColumn             Kind = "drop_column"
	KindAlterColumnType        Kind = "alter_column_type"
	KindRenameColumn           Kind = "rename_column"
	KindCreateConstraint       Kind = "create_constraint"
	KindDropConstraint         Kind = "drop_constraint"
	KindCreateEnumType         Kind = "create_enum_type"
	KindDropEnumType           Kind = "drop_enum_type"
	KindExtendEnumType         Kind = "extend_enum_type"
	KindCreateUniqueConstraint Kind = "create_unique_constraint"
	KindDropUniqueConstraint   Kind = "drop_unique_constraint"
	KindCreateForeignKey       Kind = "create_foreign_key"
	KindDropForeignKey         Kind = "drop_foreign_key"
	KindRawStatement           Kind = "raw_statement"
	KindDataBackfill           Kind = "data_backfill"
	KindSyncSearchVector       Kind = "sync_search_vector"
	KindDropSearchVector       Kind = "drop_search_vector"
	KindIrreversible           Kind = "irreversible"
)

// Operation is a single structural or data change. Operations are pure
// descriptions; dialects turn them into statements.
type Operation interface {
	Kind() Kind
	Validate() error
	String() string
}

// tableOperation is implemented by operations that act on a single table.
type tableOperation interface {
	TableName() string
}

// IsReversible reports whether op has a faithful inverse. Revisions using an
// irreversible operation must mark their downgrade with Irreversible.
func IsReversible(op Operation) bool {
	_, ok := op.(ExtendEnumType)
	return !ok
}

// IsStructural reports whether op changes schema rather than row data.
func IsStructural(op Operation) bool {
	switch op.(type) {
	case DataBackfill, RawStatement, Irreversible:
		return false
	}
	return true
}

// Column describes a column for CreateTable and AddColumn. Type and Default
// are engine-native SQL text.
type Column struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	NotNull    bool   `yaml:"not_null,omitempty"`
	Default    string `yaml:"default,omitempty"`
	PrimaryKey bool   `yaml:"primary_key,omitempty"`
}

// Definition renders the column as it appears in CREATE/ALTER TABLE.
func (c Column) Definition() string {
	var b strings.Builder
	b.WriteString(sqlident.Quote(c.Name))
	b.WriteString(" ")
	b.WriteString(c.Type)
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}
	if c.NotNull {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	return b.String()
}

func (c Column) validate() error {
	if err := sqlident.Check("column", c.Name); err != nil {
		return err
	}
	if strings.TrimSpace(c.Type) == "" {
		return fmt.Errorf("column %s: type is required", c.Name)
	}
	return nil
}

// CreateTable creates a table.
type CreateTable struct {
	Table   string   `yaml:"table"`
	Columns []Column `yaml:"columns"`
}

func (CreateTable) Kind() Kind          { return KindCreateTable }
func (o CreateTable) TableName() string { return o.Table }
func (o CreateTable) String() string    { return "create table " + o.Table }
func (o CreateTable) Validate() error {
	if err := sqlident.Check("table", o.Table); err != nil {
		return err
	}
	if len(o.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", o.Table)
	}
	seen := make(map[string]bool, len(o.Columns))
	for _, c := range o.Columns {
		if err := c.validate(); err != nil {
			return err
		}
		if seen[c.Name] {
			return fmt.Errorf("table %s: column %s listed twice", o.Table, c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// DropTable drops a table.
type DropTable struct {
	Table string `yaml:"table"`
}

func (DropTable) Kind() Kind          { return KindDropTable }
func (o DropTable) TableName() string { return o.Table }
func (o DropTable) String() string    { return "drop table " + o.Table }
func (o DropTable) Validate() error   { return sqlident.Check("table", o.Table) }

// AddColumn adds a column. Adding a column that already exists fails with
// a ConflictError.
type AddColumn struct {
	Table  string `yaml:"table"`
	Column Column `yaml:"column"`
}

func (AddColumn) Kind() Kind          { return KindAddColumn }
func (o AddColumn) TableName() string { return o.Table }
func (o AddColumn) String() string {
	return fmt.Sprintf("add column %s.%s %s", o.Table, o.Column.Name, o.Column.Type)
}
func (o AddColumn) Validate() error {
	if err := sqlident.Check("table", o.Table); err != nil {
		return err
	}
	return o.Column.validate()
}

// DropColumn drops a column.
type DropColumn struct {
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
}

func (DropColumn) Kind() Kind          { return KindDropColumn }
func (o DropColumn) TableName() string { return o.Table }
func (o DropColumn) String() string    { return fmt.Sprintf("drop column %s.%s", o.Table, o.Column) }
func (o DropColumn) Validate() error {
	return checkIdents("table", o.Table, "column", o.Column)
}

// AlterColumnType changes a column's type. Using, when set, is the
// conversion expression.
type AlterColumnType struct {
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
	Type   string `yaml:"type"`
	Using  string `yaml:"using,omitempty"`
}

func (AlterColumnType) Kind() Kind          { return KindAlterColumnType }
func (o AlterColumnType) TableName() string { return o.Table }
func (o AlterColumnType) String() string {
	return fmt.Sprintf("alter column %s.%s type %s", o.Table, o.Column, o.Type)
}
func (o AlterColumnType) Validate() error {
	if err := checkIdents("table", o.Table, "column", o.Column); err != nil {
		return err
	}
	if strings.TrimSpace(o.Type) == "" {
		return errors.New("type is required")
	}
	return nil
}

// RenameColumn renames a column.
type RenameColumn struct {
	Table string `yaml:"table"`
	From  string `yaml:"from"`
	To    string `yaml:"to"`
}

func (RenameColumn) Kind() Kind          { return KindRenameColumn }
func (o RenameColumn) TableName() string { return o.Table }
func (o RenameColumn) String() string {
	return fmt.Sprintf("rename column %s.%s to %s", o.Table, o.From, o.To)
}
func (o RenameColumn) Validate() error {
	return checkIdents("table", o.Table, "column", o.From, "new column", o.To)
}

// CreateConstraint adds a named CHECK constraint. The predicate is opaque,
// engine-native expression text.
type CreateConstraint struct {
	Table string `yaml:"table"`
	Name  string `yaml:"name"`
	Check string `yaml:"check"`
}

func (CreateConstraint) Kind() Kind          { return KindCreateConstraint }
func (o CreateConstraint) TableName() string { return o.Table }
func (o CreateConstraint) String() string {
	return fmt.Sprintf("create constraint %s on %s check (%s)", o.Name, o.Table, o.Check)
}
func (o CreateConstraint) Validate() error {
	if err := checkIdents("table", o.Table, "constraint", o.Name); err != nil {
		return err
	}
	if strings.TrimSpace(o.Check) == "" {
		return errors.New("check expression is required")
	}
	return nil
}

// DropConstraint drops a named constraint of any type.
type DropConstraint struct {
	Table string `yaml:"table"`
	Name  string `yaml:"name"`
}

func (DropConstraint) Kind() Kind          { return KindDropConstraint }
func (o DropConstraint) TableName() string { return o.Table }
func (o DropConstraint) String() string    { return fmt.Sprintf("drop constraint %s on %s", o.Name, o.Table) }
func (o DropConstraint) Validate() error {
	return checkIdents("table", o.Table, "constraint", o.Name)
}

// CreateEnumType creates an enumerated type with ordered labels.
type CreateEnumType struct {
	Name   string   `yaml:"name"`
	Values []string `yaml:"values"`
}

func (CreateEnumType) Kind() Kind { return KindCreateEnumType }
func (o CreateEnumType) String() string {
	return fmt.Sprintf("create enum type %s (%s)", o.Name, strings.Join(o.Values, ", "))
}
func (o CreateEnumType) Validate() error {
	if err := sqlident.Check("enum type", o.Name); err != nil {
		return err
	}
	if len(o.Values) == 0 {
		return fmt.Errorf("enum type %s has no values", o.Name)
	}
	seen := make(map[string]bool, len(o.Values))
	for _, v := range o.Values {
		if v == "" {
			return fmt.Errorf("enum type %s: empty value", o.Name)
		}
		if seen[v] {
			return fmt.Errorf("enum type %s: value %s listed twice", o.Name, v)
		}
		seen[v] = true
	}
	return nil
}

// DropEnumType drops an enumerated type.
type DropEnumType struct {
	Name string `yaml:"name"`
}

func (DropEnumType) Kind() Kind        { return KindDropEnumType }
func (o DropEnumType) String() string  { return "drop enum type " + o.Name }
func (o DropEnumType) Validate() error { return sqlident.Check("enum type", o.Name) }

// ExtendEnumType adds a value to an existing enumerated type, appended or
// placed before/after an existing value. Enum values cannot be removed, so
// this operation is irreversible.
type ExtendEnumType struct {
	Name   string `yaml:"name"`
	Value  string `yaml:"value"`
	Before string `yaml:"before,omitempty"`
	After  string `yaml:"after,omitempty"`
}

func (ExtendEnumType) Kind() Kind { return KindExtendEnumType }
func (o ExtendEnumType) String() string {
	s := fmt.Sprintf("extend enum type %s with %s", o.Name, o.Value)
	switch {
	case o.Before != "":
		s += " before " + o.Before
	case o.After != "":
		s += " after " + o.After
	}
	return s
}
func (o ExtendEnumType) Validate() error {
	if err := sqlident.Check("enum type", o.Name); err != nil {
		return err
	}
	if o.Value == "" {
		return errors.New("value is required")
	}
	if o.Before != "" && o.After != "" {
		return errors.New("before and after are mutually exclusive")
	}
	return nil
}

// CreateUniqueConstraint adds a named unique constraint over columns.
type CreateUniqueConstraint struct {
	Table   string   `yaml:"table"`
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
}

func (CreateUniqueConstraint) Kind() Kind          { return KindCreateUniqueConstraint }
func (o CreateUniqueConstraint) TableName() string { return o.Table }
func (o CreateUniqueConstraint) String() string {
	return fmt.Sprintf("create unique constraint %s on %s (%s)", o.Name, o.Table, strings.Join(o.Columns, ", "))
}
func (o CreateUniqueConstraint) Validate() error {
	if err := checkIdents("table", o.Table, "constraint", o.Name); err != nil {
		return err
	}
	return checkColumnList(o.Columns)
}

// DropUniqueConstraint drops a unique constraint.
type DropUniqueConstraint struct {
	Table string `yaml:"table"`
	Name  string `yaml:"name"`
}

func (DropUniqueConstraint) Kind() Kind          { return KindDropUniqueConstraint }
func (o DropUniqueConstraint) TableName() string { return o.Table }
func (o DropUniqueConstraint) String() string {
	return fmt.Sprintf("drop unique constraint %s on %s", o.Name, o.Table)
}
func (o DropUniqueConstraint) Validate() error {
	return checkIdents("table", o.Table, "constraint", o.Name)
}

// Referential actions accepted by CreateForeignKey.OnDelete.
const (
	OnDeleteNoAction = ""
	OnDeleteRestrict = "RESTRICT"
	OnDeleteCascade  = "CASCADE"
	OnDeleteSetNull  = "SET NULL"
)

// CreateForeignKey adds a named foreign key.
type CreateForeignKey struct {
	Table      string   `yaml:"table"`
	Name       string   `yaml:"name"`
	Columns    []string `yaml:"columns"`
	RefTable   string   `yaml:"ref_table"`
	RefColumns []string `yaml:"ref_columns"`
	OnDelete   string   `yaml:"on_delete,omitempty"`
}

func (CreateForeignKey) Kind() Kind          { return KindCreateForeignKey }
func (o CreateForeignKey) TableName() string { return o.Table }
func (o CreateForeignKey) String() string {
	return fmt.Sprintf("create foreign key %s on %s (%s) references %s (%s)",
		o.Name, o.Table, strings.Join(o.Columns, ", "), o.RefTable, strings.Join(o.RefColumns, ", "))
}
func (o CreateForeignKey) Validate() error {
	if err := checkIdents("table", o.Table, "constraint", o.Name, "referenced table", o.RefTable); err != nil {
		return err
	}
	if err := checkColumnList(o.Columns); err != nil {
		return err
	}
	if err := checkColumnList(o.RefColumns); err != nil {
		return err
	}
	if len(o.Columns) != len(o.RefColumns) {
		return fmt.Errorf("foreign key %s: %d columns reference %d columns", o.Name, len(o.Columns), len(o.RefColumns))
	}
	switch strings.ToUpper(o.OnDelete) {
	case OnDeleteNoAction, "NO ACTION", OnDeleteRestrict, OnDeleteCascade, OnDeleteSetNull:
		return nil
	}
	return fmt.Errorf("foreign key %s: unsupported on_delete action %q", o.Name, o.OnDelete)
}

// DropForeignKey drops a foreign key.
type DropForeignKey struct {
	Table string `yaml:"table"`
	Name  string `yaml:"name"`
}

func (DropForeignKey) Kind() Kind          { return KindDropForeignKey }
func (o DropForeignKey) TableName() string { return o.Table }
func (o DropForeignKey) String() string    { return fmt.Sprintf("drop foreign key %s on %s", o.Name, o.Table) }
func (o DropForeignKey) Validate() error {
	return checkIdents("table", o.Table, "constraint", o.Name)
}

// RawStatement runs SQL the typed operations cannot express. It has no
// safety guarantee beyond the revision's transaction, and a revision using
// it must supply a downgrade.
type RawStatement struct {
	SQL string `yaml:"sql"`
}

func (RawStatement) Kind() Kind { return KindRawStatement }
func (o RawStatement) String() string {
	s := strings.Join(strings.Fields(o.SQL), " ")
	if r := []rune(s); len(r) > 60 {
		s = string(r[:57]) + "..."
	}
	return "raw statement: " + s
}
func (o RawStatement) Validate() error {
	if strings.TrimSpace(o.SQL) == "" {
		return errors.New("sql is required")
	}
	return nil
}

// Assignment sets a column to an SQL expression.
type Assignment struct {
	Column string `yaml:"column"`
	Expr   string `yaml:"expr"`
}

// DataBackfill rewrites existing rows. It runs in the same transaction as
// the structural operations of its revision, so the new shape and its data
// become visible together.
type DataBackfill struct {
	Table string       `yaml:"table"`
	Set   []Assignment `yaml:"set"`
	Where string       `yaml:"where,omitempty"`
}

func (DataBackfill) Kind() Kind          { return KindDataBackfill }
func (o DataBackfill) TableName() string { return o.Table }
func (o DataBackfill) String() string {
	cols := make([]string, len(o.Set))
	for i, a := range o.Set {
		cols[i] = a.Column
	}
	return fmt.Sprintf("backfill %s (%s)", o.Table, strings.Join(cols, ", "))
}
func (o DataBackfill) Validate() error {
	if err := sqlident.Check("table", o.Table); err != nil {
		return err
	}
	if len(o.Set) == 0 {
		return errors.New("backfill sets no columns")
	}
	for _, a := range o.Set {
		if err := sqlident.Check("column", a.Column); err != nil {
			return err
		}
		if strings.TrimSpace(a.Expr) == "" {
			return fmt.Errorf("column %s: expression is required", a.Column)
		}
	}
	return nil
}

// SyncSearchVector installs or replaces a table's search document, its
// maintenance trigger, and backfills every row. This is a whole-table
// operation.
type SyncSearchVector struct {
	Spec search.Spec `yaml:",inline"`
}

func (SyncSearchVector) Kind() Kind          { return KindSyncSearchVector }
func (o SyncSearchVector) TableName() string { return o.Spec.Table }
func (o SyncSearchVector) String() string {
	parts := make([]string, len(o.Spec.Fields))
	for i, f := range o.Spec.Fields {
		parts[i] = f.Column + ":" + string(f.Weight)
	}
	return fmt.Sprintf("sync search vector %s.%s (%s)", o.Spec.Table, o.Spec.VectorColumn(), strings.Join(parts, ", "))
}
func (o SyncSearchVector) Validate() error { return o.Spec.Validate() }

// DropSearchVector removes everything SyncSearchVector installed.
type DropSearchVector struct {
	Table  string `yaml:"table"`
	Column string `yaml:"column,omitempty"`
}

func (DropSearchVector) Kind() Kind          { return KindDropSearchVector }
func (o DropSearchVector) TableName() string { return o.Table }
func (o DropSearchVector) String() string {
	return fmt.Sprintf("drop search vector %s.%s", o.Table, o.SearchSpec().VectorColumn())
}
func (o DropSearchVector) Validate() error {
	return checkIdents("table", o.Table, "search column", o.SearchSpec().VectorColumn())
}

// SearchSpec returns a spec naming the same installed objects.
func (o DropSearchVector) SearchSpec() search.Spec {
	return search.Spec{Table: o.Table, Column: o.Column}
}

// Irreversible marks a downgrade that cannot be performed. It is only valid
// in a downgrade list; reaching it fails the downgrade before the revision
// is touched.
type Irreversible struct {
	Reason string `yaml:"reason,omitempty"`
}

func (Irreversible) Kind() Kind       { return KindIrreversible }
func (o Irreversible) String() string { return "irreversible: " + o.Reason }
func (Irreversible) Validate() error  { return nil }

func checkIdents(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := sqlident.Check(pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func checkColumnList(cols []string) error {
	if len(cols) == 0 {
		return errors.New("at least one column is required")
	}
	for _, c := range cols {
		if err := sqlident.Check("column", c); err != nil {
			return err
		}
	}
	return nil
}
