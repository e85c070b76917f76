// Package search defines the weighted full-text document kept alongside
// searchable tables and renders the statements that install, maintain and
// backfill it.
//
// A document is built from an ordered list of columns, each tagged with one
// of four weight classes. The output for a row depends only on the listed
// column values and their weights.
package search

import (
	"fmt"
	"strings"

	"github.com/minetest/contentdb-sub001/sqlident"
)

// Weight is a ranking tier for a column's contribution to a document.
type Weight string

// Weight classes, strongest first.
const (
	WeightA Weight = "A"
	WeightB Weight = "B"
	WeightC Weight = "C"
	WeightD Weight = "D"
)

// Weights lists the weight classes from strongest to weakest.
var Weights = []Weight{WeightA, WeightB, WeightC, WeightD}

// Valid reports whether w is one of the four weight classes.
func (w Weight) Valid() bool {
	switch w {
	case WeightA, WeightB, WeightC, WeightD:
		return true
	}
	return false
}

// Rank returns 0 for the strongest class and 3 for the weakest.
func (w Weight) Rank() int {
	for i, c := range Weights {
		if c == w {
			return i
		}
	}
	return -1
}

// ParseWeight parses a weight class, accepting lower case.
func ParseWeight(s string) (Weight, error) {
	w := Weight(strings.ToUpper(strings.TrimSpace(s)))
	if !w.Valid() {
		return "", fmt.Errorf("invalid weight class %q (want A, B, C or D)", s)
	}
	return w, nil
}

// DefaultColumn is the column holding the document when a Spec names none.
const DefaultColumn = "search_vector"

// Field is one column contributing to the document.
type Field struct {
	Column string `yaml:"column" json:"column"`
	Weight Weight `yaml:"weight" json:"weight"`
}

// Spec describes the document for one table. Columns not listed in Fields
// are excluded from the document.
type Spec struct {
	Table  string  `yaml:"table" json:"table"`
	Column string  `yaml:"column,omitempty" json:"column,omitempty"`
	Fields []Field `yaml:"fields" json:"fields"`
}

// VectorColumn returns the column holding the document.
func (s Spec) VectorColumn() string {
	if s.Column == "" {
		return DefaultColumn
	}
	return s.Column
}

// Columns returns the listed source columns in order.
func (s Spec) Columns() []string {
	cols := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = f.Column
	}
	return cols
}

// Validate checks identifiers, weights and duplicates.
func (s Spec) Validate() error {
	if err := sqlident.Check("search table", s.Table); err != nil {
		return err
	}
	if err := sqlident.Check("search column", s.VectorColumn()); err != nil {
		return err
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("search spec for %s lists no columns", s.Table)
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if err := sqlident.Check("search source column", f.Column); err != nil {
			return err
		}
		if !f.Weight.Valid() {
			return fmt.Errorf("column %s: invalid weight class %q", f.Column, f.Weight)
		}
		if f.Column == s.VectorColumn() {
			return fmt.Errorf("column %s cannot feed its own document", f.Column)
		}
		if seen[f.Column] {
			return fmt.Errorf("column %s listed twice", f.Column)
		}
		seen[f.Column] = true
	}
	return nil
}

// ParseFields parses "column:weight" pairs, e.g. "name:A".
func ParseFields(pairs []string) ([]Field, error) {
	fields := make([]Field, 0, len(pairs))
	for _, p := range pairs {
		col, w, ok := strings.Cut(p, ":")
		if !ok {
			return nil, fmt.Errorf("field %q: expected column:weight", p)
		}
		weight, err := ParseWeight(w)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", p, err)
		}
		fields = append(fields, Field{Column: strings.TrimSpace(col), Weight: weight})
	}
	return fields, nil
}

// Document builds the SQLite form of the document for one row: each listed
// column in order becomes "<weight>:<normalized value>", and the parts are
// joined by a single space. Missing values count as empty. Normalization
// trims spaces and folds ASCII letters to lower case, matching SQLite's
// trim() and lower().
func Document(fields []Field, row map[string]string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = string(f.Weight) + ":" + normalize(row[f.Column])
	}
	return strings.Join(parts, " ")
}

func normalize(v string) string {
	v = strings.Trim(v, " ")
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, v)
}
