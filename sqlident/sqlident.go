// Package sqlident validates and quotes SQL identifiers used by migration
// operations. Only plain identifiers are accepted so that quoting never has
// to escape anything.
package sqlident

import (
	"fmt"
	"regexp"
	"strings"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// MaxLength is the longest identifier PostgreSQL keeps without truncation.
const MaxLength = 63

// Valid reports whether name is a plain SQL identifier.
func Valid(name string) bool {
	return len(name) <= MaxLength && identRe.MatchString(name)
}

// Check returns an error naming what if name is not a plain identifier.
func Check(what, name string) error {
	if name == "" {
		return fmt.Errorf("%s is required", what)
	}
	if !Valid(name) {
		return fmt.Errorf("%s %q is not a valid identifier", what, name)
	}
	return nil
}

// Quote wraps name in double quotes.
func Quote(name string) string {
	return `"` + name + `"`
}

// QuoteAll quotes each name and joins them with ", ".
func QuoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = Quote(n)
	}
	return strings.Join(quoted, ", ")
}

// Literal renders s as a single-quoted SQL string literal.
func Literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
