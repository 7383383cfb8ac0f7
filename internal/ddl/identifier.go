package ddl

import (
	"fmt"
	"strings"
)

// Identifier and type-name length caps. Cloud table names double as virtual
// filename stems, so they stay well under any filesystem limit too.
const (
	maxIdentifierLen = 128
	maxColumnTypeLen = 64
)

// ValidateIdentifier checks that name is safe to splice into DDL as a table,
// secret, or column identifier: non-empty, at most 128 characters, ASCII
// letters/digits/underscores only, not starting with a digit. Everything the
// orchestrator binds — table names, secret names, virtual filename stems —
// funnels through here before reaching the engine.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier is empty")
	}
	if len(name) > maxIdentifierLen {
		return fmt.Errorf("identifier exceeds %d characters", maxIdentifierLen)
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("identifier %q starts with a digit", name)
			}
		default:
			return fmt.Errorf("identifier %q contains %q; only letters, digits, and underscores are allowed", name, r)
		}
	}
	return nil
}

// QuoteIdentifier double-quotes an identifier, doubling embedded quotes per
// standard SQL. Quoting is unconditional; validate first where it matters.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteLiteral single-quotes a string literal, doubling embedded quotes per
// standard SQL. URLs and virtual filenames pass through here on their way
// into read_* calls.
func QuoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// ValidateColumnType checks that typeName is a plausible engine column type:
// a word such as INTEGER or VARCHAR, an optional (n) or (n,m) precision
// suffix, and an optional [] array marker. Anything else — semicolons,
// quotes, comments, nested parens — is rejected before it can reach a
// CREATE TABLE statement.
func ValidateColumnType(typeName string) error {
	if typeName == "" {
		return fmt.Errorf("column type is empty")
	}
	if len(typeName) > maxColumnTypeLen {
		return fmt.Errorf("column type exceeds %d characters", maxColumnTypeLen)
	}

	rest := typeName
	if tail, ok := strings.CutSuffix(rest, "[]"); ok {
		rest = tail
	}
	word, params, hasParams := strings.Cut(rest, "(")
	if !isTypeWord(word) {
		return fmt.Errorf("column type %q is not a recognized type name", typeName)
	}
	if hasParams {
		inner, ok := strings.CutSuffix(params, ")")
		if !ok {
			return fmt.Errorf("column type %q has unbalanced parentheses", typeName)
		}
		for _, part := range strings.Split(inner, ",") {
			if !isDigits(strings.TrimSpace(part)) {
				return fmt.Errorf("column type %q has a non-numeric parameter", typeName)
			}
		}
	}
	return nil
}

// isTypeWord accepts the shape of an engine type name: letters first, then
// letters, digits, underscores, or interior spaces (TIMESTAMP WITH TIME ZONE).
func isTypeWord(word string) bool {
	word = strings.TrimSpace(word)
	if word == "" {
		return false
	}
	for i, r := range word {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case (r >= '0' && r <= '9' || r == '_' || r == ' ') && i > 0:
		default:
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
