package postgres

import "strings"

// prefixed qualifies each column of a comma-separated list with the given
// table alias, for use in RETURNING clauses of UPDATE ... FROM statements.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
