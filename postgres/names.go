package postgres

import (
	"fmt"
	"regexp"
	"strings"
)

// Lower-case only: unquoted identifiers fold to lower case in PostgreSQL, and the
// maintainer compares catalog names with generated ones.
var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,47}$`)

func sanitizeTableName(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
	}
	for _, part := range parts {
		if !identPattern.MatchString(part) {
			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
	}

	return name, nil
}

// splitTable returns the optional schema and the bare table name.
func splitTable(table string) (schema, name string) {
	if i := strings.IndexByte(table, '.'); i >= 0 {
		return table[:i], table[i+1:]
	}

	return "", table
}

// childTable names a partition of table, keeping the schema qualifier.
func childTable(table, suffix string) string {
	return table + "_" + suffix
}
