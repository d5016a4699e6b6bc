package mysql

import (
	"fmt"
	"strings"
)

// sanitizeTableName accepts [schema.]table where each part is made of ASCII letters,
// digits and underscores. Names are interpolated into SQL, so nothing else is allowed.
func sanitizeTableName(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" || strings.IndexFunc(part, invalidNameRune) >= 0 {
			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
	}

	return name, nil
}

func invalidNameRune(r rune) bool {
	switch {
	case r == '_', r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return false
	default:
		return true
	}
}

func headsTableName(table string) string {
	return table + headsSuffix
}
