package nl2sql

import "strings"

// NormalizeQuery reduces model output to a single candidate statement: the
// text before the first ';', with surrounding whitespace removed. Nothing here
// checks that the result is valid SQL.
func NormalizeQuery(raw string) string {
	trimmed := strings.TrimSpace(raw)
	statement, _, _ := strings.Cut(trimmed, ";")
	return strings.TrimSpace(statement)
}

// IsReadOnlyQuery reports whether candidate starts with SELECT or WITH.
func IsReadOnlyQuery(candidate string) bool {
	normalized := strings.ToLower(strings.TrimSpace(candidate))
	if normalized == "" {
		return false
	}
	for _, keyword := range []string{"select", "with"} {
		if !strings.HasPrefix(normalized, keyword) {
			continue
		}
		rest := normalized[len(keyword):]
		if rest == "" || !isIdentChar(rest[0]) {
			return true
		}
	}
	return false
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}
