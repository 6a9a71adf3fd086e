package query

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// PreviewSQL returns the statement used to show the first rows of a table.
func PreviewSQL(alias string, limit int) (string, error) {
	if strings.TrimSpace(alias) == "" {
		return "", fmt.Errorf("table alias is required")
	}
	if limit <= 0 {
		return "", fmt.Errorf("preview limit must be > 0")
	}
	statement, _, err := sq.Select("*").From(QuoteIdent(alias)).Limit(uint64(limit)).ToSql()
	if err != nil {
		return "", fmt.Errorf("build preview query: %w", err)
	}
	return statement, nil
}

func QuoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
