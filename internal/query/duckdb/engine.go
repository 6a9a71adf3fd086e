package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	duckdbdriver "github.com/marcboeker/go-duckdb/v2"

	"github.com/textsql/textsql/internal/query"
)

var lockdownStatements = []string{
	"SET enable_external_access = false",
	"SET lock_configuration = true",
}

// Opener returns a fresh, empty database for one execution.
type Opener func() (*sql.DB, error)

type Engine struct {
	open Opener
}

func NewEngine() *Engine {
	return &Engine{open: openInMemory}
}

func NewEngineWithOpener(open Opener) *Engine {
	if open == nil {
		open = openInMemory
	}
	return &Engine{open: open}
}

func openInMemory() (*sql.DB, error) {
	return sql.Open("duckdb", "")
}

// Execute loads every table source into a private in-memory DuckDB and runs
// the statement against it. Nothing outlives the call.
func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := strings.TrimSpace(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if len(request.Tables) == 0 {
		return query.Result{}, fmt.Errorf("no tables available for query")
	}

	start := time.Now()
	workDir, err := os.MkdirTemp("", "textsql-query-")
	if err != nil {
		return query.Result{}, fmt.Errorf("create query temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	localPaths := make([]string, len(request.Tables))
	var scannedBytes int64
	for index, table := range request.Tables {
		if strings.TrimSpace(table.Alias) == "" {
			return query.Result{}, fmt.Errorf("table alias is required")
		}
		if table.Open == nil {
			return query.Result{}, fmt.Errorf("table %q has no data source", table.Alias)
		}
		reader, err := table.Open(ctx)
		if err != nil {
			return query.Result{}, fmt.Errorf("open table %q: %w", table.Alias, err)
		}

		localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.%s", sanitizeFileComponent(table.Alias), index, table.Format))
		written, err := writeFile(localPath, reader)
		if err != nil {
			_ = reader.Close()
			return query.Result{}, fmt.Errorf("write local file %q: %w", localPath, err)
		}
		if err := reader.Close(); err != nil {
			return query.Result{}, fmt.Errorf("close table %q: %w", table.Alias, err)
		}
		localPaths[index] = localPath
		scannedBytes += written
	}

	db, err := e.open()
	if err != nil {
		return query.Result{}, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()
	// Settings below must reach the same connection that runs the query.
	db.SetMaxOpenConns(1)

	for index, table := range request.Tables {
		loadSQL, err := loadTableSQL(table.Alias, table.Format, localPaths[index])
		if err != nil {
			return query.Result{}, err
		}
		if _, err := db.ExecContext(ctx, loadSQL); err != nil {
			return query.Result{}, fmt.Errorf("load table %q: %w", table.Alias, err)
		}
	}

	// Only the loaded tables are reachable from here on.
	for _, statement := range lockdownStatements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return query.Result{}, fmt.Errorf("restrict duckdb: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	truncated := false
	for rows.Next() {
		if request.RowLimit > 0 && len(resultRows) >= request.RowLimit {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return query.Result{
		Columns:      columns,
		Rows:         resultRows,
		Truncated:    truncated,
		ScannedBytes: scannedBytes,
		Duration:     time.Since(start),
	}, nil
}

func loadTableSQL(alias, format, localPath string) (string, error) {
	var reader string
	switch format {
	case query.FormatCSV:
		reader = fmt.Sprintf(`read_csv_auto(%s, header = true, delim = ',', quote = '"')`, quoteString(localPath))
	case query.FormatParquet:
		reader = fmt.Sprintf("read_parquet(%s)", quoteString(localPath))
	default:
		return "", fmt.Errorf("unsupported table format %q", format)
	}
	return fmt.Sprintf(`CREATE OR REPLACE TABLE %s AS SELECT * FROM %s`, query.QuoteIdent(alias), reader), nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		normalized[i] = normalizeValue(value)
	}
	return normalized
}

// normalizeValue turns driver values into something encoding/json accepts.
func normalizeValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		return string(typed)
	case duckdbdriver.Decimal:
		return normalizeFloat(typed.Float64())
	case float64:
		return normalizeFloat(typed)
	case float32:
		if math.IsNaN(float64(typed)) || math.IsInf(float64(typed), 0) {
			return normalizeFloat(float64(typed))
		}
		return typed
	case duckdbdriver.Map:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[fmt.Sprint(normalizeValue(key))] = normalizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return typed
	}
}

func normalizeFloat(value float64) any {
	switch {
	case math.IsNaN(value):
		return "NaN"
	case math.IsInf(value, 1):
		return "Infinity"
	case math.IsInf(value, -1):
		return "-Infinity"
	default:
		return value
	}
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}
