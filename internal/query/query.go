package query

import (
	"context"
	"io"
	"time"
)

const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// TableSource is one named table made available to a query. Open is called
// once per execution and the reader is closed by the engine.
type TableSource struct {
	Alias  string
	Format string
	Open   func(ctx context.Context) (io.ReadCloser, error)
}

type Request struct {
	SQL      string
	RowLimit int
	Tables   []TableSource
}

type Result struct {
	Columns      []string
	Rows         [][]any
	Truncated    bool
	ScannedBytes int64
	Duration     time.Duration
}

// EmptyResult is what callers render when a query could not be executed.
func EmptyResult() Result {
	return Result{Columns: []string{}, Rows: [][]any{}}
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
