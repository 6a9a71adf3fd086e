// Package dataset turns uploaded files into queryable tables and keeps them
// for the lifetime of a browser session.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/parquet-go/parquet-go"

	"github.com/textsql/textsql/internal/query"
)

var (
	ErrNotFound       = errors.New("dataset not found")
	ErrInvalidDataset = errors.New("invalid dataset")
	ErrObjectChanged  = errors.New("staged dataset object changed")
)

var parquetMagic = []byte("PAR1")

type Dataset struct {
	ID        string    `json:"dataset_id"`
	FileName  string    `json:"file_name"`
	Format    string    `json:"format"`
	Alias     string    `json:"alias"`
	Columns   []string  `json:"columns"`
	RowCount  int64     `json:"row_count"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
	ObjectKey string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Load inspects an upload and returns its table metadata. The first CSV row
// is the header. ID, alias and timestamps are assigned by the Store.
func Load(fileName string, data []byte) (Dataset, error) {
	if len(data) == 0 {
		return Dataset{}, fmt.Errorf("%w: file is empty", ErrInvalidDataset)
	}
	ds := Dataset{
		FileName:  filepath.Base(strings.TrimSpace(fileName)),
		Format:    DetectFormat(fileName, data),
		SizeBytes: int64(len(data)),
		Checksum:  fmt.Sprintf("%016x", xxhash.Sum64(data)),
	}

	var err error
	switch ds.Format {
	case query.FormatParquet:
		ds.Columns, ds.RowCount, err = inspectParquet(data)
	default:
		ds.Columns, ds.RowCount, err = inspectCSV(data)
	}
	if err != nil {
		return Dataset{}, err
	}
	if err := validateColumns(ds.Columns); err != nil {
		return Dataset{}, err
	}
	return ds, nil
}

func DetectFormat(fileName string, data []byte) string {
	if bytes.HasPrefix(data, parquetMagic) {
		return query.FormatParquet
	}
	if strings.EqualFold(filepath.Ext(fileName), ".parquet") {
		return query.FormatParquet
	}
	return query.FormatCSV
}

func inspectCSV(data []byte) ([]string, int64, error) {
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, fmt.Errorf("%w: file is empty", ErrInvalidDataset)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read csv header: %v", ErrInvalidDataset, err)
	}
	columns := append([]string(nil), header...)

	var rows int64
	for {
		_, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%w: read csv row %d: %v", ErrInvalidDataset, rows+1, err)
		}
		rows++
	}
	return columns, rows, nil
}

func inspectParquet(data []byte) ([]string, int64, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: open parquet: %v", ErrInvalidDataset, err)
	}
	fields := file.Schema().Fields()
	columns := make([]string, 0, len(fields))
	for _, field := range fields {
		columns = append(columns, field.Name())
	}
	return columns, file.NumRows(), nil
}

// validateColumns rejects headers the model and the engine would disagree
// about: blank names get renamed by DuckDB and duplicates become ambiguous.
func validateColumns(columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("%w: no columns found", ErrInvalidDataset)
	}
	seen := make(map[string]struct{}, len(columns))
	for i, column := range columns {
		if strings.TrimSpace(column) == "" {
			return fmt.Errorf("%w: column %d has an empty name", ErrInvalidDataset, i+1)
		}
		key := strings.ToLower(column)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidDataset, column)
		}
		seen[key] = struct{}{}
	}
	return nil
}
