package duckdb

import (
	"io"
	"os"
)

// writeFile copies reader to a new file at path and reports the bytes written.
func writeFile(path string, reader io.Reader) (int64, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(file, reader)
	if err != nil {
		_ = file.Close()
		return written, err
	}
	return written, file.Close()
}
