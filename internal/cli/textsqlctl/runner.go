package textsqlctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

type Options struct {
	BaseURL    string
	DatasetID  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type outcome struct {
	State     string   `json:"state"`
	Message   string   `json:"message"`
	SQL       string   `json:"sql"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
}

type uploadedDataset struct {
	ID       string   `json:"dataset_id"`
	FileName string   `json:"file_name"`
	Alias    string   `json:"alias"`
	Columns  []string `json:"columns"`
	RowCount int64    `json:"row_count"`
	Preview  struct {
		Columns []string `json:"columns"`
		Rows    [][]any  `json:"rows"`
	} `json:"preview"`
}

type client struct {
	http    *http.Client
	baseURL string
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("textsqlctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "textsql API base URL")
	datasetID := fs.String("dataset", defaults.DatasetID, "dataset id returned by upload")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 60s)")
	asJSON := fs.Bool("json", false, "print raw JSON responses")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	httpClient := defaults.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: *timeout}
	}
	c := client{http: httpClient, baseURL: strings.TrimRight(*baseURL, "/")}

	command := strings.TrimSpace(fs.Arg(0))
	rest := fs.Args()[1:]
	var err error
	code := 0
	switch command {
	case "health":
		err = c.printJSON(ctx, stdout, http.MethodGet, "/v1/health")
	case "ready":
		err = c.printJSON(ctx, stdout, http.MethodGet, "/v1/ready")
	case "upload":
		if len(rest) != 1 {
			return usageError(stderr, "upload requires FILE")
		}
		var ds uploadedDataset
		var raw []byte
		ds, raw, err = c.upload(ctx, rest[0])
		if err == nil {
			printDataset(stdout, ds, raw, *asJSON)
		}
	case "ask":
		if len(rest) == 0 {
			return usageError(stderr, "ask requires QUESTION")
		}
		code, err = c.ask(ctx, stdout, *datasetID, strings.Join(rest, " "), *asJSON)
	case "query":
		if len(rest) == 0 {
			return usageError(stderr, "query requires SQL")
		}
		code, err = c.query(ctx, stdout, *datasetID, strings.Join(rest, " "), *asJSON)
	case "prompt":
		if strings.TrimSpace(*datasetID) == "" {
			return usageError(stderr, "prompt requires -dataset")
		}
		err = c.prompt(ctx, stdout, *datasetID)
	case "run":
		if len(rest) < 2 {
			return usageError(stderr, "run requires FILE and QUESTION")
		}
		code, err = c.run(ctx, stdout, rest[0], strings.Join(rest[1:], " "), *asJSON)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	return code
}

// run uploads a file, asks one question and deletes the dataset again.
func (c client) run(ctx context.Context, stdout io.Writer, path, question string, asJSON bool) (int, error) {
	ds, _, err := c.upload(ctx, path)
	if err != nil {
		return 1, err
	}
	defer func() {
		_, _, _ = c.do(context.WithoutCancel(ctx), http.MethodDelete, "/v1/datasets/"+url.PathEscape(ds.ID), nil, "")
	}()
	return c.ask(ctx, stdout, ds.ID, question, asJSON)
}

func (c client) upload(ctx context.Context, path string) (uploadedDataset, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return uploadedDataset{}, nil, fmt.Errorf("read %s: %w", path, err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return uploadedDataset{}, nil, err
	}
	if _, err := part.Write(data); err != nil {
		return uploadedDataset{}, nil, err
	}
	if err := writer.Close(); err != nil {
		return uploadedDataset{}, nil, err
	}

	status, raw, err := c.do(ctx, http.MethodPost, "/v1/datasets", &body, writer.FormDataContentType())
	if err != nil {
		return uploadedDataset{}, nil, err
	}
	if status >= 400 {
		return uploadedDataset{}, nil, httpError(status, raw)
	}
	var ds uploadedDataset
	if err := decodeJSON(raw, &ds); err != nil {
		return uploadedDataset{}, nil, fmt.Errorf("decode upload response: %w", err)
	}
	return ds, raw, nil
}

func (c client) ask(ctx context.Context, stdout io.Writer, datasetID, question string, asJSON bool) (int, error) {
	return c.submit(ctx, stdout, "/v1/ask", map[string]string{"dataset_id": datasetID, "question": question}, asJSON)
}

func (c client) query(ctx context.Context, stdout io.Writer, datasetID, sql string, asJSON bool) (int, error) {
	return c.submit(ctx, stdout, "/v1/query", map[string]string{"dataset_id": datasetID, "sql": sql}, asJSON)
}

func (c client) submit(ctx context.Context, stdout io.Writer, path string, payload map[string]string, asJSON bool) (int, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 1, err
	}
	status, raw, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(encoded), "application/json")
	if err != nil {
		return 1, err
	}

	var result outcome
	if err := decodeJSON(raw, &result); err != nil || result.State == "" {
		return 1, httpError(status, raw)
	}
	if asJSON {
		writePretty(stdout, raw)
	} else {
		printOutcome(stdout, result)
	}
	switch result.State {
	case "errored", "generation_failed":
		return 1, nil
	}
	return 0, nil
}

func (c client) prompt(ctx context.Context, stdout io.Writer, datasetID string) error {
	status, raw, err := c.do(ctx, http.MethodGet, "/v1/datasets/"+url.PathEscape(datasetID)+"/prompt", nil, "")
	if err != nil {
		return err
	}
	if status >= 400 {
		return httpError(status, raw)
	}
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("decode prompt response: %w", err)
	}
	_, _ = fmt.Fprintln(stdout, body.Prompt)
	return nil
}

func (c client) printJSON(ctx context.Context, stdout io.Writer, method, path string) error {
	status, raw, err := c.do(ctx, method, path, nil, "")
	if err != nil {
		return err
	}
	if status >= 400 {
		return httpError(status, raw)
	}
	writePretty(stdout, raw)
	return nil
}

func (c client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func printDataset(w io.Writer, ds uploadedDataset, raw []byte, asJSON bool) {
	if asJSON {
		writePretty(w, raw)
		return
	}
	_, _ = fmt.Fprintf(w, "dataset %s (%s): table %s, %d rows, %d columns\n", ds.ID, ds.FileName, ds.Alias, ds.RowCount, len(ds.Columns))
	renderGrid(w, ds.Preview.Columns, ds.Preview.Rows)
}

func printOutcome(w io.Writer, result outcome) {
	if result.SQL != "" {
		_, _ = fmt.Fprintf(w, "SQL: %s\n", result.SQL)
	}
	if result.Message != "" {
		_, _ = fmt.Fprintln(w, result.Message)
	}
	renderGrid(w, result.Columns, result.Rows)
	if result.Truncated {
		_, _ = fmt.Fprintln(w, "(result truncated)")
	}
}

func renderGrid(w io.Writer, columns []string, rows [][]any) {
	if len(columns) == 0 {
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetHeader(columns)
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, value := range row {
			cells[i] = formatCell(value)
		}
		table.Append(cells)
	}
	table.Render()
}

// decodeJSON keeps numbers as json.Number so 64-bit integers print exactly.
func decodeJSON(raw []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	return decoder.Decode(target)
}

func formatCell(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case json.Number:
		return v.String()
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func httpError(status int, raw []byte) error {
	return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(raw)))
}

func writePretty(w io.Writer, raw []byte) {
	if pretty, ok := prettyJSON(raw); ok {
		_, _ = fmt.Fprintln(w, pretty)
		return
	}
	if len(raw) > 0 {
		_, _ = fmt.Fprintln(w, string(raw))
	}
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := decodeJSON(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func usageError(w io.Writer, message string) int {
	_, _ = fmt.Fprintf(w, "%s\n\n", message)
	writeUsage(w)
	return 2
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: textsqlctl [flags] <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                 GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                  GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  upload FILE            upload a CSV or Parquet file and print its preview")
	_, _ = fmt.Fprintln(w, "  ask QUESTION           ask a question about -dataset")
	_, _ = fmt.Fprintln(w, "  query SQL              run SQL against -dataset")
	_, _ = fmt.Fprintln(w, "  prompt                 print the prompt sent to the model for -dataset")
	_, _ = fmt.Fprintln(w, "  run FILE QUESTION      upload, ask and delete in one step")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
