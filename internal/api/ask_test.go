package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/textsql/textsql/internal/dataset"
	"github.com/textsql/textsql/internal/nl2sql"
	"github.com/textsql/textsql/internal/pipeline"
	"github.com/textsql/textsql/internal/query"
	"github.com/textsql/textsql/internal/query/duckdb"
)

type fakeTranslator struct {
	text  string
	err   error
	calls int
}

func (f *fakeTranslator) Translate(context.Context, nl2sql.Request) (nl2sql.Result, error) {
	f.calls++
	if f.err != nil {
		return nl2sql.Result{Provider: "fake", Model: "fake-1"}, f.err
	}
	return nl2sql.Result{Text: f.text, Provider: "fake", Model: "fake-1"}, nil
}

type askFixture struct {
	handler    http.Handler
	store      *dataset.Store
	translator *fakeTranslator
	engine     *fakeQueryEngine
	datasetID  string
}

func newAskFixture(t *testing.T, translator *fakeTranslator, engine query.Engine) askFixture {
	t.Helper()
	store := newTestDatasetStore(t)
	ds, err := store.Put(context.Background(), "people.csv", []byte("id,name\n1,a\n2,b\n"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	runner, err := pipeline.NewRunner(pipeline.Config{
		Translator: translator,
		Engine:     engine,
		Tables:     store,
		ReadOnly:   true,
		RowLimit:   100,
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	fixture := askFixture{
		handler:    NewHandler(testConfig(t, nil), Dependencies{Datasets: store, Pipeline: runner}),
		store:      store,
		translator: translator,
		datasetID:  ds.ID,
	}
	if fake, ok := engine.(*fakeQueryEngine); ok {
		fixture.engine = fake
	}
	return fixture
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestAskWithoutDatasetPromptsForUpload(t *testing.T) {
	fixture := newAskFixture(t, &fakeTranslator{text: "SELECT 1"}, &fakeQueryEngine{})

	rr := postJSON(t, fixture.handler, "/v1/ask", map[string]any{"question": "how many rows?"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["state"] != pipeline.StateAwaitingUpload || body["message"] != pipeline.UploadPromptMessage {
		t.Fatalf("body = %#v", body)
	}
	if fixture.translator.calls != 0 || len(fixture.engine.requests) != 0 {
		t.Fatalf("translator calls = %d, engine calls = %d", fixture.translator.calls, len(fixture.engine.requests))
	}
}

func TestAskUnknownDatasetReturns404(t *testing.T) {
	fixture := newAskFixture(t, &fakeTranslator{text: "SELECT 1"}, &fakeQueryEngine{})

	rr := postJSON(t, fixture.handler, "/v1/ask", map[string]any{"dataset_id": "missing", "question": "q"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error_code"] != "DATASET_NOT_FOUND" {
		t.Fatalf("error_code = %v", body["error_code"])
	}
}

func TestAskRequiresQuestion(t *testing.T) {
	fixture := newAskFixture(t, &fakeTranslator{text: "SELECT 1"}, &fakeQueryEngine{})

	rr := postJSON(t, fixture.handler, "/v1/ask", map[string]any{"dataset_id": fixture.datasetID, "question": " "})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestAskRejectsUnknownFields(t *testing.T) {
	fixture := newAskFixture(t, &fakeTranslator{text: "SELECT 1"}, &fakeQueryEngine{})

	rr := postJSON(t, fixture.handler, "/v1/ask", map[string]any{"prompt": "q"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error_code"] != "INVALID_JSON" {
		t.Fatalf("error_code = %v", body["error_code"])
	}
}

func TestAskGenerationFailureReturns502WithOutcome(t *testing.T) {
	fixture := newAskFixture(t, &fakeTranslator{err: errors.New("api key rejected")}, &fakeQueryEngine{})

	rr := postJSON(t, fixture.handler, "/v1/ask", map[string]any{"dataset_id": fixture.datasetID, "question": "q"})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["state"] != pipeline.StateGenerationFailed {
		t.Fatalf("state = %v", body["state"])
	}
	if !strings.Contains(body["message"].(string), "api key rejected") {
		t.Fatalf("message = %v", body["message"])
	}
	if body["provider"] != "fake" || body["model"] != "fake-1" {
		t.Fatalf("provider = %v, model = %v", body["provider"], body["model"])
	}
	if len(fixture.engine.requests) != 0 {
		t.Fatal("engine should not run after generation failure")
	}
}

func TestAskRunsGeneratedSQLWithDuckDB(t *testing.T) {
	fixture := newAskFixture(t, &fakeTranslator{text: "SELECT COUNT(*) AS total FROM df;\nThis counts rows."}, duckdb.NewEngine())

	rr := postJSON(t, fixture.handler, "/v1/ask", map[string]any{"dataset_id": fixture.datasetID, "question": "How many rows?"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["state"] != pipeline.StateRendered {
		t.Fatalf("body = %#v", body)
	}
	if body["sql"] != "SELECT COUNT(*) AS total FROM df" {
		t.Fatalf("sql = %v", body["sql"])
	}
	rows := body["rows"].([]any)
	if len(rows) != 1 || rows[0].([]any)[0] != float64(2) {
		t.Fatalf("rows = %#v", rows)
	}
}

func TestAskMalformedSQLReturnsEmptyResult(t *testing.T) {
	fixture := newAskFixture(t, &fakeTranslator{text: "SELECT * FROM"}, duckdb.NewEngine())

	rr := postJSON(t, fixture.handler, "/v1/ask", map[string]any{"dataset_id": fixture.datasetID, "question": "everything"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["state"] != pipeline.StateErrored {
		t.Fatalf("state = %v", body["state"])
	}
	if !strings.HasPrefix(body["message"].(string), "Query error: ") {
		t.Fatalf("message = %v", body["message"])
	}
	if len(body["rows"].([]any)) != 0 || len(body["columns"].([]any)) != 0 {
		t.Fatalf("expected empty result, got %#v", body)
	}
}

func TestQueryEndpointRunsEditedSQL(t *testing.T) {
	translator := &fakeTranslator{}
	fixture := newAskFixture(t, translator, duckdb.NewEngine())

	rr := postJSON(t, fixture.handler, "/v1/query", map[string]any{"dataset_id": fixture.datasetID, "sql": "SELECT name FROM df WHERE id = 2"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	rows := body["rows"].([]any)
	if len(rows) != 1 || rows[0].([]any)[0] != "b" {
		t.Fatalf("rows = %#v", rows)
	}
	if translator.calls != 0 {
		t.Fatalf("translator calls = %d", translator.calls)
	}

	rr = postJSON(t, fixture.handler, "/v1/query", map[string]any{"dataset_id": fixture.datasetID, "sql": "DELETE FROM df"})
	if body := decodeBody(t, rr); body["state"] != pipeline.StateErrored {
		t.Fatalf("write query state = %v", body["state"])
	}

	rr = postJSON(t, fixture.handler, "/v1/query", map[string]any{"dataset_id": fixture.datasetID, "sql": ""})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty sql status = %d", rr.Code)
	}
}

func TestDatasetPromptEndpoint(t *testing.T) {
	fixture := newAskFixture(t, &fakeTranslator{}, &fakeQueryEngine{})

	rr := httptest.NewRecorder()
	fixture.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/datasets/"+fixture.datasetID+"/prompt", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	text := decodeBody(t, rr)["prompt"].(string)
	if !strings.Contains(text, "df") || !strings.Contains(text, "id, name") {
		t.Fatalf("prompt = %q", text)
	}
}

func TestAskReturnsBodyForNonFiniteAndMapValues(t *testing.T) {
	statements := map[string]string{
		"nan":       "SELECT 'NaN'::DOUBLE AS x FROM df",
		"infinity":  "SELECT 'infinity'::DOUBLE AS x",
		"histogram": "SELECT histogram(name) AS x FROM df",
	}
	for name, statement := range statements {
		fixture := newAskFixture(t, &fakeTranslator{text: statement}, duckdb.NewEngine())

		rr := postJSON(t, fixture.handler, "/v1/ask", map[string]any{"dataset_id": fixture.datasetID, "question": name})
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, body=%s", name, rr.Code, rr.Body.String())
		}
		body := decodeBody(t, rr)
		if body["state"] != pipeline.StateRendered {
			t.Fatalf("%s: body = %#v", name, body)
		}
		rows := body["rows"].([]any)
		if len(rows) == 0 {
			t.Fatalf("%s: rows = %#v", name, rows)
		}
	}
}

func TestAskCannotReadServerFiles(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "passwd")
	if err := os.WriteFile(outside, []byte("root:x:0:0\n"), 0o600); err != nil {
		t.Fatalf("write outside file: %v", err)
	}
	fixture := newAskFixture(t, &fakeTranslator{text: "SELECT content FROM read_text('" + outside + "')"}, duckdb.NewEngine())

	rr := postJSON(t, fixture.handler, "/v1/ask", map[string]any{"dataset_id": fixture.datasetID, "question": "read it"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["state"] != pipeline.StateErrored {
		t.Fatalf("state = %v, body = %#v", body["state"], body)
	}
	if strings.Contains(rr.Body.String(), "root:x") {
		t.Fatalf("file contents leaked: %s", rr.Body.String())
	}

	rr = postJSON(t, fixture.handler, "/v1/query", map[string]any{
		"dataset_id": fixture.datasetID,
		"sql":        "SELECT count(*) FROM read_csv('" + outside + "', delim = ':', header = false)",
	})
	if body := decodeBody(t, rr); body["state"] != pipeline.StateErrored {
		t.Fatalf("query state = %v", body["state"])
	}
}
