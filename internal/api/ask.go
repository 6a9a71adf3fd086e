package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/textsql/textsql/internal/pipeline"
)

type askRequest struct {
	DatasetID string `json:"dataset_id"`
	Question  string `json:"question"`
}

type queryRequest struct {
	DatasetID string `json:"dataset_id"`
	SQL       string `json:"sql"`
}

type outcomeResponse struct {
	State     string         `json:"state"`
	Message   string         `json:"message,omitempty"`
	SQL       string         `json:"sql,omitempty"`
	Columns   []string       `json:"columns"`
	Rows      [][]any        `json:"rows"`
	Truncated bool           `json:"truncated"`
	Provider  string         `json:"provider,omitempty"`
	Model     string         `json:"model,omitempty"`
	Stats     map[string]any `json:"stats"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "question pipeline is not configured", false, nil)
		return
	}

	var request askRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}

	submission := pipeline.Submission{Question: request.Question}
	if id := strings.TrimSpace(request.DatasetID); id != "" {
		if deps.Datasets == nil {
			writeError(r.Context(), w, http.StatusNotImplemented, "DATASETS_NOT_CONFIGURED", "dataset store is not configured", false, nil)
			return
		}
		ds, err := deps.Datasets.Get(r.Context(), id)
		if err != nil {
			writeDatasetLookupError(w, r, err)
			return
		}
		submission.Dataset = &ds
	}

	outcome, err := deps.Pipeline.Ask(r.Context(), submission)
	if err != nil {
		if errors.Is(err, pipeline.ErrQuestionRequired) {
			writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "ASK_FAILED", "failed to answer question", true, map[string]any{"details": err.Error()})
		return
	}
	writeOutcome(w, outcome)
}

// handleQuery runs SQL the user edited by hand against the dataset, skipping
// the model.
func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil || deps.Datasets == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}

	var request queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}

	id := strings.TrimSpace(request.DatasetID)
	if id == "" {
		writeOutcome(w, pipeline.Outcome{State: pipeline.StateAwaitingUpload, Message: pipeline.UploadPromptMessage})
		return
	}
	ds, err := deps.Datasets.Get(r.Context(), id)
	if err != nil {
		writeDatasetLookupError(w, r, err)
		return
	}

	outcome, err := deps.Pipeline.Execute(r.Context(), ds, request.SQL)
	if err != nil {
		if errors.Is(err, pipeline.ErrSQLRequired) {
			writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "QUERY_FAILED", "failed to run query", true, map[string]any{"details": err.Error()})
		return
	}
	writeOutcome(w, outcome)
}

func writeOutcome(w http.ResponseWriter, outcome pipeline.Outcome) {
	status := http.StatusOK
	if outcome.State == pipeline.StateGenerationFailed {
		status = http.StatusBadGateway
	}

	columns := outcome.Result.Columns
	if columns == nil {
		columns = []string{}
	}
	rows := outcome.Result.Rows
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, status, outcomeResponse{
		State:     outcome.State,
		Message:   outcome.Message,
		SQL:       outcome.SQL,
		Columns:   columns,
		Rows:      rows,
		Truncated: outcome.Result.Truncated,
		Provider:  outcome.Provider,
		Model:     outcome.Model,
		Stats: map[string]any{
			"generation_ms": outcome.GenerationDuration.Milliseconds(),
			"execution_ms":  outcome.ExecutionDuration.Milliseconds(),
			"scanned_bytes": outcome.Result.ScannedBytes,
		},
	})
}
