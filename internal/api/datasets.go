package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/textsql/textsql/internal/config"
	"github.com/textsql/textsql/internal/dataset"
	"github.com/textsql/textsql/internal/query"
)

const multipartOverheadBytes = 1 << 20

type previewPayload struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Error   string   `json:"error,omitempty"`
}

type datasetResponse struct {
	dataset.Dataset
	Preview previewPayload `json:"preview"`
}

func handleUploadDataset(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Datasets == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DATASETS_NOT_CONFIGURED", "dataset store is not configured", false, nil)
		return
	}

	maxBytes := cfg.Upload.MaxBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverheadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", fmt.Sprintf("upload exceeds %d bytes", maxBytes), false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "FILE_REQUIRED", "multipart field \"file\" is required", false, map[string]any{"details": err.Error()})
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "UPLOAD_READ_FAILED", "failed to read upload", false, map[string]any{"details": err.Error()})
		return
	}
	if int64(len(data)) > maxBytes {
		writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", fmt.Sprintf("upload exceeds %d bytes", maxBytes), false, nil)
		return
	}

	ds, err := deps.Datasets.Put(r.Context(), header.Filename, data)
	if err != nil {
		if errors.Is(err, dataset.ErrInvalidDataset) {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_DATASET", err.Error(), false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "DATASET_STAGE_FAILED", "failed to stage dataset", true, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, datasetResponse{Dataset: ds, Preview: buildPreview(r, cfg, deps, ds)})
}

func handleGetDataset(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	ds, ok := lookupDataset(deps, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, datasetResponse{Dataset: ds, Preview: buildPreview(r, cfg, deps, ds)})
}

func handleDeleteDataset(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Datasets == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DATASETS_NOT_CONFIGURED", "dataset store is not configured", false, nil)
		return
	}
	if err := deps.Datasets.Delete(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, dataset.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "DATASET_NOT_FOUND", "dataset not found", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "DATASET_DELETE_FAILED", "failed to delete dataset", true, map[string]any{"details": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleDatasetPrompt(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "question pipeline is not configured", false, nil)
		return
	}
	ds, ok := lookupDataset(deps, w, r)
	if !ok {
		return
	}
	text, err := deps.Pipeline.Prompt(ds)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "PROMPT_FAILED", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dataset_id": ds.ID,
		"alias":      ds.Alias,
		"prompt":     text,
	})
}

func lookupDataset(deps Dependencies, w http.ResponseWriter, r *http.Request) (dataset.Dataset, bool) {
	if deps.Datasets == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DATASETS_NOT_CONFIGURED", "dataset store is not configured", false, nil)
		return dataset.Dataset{}, false
	}
	ds, err := deps.Datasets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDatasetLookupError(w, r, err)
		return dataset.Dataset{}, false
	}
	return ds, true
}

func writeDatasetLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, dataset.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "DATASET_NOT_FOUND", "dataset not found or expired; upload the file again", false, nil)
		return
	}
	writeError(r.Context(), w, http.StatusInternalServerError, "DATASET_FETCH_FAILED", "failed to load dataset", true, map[string]any{"details": err.Error()})
}

// buildPreview returns the first rows of ds. A failure is reported inside the
// payload so the upload itself still succeeds.
func buildPreview(r *http.Request, cfg config.Config, deps Dependencies, ds dataset.Dataset) previewPayload {
	preview := previewPayload{Columns: ds.Columns, Rows: [][]any{}}
	if deps.QueryEngine == nil || cfg.Upload.PreviewRows <= 0 {
		return preview
	}
	statement, err := query.PreviewSQL(ds.Alias, cfg.Upload.PreviewRows)
	if err == nil {
		var result query.Result
		result, err = deps.QueryEngine.Execute(r.Context(), query.Request{
			SQL:      statement,
			RowLimit: cfg.Upload.PreviewRows,
			Tables:   []query.TableSource{deps.Datasets.TableSource(ds)},
		})
		if err == nil {
			preview.Columns = result.Columns
			preview.Rows = result.Rows
			return preview
		}
	}
	if deps.Logger != nil {
		deps.Logger.WarnContext(r.Context(), "dataset preview failed",
			slog.String("dataset_id", ds.ID),
			slog.Any("error", err),
		)
	}
	preview.Error = err.Error()
	return preview
}
