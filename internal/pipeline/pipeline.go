// Package pipeline runs one question against one dataset: build the prompt,
// ask the model for SQL, normalize it, and execute it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/textsql/textsql/internal/dataset"
	"github.com/textsql/textsql/internal/nl2sql"
	"github.com/textsql/textsql/internal/observability"
	"github.com/textsql/textsql/internal/prompt"
	"github.com/textsql/textsql/internal/query"
)

const (
	StateAwaitingUpload   = "awaiting_upload"
	StateGenerationFailed = "generation_failed"
	StateErrored          = "errored"
	StateRendered         = "rendered"
)

const UploadPromptMessage = "Please upload a CSV file to proceed."

var (
	ErrQuestionRequired = errors.New("question is required")
	ErrSQLRequired      = errors.New("sql is required")
	errReadOnly         = errors.New("only SELECT or WITH queries are allowed")
)

// TableSourcer exposes a dataset's bytes to the query engine.
type TableSourcer interface {
	TableSource(ds dataset.Dataset) query.TableSource
}

type Config struct {
	Translator nl2sql.Translator
	Engine     query.Engine
	Tables     TableSourcer
	Prompt     *prompt.Builder
	ReadOnly   bool
	RowLimit   int
	Logger     *slog.Logger
}

type Runner struct {
	translator nl2sql.Translator
	engine     query.Engine
	tables     TableSourcer
	prompt     *prompt.Builder
	readOnly   bool
	rowLimit   int
	logger     *slog.Logger
}

type Submission struct {
	Dataset  *dataset.Dataset
	Question string
}

type Outcome struct {
	State              string
	Message            string
	SQL                string
	Result             query.Result
	Provider           string
	Model              string
	GenerationDuration time.Duration
	ExecutionDuration  time.Duration
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Translator == nil {
		return nil, fmt.Errorf("translator is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("query engine is required")
	}
	if cfg.Tables == nil {
		return nil, fmt.Errorf("table sourcer is required")
	}
	builder := cfg.Prompt
	if builder == nil {
		builder = prompt.NewBuilder(prompt.Template{})
	}
	return &Runner{
		translator: cfg.Translator,
		engine:     cfg.Engine,
		tables:     cfg.Tables,
		prompt:     builder,
		readOnly:   cfg.ReadOnly,
		rowLimit:   cfg.RowLimit,
		logger:     observability.LoggerOrDiscard(cfg.Logger),
	}, nil
}

// Prompt returns the instruction text that Ask would send for ds.
func (r *Runner) Prompt(ds dataset.Dataset) (string, error) {
	return r.prompt.Build(ds.Alias, ds.Columns)
}

// Ask runs the whole pipeline for one submission. Generation and execution
// failures are reported through the Outcome state; the returned error is
// reserved for invalid submissions.
func (r *Runner) Ask(ctx context.Context, sub Submission) (Outcome, error) {
	if sub.Dataset == nil {
		observability.ObserveAsk(StateAwaitingUpload)
		return Outcome{State: StateAwaitingUpload, Message: UploadPromptMessage, Result: query.EmptyResult()}, nil
	}
	question := strings.TrimSpace(sub.Question)
	if question == "" {
		return Outcome{}, ErrQuestionRequired
	}
	ds := *sub.Dataset

	outcome, ok := r.generate(ctx, ds, question)
	if !ok {
		observability.ObserveAsk(outcome.State)
		return outcome, nil
	}
	r.execute(ctx, ds, &outcome)
	observability.ObserveAsk(outcome.State)
	return outcome, nil
}

// Execute runs caller-supplied SQL through the same normalize, guard and
// execute steps as Ask.
func (r *Runner) Execute(ctx context.Context, ds dataset.Dataset, sql string) (Outcome, error) {
	candidate := nl2sql.NormalizeQuery(sql)
	if candidate == "" {
		return Outcome{}, ErrSQLRequired
	}
	outcome := Outcome{SQL: candidate}
	r.execute(ctx, ds, &outcome)
	observability.ObserveAsk(outcome.State)
	return outcome, nil
}

func (r *Runner) generate(ctx context.Context, ds dataset.Dataset, question string) (Outcome, bool) {
	systemPrompt, err := r.Prompt(ds)
	if err != nil {
		return r.generationFailed(ctx, ds, Outcome{}, err), false
	}

	started := time.Now()
	result, err := r.translator.Translate(ctx, nl2sql.Request{SystemPrompt: systemPrompt, Question: question})
	elapsed := time.Since(started)
	outcome := Outcome{Provider: result.Provider, Model: result.Model, GenerationDuration: elapsed}
	if err != nil {
		return r.generationFailed(ctx, ds, outcome, err), false
	}
	observability.ObserveGeneration(result.Provider, elapsed)

	outcome.SQL = nl2sql.NormalizeQuery(result.Text)
	if outcome.SQL == "" {
		return r.generationFailed(ctx, ds, outcome, errors.New("model returned no query")), false
	}
	return outcome, true
}

func (r *Runner) generationFailed(ctx context.Context, ds dataset.Dataset, outcome Outcome, err error) Outcome {
	r.logger.WarnContext(ctx, "sql generation failed",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("dataset_id", ds.ID),
		slog.String("provider", outcome.Provider),
		slog.String("model", outcome.Model),
		slog.Any("error", err),
	)
	outcome.State = StateGenerationFailed
	outcome.Message = "SQL generation failed: " + err.Error()
	outcome.Result = query.EmptyResult()
	return outcome
}

// execute never fails: errors become an empty result plus a message.
func (r *Runner) execute(ctx context.Context, ds dataset.Dataset, outcome *Outcome) {
	if r.readOnly && !nl2sql.IsReadOnlyQuery(outcome.SQL) {
		r.executionFailed(ctx, ds, outcome, errReadOnly)
		return
	}

	result, err := r.engine.Execute(ctx, query.Request{
		SQL:      outcome.SQL,
		RowLimit: r.rowLimit,
		Tables:   []query.TableSource{r.tables.TableSource(ds)},
	})
	if err != nil {
		r.executionFailed(ctx, ds, outcome, err)
		return
	}
	observability.ObserveExecution(result.Duration)
	outcome.ExecutionDuration = result.Duration
	outcome.Result = result
	outcome.State = StateRendered
}

func (r *Runner) executionFailed(ctx context.Context, ds dataset.Dataset, outcome *Outcome, err error) {
	r.logger.WarnContext(ctx, "query execution failed",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("dataset_id", ds.ID),
		slog.String("sql", outcome.SQL),
		slog.Any("error", err),
	)
	outcome.State = StateErrored
	outcome.Message = "Query error: " + err.Error()
	outcome.Result = query.EmptyResult()
}
