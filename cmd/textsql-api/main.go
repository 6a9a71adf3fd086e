package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/textsql/textsql/internal/api"
	"github.com/textsql/textsql/internal/api/uistatic"
	"github.com/textsql/textsql/internal/config"
	"github.com/textsql/textsql/internal/dataset"
	"github.com/textsql/textsql/internal/nl2sql"
	"github.com/textsql/textsql/internal/observability"
	"github.com/textsql/textsql/internal/pipeline"
	"github.com/textsql/textsql/internal/prompt"
	duckdbengine "github.com/textsql/textsql/internal/query/duckdb"
	"github.com/textsql/textsql/internal/storage"
	memstore "github.com/textsql/textsql/internal/storage/memory"
	s3store "github.com/textsql/textsql/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("textsql-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	objects, readiness, err := openStaging(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize staging store", slog.Any("error", err))
		os.Exit(1)
	}

	datasets, err := dataset.NewStore(objects, dataset.StoreConfig{
		Alias:  cfg.Upload.TableAlias,
		TTL:    cfg.Upload.SessionTTL,
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to initialize dataset store", slog.Any("error", err))
		os.Exit(1)
	}
	go datasets.RunJanitor(ctx, cfg.Upload.JanitorInterval)

	translator, err := newTranslator(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize query translator", slog.Any("error", err))
		os.Exit(1)
	}
	if closer, ok := translator.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	template := prompt.DefaultTemplate()
	if cfg.AI.PromptFile != "" {
		template, err = prompt.LoadTemplate(cfg.AI.PromptFile)
		if err != nil {
			logger.Error("failed to load prompt template", slog.Any("error", err))
			os.Exit(1)
		}
	}

	queryEngine := duckdbengine.NewEngine()
	runner, err := pipeline.NewRunner(pipeline.Config{
		Translator: translator,
		Engine:     queryEngine,
		Tables:     datasets,
		Prompt:     prompt.NewBuilder(template),
		ReadOnly:   cfg.Query.ReadOnly,
		RowLimit:   cfg.Query.RowLimit,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to initialize pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	handler := api.NewHandler(cfg, api.Dependencies{
		Logger:            logger,
		Readiness:         readiness,
		DependencyTimeout: time.Second,
		Datasets:          datasets,
		Pipeline:          runner,
		QueryEngine:       queryEngine,
		UI:                uistatic.Handler(),
	})
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("staging", cfg.Staging.Backend),
			slog.String("model", cfg.AI.Model),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func openStaging(ctx context.Context, cfg config.Config) (storage.ObjectStore, api.ReadinessCheck, error) {
	if cfg.Staging.Backend != config.StagingS3 {
		return memstore.New(), nil, nil
	}
	store, err := s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.Staging.Endpoint,
		Region:           cfg.Staging.Region,
		Bucket:           cfg.Staging.Bucket,
		AccessKeyID:      cfg.Staging.AccessKeyID,
		SecretAccessKey:  cfg.Staging.SecretAccessKey,
		UseSSL:           cfg.Staging.UseSSL,
		Prefix:           cfg.Staging.Prefix,
		AutoCreateBucket: cfg.Staging.AutoCreateBucket,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store.HealthCheck, nil
}

func newTranslator(ctx context.Context, cfg config.Config) (nl2sql.Translator, error) {
	if cfg.AI.Provider == config.ProviderOpenAI {
		return nl2sql.NewOpenAITranslator(nl2sql.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
	}
	return nl2sql.NewGeminiTranslator(ctx, nl2sql.GeminiConfig{
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
	})
}
