package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	StagingMemory = "memory"
	StagingS3     = "s3"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Upload        UploadConfig
	Staging       StagingConfig
	AI            AIConfig
	Query         QueryConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type UploadConfig struct {
	MaxBytes        int64
	PreviewRows     int
	SessionTTL      time.Duration
	JanitorInterval time.Duration
	TableAlias      string
}

type StagingConfig struct {
	Backend          string
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type AIConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	PromptFile  string
}

type QueryConfig struct {
	ReadOnly bool
	RowLimit int
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

// LoadFromEnv reads an optional dotenv file before resolving the process
// environment. Variables already set in the environment win.
func LoadFromEnv(serviceName string) (Config, error) {
	envFile := strings.TrimSpace(os.Getenv("TEXTSQL_ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file %q: %w", envFile, err)
	}
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("TEXTSQL_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid TEXTSQL_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	// GOOGLE_API_KEY is the Gemini SDK's conventional name. TEXTSQL_AI_API_KEY wins.
	if err := applyString(lookup, "GOOGLE_API_KEY", &cfg.AI.APIKey); err != nil {
		return Config{}, err
	}

	steps := []func() error{
		func() error { return applyString(lookup, "TEXTSQL_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "TEXTSQL_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "TEXTSQL_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "TEXTSQL_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "TEXTSQL_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },
		func() error { return applyInt64(lookup, "TEXTSQL_UPLOAD_MAX_BYTES", &cfg.Upload.MaxBytes) },
		func() error { return applyInt(lookup, "TEXTSQL_UPLOAD_PREVIEW_ROWS", &cfg.Upload.PreviewRows) },
		func() error { return applyDuration(lookup, "TEXTSQL_UPLOAD_SESSION_TTL", &cfg.Upload.SessionTTL) },
		func() error {
			return applyDuration(lookup, "TEXTSQL_UPLOAD_JANITOR_INTERVAL", &cfg.Upload.JanitorInterval)
		},
		func() error { return applyString(lookup, "TEXTSQL_UPLOAD_TABLE_ALIAS", &cfg.Upload.TableAlias) },
		func() error { return applyString(lookup, "TEXTSQL_STAGING_BACKEND", &cfg.Staging.Backend) },
		func() error { return applyString(lookup, "TEXTSQL_STAGING_ENDPOINT", &cfg.Staging.Endpoint) },
		func() error { return applyString(lookup, "TEXTSQL_STAGING_REGION", &cfg.Staging.Region) },
		func() error { return applyString(lookup, "TEXTSQL_STAGING_BUCKET", &cfg.Staging.Bucket) },
		func() error { return applyString(lookup, "TEXTSQL_STAGING_ACCESS_KEY", &cfg.Staging.AccessKeyID) },
		func() error { return applyString(lookup, "TEXTSQL_STAGING_SECRET_KEY", &cfg.Staging.SecretAccessKey) },
		func() error { return applyBool(lookup, "TEXTSQL_STAGING_USE_SSL", &cfg.Staging.UseSSL) },
		func() error { return applyString(lookup, "TEXTSQL_STAGING_PREFIX", &cfg.Staging.Prefix) },
		func() error {
			return applyBool(lookup, "TEXTSQL_STAGING_AUTO_CREATE_BUCKET", &cfg.Staging.AutoCreateBucket)
		},
		func() error { return applyString(lookup, "TEXTSQL_AI_PROVIDER", &cfg.AI.Provider) },
		func() error { return applyString(lookup, "TEXTSQL_AI_BASE_URL", &cfg.AI.BaseURL) },
		func() error { return applyString(lookup, "TEXTSQL_AI_API_KEY", &cfg.AI.APIKey) },
		func() error { return applyString(lookup, "TEXTSQL_AI_MODEL", &cfg.AI.Model) },
		func() error { return applyFloat(lookup, "TEXTSQL_AI_TEMPERATURE", &cfg.AI.Temperature) },
		func() error { return applyDuration(lookup, "TEXTSQL_AI_TIMEOUT", &cfg.AI.Timeout) },
		func() error { return applyString(lookup, "TEXTSQL_AI_PROMPT_FILE", &cfg.AI.PromptFile) },
		func() error { return applyBool(lookup, "TEXTSQL_QUERY_READ_ONLY", &cfg.Query.ReadOnly) },
		func() error { return applyInt(lookup, "TEXTSQL_QUERY_ROW_LIMIT", &cfg.Query.RowLimit) },
		func() error { return applyBool(lookup, "TEXTSQL_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "TEXTSQL_LOG_LEVEL", &cfg.Observability.LogLevel) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return Config{}, err
		}
	}

	cfg.AI.Provider = strings.ToLower(cfg.AI.Provider)
	cfg.Staging.Backend = strings.ToLower(cfg.Staging.Backend)

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.Upload.TableAlias == "" {
		return Config{}, fmt.Errorf("table alias is required")
	}
	if cfg.Upload.MaxBytes <= 0 {
		return Config{}, fmt.Errorf("upload max bytes must be > 0")
	}
	switch cfg.AI.Provider {
	case ProviderGemini:
		if cfg.AI.Model == "" {
			cfg.AI.Model = "gemini-pro"
		}
	case ProviderOpenAI:
		if cfg.AI.Model == "" {
			cfg.AI.Model = "gpt-4o-mini"
		}
	default:
		return Config{}, fmt.Errorf("invalid TEXTSQL_AI_PROVIDER: %q", cfg.AI.Provider)
	}
	switch cfg.Staging.Backend {
	case StagingMemory, StagingS3:
	default:
		return Config{}, fmt.Errorf("invalid TEXTSQL_STAGING_BACKEND: %q", cfg.Staging.Backend)
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "textsql-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Upload: UploadConfig{
			MaxBytes:        32 << 20,
			PreviewRows:     5,
			SessionTTL:      time.Hour,
			JanitorInterval: time.Minute,
			TableAlias:      "df",
		},
		Staging: StagingConfig{
			Backend:          StagingMemory,
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "textsql",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "uploads",
			AutoCreateBucket: true,
		},
		AI: AIConfig{
			Provider:    ProviderGemini,
			BaseURL:     "https://api.openai.com",
			Temperature: 0.1,
			Timeout:     30 * time.Second,
		},
		Query: QueryConfig{
			ReadOnly: true,
			RowLimit: 1000,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Upload.SessionTTL = 5 * time.Minute
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Staging.UseSSL = true
		cfg.Staging.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
