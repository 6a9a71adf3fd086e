package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/textsql/textsql/internal/observability"
	"github.com/textsql/textsql/internal/query"
	"github.com/textsql/textsql/internal/storage"
)

type StoreConfig struct {
	Alias  string
	TTL    time.Duration
	Logger *slog.Logger
}

// Store holds dataset metadata in memory and the uploaded bytes in an
// ObjectStore. Entries expire after TTL without access.
type Store struct {
	objects storage.ObjectStore
	alias   string
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	mu       sync.Mutex
	datasets map[string]Dataset
}

func NewStore(objects storage.ObjectStore, cfg StoreConfig) (*Store, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	alias := strings.TrimSpace(cfg.Alias)
	if alias == "" {
		alias = "df"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		objects:  objects,
		alias:    alias,
		ttl:      ttl,
		logger:   observability.LoggerOrDiscard(cfg.Logger),
		now:      time.Now,
		newID:    uuid.NewString,
		datasets: map[string]Dataset{},
	}, nil
}

func (s *Store) Alias() string {
	return s.alias
}

// Put validates an upload, stages its bytes and registers a new dataset.
func (s *Store) Put(ctx context.Context, fileName string, data []byte) (Dataset, error) {
	ds, err := Load(fileName, data)
	observability.ObserveUpload(ds.Format, int64(len(data)), err)
	if err != nil {
		return Dataset{}, err
	}

	now := s.now().UTC()
	ds.ID = s.newID()
	ds.Alias = s.alias
	ds.CreatedAt = now
	ds.ExpiresAt = now.Add(s.ttl)

	key, err := storage.BuildUploadPath(ds.ID, ds.Format, now)
	if err != nil {
		return Dataset{}, err
	}
	if _, err := s.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: contentType(ds.Format)}); err != nil {
		return Dataset{}, fmt.Errorf("stage dataset: %w", err)
	}
	ds.ObjectKey = key

	s.mu.Lock()
	s.datasets[ds.ID] = ds
	count := len(s.datasets)
	s.mu.Unlock()
	observability.SetActiveDatasets(count)

	s.logger.InfoContext(ctx, "dataset staged",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("dataset_id", ds.ID),
		slog.String("format", ds.Format),
		slog.Int("columns", len(ds.Columns)),
		slog.Int64("rows", ds.RowCount),
		slog.String("checksum", ds.Checksum),
	)
	return ds, nil
}

// Get returns a live dataset and extends its expiry.
func (s *Store) Get(ctx context.Context, id string) (Dataset, error) {
	now := s.now().UTC()

	s.mu.Lock()
	ds, ok := s.datasets[id]
	if ok && !now.Before(ds.ExpiresAt) {
		delete(s.datasets, id)
		ok = false
		s.mu.Unlock()
		s.discard(ctx, ds)
		return Dataset{}, ErrNotFound
	}
	if ok {
		ds.ExpiresAt = now.Add(s.ttl)
		s.datasets[id] = ds
	}
	s.mu.Unlock()

	if !ok {
		return Dataset{}, ErrNotFound
	}
	return ds, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	ds, ok := s.datasets[id]
	delete(s.datasets, id)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.discard(ctx, ds)
	return nil
}

// TableSource exposes a dataset's staged bytes to the query engine.
func (s *Store) TableSource(ds Dataset) query.TableSource {
	key, size := ds.ObjectKey, ds.SizeBytes
	return query.TableSource{
		Alias:  ds.Alias,
		Format: ds.Format,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			info, err := s.objects.Stat(ctx, key)
			if errors.Is(err, storage.ErrObjectNotFound) {
				return nil, ErrNotFound
			}
			if err != nil {
				return nil, fmt.Errorf("stat staged object: %w", err)
			}
			if info.Size != size {
				return nil, fmt.Errorf("%w: size %d, want %d", ErrObjectChanged, info.Size, size)
			}
			reader, err := s.objects.Get(ctx, key)
			if errors.Is(err, storage.ErrObjectNotFound) {
				return nil, ErrNotFound
			}
			return reader, err
		},
	}
}

// Sweep drops every expired dataset and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.now().UTC()
	var expired []Dataset

	s.mu.Lock()
	for id, ds := range s.datasets {
		if !now.Before(ds.ExpiresAt) {
			expired = append(expired, ds)
			delete(s.datasets, id)
		}
	}
	s.mu.Unlock()

	for _, ds := range expired {
		s.discard(ctx, ds)
	}
	if len(expired) > 0 {
		s.logger.DebugContext(ctx, "expired datasets swept", slog.Int("count", len(expired)))
	}
	return len(expired)
}

// RunJanitor sweeps on every tick until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.datasets)
}

func (s *Store) discard(ctx context.Context, ds Dataset) {
	observability.SetActiveDatasets(s.Len())
	if ds.ObjectKey == "" {
		return
	}
	if err := s.objects.Delete(ctx, ds.ObjectKey); err != nil {
		s.logger.WarnContext(ctx, "failed to delete staged dataset",
			slog.String("dataset_id", ds.ID),
			slog.Any("error", err),
		)
	}
}

func contentType(format string) string {
	if format == query.FormatParquet {
		return "application/vnd.apache.parquet"
	}
	return "text/csv"
}
