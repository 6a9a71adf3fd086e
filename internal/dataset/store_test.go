package dataset

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textsql/textsql/internal/storage"
	"github.com/textsql/textsql/internal/storage/memory"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *memory.Store, *time.Time) {
	t.Helper()
	objects := memory.New()
	store, err := NewStore(objects, StoreConfig{Alias: "df", TTL: ttl})
	require.NoError(t, err)

	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ids := 0
	store.newID = func() string {
		ids++
		return "ds-" + string(rune('0'+ids))
	}
	return store, objects, &now
}

func TestStorePutStagesBytesAndRegistersDataset(t *testing.T) {
	store, objects, _ := newTestStore(t, time.Hour)

	ds, err := store.Put(context.Background(), "sales.csv", []byte("a,b\n1,2\n"))
	require.NoError(t, err)

	assert.Equal(t, "ds-1", ds.ID)
	assert.Equal(t, "df", ds.Alias)
	assert.Equal(t, "date=2026-03-04/ds-1/data.csv", ds.ObjectKey)
	assert.Equal(t, time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC), ds.ExpiresAt)
	assert.Equal(t, 1, objects.Len())
	assert.Equal(t, 1, store.Len())

	got, err := store.Get(context.Background(), ds.ID)
	require.NoError(t, err)
	assert.Equal(t, ds.Columns, got.Columns)
}

func TestStorePutRejectsInvalidUploadWithoutStaging(t *testing.T) {
	store, objects, _ := newTestStore(t, time.Hour)

	_, err := store.Put(context.Background(), "bad.csv", []byte(""))
	require.ErrorIs(t, err, ErrInvalidDataset)
	assert.Zero(t, objects.Len())
	assert.Zero(t, store.Len())
}

func TestStoreGetUnknownDataset(t *testing.T) {
	store, _, _ := newTestStore(t, time.Hour)
	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreGetExtendsExpiry(t *testing.T) {
	store, _, now := newTestStore(t, time.Hour)
	ds, err := store.Put(context.Background(), "a.csv", []byte("a\n1\n"))
	require.NoError(t, err)

	*now = now.Add(45 * time.Minute)
	got, err := store.Get(context.Background(), ds.ID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), got.ExpiresAt)

	*now = now.Add(45 * time.Minute)
	_, err = store.Get(context.Background(), ds.ID)
	require.NoError(t, err)
}

func TestStoreGetExpiredDatasetRemovesIt(t *testing.T) {
	store, objects, now := newTestStore(t, time.Hour)
	ds, err := store.Put(context.Background(), "a.csv", []byte("a\n1\n"))
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	_, err = store.Get(context.Background(), ds.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, store.Len())
	assert.Zero(t, objects.Len())
}

func TestStoreDelete(t *testing.T) {
	store, objects, _ := newTestStore(t, time.Hour)
	ds, err := store.Put(context.Background(), "a.csv", []byte("a\n1\n"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), ds.ID))
	assert.Zero(t, objects.Len())
	require.ErrorIs(t, store.Delete(context.Background(), ds.ID), ErrNotFound)
}

func TestStoreSweepDropsOnlyExpired(t *testing.T) {
	store, objects, now := newTestStore(t, time.Hour)
	first, err := store.Put(context.Background(), "a.csv", []byte("a\n1\n"))
	require.NoError(t, err)

	*now = now.Add(30 * time.Minute)
	second, err := store.Put(context.Background(), "b.csv", []byte("b\n2\n"))
	require.NoError(t, err)

	*now = now.Add(40 * time.Minute)
	removed := store.Sweep(context.Background())
	assert.Equal(t, 1, removed)

	_, err = store.Get(context.Background(), first.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, objects.Len())
}

func TestStoreTableSourceOpensStagedBytes(t *testing.T) {
	store, _, _ := newTestStore(t, time.Hour)
	body := "a,b\n1,2\n"
	ds, err := store.Put(context.Background(), "a.csv", []byte(body))
	require.NoError(t, err)

	source := store.TableSource(ds)
	assert.Equal(t, "df", source.Alias)
	assert.Equal(t, "csv", source.Format)

	reader, err := source.Open(context.Background())
	require.NoError(t, err)
	defer reader.Close()
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))

	require.NoError(t, store.Delete(context.Background(), ds.ID))
	_, err = source.Open(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreTableSourceChecksStagedObjectBeforeReading(t *testing.T) {
	store, objects, _ := newTestStore(t, time.Hour)
	ds, err := store.Put(context.Background(), "a.csv", []byte("a,b\n1,2\n"))
	require.NoError(t, err)
	source := store.TableSource(ds)

	replacement := "a,b\n1,2\n3,4\n"
	_, err = objects.Put(context.Background(), ds.ObjectKey, strings.NewReader(replacement), int64(len(replacement)), storage.PutOptions{})
	require.NoError(t, err)
	_, err = source.Open(context.Background())
	require.ErrorIs(t, err, ErrObjectChanged)

	require.NoError(t, objects.Delete(context.Background(), ds.ObjectKey))
	_, err = source.Open(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRunJanitorStopsOnCancel(t *testing.T) {
	store, _, _ := newTestStore(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunJanitor(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestNewStoreRequiresObjectStore(t *testing.T) {
	_, err := NewStore(nil, StoreConfig{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "object store"))
}
