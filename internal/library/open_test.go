package library

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagecore/internal/config"
	"imagecore/internal/logging"
)

func memoryConfig() config.Config {
	return config.Config{
		Storage: config.StorageConfig{Driver: "memory"},
		Blob:    config.BlobConfig{Driver: "memory"},
		Cache:   config.CacheConfig{Driver: config.CacheMemory},
		Log:     config.LogConfig{Level: "info"},
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Driver = "mongo"
	_, err := Open(context.Background(), cfg, WithOpenLogger(logging.Noop()))
	assert.True(t, errors.Is(err, config.ErrInvalid))
}

func TestOpenMemoryWithMetrics(t *testing.T) {
	cfg := memoryConfig()
	cfg.Metrics.Enabled = true
	reg := prometheus.NewRegistry()
	lib, err := Open(context.Background(), cfg, WithOpenLogger(logging.Noop()), WithRegisterer(reg))
	require.NoError(t, err)
	defer lib.Close()

	item := newItem(t, 1, 2, 3)
	require.NoError(t, lib.AppendDataItem(item))
	n, err := testutil.GatherAndCount(reg, "imagecore_writes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "immediate and item write series")
}

func TestOpenOnDiskSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{
		Storage: config.StorageConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "library.db")},
		Blob:    config.BlobConfig{Driver: "fs", FSRoot: filepath.Join(dir, "blobs")},
		Cache:   config.CacheConfig{Driver: config.CacheSQLite, SQLitePath: filepath.Join(dir, "cache.db")},
		Log:     config.LogConfig{Level: "warn"},
	}
	ctx := context.Background()

	lib, err := Open(ctx, cfg, WithOpenLogger(logging.Noop()))
	require.NoError(t, err)
	item := newItem(t, 4, 5, 6)
	item.SetTitle("on disk")
	require.NoError(t, lib.AppendDataItem(item))
	require.NoError(t, lib.Close())

	lib, err = Open(ctx, cfg, WithOpenLogger(logging.Noop()))
	require.NoError(t, err)
	defer lib.Close()
	report, err := lib.Load(ctx)
	require.NoError(t, err)
	require.True(t, report.OK())

	restored := lib.Lookup(item.UUID())
	require.NotNil(t, restored)
	assert.Equal(t, "on disk", restored.Title())
	require.NoError(t, restored.IncrementDataRefCounts())
	defer restored.DecrementDataRefCounts()
	assert.True(t, restored.PrimaryDataSource().ResidentData().Equal(mustArray(t, 4, 5, 6)))
}
