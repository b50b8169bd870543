package application

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storekeeper/internal/blobstore"
	"storekeeper/internal/config"
	"storekeeper/internal/logging"
	"storekeeper/internal/migration"
)

func testConfig(t *testing.T, provider blobstore.Provider) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Store.Path = filepath.Join(dir, "store", "storekeeper.db")
	cfg.BlobStore = blobstore.Config{Provider: provider}
	cfg.Backup.Compression.Enabled = false
	cfg.Pool.HealthCheckInterval = 0
	cfg.SetDefaults()
	return cfg
}

func quietLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.NewLogger(logging.Config{Level: logging.LogLevelQuiet, Output: &bytes.Buffer{}})
	require.NoError(t, err)
	return l
}

func TestNewAndStartup(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, blobstore.ProviderMemory)

	app, err := New(ctx, cfg, WithLogger(quietLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	assert.Same(t, cfg, app.Config())
	assert.NotNil(t, app.Pool())
	assert.NotNil(t, app.Backups())
	assert.NotNil(t, app.Orchestrator())
	assert.FileExists(t, cfg.Store.Path)

	report, err := app.Startup(ctx)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.False(t, report.Skipped)
	assert.Equal(t, migration.TargetVersion, report.Version.Current)
	assert.Equal(t, migration.StateCompleted, report.Run.State)
	assert.NoError(t, app.Ready())
	assert.NoError(t, app.Health(ctx))

	backups, err := app.Backups().ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, report.Run.BackupID, backups[0].ID)

	again, err := app.Startup(ctx)
	require.NoError(t, err)
	assert.True(t, again.Skipped)

	assert.Equal(t, 1.0, testutil.ToFloat64(app.metrics.Migration.Runs.WithLabelValues(string(migration.StateCompleted))))
	families, err := app.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["storekeeper_pool_connections"])
	assert.True(t, names["storekeeper_backup_operations_total"])
}

func TestStartupDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, blobstore.ProviderMemory)
	cfg.Migration.RunOnStartup = false

	app, err := New(ctx, cfg, WithLogger(quietLogger(t)))
	require.NoError(t, err)
	defer app.Close()

	report, err := app.Startup(ctx)
	require.NoError(t, err)
	assert.Nil(t, report)

	v, err := app.Orchestrator().Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Current)
	assert.NoError(t, app.Ready())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, blobstore.ProviderMemory)
	cfg.Pool.MaxConnections = 0

	app, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, app)
	assert.Contains(t, err.Error(), "max_connections")

	_, err = New(context.Background(), nil)
	assert.Error(t, err)
}

func TestNewClosesPartialGraphOnFailure(t *testing.T) {
	cfg := testConfig(t, blobstore.ProviderMemory)
	store := &closeTrackingStore{MemoryStore: blobstore.NewMemoryStore()}
	require.NoError(t, store.Put(context.Background(), migration.LastRunKey, []byte("{not json")))

	app, err := New(context.Background(), cfg, WithLogger(quietLogger(t)), WithBlobStore(store))
	require.Error(t, err)
	assert.Nil(t, app)
	assert.True(t, store.closed, "injected store is closed with the rest of the graph")
}

func TestStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, blobstore.ProviderLocal)

	app, err := New(ctx, cfg, WithLogger(quietLogger(t)))
	require.NoError(t, err)
	first, err := app.Startup(ctx)
	require.NoError(t, err)
	require.NoError(t, app.Close())
	require.NoError(t, app.Close())

	reopened, err := New(ctx, cfg, WithLogger(quietLogger(t)), WithRuntimeCollectors())
	require.NoError(t, err)
	defer reopened.Close()

	last := reopened.Orchestrator().LastRun()
	require.NotNil(t, last)
	assert.Equal(t, first.Run.ID, last.ID)
	assert.Equal(t, migration.StateCompleted, last.State)

	backups, err := reopened.Backups().ListBackups(ctx)
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	report, err := reopened.Startup(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

type closeTrackingStore struct {
	*blobstore.MemoryStore
	closed bool
}

func (s *closeTrackingStore) Close() error {
	s.closed = true
	return s.MemoryStore.Close()
}
