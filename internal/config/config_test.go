package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"storekeeper/internal/backup"
	"storekeeper/internal/blobstore"
	"storekeeper/internal/logging"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join("data", "storekeeper.db"), cfg.Store.Path)
	assert.Equal(t, 1, cfg.Pool.MinConnections)
	assert.Equal(t, 4, cfg.Pool.MaxConnections)
	assert.Equal(t, 5*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Pool.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.Pool.HealthCheckInterval)
	assert.Equal(t, 2*time.Second, cfg.Pool.ProbeTimeout)
	assert.Equal(t, 10, cfg.Backup.MaxBackups)
	assert.Equal(t, 5, cfg.Backup.RecoveryPoints)
	assert.Equal(t, backup.ChecksumSHA256, cfg.Backup.Checksum)
	assert.True(t, cfg.Backup.Compression.Enabled)
	assert.Equal(t, backup.CompressionTypeZstd, cfg.Backup.Compression.Algorithm)
	assert.Equal(t, blobstore.ProviderLocal, cfg.BlobStore.Provider)
	assert.Equal(t, filepath.Join("data", "backups"), cfg.BlobStore.Local.BasePath)
	assert.True(t, cfg.Migration.RunOnStartup)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storekeeper.yaml")
	content := `data_dir: ` + dir + `
pool:
  max_connections: 8
  acquire_timeout: 750ms
backup:
  max_backups: 3
  compression:
    algorithm: lz4
blob_store:
  provider: badger
migration:
  run_on_startup: false
  thresholds:
    min_score: 85
logging:
  level: verbose
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	loader := NewLoader()
	cfg, err := loader.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, path, loader.ConfigFileUsed())
	assert.Equal(t, filepath.Join(dir, "storekeeper.db"), cfg.Store.Path)
	assert.Equal(t, 8, cfg.Pool.MaxConnections)
	assert.Equal(t, 1, cfg.Pool.MinConnections, "unset keys keep their default")
	assert.Equal(t, 750*time.Millisecond, cfg.Pool.AcquireTimeout)
	assert.Equal(t, 3, cfg.Backup.MaxBackups)
	assert.Equal(t, backup.CompressionTypeLZ4, cfg.Backup.Compression.Algorithm)
	assert.Equal(t, blobstore.ProviderBadger, cfg.BlobStore.Provider)
	assert.Equal(t, filepath.Join(dir, "backups.badger"), cfg.BlobStore.Badger.Path)
	assert.False(t, cfg.Migration.RunOnStartup)
	assert.Equal(t, 85.0, cfg.Migration.Thresholds.MinScore)
	assert.Equal(t, 90.0, cfg.Migration.Thresholds.MinSuccessRate)
	assert.Equal(t, logging.LogLevelVerbose, cfg.Logging.Logger().Level)
	assert.Equal(t, "json", cfg.Logging.Logger().Format)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STOREKEEPER_POOL_MAX_CONNECTIONS", "6")
	t.Setenv("STOREKEEPER_BACKUP_CHECKSUM", "xxh64")
	t.Setenv("STOREKEEPER_BLOB_STORE_PROVIDER", "s3")
	t.Setenv("STOREKEEPER_BLOB_STORE_S3_BUCKET", "backups")
	t.Setenv("STOREKEEPER_BLOB_STORE_S3_REGION", "eu-west-1")
	t.Setenv("STOREKEEPER_MIGRATION_RUN_ON_STARTUP", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 6, cfg.Pool.MaxConnections)
	assert.Equal(t, backup.ChecksumXXH64, cfg.Backup.Checksum)
	assert.Equal(t, blobstore.ProviderS3, cfg.BlobStore.Provider)
	assert.Equal(t, "backups", cfg.BlobStore.S3.Bucket)
	assert.Equal(t, "eu-west-1", cfg.BlobStore.S3.Region)
	assert.Empty(t, cfg.BlobStore.Local.BasePath, "local defaults only apply to the local provider")
	assert.False(t, cfg.Migration.RunOnStartup)
}

func TestValidateCollectsEverySection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.MaxConnections = 0
	cfg.Backup.Checksum = "md5"
	cfg.BlobStore.Provider = "ftp"
	cfg.Migration.Thresholds.MinScore = 120
	cfg.Logging.Level = "loud"
	cfg.Logging.Format = "xml"
	cfg.Metrics.Path = "metrics"

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))

	sections := make(map[string]int)
	for _, v := range verrs {
		sections[v.Section]++
	}
	assert.Equal(t, map[string]int{
		"pool":       1,
		"backup":     1,
		"blob_store": 1,
		"migration":  1,
		"logging":    2,
		"metrics":    1,
	}, sections)
	assert.Contains(t, err.Error(), "invalid configuration: pool:")
}

func TestValidateStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Path = "  "
	cfg.Store.BusyTimeout = -time.Second

	var verrs ValidationErrors
	require.True(t, errors.As(cfg.Validate(), &verrs))
	assert.Len(t, verrs, 2)
	for _, v := range verrs {
		assert.Equal(t, "store", v.Section)
	}
}

func TestMetricsDisabledSkipsListenerChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics = MetricsConfig{Enabled: false}
	cfg.SetDefaults()
	assert.NoError(t, cfg.Validate())
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlobStore.S3.AccessKey = "AKIA"
	cfg.BlobStore.S3.SecretKey = "secret"

	red := cfg.Redacted()
	assert.Equal(t, "********", red.BlobStore.S3.AccessKey)
	assert.Equal(t, "********", red.BlobStore.S3.SecretKey)
	assert.Empty(t, red.BlobStore.Azure.AccountKey)
	assert.Equal(t, "secret", cfg.BlobStore.S3.SecretKey, "original is untouched")
}

func TestMarshalRoundTripsThroughLoad(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Store.Path = filepath.Join(dir, "s.db")
	cfg.BlobStore.Local.BasePath = filepath.Join(dir, "b")
	cfg.Pool.MaxConnections = 2

	data, err := Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "acquire_timeout: 5s")

	path := filepath.Join(dir, "out.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "storekeeper.yaml")

	require.NoError(t, WriteTemplate(path, false))
	err := WriteTemplate(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	require.NoError(t, WriteTemplate(path, true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	assert.Contains(t, parsed, "pool")
	assert.Contains(t, parsed, "migration")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.Pool.MaxConnections)
}
