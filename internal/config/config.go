// Package config loads the storekeeper configuration from a YAML file,
// STOREKEEPER_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"storekeeper/internal/backup"
	"storekeeper/internal/blobstore"
	"storekeeper/internal/engine"
	"storekeeper/internal/logging"
	"storekeeper/internal/migration"
	"storekeeper/internal/pool"
)

const (
	// EnvPrefix prefixes every environment override, e.g. STOREKEEPER_POOL_MAX_CONNECTIONS.
	EnvPrefix = "STOREKEEPER"
	// FileName is the config file looked up when no explicit path is given.
	FileName = "storekeeper"
	// DefaultDataDir holds the store file and, by default, the backups.
	DefaultDataDir = "./data"
	// DefaultStoreFile is the store file name inside the data dir.
	DefaultStoreFile = "storekeeper.db"
)

// Config is the full configuration tree.
type Config struct {
	DataDir   string           `mapstructure:"data_dir" yaml:"data_dir"`
	Store     engine.Config    `mapstructure:"store" yaml:"store"`
	Pool      pool.Config      `mapstructure:"pool" yaml:"pool"`
	Backup    backup.Config    `mapstructure:"backup" yaml:"backup"`
	BlobStore blobstore.Config `mapstructure:"blob_store" yaml:"blob_store"`
	Migration migration.Config `mapstructure:"migration" yaml:"migration"`
	Logging   LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig mirrors logging.Config in a serializable form.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	ShowCaller bool   `mapstructure:"show_caller" yaml:"show_caller"`
}

// Logger converts the section into a logging.Config. Level has been validated.
func (c LoggingConfig) Logger() logging.Config {
	level, _ := logging.ParseLevel(c.Level)
	return logging.Config{
		Level:      level,
		Format:     c.Format,
		ShowCaller: c.ShowCaller,
		LogFile:    c.File,
	}
}

// MetricsConfig controls the /metrics and /healthz listener used by serve.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	cfg := &Config{
		DataDir:   DefaultDataDir,
		Store:     engine.Config{BusyTimeout: engine.DefaultBusyTimeout},
		Pool:      pool.DefaultConfig(),
		Backup:    backup.DefaultConfig(),
		BlobStore: blobstore.Config{Provider: blobstore.ProviderLocal},
		Migration: migration.DefaultConfig(),
		Logging:   LoggingConfig{Level: string(logging.LogLevelNormal), Format: "text"},
		Metrics:   MetricsConfig{Enabled: true, Address: ":9090", Path: "/metrics"},
	}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults derives the paths that hang off the data dir.
func (c *Config) SetDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, DefaultStoreFile)
	}
	if c.Store.BusyTimeout == 0 {
		c.Store.BusyTimeout = engine.DefaultBusyTimeout
	}
	if c.BlobStore.Provider == "" {
		c.BlobStore.Provider = blobstore.ProviderLocal
	}
	if c.BlobStore.Provider == blobstore.ProviderLocal {
		if c.BlobStore.Local.BasePath == "" {
			c.BlobStore.Local.BasePath = filepath.Join(c.DataDir, "backups")
		}
		if c.BlobStore.Local.Permissions == 0 {
			c.BlobStore.Local.Permissions = 0o755
		}
	}
	if c.BlobStore.Provider == blobstore.ProviderBadger && c.BlobStore.Badger.Path == "" && !c.BlobStore.Badger.InMemory {
		c.BlobStore.Badger.Path = filepath.Join(c.DataDir, "backups.badger")
	}
	c.Backup.SetDefaults()
	c.Migration.SetDefaults()
	if c.Logging.Level == "" {
		c.Logging.Level = string(logging.LogLevelNormal)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// ValidationError ties a failure to the config section it came from.
type ValidationError struct {
	Section string
	Err     error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Section, e.Err)
}

func (e ValidationError) Unwrap() error { return e.Err }

// ValidationErrors collects every section failure instead of stopping at the first.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

func (e ValidationErrors) Unwrap() []error {
	errs := make([]error, len(e))
	for i := range e {
		errs[i] = e[i]
	}
	return errs
}

func (e *ValidationErrors) add(section string, err error) {
	if err != nil {
		*e = append(*e, ValidationError{Section: section, Err: err})
	}
}

// Validate checks every section and returns ValidationErrors when any fail.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if strings.TrimSpace(c.Store.Path) == "" {
		errs.add("store", errors.New("path is required"))
	}
	if c.Store.BusyTimeout < 0 {
		errs.add("store", errors.New("busy_timeout cannot be negative"))
	}
	errs.add("pool", c.Pool.Validate())
	errs.add("backup", c.Backup.Validate())
	errs.add("blob_store", c.BlobStore.Validate())
	errs.add("migration", c.Migration.Validate())

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs.add("logging", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs.add("logging", fmt.Errorf("format must be text or json, got %q", c.Logging.Format))
	}
	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			errs.add("metrics", errors.New("address is required when metrics are enabled"))
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			errs.add("metrics", fmt.Errorf("path must start with /, got %q", c.Metrics.Path))
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Redacted returns a copy with credentials masked, for display.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&c.BlobStore.S3.AccessKey)
	mask(&c.BlobStore.S3.SecretKey)
	mask(&c.BlobStore.Azure.AccountKey)
	return c
}

// Loader wraps the viper instance so cobra flags can be bound before Load.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a loader with env overrides and defaults registered.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Loader{v: v}
}

// Viper exposes the underlying instance for flag binding.
func (l *Loader) Viper() *viper.Viper { return l.v }

// Load reads path, or searches the usual locations when path is empty. A
// missing file in the search path is not an error; an explicit path must exist.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName(FileName)
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("$HOME/.config/storekeeper")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.SetDefaults()
	return cfg, nil
}

// ConfigFileUsed reports which file Load read, if any.
func (l *Loader) ConfigFileUsed() string { return l.v.ConfigFileUsed() }

// Load is a shorthand for NewLoader().Load(path).
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// setDefaults registers every leaf key so AutomaticEnv can override it
// during Unmarshal.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("store.path", "")
	v.SetDefault("store.name", "")
	v.SetDefault("store.busy_timeout", d.Store.BusyTimeout)

	v.SetDefault("pool.min_connections", d.Pool.MinConnections)
	v.SetDefault("pool.max_connections", d.Pool.MaxConnections)
	v.SetDefault("pool.acquire_timeout", d.Pool.AcquireTimeout)
	v.SetDefault("pool.idle_timeout", d.Pool.IdleTimeout)
	v.SetDefault("pool.health_check_interval", d.Pool.HealthCheckInterval)
	v.SetDefault("pool.probe_timeout", d.Pool.ProbeTimeout)

	v.SetDefault("backup.max_backups", d.Backup.MaxBackups)
	v.SetDefault("backup.max_age", time.Duration(0))
	v.SetDefault("backup.recovery_points", d.Backup.RecoveryPoints)
	v.SetDefault("backup.checksum", string(d.Backup.Checksum))
	v.SetDefault("backup.compression.enabled", d.Backup.Compression.Enabled)
	v.SetDefault("backup.compression.algorithm", string(d.Backup.Compression.Algorithm))
	v.SetDefault("backup.compression.level", d.Backup.Compression.Level)
	v.SetDefault("backup.encryption.enabled", false)
	v.SetDefault("backup.encryption.key_env_var", backup.DefaultKeyEnvVar)
	v.SetDefault("backup.encryption.key_file", "")

	v.SetDefault("blob_store.provider", string(blobstore.ProviderLocal))
	v.SetDefault("blob_store.local.base_path", "")
	v.SetDefault("blob_store.local.permissions", 0o755)
	v.SetDefault("blob_store.badger.path", "")
	v.SetDefault("blob_store.badger.in_memory", false)
	for _, key := range []string{
		"s3.bucket", "s3.region", "s3.prefix", "s3.access_key", "s3.secret_key", "s3.endpoint",
		"azure.account_name", "azure.account_key", "azure.container_name", "azure.prefix", "azure.service_url",
		"gcs.bucket", "gcs.prefix", "gcs.credentials_path", "gcs.endpoint",
	} {
		v.SetDefault("blob_store."+key, "")
	}
	v.SetDefault("blob_store.s3.force_path_style", false)

	v.SetDefault("migration.run_on_startup", d.Migration.RunOnStartup)
	v.SetDefault("migration.sample_size", d.Migration.SampleSize)
	v.SetDefault("migration.thresholds.min_success_rate", d.Migration.Thresholds.MinSuccessRate)
	v.SetDefault("migration.thresholds.min_score", d.Migration.Thresholds.MinScore)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.show_caller", false)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
	v.SetDefault("metrics.path", d.Metrics.Path)
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return data, nil
}

// WriteTemplate writes the commented template to path. An existing file is
// only replaced when force is set.
func WriteTemplate(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file %s already exists (use --force to overwrite)", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(Template()), 0o600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}

// Template returns a fully commented configuration file with the defaults.
func Template() string {
	return `# storekeeper configuration
# Every key can be overridden with an environment variable:
# STOREKEEPER_<SECTION>_<KEY>, e.g. STOREKEEPER_POOL_MAX_CONNECTIONS=8

data_dir: ./data              # store file and local backups live here

store:
  path: ""                    # defaults to <data_dir>/storekeeper.db
  busy_timeout: 5s            # how long a handle waits on a locked store

pool:
  min_connections: 1          # kept warm at all times
  max_connections: 4          # hard cap on open handles
  acquire_timeout: 5s         # wait before ConnectionTimeout
  idle_timeout: 5m            # idle handles above the minimum are closed after this
  health_check_interval: 30s  # 0 disables the periodic sweep
  probe_timeout: 2s           # per-handle health probe deadline

backup:
  max_backups: 10             # catalog size; oldest are pruned first (0 = unlimited)
  max_age: 0s                 # prune backups older than this (0 = keep)
  recovery_points: 5          # automatic snapshots taken before each restore
  checksum: sha256            # sha256, blake2b-256 or xxh64
  compression:
    enabled: true
    algorithm: zstd           # gzip, lz4 or zstd
    level: 3
  encryption:
    enabled: false
    key_env_var: STOREKEEPER_BACKUP_KEY
    key_file: ""

blob_store:
  provider: local             # local, memory, badger, s3, azure or gcs
  local:
    base_path: ""             # defaults to <data_dir>/backups
  # badger:
  #   path: ./data/backups.badger
  # s3:
  #   bucket: my-backups
  #   region: us-east-1
  #   prefix: storekeeper/
  # azure:
  #   account_name: ""
  #   container_name: backups
  # gcs:
  #   bucket: my-backups
  #   credentials_path: ""

migration:
  run_on_startup: true        # migrate before the store is used
  sample_size: 100            # rows sampled per entity for completeness
  thresholds:
    min_success_rate: 90      # per entity, percent
    min_score: 80             # overall validation score

logging:
  level: normal               # quiet, normal, verbose or debug
  format: text                # text or json
  file: ""
  show_caller: false

metrics:
  enabled: true
  address: ":9090"
  path: /metrics
`
}
