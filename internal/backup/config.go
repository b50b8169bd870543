package backup

import (
	"time"
)

// Config controls how backups are produced and how many are kept.
type Config struct {
	// MaxBackups bounds the catalog; 0 keeps everything.
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// MaxAge expires older backups after each create. The newest backup is
	// always kept.
	MaxAge         time.Duration     `mapstructure:"max_age" yaml:"max_age"`
	RecoveryPoints int               `mapstructure:"recovery_points" yaml:"recovery_points"`
	Checksum       ChecksumAlgorithm `mapstructure:"checksum" yaml:"checksum"`
	Compression    CompressionConfig `mapstructure:"compression" yaml:"compression"`
	Encryption     EncryptionConfig  `mapstructure:"encryption" yaml:"encryption"`
}

// CompressionConfig selects the payload codec.
type CompressionConfig struct {
	Enabled   bool            `mapstructure:"enabled" yaml:"enabled"`
	Algorithm CompressionType `mapstructure:"algorithm" yaml:"algorithm"`
	Level     int             `mapstructure:"level" yaml:"level"`
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxBackups:     10,
		RecoveryPoints: 5,
		Checksum:       ChecksumSHA256,
		Compression: CompressionConfig{
			Enabled:   true,
			Algorithm: CompressionTypeZstd,
			Level:     3,
		},
		Encryption: EncryptionConfig{KeyEnvVar: DefaultKeyEnvVar},
	}
}

// SetDefaults fills zero values that have a sensible default.
func (c *Config) SetDefaults() {
	d := DefaultConfig()
	if c.Checksum == "" {
		c.Checksum = d.Checksum
	}
	if c.Compression.Enabled && c.Compression.Algorithm == "" {
		c.Compression.Algorithm = d.Compression.Algorithm
	}
	if c.Encryption.Enabled && c.Encryption.KeyEnvVar == "" && c.Encryption.KeyFile == "" {
		c.Encryption.KeyEnvVar = DefaultKeyEnvVar
	}
}

// Validate validates the backup configuration
func (c Config) Validate() error {
	var errors ValidationErrors

	if c.MaxBackups < 0 {
		errors.Add("max_backups", "must not be negative", c.MaxBackups)
	}
	if c.MaxAge < 0 {
		errors.Add("max_age", "must not be negative", c.MaxAge)
	}
	if c.RecoveryPoints < 0 {
		errors.Add("recovery_points", "must not be negative", c.RecoveryPoints)
	}
	if _, err := newHasher(c.Checksum); err != nil {
		errors.Add("checksum", err.Error(), c.Checksum)
	}
	if c.Compression.Enabled {
		switch c.Compression.Algorithm {
		case CompressionTypeGzip, CompressionTypeLZ4, CompressionTypeZstd:
		default:
			errors.Add("compression.algorithm", "must be one of gzip, lz4, zstd", c.Compression.Algorithm)
		}
	}
	if c.Encryption.Enabled {
		if _, err := c.Encryption.Passphrase(); err != nil {
			errors.Add("encryption", err.Error(), nil)
		}
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}
