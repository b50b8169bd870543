package blobstore

import (
	"context"
	"fmt"
)

// Provider names a Store backend.
type Provider string

const (
	ProviderLocal  Provider = "local"
	ProviderMemory Provider = "memory"
	ProviderBadger Provider = "badger"
	ProviderS3     Provider = "s3"
	ProviderAzure  Provider = "azure"
	ProviderGCS    Provider = "gcs"
)

// SupportedProviders lists every backend Open can build.
func SupportedProviders() []Provider {
	return []Provider{ProviderLocal, ProviderMemory, ProviderBadger, ProviderS3, ProviderAzure, ProviderGCS}
}

// Config selects a backend and carries the settings for each of them.
// Only the section matching Provider is read.
type Config struct {
	Provider Provider     `mapstructure:"provider" yaml:"provider"`
	Local    LocalConfig  `mapstructure:"local" yaml:"local,omitempty"`
	Badger   BadgerConfig `mapstructure:"badger" yaml:"badger,omitempty"`
	S3       S3Config     `mapstructure:"s3" yaml:"s3,omitempty"`
	Azure    AzureConfig  `mapstructure:"azure" yaml:"azure,omitempty"`
	GCS      GCSConfig    `mapstructure:"gcs" yaml:"gcs,omitempty"`
}

// Validate checks the section for the selected provider.
func (c Config) Validate() error {
	var err error
	switch c.Provider {
	case ProviderLocal:
		err = c.Local.Validate()
	case ProviderMemory:
	case ProviderBadger:
		err = c.Badger.Validate()
	case ProviderS3:
		err = c.S3.Validate()
	case ProviderAzure:
		err = c.Azure.Validate()
	case ProviderGCS:
		err = c.GCS.Validate()
	case "":
		return fmt.Errorf("blob store provider is required")
	default:
		return fmt.Errorf("unsupported blob store provider: %s", c.Provider)
	}
	if err != nil {
		return fmt.Errorf("invalid %s blob store configuration: %w", c.Provider, err)
	}
	return nil
}

// Open builds the Store selected by cfg.Provider.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case ProviderLocal:
		return NewLocalStore(cfg.Local)
	case ProviderMemory:
		return NewMemoryStore(), nil
	case ProviderBadger:
		return NewBadgerStore(cfg.Badger)
	case ProviderS3:
		return NewS3Store(cfg.S3)
	case ProviderAzure:
		return NewAzureStore(cfg.Azure)
	default:
		return NewGCSStore(ctx, cfg.GCS)
	}
}
