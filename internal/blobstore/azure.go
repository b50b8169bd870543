package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureConfig configures the Azure Blob Storage backend. ServiceURL
// overrides the public endpoint, e.g. for Azurite.
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key,omitempty"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	Prefix        string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	ServiceURL    string `mapstructure:"service_url" yaml:"service_url,omitempty"`
}

// Validate checks the Azure configuration.
func (c AzureConfig) Validate() error {
	var errs []error
	if c.AccountName == "" {
		errs = append(errs, fmt.Errorf("azure account name is required"))
	}
	if c.AccountKey == "" {
		errs = append(errs, fmt.Errorf("azure account key is required"))
	}
	if c.ContainerName == "" {
		errs = append(errs, fmt.Errorf("azure container name is required"))
	}
	return errors.Join(errs...)
}

// AzureStore stores each blob as one block blob.
type AzureStore struct {
	container azblob.ContainerURL
	keys      keyspace
}

// NewAzureStore builds the container URL. No request is made until first use.
func NewAzureStore(cfg AzureConfig) (*AzureStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	endpoint := cfg.ServiceURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}
	serviceURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid azure service url: %w", err)
	}

	return &AzureStore{
		container: azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(cfg.ContainerName),
		keys:      newKeyspace(cfg.Prefix),
	}, nil
}

func (s *AzureStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	blobURL := s.container.NewBlockBlobURL(s.keys.object(key))
	_, err := azblob.UploadBufferToBlockBlob(ctx, data, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 16,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to azure: %w", key, err)
	}
	return nil
}

func (s *AzureStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	blobURL := s.container.NewBlockBlobURL(s.keys.object(key))
	resp, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download %s from azure: %w", key, err)
	}

	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 20})
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from azure: %w", key, err)
	}
	return data, nil
}

func (s *AzureStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	blobURL := s.container.NewBlockBlobURL(s.keys.object(key))
	_, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("failed to delete %s from azure: %w", key, err)
	}
	return nil
}

func (s *AzureStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := s.container.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: s.keys.object(prefix),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list azure blobs: %w", err)
		}
		for _, item := range resp.Segment.BlobItems {
			if key, ok := s.keys.key(item.Name); ok {
				keys = append(keys, key)
			}
		}
		marker = resp.NextMarker
	}
	return keys, nil
}

// HealthCheck reads the container properties.
func (s *AzureStore) HealthCheck(ctx context.Context) error {
	if _, err := s.container.GetProperties(ctx, azblob.LeaseAccessConditions{}); err != nil {
		return fmt.Errorf("azure container unreachable: %w", err)
	}
	return nil
}

func (s *AzureStore) Close() error { return nil }

func isAzureNotFound(err error) bool {
	var stgErr azblob.StorageError
	if !errors.As(err, &stgErr) {
		return false
	}
	return stgErr.ServiceCode() == azblob.ServiceCodeBlobNotFound
}
