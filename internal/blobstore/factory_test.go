package blobstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"missing provider", Config{}, "provider is required"},
		{"unknown provider", Config{Provider: "ftp"}, "unsupported blob store provider"},
		{"memory", Config{Provider: ProviderMemory}, ""},
		{"local without path", Config{Provider: ProviderLocal}, "base path is required"},
		{"local", Config{Provider: ProviderLocal, Local: LocalConfig{BasePath: "/tmp/x"}}, ""},
		{"badger without path", Config{Provider: ProviderBadger}, "badger path is required"},
		{"badger in memory", Config{Provider: ProviderBadger, Badger: BadgerConfig{InMemory: true}}, ""},
		{"s3 without bucket", Config{Provider: ProviderS3, S3: S3Config{Region: "us-east-1"}}, "bucket is required"},
		{"s3 without region", Config{Provider: ProviderS3, S3: S3Config{Bucket: "b"}}, "region is required"},
		{"s3 half credentials", Config{Provider: ProviderS3, S3: S3Config{Bucket: "b", Region: "r", AccessKey: "ak"}}, "must be set together"},
		{"s3", Config{Provider: ProviderS3, S3: S3Config{Bucket: "b", Region: "r"}}, ""},
		{"azure without key", Config{Provider: ProviderAzure, Azure: AzureConfig{AccountName: "acct", ContainerName: "c"}}, "account key is required"},
		{"gcs without bucket", Config{Provider: ProviderGCS}, "gcs bucket is required"},
		{"gcs", Config{Provider: ProviderGCS, GCS: GCSConfig{Bucket: "b"}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOpenBuildsSelectedBackend(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, Config{Provider: ProviderMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = Open(ctx, Config{Provider: ProviderLocal, Local: LocalConfig{BasePath: filepath.Join(t.TempDir(), "b")}})
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	store, err = Open(ctx, Config{Provider: ProviderBadger, Badger: BadgerConfig{InMemory: true}})
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, store)
	require.NoError(t, store.Close())

	// cloud clients are built without contacting the service
	store, err = Open(ctx, Config{Provider: ProviderS3, S3: S3Config{Bucket: "b", Region: "eu-west-1", AccessKey: "ak", SecretKey: "sk"}})
	require.NoError(t, err)
	assert.IsType(t, &S3Store{}, store)

	store, err = Open(ctx, Config{Provider: ProviderAzure, Azure: AzureConfig{
		AccountName: "acct", AccountKey: "a2V5", ContainerName: "backups",
	}})
	require.NoError(t, err)
	assert.IsType(t, &AzureStore{}, store)

	_, err = Open(ctx, Config{Provider: "ftp"})
	assert.Error(t, err)
}

func TestSupportedProviders(t *testing.T) {
	assert.ElementsMatch(t,
		[]Provider{ProviderLocal, ProviderMemory, ProviderBadger, ProviderS3, ProviderAzure, ProviderGCS},
		SupportedProviders())
}
