package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"storekeeper/internal/blobstore"
)

const (
	// CatalogKey is the blob holding the catalog index.
	CatalogKey = "catalog_index"
	// RecordKeyPrefix prefixes every backup record key.
	RecordKeyPrefix = "backup_"

	catalogFormatVersion = 1
)

// RecordKey returns the blob key for a backup id.
func RecordKey(id string) string { return RecordKeyPrefix + id }

// catalogIndex maps backup ids to their metadata so listing never loads payloads.
type catalogIndex struct {
	FormatVersion int               `json:"format_version"`
	Backups       map[string]Backup `json:"backups"`
}

func readCatalog(ctx context.Context, store blobstore.Store) (map[string]Backup, error) {
	data, err := store.Get(ctx, CatalogKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return map[string]Backup{}, nil
	}
	if err != nil {
		return nil, NewStorageError("failed to read catalog index", err)
	}

	var idx catalogIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, NewCorruptionError("catalog index is not valid JSON", err)
	}
	if idx.FormatVersion != catalogFormatVersion {
		return nil, NewCorruptionError(fmt.Sprintf("unsupported catalog format version %d", idx.FormatVersion), nil)
	}
	if idx.Backups == nil {
		idx.Backups = map[string]Backup{}
	}
	return idx.Backups, nil
}

func writeCatalog(ctx context.Context, store blobstore.Store, backups map[string]Backup) error {
	data, err := json.Marshal(catalogIndex{FormatVersion: catalogFormatVersion, Backups: backups})
	if err != nil {
		return NewStorageError("failed to encode catalog index", err)
	}
	if err := store.Put(ctx, CatalogKey, data); err != nil {
		return NewStorageError("failed to write catalog index", err)
	}
	return nil
}

func cloneCatalog(in map[string]Backup) map[string]Backup {
	out := make(map[string]Backup, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
