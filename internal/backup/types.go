package backup

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// Kind is the backup kind.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

// Status is the lifecycle state of a backup.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Backup is the catalog entry for one stored snapshot. It is immutable once
// completed.
type Backup struct {
	ID                string            `json:"id" yaml:"id"`
	Source            string            `json:"source" yaml:"source"`
	CreatedAt         time.Time         `json:"created_at" yaml:"created_at"`
	Kind              Kind              `json:"kind" yaml:"kind"`
	Status            Status            `json:"status" yaml:"status"`
	Description       string            `json:"description,omitempty" yaml:"description,omitempty"`
	Tags              map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	SizeBytes         int64             `json:"size_bytes" yaml:"size_bytes"`
	OriginalSize      int64             `json:"original_size" yaml:"original_size"`
	RowCount          int               `json:"row_count" yaml:"row_count"`
	Compressed        bool              `json:"compressed" yaml:"compressed"`
	Compression       CompressionType   `json:"compression" yaml:"compression"`
	CompressionFormat int               `json:"compression_format" yaml:"compression_format"`
	Encrypted         bool              `json:"encrypted" yaml:"encrypted"`
	Encryption        string            `json:"encryption,omitempty" yaml:"encryption,omitempty"`
	Checksum          string            `json:"checksum" yaml:"checksum"`
	ChecksumAlgorithm ChecksumAlgorithm `json:"checksum_algorithm" yaml:"checksum_algorithm"`
	SnapshotFormat    int               `json:"snapshot_format" yaml:"snapshot_format"`
}

// Record is what is persisted under a backup's key.
type Record struct {
	Metadata Backup `json:"metadata"`
	Payload  []byte `json:"payload"`
}

// UnmarshalJSON accepts only the canonical base64 form of the payload, so
// every byte of the stored record is covered by the checksum gate.
func (r *Record) UnmarshalJSON(data []byte) error {
	var wire struct {
		Metadata Backup  `json:"metadata"`
		Payload  *string `json:"payload"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.Metadata = wire.Metadata
	r.Payload = nil
	if wire.Payload == nil {
		return nil
	}
	payload, err := base64.StdEncoding.Strict().DecodeString(*wire.Payload)
	if err != nil {
		return err
	}
	if base64.StdEncoding.EncodeToString(payload) != *wire.Payload {
		return errors.New("payload is not canonical base64")
	}
	r.Payload = payload
	return nil
}

// RecoveryPoint is an in-memory snapshot of the store taken right before a
// restore replaced it.
type RecoveryPoint struct {
	ID        string    `json:"id" yaml:"id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	// BackupID is the backup whose restore produced this point.
	BackupID  string `json:"backup_id,omitempty" yaml:"backup_id,omitempty"`
	SizeBytes int64  `json:"size_bytes" yaml:"size_bytes"`
	Payload   []byte `json:"-" yaml:"-"`
}

// CreateOptions describe a backup request.
type CreateOptions struct {
	Kind        Kind
	Description string
	Tags        map[string]string
}

// RestoreOptions tune a restore.
type RestoreOptions struct {
	// SkipRecoveryPoint restores without first capturing the current state.
	SkipRecoveryPoint bool
}
