// Package blobstore persists opaque byte payloads under flat string keys.
// Backup records, the backup catalog and the last migration run all live
// in one Store; the backends differ only in where the bytes end up.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when no blob exists under the key.
var ErrNotFound = errors.New("blob not found")

// MaxKeyLength bounds keys so every backend can use them as object names.
const MaxKeyLength = 256

// Store is the persistence surface used by the backup service and the
// migration run store. Put replaces any existing blob atomically from the
// reader's point of view. Delete of a missing key is not an error.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// HealthChecker is implemented by backends that can verify reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ValidateKey rejects keys that are empty, too long, or contain anything
// other than letters, digits, '-', '_' and '.'. Keys may not start with a
// dot, which keeps them clear of temp files and path traversal.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("blob key cannot be empty")
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("blob key exceeds %d characters", MaxKeyLength)
	}
	if strings.HasPrefix(key, ".") {
		return fmt.Errorf("blob key %q cannot start with '.'", key)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("blob key %q contains invalid character %q", key, r)
		}
	}
	return nil
}

// keyspace maps store keys onto object names under an optional prefix.
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) object(key string) string { return k.prefix + key }

func (k keyspace) key(object string) (string, bool) {
	if !strings.HasPrefix(object, k.prefix) {
		return "", false
	}
	key := strings.TrimPrefix(object, k.prefix)
	if strings.Contains(key, "/") || key == "" {
		return "", false
	}
	return key, true
}
