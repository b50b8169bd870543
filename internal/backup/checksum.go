package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// ChecksumAlgorithm identifies the digest stored next to a backup's checksum.
type ChecksumAlgorithm string

const (
	ChecksumSHA256  ChecksumAlgorithm = "sha256"
	ChecksumBLAKE2b ChecksumAlgorithm = "blake2b-256"
	ChecksumXXH64   ChecksumAlgorithm = "xxh64"
)

// SupportedChecksums lists the algorithms ComputeChecksum accepts.
func SupportedChecksums() []ChecksumAlgorithm {
	return []ChecksumAlgorithm{ChecksumSHA256, ChecksumBLAKE2b, ChecksumXXH64}
}

func newHasher(alg ChecksumAlgorithm) (hash.Hash, error) {
	switch alg {
	case ChecksumSHA256:
		return sha256.New(), nil
	case ChecksumBLAKE2b:
		return blake2b.New256(nil)
	case ChecksumXXH64:
		return xxhash.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm: %q", alg)
	}
}

// ComputeChecksum returns the hex digest of data.
func ComputeChecksum(alg ChecksumAlgorithm, data []byte) (string, error) {
	h, err := newHasher(alg)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
