package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionAlgorithm is recorded in metadata of encrypted backups.
	EncryptionAlgorithm = "AES-256-GCM+PBKDF2-SHA256"

	saltSize         = 16
	keySize          = 32
	pbkdf2Iterations = 100000

	// DefaultKeyEnvVar holds the passphrase when no key file is configured.
	DefaultKeyEnvVar = "STOREKEEPER_BACKUP_KEY"
)

// EncryptionConfig enables payload encryption at rest. The passphrase is
// read from KeyFile when set, otherwise from the KeyEnvVar variable.
type EncryptionConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	KeyEnvVar string `mapstructure:"key_env_var" yaml:"key_env_var,omitempty"`
	KeyFile   string `mapstructure:"key_file" yaml:"key_file,omitempty"`
}

// Passphrase loads the configured secret.
func (ec EncryptionConfig) Passphrase() (string, error) {
	if ec.KeyFile != "" {
		data, err := os.ReadFile(ec.KeyFile)
		if err != nil {
			return "", fmt.Errorf("failed to read key file: %w", err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("key file %s is empty", ec.KeyFile)
		}
		return key, nil
	}

	envVar := ec.KeyEnvVar
	if envVar == "" {
		envVar = DefaultKeyEnvVar
	}
	key := os.Getenv(envVar)
	if key == "" {
		return "", fmt.Errorf("environment variable %s is not set", envVar)
	}
	return key, nil
}

// EncryptionManager seals payloads with AES-256-GCM. Each payload gets its
// own salt and nonce, laid out as salt | nonce | ciphertext.
type EncryptionManager struct {
	passphrase []byte
}

// NewEncryptionManager loads the passphrase once.
func NewEncryptionManager(cfg EncryptionConfig) (*EncryptionManager, error) {
	passphrase, err := cfg.Passphrase()
	if err != nil {
		return nil, NewEncryptionError("encryption key unavailable", err)
	}
	return &EncryptionManager{passphrase: []byte(passphrase)}, nil
}

func (em *EncryptionManager) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(em.passphrase, salt, pbkdf2Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewEncryptionError("failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewEncryptionError("failed to create GCM cipher", err)
	}
	return gcm, nil
}

// Encrypt seals data.
func (em *EncryptionManager) Encrypt(data []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, NewEncryptionError("failed to generate salt", err)
	}

	gcm, err := em.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, NewEncryptionError("failed to generate nonce", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(data)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

// Decrypt opens data produced by Encrypt.
func (em *EncryptionManager) Decrypt(data []byte) ([]byte, error) {
	if len(data) < saltSize {
		return nil, NewEncryptionError("encrypted data too short", nil)
	}
	salt, rest := data[:saltSize], data[saltSize:]

	gcm, err := em.aead(salt)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, NewEncryptionError("encrypted data too short", nil)
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, NewEncryptionError("failed to decrypt data", err)
	}
	return plaintext, nil
}
