package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// SecretsManager handles encryption and decryption of credential secrets
type SecretsManager struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewSecretsManager creates a secrets manager from a raw 32-byte
// AES-256 key.
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("AES-256 needs a 32 byte key, got %d bytes", len(key))
	}

	return &SecretsManager{encryptionKey: key}, nil
}

// NewSecretsManagerFromEnv creates a secrets manager from the ENCRYPTION_KEY
// value: a base64-encoded 32-byte key, or any other string treated as a
// passphrase and hashed with SHA-256 to derive the key.
func NewSecretsManagerFromEnv(value string) (*SecretsManager, error) {
	if value == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}

	if raw, err := base64.StdEncoding.DecodeString(value); err == nil && len(raw) == 32 {
		return NewSecretsManager(raw)
	}

	hash := sha256.Sum256([]byte(value))
	return NewSecretsManager(hash[:])
}

// aead builds the AES-256-GCM sealer for this manager's key.
func (sm *SecretsManager) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("aes init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with AES-256-GCM. The random nonce leads the
// returned ciphertext.
func (sm *SecretsManager) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("refusing to encrypt an empty secret")
	}

	gcm, err := sm.aead()
	if err != nil {
		return nil, err
	}

	out := make([]byte, gcm.NonceSize(), gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("nonce generation: %w", err)
	}

	return gcm.Seal(out, out[:gcm.NonceSize()], plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt, expecting the leading
// nonce.
func (sm *SecretsManager) Decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := sm.aead()
	if err != nil {
		return nil, err
	}

	if len(ciphertext) <= gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}

	plaintext, err := gcm.Open(nil, ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("secret does not decrypt with the configured key: %w", err)
	}
	return plaintext, nil
}

// tokenAlphabet and tokenLength match the join tokens RKE2 accepts.
const (
	tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	tokenLength   = 64
)

// NewClusterToken generates a random cluster join token from a
// cryptographically secure source.
func NewClusterToken() (string, error) {
	token := make([]byte, tokenLength)
	for i := range token {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(tokenAlphabet))))
		if err != nil {
			return "", fmt.Errorf("token generation: %w", err)
		}
		token[i] = tokenAlphabet[idx.Int64()]
	}
	return string(token), nil
}

// PrepareSSHKey normalizes decrypted private key material before it is
// written to disk: trims surrounding whitespace and guarantees a trailing
// newline, which OpenSSH requires.
func PrepareSSHKey(secret string) string {
	secret = strings.TrimSpace(secret)
	if !strings.HasSuffix(secret, "\n") {
		secret += "\n"
	}
	return secret
}
