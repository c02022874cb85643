// Package vault encrypts provider credentials at rest.
//
// Blobs look like v1.<key-id>.<base64url(nonce || ciphertext)>. The key id is
// authenticated as associated data, so a blob cannot be replayed under a
// different key id.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/config"
)

const blobVersion = "v1"

type Vault interface {
	Encrypt(creds Credentials) (string, error)
	Decrypt(blob string) (Credentials, error)
}

type VaultImpl struct {
	primaryID string
	keys      map[string]cipher.AEAD
}

// NewVault builds the key ring from configuration. A missing primary key is
// not fatal at boot; every Encrypt and Decrypt then fails with a
// configuration error.
func NewVault(cfg *config.Config, logger *zap.Logger) (Vault, error) {
	keys := make(map[string][]byte)
	if cfg.VaultKey == "" {
		logger.Warn("CRM_VAULT_KEY not set, integrations cannot store credentials")
		return &VaultImpl{keys: map[string]cipher.AEAD{}}, nil
	}

	primary, err := decodeKey(cfg.VaultKey)
	if err != nil {
		return nil, err
	}
	keys[cfg.VaultKeyID] = primary

	for _, entry := range cfg.VaultOldKeys {
		id, encoded, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok {
			return nil, crmerrors.Configuration("CRM_VAULT_OLD_KEYS entries must be <id>:<key>")
		}
		key, err := decodeKey(encoded)
		if err != nil {
			return nil, err
		}
		keys[id] = key
	}

	ring, err := NewKeyRing(cfg.VaultKeyID, keys)
	if err != nil {
		return nil, err
	}
	return ring, nil
}

// NewKeyRing encrypts with primaryID and decrypts with any key in keys.
func NewKeyRing(primaryID string, keys map[string][]byte) (*VaultImpl, error) {
	v := &VaultImpl{primaryID: primaryID, keys: make(map[string]cipher.AEAD, len(keys))}
	for id, key := range keys {
		if id == "" || strings.Contains(id, ".") {
			return nil, crmerrors.Configuration("invalid vault key id %q", id)
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, crmerrors.Configuration("vault key %s: %v", id, err)
		}
		v.keys[id] = aead
	}
	if primaryID != "" && v.keys[primaryID] == nil {
		return nil, crmerrors.Configuration("primary vault key %q is not in the key ring", primaryID)
	}
	return v, nil
}

func (v *VaultImpl) Encrypt(creds Credentials) (string, error) {
	aead := v.keys[v.primaryID]
	if aead == nil {
		return "", crmerrors.Configuration("vault has no encryption key")
	}

	plaintext, err := json.Marshal(map[string]string(creds))
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(v.primaryID))

	return blobVersion + "." + v.primaryID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt never includes blob contents in its errors.
func (v *VaultImpl) Decrypt(blob string) (Credentials, error) {
	parts := strings.Split(blob, ".")
	if len(parts) != 3 || parts[0] != blobVersion {
		return nil, crmerrors.Configuration("credentials blob is malformed")
	}
	keyID := parts[1]
	aead := v.keys[keyID]
	if aead == nil {
		return nil, crmerrors.Configuration("credentials encrypted with unknown key %q", keyID)
	}

	sealed, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, crmerrors.Configuration("credentials blob is malformed")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(keyID))
	if err != nil {
		return nil, crmerrors.Configuration("credentials could not be decrypted")
	}

	creds := Credentials{}
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, crmerrors.Configuration("credentials payload is not valid")
	}
	return creds, nil
}

// KeyID returns the key id a blob was sealed with.
func KeyID(blob string) string {
	parts := strings.Split(blob, ".")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, crmerrors.Configuration("vault key is not valid base64")
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, crmerrors.Configuration("vault key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}
