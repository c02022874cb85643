package vault

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/config"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := NewKeyRing("k1", map[string][]byte{"k1": testKey(1)})
	require.NoError(t, err)

	creds := Credentials{"client_id": "abc", "password": "hunter2"}
	blob, err := v.Encrypt(creds)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(blob, "v1.k1."))
	assert.NotContains(t, blob, "hunter2")
	assert.Equal(t, "k1", KeyID(blob))

	got, err := v.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, creds, got)

	again, err := v.Encrypt(creds)
	require.NoError(t, err)
	assert.NotEqual(t, blob, again, "nonce must differ per encryption")
}

func TestDecryptFailuresAreConfigurationErrors(t *testing.T) {
	v, err := NewKeyRing("k1", map[string][]byte{"k1": testKey(1)})
	require.NoError(t, err)
	blob, err := v.Encrypt(Credentials{"api_key": "s3cr3t"})
	require.NoError(t, err)

	parts := strings.Split(blob, ".")
	raw, _ := base64.RawURLEncoding.DecodeString(parts[2])
	raw[len(raw)-1] ^= 0xff
	tampered := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString(raw)

	other, err := NewKeyRing("k1", map[string][]byte{"k1": testKey(2)})
	require.NoError(t, err)

	tests := []struct {
		name  string
		vault *VaultImpl
		blob  string
	}{
		{"tampered ciphertext", v, tampered},
		{"wrong key", other, blob},
		{"unknown key id", v, "v1.k9." + parts[2]},
		{"key id swapped", v, strings.Replace(blob, "v1.k1.", "v1.k2.", 1)},
		{"not a blob", v, "eyJhcGlfa2V5IjoiczNjcjN0In0="},
		{"legacy base64 json", v, base64.StdEncoding.EncodeToString([]byte(`{"api_key":"s3cr3t"}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.vault.Decrypt(tt.blob)
			require.Error(t, err)
			assert.True(t, errors.Is(err, crmerrors.ErrConfiguration))
			assert.NotContains(t, err.Error(), "s3cr3t")
		})
	}
}

func TestKeyRotation(t *testing.T) {
	old, err := NewKeyRing("k1", map[string][]byte{"k1": testKey(1)})
	require.NoError(t, err)
	blob, err := old.Encrypt(Credentials{"token": "t"})
	require.NoError(t, err)

	rotated, err := NewKeyRing("k2", map[string][]byte{"k1": testKey(1), "k2": testKey(2)})
	require.NoError(t, err)

	creds, err := rotated.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "t", creds.Get("token"))

	fresh, err := rotated.Encrypt(creds)
	require.NoError(t, err)
	assert.Equal(t, "k2", KeyID(fresh))
}

func TestNewVaultFromConfig(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(testKey(3))
	oldKey := base64.StdEncoding.EncodeToString(testKey(4))

	v, err := NewVault(&config.Config{VaultKey: key, VaultKeyID: "main", VaultOldKeys: []string{"prev:" + oldKey}}, zap.NewNop())
	require.NoError(t, err)
	blob, err := v.Encrypt(Credentials{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, "main", KeyID(blob))

	_, err = NewVault(&config.Config{VaultKey: "short", VaultKeyID: "main"}, zap.NewNop())
	assert.True(t, errors.Is(err, crmerrors.ErrConfiguration))

	_, err = NewVault(&config.Config{VaultKey: key, VaultKeyID: "main", VaultOldKeys: []string{"nocolon"}}, zap.NewNop())
	assert.True(t, errors.Is(err, crmerrors.ErrConfiguration))

	unset, err := NewVault(&config.Config{}, zap.NewNop())
	require.NoError(t, err)
	_, err = unset.Encrypt(Credentials{"a": "b"})
	assert.True(t, errors.Is(err, crmerrors.ErrConfiguration))
}

func TestCredentialsRedaction(t *testing.T) {
	creds := Credentials{"password": "hunter2", "username": "ops@example.com"}

	assert.Equal(t, "Credentials{password:[REDACTED] username:[REDACTED]}", creds.String())
	assert.NotContains(t, fmt.Sprintf("%v %+v %#v %s", creds, creds, creds, creds), "hunter2")

	core, logs := observer.New(zap.InfoLevel)
	zap.New(core).Info("connector built", zap.Object("credentials", creds))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, map[string]interface{}{"password": "[REDACTED]", "username": "[REDACTED]"}, logs.All()[0].ContextMap()["credentials"])

	assert.Equal(t, []string{"client_secret"}, creds.Require("username", "client_secret"))
}
