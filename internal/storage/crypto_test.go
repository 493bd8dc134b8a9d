package storage

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedkr/docgather/internal/config"
)

func testVault(t *testing.T) *Vault {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := NewVault(&config.StorageConfig{
		MasterKeyVersion: "v1",
		MasterKey:        base64.StdEncoding.EncodeToString(key),
	})
	require.NoError(t, err)
	return v
}

func TestVaultRejectsShortKey(t *testing.T) {
	_, err := NewVault(&config.StorageConfig{
		MasterKeyVersion: "v1",
		MasterKey:        base64.StdEncoding.EncodeToString([]byte("too-short")),
	})
	assert.Error(t, err)
}

func TestJSONBRoundTrip(t *testing.T) {
	v := testVault(t)

	in := map[string]interface{}{"documentId": "doc-1", "confidence": 0.95}
	ciphertext, err := v.EncryptJSONB(in, "v1")
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "doc-1")

	var out map[string]interface{}
	require.NoError(t, v.DecryptJSONB(ciphertext, "v1", &out))
	assert.Equal(t, "doc-1", out["documentId"])
	assert.Equal(t, 0.95, out["confidence"])
}

func TestJSONBUnknownKeyVersion(t *testing.T) {
	v := testVault(t)
	_, err := v.EncryptJSONB(map[string]interface{}{"a": 1}, "v99")
	assert.Error(t, err)
}

func TestDEKWrapUnwrapRoundTrip(t *testing.T) {
	v := testVault(t)

	dek, err := GenerateDEK()
	require.NoError(t, err)
	require.Len(t, dek, 32)

	wrapped, err := v.EncryptDEK(dek, "v1")
	require.NoError(t, err)
	assert.NotEqual(t, dek, wrapped)

	unwrapped, err := v.DecryptDEK(wrapped, "v1")
	require.NoError(t, err)
	assert.Equal(t, dek, unwrapped)
}

func TestEncryptBytesRoundTrip(t *testing.T) {
	dek, err := GenerateDEK()
	require.NoError(t, err)

	plaintext := []byte("raw file body")
	ciphertext, err := EncryptBytes(dek, plaintext)
	require.NoError(t, err)

	got, err := DecryptBytes(dek, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptBytesTamperedCiphertextFails(t *testing.T) {
	dek, err := GenerateDEK()
	require.NoError(t, err)
	ciphertext, err := EncryptBytes(dek, []byte("payload"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = DecryptBytes(dek, ciphertext)
	assert.Error(t, err)
}

func TestGetVaultSecret(t *testing.T) {
	v := testVault(t)

	got, err := v.GetVaultSecret("master_key_version")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	_, err = v.GetVaultSecret("unknown")
	assert.Error(t, err)
}
