package keychain

import (
	"strings"
	"testing"

	"github.com/noetl/noetl/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer(testKey)
	require.NoError(t, err)

	plaintext := []byte(`{"token":"s3cr3t","user":"svc"}`)
	sealed, err := sealer.Seal(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "s3cr3t", "sealed bytes must not leak plaintext")

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealerNonceVaries(t *testing.T) {
	sealer, err := NewSealer(testKey)
	require.NoError(t, err)

	a, err := sealer.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := sealer.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "each seal uses a fresh nonce")
}

func TestSealerRejectsTampering(t *testing.T) {
	sealer, err := NewSealer(testKey)
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = sealer.Open(sealed)
	assert.ErrorIs(t, err, ErrBadCiphertext)

	_, err = sealer.Open([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadCiphertext)
}

func TestNewSealerKeyValidation(t *testing.T) {
	_, err := NewSealer("not-hex")
	require.Error(t, err)

	_, err = NewSealer("abcd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(map[string]string{"client_id": "x", "audience": "api", "scope": "read"})
	b := Fingerprint(map[string]string{"scope": "read", "audience": "api", "client_id": "x"})
	assert.Equal(t, a, b, "key order must not matter")

	c := Fingerprint(map[string]string{"client_id": "y", "audience": "api", "scope": "read"})
	assert.NotEqual(t, a, c)

	assert.Len(t, a, 32)
	assert.Equal(t, strings.ToLower(a), a)
}

func TestCacheKeyScopes(t *testing.T) {
	tests := []struct {
		scope models.KeychainScope
		want  string
	}{
		{models.ScopeLocal, "api_token:7:42"},
		{models.ScopeGlobal, "api_token:7:global"},
		{models.ScopeShared, "api_token:7:shared:42"},
		{models.ScopeCatalog, "api_token:7:catalog"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, models.CacheKey("api_token", 7, tt.scope, 42), string(tt.scope))
	}
}
