package service

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyRing(t *testing.T) *KeyRing {
	t.Helper()
	ring, err := NewKeyRing(map[string]string{
		"v1": "legacy-key-material",
		"v2": "current-key-material",
	}, "v2")
	require.NoError(t, err)
	return ring
}

func TestNewKeyRing_Validation(t *testing.T) {
	_, err := NewKeyRing(nil, "v1")
	assert.Error(t, err)

	_, err = NewKeyRing(map[string]string{"v1": "material"}, "v9")
	assert.Error(t, err, "active key must be present")

	_, err = NewKeyRing(map[string]string{"v1": ""}, "v1")
	assert.Error(t, err, "empty material rejected")
}

func TestBalanceCodec_RoundTrip(t *testing.T) {
	codec := NewAESBalanceCodec(testKeyRing(t))

	ciphertext, keyID, err := codec.Encrypt("123456")
	require.NoError(t, err)
	assert.Equal(t, "v2", keyID)
	assert.NotEqual(t, "123456", ciphertext)

	plaintext, err := codec.Decrypt(ciphertext, keyID)
	require.NoError(t, err)
	assert.Equal(t, "123456", plaintext)
}

func TestBalanceCodec_Int64RoundTrip(t *testing.T) {
	codec := NewAESBalanceCodec(testKeyRing(t))

	for _, v := range []int64{0, 1, -250, 9_000_000_000} {
		ciphertext, keyID, err := codec.EncryptInt64(v)
		require.NoError(t, err)

		got, err := codec.DecryptInt64(ciphertext, keyID)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestBalanceCodec_KeyRotation(t *testing.T) {
	// Write under v1 as the active key.
	oldRing, err := NewKeyRing(map[string]string{"v1": "legacy-key-material"}, "v1")
	require.NoError(t, err)
	oldCodec := NewAESBalanceCodec(oldRing)

	ciphertext, keyID, err := oldCodec.EncryptInt64(777)
	require.NoError(t, err)
	require.Equal(t, "v1", keyID)

	// Rotate: v2 is now active, v1 retained as historical.
	codec := NewAESBalanceCodec(testKeyRing(t))
	assert.Equal(t, "v2", codec.ActiveKeyID())

	// Old rows still decrypt by their stored key id.
	got, err := codec.DecryptInt64(ciphertext, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(777), got)

	// New writes carry the new id.
	_, newKeyID, err := codec.EncryptInt64(1)
	require.NoError(t, err)
	assert.Equal(t, "v2", newKeyID)
}

func TestBalanceCodec_UnknownKeyID(t *testing.T) {
	codec := NewAESBalanceCodec(testKeyRing(t))

	ciphertext, _, err := codec.Encrypt("42")
	require.NoError(t, err)

	_, err = codec.Decrypt(ciphertext, "v99")
	assert.Error(t, err)
}

func TestBalanceCodec_TamperDetection(t *testing.T) {
	codec := NewAESBalanceCodec(testKeyRing(t))

	ciphertext, keyID, err := codec.Encrypt("100")
	require.NoError(t, err)

	raw, err := hex.DecodeString(ciphertext)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	tampered := hex.EncodeToString(raw)

	_, err = codec.Decrypt(tampered, keyID)
	assert.Error(t, err, "GCM must reject tampered ciphertext")
}

func TestBalanceCodec_NonDeterministicCiphertext(t *testing.T) {
	codec := NewAESBalanceCodec(testKeyRing(t))

	a, _, err := codec.Encrypt("500")
	require.NoError(t, err)
	b, _, err := codec.Encrypt("500")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh nonce per encryption")
}

func TestBalanceCodec_MalformedCiphertext(t *testing.T) {
	codec := NewAESBalanceCodec(testKeyRing(t))

	_, err := codec.Decrypt("not-hex!", "v2")
	assert.Error(t, err)

	_, err = codec.Decrypt("abcd", "v2")
	assert.Error(t, err, "shorter than nonce")
}
