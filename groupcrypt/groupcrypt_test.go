package groupcrypt_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/veiltrade/groupcrypt"
	"github.com/zlnvch/veiltrade/models"
)

var modes = []groupcrypt.Mode{groupcrypt.ModeSeparated, groupcrypt.ModeLegacy}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	for _, mode := range modes {
		key := groupcrypt.DeriveKey("group secret", mode)
		for _, p := range [][]byte{{}, []byte("hello"), bytes.Repeat([]byte{0xab}, 4096)} {
			blob, err := groupcrypt.Encrypt(p, key)
			require.NoError(t, err)
			assert.Len(t, blob, groupcrypt.NonceSize+len(p)+16)

			out, err := groupcrypt.Decrypt(blob, key)
			require.NoError(t, err)
			assert.Equal(t, len(p), len(out))
			assert.True(t, bytes.Equal(p, out))
		}
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	k1 := groupcrypt.DeriveKey("one", groupcrypt.ModeSeparated)
	k2 := groupcrypt.DeriveKey("two", groupcrypt.ModeSeparated)

	blob, err := groupcrypt.Encrypt([]byte("payload"), k1)
	require.NoError(t, err)

	out, err := groupcrypt.Decrypt(blob, k2)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, models.ErrDecryption)
}

func TestDecrypt_ShortAndTampered(t *testing.T) {
	key := groupcrypt.DeriveKey("s", groupcrypt.ModeSeparated)

	_, err := groupcrypt.Decrypt(make([]byte, 27), key)
	assert.ErrorIs(t, err, models.ErrDecryption)

	blob, err := groupcrypt.Encrypt([]byte("payload"), key)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 1
	_, err = groupcrypt.Decrypt(blob, key)
	assert.ErrorIs(t, err, models.ErrDecryption)
}

func TestEncrypt_FreshNonce(t *testing.T) {
	key := groupcrypt.DeriveKey("s", groupcrypt.ModeSeparated)
	a, err := groupcrypt.Encrypt([]byte("same"), key)
	require.NoError(t, err)
	b, err := groupcrypt.Encrypt([]byte("same"), key)
	require.NoError(t, err)
	assert.NotEqual(t, a[:groupcrypt.NonceSize], b[:groupcrypt.NonceSize])
}

func TestScenario_AbcXyz(t *testing.T) {
	for _, mode := range modes {
		k := groupcrypt.DeriveKey("abc123", mode)
		content, err := groupcrypt.EncryptString("hello", k)
		require.NoError(t, err)

		plain, err := groupcrypt.DecryptString(content, k)
		require.NoError(t, err)
		assert.Equal(t, "hello", plain)

		_, err = groupcrypt.DecryptString(content, groupcrypt.DeriveKey("xyz987", mode))
		assert.ErrorIs(t, err, models.ErrDecryption)
	}
}

func TestDerivation_KeySeparation(t *testing.T) {
	legacyKey := groupcrypt.DeriveKey("abc123", groupcrypt.ModeLegacy)
	legacyChannel := groupcrypt.DeriveChannelID("abc123", groupcrypt.ModeLegacy)
	// 6ca13d52... is SHA-256("abc123")
	assert.Equal(t, "6ca13d52ca70c883e0f0bb101e425a89e8624de51db2d2392593af6a84118090", legacyChannel)
	assert.Equal(t, legacyChannel, hexKey(legacyKey))

	sepKey := groupcrypt.DeriveKey("abc123", groupcrypt.ModeSeparated)
	sepChannel := groupcrypt.DeriveChannelID("abc123", groupcrypt.ModeSeparated)
	assert.NotEqual(t, sepChannel, hexKey(sepKey))
	assert.Equal(t, sepKey, groupcrypt.DeriveKey("abc123", groupcrypt.ModeSeparated))
}

func TestMetadata_RoundTrip(t *testing.T) {
	key := groupcrypt.DeriveKey("meta", groupcrypt.ModeSeparated)
	type payload struct {
		Title string `json:"title"`
		Price int    `json:"price"`
	}

	env, err := groupcrypt.EncryptMetadata(payload{Title: "bike", Price: 10}, key)
	require.NoError(t, err)
	assert.Equal(t, env.Content[:groupcrypt.NonceSize], env.IV)

	var out payload
	require.NoError(t, groupcrypt.DecryptMetadata(env, key, &out))
	assert.Equal(t, payload{Title: "bike", Price: 10}, out)

	err = groupcrypt.DecryptMetadata(env, groupcrypt.DeriveKey("other", groupcrypt.ModeSeparated), &out)
	assert.ErrorIs(t, err, models.ErrDecryption)
}

func TestParseMode(t *testing.T) {
	m, err := groupcrypt.ParseMode("legacy")
	require.NoError(t, err)
	assert.Equal(t, groupcrypt.ModeLegacy, m)

	_, err = groupcrypt.ParseMode("rot13")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func hexKey(k groupcrypt.Key) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, 64)
	for _, b := range k {
		out = append(out, digits[b>>4], digits[b&0x0f])
	}
	return string(out)
}
