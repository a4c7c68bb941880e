// Package groupcrypt is the symmetric layer shared by every member who knows
// a group secret.
package groupcrypt

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/zlnvch/veiltrade/models"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

type Key [32]byte

type Mode int

const (
	// ModeSeparated derives the group key and the channel id with distinct
	// HKDF labels.
	ModeSeparated Mode = iota
	// ModeLegacy uses SHA-256(secret) for both, which is what deployed
	// clients publish. Needed to read and write their channels.
	ModeLegacy
)

const (
	NonceSize = chacha20poly1305.NonceSize
	minBlob   = NonceSize + chacha20poly1305.Overhead

	groupKeyInfo  = "veiltrade/group-key/v1"
	channelIdInfo = "veiltrade/channel-id/v1"
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "separated":
		return ModeSeparated, nil
	case "legacy":
		return ModeLegacy, nil
	}
	return ModeSeparated, fmt.Errorf("%w: unknown key derivation mode %q", models.ErrValidation, s)
}

// DeriveKey maps a group secret to its 32-byte symmetric key.
func DeriveKey(secret string, mode Mode) Key {
	if mode == ModeLegacy {
		return sha256.Sum256([]byte(secret))
	}
	return expand(secret, groupKeyInfo)
}

// DeriveChannelID maps a group secret to the public channel discriminator.
func DeriveChannelID(secret string, mode Mode) string {
	if mode == ModeLegacy {
		sum := sha256.Sum256([]byte(secret))
		return hex.EncodeToString(sum[:])
	}
	k := expand(secret, channelIdInfo)
	return hex.EncodeToString(k[:])
}

func expand(secret string, info string) Key {
	var k Key
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	// hkdf only fails after 255*32 bytes
	_, _ = io.ReadFull(r, k[:])
	return k
}

// Encrypt seals plaintext under a fresh random nonce. The output is
// nonce || ciphertext || tag.
func Encrypt(plaintext []byte, key Key) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Any failure is ErrDecryption:
// on a shared feed most blobs belong to other groups.
func Decrypt(blob []byte, key Key) ([]byte, error) {
	if len(blob) < minBlob {
		return nil, fmt.Errorf("%w: blob too short", models.ErrDecryption)
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := openAEAD(blob, aead)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecryption, err)
	}
	return plaintext, nil
}

func openAEAD(blob []byte, aead cipher.AEAD) ([]byte, error) {
	nonce := blob[:aead.NonceSize()]
	return aead.Open(nil, nonce, blob[aead.NonceSize():], nil)
}

// EncryptString is Encrypt with base64 output, for event content.
func EncryptString(plaintext string, key Key) (string, error) {
	blob, err := Encrypt([]byte(plaintext), key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

func DecryptString(content string, key Key) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", fmt.Errorf("%w: content is not base64", models.ErrDecryption)
	}
	plaintext, err := Decrypt(blob, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptMetadata encrypts a JSON payload. IV repeats the leading nonce bytes
// of Content for display only.
func EncryptMetadata(v any, key Key) (models.EncryptedEnvelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return models.EncryptedEnvelope{}, err
	}
	blob, err := Encrypt(data, key)
	if err != nil {
		return models.EncryptedEnvelope{}, err
	}
	return models.EncryptedEnvelope{Content: blob, IV: blob[:NonceSize]}, nil
}

// DecryptMetadata ignores env.IV; the nonce is read from Content.
func DecryptMetadata(env models.EncryptedEnvelope, key Key, out any) error {
	data, err := Decrypt(env.Content, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: payload is not JSON", models.ErrDecryption)
	}
	return nil
}
