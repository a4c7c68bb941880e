// Package identity derives and generates the secp256k1 keypairs that make
// actions unlinkable. Three domains exist and must never be cross-derived:
// the persistent user identity, one derived identity per offer, and a fresh
// random identity per interest signal.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/zlnvch/veiltrade/models"
)

type Identity struct {
	SecretKey string
	PublicKey string
}

// DeriveFromSecret maps a secret to a keypair deterministically: the private
// key is SHA-256(secret). Equal secrets always yield equal identities.
func DeriveFromSecret(secret string) (Identity, error) {
	if secret == "" {
		return Identity{}, fmt.Errorf("%w: empty secret", models.ErrValidation)
	}
	sum := sha256.Sum256([]byte(secret))
	return FromSecretKey(hex.EncodeToString(sum[:]))
}

// GenerateRandom returns a keypair backed by 32 bytes from the system CSPRNG.
func GenerateRandom() Identity {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	return Identity{SecretKey: sk, PublicKey: pk}
}

// NewRandomSecret returns 32 random bytes hex-encoded, used as the root of an
// offer identity.
func NewRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// FromSecretKey parses an externally supplied key, hex or nsec.
func FromSecretKey(key string) (Identity, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "nsec1") {
		prefix, value, err := nip19.Decode(key)
		if err != nil || prefix != "nsec" {
			return Identity{}, fmt.Errorf("%w: bad nsec encoding", models.ErrValidation)
		}
		key, _ = value.(string)
	}
	key = strings.ToLower(key)
	if !models.IsHex32(key) {
		return Identity{}, fmt.Errorf("%w: secret key must be 32 bytes hex", models.ErrValidation)
	}
	pk, err := nostr.GetPublicKey(key)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return Identity{SecretKey: key, PublicKey: pk}, nil
}

// CanonicalPubkey normalizes a public key given as hex or npub to lowercase
// hex. Every comparison between public keys goes through it.
func CanonicalPubkey(pubkey string) (string, error) {
	return models.CanonicalPubkey(pubkey)
}

// SamePubkey compares two keys in any accepted encoding.
func SamePubkey(a, b string) bool {
	return models.SamePubkey(a, b)
}

func (id Identity) Npub() string {
	npub, _ := nip19.EncodePublicKey(id.PublicKey)
	return npub
}

func (id Identity) IsZero() bool {
	return id.SecretKey == ""
}

// Sign sets the event pubkey, id and signature.
func (id Identity) Sign(ev *nostr.Event) error {
	if id.IsZero() {
		return fmt.Errorf("%w: signing with an empty identity", models.ErrValidation)
	}
	return ev.Sign(id.SecretKey)
}
