package models

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// CanonicalPubkey normalizes a public key given as hex or npub to lowercase
// hex.
func CanonicalPubkey(pubkey string) (string, error) {
	pubkey = strings.TrimSpace(pubkey)
	if strings.HasPrefix(pubkey, "npub1") {
		prefix, value, err := nip19.Decode(pubkey)
		if err != nil || prefix != "npub" {
			return "", fmt.Errorf("%w: bad npub encoding", ErrValidation)
		}
		pubkey, _ = value.(string)
	}
	pubkey = strings.ToLower(pubkey)
	if !IsHex32(pubkey) {
		return "", fmt.Errorf("%w: public key must be 32 bytes hex or npub", ErrValidation)
	}
	return pubkey, nil
}

// SamePubkey compares two keys in any accepted encoding. Unparseable keys
// never match.
func SamePubkey(a, b string) bool {
	ca, err := CanonicalPubkey(a)
	if err != nil {
		return false
	}
	cb, err := CanonicalPubkey(b)
	if err != nil {
		return false
	}
	return ca == cb
}

func IsHex32(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
