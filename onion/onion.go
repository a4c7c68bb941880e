// Package onion implements two-layer gift wrapping for 1:1 messages.
//
// A rumor (unsigned, carries the real sender and recipient) is encrypted into
// a seal signed by a single-use key, and the seal is encrypted into a gift
// wrap signed by a second single-use key. Relays only ever see the gift wrap:
// one throwaway signer and one recipient tag.
package onion

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/zlnvch/veiltrade/identity"
	"github.com/zlnvch/veiltrade/models"
)

// Seal and wrap timestamps are drawn from the last two days so that
// created_at does not reveal when the message was sent.
const timestampJitter = 2 * 24 * 60 * 60

// Wrap builds the gift wrap for rumor from sender to recipientPubkey. Only the
// returned event is meant to be published.
func Wrap(rumor models.Rumor, sender identity.Identity, recipientPubkey string) (nostr.Event, error) {
	recipient, err := identity.CanonicalPubkey(recipientPubkey)
	if err != nil {
		return nostr.Event{}, err
	}
	if sender.IsZero() {
		return nostr.Event{}, fmt.Errorf("%w: missing sender identity", models.ErrValidation)
	}

	inner := nostr.Event{
		PubKey:    sender.PublicKey,
		CreatedAt: nostr.Timestamp(rumor.CreatedAt),
		Kind:      rumor.Kind,
		Tags:      append(nostr.Tags{nostr.Tag{"p", recipient}}, rumor.Tags...),
		Content:   rumor.Content,
	}
	if inner.Kind == 0 {
		inner.Kind = models.KindDirectMessage
	}
	if inner.CreatedAt == 0 {
		inner.CreatedAt = nostr.Now()
	}
	inner.ID = inner.GetID()

	seal, err := encryptLayer(inner, models.KindSeal, nostr.Tags{}, identity.GenerateRandom(), recipient)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("seal: %w", err)
	}
	wrap, err := encryptLayer(seal, models.KindGiftWrap, nostr.Tags{nostr.Tag{"p", recipient}}, identity.GenerateRandom(), recipient)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("gift wrap: %w", err)
	}
	return wrap, nil
}

func encryptLayer(payload nostr.Event, kind int, tags nostr.Tags, signer identity.Identity, recipient string) (nostr.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nostr.Event{}, err
	}
	ck, err := nip44.GenerateConversationKey(recipient, signer.SecretKey)
	if err != nil {
		return nostr.Event{}, err
	}
	content, err := nip44.Encrypt(string(data), ck)
	if err != nil {
		return nostr.Event{}, err
	}
	ev := nostr.Event{
		CreatedAt: nostr.Now() - nostr.Timestamp(rand.Int64N(timestampJitter)),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := signer.Sign(&ev); err != nil {
		return nostr.Event{}, err
	}
	return ev, nil
}

// Unwrap peels both layers with the recipient's real key. The sender comes
// from the rumor itself; both signers were disposable. Every failure is
// ErrDecryption.
func Unwrap(wrap nostr.Event, recipient identity.Identity) (models.Rumor, error) {
	if wrap.Kind != models.KindGiftWrap {
		return models.Rumor{}, fmt.Errorf("%w: kind %d is not a gift wrap", models.ErrDecryption, wrap.Kind)
	}
	if !identity.SamePubkey(models.TagValue(wrap.Tags, "p"), recipient.PublicKey) {
		return models.Rumor{}, fmt.Errorf("%w: addressed to someone else", models.ErrDecryption)
	}

	seal, err := decryptLayer(wrap, recipient)
	if err != nil {
		return models.Rumor{}, err
	}
	if seal.Kind != models.KindSeal {
		return models.Rumor{}, fmt.Errorf("%w: inner layer is not a seal", models.ErrDecryption)
	}
	if ok, err := seal.CheckSignature(); err != nil || !ok {
		return models.Rumor{}, fmt.Errorf("%w: bad seal signature", models.ErrDecryption)
	}

	inner, err := decryptLayer(seal, recipient)
	if err != nil {
		return models.Rumor{}, err
	}
	if inner.ID != inner.GetID() {
		return models.Rumor{}, fmt.Errorf("%w: rumor id mismatch", models.ErrDecryption)
	}
	to := models.TagValue(inner.Tags, "p")
	if !identity.SamePubkey(to, recipient.PublicKey) {
		return models.Rumor{}, fmt.Errorf("%w: rumor names another recipient", models.ErrDecryption)
	}

	return models.Rumor{
		Id:        inner.ID,
		Kind:      inner.Kind,
		Sender:    inner.PubKey,
		Recipient: to,
		Content:   inner.Content,
		CreatedAt: int64(inner.CreatedAt),
		Tags:      inner.Tags,
	}, nil
}

func decryptLayer(ev nostr.Event, recipient identity.Identity) (nostr.Event, error) {
	ck, err := nip44.GenerateConversationKey(ev.PubKey, recipient.SecretKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("%w: %v", models.ErrDecryption, err)
	}
	plain, err := nip44.Decrypt(ev.Content, ck)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("%w: %v", models.ErrDecryption, err)
	}
	var out nostr.Event
	if err := json.Unmarshal([]byte(plain), &out); err != nil {
		return nostr.Event{}, fmt.Errorf("%w: layer is not an event", models.ErrDecryption)
	}
	return out, nil
}

// UnwrapAll unwraps what it can and counts the rest. Events addressed to other
// keys are expected in any bulk fetch.
func UnwrapAll(events []nostr.Event, recipient identity.Identity) ([]models.Rumor, int) {
	rumors := make([]models.Rumor, 0, len(events))
	skipped := 0
	for _, ev := range events {
		rumor, err := Unwrap(ev, recipient)
		if err != nil {
			skipped++
			continue
		}
		rumors = append(rumors, rumor)
	}
	return rumors, skipped
}
