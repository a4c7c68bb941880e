package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/zlnvch/veiltrade/identity"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/relay"
	"github.com/zlnvch/veiltrade/session"
)

type InterestRequest struct {
	OfferId     string `json:"offerId"`
	OfferPubkey string `json:"offerPubkey"`
	Message     string `json:"message"`
	DisplayName string `json:"displayName"`
}

// SubmitInterest publishes an interest signal for an offer under a fresh
// single-use identity. Only the offer owner can read who sent it. The
// single-use secret is retained in the session so the signal can be
// retracted later.
func (s *Service) SubmitInterest(ctx context.Context, sessionId string, req InterestRequest) (*models.InterestSignal, error) {
	if req.OfferId == "" {
		return nil, fmt.Errorf("%w: missing offer id", models.ErrValidation)
	}
	if err := ValidateMessage(req.Message); err != nil {
		return nil, err
	}
	if err := ValidateDisplayName(req.DisplayName); err != nil {
		return nil, err
	}
	offerPubkey, err := identity.CanonicalPubkey(req.OfferPubkey)
	if err != nil {
		return nil, err
	}
	sess, err := s.session(ctx, sessionId)
	if err != nil {
		return nil, err
	}

	ephemeral := identity.GenerateRandom()
	signal := models.InterestSignal{
		OfferId:       req.OfferId,
		RealPubkey:    sess.Identity.PublicKey,
		Timestamp:     time.Now().UnixMilli(),
		Message:       req.Message,
		DisplayName:   req.DisplayName,
		RetractionKey: ephemeral.SecretKey,
	}

	payload, err := json.Marshal(signal)
	if err != nil {
		return nil, err
	}
	ck, err := nip44.GenerateConversationKey(offerPubkey, ephemeral.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	content, err := nip44.Encrypt(string(payload), ck)
	if err != nil {
		return nil, err
	}

	ev := nostr.Event{
		Kind:      models.KindInterestSignal,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"d", req.OfferId}},
		Content:   content,
	}
	if err := ephemeral.Sign(&ev); err != nil {
		return nil, err
	}

	// Retain first: a published signal without its key can never be retracted.
	key := session.InterestKey(req.OfferId, ephemeral.PublicKey)
	if err := s.Secrets.Set(ctx, session.InterestsScope(sessionId), key, ephemeral.SecretKey); err != nil {
		return nil, err
	}
	if _, err := s.Relay.Publish(ctx, ev, s.Relays); err != nil {
		s.Secrets.Delete(ctx, session.InterestsScope(sessionId), key)
		return nil, err
	}

	signal.RetractionKey = ""
	return &signal, nil
}

// RetractInterest deletes every signal the session submitted for offerId,
// each signed by its own single-use key, and then forgets those keys.
func (s *Service) RetractInterest(ctx context.Context, sessionId string, offerId string) error {
	if offerId == "" {
		return fmt.Errorf("%w: missing offer id", models.ErrValidation)
	}
	retained, err := s.Secrets.List(ctx, session.InterestsScope(sessionId))
	if err != nil {
		return err
	}

	prefix := session.InterestKey(offerId, "")
	found := false
	for key, sk := range retained {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		found = true
		if err := s.retractRetained(ctx, sessionId, offerId, key, sk); err != nil {
			return err
		}
	}
	if !found {
		return session.ErrSecretNotFound
	}
	return nil
}

func (s *Service) retractRetained(ctx context.Context, sessionId string, offerId string, key string, sk string) error {
	ephemeral, err := identity.FromSecretKey(sk)
	if err != nil {
		return err
	}

	events, err := s.Relay.Query(ctx, s.Relays, nostr.Filter{
		Kinds:   []int{models.KindInterestSignal},
		Authors: []string{ephemeral.PublicKey},
		Tags:    nostr.TagMap{"d": []string{offerId}},
	})
	if err != nil {
		return err
	}

	if err := s.publishRetraction(ctx, ephemeral, ephemeral.PublicKey, offerId, eventIds(events)); err != nil {
		return err
	}
	return s.Secrets.Delete(ctx, session.InterestsScope(sessionId), key)
}

// ListInterests fetches and decrypts every signal for the offer. Signals that
// do not decrypt, name another offer or carry a retraction key that does not
// match their signer are counted in skipped.
func (s *Service) ListInterests(ctx context.Context, offer OfferHandle) ([]models.DecryptedSignal, int, error) {
	events, err := s.Relay.Query(ctx, s.Relays, nostr.Filter{
		Kinds: []int{models.KindInterestSignal},
		Tags:  nostr.TagMap{"d": []string{offer.Offer.Id}},
	})
	if err != nil {
		return nil, 0, err
	}

	latest := relay.LatestByAddress(events)
	signals := make([]models.DecryptedSignal, 0, len(latest))
	skipped := 0
	for _, ev := range latest {
		signal, err := DecryptSignal(ev, offer.Identity)
		if err != nil || signal.OfferId != offer.Offer.Id {
			skipped++
			continue
		}
		signals = append(signals, models.DecryptedSignal{
			Event:           ev,
			EphemeralPubkey: ev.PubKey,
			Signal:          signal,
		})
	}
	return signals, skipped, nil
}

// DecryptSignal opens one interest signal with the offer identity.
func DecryptSignal(ev nostr.Event, offerIdentity identity.Identity) (models.InterestSignal, error) {
	if ev.Kind != models.KindInterestSignal {
		return models.InterestSignal{}, fmt.Errorf("%w: not an interest signal", models.ErrDecryption)
	}
	ck, err := nip44.GenerateConversationKey(ev.PubKey, offerIdentity.SecretKey)
	if err != nil {
		return models.InterestSignal{}, fmt.Errorf("%w: %v", models.ErrDecryption, err)
	}
	plaintext, err := nip44.Decrypt(ev.Content, ck)
	if err != nil {
		return models.InterestSignal{}, fmt.Errorf("%w: %v", models.ErrDecryption, err)
	}
	var signal models.InterestSignal
	if err := json.Unmarshal([]byte(plaintext), &signal); err != nil {
		return models.InterestSignal{}, fmt.Errorf("%w: signal payload: %v", models.ErrDecryption, err)
	}
	realPubkey, err := identity.CanonicalPubkey(signal.RealPubkey)
	if err != nil {
		return models.InterestSignal{}, fmt.Errorf("%w: signal without a real key", models.ErrDecryption)
	}
	signal.RealPubkey = realPubkey
	if signal.RetractionKey != "" {
		key, err := identity.FromSecretKey(signal.RetractionKey)
		if err != nil || key.PublicKey != ev.PubKey {
			return models.InterestSignal{}, fmt.Errorf("%w: retraction key does not match signer", models.ErrDecryption)
		}
	}
	return signal, nil
}

// publishRetraction deletes the interest slot of signalPubkey for offerId and
// any listed event ids. Compliant relays only honor it when signer is
// signalPubkey.
func (s *Service) publishRetraction(ctx context.Context, signer identity.Identity, signalPubkey string, offerId string, ids []string) error {
	tags := nostr.Tags{
		{"a", models.Address(models.KindInterestSignal, signalPubkey, offerId)},
		{"k", fmt.Sprint(models.KindInterestSignal)},
	}
	for _, id := range ids {
		tags = append(tags, nostr.Tag{"e", id})
	}
	ev := nostr.Event{
		Kind:      models.KindDeletion,
		CreatedAt: nostr.Now(),
		Tags:      tags,
	}
	if err := signer.Sign(&ev); err != nil {
		return err
	}
	_, err := s.Relay.Publish(ctx, ev, s.Relays)
	return err
}

func eventIds(events []nostr.Event) []string {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return ids
}
