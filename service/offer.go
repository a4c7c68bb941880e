package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/nbd-wtf/go-nostr"
	"github.com/zlnvch/veiltrade/groupcrypt"
	"github.com/zlnvch/veiltrade/identity"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/relay"
	"github.com/zlnvch/veiltrade/session"
	"github.com/zlnvch/veiltrade/whitelist"
)

// OfferHandle is everything the owner needs to act on an offer. Identity is
// derived from the offer's own secret and is unrelated to the owner's
// persistent identity.
type OfferHandle struct {
	Offer     models.Offer
	ChannelId string
	Identity  identity.Identity
	Group     Group
	// created_at of the last published revision
	Published nostr.Timestamp
}

type offerRecord struct {
	Secret    string `json:"secret"`
	ChannelId string `json:"channelId"`
}

// CreateOffer publishes a new offer into a group under a fresh per-offer
// identity. The offer secret stays in the session.
func (s *Service) CreateOffer(ctx context.Context, sessionId string, channelId string, in OfferInput) (OfferHandle, error) {
	if err := ValidateOfferInput(in); err != nil {
		return OfferHandle{}, err
	}
	sess, err := s.session(ctx, sessionId)
	if err != nil {
		return OfferHandle{}, err
	}
	group, err := s.group(ctx, sessionId, channelId)
	if err != nil {
		return OfferHandle{}, err
	}
	record, err := s.Whitelist.Load(ctx, s.Relays, group.AdminPubkey, channelId)
	if err != nil {
		return OfferHandle{}, err
	}
	if !whitelist.IsAllowed(sess.Identity.PublicKey, record) {
		return OfferHandle{}, ErrNotMember
	}

	secret, err := identity.NewRandomSecret()
	if err != nil {
		return OfferHandle{}, err
	}
	offerIdentity, err := identity.DeriveFromSecret(secret)
	if err != nil {
		return OfferHandle{}, err
	}
	offerId, err := uuid.NewV7()
	if err != nil {
		return OfferHandle{}, err
	}

	handle := OfferHandle{
		Offer: models.Offer{
			Id:          offerId.String(),
			Title:       in.Title,
			Description: in.Description,
			Price:       in.Price,
			Status:      models.OfferOpen,
			CreatedAt:   time.Now().Unix(),
			Pubkey:      offerIdentity.PublicKey,
		},
		ChannelId: channelId,
		Identity:  offerIdentity,
		Group:     group,
	}

	data, err := json.Marshal(offerRecord{Secret: secret, ChannelId: channelId})
	if err != nil {
		return OfferHandle{}, err
	}
	if err := s.Secrets.Set(ctx, session.OffersScope(sessionId), handle.Offer.Id, string(data)); err != nil {
		return OfferHandle{}, err
	}

	if err := s.publishOffer(ctx, &handle); err != nil {
		return OfferHandle{}, err
	}
	return handle, nil
}

// OwnOffer rebuilds the handle of an offer created in this session from its
// retained secret and the latest published revision.
func (s *Service) OwnOffer(ctx context.Context, sessionId string, offerId string) (OfferHandle, error) {
	raw, err := s.Secrets.Get(ctx, session.OffersScope(sessionId), offerId)
	if errors.Is(err, session.ErrSecretNotFound) {
		return OfferHandle{}, ErrOfferNotFound
	}
	if err != nil {
		return OfferHandle{}, err
	}
	var record offerRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return OfferHandle{}, err
	}
	offerIdentity, err := identity.DeriveFromSecret(record.Secret)
	if err != nil {
		return OfferHandle{}, err
	}
	group, err := s.group(ctx, sessionId, record.ChannelId)
	if err != nil {
		return OfferHandle{}, err
	}

	events, err := s.Relay.Query(ctx, s.Relays, nostr.Filter{
		Kinds:   []int{models.KindOffer},
		Authors: []string{offerIdentity.PublicKey},
		Tags:    nostr.TagMap{"d": []string{offerId}},
	})
	if err != nil {
		return OfferHandle{}, err
	}
	latest := relay.LatestByAddress(events)
	if len(latest) == 0 {
		return OfferHandle{}, ErrOfferNotFound
	}
	offer, err := s.decryptOffer(latest[0], group.key)
	if err != nil {
		return OfferHandle{}, err
	}

	return OfferHandle{
		Offer:     offer,
		ChannelId: record.ChannelId,
		Identity:  offerIdentity,
		Group:     group,
		Published: latest[0].CreatedAt,
	}, nil
}

// OwnOffers lists the offers this session still holds secrets for. Offers
// whose latest revision cannot be fetched are skipped.
func (s *Service) OwnOffers(ctx context.Context, sessionId string) ([]OfferHandle, error) {
	records, err := s.Secrets.List(ctx, session.OffersScope(sessionId))
	if err != nil {
		return nil, err
	}
	handles := make([]OfferHandle, 0, len(records))
	for offerId := range records {
		handle, err := s.OwnOffer(ctx, sessionId, offerId)
		if err != nil {
			log.Printf("Failed to load own offer %s: %v", offerId, err)
			continue
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

func (s *Service) UpdateOffer(ctx context.Context, sessionId string, offerId string, in OfferInput) (models.Offer, error) {
	if err := ValidateOfferInput(in); err != nil {
		return models.Offer{}, err
	}
	handle, err := s.OwnOffer(ctx, sessionId, offerId)
	if err != nil {
		return models.Offer{}, err
	}
	if handle.Offer.Status != models.OfferOpen {
		return models.Offer{}, fmt.Errorf("%w: offer is %s", models.ErrInvalidTransition, handle.Offer.Status)
	}

	handle.Offer.Title = in.Title
	handle.Offer.Description = in.Description
	handle.Offer.Price = in.Price
	if err := s.publishOffer(ctx, &handle); err != nil {
		return models.Offer{}, err
	}
	return handle.Offer, nil
}

// DeleteOffer asks relays to drop every revision of the offer and forgets its
// secret. Interest signals are left alone; use RejectAllInterests first to
// notify and retract them.
func (s *Service) DeleteOffer(ctx context.Context, sessionId string, offerId string) error {
	handle, err := s.OwnOffer(ctx, sessionId, offerId)
	if err != nil {
		return err
	}

	ev := nostr.Event{
		Kind:      models.KindDeletion,
		CreatedAt: nextTimestamp(handle.Published),
		Tags: nostr.Tags{
			{"a", models.Address(models.KindOffer, handle.Identity.PublicKey, offerId)},
			{"k", fmt.Sprint(models.KindOffer)},
		},
	}
	if err := handle.Identity.Sign(&ev); err != nil {
		return err
	}
	if _, err := s.Relay.Publish(ctx, ev, s.Relays); err != nil {
		return err
	}

	return s.Secrets.Delete(ctx, session.OffersScope(sessionId), offerId)
}

// FetchOffers returns the latest revision of every offer in a group. Offers
// that do not decrypt with the group key are counted in skipped.
func (s *Service) FetchOffers(ctx context.Context, sessionId string, channelId string) ([]models.Offer, int, error) {
	group, err := s.group(ctx, sessionId, channelId)
	if err != nil {
		return nil, 0, err
	}

	events, err := s.Relay.Query(ctx, s.Relays, nostr.Filter{
		Kinds: []int{models.KindOffer},
		Tags:  nostr.TagMap{"h": []string{channelId}},
	})
	if err != nil {
		return nil, 0, err
	}

	latest := relay.LatestByAddress(events)
	offers := make([]models.Offer, 0, len(latest))
	skipped := 0
	for _, ev := range latest {
		offer, err := s.decryptOffer(ev, group.key)
		if err != nil {
			skipped++
			continue
		}
		offers = append(offers, offer)
	}
	return offers, skipped, nil
}

func (s *Service) decryptOffer(ev nostr.Event, key groupcrypt.Key) (models.Offer, error) {
	parsed, err := models.ParseEvent(ev)
	if err != nil {
		return models.Offer{}, err
	}
	offerEvent, ok := parsed.(*models.OfferEvent)
	if !ok {
		return models.Offer{}, fmt.Errorf("%w: not an offer", models.ErrMalformedEvent)
	}
	plaintext, err := groupcrypt.DecryptString(ev.Content, key)
	if err != nil {
		return models.Offer{}, err
	}
	var offer models.Offer
	if err := json.Unmarshal([]byte(plaintext), &offer); err != nil {
		return models.Offer{}, fmt.Errorf("%w: offer body: %v", models.ErrMalformedEvent, err)
	}
	if offer.Id != offerEvent.OfferId {
		return models.Offer{}, fmt.Errorf("%w: offer body does not match its slot", models.ErrMalformedEvent)
	}
	// The public status tag is authoritative so the body need not be rewritten
	// on every transition.
	offer.Status = offerEvent.Status
	offer.Pubkey = ev.PubKey
	return offer, nil
}

// publishOffer writes the current state of handle as a new revision.
func (s *Service) publishOffer(ctx context.Context, handle *OfferHandle) error {
	body, err := json.Marshal(handle.Offer)
	if err != nil {
		return err
	}
	content, err := groupcrypt.EncryptString(string(body), handle.Group.key)
	if err != nil {
		return err
	}

	ev := nostr.Event{
		Kind:      models.KindOffer,
		CreatedAt: nextTimestamp(handle.Published),
		Tags: nostr.Tags{
			{"d", handle.Offer.Id},
			{"h", handle.ChannelId},
			{"status", string(handle.Offer.Status)},
		},
		Content: content,
	}
	if err := handle.Identity.Sign(&ev); err != nil {
		return err
	}
	if _, err := s.Relay.Publish(ctx, ev, s.Relays); err != nil {
		return err
	}
	handle.Published = ev.CreatedAt
	return nil
}

func (s *Service) transitionOffer(ctx context.Context, handle *OfferHandle, to models.OfferStatus) error {
	next, err := handle.Offer.Status.Transition(to)
	if err != nil {
		return err
	}
	handle.Offer.Status = next
	return s.publishOffer(ctx, handle)
}

// nextTimestamp keeps revisions of one addressable slot strictly ordered even
// when several are published within a second.
func nextTimestamp(previous nostr.Timestamp) nostr.Timestamp {
	now := nostr.Now()
	if now <= previous {
		return previous + 1
	}
	return now
}
