package service_test

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/relay/memory"
	"github.com/zlnvch/veiltrade/service"
)

func TestCreateOffer_VisibleToMembersOnly(t *testing.T) {
	ctx := context.Background()
	m := setupMarket(t)

	assert.NotEqual(t, m.seller.pubkey(), m.offer.Offer.Pubkey)
	assert.Equal(t, models.OfferOpen, m.offer.Offer.Status)

	offers, skipped, err := m.responders[0].svc.FetchOffers(ctx, m.responders[0].sess.Id, m.group.ChannelId)
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	require.Len(t, offers, 1)
	assert.Equal(t, m.offer.Offer.Id, offers[0].Id)
	assert.Equal(t, "Road bike", offers[0].Title)
	assert.Equal(t, m.offer.Offer.Pubkey, offers[0].Pubkey)

	// Relays only ever see ciphertext.
	events, err := m.net.Query(ctx, testRelays, nostr.Filter{Kinds: []int{models.KindOffer}})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.NotContains(t, ev.Content, "Road bike")
	}
}

func TestCreateOffer_RequiresMembership(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	admin := newTrader(t, net)
	outsider := newTrader(t, net)

	group, secret, err := admin.svc.CreateGroup(ctx, admin.sess.Id)
	require.NoError(t, err)
	_, err = outsider.svc.JoinGroup(ctx, outsider.sess.Id, secret, admin.pubkey())
	require.NoError(t, err)

	_, err = outsider.svc.CreateOffer(ctx, outsider.sess.Id, group.ChannelId, service.OfferInput{Title: "Lamp"})
	assert.ErrorIs(t, err, service.ErrNotMember)
}

func TestCreateOffer_Validation(t *testing.T) {
	m := setupMarket(t)

	_, err := m.seller.svc.CreateOffer(context.Background(), m.seller.sess.Id, m.group.ChannelId, service.OfferInput{Title: "   "})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestFetchOffers_WrongKeySkipped(t *testing.T) {
	ctx := context.Background()
	m := setupMarket(t)

	// Someone in another group reusing this channel id cannot be read.
	stranger := newTrader(t, m.net)
	otherGroup, _, err := stranger.svc.CreateGroup(ctx, stranger.sess.Id)
	require.NoError(t, err)
	handle, err := stranger.svc.CreateOffer(ctx, stranger.sess.Id, otherGroup.ChannelId, service.OfferInput{Title: "Decoy"})
	require.NoError(t, err)

	ev := nostr.Event{
		Kind:      models.KindOffer,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"d", handle.Offer.Id}, {"h", m.group.ChannelId}, {"status", "open"}},
		Content:   "bm90IGEgY2lwaGVydGV4dA==",
	}
	require.NoError(t, stranger.sess.Identity.Sign(&ev))
	_, err = m.net.Publish(ctx, ev, testRelays)
	require.NoError(t, err)

	offers, skipped, err := m.seller.svc.FetchOffers(ctx, m.seller.sess.Id, m.group.ChannelId)
	require.NoError(t, err)
	assert.Len(t, offers, 1)
	assert.Equal(t, 1, skipped)
}

func TestUpdateOffer_LatestRevisionWins(t *testing.T) {
	ctx := context.Background()
	m := setupMarket(t)

	// Two revisions within the same second still order strictly.
	_, err := m.seller.svc.UpdateOffer(ctx, m.seller.sess.Id, m.offer.Offer.Id, service.OfferInput{Title: "Road bike", Price: "280 EUR"})
	require.NoError(t, err)
	updated, err := m.seller.svc.UpdateOffer(ctx, m.seller.sess.Id, m.offer.Offer.Id, service.OfferInput{Title: "Road bike", Price: "250 EUR"})
	require.NoError(t, err)
	assert.Equal(t, "250 EUR", updated.Price)

	offers, _, err := m.bystander.svc.FetchOffers(ctx, m.bystander.sess.Id, m.group.ChannelId)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "250 EUR", offers[0].Price)
}

func TestUpdateOffer_NotOwner(t *testing.T) {
	m := setupMarket(t)

	_, err := m.bystander.svc.UpdateOffer(context.Background(), m.bystander.sess.Id, m.offer.Offer.Id, service.OfferInput{Title: "Mine now"})
	assert.ErrorIs(t, err, service.ErrOfferNotFound)
}

func TestDeleteOffer(t *testing.T) {
	ctx := context.Background()
	m := setupMarket(t)

	require.NoError(t, m.seller.svc.DeleteOffer(ctx, m.seller.sess.Id, m.offer.Offer.Id))

	offers, _, err := m.bystander.svc.FetchOffers(ctx, m.bystander.sess.Id, m.group.ChannelId)
	require.NoError(t, err)
	assert.Empty(t, offers)

	_, err = m.seller.svc.OwnOffer(ctx, m.seller.sess.Id, m.offer.Offer.Id)
	assert.ErrorIs(t, err, service.ErrOfferNotFound)
}

func TestOwnOffers(t *testing.T) {
	ctx := context.Background()
	m := setupMarket(t)

	_, err := m.seller.svc.CreateOffer(ctx, m.seller.sess.Id, m.group.ChannelId, service.OfferInput{Title: "Helmet"})
	require.NoError(t, err)

	handles, err := m.seller.svc.OwnOffers(ctx, m.seller.sess.Id)
	require.NoError(t, err)
	assert.Len(t, handles, 2)

	// Offer identities are never reused.
	assert.NotEqual(t, handles[0].Identity.PublicKey, handles[1].Identity.PublicKey)
}
