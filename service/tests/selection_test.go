package service_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/veiltrade/identity"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/service"
)

func inboxOf(t *testing.T, tr trader) []service.InboxEntry {
	t.Helper()
	entries, skipped, err := tr.svc.FetchInbox(context.Background(), tr.sess.Id, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	return entries
}

func entriesOfKind(entries []service.InboxEntry, kind service.InboxKind) []service.InboxEntry {
	var out []service.InboxEntry
	for _, e := range entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func selectResponder(t *testing.T, m market, chosen trader) *models.SelectionResult {
	t.Helper()
	ctx := context.Background()
	handle, err := m.seller.svc.OwnOffer(ctx, m.seller.sess.Id, m.offer.Offer.Id)
	require.NoError(t, err)
	signals, skipped, err := m.seller.svc.ListInterests(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, 0, skipped)

	i := slices.IndexFunc(signals, func(sig models.DecryptedSignal) bool {
		return sig.Signal.RealPubkey == chosen.pubkey()
	})
	require.GreaterOrEqual(t, i, 0)

	result, err := m.seller.svc.SelectPartner(ctx, service.SelectRequest{
		SessionId:      m.seller.sess.Id,
		OfferId:        m.offer.Offer.Id,
		SelectedPubkey: signals[i].EphemeralPubkey,
		Signals:        signals,
	})
	require.NoError(t, err)
	return result
}

func TestSelectPartner_FullFlow(t *testing.T) {
	ctx := context.Background()
	m := setupMarket(t)
	m.submitAll(t)

	// Ephemeral signers before selection, to check who signed the retractions.
	signalEvents, err := m.net.Query(ctx, testRelays, nostr.Filter{
		Kinds: []int{models.KindInterestSignal},
		Tags:  nostr.TagMap{"d": []string{m.offer.Offer.Id}},
	})
	require.NoError(t, err)
	require.Len(t, signalEvents, 3)
	var ephemeral []string
	for _, ev := range signalEvents {
		ephemeral = append(ephemeral, ev.PubKey)
	}

	chosen := m.responders[1]
	result := selectResponder(t, m, chosen)

	assert.Empty(t, result.Errors)
	assert.Equal(t, chosen.pubkey(), result.SelectedPubkey)
	expectedRejected := []string{m.responders[0].pubkey(), m.responders[2].pubkey()}
	slices.Sort(expectedRejected)
	assert.Equal(t, expectedRejected, result.RejectedPubkeys)
	assert.Equal(t, 0, result.UnboundRetractions)
	// seller, three responders and the bystander
	assert.Equal(t, 5, result.Notified)
	require.NotNil(t, result.Deal)
	assert.Equal(t, chosen.pubkey(), result.Deal.BuyerPubkey)
	assert.Equal(t, m.seller.pubkey(), result.Deal.SellerPubkey)
	assert.Equal(t, models.DealActive, result.Deal.Status)

	// Every signal is gone, each retracted by its own single-use key.
	remaining, err := m.net.Query(ctx, testRelays, nostr.Filter{
		Kinds: []int{models.KindInterestSignal},
		Tags:  nostr.TagMap{"d": []string{m.offer.Offer.Id}},
	})
	require.NoError(t, err)
	assert.Empty(t, remaining)
	deletions, err := m.net.Query(ctx, testRelays, nostr.Filter{
		Kinds:   []int{models.KindDeletion},
		Authors: ephemeral,
	})
	require.NoError(t, err)
	assert.Len(t, deletions, 3)

	offers, _, err := m.bystander.svc.FetchOffers(ctx, m.bystander.sess.Id, m.group.ChannelId)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, models.OfferNotified, offers[0].Status)

	// Rejected responders learn why.
	for _, r := range []trader{m.responders[0], m.responders[2]} {
		rejections := entriesOfKind(inboxOf(t, r), service.InboxRejection)
		require.Len(t, rejections, 1)
		assert.Equal(t, models.ReasonSelectedOther, rejections[0].Rejection.Reason)
		assert.Equal(t, m.offer.Offer.Id, rejections[0].Rejection.OfferId)
		assert.Equal(t, m.offer.Offer.Pubkey, rejections[0].Rumor.Sender)
	}

	// Everyone gets a notice of the same size; only the two partners learn the room.
	var sizes []int
	for _, tr := range []trader{m.seller, m.bystander, m.responders[0], m.responders[1], m.responders[2]} {
		entries := inboxOf(t, tr)
		if tr.pubkey() == chosen.pubkey() {
			assert.Empty(t, entriesOfKind(entries, service.InboxRejection))
		}

		notices := entriesOfKind(entries, service.InboxSelection)
		require.Len(t, notices, 1)
		notice := notices[0].Notice
		sizes = append(sizes, len(notices[0].Rumor.Content))
		assert.Equal(t, m.offer.Offer.Id, notice.OfferId)
		assert.Equal(t, m.group.ChannelId, notice.ChannelId)

		if tr.pubkey() == chosen.pubkey() || tr.pubkey() == m.seller.pubkey() {
			assert.Equal(t, models.RolePartner, notice.Role)
			assert.Equal(t, result.Deal.Id, notice.RoomId)
		} else {
			assert.Equal(t, models.RoleObserver, notice.Role)
			assert.Empty(t, notice.RoomId)
		}
	}
	for _, size := range sizes {
		assert.Equal(t, sizes[0], size)
		assert.GreaterOrEqual(t, size, 512)
	}

	// The buyer imported the deal from its gift-wrapped record.
	deals, err := chosen.svc.ListDeals(ctx, chosen.sess.Id)
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, result.Deal.Id, deals[0].Id)
	assert.Equal(t, models.DealActive, deals[0].Status)
}

func TestSelectPartner_PrivateRoom(t *testing.T) {
	ctx := context.Background()
	m := setupMarket(t)
	m.submitAll(t)

	chosen := m.responders[0]
	result := selectResponder(t, m, chosen)
	require.NotNil(t, result.Deal)
	roomId := result.Deal.Id

	// Reading the inbox registers the room for the buyer.
	inboxOf(t, chosen)
	_, err := chosen.svc.PostGroupMessage(ctx, chosen.sess.Id, roomId, "when can I pick it up?")
	require.NoError(t, err)

	messages, skipped, err := m.seller.svc.FetchGroupMessages(ctx, m.seller.sess.Id, roomId, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	require.Len(t, messages, 1)
	assert.Equal(t, "when can I pick it up?", messages[0].Content)

	// Observers never learn the room id.
	other := m.responders[1]
	inboxOf(t, other)
	_, err = other.svc.PostGroupMessage(ctx, other.sess.Id, roomId, "me too")
	assert.ErrorIs(t, err, service.ErrUnknownGroup)

	record, err := m.seller.svc.GroupWhitelist(ctx, m.seller.sess.Id, roomId)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, m.offer.Offer.Pubkey, record.AdminPubkey)
	assert.ElementsMatch(t, []string{m.seller.pubkey(), m.offer.Offer.Pubkey, chosen.pubkey()}, record.Members)
}

func TestSelectPartner_NpubEncodedResponder(t *testing.T) {
	ctx := context.Background()
	m := setupMarket(t)
	buyer := m.responders[0]

	// Another client may put the real key in npub form.
	signer := identity.GenerateRandom()
	m.publishSignal(t, signer, models.InterestSignal{
		OfferId:       m.offer.Offer.Id,
		RealPubkey:    buyer.sess.Identity.Npub(),
		Timestamp:     time.Now().UnixMilli(),
		Message:       "still available?",
		RetractionKey: signer.SecretKey,
	})

	result, err := m.seller.svc.SelectPartner(ctx, service.SelectRequest{
		SessionId:      m.seller.sess.Id,
		OfferId:        m.offer.Offer.Id,
		SelectedPubkey: signer.PublicKey,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, buyer.pubkey(), result.SelectedPubkey)
	require.NotNil(t, result.Deal)
	assert.Equal(t, buyer.pubkey(), result.Deal.BuyerPubkey)

	notices := entriesOfKind(inboxOf(t, buyer), service.InboxSelection)
	require.Len(t, notices, 1)
	assert.Equal(t, models.RolePartner, notices[0].Notice.Role)
	assert.Equal(t, result.Deal.Id, notices[0].Notice.RoomId)

	deals, err := buyer.svc.ListDeals(ctx, buyer.sess.Id)
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, result.Deal.Id, deals[0].Id)
}

func TestSelectPartner_CollectsRecipientFailures(t *testing.T) {
	ctx := context.Background()
	m := setupMarket(t)
	m.submitAll(t)
	unreachable := m.responders[0]
	m.seller.useRelay(unreachableRecipient{Network: m.net, pubkey: unreachable.pubkey()})

	chosen := m.responders[1]
	result := selectResponder(t, m, chosen)

	// The rejection and the notice to the unreachable responder fail; nothing else does.
	require.Len(t, result.Errors, 2)
	for _, err := range result.Errors {
		assert.ErrorIs(t, err, models.ErrNetwork)
		assert.Contains(t, err.Error(), unreachable.pubkey())
	}
	assert.Len(t, result.RejectedPubkeys, 2)
	assert.Equal(t, 0, result.UnboundRetractions)
	assert.Equal(t, 4, result.Notified)
	require.NotNil(t, result.Deal)

	// Its signal is still retracted.
	remaining, err := m.net.Query(ctx, testRelays, nostr.Filter{
		Kinds: []int{models.KindInterestSignal},
		Tags:  nostr.TagMap{"d": []string{m.offer.Offer.Id}},
	})
	require.NoError(t, err)
	assert.Empty(t, remaining)

	assert.Empty(t, inboxOf(t, unreachable))

	rejections := entriesOfKind(inboxOf(t, m.responders[2]), service.InboxRejection)
	require.Len(t, rejections, 1)
	assert.Equal(t, models.ReasonSelectedOther, rejections[0].Rejection.Reason)

	notices := entriesOfKind(inboxOf(t, chosen), service.InboxSelection)
	require.Len(t, notices, 1)
	assert.Equal(t, models.RolePartner, notices[0].Notice.Role)

	deals, err := chosen.svc.ListDeals(ctx, chosen.sess.Id)
	require.NoError(t, err)
	assert.Len(t, deals, 1)
}

func TestSelectPartner_UnknownSignal(t *testing.T) {
	ctx := context.Background()
	m := setupMarket(t)
	m.submitAll(t)

	_, err := m.seller.svc.SelectPartner(ctx, service.SelectRequest{
		SessionId:      m.seller.sess.Id,
		OfferId:        m.offer.Offer.Id,
		SelectedPubkey: m.responders[0].pubkey(),
	})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestSelectPartner_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	m := setupMarket(t)
	m.submitAll(t)
	selectResponder(t, m, m.responders[0])

	_, err := m.seller.svc.SelectPartner(ctx, service.SelectRequest{
		SessionId:      m.seller.sess.Id,
		OfferId:        m.offer.Offer.Id,
		SelectedPubkey: m.responders[1].pubkey(),
	})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRejectAllInterests(t *testing.T) {
	ctx := context.Background()
	m := setupMarket(t)
	m.submitAll(t)

	result, err := m.seller.svc.RejectAllInterests(ctx, service.RejectAllRequest{
		SessionId: m.seller.sess.Id,
		OfferId:   m.offer.Offer.Id,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Len(t, result.RejectedPubkeys, 3)
	assert.Equal(t, 0, result.UnboundRetractions)
	assert.Nil(t, result.Deal)

	for _, r := range m.responders {
		rejections := entriesOfKind(inboxOf(t, r), service.InboxRejection)
		require.Len(t, rejections, 1)
		assert.Equal(t, models.ReasonOfferClosed, rejections[0].Rejection.Reason)
		assert.Equal(t, "Road bike", rejections[0].Rejection.OfferTitle)
	}

	remaining, err := m.net.Query(ctx, testRelays, nostr.Filter{
		Kinds: []int{models.KindInterestSignal},
		Tags:  nostr.TagMap{"d": []string{m.offer.Offer.Id}},
	})
	require.NoError(t, err)
	assert.Empty(t, remaining)

	offers, _, err := m.bystander.svc.FetchOffers(ctx, m.bystander.sess.Id, m.group.ChannelId)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, models.OfferClosed, offers[0].Status)

	_, err = m.seller.svc.UpdateOffer(ctx, m.seller.sess.Id, m.offer.Offer.Id, service.OfferInput{Title: "Road bike"})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRejectAllInterests_UnboundRetraction(t *testing.T) {
	ctx := context.Background()
	m := setupMarket(t)
	responder := m.responders[0]

	// A signal that never disclosed its single-use key.
	signer := identity.GenerateRandom()
	signal := m.publishSignal(t, signer, models.InterestSignal{
		OfferId:    m.offer.Offer.Id,
		RealPubkey: responder.pubkey(),
		Timestamp:  time.Now().UnixMilli(),
		Message:    "still available?",
	})

	result, err := m.seller.svc.RejectAllInterests(ctx, service.RejectAllRequest{
		SessionId: m.seller.sess.Id,
		OfferId:   m.offer.Offer.Id,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{responder.pubkey()}, result.RejectedPubkeys)
	assert.Equal(t, 1, result.UnboundRetractions)

	// The offer identity signed the deletion, so the relay keeps the signal.
	deletions, err := m.net.Query(ctx, testRelays, nostr.Filter{
		Kinds:   []int{models.KindDeletion},
		Authors: []string{m.offer.Offer.Pubkey},
	})
	require.NoError(t, err)
	require.Len(t, deletions, 1)
	assert.Contains(t, models.TagValues(deletions[0].Tags, "e"), signal.ID)

	remaining, err := m.net.Query(ctx, testRelays, nostr.Filter{
		Kinds:   []int{models.KindInterestSignal},
		Authors: []string{signer.PublicKey},
	})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	rejections := entriesOfKind(inboxOf(t, responder), service.InboxRejection)
	require.Len(t, rejections, 1)
	assert.Equal(t, models.ReasonOfferClosed, rejections[0].Rejection.Reason)
}

func TestRejectAllInterests_NoSignals(t *testing.T) {
	m := setupMarket(t)

	result, err := m.seller.svc.RejectAllInterests(context.Background(), service.RejectAllRequest{
		SessionId: m.seller.sess.Id,
		OfferId:   m.offer.Offer.Id,
	})
	require.NoError(t, err)
	assert.Empty(t, result.RejectedPubkeys)
}
