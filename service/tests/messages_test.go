package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/veiltrade/identity"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/onion"
	"github.com/zlnvch/veiltrade/relay/memory"
	"github.com/zlnvch/veiltrade/service"
)

func TestSendDirectMessage(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	alice := newTrader(t, net)
	bob := newTrader(t, net)

	sent, err := alice.svc.SendDirectMessage(ctx, alice.sess.Id, bob.pubkey(), "is the bike still there?")
	require.NoError(t, err)
	assert.Equal(t, alice.pubkey(), sent.Sender)

	// Nothing on the relays points back at alice.
	wraps, err := net.Query(ctx, testRelays, nostr.Filter{Kinds: []int{models.KindGiftWrap}})
	require.NoError(t, err)
	require.Len(t, wraps, 1)
	assert.NotEqual(t, alice.pubkey(), wraps[0].PubKey)
	assert.NotContains(t, wraps[0].Content, alice.pubkey())

	entries := inboxOf(t, bob)
	require.Len(t, entries, 1)
	assert.Equal(t, service.InboxMessage, entries[0].Kind)
	assert.Equal(t, "is the bike still there?", entries[0].Rumor.Content)
	assert.Equal(t, alice.pubkey(), entries[0].Rumor.Sender)

	assert.Empty(t, inboxOf(t, alice))
}

func TestSendDirectMessage_Validation(t *testing.T) {
	ctx := context.Background()
	tr := newTrader(t, memory.NewNetwork())

	_, err := tr.svc.SendDirectMessage(ctx, tr.sess.Id, "nobody", "hi")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = tr.svc.SendDirectMessage(ctx, tr.sess.Id, identity.GenerateRandom().PublicKey, " ")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestFetchInbox_SkipsUnreadableAndOld(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	alice := newTrader(t, net)
	bob := newTrader(t, net)

	// Old message, still inside the backdating window of the wrap.
	old, err := onion.Wrap(models.Rumor{
		Kind:      models.KindDirectMessage,
		Content:   "yesterday",
		CreatedAt: time.Now().Add(-24 * time.Hour).Unix(),
	}, alice.sess.Identity, bob.pubkey())
	require.NoError(t, err)
	_, err = net.Publish(ctx, old, testRelays)
	require.NoError(t, err)

	// Unknown inner kind.
	odd, err := onion.Wrap(models.Rumor{Kind: 9999, Content: "?"}, alice.sess.Identity, bob.pubkey())
	require.NoError(t, err)
	_, err = net.Publish(ctx, odd, testRelays)
	require.NoError(t, err)

	// Addressed to bob but sealed for someone else.
	stray, err := onion.Wrap(models.Rumor{Content: "not for bob"}, alice.sess.Identity, identity.GenerateRandom().PublicKey)
	require.NoError(t, err)
	stray.Tags = nostr.Tags{{"p", bob.pubkey()}}
	require.NoError(t, identity.GenerateRandom().Sign(&stray))
	_, err = net.Publish(ctx, stray, testRelays)
	require.NoError(t, err)

	_, err = alice.svc.SendDirectMessage(ctx, alice.sess.Id, bob.pubkey(), "today")
	require.NoError(t, err)

	entries, skipped, err := bob.svc.FetchInbox(ctx, bob.sess.Id, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "today", entries[0].Rumor.Content)
	assert.Equal(t, 2, skipped)

	all, _, err := bob.svc.FetchInbox(ctx, bob.sess.Id, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	// newest first
	assert.Equal(t, "today", all[0].Rumor.Content)
	assert.Equal(t, "yesterday", all[1].Rumor.Content)
}
