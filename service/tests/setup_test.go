package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/veiltrade/groupcrypt"
	"github.com/zlnvch/veiltrade/identity"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/relay"
	"github.com/zlnvch/veiltrade/relay/memory"
	relaymocks "github.com/zlnvch/veiltrade/relay/mocks"
	"github.com/zlnvch/veiltrade/service"
	sessionmemory "github.com/zlnvch/veiltrade/session/memory"
	sessionmocks "github.com/zlnvch/veiltrade/session/mocks"
	storememory "github.com/zlnvch/veiltrade/store/memory"
	storemocks "github.com/zlnvch/veiltrade/store/mocks"
	"github.com/zlnvch/veiltrade/worker"
)

var testRelays = []string{"wss://relay-a.example", "wss://relay-b.example"}

func testOptions() service.Options {
	return service.Options{
		Relays:              testRelays,
		KeyMode:             groupcrypt.ModeSeparated,
		NotificationPadSize: 512,
		NotifyMaxDelay:      0.02,
	}
}

// setupService builds a service with in-memory session and deal stores on top
// of a shared relay network. Every participant of a test gets its own service,
// as they would run their own client.
func setupService(t *testing.T, client relay.Client) (*service.Service, *storememory.MemoryDealStore) {
	deals := storememory.NewMemoryDealStore()
	svc, err := service.NewService(
		client,
		sessionmemory.NewMemoryStore(),
		deals,
		worker.NewTimerDispatcher(client),
		[]byte("secret"),
		testOptions(),
	)
	require.NoError(t, err)
	return svc, deals
}

// setupMockService is for the paths where relay or store failures matter.
func setupMockService(t *testing.T) (*service.Service, *relaymocks.MockClient, *sessionmocks.MockSecretStore, *storemocks.MockDealStore) {
	mockRelay := new(relaymocks.MockClient)
	mockSecrets := new(sessionmocks.MockSecretStore)
	mockDeals := new(storemocks.MockDealStore)

	svc, err := service.NewService(
		mockRelay,
		mockSecrets,
		mockDeals,
		worker.NewTimerDispatcher(mockRelay),
		[]byte("secret"),
		testOptions(),
	)
	require.NoError(t, err)
	return svc, mockRelay, mockSecrets, mockDeals
}

// Helper that creates a channel and wraps a mock call to signal when it's called
func wrapMockWithSignal(call *mock.Call) chan struct{} {
	done := make(chan struct{})
	call.Run(func(args mock.Arguments) {
		close(done)
	})
	return done
}

type trader struct {
	svc   *service.Service
	deals *storememory.MemoryDealStore
	sess  service.Session
	token string
}

func newTrader(t *testing.T, net *memory.Network) trader {
	t.Helper()
	svc, deals := setupService(t, net)
	sess, token, err := svc.Login(context.Background(), identity.GenerateRandom().SecretKey)
	require.NoError(t, err)
	return trader{svc: svc, deals: deals, sess: sess, token: token}
}

func (tr trader) pubkey() string {
	return tr.sess.Identity.PublicKey
}

// useRelay points every publish of the trader's service at client.
func (tr trader) useRelay(client relay.Client) {
	tr.svc.Relay = client
	tr.svc.Dispatcher = worker.NewTimerDispatcher(client)
}

// unreachableRecipient fails every gift wrap addressed to one key and passes
// everything else through to the network.
type unreachableRecipient struct {
	*memory.Network
	pubkey string
}

func (u unreachableRecipient) Publish(ctx context.Context, ev nostr.Event, urls []string) (relay.PublishResult, error) {
	if ev.Kind == models.KindGiftWrap && models.TagValue(ev.Tags, "p") == u.pubkey {
		return relay.PublishResult{}, fmt.Errorf("%w: recipient unreachable", models.ErrNetwork)
	}
	return u.Network.Publish(ctx, ev, urls)
}

// market is a group administered by the seller with three responders and one
// member who never shows interest.
type market struct {
	net        *memory.Network
	seller     trader
	responders []trader
	bystander  trader
	group      service.Group
	secret     string
	offer      service.OfferHandle
}

func setupMarket(t *testing.T) market {
	t.Helper()
	ctx := context.Background()
	net := memory.NewNetwork()

	m := market{
		net:       net,
		seller:    newTrader(t, net),
		bystander: newTrader(t, net),
	}
	for range 3 {
		m.responders = append(m.responders, newTrader(t, net))
	}

	var err error
	m.group, m.secret, err = m.seller.svc.CreateGroup(ctx, m.seller.sess.Id)
	require.NoError(t, err)

	members := []string{m.bystander.pubkey()}
	for _, r := range m.responders {
		members = append(members, r.pubkey())
	}
	_, err = m.seller.svc.AddGroupMembers(ctx, m.seller.sess.Id, m.group.ChannelId, members)
	require.NoError(t, err)

	for _, tr := range append([]trader{m.bystander}, m.responders...) {
		_, err := tr.svc.JoinGroup(ctx, tr.sess.Id, m.secret, m.seller.pubkey())
		require.NoError(t, err)
	}

	m.offer, err = m.seller.svc.CreateOffer(ctx, m.seller.sess.Id, m.group.ChannelId, service.OfferInput{
		Title:       "Road bike",
		Description: "56cm frame, recently serviced",
		Price:       "300 EUR",
	})
	require.NoError(t, err)
	return m
}

// submitAll has every responder signal interest in the market offer.
func (m market) submitAll(t *testing.T) {
	t.Helper()
	for i, r := range m.responders {
		_, err := r.svc.SubmitInterest(context.Background(), r.sess.Id, service.InterestRequest{
			OfferId:     m.offer.Offer.Id,
			OfferPubkey: m.offer.Offer.Pubkey,
			Message:     "still available?",
			DisplayName: []string{"ana", "bo", "cy"}[i],
		})
		require.NoError(t, err)
	}
}

// publishSignal publishes a hand-built interest signal for the market offer
// signed by signer, the way a third-party client might produce it.
func (m market) publishSignal(t *testing.T, signer identity.Identity, signal models.InterestSignal) nostr.Event {
	t.Helper()
	payload, err := json.Marshal(signal)
	require.NoError(t, err)
	ck, err := nip44.GenerateConversationKey(m.offer.Offer.Pubkey, signer.SecretKey)
	require.NoError(t, err)
	content, err := nip44.Encrypt(string(payload), ck)
	require.NoError(t, err)

	ev := nostr.Event{
		Kind:      models.KindInterestSignal,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"d", m.offer.Offer.Id}},
		Content:   content,
	}
	require.NoError(t, signer.Sign(&ev))
	_, err = m.net.Publish(context.Background(), ev, testRelays)
	require.NoError(t, err)
	return ev
}
