// Package whitelist maintains the admin-signed member list of a channel. The
// list is one addressable event per (admin, channel) replicated across
// relays; readers reconcile divergent copies by the newest updatedAt.
package whitelist

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/zlnvch/veiltrade/identity"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/relay"
)

type Gate struct {
	client relay.Client
	now    func() time.Time

	mu sync.Mutex
	// Newest created_at seen per slot. Relays keep one event per slot and
	// break created_at ties by id, so a rewrite must move past it.
	latest map[string]nostr.Timestamp
}

func NewGate(client relay.Client) *Gate {
	return &Gate{client: client, now: time.Now, latest: make(map[string]nostr.Timestamp)}
}

func (g *Gate) observe(address string, ts nostr.Timestamp) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ts > g.latest[address] {
		g.latest[address] = ts
	}
}

func (g *Gate) nextTimestamp(address string, now time.Time) nostr.Timestamp {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts := nostr.Timestamp(now.Unix())
	if last := g.latest[address]; ts <= last {
		ts = last + 1
	}
	g.latest[address] = ts
	return ts
}

// Load returns the newest record signed by admin for channelId, or nil when
// no relay has one. A nil record denies everyone.
func (g *Gate) Load(ctx context.Context, relays []string, adminPubkey string, channelId string) (*models.WhitelistRecord, error) {
	admin, err := identity.CanonicalPubkey(adminPubkey)
	if err != nil {
		return nil, err
	}
	if channelId == "" {
		return nil, fmt.Errorf("%w: empty channel id", models.ErrValidation)
	}
	relays, err = relay.ValidateURLs(relays)
	if err != nil {
		return nil, err
	}

	filter := nostr.Filter{
		Kinds:   []int{models.KindWhitelist},
		Authors: []string{admin},
		Tags:    nostr.TagMap{"d": []string{channelId}},
	}

	var (
		mu     sync.Mutex
		copies []*models.WhitelistEvent
	)
	// Each relay is asked on its own so one relay's stale copy cannot hide
	// another relay's newer one.
	errs := relay.FanOut(ctx, relays, func(ctx context.Context, url string) error {
		events, err := g.client.Query(ctx, []string{url}, filter)
		if err != nil {
			return err
		}
		for _, ev := range events {
			record, ok := g.accept(ev, admin, channelId)
			if !ok {
				log.Printf("Ignoring whitelist copy %s from %s", ev.ID, url)
				continue
			}
			mu.Lock()
			copies = append(copies, record)
			mu.Unlock()
		}
		return nil
	})
	if err := relay.QueryErr(relays, errs); err != nil {
		return nil, err
	}

	best := Reconcile(copies)
	if best == nil {
		return nil, nil
	}
	g.observe(models.Address(models.KindWhitelist, admin, channelId), best.Raw().CreatedAt)
	record := best.Record
	return &record, nil
}

func (g *Gate) accept(ev nostr.Event, admin string, channelId string) (*models.WhitelistEvent, bool) {
	if ev.PubKey != admin {
		return nil, false
	}
	parsed, err := models.ParseEvent(ev)
	if err != nil {
		return nil, false
	}
	wl, ok := parsed.(*models.WhitelistEvent)
	if !ok || wl.ChannelId != channelId {
		return nil, false
	}
	return wl, true
}

// Reconcile picks the winning copy: greatest updatedAt, then the newer event.
func Reconcile(copies []*models.WhitelistEvent) *models.WhitelistEvent {
	var best *models.WhitelistEvent
	for _, c := range copies {
		if best == nil {
			best = c
			continue
		}
		if c.Record.UpdatedAt != best.Record.UpdatedAt {
			if c.Record.UpdatedAt > best.Record.UpdatedAt {
				best = c
			}
			continue
		}
		if relay.Newer(c.Raw(), best.Raw()) {
			best = c
		}
	}
	return best
}

// Save publishes members as the full new membership of channelId. There is no
// version check; a concurrent writer can overwrite the result.
func (g *Gate) Save(ctx context.Context, members []string, admin identity.Identity, relays []string, channelId string) (*models.WhitelistRecord, error) {
	if admin.IsZero() {
		return nil, fmt.Errorf("%w: missing admin identity", models.ErrValidation)
	}
	if channelId == "" {
		return nil, fmt.Errorf("%w: empty channel id", models.ErrValidation)
	}
	canonical, err := CanonicalMembers(members)
	if err != nil {
		return nil, err
	}

	now := g.now()
	record := models.WhitelistRecord{
		Members:     canonical,
		UpdatedAt:   now.UnixMilli(),
		AdminPubkey: admin.PublicKey,
		ChannelId:   channelId,
	}
	content, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	ev := nostr.Event{
		Kind:      models.KindWhitelist,
		CreatedAt: g.nextTimestamp(models.Address(models.KindWhitelist, admin.PublicKey, channelId), now),
		Tags:      nostr.Tags{{"d", channelId}},
		Content:   string(content),
	}
	if err := admin.Sign(&ev); err != nil {
		return nil, err
	}

	if _, err := g.client.Publish(ctx, ev, relays); err != nil {
		return nil, err
	}
	record.EventId = ev.ID
	return &record, nil
}

// AddMembers re-fetches the current record and rewrites it with pubkeys added.
func (g *Gate) AddMembers(ctx context.Context, pubkeys []string, admin identity.Identity, relays []string, channelId string) (*models.WhitelistRecord, error) {
	current, err := g.Load(ctx, relays, admin.PublicKey, channelId)
	if err != nil {
		return nil, err
	}
	var members []string
	if current != nil {
		members = current.Members
	}
	return g.Save(ctx, append(slices.Clone(members), pubkeys...), admin, relays, channelId)
}

// RemoveMembers re-fetches the current record and rewrites it without pubkeys.
func (g *Gate) RemoveMembers(ctx context.Context, pubkeys []string, admin identity.Identity, relays []string, channelId string) (*models.WhitelistRecord, error) {
	current, err := g.Load(ctx, relays, admin.PublicKey, channelId)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return g.Save(ctx, nil, admin, relays, channelId)
	}
	remaining := slices.DeleteFunc(slices.Clone(current.Members), func(m string) bool {
		return slices.ContainsFunc(pubkeys, func(p string) bool { return identity.SamePubkey(m, p) })
	})
	return g.Save(ctx, remaining, admin, relays, channelId)
}

// IsAllowed compares in canonical form. A nil record allows no one.
func IsAllowed(pubkey string, record *models.WhitelistRecord) bool {
	if record == nil {
		return false
	}
	key, err := identity.CanonicalPubkey(pubkey)
	if err != nil {
		return false
	}
	for _, member := range record.Members {
		if identity.SamePubkey(member, key) {
			return true
		}
	}
	return false
}

// CanonicalMembers converts every key to lowercase hex, drops duplicates and
// sorts the result.
func CanonicalMembers(members []string) ([]string, error) {
	out := make([]string, 0, len(members))
	for _, m := range members {
		key, err := identity.CanonicalPubkey(m)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

type PrivateChat struct {
	CreatorPubkey   string
	OfferPubkey     string
	ResponderPubkey string
	Admin           identity.Identity
	Relays          []string
	ChannelId       string
}

// SetPrivateChatWhitelist narrows a channel to the two deal participants plus
// the offer identity that signed the earlier history.
func (g *Gate) SetPrivateChatWhitelist(ctx context.Context, chat PrivateChat) (*models.WhitelistRecord, error) {
	for _, key := range []string{chat.CreatorPubkey, chat.OfferPubkey, chat.ResponderPubkey} {
		if key == "" {
			return nil, fmt.Errorf("%w: private chat needs creator, offer and responder keys", models.ErrValidation)
		}
	}
	members := []string{chat.CreatorPubkey, chat.OfferPubkey, chat.ResponderPubkey}
	return g.Save(ctx, members, chat.Admin, chat.Relays, chat.ChannelId)
}
