// Package memory is an in-process relay network used by tests and dev mode.
// Each url is an independent relay with its own event set.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/relay"
)

var _ relay.Client = (*Network)(nil)

type relayState struct {
	events map[string]nostr.Event
	// Addressable slot -> event id of the newest event in it.
	slots map[string]string
	// Ids removed by an authorized deletion; later copies are refused.
	deleted map[string]struct{}
	down    bool
}

func newRelayState() *relayState {
	return &relayState{
		events:  make(map[string]nostr.Event),
		slots:   make(map[string]string),
		deleted: make(map[string]struct{}),
	}
}

type Network struct {
	mu       sync.RWMutex
	relays   map[string]*relayState
	verifier relay.Verifier
}

func NewNetwork() *Network {
	return &Network{
		relays:   make(map[string]*relayState),
		verifier: relay.SchnorrVerifier{},
	}
}

// SetDown makes every operation against url fail until it is brought back up.
func (n *Network) SetDown(url string, down bool) {
	url, _ = relay.NormalizeURL(url)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state(url).down = down
}

// Events returns everything url currently stores, newest first.
func (n *Network) Events(url string) []nostr.Event {
	url, _ = relay.NormalizeURL(url)
	n.mu.RLock()
	defer n.mu.RUnlock()
	st, ok := n.relays[url]
	if !ok {
		return nil
	}
	out := make([]nostr.Event, 0, len(st.events))
	for _, ev := range st.events {
		out = append(out, ev)
	}
	return relay.Dedupe(out)
}

// Inject stores ev on url without signature checks, the way a malicious or
// buggy relay would serve it.
func (n *Network) Inject(url string, ev nostr.Event) {
	url, _ = relay.NormalizeURL(url)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state(url).events[ev.ID] = ev
}

func (n *Network) state(url string) *relayState {
	st, ok := n.relays[url]
	if !ok {
		st = newRelayState()
		n.relays[url] = st
	}
	return st
}

func (n *Network) Publish(ctx context.Context, ev nostr.Event, urls []string) (relay.PublishResult, error) {
	urls, err := relay.ValidateURLs(urls)
	if err != nil {
		return relay.PublishResult{}, err
	}

	errs := relay.FanOut(ctx, urls, func(ctx context.Context, url string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.verifier.Verify(&ev); err != nil {
			return fmt.Errorf("%w: %v", relay.ErrRejected, err)
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		st := n.state(url)
		if st.down {
			return relay.ErrClosed
		}
		return st.store(ev)
	})

	result := relay.NewPublishResult(urls, errs)
	return result, result.Err()
}

func (st *relayState) store(ev nostr.Event) error {
	if _, ok := st.deleted[ev.ID]; ok {
		return fmt.Errorf("%w: event was deleted", relay.ErrRejected)
	}
	if _, ok := st.events[ev.ID]; ok {
		return nil
	}

	if ev.Kind == models.KindDeletion {
		st.applyDeletion(ev)
	}

	if models.IsAddressable(ev.Kind) {
		addr := models.Address(ev.Kind, ev.PubKey, models.TagValue(ev.Tags, "d"))
		if curID, ok := st.slots[addr]; ok {
			cur := st.events[curID]
			if !relay.Newer(ev, cur) {
				// Older replacement, accepted but not stored.
				return nil
			}
			delete(st.events, curID)
		}
		st.slots[addr] = ev.ID
	}

	st.events[ev.ID] = ev
	return nil
}

// Only the author of a target may delete it.
func (st *relayState) applyDeletion(del nostr.Event) {
	for _, id := range models.TagValues(del.Tags, "e") {
		target, ok := st.events[id]
		if !ok || target.PubKey != del.PubKey {
			continue
		}
		st.remove(target)
	}
	for _, addr := range models.TagValues(del.Tags, "a") {
		id, ok := st.slots[addr]
		if !ok {
			continue
		}
		target := st.events[id]
		if target.PubKey != del.PubKey || target.CreatedAt > del.CreatedAt {
			continue
		}
		st.remove(target)
	}
}

func (st *relayState) remove(ev nostr.Event) {
	delete(st.events, ev.ID)
	st.deleted[ev.ID] = struct{}{}
	if models.IsAddressable(ev.Kind) {
		addr := models.Address(ev.Kind, ev.PubKey, models.TagValue(ev.Tags, "d"))
		if st.slots[addr] == ev.ID {
			delete(st.slots, addr)
		}
	}
}

func (n *Network) Query(ctx context.Context, urls []string, filter nostr.Filter) ([]nostr.Event, error) {
	urls, err := relay.ValidateURLs(urls)
	if err != nil {
		return nil, err
	}

	collector := relay.NewCollector(n.verifier)
	errs := relay.FanOut(ctx, urls, func(ctx context.Context, url string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n.mu.RLock()
		st, ok := n.relays[url]
		if ok && st.down {
			n.mu.RUnlock()
			return relay.ErrClosed
		}
		var matched []nostr.Event
		if ok {
			for _, ev := range st.events {
				if filter.Matches(&ev) {
					matched = append(matched, ev)
				}
			}
		}
		n.mu.RUnlock()

		matched = relay.Dedupe(matched)
		if filter.Limit > 0 && len(matched) > filter.Limit {
			matched = matched[:filter.Limit]
		}
		collector.Add(url, matched)
		return nil
	})

	if err := relay.QueryErr(urls, errs); err != nil {
		return nil, err
	}
	return collector.Events(), nil
}
