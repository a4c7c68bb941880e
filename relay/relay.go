package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/zlnvch/veiltrade/models"
)

// Client is the relay collaborator. Implementations fan out to every url in
// parallel and succeed as long as one relay does.
type Client interface {
	Publish(ctx context.Context, ev nostr.Event, urls []string) (PublishResult, error)
	Query(ctx context.Context, urls []string, filter nostr.Filter) ([]nostr.Event, error)
}

var (
	ErrInvalidSignature = errors.New("invalid event signature")
	ErrRejected         = errors.New("relay rejected event")
	ErrClosed           = errors.New("relay connection closed")
)

type PublishResult struct {
	Succeeded []string
	Failed    map[string]error
}

func NewPublishResult(urls []string, errs map[string]error) PublishResult {
	result := PublishResult{Failed: errs}
	for _, u := range urls {
		if _, failed := errs[u]; !failed && !slices.Contains(result.Succeeded, u) {
			result.Succeeded = append(result.Succeeded, u)
		}
	}
	return result
}

// Err is nil when at least one relay accepted the event.
func (r PublishResult) Err() error {
	if len(r.Succeeded) > 0 {
		return nil
	}
	return allFailed(r.Failed)
}

func allFailed(errs map[string]error) error {
	joined := make([]error, 0, len(errs))
	for u, err := range errs {
		joined = append(joined, fmt.Errorf("%s: %w", u, err))
	}
	return fmt.Errorf("%w: %w", models.ErrNetwork, errors.Join(joined...))
}

// QueryErr returns ErrNetwork when every relay in urls failed.
func QueryErr(urls []string, errs map[string]error) error {
	if len(errs) < len(urls) {
		return nil
	}
	return allFailed(errs)
}

// Verifier checks event ids and signatures. It is injected once into the
// relay client instead of being resolved per call.
type Verifier interface {
	Verify(ev *nostr.Event) error
}

type SchnorrVerifier struct{}

func (SchnorrVerifier) Verify(ev *nostr.Event) error {
	if ev.ID != ev.GetID() {
		return fmt.Errorf("%w: id does not match content", ErrInvalidSignature)
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// NormalizeURL lowercases scheme and host and drops a trailing slash.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: relay url %q", models.ErrValidation, raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("%w: relay url %q must use ws or wss", models.ErrValidation, raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: relay url %q has no host", models.ErrValidation, raw)
	}
	u.Host = strings.ToLower(u.Host)
	return strings.TrimSuffix(u.String(), "/"), nil
}

// ValidateURLs normalizes and deduplicates a relay list.
func ValidateURLs(urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no relays given", models.ErrValidation)
	}
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		u, err := NormalizeURL(raw)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out, nil
}

// FanOut runs fn for every url concurrently and waits for all of them.
func FanOut(ctx context.Context, urls []string, fn func(ctx context.Context, url string) error) map[string]error {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs = make(map[string]error)
	)
	for _, u := range urls {
		wg.Go(func() {
			if err := fn(ctx, u); err != nil {
				mu.Lock()
				errs[u] = err
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errs
}

// Collector gathers events from concurrent relay queries, dropping events that
// fail verification.
type Collector struct {
	mu       sync.Mutex
	verifier Verifier
	events   []nostr.Event
}

func NewCollector(verifier Verifier) *Collector {
	if verifier == nil {
		verifier = SchnorrVerifier{}
	}
	return &Collector{verifier: verifier}
}

func (c *Collector) Add(source string, events []nostr.Event) {
	valid := make([]nostr.Event, 0, len(events))
	for i := range events {
		if err := c.verifier.Verify(&events[i]); err != nil {
			log.Printf("Dropping event %s from %s: %v", events[i].ID, source, err)
			continue
		}
		valid = append(valid, events[i])
	}
	c.mu.Lock()
	c.events = append(c.events, valid...)
	c.mu.Unlock()
}

func (c *Collector) Events() []nostr.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Dedupe(c.events)
}

// Dedupe drops repeated event ids and orders the rest newest first.
func Dedupe(events []nostr.Event) []nostr.Event {
	seen := make(map[string]struct{}, len(events))
	out := make([]nostr.Event, 0, len(events))
	for _, ev := range events {
		if _, ok := seen[ev.ID]; ok {
			continue
		}
		seen[ev.ID] = struct{}{}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Newer reports whether a supersedes b within one addressable slot.
func Newer(a, b nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}

// LatestByAddress keeps the newest event of every addressable slot. Events of
// other kinds are passed through.
func LatestByAddress(events []nostr.Event) []nostr.Event {
	latest := make(map[string]nostr.Event)
	var order []string
	var out []nostr.Event
	for _, ev := range events {
		if !models.IsAddressable(ev.Kind) {
			out = append(out, ev)
			continue
		}
		addr := models.Address(ev.Kind, ev.PubKey, models.TagValue(ev.Tags, "d"))
		cur, ok := latest[addr]
		if !ok {
			order = append(order, addr)
		}
		if !ok || Newer(ev, cur) {
			latest[addr] = ev
		}
	}
	for _, addr := range order {
		out = append(out, latest[addr])
	}
	return Dedupe(out)
}
