// Package ws is the websocket relay client. A Pool owns its connections; there
// is no process-wide pool.
package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/zlnvch/veiltrade/relay"
	"golang.org/x/time/rate"
)

type Options struct {
	PublishTimeout time.Duration
	QueryTimeout   time.Duration
	// Per relay publish rate limit
	PublishesPerSecond float64
	PublishBurst       int
	Verifier           relay.Verifier
	Dialer             *websocket.Dialer
}

func DefaultOptions() Options {
	return Options{
		PublishTimeout:     5 * time.Second,
		QueryTimeout:       10 * time.Second,
		PublishesPerSecond: 10,
		PublishBurst:       20,
		Verifier:           relay.SchnorrVerifier{},
		Dialer:             websocket.DefaultDialer,
	}
}

var _ relay.Client = (*Pool)(nil)

type Pool struct {
	opts  Options
	mu    sync.Mutex
	conns map[string]*Conn
}

func NewPool(opts Options) *Pool {
	defaults := DefaultOptions()
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaults.PublishTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaults.QueryTimeout
	}
	if opts.PublishesPerSecond <= 0 {
		opts.PublishesPerSecond = defaults.PublishesPerSecond
	}
	if opts.PublishBurst <= 0 {
		opts.PublishBurst = defaults.PublishBurst
	}
	if opts.Verifier == nil {
		opts.Verifier = defaults.Verifier
	}
	if opts.Dialer == nil {
		opts.Dialer = defaults.Dialer
	}
	return &Pool{opts: opts, conns: make(map[string]*Conn)}
}

// conn returns the live connection for url, dialing a new one if needed.
func (p *Pool) conn(ctx context.Context, url string) (*Conn, error) {
	p.mu.Lock()
	c, ok := p.conns[url]
	p.mu.Unlock()
	if ok && !c.Closed() {
		return c, nil
	}

	limiter := rate.NewLimiter(rate.Limit(p.opts.PublishesPerSecond), p.opts.PublishBurst)
	c, err := Dial(ctx, p.opts.Dialer, url, limiter)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[url]; ok && !existing.Closed() {
		// Lost a dial race; keep the first connection.
		c.Close()
		return existing, nil
	}
	p.conns[url] = c
	return c, nil
}

func (p *Pool) Publish(ctx context.Context, ev nostr.Event, urls []string) (relay.PublishResult, error) {
	urls, err := relay.ValidateURLs(urls)
	if err != nil {
		return relay.PublishResult{}, err
	}

	errs := relay.FanOut(ctx, urls, func(ctx context.Context, url string) error {
		ctx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
		defer cancel()
		c, err := p.conn(ctx, url)
		if err != nil {
			return err
		}
		return c.Publish(ctx, ev)
	})
	for url, err := range errs {
		log.Printf("Publish of %s to %s failed: %v", ev.ID, url, err)
	}

	result := relay.NewPublishResult(urls, errs)
	return result, result.Err()
}

func (p *Pool) Query(ctx context.Context, urls []string, filter nostr.Filter) ([]nostr.Event, error) {
	urls, err := relay.ValidateURLs(urls)
	if err != nil {
		return nil, err
	}

	collector := relay.NewCollector(p.opts.Verifier)
	errs := relay.FanOut(ctx, urls, func(ctx context.Context, url string) error {
		ctx, cancel := context.WithTimeout(ctx, p.opts.QueryTimeout)
		defer cancel()
		c, err := p.conn(ctx, url)
		if err != nil {
			return err
		}
		events, err := c.Query(ctx, filter)
		if err != nil {
			return err
		}
		collector.Add(url, events)
		return nil
	})
	for url, err := range errs {
		log.Printf("Query on %s failed: %v", url, err)
	}

	if err := relay.QueryErr(urls, errs); err != nil {
		return nil, err
	}
	return collector.Events(), nil
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, c := range p.conns {
		c.Close()
		delete(p.conns, url)
	}
}
