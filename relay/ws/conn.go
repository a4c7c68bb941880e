package ws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/zlnvch/veiltrade/relay"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the relay.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the relay.
	pongWait = 60 * time.Second

	// Send pings to the relay with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size accepted from a relay.
	maxMessageSize = 1024 * 512
)

// subscription receives the frames of one REQ. gone is closed when the query
// stops reading, after which late frames are dropped.
type subscription struct {
	frames chan []json.RawMessage
	gone   chan struct{}
}

type okResult struct {
	accepted bool
	message  string
}

// Conn is one websocket connection to a relay. ReadPump routes incoming
// frames to the subscription or publish waiting for them; WritePump owns all
// writes.
type Conn struct {
	url     string
	conn    *websocket.Conn
	Send    chan []byte
	limiter *rate.Limiter

	mu   sync.Mutex
	subs map[string]*subscription
	oks  map[string]chan okResult

	done      chan struct{}
	closeOnce sync.Once
}

func Dial(ctx context.Context, dialer *websocket.Dialer, url string, limiter *rate.Limiter) (*Conn, error) {
	wsConn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Conn{
		url:     url,
		conn:    wsConn,
		Send:    make(chan []byte, 128),
		limiter: limiter,
		subs:    make(map[string]*subscription),
		oks:     make(map[string]chan okResult),
		done:    make(chan struct{}),
	}
	go c.ReadPump()
	go c.WritePump()
	return c, nil
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Conn) ReadPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Relay %s read error: %v", c.url, err)
			}
			return
		}
		c.dispatch(messageBytes)
	}
}

func (c *Conn) dispatch(messageBytes []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(messageBytes, &frame); err != nil || len(frame) < 2 {
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT", "EOSE", "CLOSED":
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[subID]
		c.mu.Unlock()
		if sub == nil {
			return
		}
		select {
		case sub.frames <- frame:
		case <-sub.gone:
		case <-c.done:
		}

	case "OK":
		if len(frame) < 3 {
			return
		}
		var id string
		var res okResult
		if json.Unmarshal(frame[1], &id) != nil || json.Unmarshal(frame[2], &res.accepted) != nil {
			return
		}
		if len(frame) > 3 {
			json.Unmarshal(frame[3], &res.message)
		}
		c.mu.Lock()
		ch := c.oks[id]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- res:
			default:
			}
		}

	case "NOTICE":
		var notice string
		json.Unmarshal(frame[1], &notice)
		log.Printf("Relay %s notice: %s", c.url, notice)
	}
}

func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case message := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Relay %s send error: %v", c.url, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return
		}
	}
}

func (c *Conn) write(ctx context.Context, frame ...any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case c.Send <- data:
		return nil
	case <-c.done:
		return relay.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends the event and waits for the relay's OK.
func (c *Conn) Publish(ctx context.Context, ev nostr.Event) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	ch := make(chan okResult, 1)
	c.mu.Lock()
	c.oks[ev.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.oks, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, "EVENT", ev); err != nil {
		return err
	}

	select {
	case res := <-ch:
		if !res.accepted {
			return fmt.Errorf("%w: %s", relay.ErrRejected, res.message)
		}
		return nil
	case <-c.done:
		return relay.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query opens a subscription, collects stored events until EOSE and closes it.
// A query that times out returns no events.
func (c *Conn) Query(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error) {
	subID := newSubID()
	sub := &subscription{
		frames: make(chan []json.RawMessage, 256),
		gone:   make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[subID] = sub
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		close(sub.gone)
		closeCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		c.write(closeCtx, "CLOSE", subID)
	}()

	if err := c.write(ctx, "REQ", subID, filter); err != nil {
		return nil, err
	}

	var events []nostr.Event
	for {
		select {
		case frame := <-sub.frames:
			var label string
			json.Unmarshal(frame[0], &label)
			switch label {
			case "EVENT":
				if len(frame) < 3 {
					continue
				}
				var ev nostr.Event
				if err := json.Unmarshal(frame[2], &ev); err != nil {
					continue
				}
				events = append(events, ev)
			case "EOSE":
				return events, nil
			case "CLOSED":
				var reason string
				if len(frame) > 2 {
					json.Unmarshal(frame[2], &reason)
				}
				return nil, fmt.Errorf("%w: subscription closed: %s", relay.ErrRejected, reason)
			}
		case <-c.done:
			return nil, relay.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func newSubID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
