package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zlnvch/veiltrade/service"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 4

	// Rate limiting: 5 messages per second with a burst of 10
	messagesPerSecond = 5
	burstLimit        = 10

	maxWatchedChannels = 20
	groupPollLimit     = 50
)

type MessageHandler func(client *Client, messageType int, messageBytes []byte)

type watchRequest struct {
	channelId string
	inbox     bool
	remove    bool
}

func NewClient(hub *Hub, conn *websocket.Conn, sess service.Session, handler MessageHandler) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:     hub,
		conn:    conn,
		sess:    sess,
		handler: handler,
		Send:    make(chan []byte, 128),
		watch:   make(chan watchRequest, 8),
		ctx:     ctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(rate.Limit(messagesPerSecond), burstLimit),
	}
}

// Client is a middleman between the websocket connection and the relays the
// session watches.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	sess    service.Session
	handler MessageHandler
	Send    chan []byte // Buffered channel of outbound messages.
	watch   chan watchRequest
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.CloseCh <- c
		c.conn.Close()
		c.cancel()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		messageType, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WS close error: %v", err)
			}
			break
		}

		if !c.limiter.Allow() {
			log.Printf("Closing connection for session %s: message rate limit exceeded", c.sess.Id)
			break
		}

		c.handler(c, messageType, messageBytes)
	}
}

func (c *Client) WritePump(shutdownCtx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.cancel()
	}()
	for {
		select {
		case message := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WS send error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Session closed"),
			)
			return

		case <-shutdownCtx.Done():
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Websocket service shutting down"),
			)
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// PollPump owns the watch state of the client. Every interval it fetches the
// watched channels and the inbox and pushes what it has not pushed before.
// The first fetch after a watch only records what already exists.
func (c *Client) PollPump(svc *service.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	channels := make(map[string]map[string]struct{})
	var inboxSeen map[string]struct{}
	var inboxSince time.Time

	for {
		select {
		case req := <-c.watch:
			switch {
			case req.inbox:
				if inboxSeen == nil {
					inboxSince = time.Now()
					inboxSeen = make(map[string]struct{})
				}
			case req.remove:
				delete(channels, req.channelId)
			default:
				if _, ok := channels[req.channelId]; ok {
					continue
				}
				if len(channels) >= maxWatchedChannels {
					c.push(errorMessage("too many watched channels"))
					continue
				}
				seen := make(map[string]struct{})
				if err := c.pollGroup(svc, req.channelId, seen, false); err != nil {
					c.push(errorMessage(err.Error()))
					continue
				}
				channels[req.channelId] = seen
			}

		case <-ticker.C:
			for channelId, seen := range channels {
				if err := c.pollGroup(svc, channelId, seen, true); err != nil {
					log.Printf("Polling channel %s for session %s failed: %v", channelId, c.sess.Id, err)
				}
			}
			if inboxSeen != nil {
				if err := c.pollInbox(svc, inboxSince, inboxSeen); err != nil {
					log.Printf("Polling inbox for session %s failed: %v", c.sess.Id, err)
				}
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) pollGroup(svc *service.Service, channelId string, seen map[string]struct{}, push bool) error {
	messages, _, err := svc.FetchGroupMessages(c.ctx, c.sess.Id, channelId, groupPollLimit)
	if err != nil {
		if errors.Is(err, service.ErrUnknownGroup) {
			return errors.New("unknown channel")
		}
		return err
	}
	// Oldest first so the peer can append.
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if _, ok := seen[msg.Id]; ok {
			continue
		}
		seen[msg.Id] = struct{}{}
		if push {
			c.push(outboundMessage{Type: "group_message", Data: msg})
		}
	}
	return nil
}

func (c *Client) pollInbox(svc *service.Service, since time.Time, seen map[string]struct{}) error {
	entries, _, err := svc.FetchInbox(c.ctx, c.sess.Id, since)
	if err != nil {
		return err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if _, ok := seen[entry.Rumor.Id]; ok {
			continue
		}
		seen[entry.Rumor.Id] = struct{}{}
		c.push(outboundMessage{Type: "inbox_entry", Data: entry})
	}
	return nil
}

func (c *Client) push(msg outboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal %s message: %v", msg.Type, err)
		return
	}
	select {
	case c.Send <- data:
	case <-c.ctx.Done():
	}
}
