package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zlnvch/veiltrade/service"
)

const defaultPollInterval = 5 * time.Second

type Handler struct {
	Service      *service.Service
	Hub          *Hub
	PollInterval time.Duration
}

func NewHandler(svc *service.Service, hub *Hub, pollInterval time.Duration) *Handler {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Handler{
		Service:      svc,
		Hub:          hub,
		PollInterval: pollInterval,
	}
}

func (h *Handler) NewWsUpgrader(requiredOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if requiredOrigin == "" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == requiredOrigin
		},
		Subprotocols: []string{"veiltrade-v1"},
	}
}

// ServeWS handles websocket requests from the peer. The session token travels
// as the second subprotocol.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	protocols := r.Header.Get("Sec-WebSocket-Protocol")
	protocolsSplit := strings.Split(protocols, ",")

	if len(protocolsSplit) != 2 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token := strings.TrimSpace(protocolsSplit[1])

	sess, authErr := h.Service.AuthenticateToken(r.Context(), token)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade ws connection: %v", err)
		return
	}

	// Must upgrade the connection in order to be able to send custom close message
	if authErr != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthenticated"),
		)
		conn.Close()
		return
	}

	client := NewClient(h.Hub, conn, sess, h.HandleWsMessage)

	h.Hub.OpenCh <- client

	// Start pumps
	go client.ReadPump()
	go client.WritePump(shutdownCtx)
	go client.PollPump(h.Service, h.PollInterval)
}

// Websocket message structs
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type channelMessage struct {
	ChannelId string `json:"channelId"`
}

type outboundMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func errorMessage(text string) outboundMessage {
	return outboundMessage{Type: "error", Data: map[string]any{"error": text}}
}

func (h *Handler) HandleWsMessage(client *Client, messageType int, messageBytes []byte) {
	var msg message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		log.Printf("Invalid JSON: %v", err)
		return
	}

	switch msg.Type {
	case "watch_group", "unwatch_group":
		var channelMsg channelMessage
		if err := json.Unmarshal(msg.Data, &channelMsg); err != nil {
			log.Printf("Invalid %s data: %v", msg.Type, err)
			return
		}
		if err := service.ValidateChannelId(channelMsg.ChannelId); err != nil {
			client.push(errorMessage(err.Error()))
			return
		}
		h.watch(client, watchRequest{channelId: channelMsg.ChannelId, remove: msg.Type == "unwatch_group"})

	case "watch_inbox":
		h.watch(client, watchRequest{inbox: true})

	default:
		log.Printf("Unknown message type: %v", msg.Type)
	}
}

func (h *Handler) watch(client *Client, req watchRequest) {
	select {
	case client.watch <- req:
	case <-client.ctx.Done():
	}
}
