package ws

import (
	"context"
	"log"
)

// Hub maintains the set of active clients per session. All maps are owned by
// the Run goroutine.
type Hub struct {
	OpenCh           chan *Client
	CloseCh          chan *Client
	LogoutCh         chan string
	sessionToClients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		OpenCh:           make(chan *Client, 256),
		CloseCh:          make(chan *Client, 256),
		LogoutCh:         make(chan string, 64),
		sessionToClients: make(map[string]map[*Client]struct{}),
	}
}

const maxConnectionsPerSession = 3

func (h *Hub) Run(shutdownCtx context.Context) {
	for {
		select {
		case client := <-h.OpenCh:
			sessionId := client.sess.Id
			if _, ok := h.sessionToClients[sessionId]; !ok {
				h.sessionToClients[sessionId] = make(map[*Client]struct{})
			}

			if len(h.sessionToClients[sessionId]) >= maxConnectionsPerSession {
				log.Printf("Session %s reached max connections (%d)", sessionId, maxConnectionsPerSession)
				client.cancel()
				continue
			}

			h.sessionToClients[sessionId][client] = struct{}{}

		case client := <-h.CloseCh:
			sessionId := client.sess.Id
			delete(h.sessionToClients[sessionId], client)
			if len(h.sessionToClients[sessionId]) == 0 {
				delete(h.sessionToClients, sessionId)
			}

		case sessionId := <-h.LogoutCh:
			if clients, ok := h.sessionToClients[sessionId]; ok {
				for client := range clients {
					client.cancel()
				}
				delete(h.sessionToClients, sessionId)
			}

		case <-shutdownCtx.Done():
			return
		}
	}
}

// Logout drops every live connection of a session.
func (h *Hub) Logout(sessionId string) {
	h.LogoutCh <- sessionId
}

