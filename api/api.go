package api

import (
	"context"
	"net/http"
	"time"

	"github.com/zlnvch/veiltrade/api/rest"
	"github.com/zlnvch/veiltrade/api/ws"
	"github.com/zlnvch/veiltrade/service"
)

type VeiltradeAPI struct {
	restHandler *rest.Handler
	wsHandler   *ws.Handler
	shutdownCtx context.Context
}

// NewVeiltradeAPI starts the live feed hub and binds both handlers to svc.
// Logging out over REST drops the session's live connections.
func NewVeiltradeAPI(svc *service.Service, shutdownCtx context.Context, pollInterval time.Duration) *VeiltradeAPI {
	wsHub := ws.NewHub()
	go wsHub.Run(shutdownCtx)

	restHandler := rest.NewHandler(svc)
	restHandler.OnLogout = wsHub.Logout
	wsHandler := ws.NewHandler(svc, wsHub, pollInterval)

	return &VeiltradeAPI{
		restHandler: restHandler,
		wsHandler:   wsHandler,
		shutdownCtx: shutdownCtx,
	}
}

func (veiltradeAPI *VeiltradeAPI) RegisterRoutes(mux *http.ServeMux, requiredOrigin string) {
	// Health check endpoint (no auth required)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	veiltradeAPI.restHandler.RegisterRoutes(mux)

	wsUpgrader := veiltradeAPI.wsHandler.NewWsUpgrader(requiredOrigin)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		veiltradeAPI.wsHandler.ServeWS(wsUpgrader, w, r, veiltradeAPI.shutdownCtx)
	})
}
