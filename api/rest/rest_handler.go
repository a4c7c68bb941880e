package rest

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/service"
	"github.com/zlnvch/veiltrade/session"
	"github.com/zlnvch/veiltrade/store"
)

// Maximum accepted request body.
const maxBodyBytes = 64 * 1024

type Handler struct {
	Service *service.Service
	// Called after a session logs out, so live connections can be dropped.
	OnLogout func(sessionId string)
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{Service: svc}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /login", h.HandleLogin)
	mux.HandleFunc("POST /logout", h.authenticated(h.handleLogout))

	mux.HandleFunc("GET /groups", h.authenticated(h.handleListGroups))
	mux.HandleFunc("POST /groups", h.authenticated(h.handleCreateGroup))
	mux.HandleFunc("POST /groups/join", h.authenticated(h.handleJoinGroup))
	mux.HandleFunc("GET /groups/{channelId}/whitelist", h.authenticated(h.handleGetWhitelist))
	mux.HandleFunc("POST /groups/{channelId}/members", h.authenticated(h.handleAddMembers))
	mux.HandleFunc("DELETE /groups/{channelId}/members", h.authenticated(h.handleRemoveMembers))
	mux.HandleFunc("GET /groups/{channelId}/messages", h.authenticated(h.handleFetchGroupMessages))
	mux.HandleFunc("POST /groups/{channelId}/messages", h.authenticated(h.handlePostGroupMessage))
	mux.HandleFunc("GET /groups/{channelId}/offers", h.authenticated(h.handleFetchOffers))
	mux.HandleFunc("POST /groups/{channelId}/offers", h.authenticated(h.handleCreateOffer))

	mux.HandleFunc("GET /offers", h.authenticated(h.handleOwnOffers))
	mux.HandleFunc("PUT /offers/{offerId}", h.authenticated(h.handleUpdateOffer))
	mux.HandleFunc("DELETE /offers/{offerId}", h.authenticated(h.handleDeleteOffer))
	mux.HandleFunc("GET /offers/{offerId}/interests", h.authenticated(h.handleListInterests))
	mux.HandleFunc("POST /offers/{offerId}/select", h.authenticated(h.handleSelectPartner))
	mux.HandleFunc("POST /offers/{offerId}/reject-all", h.authenticated(h.handleRejectAll))

	mux.HandleFunc("POST /interests", h.authenticated(h.handleSubmitInterest))
	mux.HandleFunc("DELETE /interests/{offerId}", h.authenticated(h.handleRetractInterest))

	mux.HandleFunc("GET /deals", h.authenticated(h.handleListDeals))
	mux.HandleFunc("POST /deals/{dealId}/complete", h.authenticated(h.handleCompleteDeal))
	mux.HandleFunc("POST /deals/{dealId}/cancel", h.authenticated(h.handleCancelDeal))

	mux.HandleFunc("POST /messages", h.authenticated(h.handleSendDirectMessage))
	mux.HandleFunc("GET /inbox", h.authenticated(h.handleFetchInbox))
}

type loginRequest struct {
	SecretKey string `json:"secretKey"`
}

type loginResponse struct {
	SessionId string `json:"sessionId"`
	Pubkey    string `json:"pubkey"`
	Npub      string `json:"npub"`
	Token     string `json:"token"`
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	sess, token, err := h.Service.Login(r.Context(), req.SecretKey)
	if err != nil {
		log.Printf("Login failed: %v", err)
		h.sendError(w, err)
		return
	}

	resp := loginResponse{
		SessionId: sess.Id,
		Pubkey:    sess.Identity.PublicKey,
		Npub:      sess.Identity.Npub(),
		Token:     token,
	}
	h.sendResponse(w, resp)
}

type successResponse struct {
	Success bool `json:"success"`
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request, sess service.Session) {
	if err := h.Service.Logout(r.Context(), sess.Id); err != nil {
		log.Printf("Logout failed: %v", err)
		http.Error(w, "failed to log out", http.StatusInternalServerError)
		return
	}
	if h.OnLogout != nil {
		h.OnLogout(sess.Id)
	}
	h.sendResponse(w, successResponse{Success: true})
}

func (h *Handler) handleListGroups(w http.ResponseWriter, r *http.Request, sess service.Session) {
	groups, err := h.Service.Groups(r.Context(), sess.Id)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, groups)
}

type createGroupResponse struct {
	Group  service.Group `json:"group"`
	Secret string        `json:"secret"`
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request, sess service.Session) {
	group, secret, err := h.Service.CreateGroup(r.Context(), sess.Id)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, createGroupResponse{Group: group, Secret: secret})
}

type joinGroupRequest struct {
	Secret      string `json:"secret"`
	AdminPubkey string `json:"adminPubkey"`
}

func (h *Handler) handleJoinGroup(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var req joinGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	group, err := h.Service.JoinGroup(r.Context(), sess.Id, req.Secret, req.AdminPubkey)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, group)
}

func (h *Handler) handleGetWhitelist(w http.ResponseWriter, r *http.Request, sess service.Session) {
	record, err := h.Service.GroupWhitelist(r.Context(), sess.Id, r.PathValue("channelId"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	if record == nil {
		http.Error(w, "no whitelist published", http.StatusNotFound)
		return
	}
	h.sendResponse(w, record)
}

type membersRequest struct {
	Pubkeys []string `json:"pubkeys"`
}

func (h *Handler) handleAddMembers(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var req membersRequest
	if !h.decode(w, r, &req) {
		return
	}
	record, err := h.Service.AddGroupMembers(r.Context(), sess.Id, r.PathValue("channelId"), req.Pubkeys)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, record)
}

func (h *Handler) handleRemoveMembers(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var req membersRequest
	if !h.decode(w, r, &req) {
		return
	}
	record, err := h.Service.RemoveGroupMembers(r.Context(), sess.Id, r.PathValue("channelId"), req.Pubkeys)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, record)
}

type groupMessagesResponse struct {
	Messages []models.GroupMessage `json:"messages"`
	Skipped  int                   `json:"skipped"`
}

func (h *Handler) handleFetchGroupMessages(w http.ResponseWriter, r *http.Request, sess service.Session) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	messages, skipped, err := h.Service.FetchGroupMessages(r.Context(), sess.Id, r.PathValue("channelId"), limit)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, groupMessagesResponse{Messages: messages, Skipped: skipped})
}

type contentRequest struct {
	Content string `json:"content"`
}

func (h *Handler) handlePostGroupMessage(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var req contentRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.Service.PostGroupMessage(r.Context(), sess.Id, r.PathValue("channelId"), req.Content)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, msg)
}

type offersResponse struct {
	Offers  []models.Offer `json:"offers"`
	Skipped int            `json:"skipped"`
}

func (h *Handler) handleFetchOffers(w http.ResponseWriter, r *http.Request, sess service.Session) {
	offers, skipped, err := h.Service.FetchOffers(r.Context(), sess.Id, r.PathValue("channelId"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, offersResponse{Offers: offers, Skipped: skipped})
}

type offerResponse struct {
	Offer     models.Offer `json:"offer"`
	ChannelId string       `json:"channelId"`
	Pubkey    string       `json:"pubkey"`
}

func newOfferResponse(handle service.OfferHandle) offerResponse {
	return offerResponse{Offer: handle.Offer, ChannelId: handle.ChannelId, Pubkey: handle.Identity.PublicKey}
}

func (h *Handler) handleCreateOffer(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var req service.OfferInput
	if !h.decode(w, r, &req) {
		return
	}
	handle, err := h.Service.CreateOffer(r.Context(), sess.Id, r.PathValue("channelId"), req)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, newOfferResponse(handle))
}

func (h *Handler) handleOwnOffers(w http.ResponseWriter, r *http.Request, sess service.Session) {
	handles, err := h.Service.OwnOffers(r.Context(), sess.Id)
	if err != nil {
		h.sendError(w, err)
		return
	}
	resp := make([]offerResponse, 0, len(handles))
	for _, handle := range handles {
		resp = append(resp, newOfferResponse(handle))
	}
	h.sendResponse(w, resp)
}

func (h *Handler) handleUpdateOffer(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var req service.OfferInput
	if !h.decode(w, r, &req) {
		return
	}
	offer, err := h.Service.UpdateOffer(r.Context(), sess.Id, r.PathValue("offerId"), req)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, offer)
}

func (h *Handler) handleDeleteOffer(w http.ResponseWriter, r *http.Request, sess service.Session) {
	if err := h.Service.DeleteOffer(r.Context(), sess.Id, r.PathValue("offerId")); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, successResponse{Success: true})
}

type interestResponse struct {
	EphemeralPubkey string `json:"ephemeralPubkey"`
	EventId         string `json:"eventId"`
	RealPubkey      string `json:"realPubkey"`
	DisplayName     string `json:"displayName"`
	Message         string `json:"message"`
	Timestamp       int64  `json:"timestamp"`
}

type interestsResponse struct {
	Interests []interestResponse `json:"interests"`
	Skipped   int                `json:"skipped"`
}

func (h *Handler) handleListInterests(w http.ResponseWriter, r *http.Request, sess service.Session) {
	handle, err := h.Service.OwnOffer(r.Context(), sess.Id, r.PathValue("offerId"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	signals, skipped, err := h.Service.ListInterests(r.Context(), handle)
	if err != nil {
		h.sendError(w, err)
		return
	}
	resp := interestsResponse{Interests: make([]interestResponse, 0, len(signals)), Skipped: skipped}
	for _, sig := range signals {
		// The retraction key stays server side.
		resp.Interests = append(resp.Interests, interestResponse{
			EphemeralPubkey: sig.EphemeralPubkey,
			EventId:         sig.Event.ID,
			RealPubkey:      sig.Signal.RealPubkey,
			DisplayName:     sig.Signal.DisplayName,
			Message:         sig.Signal.Message,
			Timestamp:       sig.Signal.Timestamp,
		})
	}
	h.sendResponse(w, resp)
}

type selectRequest struct {
	SelectedPubkey string `json:"selectedPubkey"`
}

type selectionResponse struct {
	SelectedPubkey     string       `json:"selectedPubkey,omitempty"`
	RejectedPubkeys    []string     `json:"rejectedPubkeys"`
	Deal               *models.Deal `json:"deal,omitempty"`
	Notified           int          `json:"notified"`
	UnboundRetractions int          `json:"unboundRetractions"`
	Errors             []string     `json:"errors"`
}

func newSelectionResponse(result *models.SelectionResult) selectionResponse {
	resp := selectionResponse{
		SelectedPubkey:     result.SelectedPubkey,
		RejectedPubkeys:    result.RejectedPubkeys,
		Deal:               result.Deal,
		Notified:           result.Notified,
		UnboundRetractions: result.UnboundRetractions,
		Errors:             make([]string, 0, len(result.Errors)),
	}
	for _, err := range result.Errors {
		resp.Errors = append(resp.Errors, err.Error())
	}
	return resp
}

func (h *Handler) handleSelectPartner(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var req selectRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.Service.SelectPartner(r.Context(), service.SelectRequest{
		SessionId:      sess.Id,
		OfferId:        r.PathValue("offerId"),
		SelectedPubkey: req.SelectedPubkey,
	})
	if err != nil {
		log.Printf("Selection for offer %s failed: %v", r.PathValue("offerId"), err)
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, newSelectionResponse(result))
}

func (h *Handler) handleRejectAll(w http.ResponseWriter, r *http.Request, sess service.Session) {
	result, err := h.Service.RejectAllInterests(r.Context(), service.RejectAllRequest{
		SessionId: sess.Id,
		OfferId:   r.PathValue("offerId"),
	})
	if err != nil {
		log.Printf("Reject all for offer %s failed: %v", r.PathValue("offerId"), err)
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, newSelectionResponse(result))
}

func (h *Handler) handleSubmitInterest(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var req service.InterestRequest
	if !h.decode(w, r, &req) {
		return
	}
	signal, err := h.Service.SubmitInterest(r.Context(), sess.Id, req)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, signal)
}

func (h *Handler) handleRetractInterest(w http.ResponseWriter, r *http.Request, sess service.Session) {
	if err := h.Service.RetractInterest(r.Context(), sess.Id, r.PathValue("offerId")); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, successResponse{Success: true})
}

func (h *Handler) handleListDeals(w http.ResponseWriter, r *http.Request, sess service.Session) {
	deals, err := h.Service.ListDeals(r.Context(), sess.Id)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, deals)
}

func (h *Handler) handleCompleteDeal(w http.ResponseWriter, r *http.Request, sess service.Session) {
	deal, err := h.Service.CompleteDeal(r.Context(), sess.Id, r.PathValue("dealId"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, deal)
}

func (h *Handler) handleCancelDeal(w http.ResponseWriter, r *http.Request, sess service.Session) {
	deal, err := h.Service.CancelDeal(r.Context(), sess.Id, r.PathValue("dealId"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, deal)
}

type directMessageRequest struct {
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

func (h *Handler) handleSendDirectMessage(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var req directMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	rumor, err := h.Service.SendDirectMessage(r.Context(), sess.Id, req.Recipient, req.Content)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, rumor)
}

type inboxResponse struct {
	Entries []service.InboxEntry `json:"entries"`
	Skipped int                  `json:"skipped"`
}

func (h *Handler) handleFetchInbox(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ts < 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = time.Unix(ts, 0)
	}
	entries, skipped, err := h.Service.FetchInbox(r.Context(), sess.Id, since)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, inboxResponse{Entries: entries, Skipped: skipped})
}

type authenticatedHandler func(w http.ResponseWriter, r *http.Request, sess service.Session)

func (h *Handler) authenticated(next authenticatedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := h.getTokenFromAuthHeader(r)
		sess, err := h.Service.AuthenticateToken(r.Context(), token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r, sess)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotMember), errors.Is(err, service.ErrNotAdmin), errors.Is(err, service.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, service.ErrOfferNotFound), errors.Is(err, service.ErrUnknownGroup),
		errors.Is(err, store.ErrItemNotFound), errors.Is(err, session.ErrSecretNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrNetwork):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handler) sendError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("Request failed: %v", err)
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) sendResponse(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (h *Handler) getTokenFromAuthHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}
