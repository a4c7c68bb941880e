package models

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

type OfferStatus string

const (
	OfferOpen      OfferStatus = "open"
	OfferSelected  OfferStatus = "selected"
	OfferNotified  OfferStatus = "notified"
	OfferCompleted OfferStatus = "completed"
	OfferCancelled OfferStatus = "cancelled"
	OfferClosed    OfferStatus = "closed"
)

// There is no way back to OfferOpen once a partner was picked or the offer closed.
var offerTransitions = map[OfferStatus][]OfferStatus{
	OfferOpen:     {OfferSelected, OfferClosed},
	OfferSelected: {OfferNotified, OfferCompleted, OfferCancelled},
	OfferNotified: {OfferCompleted, OfferCancelled},
}

func (s OfferStatus) Transition(to OfferStatus) (OfferStatus, error) {
	for _, next := range offerTransitions[s] {
		if next == to {
			return to, nil
		}
	}
	return s, fmt.Errorf("%w: offer %s -> %s", ErrInvalidTransition, s, to)
}

type Offer struct {
	Id          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Price       string      `json:"price,omitempty"`
	Status      OfferStatus `json:"status"`
	CreatedAt   int64       `json:"createdAt"`
	// Set on fetch from the signing key, never serialized into the encrypted body.
	Pubkey string `json:"-"`
}

type DealStatus string

const (
	DealActive    DealStatus = "active"
	DealCompleted DealStatus = "completed"
	DealCancelled DealStatus = "cancelled"
)

type Deal struct {
	Id           string     `json:"id"`
	OfferId      string     `json:"offerId"`
	BuyerPubkey  string     `json:"buyerPubkey"`
	SellerPubkey string     `json:"sellerPubkey"`
	Status       DealStatus `json:"status"`
	CreatedAt    int64      `json:"createdAt"`
	UpdatedAt    int64      `json:"updatedAt,omitempty"`
}

func (d Deal) IsParticipant(pubkey string) bool {
	return SamePubkey(pubkey, d.BuyerPubkey) || SamePubkey(pubkey, d.SellerPubkey)
}

// Counterparty returns the other participant of the deal.
func (d Deal) Counterparty(pubkey string) string {
	if SamePubkey(pubkey, d.BuyerPubkey) {
		return d.SellerPubkey
	}
	return d.BuyerPubkey
}

// Canonical returns the deal with both participant keys in lowercase hex.
func (d Deal) Canonical() (Deal, error) {
	buyer, err := CanonicalPubkey(d.BuyerPubkey)
	if err != nil {
		return d, err
	}
	seller, err := CanonicalPubkey(d.SellerPubkey)
	if err != nil {
		return d, err
	}
	d.BuyerPubkey, d.SellerPubkey = buyer, seller
	return d, nil
}

// Transition moves an active deal to a terminal status.
func (d Deal) Transition(to DealStatus) (Deal, error) {
	if d.Status != DealActive || (to != DealCompleted && to != DealCancelled) {
		return d, fmt.Errorf("%w: deal %s -> %s", ErrInvalidTransition, d.Status, to)
	}
	d.Status = to
	return d, nil
}

type InterestSignal struct {
	OfferId     string `json:"offerId"`
	RealPubkey  string `json:"realPubkey"`
	Timestamp   int64  `json:"timestamp"`
	Message     string `json:"message"`
	DisplayName string `json:"displayName"`
	// Secret key of the single-use identity that signed the signal. Only the
	// offer owner can read it, which lets the owner retract the signal later.
	RetractionKey string `json:"retractionKey,omitempty"`
}

type DecryptedSignal struct {
	Event           nostr.Event
	EphemeralPubkey string
	Signal          InterestSignal
}

type RejectionReason string

const (
	ReasonSelectedOther RejectionReason = "selected_other"
	ReasonOfferClosed   RejectionReason = "offer_closed"
)

type RejectionMessage struct {
	OfferId    string          `json:"offerId"`
	OfferTitle string          `json:"offerTitle"`
	Reason     RejectionReason `json:"reason"`
	Timestamp  int64           `json:"timestamp"`
}

type SelectionRole string

const (
	RolePartner  SelectionRole = "partner"
	RoleObserver SelectionRole = "observer"
)

type SelectionNotice struct {
	OfferId   string        `json:"offerId"`
	ChannelId string        `json:"channelId"`
	Role      SelectionRole `json:"role"`
	RoomId    string        `json:"roomId,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

type WhitelistRecord struct {
	Members     []string `json:"members"`
	UpdatedAt   int64    `json:"updatedAt"`
	AdminPubkey string   `json:"adminPubkey"`
	ChannelId   string   `json:"channelId"`
	EventId     string   `json:"-"`
}

type SelectionResult struct {
	SelectedPubkey  string
	RejectedPubkeys []string
	Deal            *Deal
	Notified        int
	// Retractions that had to be signed by the offer identity because the
	// signal's own key was not available. Strict relays ignore these.
	UnboundRetractions int
	Errors             []error
}

type EncryptedEnvelope struct {
	Content []byte `json:"content"`
	IV      []byte `json:"iv"`
}

// Rumor is the unsigned innermost layer of a gift-wrapped message.
type Rumor struct {
	Id        string     `json:"id"`
	Kind      int        `json:"kind"`
	Sender    string     `json:"sender"`
	Recipient string     `json:"recipient"`
	Content   string     `json:"content"`
	CreatedAt int64      `json:"createdAt"`
	Tags      nostr.Tags `json:"tags,omitempty"`
}

type GroupMessage struct {
	Id        string `json:"id"`
	ChannelId string `json:"channelId"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}
