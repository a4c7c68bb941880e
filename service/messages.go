package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/zlnvch/veiltrade/identity"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/onion"
	"github.com/zlnvch/veiltrade/padding"
)

type InboxKind string

const (
	InboxMessage   InboxKind = "message"
	InboxRejection InboxKind = "rejection"
	InboxSelection InboxKind = "selection"
	InboxDeal      InboxKind = "deal"
)

type InboxEntry struct {
	Kind      InboxKind                `json:"kind"`
	Rumor     models.Rumor             `json:"rumor"`
	Rejection *models.RejectionMessage `json:"rejection,omitempty"`
	Notice    *models.SelectionNotice  `json:"notice,omitempty"`
	Deal      *models.Deal             `json:"deal,omitempty"`
}

// Gift wrap timestamps are backdated by up to two days, so inbox queries
// widen their lower bound by the same amount.
const wrapBackdate = 2 * 24 * time.Hour

func (s *Service) sendWrapped(ctx context.Context, sender identity.Identity, recipient string, rumor models.Rumor) error {
	wrap, err := onion.Wrap(rumor, sender, recipient)
	if err != nil {
		return err
	}
	_, err = s.Relay.Publish(ctx, wrap, s.Relays)
	return err
}

// SendDirectMessage gift-wraps content from the session identity to
// recipientPubkey.
func (s *Service) SendDirectMessage(ctx context.Context, sessionId string, recipientPubkey string, content string) (models.Rumor, error) {
	if err := ValidateMessage(content); err != nil {
		return models.Rumor{}, err
	}
	recipient, err := identity.CanonicalPubkey(recipientPubkey)
	if err != nil {
		return models.Rumor{}, err
	}
	sess, err := s.session(ctx, sessionId)
	if err != nil {
		return models.Rumor{}, err
	}

	rumor := models.Rumor{
		Kind:      models.KindDirectMessage,
		Sender:    sess.Identity.PublicKey,
		Recipient: recipient,
		Content:   content,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.sendWrapped(ctx, sess.Identity, recipient, rumor); err != nil {
		return models.Rumor{}, err
	}
	return rumor, nil
}

// FetchInbox unwraps every gift wrap addressed to the session identity and
// sorts the results by kind. Deal records are merged into the local ledger and
// partner notices register the new deal room. Wraps that do not open and
// payloads that do not parse are counted in skipped.
func (s *Service) FetchInbox(ctx context.Context, sessionId string, since time.Time) ([]InboxEntry, int, error) {
	sess, err := s.session(ctx, sessionId)
	if err != nil {
		return nil, 0, err
	}

	filter := nostr.Filter{
		Kinds: []int{models.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{sess.Identity.PublicKey}},
	}
	if !since.IsZero() {
		ts := nostr.Timestamp(since.Add(-wrapBackdate).Unix())
		filter.Since = &ts
	}
	events, err := s.Relay.Query(ctx, s.Relays, filter)
	if err != nil {
		return nil, 0, err
	}

	rumors, skipped := onion.UnwrapAll(events, sess.Identity)
	entries := make([]InboxEntry, 0, len(rumors))
	for _, rumor := range rumors {
		if !since.IsZero() && rumor.CreatedAt < since.Unix() {
			continue
		}
		entry, err := s.inboxEntry(ctx, sess, rumor)
		if err != nil {
			skipped++
			continue
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Rumor.CreatedAt > entries[j].Rumor.CreatedAt
	})
	return entries, skipped, nil
}

func (s *Service) inboxEntry(ctx context.Context, sess Session, rumor models.Rumor) (InboxEntry, error) {
	entry := InboxEntry{Rumor: rumor}
	switch rumor.Kind {
	case models.KindDirectMessage:
		entry.Kind = InboxMessage

	case models.KindRejection:
		var msg models.RejectionMessage
		if err := json.Unmarshal([]byte(rumor.Content), &msg); err != nil {
			return InboxEntry{}, err
		}
		entry.Kind = InboxRejection
		entry.Rejection = &msg

	case models.KindSelectionNotice:
		var notice models.SelectionNotice
		if err := padding.Strip(rumor.Content, &notice); err != nil {
			return InboxEntry{}, err
		}
		entry.Kind = InboxSelection
		entry.Notice = &notice
		if notice.Role == models.RolePartner && notice.RoomId != "" {
			_, err := s.joinRoom(ctx, sess.Id, notice.ChannelId, notice.RoomId, rumor.Sender)
			if err != nil && !errors.Is(err, ErrUnknownGroup) {
				log.Printf("Failed to register deal room %s: %v", notice.RoomId, err)
			}
		}

	case models.KindDealRecord:
		var deal models.Deal
		if err := json.Unmarshal([]byte(rumor.Content), &deal); err != nil {
			return InboxEntry{}, err
		}
		if err := s.importDeal(ctx, sess.Id, sess.Identity.PublicKey, rumor.Sender, deal); err != nil {
			log.Printf("Failed to import deal %s: %v", deal.Id, err)
		}
		entry.Kind = InboxDeal
		entry.Deal = &deal

	default:
		return InboxEntry{}, models.ErrMalformedEvent
	}
	return entry, nil
}
