package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/nbd-wtf/go-nostr"
	"github.com/zlnvch/veiltrade/identity"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/store"
)

var dealToOfferStatus = map[models.DealStatus]models.OfferStatus{
	models.DealCompleted: models.OfferCompleted,
	models.DealCancelled: models.OfferCancelled,
}

func (s *Service) CompleteDeal(ctx context.Context, sessionId string, dealId string) (models.Deal, error) {
	return s.finishDeal(ctx, sessionId, dealId, models.DealCompleted)
}

func (s *Service) CancelDeal(ctx context.Context, sessionId string, dealId string) (models.Deal, error) {
	return s.finishDeal(ctx, sessionId, dealId, models.DealCancelled)
}

// finishDeal moves an active deal to a terminal status, tells the
// counterparty and, on the seller side, moves the offer along.
func (s *Service) finishDeal(ctx context.Context, sessionId string, dealId string, to models.DealStatus) (models.Deal, error) {
	sess, err := s.session(ctx, sessionId)
	if err != nil {
		return models.Deal{}, err
	}
	deal, err := s.Deals.GetDeal(ctx, dealId)
	if err != nil {
		return models.Deal{}, err
	}
	if !deal.IsParticipant(sess.Identity.PublicKey) {
		return models.Deal{}, ErrNotParticipant
	}
	if _, err := deal.Transition(to); err != nil {
		return models.Deal{}, err
	}

	updated, err := s.Deals.UpdateDealStatus(ctx, dealId, models.DealActive, to)
	if errors.Is(err, store.ErrConditionFailed) {
		return models.Deal{}, fmt.Errorf("%w: deal is no longer active", models.ErrInvalidTransition)
	}
	if err != nil {
		return models.Deal{}, err
	}

	counterparty := updated.Counterparty(sess.Identity.PublicKey)
	if err := s.sendDealRecord(ctx, sess.Identity, counterparty, updated); err != nil {
		log.Printf("Failed to send deal update %s: %v", dealId, err)
	}

	if handle, err := s.OwnOffer(ctx, sessionId, updated.OfferId); err == nil {
		if err := s.transitionOffer(ctx, &handle, dealToOfferStatus[to]); err != nil {
			log.Printf("Failed to move offer %s to %s: %v", updated.OfferId, dealToOfferStatus[to], err)
		}
	}

	return updated, nil
}

func (s *Service) ListDeals(ctx context.Context, sessionId string) ([]models.Deal, error) {
	sess, err := s.session(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	return s.Deals.ListDealsForParticipant(ctx, sess.Identity.PublicKey)
}

func (s *Service) sendDealRecord(ctx context.Context, sender identity.Identity, recipient string, deal models.Deal) error {
	body, err := json.Marshal(deal)
	if err != nil {
		return err
	}
	return s.sendWrapped(ctx, sender, recipient, models.Rumor{
		Kind:    models.KindDealRecord,
		Content: string(body),
		Tags:    nostr.Tags{{"d", deal.Id}},
	})
}

// importDeal records a deal received from its counterparty so both sides
// keep the same ledger. Records that do not involve both the sender and self
// are ignored.
func (s *Service) importDeal(ctx context.Context, sessionId string, self string, sender string, deal models.Deal) error {
	deal, err := deal.Canonical()
	if err != nil {
		return err
	}
	if deal.Id == "" || !deal.IsParticipant(self) || !deal.IsParticipant(sender) || identity.SamePubkey(self, sender) {
		return fmt.Errorf("%w: deal record does not involve us", models.ErrValidation)
	}

	current, err := s.Deals.GetDeal(ctx, deal.Id)
	if errors.Is(err, store.ErrItemNotFound) {
		deal.Status = models.DealActive
		created, err := s.Deals.CreateDeal(ctx, deal)
		if err != nil {
			return err
		}
		current = created
	} else if err != nil {
		return err
	}

	if current.OfferId != deal.OfferId || current.BuyerPubkey != deal.BuyerPubkey || current.SellerPubkey != deal.SellerPubkey {
		return fmt.Errorf("%w: deal record conflicts with ledger", models.ErrValidation)
	}
	if deal.Status == current.Status || deal.Status == models.DealActive {
		return nil
	}
	if _, err := current.Transition(deal.Status); err != nil {
		return err
	}
	if _, err := s.Deals.UpdateDealStatus(ctx, deal.Id, models.DealActive, deal.Status); err != nil {
		return err
	}

	if handle, err := s.OwnOffer(ctx, sessionId, deal.OfferId); err == nil {
		if err := s.transitionOffer(ctx, &handle, dealToOfferStatus[deal.Status]); err != nil {
			log.Printf("Failed to move offer %s to %s: %v", deal.OfferId, dealToOfferStatus[deal.Status], err)
		}
	}
	return nil
}
