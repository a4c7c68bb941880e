package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/zlnvch/veiltrade/identity"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/onion"
	"github.com/zlnvch/veiltrade/padding"
	"github.com/zlnvch/veiltrade/whitelist"
	"github.com/zlnvch/veiltrade/worker"
)

type SelectRequest struct {
	SessionId string
	OfferId   string
	// EphemeralPubkey of the chosen signal
	SelectedPubkey string
	// Signals as returned by ListInterests. Fetched again when nil.
	Signals []models.DecryptedSignal
}

type RejectAllRequest struct {
	SessionId string
	OfferId   string
	Signals   []models.DecryptedSignal
}

// SelectPartner closes an open offer in favour of one interest signal.
// Everyone else is told they were not selected and their signals are
// retracted; the selected responder gets a deal and a private room; every
// group member receives an equally sized notice after a random delay. Per
// recipient failures land in the result's Errors and do not stop the batch.
func (s *Service) SelectPartner(ctx context.Context, req SelectRequest) (*models.SelectionResult, error) {
	sess, err := s.session(ctx, req.SessionId)
	if err != nil {
		return nil, err
	}
	handle, err := s.OwnOffer(ctx, req.SessionId, req.OfferId)
	if err != nil {
		return nil, err
	}
	if _, err := handle.Offer.Status.Transition(models.OfferSelected); err != nil {
		return nil, err
	}

	signals := req.Signals
	if signals == nil {
		if signals, _, err = s.ListInterests(ctx, handle); err != nil {
			return nil, err
		}
	}
	i := slices.IndexFunc(signals, func(sig models.DecryptedSignal) bool {
		return sig.EphemeralPubkey == req.SelectedPubkey
	})
	if i < 0 {
		return nil, fmt.Errorf("%w: selected signal is not among the offer's signals", models.ErrValidation)
	}
	selected := signals[i]
	others := slices.Delete(slices.Clone(signals), i, i+1)
	buyer, err := identity.CanonicalPubkey(selected.Signal.RealPubkey)
	if err != nil {
		return nil, err
	}

	result := &models.SelectionResult{SelectedPubkey: buyer}
	s.rejectSignals(ctx, handle, others, models.ReasonSelectedOther, result)

	if err := s.transitionOffer(ctx, &handle, models.OfferSelected); err != nil {
		return result, fmt.Errorf("mark offer selected failed: %w", err)
	}

	deal, err := s.Deals.CreateDeal(ctx, models.Deal{
		OfferId:      handle.Offer.Id,
		BuyerPubkey:  buyer,
		SellerPubkey: sess.Identity.PublicKey,
		Status:       models.DealActive,
	})
	if err != nil {
		return result, fmt.Errorf("create deal failed: %w", err)
	}
	result.Deal = &deal

	if err := s.sendDealRecord(ctx, sess.Identity, buyer, deal); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("deal record to %s: %w", buyer, err))
	}

	bound, err := s.retractSignal(ctx, handle, selected)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("retract selected signal: %w", err))
	} else if !bound {
		result.UnboundRetractions++
	}

	if _, err := s.joinRoom(ctx, req.SessionId, handle.ChannelId, deal.Id, handle.Identity.PublicKey); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("register deal room: %w", err))
	}
	_, err = s.Whitelist.SetPrivateChatWhitelist(ctx, whitelist.PrivateChat{
		CreatorPubkey:   sess.Identity.PublicKey,
		OfferPubkey:     handle.Identity.PublicKey,
		ResponderPubkey: buyer,
		Admin:           handle.Identity,
		Relays:          s.Relays,
		ChannelId:       deal.Id,
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("deal room whitelist: %w", err))
	}

	s.notifySelection(ctx, handle, deal, result)

	if err := s.transitionOffer(ctx, &handle, models.OfferNotified); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("mark offer notified: %w", err))
	}
	return result, nil
}

// RejectAllInterests withdraws an open offer without a selection. Every
// signal is told the offer closed and is retracted.
func (s *Service) RejectAllInterests(ctx context.Context, req RejectAllRequest) (*models.SelectionResult, error) {
	handle, err := s.OwnOffer(ctx, req.SessionId, req.OfferId)
	if err != nil {
		return nil, err
	}
	if _, err := handle.Offer.Status.Transition(models.OfferClosed); err != nil {
		return nil, err
	}

	signals := req.Signals
	if signals == nil {
		if signals, _, err = s.ListInterests(ctx, handle); err != nil {
			return nil, err
		}
	}

	result := &models.SelectionResult{}
	s.rejectSignals(ctx, handle, signals, models.ReasonOfferClosed, result)

	if err := s.transitionOffer(ctx, &handle, models.OfferClosed); err != nil {
		return result, fmt.Errorf("mark offer closed failed: %w", err)
	}
	return result, nil
}

// rejectSignals notifies and retracts every signal concurrently.
func (s *Service) rejectSignals(ctx context.Context, handle OfferHandle, signals []models.DecryptedSignal, reason models.RejectionReason, result *models.SelectionResult) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, sig := range signals {
		wg.Go(func() {
			errs, bound := s.rejectSignal(ctx, handle, sig, reason)
			mu.Lock()
			defer mu.Unlock()
			result.RejectedPubkeys = append(result.RejectedPubkeys, sig.Signal.RealPubkey)
			result.Errors = append(result.Errors, errs...)
			if !bound {
				result.UnboundRetractions++
			}
		})
	}
	wg.Wait()
	slices.Sort(result.RejectedPubkeys)
}

func (s *Service) rejectSignal(ctx context.Context, handle OfferHandle, sig models.DecryptedSignal, reason models.RejectionReason) ([]error, bool) {
	var errs []error
	msg := models.RejectionMessage{
		OfferId:    handle.Offer.Id,
		OfferTitle: handle.Offer.Title,
		Reason:     reason,
		Timestamp:  time.Now().UnixMilli(),
	}
	body, err := json.Marshal(msg)
	if err == nil {
		err = s.sendWrapped(ctx, handle.Identity, sig.Signal.RealPubkey, models.Rumor{
			Kind:    models.KindRejection,
			Content: string(body),
			Tags:    nostr.Tags{{"d", handle.Offer.Id}},
		})
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("rejection to %s: %w", sig.Signal.RealPubkey, err))
	}

	bound, err := s.retractSignal(ctx, handle, sig)
	if err != nil {
		errs = append(errs, fmt.Errorf("retract signal %s: %w", sig.Event.ID, err))
	}
	return errs, bound
}

// retractSignal deletes a signal under the single-use key recovered from its
// payload. Without that key the offer identity signs instead, which strict
// relays ignore; bound reports which case applied.
func (s *Service) retractSignal(ctx context.Context, handle OfferHandle, sig models.DecryptedSignal) (bool, error) {
	signer := handle.Identity
	bound := false
	if sig.Signal.RetractionKey != "" {
		key, err := identity.FromSecretKey(sig.Signal.RetractionKey)
		if err == nil && key.PublicKey == sig.EphemeralPubkey {
			signer = key
			bound = true
		}
	}
	err := s.publishRetraction(ctx, signer, sig.EphemeralPubkey, handle.Offer.Id, []string{sig.Event.ID})
	return bound, err
}

// notifySelection sends every group member, and both deal participants, a
// notice padded to one common size after an independent random delay.
func (s *Service) notifySelection(ctx context.Context, handle OfferHandle, deal models.Deal, result *models.SelectionResult) {
	var members []string
	record, err := s.Whitelist.Load(ctx, s.Relays, handle.Group.AdminPubkey, handle.ChannelId)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("load group whitelist: %w", err))
	} else if record != nil {
		members = record.Members
	}
	recipients, err := whitelist.CanonicalMembers(append(slices.Clone(members), deal.BuyerPubkey, deal.SellerPubkey))
	if err != nil {
		result.Errors = append(result.Errors, err)
		return
	}

	now := time.Now().UnixMilli()
	notices := make([]any, len(recipients))
	for i, recipient := range recipients {
		notice := models.SelectionNotice{
			OfferId:   handle.Offer.Id,
			ChannelId: handle.ChannelId,
			Role:      models.RoleObserver,
			Timestamp: now,
		}
		if deal.IsParticipant(recipient) {
			notice.Role = models.RolePartner
			notice.RoomId = deal.Id
		}
		notices[i] = notice
	}

	target, err := padding.TargetSize(notices...)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return
	}
	target = max(target, s.NotificationPadSize)

	deliveries := make([]worker.Delivery, 0, len(recipients))
	delivered := make([]string, 0, len(recipients))
	for i, recipient := range recipients {
		content, err := padding.Pad(notices[i], target)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("notice to %s: %w", recipient, err))
			continue
		}
		wrap, err := onion.Wrap(models.Rumor{Kind: models.KindSelectionNotice, Content: content}, handle.Identity, recipient)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("notice to %s: %w", recipient, err))
			continue
		}
		deliveries = append(deliveries, worker.Delivery{
			Event:  wrap,
			Relays: s.Relays,
			Delay:  padding.RandomDelay(s.NotifyMaxDelay),
		})
		delivered = append(delivered, recipient)
	}

	for i, err := range s.Dispatcher.Dispatch(ctx, deliveries) {
		if err != nil {
			log.Printf("Selection notice for offer %s failed: %v", handle.Offer.Id, err)
			result.Errors = append(result.Errors, fmt.Errorf("notice to %s: %w", delivered[i], err))
			continue
		}
		result.Notified++
	}
}
