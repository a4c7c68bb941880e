package store

import (
	"context"
	"errors"

	"github.com/zlnvch/veiltrade/models"
)

// DealStore is the local ledger of deals this node took part in. Relays only
// ever see gift-wrapped deal records.
type DealStore interface {
	// CreateDeal assigns a fresh id when deal.Id is empty.
	CreateDeal(ctx context.Context, deal models.Deal) (models.Deal, error)
	GetDeal(ctx context.Context, dealId string) (models.Deal, error)
	// UpdateDealStatus moves a deal from one status to another and fails with
	// ErrConditionFailed when the stored status is not from.
	UpdateDealStatus(ctx context.Context, dealId string, from models.DealStatus, to models.DealStatus) (models.Deal, error)
	ListDealsForOffer(ctx context.Context, offerId string) ([]models.Deal, error)
	ListDealsForParticipant(ctx context.Context, pubkey string) ([]models.Deal, error)
}

// Custom error types for clarity
var (
	ErrItemNotFound    = errors.New("item does not exist")
	ErrConditionFailed = errors.New("condition not met")
)
