package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/store"
)

var _ store.DealStore = (*MemoryDealStore)(nil)

type MemoryDealStore struct {
	mu    sync.RWMutex
	deals map[string]models.Deal
}

func NewMemoryDealStore() *MemoryDealStore {
	return &MemoryDealStore{deals: make(map[string]models.Deal)}
}

func (s *MemoryDealStore) CreateDeal(ctx context.Context, deal models.Deal) (models.Deal, error) {
	if deal.Id == "" {
		dealId, err := uuid.NewV7()
		if err != nil {
			return models.Deal{}, err
		}
		deal.Id = dealId.String()
	}
	if deal.Status == "" {
		deal.Status = models.DealActive
	}
	if deal.CreatedAt == 0 {
		deal.CreatedAt = time.Now().Unix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deals[deal.Id]; ok {
		return models.Deal{}, store.ErrConditionFailed
	}
	s.deals[deal.Id] = deal
	return deal, nil
}

func (s *MemoryDealStore) GetDeal(ctx context.Context, dealId string) (models.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deal, ok := s.deals[dealId]
	if !ok {
		return models.Deal{}, store.ErrItemNotFound
	}
	return deal, nil
}

func (s *MemoryDealStore) UpdateDealStatus(ctx context.Context, dealId string, from models.DealStatus, to models.DealStatus) (models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deal, ok := s.deals[dealId]
	if !ok {
		return models.Deal{}, store.ErrItemNotFound
	}
	if deal.Status != from {
		return models.Deal{}, store.ErrConditionFailed
	}
	deal.Status = to
	deal.UpdatedAt = time.Now().Unix()
	s.deals[dealId] = deal
	return deal, nil
}

func (s *MemoryDealStore) ListDealsForOffer(ctx context.Context, offerId string) ([]models.Deal, error) {
	return s.filter(func(d models.Deal) bool { return d.OfferId == offerId }), nil
}

func (s *MemoryDealStore) ListDealsForParticipant(ctx context.Context, pubkey string) ([]models.Deal, error) {
	return s.filter(func(d models.Deal) bool { return d.IsParticipant(pubkey) }), nil
}

func (s *MemoryDealStore) filter(keep func(models.Deal) bool) []models.Deal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Deal
	for _, d := range s.deals {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].Id < out[j].Id
	})
	return out
}
