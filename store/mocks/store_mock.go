package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/veiltrade/models"
)

type MockDealStore struct {
	mock.Mock
}

func (m *MockDealStore) CreateDeal(ctx context.Context, deal models.Deal) (models.Deal, error) {
	args := m.Called(ctx, deal)
	return args.Get(0).(models.Deal), args.Error(1)
}

func (m *MockDealStore) GetDeal(ctx context.Context, dealId string) (models.Deal, error) {
	args := m.Called(ctx, dealId)
	return args.Get(0).(models.Deal), args.Error(1)
}

func (m *MockDealStore) UpdateDealStatus(ctx context.Context, dealId string, from models.DealStatus, to models.DealStatus) (models.Deal, error) {
	args := m.Called(ctx, dealId, from, to)
	return args.Get(0).(models.Deal), args.Error(1)
}

func (m *MockDealStore) ListDealsForOffer(ctx context.Context, offerId string) ([]models.Deal, error) {
	args := m.Called(ctx, offerId)
	return args.Get(0).([]models.Deal), args.Error(1)
}

func (m *MockDealStore) ListDealsForParticipant(ctx context.Context, pubkey string) ([]models.Deal, error) {
	args := m.Called(ctx, pubkey)
	return args.Get(0).([]models.Deal), args.Error(1)
}
