package mocks

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/veiltrade/relay"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) Publish(ctx context.Context, ev nostr.Event, urls []string) (relay.PublishResult, error) {
	args := m.Called(ctx, ev, urls)
	return args.Get(0).(relay.PublishResult), args.Error(1)
}

func (m *MockClient) Query(ctx context.Context, urls []string, filter nostr.Filter) ([]nostr.Event, error) {
	args := m.Called(ctx, urls, filter)
	return args.Get(0).([]nostr.Event), args.Error(1)
}
