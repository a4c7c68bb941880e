package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockSecretStore struct {
	mock.Mock
}

func (m *MockSecretStore) Get(ctx context.Context, scope string, key string) (string, error) {
	args := m.Called(ctx, scope, key)
	return args.String(0), args.Error(1)
}

func (m *MockSecretStore) Set(ctx context.Context, scope string, key string, secret string) error {
	args := m.Called(ctx, scope, key, secret)
	return args.Error(0)
}

func (m *MockSecretStore) Delete(ctx context.Context, scope string, key string) error {
	args := m.Called(ctx, scope, key)
	return args.Error(0)
}

func (m *MockSecretStore) List(ctx context.Context, scope string) (map[string]string, error) {
	args := m.Called(ctx, scope)
	return args.Get(0).(map[string]string), args.Error(1)
}
