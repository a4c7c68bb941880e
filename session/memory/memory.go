package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/zlnvch/veiltrade/session"
)

var _ session.SecretStore = (*MemoryStore)(nil)

type MemoryStore struct {
	mu     sync.RWMutex
	scopes map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scopes: make(map[string]map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, scope string, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.scopes[scope][key]
	if !ok {
		return "", session.ErrSecretNotFound
	}
	return secret, nil
}

func (s *MemoryStore) Set(ctx context.Context, scope string, key string, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scopes[scope] == nil {
		s.scopes[scope] = make(map[string]string)
	}
	s.scopes[scope][key] = secret
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, scope string, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes[scope], key)
	if len(s.scopes[scope]) == 0 {
		delete(s.scopes, scope)
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, scope string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.scopes[scope]), nil
}
