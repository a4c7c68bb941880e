package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zlnvch/veiltrade/groupcrypt"
	"github.com/zlnvch/veiltrade/session"
)

var _ session.SecretStore = (*RedisSecretStore)(nil)

// RedisSecretStore keeps each scope in one hash. Values are encrypted with a
// key derived from the store secret, so a dump of redis reveals nothing.
type RedisSecretStore struct {
	client redis.UniversalClient
	key    groupcrypt.Key
	ttl    time.Duration
}

func NewRedisSecretStore(ctx context.Context, devMode bool, redisEndpoint string, storeSecret string, ttl time.Duration) (*RedisSecretStore, error) {
	var client redis.UniversalClient
	if devMode {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
			// AWS elasticache endpoints require TLS
			TLSConfig: &tls.Config{},
		})
	}

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, err
	}

	return newWithClient(client, storeSecret, ttl), nil
}

func newWithClient(client redis.UniversalClient, storeSecret string, ttl time.Duration) *RedisSecretStore {
	return &RedisSecretStore{
		client: client,
		key:    groupcrypt.DeriveKey(storeSecret, groupcrypt.ModeSeparated),
		ttl:    ttl,
	}
}

// Hash tags keep all keys of a session on one cluster slot.
func buildScopeKey(scope string) string {
	return "secrets:{" + scope + "}"
}

func (s *RedisSecretStore) Get(ctx context.Context, scope string, key string) (string, error) {
	value, err := s.client.HGet(ctx, buildScopeKey(scope), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", session.ErrSecretNotFound
	}
	if err != nil {
		return "", err
	}
	return s.open(value)
}

// Set refreshes the TTL of the whole scope.
func (s *RedisSecretStore) Set(ctx context.Context, scope string, key string, secret string) error {
	sealed, err := groupcrypt.EncryptString(secret, s.key)
	if err != nil {
		return err
	}

	scopeKey := buildScopeKey(scope)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, scopeKey, key, sealed)
	if s.ttl > 0 {
		pipe.Expire(ctx, scopeKey, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisSecretStore) Delete(ctx context.Context, scope string, key string) error {
	return s.client.HDel(ctx, buildScopeKey(scope), key).Err()
}

func (s *RedisSecretStore) List(ctx context.Context, scope string) (map[string]string, error) {
	values, err := s.client.HGetAll(ctx, buildScopeKey(scope)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		secret, err := s.open(value)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", key, err)
		}
		out[key] = secret
	}
	return out, nil
}

func (s *RedisSecretStore) open(value string) (string, error) {
	return groupcrypt.DecryptString(value, s.key)
}
