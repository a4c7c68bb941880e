// Package session holds the per-session secrets the engine must never
// publish: offer secrets and the single-use keys of submitted interest
// signals. Secrets are grouped by scope, e.g. "<sessionId>/offers".
package session

import (
	"context"
	"errors"
)

var ErrSecretNotFound = errors.New("secret not found")

type SecretStore interface {
	Get(ctx context.Context, scope string, key string) (string, error)
	Set(ctx context.Context, scope string, key string, secret string) error
	Delete(ctx context.Context, scope string, key string) error
	// List returns every key -> secret pair stored under scope.
	List(ctx context.Context, scope string) (map[string]string, error)
}

func OffersScope(sessionId string) string {
	return sessionId + "/offers"
}

func InterestsScope(sessionId string) string {
	return sessionId + "/interests"
}

// InterestKey names one retained single-use key. A session can hold several
// live signals for the same offer.
func InterestKey(offerId string, signalPubkey string) string {
	return offerId + "/" + signalPubkey
}

// IdentityScope holds the persistent identity of a session under key "self".
func IdentityScope(sessionId string) string {
	return sessionId + "/identity"
}

// GroupsScope maps channel ids to the group secret they were derived from.
func GroupsScope(sessionId string) string {
	return sessionId + "/groups"
}
