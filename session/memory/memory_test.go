package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/veiltrade/session"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "sid/offers", "offer-1")
	assert.ErrorIs(t, err, session.ErrSecretNotFound)

	require.NoError(t, s.Set(ctx, "sid/offers", "offer-1", "secret-1"))
	require.NoError(t, s.Set(ctx, "sid/offers", "offer-2", "secret-2"))
	require.NoError(t, s.Set(ctx, "other/offers", "offer-1", "not-mine"))

	secret, err := s.Get(ctx, "sid/offers", "offer-1")
	require.NoError(t, err)
	assert.Equal(t, "secret-1", secret)

	all, err := s.List(ctx, "sid/offers")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"offer-1": "secret-1", "offer-2": "secret-2"}, all)

	require.NoError(t, s.Delete(ctx, "sid/offers", "offer-1"))
	_, err = s.Get(ctx, "sid/offers", "offer-1")
	assert.ErrorIs(t, err, session.ErrSecretNotFound)

	// Deleting a missing key is not an error.
	assert.NoError(t, s.Delete(ctx, "sid/offers", "offer-1"))
}
