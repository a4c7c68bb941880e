package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/veiltrade/identity"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/relay/memory"
	"github.com/zlnvch/veiltrade/session"
)

func TestCreateAndVerifyJWT(t *testing.T) {
	svc, _ := setupService(t, memory.NewNetwork())

	pubkey := identity.GenerateRandom().PublicKey
	token, err := svc.CreateJWT("session1", pubkey)
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	gotSession, gotPubkey, expiry, err := svc.VerifyJWT(token)
	assert.NoError(t, err)
	assert.Equal(t, "session1", gotSession)
	assert.Equal(t, pubkey, gotPubkey)
	assert.True(t, expiry.After(time.Now()))
}

func TestVerifyJWT_Invalid(t *testing.T) {
	svc, _ := setupService(t, memory.NewNetwork())

	_, _, _, err := svc.VerifyJWT("invalid.token.string")
	assert.Error(t, err)

	_, _, _, err = svc.VerifyJWT("")
	assert.Error(t, err)
}

func TestVerifyJWT_WrongSecret(t *testing.T) {
	net := memory.NewNetwork()
	svc, _ := setupService(t, net)
	token, err := svc.CreateJWT("session1", identity.GenerateRandom().PublicKey)
	require.NoError(t, err)

	other, _ := setupService(t, net)
	other.JWTSecret = []byte("another secret")
	_, _, _, err = other.VerifyJWT(token)
	assert.Error(t, err)
}

func TestLogin_AcceptsNsec(t *testing.T) {
	svc, _ := setupService(t, memory.NewNetwork())
	id := identity.GenerateRandom()
	nsec, err := nip19.EncodePrivateKey(id.SecretKey)
	require.NoError(t, err)

	sess, token, err := svc.Login(context.Background(), nsec)
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey, sess.Identity.PublicKey)
	assert.NotEmpty(t, token)
}

func TestLogin_RejectsBadKey(t *testing.T) {
	svc, _ := setupService(t, memory.NewNetwork())

	_, _, err := svc.Login(context.Background(), "not a key")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestAuthenticateToken_Success(t *testing.T) {
	tr := newTrader(t, memory.NewNetwork())

	sess, err := tr.svc.AuthenticateToken(context.Background(), tr.token)
	require.NoError(t, err)
	assert.Equal(t, tr.sess.Id, sess.Id)
	assert.Equal(t, tr.pubkey(), sess.Identity.PublicKey)
}

func TestAuthenticateToken_Empty(t *testing.T) {
	svc, _ := setupService(t, memory.NewNetwork())

	_, err := svc.AuthenticateToken(context.Background(), "")
	assert.Error(t, err)
}

func TestAuthenticateToken_PubkeyMismatch(t *testing.T) {
	tr := newTrader(t, memory.NewNetwork())

	token, err := tr.svc.CreateJWT(tr.sess.Id, identity.GenerateRandom().PublicKey)
	require.NoError(t, err)
	_, err = tr.svc.AuthenticateToken(context.Background(), token)
	assert.Error(t, err)
}

func TestLogout_DropsSession(t *testing.T) {
	ctx := context.Background()
	tr := newTrader(t, memory.NewNetwork())
	_, _, err := tr.svc.CreateGroup(ctx, tr.sess.Id)
	require.NoError(t, err)

	require.NoError(t, tr.svc.Logout(ctx, tr.sess.Id))

	_, err = tr.svc.AuthenticateToken(ctx, tr.token)
	assert.ErrorIs(t, err, session.ErrSecretNotFound)
	groups, err := tr.svc.Groups(ctx, tr.sess.Id)
	require.NoError(t, err)
	assert.Empty(t, groups)
}
