package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/zlnvch/veiltrade/identity"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/session"
)

// Session binds a session id to the persistent identity it was opened with.
// Everything the session retains lives under scopes derived from Id.
type Session struct {
	Id       string
	Identity identity.Identity
}

const selfKey = "self"

// Login opens a session for a persistent identity given as hex or nsec and
// returns a token naming the session.
func (s *Service) Login(ctx context.Context, secretKey string) (Session, string, error) {
	id, err := identity.FromSecretKey(secretKey)
	if err != nil {
		return Session{}, "", err
	}

	sessionId, err := uuid.NewV4()
	if err != nil {
		return Session{}, "", err
	}
	sess := Session{Id: sessionId.String(), Identity: id}

	if err := s.Secrets.Set(ctx, session.IdentityScope(sess.Id), selfKey, id.SecretKey); err != nil {
		return Session{}, "", fmt.Errorf("store session identity failed: %w", err)
	}

	token, err := s.CreateJWT(sess.Id, id.PublicKey)
	if err != nil {
		return Session{}, "", fmt.Errorf("token generation failed: %w", err)
	}

	return sess, token, nil
}

func (s *Service) CreateJWT(sessionId string, pubkey string) (string, error) {
	claims := jwt.MapClaims{
		"sid":    sessionId,
		"pubkey": pubkey,
		"exp":    time.Now().Add(s.SessionTTL).Unix(),
		"iat":    time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.JWTSecret)
	if err != nil {
		return "", err
	}

	return signedToken, nil
}

func (s *Service) VerifyJWT(tokenString string) (string, string, time.Time, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return s.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", time.Time{}, err
	}

	if !token.Valid {
		return "", "", time.Time{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", time.Time{}, errors.New("invalid token claims")
	}

	sessionId, ok := claims["sid"].(string)
	if !ok {
		return "", "", time.Time{}, errors.New("missing sid claim")
	}

	pubkey, ok := claims["pubkey"].(string)
	if !ok {
		return "", "", time.Time{}, errors.New("missing pubkey claim")
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return "", "", time.Time{}, errors.New("missing exp claim")
	}

	return sessionId, pubkey, expiry.Time, nil
}

func (s *Service) AuthenticateToken(ctx context.Context, token string) (Session, error) {
	if len(token) == 0 {
		return Session{}, errors.New("token not provided")
	}

	sessionId, pubkey, _, err := s.VerifyJWT(token)
	if err != nil {
		return Session{}, err
	}

	sess, err := s.session(ctx, sessionId)
	if err != nil {
		return Session{}, err
	}
	if sess.Identity.PublicKey != pubkey {
		return Session{}, errors.New("token does not match session identity")
	}
	return sess, nil
}

func (s *Service) session(ctx context.Context, sessionId string) (Session, error) {
	sk, err := s.Secrets.Get(ctx, session.IdentityScope(sessionId), selfKey)
	if err != nil {
		return Session{}, err
	}
	id, err := identity.FromSecretKey(sk)
	if err != nil {
		return Session{}, err
	}
	return Session{Id: sessionId, Identity: id}, nil
}

// Logout drops every secret the session retained. Interest signals that were
// not retracted can no longer be retracted afterwards.
func (s *Service) Logout(ctx context.Context, sessionId string) error {
	scopes := []string{
		session.IdentityScope(sessionId),
		session.OffersScope(sessionId),
		session.InterestsScope(sessionId),
		session.GroupsScope(sessionId),
	}
	for _, scope := range scopes {
		keys, err := s.Secrets.List(ctx, scope)
		if err != nil {
			return err
		}
		for key := range keys {
			if err := s.Secrets.Delete(ctx, scope, key); err != nil {
				return err
			}
		}
	}
	return nil
}

func requireSession(sessionId string) error {
	if sessionId == "" {
		return fmt.Errorf("%w: missing session", models.ErrValidation)
	}
	return nil
}
