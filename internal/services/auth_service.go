// Package services – AuthService
//
// This file implements the AuthService, which owns the session lifecycle.
// Login authenticates against the Identity service, seeds the balance
// snapshot cache from the returned profile, and mints a signed gateway token
// that carries the upstream bearer token as a claim, so the gateway itself
// stays stateless across restarts. ParseSession is the inverse: it turns a
// presented gateway token back into an explicit Session value.
//
// Service-level errors (e.g., ErrBadCredentials) are returned for predictable
// cases so handlers can map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tbourn/go-tuition-backend/internal/balance"
	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/reconcile"
	"github.com/tbourn/go-tuition-backend/internal/upstream"
)

// Authenticator is the Identity-service contract required by AuthService.
type Authenticator interface {
	// Authenticate exchanges credentials for an upstream bearer token and
	// the user's profile.
	Authenticate(ctx context.Context, username, password string) (string, upstream.Profile, error)
}

// sessionClaims is the gateway token payload. The upstream bearer token
// travels inside the signed gateway token rather than in server memory.
type sessionClaims struct {
	jwt.RegisteredClaims
	Email    string `json:"email"`
	Upstream string `json:"upstream"`
}

// AuthService manages login, logout, and session token verification.
type AuthService struct {
	// Identity is the upstream authentication client.
	Identity Authenticator
	// Cache receives the initial balance snapshot at login.
	Cache *balance.Cache
	// Registry tracks live sessions for the background balance poller.
	Registry *reconcile.SessionRegistry

	// Secret signs gateway tokens (HS256).
	Secret []byte
	// TokenTTL bounds gateway token validity.
	TokenTTL time.Duration

	now func() time.Time
}

// NewAuthService constructs an AuthService with the given collaborators.
func NewAuthService(identity Authenticator, cache *balance.Cache, reg *reconcile.SessionRegistry, secret string, ttl time.Duration) *AuthService {
	return &AuthService{
		Identity: identity,
		Cache:    cache,
		Registry: reg,
		Secret:   []byte(secret),
		TokenTTL: ttl,
		now:      time.Now,
	}
}

// SetClock overrides the time source (tests).
func (s *AuthService) SetClock(now func() time.Time) { s.now = now }

// Login authenticates the credentials, seeds the balance cache from the
// profile returned alongside the token, and returns the session plus the
// signed gateway token the client presents on subsequent requests.
func (s *AuthService) Login(ctx context.Context, username, password string) (domain.Session, domain.BalanceSnapshot, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return domain.Session{}, domain.BalanceSnapshot{}, "", ErrEmptyCredentials
	}

	token, profile, err := s.Identity.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, upstream.ErrInvalidCredentials) {
			return domain.Session{}, domain.BalanceSnapshot{}, "", ErrBadCredentials
		}
		return domain.Session{}, domain.BalanceSnapshot{}, "", err
	}

	now := s.now().UTC()
	snap := profile.Snapshot(now)
	s.Cache.Put(snap)

	sess := domain.Session{
		UserID:   profile.UserID,
		Email:    profile.Email,
		Token:    token,
		IssuedAt: now,
	}
	s.Registry.Touch(sess)

	signed, err := s.mint(sess, now)
	if err != nil {
		return domain.Session{}, domain.BalanceSnapshot{}, "", err
	}
	return sess, snap, signed, nil
}

// Logout tears the session down: the poller stops refreshing the user and
// the cached snapshot is dropped. The gateway token itself simply expires;
// there is no server-side revocation list.
func (s *AuthService) Logout(ctx context.Context, sess domain.Session) {
	s.Registry.Drop(sess.UserID)
	s.Cache.Drop(sess.UserID)
}

// ParseSession verifies a gateway token and reconstructs the Session.
func (s *AuthService) ParseSession(tokenString string) (domain.Session, error) {
	var claims sessionClaims
	tok, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return s.Secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !tok.Valid || claims.Subject == "" {
		return domain.Session{}, ErrTokenInvalid
	}

	sess := domain.Session{
		UserID: claims.Subject,
		Email:  claims.Email,
		Token:  claims.Upstream,
	}
	if claims.IssuedAt != nil {
		sess.IssuedAt = claims.IssuedAt.Time
	}
	return sess, nil
}

// mint signs a gateway token for the session.
func (s *AuthService) mint(sess domain.Session, now time.Time) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TokenTTL)),
		},
		Email:    sess.Email,
		Upstream: sess.Token,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}
