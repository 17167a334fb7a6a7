package upstream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

// Profile is the authoritative user view returned by the Identity service.
// AvailableBalance here is the only legal source for the balance snapshot
// cache; it is never derived locally.
type Profile struct {
	UserID           string  `json:"user_id"`
	Username         string  `json:"username"`
	Email            string  `json:"email"`
	FullName         string  `json:"full_name"`
	AvailableBalance float64 `json:"available_balance"`
}

// Snapshot converts the profile into a balance snapshot stamped at now.
func (p Profile) Snapshot(now time.Time) domain.BalanceSnapshot {
	return domain.BalanceSnapshot{
		UserID:           p.UserID,
		DisplayName:      p.FullName,
		Email:            p.Email,
		AvailableBalance: int64(p.AvailableBalance),
		FetchedAt:        now,
	}
}

// IdentityClient talks to the Identity service: credential checks at login
// and authoritative profile/balance reads.
type IdentityClient struct {
	client
}

// NewIdentityClient returns a client for the Identity service rooted at base.
func NewIdentityClient(base string, timeout time.Duration) *IdentityClient {
	return &IdentityClient{newClient("identity", base, timeout)}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Token   string  `json:"token"`
	User    Profile `json:"user"`
}

// Authenticate exchanges credentials for a session token and the user's
// profile. Rejected credentials map to ErrInvalidCredentials.
func (c *IdentityClient) Authenticate(ctx context.Context, username, password string) (string, Profile, error) {
	var out loginResponse
	err := c.post(ctx, "/auth/login", "", loginRequest{Username: username, Password: password}, &out)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusBadRequest) {
			return "", Profile{}, ErrInvalidCredentials
		}
		return "", Profile{}, err
	}
	if out.Token == "" {
		return "", Profile{}, ErrInvalidCredentials
	}
	return out.Token, out.User, nil
}

// profileResponse tolerates both shapes the service emits: the profile at
// the top level, or wrapped under "user".
type profileResponse struct {
	Profile
	User *Profile `json:"user"`
}

// GetProfile fetches the authoritative profile, including the current
// available balance, for the session's user. An expired or invalid token
// maps to ErrAuthExpired.
func (c *IdentityClient) GetProfile(ctx context.Context, token string) (Profile, error) {
	var out profileResponse
	err := c.get(ctx, "/users/me", nil, token, &out)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden) {
			return Profile{}, ErrAuthExpired
		}
		return Profile{}, err
	}
	if out.User != nil {
		return *out.User, nil
	}
	return out.Profile, nil
}
