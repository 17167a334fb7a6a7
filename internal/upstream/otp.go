package upstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// IssuedChallenge is the transient result of a successful OTP generation.
// The Code field exists only to be handed straight to Dispatch; it is never
// persisted or logged.
type IssuedChallenge struct {
	UserID    string        `json:"user_id"`
	Email     string        `json:"email"`
	Code      string        `json:"otp"`
	ExpiresIn time.Duration `json:"-"`
}

// OTPClient talks to the OTP service. Issuance and dispatch are separate
// upstream calls: a generated-but-undispatched code is a failed issuance and
// must be re-requested, never reused.
type OTPClient struct {
	client
}

// NewOTPClient returns a client for the OTP service rooted at base.
func NewOTPClient(base string, timeout time.Duration) *OTPClient {
	return &OTPClient{newClient("otp", base, timeout)}
}

type issueRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type issueResponse struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Code      string `json:"otp"`
	ExpiresIn int    `json:"expires_in"` // seconds; optional
}

// IssueChallenge generates a fresh one-time code for (userID, email). The
// service deletes any prior unconsumed code for the pair, so issuance always
// supersedes. Rate-limit rejections map to ErrOTPRateLimited.
func (c *OTPClient) IssueChallenge(ctx context.Context, userID, email string) (IssuedChallenge, error) {
	var out issueResponse
	if err := c.post(ctx, "/otp/generate", "", issueRequest{UserID: userID, Email: email}, &out); err != nil {
		return IssuedChallenge{}, mapOTPError(err)
	}
	if out.Code == "" {
		return IssuedChallenge{}, &StatusError{Service: c.name, Status: http.StatusOK, Message: "empty code in response"}
	}
	ch := IssuedChallenge{UserID: out.UserID, Email: out.Email, Code: out.Code}
	if out.ExpiresIn > 0 {
		ch.ExpiresIn = time.Duration(out.ExpiresIn) * time.Second
	}
	if ch.UserID == "" {
		ch.UserID = userID
	}
	if ch.Email == "" {
		ch.Email = email
	}
	return ch, nil
}

type dispatchRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Code   string `json:"otp"`
}

// DispatchChallenge delivers the generated code to the user's email. A
// delivery failure maps to ErrDeliveryFailed; the caller must then discard
// the challenge and re-request rather than retry dispatch with a stale code.
func (c *OTPClient) DispatchChallenge(ctx context.Context, ch IssuedChallenge) error {
	err := c.post(ctx, "/otp/send", "", dispatchRequest{UserID: ch.UserID, Email: ch.Email, Code: ch.Code}, nil)
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return err
	}
	return ErrDeliveryFailed
}

type verifyRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Code   string `json:"otp"`
}

// VerifyChallenge checks the submitted code. Expiry is decided here by the
// service, not by any local countdown. Failure mapping:
//   - 429                    → ErrOTPRateLimited
//   - "expired" in detail    → ErrOTPExpired
//   - other 4xx              → ErrOTPInvalid
func (c *OTPClient) VerifyChallenge(ctx context.Context, userID, email, code string) error {
	err := c.post(ctx, "/otp/verify", "", verifyRequest{UserID: userID, Email: email, Code: code}, nil)
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return err
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == http.StatusTooManyRequests:
			return ErrOTPRateLimited
		case strings.Contains(strings.ToLower(se.Message), "expired"):
			return ErrOTPExpired
		case strings.Contains(strings.ToLower(se.Message), "attempts"):
			return ErrOTPRateLimited
		default:
			return ErrOTPInvalid
		}
	}
	return err
}

// mapOTPError converts issuance failures to service errors.
func mapOTPError(err error) error {
	if IsTransient(err) {
		return err
	}
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusTooManyRequests {
		return ErrOTPRateLimited
	}
	return err
}
