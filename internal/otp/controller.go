// Package otp implements the OTP challenge controller: issuance, dispatch,
// resend cooldown, attempt counting, and verification of one-time codes tied
// to a (user, email) pair.
//
// The controller keeps at most one outstanding challenge per pair; issuing a
// new one supersedes the previous. Only issuance and cooldown metadata are
// retained; the code value passes straight from generation to dispatch and
// is never stored. Expiry is server-authoritative: the local countdown gates
// nothing, verification relies on the service's own "expired" rejection.
package otp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/upstream"
)

// Challenger is the upstream contract the controller drives. Implemented by
// upstream.OTPClient; faked in tests.
type Challenger interface {
	IssueChallenge(ctx context.Context, userID, email string) (upstream.IssuedChallenge, error)
	DispatchChallenge(ctx context.Context, ch upstream.IssuedChallenge) error
	VerifyChallenge(ctx context.Context, userID, email, code string) error
}

// Controller-level errors.
var (
	// ErrNoChallenge is returned when verify is attempted with no challenge
	// outstanding for the pair.
	ErrNoChallenge = errors.New("no active challenge")

	// ErrBadCode is returned for locally rejected input (wrong length or
	// non-digits). No network call is made.
	ErrBadCode = errors.New("code must be the correct number of digits")
)

// CooldownError rejects a resend attempted strictly before the cooldown
// window ends. It is raised locally, without a network call.
type CooldownError struct {
	Until time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("resend blocked until %s", e.Until.Format(time.RFC3339))
}

// Controller mediates all OTP traffic for the saga. Safe for concurrent use.
type Controller struct {
	upstream Challenger

	cooldown    time.Duration
	expiry      time.Duration
	codeLen     int
	maxAttempts int
	now         func() time.Time

	mu     sync.Mutex
	active map[string]domain.OTPChallenge // keyed user|email
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController builds a Controller with the given policy knobs.
func NewController(up Challenger, cooldown, expiry time.Duration, codeLen, maxAttempts int, opts ...Option) *Controller {
	c := &Controller{
		upstream:    up,
		cooldown:    cooldown,
		expiry:      expiry,
		codeLen:     codeLen,
		maxAttempts: maxAttempts,
		now:         time.Now,
		active:      make(map[string]domain.OTPChallenge),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func pairKey(userID, email string) string { return userID + "|" + email }

// Active returns the outstanding challenge metadata for the pair, if any.
func (c *Controller) Active(userID, email string) (domain.OTPChallenge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.active[pairKey(userID, email)]
	return ch, ok
}

// RequestChallenge issues and dispatches a fresh code for (userID, email).
//
// A resend strictly inside the cooldown window is rejected locally with
// *CooldownError before any network call. Issuance and dispatch must both
// succeed: a generated-but-undispatched code is discarded and the caller
// re-requests, never reuses. On success the prior challenge (if any) is
// superseded and the cooldown restarts.
func (c *Controller) RequestChallenge(ctx context.Context, userID, email string) (domain.OTPChallenge, error) {
	now := c.now()
	key := pairKey(userID, email)

	c.mu.Lock()
	if prev, ok := c.active[key]; ok && prev.InCooldown(now) {
		until := prev.CooldownUntil
		c.mu.Unlock()
		return domain.OTPChallenge{}, &CooldownError{Until: until}
	}
	c.mu.Unlock()

	issued, err := c.upstream.IssueChallenge(ctx, userID, email)
	if err != nil {
		return domain.OTPChallenge{}, err
	}
	if err := c.upstream.DispatchChallenge(ctx, issued); err != nil {
		// The code exists server-side but never reached the user. Treat the
		// issuance as failed; the superseding re-request invalidates it.
		return domain.OTPChallenge{}, err
	}

	expiry := c.expiry
	if issued.ExpiresIn > 0 {
		expiry = issued.ExpiresIn
	}
	ch := domain.OTPChallenge{
		UserID:        userID,
		Email:         email,
		IssuedAt:      now,
		ExpiresAt:     now.Add(expiry),
		CooldownUntil: now.Add(c.cooldown),
		AttemptCount:  0,
	}

	c.mu.Lock()
	c.active[key] = ch
	c.mu.Unlock()
	return ch, nil
}

// Verify submits the user's code. Input of the wrong shape is rejected
// locally with ErrBadCode. Verification failures do not regress the saga:
// the challenge stays active with its attempt counter incremented, until the
// service reports expiry (upstream.ErrOTPExpired), at which point the
// challenge is dropped and a fresh issuance is required.
//
// The returned challenge metadata reflects the post-attempt state and is
// what callers persist on the checkpoint.
func (c *Controller) Verify(ctx context.Context, userID, email, code string) (domain.OTPChallenge, error) {
	if !validCode(code, c.codeLen) {
		ch, _ := c.Active(userID, email)
		return ch, ErrBadCode
	}

	key := pairKey(userID, email)
	c.mu.Lock()
	ch, ok := c.active[key]
	c.mu.Unlock()
	if !ok {
		return domain.OTPChallenge{}, ErrNoChallenge
	}

	err := c.upstream.VerifyChallenge(ctx, userID, email, code)
	switch {
	case err == nil:
		// Consumed. The pair may request a new challenge immediately for a
		// future saga; the cooldown applies to resends, not fresh attempts.
		c.mu.Lock()
		delete(c.active, key)
		c.mu.Unlock()
		return ch, nil

	case errors.Is(err, upstream.ErrOTPExpired):
		// Server-authoritative expiry. Drop the challenge: the next step is
		// re-issuance, not another verify.
		c.mu.Lock()
		delete(c.active, key)
		c.mu.Unlock()
		ch.AttemptCount++
		return ch, err

	case errors.Is(err, upstream.ErrOTPInvalid), errors.Is(err, upstream.ErrOTPRateLimited):
		c.mu.Lock()
		ch.AttemptCount++
		c.active[key] = ch
		c.mu.Unlock()
		return ch, err

	default:
		// Transient: outcome unknown, challenge stays as-is.
		return ch, err
	}
}

// Reset drops any outstanding challenge for the pair. Used at logout; an
// abandoned challenge is otherwise left to expire naturally; the controller
// never tries to "cancel" a code it cannot atomically prove unused.
func (c *Controller) Reset(userID, email string) {
	c.mu.Lock()
	delete(c.active, pairKey(userID, email))
	c.mu.Unlock()
}

// validCode reports whether code is exactly n ASCII digits.
func validCode(code string, n int) bool {
	if len(code) != n {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
