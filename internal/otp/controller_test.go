package otp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-tuition-backend/internal/upstream"
)

type fakeChallenger struct {
	issueErr    error
	dispatchErr error
	verifyErr   error

	issued     int
	dispatched int
	verified   int

	lastCode string
}

func (f *fakeChallenger) IssueChallenge(_ context.Context, userID, email string) (upstream.IssuedChallenge, error) {
	f.issued++
	if f.issueErr != nil {
		return upstream.IssuedChallenge{}, f.issueErr
	}
	return upstream.IssuedChallenge{UserID: userID, Email: email, Code: "123456"}, nil
}

func (f *fakeChallenger) DispatchChallenge(_ context.Context, _ upstream.IssuedChallenge) error {
	f.dispatched++
	return f.dispatchErr
}

func (f *fakeChallenger) VerifyChallenge(_ context.Context, _, _, code string) error {
	f.verified++
	f.lastCode = code
	return f.verifyErr
}

func newTestController(up Challenger, now *time.Time) *Controller {
	return NewController(up, time.Minute, 5*time.Minute, 6, 3,
		WithClock(func() time.Time { return *now }))
}

func TestController_RequestChallenge_SetsTimers(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	up := &fakeChallenger{}
	c := newTestController(up, &now)

	ch, err := c.RequestChallenge(context.Background(), "u1", "a@b.vn")
	if err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	if !ch.ExpiresAt.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("expiry = %v; want now+5m", ch.ExpiresAt)
	}
	if !ch.CooldownUntil.Equal(now.Add(time.Minute)) {
		t.Fatalf("cooldown = %v; want now+1m", ch.CooldownUntil)
	}
	if ch.AttemptCount != 0 {
		t.Fatalf("fresh challenge attempts = %d", ch.AttemptCount)
	}
	if up.issued != 1 || up.dispatched != 1 {
		t.Fatalf("issue/dispatch = %d/%d", up.issued, up.dispatched)
	}
	if _, ok := c.Active("u1", "a@b.vn"); !ok {
		t.Fatalf("challenge must be recorded as active")
	}
}

func TestController_RequestChallenge_CooldownBlocksLocally(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	up := &fakeChallenger{}
	c := newTestController(up, &now)
	ctx := context.Background()

	if _, err := c.RequestChallenge(ctx, "u1", "a@b.vn"); err != nil {
		t.Fatalf("first request: %v", err)
	}

	// 30s later: inside the window, rejected before any network call.
	now = now.Add(30 * time.Second)
	_, err := c.RequestChallenge(ctx, "u1", "a@b.vn")
	var cd *CooldownError
	if !errors.As(err, &cd) {
		t.Fatalf("expected *CooldownError, got %v", err)
	}
	if up.issued != 1 {
		t.Fatalf("cooldown rejection must not reach upstream, issued=%d", up.issued)
	}

	// At the boundary the resend goes through and the cooldown restarts.
	now = now.Add(30 * time.Second)
	ch, err := c.RequestChallenge(ctx, "u1", "a@b.vn")
	if err != nil {
		t.Fatalf("resend at boundary: %v", err)
	}
	if !ch.CooldownUntil.Equal(now.Add(time.Minute)) {
		t.Fatalf("cooldown did not restart: %v", ch.CooldownUntil)
	}
	if up.issued != 2 {
		t.Fatalf("issued = %d; want 2", up.issued)
	}
}

func TestController_RequestChallenge_DispatchFailureDiscardsCode(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	up := &fakeChallenger{dispatchErr: upstream.ErrDeliveryFailed}
	c := newTestController(up, &now)
	ctx := context.Background()

	_, err := c.RequestChallenge(ctx, "u1", "a@b.vn")
	if !errors.Is(err, upstream.ErrDeliveryFailed) {
		t.Fatalf("expected delivery failure, got %v", err)
	}
	if _, ok := c.Active("u1", "a@b.vn"); ok {
		t.Fatalf("undelivered challenge must not become active")
	}

	// A failed dispatch does not start a cooldown: re-request immediately.
	up.dispatchErr = nil
	if _, err := c.RequestChallenge(ctx, "u1", "a@b.vn"); err != nil {
		t.Fatalf("re-request after delivery failure: %v", err)
	}
}

func TestController_Verify_LocalShapeCheck(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	up := &fakeChallenger{}
	c := newTestController(up, &now)
	ctx := context.Background()

	if _, err := c.RequestChallenge(ctx, "u1", "a@b.vn"); err != nil {
		t.Fatalf("request: %v", err)
	}

	for _, code := range []string{"", "12345", "1234567", "12345a", "12 456"} {
		if _, err := c.Verify(ctx, "u1", "a@b.vn", code); !errors.Is(err, ErrBadCode) {
			t.Fatalf("code %q: expected ErrBadCode, got %v", code, err)
		}
	}
	if up.verified != 0 {
		t.Fatalf("malformed codes must not reach upstream, verified=%d", up.verified)
	}
}

func TestController_Verify_NoChallenge(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	c := newTestController(&fakeChallenger{}, &now)

	_, err := c.Verify(context.Background(), "u1", "a@b.vn", "123456")
	if !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("expected ErrNoChallenge, got %v", err)
	}
}

func TestController_Verify_SuccessConsumesChallenge(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	up := &fakeChallenger{}
	c := newTestController(up, &now)
	ctx := context.Background()

	if _, err := c.RequestChallenge(ctx, "u1", "a@b.vn"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := c.Verify(ctx, "u1", "a@b.vn", "123456"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if up.lastCode != "123456" {
		t.Fatalf("upstream saw code %q", up.lastCode)
	}
	if _, ok := c.Active("u1", "a@b.vn"); ok {
		t.Fatalf("consumed challenge must be dropped")
	}
	// A second verify has nothing to verify against.
	if _, err := c.Verify(ctx, "u1", "a@b.vn", "123456"); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("expected ErrNoChallenge after consumption, got %v", err)
	}
}

func TestController_Verify_InvalidIncrementsAttempts(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	up := &fakeChallenger{verifyErr: upstream.ErrOTPInvalid}
	c := newTestController(up, &now)
	ctx := context.Background()

	if _, err := c.RequestChallenge(ctx, "u1", "a@b.vn"); err != nil {
		t.Fatalf("request: %v", err)
	}

	for want := 1; want <= 2; want++ {
		ch, err := c.Verify(ctx, "u1", "a@b.vn", "000000")
		if !errors.Is(err, upstream.ErrOTPInvalid) {
			t.Fatalf("expected ErrOTPInvalid, got %v", err)
		}
		if ch.AttemptCount != want {
			t.Fatalf("attempts = %d; want %d", ch.AttemptCount, want)
		}
	}
	// Challenge stays active across failed attempts.
	if ch, ok := c.Active("u1", "a@b.vn"); !ok || ch.AttemptCount != 2 {
		t.Fatalf("active challenge: ok=%v attempts=%d", ok, ch.AttemptCount)
	}

	// The third, correct attempt still goes through.
	up.verifyErr = nil
	if _, err := c.Verify(ctx, "u1", "a@b.vn", "123456"); err != nil {
		t.Fatalf("final verify: %v", err)
	}
}

func TestController_Verify_ServerExpiryDropsChallenge(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	up := &fakeChallenger{verifyErr: upstream.ErrOTPExpired}
	c := newTestController(up, &now)
	ctx := context.Background()

	if _, err := c.RequestChallenge(ctx, "u1", "a@b.vn"); err != nil {
		t.Fatalf("request: %v", err)
	}
	_, err := c.Verify(ctx, "u1", "a@b.vn", "123456")
	if !errors.Is(err, upstream.ErrOTPExpired) {
		t.Fatalf("expected ErrOTPExpired, got %v", err)
	}
	// Expired challenge is gone: the next move is re-issuance, not verify.
	if _, ok := c.Active("u1", "a@b.vn"); ok {
		t.Fatalf("expired challenge must be dropped")
	}
	if _, err := c.Verify(ctx, "u1", "a@b.vn", "123456"); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("expected ErrNoChallenge after expiry, got %v", err)
	}
}

func TestController_Verify_TransientKeepsChallenge(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	up := &fakeChallenger{verifyErr: errors.New("connection reset")}
	c := newTestController(up, &now)
	ctx := context.Background()

	if _, err := c.RequestChallenge(ctx, "u1", "a@b.vn"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := c.Verify(ctx, "u1", "a@b.vn", "123456"); err == nil {
		t.Fatalf("expected transport error")
	}
	// Outcome unknown: challenge and attempt count stay as-is.
	if ch, ok := c.Active("u1", "a@b.vn"); !ok || ch.AttemptCount != 0 {
		t.Fatalf("active: ok=%v attempts=%d", ok, ch.AttemptCount)
	}
}

func TestController_Reset(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	c := newTestController(&fakeChallenger{}, &now)

	if _, err := c.RequestChallenge(context.Background(), "u1", "a@b.vn"); err != nil {
		t.Fatalf("request: %v", err)
	}
	c.Reset("u1", "a@b.vn")
	if _, ok := c.Active("u1", "a@b.vn"); ok {
		t.Fatalf("Reset must drop the challenge")
	}
}

func TestController_ChallengesAreIsolatedPerPair(t *testing.T) {
	now := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	c := newTestController(&fakeChallenger{}, &now)
	ctx := context.Background()

	if _, err := c.RequestChallenge(ctx, "u1", "a@b.vn"); err != nil {
		t.Fatalf("request u1: %v", err)
	}
	// Another user is not throttled by u1's cooldown.
	if _, err := c.RequestChallenge(ctx, "u2", "b@b.vn"); err != nil {
		t.Fatalf("request u2: %v", err)
	}
	// Consuming u2's challenge leaves u1's intact.
	if _, err := c.Verify(ctx, "u2", "b@b.vn", "123456"); err != nil {
		t.Fatalf("verify u2: %v", err)
	}
	if _, ok := c.Active("u1", "a@b.vn"); !ok {
		t.Fatalf("u1 challenge must survive u2 traffic")
	}
}
