// Package domain defines the core data model for the tuition payment saga:
// balance snapshots, student projections, OTP challenge metadata, saga
// checkpoints, and payment receipts. Persisted types are mapped with GORM
// and shared across the repository and service layers.
package domain

import "time"

// BalanceSnapshot is the last known authoritative profile and balance for a
// user. It is owned exclusively by the reconciler: the only legal mutation is
// a full overwrite from a fresh Identity-service fetch. It is never advanced
// by local arithmetic.
//
// Fields:
//   - UserID: identity of the paying user.
//   - DisplayName / Email: profile data shown by UI surfaces.
//   - AvailableBalance: amount in VND, integral (VND has no minor unit).
//   - FetchedAt: server time of the authoritative fetch; used for
//     last-write-wins ordering between concurrent refreshes.
type BalanceSnapshot struct {
	UserID           string    `json:"user_id"`
	DisplayName      string    `json:"display_name"`
	Email            string    `json:"email"`
	AvailableBalance int64     `json:"available_balance"`
	FetchedAt        time.Time `json:"fetched_at"`
}

// Student is a read-only projection of a tuition record as returned by the
// Tuition service. It is trustworthy only at the instant it was fetched:
// IsPaid and TuitionAmount can change out-of-band (batch imports, another
// payer), so a lookup is never reused across saga attempts.
//
// Version is an optimistic-concurrency change token echoed back on payment
// submission.
type Student struct {
	StudentID     string `json:"student_id"`
	FullName      string `json:"full_name"`
	Class         string `json:"class"`
	Faculty       string `json:"faculty"`
	Semester      string `json:"semester"`
	Year          int    `json:"year"`
	TuitionAmount int64  `json:"tuition_amount"`
	IsPaid        bool   `json:"is_paid"`
	Version       int64  `json:"version"`
}

// OTPChallenge holds issuance and cooldown metadata for a one-time code tied
// to a (user, email) pair. The code value itself is never stored: only the
// timers the UI needs and the attempt counter. At most one challenge is
// active per pair; issuing a new one supersedes the previous.
type OTPChallenge struct {
	UserID        string    `json:"user_id"`
	Email         string    `json:"email"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	CooldownUntil time.Time `json:"cooldown_until"`
	AttemptCount  int       `json:"attempt_count"`
}

// Expired reports whether the challenge's client-side countdown has lapsed at
// the given instant. This is advisory only: expiry is server-authoritative
// and the verify call re-checks it.
func (c OTPChallenge) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// InCooldown reports whether a resend request at the given instant would be
// rejected locally, before any network call.
func (c OTPChallenge) InCooldown(now time.Time) bool {
	return now.Before(c.CooldownUntil)
}

// PaymentReceipt is the immutable record returned by the authoritative
// payment call. It is the only entity ever treated as ground truth for
// "did the money move". Receipts are persisted locally as an audit trail
// after the saga settles.
type PaymentReceipt struct {
	PaymentID        string    `json:"payment_id"        gorm:"type:varchar(64);primaryKey"`
	SagaID           string    `json:"saga_id"           gorm:"type:char(36);not null;index"`
	UserID           string    `json:"user_id"           gorm:"type:varchar(64);not null;index:idx_user_receipts"`
	StudentID        string    `json:"student_id"        gorm:"type:varchar(32);not null"`
	AmountPaid       int64     `json:"amount_paid"       gorm:"not null"`
	PaymentDate      time.Time `json:"payment_date"      gorm:"not null;index:idx_user_receipts,priority:2"`
	RemainingBalance int64     `json:"remaining_balance" gorm:"not null"`
	CreatedAt        time.Time `json:"created_at"`
}

// TableName returns the database table name for PaymentReceipt.
func (PaymentReceipt) TableName() string { return "payment_receipts" }

// Session is the explicit session context created at login and torn down at
// logout. It is passed to collaborators rather than read from any ambient
// store.
type Session struct {
	UserID   string    `json:"user_id"`
	Email    string    `json:"email"`
	Token    string    `json:"-"`
	IssuedAt time.Time `json:"issued_at"`
}
