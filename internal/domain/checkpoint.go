// Saga checkpoint model and step derivation.
//
// The checkpoint is the only entity that survives an interrupted payment
// attempt. It is re-persisted on every transition so that a resumed saga
// continues at the last completed step and never replays a call whose
// outcome is already known. The step value is always derivable as a pure
// function of which entities are populated; DeriveStep is that function and
// Normalize enforces the invariant on load.
package domain

import (
	"encoding/json"
	"time"
)

// SagaStep identifies a state of the payment saga's linear progression.
type SagaStep string

const (
	StepSearching         SagaStep = "SEARCHING"
	StepTermsPending      SagaStep = "TERMS_PENDING"
	StepTermsAccepted     SagaStep = "TERMS_ACCEPTED"
	StepOTPRequesting     SagaStep = "OTP_REQUESTING"
	StepOTPPendingEntry   SagaStep = "OTP_PENDING_ENTRY"
	StepOTPVerifying      SagaStep = "OTP_VERIFYING"
	StepPaymentSubmitting SagaStep = "PAYMENT_SUBMITTING"
	StepSettled           SagaStep = "SETTLED"
	StepFailed            SagaStep = "FAILED"
	StepAbandoned         SagaStep = "ABANDONED"
)

// Terminal reports whether no further transitions are possible from s.
func (s SagaStep) Terminal() bool {
	return s == StepSettled || s == StepFailed || s == StepAbandoned
}

// inFlight steps mark a side-effecting call whose outcome was not yet
// recorded. They are persisted before the call starts and rolled back to the
// preceding completed step when a saga is resumed, with one exception:
// PAYMENT_SUBMITTING is sticky, because re-driving the payment without the
// original idempotency key could double-charge.
func (s SagaStep) inFlight() bool {
	return s == StepSearching || s == StepOTPRequesting || s == StepOTPVerifying
}

// SagaCheckpoint is the serialized, recoverable state of one payment attempt.
// Student and OTP state are stored as JSON blobs: they are snapshots carried
// for resumption, not queryable columns.
//
// Lifecycle: created when a lookup starts, updated on every transition.
// Terminal rows stay behind as an audit trail; resumption skips them and a
// retention sweep removes them eventually.
type SagaCheckpoint struct {
	ID             string    `json:"id"               gorm:"type:char(36);primaryKey"`
	UserID         string    `json:"user_id"          gorm:"type:varchar(64);not null;index:idx_user_sagas"`
	Step           SagaStep  `json:"step"             gorm:"type:varchar(24);not null"`
	StudentJSON    string    `json:"-"                gorm:"type:text"`
	TermsAccepted  bool      `json:"terms_accepted"   gorm:"not null;default:false"`
	OTPJSON        string    `json:"-"                gorm:"type:text"`
	OTPVerified    bool      `json:"otp_verified"     gorm:"not null;default:false"`
	IdempotencyKey string    `json:"idempotency_key"  gorm:"type:varchar(64)"`
	FailureCode    string    `json:"failure_code,omitempty" gorm:"type:varchar(40)"`
	Abandoned      bool      `json:"abandoned"        gorm:"not null;default:false"`
	ReceiptID      string    `json:"receipt_id,omitempty" gorm:"type:varchar(64)"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for SagaCheckpoint.
func (SagaCheckpoint) TableName() string { return "saga_checkpoints" }

// Student decodes the student snapshot carried by the checkpoint.
// The second return value is false when no snapshot is populated.
func (cp *SagaCheckpoint) Student() (Student, bool) {
	if cp.StudentJSON == "" {
		return Student{}, false
	}
	var s Student
	if err := json.Unmarshal([]byte(cp.StudentJSON), &s); err != nil {
		return Student{}, false
	}
	return s, true
}

// SetStudent stores the student snapshot on the checkpoint.
func (cp *SagaCheckpoint) SetStudent(s Student) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	cp.StudentJSON = string(b)
	return nil
}

// OTP decodes the challenge metadata carried by the checkpoint.
// The second return value is false when no challenge has been issued.
func (cp *SagaCheckpoint) OTP() (OTPChallenge, bool) {
	if cp.OTPJSON == "" {
		return OTPChallenge{}, false
	}
	var c OTPChallenge
	if err := json.Unmarshal([]byte(cp.OTPJSON), &c); err != nil {
		return OTPChallenge{}, false
	}
	return c, true
}

// SetOTP stores challenge metadata on the checkpoint. The code value is
// never part of this state.
func (cp *SagaCheckpoint) SetOTP(c OTPChallenge) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	cp.OTPJSON = string(b)
	return nil
}

// ClearOTP drops the challenge metadata (used when an expired challenge is
// superseded by a fresh issuance).
func (cp *SagaCheckpoint) ClearOTP() {
	cp.OTPJSON = ""
	cp.OTPVerified = false
}

// DeriveStep computes the saga step implied by the populated entities. It is
// a pure function of the checkpoint contents; the persisted Step must never
// claim more progress than DeriveStep grants.
func (cp *SagaCheckpoint) DeriveStep() SagaStep {
	switch {
	case cp.ReceiptID != "":
		return StepSettled
	case cp.FailureCode != "":
		return StepFailed
	case cp.Abandoned:
		return StepAbandoned
	case cp.IdempotencyKey != "" && cp.OTPVerified:
		return StepPaymentSubmitting
	case cp.OTPJSON != "":
		return StepOTPPendingEntry
	case cp.TermsAccepted:
		return StepTermsAccepted
	case cp.StudentJSON != "":
		return StepTermsPending
	default:
		return StepSearching
	}
}

// Normalize rolls an in-flight step back to the last completed step implied
// by the populated entities. Called when a checkpoint is loaded, so that a
// saga interrupted mid-call resumes safely. A sticky PAYMENT_SUBMITTING is
// preserved: the derived step already reports it once the idempotency key is
// cut and the OTP is verified.
func (cp *SagaCheckpoint) Normalize() {
	derived := cp.DeriveStep()
	if cp.Step.inFlight() || cp.Step != derived {
		cp.Step = derived
	}
}
