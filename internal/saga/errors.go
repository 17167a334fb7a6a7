// Failure taxonomy for the payment saga.
//
// Every user-visible failure carries a kind (which recovery action applies)
// and a stable reason code (what happened). Handlers map kinds to HTTP
// statuses; the UI maps codes to copy. The kinds are deliberately few:
//
//   - Validation:  bad input, fix and retry immediately, no backend call made
//   - Rejected:    backend definitively refused; the user must change
//                  something (top up, pick another student, re-enter code)
//   - RateLimited: backend refused due to pacing; retry after the disclosed
//                  delay
//   - Transient:   ambiguous network outcome; for the payment step this
//                  means the manual idempotent retry path, never silent
//                  auto-retry
//   - Expired:     a time-boxed resource lapsed; forces re-issuance
package saga

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure by its recovery action.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindRejected    Kind = "rejected"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
	KindExpired     Kind = "expired"
)

// Reason codes. Codes marked terminal clear the checkpoint when reached at
// the payment step.
const (
	ReasonAlreadyPaid         = "ALREADY_PAID"
	ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"
	ReasonAuthExpired         = "AUTH_EXPIRED"
	ReasonStudentNotFound     = "STUDENT_NOT_FOUND"
	ReasonPaymentConflict     = "PAYMENT_CONFLICT"
	ReasonOTPInvalid          = "OTP_INVALID"
	ReasonOTPExpired          = "OTP_EXPIRED"
	ReasonOTPRateLimited      = "OTP_RATE_LIMITED"
	ReasonOTPCooldown         = "OTP_COOLDOWN"
	ReasonDeliveryFailed      = "OTP_DELIVERY_FAILED"
	ReasonBadCode             = "BAD_CODE"
	ReasonTermsNotAccepted    = "TERMS_NOT_ACCEPTED"
	ReasonInvalidStep         = "INVALID_STEP"
	ReasonSagaNotFound        = "SAGA_NOT_FOUND"
	ReasonUpstream            = "UPSTREAM_UNAVAILABLE"
)

// Failure is the typed error returned by coordinator operations.
type Failure struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration // populated for rate-limited/cooldown failures
	Err        error         // underlying cause, if any
}

func (f *Failure) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}
	return f.Code
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a *Failure from err, if present.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	ok := errors.As(err, &f)
	return f, ok
}

func failf(kind Kind, code string, err error, format string, args ...any) *Failure {
	return &Failure{
		Kind:    kind,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}
