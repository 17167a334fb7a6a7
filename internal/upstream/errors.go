// Service-level error values returned by the upstream clients. Handlers and
// the saga coordinator branch on these with errors.Is/As; the wire-level
// status codes stay inside this package.
package upstream

import (
	"errors"
	"fmt"
)

// Identity service errors.
var (
	// ErrInvalidCredentials indicates a rejected login.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAuthExpired indicates the session token was rejected; the user must
	// re-authenticate.
	ErrAuthExpired = errors.New("session expired")
)

// Tuition service errors.
var (
	// ErrStudentNotFound indicates no tuition record exists for the id.
	ErrStudentNotFound = errors.New("student not found")

	// ErrAlreadyPaid indicates the tuition was settled before this attempt
	// completed. Terminal: retrying cannot change the outcome.
	ErrAlreadyPaid = errors.New("tuition already paid")

	// ErrInsufficientBalance indicates the authoritative balance check failed
	// at settlement time. Terminal for this attempt.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrPaymentConflict indicates the record changed under optimistic
	// locking and the server exhausted its retries.
	ErrPaymentConflict = errors.New("payment conflict")
)

// OTP service errors.
var (
	// ErrOTPInvalid indicates the submitted code did not match.
	ErrOTPInvalid = errors.New("incorrect code")

	// ErrOTPExpired indicates the challenge lapsed server-side; a fresh
	// issuance is required.
	ErrOTPExpired = errors.New("code expired")

	// ErrOTPRateLimited indicates too many attempts; retry only after the
	// disclosed backoff.
	ErrOTPRateLimited = errors.New("too many attempts")

	// ErrDeliveryFailed indicates the code was generated but could not be
	// dispatched. The stale code must not be reused; re-request instead.
	ErrDeliveryFailed = errors.New("code delivery failed")
)

// StatusError is a definitive upstream rejection (4xx or an application-level
// error body). The server acted and said no; retrying the identical request
// cannot succeed without new input.
type StatusError struct {
	Service string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (status %d)", e.Service, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: status %d", e.Service, e.Status)
}

// TransientError is an ambiguous failure: connection loss, timeout, or a 5xx
// response. The request may or may not have been processed, so callers must
// not assume either outcome. For the payment step this routes to the manual
// idempotent retry path instead of any automatic resubmission.
type TransientError struct {
	Service string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Service, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is an ambiguous-outcome failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
