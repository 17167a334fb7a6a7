// Package saga implements the payment saga coordinator: the explicit state
// machine that sequences student lookup → terms acceptance → OTP challenge →
// payment submission → reconciliation across three independently-owned
// services, with a persisted checkpoint after every transition so an
// interrupted attempt resumes at the last completed step.
//
// Step ordering is strict. No step is attempted before its predecessor's
// side effect is confirmed, with one deliberate exception: an ambiguous
// payment outcome (timeout, connection loss) freezes the saga in
// PAYMENT_SUBMITTING and exposes a manual retry that reuses the original
// idempotency key, because an automatic retry after a timeout could
// double-charge if the first request actually succeeded server-side.
package saga

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-tuition-backend/internal/balance"
	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/otp"
	"github.com/tbourn/go-tuition-backend/internal/upstream"
	"github.com/tbourn/go-tuition-backend/internal/utils"
)

// CheckpointStore persists saga checkpoints. Implementations must make Save
// atomic per checkpoint row.
type CheckpointStore interface {
	// Save inserts or updates the checkpoint.
	Save(ctx context.Context, cp *domain.SagaCheckpoint) error
	// Get fetches a checkpoint by id, scoped to its owner.
	Get(ctx context.Context, userID, id string) (*domain.SagaCheckpoint, error)
	// LatestOpen returns the user's most recent non-terminal checkpoint,
	// or nil when none exists.
	LatestOpen(ctx context.Context, userID string) (*domain.SagaCheckpoint, error)
}

// ReceiptStore persists settled receipts and the idempotency records that
// make payment replays safe.
type ReceiptStore interface {
	// SaveReceipt stores the receipt and its idempotency record atomically.
	SaveReceipt(ctx context.Context, r *domain.PaymentReceipt, idemKey string, ttl time.Duration) error
	// ReceiptByKey returns the receipt recorded for (userID, sagaID, key),
	// or nil when the key has not produced a receipt yet.
	ReceiptByKey(ctx context.Context, userID, sagaID, key string, now time.Time) (*domain.PaymentReceipt, error)
}

// Lookup is the read-only student search contract (upstream.TuitionClient).
type Lookup interface {
	SearchStudent(ctx context.Context, token, studentID string) (domain.Student, error)
}

// Payer performs the single authoritative payment call.
type Payer interface {
	SubmitPayment(ctx context.Context, token, idemKey, studentID string, version int64) (domain.PaymentReceipt, error)
}

// Reconciler re-fetches the authoritative balance and overwrites the cache.
type Reconciler interface {
	Refresh(ctx context.Context, sess domain.Session) (domain.BalanceSnapshot, error)
}

// Challenges is the slice of the OTP controller the coordinator drives.
type Challenges interface {
	RequestChallenge(ctx context.Context, userID, email string) (domain.OTPChallenge, error)
	Verify(ctx context.Context, userID, email, code string) (domain.OTPChallenge, error)
}

// settlements counts terminal saga outcomes by result.
var settlements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tuition",
	Subsystem: "saga",
	Name:      "outcomes_total",
	Help:      "Terminal saga outcomes by result.",
}, []string{"result"})

// Coordinator drives payment sagas. Safe for concurrent use; each saga is
// single-writer by construction (one user driving one checkpoint).
type Coordinator struct {
	store      CheckpointStore
	receipts   ReceiptStore
	lookup     Lookup
	payer      Payer
	challenges Challenges
	reconciler Reconciler
	balances   *balance.Cache

	idemTTL time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// New wires a Coordinator.
func New(
	store CheckpointStore,
	receipts ReceiptStore,
	lookup Lookup,
	payer Payer,
	challenges Challenges,
	reconciler Reconciler,
	balances *balance.Cache,
	idemTTL time.Duration,
	log zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		store:      store,
		receipts:   receipts,
		lookup:     lookup,
		payer:      payer,
		challenges: challenges,
		reconciler: reconciler,
		balances:   balances,
		idemTTL:    idemTTL,
		now:        time.Now,
		log:        log,
	}
}

// SetClock overrides the time source (tests).
func (co *Coordinator) SetClock(now func() time.Time) { co.now = now }

// Start begins a new saga: it persists a SEARCHING checkpoint, performs the
// student lookup, and either advances to TERMS_PENDING or terminates.
//
// A student whose tuition is already settled fails the saga locally
// (ALREADY_PAID) before any OTP or payment traffic: a one-time code is never
// wasted on an attempt that cannot proceed.
func (co *Coordinator) Start(ctx context.Context, sess domain.Session, studentID string) (*domain.SagaCheckpoint, error) {
	cp := &domain.SagaCheckpoint{
		ID:     uuid.NewString(),
		UserID: sess.UserID,
		Step:   domain.StepSearching,
	}
	if err := co.store.Save(ctx, cp); err != nil {
		return nil, failf(KindTransient, ReasonUpstream, err, "could not persist saga state")
	}

	student, err := co.lookup.SearchStudent(ctx, sess.Token, studentID)
	if err != nil {
		switch {
		case errors.Is(err, upstream.ErrStudentNotFound):
			// Step-local failure: the saga stays at SEARCHING for another
			// lookup, nothing external was committed.
			return cp, failf(KindRejected, ReasonStudentNotFound, err, "no tuition record for %s", studentID)
		case errors.Is(err, upstream.ErrAuthExpired):
			return cp, failf(KindRejected, ReasonAuthExpired, err, "session expired, sign in again")
		default:
			return cp, failf(KindTransient, ReasonUpstream, err, "student lookup failed")
		}
	}

	if student.IsPaid {
		return co.fail(ctx, cp, ReasonAlreadyPaid, "tuition for %s is already paid", studentID)
	}

	if err := cp.SetStudent(student); err != nil {
		return nil, failf(KindTransient, ReasonUpstream, err, "could not persist saga state")
	}
	cp.Step = domain.StepTermsPending
	if err := co.store.Save(ctx, cp); err != nil {
		return nil, failf(KindTransient, ReasonUpstream, err, "could not persist saga state")
	}

	co.log.Info().Str("saga_id", cp.ID).Str("student_id", student.StudentID).
		Int64("tuition", student.TuitionAmount).Msg("saga started")
	return cp, nil
}

// AcceptTerms records the explicit terms acknowledgement and runs the
// advisory balance sufficiency check against the snapshot cache. The check
// is UX-only, since the authoritative check happens again server-side at
// submission, but an obviously unfunded attempt is stopped here so no OTP
// is issued for it.
func (co *Coordinator) AcceptTerms(ctx context.Context, sess domain.Session, sagaID string, accepted bool) (*domain.SagaCheckpoint, error) {
	cp, err := co.load(ctx, sess, sagaID)
	if err != nil {
		return nil, err
	}
	if cp.Step != domain.StepTermsPending {
		return cp, co.wrongStep(cp, domain.StepTermsPending)
	}
	if !accepted {
		return cp, failf(KindValidation, ReasonTermsNotAccepted, nil, "terms must be explicitly accepted")
	}

	student, ok := cp.Student()
	if !ok {
		return cp, co.wrongStep(cp, domain.StepTermsPending)
	}
	if snap, ok := co.balances.Get(sess.UserID); ok && snap.AvailableBalance < student.TuitionAmount {
		// Step-local rejection: the saga stays at TERMS_PENDING; the user
		// can top up and retry without restarting the lookup.
		return cp, failf(KindRejected, ReasonInsufficientBalance, nil,
			"balance %s is below tuition %s",
			utils.FormatVND(snap.AvailableBalance), utils.FormatVND(student.TuitionAmount))
	}

	cp.TermsAccepted = true
	cp.Step = domain.StepTermsAccepted
	if err := co.store.Save(ctx, cp); err != nil {
		return nil, failf(KindTransient, ReasonUpstream, err, "could not persist saga state")
	}
	return cp, nil
}

// RequestOTP issues and dispatches a one-time code for the session user.
// Valid from TERMS_ACCEPTED (first issuance) and from OTP_PENDING_ENTRY
// (resend / re-issuance after expiry). The checkpoint records the in-flight
// OTP_REQUESTING marker before the network calls so a reload mid-call
// resumes at the last completed step.
func (co *Coordinator) RequestOTP(ctx context.Context, sess domain.Session, sagaID string) (*domain.SagaCheckpoint, error) {
	cp, err := co.load(ctx, sess, sagaID)
	if err != nil {
		return nil, err
	}
	if cp.Step != domain.StepTermsAccepted && cp.Step != domain.StepOTPPendingEntry {
		return cp, co.wrongStep(cp, domain.StepTermsAccepted)
	}

	prevStep := cp.Step
	cp.Step = domain.StepOTPRequesting
	if err := co.store.Save(ctx, cp); err != nil {
		return nil, failf(KindTransient, ReasonUpstream, err, "could not persist saga state")
	}

	ch, err := co.challenges.RequestChallenge(ctx, sess.UserID, sess.Email)
	if err != nil {
		// Roll the in-flight marker back; the issuance is step-local.
		cp.Step = prevStep
		_ = co.store.Save(ctx, cp)

		var cd *otp.CooldownError
		switch {
		case errors.As(err, &cd):
			f := failf(KindRateLimited, ReasonOTPCooldown, err, "code already sent, wait before resending")
			f.RetryAfter = cd.Until.Sub(co.now())
			return cp, f
		case errors.Is(err, upstream.ErrOTPRateLimited):
			f := failf(KindRateLimited, ReasonOTPRateLimited, err, "too many requests, wait before retrying")
			f.RetryAfter = time.Minute
			return cp, f
		case errors.Is(err, upstream.ErrDeliveryFailed):
			return cp, failf(KindRejected, ReasonDeliveryFailed, err, "could not deliver the code, request a new one")
		default:
			return cp, failf(KindTransient, ReasonUpstream, err, "OTP service unavailable")
		}
	}

	// Supersedes any prior challenge metadata, including an expired one.
	cp.ClearOTP()
	if err := cp.SetOTP(ch); err != nil {
		return nil, failf(KindTransient, ReasonUpstream, err, "could not persist saga state")
	}
	cp.Step = domain.StepOTPPendingEntry
	if err := co.store.Save(ctx, cp); err != nil {
		return nil, failf(KindTransient, ReasonUpstream, err, "could not persist saga state")
	}

	co.log.Info().Str("saga_id", cp.ID).Time("expires_at", ch.ExpiresAt).Msg("otp issued")
	return cp, nil
}

// VerifyOTP submits the user's code. Success advances to PAYMENT_SUBMITTING
// and cuts the idempotency key, exactly once per saga; retries of the
// payment reuse it. Failure keeps the saga in OTP_PENDING_ENTRY with the
// attempt counter incremented; server-reported expiry additionally requires
// a fresh issuance before the next attempt.
func (co *Coordinator) VerifyOTP(ctx context.Context, sess domain.Session, sagaID, code string) (*domain.SagaCheckpoint, error) {
	cp, err := co.load(ctx, sess, sagaID)
	if err != nil {
		return nil, err
	}
	if cp.Step != domain.StepOTPPendingEntry {
		return cp, co.wrongStep(cp, domain.StepOTPPendingEntry)
	}

	cp.Step = domain.StepOTPVerifying
	if err := co.store.Save(ctx, cp); err != nil {
		return nil, failf(KindTransient, ReasonUpstream, err, "could not persist saga state")
	}

	ch, err := co.challenges.Verify(ctx, sess.UserID, sess.Email, code)
	if err != nil {
		cp.Step = domain.StepOTPPendingEntry
		if ch.UserID != "" {
			_ = cp.SetOTP(ch) // persist updated attempt count
		}
		_ = co.store.Save(ctx, cp)

		switch {
		case errors.Is(err, otp.ErrBadCode):
			return cp, failf(KindValidation, ReasonBadCode, err, "enter the full code")
		case errors.Is(err, upstream.ErrOTPExpired), errors.Is(err, otp.ErrNoChallenge):
			return cp, failf(KindExpired, ReasonOTPExpired, err, "code expired, request a new one")
		case errors.Is(err, upstream.ErrOTPRateLimited):
			f := failf(KindRateLimited, ReasonOTPRateLimited, err, "too many attempts, wait before retrying")
			f.RetryAfter = time.Minute
			return cp, f
		case errors.Is(err, upstream.ErrOTPInvalid):
			return cp, failf(KindRejected, ReasonOTPInvalid, err, "incorrect code")
		default:
			return cp, failf(KindTransient, ReasonUpstream, err, "OTP service unavailable")
		}
	}

	_ = cp.SetOTP(ch)
	cp.OTPVerified = true
	cp.IdempotencyKey = uuid.NewString()
	cp.Step = domain.StepPaymentSubmitting
	if err := co.store.Save(ctx, cp); err != nil {
		return nil, failf(KindTransient, ReasonUpstream, err, "could not persist saga state")
	}
	return cp, nil
}

// SubmitPayment performs (or manually retries) the authoritative charge with
// the saga's idempotency key. Three outcomes:
//
//   - success: receipt persisted, saga SETTLED, balance reconciled
//   - definitive rejection: saga FAILED(reason); not retried automatically,
//     because retrying "already paid" or "insufficient funds" cannot change
//     the result without new user input
//   - ambiguous (timeout, 5xx): saga stays frozen in PAYMENT_SUBMITTING;
//     the caller retries manually with the same key, which either returns
//     the original receipt or completes the charge once, never twice
func (co *Coordinator) SubmitPayment(ctx context.Context, sess domain.Session, sagaID string) (*domain.SagaCheckpoint, *domain.PaymentReceipt, error) {
	cp, err := co.load(ctx, sess, sagaID)
	if err != nil {
		return nil, nil, err
	}
	if cp.Step != domain.StepPaymentSubmitting {
		return cp, nil, co.wrongStep(cp, domain.StepPaymentSubmitting)
	}

	// Local replay guard: if this key already produced a receipt, the prior
	// attempt succeeded and only the settle bookkeeping may be missing.
	if prior, err := co.receipts.ReceiptByKey(ctx, sess.UserID, cp.ID, cp.IdempotencyKey, co.now()); err == nil && prior != nil {
		return co.settle(ctx, sess, cp, prior, false)
	}

	student, ok := cp.Student()
	if !ok {
		return cp, nil, co.wrongStep(cp, domain.StepPaymentSubmitting)
	}

	receipt, err := co.payer.SubmitPayment(ctx, sess.Token, cp.IdempotencyKey, student.StudentID, student.Version)
	if err != nil {
		switch {
		case errors.Is(err, upstream.ErrAlreadyPaid):
			cp, ferr := co.fail(ctx, cp, ReasonAlreadyPaid, "tuition was settled by another payment")
			return cp, nil, ferr
		case errors.Is(err, upstream.ErrInsufficientBalance):
			// Tell the user the authoritative balance, not the stale cache.
			msg := "balance is insufficient at settlement time"
			if snap, rerr := co.reconciler.Refresh(ctx, sess); rerr == nil {
				msg = "balance " + utils.FormatVND(snap.AvailableBalance) + " is insufficient for this tuition"
			}
			cp, ferr := co.fail(ctx, cp, ReasonInsufficientBalance, "%s", msg)
			return cp, nil, ferr
		case errors.Is(err, upstream.ErrStudentNotFound):
			cp, ferr := co.fail(ctx, cp, ReasonStudentNotFound, "student record disappeared before settlement")
			return cp, nil, ferr
		case errors.Is(err, upstream.ErrPaymentConflict):
			cp, ferr := co.fail(ctx, cp, ReasonPaymentConflict, "record changed concurrently, start over")
			return cp, nil, ferr
		case errors.Is(err, upstream.ErrAuthExpired):
			cp, ferr := co.fail(ctx, cp, ReasonAuthExpired, "session expired, sign in and start over")
			return cp, nil, ferr
		default:
			// Ambiguous. Freeze: same step, same key, manual retry only.
			co.log.Warn().Str("saga_id", cp.ID).Err(err).Msg("payment outcome ambiguous, frozen for manual retry")
			return cp, nil, failf(KindTransient, ReasonUpstream, err,
				"payment outcome unknown; use retry to check with the same key")
		}
	}

	receipt.SagaID = cp.ID
	if receipt.UserID == "" {
		receipt.UserID = sess.UserID
	}
	return co.settle(ctx, sess, cp, &receipt, true)
}

// settle records the receipt, marks the saga SETTLED, and reconciles the
// balance from the authoritative source. The cached balance is overwritten,
// never decremented locally.
func (co *Coordinator) settle(ctx context.Context, sess domain.Session, cp *domain.SagaCheckpoint, receipt *domain.PaymentReceipt, persistReceipt bool) (*domain.SagaCheckpoint, *domain.PaymentReceipt, error) {
	if persistReceipt {
		if err := co.receipts.SaveReceipt(ctx, receipt, cp.IdempotencyKey, co.idemTTL); err != nil {
			// The charge happened; failing to mirror it locally must not
			// strand the saga. Log and continue.
			co.log.Error().Str("saga_id", cp.ID).Err(err).Msg("receipt mirror failed")
		}
	}

	cp.ReceiptID = receipt.PaymentID
	cp.Step = domain.StepSettled
	if err := co.store.Save(ctx, cp); err != nil {
		return cp, receipt, failf(KindTransient, ReasonUpstream, err, "could not persist saga state")
	}
	settlements.WithLabelValues("settled").Inc()

	if _, err := co.reconciler.Refresh(ctx, sess); err != nil {
		co.log.Warn().Str("saga_id", cp.ID).Err(err).Msg("post-settlement reconcile failed")
	}

	co.log.Info().Str("saga_id", cp.ID).Str("payment_id", receipt.PaymentID).
		Int64("amount", receipt.AmountPaid).Msg("saga settled")
	return cp, receipt, nil
}

// Abandon deliberately ends the saga. Allowed only before any external state
// is committed on the user's behalf beyond an OTP, i.e. from SEARCHING
// (a lookup that failed or was never completed), TERMS_PENDING or
// TERMS_ACCEPTED. An issued-but-unused code is left to expire naturally;
// the controller never cancels a challenge it cannot prove unused.
func (co *Coordinator) Abandon(ctx context.Context, sess domain.Session, sagaID string) (*domain.SagaCheckpoint, error) {
	cp, err := co.load(ctx, sess, sagaID)
	if err != nil {
		return nil, err
	}
	switch cp.Step {
	case domain.StepSearching, domain.StepTermsPending, domain.StepTermsAccepted:
	default:
		return cp, co.wrongStep(cp, domain.StepTermsPending)
	}
	cp.Abandoned = true
	cp.Step = domain.StepAbandoned
	if err := co.store.Save(ctx, cp); err != nil {
		return nil, failf(KindTransient, ReasonUpstream, err, "could not persist saga state")
	}
	settlements.WithLabelValues("abandoned").Inc()
	return cp, nil
}

// Resume returns the saga by id, normalized so that an in-flight marker from
// an interrupted call rolls back to the last completed step. The balance is
// opportunistically reconciled on re-entry.
func (co *Coordinator) Resume(ctx context.Context, sess domain.Session, sagaID string) (*domain.SagaCheckpoint, error) {
	cp, err := co.load(ctx, sess, sagaID)
	if err != nil {
		return nil, err
	}
	if _, rerr := co.reconciler.Refresh(ctx, sess); rerr != nil {
		co.log.Debug().Err(rerr).Msg("re-entry reconcile failed")
	}
	return cp, nil
}

// Current returns the user's most recent open saga, or a SAGA_NOT_FOUND
// failure when none exists (the UI then starts fresh).
func (co *Coordinator) Current(ctx context.Context, sess domain.Session) (*domain.SagaCheckpoint, error) {
	cp, err := co.store.LatestOpen(ctx, sess.UserID)
	if err != nil {
		return nil, failf(KindTransient, ReasonUpstream, err, "could not load saga state")
	}
	if cp == nil {
		return nil, failf(KindRejected, ReasonSagaNotFound, nil, "no open payment in progress")
	}
	cp.Normalize()
	return cp, nil
}

// load fetches and normalizes a checkpoint owned by the session user.
func (co *Coordinator) load(ctx context.Context, sess domain.Session, sagaID string) (*domain.SagaCheckpoint, error) {
	cp, err := co.store.Get(ctx, sess.UserID, sagaID)
	if err != nil {
		return nil, failf(KindTransient, ReasonUpstream, err, "could not load saga state")
	}
	if cp == nil {
		return nil, failf(KindRejected, ReasonSagaNotFound, nil, "unknown saga")
	}
	cp.Normalize()
	return cp, nil
}

// fail moves the saga to FAILED(code) and persists it. Terminal: the
// checkpoint no longer resumes.
func (co *Coordinator) fail(ctx context.Context, cp *domain.SagaCheckpoint, code, format string, args ...any) (*domain.SagaCheckpoint, error) {
	cp.FailureCode = code
	cp.Step = domain.StepFailed
	if err := co.store.Save(ctx, cp); err != nil {
		return cp, failf(KindTransient, ReasonUpstream, err, "could not persist saga state")
	}
	settlements.WithLabelValues("failed").Inc()
	co.log.Info().Str("saga_id", cp.ID).Str("reason", code).Msg("saga failed")
	return cp, failf(KindRejected, code, nil, format, args...)
}

// wrongStep reports an operation attempted out of order.
func (co *Coordinator) wrongStep(cp *domain.SagaCheckpoint, want domain.SagaStep) error {
	return failf(KindValidation, ReasonInvalidStep, nil,
		"operation requires step %s, saga is at %s", want, cp.Step)
}
