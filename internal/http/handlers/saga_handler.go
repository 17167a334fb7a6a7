// Saga HTTP handlers.
//
// This file exposes REST endpoints for the payment saga:
//   - POST /sagas                  (start: student lookup)
//   - GET  /sagas/current          (resume the latest open saga)
//   - GET  /sagas/{id}            (resume by id)
//   - POST /sagas/{id}/terms      (accept terms)
//   - POST /sagas/{id}/otp        (request / resend a one-time code)
//   - POST /sagas/{id}/otp/verify (verify the code)
//   - POST /sagas/{id}/pay        (submit or manually retry the payment)
//   - POST /sagas/{id}/abandon    (abandon before payment)
//
// Handlers are transport-thin: they validate input, call the coordinator,
// and translate checkpoints and typed saga failures into HTTP responses.
// Every response carries the full saga view so the client can re-render its
// flow from any single response.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-tuition-backend/internal/balance"
	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/http/middleware"
	"github.com/tbourn/go-tuition-backend/internal/upstream"
	"github.com/tbourn/go-tuition-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// SagaService defines the coordinator operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type SagaService interface {
	// Start begins a new saga with a student lookup.
	Start(ctx context.Context, sess domain.Session, studentID string) (*domain.SagaCheckpoint, error)
	// AcceptTerms records the explicit terms acknowledgement.
	AcceptTerms(ctx context.Context, sess domain.Session, sagaID string, accepted bool) (*domain.SagaCheckpoint, error)
	// RequestOTP issues (or re-issues) a one-time code.
	RequestOTP(ctx context.Context, sess domain.Session, sagaID string) (*domain.SagaCheckpoint, error)
	// VerifyOTP submits the user's code.
	VerifyOTP(ctx context.Context, sess domain.Session, sagaID, code string) (*domain.SagaCheckpoint, error)
	// SubmitPayment performs or manually retries the authoritative charge.
	SubmitPayment(ctx context.Context, sess domain.Session, sagaID string) (*domain.SagaCheckpoint, *domain.PaymentReceipt, error)
	// Abandon deliberately ends the saga before payment.
	Abandon(ctx context.Context, sess domain.Session, sagaID string) (*domain.SagaCheckpoint, error)
	// Resume returns the saga by id, normalized for re-entry.
	Resume(ctx context.Context, sess domain.Session, sagaID string) (*domain.SagaCheckpoint, error)
	// Current returns the user's most recent open saga.
	Current(ctx context.Context, sess domain.Session) (*domain.SagaCheckpoint, error)
}

// AuthService defines the session lifecycle operations consumed by handlers.
type AuthService interface {
	// Login authenticates credentials and returns the session, the initial
	// balance snapshot, and the signed gateway token.
	Login(ctx context.Context, username, password string) (domain.Session, domain.BalanceSnapshot, string, error)
	// Logout tears the session down.
	Logout(ctx context.Context, sess domain.Session)
}

// DirectoryService defines the read-side student and history queries.
type DirectoryService interface {
	// Unpaid lists students with outstanding tuition.
	Unpaid(ctx context.Context, sess domain.Session) ([]domain.Student, int64, error)
	// History returns a page of the user's settled payments.
	History(ctx context.Context, sess domain.Session, page, pageSize int) ([]upstream.HistoryEntry, int64, error)
	// Receipts returns a page of locally persisted payment receipts.
	Receipts(ctx context.Context, sess domain.Session, page, pageSize int) ([]domain.PaymentReceipt, int64, error)
}

// BalanceService re-fetches the authoritative balance snapshot.
type BalanceService interface {
	Refresh(ctx context.Context, sess domain.Session) (domain.BalanceSnapshot, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for authentication, sagas, balances, and
// directory queries. It depends on abstract service interfaces to keep
// transport concerns separate from business logic.
type Handlers struct {
	authSvc  AuthService
	sagaSvc  SagaService
	dirSvc   DirectoryService
	balSvc   BalanceService
	balances *balance.Cache
}

// New constructs and returns a Handlers instance bound to the given services.
func New(authSvc AuthService, sagaSvc SagaService, dirSvc DirectoryService, balSvc BalanceService, balances *balance.Cache) *Handlers {
	return &Handlers{authSvc: authSvc, sagaSvc: sagaSvc, dirSvc: dirSvc, balSvc: balSvc, balances: balances}
}

// session extracts the authenticated session placed in the context by the
// SessionAuth middleware. Routes using it are always mounted behind that
// middleware; the false branch only fires in misconfigured tests.
func session(c *gin.Context) (domain.Session, bool) {
	return middleware.SessionFrom(c)
}

//
// DTOs
//

// StartSagaRequest is the JSON payload for starting a payment saga.
type StartSagaRequest struct {
	// StudentID identifies the tuition record to pay.
	StudentID string `json:"student_id" binding:"required,min=1" example:"ST2025001"`
}

// AcceptTermsRequest is the JSON payload for the terms acknowledgement.
type AcceptTermsRequest struct {
	// Accepted must be explicitly true; defaulting is not acceptance.
	Accepted bool `json:"accepted" example:"true"`
}

// VerifyOTPRequest is the JSON payload carrying the user's one-time code.
type VerifyOTPRequest struct {
	Code string `json:"code" binding:"required" example:"483920"`
}

// OTPView is the challenge metadata exposed to the client. The code value
// itself never appears here.
type OTPView struct {
	ExpiresAt     time.Time `json:"expires_at"`
	CooldownUntil time.Time `json:"cooldown_until"`
	AttemptsUsed  int       `json:"attempts_used"`
}

// SagaView is the full client-facing projection of a saga checkpoint.
type SagaView struct {
	ID             string          `json:"id"`
	Step           domain.SagaStep `json:"step"`
	Student        *domain.Student `json:"student,omitempty"`
	TuitionDisplay string          `json:"tuition_display,omitempty"`
	TermsAccepted  bool            `json:"terms_accepted"`
	OTP            *OTPView        `json:"otp,omitempty"`
	FailureCode    string          `json:"failure_code,omitempty"`
	ReceiptID      string          `json:"receipt_id,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// SagaResponse wraps a saga view, optionally with the settlement receipt.
type SagaResponse struct {
	Saga    SagaView               `json:"saga"`
	Receipt *domain.PaymentReceipt `json:"receipt,omitempty"`
}

// sagaView projects a checkpoint for the client.
func sagaView(cp *domain.SagaCheckpoint) SagaView {
	v := SagaView{
		ID:            cp.ID,
		Step:          cp.Step,
		TermsAccepted: cp.TermsAccepted,
		FailureCode:   cp.FailureCode,
		ReceiptID:     cp.ReceiptID,
		UpdatedAt:     cp.UpdatedAt,
	}
	if s, ok := cp.Student(); ok {
		student := s
		v.Student = &student
		v.TuitionDisplay = utils.FormatVND(s.TuitionAmount)
	}
	if ch, ok := cp.OTP(); ok {
		v.OTP = &OTPView{
			ExpiresAt:     ch.ExpiresAt,
			CooldownUntil: ch.CooldownUntil,
			AttemptsUsed:  ch.AttemptCount,
		}
	}
	return v
}

// sagaParam validates the :id path parameter.
func sagaParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "saga id must be a UUID")
		return "", false
	}
	return id, true
}

//
// Handlers
//

// StartSaga godoc
// @ID          startSaga
// @Summary     Start a payment saga
// @Description Looks the student up and opens a saga at TERMS_PENDING.
// @Tags        Sagas
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.StartSagaRequest  true  "Student to pay for"
// @Success     201  {object}  handlers.SagaResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Student not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Already paid"
// @Router      /sagas [post]
func (h *Handlers) StartSaga(c *gin.Context) {
	sess, authed := session(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	var req StartSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.StudentID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "student_id required")
		return
	}

	cp, err := h.sagaSvc.Start(c.Request.Context(), sess, strings.TrimSpace(req.StudentID))
	if err != nil {
		failSaga(c, err)
		return
	}
	ok(c, http.StatusCreated, SagaResponse{Saga: sagaView(cp)})
}

// CurrentSaga godoc
// @ID          currentSaga
// @Summary     Resume the latest open saga
// @Tags        Sagas
// @Produce     json
// @Success     200  {object}  handlers.SagaResponse
// @Failure     404  {object}  handlers.ErrorResponse  "No open saga"
// @Router      /sagas/current [get]
func (h *Handlers) CurrentSaga(c *gin.Context) {
	sess, authed := session(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	cp, err := h.sagaSvc.Current(c.Request.Context(), sess)
	if err != nil {
		failSaga(c, err)
		return
	}
	ok(c, http.StatusOK, SagaResponse{Saga: sagaView(cp)})
}

// GetSaga godoc
// @ID          getSaga
// @Summary     Resume a saga by id
// @Tags        Sagas
// @Produce     json
// @Param       id  path  string  true  "Saga ID (UUID)"  format(uuid)
// @Success     200  {object}  handlers.SagaResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown saga"
// @Router      /sagas/{id} [get]
func (h *Handlers) GetSaga(c *gin.Context) {
	sess, authed := session(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	id, okID := sagaParam(c)
	if !okID {
		return
	}
	cp, err := h.sagaSvc.Resume(c.Request.Context(), sess, id)
	if err != nil {
		failSaga(c, err)
		return
	}
	ok(c, http.StatusOK, SagaResponse{Saga: sagaView(cp)})
}

// AcceptTerms godoc
// @ID          acceptTerms
// @Summary     Accept the payment terms
// @Description Records the explicit acknowledgement and runs the advisory
// @Description balance check. Rejected attempts stay at TERMS_PENDING.
// @Tags        Sagas
// @Accept      json
// @Produce     json
// @Param       id    path  string  true  "Saga ID (UUID)"  format(uuid)
// @Param       body  body  handlers.AcceptTermsRequest  true  "Acknowledgement"
// @Success     200  {object}  handlers.SagaResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Terms not accepted"
// @Failure     409  {object}  handlers.ErrorResponse  "Insufficient balance"
// @Router      /sagas/{id}/terms [post]
func (h *Handlers) AcceptTerms(c *gin.Context) {
	sess, authed := session(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	id, okID := sagaParam(c)
	if !okID {
		return
	}
	var req AcceptTermsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	cp, err := h.sagaSvc.AcceptTerms(c.Request.Context(), sess, id, req.Accepted)
	if err != nil {
		failSaga(c, err)
		return
	}
	ok(c, http.StatusOK, SagaResponse{Saga: sagaView(cp)})
}

// RequestOTP godoc
// @ID          requestOTP
// @Summary     Request or resend a one-time code
// @Tags        Sagas
// @Produce     json
// @Param       id  path  string  true  "Saga ID (UUID)"  format(uuid)
// @Success     200  {object}  handlers.SagaResponse
// @Failure     429  {object}  handlers.ErrorResponse  "Cooldown active"
// @Failure     502  {object}  handlers.ErrorResponse  "OTP service unavailable"
// @Router      /sagas/{id}/otp [post]
func (h *Handlers) RequestOTP(c *gin.Context) {
	sess, authed := session(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	id, okID := sagaParam(c)
	if !okID {
		return
	}
	cp, err := h.sagaSvc.RequestOTP(c.Request.Context(), sess, id)
	if err != nil {
		failSaga(c, err)
		return
	}
	ok(c, http.StatusOK, SagaResponse{Saga: sagaView(cp)})
}

// VerifyOTP godoc
// @ID          verifyOTP
// @Summary     Verify the one-time code
// @Description Success advances the saga to PAYMENT_SUBMITTING and fixes the
// @Description idempotency key for the payment attempt.
// @Tags        Sagas
// @Accept      json
// @Produce     json
// @Param       id    path  string  true  "Saga ID (UUID)"  format(uuid)
// @Param       body  body  handlers.VerifyOTPRequest  true  "One-time code"
// @Success     200  {object}  handlers.SagaResponse
// @Failure     409  {object}  handlers.ErrorResponse  "Incorrect code"
// @Failure     410  {object}  handlers.ErrorResponse  "Code expired"
// @Router      /sagas/{id}/otp/verify [post]
func (h *Handlers) VerifyOTP(c *gin.Context) {
	sess, authed := session(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	id, okID := sagaParam(c)
	if !okID {
		return
	}
	var req VerifyOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "code required")
		return
	}

	cp, err := h.sagaSvc.VerifyOTP(c.Request.Context(), sess, id, strings.TrimSpace(req.Code))
	if err != nil {
		failSaga(c, err)
		return
	}
	ok(c, http.StatusOK, SagaResponse{Saga: sagaView(cp)})
}

// SubmitPayment godoc
// @ID          submitPayment
// @Summary     Submit or manually retry the payment
// @Description Performs the authoritative charge with the saga's idempotency
// @Description key. An ambiguous outcome returns 502 and leaves the saga at
// @Description PAYMENT_SUBMITTING; calling this endpoint again retries with
// @Description the same key.
// @Tags        Sagas
// @Produce     json
// @Param       id  path  string  true  "Saga ID (UUID)"  format(uuid)
// @Success     200  {object}  handlers.SagaResponse  "Settled, includes receipt"
// @Failure     409  {object}  handlers.ErrorResponse  "Definitive rejection"
// @Failure     502  {object}  handlers.ErrorResponse  "Outcome unknown, retry"
// @Router      /sagas/{id}/pay [post]
func (h *Handlers) SubmitPayment(c *gin.Context) {
	sess, authed := session(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	id, okID := sagaParam(c)
	if !okID {
		return
	}
	cp, receipt, err := h.sagaSvc.SubmitPayment(c.Request.Context(), sess, id)
	if err != nil {
		failSaga(c, err)
		return
	}
	if middleware.IsReplay(c) {
		c.Header("Idempotency-Replayed", "true")
	}
	ok(c, http.StatusOK, SagaResponse{Saga: sagaView(cp), Receipt: receipt})
}

// AbandonSaga godoc
// @ID          abandonSaga
// @Summary     Abandon the saga
// @Description Allowed only before payment submission begins.
// @Tags        Sagas
// @Produce     json
// @Param       id  path  string  true  "Saga ID (UUID)"  format(uuid)
// @Success     200  {object}  handlers.SagaResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Too late to abandon"
// @Router      /sagas/{id}/abandon [post]
func (h *Handlers) AbandonSaga(c *gin.Context) {
	sess, authed := session(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	id, okID := sagaParam(c)
	if !okID {
		return
	}
	cp, err := h.sagaSvc.Abandon(c.Request.Context(), sess, id)
	if err != nil {
		failSaga(c, err)
		return
	}
	ok(c, http.StatusOK, SagaResponse{Saga: sagaView(cp)})
}
