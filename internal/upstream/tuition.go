package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

// TuitionClient talks to the Tuition service: read-only student lookups and
// the single authoritative payment call.
type TuitionClient struct {
	client
}

// NewTuitionClient returns a client for the Tuition service rooted at base.
func NewTuitionClient(base string, timeout time.Duration) *TuitionClient {
	return &TuitionClient{newClient("tuition", base, timeout)}
}

// studentRecord mirrors the wire shape of a tuition record.
type studentRecord struct {
	StudentID     string  `json:"student_id"`
	FullName      string  `json:"full_name"`
	Class         string  `json:"class"`
	Faculty       string  `json:"faculty"`
	Semester      string  `json:"semester"`
	Year          int     `json:"year"`
	TuitionAmount float64 `json:"tuition_amount"`
	IsPaid        bool    `json:"is_payed"`
	Version       int64   `json:"version"`
}

func (r studentRecord) toDomain() domain.Student {
	return domain.Student{
		StudentID:     r.StudentID,
		FullName:      r.FullName,
		Class:         r.Class,
		Faculty:       r.Faculty,
		Semester:      r.Semester,
		Year:          r.Year,
		TuitionAmount: int64(r.TuitionAmount),
		IsPaid:        r.IsPaid,
		Version:       r.Version,
	}
}

// SearchStudent fetches the tuition record for studentID. The result is
// trustworthy only at the instant it is fetched; callers never cache it
// across saga attempts.
func (c *TuitionClient) SearchStudent(ctx context.Context, token, studentID string) (domain.Student, error) {
	q := url.Values{"student_id": {studentID}}
	var out studentRecord
	if err := c.get(ctx, "/students/search", q, token, &out); err != nil {
		return domain.Student{}, c.mapError(err)
	}
	return out.toDomain(), nil
}

type studentListResponse struct {
	Students          []studentRecord `json:"students"`
	TotalCount        int             `json:"total_count"`
	TotalUnpaidAmount float64         `json:"total_unpaid_amount"`
	UnpaidCount       int             `json:"unpaid_count"`
}

// UnpaidStudents lists students whose tuition is still owed, with aggregate
// totals for the dashboard.
func (c *TuitionClient) UnpaidStudents(ctx context.Context, token string) ([]domain.Student, int64, error) {
	var out studentListResponse
	if err := c.get(ctx, "/students/unpaid", nil, token, &out); err != nil {
		return nil, 0, c.mapError(err)
	}
	students := make([]domain.Student, 0, len(out.Students))
	for _, r := range out.Students {
		students = append(students, r.toDomain())
	}
	return students, int64(out.TotalUnpaidAmount), nil
}

type paymentRequest struct {
	StudentID string `json:"student_id"`
	Version   int64  `json:"version"`
}

type paymentResponse struct {
	Success     bool    `json:"success"`
	PaymentID   any     `json:"payment_id"`
	UserID      string  `json:"user_id"`
	StudentID   string  `json:"student_id"`
	PaymentDate string  `json:"payment_date"`
	AmountPaid  float64 `json:"amount_paid"`
	UserInfo    struct {
		FullName   string  `json:"full_name"`
		OldBalance float64 `json:"old_balance"`
		NewBalance float64 `json:"new_balance"`
	} `json:"user_info"`
}

// SubmitPayment performs the single authoritative charge. The server, not
// this client, re-validates balance sufficiency and paid status at the moment
// of charge. idemKey is sent as the Idempotency-Key header and must be reused
// verbatim on every retry of the same attempt; version echoes the lookup's
// change token for optimistic concurrency.
//
// Failure mapping:
//   - already paid           → ErrAlreadyPaid
//   - insufficient balance   → ErrInsufficientBalance
//   - unknown student        → ErrStudentNotFound
//   - rejected token         → ErrAuthExpired
//   - version conflict (409) → ErrPaymentConflict
//   - timeout / 5xx          → *TransientError (ambiguous; manual retry only)
func (c *TuitionClient) SubmitPayment(ctx context.Context, token, idemKey, studentID string, version int64) (domain.PaymentReceipt, error) {
	var out paymentResponse
	hdr := map[string]string{"Idempotency-Key": idemKey}
	err := c.postWithHeaders(ctx, "/payments/pay", token, hdr, paymentRequest{StudentID: studentID, Version: version}, &out)
	if err != nil {
		return domain.PaymentReceipt{}, c.mapError(err)
	}

	when, perr := time.Parse(time.RFC3339, out.PaymentDate)
	if perr != nil {
		when = time.Now().UTC()
	}
	return domain.PaymentReceipt{
		PaymentID:        paymentID(out.PaymentID),
		UserID:           out.UserID,
		StudentID:        out.StudentID,
		AmountPaid:       int64(out.AmountPaid),
		PaymentDate:      when,
		RemainingBalance: int64(out.UserInfo.NewBalance),
	}, nil
}

// HistoryEntry is one row of the user's payment history as reported by the
// Tuition service.
type HistoryEntry struct {
	PaymentID   any     `json:"payment_id"`
	StudentID   string  `json:"student_id"`
	StudentName string  `json:"student_name"`
	Class       string  `json:"class"`
	Faculty     string  `json:"faculty"`
	Semester    string  `json:"semester"`
	Year        int     `json:"year"`
	AmountPaid  float64 `json:"amount_paid"`
	PaymentDate string  `json:"payment_date"`
}

type historyResponse struct {
	Payments []HistoryEntry `json:"payments"`
	Total    int64          `json:"total"`
}

// PaymentHistory returns a page of the session user's settled payments.
func (c *TuitionClient) PaymentHistory(ctx context.Context, token string, limit, offset int) ([]HistoryEntry, int64, error) {
	q := url.Values{
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
	var out historyResponse
	if err := c.get(ctx, "/payments/history", q, token, &out); err != nil {
		return nil, 0, c.mapError(err)
	}
	return out.Payments, out.Total, nil
}

// mapError translates definitive tuition-service rejections into service
// errors. Transients pass through unchanged.
func (c *TuitionClient) mapError(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return err
	}
	msg := strings.ToLower(se.Message)
	switch {
	case se.Status == http.StatusUnauthorized:
		return ErrAuthExpired
	case se.Status == http.StatusNotFound:
		return ErrStudentNotFound
	case se.Status == http.StatusConflict:
		return ErrPaymentConflict
	case strings.Contains(msg, "already paid"):
		return ErrAlreadyPaid
	case strings.Contains(msg, "insufficient"):
		return ErrInsufficientBalance
	default:
		return err
	}
}

// paymentID renders the service's numeric-or-string payment id as a string.
func paymentID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	default:
		return ""
	}
}
