// Package services – StudentService
//
// Read-side queries over the Tuition service: the unpaid-student directory
// and the user's payment history. History prefers the authoritative upstream
// listing but falls back to the local receipt mirror when the Tuition
// service is unreachable, so a user can always see what they paid through
// this gateway.
package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/repo"
	"github.com/tbourn/go-tuition-backend/internal/upstream"
)

// TuitionDirectory defines the Tuition-service reads used by StudentService.
type TuitionDirectory interface {
	// UnpaidStudents lists students with outstanding tuition.
	UnpaidStudents(ctx context.Context, token string) ([]domain.Student, int64, error)
	// PaymentHistory returns a page of the user's settled payments.
	PaymentHistory(ctx context.Context, token string, limit, offset int) ([]upstream.HistoryEntry, int64, error)
}

// StudentService answers directory and history queries.
type StudentService struct {
	// DB backs the local receipt mirror used as a history fallback.
	DB *gorm.DB
	// Tuition is the upstream read client.
	Tuition TuitionDirectory
}

// Unpaid returns the unpaid-student directory for the session user.
func (s *StudentService) Unpaid(ctx context.Context, sess domain.Session) ([]domain.Student, int64, error) {
	return s.Tuition.UnpaidStudents(ctx, sess.Token)
}

// History returns a page of the user's payment history. When the Tuition
// service cannot be reached, the page is served from the local receipt
// mirror instead; entries mirrored locally carry only the fields recorded at
// settlement time.
func (s *StudentService) History(ctx context.Context, sess domain.Session, page, pageSize int) ([]upstream.HistoryEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	entries, total, err := s.Tuition.PaymentHistory(ctx, sess.Token, pageSize, offset)
	if err == nil {
		return entries, total, nil
	}
	if !upstream.IsTransient(err) || s.DB == nil {
		return nil, 0, err
	}

	receipts, total, rerr := repo.ListReceipts(ctx, s.DB, sess.UserID, offset, pageSize)
	if rerr != nil {
		return nil, 0, err // report the upstream failure, not the fallback's
	}
	out := make([]upstream.HistoryEntry, 0, len(receipts))
	for _, r := range receipts {
		out = append(out, upstream.HistoryEntry{
			PaymentID:   r.PaymentID,
			StudentID:   r.StudentID,
			AmountPaid:  float64(r.AmountPaid),
			PaymentDate: r.PaymentDate.UTC().Format(time.RFC3339),
		})
	}
	return out, total, nil
}

// Receipts returns a page of receipts persisted by this gateway at
// settlement time. Unlike History this never touches the Tuition service:
// these rows are immutable ground truth for payments made here.
func (s *StudentService) Receipts(ctx context.Context, sess domain.Session, page, pageSize int) ([]domain.PaymentReceipt, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return repo.ListReceipts(ctx, s.DB, sess.UserID, (page-1)*pageSize, pageSize)
}
