// Receipt persistence. Receipts are the local mirror of the authoritative
// payment result: immutable once written, inserted together with their
// idempotency record in one transaction so a replayed submission can always
// find the original outcome.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

// SaveReceiptWithKey stores the receipt and its idempotency record
// atomically. Idempotent: if the receipt row already exists (a replay that
// lost the race), the transaction is a no-op success.
func SaveReceiptWithKey(ctx context.Context, db *gorm.DB, r *domain.PaymentReceipt, idemKey string, ttl time.Duration) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		if err := tx.Create(r).Error; err != nil {
			if isDuplicate(err) {
				return nil
			}
			return err
		}
		if _, err := CreateIdempotency(ctx, tx, r.UserID, r.SagaID, idemKey, r.PaymentID, 200, ttl); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return nil
			}
			return err
		}
		return nil
	})
}

// ReceiptByKey resolves the receipt previously recorded for
// (userID, sagaID, key), or (nil, nil) when the key has produced none.
func ReceiptByKey(ctx context.Context, db *gorm.DB, userID, sagaID, key string, now time.Time) (*domain.PaymentReceipt, error) {
	rec, err := GetIdempotency(ctx, db, userID, sagaID, key, now)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r domain.PaymentReceipt
	if err := db.WithContext(ctx).Where("payment_id = ?", rec.ReceiptID).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// ListReceipts returns a page of the user's local receipt mirror, newest
// first, plus the total count.
func ListReceipts(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.PaymentReceipt, int64, error) {
	var total int64
	if err := db.WithContext(ctx).Model(&domain.PaymentReceipt{}).
		Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []domain.PaymentReceipt
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("payment_date DESC").
		Offset(offset).Limit(limit).
		Find(&out).Error
	return out, total, err
}
