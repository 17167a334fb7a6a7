// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// SagaCheckpoint model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. Step semantics (ordering, derivation,
// terminality) live in the saga package.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

// SaveCheckpoint upserts the checkpoint row. The checkpoint is written
// before and after every transition, so this is the hottest write path.
func SaveCheckpoint(ctx context.Context, db *gorm.DB, cp *domain.SagaCheckpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	return db.WithContext(ctx).Save(cp).Error
}

// GetCheckpoint fetches a checkpoint by id, enforcing ownership. Returns
// (nil, nil) when no such row exists: absence is a normal outcome, not an
// error, for resume-after-reload flows.
func GetCheckpoint(ctx context.Context, db *gorm.DB, userID, id string) (*domain.SagaCheckpoint, error) {
	var cp domain.SagaCheckpoint
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// LatestOpenCheckpoint returns the user's most recent non-terminal
// checkpoint, or (nil, nil) when every saga is settled, failed, or
// abandoned. Terminal rows are kept for audit but never resumed.
func LatestOpenCheckpoint(ctx context.Context, db *gorm.DB, userID string) (*domain.SagaCheckpoint, error) {
	var cp domain.SagaCheckpoint
	err := db.WithContext(ctx).
		Where("user_id = ? AND step NOT IN ?", userID,
			[]domain.SagaStep{domain.StepSettled, domain.StepFailed, domain.StepAbandoned}).
		Order("updated_at DESC").
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// PruneCheckpoints deletes checkpoints not updated within ttl. Frozen
// PAYMENT_SUBMITTING rows are exempt: their idempotency key is the only
// handle on an ambiguous charge and must outlive ordinary retention.
func PruneCheckpoints(ctx context.Context, db *gorm.DB, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	res := db.WithContext(ctx).
		Where("updated_at < ? AND step <> ?", cutoff, domain.StepPaymentSubmitting).
		Delete(&domain.SagaCheckpoint{})
	return res.RowsAffected, res.Error
}
