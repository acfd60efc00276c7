package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/tripbazaar/tokenledger/internal/payments"
	"gorm.io/gorm"
)

const (
	errorSubjectAttempt = "attempt"
)

// PaymentStore implements payments.Store on the shared gorm handle.
type PaymentStore struct {
	db *gorm.DB
}

// NewPaymentStore returns a PaymentStore backed by gorm.DB.
func NewPaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

func (store *PaymentStore) CreateAttempt(ctx context.Context, attempt payments.Attempt) (payments.Attempt, error) {
	row := PaymentAttempt{
		AttemptID:   attempt.AttemptID,
		UserID:      attempt.UserID,
		PackageID:   attempt.PackageID,
		Credits:     attempt.Credits,
		AmountMinor: attempt.AmountMinor,
		Currency:    attempt.Currency,
		Status:      attempt.Status.String(),
	}
	if attempt.GatewaySessionID != "" {
		sessionID := attempt.GatewaySessionID
		row.GatewaySessionID = &sessionID
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return payments.Attempt{}, wrapStoreError(errorSubjectAttempt, errorCodeCreate, err)
	}
	return mapAttempt(row), nil
}

func (store *PaymentStore) AttachGatewaySession(ctx context.Context, attemptID string, sessionID string) error {
	result := store.db.WithContext(ctx).
		Model(&PaymentAttempt{}).
		Where("attempt_id = ?", attemptID).
		Update("gateway_session_id", sessionID)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAttempt, errorCodeSet, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAttempt, errorCodeSet, payments.ErrAttemptNotFound)
	}
	return nil
}

func (store *PaymentStore) GetAttempt(ctx context.Context, attemptID string) (payments.Attempt, bool, error) {
	var row PaymentAttempt
	err := store.db.WithContext(ctx).Take(&row, "attempt_id = ?", attemptID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payments.Attempt{}, false, nil
	}
	if err != nil {
		return payments.Attempt{}, false, wrapStoreError(errorSubjectAttempt, errorCodeGet, err)
	}
	return mapAttempt(row), true, nil
}

func (store *PaymentStore) GetAttemptBySession(ctx context.Context, sessionID string) (payments.Attempt, bool, error) {
	var row PaymentAttempt
	err := store.db.WithContext(ctx).Take(&row, "gateway_session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payments.Attempt{}, false, nil
	}
	if err != nil {
		return payments.Attempt{}, false, wrapStoreError(errorSubjectAttempt, errorCodeGet, err)
	}
	return mapAttempt(row), true, nil
}

func (store *PaymentStore) FindRecentPending(ctx context.Context, userID string, sinceUnixUTC int64) (payments.Attempt, bool, error) {
	since := time.Unix(sinceUnixUTC, 0).UTC()
	var row PaymentAttempt
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND created_at > ?", userID, payments.StatusPending.String(), since).
		Order("created_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payments.Attempt{}, false, nil
	}
	if err != nil {
		return payments.Attempt{}, false, wrapStoreError(errorSubjectAttempt, errorCodeLookup, err)
	}
	return mapAttempt(row), true, nil
}

// TransitionStatus moves an attempt between lifecycle states with the
// from-state as the guard. Returning false without error means another
// writer won the transition, which callers treat as a replay.
func (store *PaymentStore) TransitionStatus(ctx context.Context, attemptID string, from payments.Status, to payments.Status) (bool, error) {
	updates := map[string]any{"status": to.String()}
	if to == payments.StatusRefunded {
		updates["refunded_at"] = time.Now().UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&PaymentAttempt{}).
		Where("attempt_id = ? AND status = ?", attemptID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAttempt, errorCodeSet, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *PaymentStore) ListStalePending(ctx context.Context, olderThanUnixUTC int64, limit int) ([]payments.Attempt, error) {
	olderThan := time.Unix(olderThanUnixUTC, 0).UTC()
	var rows []PaymentAttempt
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", payments.StatusPending.String(), olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAttempt, errorCodeList, err)
	}
	attempts := make([]payments.Attempt, 0, len(rows))
	for _, row := range rows {
		attempts = append(attempts, mapAttempt(row))
	}
	return attempts, nil
}

func mapAttempt(row PaymentAttempt) payments.Attempt {
	sessionID := ""
	if row.GatewaySessionID != nil {
		sessionID = *row.GatewaySessionID
	}
	return payments.Attempt{
		AttemptID:        row.AttemptID,
		UserID:           row.UserID,
		GatewaySessionID: sessionID,
		PackageID:        row.PackageID,
		Credits:          row.Credits,
		AmountMinor:      row.AmountMinor,
		Currency:         row.Currency,
		Status:           payments.Status(row.Status),
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}
}
