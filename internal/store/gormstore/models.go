package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. CachedBalance is the derived
// accelerator over ledger_entries; at rest it always equals the sum of the
// user's entry amounts.
type Account struct {
	UserID        string    `gorm:"primaryKey"`
	CachedBalance int64     `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. Rows are append-only;
// RemainingAmount is the only mutable column and is tracked only on
// expiring credit rows.
type LedgerEntry struct {
	EntryID         string         `gorm:"type:uuid;primaryKey"`
	UserID          string         `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	Kind            string         `gorm:"not null"`
	Amount          int64          `gorm:"not null"`
	IdempotencyKey  string         `gorm:"not null;index:uniq_entry_idem,unique"`
	ReasonCode      string         `gorm:"not null"`
	ReferenceID     *string        `gorm:""`
	ExpiresAt       *time.Time     `gorm:"index:idx_ledger_expiry"`
	RemainingAmount *int64         `gorm:""`
	Metadata        datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// PaymentAttempt mirrors the payment_attempts table. The row is written
// before the gateway is called, so a crash mid-checkout always leaves a
// PENDING row behind for the reconciliation sweep.
type PaymentAttempt struct {
	AttemptID        string     `gorm:"type:uuid;primaryKey"`
	UserID           string     `gorm:"not null;index:idx_attempts_user"`
	GatewaySessionID *string    `gorm:"index:uniq_attempt_session,unique"`
	PackageID        string     `gorm:"not null"`
	Credits          int64      `gorm:"not null"`
	AmountMinor      int64      `gorm:"not null"`
	Currency         string     `gorm:"not null"`
	Status           string     `gorm:"not null;index:idx_attempts_status"`
	CreatedAt        time.Time  `gorm:"not null"`
	UpdatedAt        time.Time  `gorm:"not null"`
	RefundedAt       *time.Time `gorm:""`
}

func (PaymentAttempt) TableName() string { return "payment_attempts" }

func (attempt *PaymentAttempt) BeforeCreate(tx *gorm.DB) error {
	if attempt.AttemptID == "" {
		attempt.AttemptID = uuid.NewString()
	}
	return nil
}
