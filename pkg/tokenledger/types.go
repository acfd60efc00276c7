package tokenledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// TokenAmount is a strictly positive token quantity supplied by callers.
type TokenAmount int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// IdempotencyKey scopes duplicate detection. It is always caller-supplied
// and deterministic for the business event it represents.
type IdempotencyKey struct {
	value string
}

// ReasonCode is a free-text audit label attached to every ledger entry.
type ReasonCode struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryGrant      EntryKind = "GRANT"
	EntryPurchase   EntryKind = "PURCHASE"
	EntryConsume    EntryKind = "CONSUME"
	EntryRefund     EntryKind = "REFUND"
	EntryAdjustment EntryKind = "ADJUSTMENT"
)

// String returns the stored kind label.
func (kind EntryKind) String() string {
	return string(kind)
}

// ParseEntryKind validates a raw kind label.
func ParseEntryKind(raw string) (EntryKind, error) {
	kind := EntryKind(strings.ToUpper(strings.TrimSpace(raw)))
	switch kind {
	case EntryGrant, EntryPurchase, EntryConsume, EntryRefund, EntryAdjustment:
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewReasonCode validates and normalizes a reason code.
func NewReasonCode(raw string) (ReasonCode, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReasonCode{}, fmt.Errorf("%w: empty value", ErrInvalidReasonCode)
	}
	return ReasonCode{value: trimmed}, nil
}

// String returns the normalized reason code.
func (reason ReasonCode) String() string {
	return reason.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewTokenAmount validates an amount and ensures it is strictly positive.
func NewTokenAmount(raw int64) (TokenAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidTokenAmount)
	}
	return TokenAmount(raw), nil
}

// Int64 returns the raw token quantity.
func (amount TokenAmount) Int64() int64 {
	return int64(amount)
}

// EntryInput describes one ledger row to append.
type EntryInput struct {
	UserID           string
	Kind             EntryKind
	Amount           int64
	IdempotencyKey   string
	ReasonCode       string
	ReferenceID      string
	ExpiresAtUnixUTC int64
	RemainingAmount  *int64
	Metadata         MetadataJSON
	CreatedUnixUTC   int64
}

// NewEntryInput validates kind/amount consistency for one ledger row.
// GRANT, PURCHASE, and REFUND rows must be credits; CONSUME rows must be
// debits; ADJUSTMENT rows carry any nonzero signed amount.
func NewEntryInput(userID UserID, kind EntryKind, amount int64, idempotencyKey IdempotencyKey, reason ReasonCode, referenceID string, expiresAtUnixUTC int64, remainingAmount *int64, metadata MetadataJSON, createdUnixUTC int64) (EntryInput, error) {
	if amount == 0 {
		return EntryInput{}, fmt.Errorf("%w: must be nonzero", ErrInvalidEntryAmount)
	}
	switch kind {
	case EntryGrant, EntryPurchase, EntryRefund:
		if amount < 0 {
			return EntryInput{}, fmt.Errorf("%w: %s entries must be positive", ErrInvalidEntryAmount, kind)
		}
	case EntryConsume:
		if amount > 0 {
			return EntryInput{}, fmt.Errorf("%w: consume entries must be negative", ErrInvalidEntryAmount)
		}
	case EntryAdjustment:
	default:
		return EntryInput{}, fmt.Errorf("%w: %q", ErrInvalidEntryKind, kind)
	}
	if remainingAmount != nil && (*remainingAmount < 0 || *remainingAmount > amount) {
		return EntryInput{}, fmt.Errorf("%w: remaining outside [0, amount]", ErrInvalidBatchState)
	}
	return EntryInput{
		UserID:           userID.String(),
		Kind:             kind,
		Amount:           amount,
		IdempotencyKey:   idempotencyKey.String(),
		ReasonCode:       reason.String(),
		ReferenceID:      referenceID,
		ExpiresAtUnixUTC: expiresAtUnixUTC,
		RemainingAmount:  remainingAmount,
		Metadata:         metadata,
		CreatedUnixUTC:   createdUnixUTC,
	}, nil
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID          string
	UserID           string
	Kind             EntryKind
	Amount           int64
	IdempotencyKey   string
	ReasonCode       string
	ReferenceID      string
	ExpiresAtUnixUTC int64
	RemainingAmount  *int64
	MetadataJSON     string
	CreatedUnixUTC   int64
}

// Account pairs a user with the cached running balance.
type Account struct {
	UserID        string
	CachedBalance int64
}

// Batch is the open (still consumable) portion of one expiring grant row.
type Batch struct {
	EntryID          string
	UserID           string
	Amount           int64
	RemainingAmount  int64
	ExpiresAtUnixUTC int64
}

// DriftRecord reports one account whose cache diverged from the ledger sum.
type DriftRecord struct {
	UserID        string
	CachedBalance int64
	LedgerBalance int64
}

// Delta returns cache minus ledger.
func (record DriftRecord) Delta() int64 {
	return record.CachedBalance - record.LedgerBalance
}

// Store is the persistence contract used by Service. Implementations must
// make WithTx atomic: every mutation inside the callback commits or rolls
// back as one unit, and account reads taken "for update" stay locked until
// the transaction ends.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID string) (Account, error)
	GetAccount(ctx context.Context, userID string) (Account, bool, error)
	GetAccountForUpdate(ctx context.Context, userID string) (Account, error)
	AdjustCachedBalance(ctx context.Context, userID string, delta int64) (int64, error)
	SetCachedBalance(ctx context.Context, userID string, value int64) error
	InsertEntry(ctx context.Context, entry EntryInput) error
	HasEntryForKey(ctx context.Context, idempotencyKey string) (bool, error)
	ListOpenBatches(ctx context.Context, userID string, atUnixUTC int64) ([]Batch, error)
	ConsumeFromBatch(ctx context.Context, entryID string, amount int64) error
	ListExpiredBatches(ctx context.Context, atUnixUTC int64, limit int) ([]Batch, error)
	ListExpiredBatchesForUser(ctx context.Context, userID string, atUnixUTC int64) ([]Batch, error)
	SumEntryAmounts(ctx context.Context, userID string) (int64, error)
	ListDriftedAccounts(ctx context.Context, limit int) ([]DriftRecord, error)
	ListUnseededAccounts(ctx context.Context, limit int) ([]Account, error)
	ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]Entry, error)
}
