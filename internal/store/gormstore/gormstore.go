package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tripbazaar/tokenledger/pkg/tokenledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintEntryIdempotencyKey = "uniq_entry_idem"
	defaultMetadataJSON           = "{}"
	pgUniqueViolationCode         = "23505"
	sqliteConstraintCode          = 19
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectBalance           = "balance"
	errorSubjectEntry             = "entry"
	errorSubjectBatch             = "batch"
	errorSubjectDrift             = "drift"
	errorCodeAdjust               = "adjust"
	errorCodeConsume              = "consume"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLookup               = "lookup"
	errorCodeSet                  = "set"
	errorCodeSum                  = "sum"
)

// Store implements tokenledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for surfaces that share the connection.
func (store *Store) DB() *gorm.DB {
	return store.db
}

// Migrate creates the schema. Production postgres schemas are managed by
// migrations; this covers sqlite and tests.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Account{}, &LedgerEntry{}, &PaymentAttempt{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore tokenledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID string) (tokenledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).Take(&account, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = store.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
			Create(&Account{UserID: userID}).Error
		if err == nil {
			err = store.db.WithContext(ctx).Take(&account, "user_id = ?", userID).Error
		}
	}
	if err != nil {
		return tokenledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return tokenledger.Account{UserID: account.UserID, CachedBalance: account.CachedBalance}, nil
}

func (store *Store) GetAccount(ctx context.Context, userID string) (tokenledger.Account, bool, error) {
	var account Account
	err := store.db.WithContext(ctx).Take(&account, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tokenledger.Account{}, false, nil
	}
	if err != nil {
		return tokenledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return tokenledger.Account{UserID: account.UserID, CachedBalance: account.CachedBalance}, true, nil
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID string) (tokenledger.Account, error) {
	query := store.db.WithContext(ctx)
	// sqlite serializes writers on its own and rejects FOR UPDATE.
	if store.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account Account
	err := query.Take(&account, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tokenledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, tokenledger.ErrUserNotFound)
	}
	if err != nil {
		return tokenledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return tokenledger.Account{UserID: account.UserID, CachedBalance: account.CachedBalance}, nil
}

func (store *Store) AdjustCachedBalance(ctx context.Context, userID string, delta int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID).
		UpdateColumn("cached_balance", gorm.Expr("cached_balance + ?", delta))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, tokenledger.ErrUserNotFound)
	}
	var account Account
	if err := store.db.WithContext(ctx).Take(&account, "user_id = ?", userID).Error; err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return account.CachedBalance, nil
}

func (store *Store) SetCachedBalance(ctx context.Context, userID string, value int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID).
		UpdateColumn("cached_balance", value)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSet, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeSet, tokenledger.ErrUserNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput tokenledger.EntryInput) error {
	var expiresAt *time.Time
	if entryInput.ExpiresAtUnixUTC != 0 {
		value := time.Unix(entryInput.ExpiresAtUnixUTC, 0).UTC()
		expiresAt = &value
	}
	var referenceID *string
	if entryInput.ReferenceID != "" {
		value := entryInput.ReferenceID
		referenceID = &value
	}
	entry := LedgerEntry{
		UserID:          entryInput.UserID,
		Kind:            entryInput.Kind.String(),
		Amount:          entryInput.Amount,
		IdempotencyKey:  entryInput.IdempotencyKey,
		ReasonCode:      entryInput.ReasonCode,
		ReferenceID:     referenceID,
		ExpiresAt:       expiresAt,
		RemainingAmount: entryInput.RemainingAmount,
		Metadata:        datatypesJSON(entryInput.Metadata.String()),
		CreatedAt:       time.Now().UTC(),
	}
	if entryInput.CreatedUnixUTC != 0 {
		entry.CreatedAt = time.Unix(entryInput.CreatedUnixUTC, 0).UTC()
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, tokenledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) HasEntryForKey(ctx context.Context, idempotencyKey string) (bool, error) {
	var entry LedgerEntry
	err := store.db.WithContext(ctx).
		Select("entry_id").
		Take(&entry, "idempotency_key = ?", idempotencyKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return true, nil
}

func (store *Store) ListOpenBatches(ctx context.Context, userID string, atUnixUTC int64) ([]tokenledger.Batch, error) {
	at := time.Unix(atUnixUTC, 0).UTC()
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND remaining_amount > 0 AND amount > 0", userID).
		Where("(expires_at IS NULL OR expires_at > ?)", at).
		Order("expires_at ASC NULLS LAST").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return mapBatches(rows), nil
}

func (store *Store) ConsumeFromBatch(ctx context.Context, entryID string, amount int64) error {
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("entry_id = ? AND remaining_amount >= ?", entryID, amount).
		UpdateColumn("remaining_amount", gorm.Expr("remaining_amount - ?", amount))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeConsume, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeConsume, tokenledger.ErrInvalidBatchState)
	}
	return nil
}

func (store *Store) ListExpiredBatches(ctx context.Context, atUnixUTC int64, limit int) ([]tokenledger.Batch, error) {
	at := time.Unix(atUnixUTC, 0).UTC()
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("remaining_amount > 0 AND amount > 0 AND expires_at IS NOT NULL AND expires_at < ?", at).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return mapBatches(rows), nil
}

func (store *Store) ListExpiredBatchesForUser(ctx context.Context, userID string, atUnixUTC int64) ([]tokenledger.Batch, error) {
	at := time.Unix(atUnixUTC, 0).UTC()
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND remaining_amount > 0 AND amount > 0 AND expires_at IS NOT NULL AND expires_at < ?", userID, at).
		Order("expires_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return mapBatches(rows), nil
}

func (store *Store) SumEntryAmounts(ctx context.Context, userID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) ListDriftedAccounts(ctx context.Context, limit int) ([]tokenledger.DriftRecord, error) {
	var rows []driftRow
	err := store.db.WithContext(ctx).Raw(`
		SELECT a.user_id AS user_id,
		       a.cached_balance AS cached_balance,
		       COALESCE(SUM(l.amount), 0) AS ledger_balance
		FROM accounts a
		LEFT JOIN ledger_entries l ON l.user_id = a.user_id
		GROUP BY a.user_id, a.cached_balance
		HAVING a.cached_balance <> COALESCE(SUM(l.amount), 0)
		LIMIT ?`, limit).Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectDrift, errorCodeList, err)
	}
	records := make([]tokenledger.DriftRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, tokenledger.DriftRecord{
			UserID:        row.UserID,
			CachedBalance: row.CachedBalance,
			LedgerBalance: row.LedgerBalance,
		})
	}
	return records, nil
}

func (store *Store) ListUnseededAccounts(ctx context.Context, limit int) ([]tokenledger.Account, error) {
	var rows []Account
	err := store.db.WithContext(ctx).Raw(`
		SELECT a.user_id AS user_id, a.cached_balance AS cached_balance
		FROM accounts a
		WHERE a.cached_balance <> 0
		  AND NOT EXISTS (SELECT 1 FROM ledger_entries l WHERE l.user_id = a.user_id)
		LIMIT ?`, limit).Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectDrift, errorCodeList, err)
	}
	accounts := make([]tokenledger.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, tokenledger.Account{UserID: row.UserID, CachedBalance: row.CachedBalance})
	}
	return accounts, nil
}

func (store *Store) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]tokenledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]tokenledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return tokenledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

type driftRow struct {
	UserID        string
	CachedBalance int64
	LedgerBalance int64
}

func mapBatches(rows []LedgerEntry) []tokenledger.Batch {
	batches := make([]tokenledger.Batch, 0, len(rows))
	for _, row := range rows {
		remaining := int64(0)
		if row.RemainingAmount != nil {
			remaining = *row.RemainingAmount
		}
		batches = append(batches, tokenledger.Batch{
			EntryID:          row.EntryID,
			UserID:           row.UserID,
			Amount:           row.Amount,
			RemainingAmount:  remaining,
			ExpiresAtUnixUTC: timeOrZero(row.ExpiresAt),
		})
	}
	return batches
}

func mapLedgerEntry(row LedgerEntry) (tokenledger.Entry, error) {
	kind, err := tokenledger.ParseEntryKind(row.Kind)
	if err != nil {
		return tokenledger.Entry{}, err
	}
	referenceID := ""
	if row.ReferenceID != nil {
		referenceID = *row.ReferenceID
	}
	return tokenledger.Entry{
		EntryID:          row.EntryID,
		UserID:           row.UserID,
		Kind:             kind,
		Amount:           row.Amount,
		IdempotencyKey:   row.IdempotencyKey,
		ReasonCode:       row.ReasonCode,
		ReferenceID:      referenceID,
		ExpiresAtUnixUTC: timeOrZero(row.ExpiresAt),
		RemainingAmount:  row.RemainingAmount,
		MetadataJSON:     string(row.Metadata),
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEntryIdempotencyKey
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
