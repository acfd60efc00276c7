package tokenledger

import (
	"context"
	"fmt"
	"sort"
	"testing"
)

// memStore is an in-memory Store used by the service tests. WithTx is a
// pass-through; atomicity is the real store's concern.
type memStore struct {
	accounts map[string]int64
	entries  []*EntryInput
	keys     map[string]struct{}
	entryIDs map[*EntryInput]string
	nextID   int

	getAccountError  error
	insertEntryError error
	consumeError     error
}

func newMemStore(test *testing.T) *memStore {
	test.Helper()
	return &memStore{
		accounts: make(map[string]int64),
		keys:     make(map[string]struct{}),
		entryIDs: make(map[*EntryInput]string),
	}
}

func (store *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *memStore) GetOrCreateAccount(_ context.Context, userID string) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	if _, found := store.accounts[userID]; !found {
		store.accounts[userID] = 0
	}
	return Account{UserID: userID, CachedBalance: store.accounts[userID]}, nil
}

func (store *memStore) GetAccount(_ context.Context, userID string) (Account, bool, error) {
	if store.getAccountError != nil {
		return Account{}, false, store.getAccountError
	}
	balance, found := store.accounts[userID]
	if !found {
		return Account{}, false, nil
	}
	return Account{UserID: userID, CachedBalance: balance}, true, nil
}

func (store *memStore) GetAccountForUpdate(_ context.Context, userID string) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	balance, found := store.accounts[userID]
	if !found {
		return Account{}, ErrUserNotFound
	}
	return Account{UserID: userID, CachedBalance: balance}, nil
}

func (store *memStore) AdjustCachedBalance(_ context.Context, userID string, delta int64) (int64, error) {
	if _, found := store.accounts[userID]; !found {
		return 0, ErrUserNotFound
	}
	store.accounts[userID] += delta
	return store.accounts[userID], nil
}

func (store *memStore) SetCachedBalance(_ context.Context, userID string, value int64) error {
	if _, found := store.accounts[userID]; !found {
		return ErrUserNotFound
	}
	store.accounts[userID] = value
	return nil
}

func (store *memStore) InsertEntry(_ context.Context, entry EntryInput) error {
	if store.insertEntryError != nil {
		return store.insertEntryError
	}
	if _, duplicate := store.keys[entry.IdempotencyKey]; duplicate {
		return ErrDuplicateIdempotencyKey
	}
	store.keys[entry.IdempotencyKey] = struct{}{}
	stored := entry
	store.nextID++
	store.entries = append(store.entries, &stored)
	store.entryIDs[&stored] = fmt.Sprintf("entry-%03d", store.nextID)
	return nil
}

func (store *memStore) HasEntryForKey(_ context.Context, idempotencyKey string) (bool, error) {
	_, found := store.keys[idempotencyKey]
	return found, nil
}

func (store *memStore) ListOpenBatches(_ context.Context, userID string, atUnixUTC int64) ([]Batch, error) {
	var batches []Batch
	for _, entry := range store.entries {
		if entry.UserID != userID || entry.RemainingAmount == nil || *entry.RemainingAmount <= 0 || entry.Amount <= 0 {
			continue
		}
		if entry.ExpiresAtUnixUTC != 0 && entry.ExpiresAtUnixUTC <= atUnixUTC {
			continue
		}
		batches = append(batches, store.toBatch(entry))
	}
	sort.SliceStable(batches, func(left, right int) bool {
		if batches[left].ExpiresAtUnixUTC == 0 {
			return false
		}
		if batches[right].ExpiresAtUnixUTC == 0 {
			return true
		}
		return batches[left].ExpiresAtUnixUTC < batches[right].ExpiresAtUnixUTC
	})
	return batches, nil
}

func (store *memStore) ConsumeFromBatch(_ context.Context, entryID string, amount int64) error {
	if store.consumeError != nil {
		return store.consumeError
	}
	for entry, id := range store.entryIDs {
		if id != entryID {
			continue
		}
		if entry.RemainingAmount == nil || *entry.RemainingAmount < amount {
			return ErrInvalidBatchState
		}
		*entry.RemainingAmount -= amount
		return nil
	}
	return ErrInvalidBatchState
}

func (store *memStore) ListExpiredBatches(_ context.Context, atUnixUTC int64, limit int) ([]Batch, error) {
	var batches []Batch
	for _, entry := range store.entries {
		if entry.RemainingAmount == nil || *entry.RemainingAmount <= 0 || entry.Amount <= 0 {
			continue
		}
		if entry.ExpiresAtUnixUTC == 0 || entry.ExpiresAtUnixUTC >= atUnixUTC {
			continue
		}
		batches = append(batches, store.toBatch(entry))
		if len(batches) == limit {
			break
		}
	}
	return batches, nil
}

func (store *memStore) ListExpiredBatchesForUser(ctx context.Context, userID string, atUnixUTC int64) ([]Batch, error) {
	all, err := store.ListExpiredBatches(ctx, atUnixUTC, len(store.entries))
	if err != nil {
		return nil, err
	}
	var batches []Batch
	for _, batch := range all {
		if batch.UserID == userID {
			batches = append(batches, batch)
		}
	}
	return batches, nil
}

func (store *memStore) SumEntryAmounts(_ context.Context, userID string) (int64, error) {
	var sum int64
	for _, entry := range store.entries {
		if entry.UserID == userID {
			sum += entry.Amount
		}
	}
	return sum, nil
}

func (store *memStore) ListDriftedAccounts(ctx context.Context, limit int) ([]DriftRecord, error) {
	userIDs := make([]string, 0, len(store.accounts))
	for userID := range store.accounts {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)
	var records []DriftRecord
	for _, userID := range userIDs {
		sum, err := store.SumEntryAmounts(ctx, userID)
		if err != nil {
			return nil, err
		}
		if store.accounts[userID] != sum {
			records = append(records, DriftRecord{UserID: userID, CachedBalance: store.accounts[userID], LedgerBalance: sum})
			if len(records) == limit {
				break
			}
		}
	}
	return records, nil
}

func (store *memStore) ListUnseededAccounts(ctx context.Context, limit int) ([]Account, error) {
	userIDs := make([]string, 0, len(store.accounts))
	for userID := range store.accounts {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)
	var accounts []Account
	for _, userID := range userIDs {
		if store.accounts[userID] == 0 {
			continue
		}
		hasEntries := false
		for _, entry := range store.entries {
			if entry.UserID == userID {
				hasEntries = true
				break
			}
		}
		if !hasEntries {
			accounts = append(accounts, Account{UserID: userID, CachedBalance: store.accounts[userID]})
			if len(accounts) == limit {
				break
			}
		}
	}
	return accounts, nil
}

func (store *memStore) ListEntries(_ context.Context, userID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	var entries []Entry
	for _, entry := range store.entries {
		if entry.UserID != userID {
			continue
		}
		if beforeUnixUTC != 0 && entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		entries = append(entries, Entry{
			EntryID:          store.entryIDs[entry],
			UserID:           entry.UserID,
			Kind:             entry.Kind,
			Amount:           entry.Amount,
			IdempotencyKey:   entry.IdempotencyKey,
			ReasonCode:       entry.ReasonCode,
			ReferenceID:      entry.ReferenceID,
			ExpiresAtUnixUTC: entry.ExpiresAtUnixUTC,
			RemainingAmount:  entry.RemainingAmount,
			MetadataJSON:     entry.Metadata.String(),
			CreatedUnixUTC:   entry.CreatedUnixUTC,
		})
	}
	sort.SliceStable(entries, func(left, right int) bool {
		return entries[left].CreatedUnixUTC > entries[right].CreatedUnixUTC
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (store *memStore) toBatch(entry *EntryInput) Batch {
	return Batch{
		EntryID:          store.entryIDs[entry],
		UserID:           entry.UserID,
		Amount:           entry.Amount,
		RemainingAmount:  *entry.RemainingAmount,
		ExpiresAtUnixUTC: entry.ExpiresAtUnixUTC,
	}
}

func (store *memStore) entryByKey(test *testing.T, idempotencyKey string) EntryInput {
	test.Helper()
	for _, entry := range store.entries {
		if entry.IdempotencyKey == idempotencyKey {
			return *entry
		}
	}
	test.Fatalf("no entry recorded for key %q", idempotencyKey)
	return EntryInput{}
}

func mustNewService(test *testing.T, store Store, now func() int64, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, now, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q rejected: %v", raw, err)
	}
	return userID
}

func mustTokenAmount(test *testing.T, raw int64) TokenAmount {
	test.Helper()
	amount, err := NewTokenAmount(raw)
	if err != nil {
		test.Fatalf("token amount %d rejected: %v", raw, err)
	}
	return amount
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q rejected: %v", raw, err)
	}
	return key
}

func mustReasonCode(test *testing.T, raw string) ReasonCode {
	test.Helper()
	reason, err := NewReasonCode(raw)
	if err != nil {
		test.Fatalf("reason code %q rejected: %v", raw, err)
	}
	return reason
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q rejected: %v", raw, err)
	}
	return metadata
}
