package tokenledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store. It is the only code path
// allowed to append ledger rows or touch the cached balance.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GrantResult reports the balance after a grant.
type GrantResult struct {
	NewBalance       int64
	AlreadyProcessed bool
}

// SpendResult reports the balance after a spend. BatchShortfall is the
// portion of the debit that no expiring batch could account for; it is
// nonzero whenever the spend was covered by never-expiring grants or by
// drifted batch bookkeeping.
type SpendResult struct {
	NewBalance       int64
	AlreadyProcessed bool
	BatchShortfall   int64
}

// AdjustResult reports the balance after a signed adjustment.
type AdjustResult struct {
	NewBalance       int64
	AlreadyProcessed bool
}

// Grant credits a user inside one atomic unit: ledger row plus cache
// increment. A replayed idempotency key returns the current balance with
// AlreadyProcessed set and leaves the cache untouched.
func (service *Service) Grant(ctx context.Context, userID UserID, amount TokenAmount, kind EntryKind, reason ReasonCode, idempotencyKey IdempotencyKey, referenceID string, expiresAtUnixUTC int64, metadata MetadataJSON) (GrantResult, error) {
	var result GrantResult
	switch kind {
	case EntryGrant, EntryPurchase, EntryRefund:
	default:
		return result, fmt.Errorf("%w: %q is not grantable", ErrInvalidEntryKind, kind)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, userID.String())
		if err != nil {
			return err
		}
		alreadyProcessed, err := transactionStore.HasEntryForKey(ctx, idempotencyKey.String())
		if err != nil {
			return err
		}
		if alreadyProcessed {
			result = GrantResult{NewBalance: account.CachedBalance, AlreadyProcessed: true}
			return nil
		}
		var remaining *int64
		if expiresAtUnixUTC != 0 {
			value := amount.Int64()
			remaining = &value
		}
		entry, err := NewEntryInput(userID, kind, amount.Int64(), idempotencyKey, reason, referenceID, expiresAtUnixUTC, remaining, metadata, service.nowFn())
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		newBalance, err := transactionStore.AdjustCachedBalance(ctx, userID.String(), amount.Int64())
		if err != nil {
			return err
		}
		result = GrantResult{NewBalance: newBalance}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		// Lost the insert race to a concurrent delivery of the same key.
		replay, err := service.replayedBalance(ctx, userID)
		if err == nil {
			result = GrantResult{NewBalance: replay, AlreadyProcessed: true}
			operationError = nil
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		UserID:         userID,
		Kind:           kind,
		Amount:         amount.Int64(),
		IdempotencyKey: idempotencyKey,
		ReferenceID:    referenceID,
		Error:          operationError,
	})
	return result, operationError
}

// Spend debits a user atomically: the sufficiency check, FIFO batch
// consumption, CONSUME row, and cache decrement commit as one unit. A
// balance below the requested amount fails with ErrInsufficientBalance and
// writes nothing; the returned result still carries the current balance.
func (service *Service) Spend(ctx context.Context, userID UserID, amount TokenAmount, action Action, reason ReasonCode, idempotencyKey IdempotencyKey, referenceID string, metadata MetadataJSON) (SpendResult, error) {
	var result SpendResult
	spendReason, err := NewReasonCode(fmt.Sprintf("%s: %s", action, reason))
	if err != nil {
		return result, err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, userID.String())
		if err != nil {
			return err
		}
		alreadyProcessed, err := transactionStore.HasEntryForKey(ctx, idempotencyKey.String())
		if err != nil {
			return err
		}
		if alreadyProcessed {
			result = SpendResult{NewBalance: account.CachedBalance, AlreadyProcessed: true}
			return nil
		}
		if account.CachedBalance < amount.Int64() {
			result = SpendResult{NewBalance: account.CachedBalance}
			return ErrInsufficientBalance
		}
		shortfall, err := service.consumeBatches(ctx, transactionStore, userID.String(), amount.Int64())
		if err != nil {
			return err
		}
		entry, err := NewEntryInput(userID, EntryConsume, -amount.Int64(), idempotencyKey, spendReason, referenceID, 0, nil, metadata, service.nowFn())
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		newBalance, err := transactionStore.AdjustCachedBalance(ctx, userID.String(), -amount.Int64())
		if err != nil {
			return err
		}
		result = SpendResult{NewBalance: newBalance, BatchShortfall: shortfall}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		replay, err := service.replayedBalance(ctx, userID)
		if err == nil {
			result = SpendResult{NewBalance: replay, AlreadyProcessed: true}
			operationError = nil
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationSpend,
		UserID:         userID,
		Kind:           EntryConsume,
		Amount:         amount.Int64(),
		IdempotencyKey: idempotencyKey,
		ReferenceID:    referenceID,
		BatchShortfall: result.BatchShortfall,
		Error:          operationError,
	})
	return result, operationError
}

// Adjust applies a signed correction with no sufficiency check. It backs
// administrative claw-backs; routine credits and debits go through Grant
// and Spend.
func (service *Service) Adjust(ctx context.Context, userID UserID, signedAmount int64, reason ReasonCode, idempotencyKey IdempotencyKey, referenceID string, metadata MetadataJSON) (AdjustResult, error) {
	var result AdjustResult
	if signedAmount == 0 {
		return result, fmt.Errorf("%w: must be nonzero", ErrInvalidEntryAmount)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, userID.String())
		if err != nil {
			return err
		}
		alreadyProcessed, err := transactionStore.HasEntryForKey(ctx, idempotencyKey.String())
		if err != nil {
			return err
		}
		if alreadyProcessed {
			result = AdjustResult{NewBalance: account.CachedBalance, AlreadyProcessed: true}
			return nil
		}
		entry, err := NewEntryInput(userID, EntryAdjustment, signedAmount, idempotencyKey, reason, referenceID, 0, nil, metadata, service.nowFn())
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		newBalance, err := transactionStore.AdjustCachedBalance(ctx, userID.String(), signedAmount)
		if err != nil {
			return err
		}
		result = AdjustResult{NewBalance: newBalance}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		replay, err := service.replayedBalance(ctx, userID)
		if err == nil {
			result = AdjustResult{NewBalance: replay, AlreadyProcessed: true}
			operationError = nil
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationAdjust,
		UserID:         userID,
		Kind:           EntryAdjustment,
		Amount:         signedAmount,
		IdempotencyKey: idempotencyKey,
		ReferenceID:    referenceID,
		Error:          operationError,
	})
	return result, operationError
}

// Balance returns the cached balance. Unknown users read as zero; a
// read never creates an account.
func (service *Service) Balance(ctx context.Context, userID UserID) (int64, error) {
	account, found, err := service.store.GetAccount(ctx, userID.String())
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return account.CachedBalance, nil
}

// ListEntries lists ledger entries for a user before a cutoff time.
func (service *Service) ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, userID.String(), beforeUnixUTC, limit)
}

// consumeBatches drains open expiring batches oldest-expiry-first and
// returns the portion no batch accounted for.
func (service *Service) consumeBatches(ctx context.Context, transactionStore Store, userID string, amount int64) (int64, error) {
	batches, err := transactionStore.ListOpenBatches(ctx, userID, service.nowFn())
	if err != nil {
		return 0, err
	}
	remainingToConsume := amount
	for _, batch := range batches {
		if remainingToConsume <= 0 {
			break
		}
		consume := batch.RemainingAmount
		if consume > remainingToConsume {
			consume = remainingToConsume
		}
		if err := transactionStore.ConsumeFromBatch(ctx, batch.EntryID, consume); err != nil {
			return 0, err
		}
		remainingToConsume -= consume
	}
	return remainingToConsume, nil
}

func (service *Service) replayedBalance(ctx context.Context, userID UserID) (int64, error) {
	account, found, err := service.store.GetAccount(ctx, userID.String())
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, WrapError("service", "account", "missing", ErrUserNotFound)
	}
	return account.CachedBalance, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
