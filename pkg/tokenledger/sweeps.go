package tokenledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ExpiryReport summarizes one expiry sweep run.
type ExpiryReport struct {
	ExpiredBatches int
	TokensRemoved  int64
	Errors         int
}

// DriftReport summarizes one drift reconciliation run.
type DriftReport struct {
	Drifted  int
	Repaired int
	Seeded   int
	Errors   int
	Details  []DriftRecord
}

// ExpireBatches zeroes expired grant batches and writes one CONSUME row per
// affected user. Bounded per run; idempotent because a zeroed batch is
// never selected again and the per-user row key is derived from the batch
// ids being expired. Safe to invoke concurrently with itself.
func (service *Service) ExpireBatches(ctx context.Context) (ExpiryReport, error) {
	var report ExpiryReport
	for round := 0; round < expirySweepMaxBatches; round++ {
		batches, err := service.store.ListExpiredBatches(ctx, service.nowFn(), expirySweepBatchSize)
		if err != nil {
			return report, err
		}
		if len(batches) == 0 {
			break
		}
		for _, userID := range uniqueUserIDs(batches) {
			expired, removed, err := service.expireUserBatches(ctx, userID)
			if err != nil {
				report.Errors++
				service.logOperation(ctx, OperationLog{
					Operation: operationExpiry,
					UserID:    UserID{value: userID},
					Error:     err,
				})
				continue
			}
			report.ExpiredBatches += expired
			report.TokensRemoved += removed
		}
		if len(batches) < expirySweepBatchSize {
			break
		}
	}
	status := operationStatusOK
	if report.Errors > 0 {
		status = operationStatusError
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationExpiry,
		Amount:    report.TokensRemoved,
		Status:    status,
	})
	return report, nil
}

func (service *Service) expireUserBatches(ctx context.Context, rawUserID string) (int, int64, error) {
	var expired int
	var removed int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetAccountForUpdate(ctx, rawUserID); err != nil {
			return err
		}
		// Re-select under the account lock: a concurrent sweep or spend may
		// have drained these batches since the outer listing.
		batches, err := transactionStore.ListExpiredBatchesForUser(ctx, rawUserID, service.nowFn())
		if err != nil {
			return err
		}
		if len(batches) == 0 {
			return nil
		}
		var total int64
		batchIDs := make([]string, 0, len(batches))
		for _, batch := range batches {
			if err := transactionStore.ConsumeFromBatch(ctx, batch.EntryID, batch.RemainingAmount); err != nil {
				return err
			}
			total += batch.RemainingAmount
			batchIDs = append(batchIDs, batch.EntryID)
		}
		sort.Strings(batchIDs)
		userID, err := NewUserID(rawUserID)
		if err != nil {
			return err
		}
		idempotencyKey, err := NewIdempotencyKey(strings.Join([]string{idempotencyPrefixExpiry, rawUserID, strings.Join(batchIDs, ",")}, idempotencyKeyDelimiter))
		if err != nil {
			return err
		}
		reason, err := NewReasonCode(fmt.Sprintf("Token expiry (%d batches)", len(batches)))
		if err != nil {
			return err
		}
		metadata, err := NewMetadataJSON("")
		if err != nil {
			return err
		}
		entry, err := NewEntryInput(userID, EntryConsume, -total, idempotencyKey, reason, "", 0, nil, metadata, service.nowFn())
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if _, err := transactionStore.AdjustCachedBalance(ctx, rawUserID, -total); err != nil {
			return err
		}
		expired = len(batches)
		removed = total
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		// A concurrent sweep expired the same batch set first.
		return 0, 0, nil
	}
	return expired, removed, operationError
}

// ReconcileDrift compares the cached balance against the ledger sum for
// every account and reports divergence. In auto-repair mode the cache is
// overwritten with the ledger sum; the ledger is always the source of
// truth. It also seeds one ADJUSTMENT row for accounts that carry a
// nonzero cache with no ledger history, so that every balance is explained
// by ledger rows going forward. Finding anything here means some code path
// wrote to the cache without going through Grant or Spend.
func (service *Service) ReconcileDrift(ctx context.Context, autoRepair bool) (DriftReport, error) {
	var report DriftReport
	// Seeding runs first: once the explaining ADJUSTMENT row exists the
	// account no longer reads as drifted, so repair cannot zero a
	// pre-ledger balance.
	unseeded, err := service.store.ListUnseededAccounts(ctx, driftSweepBatchSize)
	if err != nil {
		return report, err
	}
	for _, account := range unseeded {
		service.logOperation(ctx, OperationLog{
			Operation: operationDrift,
			UserID:    UserID{value: account.UserID},
			Amount:    account.CachedBalance,
			Status:    "unseeded_account",
		})
		if !autoRepair {
			continue
		}
		if err := service.seedAccount(ctx, account); err != nil {
			report.Errors++
			continue
		}
		report.Seeded++
	}
	drifted, err := service.store.ListDriftedAccounts(ctx, driftSweepBatchSize)
	if err != nil {
		return report, err
	}
	report.Drifted = len(drifted)
	report.Details = drifted
	for _, record := range drifted {
		service.logOperation(ctx, OperationLog{
			Operation: operationDrift,
			UserID:    UserID{value: record.UserID},
			Amount:    record.Delta(),
			Status:    "drift_detected",
		})
		if !autoRepair {
			continue
		}
		if err := service.repairAccount(ctx, record.UserID); err != nil {
			report.Errors++
			service.logOperation(ctx, OperationLog{
				Operation: operationDrift,
				UserID:    UserID{value: record.UserID},
				Error:     err,
			})
			continue
		}
		report.Repaired++
		service.logOperation(ctx, OperationLog{
			Operation: operationDrift,
			UserID:    UserID{value: record.UserID},
			Amount:    record.Delta(),
			Status:    "drift_repaired",
		})
	}
	return report, nil
}

// repairAccount recomputes the ledger sum under the account lock and
// overwrites the cache with it.
func (service *Service) repairAccount(ctx context.Context, rawUserID string) error {
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetAccountForUpdate(ctx, rawUserID); err != nil {
			return err
		}
		ledgerSum, err := transactionStore.SumEntryAmounts(ctx, rawUserID)
		if err != nil {
			return err
		}
		return transactionStore.SetCachedBalance(ctx, rawUserID, ledgerSum)
	})
}

// seedAccount writes the ADJUSTMENT row that explains a pre-ledger balance.
// The cache is left alone: it already holds the value the row records.
func (service *Service) seedAccount(ctx context.Context, account Account) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.GetAccountForUpdate(ctx, account.UserID)
		if err != nil {
			return err
		}
		if locked.CachedBalance == 0 {
			return nil
		}
		userID, err := NewUserID(account.UserID)
		if err != nil {
			return err
		}
		idempotencyKey, err := NewIdempotencyKey(idempotencyPrefixSeed + idempotencyKeyDelimiter + account.UserID)
		if err != nil {
			return err
		}
		reason, err := NewReasonCode("INITIAL_BALANCE")
		if err != nil {
			return err
		}
		metadata, err := NewMetadataJSON("")
		if err != nil {
			return err
		}
		entry, err := NewEntryInput(userID, EntryAdjustment, locked.CachedBalance, idempotencyKey, reason, "", 0, nil, metadata, service.nowFn())
		if err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, entry)
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		return nil
	}
	return operationError
}

func uniqueUserIDs(batches []Batch) []string {
	seen := make(map[string]struct{}, len(batches))
	ordered := make([]string, 0, len(batches))
	for _, batch := range batches {
		if _, duplicate := seen[batch.UserID]; duplicate {
			continue
		}
		seen[batch.UserID] = struct{}{}
		ordered = append(ordered, batch.UserID)
	}
	return ordered
}
