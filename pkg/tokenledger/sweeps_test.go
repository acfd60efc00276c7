package tokenledger

import (
	"context"
	"testing"
)

func TestExpireBatchesZeroesExpiredGrants(test *testing.T) {
	test.Parallel()
	store := newMemStore(test)
	now := int64(10 * secondsPerDay)
	service := mustNewService(test, store, fixedClock(now))

	// Backdated grants: one already expired, one still open.
	grantTokens(test, service, testUserID, 10, EntryGrant, "expired-batch", now-secondsPerDay)
	grantTokens(test, service, testUserID, 30, EntryPurchase, "open-batch", now+secondsPerDay)

	report, err := service.ExpireBatches(context.Background())
	if err != nil {
		test.Fatalf("expiry sweep failed: %v", err)
	}
	if report.ExpiredBatches != 1 || report.TokensRemoved != 10 {
		test.Fatalf("unexpected report %+v", report)
	}
	if store.accounts[testUserID] != 30 {
		test.Fatalf("expected balance 30 after expiry, got %d", store.accounts[testUserID])
	}
	expired := store.entryByKey(test, "expired-batch")
	if *expired.RemainingAmount != 0 {
		test.Fatalf("expired batch must be zeroed, remaining %d", *expired.RemainingAmount)
	}
	open := store.entryByKey(test, "open-batch")
	if *open.RemainingAmount != 30 {
		test.Fatalf("open batch must stay untouched, remaining %d", *open.RemainingAmount)
	}
}

func TestExpireBatchesWritesOneConsumeRowPerUser(test *testing.T) {
	test.Parallel()
	store := newMemStore(test)
	now := int64(10 * secondsPerDay)
	service := mustNewService(test, store, fixedClock(now))

	grantTokens(test, service, testUserID, 10, EntryGrant, "batch-1", now-secondsPerDay)
	grantTokens(test, service, testUserID, 5, EntryGrant, "batch-2", now-2*secondsPerDay)

	if _, err := service.ExpireBatches(context.Background()); err != nil {
		test.Fatalf("expiry sweep failed: %v", err)
	}

	var consumeRows int
	for _, entry := range store.entries {
		if entry.Kind == EntryConsume {
			consumeRows++
			if entry.Amount != -15 {
				test.Fatalf("expected one consume row for -15, got %d", entry.Amount)
			}
		}
	}
	if consumeRows != 1 {
		test.Fatalf("expected 1 consume row, got %d", consumeRows)
	}
	if store.accounts[testUserID] != 0 {
		test.Fatalf("expected zero balance after expiry, got %d", store.accounts[testUserID])
	}
}

func TestExpireBatchesRunsTwiceWithoutDoubleRemoval(test *testing.T) {
	test.Parallel()
	store := newMemStore(test)
	now := int64(10 * secondsPerDay)
	service := mustNewService(test, store, fixedClock(now))

	grantTokens(test, service, testUserID, 10, EntryGrant, "batch-1", now-secondsPerDay)

	first, err := service.ExpireBatches(context.Background())
	if err != nil {
		test.Fatalf("first sweep failed: %v", err)
	}
	if first.TokensRemoved != 10 {
		test.Fatalf("first sweep must remove 10 tokens, got %d", first.TokensRemoved)
	}

	second, err := service.ExpireBatches(context.Background())
	if err != nil {
		test.Fatalf("second sweep failed: %v", err)
	}
	if second.ExpiredBatches != 0 || second.TokensRemoved != 0 {
		test.Fatalf("second sweep must be a no-op, got %+v", second)
	}
	if store.accounts[testUserID] != 0 {
		test.Fatalf("expected balance 0, got %d", store.accounts[testUserID])
	}
}

func TestReconcileDriftRepairsCacheFromLedger(test *testing.T) {
	test.Parallel()
	store := newMemStore(test)
	service := mustNewService(test, store, fixedClock(1000))
	grantTokens(test, service, testUserID, 20, EntryGrant, "grant-1", 0)

	// Corrupt the cache behind the service's back.
	store.accounts[testUserID] = 99

	report, err := service.ReconcileDrift(context.Background(), true)
	if err != nil {
		test.Fatalf("drift reconciliation failed: %v", err)
	}
	if report.Drifted != 1 || report.Repaired != 1 {
		test.Fatalf("unexpected report %+v", report)
	}
	if len(report.Details) != 1 || report.Details[0].Delta() != 79 {
		test.Fatalf("unexpected drift details %+v", report.Details)
	}
	if store.accounts[testUserID] != 20 {
		test.Fatalf("cache must be overwritten with the ledger sum, got %d", store.accounts[testUserID])
	}
}

func TestReconcileDriftReportOnlyLeavesCacheAlone(test *testing.T) {
	test.Parallel()
	store := newMemStore(test)
	service := mustNewService(test, store, fixedClock(1000))
	grantTokens(test, service, testUserID, 20, EntryGrant, "grant-1", 0)
	store.accounts[testUserID] = 99

	report, err := service.ReconcileDrift(context.Background(), false)
	if err != nil {
		test.Fatalf("drift reconciliation failed: %v", err)
	}
	if report.Drifted != 1 || report.Repaired != 0 {
		test.Fatalf("unexpected report %+v", report)
	}
	if store.accounts[testUserID] != 99 {
		test.Fatalf("report-only mode must not repair, got %d", store.accounts[testUserID])
	}
}

func TestReconcileDriftSeedsPreLedgerBalances(test *testing.T) {
	test.Parallel()
	store := newMemStore(test)
	service := mustNewService(test, store, fixedClock(1000))

	// An account with a balance but no ledger history.
	store.accounts["legacy-user"] = 40

	report, err := service.ReconcileDrift(context.Background(), true)
	if err != nil {
		test.Fatalf("drift reconciliation failed: %v", err)
	}
	if report.Seeded != 1 {
		test.Fatalf("expected 1 seeded account, got %+v", report)
	}
	seed := store.entryByKey(test, "seed:legacy-user")
	if seed.Kind != EntryAdjustment || seed.Amount != 40 {
		test.Fatalf("unexpected seed entry %+v", seed)
	}
	if store.accounts["legacy-user"] != 40 {
		test.Fatalf("seeding must not change the cache, got %d", store.accounts["legacy-user"])
	}

	// A second run finds nothing to seed.
	again, err := service.ReconcileDrift(context.Background(), true)
	if err != nil {
		test.Fatalf("second reconciliation failed: %v", err)
	}
	if again.Seeded != 0 || again.Drifted != 0 {
		test.Fatalf("second run must be a no-op, got %+v", again)
	}
}
