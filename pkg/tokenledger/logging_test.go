package tokenledger

import (
	"context"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsGrantOperation(test *testing.T) {
	test.Parallel()
	store := newMemStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, fixedClock(1000), WithOperationLogger(logger))

	grantTokens(test, service, testUserID, 20, EntryGrant, "grant-1", 0)

	if len(logger.entries) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationGrant || entry.Status != operationStatusOK {
		test.Fatalf("unexpected log entry %+v", entry)
	}
	if entry.Amount != 20 || entry.Kind != EntryGrant {
		test.Fatalf("unexpected log payload %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newMemStore(test)
	store.getAccountError = ErrUserNotFound
	logger := &recorderLogger{}
	service := mustNewService(test, store, fixedClock(1000), WithOperationLogger(logger))

	_, err := spendTokens(test, service, testUserID, 5, "spend-1")
	if err == nil {
		test.Fatalf("expected spend to fail")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("unexpected log entry %+v", logger.entries[0])
	}
}

func TestExpirySweepSummaryReportsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newMemStore(test)
	logger := &recorderLogger{}
	now := int64(1000)
	service := mustNewService(test, store, fixedClock(now), WithOperationLogger(logger))

	grantTokens(test, service, testUserID, 10, EntryGrant, "batch-a", now-60)
	store.getAccountError = ErrUserNotFound
	logger.entries = nil

	report, err := service.ExpireBatches(context.Background())
	if err != nil {
		test.Fatalf("expire: %v", err)
	}
	if report.Errors != 1 {
		test.Fatalf("expected 1 error in the report, got %d", report.Errors)
	}
	summary := logger.entries[len(logger.entries)-1]
	if summary.Operation != operationExpiry || summary.Status != operationStatusError {
		test.Fatalf("summary must carry the error status, got %+v", summary)
	}
}

func TestSpendLogsBatchShortfall(test *testing.T) {
	test.Parallel()
	store := newMemStore(test)
	logger := &recorderLogger{}
	now := int64(1000)
	service := mustNewService(test, store, fixedClock(now), WithOperationLogger(logger))

	grantTokens(test, service, testUserID, 10, EntryGrant, "batch-a", now+secondsPerDay)
	grantTokens(test, service, testUserID, 10, EntryRefund, "no-batch", 0)
	logger.entries = nil

	if _, err := spendTokens(test, service, testUserID, 15, "spend-1"); err != nil {
		test.Fatalf("spend failed: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].BatchShortfall != 5 {
		test.Fatalf("expected shortfall 5 in the log, got %d", logger.entries[0].BatchShortfall)
	}
}
