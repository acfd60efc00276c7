package gormstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tripbazaar/tokenledger/internal/payments"
)

func newTestPaymentStore(test *testing.T) *PaymentStore {
	test.Helper()
	return NewPaymentStore(newTestStore(test).DB())
}

func createAttempt(test *testing.T, store *PaymentStore, user string) payments.Attempt {
	test.Helper()
	attempt, err := store.CreateAttempt(context.Background(), payments.Attempt{
		AttemptID:   uuid.NewString(),
		UserID:      user,
		PackageID:   "starter",
		Credits:     50,
		AmountMinor: 49900,
		Currency:    "try",
		Status:      payments.StatusPending,
	})
	if err != nil {
		test.Fatalf("create attempt: %v", err)
	}
	return attempt
}

func TestAttemptLifecycle(test *testing.T) {
	test.Parallel()
	store := newTestPaymentStore(test)
	ctx := context.Background()

	attempt := createAttempt(test, store, "user-1")
	if attempt.Status != payments.StatusPending {
		test.Fatalf("new attempt must be pending, got %s", attempt.Status)
	}

	if err := store.AttachGatewaySession(ctx, attempt.AttemptID, "cs_test_1"); err != nil {
		test.Fatalf("attach session: %v", err)
	}
	bySession, found, err := store.GetAttemptBySession(ctx, "cs_test_1")
	if err != nil || !found {
		test.Fatalf("get by session: %v %v", found, err)
	}
	if bySession.AttemptID != attempt.AttemptID {
		test.Fatalf("session lookup returned wrong attempt")
	}

	transitioned, err := store.TransitionStatus(ctx, attempt.AttemptID, payments.StatusPending, payments.StatusCompleted)
	if err != nil || !transitioned {
		test.Fatalf("transition: %v %v", transitioned, err)
	}
	// Guarded transition: the from-state no longer matches.
	transitioned, err = store.TransitionStatus(ctx, attempt.AttemptID, payments.StatusPending, payments.StatusFailed)
	if err != nil {
		test.Fatalf("second transition: %v", err)
	}
	if transitioned {
		test.Fatalf("transition with stale from-state must not apply")
	}
	reloaded, found, err := store.GetAttempt(ctx, attempt.AttemptID)
	if err != nil || !found {
		test.Fatalf("reload: %v %v", found, err)
	}
	if reloaded.Status != payments.StatusCompleted {
		test.Fatalf("expected COMPLETED, got %s", reloaded.Status)
	}
}

func TestFindRecentPending(test *testing.T) {
	test.Parallel()
	store := newTestPaymentStore(test)
	ctx := context.Background()
	now := time.Now().UTC().Unix()

	attempt := createAttempt(test, store, "user-1")
	recent, found, err := store.FindRecentPending(ctx, "user-1", now-600)
	if err != nil || !found {
		test.Fatalf("recent pending: %v %v", found, err)
	}
	if recent.AttemptID != attempt.AttemptID {
		test.Fatalf("unexpected attempt %q", recent.AttemptID)
	}
	// Outside the window.
	_, found, err = store.FindRecentPending(ctx, "user-1", now+600)
	if err != nil {
		test.Fatalf("recent pending future window: %v", err)
	}
	if found {
		test.Fatalf("attempt outside the window must not match")
	}
	// Other users' attempts never match.
	_, found, err = store.FindRecentPending(ctx, "user-2", now-600)
	if err != nil {
		test.Fatalf("recent pending other user: %v", err)
	}
	if found {
		test.Fatalf("other user's attempt must not match")
	}
}

func TestListStalePending(test *testing.T) {
	test.Parallel()
	store := newTestPaymentStore(test)
	ctx := context.Background()
	now := time.Now().UTC().Unix()

	stale := createAttempt(test, store, "user-1")
	createAttempt(test, store, "user-2")
	// Age the first row past the threshold.
	err := store.db.Model(&PaymentAttempt{}).
		Where("attempt_id = ?", stale.AttemptID).
		UpdateColumn("created_at", time.Unix(now-3600, 0).UTC()).Error
	if err != nil {
		test.Fatalf("age attempt: %v", err)
	}

	listed, err := store.ListStalePending(ctx, now-900, 10)
	if err != nil {
		test.Fatalf("list stale: %v", err)
	}
	if len(listed) != 1 || listed[0].AttemptID != stale.AttemptID {
		test.Fatalf("unexpected stale attempts %+v", listed)
	}
}
