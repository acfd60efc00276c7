package tokenledger

import (
	"errors"
	"testing"
)

func TestNewUserIDRejectsBlankValues(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"", "   ", "\t"} {
		if _, err := NewUserID(raw); !errors.Is(err, ErrInvalidUserID) {
			test.Fatalf("user id %q: expected ErrInvalidUserID, got %v", raw, err)
		}
	}
}

func TestNewUserIDTrimsWhitespace(test *testing.T) {
	test.Parallel()
	userID, err := NewUserID("  user-1  ")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if userID.String() != "user-1" {
		test.Fatalf("expected trimmed value, got %q", userID.String())
	}
}

func TestNewTokenAmountRejectsNonPositiveValues(test *testing.T) {
	test.Parallel()
	for _, raw := range []int64{0, -1, -100} {
		if _, err := NewTokenAmount(raw); !errors.Is(err, ErrInvalidTokenAmount) {
			test.Fatalf("amount %d: expected ErrInvalidTokenAmount, got %v", raw, err)
		}
	}
}

func TestNewMetadataJSONDefaultsAndValidates(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("empty metadata must default: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected {} default, got %q", metadata.String())
	}
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestParseEntryKindNormalizesCase(test *testing.T) {
	test.Parallel()
	kind, err := ParseEntryKind(" consume ")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if kind != EntryConsume {
		test.Fatalf("expected CONSUME, got %q", kind)
	}
	if _, err := ParseEntryKind("LOAN"); !errors.Is(err, ErrInvalidEntryKind) {
		test.Fatalf("expected ErrInvalidEntryKind, got %v", err)
	}
}

func TestNewEntryInputEnforcesSignPerKind(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, testUserID)
	key := mustIdempotencyKey(test, "key-1")
	reason := mustReasonCode(test, "TEST")
	metadata := mustMetadata(test, "{}")

	testCases := []struct {
		name    string
		kind    EntryKind
		amount  int64
		wantErr error
	}{
		{name: "grant must be positive", kind: EntryGrant, amount: -5, wantErr: ErrInvalidEntryAmount},
		{name: "purchase must be positive", kind: EntryPurchase, amount: -5, wantErr: ErrInvalidEntryAmount},
		{name: "consume must be negative", kind: EntryConsume, amount: 5, wantErr: ErrInvalidEntryAmount},
		{name: "zero is never valid", kind: EntryAdjustment, amount: 0, wantErr: ErrInvalidEntryAmount},
		{name: "negative adjustment is valid", kind: EntryAdjustment, amount: -5},
		{name: "positive refund is valid", kind: EntryRefund, amount: 5},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := NewEntryInput(userID, testCase.kind, testCase.amount, key, reason, "", 0, nil, metadata, 1000)
			if testCase.wantErr == nil {
				if err != nil {
					test.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestNewEntryInputBoundsRemainingAmount(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, testUserID)
	key := mustIdempotencyKey(test, "key-1")
	reason := mustReasonCode(test, "TEST")
	metadata := mustMetadata(test, "{}")

	tooLarge := int64(11)
	if _, err := NewEntryInput(userID, EntryGrant, 10, key, reason, "", 2000, &tooLarge, metadata, 1000); !errors.Is(err, ErrInvalidBatchState) {
		test.Fatalf("expected ErrInvalidBatchState, got %v", err)
	}
	negative := int64(-1)
	if _, err := NewEntryInput(userID, EntryGrant, 10, key, reason, "", 2000, &negative, metadata, 1000); !errors.Is(err, ErrInvalidBatchState) {
		test.Fatalf("expected ErrInvalidBatchState, got %v", err)
	}
}

func TestOperationErrorCarriesSegmentsAndUnwraps(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("store", "entry", "insert", ErrUserNotFound)
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "store" || operationError.Subject() != "entry" || operationError.Code() != "insert" {
		test.Fatalf("unexpected segments %q %q %q", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	if !errors.Is(wrapped, ErrUserNotFound) {
		test.Fatalf("wrapped error must unwrap to the sentinel")
	}
	if WrapError("store", "entry", "insert", nil) != nil {
		test.Fatalf("wrapping nil must stay nil")
	}
}
