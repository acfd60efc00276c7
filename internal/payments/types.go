package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Domain-level error values returned by the payment service.
var (
	ErrUnknownPackage       = errors.New("unknown credit package")
	ErrAttemptNotFound      = errors.New("payment attempt not found")
	ErrAttemptNotRefundable = errors.New("payment attempt not refundable")
	ErrGatewayCallFailed    = errors.New("gateway call failed")
	ErrInvalidServiceConfig = errors.New("invalid payment service config")
)

// Status defines the payment attempt lifecycle. PENDING rows either reach
// COMPLETED through a verified gateway notification or FAILED through an
// expiry notification or the stale sweep; COMPLETED rows may later move to
// REFUNDED by an administrative refund.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// String returns the stored status label.
func (status Status) String() string {
	return string(status)
}

// ParseStatus validates a raw status label.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded:
		return status, nil
	}
	return "", fmt.Errorf("invalid payment status %q", raw)
}

// Attempt is one locally tracked external checkout.
type Attempt struct {
	AttemptID        string
	UserID           string
	GatewaySessionID string
	PackageID        string
	Credits          int64
	AmountMinor      int64
	Currency         string
	Status           Status
	CreatedUnixUTC   int64
}

// Package is one purchasable credit bundle.
type Package struct {
	PackageID   string
	Name        string
	Credits     int64
	AmountMinor int64
	Currency    string
}

// Catalog returns the purchasable packages keyed by id.
func Catalog() map[string]Package {
	return map[string]Package{
		"starter":  {PackageID: "starter", Name: "Starter", Credits: 50, AmountMinor: 49900, Currency: "try"},
		"standard": {PackageID: "standard", Name: "Standard", Credits: 120, AmountMinor: 99900, Currency: "try"},
		"pro":      {PackageID: "pro", Name: "Pro", Credits: 300, AmountMinor: 199900, Currency: "try"},
	}
}

// Store is the persistence contract for payment attempts. Every mutation
// is an atomic conditional statement so the service never needs to hold a
// cross-call transaction open around gateway I/O.
type Store interface {
	CreateAttempt(ctx context.Context, attempt Attempt) (Attempt, error)
	AttachGatewaySession(ctx context.Context, attemptID string, sessionID string) error
	GetAttempt(ctx context.Context, attemptID string) (Attempt, bool, error)
	GetAttemptBySession(ctx context.Context, sessionID string) (Attempt, bool, error)
	FindRecentPending(ctx context.Context, userID string, sinceUnixUTC int64) (Attempt, bool, error)
	TransitionStatus(ctx context.Context, attemptID string, from Status, to Status) (bool, error)
	ListStalePending(ctx context.Context, olderThanUnixUTC int64, limit int) ([]Attempt, error)
}

// CheckoutParams carries everything the gateway needs to open a session.
type CheckoutParams struct {
	UserID         string
	AttemptID      string
	PackageID      string
	ProductName    string
	Credits        int64
	AmountMinor    int64
	Currency       string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// CheckoutSession is the gateway's answer to a session creation.
type CheckoutSession struct {
	SessionID   string
	RedirectURL string
}

// SessionState is the gateway-side view of an existing session.
type SessionState struct {
	SessionID string
	Paid      bool
	Open      bool
	URL       string
}

// Gateway is the outbound contract toward the external payment provider.
// Calls happen outside local durable writes, never interleaved with them.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error)
	GetSession(ctx context.Context, sessionID string) (SessionState, error)
	CreateRefund(ctx context.Context, sessionID string, idempotencyKey string) error
}
