package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tripbazaar/tokenledger/pkg/tokenledger"
	"go.uber.org/zap"
)

const (
	// A user with an open checkout younger than this is sent back to it
	// instead of getting a second session.
	pendingAttemptWindow = 10 * time.Minute
	// A PENDING row older than this with no verified payment is swept to
	// FAILED; the gateway session lifetime is well under this.
	staleAttemptThreshold = 15 * time.Minute

	staleSweepBatchSize = 200

	idempotencyPrefixCheckout = "checkout"
	idempotencyPrefixSession  = "session"
	idempotencyPrefixRefund   = "refund"
	idempotencyKeyDelimiter   = ":"

	reasonPurchase = "PACKAGE_PURCHASE"
	reasonRefund   = "PURCHASE_REFUND"
)

// Ledger is the slice of the token ledger the payment service drives:
// crediting purchased tokens and clawing them back on refund.
type Ledger interface {
	Grant(ctx context.Context, userID tokenledger.UserID, amount tokenledger.TokenAmount, kind tokenledger.EntryKind, reason tokenledger.ReasonCode, idempotencyKey tokenledger.IdempotencyKey, referenceID string, expiresAtUnixUTC int64, metadata tokenledger.MetadataJSON) (tokenledger.GrantResult, error)
	Adjust(ctx context.Context, userID tokenledger.UserID, signedAmount int64, reason tokenledger.ReasonCode, idempotencyKey tokenledger.IdempotencyKey, referenceID string, metadata tokenledger.MetadataJSON) (tokenledger.AdjustResult, error)
}

// Config carries the checkout redirect targets.
type Config struct {
	SuccessURL string
	CancelURL  string
}

// Validate checks the redirect targets are set.
func (config Config) Validate() error {
	if strings.TrimSpace(config.SuccessURL) == "" {
		return fmt.Errorf("%w: success url is empty", ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(config.CancelURL) == "" {
		return fmt.Errorf("%w: cancel url is empty", ErrInvalidServiceConfig)
	}
	return nil
}

// Service coordinates checkout attempts between the local attempt table,
// the token ledger, and the external gateway. Local writes always happen
// before the matching gateway call, so every gateway object is reachable
// from a local row.
type Service struct {
	store   Store
	gateway Gateway
	ledger  Ledger
	config  Config
	nowFn   func() int64
	logger  *zap.Logger
}

// NewService wires a payment Service.
func NewService(store Store, gateway Gateway, ledger Ledger, config Config, now func() int64, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, gateway: gateway, ledger: ledger, config: config, nowFn: now, logger: logger}, nil
}

// CheckoutResult is the outcome of a checkout request.
type CheckoutResult struct {
	AttemptID   string
	SessionID   string
	RedirectURL string
	Reused      bool
}

// CreateCheckoutAttempt opens a gateway checkout for a credit package. A
// PENDING attempt row is written before the gateway is called; if the
// gateway call fails the row is marked FAILED and the failure surfaces as
// ErrGatewayCallFailed. A recent open attempt by the same user is reused
// instead of opening a second session.
func (service *Service) CreateCheckoutAttempt(ctx context.Context, userID string, packageID string) (CheckoutResult, error) {
	creditPackage, found := Catalog()[packageID]
	if !found {
		return CheckoutResult{}, fmt.Errorf("%w: %q", ErrUnknownPackage, packageID)
	}
	since := service.nowFn() - int64(pendingAttemptWindow/time.Second)
	recent, found, err := service.store.FindRecentPending(ctx, userID, since)
	if err != nil {
		return CheckoutResult{}, err
	}
	if found && recent.GatewaySessionID != "" {
		state, err := service.gateway.GetSession(ctx, recent.GatewaySessionID)
		if err == nil && state.Open {
			service.logger.Info("checkout attempt reused",
				zap.String("user_id", userID),
				zap.String("attempt_id", recent.AttemptID))
			return CheckoutResult{
				AttemptID:   recent.AttemptID,
				SessionID:   recent.GatewaySessionID,
				RedirectURL: state.URL,
				Reused:      true,
			}, nil
		}
	}
	attempt, err := service.store.CreateAttempt(ctx, Attempt{
		AttemptID:   uuid.NewString(),
		UserID:      userID,
		PackageID:   creditPackage.PackageID,
		Credits:     creditPackage.Credits,
		AmountMinor: creditPackage.AmountMinor,
		Currency:    creditPackage.Currency,
		Status:      StatusPending,
	})
	if err != nil {
		return CheckoutResult{}, err
	}
	session, err := service.gateway.CreateCheckoutSession(ctx, CheckoutParams{
		UserID:      userID,
		AttemptID:   attempt.AttemptID,
		PackageID:   creditPackage.PackageID,
		ProductName: fmt.Sprintf("%s (%d tokens)", creditPackage.Name, creditPackage.Credits),
		Credits:     creditPackage.Credits,
		AmountMinor: creditPackage.AmountMinor,
		Currency:    creditPackage.Currency,
		SuccessURL:  service.config.SuccessURL,
		CancelURL:   service.config.CancelURL,
		IdempotencyKey: strings.Join(
			[]string{idempotencyPrefixCheckout, userID, creditPackage.PackageID, attempt.AttemptID},
			idempotencyKeyDelimiter),
	})
	if err != nil {
		// No session exists, so nothing can settle this attempt later.
		// Failing it now is equivalent to leaving it PENDING for the stale
		// sweep, which fails sessionless rows the same way.
		if _, transitionErr := service.store.TransitionStatus(ctx, attempt.AttemptID, StatusPending, StatusFailed); transitionErr != nil {
			service.logger.Error("checkout attempt could not be failed",
				zap.String("attempt_id", attempt.AttemptID),
				zap.Error(transitionErr))
		}
		service.logger.Error("checkout session creation failed",
			zap.String("user_id", userID),
			zap.String("attempt_id", attempt.AttemptID),
			zap.Error(err))
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrGatewayCallFailed, err)
	}
	if err := service.store.AttachGatewaySession(ctx, attempt.AttemptID, session.SessionID); err != nil {
		return CheckoutResult{}, err
	}
	service.logger.Info("checkout attempt created",
		zap.String("user_id", userID),
		zap.String("attempt_id", attempt.AttemptID),
		zap.String("session_id", session.SessionID),
		zap.String("package_id", creditPackage.PackageID))
	return CheckoutResult{
		AttemptID:   attempt.AttemptID,
		SessionID:   session.SessionID,
		RedirectURL: session.RedirectURL,
	}, nil
}

// HandleSessionCompleted credits the purchased tokens for a paid session.
// The grant runs before the status transition and is keyed by the session
// id, so a redelivered notification or a sweep racing the webhook credits
// exactly once.
func (service *Service) HandleSessionCompleted(ctx context.Context, sessionID string) error {
	attempt, found, err := service.store.GetAttemptBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: session %q", ErrAttemptNotFound, sessionID)
	}
	if attempt.Status != StatusPending && attempt.Status != StatusCompleted {
		service.logger.Warn("completion notification for settled attempt",
			zap.String("attempt_id", attempt.AttemptID),
			zap.String("status", attempt.Status.String()))
		return nil
	}
	if err := service.creditAttempt(ctx, attempt); err != nil {
		return err
	}
	transitioned, err := service.store.TransitionStatus(ctx, attempt.AttemptID, StatusPending, StatusCompleted)
	if err != nil {
		return err
	}
	if transitioned {
		service.logger.Info("payment attempt completed",
			zap.String("attempt_id", attempt.AttemptID),
			zap.String("user_id", attempt.UserID),
			zap.Int64("credits", attempt.Credits))
	}
	return nil
}

// HandleSessionExpired marks the attempt for an abandoned session FAILED.
func (service *Service) HandleSessionExpired(ctx context.Context, sessionID string) error {
	attempt, found, err := service.store.GetAttemptBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: session %q", ErrAttemptNotFound, sessionID)
	}
	transitioned, err := service.store.TransitionStatus(ctx, attempt.AttemptID, StatusPending, StatusFailed)
	if err != nil {
		return err
	}
	if transitioned {
		service.logger.Info("payment attempt expired",
			zap.String("attempt_id", attempt.AttemptID),
			zap.String("user_id", attempt.UserID))
	}
	return nil
}

// SweepReport summarizes one stale attempt sweep run.
type SweepReport struct {
	Examined  int
	Completed int
	Failed    int
	Errors    int
}

// SweepStalePending settles PENDING attempts older than the stale
// threshold. Attempts whose gateway session turns out paid are credited
// and completed, the rest are failed. Covers crashed checkouts and lost
// webhook deliveries.
func (service *Service) SweepStalePending(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	olderThan := service.nowFn() - int64(staleAttemptThreshold/time.Second)
	stale, err := service.store.ListStalePending(ctx, olderThan, staleSweepBatchSize)
	if err != nil {
		return report, err
	}
	report.Examined = len(stale)
	for _, attempt := range stale {
		if attempt.GatewaySessionID == "" {
			// The process died between the attempt insert and the gateway
			// call. Nothing was ever charged.
			if err := service.failStaleAttempt(ctx, attempt, &report); err != nil {
				report.Errors++
			}
			continue
		}
		state, err := service.gateway.GetSession(ctx, attempt.GatewaySessionID)
		if err != nil {
			report.Errors++
			service.logger.Error("stale attempt session lookup failed",
				zap.String("attempt_id", attempt.AttemptID),
				zap.Error(err))
			continue
		}
		if state.Paid {
			if err := service.creditAttempt(ctx, attempt); err != nil {
				report.Errors++
				continue
			}
			transitioned, err := service.store.TransitionStatus(ctx, attempt.AttemptID, StatusPending, StatusCompleted)
			if err != nil {
				report.Errors++
				continue
			}
			if transitioned {
				report.Completed++
				service.logger.Info("stale attempt recovered as paid",
					zap.String("attempt_id", attempt.AttemptID),
					zap.String("user_id", attempt.UserID))
			}
			continue
		}
		if err := service.failStaleAttempt(ctx, attempt, &report); err != nil {
			report.Errors++
		}
	}
	return report, nil
}

// Refund claws the purchased tokens back and refunds the charge. The
// ledger debit and the status transition commit locally before the
// gateway call; a gateway failure after that surfaces for retry while the
// debit stays in place, matching the row already marked REFUNDED.
func (service *Service) Refund(ctx context.Context, attemptID string) error {
	attempt, found, err := service.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrAttemptNotFound, attemptID)
	}
	if attempt.Status != StatusCompleted {
		return fmt.Errorf("%w: attempt %q is %s", ErrAttemptNotRefundable, attemptID, attempt.Status)
	}
	userID, err := tokenledger.NewUserID(attempt.UserID)
	if err != nil {
		return err
	}
	reason, err := tokenledger.NewReasonCode(reasonRefund)
	if err != nil {
		return err
	}
	idempotencyKey, err := tokenledger.NewIdempotencyKey(idempotencyPrefixRefund + idempotencyKeyDelimiter + attempt.AttemptID)
	if err != nil {
		return err
	}
	metadata, err := tokenledger.NewMetadataJSON("")
	if err != nil {
		return err
	}
	if _, err := service.ledger.Adjust(ctx, userID, -attempt.Credits, reason, idempotencyKey, attempt.AttemptID, metadata); err != nil {
		return err
	}
	transitioned, err := service.store.TransitionStatus(ctx, attempt.AttemptID, StatusCompleted, StatusRefunded)
	if err != nil {
		return err
	}
	if !transitioned {
		// Another refund already claimed the transition; the claw-back
		// above replayed against its key.
		return nil
	}
	if err := service.gateway.CreateRefund(ctx, attempt.GatewaySessionID, idempotencyKey.String()); err != nil {
		service.logger.Error("gateway refund failed after local claw-back",
			zap.String("attempt_id", attempt.AttemptID),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrGatewayCallFailed, err)
	}
	service.logger.Info("payment attempt refunded",
		zap.String("attempt_id", attempt.AttemptID),
		zap.String("user_id", attempt.UserID),
		zap.Int64("credits", attempt.Credits))
	return nil
}

func (service *Service) creditAttempt(ctx context.Context, attempt Attempt) error {
	userID, err := tokenledger.NewUserID(attempt.UserID)
	if err != nil {
		return err
	}
	amount, err := tokenledger.NewTokenAmount(attempt.Credits)
	if err != nil {
		return err
	}
	reason, err := tokenledger.NewReasonCode(reasonPurchase)
	if err != nil {
		return err
	}
	idempotencyKey, err := tokenledger.NewIdempotencyKey(idempotencyPrefixSession + idempotencyKeyDelimiter + attempt.GatewaySessionID)
	if err != nil {
		return err
	}
	metadata, err := tokenledger.NewMetadataJSON(fmt.Sprintf(`{"package_id":%q,"attempt_id":%q}`, attempt.PackageID, attempt.AttemptID))
	if err != nil {
		return err
	}
	expiresAt := tokenledger.GrantExpiry(tokenledger.EntryPurchase, service.nowFn())
	_, err = service.ledger.Grant(ctx, userID, amount, tokenledger.EntryPurchase, reason, idempotencyKey, attempt.AttemptID, expiresAt, metadata)
	return err
}

func (service *Service) failStaleAttempt(ctx context.Context, attempt Attempt, report *SweepReport) error {
	transitioned, err := service.store.TransitionStatus(ctx, attempt.AttemptID, StatusPending, StatusFailed)
	if err != nil {
		return err
	}
	if transitioned {
		report.Failed++
		service.logger.Info("stale attempt failed",
			zap.String("attempt_id", attempt.AttemptID),
			zap.String("user_id", attempt.UserID))
	}
	return nil
}
