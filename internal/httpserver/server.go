// Package httpserver exposes the ledger and payment services over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tripbazaar/tokenledger/internal/gateway/stripegateway"
	"github.com/tripbazaar/tokenledger/internal/observe"
	"github.com/tripbazaar/tokenledger/internal/payments"
	"github.com/tripbazaar/tokenledger/pkg/tokenledger"
	"go.uber.org/zap"
)

// LedgerAPI is the slice of the ledger service the HTTP facade calls.
type LedgerAPI interface {
	Grant(ctx context.Context, userID tokenledger.UserID, amount tokenledger.TokenAmount, kind tokenledger.EntryKind, reason tokenledger.ReasonCode, idempotencyKey tokenledger.IdempotencyKey, referenceID string, expiresAtUnixUTC int64, metadata tokenledger.MetadataJSON) (tokenledger.GrantResult, error)
	Spend(ctx context.Context, userID tokenledger.UserID, amount tokenledger.TokenAmount, action tokenledger.Action, reason tokenledger.ReasonCode, idempotencyKey tokenledger.IdempotencyKey, referenceID string, metadata tokenledger.MetadataJSON) (tokenledger.SpendResult, error)
	Balance(ctx context.Context, userID tokenledger.UserID) (int64, error)
	ListEntries(ctx context.Context, userID tokenledger.UserID, beforeUnixUTC int64, limit int) ([]tokenledger.Entry, error)
	ExpireBatches(ctx context.Context) (tokenledger.ExpiryReport, error)
	ReconcileDrift(ctx context.Context, autoRepair bool) (tokenledger.DriftReport, error)
}

// PaymentAPI is the slice of the payment service the HTTP facade calls.
type PaymentAPI interface {
	CreateCheckoutAttempt(ctx context.Context, userID string, packageID string) (payments.CheckoutResult, error)
	HandleSessionCompleted(ctx context.Context, sessionID string) error
	HandleSessionExpired(ctx context.Context, sessionID string) error
	SweepStalePending(ctx context.Context) (payments.SweepReport, error)
	Refund(ctx context.Context, attemptID string) error
}

// WebhookVerifier checks gateway webhook signatures and extracts the
// session reference.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signature string) (stripegateway.WebhookNotification, error)
}

// Server is the HTTP facade over the ledger and payment services.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	ledger   LedgerAPI
	payments PaymentAPI
	verifier WebhookVerifier
	metrics  *observe.Metrics
	router   *gin.Engine
}

// NewServer wires the facade. metrics may be nil.
func NewServer(cfg Config, logger *zap.Logger, ledger LedgerAPI, paymentService PaymentAPI, verifier WebhookVerifier, metrics *observe.Metrics) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger dependency is nil")
	}
	if paymentService == nil {
		return nil, fmt.Errorf("payment dependency is nil")
	}
	if verifier == nil {
		return nil, fmt.Errorf("webhook verifier dependency is nil")
	}
	server := &Server{
		cfg:      cfg,
		logger:   logger,
		ledger:   ledger,
		payments: paymentService,
		verifier: verifier,
		metrics:  metrics,
	}
	server.router = server.setupRouter()
	return server, nil
}

// Router exposes the configured engine, mainly for tests.
func (server *Server) Router() *gin.Engine {
	return server.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http facade listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", headerStripeSignature},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	if server.metrics != nil {
		router.Use(server.metricsMiddleware())
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.GET("/balance/:user_id", server.handleBalance)
	api.GET("/entries/:user_id", server.handleEntries)
	api.POST("/grant", server.handleGrant)
	api.POST("/spend", server.handleSpend)
	api.POST("/checkout", server.handleCheckout)
	api.POST("/refund", server.handleRefund)
	api.POST("/webhooks/stripe", server.handleStripeWebhook)

	jobs := api.Group("/jobs")
	jobs.POST("/expiry", server.handleExpiryJob)
	jobs.POST("/drift", server.handleDriftJob)
	jobs.POST("/payments", server.handlePaymentSweepJob)

	return router
}

func (server *Server) metricsMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		server.metrics.RecordHTTPRequest(ctx.Request.Method, path, strconv.Itoa(ctx.Writer.Status()), time.Since(started))
	}
}

type grantRequest struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Kind           string `json:"kind"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
	ReferenceID    string `json:"reference_id"`
	Metadata       string `json:"metadata"`
}

type spendRequest struct {
	UserID         string `json:"user_id"`
	Action         string `json:"action"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
	ReferenceID    string `json:"reference_id"`
	Metadata       string `json:"metadata"`
}

type checkoutRequest struct {
	UserID    string `json:"user_id"`
	PackageID string `json:"package_id"`
}

type refundRequest struct {
	AttemptID string `json:"attempt_id"`
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, err := tokenledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", "user id is required"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	balance, err := server.ledger.Balance(requestCtx, userID)
	if err != nil {
		server.respondLedgerError(ctx, err, 0, 0)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "balance": balance})
}

func (server *Server) handleEntries(ctx *gin.Context) {
	userID, err := tokenledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", "user id is required"))
		return
	}
	limit := defaultEntryHistoryLimit
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		parsed, parseErr := strconv.Atoi(rawLimit)
		if parseErr != nil || parsed <= 0 || parsed > maximumEntryHistoryLimit {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", fmt.Sprintf("limit must be in [1, %d]", maximumEntryHistoryLimit)))
			return
		}
		limit = parsed
	}
	var before int64
	if rawBefore := ctx.Query("before"); rawBefore != "" {
		parsed, parseErr := strconv.ParseInt(rawBefore, 10, 64)
		if parseErr != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", "before must be a unix timestamp"))
			return
		}
		before = parsed
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	entries, err := server.ledger.ListEntries(requestCtx, userID, before, limit)
	if err != nil {
		server.respondLedgerError(ctx, err, 0, 0)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, toEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (server *Server) handleGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := tokenledger.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", "user id is required"))
		return
	}
	amount, err := tokenledger.NewTokenAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be greater than zero"))
		return
	}
	kind, err := tokenledger.ParseEntryKind(request.Kind)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_kind", "unknown entry kind"))
		return
	}
	reason, err := tokenledger.NewReasonCode(request.Reason)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reason", "reason is required"))
		return
	}
	idempotencyKey, err := tokenledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_idempotency_key", "idempotency key is required"))
		return
	}
	metadata, err := tokenledger.NewMetadataJSON(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be valid json"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	expiresAt := tokenledger.GrantExpiry(kind, time.Now().UTC().Unix())
	result, err := server.ledger.Grant(requestCtx, userID, amount, kind, reason, idempotencyKey, request.ReferenceID, expiresAt, metadata)
	if err != nil {
		server.respondLedgerError(ctx, err, 0, 0)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":           result.NewBalance,
		"already_processed": result.AlreadyProcessed,
	})
}

func (server *Server) handleSpend(ctx *gin.Context) {
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := tokenledger.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", "user id is required"))
		return
	}
	action, err := tokenledger.ParseAction(request.Action)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_action", "unknown action"))
		return
	}
	cost, err := action.Cost()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_action", "unknown action"))
		return
	}
	reason, err := tokenledger.NewReasonCode(defaultIfEmpty(request.Reason, action.String()))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reason", "reason is required"))
		return
	}
	idempotencyKey, err := tokenledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_idempotency_key", "idempotency key is required"))
		return
	}
	metadata, err := tokenledger.NewMetadataJSON(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be valid json"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	result, err := server.ledger.Spend(requestCtx, userID, cost, action, reason, idempotencyKey, request.ReferenceID, metadata)
	if err != nil {
		server.respondLedgerError(ctx, err, cost.Int64(), result.NewBalance)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":           result.NewBalance,
		"cost":              cost.Int64(),
		"already_processed": result.AlreadyProcessed,
	})
}

func (server *Server) handleCheckout(ctx *gin.Context) {
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if _, err := tokenledger.NewUserID(request.UserID); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", "user id is required"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	result, err := server.payments.CreateCheckoutAttempt(requestCtx, request.UserID, request.PackageID)
	if err != nil {
		server.recordCheckout("error")
		switch {
		case errors.Is(err, payments.ErrUnknownPackage):
			ctx.JSON(http.StatusBadRequest, errorResponse("unknown_package", "unknown credit package"))
		case errors.Is(err, payments.ErrGatewayCallFailed):
			ctx.JSON(http.StatusBadGateway, errorResponse("gateway_error", "payment gateway unavailable"))
		default:
			server.logger.Error("checkout failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "checkout failed"))
		}
		return
	}
	server.recordCheckout("created")
	ctx.JSON(http.StatusOK, gin.H{
		"attempt_id":   result.AttemptID,
		"session_id":   result.SessionID,
		"redirect_url": result.RedirectURL,
		"reused":       result.Reused,
	})
}

func (server *Server) handleRefund(ctx *gin.Context) {
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	err := server.payments.Refund(requestCtx, request.AttemptID)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrAttemptNotFound):
			ctx.JSON(http.StatusNotFound, errorResponse("attempt_not_found", "payment attempt not found"))
		case errors.Is(err, payments.ErrAttemptNotRefundable):
			ctx.JSON(http.StatusConflict, errorResponse("not_refundable", "payment attempt is not refundable"))
		case errors.Is(err, payments.ErrGatewayCallFailed):
			ctx.JSON(http.StatusBadGateway, errorResponse("gateway_error", "payment gateway unavailable"))
		default:
			server.logger.Error("refund failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "refund failed"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "refunded"})
}

func (server *Server) handleStripeWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maximumWebhookPayloadSize))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	notification, err := server.verifier.VerifyWebhook(payload, ctx.GetHeader(headerStripeSignature))
	if err != nil {
		server.logger.Warn("webhook verification failed", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "webhook verification failed"))
		return
	}
	if notification.SessionID == "" {
		// Not an event type the ledger consumes; acknowledge so the
		// gateway stops redelivering.
		server.recordWebhook(notification.EventType, "ignored")
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	switch notification.EventType {
	case stripegateway.EventSessionCompleted:
		err = server.payments.HandleSessionCompleted(requestCtx, notification.SessionID)
	case stripegateway.EventSessionExpired:
		err = server.payments.HandleSessionExpired(requestCtx, notification.SessionID)
	}
	if err != nil {
		server.recordWebhook(notification.EventType, "error")
		if errors.Is(err, payments.ErrAttemptNotFound) {
			// A session this service never opened. Acknowledge; retrying
			// cannot help.
			ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		server.logger.Error("webhook handling failed",
			zap.String("event_type", notification.EventType),
			zap.String("session_id", notification.SessionID),
			zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "webhook handling failed"))
		return
	}
	server.recordWebhook(notification.EventType, "ok")
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) handleExpiryJob(ctx *gin.Context) {
	report, err := server.ledger.ExpireBatches(ctx.Request.Context())
	if err != nil {
		server.logger.Error("expiry job failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "expiry sweep failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"expired_batches": report.ExpiredBatches,
		"tokens_removed":  report.TokensRemoved,
		"errors":          report.Errors,
	})
}

func (server *Server) handleDriftJob(ctx *gin.Context) {
	autoRepair := true
	if raw := ctx.Query("auto_repair"); raw != "" {
		parsed, parseErr := strconv.ParseBool(raw)
		if parseErr != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_auto_repair", "auto_repair must be a boolean"))
			return
		}
		autoRepair = parsed
	}
	report, err := server.ledger.ReconcileDrift(ctx.Request.Context(), autoRepair)
	if err != nil {
		server.logger.Error("drift job failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "drift reconciliation failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"drifted":  report.Drifted,
		"repaired": report.Repaired,
		"seeded":   report.Seeded,
		"errors":   report.Errors,
	})
}

func (server *Server) handlePaymentSweepJob(ctx *gin.Context) {
	report, err := server.payments.SweepStalePending(ctx.Request.Context())
	if err != nil {
		server.logger.Error("payment sweep job failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "payment sweep failed"))
		return
	}
	if server.metrics != nil {
		server.metrics.RecordStaleAttempts("completed", report.Completed)
		server.metrics.RecordStaleAttempts("failed", report.Failed)
	}
	ctx.JSON(http.StatusOK, gin.H{
		"examined":  report.Examined,
		"completed": report.Completed,
		"failed":    report.Failed,
		"errors":    report.Errors,
	})
}

func (server *Server) respondLedgerError(ctx *gin.Context, err error, cost int64, balance int64) {
	switch {
	case errors.Is(err, tokenledger.ErrInsufficientBalance):
		ctx.JSON(http.StatusConflict, gin.H{
			"error":   gin.H{"code": "insufficient_balance", "message": "balance does not cover the action"},
			"cost":    cost,
			"balance": balance,
		})
	case errors.Is(err, tokenledger.ErrUserNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("user_not_found", "unknown user"))
	case errors.Is(err, tokenledger.ErrInvalidEntryKind),
		errors.Is(err, tokenledger.ErrInvalidEntryAmount),
		errors.Is(err, tokenledger.ErrInvalidTokenAmount):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "request rejected by the ledger"))
	default:
		server.logger.Error("ledger call failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "ledger unavailable"))
	}
}

func (server *Server) recordCheckout(status string) {
	if server.metrics != nil {
		server.metrics.RecordCheckoutAttempt(status)
	}
}

func (server *Server) recordWebhook(eventType string, status string) {
	if server.metrics != nil {
		server.metrics.RecordWebhookEvent(eventType, status)
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type entryPayload struct {
	EntryID          string `json:"entry_id"`
	Kind             string `json:"kind"`
	Amount           int64  `json:"amount"`
	ReasonCode       string `json:"reason_code"`
	ReferenceID      string `json:"reference_id,omitempty"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc,omitempty"`
	RemainingAmount  *int64 `json:"remaining_amount,omitempty"`
	Metadata         string `json:"metadata"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
}

func toEntryPayload(entry tokenledger.Entry) entryPayload {
	return entryPayload{
		EntryID:          entry.EntryID,
		Kind:             entry.Kind.String(),
		Amount:           entry.Amount,
		ReasonCode:       entry.ReasonCode,
		ReferenceID:      entry.ReferenceID,
		ExpiresAtUnixUTC: entry.ExpiresAtUnixUTC,
		RemainingAmount:  entry.RemainingAmount,
		Metadata:         entry.MetadataJSON,
		CreatedUnixUTC:   entry.CreatedUnixUTC,
	}
}
