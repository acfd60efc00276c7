// Package stripegateway implements the payment gateway contract on
// Stripe Checkout one-time payments.
package stripegateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/tripbazaar/tokenledger/internal/payments"
)

// Webhook event types the ledger cares about. Everything else is
// acknowledged and dropped.
const (
	EventSessionCompleted = "checkout.session.completed"
	EventSessionExpired   = "checkout.session.expired"
)

// Config holds the Stripe credentials.
type Config struct {
	SecretKey     string
	WebhookSecret string
}

// Validate checks the credentials are present.
func (config Config) Validate() error {
	if strings.TrimSpace(config.SecretKey) == "" {
		return fmt.Errorf("%w: stripe secret key is empty", payments.ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(config.WebhookSecret) == "" {
		return fmt.Errorf("%w: stripe webhook secret is empty", payments.ErrInvalidServiceConfig)
	}
	return nil
}

// Client talks to Stripe. The stripe-go bindings key off a package-level
// secret, set once at construction.
type Client struct {
	webhookSecret string
}

// NewClient configures the Stripe bindings and returns a Client.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	stripe.Key = config.SecretKey
	return &Client{webhookSecret: config.WebhookSecret}, nil
}

// CreateCheckoutSession opens a one-time payment Checkout Session for a
// token package. The attempt id rides along as metadata and
// client_reference_id so webhook handlers can correlate without parsing
// line items.
func (client *Client) CreateCheckoutSession(ctx context.Context, params payments.CheckoutParams) (payments.CheckoutSession, error) {
	sessionParams := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(params.AttemptID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(params.Currency),
					UnitAmount: stripe.Int64(params.AmountMinor),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(params.ProductName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata: map[string]string{
			"user_id":    params.UserID,
			"attempt_id": params.AttemptID,
			"package_id": params.PackageID,
			"credits":    fmt.Sprintf("%d", params.Credits),
		},
	}
	sessionParams.Context = ctx
	sessionParams.SetIdempotencyKey(params.IdempotencyKey)
	session, err := checkoutsession.New(sessionParams)
	if err != nil {
		return payments.CheckoutSession{}, fmt.Errorf("create checkout session: %w", err)
	}
	return payments.CheckoutSession{SessionID: session.ID, RedirectURL: session.URL}, nil
}

// GetSession fetches the current state of a Checkout Session.
func (client *Client) GetSession(ctx context.Context, sessionID string) (payments.SessionState, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := checkoutsession.Get(sessionID, params)
	if err != nil {
		return payments.SessionState{}, fmt.Errorf("get checkout session %s: %w", sessionID, err)
	}
	return payments.SessionState{
		SessionID: session.ID,
		Paid:      session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Open:      session.Status == stripe.CheckoutSessionStatusOpen,
		URL:       session.URL,
	}, nil
}

// CreateRefund refunds the payment behind a Checkout Session.
func (client *Client) CreateRefund(ctx context.Context, sessionID string, idempotencyKey string) error {
	sessionParams := &stripe.CheckoutSessionParams{}
	sessionParams.Context = ctx
	session, err := checkoutsession.Get(sessionID, sessionParams)
	if err != nil {
		return fmt.Errorf("get checkout session %s: %w", sessionID, err)
	}
	if session.PaymentIntent == nil {
		return fmt.Errorf("checkout session %s has no payment intent", sessionID)
	}
	refundParams := &stripe.RefundParams{
		PaymentIntent: stripe.String(session.PaymentIntent.ID),
	}
	refundParams.Context = ctx
	refundParams.SetIdempotencyKey(idempotencyKey)
	if _, err := refund.New(refundParams); err != nil {
		return fmt.Errorf("create refund for session %s: %w", sessionID, err)
	}
	return nil
}

// WebhookNotification is the distilled view of a verified webhook event.
type WebhookNotification struct {
	EventType string
	SessionID string
}

// VerifyWebhook checks the signature on a webhook payload and extracts
// the session reference for the event types the ledger handles. Other
// event types come back with an empty SessionID.
func (client *Client) VerifyWebhook(payload []byte, signature string) (WebhookNotification, error) {
	event, err := webhook.ConstructEvent(payload, signature, client.webhookSecret)
	if err != nil {
		return WebhookNotification{}, fmt.Errorf("webhook signature verification: %w", err)
	}
	notification := WebhookNotification{EventType: string(event.Type)}
	switch notification.EventType {
	case EventSessionCompleted, EventSessionExpired:
		var session stripe.CheckoutSession
		if err := session.UnmarshalJSON(event.Data.Raw); err != nil {
			return WebhookNotification{}, fmt.Errorf("unmarshal checkout session: %w", err)
		}
		notification.SessionID = session.ID
	}
	return notification, nil
}
