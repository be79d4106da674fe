// Package stripepay issues invoices as Stripe Checkout sessions and turns
// Stripe webhooks into payment events.
package stripepay

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"bot-topup/internal/metrics"
	"bot-topup/internal/payment"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

const (
	providerName     = "stripe"
	metaInvoiceRef   = "invoice_ref"
	metaUserID       = "user_id"
	minSessionExpiry = 30 * time.Minute
)

// checkoutAPI is the subset of the Checkout Sessions client used here.
type checkoutAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Expire(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error)
}

// Config holds Stripe settings.
type Config struct {
	SecretKey  string
	SuccessURL string
	// SessionTTL bounds how long a checkout session stays payable. Stripe
	// requires at least 30 minutes.
	SessionTTL time.Duration
}

// Provider creates Stripe Checkout sessions.
type Provider struct {
	sessions   checkoutAPI
	successURL string
	ttl        time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

var _ payment.Provider = (*Provider)(nil)

// NewProvider builds a Provider on the official Stripe client.
func NewProvider(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Provider {
	sc := client.New(cfg.SecretKey, nil)
	return newProvider(sc.CheckoutSessions, cfg, logger, m)
}

func newProvider(sessions checkoutAPI, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Provider {
	ttl := cfg.SessionTTL
	if ttl < minSessionExpiry {
		ttl = minSessionExpiry
	}
	return &Provider{
		sessions:   sessions,
		successURL: cfg.SuccessURL,
		ttl:        ttl,
		logger:     logger.With("component", "stripe"),
		metrics:    m,
		now:        time.Now,
	}
}

func (p *Provider) Name() string { return providerName }

// CreateInvoice opens a one-line payment-mode Checkout session.
func (p *Provider) CreateInvoice(ctx context.Context, req payment.InvoiceRequest) (*payment.ProviderInvoice, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.Ref),
		ExpiresAt:         stripe.Int64(p.now().Add(p.ttl).Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
		}},
	}
	if p.successURL != "" {
		params.SuccessURL = stripe.String(p.successURL)
	}
	params.Context = ctx
	params.AddMetadata(metaInvoiceRef, req.Ref)
	params.AddMetadata(metaUserID, strconv.FormatInt(req.UserID, 10))
	params.SetIdempotencyKey("topup-" + req.Ref)

	start := time.Now()
	sess, err := p.sessions.New(params)
	p.observe("checkout_sessions.create", err, start)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &payment.ProviderInvoice{ProviderRef: sess.ID, URL: sess.URL}, nil
}

// CancelInvoice expires the checkout session so it can no longer be paid.
func (p *Provider) CancelInvoice(ctx context.Context, providerRef string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx

	start := time.Now()
	_, err := p.sessions.Expire(providerRef, params)
	p.observe("checkout_sessions.expire", err, start)
	if err != nil {
		return fmt.Errorf("expire checkout session %s: %w", providerRef, err)
	}
	return nil
}

func (p *Provider) observe(endpoint string, err error, start time.Time) {
	if p.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.ProviderRequests.WithLabelValues(providerName, endpoint, status).Inc()
	p.metrics.ProviderLatency.WithLabelValues(providerName, endpoint).Observe(time.Since(start).Seconds())
}

// PaymentRef is the ledger dedupe key for a completed checkout session.
func PaymentRef(sessionID string) string {
	return providerName + ":" + sessionID
}
