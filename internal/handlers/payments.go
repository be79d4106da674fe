// Package handlers reconciles provider payment events with the ledger.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bot-topup/internal/metrics"
	"bot-topup/internal/payment"
	"bot-topup/internal/repo"
	"bot-topup/internal/retry"
	"bot-topup/internal/traces"

	"go.opentelemetry.io/otel/codes"
)

const (
	msgNoPayments    = "You have no payments yet."
	msgPaymentFailed = "Your last payment did not go through."
)

// Store is the ledger surface used for reconciliation.
type Store interface {
	Credit(ctx context.Context, req repo.CreditRequest) (*repo.Payment, error)
	GetInvoice(ctx context.Context, ref string) (*repo.Invoice, error)
	GetLastPayment(ctx context.Context, userID int64) (*repo.Payment, error)
	UpdateInvoiceStatus(ctx context.Context, ref string, status repo.InvoiceStatus) (bool, error)
}

// Sessions is the conversation side of reconciliation.
type Sessions interface {
	ResetAfterPayment(ctx context.Context, userID int64) error
	InvoiceExpired(ctx context.Context, inv repo.Invoice)
}

// Notifier sends a chat message to a user.
type Notifier interface {
	SendText(ctx context.Context, userID int64, text string) error
}

// Payments applies confirmed payments to balances at most once per provider
// reference.
type Payments struct {
	store    Store
	sessions Sessions
	notify   Notifier
	currency string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

var _ payment.EventHandler = (*Payments)(nil)

// NewPayments wires a Payments handler.
func NewPayments(store Store, sessions Sessions, notify Notifier, currency string, logger *slog.Logger, m *metrics.Metrics) *Payments {
	return &Payments{
		store:    store,
		sessions: sessions,
		notify:   notify,
		currency: currency,
		logger:   logger.With("component", "payments"),
		metrics:  m,
	}
}

// SetSessions attaches the conversation engine once it exists.
func (p *Payments) SetSessions(sessions Sessions) {
	p.sessions = sessions
}

// HandlePaymentConfirmed credits the payment once. A returned error means
// nothing was applied and the provider should deliver the event again.
func (p *Payments) HandlePaymentConfirmed(ctx context.Context, c payment.Confirmation) error {
	ctx, span := traces.StartSpan(ctx, "reconcile.payment_confirmed",
		traces.Provider(c.Provider),
		traces.Reference(c.ProviderRef),
	)
	defer span.End()

	req, inv, err := p.resolve(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve invoice")
		p.countCredit("error")
		return err
	}
	if req.UserID == 0 || req.Amount <= 0 {
		p.logger.Error("unattributable payment confirmation",
			"provider", c.Provider,
			"provider_ref", c.ProviderRef,
			"invoice_ref", c.InvoiceRef,
			"user_id", req.UserID,
			"amount", req.Amount,
		)
		p.countCredit("error")
		return nil
	}
	span.SetAttributes(traces.UserID(req.UserID), traces.Amount(req.Amount))

	if inv != nil && inv.Status == repo.InvoiceExpired {
		p.logger.Warn("payment received for expired invoice", "user_id", req.UserID, "invoice_ref", inv.Ref, "amount", req.Amount)
	}

	credited, err := p.credit(ctx, req)
	if errors.Is(err, repo.ErrDuplicatePayment) {
		p.logger.Info("duplicate payment confirmation ignored", "user_id", req.UserID, "provider_ref", req.ProviderRef)
		p.countCredit("duplicate")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "credit")
		p.logger.Error("credit failed", "user_id", req.UserID, "amount", req.Amount, "provider_ref", req.ProviderRef, "error", err)
		p.countCredit("error")
		return fmt.Errorf("credit payment: %w", err)
	}

	p.countCredit("applied")
	p.logger.Info("balance credited",
		"user_id", req.UserID,
		"amount", req.Amount,
		"payment_id", credited.ID,
		"provider_ref", req.ProviderRef,
		"invoice_ref", req.InvoiceRef,
	)

	if p.sessions != nil {
		if err := p.sessions.ResetAfterPayment(ctx, req.UserID); err != nil {
			p.logger.Warn("reset session after payment failed", "user_id", req.UserID, "error", err)
		}
	}
	text := "Balance topped up by " + payment.FormatAmount(req.Amount, p.currencyOf(inv)) + "."
	if err := p.notify.SendText(ctx, req.UserID, text); err != nil {
		p.logger.Warn("payment notification failed", "user_id", req.UserID, "error", err)
	}
	return nil
}

func (p *Payments) credit(ctx context.Context, req repo.CreditRequest) (*repo.Payment, error) {
	ctx, span := traces.StartSpan(ctx, "repo.credit", traces.UserID(req.UserID), traces.Amount(req.Amount))
	defer span.End()
	credited, err := p.store.Credit(ctx, req)
	if err != nil && !errors.Is(err, repo.ErrDuplicatePayment) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "credit")
	}
	return credited, err
}

// resolve fills user and amount from the stored invoice when the provider
// payload lacks them. The provider amount wins when both are present.
func (p *Payments) resolve(ctx context.Context, c payment.Confirmation) (repo.CreditRequest, *repo.Invoice, error) {
	req := repo.CreditRequest{
		UserID:      c.UserID,
		Amount:      c.Amount,
		ProviderRef: c.ProviderRef,
		InvoiceRef:  c.InvoiceRef,
	}
	if req.ProviderRef == "" && c.InvoiceRef != "" {
		req.ProviderRef = "invoice:" + c.InvoiceRef
	}
	if c.InvoiceRef == "" {
		return req, nil, nil
	}

	inv, err := p.store.GetInvoice(ctx, c.InvoiceRef)
	if errors.Is(err, repo.ErrNotFound) {
		p.logger.Warn("payment confirmation for unknown invoice", "invoice_ref", c.InvoiceRef, "provider_ref", c.ProviderRef)
		req.InvoiceRef = ""
		return req, nil, nil
	}
	if err != nil {
		return req, nil, fmt.Errorf("load invoice %s: %w", c.InvoiceRef, err)
	}

	if req.UserID != 0 && req.UserID != inv.UserID {
		p.logger.Warn("confirmation user differs from invoice", "invoice_ref", inv.Ref, "event_user_id", req.UserID, "invoice_user_id", inv.UserID)
	}
	req.UserID = inv.UserID

	switch {
	case req.Amount == 0:
		req.Amount = inv.Amount
	case req.Amount != inv.Amount:
		p.logger.Warn("amount mismatch", "invoice_ref", inv.Ref, "user_id", inv.UserID, "invoice_amount", inv.Amount, "paid_amount", req.Amount)
	}
	return req, inv, nil
}

// ApprovePreCheckout approves every pre-checkout request.
func (p *Payments) ApprovePreCheckout(_ context.Context, pc payment.PreCheckout) (bool, error) {
	p.logger.Debug("pre-checkout approved", "provider", pc.Provider, "invoice_ref", pc.InvoiceRef, "user_id", pc.UserID, "amount", pc.Amount)
	return true, nil
}

// HandleInvoiceClosed records an invoice that ended unpaid and tells the user.
// Invoices already paid or closed are left alone.
func (p *Payments) HandleInvoiceClosed(ctx context.Context, c payment.InvoiceClosed) error {
	if c.InvoiceRef == "" {
		p.logger.Debug("closed invoice without reference", "provider", c.Provider, "provider_ref", c.ProviderRef)
		return nil
	}
	status := c.Status
	if status != repo.InvoiceFailed {
		status = repo.InvoiceExpired
	}

	changed, err := p.store.UpdateInvoiceStatus(ctx, c.InvoiceRef, status)
	if err != nil {
		return fmt.Errorf("close invoice %s: %w", c.InvoiceRef, err)
	}
	if !changed {
		return nil
	}

	inv, err := p.store.GetInvoice(ctx, c.InvoiceRef)
	if err != nil {
		return fmt.Errorf("load invoice %s: %w", c.InvoiceRef, err)
	}
	p.logger.Info("invoice closed by provider", "ref", inv.Ref, "user_id", inv.UserID, "status", status, "reason", c.Reason)
	if p.sessions != nil {
		p.sessions.InvoiceExpired(ctx, *inv)
	}
	return nil
}

// CheckPayment describes the user's last payment. It never changes a balance.
func (p *Payments) CheckPayment(ctx context.Context, userID int64) (string, error) {
	var last *repo.Payment
	err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		var err error
		last, err = p.store.GetLastPayment(ctx, userID)
		if errors.Is(err, repo.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return msgNoPayments, nil
	}
	if err != nil {
		return "", fmt.Errorf("last payment: %w", err)
	}
	if last.Status != repo.PaymentSuccessful {
		return msgPaymentFailed, nil
	}
	return fmt.Sprintf("Your last payment of %s was credited on %s.",
		payment.FormatAmount(last.Amount, p.currency),
		last.CreatedAt.UTC().Format("2006-01-02 15:04 MST"),
	), nil
}

func (p *Payments) currencyOf(inv *repo.Invoice) string {
	if inv != nil && inv.Currency != "" {
		return inv.Currency
	}
	return p.currency
}

func (p *Payments) countCredit(outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.Credits.WithLabelValues(outcome).Inc()
}
