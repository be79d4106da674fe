package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bot-topup/internal/metrics"
	"bot-topup/internal/repo"
	"bot-topup/internal/retry"
	"bot-topup/internal/traces"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
)

// Store is the part of the ledger the orchestrator touches.
type Store interface {
	CreateInvoice(ctx context.Context, inv repo.Invoice) (*repo.Invoice, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
}

// Config holds orchestrator settings.
type Config struct {
	Currency    string
	Description string
}

// Orchestrator creates invoices for top-up requests. It never changes balances.
type Orchestrator struct {
	store    Store
	provider Provider
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	newRef   func() string
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(store Store, provider Provider, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if cfg.Currency == "" {
		cfg.Currency = "RUB"
	}
	if cfg.Description == "" {
		cfg.Description = "Balance top-up"
	}
	return &Orchestrator{
		store:    store,
		provider: provider,
		cfg:      cfg,
		logger:   logger.With("component", "payment"),
		metrics:  m,
		newRef:   func() string { return uuid.NewString() },
	}
}

// Currency returns the configured ISO currency code.
func (o *Orchestrator) Currency() string {
	return o.cfg.Currency
}

// RequestTopUp asks the provider for an invoice of amount minor units and
// records it as pending. Provider failures are returned wrapped in
// ErrProvider and are not retried.
func (o *Orchestrator) RequestTopUp(ctx context.Context, userID, amount int64) (*Invoice, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "payment.request_topup",
		traces.UserID(userID),
		traces.Amount(amount),
		traces.Provider(o.provider.Name()),
	)
	defer span.End()

	ref := o.newRef()
	span.SetAttributes(traces.Reference(ref))

	start := time.Now()
	issued, err := o.provider.CreateInvoice(ctx, InvoiceRequest{
		Ref:         ref,
		UserID:      userID,
		Amount:      amount,
		Currency:    o.cfg.Currency,
		Description: o.cfg.Description,
	})
	if err != nil {
		o.countInvoice("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "create invoice")
		o.logger.Error("create invoice failed", "user_id", userID, "amount", amount, "ref", ref, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}

	stored, err := o.store.CreateInvoice(ctx, repo.Invoice{
		Ref:         ref,
		UserID:      userID,
		Amount:      amount,
		Currency:    o.cfg.Currency,
		Provider:    o.provider.Name(),
		ProviderRef: issued.ProviderRef,
		URL:         issued.URL,
		Status:      repo.InvoicePending,
	})
	if err != nil {
		o.countInvoice("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "store invoice")
		o.logger.Error("store invoice failed", "user_id", userID, "ref", ref, "error", err)
		if cancelErr := o.provider.CancelInvoice(ctx, issued.ProviderRef); cancelErr != nil {
			o.logger.Warn("cancel orphaned invoice failed", "provider_ref", issued.ProviderRef, "error", cancelErr)
		}
		return nil, fmt.Errorf("store invoice: %w", err)
	}

	o.countInvoice("created")
	o.logger.Info("invoice created",
		"user_id", userID,
		"amount", amount,
		"ref", ref,
		"provider_ref", issued.ProviderRef,
		"duration", time.Since(start),
	)

	return &Invoice{
		Ref:          stored.Ref,
		UserID:       userID,
		Amount:       amount,
		Currency:     stored.Currency,
		Provider:     stored.Provider,
		ProviderRef:  stored.ProviderRef,
		URL:          stored.URL,
		Instructions: issued.Instructions,
	}, nil
}

// Balance reads the user's balance, retrying transient storage failures.
func (o *Orchestrator) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		var err error
		balance, err = o.store.GetBalance(ctx, userID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (o *Orchestrator) countInvoice(outcome string) {
	if o.metrics == nil {
		return
	}
	o.metrics.Invoices.WithLabelValues(o.provider.Name(), outcome).Inc()
}
