// Package payment turns top-up requests into provider invoices and defines
// the events providers deliver back.
package payment

import (
	"context"
	"errors"

	"bot-topup/internal/repo"
)

var (
	// ErrInvalidAmount rejects amounts that are not a positive integer of minor units.
	ErrInvalidAmount = errors.New("amount must be a positive integer")
	// ErrProvider wraps every failure reported by the payment provider.
	ErrProvider = errors.New("payment provider failure")
)

// InvoiceRequest is what the orchestrator asks a provider to bill.
type InvoiceRequest struct {
	Ref         string
	UserID      int64
	Amount      int64
	Currency    string
	Description string
}

// ProviderInvoice is the provider's handle for an issued invoice.
type ProviderInvoice struct {
	ProviderRef string
	URL         string
	// Instructions carries human-readable payment details such as a QR
	// string or a virtual account number when the provider has no URL.
	Instructions string
}

// Provider issues and cancels invoices at an external payment service.
type Provider interface {
	Name() string
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*ProviderInvoice, error)
	CancelInvoice(ctx context.Context, providerRef string) error
}

// Invoice is the handle delivered to the user.
type Invoice struct {
	Ref          string
	UserID       int64
	Amount       int64
	Currency     string
	Provider     string
	ProviderRef  string
	URL          string
	Instructions string
}

// Confirmation is a provider's notice that a payment succeeded. UserID and
// Amount may be zero when the provider payload lacks them; they are then
// resolved from the stored invoice.
type Confirmation struct {
	Provider    string
	ProviderRef string
	InvoiceRef  string
	UserID      int64
	Amount      int64
}

// PreCheckout is a provider asking whether a payment may proceed.
type PreCheckout struct {
	Provider   string
	InvoiceRef string
	UserID     int64
	Amount     int64
}

// InvoiceClosed reports an invoice that ended without payment.
type InvoiceClosed struct {
	Provider    string
	ProviderRef string
	InvoiceRef  string
	Status      repo.InvoiceStatus
	Reason      string
}

// EventHandler consumes provider callbacks. Webhook adapters translate their
// payloads into these calls and map returned errors to HTTP status codes.
type EventHandler interface {
	HandlePaymentConfirmed(ctx context.Context, c Confirmation) error
	ApprovePreCheckout(ctx context.Context, p PreCheckout) (bool, error)
	HandleInvoiceClosed(ctx context.Context, c InvoiceClosed) error
}
