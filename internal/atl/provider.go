package atl

import (
	"context"
	"fmt"
	"math"
	"strings"

	"bot-topup/internal/payment"
)

// Provider issues invoices as Atlantic deposits.
type Provider struct {
	client *Client
	method string
	typ    string
}

var _ payment.Provider = (*Provider)(nil)

// NewProvider wraps client. method and typ select the deposit channel, e.g. QRIS/ewallet.
func NewProvider(client *Client, method, typ string) *Provider {
	return &Provider{client: client, method: method, typ: typ}
}

func (p *Provider) Name() string { return providerName }

// CreateInvoice opens a deposit whose reff_id is the invoice reference.
func (p *Provider) CreateInvoice(ctx context.Context, req payment.InvoiceRequest) (*payment.ProviderInvoice, error) {
	dep, err := p.client.CreateDeposit(ctx, DepositRequest{
		RefID:   req.Ref,
		Nominal: toMajor(req.Amount),
		Method:  p.method,
		Type:    p.typ,
	})
	if err != nil {
		return nil, fmt.Errorf("create deposit: %w", err)
	}

	instructions := dep.QRString
	if instructions == "" && dep.PayNumber != "" {
		instructions = dep.PayNumber
	}
	if dep.ExpiredAt != "" {
		instructions = strings.TrimSpace(instructions + "\nExpires: " + dep.ExpiredAt)
	}
	return &payment.ProviderInvoice{
		ProviderRef:  dep.ID,
		URL:          dep.QRImage,
		Instructions: instructions,
	}, nil
}

// CancelInvoice cancels the deposit.
func (p *Provider) CancelInvoice(ctx context.Context, providerRef string) error {
	if err := p.client.CancelDeposit(ctx, providerRef); err != nil {
		return fmt.Errorf("cancel deposit %s: %w", providerRef, err)
	}
	return nil
}

// PaymentRef is the ledger dedupe key for an Atlantic deposit.
func PaymentRef(depositID string) string {
	return providerName + ":" + depositID
}

func toMajor(minor int64) float64 {
	return float64(minor) / 100
}

func toMinor(major float64) int64 {
	return int64(math.Round(major * 100))
}
