package repo

import "time"

// PaymentStatus is the lifecycle state recorded on a payment row.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentSuccessful PaymentStatus = "successful"
	PaymentFailed     PaymentStatus = "failed"
)

// InvoiceStatus tracks an invoice issued by the payment provider.
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceExpired InvoiceStatus = "expired"
	InvoiceFailed  InvoiceStatus = "failed"
)

// Account represents the accounts table row. Balance is kept in minor units.
type Account struct {
	UserID  int64
	Balance int64
	IsAdmin bool
}

// Payment is the immutable audit row written together with a balance credit.
type Payment struct {
	ID          int64
	UserID      int64
	Amount      int64
	Status      PaymentStatus
	ProviderRef string
	InvoiceRef  string
	CreatedAt   time.Time
}

// LogEntry represents a row in logs table.
type LogEntry struct {
	ID      int64
	Time    time.Time
	Level   string
	Message string
}

// Invoice represents a row in invoices table.
type Invoice struct {
	Ref         string
	UserID      int64
	Amount      int64
	Currency    string
	Provider    string
	ProviderRef string
	URL         string
	Status      InvoiceStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreditRequest carries the data needed to apply a confirmed payment.
// ProviderRef is the provider's payment reference; a non-empty value is
// applied at most once.
type CreditRequest struct {
	UserID      int64
	Amount      int64
	ProviderRef string
	InvoiceRef  string
}

const (
	// MaxRecentLogs bounds RecentLogs regardless of the requested limit.
	MaxRecentLogs = 100
)

func clampLogLimit(limit int) int {
	if limit <= 0 || limit > MaxRecentLogs {
		return MaxRecentLogs
	}
	return limit
}
