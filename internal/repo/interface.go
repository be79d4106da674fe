package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"
)

var (
	// ErrNotFound indicates a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicatePayment is returned by Credit when the provider reference was already applied.
	ErrDuplicatePayment = errors.New("payment already applied")
	// ErrStorage wraps every failure of the underlying store.
	ErrStorage = errors.New("storage failure")
	// ErrInvalidAmount rejects non-positive credit amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	errDuplicateKey = errors.New("duplicate key")
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Ledger
	Credit(ctx context.Context, req CreditRequest) (*Payment, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	GetLastPayment(ctx context.Context, userID int64) (*Payment, error)

	// Accounts
	IsAdmin(ctx context.Context, userID int64) (bool, error)
	SetAdmin(ctx context.Context, userID int64, admin bool) error
	ListAccounts(ctx context.Context) ([]Account, error)

	// Logs
	AppendLog(ctx context.Context, level, message string) error
	RecentLogs(ctx context.Context, limit int) ([]LogEntry, error)

	// Invoices
	CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error)
	GetInvoice(ctx context.Context, ref string) (*Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, ref string, status InvoiceStatus) (bool, error)
	ListStaleInvoices(ctx context.Context, createdBefore time.Time, limit int) ([]Invoice, error)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

func wrapDuplicate(providerRef string) error {
	return fmt.Errorf("credit %s: %w", providerRef, ErrDuplicatePayment)
}
