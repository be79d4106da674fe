package repo

import (
	"context"
	"io/fs"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps the ledger in process memory. It backs the
// "memory" driver and tests; nothing survives a restart.
type MemoryRepository struct {
	mu         sync.Mutex
	accounts   map[int64]*Account
	payments   []Payment
	refs       map[string]struct{}
	logs       []LogEntry
	invoices   map[string]*Invoice
	nextPay    int64
	nextLog    int64
	now        func() time.Time
	failCredit error
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemory returns an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[int64]*Account),
		refs:     make(map[string]struct{}),
		invoices: make(map[string]*Invoice),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FailCreditsWith makes every subsequent Credit fail with a storage error
// wrapping err. Passing nil restores normal behaviour.
func (r *MemoryRepository) FailCreditsWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCredit = err
}

func (r *MemoryRepository) Close() {}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func (r *MemoryRepository) RunMigrations(context.Context, fs.FS) error { return nil }

func (r *MemoryRepository) Credit(_ context.Context, req CreditRequest) (*Payment, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failCredit != nil {
		return nil, storageErr("credit", r.failCredit)
	}
	if req.ProviderRef != "" {
		if _, seen := r.refs[req.ProviderRef]; seen {
			return nil, wrapDuplicate(req.ProviderRef)
		}
		r.refs[req.ProviderRef] = struct{}{}
	}

	acct := r.account(req.UserID)
	acct.Balance += req.Amount

	r.nextPay++
	p := Payment{
		ID:          r.nextPay,
		UserID:      req.UserID,
		Amount:      req.Amount,
		Status:      PaymentSuccessful,
		ProviderRef: req.ProviderRef,
		InvoiceRef:  req.InvoiceRef,
		CreatedAt:   r.now(),
	}
	r.payments = append(r.payments, p)

	if inv, ok := r.invoices[req.InvoiceRef]; ok {
		inv.Status = InvoicePaid
		inv.UpdatedAt = p.CreatedAt
	}
	return &p, nil
}

func (r *MemoryRepository) GetBalance(_ context.Context, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if acct, ok := r.accounts[userID]; ok {
		return acct.Balance, nil
	}
	return 0, nil
}

func (r *MemoryRepository) GetLastPayment(_ context.Context, userID int64) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.payments) - 1; i >= 0; i-- {
		if r.payments[i].UserID == userID {
			p := r.payments[i]
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

// PaymentsFor returns every payment recorded for userID, oldest first.
func (r *MemoryRepository) PaymentsFor(userID int64) []Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payment
	for _, p := range r.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}

func (r *MemoryRepository) IsAdmin(_ context.Context, userID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[userID]
	return ok && acct.IsAdmin, nil
}

func (r *MemoryRepository) SetAdmin(_ context.Context, userID int64, admin bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if admin {
		r.account(userID).IsAdmin = true
		return nil
	}
	if acct, ok := r.accounts[userID]; ok {
		acct.IsAdmin = false
	}
	return nil
}

func (r *MemoryRepository) ListAccounts(context.Context) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Account, 0, len(r.accounts))
	for _, acct := range r.accounts {
		out = append(out, *acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *MemoryRepository) AppendLog(_ context.Context, level, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextLog++
	r.logs = append(r.logs, LogEntry{ID: r.nextLog, Time: r.now(), Level: level, Message: message})
	return nil
}

func (r *MemoryRepository) RecentLogs(_ context.Context, limit int) ([]LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit = clampLogLimit(limit)
	out := make([]LogEntry, 0, min(limit, len(r.logs)))
	for i := len(r.logs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.logs[i])
	}
	return out, nil
}

func (r *MemoryRepository) CreateInvoice(_ context.Context, inv Invoice) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.invoices[inv.Ref]; exists {
		return nil, storageErr("insert invoice", errDuplicateKey)
	}
	if inv.Status == "" {
		inv.Status = InvoicePending
	}
	now := r.now()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now
	stored := inv
	r.invoices[inv.Ref] = &stored
	return &inv, nil
}

func (r *MemoryRepository) GetInvoice(_ context.Context, ref string) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[ref]
	if !ok {
		return nil, ErrNotFound
	}
	out := *inv
	return &out, nil
}

func (r *MemoryRepository) UpdateInvoiceStatus(_ context.Context, ref string, status InvoiceStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[ref]
	if !ok || inv.Status != InvoicePending {
		return false, nil
	}
	inv.Status = status
	inv.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRepository) ListStaleInvoices(_ context.Context, createdBefore time.Time, limit int) ([]Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.Status == InvoicePending && inv.CreatedAt.Before(createdBefore) {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) account(userID int64) *Account {
	acct, ok := r.accounts[userID]
	if !ok {
		acct = &Account{UserID: userID}
		r.accounts[userID] = acct
	}
	return acct
}
