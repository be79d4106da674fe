package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// SQLiteRepository provides access to a local SQLite database.
type SQLiteRepository struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLite opens a new connection to the SQLite database.
func NewSQLite(ctx context.Context, databasePath string, logger *slog.Logger) (*SQLiteRepository, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON&_time_format=sqlite", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection serializes credits the way a row lock does in Postgres.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteRepository{
		db:     db,
		logger: logger.With("component", "repo_sqlite"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the database connection.
func (r *SQLiteRepository) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

// Ping ensures the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunMigrations applies the sqlite/ goose migrations from filesystem.
func (r *SQLiteRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return applyMigrations(ctx, r.db, goose.DialectSQLite3, filesystem, "sqlite", r.logger)
}

// -- Ledger --

func (r *SQLiteRepository) Credit(ctx context.Context, req CreditRequest) (*Payment, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("credit begin", err)
	}
	defer tx.Rollback()

	now := r.now()
	const insertPayment = `
INSERT INTO payments (user_id, total_amount, status, provider_ref, invoice_ref, created_at)
VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)
ON CONFLICT (provider_ref) DO NOTHING
RETURNING payment_id;
`
	p := Payment{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Status:      PaymentSuccessful,
		ProviderRef: req.ProviderRef,
		InvoiceRef:  req.InvoiceRef,
		CreatedAt:   now,
	}
	err = tx.QueryRowContext(ctx, insertPayment,
		req.UserID,
		req.Amount,
		string(PaymentSuccessful),
		req.ProviderRef,
		req.InvoiceRef,
		now,
	).Scan(&p.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapDuplicate(req.ProviderRef)
	}
	if err != nil {
		return nil, storageErr("insert payment", err)
	}

	const upsertAccount = `
INSERT INTO accounts (user_id, balance, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    balance = accounts.balance + excluded.balance,
    updated_at = excluded.updated_at;
`
	if _, err := tx.ExecContext(ctx, upsertAccount, req.UserID, req.Amount, now, now); err != nil {
		return nil, storageErr("credit account", err)
	}

	if req.InvoiceRef != "" {
		const markPaid = `UPDATE invoices SET status = ?, updated_at = ? WHERE ref = ?`
		if _, err := tx.ExecContext(ctx, markPaid, string(InvoicePaid), now, req.InvoiceRef); err != nil {
			return nil, storageErr("mark invoice paid", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("credit commit", err)
	}
	return &p, nil
}

func (r *SQLiteRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("get balance", err)
	}
	return balance, nil
}

func (r *SQLiteRepository) GetLastPayment(ctx context.Context, userID int64) (*Payment, error) {
	const q = `
SELECT payment_id, user_id, total_amount, status, COALESCE(provider_ref, ''), COALESCE(invoice_ref, ''), created_at
FROM payments
WHERE user_id = ?
ORDER BY payment_id DESC
LIMIT 1;
`
	var p Payment
	err := r.db.QueryRowContext(ctx, q, userID).Scan(&p.ID, &p.UserID, &p.Amount, &p.Status, &p.ProviderRef, &p.InvoiceRef, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get last payment", err)
	}
	return &p, nil
}

// -- Accounts --

func (r *SQLiteRepository) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	var admin bool
	err := r.db.QueryRowContext(ctx, `SELECT is_admin FROM accounts WHERE user_id = ?`, userID).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("is admin", err)
	}
	return admin, nil
}

func (r *SQLiteRepository) SetAdmin(ctx context.Context, userID int64, admin bool) error {
	now := r.now()
	var err error
	if admin {
		_, err = r.db.ExecContext(ctx, `
INSERT INTO accounts (user_id, is_admin, created_at, updated_at)
VALUES (?, 1, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET is_admin = 1, updated_at = excluded.updated_at;`, userID, now, now)
	} else {
		_, err = r.db.ExecContext(ctx, `UPDATE accounts SET is_admin = 0, updated_at = ? WHERE user_id = ?`, now, userID)
	}
	if err != nil {
		return storageErr("set admin", err)
	}
	return nil
}

func (r *SQLiteRepository) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id, balance, is_admin FROM accounts ORDER BY user_id ASC`)
	if err != nil {
		return nil, storageErr("list accounts", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.UserID, &a.Balance, &a.IsAdmin); err != nil {
			return nil, storageErr("scan account", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate accounts", err)
	}
	return accounts, nil
}

// -- Logs --

func (r *SQLiteRepository) AppendLog(ctx context.Context, level, message string) error {
	if _, err := r.db.ExecContext(ctx, `INSERT INTO logs (created_at, level, message) VALUES (?, ?, ?)`, r.now(), level, message); err != nil {
		return storageErr("append log", err)
	}
	return nil
}

func (r *SQLiteRepository) RecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, created_at, level, message FROM logs ORDER BY id DESC LIMIT ?`, clampLogLimit(limit))
	if err != nil {
		return nil, storageErr("recent logs", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Time, &e.Level, &e.Message); err != nil {
			return nil, storageErr("scan log", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate logs", err)
	}
	return entries, nil
}

// -- Invoices --

func (r *SQLiteRepository) CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	if inv.Status == "" {
		inv.Status = InvoicePending
	}
	now := r.now()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now
	const q = `
INSERT INTO invoices (ref, user_id, amount, currency, provider, provider_ref, url, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := r.db.ExecContext(ctx, q,
		inv.Ref,
		inv.UserID,
		inv.Amount,
		inv.Currency,
		inv.Provider,
		inv.ProviderRef,
		inv.URL,
		string(inv.Status),
		inv.CreatedAt.UTC(),
		inv.UpdatedAt,
	)
	if err != nil {
		return nil, storageErr("insert invoice", err)
	}
	return &inv, nil
}

func (r *SQLiteRepository) GetInvoice(ctx context.Context, ref string) (*Invoice, error) {
	const q = `
SELECT ref, user_id, amount, currency, provider, provider_ref, url, status, created_at, updated_at
FROM invoices
WHERE ref = ?
LIMIT 1;
`
	inv, err := scanInvoice(r.db.QueryRowContext(ctx, q, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get invoice", err)
	}
	return inv, nil
}

func (r *SQLiteRepository) UpdateInvoiceStatus(ctx context.Context, ref string, status InvoiceStatus) (bool, error) {
	const q = `UPDATE invoices SET status = ?, updated_at = ? WHERE ref = ? AND status = 'pending'`
	res, err := r.db.ExecContext(ctx, q, string(status), r.now(), ref)
	if err != nil {
		return false, storageErr("update invoice status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("update invoice status", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) ListStaleInvoices(ctx context.Context, createdBefore time.Time, limit int) ([]Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ref, user_id, amount, currency, provider, provider_ref, url, status, created_at, updated_at
FROM invoices
WHERE status = 'pending' AND created_at < ?
ORDER BY created_at ASC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, createdBefore.UTC(), limit)
	if err != nil {
		return nil, storageErr("list stale invoices", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, storageErr("scan invoice", err)
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate invoices", err)
	}
	return invoices, nil
}
