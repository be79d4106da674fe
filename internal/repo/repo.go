package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"bot-topup/internal/retry"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresRepository provides typed access to the Postgres ledger.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

var _ Repository = (*PostgresRepository)(nil)

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := retry.Do(ctx, 5, 500*time.Millisecond, func() error { return r.Ping(ctx) }); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations applies the postgres/ goose migrations from filesystem.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	db := stdlib.OpenDBFromPool(r.pool)
	return applyMigrations(ctx, db, goose.DialectPostgres, filesystem, "postgres", r.logger)
}

// WithTx executes fn within a database transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, fn)
}

// Credit inserts a successful payment and increments the account balance in
// one transaction. A repeated ProviderRef returns ErrDuplicatePayment and
// leaves the ledger untouched.
func (r *PostgresRepository) Credit(ctx context.Context, req CreditRequest) (*Payment, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var p Payment
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		const insertPayment = `
INSERT INTO payments (user_id, total_amount, status, provider_ref, invoice_ref)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
ON CONFLICT (provider_ref) DO NOTHING
RETURNING payment_id, user_id, total_amount, status, COALESCE(provider_ref, ''), COALESCE(invoice_ref, ''), created_at;
`
		err := tx.QueryRow(ctx, insertPayment,
			req.UserID,
			req.Amount,
			string(PaymentSuccessful),
			req.ProviderRef,
			req.InvoiceRef,
		).Scan(&p.ID, &p.UserID, &p.Amount, &p.Status, &p.ProviderRef, &p.InvoiceRef, &p.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicatePayment
		}
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		const upsertAccount = `
INSERT INTO accounts (user_id, balance)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET
    balance = accounts.balance + EXCLUDED.balance,
    updated_at = NOW();
`
		if _, err := tx.Exec(ctx, upsertAccount, req.UserID, req.Amount); err != nil {
			return fmt.Errorf("credit account: %w", err)
		}

		if req.InvoiceRef != "" {
			const markPaid = `UPDATE invoices SET status = $2, updated_at = NOW() WHERE ref = $1`
			if _, err := tx.Exec(ctx, markPaid, req.InvoiceRef, string(InvoicePaid)); err != nil {
				return fmt.Errorf("mark invoice paid: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, ErrDuplicatePayment) {
		return nil, wrapDuplicate(req.ProviderRef)
	}
	if err != nil {
		return nil, storageErr("credit", err)
	}
	return &p, nil
}

// GetBalance returns the stored balance, or zero when the account does not exist.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("get balance", err)
	}
	return balance, nil
}

// GetLastPayment returns the newest payment of the user by payment id.
func (r *PostgresRepository) GetLastPayment(ctx context.Context, userID int64) (*Payment, error) {
	const q = `
SELECT payment_id, user_id, total_amount, status, COALESCE(provider_ref, ''), COALESCE(invoice_ref, ''), created_at
FROM payments
WHERE user_id = $1
ORDER BY payment_id DESC
LIMIT 1;
`
	var p Payment
	err := r.pool.QueryRow(ctx, q, userID).Scan(&p.ID, &p.UserID, &p.Amount, &p.Status, &p.ProviderRef, &p.InvoiceRef, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get last payment", err)
	}
	return &p, nil
}

// IsAdmin reports the admin flag; unknown users are not admins.
func (r *PostgresRepository) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	var admin bool
	err := r.pool.QueryRow(ctx, `SELECT is_admin FROM accounts WHERE user_id = $1`, userID).Scan(&admin)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("is admin", err)
	}
	return admin, nil
}

// SetAdmin grants (upserting the account) or revokes (update only) admin rights.
func (r *PostgresRepository) SetAdmin(ctx context.Context, userID int64, admin bool) error {
	var err error
	if admin {
		_, err = r.pool.Exec(ctx, `
INSERT INTO accounts (user_id, is_admin)
VALUES ($1, true)
ON CONFLICT (user_id) DO UPDATE SET is_admin = true, updated_at = NOW();`, userID)
	} else {
		_, err = r.pool.Exec(ctx, `UPDATE accounts SET is_admin = false, updated_at = NOW() WHERE user_id = $1`, userID)
	}
	if err != nil {
		return storageErr("set admin", err)
	}
	return nil
}

// ListAccounts returns every account ordered by user id.
func (r *PostgresRepository) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id, balance, is_admin FROM accounts ORDER BY user_id ASC`)
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

// AppendLog stores a log line for the admin log view.
func (r *PostgresRepository) AppendLog(ctx context.Context, level, message string) error {
	if _, err := r.pool.Exec(ctx, `INSERT INTO logs (level, message) VALUES ($1, $2)`, level, message); err != nil {
		return storageErr("append log", err)
	}
	return nil
}

// RecentLogs returns up to limit (max 100) log entries, newest first.
func (r *PostgresRepository) RecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	const q = `
SELECT id, created_at, level, message
FROM logs
ORDER BY id DESC
LIMIT $1;
`
	rows, err := r.pool.Query(ctx, q, clampLogLimit(limit))
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

// CreateInvoice stores a new pending invoice.
func (r *PostgresRepository) CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	if inv.Status == "" {
		inv.Status = InvoicePending
	}
	var createdAt *time.Time
	if !inv.CreatedAt.IsZero() {
		createdAt = &inv.CreatedAt
	}
	const q = `
INSERT INTO invoices (ref, user_id, amount, currency, provider, provider_ref, url, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
RETURNING created_at, updated_at;
`
	err := r.pool.QueryRow(ctx, q,
		inv.Ref,
		inv.UserID,
		inv.Amount,
		inv.Currency,
		inv.Provider,
		inv.ProviderRef,
		inv.URL,
		string(inv.Status),
		createdAt,
	).Scan(&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, storageErr("insert invoice", err)
	}
	return &inv, nil
}

// GetInvoice retrieves an invoice by reference.
func (r *PostgresRepository) GetInvoice(ctx context.Context, ref string) (*Invoice, error) {
	const q = `
SELECT ref, user_id, amount, currency, provider, provider_ref, url, status, created_at, updated_at
FROM invoices
WHERE ref = $1
LIMIT 1;
`
	inv, err := scanInvoice(r.pool.QueryRow(ctx, q, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get invoice", err)
	}
	return inv, nil
}

// UpdateInvoiceStatus moves a pending invoice to status and reports whether
// a row changed. Invoices that already left pending are not touched.
func (r *PostgresRepository) UpdateInvoiceStatus(ctx context.Context, ref string, status InvoiceStatus) (bool, error) {
	const q = `
UPDATE invoices
SET status = $2, updated_at = NOW()
WHERE ref = $1 AND status = 'pending';
`
	tag, err := r.pool.Exec(ctx, q, ref, string(status))
	if err != nil {
		return false, storageErr("update invoice status", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListStaleInvoices returns pending invoices created before the cutoff, oldest first.
func (r *PostgresRepository) ListStaleInvoices(ctx context.Context, createdBefore time.Time, limit int) ([]Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ref, user_id, amount, currency, provider, provider_ref, url, status, created_at, updated_at
FROM invoices
WHERE status = 'pending' AND created_at < $1
ORDER BY created_at ASC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, createdBefore, limit)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	var inv Invoice
	if err := row.Scan(&inv.Ref, &inv.UserID, &inv.Amount, &inv.Currency, &inv.Provider, &inv.ProviderRef, &inv.URL, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	return &inv, nil
}
