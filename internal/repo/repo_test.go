package repo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bot-topup/migrations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSQLiteRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	r, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.NoError(t, r.RunMigrations(ctx, migrations.Files))
	return r
}

// backends lists every Repository implementation exercised by the shared suite.
func backends(t *testing.T) map[string]func(t *testing.T) Repository {
	t.Helper()
	return map[string]func(t *testing.T) Repository{
		"memory": func(t *testing.T) Repository { return NewMemory() },
		"sqlite": func(t *testing.T) Repository { return newSQLiteRepo(t) },
	}
}

func TestRepositories(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			runRepositorySuite(t, open)
		})
	}
}

func runRepositorySuite(t *testing.T, open func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("credit fresh account", func(t *testing.T) {
		r := open(t)
		for _, amount := range []int64{1, 100, 500, 1_000_000} {
			user := 1000 + amount
			p, err := r.Credit(ctx, CreditRequest{UserID: user, Amount: amount, ProviderRef: fmt.Sprintf("ref-%d", amount)})
			require.NoError(t, err)
			assert.Equal(t, amount, p.Amount)
			assert.Equal(t, PaymentSuccessful, p.Status)

			balance, err := r.GetBalance(ctx, user)
			require.NoError(t, err)
			assert.Equal(t, amount, balance)

			last, err := r.GetLastPayment(ctx, user)
			require.NoError(t, err)
			assert.Equal(t, amount, last.Amount)
			assert.Equal(t, PaymentSuccessful, last.Status)
		}
	})

	t.Run("unknown user has zero balance", func(t *testing.T) {
		r := open(t)
		balance, err := r.GetBalance(ctx, 999)
		require.NoError(t, err)
		assert.Zero(t, balance)

		_, err = r.GetLastPayment(ctx, 999)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		r := open(t)
		_, err := r.Credit(ctx, CreditRequest{UserID: 1, Amount: 0, ProviderRef: "zero"})
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = r.Credit(ctx, CreditRequest{UserID: 1, Amount: -5, ProviderRef: "neg"})
		assert.ErrorIs(t, err, ErrInvalidAmount)

		balance, err := r.GetBalance(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, balance)
	})

	t.Run("duplicate provider ref credits once", func(t *testing.T) {
		r := open(t)
		req := CreditRequest{UserID: 42, Amount: 500, ProviderRef: "atlantic:dep-1"}
		_, err := r.Credit(ctx, req)
		require.NoError(t, err)
		_, err = r.Credit(ctx, req)
		assert.ErrorIs(t, err, ErrDuplicatePayment)

		balance, err := r.GetBalance(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, int64(500), balance)
	})

	t.Run("concurrent duplicates credit once", func(t *testing.T) {
		r := open(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = r.Credit(ctx, CreditRequest{UserID: 7, Amount: 250, ProviderRef: "dup"})
			}()
		}
		wg.Wait()

		balance, err := r.GetBalance(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(250), balance)
	})

	t.Run("credits accumulate and last payment is newest", func(t *testing.T) {
		r := open(t)
		_, err := r.Credit(ctx, CreditRequest{UserID: 5, Amount: 100, ProviderRef: "a"})
		require.NoError(t, err)
		_, err = r.Credit(ctx, CreditRequest{UserID: 5, Amount: 300, ProviderRef: "b"})
		require.NoError(t, err)

		balance, err := r.GetBalance(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(400), balance)

		last, err := r.GetLastPayment(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(300), last.Amount)
		assert.Equal(t, "b", last.ProviderRef)
	})

	t.Run("credit keeps admin flag", func(t *testing.T) {
		r := open(t)
		require.NoError(t, r.SetAdmin(ctx, 9, true))
		_, err := r.Credit(ctx, CreditRequest{UserID: 9, Amount: 10, ProviderRef: "x"})
		require.NoError(t, err)

		admin, err := r.IsAdmin(ctx, 9)
		require.NoError(t, err)
		assert.True(t, admin)
	})

	t.Run("admin grant and revoke are idempotent", func(t *testing.T) {
		r := open(t)
		require.NoError(t, r.SetAdmin(ctx, 3, false))
		accounts, err := r.ListAccounts(ctx)
		require.NoError(t, err)
		assert.Empty(t, accounts, "revoking an unknown user must not create it")

		require.NoError(t, r.SetAdmin(ctx, 3, true))
		require.NoError(t, r.SetAdmin(ctx, 3, true))
		admin, err := r.IsAdmin(ctx, 3)
		require.NoError(t, err)
		assert.True(t, admin)

		require.NoError(t, r.SetAdmin(ctx, 3, false))
		require.NoError(t, r.SetAdmin(ctx, 3, false))
		admin, err = r.IsAdmin(ctx, 3)
		require.NoError(t, err)
		assert.False(t, admin)

		admin, err = r.IsAdmin(ctx, 404)
		require.NoError(t, err)
		assert.False(t, admin)
	})

	t.Run("list accounts ascending", func(t *testing.T) {
		r := open(t)
		for i, user := range []int64{30, 10, 20} {
			_, err := r.Credit(ctx, CreditRequest{UserID: user, Amount: user, ProviderRef: fmt.Sprintf("l-%d", i)})
			require.NoError(t, err)
		}
		accounts, err := r.ListAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, accounts, 3)
		assert.Equal(t, int64(10), accounts[0].UserID)
		assert.Equal(t, int64(20), accounts[1].UserID)
		assert.Equal(t, int64(30), accounts[2].UserID)
		assert.Equal(t, int64(20), accounts[1].Balance)
	})

	t.Run("recent logs newest first and capped", func(t *testing.T) {
		r := open(t)
		for i := 0; i < MaxRecentLogs+5; i++ {
			require.NoError(t, r.AppendLog(ctx, "WARN", fmt.Sprintf("entry %d", i)))
		}
		entries, err := r.RecentLogs(ctx, 1000)
		require.NoError(t, err)
		require.Len(t, entries, MaxRecentLogs)
		assert.Equal(t, fmt.Sprintf("entry %d", MaxRecentLogs+4), entries[0].Message)
		assert.Equal(t, "WARN", entries[0].Level)

		few, err := r.RecentLogs(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, few, 2)
	})

	t.Run("invoice lifecycle", func(t *testing.T) {
		r := open(t)
		inv, err := r.CreateInvoice(ctx, Invoice{
			Ref:         "inv-1",
			UserID:      42,
			Amount:      500,
			Currency:    "RUB",
			Provider:    "atlantic",
			ProviderRef: "dep-1",
			URL:         "https://pay.example/1",
		})
		require.NoError(t, err)
		assert.Equal(t, InvoicePending, inv.Status)

		got, err := r.GetInvoice(ctx, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, int64(500), got.Amount)
		assert.Equal(t, "dep-1", got.ProviderRef)

		_, err = r.GetInvoice(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = r.Credit(ctx, CreditRequest{UserID: 42, Amount: 500, ProviderRef: "atlantic:dep-1", InvoiceRef: "inv-1"})
		require.NoError(t, err)
		got, err = r.GetInvoice(ctx, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, InvoicePaid, got.Status)

		changed, err := r.UpdateInvoiceStatus(ctx, "inv-1", InvoiceExpired)
		require.NoError(t, err)
		assert.False(t, changed, "paid invoices stay paid")
	})

	t.Run("stale invoices", func(t *testing.T) {
		r := open(t)
		old := time.Now().UTC().Add(-time.Hour)
		_, err := r.CreateInvoice(ctx, Invoice{Ref: "old", UserID: 1, Amount: 10, Currency: "RUB", Provider: "atlantic", CreatedAt: old})
		require.NoError(t, err)
		_, err = r.CreateInvoice(ctx, Invoice{Ref: "fresh", UserID: 2, Amount: 10, Currency: "RUB", Provider: "atlantic"})
		require.NoError(t, err)

		stale, err := r.ListStaleInvoices(ctx, time.Now().UTC().Add(-30*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "old", stale[0].Ref)

		changed, err := r.UpdateInvoiceStatus(ctx, "old", InvoiceExpired)
		require.NoError(t, err)
		assert.True(t, changed)

		stale, err = r.ListStaleInvoices(ctx, time.Now().UTC().Add(-30*time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, stale)
	})
}

func TestMemoryFailCredits(t *testing.T) {
	ctx := context.Background()
	r := NewMemory()
	r.FailCreditsWith(fmt.Errorf("disk full"))

	_, err := r.Credit(ctx, CreditRequest{UserID: 1, Amount: 10, ProviderRef: "r"})
	assert.ErrorIs(t, err, ErrStorage)
	balance, _ := r.GetBalance(ctx, 1)
	assert.Zero(t, balance)

	r.FailCreditsWith(nil)
	_, err = r.Credit(ctx, CreditRequest{UserID: 1, Amount: 10, ProviderRef: "r"})
	require.NoError(t, err, "a failed credit must not burn the provider ref")
}

func TestSQLiteRejectsEmptyPath(t *testing.T) {
	_, err := NewSQLite(context.Background(), "  ", discardLogger())
	assert.Error(t, err)
}

func TestClampLogLimit(t *testing.T) {
	assert.Equal(t, MaxRecentLogs, clampLogLimit(0))
	assert.Equal(t, MaxRecentLogs, clampLogLimit(-1))
	assert.Equal(t, MaxRecentLogs, clampLogLimit(MaxRecentLogs+1))
	assert.Equal(t, 5, clampLogLimit(5))
}
