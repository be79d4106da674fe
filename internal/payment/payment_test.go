package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"bot-topup/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu        sync.Mutex
	requests  []InvoiceRequest
	cancelled []string
	err       error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) CreateInvoice(_ context.Context, req InvoiceRequest) (*ProviderInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &ProviderInvoice{ProviderRef: "prov-" + req.Ref, URL: "https://pay.example/" + req.Ref}, nil
}

func (f *fakeProvider) CancelInvoice(_ context.Context, providerRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, providerRef)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestTopUp_InvalidAmount(t *testing.T) {
	provider := &fakeProvider{}
	o := NewOrchestrator(repo.NewMemory(), provider, Config{}, testLogger(), nil)

	for _, amount := range []int64{0, -5} {
		_, err := o.RequestTopUp(context.Background(), 42, amount)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
	assert.Empty(t, provider.requests)
}

func TestRequestTopUp_CreatesPendingInvoice(t *testing.T) {
	store := repo.NewMemory()
	provider := &fakeProvider{}
	o := NewOrchestrator(store, provider, Config{Currency: "RUB"}, testLogger(), nil)
	o.newRef = func() string { return "inv-1" }

	inv, err := o.RequestTopUp(context.Background(), 42, 500)
	require.NoError(t, err)
	assert.Equal(t, "inv-1", inv.Ref)
	assert.Equal(t, int64(500), inv.Amount)
	assert.Equal(t, "RUB", inv.Currency)
	assert.Equal(t, "https://pay.example/inv-1", inv.URL)

	require.Len(t, provider.requests, 1)
	assert.Equal(t, int64(500), provider.requests[0].Amount)
	assert.Equal(t, int64(42), provider.requests[0].UserID)

	stored, err := store.GetInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, repo.InvoicePending, stored.Status)
	assert.Equal(t, "prov-inv-1", stored.ProviderRef)
	assert.Equal(t, "fake", stored.Provider)

	balance, err := o.Balance(context.Background(), 42)
	require.NoError(t, err)
	assert.Zero(t, balance, "issuing an invoice must not touch the balance")
}

func TestRequestTopUp_ProviderFailure(t *testing.T) {
	store := repo.NewMemory()
	provider := &fakeProvider{err: errors.New("gateway timeout")}
	o := NewOrchestrator(store, provider, Config{}, testLogger(), nil)
	o.newRef = func() string { return "inv-x" }

	_, err := o.RequestTopUp(context.Background(), 42, 500)
	require.ErrorIs(t, err, ErrProvider)
	assert.Contains(t, err.Error(), "gateway timeout")
	assert.Len(t, provider.requests, 1, "provider failures are not retried")

	_, err = store.GetInvoice(context.Background(), "inv-x")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRequestTopUp_StoreFailureCancelsInvoice(t *testing.T) {
	store := repo.NewMemory()
	_, err := store.CreateInvoice(context.Background(), repo.Invoice{Ref: "dup", UserID: 1, Amount: 1, Currency: "RUB", Provider: "fake"})
	require.NoError(t, err)

	provider := &fakeProvider{}
	o := NewOrchestrator(store, provider, Config{}, testLogger(), nil)
	o.newRef = func() string { return "dup" }

	_, err = o.RequestTopUp(context.Background(), 42, 500)
	require.ErrorIs(t, err, repo.ErrStorage)
	assert.Equal(t, []string{"prov-dup"}, provider.cancelled)
}

type recordingListener struct {
	mu      sync.Mutex
	expired []repo.Invoice
}

func (r *recordingListener) InvoiceExpired(_ context.Context, inv repo.Invoice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, inv)
}

func TestSweepOnce(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	now := time.Now().UTC()

	_, err := store.CreateInvoice(ctx, repo.Invoice{Ref: "old", UserID: 1, Amount: 100, Currency: "RUB", Provider: "fake", ProviderRef: "p-old", CreatedAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = store.CreateInvoice(ctx, repo.Invoice{Ref: "paid", UserID: 2, Amount: 100, Currency: "RUB", Provider: "fake", ProviderRef: "p-paid", CreatedAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = store.CreateInvoice(ctx, repo.Invoice{Ref: "fresh", UserID: 3, Amount: 100, Currency: "RUB", Provider: "fake", ProviderRef: "p-fresh"})
	require.NoError(t, err)
	_, err = store.Credit(ctx, repo.CreditRequest{UserID: 2, Amount: 100, ProviderRef: "fake:p-paid", InvoiceRef: "paid"})
	require.NoError(t, err)

	provider := &fakeProvider{}
	listener := &recordingListener{}
	s := NewSweeper(store, provider, listener, 15*time.Minute, time.Minute, testLogger(), nil)

	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"p-old"}, provider.cancelled)
	require.Len(t, listener.expired, 1)
	assert.Equal(t, "old", listener.expired[0].Ref)
	assert.Equal(t, repo.InvoiceExpired, listener.expired[0].Status)

	inv, err := store.GetInvoice(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, repo.InvoiceExpired, inv.Status)

	inv, err = store.GetInvoice(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, repo.InvoicePending, inv.Status)

	n, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeperStartStop(t *testing.T) {
	s := NewSweeper(repo.NewMemory(), nil, nil, time.Minute, 5*time.Millisecond, testLogger(), nil)
	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, s.Running, time.Second, time.Millisecond)
	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.False(t, s.Running())
}

func TestFormatAmount(t *testing.T) {
	cases := map[int64]string{
		0:      "0.00 RUB",
		5:      "0.05 RUB",
		500:    "5.00 RUB",
		12345:  "123.45 RUB",
		-250:   "-2.50 RUB",
		100000: "1000.00 RUB",
	}
	for minor, want := range cases {
		assert.Equal(t, want, FormatAmount(minor, "RUB"))
	}
	assert.Equal(t, "1.00", FormatAmount(100, ""))
}
