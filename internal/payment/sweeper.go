package payment

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"bot-topup/internal/metrics"
	"bot-topup/internal/repo"
)

const sweepBatchSize = 100

// SweepStore is the part of the ledger the sweeper touches.
type SweepStore interface {
	ListStaleInvoices(ctx context.Context, createdBefore time.Time, limit int) ([]repo.Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, ref string, status repo.InvoiceStatus) (bool, error)
}

// ExpiryListener is told about every invoice the sweeper expires.
type ExpiryListener interface {
	InvoiceExpired(ctx context.Context, inv repo.Invoice)
}

// Sweeper periodically expires invoices left unpaid past the timeout.
type Sweeper struct {
	store    SweepStore
	provider Provider
	listener ExpiryListener
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper. listener may be nil.
func NewSweeper(store SweepStore, provider Provider, listener ExpiryListener, timeout, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		provider: provider,
		listener: listener,
		timeout:  timeout,
		interval: interval,
		logger:   logger.With("component", "invoice_sweeper"),
		metrics:  m,
		now:      time.Now,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in invoice sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.Warn("invoice sweep failed", "error", err)
	}
}

// SweepOnce expires every stale pending invoice and returns how many were
// expired. Provider cancellation is best-effort.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.timeout)
	stale, err := s.store.ListStaleInvoices(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale invoices: %w", err)
	}

	expired := 0
	for _, inv := range stale {
		if s.provider != nil && inv.Provider == s.provider.Name() && inv.ProviderRef != "" {
			if err := s.provider.CancelInvoice(ctx, inv.ProviderRef); err != nil {
				s.logger.Warn("cancel stale invoice failed", "ref", inv.Ref, "provider_ref", inv.ProviderRef, "error", err)
			}
		}

		changed, err := s.store.UpdateInvoiceStatus(ctx, inv.Ref, repo.InvoiceExpired)
		if err != nil {
			s.logger.Warn("expire invoice failed", "ref", inv.Ref, "error", err)
			continue
		}
		if !changed {
			// Paid or closed between listing and update.
			continue
		}

		expired++
		if s.metrics != nil {
			s.metrics.ExpiredInvoices.Inc()
		}
		s.logger.Info("invoice expired", "ref", inv.Ref, "user_id", inv.UserID, "amount", inv.Amount)
		inv.Status = repo.InvoiceExpired
		if s.listener != nil {
			s.listener.InvoiceExpired(ctx, inv)
		}
	}
	return expired, nil
}
