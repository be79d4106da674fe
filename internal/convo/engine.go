package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bot-topup/internal/metrics"
	"bot-topup/internal/payment"
	"bot-topup/internal/repo"
	"bot-topup/internal/syncutil"
)

const (
	msgTopUpPrompt    = "Enter the amount you want to top up, in minor units (100 = 1.00)."
	msgInvalidAmount  = "The amount must be a positive whole number."
	msgProviderFailed = "Could not create an invoice right now. Please try again later."
	msgGenericError   = "Something went wrong. Please try again later."
	msgAwaitingPay    = "Your invoice is waiting for payment. Send /check once you have paid, or /topup for a new invoice."
	msgHelp           = "Send /topup to top up your balance or /balance to see it."
)

// TopUps creates invoices and reads balances.
type TopUps interface {
	RequestTopUp(ctx context.Context, userID, amount int64) (*payment.Invoice, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	Currency() string
}

// PaymentChecker reports on a user's last payment without changing anything.
type PaymentChecker interface {
	CheckPayment(ctx context.Context, userID int64) (string, error)
}

// AdminPanel renders admin replies. An unauthorized caller gets the denial
// text and a nil error.
type AdminPanel interface {
	Menu(ctx context.Context, caller int64) (string, error)
	Users(ctx context.Context, caller int64) (string, error)
	Logs(ctx context.Context, caller int64) (string, error)
	Grant(ctx context.Context, caller, target int64) (string, error)
	Revoke(ctx context.Context, caller, target int64) (string, error)
}

// Messenger delivers outbound chat messages.
type Messenger interface {
	SendText(ctx context.Context, userID int64, text string) error
	SendInvoice(ctx context.Context, userID int64, inv *payment.Invoice) error
}

// Deps are the collaborators of an Engine. Sessions defaults to an
// in-memory store.
type Deps struct {
	Sessions  SessionStore
	TopUps    TopUps
	Payments  PaymentChecker
	Admin     AdminPanel
	Messenger Messenger
}

// Engine runs the conversation state machine. Events for the same user are
// handled one at a time; different users proceed in parallel.
type Engine struct {
	sessions SessionStore
	topups   TopUps
	payments PaymentChecker
	admin    AdminPanel
	out      Messenger
	locks    *syncutil.KeyedMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewEngine wires an Engine.
func NewEngine(deps Deps, logger *slog.Logger, m *metrics.Metrics) *Engine {
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewMemorySessionStore(0)
	}
	return &Engine{
		sessions: sessions,
		topups:   deps.TopUps,
		payments: deps.Payments,
		admin:    deps.Admin,
		out:      deps.Messenger,
		locks:    syncutil.NewKeyedMutex(),
		logger:   logger.With("component", "convo"),
		metrics:  m,
		now:      time.Now,
	}
}

// Handle processes one event. Failures are logged and answered in chat;
// nothing is returned to the transport.
func (e *Engine) Handle(ctx context.Context, ev Event) {
	user := ev.Sender()
	if e.metrics != nil {
		e.metrics.ChatIncoming.WithLabelValues(ev.kind()).Inc()
	}

	unlock, err := e.locks.LockContext(ctx, user)
	if err != nil {
		e.logger.Warn("dropped event while waiting for user lock", "user_id", user, "event", ev.kind(), "error", err)
		return
	}
	defer unlock()

	sess, err := e.sessions.Load(ctx, user)
	if err != nil {
		e.fail(ctx, user, "load session", err)
		return
	}

	switch ev := ev.(type) {
	case StartRequested:
		e.reply(ctx, user, greeting(ev.Name))
	case TopUpRequested:
		e.startTopUp(ctx, user)
	case TextEntered:
		e.handleText(ctx, user, sess, ev.Text)
	case BalanceRequested:
		e.showBalance(ctx, user)
	case CheckPaymentRequested:
		e.answer(ctx, user, "check payment", func() (string, error) { return e.payments.CheckPayment(ctx, user) })
	case AdminPanelRequested:
		e.answer(ctx, user, "admin menu", func() (string, error) { return e.admin.Menu(ctx, user) })
	case AdminUsersRequested:
		e.answer(ctx, user, "admin users", func() (string, error) { return e.admin.Users(ctx, user) })
	case AdminLogsRequested:
		e.answer(ctx, user, "admin logs", func() (string, error) { return e.admin.Logs(ctx, user) })
	case AdminGrantRequested:
		e.answer(ctx, user, "admin grant", func() (string, error) { return e.admin.Grant(ctx, user, ev.Target) })
	case AdminRevokeRequested:
		e.answer(ctx, user, "admin revoke", func() (string, error) { return e.admin.Revoke(ctx, user, ev.Target) })
	default:
		e.logger.Warn("unhandled event", "user_id", user, "event", fmt.Sprintf("%T", ev))
	}
}

func (e *Engine) startTopUp(ctx context.Context, user int64) {
	if err := e.save(ctx, user, Session{State: StateAwaitingAmount}); err != nil {
		e.fail(ctx, user, "save session", err)
		return
	}
	e.reply(ctx, user, msgTopUpPrompt)
}

func (e *Engine) handleText(ctx context.Context, user int64, sess Session, text string) {
	switch sess.State {
	case StateAwaitingAmount:
	case StateAwaitingPaymentApproval:
		e.reply(ctx, user, msgAwaitingPay)
		return
	default:
		e.reply(ctx, user, msgHelp)
		return
	}

	amount, err := ParseAmount(text)
	if err != nil {
		e.logger.Debug("rejected amount", "user_id", user, "input", text)
		e.reply(ctx, user, msgInvalidAmount)
		return
	}

	inv, err := e.topups.RequestTopUp(ctx, user, amount)
	switch {
	case errors.Is(err, payment.ErrInvalidAmount):
		e.reply(ctx, user, msgInvalidAmount)
		return
	case err != nil:
		e.logger.Error("top-up request failed", "user_id", user, "amount", amount, "error", err)
		e.metrics.IncError("convo")
		e.reply(ctx, user, msgProviderFailed)
		return
	}

	if err := e.save(ctx, user, Session{State: StateAwaitingPaymentApproval, InvoiceRef: inv.Ref}); err != nil {
		e.fail(ctx, user, "save session", err)
		return
	}
	e.logger.Info("top-up requested", "user_id", user, "amount", amount, "ref", inv.Ref)

	if err := e.out.SendInvoice(ctx, user, inv); err != nil {
		e.logger.Error("failed sending invoice", "user_id", user, "ref", inv.Ref, "error", err)
		e.metrics.IncError("convo_send")
	}
}

func (e *Engine) showBalance(ctx context.Context, user int64) {
	balance, err := e.topups.Balance(ctx, user)
	if err != nil {
		e.fail(ctx, user, "get balance", err)
		return
	}
	e.reply(ctx, user, "Your balance: "+payment.FormatAmount(balance, e.topups.Currency()))
}

func (e *Engine) answer(ctx context.Context, user int64, op string, fn func() (string, error)) {
	text, err := fn()
	if err != nil {
		e.fail(ctx, user, op, err)
		return
	}
	e.reply(ctx, user, text)
}

// ResetAfterPayment returns a user waiting on an invoice to Idle.
func (e *Engine) ResetAfterPayment(ctx context.Context, userID int64) error {
	unlock, err := e.locks.LockContext(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := e.sessions.Load(ctx, userID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess.State != StateAwaitingPaymentApproval {
		return nil
	}
	return e.save(ctx, userID, IdleSession())
}

// InvoiceExpired resets the session if it still points at inv and tells the
// user the invoice closed unpaid. inv.Status picks the wording.
func (e *Engine) InvoiceExpired(ctx context.Context, inv repo.Invoice) {
	unlock, err := e.locks.LockContext(ctx, inv.UserID)
	if err != nil {
		e.logger.Warn("skipped expiry notice", "user_id", inv.UserID, "ref", inv.Ref, "error", err)
		return
	}
	defer unlock()

	sess, err := e.sessions.Load(ctx, inv.UserID)
	if err != nil {
		e.logger.Error("load session for expired invoice", "user_id", inv.UserID, "ref", inv.Ref, "error", err)
	} else if sess.State == StateAwaitingPaymentApproval && sess.InvoiceRef == inv.Ref {
		if err := e.save(ctx, inv.UserID, IdleSession()); err != nil {
			e.logger.Error("reset session for expired invoice", "user_id", inv.UserID, "ref", inv.Ref, "error", err)
		}
	}

	amount := payment.FormatAmount(inv.Amount, inv.Currency)
	if inv.Status == repo.InvoiceFailed {
		e.reply(ctx, inv.UserID, fmt.Sprintf("Your payment of %s did not go through. Send /topup to try again.", amount))
		return
	}
	e.reply(ctx, inv.UserID, fmt.Sprintf("Your invoice for %s has expired. Send /topup to create a new one.", amount))
}

func (e *Engine) save(ctx context.Context, user int64, s Session) error {
	s.UpdatedAt = e.now()
	return e.sessions.Save(ctx, user, s)
}

func (e *Engine) fail(ctx context.Context, user int64, op string, err error) {
	e.logger.Error(op+" failed", "user_id", user, "error", err)
	e.metrics.IncError("convo")
	e.reply(ctx, user, msgGenericError)
}

func (e *Engine) reply(ctx context.Context, user int64, text string) {
	if err := e.out.SendText(ctx, user, text); err != nil {
		e.logger.Error("failed sending reply", "user_id", user, "error", err)
		e.metrics.IncError("convo_send")
	}
}

func greeting(name string) string {
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hello, %s!\n\nI am the balance top-up bot.\n%s", name, msgHelp)
}
