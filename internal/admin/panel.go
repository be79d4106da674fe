package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bot-topup/internal/payment"
)

const (
	msgDenied = "You do not have access to the admin panel."
	msgMenu   = "Admin panel:\n" +
		"/admin users - users and balances\n" +
		"/admin logs - recent errors and warnings\n" +
		"/admin grant <user id> - make a user admin\n" +
		"/admin revoke <user id> - remove admin rights"
)

// ChatPanel renders Service results as chat replies.
type ChatPanel struct {
	svc      *Service
	currency string
}

// NewChatPanel wraps svc. Balances are shown in currency.
func NewChatPanel(svc *Service, currency string) *ChatPanel {
	return &ChatPanel{svc: svc, currency: currency}
}

func (p *ChatPanel) Menu(ctx context.Context, caller int64) (string, error) {
	if err := p.svc.IsAuthorized(ctx, caller); err != nil {
		return denial(err)
	}
	return msgMenu, nil
}

func (p *ChatPanel) Users(ctx context.Context, caller int64) (string, error) {
	accounts, err := p.svc.ListUsers(ctx, caller)
	if err != nil {
		return denial(err)
	}
	if len(accounts) == 0 {
		return "No users yet.", nil
	}
	var b strings.Builder
	b.WriteString("Users:\n\n")
	for _, a := range accounts {
		fmt.Fprintf(&b, "%d - %s", a.UserID, payment.FormatAmount(a.Balance, p.currency))
		if a.IsAdmin {
			b.WriteString(" (admin)")
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (p *ChatPanel) Logs(ctx context.Context, caller int64) (string, error) {
	entries, err := p.svc.ListRecentLogs(ctx, caller)
	if err != nil {
		return denial(err)
	}
	if len(entries) == 0 {
		return "No errors or warnings logged.", nil
	}
	var b strings.Builder
	b.WriteString("Errors and warnings:\n\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s - %s - %s\n", e.Time.UTC().Format("2006-01-02 15:04:05"), e.Level, e.Message)
	}
	return b.String(), nil
}

func (p *ChatPanel) Grant(ctx context.Context, caller, target int64) (string, error) {
	if err := p.svc.GrantAdmin(ctx, caller, target); err != nil {
		return denial(err)
	}
	return fmt.Sprintf("User %d is now an admin.", target), nil
}

func (p *ChatPanel) Revoke(ctx context.Context, caller, target int64) (string, error) {
	if err := p.svc.RevokeAdmin(ctx, caller, target); err != nil {
		return denial(err)
	}
	return fmt.Sprintf("User %d is no longer an admin.", target), nil
}

func denial(err error) (string, error) {
	if errors.Is(err, ErrUnauthorized) {
		return msgDenied, nil
	}
	return "", err
}
