// Package convo drives the per-user top-up conversation.
package convo

import (
	"strconv"
	"strings"
)

// Event is one inbound chat action. The set is closed: the transport builds
// events with ParseText and Engine.Handle dispatches on the concrete type.
type Event interface {
	Sender() int64
	kind() string
}

// Envelope carries who sent an event.
type Envelope struct {
	UserID int64
	Name   string
}

// Sender returns the user the event belongs to.
func (e Envelope) Sender() int64 { return e.UserID }

type (
	StartRequested        struct{ Envelope }
	TopUpRequested        struct{ Envelope }
	BalanceRequested      struct{ Envelope }
	CheckPaymentRequested struct{ Envelope }
	AdminPanelRequested   struct{ Envelope }
	AdminUsersRequested   struct{ Envelope }
	AdminLogsRequested    struct{ Envelope }

	// TextEntered is free text that is not a command.
	TextEntered struct {
		Envelope
		Text string
	}

	AdminGrantRequested struct {
		Envelope
		Target int64
	}

	AdminRevokeRequested struct {
		Envelope
		Target int64
	}
)

func (StartRequested) kind() string        { return "start" }
func (TopUpRequested) kind() string        { return "topup" }
func (BalanceRequested) kind() string      { return "balance" }
func (CheckPaymentRequested) kind() string { return "check" }
func (AdminPanelRequested) kind() string   { return "admin" }
func (AdminUsersRequested) kind() string   { return "admin_users" }
func (AdminLogsRequested) kind() string    { return "admin_logs" }
func (TextEntered) kind() string           { return "text" }
func (AdminGrantRequested) kind() string   { return "admin_grant" }
func (AdminRevokeRequested) kind() string  { return "admin_revoke" }

// ParseText maps a chat message to an event. Anything that is not a known
// command becomes TextEntered with the trimmed text.
func ParseText(env Envelope, text string) Event {
	trimmed := strings.TrimSpace(text)
	fields := strings.Fields(strings.ToLower(trimmed))
	if len(fields) == 0 {
		return TextEntered{Envelope: env, Text: trimmed}
	}

	switch fields[0] {
	case "/start":
		return StartRequested{env}
	case "/topup", "topup":
		return TopUpRequested{env}
	case "top":
		if len(fields) == 2 && fields[1] == "up" {
			return TopUpRequested{env}
		}
	case "/balance":
		return BalanceRequested{env}
	case "/check":
		return CheckPaymentRequested{env}
	case "/admin":
		return parseAdmin(env, fields[1:])
	}
	return TextEntered{Envelope: env, Text: trimmed}
}

func parseAdmin(env Envelope, args []string) Event {
	if len(args) == 0 {
		return AdminPanelRequested{env}
	}
	switch args[0] {
	case "users":
		return AdminUsersRequested{env}
	case "logs":
		return AdminLogsRequested{env}
	case "grant", "revoke":
		if len(args) != 2 {
			break
		}
		target, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || target <= 0 {
			break
		}
		if args[0] == "grant" {
			return AdminGrantRequested{Envelope: env, Target: target}
		}
		return AdminRevokeRequested{Envelope: env, Target: target}
	}
	return AdminPanelRequested{env}
}
