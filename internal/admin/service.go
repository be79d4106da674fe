// Package admin gates and serves the administrator queries.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bot-topup/internal/repo"
	"bot-topup/internal/retry"
)

// ErrUnauthorized is returned to callers without the admin flag.
var ErrUnauthorized = errors.New("admin access denied")

const (
	readAttempts  = 3
	readBaseDelay = 100 * time.Millisecond
)

// Store is the ledger surface admin queries use.
type Store interface {
	IsAdmin(ctx context.Context, userID int64) (bool, error)
	SetAdmin(ctx context.Context, userID int64, admin bool) error
	ListAccounts(ctx context.Context) ([]repo.Account, error)
	RecentLogs(ctx context.Context, limit int) ([]repo.LogEntry, error)
}

// Service answers admin queries. Every call checks the caller first and
// returns ErrUnauthorized without touching data when the check fails.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService wires a Service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger.With("component", "admin")}
}

// IsAuthorized returns nil for admins and ErrUnauthorized for everyone else.
func (s *Service) IsAuthorized(ctx context.Context, userID int64) error {
	var ok bool
	err := retry.Do(ctx, readAttempts, readBaseDelay, func() error {
		var err error
		ok, err = s.store.IsAdmin(ctx, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("check admin %d: %w", userID, err)
	}
	if !ok {
		s.logger.Warn("admin access denied", "user_id", userID)
		return ErrUnauthorized
	}
	return nil
}

// ListUsers returns every account ordered by user id.
func (s *Service) ListUsers(ctx context.Context, caller int64) ([]repo.Account, error) {
	if err := s.IsAuthorized(ctx, caller); err != nil {
		return nil, err
	}
	var accounts []repo.Account
	err := retry.Do(ctx, readAttempts, readBaseDelay, func() error {
		var err error
		accounts, err = s.store.ListAccounts(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// ListRecentLogs returns up to repo.MaxRecentLogs entries, newest first.
func (s *Service) ListRecentLogs(ctx context.Context, caller int64) ([]repo.LogEntry, error) {
	if err := s.IsAuthorized(ctx, caller); err != nil {
		return nil, err
	}
	var entries []repo.LogEntry
	err := retry.Do(ctx, readAttempts, readBaseDelay, func() error {
		var err error
		entries, err = s.store.RecentLogs(ctx, repo.MaxRecentLogs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("recent logs: %w", err)
	}
	return entries, nil
}

// GrantAdmin sets the admin flag on target. Granting twice is a no-op.
func (s *Service) GrantAdmin(ctx context.Context, caller, target int64) error {
	return s.setAdmin(ctx, caller, target, true)
}

// RevokeAdmin clears the admin flag on target. Unknown users are ignored.
func (s *Service) RevokeAdmin(ctx context.Context, caller, target int64) error {
	return s.setAdmin(ctx, caller, target, false)
}

func (s *Service) setAdmin(ctx context.Context, caller, target int64, admin bool) error {
	if err := s.IsAuthorized(ctx, caller); err != nil {
		return err
	}
	if err := s.store.SetAdmin(ctx, target, admin); err != nil {
		return fmt.Errorf("set admin %d: %w", target, err)
	}
	s.logger.Info("admin flag changed", "by", caller, "user_id", target, "admin", admin)
	return nil
}

// Bootstrap grants admin to ids without an authorized caller. It runs once
// at startup from configuration.
func (s *Service) Bootstrap(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if err := s.store.SetAdmin(ctx, id, true); err != nil {
			return fmt.Errorf("bootstrap admin %d: %w", id, err)
		}
	}
	if len(ids) > 0 {
		s.logger.Info("bootstrap admins ensured", "count", len(ids))
	}
	return nil
}
