package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bot-topup/internal/admin"
	"bot-topup/internal/payment"

	"github.com/gorilla/mux"
)

type callerKey struct{}

type userView struct {
	UserID         int64  `json:"user_id"`
	Balance        int64  `json:"balance"`
	BalanceDisplay string `json:"balance_display"`
	IsAdmin        bool   `json:"is_admin"`
}

type logView struct {
	ID      int64     `json:"id"`
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// requireAdmin accepts a bearer token whose subject is an admin user id.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		caller, err := s.deps.Tokens.Parse(strings.TrimSpace(raw))
		if err != nil {
			s.logger.Warn("rejected admin token", "error", err, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if err := s.deps.Admin.IsAuthorized(r.Context(), caller); err != nil {
			s.adminError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func callerFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(callerKey{}).(int64)
	return id
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Admin.ListUsers(r.Context(), callerFrom(r.Context()))
	if err != nil {
		s.adminError(w, err)
		return
	}
	out := make([]userView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, userView{
			UserID:         a.UserID,
			Balance:        a.Balance,
			BalanceDisplay: payment.FormatAmount(a.Balance, s.deps.Currency),
			IsAdmin:        a.IsAdmin,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Admin.ListRecentLogs(r.Context(), callerFrom(r.Context()))
	if err != nil {
		s.adminError(w, err)
		return
	}
	out := make([]logView, 0, len(entries))
	for _, e := range entries {
		out = append(out, logView{ID: e.ID, Time: e.Time, Level: e.Level, Message: e.Message})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	s.changeAdmin(w, r, s.deps.Admin.GrantAdmin, true)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.changeAdmin(w, r, s.deps.Admin.RevokeAdmin, false)
}

func (s *Server) changeAdmin(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, int64) error, grant bool) {
	target, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || target <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := fn(r.Context(), callerFrom(r.Context()), target); err != nil {
		s.adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": target, "is_admin": grant})
}

func (s *Server) adminError(w http.ResponseWriter, err error) {
	if errors.Is(err, admin.ErrUnauthorized) {
		writeError(w, http.StatusForbidden, "admin access required")
		return
	}
	s.logger.Error("admin request failed", "error", err)
	s.metrics.IncError("http_admin")
	writeError(w, http.StatusInternalServerError, "internal error")
}
