package atl

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"bot-topup/internal/metrics"
	"bot-topup/internal/payment"
	"bot-topup/internal/repo"
)

const maxWebhookBody = 1 << 20

// StatusChecker re-reads a deposit from Atlantic. *Client satisfies it.
type StatusChecker interface {
	DepositStatus(ctx context.Context, depositID string) (*DepositStatusResponse, error)
}

// depositEvent is the normalised view of an Atlantic deposit callback.
type depositEvent struct {
	Type      string
	DepositID string
	RefID     string
	Status    string
	Nominal   float64
}

// WebhookHandler verifies Atlantic callbacks and forwards deposit events.
type WebhookHandler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	usernameMD5 string
	passwordMD5 string
	events      payment.EventHandler
	checker     StatusChecker
}

// NewWebhookHandler creates a new webhook handler. checker may be nil to
// trust the callback payload without a status round-trip.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, usernameMD5, passwordMD5 string, events payment.EventHandler, checker StatusChecker) *WebhookHandler {
	return &WebhookHandler{
		logger:      logger.With("component", "atlantic_webhook"),
		metrics:     m,
		usernameMD5: strings.ToLower(usernameMD5),
		passwordMD5: strings.ToLower(passwordMD5),
		events:      events,
		checker:     checker,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.validateAuth(r); err != nil {
		h.logger.Warn("rejected webhook", "error", err, "remote", r.RemoteAddr)
		h.metrics.IncError("atlantic_webhook_auth")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.metrics.IncError("atlantic_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	event, err := parseDepositEvent(r.Header, body)
	if err != nil {
		h.metrics.IncError("atlantic_webhook")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := h.dispatch(r.Context(), event); err != nil {
		h.logger.Error("failed processing webhook", "error", err, "event", event.Type, "deposit_id", event.DepositID)
		h.metrics.IncError("atlantic_webhook_process")
		http.Error(w, "failed to process", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *WebhookHandler) dispatch(ctx context.Context, event depositEvent) error {
	if event.Type != "" && event.Type != "deposit" {
		h.logger.Debug("ignoring non-deposit event", "event", event.Type)
		return nil
	}
	if event.DepositID == "" {
		h.logger.Warn("deposit event without id", "ref", event.RefID, "status", event.Status)
		return nil
	}

	switch event.Status {
	case "success":
		amount := toMinor(event.Nominal)
		if h.checker != nil {
			status, err := h.checker.DepositStatus(ctx, event.DepositID)
			if err != nil {
				return fmt.Errorf("verify deposit %s: %w", event.DepositID, err)
			}
			if status.Status != "success" {
				h.logger.Warn("deposit callback not confirmed by status check",
					"deposit_id", event.DepositID, "callback_status", event.Status, "status", status.Status)
				return nil
			}
			if status.Nominal > 0 {
				amount = toMinor(status.Nominal)
			}
		}
		return h.events.HandlePaymentConfirmed(ctx, payment.Confirmation{
			Provider:    providerName,
			ProviderRef: PaymentRef(event.DepositID),
			InvoiceRef:  event.RefID,
			Amount:      amount,
		})
	case "pending":
		_, err := h.events.ApprovePreCheckout(ctx, payment.PreCheckout{
			Provider:   providerName,
			InvoiceRef: event.RefID,
			Amount:     toMinor(event.Nominal),
		})
		return err
	case "expired", "failed":
		status := repo.InvoiceFailed
		if event.Status == "expired" {
			status = repo.InvoiceExpired
		}
		return h.events.HandleInvoiceClosed(ctx, payment.InvoiceClosed{
			Provider:    providerName,
			ProviderRef: event.DepositID,
			InvoiceRef:  event.RefID,
			Status:      status,
			Reason:      event.Status,
		})
	default:
		h.logger.Info("ignoring deposit status", "deposit_id", event.DepositID, "status", event.Status)
		return nil
	}
}

func parseDepositEvent(header http.Header, body []byte) (depositEvent, error) {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return depositEvent{}, fmt.Errorf("decode webhook: %w", err)
	}
	data := extractNested(root, "data")
	if data == nil {
		data = root
	}
	status := firstString(data, "status", "state")
	if status == "" {
		status = firstString(root, "status")
	}
	return depositEvent{
		Type:      strings.ToLower(detectEventType(header, root)),
		DepositID: firstString(data, "id", "deposit_id"),
		RefID:     firstString(data, "reff_id", "ref_id", "reference"),
		Status:    normalizeTransactionStatus(status),
		Nominal:   firstFloat(data, "nominal", "amount"),
	}, nil
}

func (h *WebhookHandler) validateAuth(r *http.Request) error {
	if h.usernameMD5 == "" && h.passwordMD5 == "" {
		return errors.New("webhook credentials not configured")
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		if h.validateSignatureHeader(r) {
			return nil
		}
		return errors.New("missing basic auth")
	}
	if !hashEqual(md5Hex(username), h.usernameMD5) {
		return errors.New("invalid username hash")
	}
	if !hashEqual(md5Hex(password), h.passwordMD5) {
		return errors.New("invalid password hash")
	}
	return nil
}

func (h *WebhookHandler) validateSignatureHeader(r *http.Request) bool {
	var signature string
	for _, key := range []string{"X-Atl-Signature", "X-Atlantic-Signature", "X-Signature"} {
		if signature = strings.TrimSpace(r.Header.Get(key)); signature != "" {
			break
		}
	}
	if signature == "" {
		return false
	}
	signature = strings.ToLower(signature)
	return hashEqual(signature, h.usernameMD5) || hashEqual(signature, h.passwordMD5)
}

func hashEqual(a, b string) bool {
	return b != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func md5Hex(val string) string {
	sum := md5.Sum([]byte(val))
	return hex.EncodeToString(sum[:])
}

func detectEventType(header http.Header, root map[string]any) string {
	for _, key := range []string{"X-Atlantic-Event", "X-Event-Type", "X-Event"} {
		if val := header.Get(key); val != "" {
			return val
		}
	}
	return firstString(root, "event_type", "type", "event")
}
