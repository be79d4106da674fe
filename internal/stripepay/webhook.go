package stripepay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"bot-topup/internal/metrics"
	"bot-topup/internal/payment"
	"bot-topup/internal/repo"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

const maxBodyBytes = 65536

// WebhookHandler verifies Stripe-Signature and forwards checkout events.
type WebhookHandler struct {
	secret  string
	events  payment.EventHandler
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewWebhookHandler creates a handler for the endpoint secret.
func NewWebhookHandler(secret string, events payment.EventHandler, logger *slog.Logger, m *metrics.Metrics) *WebhookHandler {
	return &WebhookHandler{
		secret:  secret,
		events:  events,
		logger:  logger.With("component", "stripe_webhook"),
		metrics: m,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.metrics.IncError("stripe_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("rejected webhook", "error", err, "remote", r.RemoteAddr)
		h.metrics.IncError("stripe_webhook_auth")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	if err := h.dispatch(r.Context(), event); err != nil {
		h.logger.Error("failed processing webhook", "error", err, "event", event.Type, "event_id", event.ID)
		h.metrics.IncError("stripe_webhook_process")
		http.Error(w, "failed to process", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) dispatch(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		sess, err := decodeSession(event)
		if err != nil {
			return err
		}
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			_, err := h.events.ApprovePreCheckout(ctx, payment.PreCheckout{
				Provider:   providerName,
				InvoiceRef: invoiceRef(sess),
				UserID:     userID(sess),
				Amount:     sess.AmountTotal,
			})
			return err
		}
		return h.events.HandlePaymentConfirmed(ctx, payment.Confirmation{
			Provider:    providerName,
			ProviderRef: PaymentRef(sess.ID),
			InvoiceRef:  invoiceRef(sess),
			UserID:      userID(sess),
			Amount:      sess.AmountTotal,
		})
	case stripe.EventTypeCheckoutSessionExpired, stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		sess, err := decodeSession(event)
		if err != nil {
			return err
		}
		status := repo.InvoiceExpired
		if event.Type == stripe.EventTypeCheckoutSessionAsyncPaymentFailed {
			status = repo.InvoiceFailed
		}
		return h.events.HandleInvoiceClosed(ctx, payment.InvoiceClosed{
			Provider:    providerName,
			ProviderRef: sess.ID,
			InvoiceRef:  invoiceRef(sess),
			Status:      status,
			Reason:      string(event.Type),
		})
	default:
		h.logger.Debug("ignoring stripe event", "event", event.Type)
		return nil
	}
}

func decodeSession(event stripe.Event) (*stripe.CheckoutSession, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	return &sess, nil
}

func invoiceRef(sess *stripe.CheckoutSession) string {
	if sess.ClientReferenceID != "" {
		return sess.ClientReferenceID
	}
	return sess.Metadata[metaInvoiceRef]
}

func userID(sess *stripe.CheckoutSession) int64 {
	id, _ := strconv.ParseInt(sess.Metadata[metaUserID], 10, 64)
	return id
}
