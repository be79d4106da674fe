package stripepay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bot-topup/internal/payment"
	"bot-topup/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

const testSecret = "whsec_test"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSessions struct {
	created *stripe.CheckoutSessionParams
	expired string
	err     error
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.created = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/cs_test_1"}, nil
}

func (f *fakeSessions) Expire(id string, _ *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error) {
	f.expired = id
	return &stripe.CheckoutSession{ID: id}, f.err
}

func TestProviderCreateInvoice(t *testing.T) {
	sessions := &fakeSessions{}
	p := newProvider(sessions, Config{SuccessURL: "https://example.com/done"}, discardLogger(), nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	inv, err := p.CreateInvoice(context.Background(), payment.InvoiceRequest{
		Ref:         "inv-1",
		UserID:      42,
		Amount:      500,
		Currency:    "RUB",
		Description: "Balance top-up",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", inv.ProviderRef)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_test_1", inv.URL)
	assert.Equal(t, "stripe", p.Name())

	params := sessions.created
	require.NotNil(t, params)
	assert.Equal(t, "payment", *params.Mode)
	assert.Equal(t, "inv-1", *params.ClientReferenceID)
	assert.Equal(t, "https://example.com/done", *params.SuccessURL)
	assert.Equal(t, fixed.Add(minSessionExpiry).Unix(), *params.ExpiresAt)
	require.Len(t, params.LineItems, 1)
	assert.Equal(t, int64(500), *params.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "rub", *params.LineItems[0].PriceData.Currency)
	assert.Equal(t, "42", params.Metadata[metaUserID])
	assert.Equal(t, "inv-1", params.Metadata[metaInvoiceRef])
}

func TestProviderErrors(t *testing.T) {
	sessions := &fakeSessions{err: errors.New("card_declined")}
	p := newProvider(sessions, Config{}, discardLogger(), nil)

	_, err := p.CreateInvoice(context.Background(), payment.InvoiceRequest{Ref: "x", Amount: 100, Currency: "RUB"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "card_declined")

	err = p.CancelInvoice(context.Background(), "cs_1")
	require.Error(t, err)
	assert.Equal(t, "cs_1", sessions.expired)
}

func TestPaymentRef(t *testing.T) {
	assert.Equal(t, "stripe:cs_1", PaymentRef("cs_1"))
}

type recordingEvents struct {
	mu         sync.Mutex
	confirmed  []payment.Confirmation
	preChecked []payment.PreCheckout
	closed     []payment.InvoiceClosed
	err        error
}

func (r *recordingEvents) HandlePaymentConfirmed(_ context.Context, c payment.Confirmation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmed = append(r.confirmed, c)
	return r.err
}

func (r *recordingEvents) ApprovePreCheckout(_ context.Context, p payment.PreCheckout) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preChecked = append(r.preChecked, p)
	return true, nil
}

func (r *recordingEvents) HandleInvoiceClosed(_ context.Context, c payment.InvoiceClosed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, c)
	return nil
}

func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(body),
		Secret:  testSecret,
	})
	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

const completedEvent = `{
  "id": "evt_1",
  "object": "event",
  "type": "checkout.session.completed",
  "data": {"object": {
    "id": "cs_test_1",
    "object": "checkout.session",
    "client_reference_id": "inv-1",
    "amount_total": 500,
    "payment_status": "paid",
    "metadata": {"user_id": "42", "invoice_ref": "inv-1"}
  }}
}`

func TestWebhookConfirmsPaidSession(t *testing.T) {
	events := &recordingEvents{}
	h := NewWebhookHandler(testSecret, events, discardLogger(), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, completedEvent))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, events.confirmed, 1)
	assert.Equal(t, payment.Confirmation{
		Provider:    "stripe",
		ProviderRef: "stripe:cs_test_1",
		InvoiceRef:  "inv-1",
		UserID:      42,
		Amount:      500,
	}, events.confirmed[0])
}

func TestWebhookUnpaidSessionIsPreCheckout(t *testing.T) {
	events := &recordingEvents{}
	h := NewWebhookHandler(testSecret, events, discardLogger(), nil)

	body := strings.Replace(completedEvent, `"payment_status": "paid"`, `"payment_status": "unpaid"`, 1)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, events.confirmed)
	require.Len(t, events.preChecked, 1)
	assert.Equal(t, "inv-1", events.preChecked[0].InvoiceRef)
}

func TestWebhookExpiredSession(t *testing.T) {
	events := &recordingEvents{}
	h := NewWebhookHandler(testSecret, events, discardLogger(), nil)

	body := strings.Replace(completedEvent, "checkout.session.completed", "checkout.session.expired", 1)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, body))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, events.closed, 1)
	assert.Equal(t, repo.InvoiceExpired, events.closed[0].Status)
	assert.Equal(t, "inv-1", events.closed[0].InvoiceRef)
	assert.Equal(t, "cs_test_1", events.closed[0].ProviderRef)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	events := &recordingEvents{}
	h := NewWebhookHandler(testSecret, events, discardLogger(), nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", strings.NewReader(completedEvent))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, events.confirmed)
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	h := NewWebhookHandler(testSecret, &recordingEvents{}, discardLogger(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/stripe", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookProcessingFailureIs500(t *testing.T) {
	events := &recordingEvents{err: repo.ErrStorage}
	h := NewWebhookHandler(testSecret, events, discardLogger(), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, completedEvent))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	events := &recordingEvents{}
	h := NewWebhookHandler(testSecret, events, discardLogger(), nil)

	body := `{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, events.confirmed)
	assert.Empty(t, events.closed)
}
