package atl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bot-topup/internal/metrics"
)

const (
	providerName    = "atlantic"
	formContentType = "application/x-www-form-urlencoded"
)

var (
	// ErrInvalidCredential indicates Atlantic rejected the provided credentials.
	ErrInvalidCredential = errors.New("atlantic invalid credential")
	// ErrRejected indicates Atlantic answered with status=false.
	ErrRejected = errors.New("atlantic rejected request")
)

// Client provides typed access to the Atlantic H2H deposit API.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	http    *http.Client
	metrics *metrics.Metrics
}

// Config holds Atlantic client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// responseEnvelope mirrors Atlantic's standard response shape.
type responseEnvelope struct {
	Status  bool
	Message string
	Code    int
	Data    json.RawMessage
}

func (r *responseEnvelope) UnmarshalJSON(data []byte) error {
	type alias struct {
		Status  json.RawMessage `json:"status"`
		Message json.RawMessage `json:"message"`
		Code    json.RawMessage `json:"code"`
		Data    json.RawMessage `json:"data"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	r.Message = strings.TrimSpace(stringTrimQuotes(a.Message))
	r.Data = a.Data
	if len(a.Status) != 0 {
		var boolVal bool
		if err := json.Unmarshal(a.Status, &boolVal); err == nil {
			r.Status = boolVal
		} else {
			str := strings.TrimSpace(stringTrimQuotes(a.Status))
			r.Status = strings.EqualFold(str, "true") || strings.EqualFold(str, "success") || str == "1"
		}
	}
	if len(a.Code) != 0 {
		if parsed, err := strconv.Atoi(strings.TrimSpace(stringTrimQuotes(a.Code))); err == nil {
			r.Code = parsed
		}
	}
	return nil
}

// New creates a new Atlantic client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://atlantich2h.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "atlantic"),
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

// DepositRequest holds deposit parameters. Nominal is in major units.
type DepositRequest struct {
	RefID   string
	Nominal float64
	Method  string
	Type    string
}

// DepositResponse describes a created deposit.
type DepositResponse struct {
	ID        string
	RefID     string
	Status    string
	Nominal   float64
	Fee       float64
	QRString  string
	QRImage   string
	PayNumber string
	ExpiredAt string
	Raw       map[string]any
}

// CreateDeposit starts a deposit.
func (c *Client) CreateDeposit(ctx context.Context, req DepositRequest) (*DepositResponse, error) {
	form := url.Values{}
	form.Set("reff_id", req.RefID)
	form.Set("nominal", strconv.FormatFloat(req.Nominal, 'f', 2, 64))
	form.Set("metode", req.Method)
	if req.Type != "" {
		form.Set("type", req.Type)
	}
	env, err := c.postForm(ctx, "/deposit/create", form)
	if err != nil {
		return nil, err
	}
	data, err := decodeMap(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode deposit: %w", err)
	}
	resp := &DepositResponse{
		ID:        firstString(data, "id", "deposit_id"),
		RefID:     firstString(data, "reff_id", "ref_id", "reference"),
		Status:    normalizeTransactionStatus(firstString(data, "status", "state")),
		Nominal:   firstFloat(data, "nominal", "amount"),
		Fee:       firstFloat(data, "fee", "admin_fee", "admin"),
		QRString:  firstString(data, "qr_string", "qr"),
		QRImage:   firstString(data, "qr_image", "image", "checkout_url", "url"),
		PayNumber: firstString(data, "va_number", "virtual_account", "no_va", "tujuan", "payment_code", "pay_code"),
		ExpiredAt: firstString(data, "expired_at", "expire_at", "expired"),
		Raw:       data,
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("atlantic /deposit/create: response missing deposit id")
	}
	return resp, nil
}

// DepositStatusResponse contains deposit status info.
type DepositStatusResponse struct {
	ID      string
	RefID   string
	Status  string
	Nominal float64
	Raw     map[string]any
}

// DepositStatus checks deposit status by ID.
func (c *Client) DepositStatus(ctx context.Context, depositID string) (*DepositStatusResponse, error) {
	form := url.Values{}
	form.Set("id", depositID)
	env, err := c.postForm(ctx, "/deposit/status", form)
	if err != nil {
		return nil, err
	}
	data, err := decodeMap(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode deposit status: %w", err)
	}
	return &DepositStatusResponse{
		ID:      firstString(data, "id"),
		RefID:   firstString(data, "reff_id", "ref_id"),
		Status:  normalizeTransactionStatus(firstString(data, "status", "state")),
		Nominal: firstFloat(data, "nominal", "amount"),
		Raw:     data,
	}, nil
}

// CancelDeposit cancels a pending deposit.
func (c *Client) CancelDeposit(ctx context.Context, depositID string) error {
	form := url.Values{}
	form.Set("id", depositID)
	if _, err := c.postForm(ctx, "/deposit/cancel", form); err != nil {
		return err
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, values url.Values) (*responseEnvelope, error) {
	if c.apiKey != "" && values.Get("api_key") == "" {
		values.Set("api_key", c.apiKey)
	}
	var env responseEnvelope
	if err := c.do(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()), formContentType, &env); err != nil {
		return nil, err
	}
	if !env.Status {
		message := strings.TrimSpace(env.Message)
		if message == "" {
			message = "atlantic operation failed"
		}
		if env.Code != 0 {
			return nil, fmt.Errorf("%w: %s: %s (code=%d)", ErrRejected, endpoint, message, env.Code)
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrRejected, endpoint, message)
	}
	return &env, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "bot-topup/atlantic-client")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.observe(endpoint, "error", start)
		return fmt.Errorf("atlantic request: %w", err)
	}
	defer res.Body.Close()
	c.observe(endpoint, strconv.Itoa(res.StatusCode), start)

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return classifyHTTPError(res.StatusCode, string(bodyBytes))
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) observe(endpoint, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.ProviderRequests.WithLabelValues(providerName, endpoint, status).Inc()
	c.metrics.ProviderLatency.WithLabelValues(providerName, endpoint).Observe(time.Since(start).Seconds())
}

func classifyHTTPError(status int, body string) error {
	snippet := strings.TrimSpace(body)
	lower := strings.ToLower(snippet)
	if status == http.StatusUnauthorized ||
		strings.Contains(lower, "invalid credential") ||
		strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "api key invalid") {
		return fmt.Errorf("%w: %s", ErrInvalidCredential, snippet)
	}
	return fmt.Errorf("atlantic error: status=%d body=%s", status, snippet)
}

func decodeMap(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func extractNested(data map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		if nested, ok := data[key].(map[string]any); ok {
			return nested
		}
	}
	return nil
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if val, ok := data[key]; ok {
			if str := toString(val); str != "" {
				return str
			}
		}
	}
	return ""
}

func firstFloat(data map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if val, ok := data[key]; ok {
			if f := toFloat(val); f != 0 {
				return f
			}
		}
	}
	return 0
}

func normalizeTransactionStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "null":
		return "unknown"
	case "success", "sukses", "ok", "completed", "complete", "done", "paid", "berhasil":
		return "success"
	case "pending", "process", "processing", "diproses", "waiting", "awaiting", "menunggu":
		return "pending"
	case "expired", "timeout", "kadaluarsa":
		return "expired"
	case "failed", "gagal", "cancel", "cancelled", "canceled", "void", "rejected":
		return "failed"
	default:
		return strings.ToLower(strings.TrimSpace(status))
	}
}

func toString(val any) string {
	switch v := val.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == 0 {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func toFloat(val any) float64 {
	switch v := val.(type) {
	case float64:
		return v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return parsed
		}
		return 0
	case json.Number:
		parsed, err := v.Float64()
		if err == nil {
			return parsed
		}
		return 0
	default:
		return 0
	}
}

func stringTrimQuotes(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}
