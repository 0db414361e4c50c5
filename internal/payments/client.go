package payments

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

	"partner-ledger/internal/billing"
	"partner-ledger/internal/metrics"
	"partner-ledger/internal/money"
	"partner-ledger/internal/repo"
)

const (
	formContentType = "application/x-www-form-urlencoded"
	defaultTimeout  = 15 * time.Second
	metricTarget    = "payments"
)

// ErrInvalidCredential indicates the provider rejected the API key.
var ErrInvalidCredential = errors.New("payment provider invalid credential")

// Config holds deposit provider settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// DefaultMethod is used when a recharge names no method or "manual".
	DefaultMethod string
}

// Client creates deposits with an H2H deposit provider. It implements
// billing.PaymentGateway: the deposit reference is the recharge entry id, so
// the provider's callback can settle the entry later.
type Client struct {
	logger        *slog.Logger
	baseURL       string
	apiKey        string
	defaultMethod string
	http          *http.Client
	metrics       *metrics.Metrics
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		logger:        logger.With("component", "payments"),
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		defaultMethod: cfg.DefaultMethod,
		http:          &http.Client{Timeout: timeout},
		metrics:       metricRegistry,
	}
}

// Enabled reports whether a provider is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != "" && c.apiKey != ""
}

// responseEnvelope mirrors the provider's response shape. Status and code
// arrive as booleans, numbers or strings depending on the endpoint.
type responseEnvelope struct {
	Status  bool
	Message string
	Code    int
	Data    json.RawMessage
}

func (r *responseEnvelope) UnmarshalJSON(data []byte) error {
	var a struct {
		Status  json.RawMessage `json:"status"`
		Message json.RawMessage `json:"message"`
		Code    json.RawMessage `json:"code"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	r.Message = strings.TrimSpace(trimQuotes(a.Message))
	r.Data = a.Data
	if len(a.Status) != 0 {
		var b bool
		if err := json.Unmarshal(a.Status, &b); err == nil {
			r.Status = b
		} else {
			str := strings.TrimSpace(trimQuotes(a.Status))
			r.Status = strings.EqualFold(str, "true") || strings.EqualFold(str, "success") || str == "1"
		}
	}
	if len(a.Code) != 0 {
		if n, err := strconv.Atoi(strings.TrimSpace(trimQuotes(a.Code))); err == nil {
			r.Code = n
		}
	}
	return nil
}

// Deposit is the provider's view of a deposit.
type Deposit struct {
	ID          string
	Reference   string
	Status      repo.EntryStatus
	Amount      int64
	Fee         int64
	CheckoutURL string
	ExpiredAt   string
}

// Charge implements billing.PaymentGateway by creating a deposit.
func (c *Client) Charge(ctx context.Context, req billing.ChargeRequest) (billing.ChargeResult, error) {
	method := req.Method
	if method == "" || method == "manual" {
		method = c.defaultMethod
	}
	form := url.Values{}
	form.Set("reff_id", req.IdempotencyKey)
	form.Set("nominal", money.Format(req.Amount))
	form.Set("metode", method)
	env, err := c.postForm(ctx, "/deposit/create", form)
	if err != nil {
		return billing.ChargeResult{}, err
	}
	dep, err := parseDeposit(env.Data)
	if err != nil {
		return billing.ChargeResult{}, err
	}
	if dep.Status == "" {
		dep.Status = repo.StatusPending
	}
	c.logger.Info("deposit created",
		"partner_id", req.PartnerID,
		"reference", req.IdempotencyKey,
		"deposit_id", dep.ID,
		"status", dep.Status,
	)
	ref := dep.ID
	if ref == "" {
		ref = req.IdempotencyKey
	}
	return billing.ChargeResult{Reference: ref, Status: dep.Status}, nil
}

// DepositStatus fetches the current state of a deposit.
func (c *Client) DepositStatus(ctx context.Context, depositID string) (*Deposit, error) {
	form := url.Values{}
	form.Set("id", depositID)
	env, err := c.postForm(ctx, "/deposit/status", form)
	if err != nil {
		return nil, err
	}
	return parseDeposit(env.Data)
}

// ChargeStatus implements billing.ChargeChecker. An unknown provider status
// is reported as pending so the recharge stays open.
func (c *Client) ChargeStatus(ctx context.Context, reference string) (repo.EntryStatus, error) {
	dep, err := c.DepositStatus(ctx, reference)
	if err != nil {
		return "", err
	}
	if dep.Status == "" {
		c.logger.Warn("deposit status not recognised", "deposit_id", reference)
		return repo.StatusPending, nil
	}
	return dep.Status, nil
}

func parseDeposit(raw json.RawMessage) (*Deposit, error) {
	data, err := decodeMap(raw)
	if err != nil {
		return nil, err
	}
	dep := &Deposit{
		ID:          firstString(data, "id", "deposit_id"),
		Reference:   firstString(data, "reff_id", "ref_id", "reference"),
		Status:      NormalizeStatus(firstString(data, "status", "state")),
		CheckoutURL: firstString(data, "checkout_url", "url"),
		ExpiredAt:   firstString(data, "expired_at", "expire_at"),
	}
	if dep.Amount, err = firstAmount(data, "nominal", "amount"); err != nil {
		return nil, err
	}
	if dep.Fee, err = firstAmount(data, "fee", "admin_fee"); err != nil {
		return nil, err
	}
	return dep, nil
}

// NormalizeStatus maps provider status words onto ledger entry statuses. An
// unknown word maps to "".
func NormalizeStatus(status string) repo.EntryStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "succeeded", "paid", "completed", "complete", "settlement":
		return repo.StatusCompleted
	case "pending", "processing", "process", "waiting":
		return repo.StatusPending
	case "failed", "fail", "error", "expired":
		return repo.StatusFailed
	case "cancel", "cancelled", "canceled":
		return repo.StatusCancelled
	}
	return ""
}

func (c *Client) postForm(ctx context.Context, endpoint string, values url.Values) (*responseEnvelope, error) {
	if !c.Enabled() {
		return nil, errors.New("payment provider not configured")
	}
	values.Set("api_key", c.apiKey)
	var env responseEnvelope
	if err := c.do(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()), &env); err != nil {
		return nil, err
	}
	if !env.Status {
		message := env.Message
		if message == "" {
			message = "operation failed"
		}
		if env.Code != 0 {
			return nil, fmt.Errorf("payments %s: %s (code=%d)", endpoint, message, env.Code)
		}
		return nil, fmt.Errorf("payments %s: %s", endpoint, message)
	}
	return &env, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", formContentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "partner-ledger/payments")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.observe("error", start)
		return fmt.Errorf("payments request: %w", err)
	}
	defer res.Body.Close()
	c.observe(strconv.Itoa(res.StatusCode), start)

	payload, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return classifyHTTPError(res.StatusCode, string(payload))
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) observe(status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.OutboundRequests.WithLabelValues(metricTarget, status).Inc()
	c.metrics.OutboundLatency.WithLabelValues(metricTarget, status).Observe(time.Since(start).Seconds())
}

func classifyHTTPError(status int, body string) error {
	snippet := strings.TrimSpace(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	lower := strings.ToLower(snippet)
	if status == http.StatusUnauthorized ||
		strings.Contains(lower, "invalid credential") ||
		strings.Contains(lower, "invalid api key") {
		return fmt.Errorf("%w: %s", ErrInvalidCredential, snippet)
	}
	return fmt.Errorf("payments error: status=%d body=%s", status, snippet)
}

func decodeMap(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		var list []map[string]any
		if errList := json.Unmarshal(raw, &list); errList == nil && len(list) > 0 {
			return list[0], nil
		}
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return m, nil
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := data[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// firstAmount reads a decimal money field, returning minor units.
func firstAmount(data map[string]any, keys ...string) (int64, error) {
	raw := firstString(data, keys...)
	if raw == "" {
		return 0, nil
	}
	v, err := money.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return v, nil
}

func trimQuotes(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	return strings.Trim(s, `"`)
}
