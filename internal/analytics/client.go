package analytics

import (
	"bytes"
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
)

const (
	defaultEndpoint = "https://www.google-analytics.com/mp/collect"
	defaultTimeout  = 3 * time.Second
	target          = "ga4"

	// EventAffiliateConversion is the event name sent for every conversion write.
	EventAffiliateConversion = "affiliate_conversion"
)

// ErrDisabled is returned when the client has no measurement credentials.
var ErrDisabled = errors.New("analytics disabled")

// Config holds GA4 Measurement Protocol settings.
type Config struct {
	MeasurementID string
	APISecret     string
	Endpoint      string
	Timeout       time.Duration
}

// Client posts conversion events to the GA4 Measurement Protocol.
type Client struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	http     *http.Client
	endpoint string
	mid      string
	secret   string
}

// New creates a Measurement Protocol client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		logger:   logger.With("component", "analytics"),
		metrics:  metricRegistry,
		http:     &http.Client{Timeout: timeout},
		endpoint: endpoint,
		mid:      strings.TrimSpace(cfg.MeasurementID),
		secret:   strings.TrimSpace(cfg.APISecret),
	}
}

// Enabled reports whether both measurement id and API secret are configured.
func (c *Client) Enabled() bool {
	return c.mid != "" && c.secret != ""
}

type payload struct {
	ClientID string  `json:"client_id"`
	Events   []event `json:"events"`
}

type event struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// TrackConversion sends an affiliate_conversion event. Events without a GA
// client id are skipped.
func (c *Client) TrackConversion(ctx context.Context, ev billing.ConversionEvent) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	if ev.ClientID == "" {
		return nil
	}
	params := map[string]any{
		"event_id":             ev.ClickID + ":" + ev.NetworkTxnID,
		"partner_id":           ev.PartnerID,
		"offer_id":             ev.OfferID,
		"click_id":             ev.ClickID,
		"status":               ev.Status,
		"value":                json.Number(money.Format(ev.Commission)),
		"currency":             ev.Currency,
		"engagement_time_msec": 1,
	}
	if ev.SessionID != "" {
		params["session_id"] = ev.SessionID
	}
	if ev.SessionNumber > 0 {
		params["session_number"] = ev.SessionNumber
	}
	body, err := json.Marshal(payload{
		ClientID: ev.ClientID,
		Events:   []event{{Name: EventAffiliateConversion, Params: params}},
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := c.do(ctx, body); err != nil {
		return err
	}
	c.logger.Debug("conversion event sent", "conversion_id", ev.ConversionID, "partner_id", ev.PartnerID)
	return nil
}

func (c *Client) do(ctx context.Context, body []byte) error {
	q := url.Values{}
	q.Set("measurement_id", c.mid)
	q.Set("api_secret", c.secret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "partner-ledger/analytics")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.observe("error", start)
		return fmt.Errorf("measurement protocol request: %w", err)
	}
	defer res.Body.Close()
	c.observe(strconv.Itoa(res.StatusCode), start)

	if res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("measurement protocol status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

func (c *Client) observe(status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.OutboundRequests.WithLabelValues(target, status).Inc()
	c.metrics.OutboundLatency.WithLabelValues(target, status).Observe(time.Since(start).Seconds())
}
