package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"partner-ledger/internal/billing"
	"partner-ledger/internal/metrics"
	"partner-ledger/internal/repo"
)

const (
	defaultTimeout = 3 * time.Second
	target         = "partner_webhook"

	EventConversionCreated = "conversion.created"
	EventConversionUpdated = "conversion.updated"
)

// LogStore persists the audit row written for every delivery attempt.
type LogStore interface {
	InsertWebhookLog(ctx context.Context, log repo.WebhookLog) error
}

// Config tunes the notifier.
type Config struct {
	Timeout time.Duration
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Clock func() time.Time
}

// Notifier delivers signed conversion events to partner endpoints.
type Notifier struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	store   LogStore
	http    *http.Client
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// New creates a Notifier. store may be nil, in which case attempts are not audited.
func New(cfg Config, store LogStore, logger *slog.Logger, metricRegistry *metrics.Metrics) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Notifier{
		logger:  logger.With("component", "notify"),
		metrics: metricRegistry,
		store:   store,
		http:    &http.Client{Timeout: cfg.Timeout},
		sleep:   cfg.Sleep,
		now:     cfg.Clock,
	}
}

type envelope struct {
	Event  string                  `json:"event"`
	SentAt time.Time               `json:"sent_at"`
	Data   billing.ConversionEvent `json:"data"`
}

// NotifyConversion posts ev to cfg.Endpoint, retrying network failures, 429
// and 5xx responses up to cfg.RetryMax times with linear backoff.
func (n *Notifier) NotifyConversion(ctx context.Context, cfg repo.WebhookConfig, ev billing.ConversionEvent) error {
	if cfg.Endpoint == "" || cfg.Secret == "" {
		return fmt.Errorf("partner webhook is not configured")
	}
	name := EventConversionUpdated
	if ev.Created {
		name = EventConversionCreated
	}
	body, err := json.Marshal(envelope{Event: name, SentAt: n.now().UTC(), Data: ev})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	requestID := uuid.NewString()
	attempts := cfg.RetryMax + 1
	backoff := time.Duration(cfg.RetryBackoffMS) * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && backoff > 0 {
			if err := n.sleep(ctx, backoff*time.Duration(attempt-1)); err != nil {
				return fmt.Errorf("partner webhook: %w (last error: %v)", err, lastErr)
			}
		}
		status, retry, err := n.send(ctx, cfg, ev, requestID, attempt, body)
		if err == nil {
			n.logger.Debug("partner webhook delivered", "partner_id", ev.PartnerID, "conversion_id", ev.ConversionID, "attempt", attempt)
			return nil
		}
		lastErr = err
		n.logger.Warn("partner webhook attempt failed", "partner_id", ev.PartnerID, "attempt", attempt, "status", status, "error", err)
		if !retry {
			break
		}
	}
	return lastErr
}

func (n *Notifier) send(ctx context.Context, cfg repo.WebhookConfig, ev billing.ConversionEvent, requestID string, attempt int, body []byte) (int, bool, error) {
	ts := strconv.FormatInt(n.now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, false, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "partner-ledger/webhook")
	req.Header.Set("X-Request-Id", requestID)
	req.Header.Set("X-Signature", "sha256="+Sign(cfg.Secret, ts, body))
	req.Header.Set("X-Signature-Timestamp", ts)
	if cfg.SecretID != "" {
		req.Header.Set("X-Secret-Id", cfg.SecretID)
	}

	start := time.Now()
	res, err := n.http.Do(req)
	status := 0
	label := "error"
	if err == nil {
		status = res.StatusCode
		label = strconv.Itoa(status)
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		res.Body.Close()
	}
	if n.metrics != nil {
		n.metrics.OutboundRequests.WithLabelValues(target, label).Inc()
		n.metrics.OutboundLatency.WithLabelValues(target, label).Observe(time.Since(start).Seconds())
	}

	var retry bool
	switch {
	case err != nil:
		err = fmt.Errorf("deliver: %w", err)
		retry = ctx.Err() == nil
	case status == http.StatusTooManyRequests || status >= 500:
		err = fmt.Errorf("endpoint returned %d", status)
		retry = true
	case status >= 300:
		err = fmt.Errorf("endpoint returned %d", status)
	}
	n.audit(ctx, cfg, ev, requestID, attempt, ts, status, body, err)
	return status, retry, err
}

func (n *Notifier) audit(ctx context.Context, cfg repo.WebhookConfig, ev billing.ConversionEvent, requestID string, attempt int, ts string, status int, body []byte, failure error) {
	if n.store == nil {
		return
	}
	sum := sha256.Sum256(body)
	partnerID := ev.PartnerID
	l := repo.WebhookLog{
		ID:                 uuid.NewString(),
		RequestID:          requestID,
		Direction:          repo.DirectionOutbound,
		Method:             http.MethodPost,
		Endpoint:           redact(cfg.Endpoint),
		StatusCode:         status,
		SignatureTimestamp: &ts,
		PayloadHash:        hex.EncodeToString(sum[:]),
		PartnerID:          &partnerID,
		Details: map[string]any{
			"attempt":        attempt,
			"conversion_id":  ev.ConversionID,
			"network_txn_id": ev.NetworkTxnID,
		},
		CreatedAt: n.now().UTC(),
	}
	if cfg.SecretID != "" {
		secretID := cfg.SecretID
		l.SecretID = &secretID
	}
	if failure != nil {
		msg := failure.Error()
		l.Error = &msg
	}
	// Audit rows are written even when the request context is done.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := n.store.InsertWebhookLog(writeCtx, l); err != nil {
		n.logger.Warn("write outbound webhook log failed", "request_id", requestID, "error", err)
	}
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>" under secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func redact(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
