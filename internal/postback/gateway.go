package postback

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"partner-ledger/internal/billing"
	"partner-ledger/internal/metrics"
	"partner-ledger/internal/repo"
)

const (
	HeaderSecret    = "X-Webhook-Secret"
	HeaderSecretID  = "X-Secret-Id"
	HeaderTimestamp = "X-Signature-Timestamp"
	HeaderRequestID = "X-Request-Id"

	SecretPrimary   = "primary"
	SecretSecondary = "secondary"

	maxBodyBytes    = 1 << 20
	freshnessWindow = 24 * time.Hour
)

// Recorder persists a conversion delivery.
type Recorder interface {
	RecordConversion(ctx context.Context, in billing.ConversionInput) (*repo.Conversion, bool, error)
}

// LogStore persists the audit row written for every call.
type LogStore interface {
	InsertWebhookLog(ctx context.Context, log repo.WebhookLog) error
}

// Secrets are the two simultaneously valid shared secrets. With both empty
// the gateway runs unauthenticated.
type Secrets struct {
	Primary   string
	Secondary string
}

// Gateway authenticates and ingests postbacks from affiliate networks.
type Gateway struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	secrets  Secrets
	recorder Recorder
	store    LogStore
	now      func() time.Time
}

// New creates a Gateway.
func New(secrets Secrets, recorder Recorder, store LogStore, logger *slog.Logger, metricRegistry *metrics.Metrics) *Gateway {
	if secrets.Primary == "" && secrets.Secondary == "" {
		logger.Warn("postback secrets not configured, running in open mode")
	}
	return &Gateway{
		logger:   logger.With("component", "postback"),
		metrics:  metricRegistry,
		secrets:  secrets,
		recorder: recorder,
		store:    store,
		now:      time.Now,
	}
}

// payload is the inbound postback body.
type payload struct {
	PartnerID        string          `json:"partner_id"`
	OfferID          string          `json:"offer_id"`
	ClickID          string          `json:"click_id"`
	NetworkTxnID     string          `json:"network_txn_id"`
	Status           string          `json:"status"`
	PayoutValueMinor *int64          `json:"payout_value_minor"`
	Currency         string          `json:"currency"`
	Timestamp        *int64          `json:"timestamp"`
	Raw              json.RawMessage `json:"raw"`
}

// authResult is the outcome of dual-secret verification.
type authResult struct {
	secretID string
	// checked is false in open mode.
	checked bool
	ok      bool
}

// ServeHTTP handles POST /webhook/postback.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := g.now()
	requestID := uuid.NewString()
	w.Header().Set(HeaderRequestID, requestID)

	call := &callLog{
		log: repo.WebhookLog{
			ID:        uuid.NewString(),
			RequestID: requestID,
			Direction: repo.DirectionInbound,
			Method:    r.Method,
			Endpoint:  r.URL.Path,
			Details: map[string]any{
				"remote_ip":  clientIP(r),
				"user_agent": r.UserAgent(),
			},
			CreatedAt: start.UTC(),
		},
	}
	if ts := strings.TrimSpace(r.Header.Get(HeaderTimestamp)); ts != "" {
		call.log.SignatureTimestamp = &ts
	}
	defer func() { g.finish(r.Context(), call, start) }()

	if r.Method != http.MethodPost {
		call.respond(w, http.StatusMethodNotAllowed, "method_not_allowed", map[string]any{"error": "method not allowed"}, nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	defer r.Body.Close()
	sum := sha256.Sum256(body)
	call.log.PayloadHash = hex.EncodeToString(sum[:])

	auth := g.authenticate(r)
	call.setAuth(auth)
	if !auth.ok {
		g.countError("postback_auth")
		call.respond(w, http.StatusUnauthorized, "unauthorized", map[string]any{"error": "unauthorized"}, errors.New("secret verification failed"))
		return
	}
	if err != nil {
		call.respond(w, http.StatusBadRequest, "invalid", map[string]any{"error": "invalid payload"}, err)
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		call.respond(w, http.StatusBadRequest, "invalid", map[string]any{"error": "invalid payload"}, err)
		return
	}
	if p.PartnerID != "" {
		partnerID := p.PartnerID
		call.log.PartnerID = &partnerID
	}
	call.log.Details["network_txn_id"] = p.NetworkTxnID
	if err := g.validate(p); err != nil {
		call.respond(w, http.StatusBadRequest, "invalid", map[string]any{"error": "invalid payload"}, err)
		return
	}

	raw := p.Raw
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(body)
	}
	status := repo.ConversionStatus(p.Status)
	if status == "" {
		status = repo.ConversionApproved
	}
	conv, created, err := g.recorder.RecordConversion(r.Context(), billing.ConversionInput{
		PartnerID:    p.PartnerID,
		OfferID:      p.OfferID,
		ClickID:      p.ClickID,
		NetworkTxnID: p.NetworkTxnID,
		Status:       status,
		Commission:   *p.PayoutValueMinor,
		Currency:     p.Currency,
		Raw:          raw,
	})
	switch {
	case errors.Is(err, billing.ErrInvalidArgument):
		call.respond(w, http.StatusBadRequest, "invalid", map[string]any{"error": "invalid payload"}, err)
		return
	case err != nil:
		g.logger.Error("record postback failed", "request_id", requestID, "partner_id", p.PartnerID, "error", err)
		call.respond(w, http.StatusInternalServerError, "error", map[string]any{"error": "internal"}, err)
		return
	}

	call.log.Details["conversion_id"] = conv.ID
	call.log.Details["created"] = created
	call.log.Details["status"] = string(conv.Status)
	g.logger.Info("postback recorded",
		"request_id", requestID,
		"partner_id", conv.PartnerID,
		"network_txn_id", conv.NetworkTxnID,
		"created", created,
		"secret_id", auth.secretID,
	)
	call.respond(w, http.StatusOK, "ok", map[string]any{"ok": true}, nil)
}

// Health answers GET /webhook/health for networks probing their credentials.
// Only rejected probes are audited.
func (g *Gateway) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requestID := uuid.NewString()
	w.Header().Set(HeaderRequestID, requestID)
	auth := g.authenticate(r)
	if !auth.ok {
		start := g.now()
		call := &callLog{log: repo.WebhookLog{
			ID:        uuid.NewString(),
			RequestID: requestID,
			Direction: repo.DirectionInbound,
			Method:    r.Method,
			Endpoint:  r.URL.Path,
			Details:   map[string]any{"remote_ip": clientIP(r), "probe": true},
			CreatedAt: start.UTC(),
		}}
		call.setAuth(auth)
		call.respond(w, http.StatusUnauthorized, "unauthorized", map[string]any{"error": "unauthorized"}, errors.New("secret verification failed"))
		g.finish(r.Context(), call, start)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "secret_id": auth.secretID, "open": !auth.checked})
}

// authenticate applies the dual-secret rules: an explicit secret id selects
// exactly one secret, otherwise primary then secondary are tried.
func (g *Gateway) authenticate(r *http.Request) authResult {
	if g.secrets.Primary == "" && g.secrets.Secondary == "" {
		return authResult{ok: true}
	}
	given := r.Header.Get(HeaderSecret)
	rawID := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderSecretID)))

	res := authResult{checked: true}
	if rawID != "" {
		id, secret, known := g.lookup(rawID)
		res.secretID = id
		if !known {
			res.secretID = ""
		}
		res.ok = known && secret != "" && given != "" && equal(given, secret)
		return res
	}
	if given == "" {
		return res
	}
	for _, id := range []string{SecretPrimary, SecretSecondary} {
		_, secret, _ := g.lookup(id)
		if secret != "" && equal(given, secret) {
			res.secretID = id
			res.ok = true
			return res
		}
	}
	return res
}

func (g *Gateway) lookup(id string) (string, string, bool) {
	switch id {
	case SecretPrimary, "1":
		return SecretPrimary, g.secrets.Primary, true
	case SecretSecondary, "2":
		return SecretSecondary, g.secrets.Secondary, true
	}
	return "", "", false
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (g *Gateway) validate(p payload) error {
	var missing []string
	if strings.TrimSpace(p.PartnerID) == "" {
		missing = append(missing, "partner_id")
	}
	if strings.TrimSpace(p.NetworkTxnID) == "" {
		missing = append(missing, "network_txn_id")
	}
	if p.PayoutValueMinor == nil {
		missing = append(missing, "payout_value_minor")
	}
	if len(missing) > 0 {
		return errors.New("missing " + strings.Join(missing, ", "))
	}
	if p.Timestamp != nil {
		sent := time.UnixMilli(*p.Timestamp)
		if d := g.now().Sub(sent); d > freshnessWindow || d < -freshnessWindow {
			return errors.New("timestamp outside the accepted window")
		}
	}
	return nil
}

func (g *Gateway) finish(ctx context.Context, call *callLog, start time.Time) {
	if g.metrics != nil {
		secretID := "none"
		if call.log.SecretID != nil {
			secretID = *call.log.SecretID
		}
		g.metrics.WebhookRequests.WithLabelValues(call.outcome, secretID).Inc()
		g.metrics.WebhookLatency.WithLabelValues(call.outcome).Observe(time.Since(start).Seconds())
	}
	if g.store == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := g.store.InsertWebhookLog(writeCtx, call.log); err != nil {
		g.countError("webhook_log")
		g.logger.Error("write webhook log failed", "request_id", call.log.RequestID, "error", err)
	}
}

func (g *Gateway) countError(component string) {
	if g.metrics != nil {
		g.metrics.Errors.WithLabelValues(component).Inc()
	}
}

// callLog accumulates the audit row while a request is handled.
type callLog struct {
	log     repo.WebhookLog
	outcome string
}

func (c *callLog) setAuth(a authResult) {
	if a.secretID != "" {
		id := a.secretID
		c.log.SecretID = &id
	}
	if a.checked {
		valid := a.ok
		c.log.SignatureValid = &valid
	}
}

func (c *callLog) respond(w http.ResponseWriter, status int, outcome string, body any, failure error) {
	c.log.StatusCode = status
	c.outcome = outcome
	if failure != nil {
		msg := failure.Error()
		c.log.Error = &msg
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
