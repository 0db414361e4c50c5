package payments

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

	"partner-ledger/internal/billing"
	"partner-ledger/internal/metrics"
	"partner-ledger/internal/repo"
)

// Settler applies a deposit outcome to the recharge it funds.
type Settler interface {
	SettleRecharge(ctx context.Context, entryID string, status repo.EntryStatus) (*repo.LedgerEntry, int64, error)
}

// WebhookHandler receives deposit callbacks from the provider. The provider
// authenticates with basic auth whose username and password are compared as
// MD5 hex digests.
type WebhookHandler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	usernameMD5 string
	passwordMD5 string
	settler     Settler
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(logger *slog.Logger, metricRegistry *metrics.Metrics, usernameMD5, passwordMD5 string, settler Settler) *WebhookHandler {
	return &WebhookHandler{
		logger:      logger.With("component", "payments_webhook"),
		metrics:     metricRegistry,
		usernameMD5: strings.ToLower(usernameMD5),
		passwordMD5: strings.ToLower(passwordMD5),
		settler:     settler,
	}
}

type depositEvent struct {
	Event string `json:"event"`
	Data  struct {
		ID     string `json:"id"`
		RefID  string `json:"reff_id"`
		Status string `json:"status"`
	} `json:"data"`
}

// ServeHTTP handles POST /webhook/payments.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.validateAuth(r); err != nil {
		h.countError("payments_webhook_auth")
		h.logger.Warn("deposit callback rejected", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	defer r.Body.Close()
	if err != nil {
		h.countError("payments_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var ev depositEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.Data.RefID == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	status := NormalizeStatus(ev.Data.Status)
	switch status {
	case "":
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	case repo.StatusPending:
		h.logger.Debug("deposit still pending", "reference", ev.Data.RefID)
		writeOK(w)
		return
	}

	entry, balance, err := h.settler.SettleRecharge(r.Context(), ev.Data.RefID, status)
	switch {
	case errors.Is(err, billing.ErrNotFound):
		// Unknown references are acknowledged so the provider stops retrying.
		h.logger.Warn("deposit callback for unknown recharge", "reference", ev.Data.RefID, "deposit_id", ev.Data.ID)
		writeOK(w)
		return
	case errors.Is(err, billing.ErrConflict):
		h.logger.Warn("deposit callback conflicts with settled recharge", "reference", ev.Data.RefID, "status", status)
		writeOK(w)
		return
	case err != nil:
		h.countError("payments_webhook_process")
		h.logger.Error("failed settling recharge", "reference", ev.Data.RefID, "error", err)
		http.Error(w, "failed to process", http.StatusInternalServerError)
		return
	}
	h.logger.Info("deposit callback applied",
		"partner_id", entry.PartnerID,
		"entry_id", entry.ID,
		"deposit_id", ev.Data.ID,
		"status", entry.Status,
		"balance", balance,
	)
	writeOK(w)
}

func (h *WebhookHandler) validateAuth(r *http.Request) error {
	if h.usernameMD5 == "" && h.passwordMD5 == "" {
		return errors.New("callback credentials not configured")
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		return fmt.Errorf("missing basic auth")
	}
	if !digestEqual(md5Hex(username), h.usernameMD5) {
		return fmt.Errorf("invalid username hash")
	}
	if !digestEqual(md5Hex(password), h.passwordMD5) {
		return fmt.Errorf("invalid password hash")
	}
	return nil
}

func (h *WebhookHandler) countError(component string) {
	if h.metrics != nil {
		h.metrics.Errors.WithLabelValues(component).Inc()
	}
}

func md5Hex(val string) string {
	sum := md5.Sum([]byte(val))
	return hex.EncodeToString(sum[:])
}

func digestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
