package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"partner-ledger/internal/money"
	"partner-ledger/internal/repo"
)

// amount is a decimal money value on the wire, held as minor units.
type amount struct {
	minor int64
	set   bool
}

func (a amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(money.Format(a.minor))
}

// UnmarshalJSON accepts "25.00", "25" or 25.
func (a *amount) UnmarshalJSON(b []byte) error {
	raw := string(bytes.TrimSpace(b))
	if raw == "null" {
		*a = amount{}
		return nil
	}
	raw = strings.Trim(raw, `"`)
	v, err := money.Parse(raw)
	if err != nil {
		return err
	}
	*a = amount{minor: v, set: true}
	return nil
}

func minor(v int64) amount { return amount{minor: v, set: true} }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type entryView struct {
	ID            string     `json:"id"`
	PartnerID     string     `json:"partner_id"`
	Type          string     `json:"type"`
	Amount        amount     `json:"amount"`
	AmountMinor   int64      `json:"amount_minor"`
	Status        string     `json:"status"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	InvoiceNumber *string    `json:"invoice_number,omitempty"`
	Description   string     `json:"description,omitempty"`
	Reference     string     `json:"reference,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

func newEntryView(e repo.LedgerEntry) entryView {
	return entryView{
		ID:            e.ID,
		PartnerID:     e.PartnerID,
		Type:          string(e.Type),
		Amount:        minor(e.Amount),
		AmountMinor:   e.Amount,
		Status:        string(e.Status),
		PaymentMethod: e.PaymentMethod,
		InvoiceNumber: e.InvoiceNumber,
		Description:   e.Description,
		Reference:     e.Reference,
		CreatedAt:     e.CreatedAt,
		ProcessedAt:   e.ProcessedAt,
	}
}

var entryHeader = []string{"id", "type", "amount", "status", "payment_method", "invoice_number", "description", "created_at", "processed_at"}

func entryRow(e repo.LedgerEntry) []string {
	return []string{e.ID, string(e.Type), money.Format(e.Amount), string(e.Status), e.PaymentMethod, deref(e.InvoiceNumber), e.Description, formatTime(e.CreatedAt), formatTimePtr(e.ProcessedAt)}
}

type conversionView struct {
	ID           string          `json:"id"`
	PartnerID    string          `json:"partner_id"`
	OfferID      string          `json:"offer_id,omitempty"`
	ClickID      string          `json:"click_id,omitempty"`
	RefCode      string          `json:"ref_code,omitempty"`
	NetworkTxnID string          `json:"network_txn_id"`
	Status       string          `json:"status"`
	Commission   amount          `json:"commission"`
	Currency     string          `json:"currency"`
	IsBillable   bool            `json:"is_billable"`
	ApprovedAt   *time.Time      `json:"approved_at,omitempty"`
	BilledAt     *time.Time      `json:"billed_at,omitempty"`
	InvoiceID    *string         `json:"invoice_id,omitempty"`
	PaidAt       *time.Time      `json:"paid_at,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func newConversionView(c repo.Conversion) conversionView {
	return conversionView{
		ID:           c.ID,
		PartnerID:    c.PartnerID,
		OfferID:      c.OfferID,
		ClickID:      c.ClickID,
		RefCode:      c.RefCode,
		NetworkTxnID: c.NetworkTxnID,
		Status:       string(c.Status),
		Commission:   minor(c.Commission),
		Currency:     c.Currency,
		IsBillable:   c.IsBillable,
		ApprovedAt:   c.ApprovedAt,
		BilledAt:     c.BilledAt,
		InvoiceID:    c.InvoiceID,
		PaidAt:       c.PaidAt,
		Raw:          c.RawPayload,
		OccurredAt:   c.OccurredAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

var conversionHeader = []string{"id", "network_txn_id", "offer_id", "click_id", "ref_code", "status", "commission", "currency", "is_billable", "invoice_id", "billed_at", "paid_at", "occurred_at"}

func conversionRow(c repo.Conversion) []string {
	return []string{c.ID, c.NetworkTxnID, c.OfferID, c.ClickID, c.RefCode, string(c.Status), money.Format(c.Commission), c.Currency, strconv.FormatBool(c.IsBillable), deref(c.InvoiceID), formatTimePtr(c.BilledAt), formatTimePtr(c.PaidAt), formatTime(c.OccurredAt)}
}

type clickView struct {
	ID              string    `json:"id"`
	MonetizableType string    `json:"monetizable_type"`
	MonetizableID   string    `json:"monetizable_id"`
	CostPerClick    amount    `json:"cost_per_click"`
	IsValid         bool      `json:"is_valid"`
	InvalidReason   *string   `json:"invalid_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func newClickView(c repo.Click) clickView {
	return clickView{
		ID:              c.ID,
		MonetizableType: c.MonetizableType,
		MonetizableID:   c.MonetizableID,
		CostPerClick:    minor(c.CostPerClick),
		IsValid:         c.IsValid,
		InvalidReason:   c.InvalidReason,
		CreatedAt:       c.CreatedAt,
	}
}

var clickHeader = []string{"id", "monetizable_type", "monetizable_id", "cost_per_click", "is_valid", "invalid_reason", "created_at"}

func clickRow(c repo.Click) []string {
	return []string{c.ID, c.MonetizableType, c.MonetizableID, money.Format(c.CostPerClick), strconv.FormatBool(c.IsValid), deref(c.InvalidReason), formatTime(c.CreatedAt)}
}

type affiliateClickView struct {
	ID            string    `json:"id"`
	RefCode       string    `json:"ref_code"`
	SessionID     string    `json:"session_id,omitempty"`
	ClientID      string    `json:"client_id,omitempty"`
	SessionNumber int64     `json:"session_number,omitempty"`
	IPHash        string    `json:"ip_hash,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Referrer      string    `json:"referrer,omitempty"`
	Country       string    `json:"country,omitempty"`
	IsValid       bool      `json:"is_valid"`
	FraudReason   *string   `json:"fraud_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func newAffiliateClickView(c repo.AffiliateClick) affiliateClickView {
	return affiliateClickView{
		ID:            c.ID,
		RefCode:       c.RefCode,
		SessionID:     c.SessionID,
		ClientID:      c.ClientID,
		SessionNumber: c.SessionNumber,
		IPHash:        c.IPHash,
		UserAgent:     c.UserAgent,
		Referrer:      c.Referrer,
		Country:       c.Country,
		IsValid:       c.IsValid,
		FraudReason:   c.FraudReason,
		CreatedAt:     c.CreatedAt,
	}
}

var affiliateClickHeader = []string{"id", "ref_code", "session_id", "country", "referrer", "is_valid", "fraud_reason", "created_at"}

func affiliateClickRow(c repo.AffiliateClick) []string {
	return []string{c.ID, c.RefCode, c.SessionID, c.Country, c.Referrer, strconv.FormatBool(c.IsValid), deref(c.FraudReason), formatTime(c.CreatedAt)}
}

type webhookLogView struct {
	ID                 string         `json:"id"`
	RequestID          string         `json:"request_id"`
	Direction          string         `json:"direction"`
	Method             string         `json:"method"`
	Endpoint           string         `json:"endpoint"`
	StatusCode         int            `json:"status_code"`
	SecretID           *string        `json:"secret_id,omitempty"`
	SignatureTimestamp *string        `json:"signature_timestamp,omitempty"`
	SignatureValid     *bool          `json:"signature_valid,omitempty"`
	PayloadHash        string         `json:"payload_hash,omitempty"`
	PartnerID          *string        `json:"partner_id,omitempty"`
	Details            map[string]any `json:"details,omitempty"`
	Error              *string        `json:"error,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

func newWebhookLogView(l repo.WebhookLog) webhookLogView {
	return webhookLogView(l)
}

var webhookLogHeader = []string{"request_id", "direction", "method", "endpoint", "status_code", "secret_id", "signature_valid", "payload_hash", "partner_id", "error", "created_at"}

func webhookLogRow(l repo.WebhookLog) []string {
	valid := ""
	if l.SignatureValid != nil {
		valid = strconv.FormatBool(*l.SignatureValid)
	}
	return []string{l.RequestID, l.Direction, l.Method, l.Endpoint, strconv.Itoa(l.StatusCode), deref(l.SecretID), valid, l.PayloadHash, deref(l.PartnerID), deref(l.Error), formatTime(l.CreatedAt)}
}

// settingsBody is the wire form of account settings. The webhook secret is
// masked on read.
type settingsBody struct {
	PartnerID                 string                  `json:"partner_id,omitempty"`
	CreditBalance             *amount                 `json:"credit_balance,omitempty"`
	AutoRechargeEnabled       bool                    `json:"auto_recharge_enabled"`
	AutoRechargeThreshold     amount                  `json:"auto_recharge_threshold"`
	AutoRechargeAmount        amount                  `json:"auto_recharge_amount"`
	DailySpendLimit           amount                  `json:"daily_spend_limit"`
	MonthlySpendLimit         amount                  `json:"monthly_spend_limit"`
	AffiliateBillingThreshold amount                  `json:"affiliate_billing_threshold"`
	Webhook                   repo.WebhookConfig      `json:"webhook"`
	Links                     repo.LinkConfig         `json:"links"`
	Notifications             repo.NotificationConfig `json:"notifications"`
}

func newSettingsBody(acct *repo.BillingAccount, mask string) settingsBody {
	balance := minor(acct.CreditBalance)
	wh := acct.Webhook
	if wh.Secret != "" {
		wh.Secret = mask
	}
	return settingsBody{
		PartnerID:                 acct.PartnerID,
		CreditBalance:             &balance,
		AutoRechargeEnabled:       acct.AutoRechargeEnabled,
		AutoRechargeThreshold:     minor(acct.AutoRechargeThreshold),
		AutoRechargeAmount:        minor(acct.AutoRechargeAmount),
		DailySpendLimit:           minor(acct.DailySpendLimit),
		MonthlySpendLimit:         minor(acct.MonthlySpendLimit),
		AffiliateBillingThreshold: minor(acct.AffiliateBillingThreshold),
		Webhook:                   wh,
		Links:                     acct.Links,
		Notifications:             acct.Notifications,
	}
}

func (b settingsBody) settings() repo.AccountSettings {
	return repo.AccountSettings{
		AutoRechargeEnabled:       b.AutoRechargeEnabled,
		AutoRechargeThreshold:     b.AutoRechargeThreshold.minor,
		AutoRechargeAmount:        b.AutoRechargeAmount.minor,
		DailySpendLimit:           b.DailySpendLimit.minor,
		MonthlySpendLimit:         b.MonthlySpendLimit.minor,
		AffiliateBillingThreshold: b.AffiliateBillingThreshold.minor,
		Webhook:                   b.Webhook,
		Links:                     b.Links,
		Notifications:             b.Notifications,
	}
}

func csvFilename(kind string, now time.Time) string {
	return fmt.Sprintf("%s-%s.csv", kind, now.UTC().Format("20060102-150405"))
}
