package repo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPageSize applies when a filter does not specify one.
	DefaultPageSize = 50
	// MaxPageSize bounds a single page, including CSV exports.
	MaxPageSize = 10000
)

// Page is one window of a filtered listing. Sum totals the listing's amount
// column over every matching row, not only the returned window.
type Page[T any] struct {
	Items    []T
	Total    int64
	Sum      int64
	Page     int
	PageSize int
}

// ListFilter is shared by every listing. From is inclusive, To exclusive.
type ListFilter struct {
	PartnerID string
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

func (f ListFilter) window() (page, size, offset int) {
	page, size = f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size, (page - 1) * size
}

func (f ListFilter) apply(w *whereBuilder, timeColumn string) {
	if f.PartnerID != "" {
		w.add("partner_id = ?", f.PartnerID)
	}
	if f.From != nil {
		w.add(timeColumn+" >= ?", utc(*f.From))
	}
	if f.To != nil {
		w.add(timeColumn+" < ?", utc(*f.To))
	}
}

// EntryFilter narrows ledger entry listings.
type EntryFilter struct {
	ListFilter
	Type   EntryType
	Status EntryStatus
}

func (f EntryFilter) where(style placeholderStyle) *whereBuilder {
	w := newWhere(style)
	f.ListFilter.apply(w, "created_at")
	if f.Type != "" {
		w.add("type = ?", string(f.Type))
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	return w
}

// ClickFilter narrows CPC click listings.
type ClickFilter struct {
	ListFilter
	Valid           *bool
	MonetizableType string
}

func (f ClickFilter) where(style placeholderStyle) *whereBuilder {
	w := newWhere(style)
	f.ListFilter.apply(w, "created_at")
	if f.Valid != nil {
		w.add("is_valid = ?", *f.Valid)
	}
	if f.MonetizableType != "" {
		w.add("monetizable_type = ?", f.MonetizableType)
	}
	return w
}

// AffiliateClickFilter narrows affiliate click listings.
type AffiliateClickFilter struct {
	ListFilter
	RefCode string
	Valid   *bool
}

func (f AffiliateClickFilter) where(style placeholderStyle) *whereBuilder {
	w := newWhere(style)
	f.ListFilter.apply(w, "created_at")
	if f.RefCode != "" {
		w.add("ref_code = ?", f.RefCode)
	}
	if f.Valid != nil {
		w.add("is_valid = ?", *f.Valid)
	}
	return w
}

// ConversionFilter narrows conversion listings. Search matches the network
// transaction id or the offer id.
type ConversionFilter struct {
	ListFilter
	Status  ConversionStatus
	RefCode string
	Billed  *bool
	Search  string
}

func (f ConversionFilter) where(style placeholderStyle) *whereBuilder {
	w := newWhere(style)
	f.ListFilter.apply(w, "occurred_at")
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.RefCode != "" {
		w.add("ref_code = ?", f.RefCode)
	}
	if f.Billed != nil {
		if *f.Billed {
			w.add("billed_at IS NOT NULL")
		} else {
			w.add("billed_at IS NULL")
		}
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		pattern := "%" + s + "%"
		w.add("(network_txn_id "+w.like()+" ? OR offer_id "+w.like()+" ?)", pattern, pattern)
	}
	return w
}

// WebhookLogFilter narrows webhook log listings. PartnerID is optional here.
type WebhookLogFilter struct {
	ListFilter
	Direction  string
	StatusCode int
	Search     string
}

func (f WebhookLogFilter) where(style placeholderStyle) *whereBuilder {
	w := newWhere(style)
	f.ListFilter.apply(w, "created_at")
	if f.Direction != "" {
		w.add("direction = ?", f.Direction)
	}
	if f.StatusCode != 0 {
		w.add("status_code = ?", f.StatusCode)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		pattern := "%" + s + "%"
		w.add("(request_id "+w.like()+" ? OR endpoint "+w.like()+" ?)", pattern, pattern)
	}
	return w
}

type placeholderStyle int

const (
	dollarPlaceholders placeholderStyle = iota
	questionPlaceholders
)

// whereBuilder accumulates AND-ed conditions written with '?' markers and
// rewrites them for the target dialect.
type whereBuilder struct {
	style   placeholderStyle
	clauses []string
	args    []any
}

func newWhere(style placeholderStyle) *whereBuilder {
	return &whereBuilder{style: style}
}

func (w *whereBuilder) add(cond string, args ...any) {
	var b strings.Builder
	next := 0
	for _, r := range cond {
		if r == '?' && next < len(args) {
			b.WriteString(w.bind(args[next]))
			next++
			continue
		}
		b.WriteRune(r)
	}
	w.clauses = append(w.clauses, b.String())
}

// bind appends an argument and returns its placeholder.
func (w *whereBuilder) bind(v any) string {
	w.args = append(w.args, v)
	if w.style == dollarPlaceholders {
		return "$" + strconv.Itoa(len(w.args))
	}
	return "?"
}

func (w *whereBuilder) like() string {
	if w.style == dollarPlaceholders {
		return "ILIKE"
	}
	return "LIKE"
}

func (w *whereBuilder) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// in binds every value and returns the comma-separated markers.
func (w *whereBuilder) in(values []string) string {
	marks := make([]string, len(values))
	for i, v := range values {
		marks[i] = w.bind(v)
	}
	return strings.Join(marks, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

const accountColumns = `partner_id, credit_balance_minor, auto_recharge_enabled, auto_recharge_threshold_minor,
       auto_recharge_amount_minor, daily_spend_limit_minor, monthly_spend_limit_minor,
       affiliate_billing_threshold_minor, webhook_config, link_config, notification_config,
       created_at, updated_at`

func scanAccount(row rowScanner) (*BillingAccount, error) {
	var a BillingAccount
	var webhookJSON, linkJSON, notifyJSON []byte
	if err := row.Scan(
		&a.PartnerID,
		&a.CreditBalance,
		&a.AutoRechargeEnabled,
		&a.AutoRechargeThreshold,
		&a.AutoRechargeAmount,
		&a.DailySpendLimit,
		&a.MonthlySpendLimit,
		&a.AffiliateBillingThreshold,
		&webhookJSON,
		&linkJSON,
		&notifyJSON,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := decodeConfig(webhookJSON, &a.Webhook); err != nil {
		return nil, fmt.Errorf("decode webhook config: %w", err)
	}
	if err := decodeConfig(linkJSON, &a.Links); err != nil {
		return nil, fmt.Errorf("decode link config: %w", err)
	}
	if err := decodeConfig(notifyJSON, &a.Notifications); err != nil {
		return nil, fmt.Errorf("decode notification config: %w", err)
	}
	return &a, nil
}

const entryColumns = `id, partner_id, type, amount_minor, status, payment_method, invoice_number,
       description, reference, created_at, processed_at`

func scanEntry(row rowScanner) (*LedgerEntry, error) {
	var e LedgerEntry
	if err := row.Scan(
		&e.ID,
		&e.PartnerID,
		&e.Type,
		&e.Amount,
		&e.Status,
		&e.PaymentMethod,
		&e.InvoiceNumber,
		&e.Description,
		&e.Reference,
		&e.CreatedAt,
		&e.ProcessedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

const clickColumns = `id, partner_id, monetizable_type, monetizable_id, cost_per_click_minor, is_valid,
       invalid_reason, created_at`

func scanClick(row rowScanner) (*Click, error) {
	var c Click
	if err := row.Scan(&c.ID, &c.PartnerID, &c.MonetizableType, &c.MonetizableID, &c.CostPerClick, &c.IsValid, &c.InvalidReason, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

const affiliateClickColumns = `id, partner_id, ref_code, session_id, client_id, session_number, ip_hash,
       user_agent, referrer, country, is_valid, fraud_reason, created_at`

func scanAffiliateClick(row rowScanner) (*AffiliateClick, error) {
	var c AffiliateClick
	if err := row.Scan(
		&c.ID,
		&c.PartnerID,
		&c.RefCode,
		&c.SessionID,
		&c.ClientID,
		&c.SessionNumber,
		&c.IPHash,
		&c.UserAgent,
		&c.Referrer,
		&c.Country,
		&c.IsValid,
		&c.FraudReason,
		&c.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

const conversionColumns = `id, partner_id, offer_id, click_id, ref_code, network_txn_id, status,
       commission_minor, currency, is_billable, approved_at, paid_at, billed_at, invoice_id,
       raw_payload, occurred_at, updated_at`

func scanConversion(row rowScanner) (*Conversion, error) {
	var c Conversion
	var raw []byte
	if err := row.Scan(
		&c.ID,
		&c.PartnerID,
		&c.OfferID,
		&c.ClickID,
		&c.RefCode,
		&c.NetworkTxnID,
		&c.Status,
		&c.Commission,
		&c.Currency,
		&c.IsBillable,
		&c.ApprovedAt,
		&c.PaidAt,
		&c.BilledAt,
		&c.InvoiceID,
		&raw,
		&c.OccurredAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		c.RawPayload = json.RawMessage(raw)
	}
	return &c, nil
}

const webhookLogColumns = `id, request_id, direction, method, endpoint, status_code, secret_id,
       signature_timestamp, signature_valid, payload_hash, partner_id, details, error, created_at`

func scanWebhookLog(row rowScanner) (*WebhookLog, error) {
	var l WebhookLog
	var details []byte
	if err := row.Scan(
		&l.ID,
		&l.RequestID,
		&l.Direction,
		&l.Method,
		&l.Endpoint,
		&l.StatusCode,
		&l.SecretID,
		&l.SignatureTimestamp,
		&l.SignatureValid,
		&l.PayloadHash,
		&l.PartnerID,
		&details,
		&l.Error,
		&l.CreatedAt,
	); err != nil {
		return nil, err
	}
	l.Details = fromJSON(details)
	return &l, nil
}

// settingsParams returns the JSON encodings of the typed account configs.
func settingsParams(s AccountSettings) (webhook, links, notify string, err error) {
	w, err := json.Marshal(s.Webhook)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal webhook config: %w", err)
	}
	l, err := json.Marshal(s.Links)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal link config: %w", err)
	}
	n, err := json.Marshal(s.Notifications)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal notification config: %w", err)
	}
	return string(w), string(l), string(n), nil
}

func decodeConfig(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func toJSON(val map[string]any) ([]byte, error) {
	if val == nil {
		return nil, nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	return data, nil
}

func fromJSON(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"_raw": string(data)}
	}
	return m
}

// jsonParam passes JSON as text so both drivers and the simple protocol accept it.
func jsonParam(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}

// utc normalises timestamps to the precision both backends store.
func utc(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := utc(*t)
	return &v
}

func invoicePrefix(year int) string {
	return fmt.Sprintf("%d-%%", year)
}

func formatInvoiceNumber(year int, seq int64) string {
	return fmt.Sprintf("%d-%04d", year, seq)
}
