package repo

import (
	"encoding/json"
	"time"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryRecharge EntryType = "recharge"
	EntrySpend    EntryType = "spend"
	EntryInvoice  EntryType = "invoice"
	EntryPayout   EntryType = "payout"
	EntryRefund   EntryType = "refund"
	EntryCredit   EntryType = "credit"
)

// Sign reports how an entry of this type moves the credit balance.
// Invoices and payouts are settlement documents and do not move it.
func (t EntryType) Sign() int64 {
	switch t {
	case EntryRecharge, EntryRefund, EntryCredit:
		return 1
	case EntrySpend:
		return -1
	default:
		return 0
	}
}

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryRecharge, EntrySpend, EntryInvoice, EntryPayout, EntryRefund, EntryCredit:
		return true
	}
	return false
}

// EntryStatus is the lifecycle state of a ledger entry.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusSent      EntryStatus = "sent"
	StatusPaid      EntryStatus = "paid"
	StatusCancelled EntryStatus = "cancelled"
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
)

// Settled reports whether the entry counts towards the balance invariant.
func (s EntryStatus) Settled() bool {
	return s == StatusCompleted || s == StatusPaid
}

// ConversionStatus is the commission state of an affiliate conversion.
type ConversionStatus string

const (
	ConversionPending  ConversionStatus = "pending"
	ConversionApproved ConversionStatus = "approved"
	ConversionReversed ConversionStatus = "reversed"
	ConversionPaid     ConversionStatus = "paid"
)

// Valid reports whether s is a known conversion status.
func (s ConversionStatus) Valid() bool {
	switch s {
	case ConversionPending, ConversionApproved, ConversionReversed, ConversionPaid:
		return true
	}
	return false
}

// Billable reports whether a conversion in this status may be aggregated.
func (s ConversionStatus) Billable() bool {
	return s == ConversionApproved || s == ConversionPaid
}

// WebhookConfig describes the partner's outbound conversion webhook.
type WebhookConfig struct {
	Endpoint       string `json:"endpoint,omitempty"`
	Secret         string `json:"secret,omitempty"`
	SecretID       string `json:"secret_id,omitempty"`
	Enabled        bool   `json:"enabled"`
	Signature      string `json:"signature,omitempty"`
	RetryMax       int    `json:"retry_max"`
	RetryBackoffMS int    `json:"retry_backoff_ms"`
}

// LinkParamKeys names the query parameters used when decorating tracking links.
type LinkParamKeys struct {
	Ref  string `json:"ref,omitempty"`
	Sub1 string `json:"sub1,omitempty"`
	Sub2 string `json:"sub2,omitempty"`
}

// UTMDefaults are appended to every generated tracking link.
type UTMDefaults struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
	Content  string `json:"content,omitempty"`
	Term     string `json:"term,omitempty"`
}

// LinkConfig holds link-decoration preferences.
type LinkConfig struct {
	ParamKeys        LinkParamKeys `json:"param_keys"`
	AllowlistDomains []string      `json:"allowlist_domains,omitempty"`
	Template         string        `json:"template,omitempty"`
	UTMDefaults      UTMDefaults   `json:"utm_defaults"`
}

// NotificationConfig holds partner notification preferences.
type NotificationConfig struct {
	NotifyOnConversion bool     `json:"notify_on_conversion"`
	NotifyOnInvoice    bool     `json:"notify_on_invoice"`
	InvoiceEmails      []string `json:"invoice_emails,omitempty"`
}

// AccountSettings are the mutable, non-balance fields of a billing account.
type AccountSettings struct {
	AutoRechargeEnabled       bool
	AutoRechargeThreshold     int64
	AutoRechargeAmount        int64
	DailySpendLimit           int64
	MonthlySpendLimit         int64
	AffiliateBillingThreshold int64
	Webhook                   WebhookConfig
	Links                     LinkConfig
	Notifications             NotificationConfig
}

// BillingAccount represents the billing_accounts table row. Amounts are minor units;
// a zero limit means unlimited.
type BillingAccount struct {
	PartnerID     string
	CreditBalance int64
	AccountSettings
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntry represents a row in ledger_entries.
type LedgerEntry struct {
	ID            string
	PartnerID     string
	Type          EntryType
	Amount        int64
	Status        EntryStatus
	PaymentMethod string
	InvoiceNumber *string
	Description   string
	Reference     string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// Click represents a CPC click row.
type Click struct {
	ID              string
	PartnerID       string
	MonetizableType string
	MonetizableID   string
	CostPerClick    int64
	IsValid         bool
	InvalidReason   *string
	CreatedAt       time.Time
}

// AffiliateClick represents a row in affiliate_clicks.
type AffiliateClick struct {
	ID            string
	PartnerID     string
	RefCode       string
	SessionID     string
	ClientID      string
	SessionNumber int64
	IPHash        string
	UserAgent     string
	Referrer      string
	Country       string
	IsValid       bool
	FraudReason   *string
	CreatedAt     time.Time
}

// Conversion represents a row in affiliate_conversions.
type Conversion struct {
	ID           string
	PartnerID    string
	OfferID      string
	ClickID      string
	RefCode      string
	NetworkTxnID string
	Status       ConversionStatus
	Commission   int64
	Currency     string
	IsBillable   bool
	ApprovedAt   *time.Time
	PaidAt       *time.Time
	BilledAt     *time.Time
	InvoiceID    *string
	RawPayload   json.RawMessage
	OccurredAt   time.Time
	UpdatedAt    time.Time
}

// Billed reports whether the conversion is linked to a billing entry.
func (c Conversion) Billed() bool {
	return c.BilledAt != nil && c.InvoiceID != nil
}

// ConversionUpsert carries a postback delivery keyed on (PartnerID, NetworkTxnID).
// ID is only used when the row does not exist yet.
type ConversionUpsert struct {
	ID           string
	PartnerID    string
	OfferID      string
	ClickID      string
	RefCode      string
	NetworkTxnID string
	Status       ConversionStatus
	Commission   int64
	Currency     string
	RawPayload   json.RawMessage
	At           time.Time
}

// WebhookLog is an append-only audit row for inbound and outbound webhook calls.
type WebhookLog struct {
	ID                 string
	RequestID          string
	Direction          string
	Method             string
	Endpoint           string
	StatusCode         int
	SecretID           *string
	SignatureTimestamp *string
	SignatureValid     *bool
	PayloadHash        string
	PartnerID          *string
	Details            map[string]any
	Error              *string
	CreatedAt          time.Time
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// CpcClickParams carries a click and the spend windows it is checked against.
type CpcClickParams struct {
	Click      Click
	EntryID    string
	DayStart   time.Time
	MonthStart time.Time
}

// CpcClickResult reports the stored click and, when charged, the spend entry.
type CpcClickResult struct {
	Click   Click
	Spend   *LedgerEntry
	Balance int64
}

// BillParams configures aggregation of unbilled, billable conversions into one entry.
type BillParams struct {
	EntryID     string
	PartnerID   string
	Type        EntryType
	Status      EntryStatus
	From        *time.Time
	To          *time.Time
	MinAmount   int64
	InvoiceYear int
	Description string
	At          time.Time
}

// BillResult is the entry created by BillPending and the conversions it consumed.
type BillResult struct {
	Entry         LedgerEntry
	ConversionIDs []string
}

// AffiliateStats aggregates click and conversion activity for a partner.
type AffiliateStats struct {
	Clicks      int64
	Conversions int64
	Commission  int64
	TopRefCodes []RefCodeStats
}

// RefCodeStats aggregates activity per ref code.
type RefCodeStats struct {
	RefCode     string
	Clicks      int64
	Conversions int64
	Commission  int64
}

// UnpaidInvoices sums invoices that are neither paid nor cancelled.
type UnpaidInvoices struct {
	Amount int64
	Count  int64
}

// Reasons recorded on CPC clicks that could not be charged.
const (
	ReasonDailyLimit          = "daily_spend_limit"
	ReasonMonthlyLimit        = "monthly_spend_limit"
	ReasonInsufficientBalance = "insufficient_balance"
)

// spendRejection returns why a charge of cost cannot be applied, or "".
func spendRejection(cost, balance, dailyLimit, monthlyLimit, spentToday, spentMonth int64) string {
	switch {
	case dailyLimit > 0 && spentToday+cost > dailyLimit:
		return ReasonDailyLimit
	case monthlyLimit > 0 && spentMonth+cost > monthlyLimit:
		return ReasonMonthlyLimit
	case balance < cost:
		return ReasonInsufficientBalance
	}
	return ""
}
