package repo

import (
	"context"
	"io/fs"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Accounts
	GetAccount(ctx context.Context, partnerID string) (*BillingAccount, error)
	EnsureAccount(ctx context.Context, partnerID string, at time.Time) (*BillingAccount, error)
	UpdateAccountSettings(ctx context.Context, partnerID string, settings AccountSettings, at time.Time) (*BillingAccount, error)

	// Ledger
	ApplyBalanceEntry(ctx context.Context, entry LedgerEntry) (*LedgerEntry, int64, error)
	SettleEntry(ctx context.Context, entryID string, status EntryStatus, at time.Time) (*LedgerEntry, int64, error)
	GetEntry(ctx context.Context, id string) (*LedgerEntry, error)
	ListEntries(ctx context.Context, filter EntryFilter) (*Page[LedgerEntry], error)
	PendingEntryTotal(ctx context.Context, partnerID string, typ EntryType) (int64, error)
	SignedEntryTotal(ctx context.Context, partnerID string) (int64, error)
	SumEntries(ctx context.Context, partnerID string, typ EntryType, since *time.Time) (int64, error)
	UnpaidInvoices(ctx context.Context, partnerID string) (UnpaidInvoices, error)
	LatestEntry(ctx context.Context, partnerID string, typ EntryType) (*LedgerEntry, error)

	// Clicks
	RecordCpcClick(ctx context.Context, params CpcClickParams) (*CpcClickResult, error)
	ListClicks(ctx context.Context, filter ClickFilter) (*Page[Click], error)
	InsertAffiliateClick(ctx context.Context, click AffiliateClick) (*AffiliateClick, error)
	GetAffiliateClick(ctx context.Context, id string) (*AffiliateClick, error)
	SetAffiliateClickValidity(ctx context.Context, partnerID, id string, valid bool, reason *string) (*AffiliateClick, error)
	ListAffiliateClicks(ctx context.Context, filter AffiliateClickFilter) (*Page[AffiliateClick], error)
	AffiliateStats(ctx context.Context, partnerID string, since *time.Time) (*AffiliateStats, error)

	// Conversions
	UpsertConversion(ctx context.Context, in ConversionUpsert) (*Conversion, bool, error)
	GetConversion(ctx context.Context, id string) (*Conversion, error)
	UpdateConversion(ctx context.Context, partnerID, id string, at time.Time, mutate func(*Conversion) error) (*Conversion, error)
	ListConversions(ctx context.Context, filter ConversionFilter) (*Page[Conversion], error)
	PayableCommission(ctx context.Context, partnerID string) (int64, error)

	// Billing
	BillPending(ctx context.Context, params BillParams) (*BillResult, error)
	CancelBillingEntry(ctx context.Context, partnerID, entryID string, typ EntryType, at time.Time) (*LedgerEntry, int64, error)
	MarkBillingEntryPaid(ctx context.Context, partnerID, entryID string, typ EntryType, method string, at time.Time) (*LedgerEntry, int64, error)

	// Webhook logs
	InsertWebhookLog(ctx context.Context, log WebhookLog) error
	ListWebhookLogs(ctx context.Context, filter WebhookLogFilter) (*Page[WebhookLog], error)
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*SQLiteRepository)(nil)
)
