package repo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"partner-ledger/migrations"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	r, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(r.Close)
	// Migrations are re-run on every start, so they must be idempotent.
	for i := 0; i < 2; i++ {
		if err := r.RunMigrations(ctx, migrations.SQLite()); err != nil {
			t.Fatalf("run migrations (pass %d): %v", i+1, err)
		}
	}
	return r
}

func upsert(t *testing.T, r Repository, partnerID, txn string, status ConversionStatus, commission int64, at time.Time) *Conversion {
	t.Helper()
	c, _, err := r.UpsertConversion(context.Background(), ConversionUpsert{
		ID:           uuid.NewString(),
		PartnerID:    partnerID,
		OfferID:      "offer-1",
		NetworkTxnID: txn,
		Status:       status,
		Commission:   commission,
		Currency:     "USD",
		At:           at,
	})
	if err != nil {
		t.Fatalf("upsert %s: %v", txn, err)
	}
	return c
}

func billInvoice(r Repository, partnerID string, at time.Time) (*BillResult, error) {
	return r.BillPending(context.Background(), BillParams{
		EntryID:     uuid.NewString(),
		PartnerID:   partnerID,
		Type:        EntryInvoice,
		Status:      StatusPending,
		InvoiceYear: at.Year(),
		At:          at,
	})
}

func TestUpsertConversionIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	first, created, err := r.UpsertConversion(ctx, ConversionUpsert{
		ID: uuid.NewString(), PartnerID: "p1", NetworkTxnID: "txn-1", Status: ConversionPending,
		Commission: 1000, Currency: "USD", RawPayload: []byte(`{"a":1}`), At: testNow,
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !created || first.IsBillable || first.ApprovedAt != nil {
		t.Fatalf("unexpected first write: created=%v %+v", created, first)
	}

	second, created, err := r.UpsertConversion(ctx, ConversionUpsert{
		ID: uuid.NewString(), PartnerID: "p1", NetworkTxnID: "txn-1", Status: ConversionApproved,
		Commission: 1200, Currency: "EUR", At: testNow.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("replay upsert: %v", err)
	}
	if created {
		t.Fatalf("replay must update, not insert")
	}
	if second.ID != first.ID {
		t.Fatalf("replay changed id: %s != %s", second.ID, first.ID)
	}
	if second.Status != ConversionApproved || !second.IsBillable || second.ApprovedAt == nil {
		t.Fatalf("replay did not apply status: %+v", second)
	}
	if second.Commission != 1200 || second.Currency != "EUR" {
		t.Fatalf("replay did not apply amount: %d %s", second.Commission, second.Currency)
	}
	if string(second.RawPayload) != `{"a":1}` {
		t.Fatalf("raw payload lost on replay without payload: %s", second.RawPayload)
	}

	page, err := r.ListConversions(ctx, ConversionFilter{ListFilter: ListFilter{PartnerID: "p1"}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || page.Sum != 1200 {
		t.Fatalf("expected one row of 1200, got total=%d sum=%d", page.Total, page.Sum)
	}

	// Same transaction id under another partner is a different conversion.
	other := upsert(t, r, "p2", "txn-1", ConversionApproved, 500, testNow)
	if other.ID == first.ID {
		t.Fatalf("partners must not share conversions")
	}
}

func TestUpsertConversionNeverRegressesPaid(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	c := upsert(t, r, "p1", "txn-paid", ConversionApproved, 1000, testNow)

	if _, err := r.UpdateConversion(ctx, "p1", c.ID, testNow, func(c *Conversion) error {
		paid := testNow
		c.Status = ConversionPaid
		c.PaidAt = &paid
		return nil
	}); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	replay := upsert(t, r, "p1", "txn-paid", ConversionPending, 9999, testNow.Add(time.Hour))
	if replay.Status != ConversionPaid || !replay.IsBillable {
		t.Fatalf("paid conversion regressed: %+v", replay)
	}
	if replay.Commission != 1000 {
		t.Fatalf("paid conversion amount changed to %d", replay.Commission)
	}
}

func TestUpdateConversionScopesToPartner(t *testing.T) {
	r := newTestRepo(t)
	c := upsert(t, r, "p1", "txn-1", ConversionPending, 100, testNow)

	called := false
	_, err := r.UpdateConversion(context.Background(), "p2", c.ID, testNow, func(*Conversion) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if called {
		t.Fatalf("mutate must not run for another partner's conversion")
	}

	if _, err := r.UpdateConversion(context.Background(), "p1", "missing", testNow, func(*Conversion) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing id, got %v", err)
	}
}

func TestUpdateConversionAbortsOnMutateError(t *testing.T) {
	r := newTestRepo(t)
	c := upsert(t, r, "p1", "txn-1", ConversionPending, 100, testNow)
	boom := errors.New("boom")

	_, err := r.UpdateConversion(context.Background(), "p1", c.ID, testNow, func(c *Conversion) error {
		c.Status = ConversionApproved
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutate error, got %v", err)
	}
	got, err := r.GetConversion(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != ConversionPending {
		t.Fatalf("aborted mutation was written: %s", got.Status)
	}
}

func TestUpdateConversionRefusesCancelledTarget(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	upsert(t, r, "p1", "txn-a", ConversionApproved, 1000, testNow)
	res, err := billInvoice(r, "p1", testNow)
	if err != nil {
		t.Fatalf("bill: %v", err)
	}
	if _, _, err := r.CancelBillingEntry(ctx, "p1", res.Entry.ID, EntryInvoice, testNow); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	late := upsert(t, r, "p1", "txn-b", ConversionApproved, 500, testNow)

	link := func(partnerID, entryID string) error {
		_, err := r.UpdateConversion(ctx, partnerID, late.ID, testNow, func(c *Conversion) error {
			c.BilledAt = &testNow
			c.InvoiceID = &entryID
			return nil
		})
		return err
	}
	if err := link("p1", res.Entry.ID); !errors.Is(err, ErrEntryState) {
		t.Fatalf("link to cancelled invoice: expected ErrEntryState, got %v", err)
	}
	got, _ := r.GetConversion(ctx, late.ID)
	if got.InvoiceID != nil || got.BilledAt != nil {
		t.Fatalf("refused link was written: %+v", got)
	}

	upsert(t, r, "p2", "txn-c", ConversionApproved, 700, testNow)
	other, err := billInvoice(r, "p2", testNow)
	if err != nil {
		t.Fatalf("bill p2: %v", err)
	}
	if err := link("p1", other.Entry.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("link to another partner's invoice: expected ErrNotFound, got %v", err)
	}

	live, err := billInvoice(r, "p1", testNow)
	if err != nil {
		t.Fatalf("bill again: %v", err)
	}
	upsert(t, r, "p1", "txn-d", ConversionApproved, 300, testNow)
	if err := link("p1", live.Entry.ID); err != nil {
		t.Fatalf("link to live invoice: %v", err)
	}
}

func TestUpsertConversionRefreshesApprovedAt(t *testing.T) {
	r := newTestRepo(t)
	first := upsert(t, r, "p1", "txn-1", ConversionApproved, 100, testNow)
	later := testNow.Add(2 * time.Hour)
	replay := upsert(t, r, "p1", "txn-1", ConversionApproved, 100, later)
	if replay.ID != first.ID || replay.ApprovedAt == nil || !replay.ApprovedAt.Equal(later) {
		t.Fatalf("approved replay should move approved_at to %s, got %+v", later, replay.ApprovedAt)
	}
	pending := upsert(t, r, "p1", "txn-1", ConversionPending, 100, later.Add(time.Hour))
	if pending.ApprovedAt == nil || !pending.ApprovedAt.Equal(later) {
		t.Fatalf("non-approved replay must keep approved_at, got %+v", pending.ApprovedAt)
	}
}

func TestBillPendingLinksConversionsAndNumbersInvoices(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a := upsert(t, r, "p1", "txn-a", ConversionApproved, 1000, testNow)
	b := upsert(t, r, "p1", "txn-b", ConversionApproved, 1500, testNow)
	pending := upsert(t, r, "p1", "txn-c", ConversionPending, 700, testNow)

	res, err := billInvoice(r, "p1", testNow)
	if err != nil {
		t.Fatalf("bill: %v", err)
	}
	if res.Entry.Amount != 2500 {
		t.Fatalf("expected 2500, got %d", res.Entry.Amount)
	}
	if res.Entry.InvoiceNumber == nil || *res.Entry.InvoiceNumber != "2026-0001" {
		t.Fatalf("unexpected invoice number %v", res.Entry.InvoiceNumber)
	}
	if len(res.ConversionIDs) != 2 {
		t.Fatalf("expected 2 linked conversions, got %d", len(res.ConversionIDs))
	}

	var sum int64
	for _, id := range []string{a.ID, b.ID} {
		c, err := r.GetConversion(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !c.Billed() || *c.InvoiceID != res.Entry.ID {
			t.Fatalf("conversion %s not linked: %+v", id, c)
		}
		sum += c.Commission
	}
	if sum != res.Entry.Amount {
		t.Fatalf("invoice amount %d != linked sum %d", res.Entry.Amount, sum)
	}
	if c, _ := r.GetConversion(ctx, pending.ID); c.Billed() {
		t.Fatalf("pending conversion must not be billed")
	}

	if _, err := billInvoice(r, "p1", testNow); !errors.Is(err, ErrNothingPending) {
		t.Fatalf("expected ErrNothingPending on second run, got %v", err)
	}

	upsert(t, r, "p1", "txn-d", ConversionApproved, 300, testNow)
	upsert(t, r, "p2", "txn-x", ConversionApproved, 300, testNow)
	second, err := billInvoice(r, "p1", testNow)
	if err != nil {
		t.Fatalf("bill again: %v", err)
	}
	third, err := billInvoice(r, "p2", testNow)
	if err != nil {
		t.Fatalf("bill other partner: %v", err)
	}
	if *second.Entry.InvoiceNumber != "2026-0002" || *third.Entry.InvoiceNumber != "2026-0003" {
		t.Fatalf("numbers not sequential per year: %s %s", *second.Entry.InvoiceNumber, *third.Entry.InvoiceNumber)
	}

	next, err := billInvoice(r, "p1", testNow.AddDate(1, 0, 0))
	if !errors.Is(err, ErrNothingPending) {
		t.Fatalf("expected nothing pending, got %v %v", next, err)
	}
	upsert(t, r, "p1", "txn-2027", ConversionApproved, 100, testNow.AddDate(1, 0, 0))
	next, err = billInvoice(r, "p1", testNow.AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("bill next year: %v", err)
	}
	if *next.Entry.InvoiceNumber != "2027-0001" {
		t.Fatalf("sequence must restart per year, got %s", *next.Entry.InvoiceNumber)
	}
}

func TestBillPendingRespectsRangeAndMinimum(t *testing.T) {
	r := newTestRepo(t)
	upsert(t, r, "p1", "old", ConversionApproved, 5000, testNow.AddDate(0, 0, -60))
	upsert(t, r, "p1", "new", ConversionApproved, 1000, testNow.Add(-time.Hour))

	from := testNow.AddDate(0, 0, -30)
	_, err := r.BillPending(context.Background(), BillParams{
		EntryID: uuid.NewString(), PartnerID: "p1", Type: EntryPayout, Status: StatusPending,
		From: &from, To: &testNow, MinAmount: 2000, At: testNow,
	})
	if !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}

	res, err := r.BillPending(context.Background(), BillParams{
		EntryID: uuid.NewString(), PartnerID: "p1", Type: EntryPayout, Status: StatusPending,
		From: &from, To: &testNow, At: testNow,
	})
	if err != nil {
		t.Fatalf("bill range: %v", err)
	}
	if res.Entry.Amount != 1000 || res.Entry.InvoiceNumber != nil {
		t.Fatalf("unexpected payout entry: %+v", res.Entry)
	}

	payable, err := r.PayableCommission(context.Background(), "p1")
	if err != nil {
		t.Fatalf("payable: %v", err)
	}
	if payable != 5000 {
		t.Fatalf("out-of-range conversion should remain payable, got %d", payable)
	}
}

func TestBillPendingSerialisesConcurrentRuns(t *testing.T) {
	r := newTestRepo(t)
	for i := 0; i < 5; i++ {
		upsert(t, r, "p1", fmt.Sprintf("txn-%d", i), ConversionApproved, 100, testNow)
	}

	const workers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		empty   int
		other   []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := billInvoice(r, "p1", testNow)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, ErrNothingPending):
				empty++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if success != 1 || empty != workers-1 {
		t.Fatalf("expected exactly one invoice, got success=%d empty=%d", success, empty)
	}
}

func TestCancelBillingEntryReleasesConversions(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	upsert(t, r, "p1", "txn-a", ConversionApproved, 1000, testNow)
	upsert(t, r, "p1", "txn-b", ConversionApproved, 1500, testNow)

	res, err := billInvoice(r, "p1", testNow)
	if err != nil {
		t.Fatalf("bill: %v", err)
	}

	if _, _, err := r.CancelBillingEntry(ctx, "p2", res.Entry.ID, EntryInvoice, testNow); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel by another partner: expected ErrNotFound, got %v", err)
	}
	if _, _, err := r.CancelBillingEntry(ctx, "p1", res.Entry.ID, EntryPayout, testNow); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel with wrong type: expected ErrNotFound, got %v", err)
	}

	entry, released, err := r.CancelBillingEntry(ctx, "p1", res.Entry.ID, EntryInvoice, testNow)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if entry.Status != StatusCancelled || released != 2 {
		t.Fatalf("unexpected cancel result: %s released=%d", entry.Status, released)
	}

	_, released, err = r.CancelBillingEntry(ctx, "p1", res.Entry.ID, EntryInvoice, testNow)
	if err != nil || released != 0 {
		t.Fatalf("second cancel must be a no-op, got released=%d err=%v", released, err)
	}

	payable, _ := r.PayableCommission(ctx, "p1")
	if payable != 2500 {
		t.Fatalf("released conversions should be payable again, got %d", payable)
	}

	if _, _, err := r.MarkBillingEntryPaid(ctx, "p1", res.Entry.ID, EntryInvoice, "wire", testNow); !errors.Is(err, ErrEntryState) {
		t.Fatalf("paying a cancelled invoice: expected ErrEntryState, got %v", err)
	}

	again, err := billInvoice(r, "p1", testNow)
	if err != nil {
		t.Fatalf("re-bill: %v", err)
	}
	if again.Entry.Amount != 2500 || *again.Entry.InvoiceNumber != "2026-0002" {
		t.Fatalf("unexpected re-bill: %d %s", again.Entry.Amount, *again.Entry.InvoiceNumber)
	}
}

func TestMarkBillingEntryPaidSettlesConversions(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a := upsert(t, r, "p1", "txn-a", ConversionApproved, 1000, testNow)

	res, err := billInvoice(r, "p1", testNow)
	if err != nil {
		t.Fatalf("bill: %v", err)
	}
	entry, settled, err := r.MarkBillingEntryPaid(ctx, "p1", res.Entry.ID, EntryInvoice, "wire", testNow)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if entry.Status != StatusPaid || entry.PaymentMethod != "wire" || entry.ProcessedAt == nil || settled != 1 {
		t.Fatalf("unexpected paid entry: %+v settled=%d", entry, settled)
	}
	c, _ := r.GetConversion(ctx, a.ID)
	if c.Status != ConversionPaid || c.PaidAt == nil {
		t.Fatalf("linked conversion not settled: %+v", c)
	}

	if _, settled, err := r.MarkBillingEntryPaid(ctx, "p1", res.Entry.ID, EntryInvoice, "", testNow); err != nil || settled != 0 {
		t.Fatalf("second mark paid must be a no-op: settled=%d err=%v", settled, err)
	}
	if _, _, err := r.CancelBillingEntry(ctx, "p1", res.Entry.ID, EntryInvoice, testNow); !errors.Is(err, ErrEntryState) {
		t.Fatalf("cancelling a paid invoice: expected ErrEntryState, got %v", err)
	}
}

func TestApplyBalanceEntryKeepsBalanceInvariant(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if _, _, err := r.ApplyBalanceEntry(ctx, LedgerEntry{ID: uuid.NewString(), PartnerID: "p1", Type: EntrySpend, Amount: 10, CreatedAt: testNow}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	steps := []struct {
		typ    EntryType
		status EntryStatus
		amount int64
		want   int64
	}{
		{EntryRecharge, StatusCompleted, 5000, 5000},
		{EntrySpend, StatusCompleted, 1200, 3800},
		{EntryCredit, StatusCompleted, 200, 4000},
		{EntryRecharge, StatusPending, 9000, 4000},
		{EntryRefund, "", 100, 4100},
	}
	for _, s := range steps {
		_, balance, err := r.ApplyBalanceEntry(ctx, LedgerEntry{
			ID: uuid.NewString(), PartnerID: "p1", Type: s.typ, Status: s.status, Amount: s.amount, CreatedAt: testNow,
		})
		if err != nil {
			t.Fatalf("%s %d: %v", s.typ, s.amount, err)
		}
		if balance != s.want {
			t.Fatalf("%s %d: balance %d, want %d", s.typ, s.amount, balance, s.want)
		}
	}

	if _, _, err := r.ApplyBalanceEntry(ctx, LedgerEntry{ID: uuid.NewString(), PartnerID: "p1", Type: EntryInvoice, Amount: 1, CreatedAt: testNow}); err == nil {
		t.Fatalf("invoice entries must not move the balance")
	}

	acct, err := r.GetAccount(ctx, "p1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	total, err := r.SignedEntryTotal(ctx, "p1")
	if err != nil {
		t.Fatalf("signed total: %v", err)
	}
	if total != acct.CreditBalance {
		t.Fatalf("ledger sum %d != balance %d", total, acct.CreditBalance)
	}

	recharged, err := r.SumEntries(ctx, "p1", EntryRecharge, nil)
	if err != nil || recharged != 5000 {
		t.Fatalf("settled recharges: %d %v", recharged, err)
	}
	last, err := r.LatestEntry(ctx, "p1", EntryRecharge)
	if err != nil || last.Amount != 5000 {
		t.Fatalf("latest recharge: %+v %v", last, err)
	}
}

func TestSettleEntryCreditsPendingRecharge(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	pending, _, err := r.ApplyBalanceEntry(ctx, LedgerEntry{ID: uuid.NewString(), PartnerID: "p1", Type: EntryRecharge, Status: StatusPending, Amount: 2500, CreatedAt: testNow})
	if err != nil {
		t.Fatalf("pending recharge: %v", err)
	}
	failed, _, err := r.ApplyBalanceEntry(ctx, LedgerEntry{ID: uuid.NewString(), PartnerID: "p1", Type: EntryRecharge, Status: StatusPending, Amount: 700, CreatedAt: testNow})
	if err != nil {
		t.Fatalf("pending recharge: %v", err)
	}

	e, balance, err := r.SettleEntry(ctx, pending.ID, StatusCompleted, testNow.Add(time.Minute))
	if err != nil || balance != 2500 || e.Status != StatusCompleted || e.ProcessedAt == nil {
		t.Fatalf("settle: %+v %d %v", e, balance, err)
	}
	if _, balance, err = r.SettleEntry(ctx, pending.ID, StatusCompleted, testNow.Add(2*time.Minute)); err != nil || balance != 2500 {
		t.Fatalf("repeat settle must be a no-op: %d %v", balance, err)
	}
	if _, _, err := r.SettleEntry(ctx, pending.ID, StatusFailed, testNow); !errors.Is(err, ErrEntryState) {
		t.Fatalf("expected ErrEntryState, got %v", err)
	}

	if _, balance, err = r.SettleEntry(ctx, failed.ID, StatusFailed, testNow); err != nil || balance != 2500 {
		t.Fatalf("failed recharge moved the balance: %d %v", balance, err)
	}

	spend, _, err := r.ApplyBalanceEntry(ctx, LedgerEntry{ID: uuid.NewString(), PartnerID: "p1", Type: EntrySpend, Amount: 100, CreatedAt: testNow})
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if _, _, err := r.SettleEntry(ctx, spend.ID, StatusCompleted, testNow); !errors.Is(err, ErrNotFound) {
		t.Fatalf("only recharges settle, got %v", err)
	}

	acct, _ := r.GetAccount(ctx, "p1")
	total, _ := r.SignedEntryTotal(ctx, "p1")
	if total != acct.CreditBalance {
		t.Fatalf("ledger sum %d != balance %d", total, acct.CreditBalance)
	}
}

func TestRecordCpcClickEnforcesLimitsAndBalance(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.UpdateAccountSettings(ctx, "p1", AccountSettings{DailySpendLimit: 50, MonthlySpendLimit: 60}, testNow); err != nil {
		t.Fatalf("settings: %v", err)
	}
	if _, _, err := r.ApplyBalanceEntry(ctx, LedgerEntry{ID: uuid.NewString(), PartnerID: "p1", Type: EntryRecharge, Amount: 100, CreatedAt: testNow}); err != nil {
		t.Fatalf("recharge: %v", err)
	}

	dayStart := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	click := func(at time.Time, day time.Time, cost int64) *CpcClickResult {
		t.Helper()
		res, err := r.RecordCpcClick(ctx, CpcClickParams{
			Click: Click{
				ID: uuid.NewString(), PartnerID: "p1", MonetizableType: "product", MonetizableID: "sku-1",
				CostPerClick: cost, IsValid: true, CreatedAt: at,
			},
			EntryID:    uuid.NewString(),
			DayStart:   day,
			MonthStart: monthStart,
		})
		if err != nil {
			t.Fatalf("record click: %v", err)
		}
		return res
	}

	first := click(testNow, dayStart, 30)
	if !first.Click.IsValid || first.Spend == nil || first.Balance != 70 {
		t.Fatalf("first click should be charged: %+v", first)
	}
	second := click(testNow.Add(time.Minute), dayStart, 30)
	if second.Click.IsValid || second.Click.InvalidReason == nil || *second.Click.InvalidReason != ReasonDailyLimit || second.Spend != nil {
		t.Fatalf("second click should hit the daily limit: %+v", second.Click)
	}

	tomorrow := testNow.AddDate(0, 0, 1)
	third := click(tomorrow, dayStart.AddDate(0, 0, 1), 30)
	if !third.Click.IsValid || third.Balance != 40 {
		t.Fatalf("third click should be charged on a new day: %+v", third)
	}
	fourth := click(tomorrow.Add(time.Minute), dayStart.AddDate(0, 0, 1), 15)
	if fourth.Click.IsValid || *fourth.Click.InvalidReason != ReasonMonthlyLimit {
		t.Fatalf("fourth click should hit the monthly limit: %+v", fourth.Click)
	}

	free := click(tomorrow.Add(2*time.Minute), dayStart.AddDate(0, 0, 1), 0)
	if !free.Click.IsValid || free.Spend != nil {
		t.Fatalf("zero-cost clicks are recorded without charge: %+v", free)
	}

	page, err := r.ListClicks(ctx, ClickFilter{ListFilter: ListFilter{PartnerID: "p1"}})
	if err != nil {
		t.Fatalf("list clicks: %v", err)
	}
	if page.Total != 5 {
		t.Fatalf("every click is stored, got %d", page.Total)
	}
	valid := false
	invalid, err := r.ListClicks(ctx, ClickFilter{ListFilter: ListFilter{PartnerID: "p1"}, Valid: &valid})
	if err != nil || invalid.Total != 2 {
		t.Fatalf("invalid clicks: %v %v", invalid, err)
	}

	total, _ := r.SignedEntryTotal(ctx, "p1")
	acct, _ := r.GetAccount(ctx, "p1")
	if total != acct.CreditBalance || acct.CreditBalance != 40 {
		t.Fatalf("ledger sum %d, balance %d", total, acct.CreditBalance)
	}
}

func TestRecordCpcClickInsufficientBalance(t *testing.T) {
	r := newTestRepo(t)
	res, err := r.RecordCpcClick(context.Background(), CpcClickParams{
		Click:      Click{ID: uuid.NewString(), PartnerID: "p1", MonetizableType: "product", MonetizableID: "x", CostPerClick: 25, IsValid: true, CreatedAt: testNow},
		EntryID:    uuid.NewString(),
		DayStart:   testNow.Truncate(24 * time.Hour),
		MonthStart: testNow.AddDate(0, 0, -13),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.Click.IsValid || *res.Click.InvalidReason != ReasonInsufficientBalance || res.Balance != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAccountSettingsRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if _, err := r.GetAccount(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first write, got %v", err)
	}
	acct, err := r.EnsureAccount(ctx, "p1", testNow)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if acct.CreditBalance != 0 || acct.Webhook.Enabled {
		t.Fatalf("unexpected defaults: %+v", acct)
	}

	settings := AccountSettings{
		AutoRechargeEnabled:       true,
		AutoRechargeThreshold:     1000,
		AutoRechargeAmount:        5000,
		AffiliateBillingThreshold: 2000,
		Webhook:                   WebhookConfig{Endpoint: "https://partner.example/hook", Secret: "s3cret", Enabled: true, RetryMax: 3},
		Links: LinkConfig{
			ParamKeys:        LinkParamKeys{Ref: "ref"},
			AllowlistDomains: []string{"shop.example"},
			UTMDefaults:      UTMDefaults{Source: "partner"},
		},
		Notifications: NotificationConfig{NotifyOnInvoice: true, InvoiceEmails: []string{"billing@partner.example"}},
	}
	got, err := r.UpdateAccountSettings(ctx, "p1", settings, testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Webhook.Endpoint != settings.Webhook.Endpoint || got.Webhook.Secret != "s3cret" || got.Webhook.RetryMax != 3 {
		t.Fatalf("webhook config lost: %+v", got.Webhook)
	}
	if len(got.Links.AllowlistDomains) != 1 || got.Links.UTMDefaults.Source != "partner" {
		t.Fatalf("link config lost: %+v", got.Links)
	}
	if !got.Notifications.NotifyOnInvoice || got.AffiliateBillingThreshold != 2000 {
		t.Fatalf("settings lost: %+v", got)
	}
	if !got.UpdatedAt.Equal(testNow.Add(time.Hour)) || !got.CreatedAt.Equal(testNow) {
		t.Fatalf("timestamps: created=%v updated=%v", got.CreatedAt, got.UpdatedAt)
	}
}

func TestAffiliateClicksAndStats(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	insert := func(ref string, valid bool) *AffiliateClick {
		c, err := r.InsertAffiliateClick(ctx, AffiliateClick{
			ID: uuid.NewString(), PartnerID: "p1", RefCode: ref, ClientID: "cid.1", SessionNumber: 2,
			IsValid: valid, CreatedAt: testNow,
		})
		if err != nil {
			t.Fatalf("insert click: %v", err)
		}
		return c
	}
	first := insert("alpha", true)
	insert("alpha", true)
	insert("beta", true)
	insert("beta", false)

	if _, err := r.SetAffiliateClickValidity(ctx, "p2", first.ID, false, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("review by another partner: expected ErrNotFound, got %v", err)
	}
	reason := "bot traffic"
	reviewed, err := r.SetAffiliateClickValidity(ctx, "p1", first.ID, false, &reason)
	if err != nil || reviewed.IsValid || *reviewed.FraudReason != reason {
		t.Fatalf("review: %+v %v", reviewed, err)
	}

	for i, ref := range []string{"alpha", "beta", "beta"} {
		_, _, err := r.UpsertConversion(ctx, ConversionUpsert{
			ID: uuid.NewString(), PartnerID: "p1", NetworkTxnID: fmt.Sprintf("t%d", i), RefCode: ref,
			Status: ConversionApproved, Commission: 1000, Currency: "USD", At: testNow,
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	stats, err := r.AffiliateStats(ctx, "p1", nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Clicks != 2 || stats.Conversions != 3 || stats.Commission != 3000 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if len(stats.TopRefCodes) != 2 || stats.TopRefCodes[0].RefCode != "beta" || stats.TopRefCodes[0].Commission != 2000 {
		t.Fatalf("unexpected ranking: %+v", stats.TopRefCodes)
	}

	page, err := r.ListAffiliateClicks(ctx, AffiliateClickFilter{ListFilter: ListFilter{PartnerID: "p1", PageSize: 2}, RefCode: "alpha"})
	if err != nil || page.Total != 2 || len(page.Items) != 2 {
		t.Fatalf("list affiliate clicks: %+v %v", page, err)
	}
}

func TestWebhookLogsAreFilterable(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	valid, invalid := true, false
	partner := "p1"
	secretID := "primary"

	logs := []WebhookLog{
		{ID: uuid.NewString(), RequestID: "req-1", Direction: DirectionInbound, Method: "POST", Endpoint: "/webhook/postback", StatusCode: 200, SecretID: &secretID, SignatureValid: &valid, PayloadHash: "abc", PartnerID: &partner, Details: map[string]any{"network_txn_id": "t1"}, CreatedAt: testNow},
		{ID: uuid.NewString(), RequestID: "req-2", Direction: DirectionInbound, Method: "POST", Endpoint: "/webhook/postback", StatusCode: 401, SignatureValid: &invalid, CreatedAt: testNow.Add(time.Second)},
		{ID: uuid.NewString(), RequestID: "req-3", Direction: DirectionOutbound, Method: "POST", Endpoint: "https://partner.example/hook", StatusCode: 500, PartnerID: &partner, CreatedAt: testNow.Add(2 * time.Second)},
	}
	for _, l := range logs {
		if err := r.InsertWebhookLog(ctx, l); err != nil {
			t.Fatalf("insert log: %v", err)
		}
	}

	all, err := r.ListWebhookLogs(ctx, WebhookLogFilter{})
	if err != nil || all.Total != 3 {
		t.Fatalf("all logs: %+v %v", all, err)
	}
	if all.Items[0].RequestID != "req-3" {
		t.Fatalf("logs must be newest first, got %s", all.Items[0].RequestID)
	}

	unauthorized, err := r.ListWebhookLogs(ctx, WebhookLogFilter{StatusCode: 401})
	if err != nil || unauthorized.Total != 1 {
		t.Fatalf("401 logs: %+v %v", unauthorized, err)
	}
	got := unauthorized.Items[0]
	if got.SignatureValid == nil || *got.SignatureValid || got.SecretID != nil || got.PartnerID != nil {
		t.Fatalf("unexpected 401 log: %+v", got)
	}

	partnerLogs, err := r.ListWebhookLogs(ctx, WebhookLogFilter{ListFilter: ListFilter{PartnerID: "p1"}, Direction: DirectionInbound})
	if err != nil || partnerLogs.Total != 1 {
		t.Fatalf("partner inbound logs: %+v %v", partnerLogs, err)
	}
	if partnerLogs.Items[0].Details["network_txn_id"] != "t1" {
		t.Fatalf("details lost: %+v", partnerLogs.Items[0].Details)
	}

	search, err := r.ListWebhookLogs(ctx, WebhookLogFilter{Search: "partner.example"})
	if err != nil || search.Total != 1 {
		t.Fatalf("search logs: %+v %v", search, err)
	}
}

func TestListEntriesPagination(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, _, err := r.ApplyBalanceEntry(ctx, LedgerEntry{
			ID: uuid.NewString(), PartnerID: "p1", Type: EntryRecharge, Amount: int64(100 * (i + 1)), CreatedAt: testNow.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("recharge: %v", err)
		}
	}

	page, err := r.ListEntries(ctx, EntryFilter{ListFilter: ListFilter{PartnerID: "p1", Page: 2, PageSize: 2}, Type: EntryRecharge})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 5 || page.Sum != 1500 || len(page.Items) != 2 {
		t.Fatalf("unexpected page: total=%d sum=%d items=%d", page.Total, page.Sum, len(page.Items))
	}
	if page.Items[0].Amount != 300 || page.Items[1].Amount != 200 {
		t.Fatalf("unexpected order: %d %d", page.Items[0].Amount, page.Items[1].Amount)
	}

	from := testNow.Add(3 * time.Minute)
	ranged, err := r.ListEntries(ctx, EntryFilter{ListFilter: ListFilter{PartnerID: "p1", From: &from}})
	if err != nil || ranged.Total != 2 {
		t.Fatalf("ranged list: %+v %v", ranged, err)
	}
}
