package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"partner-ledger/internal/repo"
)

// ChargeRequest asks a payment gateway to collect funds for a recharge.
type ChargeRequest struct {
	PartnerID      string
	Amount         int64
	Method         string
	IdempotencyKey string
}

// ChargeResult reports the gateway outcome. A pending charge is recorded but
// does not move the balance until it settles.
type ChargeResult struct {
	Reference string
	Status    repo.EntryStatus
}

// PaymentGateway collects recharge funds.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// ChargeChecker is implemented by gateways that can report the current state
// of an earlier charge, identified by its reference.
type ChargeChecker interface {
	ChargeStatus(ctx context.Context, reference string) (repo.EntryStatus, error)
}

// ManualGateway accepts every charge immediately. It stands in for operator-
// confirmed bank transfers.
type ManualGateway struct{}

// Charge implements PaymentGateway.
func (ManualGateway) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	return ChargeResult{Reference: "manual:" + req.IdempotencyKey, Status: repo.StatusCompleted}, nil
}

// RechargeInput tops up a partner's credit balance.
type RechargeInput struct {
	PartnerID   string
	Amount      int64
	Method      string
	Description string
}

// Recharge charges the gateway and records a recharge entry; a completed
// charge increments the balance in the same transaction.
func (s *Service) Recharge(ctx context.Context, in RechargeInput) (*repo.LedgerEntry, int64, error) {
	if in.PartnerID == "" {
		return nil, 0, invalidf("partner_id is required")
	}
	if in.Amount <= 0 {
		return nil, 0, invalidf("amount must be positive")
	}
	if in.Method == "" {
		in.Method = "manual"
	}
	id := s.newID()
	charge, err := s.gateway.Charge(ctx, ChargeRequest{
		PartnerID:      in.PartnerID,
		Amount:         in.Amount,
		Method:         in.Method,
		IdempotencyKey: id,
	})
	if err != nil {
		s.countError("payment_gateway")
		return nil, 0, fmt.Errorf("%w: charge failed: %w", ErrInternal, err)
	}
	if charge.Status == "" {
		charge.Status = repo.StatusCompleted
	}
	desc := in.Description
	if desc == "" {
		desc = "Credit recharge"
	}

	entry, balance, err := s.repo.ApplyBalanceEntry(ctx, repo.LedgerEntry{
		ID:            id,
		PartnerID:     in.PartnerID,
		Type:          repo.EntryRecharge,
		Amount:        in.Amount,
		Status:        charge.Status,
		PaymentMethod: in.Method,
		Description:   desc,
		Reference:     charge.Reference,
		CreatedAt:     s.Now(),
	})
	if err != nil {
		s.countError("recharge")
		s.logger.Error("recharge failed", "partner_id", in.PartnerID, "error", err)
		return nil, 0, translate(err)
	}
	if s.metrics != nil {
		s.metrics.LedgerEntries.WithLabelValues(string(repo.EntryRecharge)).Inc()
	}
	s.logger.Info("recharge recorded", "partner_id", in.PartnerID, "entry_id", entry.ID, "status", entry.Status, "balance", balance)
	return entry, balance, nil
}

// SettleRecharge applies the gateway's final outcome to a pending recharge.
// Only a completed charge credits the balance.
func (s *Service) SettleRecharge(ctx context.Context, entryID string, status repo.EntryStatus) (*repo.LedgerEntry, int64, error) {
	if entryID == "" {
		return nil, 0, invalidf("entry id is required")
	}
	switch status {
	case repo.StatusCompleted, repo.StatusFailed, repo.StatusCancelled:
	default:
		return nil, 0, invalidf("unsupported settlement status %q", status)
	}
	entry, balance, err := s.repo.SettleEntry(ctx, entryID, status, s.Now())
	if err != nil {
		err = translate(err)
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConflict) {
			s.countError("recharge_settle")
		}
		return nil, 0, err
	}
	s.logger.Info("recharge settled", "partner_id", entry.PartnerID, "entry_id", entry.ID, "status", entry.Status, "balance", balance)
	return entry, balance, nil
}

// RefreshRecharge asks the gateway for the state of a pending recharge and
// settles it when the charge has reached a final status. Recharges that are
// already settled, or still pending at the gateway, are returned unchanged.
func (s *Service) RefreshRecharge(ctx context.Context, partnerID, entryID string) (*repo.LedgerEntry, int64, error) {
	if partnerID == "" || entryID == "" {
		return nil, 0, invalidf("partner_id and entry id are required")
	}
	entry, err := s.repo.GetEntry(ctx, entryID)
	if err != nil {
		return nil, 0, translate(err)
	}
	if entry.PartnerID != partnerID || entry.Type != repo.EntryRecharge {
		return nil, 0, ErrNotFound
	}
	current := func() (*repo.LedgerEntry, int64, error) {
		acct, err := s.repo.GetAccount(ctx, partnerID)
		if err != nil {
			return nil, 0, translate(err)
		}
		return entry, acct.CreditBalance, nil
	}
	if entry.Status != repo.StatusPending {
		return current()
	}
	checker, ok := s.gateway.(ChargeChecker)
	if !ok {
		return nil, 0, conflictf("payment gateway cannot report charge status")
	}
	ref := entry.Reference
	if ref == "" {
		ref = entry.ID
	}
	status, err := checker.ChargeStatus(ctx, ref)
	if err != nil {
		s.countError("payment_gateway")
		return nil, 0, fmt.Errorf("%w: charge status: %w", ErrInternal, err)
	}
	switch status {
	case repo.StatusCompleted, repo.StatusFailed, repo.StatusCancelled:
		return s.SettleRecharge(ctx, entry.ID, status)
	}
	s.logger.Debug("recharge still pending at gateway", "partner_id", partnerID, "entry_id", entry.ID, "gateway_status", status)
	return current()
}

// TimelinePoint is one day of cash flow.
type TimelinePoint struct {
	Date    string `json:"date"`
	Inflow  int64  `json:"inflow_minor"`
	Outflow int64  `json:"outflow_minor"`
}

// Summary is the billing overview of one partner.
type Summary struct {
	PartnerID        string
	Balance          int64
	PayableAffiliate int64
	UnpaidInvoices   repo.UnpaidInvoices
	LastRecharge     *repo.LedgerEntry
	TotalDeposited   int64
	Spent30d         int64
	Timeline         []TimelinePoint
	Recent           []repo.LedgerEntry
}

// Summary gathers the partner's billing overview. The independent reads run
// concurrently.
func (s *Service) Summary(ctx context.Context, partnerID string) (*Summary, error) {
	if partnerID == "" {
		return nil, invalidf("partner_id is required")
	}
	now := s.Now()
	since30 := now.Add(-30 * day)
	since90 := now.Add(-90 * day)
	out := &Summary{PartnerID: partnerID}

	var timeline *repo.Page[repo.LedgerEntry]
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		acct, err := s.repo.GetAccount(gctx, partnerID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out.Balance = acct.CreditBalance
		return nil
	})
	g.Go(func() (err error) {
		out.PayableAffiliate, err = s.repo.PayableCommission(gctx, partnerID)
		return err
	})
	g.Go(func() (err error) {
		out.UnpaidInvoices, err = s.repo.UnpaidInvoices(gctx, partnerID)
		return err
	})
	g.Go(func() error {
		last, err := s.repo.LatestEntry(gctx, partnerID, repo.EntryRecharge)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		out.LastRecharge = last
		return err
	})
	g.Go(func() (err error) {
		out.TotalDeposited, err = s.repo.SumEntries(gctx, partnerID, repo.EntryRecharge, nil)
		return err
	})
	g.Go(func() (err error) {
		out.Spent30d, err = s.repo.SumEntries(gctx, partnerID, repo.EntrySpend, &since30)
		return err
	})
	g.Go(func() (err error) {
		timeline, err = s.repo.ListEntries(gctx, repo.EntryFilter{ListFilter: repo.ListFilter{
			PartnerID: partnerID,
			From:      &since90,
			PageSize:  repo.MaxPageSize,
		}})
		return err
	})
	g.Go(func() error {
		recent, err := s.repo.ListEntries(gctx, repo.EntryFilter{ListFilter: repo.ListFilter{PartnerID: partnerID, PageSize: 10}})
		if err != nil {
			return err
		}
		out.Recent = recent.Items
		return nil
	})
	if err := g.Wait(); err != nil {
		s.countError("summary")
		s.logger.Error("billing summary failed", "partner_id", partnerID, "error", err)
		return nil, translate(err)
	}
	out.Timeline = cashflow(timeline.Items)
	return out, nil
}

// cashflow buckets entries per UTC day. Recharges, refunds, credits and paid
// invoices flow in; spend, payouts and open invoices flow out.
func cashflow(entries []repo.LedgerEntry) []TimelinePoint {
	byDay := map[string]*TimelinePoint{}
	for _, e := range entries {
		if e.Status == repo.StatusCancelled || e.Status == repo.StatusFailed {
			continue
		}
		key := e.CreatedAt.UTC().Format(time.DateOnly)
		p, ok := byDay[key]
		if !ok {
			p = &TimelinePoint{Date: key}
			byDay[key] = p
		}
		switch {
		case e.Type.Sign() > 0, e.Type == repo.EntryInvoice && e.Status == repo.StatusPaid:
			p.Inflow += e.Amount
		default:
			p.Outflow += e.Amount
		}
	}
	out := make([]TimelinePoint, 0, len(byDay))
	for _, p := range byDay {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// RefCodeStats is per-ref-code affiliate activity.
type RefCodeStats struct {
	RefCode     string `json:"ref_code"`
	Clicks      int64  `json:"clicks"`
	Conversions int64  `json:"conversions"`
	Commission  int64  `json:"commission_minor"`
}

// Stats is the affiliate performance of one partner over a range.
type Stats struct {
	PartnerID      string         `json:"partner_id"`
	Range          string         `json:"range"`
	Clicks         int64          `json:"clicks"`
	Conversions    int64          `json:"conversions"`
	Commission     int64          `json:"commission_minor"`
	ConversionRate float64        `json:"conversion_rate"`
	TopRefCodes    []RefCodeStats `json:"top_ref_codes"`
}

// statsRanges are the named ranges cached per partner.
var statsRanges = []string{RangeToday, RangeYesterday, Range7d, Range30d, Range90d, RangeAll}

func statsKey(partnerID, rangeName string) string {
	return "stats:" + partnerID + ":" + rangeName
}

// Stats reports affiliate performance, served from the cache when possible.
func (s *Service) Stats(ctx context.Context, partnerID, rangeName string) (*Stats, error) {
	if partnerID == "" {
		return nil, invalidf("partner_id is required")
	}
	r, err := ParseRange(rangeName, s.Now())
	if err != nil {
		return nil, err
	}
	key := statsKey(partnerID, r.Name)
	if s.cache != nil {
		var cached Stats
		ok, err := s.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			s.logger.Warn("read stats cache failed", "error", err)
		} else if ok {
			return &cached, nil
		}
	}

	agg, err := s.repo.AffiliateStats(ctx, partnerID, r.From)
	if err != nil {
		s.countError("stats")
		return nil, translate(err)
	}
	out := &Stats{
		PartnerID:   partnerID,
		Range:       r.Name,
		Clicks:      agg.Clicks,
		Conversions: agg.Conversions,
		Commission:  agg.Commission,
		TopRefCodes: make([]RefCodeStats, 0, len(agg.TopRefCodes)),
	}
	if agg.Clicks > 0 {
		out.ConversionRate = float64(agg.Conversions) / float64(agg.Clicks) * 100
	}
	for _, rc := range agg.TopRefCodes {
		out.TopRefCodes = append(out.TopRefCodes, RefCodeStats(rc))
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, out, s.statsTTL); err != nil {
			s.logger.Warn("set stats cache failed", "error", err)
		}
	}
	return out, nil
}

func (s *Service) invalidateStats(ctx context.Context, partnerID string) {
	if s.cache == nil {
		return
	}
	keys := make([]string, len(statsRanges))
	for i, r := range statsRanges {
		keys[i] = statsKey(partnerID, r)
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn("invalidate stats cache failed", "partner_id", partnerID, "error", err)
	}
}

// BalanceCheck compares the stored balance with the signed ledger total.
type BalanceCheck struct {
	PartnerID   string
	Balance     int64
	LedgerTotal int64
	Consistent  bool
}

// VerifyBalance checks that the account balance equals the sum of its settled
// balance-moving entries.
func (s *Service) VerifyBalance(ctx context.Context, partnerID string) (*BalanceCheck, error) {
	if partnerID == "" {
		return nil, invalidf("partner_id is required")
	}
	check := &BalanceCheck{PartnerID: partnerID}
	acct, err := s.repo.GetAccount(ctx, partnerID)
	switch {
	case err == nil:
		check.Balance = acct.CreditBalance
	case !errors.Is(err, repo.ErrNotFound):
		return nil, translate(err)
	}
	total, err := s.repo.SignedEntryTotal(ctx, partnerID)
	if err != nil {
		return nil, translate(err)
	}
	check.LedgerTotal = total
	check.Consistent = check.Balance == total
	if !check.Consistent {
		s.countError("balance_mismatch")
		s.logger.Error("balance does not match ledger", "partner_id", partnerID, "balance", check.Balance, "ledger_total", total)
	}
	return check, nil
}
