package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"partner-ledger/internal/repo"
)

// CpcClickInput is a pay-per-click event reported by the ad-serving layer.
type CpcClickInput struct {
	PartnerID       string
	MonetizableType string
	MonetizableID   string
	CostPerClick    int64
	// Valid is false when the caller already rejected the click, e.g. as bot traffic.
	Valid         bool
	InvalidReason string
}

// RecordCpcClick stores a click and, when it is valid and chargeable, debits
// the partner's balance with a spend entry in the same transaction.
func (s *Service) RecordCpcClick(ctx context.Context, in CpcClickInput) (*repo.Click, error) {
	in.PartnerID = strings.TrimSpace(in.PartnerID)
	if in.PartnerID == "" {
		return nil, invalidf("partner_id is required")
	}
	if in.MonetizableType == "" || in.MonetizableID == "" {
		return nil, invalidf("monetizable type and id are required")
	}
	if in.CostPerClick < 0 {
		return nil, invalidf("cost per click must not be negative")
	}

	now := s.Now()
	click := repo.Click{
		ID:              s.newID(),
		PartnerID:       in.PartnerID,
		MonetizableType: in.MonetizableType,
		MonetizableID:   in.MonetizableID,
		CostPerClick:    in.CostPerClick,
		IsValid:         in.Valid,
		CreatedAt:       now,
	}
	if !in.Valid && in.InvalidReason != "" {
		reason := in.InvalidReason
		click.InvalidReason = &reason
	}

	dayStart := now.Truncate(day)
	res, err := s.repo.RecordCpcClick(ctx, repo.CpcClickParams{
		Click:      click,
		EntryID:    s.newID(),
		DayStart:   dayStart,
		MonthStart: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		s.countError("cpc_click")
		s.logger.Error("record cpc click failed", "partner_id", in.PartnerID, "error", err)
		return nil, translate(err)
	}

	if s.metrics != nil {
		s.metrics.ClicksRecorded.WithLabelValues("cpc", strconv.FormatBool(res.Click.IsValid)).Inc()
		if res.Spend != nil {
			s.metrics.LedgerEntries.WithLabelValues(string(repo.EntrySpend)).Inc()
		}
	}
	if res.Click.InvalidReason != nil {
		s.logger.Debug("cpc click not charged", "partner_id", in.PartnerID, "reason", *res.Click.InvalidReason)
	}
	if res.Spend != nil {
		s.maybeAutoRecharge(ctx, in.PartnerID, res.Balance)
	}
	return &res.Click, nil
}

// maybeAutoRecharge tops up a partner whose balance fell below the configured
// threshold. Failures are logged and never affect the click.
func (s *Service) maybeAutoRecharge(ctx context.Context, partnerID string, balance int64) {
	acct, err := s.repo.GetAccount(ctx, partnerID)
	if err != nil {
		s.logger.Warn("auto-recharge: load account failed", "partner_id", partnerID, "error", err)
		return
	}
	if !acct.AutoRechargeEnabled || acct.AutoRechargeAmount <= 0 || balance >= acct.AutoRechargeThreshold {
		return
	}

	lockCtx, cancel := context.WithTimeout(ctx, rechargeLockTimeout)
	defer cancel()
	unlock, err := s.locker.Lock(lockCtx, "recharge:"+partnerID, s.lockTTL)
	if err != nil {
		s.logger.Warn("auto-recharge: lock failed", "partner_id", partnerID, "error", err)
		return
	}
	defer unlock()

	// Another click may have recharged while we waited.
	acct, err = s.repo.GetAccount(ctx, partnerID)
	if err != nil || acct.CreditBalance >= acct.AutoRechargeThreshold {
		return
	}
	// Deposits still waiting on the provider count as funds on the way.
	pending, err := s.repo.PendingEntryTotal(ctx, partnerID, repo.EntryRecharge)
	if err != nil {
		s.logger.Warn("auto-recharge: pending recharge lookup failed", "partner_id", partnerID, "error", err)
		return
	}
	if acct.CreditBalance+pending >= acct.AutoRechargeThreshold {
		s.logger.Debug("auto-recharge: deposit already pending", "partner_id", partnerID, "pending", pending)
		return
	}
	entry, newBalance, err := s.Recharge(ctx, RechargeInput{
		PartnerID:   partnerID,
		Amount:      acct.AutoRechargeAmount,
		Method:      "auto",
		Description: "Automatic recharge",
	})
	if err != nil {
		s.countError("auto_recharge")
		s.logger.Warn("auto-recharge failed", "partner_id", partnerID, "error", err)
		return
	}
	s.logger.Info("auto-recharge applied", "partner_id", partnerID, "entry_id", entry.ID, "balance", newBalance)
}

// AffiliateClickInput is an affiliate referral click with its session context.
type AffiliateClickInput struct {
	PartnerID     string
	RefCode       string
	SessionID     string
	ClientID      string
	SessionNumber int64
	IP            string
	UserAgent     string
	Referrer      string
	Country       string
}

// RecordAffiliateClick stores a referral click. The client IP is only kept as a hash.
func (s *Service) RecordAffiliateClick(ctx context.Context, in AffiliateClickInput) (*repo.AffiliateClick, error) {
	in.PartnerID = strings.TrimSpace(in.PartnerID)
	in.RefCode = strings.TrimSpace(in.RefCode)
	if in.PartnerID == "" || in.RefCode == "" {
		return nil, invalidf("partner_id and ref_code are required")
	}
	click, err := s.repo.InsertAffiliateClick(ctx, repo.AffiliateClick{
		ID:            s.newID(),
		PartnerID:     in.PartnerID,
		RefCode:       in.RefCode,
		SessionID:     in.SessionID,
		ClientID:      in.ClientID,
		SessionNumber: in.SessionNumber,
		IPHash:        hashIP(in.IP),
		UserAgent:     in.UserAgent,
		Referrer:      in.Referrer,
		Country:       strings.ToUpper(in.Country),
		IsValid:       true,
		CreatedAt:     s.Now(),
	})
	if err != nil {
		s.countError("affiliate_click")
		return nil, translate(err)
	}
	if s.metrics != nil {
		s.metrics.ClicksRecorded.WithLabelValues("affiliate", "true").Inc()
	}
	s.invalidateStats(ctx, in.PartnerID)
	return click, nil
}

// ReviewAffiliateClick records an admin fraud decision on a click.
func (s *Service) ReviewAffiliateClick(ctx context.Context, partnerID, clickID string, valid bool, reason string) (*repo.AffiliateClick, error) {
	if partnerID == "" || clickID == "" {
		return nil, invalidf("partner_id and click id are required")
	}
	var fraud *string
	if !valid {
		if reason = strings.TrimSpace(reason); reason == "" {
			reason = "manual review"
		}
		fraud = &reason
	}
	click, err := s.repo.SetAffiliateClickValidity(ctx, partnerID, clickID, valid, fraud)
	if err != nil {
		return nil, translate(err)
	}
	s.logger.Info("affiliate click reviewed", "partner_id", partnerID, "click_id", clickID, "valid", valid)
	s.invalidateStats(ctx, partnerID)
	return click, nil
}

// ConversionInput is one postback delivery.
type ConversionInput struct {
	PartnerID    string
	OfferID      string
	ClickID      string
	NetworkTxnID string
	Status       repo.ConversionStatus
	Commission   int64
	Currency     string
	Raw          json.RawMessage
}

// RecordConversion upserts a conversion keyed on (partner, network transaction).
// Replays update the existing row in place. It reports whether a row was created.
func (s *Service) RecordConversion(ctx context.Context, in ConversionInput) (*repo.Conversion, bool, error) {
	in.PartnerID = strings.TrimSpace(in.PartnerID)
	in.NetworkTxnID = strings.TrimSpace(in.NetworkTxnID)
	if in.PartnerID == "" || in.NetworkTxnID == "" {
		return nil, false, invalidf("partner_id and network_txn_id are required")
	}
	if in.Status == "" {
		in.Status = repo.ConversionPending
	}
	in.Status = repo.ConversionStatus(strings.ToLower(string(in.Status)))
	if !in.Status.Valid() {
		return nil, false, invalidf("unknown status %q", in.Status)
	}
	if in.Commission < 0 {
		return nil, false, invalidf("payout must not be negative")
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = "USD"
	}

	var origin *repo.AffiliateClick
	if in.ClickID != "" {
		click, err := s.repo.GetAffiliateClick(ctx, in.ClickID)
		switch {
		case err == nil && click.PartnerID == in.PartnerID:
			origin = click
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			s.logger.Warn("lookup originating click failed", "click_id", in.ClickID, "error", err)
		}
	}
	refCode := ""
	if origin != nil {
		refCode = origin.RefCode
	}

	conv, created, err := s.repo.UpsertConversion(ctx, repo.ConversionUpsert{
		ID:           s.newID(),
		PartnerID:    in.PartnerID,
		OfferID:      in.OfferID,
		ClickID:      in.ClickID,
		RefCode:      refCode,
		NetworkTxnID: in.NetworkTxnID,
		Status:       in.Status,
		Commission:   in.Commission,
		Currency:     in.Currency,
		RawPayload:   in.Raw,
		At:           s.Now(),
	})
	if err != nil {
		s.countError("conversion_upsert")
		s.logger.Error("upsert conversion failed", "partner_id", in.PartnerID, "network_txn_id", in.NetworkTxnID, "error", err)
		return nil, false, translate(err)
	}

	if s.metrics != nil {
		result := "updated"
		if created {
			result = "created"
		}
		s.metrics.ConversionUpserts.WithLabelValues(result).Inc()
	}
	s.invalidateStats(ctx, in.PartnerID)

	event := ConversionEvent{
		ConversionID: conv.ID,
		PartnerID:    conv.PartnerID,
		OfferID:      conv.OfferID,
		ClickID:      conv.ClickID,
		RefCode:      conv.RefCode,
		NetworkTxnID: conv.NetworkTxnID,
		Status:       string(conv.Status),
		Commission:   conv.Commission,
		Currency:     conv.Currency,
		Created:      created,
		OccurredAt:   conv.OccurredAt,
		Raw:          conv.RawPayload,
	}
	if origin != nil {
		event.ClientID = origin.ClientID
		event.SessionID = origin.SessionID
		event.SessionNumber = origin.SessionNumber
	}
	s.emitConversion(event)
	return conv, created, nil
}

// emitConversion schedules the best-effort side effects of a conversion write.
func (s *Service) emitConversion(event ConversionEvent) {
	if s.tracker != nil && event.ClientID != "" {
		s.dispatch("analytics", func(ctx context.Context) {
			if err := s.tracker.TrackConversion(ctx, event); err != nil {
				s.logger.Warn("analytics event failed", "conversion_id", event.ConversionID, "error", err)
			}
		})
	}
	if s.notifier != nil {
		s.dispatch("partner_webhook", func(ctx context.Context) {
			acct, err := s.repo.GetAccount(ctx, event.PartnerID)
			if err != nil {
				if !errors.Is(err, repo.ErrNotFound) {
					s.logger.Warn("partner webhook: load account failed", "partner_id", event.PartnerID, "error", err)
				}
				return
			}
			cfg := acct.Webhook
			if !cfg.Enabled || cfg.Endpoint == "" || !acct.Notifications.NotifyOnConversion {
				return
			}
			if err := s.notifier.NotifyConversion(ctx, cfg, event); err != nil {
				s.logger.Warn("partner webhook failed", "partner_id", event.PartnerID, "conversion_id", event.ConversionID, "error", err)
			}
		})
	}
}

func (s *Service) dispatch(name string, job func(ctx context.Context)) {
	if !s.dispatcher.Go(name, job) {
		s.logger.Warn("side job dropped", "job", name)
	}
}

func hashIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}
