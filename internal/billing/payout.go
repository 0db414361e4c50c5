package billing

import (
	"context"
	"errors"
	"time"

	"partner-ledger/internal/money"
	"partner-ledger/internal/repo"
)

// Payout is the outcome of a payout run.
type Payout struct {
	ID            string
	Amount        int64
	Threshold     int64
	Status        repo.EntryStatus
	ConversionIDs []string
	CreatedAt     time.Time
}

// GeneratePayout creates a pending payout for the partner's unbilled, billable
// commission once it reaches the partner's threshold. The payout consumes the
// same pool as invoices: its conversions are linked to the payout entry, so a
// commission is never both paid out and invoiced.
func (s *Service) GeneratePayout(ctx context.Context, partnerID string) (*Payout, error) {
	if partnerID == "" {
		return nil, invalidf("partner_id is required")
	}
	unlock, err := s.lockPartner(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var threshold int64
	acct, err := s.repo.GetAccount(ctx, partnerID)
	switch {
	case err == nil:
		threshold = acct.AffiliateBillingThreshold
	case !errors.Is(err, repo.ErrNotFound):
		return nil, translate(err)
	}

	now := s.Now()
	res, err := s.repo.BillPending(ctx, repo.BillParams{
		EntryID:     s.newID(),
		PartnerID:   partnerID,
		Type:        repo.EntryPayout,
		Status:      repo.StatusPending,
		MinAmount:   threshold,
		Description: "Affiliate commission payout",
		At:          now,
	})
	switch {
	case errors.Is(err, repo.ErrNothingPending), errors.Is(err, repo.ErrBelowMinimum):
		s.billingOutcome("payout", "below_threshold")
		s.logger.Debug("payout below threshold", "partner_id", partnerID, "threshold", money.Format(threshold))
		return nil, ErrBelowThreshold
	case err != nil:
		s.billingOutcome("payout", "error")
		s.countError("payout")
		s.logger.Error("generate payout failed", "partner_id", partnerID, "error", err)
		return nil, translate(err)
	}

	s.billingOutcome("payout", "created")
	if s.metrics != nil {
		s.metrics.LedgerEntries.WithLabelValues(string(repo.EntryPayout)).Inc()
	}
	s.logger.Info("payout generated", "partner_id", partnerID, "payout_id", res.Entry.ID, "amount", money.Format(res.Entry.Amount))
	return &Payout{
		ID:            res.Entry.ID,
		Amount:        res.Entry.Amount,
		Threshold:     threshold,
		Status:        res.Entry.Status,
		ConversionIDs: res.ConversionIDs,
		CreatedAt:     res.Entry.CreatedAt,
	}, nil
}

// CancelPayout cancels a pending payout and releases its conversions.
func (s *Service) CancelPayout(ctx context.Context, partnerID, payoutID string) (*repo.LedgerEntry, int64, error) {
	return s.cancelEntry(ctx, partnerID, payoutID, repo.EntryPayout)
}

// MarkPayoutPaid completes a payout and settles its approved conversions.
func (s *Service) MarkPayoutPaid(ctx context.Context, partnerID, payoutID, method string) (*repo.LedgerEntry, error) {
	if partnerID == "" || payoutID == "" {
		return nil, invalidf("partner_id and payout id are required")
	}
	return s.markEntryPaid(ctx, partnerID, payoutID, repo.EntryPayout, method)
}
