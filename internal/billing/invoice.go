package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"partner-ledger/internal/money"
	"partner-ledger/internal/repo"
)

// Invoice is the outcome of an invoice run.
type Invoice struct {
	ID            string
	Number        string
	Amount        int64
	Status        repo.EntryStatus
	ConversionIDs []string
	CreatedAt     time.Time
}

// GenerateInvoice aggregates the partner's billable, unbilled conversions in r
// into one invoice and links them to it atomically. Runs for the same partner
// are serialised.
func (s *Service) GenerateInvoice(ctx context.Context, partnerID string, r TimeRange) (*Invoice, error) {
	if partnerID == "" {
		return nil, invalidf("partner_id is required")
	}
	unlock, err := s.lockPartner(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.Now()
	var res *repo.BillResult
	for attempt := 1; attempt <= invoiceNumberTries; attempt++ {
		res, err = s.repo.BillPending(ctx, repo.BillParams{
			EntryID:     s.newID(),
			PartnerID:   partnerID,
			Type:        repo.EntryInvoice,
			Status:      repo.StatusSent,
			From:        r.From,
			To:          r.To,
			InvoiceYear: now.Year(),
			Description: fmt.Sprintf("Affiliate commission invoice (%s)", r.Key()),
			At:          now,
		})
		if !errors.Is(err, repo.ErrConflict) {
			break
		}
		s.logger.Warn("invoice number collision, retrying", "partner_id", partnerID, "attempt", attempt)
	}

	switch {
	case errors.Is(err, repo.ErrNothingPending):
		s.billingOutcome("invoice", "empty")
		s.logger.Debug("nothing to invoice", "partner_id", partnerID, "range", r.Key())
		return nil, ErrNothingToInvoice
	case err != nil:
		s.billingOutcome("invoice", "error")
		s.countError("invoice")
		s.logger.Error("generate invoice failed", "partner_id", partnerID, "error", err)
		return nil, translate(err)
	}

	s.billingOutcome("invoice", "created")
	if s.metrics != nil {
		s.metrics.LedgerEntries.WithLabelValues(string(repo.EntryInvoice)).Inc()
	}
	inv := &Invoice{
		ID:            res.Entry.ID,
		Amount:        res.Entry.Amount,
		Status:        res.Entry.Status,
		ConversionIDs: res.ConversionIDs,
		CreatedAt:     res.Entry.CreatedAt,
	}
	if res.Entry.InvoiceNumber != nil {
		inv.Number = *res.Entry.InvoiceNumber
	}
	s.logger.Info("invoice generated",
		"partner_id", partnerID,
		"invoice_id", inv.ID,
		"invoice_number", inv.Number,
		"amount", money.Format(inv.Amount),
		"conversions", len(inv.ConversionIDs),
	)
	return inv, nil
}

// CancelInvoice cancels an unpaid invoice and releases its conversions for a
// future run. Cancelling twice is a no-op. It returns the released count.
func (s *Service) CancelInvoice(ctx context.Context, partnerID, invoiceID string) (*repo.LedgerEntry, int64, error) {
	return s.cancelEntry(ctx, partnerID, invoiceID, repo.EntryInvoice)
}

// MarkInvoicePaid settles an invoice and its linked approved conversions.
// When amount is set it must equal the invoiced amount.
func (s *Service) MarkInvoicePaid(ctx context.Context, partnerID, invoiceID string, amount *int64, method string) (*repo.LedgerEntry, error) {
	if partnerID == "" || invoiceID == "" {
		return nil, invalidf("partner_id and invoice id are required")
	}
	if amount != nil {
		entry, err := s.repo.GetEntry(ctx, invoiceID)
		if err != nil {
			return nil, translate(err)
		}
		if entry.PartnerID != partnerID || entry.Type != repo.EntryInvoice {
			return nil, ErrNotFound
		}
		if *amount != entry.Amount {
			return nil, invalidf("amount %s does not match invoice amount %s", money.Format(*amount), money.Format(entry.Amount))
		}
	}
	return s.markEntryPaid(ctx, partnerID, invoiceID, repo.EntryInvoice, method)
}

func (s *Service) cancelEntry(ctx context.Context, partnerID, entryID string, typ repo.EntryType) (*repo.LedgerEntry, int64, error) {
	if partnerID == "" || entryID == "" {
		return nil, 0, invalidf("partner_id and %s id are required", typ)
	}
	unlock, err := s.lockPartner(ctx, partnerID)
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	entry, released, err := s.repo.CancelBillingEntry(ctx, partnerID, entryID, typ, s.Now())
	if err != nil {
		err = translate(err)
		if errors.Is(err, ErrConflict) {
			return nil, 0, conflictf("a %s %s cannot be cancelled", entryStatus(ctx, s.repo, entryID), typ)
		}
		return nil, 0, err
	}
	s.logger.Info("billing entry cancelled", "partner_id", partnerID, "entry_id", entryID, "type", typ, "released", released)
	s.invalidateStats(ctx, partnerID)
	return entry, released, nil
}

func (s *Service) markEntryPaid(ctx context.Context, partnerID, entryID string, typ repo.EntryType, method string) (*repo.LedgerEntry, error) {
	entry, settled, err := s.repo.MarkBillingEntryPaid(ctx, partnerID, entryID, typ, method, s.Now())
	if err != nil {
		err = translate(err)
		if errors.Is(err, ErrConflict) {
			return nil, conflictf("a %s %s cannot be marked paid", entryStatus(ctx, s.repo, entryID), typ)
		}
		return nil, err
	}
	s.logger.Info("billing entry paid", "partner_id", partnerID, "entry_id", entryID, "type", typ, "conversions_settled", settled)
	s.invalidateStats(ctx, partnerID)
	return entry, nil
}

func entryStatus(ctx context.Context, r repo.Repository, id string) string {
	if e, err := r.GetEntry(ctx, id); err == nil {
		return string(e.Status)
	}
	return "settled"
}

func (s *Service) billingOutcome(kind, outcome string) {
	if s.metrics != nil {
		s.metrics.BillingRuns.WithLabelValues(kind, outcome).Inc()
	}
}
