package billing

import (
	"context"
	"strings"
	"time"

	"partner-ledger/internal/repo"
)

// Action is a commission-engine operation on one conversion.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReverse  Action = "reverse"
	ActionBill     Action = "bill"
	ActionUnbill   Action = "unbill"
	ActionMarkPaid Action = "mark-paid"
)

// ParseAction validates an action name.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	switch a {
	case ActionApprove, ActionReverse, ActionBill, ActionUnbill, ActionMarkPaid:
		return a, nil
	}
	return "", invalidf("unknown action %q", raw)
}

// Approve marks a conversion approved and billable.
func (s *Service) Approve(ctx context.Context, partnerID, conversionID string) (*repo.Conversion, error) {
	return s.ApplyAction(ctx, partnerID, conversionID, ActionApprove, "")
}

// Reverse marks a conversion reversed and excludes it from future billing.
// An invoice already issued for it is left untouched.
func (s *Service) Reverse(ctx context.Context, partnerID, conversionID string) (*repo.Conversion, error) {
	return s.ApplyAction(ctx, partnerID, conversionID, ActionReverse, "")
}

// Bill links a conversion to an invoice or payout entry.
func (s *Service) Bill(ctx context.Context, partnerID, conversionID, invoiceID string) (*repo.Conversion, error) {
	return s.ApplyAction(ctx, partnerID, conversionID, ActionBill, invoiceID)
}

// Unbill clears a conversion's billing linkage.
func (s *Service) Unbill(ctx context.Context, partnerID, conversionID string) (*repo.Conversion, error) {
	return s.ApplyAction(ctx, partnerID, conversionID, ActionUnbill, "")
}

// MarkPaid settles a billed, approved conversion.
func (s *Service) MarkPaid(ctx context.Context, partnerID, conversionID string) (*repo.Conversion, error) {
	return s.ApplyAction(ctx, partnerID, conversionID, ActionMarkPaid, "")
}

// ApplyAction runs one state-machine transition atomically. A conversion owned
// by another partner is reported as not found.
func (s *Service) ApplyAction(ctx context.Context, partnerID, conversionID string, action Action, invoiceID string) (*repo.Conversion, error) {
	if partnerID == "" || conversionID == "" {
		return nil, invalidf("partner_id and conversion id are required")
	}
	invoiceID = strings.TrimSpace(invoiceID)
	if action == ActionBill {
		if invoiceID == "" {
			return nil, invalidf("invoice_id is required")
		}
		if err := s.checkBillingTarget(ctx, partnerID, invoiceID); err != nil {
			return nil, err
		}
	}

	now := s.Now()
	conv, err := s.repo.UpdateConversion(ctx, partnerID, conversionID, now, func(c *repo.Conversion) error {
		return transition(c, action, invoiceID, now)
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.ConversionActions.WithLabelValues(string(action), outcome).Inc()
	}
	if err != nil {
		err = translate(err)
		s.logger.Debug("conversion action rejected", "partner_id", partnerID, "conversion_id", conversionID, "action", action, "error", err)
		return nil, err
	}
	s.logger.Info("conversion action applied", "partner_id", partnerID, "conversion_id", conversionID, "action", action, "status", conv.Status)
	s.invalidateStats(ctx, partnerID)
	return conv, nil
}

// checkBillingTarget ensures a bill target is a live invoice or payout of the same partner.
func (s *Service) checkBillingTarget(ctx context.Context, partnerID, entryID string) error {
	entry, err := s.repo.GetEntry(ctx, entryID)
	if err != nil {
		return translate(err)
	}
	if entry.PartnerID != partnerID {
		return ErrNotFound
	}
	if entry.Type != repo.EntryInvoice && entry.Type != repo.EntryPayout {
		return invalidf("entry %s is not an invoice or payout", entryID)
	}
	if entry.Status == repo.StatusCancelled {
		return conflictf("entry %s is cancelled", entryID)
	}
	return nil
}

// transition applies action to c in memory.
//
//	pending  -> approved -> paid
//	pending  -> reversed
//	approved -> reversed
//
// Billing linkage is orthogonal to status; paid requires a billed conversion.
func transition(c *repo.Conversion, action Action, invoiceID string, now time.Time) error {
	switch action {
	case ActionApprove:
		switch c.Status {
		case repo.ConversionPending, repo.ConversionApproved:
		default:
			return transitionf("cannot approve a %s conversion", c.Status)
		}
		c.Status = repo.ConversionApproved
		c.IsBillable = true
		if c.ApprovedAt == nil {
			c.ApprovedAt = &now
		}

	case ActionReverse:
		if c.Status == repo.ConversionPaid {
			return transitionf("cannot reverse a paid conversion")
		}
		c.Status = repo.ConversionReversed
		c.IsBillable = false

	case ActionBill:
		if invoiceID == "" {
			return invalidf("invoice_id is required")
		}
		if c.Billed() {
			if *c.InvoiceID == invoiceID {
				return nil
			}
			return conflictf("conversion already billed to %s", *c.InvoiceID)
		}
		if !c.IsBillable {
			return transitionf("cannot bill a %s conversion", c.Status)
		}
		c.BilledAt = &now
		c.InvoiceID = &invoiceID

	case ActionUnbill:
		c.BilledAt = nil
		c.InvoiceID = nil

	case ActionMarkPaid:
		if c.Status == repo.ConversionPaid {
			return nil
		}
		if c.Status != repo.ConversionApproved {
			return transitionf("cannot pay a %s conversion", c.Status)
		}
		if !c.Billed() {
			return transitionf("cannot pay an unbilled conversion")
		}
		c.Status = repo.ConversionPaid
		c.PaidAt = &now

	default:
		return invalidf("unknown action %q", action)
	}
	return nil
}
