package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertConversion inserts a conversion or updates the existing row keyed by
// (partner_id, network_txn_id). A paid conversion keeps its status, and a billed one keeps
// its amount and currency. Each approved delivery stamps approved_at with its own time;
// other statuses keep the stored value. created reports whether a new row was inserted.
func (r *PostgresRepository) UpsertConversion(ctx context.Context, in ConversionUpsert) (*Conversion, bool, error) {
	at := utc(in.At)
	var approvedAt *time.Time
	if in.Status == ConversionApproved {
		approvedAt = &at
	}
	const q = `
INSERT INTO affiliate_conversions (
    id, partner_id, offer_id, click_id, ref_code, network_txn_id, status, commission_minor,
    currency, is_billable, approved_at, raw_payload, occurred_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $13)
ON CONFLICT (partner_id, network_txn_id) DO UPDATE SET
    offer_id = COALESCE(NULLIF(EXCLUDED.offer_id, ''), affiliate_conversions.offer_id),
    click_id = COALESCE(NULLIF(EXCLUDED.click_id, ''), affiliate_conversions.click_id),
    ref_code = COALESCE(NULLIF(EXCLUDED.ref_code, ''), affiliate_conversions.ref_code),
    status = CASE WHEN affiliate_conversions.status = 'paid' THEN affiliate_conversions.status ELSE EXCLUDED.status END,
    is_billable = CASE WHEN affiliate_conversions.status = 'paid' THEN TRUE ELSE EXCLUDED.is_billable END,
    commission_minor = CASE WHEN affiliate_conversions.billed_at IS NULL AND affiliate_conversions.status <> 'paid'
        THEN EXCLUDED.commission_minor ELSE affiliate_conversions.commission_minor END,
    currency = CASE WHEN affiliate_conversions.billed_at IS NULL AND affiliate_conversions.status <> 'paid'
        THEN EXCLUDED.currency ELSE affiliate_conversions.currency END,
    approved_at = CASE WHEN affiliate_conversions.status = 'paid' THEN affiliate_conversions.approved_at
        ELSE COALESCE(EXCLUDED.approved_at, affiliate_conversions.approved_at) END,
    raw_payload = COALESCE(EXCLUDED.raw_payload, affiliate_conversions.raw_payload),
    updated_at = EXCLUDED.updated_at
RETURNING ` + conversionColumns + `;`

	c, err := scanConversion(r.pool.QueryRow(ctx, q,
		in.ID,
		in.PartnerID,
		in.OfferID,
		in.ClickID,
		in.RefCode,
		in.NetworkTxnID,
		string(in.Status),
		in.Commission,
		in.Currency,
		in.Status.Billable(),
		approvedAt,
		jsonParam(in.RawPayload),
		at,
	))
	if err != nil {
		return nil, false, fmt.Errorf("upsert conversion: %w", err)
	}
	return c, c.ID == in.ID, nil
}

// GetConversion loads a conversion by id.
func (r *PostgresRepository) GetConversion(ctx context.Context, id string) (*Conversion, error) {
	c, err := scanConversion(r.pool.QueryRow(ctx, `SELECT `+conversionColumns+` FROM affiliate_conversions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversion: %w", err)
	}
	return c, nil
}

// UpdateConversion locks the conversion, lets mutate apply a state transition and writes
// the result back in the same transaction. Errors from mutate abort without writing.
func (r *PostgresRepository) UpdateConversion(ctx context.Context, partnerID, id string, at time.Time, mutate func(*Conversion) error) (*Conversion, error) {
	var out *Conversion
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		c, err := scanConversion(tx.QueryRow(ctx, `SELECT `+conversionColumns+` FROM affiliate_conversions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock conversion: %w", err)
		}
		if c.PartnerID != partnerID {
			return ErrNotFound
		}

		before := *c
		if err := mutate(c); err != nil {
			return err
		}
		if sameState(before, *c) {
			out = c
			return nil
		}
		if linksNewEntry(before, *c) {
			// FOR SHARE holds off a concurrent cancel until this link commits.
			target, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1 FOR SHARE`, *c.InvoiceID))
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrNotFound
				}
				return fmt.Errorf("lock billing entry: %w", err)
			}
			if err := billingTargetErr(target, partnerID); err != nil {
				return err
			}
		}

		out, err = scanConversion(tx.QueryRow(ctx, `
UPDATE affiliate_conversions
SET status = $2, is_billable = $3, approved_at = $4, paid_at = $5, billed_at = $6, invoice_id = $7, updated_at = $8
WHERE id = $1
RETURNING `+conversionColumns+`;
`, id, string(c.Status), c.IsBillable, utcPtr(c.ApprovedAt), utcPtr(c.PaidAt), utcPtr(c.BilledAt), c.InvoiceID, utc(at)))
		if err != nil {
			if isForeignKeyViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("update conversion: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListConversions pages through conversions, newest first. Page.Sum totals commission.
func (r *PostgresRepository) ListConversions(ctx context.Context, f ConversionFilter) (*Page[Conversion], error) {
	return pgList(ctx, r.pool, "affiliate_conversions", conversionColumns, "commission_minor", "occurred_at DESC, id DESC",
		f.where(dollarPlaceholders), f.ListFilter, scanConversion)
}

// PayableCommission sums billable conversions not yet linked to an invoice or payout.
func (r *PostgresRepository) PayableCommission(ctx context.Context, partnerID string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(commission_minor), 0)::bigint
FROM affiliate_conversions
WHERE partner_id = $1 AND is_billable AND billed_at IS NULL;
`, partnerID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("payable commission: %w", err)
	}
	return total, nil
}

// ListClicks pages through CPC clicks, newest first. Page.Sum totals cost per click.
func (r *PostgresRepository) ListClicks(ctx context.Context, f ClickFilter) (*Page[Click], error) {
	return pgList(ctx, r.pool, "clicks", clickColumns, "cost_per_click_minor", "created_at DESC, id DESC",
		f.where(dollarPlaceholders), f.ListFilter, scanClick)
}

// InsertAffiliateClick stores an affiliate click.
func (r *PostgresRepository) InsertAffiliateClick(ctx context.Context, c AffiliateClick) (*AffiliateClick, error) {
	const q = `
INSERT INTO affiliate_clicks (id, partner_id, ref_code, session_id, client_id, session_number, ip_hash, user_agent, referrer, country, is_valid, fraud_reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING ` + affiliateClickColumns + `;`
	stored, err := scanAffiliateClick(r.pool.QueryRow(ctx, q,
		c.ID, c.PartnerID, c.RefCode, c.SessionID, c.ClientID, c.SessionNumber, c.IPHash,
		c.UserAgent, c.Referrer, c.Country, c.IsValid, c.FraudReason, utc(c.CreatedAt),
	))
	if err != nil {
		return nil, fmt.Errorf("insert affiliate click: %w", err)
	}
	return stored, nil
}

// GetAffiliateClick loads an affiliate click by id.
func (r *PostgresRepository) GetAffiliateClick(ctx context.Context, id string) (*AffiliateClick, error) {
	c, err := scanAffiliateClick(r.pool.QueryRow(ctx, `SELECT `+affiliateClickColumns+` FROM affiliate_clicks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get affiliate click: %w", err)
	}
	return c, nil
}

// SetAffiliateClickValidity records an admin fraud review on a partner's click.
func (r *PostgresRepository) SetAffiliateClickValidity(ctx context.Context, partnerID, id string, valid bool, reason *string) (*AffiliateClick, error) {
	c, err := scanAffiliateClick(r.pool.QueryRow(ctx, `
UPDATE affiliate_clicks SET is_valid = $3, fraud_reason = $4
WHERE id = $1 AND partner_id = $2
RETURNING `+affiliateClickColumns+`;
`, id, partnerID, valid, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("review affiliate click: %w", err)
	}
	return c, nil
}

// ListAffiliateClicks pages through affiliate clicks, newest first.
func (r *PostgresRepository) ListAffiliateClicks(ctx context.Context, f AffiliateClickFilter) (*Page[AffiliateClick], error) {
	return pgList(ctx, r.pool, "affiliate_clicks", affiliateClickColumns, "", "created_at DESC, id DESC",
		f.where(dollarPlaceholders), f.ListFilter, scanAffiliateClick)
}

// AffiliateStats aggregates valid clicks and non-reversed conversions per ref code.
func (r *PostgresRepository) AffiliateStats(ctx context.Context, partnerID string, since *time.Time) (*AffiliateStats, error) {
	cw := newWhere(dollarPlaceholders)
	cw.add("partner_id = ?", partnerID)
	cw.add("is_valid")
	if since != nil {
		cw.add("created_at >= ?", utc(*since))
	}
	clicks := map[string]int64{}
	rows, err := r.pool.Query(ctx, `SELECT ref_code, COUNT(*) FROM affiliate_clicks`+cw.String()+` GROUP BY ref_code`, cw.args...)
	if err != nil {
		return nil, fmt.Errorf("click stats: %w", err)
	}
	for rows.Next() {
		var ref string
		var n int64
		if err := rows.Scan(&ref, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan click stats: %w", err)
		}
		clicks[ref] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate click stats: %w", err)
	}

	vw := newWhere(dollarPlaceholders)
	vw.add("partner_id = ?", partnerID)
	vw.add("status <> 'reversed'")
	if since != nil {
		vw.add("occurred_at >= ?", utc(*since))
	}
	conversions := map[string]RefCodeStats{}
	rows, err = r.pool.Query(ctx, `SELECT ref_code, COUNT(*), COALESCE(SUM(commission_minor), 0)::bigint FROM affiliate_conversions`+vw.String()+` GROUP BY ref_code`, vw.args...)
	if err != nil {
		return nil, fmt.Errorf("conversion stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s RefCodeStats
		if err := rows.Scan(&s.RefCode, &s.Conversions, &s.Commission); err != nil {
			return nil, fmt.Errorf("scan conversion stats: %w", err)
		}
		conversions[s.RefCode] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversion stats: %w", err)
	}
	return mergeRefStats(clicks, conversions), nil
}
