package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// -- Conversions --

func (r *SQLiteRepository) UpsertConversion(ctx context.Context, in ConversionUpsert) (*Conversion, bool, error) {
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
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (partner_id, network_txn_id) DO UPDATE SET
    offer_id = COALESCE(NULLIF(excluded.offer_id, ''), affiliate_conversions.offer_id),
    click_id = COALESCE(NULLIF(excluded.click_id, ''), affiliate_conversions.click_id),
    ref_code = COALESCE(NULLIF(excluded.ref_code, ''), affiliate_conversions.ref_code),
    status = CASE WHEN affiliate_conversions.status = 'paid' THEN affiliate_conversions.status ELSE excluded.status END,
    is_billable = CASE WHEN affiliate_conversions.status = 'paid' THEN 1 ELSE excluded.is_billable END,
    commission_minor = CASE WHEN affiliate_conversions.billed_at IS NULL AND affiliate_conversions.status <> 'paid'
        THEN excluded.commission_minor ELSE affiliate_conversions.commission_minor END,
    currency = CASE WHEN affiliate_conversions.billed_at IS NULL AND affiliate_conversions.status <> 'paid'
        THEN excluded.currency ELSE affiliate_conversions.currency END,
    approved_at = CASE WHEN affiliate_conversions.status = 'paid' THEN affiliate_conversions.approved_at
        ELSE COALESCE(excluded.approved_at, affiliate_conversions.approved_at) END,
    raw_payload = COALESCE(excluded.raw_payload, affiliate_conversions.raw_payload),
    updated_at = excluded.updated_at
RETURNING id;
`
	var (
		out     *Conversion
		created bool
	)
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		var id string
		if err := tx.QueryRowContext(ctx, q,
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
			at,
		).Scan(&id); err != nil {
			return fmt.Errorf("upsert conversion: %w", err)
		}
		created = id == in.ID
		var err error
		out, err = sqliteGetConversion(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func sqliteGetConversion(ctx context.Context, q sqlQuerier, id string) (*Conversion, error) {
	c, err := scanConversion(q.QueryRowContext(ctx, `SELECT `+conversionColumns+` FROM affiliate_conversions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversion: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) GetConversion(ctx context.Context, id string) (*Conversion, error) {
	return sqliteGetConversion(ctx, r.db, id)
}

func (r *SQLiteRepository) UpdateConversion(ctx context.Context, partnerID, id string, at time.Time, mutate func(*Conversion) error) (*Conversion, error) {
	var out *Conversion
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		c, err := sqliteGetConversion(ctx, tx, id)
		if err != nil {
			return err
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
			target, err := sqliteGetEntry(ctx, tx, *c.InvoiceID)
			if err != nil {
				return err
			}
			if err := billingTargetErr(target, partnerID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE affiliate_conversions
SET status = ?, is_billable = ?, approved_at = ?, paid_at = ?, billed_at = ?, invoice_id = ?, updated_at = ?
WHERE id = ?;
`, string(c.Status), c.IsBillable, utcPtr(c.ApprovedAt), utcPtr(c.PaidAt), utcPtr(c.BilledAt), c.InvoiceID, utc(at), id); err != nil {
			if isForeignKeyViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("update conversion: %w", err)
		}
		out, err = sqliteGetConversion(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SQLiteRepository) ListConversions(ctx context.Context, f ConversionFilter) (*Page[Conversion], error) {
	return sqliteList(ctx, r.db, "affiliate_conversions", conversionColumns, "commission_minor", "occurred_at DESC, id DESC",
		f.where(questionPlaceholders), f.ListFilter, scanConversion)
}

func (r *SQLiteRepository) PayableCommission(ctx context.Context, partnerID string) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(commission_minor), 0)
FROM affiliate_conversions
WHERE partner_id = ? AND is_billable = 1 AND billed_at IS NULL;
`, partnerID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("payable commission: %w", err)
	}
	return total, nil
}

// -- Affiliate clicks --

func (r *SQLiteRepository) InsertAffiliateClick(ctx context.Context, c AffiliateClick) (*AffiliateClick, error) {
	const q = `
INSERT INTO affiliate_clicks (id, partner_id, ref_code, session_id, client_id, session_number, ip_hash, user_agent, referrer, country, is_valid, fraud_reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	if _, err := r.db.ExecContext(ctx, q,
		c.ID, c.PartnerID, c.RefCode, c.SessionID, c.ClientID, c.SessionNumber, c.IPHash,
		c.UserAgent, c.Referrer, c.Country, c.IsValid, c.FraudReason, utc(c.CreatedAt),
	); err != nil {
		return nil, fmt.Errorf("insert affiliate click: %w", err)
	}
	return r.GetAffiliateClick(ctx, c.ID)
}

func (r *SQLiteRepository) GetAffiliateClick(ctx context.Context, id string) (*AffiliateClick, error) {
	c, err := scanAffiliateClick(r.db.QueryRowContext(ctx, `SELECT `+affiliateClickColumns+` FROM affiliate_clicks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get affiliate click: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) SetAffiliateClickValidity(ctx context.Context, partnerID, id string, valid bool, reason *string) (*AffiliateClick, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE affiliate_clicks SET is_valid = ?, fraud_reason = ? WHERE id = ? AND partner_id = ?`, valid, reason, id, partnerID)
	if err != nil {
		return nil, fmt.Errorf("review affiliate click: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return r.GetAffiliateClick(ctx, id)
}

func (r *SQLiteRepository) ListAffiliateClicks(ctx context.Context, f AffiliateClickFilter) (*Page[AffiliateClick], error) {
	return sqliteList(ctx, r.db, "affiliate_clicks", affiliateClickColumns, "", "created_at DESC, id DESC",
		f.where(questionPlaceholders), f.ListFilter, scanAffiliateClick)
}

func (r *SQLiteRepository) AffiliateStats(ctx context.Context, partnerID string, since *time.Time) (*AffiliateStats, error) {
	cw := newWhere(questionPlaceholders)
	cw.add("partner_id = ?", partnerID)
	cw.add("is_valid = 1")
	if since != nil {
		cw.add("created_at >= ?", utc(*since))
	}
	clicks := map[string]int64{}
	rows, err := r.db.QueryContext(ctx, `SELECT ref_code, COUNT(*) FROM affiliate_clicks`+cw.String()+` GROUP BY ref_code`, cw.args...)
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

	vw := newWhere(questionPlaceholders)
	vw.add("partner_id = ?", partnerID)
	vw.add("status <> 'reversed'")
	if since != nil {
		vw.add("occurred_at >= ?", utc(*since))
	}
	conversions := map[string]RefCodeStats{}
	rows, err = r.db.QueryContext(ctx, `SELECT ref_code, COUNT(*), COALESCE(SUM(commission_minor), 0) FROM affiliate_conversions`+vw.String()+` GROUP BY ref_code`, vw.args...)
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
