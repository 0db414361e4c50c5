package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (r *SQLiteRepository) GetEntry(ctx context.Context, id string) (*LedgerEntry, error) {
	return sqliteGetEntry(ctx, r.db, id)
}

func (r *SQLiteRepository) ListEntries(ctx context.Context, f EntryFilter) (*Page[LedgerEntry], error) {
	return sqliteList(ctx, r.db, "ledger_entries", entryColumns, "amount_minor", "created_at DESC, id DESC",
		f.where(questionPlaceholders), f.ListFilter, scanEntry)
}

func (r *SQLiteRepository) SignedEntryTotal(ctx context.Context, partnerID string) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(`+signedAmount+`), 0)
FROM ledger_entries
WHERE partner_id = ? AND status IN ('completed', 'paid');
`, partnerID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("signed entry total: %w", err)
	}
	return total, nil
}

func (r *SQLiteRepository) SumEntries(ctx context.Context, partnerID string, typ EntryType, since *time.Time) (int64, error) {
	w := newWhere(questionPlaceholders)
	w.add("partner_id = ?", partnerID)
	w.add("type = ?", string(typ))
	w.add("status IN ('completed', 'paid')")
	if since != nil {
		w.add("created_at >= ?", utc(*since))
	}
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount_minor), 0) FROM ledger_entries`+w.String(), w.args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum entries: %w", err)
	}
	return total, nil
}

func (r *SQLiteRepository) PendingEntryTotal(ctx context.Context, partnerID string, typ EntryType) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount_minor), 0)
FROM ledger_entries
WHERE partner_id = ? AND type = ? AND status = 'pending';
`, partnerID, string(typ)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("pending entry total: %w", err)
	}
	return total, nil
}

func (r *SQLiteRepository) UnpaidInvoices(ctx context.Context, partnerID string) (UnpaidInvoices, error) {
	var u UnpaidInvoices
	err := r.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount_minor), 0), COUNT(*)
FROM ledger_entries
WHERE partner_id = ? AND type = 'invoice' AND status NOT IN ('paid', 'cancelled');
`, partnerID).Scan(&u.Amount, &u.Count)
	if err != nil {
		return UnpaidInvoices{}, fmt.Errorf("unpaid invoices: %w", err)
	}
	return u, nil
}

func (r *SQLiteRepository) LatestEntry(ctx context.Context, partnerID string, typ EntryType) (*LedgerEntry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, `
SELECT `+entryColumns+`
FROM ledger_entries
WHERE partner_id = ? AND type = ? AND status IN ('completed', 'paid')
ORDER BY created_at DESC
LIMIT 1;
`, partnerID, string(typ)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest entry: %w", err)
	}
	return e, nil
}

// -- Billing --

// BillPending relies on BEGIN IMMEDIATE for per-database serialisation.
func (r *SQLiteRepository) BillPending(ctx context.Context, p BillParams) (*BillResult, error) {
	at := utc(p.At)
	var res BillResult
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		w := newWhere(questionPlaceholders)
		w.add("partner_id = ?", p.PartnerID)
		w.add("is_billable = 1")
		w.add("billed_at IS NULL")
		if p.From != nil {
			w.add("occurred_at >= ?", utc(*p.From))
		}
		if p.To != nil {
			w.add("occurred_at < ?", utc(*p.To))
		}
		rows, err := tx.QueryContext(ctx, `SELECT id, commission_minor FROM affiliate_conversions`+w.String()+` ORDER BY occurred_at, id`, w.args...)
		if err != nil {
			return fmt.Errorf("select pending conversions: %w", err)
		}
		var total int64
		var ids []string
		for rows.Next() {
			var id string
			var amount int64
			if err := rows.Scan(&id, &amount); err != nil {
				rows.Close()
				return fmt.Errorf("scan pending conversion: %w", err)
			}
			ids = append(ids, id)
			total += amount
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate pending conversions: %w", err)
		}

		if len(ids) == 0 || total <= 0 {
			return ErrNothingPending
		}
		if total < p.MinAmount {
			return ErrBelowMinimum
		}

		entry := LedgerEntry{
			ID:          p.EntryID,
			PartnerID:   p.PartnerID,
			Type:        p.Type,
			Amount:      total,
			Status:      p.Status,
			Description: p.Description,
			CreatedAt:   at,
		}
		if p.InvoiceYear > 0 {
			var seq int64
			if err := tx.QueryRowContext(ctx, `
INSERT INTO invoice_sequences (year, last_value)
VALUES (?, (SELECT COUNT(*) FROM ledger_entries WHERE type = 'invoice' AND invoice_number LIKE ?) + 1)
ON CONFLICT (year) DO UPDATE SET last_value = invoice_sequences.last_value + 1
RETURNING last_value;
`, p.InvoiceYear, invoicePrefix(p.InvoiceYear)).Scan(&seq); err != nil {
				return fmt.Errorf("allocate invoice number: %w", err)
			}
			number := formatInvoiceNumber(p.InvoiceYear, seq)
			entry.InvoiceNumber = &number
		}

		stored, err := sqliteInsertEntry(ctx, tx, entry)
		if err != nil {
			return err
		}

		link := newWhere(questionPlaceholders)
		link.bind(at)
		link.bind(stored.ID)
		link.bind(at)
		link.add("partner_id = ?", p.PartnerID)
		link.add("id IN (" + link.in(ids) + ")")
		result, err := tx.ExecContext(ctx, `UPDATE affiliate_conversions SET billed_at = ?, invoice_id = ?, updated_at = ?`+link.String(), link.args...)
		if err != nil {
			return fmt.Errorf("link conversions: %w", err)
		}
		if n, _ := result.RowsAffected(); n != int64(len(ids)) {
			return fmt.Errorf("link conversions: linked %d of %d", n, len(ids))
		}

		res = BillResult{Entry: *stored, ConversionIDs: ids}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func sqliteBillingEntry(ctx context.Context, tx *sql.Tx, partnerID, entryID string, typ EntryType) (*LedgerEntry, error) {
	e, err := sqliteGetEntry(ctx, tx, entryID)
	if err != nil {
		return nil, err
	}
	if e.PartnerID != partnerID || e.Type != typ {
		return nil, ErrNotFound
	}
	return e, nil
}

func (r *SQLiteRepository) CancelBillingEntry(ctx context.Context, partnerID, entryID string, typ EntryType, at time.Time) (*LedgerEntry, int64, error) {
	var (
		out      *LedgerEntry
		released int64
	)
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		e, err := sqliteBillingEntry(ctx, tx, partnerID, entryID, typ)
		if err != nil {
			return err
		}
		switch e.Status {
		case StatusCancelled:
			out = e
			return nil
		case StatusPaid, StatusCompleted:
			return ErrEntryState
		}

		if _, err := tx.ExecContext(ctx, `UPDATE ledger_entries SET status = 'cancelled', processed_at = ? WHERE id = ?`, utc(at), entryID); err != nil {
			return fmt.Errorf("cancel ledger entry: %w", err)
		}
		result, err := tx.ExecContext(ctx, `
UPDATE affiliate_conversions SET billed_at = NULL, invoice_id = NULL, updated_at = ?
WHERE invoice_id = ? AND partner_id = ?;
`, utc(at), entryID, partnerID)
		if err != nil {
			return fmt.Errorf("release conversions: %w", err)
		}
		released, _ = result.RowsAffected()
		out, err = sqliteGetEntry(ctx, tx, entryID)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return out, released, nil
}

func (r *SQLiteRepository) MarkBillingEntryPaid(ctx context.Context, partnerID, entryID string, typ EntryType, method string, at time.Time) (*LedgerEntry, int64, error) {
	var (
		out     *LedgerEntry
		settled int64
	)
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		e, err := sqliteBillingEntry(ctx, tx, partnerID, entryID, typ)
		if err != nil {
			return err
		}
		switch e.Status {
		case StatusPaid:
			out = e
			return nil
		case StatusCancelled, StatusFailed:
			return ErrEntryState
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE ledger_entries
SET status = 'paid',
    payment_method = CASE WHEN ? <> '' THEN ? ELSE payment_method END,
    processed_at = ?
WHERE id = ?;
`, method, method, utc(at), entryID); err != nil {
			return fmt.Errorf("mark ledger entry paid: %w", err)
		}
		result, err := tx.ExecContext(ctx, `
UPDATE affiliate_conversions SET status = 'paid', paid_at = ?, updated_at = ?
WHERE invoice_id = ? AND partner_id = ? AND status = 'approved';
`, utc(at), utc(at), entryID, partnerID)
		if err != nil {
			return fmt.Errorf("settle conversions: %w", err)
		}
		settled, _ = result.RowsAffected()
		out, err = sqliteGetEntry(ctx, tx, entryID)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return out, settled, nil
}

// -- Webhook logs --

func (r *SQLiteRepository) InsertWebhookLog(ctx context.Context, l WebhookLog) error {
	details, err := toJSON(l.Details)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO webhook_logs (id, request_id, direction, method, endpoint, status_code, secret_id, signature_timestamp, signature_valid, payload_hash, partner_id, details, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = r.db.ExecContext(ctx, q,
		l.ID,
		l.RequestID,
		l.Direction,
		l.Method,
		l.Endpoint,
		l.StatusCode,
		l.SecretID,
		l.SignatureTimestamp,
		l.SignatureValid,
		l.PayloadHash,
		l.PartnerID,
		jsonParam(details),
		l.Error,
		utc(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListWebhookLogs(ctx context.Context, f WebhookLogFilter) (*Page[WebhookLog], error) {
	return sqliteList(ctx, r.db, "webhook_logs", webhookLogColumns, "", "created_at DESC, id DESC",
		f.where(questionPlaceholders), f.ListFilter, scanWebhookLog)
}
