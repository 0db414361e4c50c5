package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const signedAmount = `CASE type
    WHEN 'spend' THEN -amount_minor
    WHEN 'recharge' THEN amount_minor
    WHEN 'refund' THEN amount_minor
    WHEN 'credit' THEN amount_minor
    ELSE 0 END`

// GetEntry loads a ledger entry by id.
func (r *PostgresRepository) GetEntry(ctx context.Context, id string) (*LedgerEntry, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, nil
}

// ListEntries pages through ledger entries, newest first.
func (r *PostgresRepository) ListEntries(ctx context.Context, f EntryFilter) (*Page[LedgerEntry], error) {
	return pgList(ctx, r.pool, "ledger_entries", entryColumns, "amount_minor", "created_at DESC, id DESC",
		f.where(dollarPlaceholders), f.ListFilter, scanEntry)
}

// SignedEntryTotal sums settled entries by their balance sign.
func (r *PostgresRepository) SignedEntryTotal(ctx context.Context, partnerID string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(`+signedAmount+`), 0)::bigint
FROM ledger_entries
WHERE partner_id = $1 AND status IN ('completed', 'paid');
`, partnerID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("signed entry total: %w", err)
	}
	return total, nil
}

// SumEntries totals settled entries of one type, optionally since a point in time.
func (r *PostgresRepository) SumEntries(ctx context.Context, partnerID string, typ EntryType, since *time.Time) (int64, error) {
	w := newWhere(dollarPlaceholders)
	w.add("partner_id = ?", partnerID)
	w.add("type = ?", string(typ))
	w.add("status IN ('completed', 'paid')")
	if since != nil {
		w.add("created_at >= ?", utc(*since))
	}
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount_minor), 0)::bigint FROM ledger_entries`+w.String(), w.args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum entries: %w", err)
	}
	return total, nil
}

// PendingEntryTotal sums the amounts of unsettled entries of one type.
func (r *PostgresRepository) PendingEntryTotal(ctx context.Context, partnerID string, typ EntryType) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(amount_minor), 0)::bigint
FROM ledger_entries
WHERE partner_id = $1 AND type = $2 AND status = 'pending';
`, partnerID, string(typ)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("pending entry total: %w", err)
	}
	return total, nil
}

// UnpaidInvoices totals invoices that are neither paid nor cancelled.
func (r *PostgresRepository) UnpaidInvoices(ctx context.Context, partnerID string) (UnpaidInvoices, error) {
	var u UnpaidInvoices
	err := r.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(amount_minor), 0)::bigint, COUNT(*)
FROM ledger_entries
WHERE partner_id = $1 AND type = 'invoice' AND status NOT IN ('paid', 'cancelled');
`, partnerID).Scan(&u.Amount, &u.Count)
	if err != nil {
		return UnpaidInvoices{}, fmt.Errorf("unpaid invoices: %w", err)
	}
	return u, nil
}

// LatestEntry returns the newest settled entry of a type, or ErrNotFound.
func (r *PostgresRepository) LatestEntry(ctx context.Context, partnerID string, typ EntryType) (*LedgerEntry, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx, `
SELECT `+entryColumns+`
FROM ledger_entries
WHERE partner_id = $1 AND type = $2 AND status IN ('completed', 'paid')
ORDER BY created_at DESC
LIMIT 1;
`, partnerID, string(typ)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest entry: %w", err)
	}
	return e, nil
}

// BillPending aggregates the partner's billable, unbilled conversions into one ledger
// entry and links each of them to it. The partner is locked for the transaction.
func (r *PostgresRepository) BillPending(ctx context.Context, p BillParams) (*BillResult, error) {
	at := utc(p.At)
	var res BillResult
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		if err := lockPartner(ctx, tx, p.PartnerID); err != nil {
			return err
		}

		w := newWhere(dollarPlaceholders)
		w.add("partner_id = ?", p.PartnerID)
		w.add("is_billable")
		w.add("billed_at IS NULL")
		if p.From != nil {
			w.add("occurred_at >= ?", utc(*p.From))
		}
		if p.To != nil {
			w.add("occurred_at < ?", utc(*p.To))
		}
		rows, err := tx.Query(ctx, `SELECT id, commission_minor FROM affiliate_conversions`+w.String()+` ORDER BY occurred_at, id FOR UPDATE`, w.args...)
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
			if err := tx.QueryRow(ctx, `
INSERT INTO invoice_sequences (year, last_value)
VALUES ($1, (SELECT COUNT(*) FROM ledger_entries WHERE type = 'invoice' AND invoice_number LIKE $2) + 1)
ON CONFLICT (year) DO UPDATE SET last_value = invoice_sequences.last_value + 1
RETURNING last_value;
`, p.InvoiceYear, invoicePrefix(p.InvoiceYear)).Scan(&seq); err != nil {
				return fmt.Errorf("allocate invoice number: %w", err)
			}
			number := formatInvoiceNumber(p.InvoiceYear, seq)
			entry.InvoiceNumber = &number
		}

		stored, err := insertEntry(ctx, tx, entry)
		if err != nil {
			return err
		}

		link := newWhere(dollarPlaceholders)
		setAt := link.bind(at)
		setID := link.bind(stored.ID)
		link.add("partner_id = ?", p.PartnerID)
		link.add("id IN (" + link.in(ids) + ")")
		tag, err := tx.Exec(ctx, `UPDATE affiliate_conversions SET billed_at = `+setAt+`, invoice_id = `+setID+`, updated_at = `+setAt+link.String(), link.args...)
		if err != nil {
			return fmt.Errorf("link conversions: %w", err)
		}
		if tag.RowsAffected() != int64(len(ids)) {
			return fmt.Errorf("link conversions: linked %d of %d", tag.RowsAffected(), len(ids))
		}

		res = BillResult{Entry: *stored, ConversionIDs: ids}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func lockEntry(ctx context.Context, tx pgx.Tx, partnerID, entryID string, typ EntryType) (*LedgerEntry, error) {
	e, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1 FOR UPDATE`, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock ledger entry: %w", err)
	}
	if e.PartnerID != partnerID || e.Type != typ {
		return nil, ErrNotFound
	}
	return e, nil
}

// CancelBillingEntry cancels an invoice or payout and releases its conversions back into
// the unbilled pool. Cancelling a cancelled entry is a no-op; settled entries are refused.
func (r *PostgresRepository) CancelBillingEntry(ctx context.Context, partnerID, entryID string, typ EntryType, at time.Time) (*LedgerEntry, int64, error) {
	var (
		out      *LedgerEntry
		released int64
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		e, err := lockEntry(ctx, tx, partnerID, entryID, typ)
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

		out, err = scanEntry(tx.QueryRow(ctx, `
UPDATE ledger_entries SET status = 'cancelled', processed_at = $2
WHERE id = $1
RETURNING `+entryColumns+`;
`, entryID, utc(at)))
		if err != nil {
			return fmt.Errorf("cancel ledger entry: %w", err)
		}

		tag, err := tx.Exec(ctx, `
UPDATE affiliate_conversions SET billed_at = NULL, invoice_id = NULL, updated_at = $2
WHERE invoice_id = $1 AND partner_id = $3;
`, entryID, utc(at), partnerID)
		if err != nil {
			return fmt.Errorf("release conversions: %w", err)
		}
		released = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, released, nil
}

// MarkBillingEntryPaid settles an invoice or payout and moves its approved conversions
// to paid. Marking a paid entry again is a no-op; cancelled or failed entries are refused.
func (r *PostgresRepository) MarkBillingEntryPaid(ctx context.Context, partnerID, entryID string, typ EntryType, method string, at time.Time) (*LedgerEntry, int64, error) {
	var (
		out     *LedgerEntry
		settled int64
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		e, err := lockEntry(ctx, tx, partnerID, entryID, typ)
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

		out, err = scanEntry(tx.QueryRow(ctx, `
UPDATE ledger_entries
SET status = 'paid',
    payment_method = CASE WHEN $2 <> '' THEN $2 ELSE payment_method END,
    processed_at = $3
WHERE id = $1
RETURNING `+entryColumns+`;
`, entryID, method, utc(at)))
		if err != nil {
			return fmt.Errorf("mark ledger entry paid: %w", err)
		}

		tag, err := tx.Exec(ctx, `
UPDATE affiliate_conversions SET status = 'paid', paid_at = $2, updated_at = $2
WHERE invoice_id = $1 AND partner_id = $3 AND status = 'approved';
`, entryID, utc(at), partnerID)
		if err != nil {
			return fmt.Errorf("settle conversions: %w", err)
		}
		settled = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, settled, nil
}

// pgList runs the count/sum and page queries shared by every listing.
func pgList[T any](ctx context.Context, q pgQuerier, table, columns, sumColumn, orderBy string, w *whereBuilder, f ListFilter, scan func(rowScanner) (*T, error)) (*Page[T], error) {
	page, size, offset := f.window()
	out := &Page[T]{Page: page, PageSize: size, Items: []T{}}

	sumExpr := "0"
	if sumColumn != "" {
		sumExpr = "COALESCE(SUM(" + sumColumn + "), 0)"
	}
	if err := q.QueryRow(ctx, `SELECT COUNT(*), (`+sumExpr+`)::bigint FROM `+table+w.String(), w.args...).Scan(&out.Total, &out.Sum); err != nil {
		return nil, fmt.Errorf("count %s: %w", table, err)
	}

	limit := w.bind(size)
	off := w.bind(offset)
	rows, err := q.Query(ctx, `SELECT `+columns+` FROM `+table+w.String()+` ORDER BY `+orderBy+` LIMIT `+limit+` OFFSET `+off, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out.Items = append(out.Items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}
