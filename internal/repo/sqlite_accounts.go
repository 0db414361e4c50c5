package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// -- Accounts --

func (r *SQLiteRepository) GetAccount(ctx context.Context, partnerID string) (*BillingAccount, error) {
	return sqliteGetAccount(ctx, r.db, partnerID)
}

func sqliteGetAccount(ctx context.Context, q sqlQuerier, partnerID string) (*BillingAccount, error) {
	a, err := scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM billing_accounts WHERE partner_id = ?`, partnerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func sqliteEnsureAccount(ctx context.Context, q sqlQuerier, partnerID string, at time.Time) error {
	const query = `
INSERT INTO billing_accounts (partner_id, created_at, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (partner_id) DO NOTHING;
`
	if _, err := q.ExecContext(ctx, query, partnerID, utc(at), utc(at)); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) EnsureAccount(ctx context.Context, partnerID string, at time.Time) (*BillingAccount, error) {
	if err := sqliteEnsureAccount(ctx, r.db, partnerID, at); err != nil {
		return nil, err
	}
	return r.GetAccount(ctx, partnerID)
}

func (r *SQLiteRepository) UpdateAccountSettings(ctx context.Context, partnerID string, s AccountSettings, at time.Time) (*BillingAccount, error) {
	webhook, links, notify, err := settingsParams(s)
	if err != nil {
		return nil, err
	}
	const q = `
INSERT INTO billing_accounts (
    partner_id, auto_recharge_enabled, auto_recharge_threshold_minor, auto_recharge_amount_minor,
    daily_spend_limit_minor, monthly_spend_limit_minor, affiliate_billing_threshold_minor,
    webhook_config, link_config, notification_config, created_at, updated_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (partner_id) DO UPDATE SET
    auto_recharge_enabled = excluded.auto_recharge_enabled,
    auto_recharge_threshold_minor = excluded.auto_recharge_threshold_minor,
    auto_recharge_amount_minor = excluded.auto_recharge_amount_minor,
    daily_spend_limit_minor = excluded.daily_spend_limit_minor,
    monthly_spend_limit_minor = excluded.monthly_spend_limit_minor,
    affiliate_billing_threshold_minor = excluded.affiliate_billing_threshold_minor,
    webhook_config = excluded.webhook_config,
    link_config = excluded.link_config,
    notification_config = excluded.notification_config,
    updated_at = excluded.updated_at;
`
	ts := utc(at)
	if _, err := r.db.ExecContext(ctx, q,
		partnerID,
		s.AutoRechargeEnabled,
		s.AutoRechargeThreshold,
		s.AutoRechargeAmount,
		s.DailySpendLimit,
		s.MonthlySpendLimit,
		s.AffiliateBillingThreshold,
		webhook,
		links,
		notify,
		ts,
		ts,
	); err != nil {
		return nil, fmt.Errorf("update account settings: %w", err)
	}
	return r.GetAccount(ctx, partnerID)
}

// -- Ledger --

func (r *SQLiteRepository) ApplyBalanceEntry(ctx context.Context, entry LedgerEntry) (*LedgerEntry, int64, error) {
	sign := entry.Type.Sign()
	if sign == 0 {
		return nil, 0, fmt.Errorf("entry type %q does not move the balance", entry.Type)
	}
	if entry.Status == "" {
		entry.Status = StatusCompleted
	}
	entry.CreatedAt = utc(entry.CreatedAt)

	var (
		stored  *LedgerEntry
		balance int64
	)
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		if err := sqliteEnsureAccount(ctx, tx, entry.PartnerID, entry.CreatedAt); err != nil {
			return err
		}
		var err error
		if entry.Status.Settled() {
			balance, err = sqliteAdjustBalance(ctx, tx, entry.PartnerID, sign*entry.Amount, entry.CreatedAt)
			if err != nil {
				return err
			}
			if entry.ProcessedAt == nil {
				entry.ProcessedAt = &entry.CreatedAt
			}
		} else if err := tx.QueryRowContext(ctx, `SELECT credit_balance_minor FROM billing_accounts WHERE partner_id = ?`, entry.PartnerID).Scan(&balance); err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		stored, err = sqliteInsertEntry(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return stored, balance, nil
}

func (r *SQLiteRepository) SettleEntry(ctx context.Context, entryID string, status EntryStatus, at time.Time) (*LedgerEntry, int64, error) {
	var (
		out     *LedgerEntry
		balance int64
	)
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		e, err := sqliteGetEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if e.Type != EntryRecharge {
			return ErrNotFound
		}
		readBalance := func() error {
			if err := tx.QueryRowContext(ctx, `SELECT credit_balance_minor FROM billing_accounts WHERE partner_id = ?`, e.PartnerID).Scan(&balance); err != nil {
				return fmt.Errorf("read balance: %w", err)
			}
			return nil
		}
		if e.Status != StatusPending {
			if e.Status != status {
				return ErrEntryState
			}
			out = e
			return readBalance()
		}
		if status.Settled() {
			if balance, err = sqliteAdjustBalance(ctx, tx, e.PartnerID, e.Amount, at); err != nil {
				return err
			}
		} else if err := readBalance(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ledger_entries SET status = ?, processed_at = ? WHERE id = ?`, string(status), utc(at), entryID); err != nil {
			return fmt.Errorf("settle ledger entry: %w", err)
		}
		out, err = sqliteGetEntry(ctx, tx, entryID)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return out, balance, nil
}

func sqliteAdjustBalance(ctx context.Context, q sqlQuerier, partnerID string, delta int64, at time.Time) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if delta >= 0 {
		res, err = q.ExecContext(ctx, `
UPDATE billing_accounts
SET credit_balance_minor = credit_balance_minor + ?, updated_at = ?
WHERE partner_id = ?;
`, delta, utc(at), partnerID)
	} else {
		res, err = q.ExecContext(ctx, `
UPDATE billing_accounts
SET credit_balance_minor = credit_balance_minor - ?, updated_at = ?
WHERE partner_id = ? AND credit_balance_minor >= ?;
`, -delta, utc(at), partnerID, -delta)
	}
	if err != nil {
		return 0, fmt.Errorf("adjust balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if delta < 0 {
			return 0, ErrInsufficientFunds
		}
		return 0, ErrNotFound
	}
	var balance int64
	if err := q.QueryRowContext(ctx, `SELECT credit_balance_minor FROM billing_accounts WHERE partner_id = ?`, partnerID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func sqliteInsertEntry(ctx context.Context, q sqlQuerier, e LedgerEntry) (*LedgerEntry, error) {
	const query = `
INSERT INTO ledger_entries (id, partner_id, type, amount_minor, status, payment_method, invoice_number, description, reference, created_at, processed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := q.ExecContext(ctx, query,
		e.ID,
		e.PartnerID,
		string(e.Type),
		e.Amount,
		string(e.Status),
		e.PaymentMethod,
		e.InvoiceNumber,
		e.Description,
		e.Reference,
		utc(e.CreatedAt),
		utcPtr(e.ProcessedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	return sqliteGetEntry(ctx, q, e.ID)
}

func sqliteGetEntry(ctx context.Context, q sqlQuerier, id string) (*LedgerEntry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, nil
}

// -- Clicks --

func (r *SQLiteRepository) RecordCpcClick(ctx context.Context, p CpcClickParams) (*CpcClickResult, error) {
	click := p.Click
	click.CreatedAt = utc(click.CreatedAt)

	var res CpcClickResult
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		if err := sqliteEnsureAccount(ctx, tx, click.PartnerID, click.CreatedAt); err != nil {
			return err
		}
		acct, err := sqliteGetAccount(ctx, tx, click.PartnerID)
		if err != nil {
			return err
		}
		res.Balance = acct.CreditBalance

		if click.IsValid && click.CostPerClick > 0 {
			var today, month int64
			if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(SUM(CASE WHEN created_at >= ? THEN amount_minor ELSE 0 END), 0),
       COALESCE(SUM(amount_minor), 0)
FROM ledger_entries
WHERE partner_id = ? AND type = 'spend' AND status = 'completed' AND created_at >= ?;
`, utc(p.DayStart), click.PartnerID, utc(p.MonthStart)).Scan(&today, &month); err != nil {
				return fmt.Errorf("sum spend: %w", err)
			}

			if reason := spendRejection(click.CostPerClick, acct.CreditBalance, acct.DailySpendLimit, acct.MonthlySpendLimit, today, month); reason != "" {
				click.IsValid = false
				click.InvalidReason = &reason
			} else {
				balance, err := sqliteAdjustBalance(ctx, tx, click.PartnerID, -click.CostPerClick, click.CreatedAt)
				if err != nil {
					return err
				}
				res.Balance = balance
				res.Spend, err = sqliteInsertEntry(ctx, tx, LedgerEntry{
					ID:          p.EntryID,
					PartnerID:   click.PartnerID,
					Type:        EntrySpend,
					Amount:      click.CostPerClick,
					Status:      StatusCompleted,
					Description: fmt.Sprintf("CPC click on %s %s", click.MonetizableType, click.MonetizableID),
					Reference:   click.ID,
					CreatedAt:   click.CreatedAt,
					ProcessedAt: &click.CreatedAt,
				})
				if err != nil {
					return err
				}
			}
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO clicks (id, partner_id, monetizable_type, monetizable_id, cost_per_click_minor, is_valid, invalid_reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`, click.ID, click.PartnerID, click.MonetizableType, click.MonetizableID, click.CostPerClick, click.IsValid, click.InvalidReason, click.CreatedAt); err != nil {
			return fmt.Errorf("insert click: %w", err)
		}
		stored, err := scanClick(tx.QueryRowContext(ctx, `SELECT `+clickColumns+` FROM clicks WHERE id = ?`, click.ID))
		if err != nil {
			return fmt.Errorf("reload click: %w", err)
		}
		res.Click = *stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *SQLiteRepository) ListClicks(ctx context.Context, f ClickFilter) (*Page[Click], error) {
	return sqliteList(ctx, r.db, "clicks", clickColumns, "cost_per_click_minor", "created_at DESC, id DESC",
		f.where(questionPlaceholders), f.ListFilter, scanClick)
}
