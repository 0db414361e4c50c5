package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetAccount loads the billing account of a partner.
func (r *PostgresRepository) GetAccount(ctx context.Context, partnerID string) (*BillingAccount, error) {
	return getAccount(ctx, r.pool, partnerID, false)
}

func getAccount(ctx context.Context, q pgQuerier, partnerID string, forUpdate bool) (*BillingAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM billing_accounts WHERE partner_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanAccount(q.QueryRow(ctx, query, partnerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func ensureAccount(ctx context.Context, q pgQuerier, partnerID string, at time.Time) error {
	const query = `
INSERT INTO billing_accounts (partner_id, created_at, updated_at)
VALUES ($1, $2, $2)
ON CONFLICT (partner_id) DO NOTHING;
`
	if _, err := q.Exec(ctx, query, partnerID, utc(at)); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// EnsureAccount creates the partner's account with defaults when missing.
func (r *PostgresRepository) EnsureAccount(ctx context.Context, partnerID string, at time.Time) (*BillingAccount, error) {
	if err := ensureAccount(ctx, r.pool, partnerID, at); err != nil {
		return nil, err
	}
	return r.GetAccount(ctx, partnerID)
}

// UpdateAccountSettings upserts the mutable account fields. The balance is never touched here.
func (r *PostgresRepository) UpdateAccountSettings(ctx context.Context, partnerID string, s AccountSettings, at time.Time) (*BillingAccount, error) {
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
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10::jsonb, $11, $11)
ON CONFLICT (partner_id) DO UPDATE SET
    auto_recharge_enabled = EXCLUDED.auto_recharge_enabled,
    auto_recharge_threshold_minor = EXCLUDED.auto_recharge_threshold_minor,
    auto_recharge_amount_minor = EXCLUDED.auto_recharge_amount_minor,
    daily_spend_limit_minor = EXCLUDED.daily_spend_limit_minor,
    monthly_spend_limit_minor = EXCLUDED.monthly_spend_limit_minor,
    affiliate_billing_threshold_minor = EXCLUDED.affiliate_billing_threshold_minor,
    webhook_config = EXCLUDED.webhook_config,
    link_config = EXCLUDED.link_config,
    notification_config = EXCLUDED.notification_config,
    updated_at = EXCLUDED.updated_at
RETURNING ` + accountColumns + `;`
	a, err := scanAccount(r.pool.QueryRow(ctx, q,
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
		utc(at),
	))
	if err != nil {
		return nil, fmt.Errorf("update account settings: %w", err)
	}
	return a, nil
}

// ApplyBalanceEntry records a balance-moving entry and adjusts the balance in the same
// transaction. Decrements are conditional and fail with ErrInsufficientFunds.
// Pending entries are recorded without moving the balance.
func (r *PostgresRepository) ApplyBalanceEntry(ctx context.Context, entry LedgerEntry) (*LedgerEntry, int64, error) {
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
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		if err := ensureAccount(ctx, tx, entry.PartnerID, entry.CreatedAt); err != nil {
			return err
		}
		var err error
		if entry.Status.Settled() {
			balance, err = adjustBalance(ctx, tx, entry.PartnerID, sign*entry.Amount, entry.CreatedAt)
			if err != nil {
				return err
			}
			if entry.ProcessedAt == nil {
				entry.ProcessedAt = &entry.CreatedAt
			}
		} else if err := tx.QueryRow(ctx, `SELECT credit_balance_minor FROM billing_accounts WHERE partner_id = $1`, entry.PartnerID).Scan(&balance); err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		stored, err = insertEntry(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return stored, balance, nil
}

// SettleEntry moves a pending recharge to a final status. A settled status
// credits the balance in the same transaction. Repeating the current final
// status is a no-op; any other change of a final entry fails with ErrEntryState.
func (r *PostgresRepository) SettleEntry(ctx context.Context, entryID string, status EntryStatus, at time.Time) (*LedgerEntry, int64, error) {
	var (
		out     *LedgerEntry
		balance int64
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		e, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1 FOR UPDATE`, entryID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock ledger entry: %w", err)
		}
		if e.Type != EntryRecharge {
			return ErrNotFound
		}
		if e.Status != StatusPending {
			if e.Status != status {
				return ErrEntryState
			}
			out = e
			return tx.QueryRow(ctx, `SELECT credit_balance_minor FROM billing_accounts WHERE partner_id = $1`, e.PartnerID).Scan(&balance)
		}
		if status.Settled() {
			if balance, err = adjustBalance(ctx, tx, e.PartnerID, e.Amount, at); err != nil {
				return err
			}
		} else if err := tx.QueryRow(ctx, `SELECT credit_balance_minor FROM billing_accounts WHERE partner_id = $1`, e.PartnerID).Scan(&balance); err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		out, err = scanEntry(tx.QueryRow(ctx, `
UPDATE ledger_entries SET status = $2, processed_at = $3
WHERE id = $1
RETURNING `+entryColumns+`;
`, entryID, string(status), utc(at)))
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return out, balance, nil
}

// adjustBalance applies delta atomically; a negative delta only succeeds when covered.
func adjustBalance(ctx context.Context, q pgQuerier, partnerID string, delta int64, at time.Time) (int64, error) {
	var balance int64
	if delta >= 0 {
		err := q.QueryRow(ctx, `
UPDATE billing_accounts
SET credit_balance_minor = credit_balance_minor + $2, updated_at = $3
WHERE partner_id = $1
RETURNING credit_balance_minor;
`, partnerID, delta, utc(at)).Scan(&balance)
		if err != nil {
			return 0, fmt.Errorf("increment balance: %w", err)
		}
		return balance, nil
	}
	err := q.QueryRow(ctx, `
UPDATE billing_accounts
SET credit_balance_minor = credit_balance_minor - $2, updated_at = $3
WHERE partner_id = $1 AND credit_balance_minor >= $2
RETURNING credit_balance_minor;
`, partnerID, -delta, utc(at)).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrInsufficientFunds
		}
		return 0, fmt.Errorf("decrement balance: %w", err)
	}
	return balance, nil
}

func insertEntry(ctx context.Context, q pgQuerier, e LedgerEntry) (*LedgerEntry, error) {
	const query = `
INSERT INTO ledger_entries (id, partner_id, type, amount_minor, status, payment_method, invoice_number, description, reference, created_at, processed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING ` + entryColumns + `;`
	stored, err := scanEntry(q.QueryRow(ctx, query,
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
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	return stored, nil
}

// RecordCpcClick stores a click and, when it is valid and priced, charges it against the
// partner's balance within the same transaction. Clicks that exceed a spend limit or the
// balance are stored as invalid with the reason.
func (r *PostgresRepository) RecordCpcClick(ctx context.Context, p CpcClickParams) (*CpcClickResult, error) {
	click := p.Click
	click.CreatedAt = utc(click.CreatedAt)

	var res CpcClickResult
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		if err := ensureAccount(ctx, tx, click.PartnerID, click.CreatedAt); err != nil {
			return err
		}
		acct, err := getAccount(ctx, tx, click.PartnerID, true)
		if err != nil {
			return err
		}
		res.Balance = acct.CreditBalance

		if click.IsValid && click.CostPerClick > 0 {
			var today, month int64
			if err := tx.QueryRow(ctx, `
SELECT COALESCE(SUM(CASE WHEN created_at >= $2 THEN amount_minor ELSE 0 END), 0)::bigint,
       COALESCE(SUM(amount_minor), 0)::bigint
FROM ledger_entries
WHERE partner_id = $1 AND type = 'spend' AND status = 'completed' AND created_at >= $3;
`, click.PartnerID, utc(p.DayStart), utc(p.MonthStart)).Scan(&today, &month); err != nil {
				return fmt.Errorf("sum spend: %w", err)
			}

			if reason := spendRejection(click.CostPerClick, acct.CreditBalance, acct.DailySpendLimit, acct.MonthlySpendLimit, today, month); reason != "" {
				click.IsValid = false
				click.InvalidReason = &reason
			} else {
				balance, err := adjustBalance(ctx, tx, click.PartnerID, -click.CostPerClick, click.CreatedAt)
				if err != nil {
					return err
				}
				res.Balance = balance
				res.Spend, err = insertEntry(ctx, tx, LedgerEntry{
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

		stored, err := scanClick(tx.QueryRow(ctx, `
INSERT INTO clicks (id, partner_id, monetizable_type, monetizable_id, cost_per_click_minor, is_valid, invalid_reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING `+clickColumns+`;
`, click.ID, click.PartnerID, click.MonetizableType, click.MonetizableID, click.CostPerClick, click.IsValid, click.InvalidReason, click.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert click: %w", err)
		}
		res.Click = *stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}
