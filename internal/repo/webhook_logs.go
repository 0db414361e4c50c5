package repo

import (
	"context"
	"fmt"
)

// InsertWebhookLog appends an audit row. There is no update or delete path.
func (r *PostgresRepository) InsertWebhookLog(ctx context.Context, l WebhookLog) error {
	details, err := toJSON(l.Details)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO webhook_logs (id, request_id, direction, method, endpoint, status_code, secret_id, signature_timestamp, signature_valid, payload_hash, partner_id, details, error, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $14);
`
	_, err = r.pool.Exec(ctx, q,
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

// ListWebhookLogs pages through webhook logs, newest first.
func (r *PostgresRepository) ListWebhookLogs(ctx context.Context, f WebhookLogFilter) (*Page[WebhookLog], error) {
	return pgList(ctx, r.pool, "webhook_logs", webhookLogColumns, "", "created_at DESC, id DESC",
		f.where(dollarPlaceholders), f.ListFilter, scanWebhookLog)
}
