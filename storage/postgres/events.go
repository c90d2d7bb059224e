package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/seekwell/entitlements/pkg/entitlements"
)

// AdmitEvent implements entitlements.EventLog. The insert races are settled
// by the primary key: exactly one delivery creates the row, every other one
// reads back what the winner stored.
func (s *Store) AdmitEvent(ctx context.Context, ev *entitlements.BillingEvent) (*entitlements.BillingEvent, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO billing_events (event_id, event_type, received_at, raw_payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.EventType, ev.ReceivedAt, ev.RawPayload)
	if err != nil {
		return nil, false, fmt.Errorf("admit event: %w", err)
	}
	created := tag.RowsAffected() > 0

	stored, err := s.GetEvent(ctx, ev.EventID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, fmt.Errorf("admit event: entry vanished after insert")
	}
	return stored, created, nil
}

// MarkProcessed implements entitlements.EventLog.
func (s *Store) MarkProcessed(ctx context.Context, eventID, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE billing_events
		SET processed = TRUE, processed_at = $2, error_message = $3
		WHERE event_id = $1`,
		eventID, time.Now().UTC(), errMsg)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark event processed: event %s not found", eventID)
	}
	return nil
}

// GetEvent implements entitlements.EventLog.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*entitlements.BillingEvent, error) {
	var ev entitlements.BillingEvent
	err := s.pool.QueryRow(ctx, `
		SELECT event_id, event_type, received_at, processed, processed_at, error_message, raw_payload
		FROM billing_events WHERE event_id = $1`, eventID).
		Scan(&ev.EventID, &ev.EventType, &ev.ReceivedAt, &ev.Processed,
			&ev.ProcessedAt, &ev.ErrorMessage, &ev.RawPayload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	return &ev, nil
}

// InsertPayment implements entitlements.PaymentStore.
func (s *Store) InsertPayment(ctx context.Context, p *entitlements.PaymentRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO payments (payment_intent_id, user_id, invoice_id, amount, currency, status, billing_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (payment_intent_id) DO NOTHING`,
		p.PaymentIntentID, p.UserID, p.InvoiceID, p.Amount, p.Currency,
		p.Status, p.BillingReason, p.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListPayments implements entitlements.PaymentStore.
func (s *Store) ListPayments(ctx context.Context, userID string, limit int) ([]*entitlements.PaymentRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT payment_intent_id, user_id, invoice_id, amount, currency, status, billing_reason, created_at
		FROM payments WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []*entitlements.PaymentRecord
	for rows.Next() {
		var p entitlements.PaymentRecord
		if err := rows.Scan(&p.PaymentIntentID, &p.UserID, &p.InvoiceID, &p.Amount,
			&p.Currency, &p.Status, &p.BillingReason, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, &p)
	}
	return out, rows.Err()
}
