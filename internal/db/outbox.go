package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sudo-init-do/dealhub/internal/audit"
)

// Outbox reads settlement_events as an audit.Outbox.
type Outbox struct {
	pool *pgxpool.Pool
}

func NewOutbox(pool *pgxpool.Pool) *Outbox {
	return &Outbox{pool: pool}
}

var _ audit.Outbox = (*Outbox)(nil)

// Pending returns due events in seq order. An event waits while an earlier
// event of the same deal is backing off or parked.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]audit.Message, error) {
	rows, err := o.pool.Query(ctx, `
        SELECT seq, id, deal_id, milestone_id, actor_id, actor_role, operation, entity,
               before_state, after_state, payload_kind, payload, occurred_at, attempts
        FROM settlement_events e
        WHERE e.published_at IS NULL AND e.next_attempt_at <= NOW()
          AND NOT EXISTS (
              SELECT 1 FROM settlement_events p
              WHERE p.deal_id = e.deal_id AND p.published_at IS NULL
                AND p.seq < e.seq AND p.next_attempt_at > NOW())
        ORDER BY e.seq
        LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var out []audit.Message
	for rows.Next() {
		var m audit.Message
		if err := rows.Scan(&m.Seq, &m.ID, &m.DealID, &m.MilestoneID, &m.ActorID, &m.ActorRole, &m.Operation, &m.Entity,
			&m.Before, &m.After, &m.PayloadKind, &m.Payload, &m.OccurredAt, &m.Attempts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (o *Outbox) MarkPublished(ctx context.Context, seq int64) error {
	if _, err := o.pool.Exec(ctx, `UPDATE settlement_events SET published_at = NOW() WHERE seq = $1`, seq); err != nil {
		return fmt.Errorf("mark event %d published: %w", seq, err)
	}
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, seq int64, next *time.Time, reason string) error {
	_, err := o.pool.Exec(ctx, `
        UPDATE settlement_events
        SET attempts = attempts + 1,
            last_error = $2,
            next_attempt_at = COALESCE($3::timestamptz, 'infinity'::timestamptz)
        WHERE seq = $1`, seq, reason, next)
	if err != nil {
		return fmt.Errorf("mark event %d failed: %w", seq, err)
	}
	return nil
}

// Replay makes a parked event eligible again.
func (o *Outbox) Replay(ctx context.Context, seq int64) error {
	tag, err := o.pool.Exec(ctx, `
        UPDATE settlement_events SET attempts = 0, last_error = '', next_attempt_at = NOW()
        WHERE seq = $1 AND published_at IS NULL`, seq)
	if err != nil {
		return fmt.Errorf("replay event %d: %w", seq, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %d not found or already published", seq)
	}
	return nil
}
