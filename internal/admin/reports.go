// Package admin serves read-only operator views over settlement state.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Stats is a point-in-time summary of the settlement book.
type Stats struct {
	DealsByState      map[string]int `json:"deals_by_state"`
	EscrowHeld        int64          `json:"escrow_held"`
	OpenDisputes      int            `json:"open_disputes"`
	ProcessingPayouts int            `json:"processing_payouts"`
	UnpublishedEvents int            `json:"unpublished_events"`
}

type DisputeRow struct {
	ID          string     `json:"id"`
	DealID      string     `json:"deal_id"`
	MilestoneID string     `json:"milestone_id,omitempty"`
	RaisedBy    string     `json:"raised_by"`
	Reason      string     `json:"reason"`
	State       string     `json:"state"`
	Outcome     string     `json:"outcome,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Reports runs the operator queries against Postgres.
type Reports struct {
	pool *pgxpool.Pool
}

func NewReports(pool *pgxpool.Pool) *Reports {
	return &Reports{pool: pool}
}

func (r *Reports) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{DealsByState: map[string]int{}}

	rows, err := r.pool.Query(ctx, `SELECT state, COUNT(*) FROM deals GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count deals: %w", err)
	}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan deal count: %w", err)
		}
		s.DealsByState[state] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = r.pool.QueryRow(ctx, `
        SELECT
            (SELECT COALESCE(SUM(funded - released - refunded), 0) FROM escrow_accounts),
            (SELECT COUNT(*) FROM disputes WHERE state = 'open'),
            (SELECT COUNT(*) FROM payouts WHERE status = 'processing'),
            (SELECT COUNT(*) FROM settlement_events WHERE published_at IS NULL)`).
		Scan(&s.EscrowHeld, &s.OpenDisputes, &s.ProcessingPayouts, &s.UnpublishedEvents)
	if err != nil {
		return nil, fmt.Errorf("summary counts: %w", err)
	}
	return s, nil
}

// Disputes lists disputes newest first; state "" means all.
func (r *Reports) Disputes(ctx context.Context, state string, limit int) ([]DisputeRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
        SELECT id, deal_id, milestone_id, raised_by, reason, state, outcome, created_at, resolved_at
        FROM disputes
        WHERE $1 = '' OR state = $1
        ORDER BY created_at DESC
        LIMIT $2`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("query disputes: %w", err)
	}
	defer rows.Close()

	items := []DisputeRow{}
	for rows.Next() {
		var d DisputeRow
		if err := rows.Scan(&d.ID, &d.DealID, &d.MilestoneID, &d.RaisedBy, &d.Reason, &d.State, &d.Outcome, &d.CreatedAt, &d.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan dispute: %w", err)
		}
		items = append(items, d)
	}
	return items, rows.Err()
}
