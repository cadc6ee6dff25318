package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sudo-init-do/dealhub/internal/settlement"
)

// Store is the Postgres settlement.Store. Deals are serialized with
// SELECT ... FOR UPDATE and guarded by a version column.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ settlement.Store = (*Store)(nil)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// mapErr translates driver errors into settlement sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", settlement.ErrDuplicate, pgErr.ConstraintName)
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", settlement.ErrStaleVersion, pgErr.Message)
		}
	}
	return err
}

func (s *Store) WithTx(ctx context.Context, fn func(tx settlement.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(fmt.Errorf("commit: %w", err))
	}
	return nil
}

const dealColumns = `id, project_id, brand_id, creator_id, title, currency, total_amount, refunded_amount,
    escrow_ref, state, accepted, accepted_at, funded_at, completed_at,
    pending_op, pending_escrow_ref, pending_op_at, refund_intent, version, created_at, updated_at`

func scanDeal(row pgx.Row) (*settlement.Deal, error) {
	var (
		d         settlement.Deal
		state, op string
	)
	err := row.Scan(
		&d.ID, &d.ProjectID, &d.BrandID, &d.CreatorID, &d.Title, &d.Currency, &d.TotalAmount, &d.RefundedAmount,
		&d.EscrowRef, &state, &d.Accepted, &d.AcceptedAt, &d.FundedAt, &d.CompletedAt,
		&op, &d.PendingEscrowRef, &d.PendingOpAt, &d.RefundIntent, &d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	d.State = settlement.DealState(state)
	d.PendingOp = settlement.PendingOp(op)
	return &d, nil
}

const milestoneColumns = `id, deal_id, position, title, amount, state, due_at, submitted_at, approved_at, released_at, refunded_at`

func scanMilestone(row pgx.Row) (*settlement.Milestone, error) {
	var (
		m     settlement.Milestone
		state string
	)
	if err := row.Scan(&m.ID, &m.DealID, &m.Position, &m.Title, &m.Amount, &state,
		&m.DueAt, &m.SubmittedAt, &m.ApprovedAt, &m.ReleasedAt, &m.RefundedAt); err != nil {
		return nil, err
	}
	m.State = settlement.MilestoneState(state)
	return &m, nil
}

// loadMilestones attaches milestones to the given deals in position order.
func loadMilestones(ctx context.Context, q querier, deals ...*settlement.Deal) error {
	if len(deals) == 0 {
		return nil
	}
	ids := make([]string, len(deals))
	byID := make(map[string]*settlement.Deal, len(deals))
	for i, d := range deals {
		ids[i] = d.ID
		byID[d.ID] = d
	}
	rows, err := q.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE deal_id = ANY($1) ORDER BY deal_id, position`, ids)
	if err != nil {
		return fmt.Errorf("query milestones: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return fmt.Errorf("scan milestone: %w", err)
		}
		if d := byID[m.DealID]; d != nil {
			d.Milestones = append(d.Milestones, m)
		}
	}
	return rows.Err()
}

func (s *Store) GetDeal(ctx context.Context, id string) (*settlement.Deal, error) {
	d, err := scanDeal(s.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := loadMilestones(ctx, s.pool, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) ListDeals(ctx context.Context, f settlement.DealFilter) ([]*settlement.Deal, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.BrandID != "" {
		where = append(where, "brand_id = "+arg(f.BrandID))
	}
	if f.CreatorID != "" {
		where = append(where, "creator_id = "+arg(f.CreatorID))
	}
	if f.PartyID != "" {
		p := arg(f.PartyID)
		where = append(where, "(brand_id = "+p+" OR creator_id = "+p+")")
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		where = append(where, "state = ANY("+arg(states)+")")
	}

	q := `SELECT ` + dealColumns + ` FROM deals`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		q += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query deals: %w", err)
	}
	defer rows.Close()

	var deals []*settlement.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deal: %w", err)
		}
		deals = append(deals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadMilestones(ctx, s.pool, deals...); err != nil {
		return nil, err
	}
	return deals, nil
}

const disputeColumns = `id, deal_id, milestone_id, raised_by, reason, state, outcome, resolution,
    pending_outcome, prior_deal_state, prior_milestone_state, resolved_by, created_at, resolved_at`

func scanDispute(row pgx.Row) (*settlement.Dispute, error) {
	var (
		ds                                      settlement.Dispute
		state, outcome, pending, priorD, priorM string
	)
	err := row.Scan(&ds.ID, &ds.DealID, &ds.MilestoneID, &ds.RaisedBy, &ds.Reason, &state, &outcome, &ds.Resolution,
		&pending, &priorD, &priorM, &ds.ResolvedBy, &ds.CreatedAt, &ds.ResolvedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	ds.State = settlement.DisputeState(state)
	ds.Outcome = settlement.Outcome(outcome)
	ds.PendingOutcome = settlement.Outcome(pending)
	ds.PriorDealState = settlement.DealState(priorD)
	ds.PriorMilestoneState = settlement.MilestoneState(priorM)
	return &ds, nil
}

func queryDisputes(ctx context.Context, q querier, sql string, args ...any) ([]*settlement.Dispute, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query disputes: %w", err)
	}
	defer rows.Close()
	var out []*settlement.Dispute
	for rows.Next() {
		ds, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispute: %w", err)
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

func (s *Store) GetDispute(ctx context.Context, id string) (*settlement.Dispute, error) {
	return scanDispute(s.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
}

func (s *Store) ListDisputes(ctx context.Context, dealID string) ([]*settlement.Dispute, error) {
	return queryDisputes(ctx, s.pool, `SELECT `+disputeColumns+` FROM disputes WHERE deal_id = $1 ORDER BY created_at, id`, dealID)
}

const payoutColumns = `id, deal_id, milestone_id, provider_ref, amount, currency, status, idempotency_key, failure_reason, created_at, updated_at`

func queryPayouts(ctx context.Context, q querier, sql string, args ...any) ([]*settlement.Payout, error) {
	rows, err := q.Query(ctx, `SELECT `+payoutColumns+` FROM payouts `+sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query payouts: %w", err)
	}
	defer rows.Close()
	var out []*settlement.Payout
	for rows.Next() {
		var (
			p      settlement.Payout
			status string
		)
		if err := rows.Scan(&p.ID, &p.DealID, &p.MilestoneID, &p.ProviderRef, &p.Amount, &p.Currency,
			&status, &p.IdempotencyKey, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		p.Status = settlement.PayoutStatus(status)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *Store) ListPayouts(ctx context.Context, dealID string) ([]*settlement.Payout, error) {
	return queryPayouts(ctx, s.pool, `WHERE deal_id = $1 ORDER BY created_at, id`, dealID)
}

// StuckPayouts lists PROCESSING payouts last touched before olderThan. These
// are releases whose worker died mid-call and need an operator to reconcile
// against the provider.
func (s *Store) StuckPayouts(ctx context.Context, olderThan time.Time) ([]*settlement.Payout, error) {
	return queryPayouts(ctx, s.pool, `WHERE status = 'processing' AND updated_at < $1 ORDER BY updated_at`, olderThan)
}

func (s *Store) LatestDeliverable(ctx context.Context, milestoneID string) (*settlement.Deliverable, error) {
	var dl settlement.Deliverable
	err := s.pool.QueryRow(ctx, `
        SELECT id, deal_id, milestone_id, content_ref, file_hash, checks, submitted_by, submitted_at
        FROM deliverables
        WHERE milestone_id = $1
        ORDER BY submitted_at DESC, id DESC
        LIMIT 1`, milestoneID).
		Scan(&dl.ID, &dl.DealID, &dl.MilestoneID, &dl.ContentRef, &dl.FileHash, &dl.Checks, &dl.SubmittedBy, &dl.SubmittedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &dl, nil
}

func (s *Store) SubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]settlement.ReleaseCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
        SELECT m.deal_id, m.id, d.state, m.state, m.submitted_at,
               EXISTS (
                   SELECT 1 FROM disputes x
                   WHERE x.deal_id = m.deal_id AND x.state = 'open'
                     AND (x.milestone_id = '' OR x.milestone_id = m.id)
               )
        FROM milestones m
        JOIN deals d ON d.id = m.deal_id
        WHERE m.state = 'submitted' AND m.submitted_at < $1
        ORDER BY m.submitted_at
        LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query release candidates: %w", err)
	}
	defer rows.Close()

	var out []settlement.ReleaseCandidate
	for rows.Next() {
		var (
			c              settlement.ReleaseCandidate
			dealSt, mileSt string
		)
		if err := rows.Scan(&c.DealID, &c.MilestoneID, &dealSt, &mileSt, &c.SubmittedAt, &c.HasOpenDispute); err != nil {
			return nil, fmt.Errorf("scan release candidate: %w", err)
		}
		c.DealState = settlement.DealState(dealSt)
		c.State = settlement.MilestoneState(mileSt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// pgTx implements settlement.Tx on one pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockDeal(ctx context.Context, id string) (*settlement.Deal, error) {
	d, err := scanDeal(t.tx.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := loadMilestones(ctx, t.tx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (t *pgTx) InsertDeal(ctx context.Context, d *settlement.Deal) error {
	_, err := t.tx.Exec(ctx, `
        INSERT INTO deals (`+dealColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		d.ID, d.ProjectID, d.BrandID, d.CreatorID, d.Title, d.Currency, d.TotalAmount, d.RefundedAmount,
		d.EscrowRef, string(d.State), d.Accepted, d.AcceptedAt, d.FundedAt, d.CompletedAt,
		string(d.PendingOp), d.PendingEscrowRef, d.PendingOpAt, d.RefundIntent, d.Version, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return mapErr(err)
	}

	batch := &pgx.Batch{}
	for _, m := range d.Milestones {
		batch.Queue(`
            INSERT INTO milestones (`+milestoneColumns+`)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			m.ID, m.DealID, m.Position, m.Title, m.Amount, string(m.State),
			m.DueAt, m.SubmittedAt, m.ApprovedAt, m.ReleasedAt, m.RefundedAt)
	}
	return mapErr(t.tx.SendBatch(ctx, batch).Close())
}

func (t *pgTx) SaveDeal(ctx context.Context, d *settlement.Deal) error {
	tag, err := t.tx.Exec(ctx, `
        UPDATE deals SET
            creator_id = $3, refunded_amount = $4, escrow_ref = $5, state = $6,
            accepted = $7, accepted_at = $8, funded_at = $9, completed_at = $10,
            pending_op = $11, pending_escrow_ref = $12, pending_op_at = $13,
            refund_intent = $14, updated_at = $15, version = version + 1
        WHERE id = $1 AND version = $2`,
		d.ID, d.Version, d.CreatorID, d.RefundedAmount, d.EscrowRef, string(d.State),
		d.Accepted, d.AcceptedAt, d.FundedAt, d.CompletedAt,
		string(d.PendingOp), d.PendingEscrowRef, d.PendingOpAt, d.RefundIntent, d.UpdatedAt,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deals WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return mapErr(err)
		}
		if !exists {
			return settlement.ErrNotFound
		}
		return settlement.ErrStaleVersion
	}

	batch := &pgx.Batch{}
	for _, m := range d.Milestones {
		batch.Queue(`
            UPDATE milestones SET
                state = $2, submitted_at = $3, approved_at = $4, released_at = $5, refunded_at = $6
            WHERE id = $1`,
			m.ID, string(m.State), m.SubmittedAt, m.ApprovedAt, m.ReleasedAt, m.RefundedAt)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return mapErr(err)
	}
	d.Version++
	return nil
}

func (t *pgTx) InsertDeliverable(ctx context.Context, dl *settlement.Deliverable) error {
	_, err := t.tx.Exec(ctx, `
        INSERT INTO deliverables (id, deal_id, milestone_id, content_ref, file_hash, checks, submitted_by, submitted_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		dl.ID, dl.DealID, dl.MilestoneID, dl.ContentRef, dl.FileHash, dl.Checks, dl.SubmittedBy, dl.SubmittedAt)
	return mapErr(err)
}

func (t *pgTx) DealPayouts(ctx context.Context, dealID string) ([]*settlement.Payout, error) {
	return queryPayouts(ctx, t.tx, `WHERE deal_id = $1 ORDER BY created_at, id`, dealID)
}

func (t *pgTx) InsertPayout(ctx context.Context, p *settlement.Payout) error {
	_, err := t.tx.Exec(ctx, `
        INSERT INTO payouts (`+payoutColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.DealID, p.MilestoneID, p.ProviderRef, p.Amount, p.Currency,
		string(p.Status), p.IdempotencyKey, p.FailureReason, p.CreatedAt, p.UpdatedAt)
	return mapErr(err)
}

func (t *pgTx) UpdatePayout(ctx context.Context, p *settlement.Payout) error {
	tag, err := t.tx.Exec(ctx, `
        UPDATE payouts SET provider_ref = $2, status = $3, failure_reason = $4, updated_at = $5
        WHERE id = $1`,
		p.ID, p.ProviderRef, string(p.Status), p.FailureReason, p.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return settlement.ErrNotFound
	}
	return nil
}

func (t *pgTx) OpenDisputes(ctx context.Context, dealID string) ([]*settlement.Dispute, error) {
	return queryDisputes(ctx, t.tx, `SELECT `+disputeColumns+` FROM disputes WHERE deal_id = $1 AND state = 'open' ORDER BY created_at, id`, dealID)
}

func (t *pgTx) LockDispute(ctx context.Context, id string) (*settlement.Dispute, error) {
	return scanDispute(t.tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) InsertDispute(ctx context.Context, ds *settlement.Dispute) error {
	_, err := t.tx.Exec(ctx, `
        INSERT INTO disputes (`+disputeColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		ds.ID, ds.DealID, ds.MilestoneID, ds.RaisedBy, ds.Reason, string(ds.State), string(ds.Outcome), ds.Resolution,
		string(ds.PendingOutcome), string(ds.PriorDealState), string(ds.PriorMilestoneState), ds.ResolvedBy,
		ds.CreatedAt, ds.ResolvedAt)
	return mapErr(err)
}

func (t *pgTx) UpdateDispute(ctx context.Context, ds *settlement.Dispute) error {
	tag, err := t.tx.Exec(ctx, `
        UPDATE disputes SET
            state = $2, outcome = $3, resolution = $4, pending_outcome = $5, resolved_by = $6, resolved_at = $7
        WHERE id = $1`,
		ds.ID, string(ds.State), string(ds.Outcome), ds.Resolution, string(ds.PendingOutcome), ds.ResolvedBy, ds.ResolvedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return settlement.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, ev *settlement.Event) error {
	var kind string
	payload := []byte("{}")
	if ev.Payload != nil {
		kind = ev.Payload.PayloadKind()
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		payload = b
	}
	_, err := t.tx.Exec(ctx, `
        INSERT INTO settlement_events
            (id, deal_id, milestone_id, actor_id, actor_role, operation, entity,
             before_state, after_state, payload_kind, payload, occurred_at, next_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)`,
		ev.ID, ev.DealID, ev.MilestoneID, ev.ActorID, string(ev.ActorRole), ev.Operation, string(ev.Entity),
		ev.Before, ev.After, kind, payload, ev.OccurredAt)
	return mapErr(err)
}
