package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// EnsureSchema creates the settlement and ledger tables if they are missing.
// Every statement is idempotent, so it runs on each boot.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	steps := []struct {
		name string
		fn   func(context.Context, *pgxpool.Pool) error
	}{
		{"deals", ensureDealsTable},
		{"milestones", ensureMilestonesTable},
		{"deliverables", ensureDeliverablesTable},
		{"payouts", ensurePayoutsTable},
		{"disputes", ensureDisputesTable},
		{"settlement_events", ensureEventsTable},
		{"ledger", ensureLedgerTables},
	}
	for _, s := range steps {
		if err := s.fn(ctx, pool); err != nil {
			return fmt.Errorf("ensure %s: %w", s.name, err)
		}
		logger.Debug("schema ensured", zap.String("table", s.name))
	}
	return nil
}

func execAll(ctx context.Context, pool *pgxpool.Pool, stmts ...string) error {
	for _, q := range stmts {
		if _, err := pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// ensureDealsTable creates deals. escrow_ref is present exactly when the
// deal has been funded.
func ensureDealsTable(ctx context.Context, pool *pgxpool.Pool) error {
	return execAll(ctx, pool, `
        CREATE TABLE IF NOT EXISTS deals (
            id TEXT PRIMARY KEY,
            project_id TEXT NOT NULL DEFAULT '',
            brand_id TEXT NOT NULL,
            creator_id TEXT NOT NULL DEFAULT '',
            title TEXT NOT NULL DEFAULT '',
            currency CHAR(3) NOT NULL,
            total_amount BIGINT NOT NULL CHECK (total_amount > 0),
            refunded_amount BIGINT NOT NULL DEFAULT 0 CHECK (refunded_amount >= 0),
            escrow_ref TEXT NOT NULL DEFAULT '',
            state TEXT NOT NULL CHECK (state IN ('draft','funded','disputed','released','refunded')),
            accepted BOOLEAN NOT NULL DEFAULT FALSE,
            accepted_at TIMESTAMPTZ,
            funded_at TIMESTAMPTZ,
            completed_at TIMESTAMPTZ,
            pending_op TEXT NOT NULL DEFAULT '',
            pending_escrow_ref TEXT NOT NULL DEFAULT '',
            pending_op_at TIMESTAMPTZ,
            refund_intent JSONB NOT NULL DEFAULT '{}',
            version BIGINT NOT NULL DEFAULT 1,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CONSTRAINT deals_escrow_ref_chk CHECK ((escrow_ref <> '') = (state <> 'draft')),
            CONSTRAINT deals_refund_chk CHECK (refunded_amount <= total_amount)
        )`,
		`ALTER TABLE deals ADD COLUMN IF NOT EXISTS refund_intent JSONB NOT NULL DEFAULT '{}'`,
		`CREATE INDEX IF NOT EXISTS deals_brand_idx ON deals (brand_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS deals_creator_idx ON deals (creator_id, created_at DESC)`,
	)
}

func ensureMilestonesTable(ctx context.Context, pool *pgxpool.Pool) error {
	return execAll(ctx, pool, `
        CREATE TABLE IF NOT EXISTS milestones (
            id TEXT PRIMARY KEY,
            deal_id TEXT NOT NULL REFERENCES deals(id) ON DELETE CASCADE,
            position INT NOT NULL,
            title TEXT NOT NULL DEFAULT '',
            amount BIGINT NOT NULL CHECK (amount > 0),
            state TEXT NOT NULL CHECK (state IN ('pending','submitted','approved','disputed','released','refunded')),
            due_at TIMESTAMPTZ,
            submitted_at TIMESTAMPTZ,
            approved_at TIMESTAMPTZ,
            released_at TIMESTAMPTZ,
            refunded_at TIMESTAMPTZ,
            UNIQUE (deal_id, position)
        )`,
		`CREATE INDEX IF NOT EXISTS milestones_submitted_idx ON milestones (submitted_at) WHERE state = 'submitted'`,
	)
}

func ensureDeliverablesTable(ctx context.Context, pool *pgxpool.Pool) error {
	return execAll(ctx, pool, `
        CREATE TABLE IF NOT EXISTS deliverables (
            id TEXT PRIMARY KEY,
            deal_id TEXT NOT NULL REFERENCES deals(id) ON DELETE CASCADE,
            milestone_id TEXT NOT NULL REFERENCES milestones(id) ON DELETE CASCADE,
            content_ref TEXT NOT NULL DEFAULT '',
            file_hash TEXT NOT NULL DEFAULT '',
            checks JSONB,
            submitted_by TEXT NOT NULL,
            submitted_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS deliverables_milestone_idx ON deliverables (milestone_id, submitted_at DESC)`,
	)
}

// ensurePayoutsTable creates payouts. The partial unique index allows at
// most one processing or succeeded payout per milestone.
func ensurePayoutsTable(ctx context.Context, pool *pgxpool.Pool) error {
	return execAll(ctx, pool, `
        CREATE TABLE IF NOT EXISTS payouts (
            id TEXT PRIMARY KEY,
            deal_id TEXT NOT NULL REFERENCES deals(id) ON DELETE CASCADE,
            milestone_id TEXT NOT NULL REFERENCES milestones(id) ON DELETE CASCADE,
            provider_ref TEXT NOT NULL DEFAULT '',
            amount BIGINT NOT NULL CHECK (amount > 0),
            currency CHAR(3) NOT NULL,
            status TEXT NOT NULL CHECK (status IN ('processing','succeeded','failed')),
            idempotency_key TEXT NOT NULL,
            failure_reason TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE UNIQUE INDEX IF NOT EXISTS payouts_one_active_idx ON payouts (milestone_id) WHERE status <> 'failed'`,
		`CREATE INDEX IF NOT EXISTS payouts_deal_idx ON payouts (deal_id, created_at)`,
	)
}

// ensureDisputesTable creates disputes. milestone_id is empty for a
// deal-level dispute; one open dispute per scope.
func ensureDisputesTable(ctx context.Context, pool *pgxpool.Pool) error {
	return execAll(ctx, pool, `
        CREATE TABLE IF NOT EXISTS disputes (
            id TEXT PRIMARY KEY,
            deal_id TEXT NOT NULL REFERENCES deals(id) ON DELETE CASCADE,
            milestone_id TEXT NOT NULL DEFAULT '',
            raised_by TEXT NOT NULL,
            reason TEXT NOT NULL,
            state TEXT NOT NULL CHECK (state IN ('open','resolved')),
            outcome TEXT NOT NULL DEFAULT '',
            resolution TEXT NOT NULL DEFAULT '',
            pending_outcome TEXT NOT NULL DEFAULT '',
            prior_deal_state TEXT NOT NULL DEFAULT '',
            prior_milestone_state TEXT NOT NULL DEFAULT '',
            resolved_by TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL,
            resolved_at TIMESTAMPTZ
        )`,
		`CREATE UNIQUE INDEX IF NOT EXISTS disputes_open_scope_idx ON disputes (deal_id, milestone_id) WHERE state = 'open'`,
	)
}

// ensureEventsTable creates the append-only audit log, which doubles as the
// outbox for the event publisher.
func ensureEventsTable(ctx context.Context, pool *pgxpool.Pool) error {
	return execAll(ctx, pool, `
        CREATE TABLE IF NOT EXISTS settlement_events (
            seq BIGSERIAL PRIMARY KEY,
            id TEXT NOT NULL UNIQUE,
            deal_id TEXT NOT NULL,
            milestone_id TEXT NOT NULL DEFAULT '',
            actor_id TEXT NOT NULL,
            actor_role TEXT NOT NULL,
            operation TEXT NOT NULL,
            entity TEXT NOT NULL,
            before_state TEXT NOT NULL DEFAULT '',
            after_state TEXT NOT NULL,
            payload_kind TEXT NOT NULL,
            payload JSONB NOT NULL,
            occurred_at TIMESTAMPTZ NOT NULL,
            published_at TIMESTAMPTZ,
            attempts INT NOT NULL DEFAULT 0,
            next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            last_error TEXT NOT NULL DEFAULT ''
        )`,
		`CREATE INDEX IF NOT EXISTS settlement_events_deal_idx ON settlement_events (deal_id, seq)`,
		`CREATE INDEX IF NOT EXISTS settlement_events_unpublished_idx ON settlement_events (next_attempt_at) WHERE published_at IS NULL`,
	)
}

// ensureLedgerTables creates the wallet rail used by the ledger escrow provider.
func ensureLedgerTables(ctx context.Context, pool *pgxpool.Pool) error {
	return execAll(ctx, pool, `
        CREATE TABLE IF NOT EXISTS wallets (
            user_id TEXT PRIMARY KEY,
            balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
            escrow BIGINT NOT NULL DEFAULT 0 CHECK (escrow >= 0),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`, `
        CREATE TABLE IF NOT EXISTS escrow_accounts (
            ref TEXT PRIMARY KEY,
            deal_id TEXT NOT NULL UNIQUE,
            currency CHAR(3) NOT NULL,
            payer_id TEXT NOT NULL DEFAULT '',
            funded BIGINT NOT NULL DEFAULT 0,
            released BIGINT NOT NULL DEFAULT 0,
            refunded BIGINT NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'unfunded',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CONSTRAINT escrow_accounts_balance_chk CHECK (released + refunded <= funded)
        )`, `
        CREATE TABLE IF NOT EXISTS wallet_transactions (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            escrow_ref TEXT NOT NULL DEFAULT '',
            amount BIGINT NOT NULL,
            type TEXT NOT NULL CHECK (type IN ('credit','escrow_fund','escrow_release','escrow_refund')),
            reference TEXT NOT NULL DEFAULT '',
            idempotency_key TEXT UNIQUE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`,
		`CREATE INDEX IF NOT EXISTS wallet_transactions_user_idx ON wallet_transactions (user_id, created_at DESC)`,
	)
}
