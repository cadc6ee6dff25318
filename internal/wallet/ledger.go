// Package wallet is the internal money rail: user wallets and escrow accounts
// kept in Postgres. Ledger implements settlement.EscrowProvider on top of it.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sudo-init-do/dealhub/internal/settlement"
)

const (
	TxCredit        = "credit"
	TxEscrowFund    = "escrow_fund"
	TxEscrowRelease = "escrow_release"
	TxEscrowRefund  = "escrow_refund"
)

// Ledger moves money between wallets and escrow accounts. Every method runs
// in one Postgres transaction, so a failure moves nothing.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

var _ settlement.EscrowProvider = (*Ledger)(nil)

func permanent(method, code string, format string, args ...any) error {
	return &settlement.ProviderError{Method: method, Code: code, Err: fmt.Errorf(format, args...)}
}

type escrowAccount struct {
	ref      string
	payerID  string
	funded   int64
	released int64
	refunded int64
	status   settlement.EscrowStatus
}

func (a escrowAccount) balance() int64 { return a.funded - a.released - a.refunded }

func lockAccount(ctx context.Context, tx pgx.Tx, method, ref string) (*escrowAccount, error) {
	a := escrowAccount{ref: ref}
	var status string
	err := tx.QueryRow(ctx, `
        SELECT payer_id, funded, released, refunded, status
        FROM escrow_accounts WHERE ref = $1 FOR UPDATE`, ref).
		Scan(&a.payerID, &a.funded, &a.released, &a.refunded, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, permanent(method, "escrow_not_found", "escrow %s not found", ref)
	}
	if err != nil {
		return nil, err
	}
	a.status = settlement.EscrowStatus(status)
	return &a, nil
}

// CreateEscrow opens one escrow account per deal; a repeat call returns the
// existing reference.
func (l *Ledger) CreateEscrow(ctx context.Context, dealID, currency string) (string, error) {
	var ref string
	err := l.pool.QueryRow(ctx, `
        INSERT INTO escrow_accounts (ref, deal_id, currency)
        VALUES ($1, $2, $3)
        ON CONFLICT (deal_id) DO UPDATE SET updated_at = NOW()
        RETURNING ref`, "esc_"+uuid.NewString(), dealID, currency).Scan(&ref)
	if err != nil {
		return "", fmt.Errorf("create escrow: %w", err)
	}
	return ref, nil
}

// FundEscrow moves amount from the payer's balance into escrow.
func (l *Ledger) FundEscrow(ctx context.Context, escrowRef string, amount int64, payerID string) (string, error) {
	const method = "FundEscrow"
	var txID string
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		a, err := lockAccount(ctx, tx, method, escrowRef)
		if err != nil {
			return err
		}
		if a.status != settlement.EscrowUnfunded {
			return permanent(method, "already_funded", "escrow %s is %s", escrowRef, a.status)
		}

		tag, err := tx.Exec(ctx, `
            UPDATE wallets SET balance = balance - $1, escrow = escrow + $1, updated_at = NOW()
            WHERE user_id = $2 AND balance >= $1`, amount, payerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return permanent(method, "insufficient_funds", "wallet %s cannot cover %d", payerID, amount)
		}

		if _, err := tx.Exec(ctx, `
            UPDATE escrow_accounts SET payer_id = $2, funded = $3, status = 'funded', updated_at = NOW()
            WHERE ref = $1`, escrowRef, payerID, amount); err != nil {
			return err
		}
		txID, err = recordTx(ctx, tx, payerID, escrowRef, -amount, TxEscrowFund, "", "")
		return err
	})
	if err != nil {
		return "", err
	}
	return txID, nil
}

// ReleaseToCreator pays out of escrow into the payee's wallet. A repeated
// metadata["idempotency_key"] returns the original transaction.
func (l *Ledger) ReleaseToCreator(ctx context.Context, escrowRef string, amount int64, payeeID string, metadata map[string]string) (string, error) {
	const method = "ReleaseToCreator"
	key := metadata["idempotency_key"]

	if key != "" {
		if id, ok, err := l.txByKey(ctx, key); err != nil || ok {
			return id, err
		}
	}

	var txID string
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		a, err := lockAccount(ctx, tx, method, escrowRef)
		if err != nil {
			return err
		}
		if a.status == settlement.EscrowUnfunded {
			return permanent(method, "not_funded", "escrow %s is not funded", escrowRef)
		}
		if amount > a.balance() {
			return permanent(method, "insufficient_escrow", "escrow %s holds %d, release needs %d", escrowRef, a.balance(), amount)
		}

		if _, err := tx.Exec(ctx, `
            UPDATE wallets SET escrow = escrow - $1, updated_at = NOW()
            WHERE user_id = $2`, amount, a.payerID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
            INSERT INTO wallets (user_id, balance) VALUES ($1, $2)
            ON CONFLICT (user_id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = NOW()`,
			payeeID, amount); err != nil {
			return err
		}

		status := settlement.EscrowFunded
		if a.balance()-amount == 0 {
			status = settlement.EscrowReleased
		}
		if _, err := tx.Exec(ctx, `
            UPDATE escrow_accounts SET released = released + $2, status = $3, updated_at = NOW()
            WHERE ref = $1`, escrowRef, amount, string(status)); err != nil {
			return err
		}
		txID, err = recordTx(ctx, tx, payeeID, escrowRef, amount, TxEscrowRelease, metadata["milestone_id"], key)
		return err
	})
	if err != nil {
		// lost a race on the same key: the other call paid
		var pgErr *pgconn.PgError
		if key != "" && errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if id, ok, lookupErr := l.txByKey(ctx, key); lookupErr == nil && ok {
				return id, nil
			}
		}
		return "", err
	}
	return txID, nil
}

// RefundToBrand returns amount, or the whole remaining balance when amount
// is nil, to the payer. Keys dedupe the same way ReleaseToCreator does.
func (l *Ledger) RefundToBrand(ctx context.Context, escrowRef string, amount *int64, metadata map[string]string) (string, error) {
	const method = "RefundToBrand"
	key := metadata["idempotency_key"]

	if key != "" {
		if id, ok, err := l.txByKey(ctx, key); err != nil || ok {
			return id, err
		}
	}

	var txID string
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		a, err := lockAccount(ctx, tx, method, escrowRef)
		if err != nil {
			return err
		}
		if a.status == settlement.EscrowUnfunded {
			return permanent(method, "not_funded", "escrow %s is not funded", escrowRef)
		}
		amt := a.balance()
		if amount != nil {
			amt = *amount
		}
		if amt <= 0 || amt > a.balance() {
			return permanent(method, "invalid_amount", "escrow %s holds %d, refund asks %d", escrowRef, a.balance(), amt)
		}

		if _, err := tx.Exec(ctx, `
            UPDATE wallets SET escrow = escrow - $1, balance = balance + $1, updated_at = NOW()
            WHERE user_id = $2`, amt, a.payerID); err != nil {
			return err
		}
		status := settlement.EscrowFunded
		if a.balance()-amt == 0 {
			status = settlement.EscrowRefunded
		}
		if _, err := tx.Exec(ctx, `
            UPDATE escrow_accounts SET refunded = refunded + $2, status = $3, updated_at = NOW()
            WHERE ref = $1`, escrowRef, amt, string(status)); err != nil {
			return err
		}
		txID, err = recordTx(ctx, tx, a.payerID, escrowRef, amt, TxEscrowRefund, metadata["milestone_id"], key)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if key != "" && errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if id, ok, lookupErr := l.txByKey(ctx, key); lookupErr == nil && ok {
				return id, nil
			}
		}
		return "", err
	}
	return txID, nil
}

func (l *Ledger) GetStatus(ctx context.Context, escrowRef string) (settlement.EscrowStatus, error) {
	var status string
	err := l.pool.QueryRow(ctx, `SELECT status FROM escrow_accounts WHERE ref = $1`, escrowRef).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", permanent("GetStatus", "escrow_not_found", "escrow %s not found", escrowRef)
	}
	if err != nil {
		return "", err
	}
	return settlement.EscrowStatus(status), nil
}

func (l *Ledger) txByKey(ctx context.Context, key string) (string, bool, error) {
	var id string
	err := l.pool.QueryRow(ctx, `SELECT id FROM wallet_transactions WHERE idempotency_key = $1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func recordTx(ctx context.Context, tx pgx.Tx, userID, escrowRef string, amount int64, kind, reference, key string) (string, error) {
	id := uuid.NewString()
	var idemKey *string
	if key != "" {
		idemKey = &key
	}
	_, err := tx.Exec(ctx, `
        INSERT INTO wallet_transactions (id, user_id, escrow_ref, amount, type, reference, idempotency_key)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, userID, escrowRef, amount, kind, reference, idemKey)
	if err != nil {
		return "", err
	}
	return id, nil
}
