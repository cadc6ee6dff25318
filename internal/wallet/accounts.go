package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var ErrWalletNotFound = errors.New("wallet not found")

func (l *Ledger) Wallet(ctx context.Context, userID string) (*Wallet, error) {
	var w Wallet
	err := l.pool.QueryRow(ctx, `
        SELECT user_id, balance, escrow, updated_at FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.UserID, &w.Balance, &w.Escrow, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

// Transactions lists a user's movements, newest first. An empty userID
// lists everyone's.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx, `
        SELECT id, user_id, escrow_ref, amount, type, reference, created_at
        FROM wallet_transactions
        WHERE $1 = '' OR user_id = $1
        ORDER BY created_at DESC
        LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	txs := []Transaction{}
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.EscrowRef, &t.Amount, &t.Type, &t.Reference, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Credit adds funds to a wallet, creating it if needed. reference is
// recorded on the transaction and also used as its idempotency key.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reference string) (*Wallet, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if reference != "" {
			var seen bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallet_transactions WHERE idempotency_key = $1)`,
				reference).Scan(&seen); err != nil {
				return err
			}
			if seen {
				return nil
			}
		}
		if _, err := tx.Exec(ctx, `
            INSERT INTO wallets (user_id, balance) VALUES ($1, $2)
            ON CONFLICT (user_id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = NOW()`,
			userID, amount); err != nil {
			return err
		}
		_, err := recordTx(ctx, tx, userID, "", amount, TxCredit, reference, reference)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("credit wallet: %w", err)
	}
	return l.Wallet(ctx, userID)
}
