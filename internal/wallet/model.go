package wallet

import "time"

type Wallet struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	Escrow    int64     `json:"escrow"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is one wallet movement. Amount is negative for money leaving
// the wallet.
type Transaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	EscrowRef string    `json:"escrow_ref,omitempty"`
	Amount    int64     `json:"amount"`
	Type      string    `json:"type"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
