package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakeReader struct {
	wallets map[string]*Wallet
	txs     []Transaction
	limit   int
}

func (f *fakeReader) Wallet(_ context.Context, userID string) (*Wallet, error) {
	w, ok := f.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return w, nil
}

func (f *fakeReader) Transactions(_ context.Context, userID string, limit int) ([]Transaction, error) {
	f.limit = limit
	var out []Transaction
	for _, t := range f.txs {
		if userID == "" || t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func serve(h echo.HandlerFunc, target, userID string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if userID != "" {
		c.Set("user_id", userID)
	}
	_ = h(c)
	return rec
}

func TestBalance(t *testing.T) {
	h := NewHandler(&fakeReader{wallets: map[string]*Wallet{"u1": {UserID: "u1", Balance: 5000, Escrow: 1200}}})

	tests := []struct {
		name   string
		userID string
		want   int
	}{
		{"own wallet", "u1", http.StatusOK},
		{"no wallet", "u2", http.StatusNotFound},
		{"anonymous", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h.Balance, "/wallet", tt.userID)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := serve(h.Balance, "/wallet", "u1")
	var w Wallet
	if err := json.Unmarshal(rec.Body.Bytes(), &w); err != nil {
		t.Fatal(err)
	}
	if w.Balance != 5000 || w.Escrow != 1200 {
		t.Errorf("wallet = %+v", w)
	}
}

func TestTransactionsScopedToCaller(t *testing.T) {
	r := &fakeReader{txs: []Transaction{
		{ID: "t1", UserID: "u1", Amount: -300, Type: TxEscrowFund},
		{ID: "t2", UserID: "u2", Amount: 300, Type: TxEscrowRelease},
	}}
	h := NewHandler(r)

	rec := serve(h.Transactions, "/wallet/transactions?limit=20", "u1")
	var body struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Transactions) != 1 || body.Transactions[0].ID != "t1" {
		t.Errorf("transactions = %+v", body.Transactions)
	}
	if r.limit != 20 {
		t.Errorf("limit = %d", r.limit)
	}

	rec = serve(h.AdminTransactions, "/admin/transactions", "admin")
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Transactions) != 2 {
		t.Errorf("admin sees %d transactions", len(body.Transactions))
	}
}
