package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap/zaptest"

	"github.com/sudo-init-do/dealhub/internal/escrow/memrail"
	"github.com/sudo-init-do/dealhub/internal/settlement"
)

// testPool connects to DEALHUB_TEST_DSN or skips.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DEALHUB_TEST_DSN")
	if dsn == "" {
		t.Skip("DEALHUB_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := EnsureSchema(ctx, pool, zaptest.NewLogger(t)); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return pool
}

func TestStoreSettlesDeal(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewStore(pool)
	provider := memrail.New()
	engine := settlement.NewEngine(store, provider, zaptest.NewLogger(t))

	brand := settlement.Actor{ID: "brand-" + t.Name(), Role: settlement.RoleBrand}
	creator := settlement.Actor{ID: "creator-" + t.Name(), Role: settlement.RoleCreator}

	d, err := engine.CreateDeal(ctx, brand, settlement.CreateDealInput{
		ProjectID:   "proj",
		CreatorID:   creator.ID,
		Title:       "launch video",
		Currency:    "EUR",
		TotalAmount: 5000,
		Milestones: []settlement.MilestoneInput{
			{Title: "draft", Amount: 2000},
			{Title: "final", Amount: 3000},
		},
	})
	if err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if _, err := engine.AcceptDeal(ctx, creator, d.ID); err != nil {
		t.Fatalf("AcceptDeal: %v", err)
	}
	if _, err := engine.FundDeal(ctx, brand, d.ID); err != nil {
		t.Fatalf("FundDeal: %v", err)
	}
	for _, m := range d.Milestones {
		if _, err := engine.SubmitDeliverable(ctx, creator, d.ID, m.ID, settlement.DeliverableInput{
			ContentRef: "s3://bucket/" + m.ID,
			Checks:     map[string]any{"resolution": "1080p"},
		}); err != nil {
			t.Fatalf("SubmitDeliverable: %v", err)
		}
		if _, err := engine.ApproveMilestone(ctx, brand, d.ID, m.ID); err != nil {
			t.Fatalf("ApproveMilestone: %v", err)
		}
	}

	got, err := store.GetDeal(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != settlement.DealReleased || got.EscrowBalance() != 0 || len(got.Milestones) != 2 {
		t.Errorf("deal = %s balance %d milestones %d", got.State, got.EscrowBalance(), len(got.Milestones))
	}
	payouts, err := store.ListPayouts(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(payouts) != 2 {
		t.Errorf("payouts = %d", len(payouts))
	}
	dl, err := store.LatestDeliverable(ctx, d.Milestones[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if dl.Checks["resolution"] != "1080p" {
		t.Errorf("checks = %v", dl.Checks)
	}

	var events int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM settlement_events WHERE deal_id = $1`, d.ID).Scan(&events); err != nil {
		t.Fatal(err)
	}
	// create, accept, fund, 2x(submit, approve, release), settle
	if events != 10 {
		t.Errorf("events = %d, want 10", events)
	}
}

func TestStoreConstraints(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewStore(pool)
	now := time.Now().UTC()

	deal := &settlement.Deal{
		ID: "deal-" + now.Format("150405.000000"), BrandID: "b", Currency: "USD", TotalAmount: 100,
		State: settlement.DealDraft, Version: 1, CreatedAt: now, UpdatedAt: now,
		Milestones: []*settlement.Milestone{{ID: "m-" + now.Format("150405.000000"), Position: 1, Amount: 100, State: settlement.MilestonePending}},
	}
	deal.Milestones[0].DealID = deal.ID
	if err := store.WithTx(ctx, func(tx settlement.Tx) error { return tx.InsertDeal(ctx, deal) }); err != nil {
		t.Fatalf("InsertDeal: %v", err)
	}

	stale := deal.Clone()
	deal.RefundIntent = settlement.RefundIntent{Key: "refund-key", Amount: 40}
	if err := store.WithTx(ctx, func(tx settlement.Tx) error { return tx.SaveDeal(ctx, deal) }); err != nil {
		t.Fatalf("SaveDeal: %v", err)
	}
	saved, err := store.GetDeal(ctx, deal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.RefundIntent != deal.RefundIntent {
		t.Errorf("refund intent = %+v, want %+v", saved.RefundIntent, deal.RefundIntent)
	}
	err = store.WithTx(ctx, func(tx settlement.Tx) error { return tx.SaveDeal(ctx, stale) })
	if !errors.Is(err, settlement.ErrStaleVersion) {
		t.Errorf("stale save = %v", err)
	}

	_, err = store.GetDeal(ctx, "missing-deal")
	if !errors.Is(err, settlement.ErrNotFound) {
		t.Errorf("missing deal = %v", err)
	}

	payout := func(id string) *settlement.Payout {
		return &settlement.Payout{
			ID: id, DealID: deal.ID, MilestoneID: deal.Milestones[0].ID, Amount: 100, Currency: "USD",
			Status: settlement.PayoutProcessing, IdempotencyKey: "k", CreatedAt: now, UpdatedAt: now,
		}
	}
	if err := store.WithTx(ctx, func(tx settlement.Tx) error { return tx.InsertPayout(ctx, payout(deal.ID+"-p1")) }); err != nil {
		t.Fatalf("InsertPayout: %v", err)
	}
	err = store.WithTx(ctx, func(tx settlement.Tx) error { return tx.InsertPayout(ctx, payout(deal.ID+"-p2")) })
	if !errors.Is(err, settlement.ErrDuplicate) {
		t.Errorf("second active payout = %v", err)
	}
}
