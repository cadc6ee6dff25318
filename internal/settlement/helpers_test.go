package settlement_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sudo-init-do/dealhub/internal/escrow/memrail"
	"github.com/sudo-init-do/dealhub/internal/settlement"
	"github.com/sudo-init-do/dealhub/internal/settlement/memstore"
)

var (
	brand    = settlement.Actor{ID: "brand-1", Role: settlement.RoleBrand}
	creator  = settlement.Actor{ID: "creator-1", Role: settlement.RoleCreator}
	admin    = settlement.Actor{ID: "admin-1", Role: settlement.RoleAdmin}
	stranger = settlement.Actor{ID: "creator-9", Role: settlement.RoleCreator}
)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *memstore.Store
	provider *memrail.Provider
	engine   *settlement.Engine
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    memstore.New(),
		provider: memrail.New(),
		now:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	f.engine = settlement.NewEngine(f.store, f.provider, zaptest.NewLogger(t),
		settlement.WithClock(func() time.Time { return f.now }),
	)
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) createDeal(amounts ...int64) *settlement.Deal {
	f.t.Helper()
	in := settlement.CreateDealInput{
		ProjectID: "proj-1",
		CreatorID: creator.ID,
		Title:     "Spring campaign",
		Currency:  "usd",
	}
	for i, a := range amounts {
		in.Milestones = append(in.Milestones, settlement.MilestoneInput{Title: "part " + string(rune('A'+i)), Amount: a})
		in.TotalAmount += a
	}
	d, err := f.engine.CreateDeal(f.ctx, brand, in)
	if err != nil {
		f.t.Fatalf("CreateDeal: %v", err)
	}
	return d
}

// fundedDeal returns a deal that has been accepted and funded.
func (f *fixture) fundedDeal(amounts ...int64) *settlement.Deal {
	f.t.Helper()
	d := f.createDeal(amounts...)
	if _, err := f.engine.AcceptDeal(f.ctx, creator, d.ID); err != nil {
		f.t.Fatalf("AcceptDeal: %v", err)
	}
	d, err := f.engine.FundDeal(f.ctx, brand, d.ID)
	if err != nil {
		f.t.Fatalf("FundDeal: %v", err)
	}
	return d
}

func (f *fixture) submit(dealID, milestoneID string) {
	f.t.Helper()
	_, err := f.engine.SubmitDeliverable(f.ctx, creator, dealID, milestoneID, settlement.DeliverableInput{
		ContentRef: "https://cdn.example.test/" + milestoneID + ".mp4",
		Checks:     map[string]any{"duration_ok": true},
	})
	if err != nil {
		f.t.Fatalf("SubmitDeliverable: %v", err)
	}
}

func (f *fixture) deal(id string) *settlement.Deal {
	f.t.Helper()
	d, err := f.store.GetDeal(f.ctx, id)
	if err != nil {
		f.t.Fatalf("GetDeal: %v", err)
	}
	return d
}

func (f *fixture) payouts(dealID string, status settlement.PayoutStatus) []*settlement.Payout {
	f.t.Helper()
	all, err := f.store.ListPayouts(f.ctx, dealID)
	if err != nil {
		f.t.Fatalf("ListPayouts: %v", err)
	}
	var out []*settlement.Payout
	for _, p := range all {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out
}

// checkConservation asserts the money invariants that must hold after every operation.
func (f *fixture) checkConservation(dealID string) {
	f.t.Helper()
	d := f.deal(dealID)
	var sum int64
	for _, m := range d.Milestones {
		sum += m.Amount
		if n := len(f.milestonePayouts(d.ID, m.ID)); n > 1 {
			f.t.Errorf("milestone %s has %d succeeded payouts", m.ID, n)
		}
	}
	if sum != d.TotalAmount {
		f.t.Errorf("total %d != milestone sum %d", d.TotalAmount, sum)
	}
	if d.ReleasedAmount()+d.RefundedAmount > d.TotalAmount {
		f.t.Errorf("released %d + refunded %d exceeds total %d", d.ReleasedAmount(), d.RefundedAmount, d.TotalAmount)
	}
	if d.State.HasEscrow() && f.provider.Balance(d.EscrowRef) != d.EscrowBalance() {
		f.t.Errorf("provider balance %d != engine balance %d", f.provider.Balance(d.EscrowRef), d.EscrowBalance())
	}
}

func (f *fixture) milestonePayouts(dealID, milestoneID string) []*settlement.Payout {
	var out []*settlement.Payout
	for _, p := range f.payouts(dealID, settlement.PayoutSucceeded) {
		if p.MilestoneID == milestoneID {
			out = append(out, p)
		}
	}
	return out
}

func wantKind(t *testing.T, err error, want settlement.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", want)
	}
	if got := settlement.KindOf(err); got != want {
		t.Fatalf("kind = %s, want %s (err: %v)", got, want, err)
	}
}

func eventsFor(store *memstore.Store, milestoneID string) []*settlement.Event {
	var out []*settlement.Event
	for _, ev := range store.Events() {
		if ev.MilestoneID == milestoneID {
			out = append(out, ev)
		}
	}
	return out
}
