package settlement_test

import (
	"testing"

	"github.com/sudo-init-do/dealhub/internal/escrow/memrail"
	"github.com/sudo-init-do/dealhub/internal/settlement"
)

func amount(n int64) *int64 { return &n }

func TestFullRefundExcludesReleasedMilestones(t *testing.T) {
	f := newFixture(t)
	d := f.fundedDeal(150000, 100000)
	m1, m2 := d.Milestones[0], d.Milestones[1]
	f.submit(d.ID, m1.ID)
	if _, err := f.engine.ApproveMilestone(f.ctx, brand, d.ID, m1.ID); err != nil {
		t.Fatal(err)
	}

	_, err := f.engine.RefundDeal(f.ctx, brand, d.ID, settlement.RefundInput{})
	wantKind(t, err, settlement.KindForbidden)

	got, err := f.engine.RefundDeal(f.ctx, creator, d.ID, settlement.RefundInput{Reason: "cannot finish"})
	if err != nil {
		t.Fatalf("RefundDeal: %v", err)
	}
	if got.State != settlement.DealRefunded || got.CompletedAt == nil {
		t.Errorf("deal = %s", got.State)
	}
	if got.RefundedAmount != 100000 {
		t.Errorf("refunded %d, want only the unreleased 100000", got.RefundedAmount)
	}
	if got.Milestone(m1.ID).State != settlement.MilestoneReleased {
		t.Errorf("released milestone changed to %s", got.Milestone(m1.ID).State)
	}
	if got.Milestone(m2.ID).State != settlement.MilestoneRefunded || got.Milestone(m2.ID).RefundedAt == nil {
		t.Errorf("m2 = %s", got.Milestone(m2.ID).State)
	}
	if bal := f.provider.Balance(got.EscrowRef); bal != 0 {
		t.Errorf("escrow still holds %d", bal)
	}
	f.checkConservation(d.ID)

	_, err = f.engine.RefundDeal(f.ctx, admin, d.ID, settlement.RefundInput{})
	wantKind(t, err, settlement.KindGuard)
}

func TestPartialRefundShrinksBalance(t *testing.T) {
	f := newFixture(t)
	d := f.fundedDeal(150000, 100000)
	m1, m2 := d.Milestones[0], d.Milestones[1]

	got, err := f.engine.RefundDeal(f.ctx, admin, d.ID, settlement.RefundInput{Amount: amount(120000)})
	if err != nil {
		t.Fatalf("RefundDeal: %v", err)
	}
	if got.State != settlement.DealFunded || got.RefundedAmount != 120000 || got.EscrowBalance() != 130000 {
		t.Errorf("deal = %s refunded %d balance %d", got.State, got.RefundedAmount, got.EscrowBalance())
	}
	f.checkConservation(d.ID)

	_, err = f.engine.RefundDeal(f.ctx, admin, d.ID, settlement.RefundInput{Amount: amount(130001)})
	wantKind(t, err, settlement.KindGuard)

	// 150000 no longer fits in escrow
	f.submit(d.ID, m1.ID)
	_, err = f.engine.ApproveMilestone(f.ctx, brand, d.ID, m1.ID)
	wantKind(t, err, settlement.KindGuard)
	if n := len(f.provider.Releases()); n != 0 {
		t.Errorf("provider paid %d times", n)
	}

	f.submit(d.ID, m2.ID)
	if _, err := f.engine.ApproveMilestone(f.ctx, brand, d.ID, m2.ID); err != nil {
		t.Fatalf("approve m2: %v", err)
	}
	f.checkConservation(d.ID)
}

func TestRefundValidation(t *testing.T) {
	f := newFixture(t)
	d := f.fundedDeal(500)

	_, err := f.engine.RefundDeal(f.ctx, admin, d.ID, settlement.RefundInput{Amount: amount(0)})
	wantKind(t, err, settlement.KindValidation)
	_, err = f.engine.RefundDeal(f.ctx, admin, d.ID, settlement.RefundInput{Amount: amount(10), MilestoneID: d.Milestones[0].ID})
	wantKind(t, err, settlement.KindValidation)

	draft := f.createDeal(500)
	_, err = f.engine.RefundDeal(f.ctx, admin, draft.ID, settlement.RefundInput{})
	wantKind(t, err, settlement.KindGuard)
}

func TestRefundProviderFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	d := f.fundedDeal(800, 200)

	f.provider.FailNext(memrail.MethodRefund, memrail.ErrPermanent)
	_, err := f.engine.RefundDeal(f.ctx, admin, d.ID, settlement.RefundInput{MilestoneID: d.Milestones[1].ID})
	wantKind(t, err, settlement.KindProviderPermanent)

	got := f.deal(d.ID)
	if got.State != settlement.DealFunded || got.RefundedAmount != 0 || got.PendingOp != settlement.PendingNone {
		t.Errorf("deal after failed refund = %s refunded %d claim %q", got.State, got.RefundedAmount, got.PendingOp)
	}
	if st := got.Milestones[1].State; st != settlement.MilestonePending {
		t.Errorf("milestone = %s", st)
	}

	got, err = f.engine.RefundDeal(f.ctx, admin, d.ID, settlement.RefundInput{MilestoneID: d.Milestones[1].ID})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.Milestones[1].State != settlement.MilestoneRefunded || got.State != settlement.DealFunded {
		t.Errorf("after milestone refund: deal %s milestone %s", got.State, got.Milestones[1].State)
	}
	f.checkConservation(d.ID)
}

func TestRefundLostResponseIsNotRepeated(t *testing.T) {
	f := newFixture(t)
	d := f.fundedDeal(800, 200)
	f.provider.RefundAppliesThenFails = true
	f.provider.FailNext(memrail.MethodRefund, memrail.ErrTransient)

	_, err := f.engine.RefundDeal(f.ctx, admin, d.ID, settlement.RefundInput{Amount: amount(300)})
	wantKind(t, err, settlement.KindProviderTransient)
	pending := f.deal(d.ID)
	if !pending.RefundIntent.Open() || pending.RefundIntent.Amount != 300 || pending.PendingOp != settlement.PendingNone {
		t.Fatalf("after lost response: intent %+v claim %q", pending.RefundIntent, pending.PendingOp)
	}

	got, err := f.engine.RefundDeal(f.ctx, admin, d.ID, settlement.RefundInput{Amount: amount(300)})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.RefundedAmount != 300 || got.EscrowBalance() != 700 || got.RefundIntent.Open() {
		t.Errorf("deal refunded %d balance %d intent %+v", got.RefundedAmount, got.EscrowBalance(), got.RefundIntent)
	}
	if bal := f.provider.Balance(got.EscrowRef); bal != 700 {
		t.Errorf("provider balance = %d, want 700", bal)
	}
	refunds := f.provider.Refunds()
	if len(refunds) != 1 || refunds[0].Key != pending.RefundIntent.Key {
		t.Errorf("provider refunds = %+v", refunds)
	}
	f.checkConservation(d.ID)
}

func TestFullRefundLostResponseIsReconciled(t *testing.T) {
	f := newFixture(t)
	d := f.fundedDeal(800, 200)
	f.provider.RefundAppliesThenFails = true
	f.provider.FailNext(memrail.MethodRefund, memrail.ErrTransient)

	_, err := f.engine.RefundDeal(f.ctx, admin, d.ID, settlement.RefundInput{})
	wantKind(t, err, settlement.KindProviderTransient)

	got, err := f.engine.RefundDeal(f.ctx, admin, d.ID, settlement.RefundInput{})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.State != settlement.DealRefunded || got.RefundedAmount != 1000 {
		t.Errorf("deal = %s refunded %d", got.State, got.RefundedAmount)
	}
	if n := f.provider.Calls(memrail.MethodRefund); n != 1 {
		t.Errorf("RefundToBrand called %d times, want 1 (money already moved)", n)
	}
	evs := f.store.Events()
	last := evs[len(evs)-1].Payload.(settlement.RefundedPayload)
	if !last.Reconciled || !last.Full {
		t.Errorf("refund event = %+v", last)
	}
	f.checkConservation(d.ID)
}

func TestNewRefundFinishesLostOneFirst(t *testing.T) {
	f := newFixture(t)
	d := f.fundedDeal(800, 200)
	f.provider.RefundAppliesThenFails = true
	f.provider.FailNext(memrail.MethodRefund, memrail.ErrTransient)

	_, err := f.engine.RefundDeal(f.ctx, admin, d.ID, settlement.RefundInput{Amount: amount(300)})
	wantKind(t, err, settlement.KindProviderTransient)

	got, err := f.engine.RefundDeal(f.ctx, admin, d.ID, settlement.RefundInput{MilestoneID: d.Milestones[1].ID})
	if err != nil {
		t.Fatalf("milestone refund: %v", err)
	}
	if got.RefundedAmount != 500 || got.Milestones[1].State != settlement.MilestoneRefunded {
		t.Errorf("deal refunded %d milestone %s", got.RefundedAmount, got.Milestones[1].State)
	}
	if n := len(f.provider.Refunds()); n != 2 {
		t.Errorf("provider moved money %d times, want 2", n)
	}
	f.checkConservation(d.ID)
}
