package settlement_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sudo-init-do/dealhub/internal/escrow/memrail"
	"github.com/sudo-init-do/dealhub/internal/settlement"
)

func TestReleaseLifecycle(t *testing.T) {
	f := newFixture(t)
	d := f.fundedDeal(150000, 100000)
	m1, m2 := d.Milestones[0], d.Milestones[1]

	f.submit(d.ID, m1.ID)
	p, err := f.engine.ApproveMilestone(f.ctx, brand, d.ID, m1.ID)
	if err != nil {
		t.Fatalf("ApproveMilestone: %v", err)
	}
	if p.Status != settlement.PayoutSucceeded || p.Amount != 150000 {
		t.Errorf("payout = %+v", p)
	}
	got := f.deal(d.ID)
	if got.Milestone(m1.ID).State != settlement.MilestoneReleased {
		t.Errorf("m1 state = %s", got.Milestone(m1.ID).State)
	}
	if got.Milestone(m1.ID).ReleasedAt == nil || got.Milestone(m1.ID).ApprovedAt == nil {
		t.Error("release timestamps not set")
	}
	if got.State != settlement.DealFunded || got.CompletedAt != nil {
		t.Errorf("deal state after first release = %s", got.State)
	}
	f.checkConservation(d.ID)

	f.submit(d.ID, m2.ID)
	if _, err := f.engine.ApproveMilestone(f.ctx, brand, d.ID, m2.ID); err != nil {
		t.Fatalf("ApproveMilestone last: %v", err)
	}
	got = f.deal(d.ID)
	if got.State != settlement.DealReleased || got.CompletedAt == nil {
		t.Errorf("deal state = %s completedAt = %v", got.State, got.CompletedAt)
	}
	if n := len(f.payouts(d.ID, settlement.PayoutSucceeded)); n != 2 {
		t.Errorf("succeeded payouts = %d, want 2", n)
	}
	f.checkConservation(d.ID)

	releases := f.provider.Releases()
	if len(releases) != 2 {
		t.Fatalf("provider releases = %d", len(releases))
	}
	if releases[0].PayeeID != creator.ID {
		t.Errorf("paid %q", releases[0].PayeeID)
	}
	if key := releases[0].Metadata["idempotency_key"]; key != settlement.PayoutIdempotencyKey(d.ID, m1.ID) {
		t.Errorf("idempotency key = %q", key)
	}

	last := f.store.Events()[len(f.store.Events())-1]
	if last.Operation != settlement.OpSettleDeal || last.After != string(settlement.DealReleased) {
		t.Errorf("last event = %s %s->%s", last.Operation, last.Before, last.After)
	}
}

func TestApproveGuards(t *testing.T) {
	f := newFixture(t)
	d := f.fundedDeal(500, 700)
	m1 := d.Milestones[0]

	_, err := f.engine.ApproveMilestone(f.ctx, brand, d.ID, m1.ID)
	wantKind(t, err, settlement.KindGuard) // still pending

	f.submit(d.ID, m1.ID)
	_, err = f.engine.ApproveMilestone(f.ctx, creator, d.ID, m1.ID)
	wantKind(t, err, settlement.KindForbidden)

	if _, err := f.engine.ApproveMilestone(f.ctx, brand, d.ID, m1.ID); err != nil {
		t.Fatal(err)
	}
	_, err = f.engine.ApproveMilestone(f.ctx, brand, d.ID, m1.ID)
	wantKind(t, err, settlement.KindGuard) // released never moves again

	_, err = f.engine.SubmitDeliverable(f.ctx, creator, d.ID, m1.ID, settlement.DeliverableInput{ContentRef: "late"})
	wantKind(t, err, settlement.KindGuard)
}

func TestSubmitDeliverable(t *testing.T) {
	f := newFixture(t)
	d := f.createDeal(500)
	m := d.Milestones[0]

	_, err := f.engine.SubmitDeliverable(f.ctx, creator, d.ID, m.ID, settlement.DeliverableInput{ContentRef: "x"})
	wantKind(t, err, settlement.KindGuard) // deal not funded

	if _, err := f.engine.AcceptDeal(f.ctx, creator, d.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.FundDeal(f.ctx, brand, d.ID); err != nil {
		t.Fatal(err)
	}
	_, err = f.engine.SubmitDeliverable(f.ctx, creator, d.ID, m.ID, settlement.DeliverableInput{})
	wantKind(t, err, settlement.KindValidation)
	_, err = f.engine.SubmitDeliverable(f.ctx, brand, d.ID, m.ID, settlement.DeliverableInput{ContentRef: "x"})
	wantKind(t, err, settlement.KindForbidden)

	f.submit(d.ID, m.ID)
	first := f.deal(d.ID).Milestone(m.ID).SubmittedAt

	f.advance(time.Hour)
	dl, err := f.engine.SubmitDeliverable(f.ctx, creator, d.ID, m.ID, settlement.DeliverableInput{FileHash: "sha256:abc"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	got := f.deal(d.ID).Milestone(m.ID)
	if got.State != settlement.MilestoneSubmitted || !got.SubmittedAt.After(*first) {
		t.Errorf("resubmission state %s submittedAt %v (first %v)", got.State, got.SubmittedAt, first)
	}
	latest, err := f.store.LatestDeliverable(f.ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != dl.ID || latest.FileHash != "sha256:abc" {
		t.Errorf("latest deliverable = %+v", latest)
	}
}

func TestReleaseTransientFailureThenRetry(t *testing.T) {
	f := newFixture(t)
	d := f.fundedDeal(150000, 100000)
	m := d.Milestones[0]
	f.submit(d.ID, m.ID)

	f.provider.FailNext(memrail.MethodRelease, memrail.ErrTransient)
	_, err := f.engine.ApproveMilestone(f.ctx, brand, d.ID, m.ID)
	wantKind(t, err, settlement.KindProviderTransient)
	if !settlement.IsRetryable(err) {
		t.Error("transient failure not retryable")
	}

	if st := f.deal(d.ID).Milestone(m.ID).State; st != settlement.MilestoneApproved {
		t.Errorf("milestone state after failure = %s, want approved", st)
	}
	if n := len(f.payouts(d.ID, settlement.PayoutSucceeded)); n != 0 {
		t.Errorf("succeeded payouts after failure = %d", n)
	}
	if n := len(f.payouts(d.ID, settlement.PayoutFailed)); n != 1 {
		t.Errorf("failed payouts = %d, want 1", n)
	}

	p, err := f.engine.ApproveMilestone(f.ctx, brand, d.ID, m.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if p.Status != settlement.PayoutSucceeded {
		t.Errorf("payout status = %s", p.Status)
	}
	if n := len(f.milestonePayouts(d.ID, m.ID)); n != 1 {
		t.Errorf("succeeded payouts = %d, want exactly 1", n)
	}
	f.checkConservation(d.ID)
}

func TestReleasePermanentFailureKeepsApproved(t *testing.T) {
	f := newFixture(t)
	d := f.fundedDeal(900)
	m := d.Milestones[0]
	f.submit(d.ID, m.ID)

	f.provider.FailNext(memrail.MethodRelease, memrail.ErrPermanent)
	_, err := f.engine.ApproveMilestone(f.ctx, brand, d.ID, m.ID)
	wantKind(t, err, settlement.KindProviderPermanent)
	if settlement.IsRetryable(err) {
		t.Error("permanent failure reported retryable")
	}
	got := f.deal(d.ID)
	if got.Milestone(m.ID).State != settlement.MilestoneApproved || got.State != settlement.DealFunded {
		t.Errorf("state after permanent failure: deal %s milestone %s", got.State, got.Milestone(m.ID).State)
	}
}

func TestConcurrentApprovePaysOnce(t *testing.T) {
	f := newFixture(t)
	d := f.fundedDeal(150000, 100000)
	m := d.Milestones[0]
	f.submit(d.ID, m.ID)
	f.provider.BeforeRelease = func() { time.Sleep(5 * time.Millisecond) }

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		kinds   = map[settlement.Kind]int{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.ApproveMilestone(f.ctx, brand, d.ID, m.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
				return
			}
			kinds[settlement.KindOf(err)]++
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("successful approvals = %d, want 1 (others: %v)", success, kinds)
	}
	for k := range kinds {
		if k != settlement.KindConflict && k != settlement.KindGuard {
			t.Errorf("unexpected error kind %s", k)
		}
	}
	if n := len(f.provider.Releases()); n != 1 {
		t.Errorf("provider paid %d times", n)
	}
	if n := len(f.milestonePayouts(d.ID, m.ID)); n != 1 {
		t.Errorf("succeeded payouts = %d", n)
	}
	f.checkConservation(d.ID)
}

func TestApproveWhilePayoutInFlightConflicts(t *testing.T) {
	f := newFixture(t)
	d := f.fundedDeal(1000)
	m := d.Milestones[0]
	f.submit(d.ID, m.ID)

	var inner error
	f.provider.BeforeRelease = func() {
		f.provider.BeforeRelease = nil
		_, inner = f.engine.ApproveMilestone(f.ctx, brand, d.ID, m.ID)
	}
	if _, err := f.engine.ApproveMilestone(f.ctx, brand, d.ID, m.ID); err != nil {
		t.Fatalf("outer approve: %v", err)
	}
	wantKind(t, inner, settlement.KindConflict)
	if n := len(f.provider.Releases()); n != 1 {
		t.Errorf("provider paid %d times", n)
	}
}

func TestExpiredPayoutClaimNeverPaysTwice(t *testing.T) {
	f := newFixture(t)
	d := f.fundedDeal(1000, 1000)
	m := d.Milestones[0]
	f.submit(d.ID, m.ID)
	f.provider.DedupeReleases = true

	// The first attempt stalls past the claim lease; a retry takes over.
	var inner error
	f.provider.BeforeRelease = func() {
		f.provider.BeforeRelease = nil
		f.advance(settlement.DefaultClaimLease + time.Second)
		_, inner = f.engine.ApproveMilestone(f.ctx, brand, d.ID, m.ID)
	}
	_, outer := f.engine.ApproveMilestone(f.ctx, brand, d.ID, m.ID)

	if inner != nil {
		t.Fatalf("takeover approve: %v", inner)
	}
	// The stalled attempt finds the milestone already paid and fails loudly.
	wantKind(t, outer, settlement.KindInvariant)

	if n := len(f.provider.Releases()); n != 1 {
		t.Errorf("provider moved money %d times", n)
	}
	if n := len(f.milestonePayouts(d.ID, m.ID)); n != 1 {
		t.Errorf("succeeded payouts = %d", n)
	}
	if n := len(f.payouts(d.ID, settlement.PayoutFailed)); n != 1 {
		t.Errorf("failed payouts = %d, want the expired claim", n)
	}
	f.checkConservation(d.ID)
}
