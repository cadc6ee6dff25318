package settlement

var dealTransitions = map[DealState][]DealState{
	DealDraft:    {DealFunded},
	DealFunded:   {DealDisputed, DealReleased, DealRefunded},
	DealDisputed: {DealFunded, DealReleased, DealRefunded},
}

var milestoneTransitions = map[MilestoneState][]MilestoneState{
	MilestonePending:   {MilestoneSubmitted, MilestoneApproved, MilestoneRefunded},
	MilestoneSubmitted: {MilestoneSubmitted, MilestoneApproved, MilestoneDisputed, MilestoneRefunded},
	MilestoneApproved:  {MilestoneReleased, MilestoneDisputed, MilestoneRefunded},
	MilestoneDisputed:  {MilestoneSubmitted, MilestoneApproved, MilestoneReleased, MilestoneRefunded},
}

// CanTransitionDeal reports whether the deal state machine permits from -> to.
func CanTransitionDeal(from, to DealState) bool {
	for _, s := range dealTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionMilestone reports whether the milestone state machine permits from -> to.
// PENDING -> APPROVED only happens when a deal-wide dispute is
// resolved in the creator's favor.
func CanTransitionMilestone(from, to MilestoneState) bool {
	for _, s := range milestoneTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (e *Engine) moveDeal(op string, d *Deal, to DealState) error {
	if !CanTransitionDeal(d.State, to) {
		return invariantf(op, "illegal deal transition %s -> %s", d.State, to)
	}
	d.State = to
	if to.HasEscrow() && d.EscrowRef == "" {
		return invariantf(op, "deal %s in %s without escrow reference", d.ID, to)
	}
	return nil
}

func (e *Engine) moveMilestone(op string, m *Milestone, to MilestoneState) error {
	if !CanTransitionMilestone(m.State, to) {
		return invariantf(op, "illegal milestone transition %s -> %s", m.State, to)
	}
	m.State = to
	return nil
}

// checkAggregate verifies the invariants that must hold before any commit.
func checkAggregate(op string, d *Deal) error {
	var sum int64
	for _, m := range d.Milestones {
		if m.Amount <= 0 {
			return invariantf(op, "milestone %s has non-positive amount %d", m.ID, m.Amount)
		}
		sum += m.Amount
	}
	if sum != d.TotalAmount {
		return invariantf(op, "deal %s total %d != milestone sum %d", d.ID, d.TotalAmount, sum)
	}
	if d.State.HasEscrow() != (d.EscrowRef != "") {
		return invariantf(op, "deal %s escrow reference presence does not match state %s", d.ID, d.State)
	}
	if d.RefundedAmount < 0 || d.ReleasedAmount()+d.RefundedAmount > d.TotalAmount {
		return invariantf(op, "deal %s paid out more than it holds", d.ID)
	}
	return nil
}
