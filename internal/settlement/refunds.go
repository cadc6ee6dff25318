package settlement

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// RefundInput selects what to return to the brand. With neither field set the
// whole remaining escrow balance is refunded.
type RefundInput struct {
	// Amount requests a partial refund of the unallocated balance.
	Amount *int64 `json:"amount,omitempty"`
	// MilestoneID refunds exactly that milestone's amount.
	MilestoneID string `json:"milestone_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// RefundDeal returns escrowed money to the brand. Already released milestones
// are never part of a refund. A full refund moves the deal to REFUNDED; a
// partial one leaves it FUNDED or DISPUTED with a smaller balance.
func (e *Engine) RefundDeal(ctx context.Context, actor Actor, dealID string, in RefundInput) (d *Deal, err error) {
	op := OpRefundDeal
	if in.MilestoneID != "" {
		op = OpRefundMilestone
	}
	defer e.track(op, &err, zap.String("deal_id", dealID), zap.String("actor", actor.ID))

	if in.Amount != nil && *in.Amount <= 0 {
		return nil, validationf(op, "refund amount must be positive, got %d", *in.Amount)
	}
	if in.Amount != nil && in.MilestoneID != "" {
		return nil, validationf(op, "amount and milestone_id are mutually exclusive")
	}
	snap, err := e.load(ctx, op, dealID)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case RoleAdmin, RoleSystem:
	case RoleCreator:
		if actor.ID != snap.CreatorID {
			return nil, forbiddenf(op, "only the deal's creator may return funds")
		}
	default:
		return nil, forbiddenf(op, "refunds are issued by the creator or an operator")
	}
	return e.refund(ctx, actor, op, dealID, in, nil)
}

type refundPlan struct {
	amount    int64
	full      bool
	milestone string
}

// planRefund decides what a refund covers given the current deal and its
// in-flight payouts.
func (e *Engine) planRefund(ctx context.Context, tx Tx, op string, d *Deal, in RefundInput) (refundPlan, error) {
	if d.State != DealFunded && d.State != DealDisputed {
		return refundPlan{}, guardf(op, string(d.State), "only funded or disputed deals can be refunded")
	}
	payouts, err := tx.DealPayouts(ctx, d.ID)
	if err != nil {
		return refundPlan{}, storeErr(op, err)
	}
	var inflight int64
	for _, p := range payouts {
		if p.Status != PayoutProcessing || !e.claimLive(&p.CreatedAt) {
			continue
		}
		if p.MilestoneID == in.MilestoneID {
			return refundPlan{}, conflictf(op, "payout %s for milestone %s is in flight", p.ID, p.MilestoneID)
		}
		inflight += p.Amount
	}
	refundable := d.EscrowBalance() - inflight

	switch {
	case in.MilestoneID != "":
		m := d.Milestone(in.MilestoneID)
		if m == nil {
			return refundPlan{}, &Error{Kind: KindNotFound, Op: op, Msg: "milestone " + in.MilestoneID}
		}
		if m.State.Terminal() {
			return refundPlan{}, guardf(op, string(m.State), "milestone already settled")
		}
		if m.Amount > refundable {
			return refundPlan{}, guardf(op, string(m.State), "escrow balance %d cannot cover %d", refundable, m.Amount)
		}
		return refundPlan{amount: m.Amount, milestone: m.ID}, nil
	case in.Amount != nil:
		if *in.Amount > refundable {
			return refundPlan{}, guardf(op, string(d.State), "refund %d exceeds refundable balance %d", *in.Amount, refundable)
		}
		return refundPlan{amount: *in.Amount, full: inflight == 0 && *in.Amount == d.EscrowBalance()}, nil
	default:
		if inflight > 0 {
			return refundPlan{}, conflictf(op, "payouts totalling %d are in flight", inflight)
		}
		if refundable <= 0 {
			return refundPlan{}, guardf(op, string(d.State), "nothing left in escrow")
		}
		return refundPlan{amount: refundable, full: true}, nil
	}
}

// refund runs the claim, provider call, commit sequence. resolving is the
// dispute being ruled on, if any.
//
// The refund is recorded as a RefundIntent before the provider is called. A
// transient failure keeps the intent, and the next refund call on the deal
// finishes that intent with the same idempotency key before it plans
// anything new.
func (e *Engine) refund(ctx context.Context, actor Actor, op, dealID string, in RefundInput, resolving *Dispute) (*Deal, error) {
	resolvingID := ""
	if resolving != nil {
		resolvingID = resolving.ID
	}
	var (
		intent    RefundIntent
		resumed   bool
		escrowRef string
	)
	_, err := e.commit(ctx, op, dealID, 0, func(tx Tx, d *Deal) ([]*Event, error) {
		if d.PendingOp != PendingNone && e.claimLive(d.PendingOpAt) {
			return nil, conflictf(op, "a %s call is already in flight for deal %s", d.PendingOp, dealID)
		}
		if d.RefundIntent.Open() {
			intent, resumed = d.RefundIntent, true
		} else {
			plan, err := e.planRefund(ctx, tx, op, d, in)
			if err != nil {
				return nil, err
			}
			intent = RefundIntent{
				Key:         RefundIdempotencyKey(d.ID, d.Version),
				Amount:      plan.amount,
				Full:        plan.full,
				MilestoneID: plan.milestone,
				DisputeID:   resolvingID,
			}
			d.RefundIntent = intent
		}
		d.PendingOp = PendingRefund
		d.PendingOpAt = timePtr(e.now())
		escrowRef = d.EscrowRef
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if resumed {
		e.logger.Warn("resuming unreconciled refund",
			zap.String("deal_id", dealID),
			zap.Int64("amount", intent.Amount),
			zap.Bool("full", intent.Full),
		)
	}

	refundRef, reconciled, perr := e.sendRefund(ctx, escrowRef, intent, resumed)
	if perr != nil {
		e.abandonRefund(ctx, op, dealID, intent, perr)
		return nil, providerErr(op, perr)
	}

	d, err := e.commitRefund(ctx, actor, op, dealID, escrowRef, intent, refundRef, reconciled)
	if err != nil {
		return nil, err
	}
	if resumed && !intent.covers(in) {
		// The earlier refund is settled; now serve this request.
		return e.refund(ctx, actor, op, dealID, in, resolving)
	}
	return d, nil
}

// sendRefund calls the provider for intent. A resumed full refund first asks
// for the escrow status: an escrow already REFUNDED means the earlier call
// landed.
func (e *Engine) sendRefund(ctx context.Context, escrowRef string, intent RefundIntent, resumed bool) (ref string, reconciled bool, err error) {
	if resumed && intent.Full {
		status, err := e.provider.GetStatus(ctx, escrowRef)
		if err != nil {
			return "", false, err
		}
		if status == EscrowRefunded {
			return "", true, nil
		}
	}
	amount := intent.Amount
	ref, err = e.provider.RefundToBrand(ctx, escrowRef, &amount, map[string]string{
		"idempotency_key": intent.Key,
		"milestone_id":    intent.MilestoneID,
	})
	return ref, false, err
}

// abandonRefund drops the claim after a failed call. The intent is only
// dropped on a definite provider refusal; any other failure may have been
// applied at the provider.
func (e *Engine) abandonRefund(ctx context.Context, op, dealID string, intent RefundIntent, cause error) {
	var pe *ProviderError
	keep := !errors.As(cause, &pe) || pe.Transient
	_, err := e.commit(ctx, op, dealID, 0, func(tx Tx, d *Deal) ([]*Event, error) {
		if d.PendingOp == PendingRefund {
			d.PendingOp, d.PendingOpAt = PendingNone, nil
		}
		if !keep && d.RefundIntent.Key == intent.Key {
			d.RefundIntent = RefundIntent{}
		}
		return nil, nil
	})
	if err != nil {
		e.logger.Warn("failed to release refund claim",
			zap.String("deal_id", dealID),
			zap.Bool("intent_kept", keep),
			zap.Error(err),
		)
	}
}

// commitRefund applies a refund the provider has confirmed.
func (e *Engine) commitRefund(ctx context.Context, actor Actor, op, dealID, escrowRef string, intent RefundIntent, refundRef string, reconciled bool) (*Deal, error) {
	plan := refundPlan{amount: intent.Amount, full: intent.Full, milestone: intent.MilestoneID}
	resolvingID := intent.DisputeID
	d, err := e.commit(ctx, op, dealID, 0, func(tx Tx, d *Deal) ([]*Event, error) {
		if d.PendingOp != PendingRefund || d.RefundIntent.Key != intent.Key {
			return nil, invariantf(op, "refunded %d from escrow %s but deal %s no longer holds the refund claim", plan.amount, escrowRef, dealID)
		}
		d.PendingOp, d.PendingOpAt = PendingNone, nil
		d.RefundIntent = RefundIntent{}
		now := e.now()
		payload := RefundedPayload{RefundRef: refundRef, Amount: plan.amount, Full: plan.full, DisputeID: resolvingID, Reconciled: reconciled}

		var events []*Event
		switch {
		case plan.milestone != "":
			m := d.Milestone(plan.milestone)
			before := m.State
			if err := e.moveMilestone(op, m, MilestoneRefunded); err != nil {
				return nil, err
			}
			m.RefundedAt = timePtr(now)
			d.RefundedAmount += plan.amount
			events = append(events, e.event(actor, OpRefundMilestone, d, m, string(before), string(m.State), payload))
			ev, err := e.settleIfComplete(op, actor, d)
			if err != nil {
				return nil, err
			}
			if ev != nil {
				events = append(events, ev)
			}
		case plan.full:
			if bal := d.EscrowBalance(); bal != plan.amount {
				return nil, invariantf(op, "escrow balance moved from %d to %d during refund", plan.amount, bal)
			}
			for _, m := range d.Milestones {
				if m.State.Terminal() {
					continue
				}
				before := m.State
				if err := e.moveMilestone(op, m, MilestoneRefunded); err != nil {
					return nil, err
				}
				m.RefundedAt = timePtr(now)
				events = append(events, e.event(actor, OpRefundMilestone, d, m, string(before), string(m.State), RefundedPayload{
					RefundRef: refundRef,
					Amount:    m.Amount,
					DisputeID: resolvingID,
				}))
			}
			d.RefundedAmount += plan.amount
			before := d.State
			if err := e.moveDeal(op, d, DealRefunded); err != nil {
				return nil, err
			}
			d.CompletedAt = timePtr(now)
			events = append(events, e.event(actor, OpRefundDeal, d, nil, string(before), string(d.State), payload))
		default:
			d.RefundedAmount += plan.amount
			events = append(events, e.event(actor, OpRefundDeal, d, nil, string(d.State), string(d.State), payload))
		}

		closed, err := e.closeSettledDisputes(ctx, tx, actor, op, d, OutcomeRefund, "closed by refund")
		if err != nil {
			return nil, err
		}
		return append(events, closed...), nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("escrow refunded",
		zap.String("deal_id", dealID),
		zap.Int64("amount", plan.amount),
		zap.Bool("full", plan.full),
		zap.String("state", string(d.State)),
	)
	return d, nil
}
