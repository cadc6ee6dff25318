package settlement

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// OpenDisputeInput scopes a dispute to the whole deal (empty MilestoneID) or one milestone.
type OpenDisputeInput struct {
	MilestoneID string `json:"milestone_id,omitempty"`
	Reason      string `json:"reason"`
}

// OpenDispute places a hold on a FUNDED deal or on one of its SUBMITTED or
// APPROVED milestones. A deal-wide dispute moves the deal to DISPUTED; a
// milestone dispute freezes only that milestone.
func (e *Engine) OpenDispute(ctx context.Context, actor Actor, dealID string, in OpenDisputeInput) (ds *Dispute, err error) {
	op := OpOpenDispute
	defer e.track(op, &err, zap.String("deal_id", dealID), zap.String("milestone_id", in.MilestoneID))

	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, validationf(op, "reason is required")
	}
	snap, err := e.load(ctx, op, dealID)
	if err != nil {
		return nil, err
	}
	if (actor.Role != RoleBrand && actor.Role != RoleCreator) || !snap.IsParty(actor.ID) {
		return nil, forbiddenf(op, "only a party to the deal may open a dispute")
	}
	if snap.State != DealFunded {
		return nil, guardf(op, string(snap.State), "only funded deals can be disputed")
	}
	if in.MilestoneID != "" {
		m := snap.Milestone(in.MilestoneID)
		if m == nil {
			return nil, &Error{Kind: KindNotFound, Op: op, Msg: "milestone " + in.MilestoneID}
		}
		if m.State != MilestoneSubmitted && m.State != MilestoneApproved {
			return nil, guardf(op, string(m.State), "only submitted or approved milestones can be disputed")
		}
	}

	_, err = e.commit(ctx, op, dealID, snap.Version, func(tx Tx, d *Deal) ([]*Event, error) {
		open, err := tx.OpenDisputes(ctx, d.ID)
		if err != nil {
			return nil, storeErr(op, err)
		}
		for _, o := range open {
			if in.MilestoneID == "" || o.DealScoped() || o.MilestoneID == in.MilestoneID {
				return nil, guardf(op, string(d.State), "dispute %s is already open for this scope", o.ID)
			}
		}
		payouts, err := tx.DealPayouts(ctx, d.ID)
		if err != nil {
			return nil, storeErr(op, err)
		}
		for _, p := range payouts {
			if p.Status == PayoutProcessing && e.claimLive(&p.CreatedAt) && (in.MilestoneID == "" || p.MilestoneID == in.MilestoneID) {
				return nil, conflictf(op, "payout %s is in flight", p.ID)
			}
		}

		now := e.now()
		ds = &Dispute{
			ID:             e.newID(),
			DealID:         d.ID,
			MilestoneID:    in.MilestoneID,
			RaisedBy:       actor.ID,
			Reason:         reason,
			State:          DisputeOpen,
			PriorDealState: d.State,
			CreatedAt:      now,
		}
		payload := DisputeOpenedPayload{DisputeID: ds.ID, Reason: reason}

		var ev *Event
		if in.MilestoneID == "" {
			before := d.State
			if err := e.moveDeal(op, d, DealDisputed); err != nil {
				return nil, err
			}
			ev = e.event(actor, op, d, nil, string(before), string(d.State), payload)
		} else {
			m := d.Milestone(in.MilestoneID)
			before := m.State
			ds.PriorMilestoneState = before
			if err := e.moveMilestone(op, m, MilestoneDisputed); err != nil {
				return nil, guardf(op, string(before), "milestone cannot be disputed")
			}
			ev = e.event(actor, op, d, m, string(before), string(m.State), payload)
		}
		if err := tx.InsertDispute(ctx, ds); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return nil, guardf(op, string(d.State), "a dispute is already open for this scope")
			}
			return nil, storeErr(op, err)
		}
		return []*Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("dispute opened",
		zap.String("deal_id", dealID),
		zap.String("dispute_id", ds.ID),
		zap.Bool("deal_scoped", ds.DealScoped()),
	)
	return ds, nil
}

// ResolveInput is an operator's ruling on a dispute.
type ResolveInput struct {
	Outcome    Outcome `json:"outcome"`
	Resolution string  `json:"resolution"`
	// MilestoneID narrows a release or refund on a deal-wide dispute to one
	// milestone. Empty means every unsettled milestone.
	MilestoneID string `json:"milestone_id,omitempty"`
}

// ResolveDispute closes an OPEN dispute.
//
// dismiss restores the states recorded when the dispute was opened. release
// and refund move money first; if the provider call fails the dispute stays
// OPEN with the outcome recorded as pending, and calling again with the same
// outcome retries it.
func (e *Engine) ResolveDispute(ctx context.Context, actor Actor, disputeID string, in ResolveInput) (ds *Dispute, err error) {
	op := OpResolveDispute
	defer e.track(op, &err, zap.String("dispute_id", disputeID), zap.String("outcome", string(in.Outcome)))

	if err := requireOperator(op, actor); err != nil {
		return nil, err
	}
	if !in.Outcome.Valid() {
		return nil, validationf(op, "outcome must be one of dismiss, refund, release; got %q", in.Outcome)
	}
	if disputeID == "" {
		return nil, validationf(op, "dispute id is required")
	}
	snap, err := e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if snap.State != DisputeOpen {
		return nil, guardf(op, string(snap.State), "dispute is not open")
	}
	if in.MilestoneID != "" && !snap.DealScoped() && in.MilestoneID != snap.MilestoneID {
		return nil, validationf(op, "dispute is scoped to milestone %s", snap.MilestoneID)
	}
	if snap.PendingOutcome != "" && snap.PendingOutcome != in.Outcome {
		return nil, guardf(op, string(snap.State), "resolution %q is pending retry", snap.PendingOutcome)
	}
	resolution := strings.TrimSpace(in.Resolution)

	if in.Outcome == OutcomeDismiss {
		return e.closeDispute(ctx, actor, op, snap, in.Outcome, resolution, true)
	}

	// Record the intent before any money moves.
	var pending *Dispute
	_, err = e.commit(ctx, op, snap.DealID, 0, func(tx Tx, d *Deal) ([]*Event, error) {
		ds, err := tx.LockDispute(ctx, disputeID)
		if err != nil {
			return nil, storeErr(op, err)
		}
		if ds.State != DisputeOpen {
			return nil, guardf(op, string(ds.State), "dispute is not open")
		}
		ds.PendingOutcome = in.Outcome
		if resolution != "" {
			ds.Resolution = resolution
		}
		if err := tx.UpdateDispute(ctx, ds); err != nil {
			return nil, storeErr(op, err)
		}
		pending = ds
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	targets, err := e.resolutionTargets(ctx, op, pending, in.MilestoneID)
	if err != nil {
		return nil, err
	}
	switch in.Outcome {
	case OutcomeRelease:
		for _, mid := range targets {
			if _, err := e.release(ctx, actor, op, pending.DealID, mid, pending); err != nil {
				return nil, err
			}
		}
	case OutcomeRefund:
		rin := RefundInput{Reason: pending.Resolution}
		if len(targets) == 1 && (!pending.DealScoped() || in.MilestoneID != "") {
			rin.MilestoneID = targets[0]
		}
		if len(targets) > 0 {
			if _, err := e.refund(ctx, actor, op, pending.DealID, rin, pending); err != nil {
				return nil, err
			}
		}
	}
	return e.closeDispute(ctx, actor, op, pending, in.Outcome, pending.Resolution, false)
}

// resolutionTargets lists the unsettled milestones a ruling applies to.
func (e *Engine) resolutionTargets(ctx context.Context, op string, ds *Dispute, milestoneID string) ([]string, error) {
	d, err := e.load(ctx, op, ds.DealID)
	if err != nil {
		return nil, err
	}
	if !ds.DealScoped() {
		milestoneID = ds.MilestoneID
	}
	if milestoneID != "" {
		m := d.Milestone(milestoneID)
		if m == nil {
			return nil, &Error{Kind: KindNotFound, Op: op, Msg: "milestone " + milestoneID}
		}
		if m.State.Terminal() {
			return nil, nil
		}
		return []string{m.ID}, nil
	}
	var ids []string
	for _, m := range d.Milestones {
		if !m.State.Terminal() {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// closeDispute marks the dispute RESOLVED. With restore set (dismiss) the
// deal or milestone goes back to the state it had when the dispute was
// opened; otherwise a still-unsettled DISPUTED deal returns to FUNDED.
func (e *Engine) closeDispute(ctx context.Context, actor Actor, op string, snap *Dispute, outcome Outcome, resolution string, restore bool) (*Dispute, error) {
	var out *Dispute
	_, err := e.commit(ctx, op, snap.DealID, 0, func(tx Tx, d *Deal) ([]*Event, error) {
		ds, err := tx.LockDispute(ctx, snap.ID)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = ds
		if ds.State != DisputeOpen {
			if restore {
				return nil, guardf(op, string(ds.State), "dispute is not open")
			}
			// Closed by the refund that settled the deal.
			return nil, nil
		}

		var (
			m      *Milestone
			before string
			after  string
		)
		if ds.DealScoped() {
			before = string(d.State)
			if d.State == DealDisputed {
				to := DealFunded
				if restore && ds.PriorDealState != "" {
					to = ds.PriorDealState
				}
				if err := e.moveDeal(op, d, to); err != nil {
					return nil, err
				}
			}
			after = string(d.State)
		} else {
			m = d.Milestone(ds.MilestoneID)
			if m == nil {
				return nil, invariantf(op, "dispute %s references unknown milestone %s", ds.ID, ds.MilestoneID)
			}
			before = string(m.State)
			if m.State == MilestoneDisputed {
				to := ds.PriorMilestoneState
				if to != MilestoneApproved {
					to = MilestoneSubmitted
				}
				if err := e.moveMilestone(op, m, to); err != nil {
					return nil, err
				}
			}
			after = string(m.State)
		}

		ds.State = DisputeResolved
		ds.Outcome = outcome
		ds.Resolution = resolution
		ds.PendingOutcome = ""
		ds.ResolvedBy = actor.ID
		ds.ResolvedAt = timePtr(e.now())
		if err := tx.UpdateDispute(ctx, ds); err != nil {
			return nil, storeErr(op, err)
		}
		return []*Event{e.event(actor, OpResolveDispute, d, m, before, after, DisputeResolvedPayload{
			DisputeID:  ds.ID,
			Outcome:    outcome,
			Resolution: resolution,
		})}, nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("dispute resolved",
		zap.String("deal_id", snap.DealID),
		zap.String("dispute_id", snap.ID),
		zap.String("outcome", string(outcome)),
	)
	return out, nil
}

// closeSettledDisputes resolves, inside the caller's transaction, every open
// dispute whose scope no longer holds money. It returns one event per dispute.
func (e *Engine) closeSettledDisputes(ctx context.Context, tx Tx, actor Actor, op string, d *Deal, outcome Outcome, note string) ([]*Event, error) {
	open, err := tx.OpenDisputes(ctx, d.ID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	var events []*Event
	for _, ds := range open {
		var m *Milestone
		if ds.DealScoped() {
			if !d.State.Terminal() {
				continue
			}
		} else {
			m = d.Milestone(ds.MilestoneID)
			if m == nil || !m.State.Terminal() {
				continue
			}
		}
		ds.State = DisputeResolved
		ds.Outcome = outcome
		if ds.Resolution == "" {
			ds.Resolution = note
		}
		ds.PendingOutcome = ""
		ds.ResolvedBy = actor.ID
		ds.ResolvedAt = timePtr(e.now())
		if err := tx.UpdateDispute(ctx, ds); err != nil {
			return nil, storeErr(op, err)
		}
		state := string(d.State)
		if m != nil {
			state = string(m.State)
		}
		events = append(events, e.event(actor, OpResolveDispute, d, m, state, state, DisputeResolvedPayload{
			DisputeID:  ds.ID,
			Outcome:    outcome,
			Resolution: ds.Resolution,
		}))
	}
	return events, nil
}
