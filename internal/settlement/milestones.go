package settlement

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/sudo-init-do/dealhub/internal/metrics"
)

// DeliverableInput is the evidence a creator submits for a milestone.
type DeliverableInput struct {
	ContentRef string         `json:"content_ref"`
	FileHash   string         `json:"file_hash"`
	Checks     map[string]any `json:"checks,omitempty"`
}

// SubmitDeliverable stores a deliverable and moves the milestone to SUBMITTED.
// Resubmitting against a SUBMITTED milestone adds a newer deliverable and
// restarts the review clock.
func (e *Engine) SubmitDeliverable(ctx context.Context, actor Actor, dealID, milestoneID string, in DeliverableInput) (dl *Deliverable, err error) {
	op := OpSubmitDeliverable
	defer e.track(op, &err, zap.String("deal_id", dealID), zap.String("milestone_id", milestoneID))

	if strings.TrimSpace(in.ContentRef) == "" && strings.TrimSpace(in.FileHash) == "" {
		return nil, validationf(op, "content_ref or file_hash is required")
	}
	snap, err := e.load(ctx, op, dealID)
	if err != nil {
		return nil, err
	}
	if err := requireCreator(op, actor, snap); err != nil {
		return nil, err
	}
	if snap.State != DealFunded {
		return nil, guardf(op, string(snap.State), "deal is not funded")
	}
	m := snap.Milestone(milestoneID)
	if m == nil {
		return nil, &Error{Kind: KindNotFound, Op: op, Msg: "milestone " + milestoneID}
	}
	if m.State != MilestonePending && m.State != MilestoneSubmitted {
		return nil, guardf(op, string(m.State), "milestone is not awaiting a submission")
	}

	_, err = e.commit(ctx, op, dealID, snap.Version, func(tx Tx, d *Deal) ([]*Event, error) {
		m := d.Milestone(milestoneID)
		before := m.State
		now := e.now()
		dl = &Deliverable{
			ID:          e.newID(),
			DealID:      d.ID,
			MilestoneID: m.ID,
			ContentRef:  strings.TrimSpace(in.ContentRef),
			FileHash:    strings.TrimSpace(in.FileHash),
			Checks:      in.Checks,
			SubmittedBy: actor.ID,
			SubmittedAt: now,
		}
		if err := tx.InsertDeliverable(ctx, dl); err != nil {
			return nil, storeErr(op, err)
		}
		if err := e.moveMilestone(op, m, MilestoneSubmitted); err != nil {
			return nil, err
		}
		m.SubmittedAt = timePtr(now)
		return []*Event{e.event(actor, op, d, m, string(before), string(m.State), DeliverableSubmittedPayload{
			DeliverableID: dl.ID,
			ContentRef:    dl.ContentRef,
			FileHash:      dl.FileHash,
			Resubmission:  before == MilestoneSubmitted,
		})}, nil
	})
	if err != nil {
		return nil, err
	}
	return dl, nil
}

// ApproveMilestone approves a SUBMITTED milestone and releases its funds.
//
// The brand calls it by hand and the auto-release scheduler calls it as
// SystemActor; both go through this one path. Calling it again on an
// APPROVED milestone retries a release that failed at the provider.
func (e *Engine) ApproveMilestone(ctx context.Context, actor Actor, dealID, milestoneID string) (p *Payout, err error) {
	op := OpApproveMilestone
	defer e.track(op, &err, zap.String("deal_id", dealID), zap.String("milestone_id", milestoneID), zap.String("actor", actor.ID))

	snap, err := e.load(ctx, op, dealID)
	if err != nil {
		return nil, err
	}
	if actor.Role != RoleSystem {
		if err := requireBrand(op, actor, snap); err != nil {
			return nil, err
		}
	}
	if snap.State != DealFunded {
		return nil, guardf(op, string(snap.State), "deal is not in a releasable state")
	}
	m := snap.Milestone(milestoneID)
	if m == nil {
		return nil, &Error{Kind: KindNotFound, Op: op, Msg: "milestone " + milestoneID}
	}

	switch m.State {
	case MilestoneSubmitted:
		_, err = e.commit(ctx, op, dealID, snap.Version, func(tx Tx, d *Deal) ([]*Event, error) {
			if err := e.ensureNotFrozen(ctx, tx, op, d, milestoneID, ""); err != nil {
				return nil, err
			}
			m := d.Milestone(milestoneID)
			before := m.State
			if err := e.moveMilestone(op, m, MilestoneApproved); err != nil {
				return nil, err
			}
			m.ApprovedAt = timePtr(e.now())
			return []*Event{e.event(actor, op, d, m, string(before), string(m.State), MilestoneApprovedPayload{Amount: m.Amount})}, nil
		})
		if err != nil {
			return nil, err
		}
	case MilestoneApproved:
		// retry of a release that did not complete
	default:
		return nil, guardf(op, string(m.State), "milestone is not awaiting approval")
	}

	return e.release(ctx, actor, op, dealID, milestoneID, nil)
}

// ensureNotFrozen rejects when an OPEN dispute covers the deal or milestone,
// ignoring the dispute currently being resolved.
func (e *Engine) ensureNotFrozen(ctx context.Context, tx Tx, op string, d *Deal, milestoneID, resolving string) error {
	open, err := tx.OpenDisputes(ctx, d.ID)
	if err != nil {
		return storeErr(op, err)
	}
	for _, ds := range open {
		if ds.ID == resolving {
			continue
		}
		if ds.DealScoped() || ds.MilestoneID == milestoneID {
			return guardf(op, string(d.State), "frozen by open dispute %s", ds.ID)
		}
	}
	return nil
}

// release pays out one milestone. resolving is the dispute whose resolution
// triggered the release, or nil for a normal approval.
//
// The Payout(PROCESSING) row inserted first is the claim: the store allows
// only one per milestone, so a concurrent caller loses before reaching the
// provider. The final commit re-checks that no SUCCEEDED payout exists in the
// same transaction that marks the milestone RELEASED.
func (e *Engine) release(ctx context.Context, actor Actor, op, dealID, milestoneID string, resolving *Dispute) (*Payout, error) {
	var (
		payout    *Payout
		escrowRef string
		payeeID   string
		settled   *Payout
	)
	resolvingID := ""
	if resolving != nil {
		resolvingID = resolving.ID
	}

	_, err := e.commit(ctx, op, dealID, 0, func(tx Tx, d *Deal) ([]*Event, error) {
		m := d.Milestone(milestoneID)
		if m == nil {
			return nil, &Error{Kind: KindNotFound, Op: op, Msg: "milestone " + milestoneID}
		}
		if resolving == nil {
			if d.State != DealFunded {
				return nil, guardf(op, string(d.State), "deal is not in a releasable state")
			}
			if m.State != MilestoneApproved {
				return nil, guardf(op, string(m.State), "milestone is not approved")
			}
		} else {
			if d.State != DealFunded && d.State != DealDisputed {
				return nil, guardf(op, string(d.State), "deal is not in a releasable state")
			}
			if m.State.Terminal() {
				return nil, guardf(op, string(m.State), "milestone already settled")
			}
		}
		if err := e.ensureNotFrozen(ctx, tx, op, d, milestoneID, resolvingID); err != nil {
			return nil, err
		}

		payouts, err := tx.DealPayouts(ctx, d.ID)
		if err != nil {
			return nil, storeErr(op, err)
		}
		var inflight int64
		for _, p := range payouts {
			if p.MilestoneID != milestoneID {
				if p.Status == PayoutProcessing {
					inflight += p.Amount
				}
				continue
			}
			switch p.Status {
			case PayoutSucceeded:
				settled = p
			case PayoutProcessing:
				if e.claimLive(&p.CreatedAt) {
					return nil, conflictf(op, "payout %s for milestone %s is already in flight", p.ID, milestoneID)
				}
				p.Status = PayoutFailed
				p.FailureReason = "claim lease expired"
				p.UpdatedAt = e.now()
				if err := tx.UpdatePayout(ctx, p); err != nil {
					return nil, storeErr(op, err)
				}
				metrics.IncPayout(string(PayoutFailed))
				e.logger.Warn("abandoned payout claim expired",
					zap.String("payout_id", p.ID),
					zap.String("milestone_id", milestoneID),
				)
			}
		}
		if settled != nil {
			// Money already moved; finish the bookkeeping below.
			return nil, nil
		}
		if d.PendingOp == PendingRefund && e.claimLive(d.PendingOpAt) {
			return nil, conflictf(op, "a refund is in flight for deal %s", d.ID)
		}
		if ri := d.RefundIntent; ri.Open() {
			if ri.MilestoneID == milestoneID {
				return nil, conflictf(op, "milestone %s has an unreconciled refund", milestoneID)
			}
			inflight += ri.Amount
		}
		if m.Amount > d.EscrowBalance()-inflight {
			return nil, guardf(op, string(m.State), "escrow balance %d cannot cover %d", d.EscrowBalance()-inflight, m.Amount)
		}

		now := e.now()
		payout = &Payout{
			ID:             e.newID(),
			DealID:         d.ID,
			MilestoneID:    m.ID,
			Amount:         m.Amount,
			Currency:       d.Currency,
			Status:         PayoutProcessing,
			IdempotencyKey: PayoutIdempotencyKey(d.ID, m.ID),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertPayout(ctx, payout); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return nil, conflictf(op, "payout for milestone %s is already in flight", milestoneID)
			}
			return nil, storeErr(op, err)
		}
		metrics.IncPayout(string(PayoutProcessing))
		escrowRef = d.EscrowRef
		payeeID = d.CreatorID
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	if settled != nil {
		e.logger.Warn("milestone already has a succeeded payout, finalizing without provider call",
			zap.String("milestone_id", milestoneID),
			zap.String("payout_id", settled.ID),
		)
		return e.finishRelease(ctx, actor, op, dealID, milestoneID, settled, resolving)
	}

	ref, perr := e.provider.ReleaseToCreator(ctx, escrowRef, payout.Amount, payeeID, map[string]string{
		"deal_id":         dealID,
		"milestone_id":    milestoneID,
		"payout_id":       payout.ID,
		"idempotency_key": payout.IdempotencyKey,
	})
	if perr != nil {
		e.failPayout(ctx, op, payout, perr)
		return nil, providerErr(op, perr)
	}
	payout.ProviderRef = ref
	return e.finishRelease(ctx, actor, op, dealID, milestoneID, payout, resolving)
}

// failPayout records a failed attempt. The milestone itself is not touched.
func (e *Engine) failPayout(ctx context.Context, op string, p *Payout, cause error) {
	err := e.store.WithTx(ctx, func(tx Tx) error {
		p.Status = PayoutFailed
		p.FailureReason = cause.Error()
		p.UpdatedAt = e.now()
		return tx.UpdatePayout(ctx, p)
	})
	if err != nil {
		// The PROCESSING row stays behind and blocks retries until its lease expires.
		e.logger.Error("failed to record payout failure",
			zap.String("op", op),
			zap.String("payout_id", p.ID),
			zap.Error(err),
		)
		return
	}
	metrics.IncPayout(string(PayoutFailed))
}

// finishRelease marks the payout SUCCEEDED and the milestone RELEASED in one
// transaction, settling the deal when nothing is left in escrow.
func (e *Engine) finishRelease(ctx context.Context, actor Actor, op, dealID, milestoneID string, payout *Payout, resolving *Dispute) (*Payout, error) {
	_, err := e.commit(ctx, op, dealID, 0, func(tx Tx, d *Deal) ([]*Event, error) {
		payouts, err := tx.DealPayouts(ctx, dealID)
		if err != nil {
			return nil, storeErr(op, err)
		}
		for _, p := range payouts {
			if p.MilestoneID == milestoneID && p.Status == PayoutSucceeded && p.ID != payout.ID {
				return nil, invariantf(op, "milestone %s already has succeeded payout %s; payout %s also succeeded at provider", milestoneID, p.ID, payout.ID)
			}
		}
		m := d.Milestone(milestoneID)
		if m.State == MilestoneReleased {
			if payout.Status == PayoutSucceeded {
				return nil, nil
			}
			return nil, invariantf(op, "milestone %s released twice (payout %s)", milestoneID, payout.ID)
		}
		if payout.Status != PayoutSucceeded {
			payout.Status = PayoutSucceeded
			payout.FailureReason = ""
			payout.UpdatedAt = e.now()
			if err := tx.UpdatePayout(ctx, payout); err != nil {
				if errors.Is(err, ErrDuplicate) {
					return nil, invariantf(op, "second succeeded payout for milestone %s", milestoneID)
				}
				return nil, storeErr(op, err)
			}
		}

		now := e.now()
		var events []*Event
		if m.State == MilestonePending || m.State == MilestoneSubmitted {
			// Released by a dispute ruling before the brand approved it.
			before := m.State
			if err := e.moveMilestone(op, m, MilestoneApproved); err != nil {
				return nil, err
			}
			m.ApprovedAt = timePtr(now)
			events = append(events, e.event(actor, OpApproveMilestone, d, m, string(before), string(m.State), MilestoneApprovedPayload{Amount: m.Amount}))
		}
		before := m.State
		if err := e.moveMilestone(op, m, MilestoneReleased); err != nil {
			return nil, err
		}
		if m.ApprovedAt == nil {
			m.ApprovedAt = timePtr(now)
		}
		m.ReleasedAt = timePtr(now)
		payload := MilestoneReleasedPayload{PayoutID: payout.ID, ProviderRef: payout.ProviderRef, Amount: payout.Amount}
		if resolving != nil {
			payload.DisputeID = resolving.ID
		}
		events = append(events, e.event(actor, OpReleaseMilestone, d, m, string(before), string(m.State), payload))
		if ev, err := e.settleIfComplete(op, actor, d); err != nil {
			return nil, err
		} else if ev != nil {
			events = append(events, ev)
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.IncPayout(string(PayoutSucceeded))
	e.logger.Info("milestone released",
		zap.String("deal_id", dealID),
		zap.String("milestone_id", milestoneID),
		zap.String("payout_id", payout.ID),
		zap.Int64("amount", payout.Amount),
	)
	return payout, nil
}

// settleIfComplete moves the deal to its terminal state once every milestone
// is RELEASED or REFUNDED: RELEASED if all were paid to the creator,
// REFUNDED if any money went back to the brand.
func (e *Engine) settleIfComplete(op string, actor Actor, d *Deal) (*Event, error) {
	if d.State.Terminal() || !d.State.HasEscrow() {
		return nil, nil
	}
	refunded := d.RefundedAmount > 0
	for _, m := range d.Milestones {
		if !m.State.Terminal() {
			return nil, nil
		}
		if m.State == MilestoneRefunded {
			refunded = true
		}
	}
	to := DealReleased
	if refunded {
		to = DealRefunded
	}
	before := d.State
	if err := e.moveDeal(op, d, to); err != nil {
		return nil, err
	}
	d.CompletedAt = timePtr(e.now())
	return e.event(actor, OpSettleDeal, d, nil, string(before), string(d.State), DealSettledPayload{
		ReleasedAmount: d.ReleasedAmount(),
		RefundedAmount: d.RefundedAmount,
	}), nil
}
