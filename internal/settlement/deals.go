package settlement

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MilestoneInput describes one milestone of a new deal.
type MilestoneInput struct {
	Title  string     `json:"title"`
	Amount int64      `json:"amount"`
	DueAt  *time.Time `json:"due_at,omitempty"`
}

// CreateDealInput is everything needed to create a deal in DRAFT.
type CreateDealInput struct {
	ProjectID   string           `json:"project_id"`
	CreatorID   string           `json:"creator_id,omitempty"`
	Title       string           `json:"title"`
	Currency    string           `json:"currency"`
	TotalAmount int64            `json:"total_amount"`
	Milestones  []MilestoneInput `json:"milestones"`
}

func (in CreateDealInput) validate(op string) (string, error) {
	if strings.TrimSpace(in.ProjectID) == "" {
		return "", validationf(op, "project_id is required")
	}
	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if len(currency) != 3 {
		return "", validationf(op, "currency must be a 3-letter ISO code, got %q", in.Currency)
	}
	for _, r := range currency {
		if r < 'a' || r > 'z' {
			return "", validationf(op, "currency must be a 3-letter ISO code, got %q", in.Currency)
		}
	}
	if len(in.Milestones) == 0 {
		return "", validationf(op, "at least one milestone is required")
	}
	var sum int64
	for i, m := range in.Milestones {
		if strings.TrimSpace(m.Title) == "" {
			return "", validationf(op, "milestone %d: title is required", i)
		}
		if m.Amount <= 0 {
			return "", validationf(op, "milestone %d: amount must be positive, got %d", i, m.Amount)
		}
		if sum > math.MaxInt64-m.Amount {
			return "", validationf(op, "milestone amounts overflow")
		}
		sum += m.Amount
	}
	if in.TotalAmount != sum {
		return "", validationf(op, "total_amount %d does not equal milestone sum %d", in.TotalAmount, sum)
	}
	return currency, nil
}

// CreateDeal persists a deal and its milestones in DRAFT/PENDING atomically.
func (e *Engine) CreateDeal(ctx context.Context, actor Actor, in CreateDealInput) (d *Deal, err error) {
	op := OpCreateDeal
	defer e.track(op, &err, zap.String("brand_id", actor.ID))

	if actor.Role != RoleBrand || actor.ID == "" {
		return nil, forbiddenf(op, "only a brand may create deals")
	}
	currency, err := in.validate(op)
	if err != nil {
		return nil, err
	}
	if in.CreatorID == actor.ID {
		return nil, validationf(op, "a brand cannot contract itself")
	}

	now := e.now()
	d = &Deal{
		ID:          e.newID(),
		ProjectID:   in.ProjectID,
		BrandID:     actor.ID,
		CreatorID:   in.CreatorID,
		Title:       strings.TrimSpace(in.Title),
		Currency:    currency,
		TotalAmount: in.TotalAmount,
		State:       DealDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	ids := make([]string, 0, len(in.Milestones))
	for i, mi := range in.Milestones {
		m := &Milestone{
			ID:       e.newID(),
			DealID:   d.ID,
			Position: i + 1,
			Title:    strings.TrimSpace(mi.Title),
			Amount:   mi.Amount,
			State:    MilestonePending,
			DueAt:    mi.DueAt,
		}
		d.Milestones = append(d.Milestones, m)
		ids = append(ids, m.ID)
	}
	if err := checkAggregate(op, d); err != nil {
		return nil, err
	}

	ev := e.event(actor, op, d, nil, "", string(DealDraft), DealCreatedPayload{
		ProjectID:    d.ProjectID,
		CreatorID:    d.CreatorID,
		Currency:     d.Currency,
		TotalAmount:  d.TotalAmount,
		MilestoneIDs: ids,
	})
	err = e.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertDeal(ctx, d); err != nil {
			return storeErr(op, err)
		}
		return storeErr(op, tx.AppendEvent(ctx, ev))
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("deal created",
		zap.String("deal_id", d.ID),
		zap.Int64("total_amount", d.TotalAmount),
		zap.Int("milestones", len(d.Milestones)),
	)
	return d, nil
}

// AcceptDeal records the creator's acceptance. The deal stays in DRAFT.
// An unassigned deal is assigned to the accepting creator.
func (e *Engine) AcceptDeal(ctx context.Context, actor Actor, dealID string) (d *Deal, err error) {
	op := OpAcceptDeal
	defer e.track(op, &err, zap.String("deal_id", dealID), zap.String("actor", actor.ID))

	snap, err := e.load(ctx, op, dealID)
	if err != nil {
		return nil, err
	}
	if actor.Role != RoleCreator || actor.ID == "" {
		return nil, forbiddenf(op, "only a creator may accept a deal")
	}
	if snap.CreatorID != "" && snap.CreatorID != actor.ID {
		return nil, forbiddenf(op, "deal is assigned to another creator")
	}
	if actor.ID == snap.BrandID {
		return nil, forbiddenf(op, "a brand cannot accept its own deal")
	}
	if snap.State != DealDraft {
		return nil, guardf(op, string(snap.State), "only draft deals can be accepted")
	}
	if snap.Accepted {
		return nil, guardf(op, string(snap.State), "deal already accepted")
	}
	if err := e.checkKYC(ctx, op, snap, actor.ID); err != nil {
		return nil, err
	}

	return e.commit(ctx, op, dealID, snap.Version, func(tx Tx, d *Deal) ([]*Event, error) {
		d.CreatorID = actor.ID
		d.Accepted = true
		d.AcceptedAt = timePtr(e.now())
		return []*Event{e.event(actor, op, d, nil, string(d.State), string(d.State), DealAcceptedPayload{CreatorID: actor.ID})}, nil
	})
}

// FundDeal moves the deal's total into escrow.
//
// Calling it on a FUNDED deal returns the deal unchanged without touching the
// provider. A failed provider call leaves the deal in DRAFT; the escrow
// account created for it is remembered, and on retry its status is checked
// first so funds are never collected twice.
func (e *Engine) FundDeal(ctx context.Context, actor Actor, dealID string) (d *Deal, err error) {
	op := OpFundDeal
	defer e.track(op, &err, zap.String("deal_id", dealID), zap.String("actor", actor.ID))

	snap, err := e.load(ctx, op, dealID)
	if err != nil {
		return nil, err
	}
	if err := requireBrand(op, actor, snap); err != nil {
		return nil, err
	}
	if snap.EscrowRef != "" && snap.State.HasEscrow() {
		if snap.State == DealFunded {
			return snap, nil
		}
		return nil, guardf(op, string(snap.State), "deal is past funding")
	}
	if snap.State != DealDraft {
		return nil, guardf(op, string(snap.State), "only draft deals can be funded")
	}
	if !snap.Accepted {
		return nil, guardf(op, string(snap.State), "deal has not been accepted by a creator")
	}
	if snap.PendingOp != PendingNone && e.claimLive(snap.PendingOpAt) {
		return nil, conflictf(op, "a %s call is already in flight for deal %s", snap.PendingOp, dealID)
	}
	if err := e.checkKYC(ctx, op, snap, actor.ID); err != nil {
		return nil, err
	}

	ref := snap.PendingEscrowRef
	reused := ref != ""
	if !reused {
		ref, err = e.provider.CreateEscrow(ctx, dealID, snap.Currency)
		if err != nil {
			return nil, providerErr(op, err)
		}
	}

	// Claim the deal before any money moves.
	claimed, err := e.commit(ctx, op, dealID, snap.Version, func(tx Tx, d *Deal) ([]*Event, error) {
		d.PendingOp = PendingFund
		d.PendingEscrowRef = ref
		d.PendingOpAt = timePtr(e.now())
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	var paymentRef string
	reconciled := false
	if reused {
		status, err := e.provider.GetStatus(ctx, ref)
		if err != nil {
			e.releaseClaim(ctx, op, dealID, PendingFund)
			return nil, providerErr(op, err)
		}
		reconciled = status == EscrowFunded
		if status != EscrowFunded && status != EscrowUnfunded {
			e.releaseClaim(ctx, op, dealID, PendingFund)
			return nil, invariantf(op, "escrow %s for draft deal %s is %s", ref, dealID, status)
		}
	}
	if !reconciled {
		paymentRef, err = e.provider.FundEscrow(ctx, ref, claimed.TotalAmount, claimed.BrandID)
		if err != nil {
			e.releaseClaim(ctx, op, dealID, PendingFund)
			return nil, providerErr(op, err)
		}
	}

	d, err = e.commit(ctx, op, dealID, 0, func(tx Tx, d *Deal) ([]*Event, error) {
		if d.State == DealFunded && d.EscrowRef == ref {
			return nil, nil
		}
		if d.PendingOp != PendingFund || d.PendingEscrowRef != ref {
			return nil, invariantf(op, "funded escrow %s but deal %s no longer holds the funding claim", ref, dealID)
		}
		before := d.State
		d.EscrowRef = ref
		d.FundedAt = timePtr(e.now())
		d.PendingOp, d.PendingEscrowRef, d.PendingOpAt = PendingNone, "", nil
		if err := e.moveDeal(op, d, DealFunded); err != nil {
			return nil, err
		}
		return []*Event{e.event(actor, op, d, nil, string(before), string(d.State), DealFundedPayload{
			EscrowRef:  ref,
			PaymentRef: paymentRef,
			Amount:     d.TotalAmount,
			Reconciled: reconciled,
		})}, nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("deal funded",
		zap.String("deal_id", dealID),
		zap.String("escrow_ref", ref),
		zap.Bool("reconciled", reconciled),
	)
	return d, nil
}

// releaseClaim drops a fund/refund claim after a failed provider call. A
// failure here only delays retries until the lease runs out.
func (e *Engine) releaseClaim(ctx context.Context, op, dealID string, kind PendingOp) {
	_, err := e.commit(ctx, op, dealID, 0, func(tx Tx, d *Deal) ([]*Event, error) {
		if d.PendingOp == kind {
			d.PendingOp, d.PendingOpAt = PendingNone, nil
		}
		return nil, nil
	})
	if err != nil {
		e.logger.Warn("failed to release provider claim",
			zap.String("deal_id", dealID),
			zap.String("claim", string(kind)),
			zap.Error(err),
		)
	}
}

// GetDeal returns a deal with its milestones. Only parties and operators may read it.
func (e *Engine) GetDeal(ctx context.Context, actor Actor, dealID string) (d *Deal, err error) {
	op := OpGetDeal
	defer e.track(op, &err, zap.String("deal_id", dealID))

	d, err = e.load(ctx, op, dealID)
	if err != nil {
		return nil, err
	}
	if actor.Role != RoleAdmin && actor.Role != RoleSystem && !d.IsParty(actor.ID) {
		return nil, forbiddenf(op, "not a party to this deal")
	}
	return d, nil
}

// ListDeals lists deals visible to the actor. Brands and creators only see their own.
func (e *Engine) ListDeals(ctx context.Context, actor Actor, f DealFilter) (deals []*Deal, err error) {
	op := OpListDeals
	defer e.track(op, &err)

	switch actor.Role {
	case RoleBrand:
		f.BrandID, f.PartyID = actor.ID, ""
	case RoleCreator:
		f.CreatorID, f.PartyID = actor.ID, ""
	case RoleAdmin, RoleSystem:
	default:
		return nil, forbiddenf(op, "unknown role %q", actor.Role)
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	deals, err = e.store.ListDeals(ctx, f)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return deals, nil
}
