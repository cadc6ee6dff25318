package settlement

import "time"

// DealState is the lifecycle state of a Deal.
type DealState string

const (
	DealDraft    DealState = "draft"
	DealFunded   DealState = "funded"
	DealDisputed DealState = "disputed"
	DealReleased DealState = "released"
	DealRefunded DealState = "refunded"
)

// Terminal reports whether no further transition is possible.
func (s DealState) Terminal() bool {
	return s == DealReleased || s == DealRefunded
}

// HasEscrow reports whether a deal in this state must carry an escrow reference.
func (s DealState) HasEscrow() bool {
	switch s {
	case DealFunded, DealDisputed, DealReleased, DealRefunded:
		return true
	}
	return false
}

// MilestoneState is the lifecycle state of a Milestone.
type MilestoneState string

const (
	MilestonePending   MilestoneState = "pending"
	MilestoneSubmitted MilestoneState = "submitted"
	MilestoneApproved  MilestoneState = "approved"
	MilestoneDisputed  MilestoneState = "disputed"
	MilestoneReleased  MilestoneState = "released"
	MilestoneRefunded  MilestoneState = "refunded"
)

// Terminal reports whether the milestone's money has left escrow.
func (s MilestoneState) Terminal() bool {
	return s == MilestoneReleased || s == MilestoneRefunded
}

// PendingOp names a provider call that is in flight for a deal.
type PendingOp string

const (
	PendingNone   PendingOp = ""
	PendingFund   PendingOp = "fund"
	PendingRefund PendingOp = "refund"
)

// RefundIntent is a refund that has been sent, or is about to be sent, to the
// provider. Key is empty when there is none.
type RefundIntent struct {
	Key         string `json:"key,omitempty"`
	Amount      int64  `json:"amount,omitempty"`
	Full        bool   `json:"full,omitempty"`
	MilestoneID string `json:"milestone_id,omitempty"`
	DisputeID   string `json:"dispute_id,omitempty"`
}

func (ri RefundIntent) Open() bool { return ri.Key != "" }

// covers reports whether ri is the refund the caller asked for.
func (ri RefundIntent) covers(in RefundInput) bool {
	switch {
	case in.MilestoneID != "":
		return ri.MilestoneID == in.MilestoneID
	case in.Amount != nil:
		return ri.MilestoneID == "" && ri.Amount == *in.Amount
	default:
		return ri.MilestoneID == "" && ri.Full
	}
}

// Deal is one funded engagement between a brand and a creator.
//
// Accepted is an explicit flag rather than a state: funding is the real gate,
// so a deal stays in DRAFT after the creator accepts it.
type Deal struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	BrandID   string `json:"brand_id"`
	// CreatorID is empty until a creator is assigned.
	CreatorID string `json:"creator_id,omitempty"`
	Title     string `json:"title"`
	Currency  string `json:"currency"`

	TotalAmount    int64 `json:"total_amount"`
	RefundedAmount int64 `json:"refunded_amount"`

	// EscrowRef is set iff State.HasEscrow().
	EscrowRef string    `json:"escrow_ref,omitempty"`
	State     DealState `json:"state"`

	Accepted    bool       `json:"accepted"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	FundedAt    *time.Time `json:"funded_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Claim held while a fund or refund call is with the provider.
	PendingOp        PendingOp  `json:"pending_op,omitempty"`
	PendingEscrowRef string     `json:"pending_escrow_ref,omitempty"`
	PendingOpAt      *time.Time `json:"pending_op_at,omitempty"`
	// RefundIntent survives a failed refund call until the refund is
	// reconciled, so a retry repeats the same provider request.
	RefundIntent RefundIntent `json:"refund_intent"`

	Version    int64        `json:"version"`
	Milestones []*Milestone `json:"milestones"`
}

// Milestone finds a milestone of the deal by id.
func (d *Deal) Milestone(id string) *Milestone {
	for _, m := range d.Milestones {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// ReleasedAmount is the sum of milestones already paid to the creator.
func (d *Deal) ReleasedAmount() int64 {
	var sum int64
	for _, m := range d.Milestones {
		if m.State == MilestoneReleased {
			sum += m.Amount
		}
	}
	return sum
}

// EscrowBalance is what the escrow still holds for this deal.
func (d *Deal) EscrowBalance() int64 {
	if !d.State.HasEscrow() {
		return 0
	}
	return d.TotalAmount - d.ReleasedAmount() - d.RefundedAmount
}

// IsParty reports whether the user is the brand or the creator on the deal.
func (d *Deal) IsParty(userID string) bool {
	return userID != "" && (userID == d.BrandID || userID == d.CreatorID)
}

// Clone returns a deep copy, so callers can mutate without aliasing store state.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	c := *d
	c.Milestones = make([]*Milestone, len(d.Milestones))
	for i, m := range d.Milestones {
		mc := *m
		c.Milestones[i] = &mc
	}
	return &c
}

// Milestone is one payable unit of work within a Deal.
type Milestone struct {
	ID          string         `json:"id"`
	DealID      string         `json:"deal_id"`
	Position    int            `json:"position"`
	Title       string         `json:"title"`
	Amount      int64          `json:"amount"`
	State       MilestoneState `json:"state"`
	DueAt       *time.Time     `json:"due_at,omitempty"`
	SubmittedAt *time.Time     `json:"submitted_at,omitempty"`
	ApprovedAt  *time.Time     `json:"approved_at,omitempty"`
	ReleasedAt  *time.Time     `json:"released_at,omitempty"`
	RefundedAt  *time.Time     `json:"refunded_at,omitempty"`
}

// Deliverable is evidence submitted by the creator against a milestone.
// The most recent one for a milestone is authoritative.
type Deliverable struct {
	ID          string `json:"id"`
	DealID      string `json:"deal_id"`
	MilestoneID string `json:"milestone_id"`
	ContentRef  string `json:"content_ref,omitempty"`
	FileHash    string `json:"file_hash,omitempty"`
	// Checks holds validator-specific results and is stored as-is.
	Checks      map[string]any `json:"checks,omitempty"`
	SubmittedBy string         `json:"submitted_by"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// PayoutStatus is the outcome of one release attempt.
type PayoutStatus string

const (
	PayoutProcessing PayoutStatus = "processing"
	PayoutSucceeded  PayoutStatus = "succeeded"
	PayoutFailed     PayoutStatus = "failed"
)

// Payout records one attempted fund release to a creator.
type Payout struct {
	ID             string       `json:"id"`
	DealID         string       `json:"deal_id"`
	MilestoneID    string       `json:"milestone_id"`
	ProviderRef    string       `json:"provider_ref,omitempty"`
	Amount         int64        `json:"amount"`
	Currency       string       `json:"currency"`
	Status         PayoutStatus `json:"status"`
	IdempotencyKey string       `json:"idempotency_key"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// DisputeState is OPEN until resolved.
type DisputeState string

const (
	DisputeOpen     DisputeState = "open"
	DisputeResolved DisputeState = "resolved"
)

// Outcome is how a dispute gets resolved.
type Outcome string

const (
	OutcomeDismiss Outcome = "dismiss"
	OutcomeRefund  Outcome = "refund"
	OutcomeRelease Outcome = "release"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeDismiss || o == OutcomeRefund || o == OutcomeRelease
}

// Dispute is a hold on a whole deal (MilestoneID empty) or on one milestone.
type Dispute struct {
	ID          string       `json:"id"`
	DealID      string       `json:"deal_id"`
	MilestoneID string       `json:"milestone_id,omitempty"`
	RaisedBy    string       `json:"raised_by"`
	Reason      string       `json:"reason"`
	State       DisputeState `json:"state"`
	Outcome     Outcome      `json:"outcome,omitempty"`
	Resolution  string       `json:"resolution,omitempty"`
	// PendingOutcome is recorded before a provider call so a failed
	// resolution can be retried with the same intent.
	PendingOutcome      Outcome        `json:"pending_outcome,omitempty"`
	PriorDealState      DealState      `json:"prior_deal_state,omitempty"`
	PriorMilestoneState MilestoneState `json:"prior_milestone_state,omitempty"`
	ResolvedBy          string         `json:"resolved_by,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	ResolvedAt          *time.Time     `json:"resolved_at,omitempty"`
}

// DealScoped reports whether the dispute freezes the whole deal.
func (d *Dispute) DealScoped() bool { return d.MilestoneID == "" }

// Role is the capacity in which an actor calls the engine.
type Role string

const (
	RoleBrand   Role = "brand"
	RoleCreator Role = "creator"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
)

// Actor is the authenticated caller, supplied by the transport layer.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used by the auto-release scheduler.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// DealFilter narrows ListDeals. Zero values match everything.
type DealFilter struct {
	BrandID   string
	CreatorID string
	// PartyID matches deals where the user is either brand or creator.
	PartyID string
	States  []DealState
	Limit   int
	Offset  int
}

// ReleaseCandidate is a SUBMITTED milestone as seen by the auto-release scan.
type ReleaseCandidate struct {
	DealID         string
	MilestoneID    string
	DealState      DealState
	State          MilestoneState
	SubmittedAt    *time.Time
	HasOpenDispute bool
}
