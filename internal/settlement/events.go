package settlement

import "time"

// Operation names, used for audit events, metrics and routing keys.
const (
	OpCreateDeal        = "create_deal"
	OpAcceptDeal        = "accept_deal"
	OpFundDeal          = "fund_deal"
	OpSubmitDeliverable = "submit_deliverable"
	OpApproveMilestone  = "approve_milestone"
	OpReleaseMilestone  = "release_milestone"
	OpOpenDispute       = "open_dispute"
	OpResolveDispute    = "resolve_dispute"
	OpRefundDeal        = "refund_deal"
	OpRefundMilestone   = "refund_milestone"
	OpSettleDeal        = "settle_deal"
	OpGetDeal           = "get_deal"
	OpListDeals         = "list_deals"
)

// Entity names the record whose state an event describes.
type Entity string

const (
	EntityDeal      Entity = "deal"
	EntityMilestone Entity = "milestone"
)

// Event is one immutable audit entry; exactly one is written per transition.
type Event struct {
	ID          string       `json:"id"`
	DealID      string       `json:"deal_id"`
	MilestoneID string       `json:"milestone_id,omitempty"`
	ActorID     string       `json:"actor_id"`
	ActorRole   Role         `json:"actor_role"`
	Operation   string       `json:"operation"`
	Entity      Entity       `json:"entity"`
	Before      string       `json:"before"`
	After       string       `json:"after"`
	Payload     EventPayload `json:"payload"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

// EventPayload is the typed body of an event.
type EventPayload interface {
	PayloadKind() string
}

type DealCreatedPayload struct {
	ProjectID    string   `json:"project_id"`
	CreatorID    string   `json:"creator_id,omitempty"`
	Currency     string   `json:"currency"`
	TotalAmount  int64    `json:"total_amount"`
	MilestoneIDs []string `json:"milestone_ids"`
}

type DealAcceptedPayload struct {
	CreatorID string `json:"creator_id"`
}

type DealFundedPayload struct {
	EscrowRef  string `json:"escrow_ref"`
	PaymentRef string `json:"payment_ref,omitempty"`
	Amount     int64  `json:"amount"`
	// Reconciled is true when the provider already held the funds and no
	// second funding call was made.
	Reconciled bool `json:"reconciled,omitempty"`
}

type DeliverableSubmittedPayload struct {
	DeliverableID string `json:"deliverable_id"`
	ContentRef    string `json:"content_ref,omitempty"`
	FileHash      string `json:"file_hash,omitempty"`
	Resubmission  bool   `json:"resubmission,omitempty"`
}

type MilestoneApprovedPayload struct {
	Amount int64 `json:"amount"`
}

type MilestoneReleasedPayload struct {
	PayoutID    string `json:"payout_id"`
	ProviderRef string `json:"provider_ref,omitempty"`
	Amount      int64  `json:"amount"`
	DisputeID   string `json:"dispute_id,omitempty"`
}

type DisputeOpenedPayload struct {
	DisputeID string `json:"dispute_id"`
	Reason    string `json:"reason"`
}

type DisputeResolvedPayload struct {
	DisputeID  string  `json:"dispute_id"`
	Outcome    Outcome `json:"outcome"`
	Resolution string  `json:"resolution,omitempty"`
}

type RefundedPayload struct {
	RefundRef string `json:"refund_ref,omitempty"`
	Amount    int64  `json:"amount"`
	Full      bool   `json:"full"`
	DisputeID string `json:"dispute_id,omitempty"`
	// Reconciled is set when a retried refund found the escrow already refunded.
	Reconciled bool `json:"reconciled,omitempty"`
}

type DealSettledPayload struct {
	ReleasedAmount int64 `json:"released_amount"`
	RefundedAmount int64 `json:"refunded_amount"`
}

func (DealCreatedPayload) PayloadKind() string          { return "deal_created" }
func (DealAcceptedPayload) PayloadKind() string         { return "deal_accepted" }
func (DealFundedPayload) PayloadKind() string           { return "deal_funded" }
func (DeliverableSubmittedPayload) PayloadKind() string { return "deliverable_submitted" }
func (MilestoneApprovedPayload) PayloadKind() string    { return "milestone_approved" }
func (MilestoneReleasedPayload) PayloadKind() string    { return "milestone_released" }
func (DisputeOpenedPayload) PayloadKind() string        { return "dispute_opened" }
func (DisputeResolvedPayload) PayloadKind() string      { return "dispute_resolved" }
func (RefundedPayload) PayloadKind() string             { return "refunded" }
func (DealSettledPayload) PayloadKind() string          { return "deal_settled" }
