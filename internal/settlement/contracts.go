package settlement

import (
	"context"
	"time"
)

// EscrowStatus is the provider-side view of an escrow account.
type EscrowStatus string

const (
	EscrowUnfunded EscrowStatus = "unfunded"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// EscrowProvider moves the actual money. Methods are not assumed idempotent;
// the engine guards every call. Failures should be *ProviderError.
type EscrowProvider interface {
	CreateEscrow(ctx context.Context, dealID, currency string) (escrowRef string, err error)
	FundEscrow(ctx context.Context, escrowRef string, amount int64, payerID string) (paymentRef string, err error)
	ReleaseToCreator(ctx context.Context, escrowRef string, amount int64, payeeID string, metadata map[string]string) (payoutRef string, err error)
	// RefundToBrand refunds the whole remaining balance when amount is nil.
	// A repeated metadata["idempotency_key"] must return the first refund's
	// reference without moving money again.
	RefundToBrand(ctx context.Context, escrowRef string, amount *int64, metadata map[string]string) (refundRef string, err error)
	GetStatus(ctx context.Context, escrowRef string) (EscrowStatus, error)
}

// KYCGate reports whether a user has passed identity checks.
type KYCGate interface {
	Verified(ctx context.Context, userID string) (bool, error)
}

type allowAll struct{}

func (allowAll) Verified(context.Context, string) (bool, error) { return true, nil }

// Store is durable, transactional storage for settlement records.
// Reads outside WithTx may be stale; every transition goes through a Tx.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetDeal(ctx context.Context, id string) (*Deal, error)
	ListDeals(ctx context.Context, f DealFilter) ([]*Deal, error)
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputes(ctx context.Context, dealID string) ([]*Dispute, error)
	ListPayouts(ctx context.Context, dealID string) ([]*Payout, error)
	LatestDeliverable(ctx context.Context, milestoneID string) (*Deliverable, error)
	// SubmittedBefore lists SUBMITTED milestones whose submission is older than cutoff.
	SubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]ReleaseCandidate, error)
}

// Tx is one atomic unit of work. Implementations serialize transactions on
// the same deal (row lock or equivalent) and reject stale SaveDeal calls.
type Tx interface {
	// LockDeal loads a deal with its milestones and holds it until commit.
	LockDeal(ctx context.Context, id string) (*Deal, error)
	InsertDeal(ctx context.Context, d *Deal) error
	// SaveDeal writes the deal row and its milestones if d.Version matches the
	// stored version, then increments d.Version. Otherwise ErrStaleVersion.
	SaveDeal(ctx context.Context, d *Deal) error

	InsertDeliverable(ctx context.Context, dl *Deliverable) error

	DealPayouts(ctx context.Context, dealID string) ([]*Payout, error)
	// InsertPayout fails with ErrDuplicate if the milestone already has a
	// PROCESSING or SUCCEEDED payout.
	InsertPayout(ctx context.Context, p *Payout) error
	// UpdatePayout fails with ErrDuplicate if it would create a second
	// SUCCEEDED payout for the milestone.
	UpdatePayout(ctx context.Context, p *Payout) error

	OpenDisputes(ctx context.Context, dealID string) ([]*Dispute, error)
	LockDispute(ctx context.Context, id string) (*Dispute, error)
	// InsertDispute fails with ErrDuplicate if an OPEN dispute exists for the same scope.
	InsertDispute(ctx context.Context, d *Dispute) error
	UpdateDispute(ctx context.Context, d *Dispute) error

	AppendEvent(ctx context.Context, ev *Event) error
}
