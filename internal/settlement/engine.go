// Package settlement is the escrow and milestone settlement engine: the
// Deal/Milestone state machine, the protocol for moving money through an
// EscrowProvider, and the checks that keep money from being lost, duplicated
// or released without authorization.
//
// Every operation follows the same shape: read the current state, validate it
// in memory, call the provider if needed, then commit the new state together
// with its audit events in one transaction. No lock is held across a provider
// call; claims persisted before the call (see PendingOp and Payout PROCESSING)
// keep concurrent callers from issuing duplicate money movements.
package settlement

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sudo-init-do/dealhub/internal/metrics"
)

// DefaultClaimLease is how long a fund, refund or payout claim blocks other
// callers before it is considered abandoned.
const DefaultClaimLease = 2 * time.Minute

// Engine owns every Deal and Milestone transition.
type Engine struct {
	store      Store
	provider   EscrowProvider
	kyc        KYCGate
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
	claimLease time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithKYC installs the identity gate consulted on accept and fund.
func WithKYC(g KYCGate) Option {
	return func(e *Engine) { e.kyc = g }
}

// WithClaimLease overrides DefaultClaimLease.
func WithClaimLease(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.claimLease = d
		}
	}
}

// WithIDGenerator replaces uuid generation, for tests.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine wires an engine to its collaborators. The provider is injected
// so tests can substitute a deterministic fake.
func NewEngine(store Store, provider EscrowProvider, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:      store,
		provider:   provider,
		kyc:        allowAll{},
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.New().String() },
		claimLease: DefaultClaimLease,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// load reads a deal snapshot outside any transaction.
func (e *Engine) load(ctx context.Context, op, dealID string) (*Deal, error) {
	if dealID == "" {
		return nil, validationf(op, "deal id is required")
	}
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return d, nil
}

// commit locks the deal, applies fn and saves the result with its events.
// A positive expect makes the commit fail with KindConflict if the deal moved
// past the version the caller validated against.
func (e *Engine) commit(ctx context.Context, op, dealID string, expect int64, fn func(tx Tx, d *Deal) ([]*Event, error)) (*Deal, error) {
	var out *Deal
	err := e.store.WithTx(ctx, func(tx Tx) error {
		d, err := tx.LockDeal(ctx, dealID)
		if err != nil {
			return storeErr(op, err)
		}
		if expect > 0 && d.Version != expect {
			return conflictf(op, "deal %s changed concurrently (version %d, expected %d)", dealID, d.Version, expect)
		}
		events, err := fn(tx, d)
		if err != nil {
			return err
		}
		if err := checkAggregate(op, d); err != nil {
			return err
		}
		d.UpdatedAt = e.now()
		if err := tx.SaveDeal(ctx, d); err != nil {
			return storeErr(op, err)
		}
		for _, ev := range events {
			if err := tx.AppendEvent(ctx, ev); err != nil {
				return storeErr(op, err)
			}
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) event(actor Actor, op string, d *Deal, m *Milestone, before, after string, payload EventPayload) *Event {
	ev := &Event{
		ID:         e.newID(),
		DealID:     d.ID,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Operation:  op,
		Entity:     EntityDeal,
		Before:     before,
		After:      after,
		Payload:    payload,
		OccurredAt: e.now(),
	}
	if m != nil {
		ev.MilestoneID = m.ID
		ev.Entity = EntityMilestone
	}
	return ev
}

// track records metrics and logs the outcome of a public operation.
func (e *Engine) track(op string, errp *error, fields ...zap.Field) {
	err := *errp
	metrics.ObserveTransition(op, resultLabel(err))
	if err == nil {
		return
	}
	fields = append(fields, zap.String("op", op), zap.Error(err))
	switch KindOf(err) {
	case KindInvariant:
		metrics.IncInvariantBreach()
		e.logger.Error("settlement invariant breach", append(fields, zap.Bool("critical", true))...)
	case KindProviderTransient, KindProviderPermanent, KindConflict:
		e.logger.Warn("settlement operation failed", fields...)
	case KindUnknown:
		e.logger.Error("settlement operation failed", fields...)
	default:
		e.logger.Debug("settlement operation rejected", fields...)
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).String()
}

func (e *Engine) claimLive(at *time.Time) bool {
	return at != nil && e.now().Sub(*at) < e.claimLease
}

func (e *Engine) checkKYC(ctx context.Context, op string, d *Deal, userID string) error {
	ok, err := e.kyc.Verified(ctx, userID)
	if err != nil {
		return &Error{Kind: KindUnknown, Op: op, Msg: "kyc check failed", Err: err}
	}
	if !ok {
		return guardf(op, string(d.State), "user %s has not passed identity verification", userID)
	}
	return nil
}

func requireBrand(op string, a Actor, d *Deal) error {
	if a.Role != RoleBrand || a.ID != d.BrandID {
		return forbiddenf(op, "only the deal's brand may do this")
	}
	return nil
}

func requireCreator(op string, a Actor, d *Deal) error {
	if a.Role != RoleCreator || a.ID == "" || a.ID != d.CreatorID {
		return forbiddenf(op, "only the deal's creator may do this")
	}
	return nil
}

func requireOperator(op string, a Actor) error {
	if a.Role != RoleAdmin && a.Role != RoleSystem {
		return forbiddenf(op, "only an operator may do this")
	}
	return nil
}

// PayoutIdempotencyKey derives the key handed to the provider for a
// milestone's release. It is the same for every attempt on that milestone so
// a provider that deduplicates on it never pays twice.
func PayoutIdempotencyKey(dealID, milestoneID string) string {
	h := hmac.New(sha256.New, []byte("dealhub-payout"))
	h.Write([]byte("deal:"))
	h.Write([]byte(dealID))
	h.Write([]byte("|milestone:"))
	h.Write([]byte(milestoneID))
	return hex.EncodeToString(h.Sum(nil))
}

// RefundIdempotencyKey derives the provider key for the refund claimed at
// the given deal version. Versions only grow, so each refund gets its own key.
func RefundIdempotencyKey(dealID string, version int64) string {
	h := hmac.New(sha256.New, []byte("dealhub-refund"))
	fmt.Fprintf(h, "deal:%s|version:%d", dealID, version)
	return hex.EncodeToString(h.Sum(nil))
}

func timePtr(t time.Time) *time.Time { return &t }
