// Package memrail is an in-process escrow rail. The API runs on it with
// settlement.provider "memory" for local work; tests use its call counters
// and scripted failures.
package memrail

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sudo-init-do/dealhub/internal/settlement"
)

// Method names accepted by FailNext.
const (
	MethodCreate  = "create_escrow"
	MethodFund    = "fund_escrow"
	MethodRelease = "release_to_creator"
	MethodRefund  = "refund_to_brand"
	MethodStatus  = "get_status"
)

// ErrTransient and ErrPermanent are convenience failures for FailNext.
var (
	ErrTransient = &settlement.ProviderError{Transient: true, Code: "unavailable", Err: errors.New("provider unavailable")}
	ErrPermanent = &settlement.ProviderError{Code: "insufficient_funds", Err: errors.New("insufficient funds")}
)

type account struct {
	currency string
	funded   int64
	released int64
	refunded int64
}

func (a *account) balance() int64 { return a.funded - a.released - a.refunded }

// Release is one recorded ReleaseToCreator call.
type Release struct {
	EscrowRef string
	Amount    int64
	PayeeID   string
	Metadata  map[string]string
}

// Refund is one refund that moved money.
type Refund struct {
	EscrowRef string
	Amount    int64
	Key       string
}

// Provider is safe for concurrent use.
type Provider struct {
	mu       sync.Mutex
	seq      int
	accounts map[string]*account
	failures map[string][]error
	calls    map[string]int
	releases []Release
	refunds  []Refund

	// DedupeReleases makes the provider honor metadata["idempotency_key"].
	DedupeReleases bool
	seenKeys       map[string]string
	refundKeys     map[string]string

	// BeforeRelease, if set, runs inside ReleaseToCreator before any state
	// changes. Tests use it to interleave calls.
	BeforeRelease func()
	// FundAppliesThenFails simulates a funding call that moved the money
	// but whose response was lost: the next failure injected for
	// MethodFund is returned only after the account is funded.
	FundAppliesThenFails bool
	// RefundAppliesThenFails does the same for MethodRefund. Refunds always
	// honor metadata["idempotency_key"].
	RefundAppliesThenFails bool
}

func New() *Provider {
	return &Provider{
		accounts:   map[string]*account{},
		failures:   map[string][]error{},
		calls:      map[string]int{},
		seenKeys:   map[string]string{},
		refundKeys: map[string]string{},
	}
}

var _ settlement.EscrowProvider = (*Provider)(nil)

// FailNext queues err for the next call to method.
func (p *Provider) FailNext(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[method] = append(p.failures[method], err)
}

// Calls returns how many times method was invoked.
func (p *Provider) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

// Releases returns every successful release in order.
func (p *Provider) Releases() []Release {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Release(nil), p.releases...)
}

// Refunds returns every refund that moved money, in order.
func (p *Provider) Refunds() []Refund {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Refund(nil), p.refunds...)
}

// Balance is what the escrow account currently holds.
func (p *Provider) Balance(escrowRef string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.accounts[escrowRef]; ok {
		return a.balance()
	}
	return 0
}

func (p *Provider) take(method string) error {
	p.calls[method]++
	q := p.failures[method]
	if len(q) == 0 {
		return nil
	}
	p.failures[method] = q[1:]
	return q[0]
}

func (p *Provider) next(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_%04d", prefix, p.seq)
}

func (p *Provider) CreateEscrow(_ context.Context, dealID, currency string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.take(MethodCreate); err != nil {
		return "", err
	}
	ref := p.next("esc")
	p.accounts[ref] = &account{currency: currency}
	return ref, nil
}

func (p *Provider) FundEscrow(_ context.Context, escrowRef string, amount int64, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.take(MethodFund)
	if err != nil && !p.FundAppliesThenFails {
		return "", err
	}
	a, ok := p.accounts[escrowRef]
	if !ok {
		return "", &settlement.ProviderError{Method: MethodFund, Code: "unknown_escrow", Err: errors.New(escrowRef)}
	}
	a.funded += amount
	if err != nil {
		return "", err
	}
	return p.next("pay"), nil
}

func (p *Provider) ReleaseToCreator(_ context.Context, escrowRef string, amount int64, payeeID string, metadata map[string]string) (string, error) {
	if p.BeforeRelease != nil {
		p.BeforeRelease()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.take(MethodRelease); err != nil {
		return "", err
	}
	key := metadata["idempotency_key"]
	if p.DedupeReleases && key != "" {
		if ref, ok := p.seenKeys[key]; ok {
			return ref, nil
		}
	}
	a, ok := p.accounts[escrowRef]
	if !ok {
		return "", &settlement.ProviderError{Method: MethodRelease, Code: "unknown_escrow", Err: errors.New(escrowRef)}
	}
	if amount > a.balance() {
		return "", &settlement.ProviderError{Method: MethodRelease, Code: "insufficient_funds", Err: fmt.Errorf("release %d > balance %d", amount, a.balance())}
	}
	a.released += amount
	ref := p.next("po")
	p.seenKeys[key] = ref
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	p.releases = append(p.releases, Release{EscrowRef: escrowRef, Amount: amount, PayeeID: payeeID, Metadata: md})
	return ref, nil
}

func (p *Provider) RefundToBrand(_ context.Context, escrowRef string, amount *int64, metadata map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.take(MethodRefund)
	if err != nil && !p.RefundAppliesThenFails {
		return "", err
	}
	key := metadata["idempotency_key"]
	if ref, ok := p.refundKeys[key]; ok && key != "" {
		if err != nil {
			return "", err
		}
		return ref, nil
	}
	a, ok := p.accounts[escrowRef]
	if !ok {
		return "", &settlement.ProviderError{Method: MethodRefund, Code: "unknown_escrow", Err: errors.New(escrowRef)}
	}
	n := a.balance()
	if amount != nil {
		n = *amount
	}
	if n > a.balance() {
		return "", &settlement.ProviderError{Method: MethodRefund, Code: "insufficient_funds", Err: fmt.Errorf("refund %d > balance %d", n, a.balance())}
	}
	a.refunded += n
	ref := p.next("re")
	if key != "" {
		p.refundKeys[key] = ref
	}
	p.refunds = append(p.refunds, Refund{EscrowRef: escrowRef, Amount: n, Key: key})
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (p *Provider) GetStatus(_ context.Context, escrowRef string) (settlement.EscrowStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.take(MethodStatus); err != nil {
		return "", err
	}
	a, ok := p.accounts[escrowRef]
	if !ok {
		return "", &settlement.ProviderError{Method: MethodStatus, Code: "unknown_escrow", Err: errors.New(escrowRef)}
	}
	switch {
	case a.funded == 0:
		return settlement.EscrowUnfunded, nil
	case a.balance() > 0:
		return settlement.EscrowFunded, nil
	case a.refunded > 0:
		return settlement.EscrowRefunded, nil
	default:
		return settlement.EscrowReleased, nil
	}
}
