// Package escrow wraps settlement.EscrowProvider implementations with the
// protections every rail needs: a bounded timeout per call, a circuit
// breaker, error classification, latency metrics and logging.
package escrow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sudo-init-do/dealhub/internal/metrics"
	"github.com/sudo-init-do/dealhub/internal/settlement"
)

// Guarded decorates a provider. It is safe for concurrent use.
type Guarded struct {
	inner   settlement.EscrowProvider
	timeout time.Duration
	breaker *Breaker
	logger  *zap.Logger
}

var _ settlement.EscrowProvider = (*Guarded)(nil)

// NewGuarded wraps inner. A nil breaker disables circuit breaking.
func NewGuarded(inner settlement.EscrowProvider, timeout time.Duration, breaker *Breaker, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guarded{inner: inner, timeout: timeout, breaker: breaker, logger: logger}
}

// call runs fn under the timeout and breaker and classifies its error.
func (g *Guarded) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if g.breaker != nil && !g.breaker.allow() {
		metrics.ObserveProviderCall(method, "circuit_open", 0)
		pe, _ := Classify(method, ErrBreakerOpen)
		return pe
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	if err == nil {
		if g.breaker != nil {
			g.breaker.record(false)
		}
		metrics.ObserveProviderCall(method, "ok", elapsed)
		return nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		err = &settlement.ProviderError{Method: method, Transient: true, Code: "timeout", Err: err}
	}
	pe, transient := Classify(method, err)
	if g.breaker != nil {
		g.breaker.record(transient)
	}
	result := "permanent"
	if transient {
		result = "transient"
	}
	metrics.ObserveProviderCall(method, result, elapsed)
	g.logger.Warn("escrow provider call failed",
		zap.String("method", method),
		zap.Bool("transient", transient),
		zap.String("code", pe.Code),
		zap.Duration("elapsed", elapsed),
		zap.Error(err),
	)
	return pe
}

func (g *Guarded) CreateEscrow(ctx context.Context, dealID, currency string) (ref string, err error) {
	err = g.call(ctx, "create_escrow", func(ctx context.Context) error {
		ref, err = g.inner.CreateEscrow(ctx, dealID, currency)
		return err
	})
	return ref, err
}

func (g *Guarded) FundEscrow(ctx context.Context, escrowRef string, amount int64, payerID string) (ref string, err error) {
	err = g.call(ctx, "fund_escrow", func(ctx context.Context) error {
		ref, err = g.inner.FundEscrow(ctx, escrowRef, amount, payerID)
		return err
	})
	return ref, err
}

func (g *Guarded) ReleaseToCreator(ctx context.Context, escrowRef string, amount int64, payeeID string, metadata map[string]string) (ref string, err error) {
	err = g.call(ctx, "release_to_creator", func(ctx context.Context) error {
		ref, err = g.inner.ReleaseToCreator(ctx, escrowRef, amount, payeeID, metadata)
		return err
	})
	return ref, err
}

func (g *Guarded) RefundToBrand(ctx context.Context, escrowRef string, amount *int64, metadata map[string]string) (ref string, err error) {
	err = g.call(ctx, "refund_to_brand", func(ctx context.Context) error {
		ref, err = g.inner.RefundToBrand(ctx, escrowRef, amount, metadata)
		return err
	})
	return ref, err
}

func (g *Guarded) GetStatus(ctx context.Context, escrowRef string) (status settlement.EscrowStatus, err error) {
	err = g.call(ctx, "get_status", func(ctx context.Context) error {
		status, err = g.inner.GetStatus(ctx, escrowRef)
		return err
	})
	return status, err
}
