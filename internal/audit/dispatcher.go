package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sudo-init-do/dealhub/internal/metrics"
)

// Dispatcher polls the outbox and publishes what it finds.
type Dispatcher struct {
	outbox      Outbox
	publisher   Publisher
	logger      *zap.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int
	now         func() time.Time
}

func NewDispatcher(outbox Outbox, publisher Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		outbox:      outbox,
		publisher:   publisher,
		logger:      logger,
		interval:    time.Second,
		batchSize:   100,
		maxAttempts: 10,
		now:         time.Now,
	}
}

func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Dispatcher) WithBatchSize(n int) *Dispatcher {
	if n > 0 {
		d.batchSize = n
	}
	return d
}

func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

// Start blocks until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("audit dispatcher started",
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
		zap.Int("max_attempts", d.maxAttempts),
	)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("audit dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				d.logger.Error("audit dispatch failed", zap.Error(err))
			}
		}
	}
}

// DispatchOnce publishes one batch and reports how many messages went out.
// Messages are published in seq order. After a failure the rest of that
// deal's messages wait for the next tick, so a deal's events never overtake
// each other.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	msgs, err := d.outbox.Pending(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	blocked := map[string]bool{}
	for _, m := range msgs {
		if blocked[m.DealID] {
			continue
		}
		if err := d.publisher.Publish(ctx, m.RoutingKey(), m); err != nil {
			metrics.IncOutbox("failed")
			d.fail(ctx, m, err)
			blocked[m.DealID] = true
			continue
		}
		if err := d.outbox.MarkPublished(ctx, m.Seq); err != nil {
			// published but not marked: it goes out again next tick
			return sent, err
		}
		metrics.IncOutbox("success")
		sent++
	}
	return sent, nil
}

func (d *Dispatcher) fail(ctx context.Context, m Message, cause error) {
	attempt := m.Attempts + 1
	var next *time.Time
	if attempt < d.maxAttempts {
		at := d.now().Add(backoff(attempt))
		next = &at
	}
	d.logger.Warn("audit publish failed",
		zap.Int64("seq", m.Seq),
		zap.String("routing_key", m.RoutingKey()),
		zap.Int("attempt", attempt),
		zap.Bool("parked", next == nil),
		zap.Error(cause),
	)
	if err := d.outbox.MarkFailed(ctx, m.Seq, next, cause.Error()); err != nil {
		d.logger.Error("mark outbox failure", zap.Int64("seq", m.Seq), zap.Error(err))
	}
}

// backoff is linear at 5s per attempt, capped at five minutes.
func backoff(attempt int) time.Duration {
	b := time.Duration(attempt) * 5 * time.Second
	if b > 5*time.Minute {
		b = 5 * time.Minute
	}
	return b
}
