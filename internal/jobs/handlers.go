package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/sudo-init-do/dealhub/internal/settlement"
)

// Enqueuer is the part of *asynq.Client the scanner needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector is the part of *asynq.Inspector the scanner needs to clear
// archived release tasks.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// Scanner finds milestones that waited too long for approval.
type Scanner struct {
	store     settlement.Store
	policy    settlement.AutoReleasePolicy
	enqueuer  Enqueuer
	inspector TaskInspector
	batch     int
	now       func() time.Time
	logger    *zap.Logger
}

func NewScanner(store settlement.Store, policy settlement.AutoReleasePolicy, enqueuer Enqueuer, batch int, logger *zap.Logger) *Scanner {
	if batch <= 0 {
		batch = 100
	}
	return &Scanner{store: store, policy: policy, enqueuer: enqueuer, batch: batch, now: time.Now, logger: logger}
}

// WithInspector lets the scanner replace an archived release task that still
// holds a milestone's task id.
func (s *Scanner) WithInspector(i TaskInspector) *Scanner {
	s.inspector = i
	return s
}

// HandleScan enqueues one release task per eligible milestone.
func (s *Scanner) HandleScan(ctx context.Context, _ *asynq.Task) error {
	now := s.now()
	candidates, err := s.store.SubmittedBefore(ctx, s.policy.Cutoff(now), s.batch)
	if err != nil {
		return fmt.Errorf("list release candidates: %w", err)
	}

	queued := 0
	for _, c := range s.policy.Filter(candidates, now) {
		p := AutoReleasePayload{DealID: c.DealID, MilestoneID: c.MilestoneID, SubmittedAt: *c.SubmittedAt}
		ok, err := s.enqueue(ctx, p)
		if err != nil {
			return fmt.Errorf("enqueue auto release for %s: %w", c.MilestoneID, err)
		}
		if ok {
			queued++
		}
	}
	s.logger.Info("auto release scan",
		zap.Int("candidates", len(candidates)),
		zap.Int("queued", queued),
	)
	return nil
}

// enqueue queues the release task for p. A task id still held by a pending or
// running task is skipped; one held by an archived task is deleted and queued
// again.
func (s *Scanner) enqueue(ctx context.Context, p AutoReleasePayload) (bool, error) {
	task, err := NewAutoReleaseTask(p)
	if err != nil {
		return false, err
	}
	_, err = s.enqueuer.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return false, nil
	}
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err == nil, err
	}
	if s.inspector == nil {
		return false, nil
	}

	id := AutoReleaseTaskID(p)
	info, err := s.inspector.GetTaskInfo(QueueSettlement, id)
	if errors.Is(err, asynq.ErrTaskNotFound) {
		// finished between the two calls
		_, err = s.enqueuer.EnqueueContext(ctx, task)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return false, nil
		}
		return err == nil, err
	}
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", id, err)
	}
	if info.State != asynq.TaskStateArchived {
		return false, nil
	}
	if err := s.inspector.DeleteTask(QueueSettlement, id); err != nil {
		return false, fmt.Errorf("delete archived %s: %w", id, err)
	}
	s.logger.Info("replacing archived auto release task",
		zap.String("task_id", id),
		zap.String("milestone_id", p.MilestoneID),
		zap.String("last_err", info.LastErr),
	)
	_, err = s.enqueuer.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return false, nil
	}
	return err == nil, err
}

// Approver is the engine operation the release task drives.
type Approver interface {
	ApproveMilestone(ctx context.Context, actor settlement.Actor, dealID, milestoneID string) (*settlement.Payout, error)
}

type Releaser struct {
	engine Approver
	logger *zap.Logger
}

func NewReleaser(engine Approver, logger *zap.Logger) *Releaser {
	return &Releaser{engine: engine, logger: logger}
}

// HandleAutoRelease approves the milestone as the system actor. The engine
// rechecks every guard, so a milestone approved, disputed or refunded since
// the scan is skipped without retry.
func (r *Releaser) HandleAutoRelease(ctx context.Context, t *asynq.Task) error {
	var p AutoReleasePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	payout, err := r.engine.ApproveMilestone(ctx, settlement.SystemActor, p.DealID, p.MilestoneID)
	if err == nil {
		r.logger.Info("milestone auto-released",
			zap.String("deal_id", p.DealID),
			zap.String("milestone_id", p.MilestoneID),
			zap.String("payout_id", payout.ID),
		)
		return nil
	}
	if settlement.IsRetryable(err) {
		return err
	}

	fields := []zap.Field{
		zap.String("deal_id", p.DealID),
		zap.String("milestone_id", p.MilestoneID),
		zap.Error(err),
	}
	switch settlement.KindOf(err) {
	case settlement.KindGuard, settlement.KindNotFound:
		r.logger.Info("auto release skipped", fields...)
	default:
		r.logger.Error("auto release failed", fields...)
	}
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}
