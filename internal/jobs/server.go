package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// NewMux routes both settlement tasks.
func NewMux(scanner *Scanner, releaser *Releaser) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskAutoReleaseScan, scanner.HandleScan)
	mux.HandleFunc(TaskAutoRelease, releaser.HandleAutoRelease)
	return mux
}

func NewServer(opt asynq.RedisClientOpt, concurrency int, logger *zap.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 5
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueSettlement: 10},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Warn("task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
	})
}

// NewScheduler registers the periodic scan. The scan task is unique for one
// interval, so overlapping schedulers do not pile up scans.
func NewScheduler(opt asynq.RedisClientOpt, interval time.Duration, logger *zap.Logger) (*asynq.Scheduler, error) {
	s := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC})
	task := asynq.NewTask(TaskAutoReleaseScan, nil, asynq.Queue(QueueSettlement), asynq.Unique(interval), asynq.MaxRetry(0))
	id, err := s.Register(fmt.Sprintf("@every %s", interval), task)
	if err != nil {
		return nil, fmt.Errorf("register auto release scan: %w", err)
	}
	logger.Info("auto release scan scheduled", zap.String("entry_id", id), zap.Duration("interval", interval))
	return s, nil
}
