// Package jobs runs settlement work that nobody asks for over HTTP: the
// periodic auto-release scan and the per-milestone release it schedules.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskAutoReleaseScan = "settlement:auto_release_scan"
	TaskAutoRelease     = "settlement:auto_release"

	QueueSettlement = "settlement"
)

type AutoReleasePayload struct {
	DealID      string    `json:"deal_id"`
	MilestoneID string    `json:"milestone_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// AutoReleaseTaskID names the release task for one submission of a
// milestone. A resubmission gets a new id, so an archived task for an older
// submission never blocks it.
func AutoReleaseTaskID(p AutoReleasePayload) string {
	return fmt.Sprintf("auto_release:%s:%d", p.MilestoneID, p.SubmittedAt.Unix())
}

// NewAutoReleaseTask builds the release task for one milestone submission.
func NewAutoReleaseTask(p AutoReleasePayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal auto release payload: %w", err)
	}
	return asynq.NewTask(TaskAutoRelease, b,
		asynq.TaskID(AutoReleaseTaskID(p)),
		asynq.Queue(QueueSettlement),
		asynq.MaxRetry(10),
	), nil
}
