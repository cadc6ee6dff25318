// Package audit publishes the settlement event log to RabbitMQ.
//
// Events are written to Postgres in the same transaction as the state change
// they describe; the Dispatcher drains unpublished rows to a topic exchange.
// Delivery is at-least-once and consumers dedupe on Message.ID.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Message is the wire form of one settlement event.
type Message struct {
	Seq         int64           `json:"seq"`
	ID          string          `json:"id"`
	DealID      string          `json:"deal_id"`
	MilestoneID string          `json:"milestone_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	ActorRole   string          `json:"actor_role"`
	Operation   string          `json:"operation"`
	Entity      string          `json:"entity"`
	Before      string          `json:"before"`
	After       string          `json:"after"`
	PayloadKind string          `json:"payload_kind"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurred_at"`

	// Attempts is outbox bookkeeping and is not published.
	Attempts int `json:"-"`
}

// RoutingKey is settlement.<operation>.
func (m Message) RoutingKey() string {
	return "settlement." + m.Operation
}

// Outbox is the store side of the dispatcher.
type Outbox interface {
	// Pending returns unpublished messages due for an attempt, oldest first.
	Pending(ctx context.Context, limit int) ([]Message, error)
	MarkPublished(ctx context.Context, seq int64) error
	// MarkFailed records a failed attempt. A nil next parks the message
	// until an operator replays it.
	MarkFailed(ctx context.Context, seq int64, next *time.Time, reason string) error
}

// Publisher delivers one message body under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg Message) error
}
