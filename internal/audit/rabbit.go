package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultExchange = "dealhub.events"

// RabbitPublisher publishes to a durable topic exchange. A dropped connection
// or channel is redialed on the next Publish.
type RabbitPublisher struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	p := &RabbitPublisher{url: url, exchange: exchange}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect dials and declares the exchange. Callers hold mu, or own p.
func (p *RabbitPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.conn, p.channel = conn, ch
	return nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, routingKey string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ch, err := p.liveChannel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.OccurredAt,
		Type:         msg.PayloadKind,
		Body:         body,
	})
}

func (p *RabbitPublisher) liveChannel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected() {
		return p.channel, nil
	}
	p.closeAll()
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("reconnect: %w", err)
	}
	return p.channel, nil
}

func (p *RabbitPublisher) connected() bool {
	return p.conn != nil && !p.conn.IsClosed() && p.channel != nil && !p.channel.IsClosed()
}

// IsConnected reports whether the broker connection and channel are open.
func (p *RabbitPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected()
}

// Ping fails when the broker is unreachable. It is the readiness check for
// processes that publish.
func (p *RabbitPublisher) Ping(context.Context) error {
	if !p.IsConnected() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

func (p *RabbitPublisher) closeAll() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.channel = nil, nil
}

func (p *RabbitPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeAll()
}
