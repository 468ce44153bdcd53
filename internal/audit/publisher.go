package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher delivers validated audit events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// envelope is the wire form every publisher emits.
type envelope struct {
	Type    EventKind `json:"type"`
	EventID string    `json:"event_id"`
	Data    Event     `json:"data"`
}

func marshal(ev Event) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Type:    ev.Kind(),
		EventID: uuid.NewString(),
		Data:    ev,
	})
}

// AMQPPublisher sends events to a durable queue consumed by the
// logging service.
type AMQPPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewAMQPPublisher connects to the broker and declares the queue.
func NewAMQPPublisher(url, queue string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := marshal(ev)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// LogPublisher writes events to the process log. It stands in for the
// broker in development and tests.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	body, err := marshal(ev)
	if err != nil {
		return err
	}
	p.log.Info("audit event", "type", string(ev.Kind()), "data", json.RawMessage(body))
	return nil
}

func (p *LogPublisher) Close() error { return nil }
