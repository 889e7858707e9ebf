// Package events publishes collection domain events to a RabbitMQ topic exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Routing keys for published events.
const (
	InvoiceStateChanged = "invoice.state_changed"
	PaymentRecorded     = "payment.recorded"
	SettlementAccepted  = "settlement.accepted"
	RunEnded            = "run.ended"
)

const producer = "ar-collect"

// Meta describes an emitted event.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Producer      string    `json:"producer"`
	Time          time.Time `json:"time"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
}

// Envelope wraps event data with metadata.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope stamps data with a fresh id and timestamp.
func NewEnvelope(eventType string, data any, correlationID string) Envelope {
	env := Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     eventType + ".v1",
			Producer: producer,
			Time:     time.Now().UTC(),
		},
		Data: data,
	}
	if correlationID != "" {
		env.Meta.CorrelationID = &correlationID
	}
	return env
}

// Publisher emits envelopes under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

type rmqPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// NewRabbit dials url and declares a durable topic exchange.
func NewRabbit(url, exchange string, logger *slog.Logger) (Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &rmqPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "events"),
	}, nil
}

func (p *rmqPublisher) Publish(ctx context.Context, key string, msg Envelope) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	correlationID := msg.Meta.ID
	if msg.Meta.CorrelationID != nil {
		correlationID = *msg.Meta.CorrelationID
	}

	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     msg.Meta.ID,
		CorrelationId: correlationID,
		Timestamp:     msg.Meta.Time,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	p.logger.Debug("published", "key", key, "exchange", p.exchange)
	return nil
}

func (p *rmqPublisher) Close() error {
	return p.conn.Close()
}

type noopPublisher struct {
	logger *slog.Logger
}

// NewNoop returns a Publisher that only logs, used when no broker is configured.
func NewNoop(logger *slog.Logger) Publisher {
	return &noopPublisher{logger: logger.With("component", "events")}
}

func (p *noopPublisher) Publish(_ context.Context, key string, _ Envelope) error {
	p.logger.Debug("event publishing disabled, skipped", "key", key)
	return nil
}

func (p *noopPublisher) Close() error {
	return nil
}
