// Package publish forwards ledger events to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"multiasset-ledger/internal/eventstore"
)

var ErrClosed = errors.New("publish: publisher is closed")

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Config struct {
	URL      string
	Exchange string
	// PublishTimeout bounds a single publish call.
	PublishTimeout time.Duration
}

// AMQPPublisher writes every event it receives to a topic exchange. Routing
// keys are "<aggregate_type>.<event_type>" in lower case, so consumers can
// bind to "account.#" or "*.account_debited".
type AMQPPublisher struct {
	ch       Channel
	conn     *amqp.Connection
	exchange string
	timeout  time.Duration
	logger   *zap.Logger
}

// Dial connects to the broker, declares the exchange and returns a
// publisher owning the connection.
func Dial(cfg Config, logger *zap.Logger) (*AMQPPublisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("publish: broker url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("publish: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("publish: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchangeName(cfg.Exchange), amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("publish: declare exchange: %w", err)
	}
	p := NewAMQPPublisher(ch, cfg, logger)
	p.conn = conn
	return p, nil
}

func NewAMQPPublisher(ch Channel, cfg Config, logger *zap.Logger) *AMQPPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &AMQPPublisher{ch: ch, exchange: exchangeName(cfg.Exchange), timeout: cfg.PublishTimeout, logger: logger}
}

func exchangeName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return "ledger.events"
}

// RoutingKey is the topic an event is published under.
func RoutingKey(ev eventstore.Event) string {
	return strings.ToLower(ev.AggregateType + "." + ev.Type)
}

type message struct {
	Seq           int64           `json:"seq"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int             `json:"aggregate_version"`
	Type          string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	RecordedAt    time.Time       `json:"recorded_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id"`
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev eventstore.Event) error {
	if p.ch == nil {
		return ErrClosed
	}
	body, err := json.Marshal(message{
		Seq:           ev.Seq,
		AggregateID:   ev.AggregateID.String(),
		AggregateType: ev.AggregateType,
		Version:       ev.Version,
		Type:          ev.Type,
		Payload:       ev.Payload,
		RecordedAt:    ev.RecordedAt,
		CorrelationID: ev.CorrelationID.String(),
		CausationID:   ev.CausationID.String(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     fmt.Sprintf("%s:%d", ev.AggregateID, ev.Version),
		CorrelationId: ev.CorrelationID.String(),
		Timestamp:     ev.RecordedAt,
		Type:          ev.Type,
		Headers:       amqp.Table{"seq": ev.Seq, "causation_id": ev.CausationID.String()},
		Body:          body,
	}
	key := RoutingKey(ev)
	if err := p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish %s seq=%d: %w", key, ev.Seq, err)
	}
	p.logger.Debug("event published", zap.String("routing_key", key), zap.Int64("seq", ev.Seq))
	return nil
}

func (p *AMQPPublisher) Close() error {
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
		p.conn = nil
	}
	return err
}
