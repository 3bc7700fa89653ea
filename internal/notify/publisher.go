// Package notify publishes ingestion events to an AMQP exchange.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/cardflow/internal/ingest"
	"github.com/rumor-ml/commons.systems/cardflow/internal/logging"
)

// RoutingKey is the routing key of IngestionCompleted messages
const RoutingKey = "cardflow.ingestion.completed"

const publishTimeout = 5 * time.Second

// channel is the subset of *amqp091.Channel the publisher needs
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher sends IngestionCompleted messages to a topic exchange
type Publisher struct {
	conn     *amqp091.Connection
	channel  channel
	exchange string
	logger   zerolog.Logger
	now      func() time.Time
}

var _ ingest.Publisher = (*Publisher)(nil)

// Dial connects to the broker and declares the exchange
func Dial(url, exchange string, logger zerolog.Logger) (*Publisher, error) {
	if exchange == "" {
		return nil, fmt.Errorf("exchange name is required")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	p := newPublisher(ch, exchange, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logging.Component(logger, logging.ComponentNotify),
		now:      time.Now,
	}
}

// PublishIngestion announces a completed run
func (p *Publisher) PublishIngestion(ctx context.Context, report *ingest.Report) error {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}
	msg := NewIngestionCompleted(report)
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange, // exchange
		RoutingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    report.RunID,
			Timestamp:    p.now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	p.logger.Info().
		Str(logging.FieldRunID, report.RunID).
		Str(logging.FieldProfile, report.ProfileID).
		Int("rows_ingested", report.RowsIngested).
		Str("exchange", p.exchange).
		Msg("published ingestion completed")
	return nil
}

// Close closes the channel and connection
func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
