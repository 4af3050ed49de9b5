// Package rabbitmq streams task lifecycle events to an AMQP exchange so
// external consumers can follow a pilot run without polling its store.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/halverson/pilot/internal/core/domain"
	"github.com/halverson/pilot/internal/core/port"
)

const exchange = "pilot.events"

type publisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger
}

// NewPublisher connects to RabbitMQ with incremental backoff and declares
// the pilot.events topic exchange.
func NewPublisher(url string, log *zap.Logger) (port.EventPublisher, error) {
	var conn *amqp.Connection
	var err error

	maxRetries := 5
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		log.Warn("failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))
		time.Sleep(time.Duration(i) * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &publisher{conn: conn, ch: ch, log: log}, nil
}

func (p *publisher) PublishTaskEvent(ctx context.Context, event domain.TaskEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	routingKey := "task." + string(event.Status)
	if event.Status == domain.TaskStatusPending {
		// A failing attempt that re-entered the queue.
		routingKey = "task.retry"
	}

	err = p.ch.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   event.EventID,
			Timestamp:   event.At,
			Body:        body,
		})
	if err != nil {
		return err
	}

	p.log.Debug("published task event",
		zap.String("task_id", event.TaskID),
		zap.String("key", routingKey))
	return nil
}

// Close shuts the channel and connection down.
func (p *publisher) Close() error {
	if err := p.ch.Close(); err != nil {
		return err
	}
	return p.conn.Close()
}
