package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nyotapay/nyotapay/internal/metrics"
)

const consumerPrefetch = 16

// RabbitPublisher publishes envelopes to durable topic exchanges, one
// exchange per topic. Channels are not safe for concurrent use, so every
// publish holds the mutex.
type RabbitPublisher struct {
	mu       sync.Mutex
	channel  *amqp.Channel
	declared map[string]bool
}

func NewRabbitPublisher(conn *amqp.Connection) (*RabbitPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	return &RabbitPublisher{channel: ch, declared: make(map[string]bool)}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, topic string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureExchange(topic); err != nil {
		return err
	}
	err = p.channel.PublishWithContext(ctx,
		topic,
		routingKey(env.Type),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.ID.String(),
			Type:         env.Type,
			Timestamp:    env.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	metrics.EventsPublished.WithLabelValues(topic).Inc()
	return nil
}

func (p *RabbitPublisher) ensureExchange(topic string) error {
	if p.declared[topic] {
		return nil
	}
	if err := p.channel.ExchangeDeclare(topic, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topic, err)
	}
	p.declared[topic] = true
	return nil
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.Close()
}

// routingKey derives the broker routing key from the event type, e.g.
// TRANSACTION_COMPLETED becomes transaction.completed.
func routingKey(eventType string) string {
	return strings.ReplaceAll(strings.ToLower(eventType), "_", ".")
}

// RabbitConsumer attaches handlers to durable queues. Each consumer name gets
// its own queue bound to the whole topic, so independent consumers all see
// every event and redelivery is per consumer.
type RabbitConsumer struct {
	conn        *amqp.Connection
	queuePrefix string
	logger      *slog.Logger

	mu       sync.Mutex
	channels []*amqp.Channel
}

func NewRabbitConsumer(conn *amqp.Connection, queuePrefix string, logger *slog.Logger) *RabbitConsumer {
	return &RabbitConsumer{conn: conn, queuePrefix: queuePrefix, logger: logger}
}

func (c *RabbitConsumer) Subscribe(ctx context.Context, topic, consumer string, h Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := ch.ExchangeDeclare(topic, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange %s: %w", topic, err)
	}

	queueName := c.queuePrefix + "." + consumer
	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	if err := ch.QueueBind(q.Name, "#", topic, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind queue %s to %s: %w", queueName, topic, err)
	}
	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos on %s: %w", queueName, err)
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", queueName, err)
	}

	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()

	go c.loop(ctx, consumer, deliveries, h)
	c.logger.Info("consumer attached",
		slog.String("queue", queueName),
		slog.String("topic", topic),
	)
	return nil
}

func (c *RabbitConsumer) loop(ctx context.Context, consumer string, deliveries <-chan amqp.Delivery, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, consumer, d, h)
		}
	}
}

func (c *RabbitConsumer) handle(ctx context.Context, consumer string, d amqp.Delivery, h Handler) {
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		// A malformed body can never succeed; drop it rather than loop.
		c.logger.Error("dropping undecodable event",
			slog.String("consumer", consumer),
			slog.String("message_id", d.MessageId),
			slog.String("error", err.Error()),
		)
		metrics.EventsConsumed.WithLabelValues(consumer, "drop").Inc()
		if err := d.Nack(false, false); err != nil {
			c.logger.Error("nack failed", slog.String("error", err.Error()))
		}
		return
	}

	if err := h(ctx, env); err != nil {
		c.logger.Warn("event handler failed, requeueing",
			slog.String("consumer", consumer),
			slog.String("type", env.Type),
			slog.String("event_id", env.ID.String()),
			slog.String("error", err.Error()),
		)
		metrics.EventsConsumed.WithLabelValues(consumer, "error").Inc()
		if err := d.Nack(false, true); err != nil {
			c.logger.Error("nack failed", slog.String("error", err.Error()))
		}
		return
	}

	metrics.EventsConsumed.WithLabelValues(consumer, "ok").Inc()
	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed", slog.String("error", err.Error()))
	}
}

func (c *RabbitConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		ch.Close()
	}
	c.channels = nil
}
