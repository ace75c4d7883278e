package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"imagedetect/pkg/messaging"
)

// publishChannel is the subset of *amqp.Channel used on the publish path.
// Narrowed to an interface so the retry policy is testable without a broker.
type publishChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// connector opens a fresh broker channel. The returned closer tears down the
// underlying connection.
type connector func() (publishChannel, func(), error)

// Publisher publishes job messages with a bounded retry policy. Each attempt
// uses a fresh connection: acquire, declare the durable queue, publish with a
// persistent delivery marker in confirm mode, close. Exhausting attempts is a
// fatal error surfaced to the caller; the stored asset is not rolled back.
type Publisher struct {
	queueName   string
	maxAttempts int
	retryDelay  time.Duration
	connect     connector
}

// NewPublisher creates a publisher for the given broker URL and queue.
func NewPublisher(url, queueName string, maxAttempts int, retryDelay time.Duration) *Publisher {
	return &Publisher{
		queueName:   queueName,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		connect: func() (publishChannel, func(), error) {
			conn, err := amqp.Dial(url)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
			}
			ch, err := conn.Channel()
			if err != nil {
				conn.Close()
				return nil, nil, fmt.Errorf("failed to open a channel: %w", err)
			}
			return ch, func() { conn.Close() }, nil
		},
	}
}

// Publish enqueues one job message. It retries transport failures up to the
// configured attempt count with a fixed inter-attempt delay.
func (p *Publisher) Publish(ctx context.Context, job messaging.JobMessage) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		lastErr = p.publishOnce(ctx, body)
		if lastErr == nil {
			return nil
		}
		log.Printf("queue: publish attempt %d/%d failed: %v", attempt, p.maxAttempts, lastErr)

		if attempt < p.maxAttempts {
			select {
			case <-time.After(p.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *Publisher) publishOnce(ctx context.Context, body []byte) error {
	ch, closeConn, err := p.connect()
	if err != nil {
		return err
	}
	defer closeConn()
	defer ch.Close()

	if _, err := ch.QueueDeclare(
		p.queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publish confirmations: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ch.PublishWithContext(
		pubCtx,
		"",          // exchange
		p.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	select {
	case confirmed := <-confirms:
		if !confirmed.Ack {
			return errors.New("broker nacked published message")
		}
	case <-pubCtx.Done():
		return fmt.Errorf("timed out waiting for publish confirmation: %w", pubCtx.Err())
	}
	return nil
}

// Handler processes one delivered job. A non-nil error abandons the attempt:
// the message is negatively acknowledged and redelivered by the broker.
type Handler func(ctx context.Context, job messaging.JobMessage) error

// Consumer maintains one long-lived broker connection with server heartbeats
// and dispatches deliveries to a handler. Redelivery is the only retry
// mechanism for consume-side failures.
type Consumer struct {
	url          string
	queueName    string
	heartbeat    time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration
}

// NewConsumer creates a consumer for the given broker URL and queue.
func NewConsumer(url, queueName string, heartbeat, reconnectMin, reconnectMax time.Duration) *Consumer {
	return &Consumer{
		url:          url,
		queueName:    queueName,
		heartbeat:    heartbeat,
		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
	}
}

// Run consumes until ctx is cancelled, reconnecting with capped exponential
// backoff whenever the connection drops.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	backoff := c.reconnectMin
	for {
		err := c.consume(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("queue: connection lost: %v; reconnecting in %v", err, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > c.reconnectMax {
			backoff = c.reconnectMax
		}
	}
}

func (c *Consumer) consume(ctx context.Context, handler Handler) error {
	conn, err := amqp.DialConfig(c.url, amqp.Config{Heartbeat: c.heartbeat})
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	// One job in flight per worker.
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	consumerTag := "worker-" + uuid.NewString()
	msgs, err := ch.Consume(
		c.queueName,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	log.Printf("queue: consuming from %q", c.queueName)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.dispatch(ctx, msg, handler)
		}
	}
}

// dispatch runs the handler inside a scoped-acknowledgment: the message is
// acked only if the full pipeline completes, nacked for redelivery otherwise.
func (c *Consumer) dispatch(ctx context.Context, msg amqp.Delivery, handler Handler) {
	var job messaging.JobMessage
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		log.Printf("queue: error unmarshaling message: %v", err)
		msg.Reject(false) // malformed, don't requeue
		return
	}

	if err := handler(ctx, job); err != nil {
		log.Printf("queue: error processing job image_id=%d: %v", job.ImageID, err)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
