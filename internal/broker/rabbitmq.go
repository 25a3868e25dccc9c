// Package broker wraps the RabbitMQ connection shared by a process and the
// Kafka dead-letter topic.
//
// A process owns exactly one *amqp.Connection through Connection. Publishers
// open a short-lived channel per publish; a consumer owns its channel for the
// lifetime of its subscription. Channels are never shared between goroutines.
//
// Usage:
//
//	conn, err := broker.Dial(ctx, cfg.AMQPURL(), broker.Options{...}, logger)
//	err = conn.DeclareQueue(ctx, "modules")
//	pub := broker.NewPublisher(conn, "modules")
//	err = pub.Publish(ctx, broker.Message{Body: payload})
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/casplaer/XMLProcessingSystem/internal/retry"
)

var ErrNacked = errors.New("publish not confirmed by broker")

type Options struct {
	// ConnectionName is reported to the broker for the management UI.
	ConnectionName string
	// AutoRecovery redials a closed connection on the next use.
	AutoRecovery bool
	// TopologyRecovery redeclares known queues after a redial.
	TopologyRecovery bool
	// RecoveryInterval is the pause between consumer resubscriptions and the
	// base delay of the initial dial.
	RecoveryInterval time.Duration
	// DialAttempts bounds the initial dial; 0 means 5.
	DialAttempts int
}

// Connection is the process-wide broker connection.
type Connection struct {
	url    string
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	queues map[string]struct{}
	closed bool
}

// Dial connects to the broker, retrying with backoff. A failure here is a
// startup failure.
func Dial(ctx context.Context, url string, opts Options, logger *slog.Logger) (*Connection, error) {
	c := &Connection{
		url:    url,
		opts:   opts,
		logger: logger.With("component", "rabbitmq"),
		queues: make(map[string]struct{}),
	}

	attempts := opts.DialAttempts
	if attempts <= 0 {
		attempts = 5
	}
	base := opts.RecoveryInterval
	if base <= 0 {
		base = time.Second
	}
	policy := retry.Policy{
		Attempts:  attempts,
		BaseDelay: base / 2,
		MaxDelay:  30 * time.Second,
		Retryable: IsRetryable,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Warn("rabbitmq connect failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		},
	}

	err := retry.Do(ctx, policy, func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.dialLocked()
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}
	return c, nil
}

func (c *Connection) dialLocked() error {
	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": c.opts.ConnectionName,
		},
	})
	if err != nil {
		return err
	}
	c.conn = conn

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closeCh; ok && err != nil {
			c.logger.Warn("rabbitmq connection closed", "code", err.Code, "reason", err.Reason, "recover", err.Recover)
		}
	}()

	c.logger.Info("rabbitmq connected", "name", c.opts.ConnectionName)
	return nil
}

// connection returns a live connection, redialling when recovery is on.
func (c *Connection) connection() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	if !c.opts.AutoRecovery {
		return nil, amqp.ErrClosed
	}

	c.logger.Info("rabbitmq reconnecting")
	if err := c.dialLocked(); err != nil {
		return nil, err
	}
	if c.opts.TopologyRecovery {
		for q := range c.queues {
			if err := declareOn(c.conn, q); err != nil {
				return nil, err
			}
		}
	}
	return c.conn, nil
}

// Channel opens a new channel. The caller owns it and must close it.
func (c *Connection) Channel() (*amqp.Channel, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

func declareOn(conn *amqp.Connection, queue string) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	_, err = ch.QueueDeclare(queue, true, false, false, false, nil)
	return err
}

// DeclareQueue declares a durable, non-exclusive, non-auto-delete queue and
// remembers it for topology recovery.
func (c *Connection) DeclareQueue(queue string) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if err := declareOn(conn, queue); err != nil {
		return fmt.Errorf("rabbitmq queue declare %s: %w", queue, err)
	}

	c.mu.Lock()
	c.queues[queue] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// Message is one payload to publish.
type Message struct {
	ID      string
	Body    []byte
	Headers map[string]any
}

// Publisher publishes to a queue through the default exchange.
type Publisher struct {
	conn  *Connection
	queue string
}

func NewPublisher(conn *Connection, queue string) *Publisher {
	return &Publisher{conn: conn, queue: queue}
}

func (p *Publisher) Queue() string { return p.queue }

// Publish sends msg as a persistent JSON message and waits for the broker
// confirm.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return err
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		MessageId:    id,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table(msg.Headers),
		Body:         msg.Body,
	})
	if err != nil {
		return err
	}

	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNacked
	}
	return nil
}

// Subscription is one consumer channel and its delivery stream.
type Subscription struct {
	ch         *amqp.Channel
	tag        string
	deliveries <-chan amqp.Delivery
}

// Consume subscribes to queue with manual acknowledgements.
func (c *Connection) Consume(queue, tag string, prefetch int) (*Subscription, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("rabbitmq qos setup failed: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq queue declare %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq consume setup failed: %w", err)
	}

	c.mu.Lock()
	c.queues[queue] = struct{}{}
	c.mu.Unlock()

	return &Subscription{ch: ch, tag: tag, deliveries: deliveries}, nil
}

// Deliveries is closed when the channel or the connection goes away.
func (s *Subscription) Deliveries() <-chan amqp.Delivery { return s.deliveries }

// Cancel stops the server from sending further deliveries.
func (s *Subscription) Cancel() error {
	return s.ch.Cancel(s.tag, false)
}

func (s *Subscription) Close() error {
	if s.ch.IsClosed() {
		return nil
	}
	return s.ch.Close()
}

// IsRetryable reports whether a broker error is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) || errors.Is(err, ErrNacked) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if amqpErr.Recover {
			return true
		}
		switch amqpErr.Code {
		case amqp.ConnectionForced, amqp.ChannelError, amqp.ResourceError, amqp.FrameError, amqp.InternalError:
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
