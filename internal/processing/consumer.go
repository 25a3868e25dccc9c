// Package processing consumes status envelopes from the queue and applies
// them to the module store.
//
// Every delivery runs in its own goroutine; a weighted semaphore bounds how
// many of them talk to the store at once. The delivery loop itself never
// waits on the semaphore.
package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/casplaer/XMLProcessingSystem/internal/broker"
	"github.com/casplaer/XMLProcessingSystem/internal/config"
	"github.com/casplaer/XMLProcessingSystem/internal/database"
	"github.com/casplaer/XMLProcessingSystem/internal/model"
	"github.com/casplaer/XMLProcessingSystem/internal/retry"
)

var (
	ErrUndecodable  = errors.New("undecodable message")
	ErrStreamClosed = errors.New("delivery stream closed")
)

// Store applies one envelope atomically.
type Store interface {
	Apply(ctx context.Context, env *model.StatusEnvelope) ([]model.ModuleRecord, error)
}

// Observer is told about records once their delivery is acknowledged.
type Observer interface {
	Observe(ctx context.Context, records []model.ModuleRecord) error
}

// Stream is one subscription's delivery channel.
type Stream interface {
	Deliveries() <-chan amqp.Delivery
	Close() error
}

type Subscriber interface {
	Subscribe(queue, tag string, prefetch int) (Stream, error)
}

type connectionSubscriber struct {
	conn *broker.Connection
}

// FromConnection subscribes through a shared broker connection.
func FromConnection(conn *broker.Connection) Subscriber {
	return connectionSubscriber{conn: conn}
}

func (s connectionSubscriber) Subscribe(queue, tag string, prefetch int) (Stream, error) {
	return s.conn.Consume(queue, tag, prefetch)
}

type Options struct {
	Queue            string
	Tag              string
	Concurrency      int
	Prefetch         int
	AutoRecovery     bool
	RecoveryInterval time.Duration
	// Policy governs store writes. A nil Retryable means database.IsRetryable.
	Policy     retry.Policy
	KeyedLocks bool
}

type Consumer struct {
	opts        Options
	source      Subscriber
	store       Store
	deadLetters broker.DeadLetterSink
	observers   []Observer
	locks       *keyedLocks
	logger      *slog.Logger
}

// New builds a consumer. deadLetters may be nil.
func New(opts Options, source Subscriber, store Store, deadLetters broker.DeadLetterSink, logger *slog.Logger, observers ...Observer) *Consumer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.RecoveryInterval <= 0 {
		opts.RecoveryInterval = 5 * time.Second
	}
	if opts.Policy.Retryable == nil {
		opts.Policy.Retryable = database.IsRetryable
	}
	c := &Consumer{
		opts:        opts,
		source:      source,
		store:       store,
		deadLetters: deadLetters,
		observers:   observers,
		logger:      logger.With("component", "data-processor", "queue", opts.Queue),
	}
	if opts.KeyedLocks {
		c.locks = newKeyedLocks()
	}
	return c
}

// Decode parses a message body. An envelope without a package id or without
// devices is rejected as well.
func Decode(body []byte) (*model.StatusEnvelope, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUndecodable)
	}
	var env model.StatusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if strings.TrimSpace(env.PackageID) == "" {
		return nil, fmt.Errorf("%w: missing packageId", ErrUndecodable)
	}
	if len(env.Devices) == 0 {
		return nil, fmt.Errorf("%w: no devices", ErrUndecodable)
	}
	return &env, nil
}

// Run consumes until ctx is cancelled and returns once every in-flight
// delivery has been settled.
func (c *Consumer) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(c.opts.Concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()

	c.logger.Info("consumer started", "concurrency", c.opts.Concurrency, "prefetch", c.opts.Prefetch, "keyed_locks", c.opts.KeyedLocks)
	for {
		stream, err := c.source.Subscribe(c.opts.Queue, c.opts.Tag, c.opts.Prefetch)
		if err != nil {
			if !c.opts.AutoRecovery {
				return fmt.Errorf("subscribe %s: %w", c.opts.Queue, err)
			}
			c.logger.Error("subscribe failed", "err", err, "retry_in", c.opts.RecoveryInterval)
		} else {
			c.drain(ctx, stream, sem, &wg)
			// Settle in-flight deliveries before their channel goes away.
			wg.Wait()
			_ = stream.Close()

			if ctx.Err() != nil {
				c.logger.Info("consumer stopped")
				return nil
			}
			if !c.opts.AutoRecovery {
				return ErrStreamClosed
			}
			c.logger.Warn("delivery stream closed, resubscribing", "retry_in", c.opts.RecoveryInterval)
		}

		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped")
			return nil
		case <-time.After(c.opts.RecoveryInterval):
		}
	}
}

func (c *Consumer) drain(ctx context.Context, stream Stream, sem *semaphore.Weighted, wg *sync.WaitGroup) {
	deliveries := stream.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := sem.Acquire(ctx, 1); err != nil {
					_ = d.Nack(false, true)
					return
				}
				defer sem.Release(1)
				c.Handle(ctx, d)
			}()
		}
	}
}

// Handle settles exactly one delivery: ack on success, requeue on transient
// failure, reject on anything that can never succeed.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	log := c.logger.With("message_id", d.MessageId, "delivery_tag", d.DeliveryTag)
	settled := false
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic", "panic", r, "settled", settled)
			if !settled {
				c.settle(log, d.Nack(false, true))
			}
		}
	}()

	env, err := Decode(d.Body)
	if err != nil {
		log.Error("decode failed", "err", err, "body", config.Truncate(d.Body, 256))
		c.deadLetter(ctx, d, d.MessageId, model.StageDecode, err)
		settled = true
		c.settle(log, d.Nack(false, false))
		return
	}
	log = log.With("package", env.PackageID)

	if c.locks != nil {
		unlock := c.locks.Lock(identityKeys(env))
		defer unlock()
	}

	policy := c.opts.Policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn("store write failed, retrying", "attempt", attempt, "delay", delay, "err", err)
	}

	// Shutdown stops further attempts but never aborts a write in progress.
	workCtx := context.WithoutCancel(ctx)

	var records []model.ModuleRecord
	err = retry.Do(ctx, policy, func(context.Context) error {
		recs, err := c.store.Apply(workCtx, env)
		if err != nil {
			return err
		}
		records = recs
		return nil
	})

	settled = true
	switch {
	case err == nil:
		c.settle(log, d.Ack(false))
		log.Info("envelope applied", "devices", len(env.Devices), "records", len(records))
		c.notify(workCtx, log, records)
	case c.transient(ctx, err):
		log.Error("store write failed, requeueing", "err", err)
		c.settle(log, d.Nack(false, true))
	default:
		log.Error("store write rejected", "err", err)
		c.deadLetter(ctx, d, env.PackageID, model.StageStore, err)
		c.settle(log, d.Nack(false, false))
	}
}

func (c *Consumer) transient(ctx context.Context, err error) bool {
	return errors.Is(err, retry.ErrExhausted) || ctx.Err() != nil || c.opts.Policy.Retryable(err)
}

func (c *Consumer) settle(log *slog.Logger, err error) {
	if err != nil {
		log.Error("delivery settle failed", "err", err)
	}
}

func (c *Consumer) notify(ctx context.Context, log *slog.Logger, records []model.ModuleRecord) {
	if len(records) == 0 {
		return
	}
	for _, o := range c.observers {
		if err := o.Observe(ctx, records); err != nil {
			log.Warn("observer failed", "observer", fmt.Sprintf("%T", o), "err", err)
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, d amqp.Delivery, key, stage string, cause error) {
	if c.deadLetters == nil {
		return
	}
	source := d.MessageId
	if src, ok := d.Headers["source-file"].(string); ok && src != "" {
		source = src
	}
	dl := model.DeadLetter{
		Error:      cause.Error(),
		Stage:      stage,
		Source:     source,
		Original:   string(d.Body),
		ReceivedAt: time.Now().UTC(),
	}
	if err := c.deadLetters.SendDeadLetter(ctx, key, dl); err != nil {
		c.logger.Error("dead letter write failed", "message_id", d.MessageId, "err", err)
	}
}

func identityKeys(env *model.StatusEnvelope) []string {
	keys := make([]string, 0, len(env.Devices))
	for _, dev := range env.Devices {
		keys = append(keys, dev.Identity(env.PackageID).String())
	}
	return keys
}
