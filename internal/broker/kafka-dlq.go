package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/casplaer/XMLProcessingSystem/internal/model"
)

// DeadLetterSink receives input that will never be processed successfully.
type DeadLetterSink interface {
	SendDeadLetter(ctx context.Context, key string, dl model.DeadLetter) error
}

// messageWriter is the part of *kafka.Writer the dead letter writer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetterWriter writes dead letters to a Kafka topic.
type DeadLetterWriter struct {
	w messageWriter
}

func NewDeadLetterWriter(brokers []string, topic string) *DeadLetterWriter {
	return &DeadLetterWriter{w: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},

		BatchSize:    200,
		BatchBytes:   512 << 10,
		BatchTimeout: 10 * time.Millisecond,

		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}}
}

func (d *DeadLetterWriter) SendDeadLetter(ctx context.Context, key string, dl model.DeadLetter) error {
	if dl.ReceivedAt.IsZero() {
		dl.ReceivedAt = time.Now().UTC()
	}
	buf, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return d.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: buf,
		Headers: []kafka.Header{
			{Key: "stage", Value: []byte(dl.Stage)},
		},
	})
}

func (d *DeadLetterWriter) Close() error { return d.w.Close() }

// EnsureKafkaTopic creates topic through the cluster controller when it does
// not exist yet.
func EnsureKafkaTopic(ctx context.Context, brokers []string, topic string, partitions, replication int, logger *slog.Logger) error {
	if len(brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	bootstrap := brokers[0]
	logger.Info("kafka ensuring topic", "bootstrap", bootstrap, "topic", topic)

	conn, err := kafka.DialContext(ctx, "tcp", bootstrap)
	if err != nil {
		return err
	}
	defer conn.Close()

	if parts, err := conn.ReadPartitions(topic); err == nil && len(parts) > 0 {
		logger.Info("kafka topic already exists, skipping", "topic", topic)
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	ctrlAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrlConn, err := kafka.DialContext(ctx, "tcp", ctrlAddr)
	if err != nil {
		return err
	}
	defer ctrlConn.Close()

	logger.Info("kafka creating topic", "topic", topic, "partitions", partitions, "rf", replication)
	return ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: replication,
		ConfigEntries: []kafka.ConfigEntry{
			{ConfigName: "compression.type", ConfigValue: "snappy"},
		},
	})
}
