package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/casplaer/XMLProcessingSystem/internal/broker"
	"github.com/casplaer/XMLProcessingSystem/internal/config"
	"github.com/casplaer/XMLProcessingSystem/internal/ingest"
	"github.com/casplaer/XMLProcessingSystem/internal/mqtt"
	"github.com/casplaer/XMLProcessingSystem/internal/runtime"
	"github.com/casplaer/XMLProcessingSystem/internal/transform"
)

func main() {
	if err := config.LoadEnvFile(); err != nil {
		slog.Error("env file error", "err", err)
		os.Exit(1)
	}
	logger := config.GetLogger()

	if err := run(logger); err != nil {
		logger.Error("file parser failed", "err", err)
		os.Exit(1)
	}
	logger.Info("file parser stopped")
}

// run owns every resource so that its defers have run by the time main
// decides the exit code.
func run(logger *slog.Logger) error {
	cfg, err := config.LoadConfig(logger)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Info("file parser configs loaded" + cfg.String())

	ctx, cancel := runtime.SignalContext(context.Background(), logger)
	defer cancel()

	conn, err := broker.Dial(ctx, cfg.AMQPURL(), broker.Options{
		ConnectionName:   "file-parser",
		AutoRecovery:     cfg.RabbitAutoRecovery,
		TopologyRecovery: cfg.RabbitTopologyRecovery,
		RecoveryInterval: cfg.RabbitRecoveryInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}
	defer conn.Close()

	if err := conn.DeclareQueue(cfg.RabbitQueue); err != nil {
		return fmt.Errorf("rabbitmq declare queue %s: %w", cfg.RabbitQueue, err)
	}

	var deadLetters broker.DeadLetterSink
	if cfg.DLQEnabled() {
		ensureCtx, ensureCancel := context.WithTimeout(ctx, 15*time.Second)
		err := broker.EnsureKafkaTopic(ensureCtx, cfg.KafkaDLQBrokers, cfg.KafkaDLQTopic, cfg.KafkaDLQPartitions, cfg.KafkaReplicationFactor, logger)
		ensureCancel()
		if err != nil {
			return fmt.Errorf("kafka ensure topic %s: %w", cfg.KafkaDLQTopic, err)
		}
		w := broker.NewDeadLetterWriter(cfg.KafkaDLQBrokers, cfg.KafkaDLQTopic)
		defer w.Close()
		deadLetters = w
	}

	var source transform.StateSource = transform.NewRandomSource(nil)
	if cfg.MQTTEnabled() {
		live := mqtt.NewStateSource(source, logger)
		client := mqtt.BuildMQTTClient(mqtt.Settings{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Topic:     cfg.MQTTTopic,
			QoS:       cfg.MQTTQoS,
		}, live, logger)
		if err := mqtt.ConnectWithBackoff(ctx, client, 2*time.Second, 30*time.Second, logger); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		defer client.Disconnect(250)
		source = live
	}

	policy := cfg.PublishRetry.Policy()
	policy.Retryable = broker.IsRetryable

	parser := ingest.New(ingest.Options{
		Dir:         cfg.InputDir,
		Pattern:     cfg.FilePattern,
		Interval:    cfg.ScanInterval,
		Parallelism: cfg.Parallelism,
		Policy:      policy,
	}, transform.New(source), broker.NewPublisher(conn, cfg.RabbitQueue), deadLetters, logger)

	return parser.Run(ctx)
}
