package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/casplaer/XMLProcessingSystem/internal/broker"
	"github.com/casplaer/XMLProcessingSystem/internal/config"
	"github.com/casplaer/XMLProcessingSystem/internal/data"
	"github.com/casplaer/XMLProcessingSystem/internal/database"
	"github.com/casplaer/XMLProcessingSystem/internal/processing"
	"github.com/casplaer/XMLProcessingSystem/internal/runtime"
	"github.com/casplaer/XMLProcessingSystem/internal/storage"
)

func main() {
	if err := config.LoadEnvFile(); err != nil {
		slog.Error("env file error", "err", err)
		os.Exit(1)
	}
	logger := config.GetLogger()

	if err := run(logger); err != nil {
		logger.Error("data processor failed", "err", err)
		os.Exit(1)
	}
	logger.Info("data processor stopped")
}

// run owns every resource so that its defers have run by the time main
// decides the exit code.
func run(logger *slog.Logger) error {
	cfg, err := config.LoadConfig(logger)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Info("data processor configs loaded" + cfg.String())

	ctx, cancel := runtime.SignalContext(context.Background(), logger)
	defer cancel()

	db, dialect, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer db.Close()

	store := database.NewModuleStore(db, dialect, logger)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("database schema: %w", err)
	}

	conn, err := broker.Dial(ctx, cfg.AMQPURL(), broker.Options{
		ConnectionName:   "data-processor",
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

	var (
		observers []processing.Observer
		bg        sync.WaitGroup
	)
	// The archive outlives the consumer so late records make the final flush.
	archiveCtx, stopArchive := context.WithCancel(context.Background())
	defer bg.Wait()
	defer stopArchive()

	if cfg.InfluxEnabled() {
		history := database.NewStateHistory(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, cfg.InfluxMeasurement)
		defer history.Close()
		observers = append(observers, history)
	}
	if cfg.ArchiveEnabled() {
		bucket, err := storage.NewMinIO(storage.Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseTLS:    cfg.S3UseTLS,
			Bucket:    cfg.S3Bucket,
		})
		if err != nil {
			return err
		}
		if err := bucket.EnsureBucket(ctx); err != nil {
			return err
		}
		archiver, err := data.NewArchiver(data.ArchiverOptions{
			MaxRecords:  cfg.ArchiveMaxRecords,
			MaxInterval: cfg.ArchiveMaxInterval,
			MaxBuffered: cfg.ArchiveMaxBuffered,
			BasePath:    cfg.S3BasePath,
			Compression: cfg.ParquetCompression,
		}, bucket, logger)
		if err != nil {
			return fmt.Errorf("archiver: %w", err)
		}
		bg.Add(1)
		go func() {
			defer bg.Done()
			archiver.Run(archiveCtx)
		}()
		observers = append(observers, archiver)
	}

	dbPolicy := cfg.DBRetry.Policy()
	dbPolicy.Retryable = database.IsRetryable

	consumer := processing.New(processing.Options{
		Queue:            cfg.RabbitQueue,
		Tag:              "data-processor",
		Concurrency:      cfg.ProcessorConcurrency,
		Prefetch:         cfg.RabbitPrefetch,
		AutoRecovery:     cfg.RabbitAutoRecovery,
		RecoveryInterval: cfg.RabbitRecoveryInterval,
		Policy:           dbPolicy,
		KeyedLocks:       cfg.KeyedLocks,
	}, processing.FromConnection(conn), store, deadLetters, logger, observers...)

	return consumer.Run(ctx)
}
