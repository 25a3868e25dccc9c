package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/casplaer/XMLProcessingSystem/internal/retry"
)

type RetrySettings struct {
	Attempts int
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   time.Duration
}

// Policy converts the settings into a retry policy without a classifier.
func (r RetrySettings) Policy() retry.Policy {
	return retry.Policy{
		Attempts:  r.Attempts,
		BaseDelay: r.Base,
		MaxDelay:  r.MaxDelay,
		MaxJitter: r.Jitter,
	}
}

type Config struct {
	RabbitHost             string
	RabbitPort             int
	RabbitUser             string
	RabbitPassword         string
	RabbitVHost            string
	RabbitQueue            string
	RabbitAutoRecovery     bool
	RabbitTopologyRecovery bool
	RabbitRecoveryInterval time.Duration
	RabbitPrefetch         int

	InputDir     string
	FilePattern  string
	ScanInterval time.Duration
	Parallelism  int

	DatabaseURL string

	ProcessorConcurrency int
	KeyedLocks           bool

	PublishRetry RetrySettings
	DBRetry      RetrySettings

	KafkaDLQBrokers        []string
	KafkaDLQTopic          string
	KafkaDLQPartitions     int
	KafkaReplicationFactor int

	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	MQTTTopic     string
	MQTTQoS       byte

	InfluxURL         string
	InfluxToken       string
	InfluxOrg         string
	InfluxBucket      string
	InfluxMeasurement string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseTLS    bool
	S3Bucket    string
	S3BasePath  string

	ArchiveMaxRecords  int
	ArchiveMaxInterval time.Duration
	ArchiveMaxBuffered int
	ParquetCompression string
}

// AMQPURL builds the broker URI from the RabbitMQ settings.
func (c *Config) AMQPURL() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.RabbitHost,
		Port:     c.RabbitPort,
		Username: c.RabbitUser,
		Password: c.RabbitPassword,
		Vhost:    c.RabbitVHost,
	}.String()
}

func (c *Config) DLQEnabled() bool     { return len(c.KafkaDLQBrokers) > 0 }
func (c *Config) MQTTEnabled() bool    { return c.MQTTBrokerURL != "" }
func (c *Config) InfluxEnabled() bool  { return c.InfluxURL != "" }
func (c *Config) ArchiveEnabled() bool { return c.S3Endpoint != "" }

func mask(s string) string { return strings.Repeat("*", len(s)) }

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

func (c *Config) String() string {
	return fmt.Sprintf(`
RabbitMQ:
  Host:               %s:%d
  User:               %s
  Password:           %s
  VHost:              %s
  Queue:              %s
  AutoRecovery:       %t
  TopologyRecovery:   %t
  RecoveryInterval:   %s
  Prefetch:           %d

FileParser:
  InputDir:           %s
  Pattern:            %s
  ScanInterval:       %s
  Parallelism:        %d
  PublishRetry:       %+v

Processor:
  Database:           %s
  Concurrency:        %d
  KeyedLocks:         %t
  DBRetry:            %+v

Dead letters:
  KafkaBrokers:       %v
  Topic:              %s
  Partitions:         %d
  ReplicationFactor:  %d

MQTT:
  BrokerURL:          %s
  ClientID:           %s
  Topic:              %s
  QoS:                %d

InfluxDB:
  URL:                %s
  Token:              %s
  Org:                %s
  Bucket:             %s
  Measurement:        %s

S3:
  Endpoint:           %s
  AccessKey:          %s
  SecretKey:          %s
  UseTLS:             %t
  Bucket:             %s
  BasePath:           %s

Archive:
  MaxRecords:         %d
  MaxInterval:        %s
  MaxBuffered:        %d
  ParquetCompression: %s
`,
		c.RabbitHost, c.RabbitPort,
		c.RabbitUser,
		mask(c.RabbitPassword),
		c.RabbitVHost,
		c.RabbitQueue,
		c.RabbitAutoRecovery,
		c.RabbitTopologyRecovery,
		c.RabbitRecoveryInterval,
		c.RabbitPrefetch,

		c.InputDir,
		c.FilePattern,
		c.ScanInterval,
		c.Parallelism,
		c.PublishRetry,

		maskDSN(c.DatabaseURL),
		c.ProcessorConcurrency,
		c.KeyedLocks,
		c.DBRetry,

		c.KafkaDLQBrokers,
		c.KafkaDLQTopic,
		c.KafkaDLQPartitions,
		c.KafkaReplicationFactor,

		c.MQTTBrokerURL,
		c.MQTTClientID,
		c.MQTTTopic,
		c.MQTTQoS,

		c.InfluxURL,
		mask(c.InfluxToken),
		c.InfluxOrg,
		c.InfluxBucket,
		c.InfluxMeasurement,

		c.S3Endpoint,
		c.S3AccessKey,
		mask(c.S3SecretKey),
		c.S3UseTLS,
		c.S3Bucket,
		c.S3BasePath,

		c.ArchiveMaxRecords,
		c.ArchiveMaxInterval,
		c.ArchiveMaxBuffered,
		c.ParquetCompression,
	)
}

type errList []string

func (e *errList) addf(format string, a ...any) { *e = append(*e, fmt.Sprintf(format, a...)) }
func (e *errList) add(msg string)               { *e = append(*e, msg) }
func (e *errList) has() bool                    { return len(*e) > 0 }

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int, errs *errList) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		errs.addf("invalid %s (expected int): %q", key, v)
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool, errs *errList) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return fallback
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	default:
		errs.addf("invalid %s (use true/false or 1/0): %q", key, v)
		return fallback
	}
}

func getenvMillis(key string, fallback int, errs *errList) time.Duration {
	return time.Duration(getenvInt(key, fallback, errs)) * time.Millisecond
}

func ensureOneOf(key, val string, allowed []string, errs *errList) {
	for _, a := range allowed {
		if val == a {
			return
		}
	}
	errs.addf("invalid %s (allowed: %s): %q", key, strings.Join(allowed, ", "), val)
}

func parseList(list string) []string {
	var out []string
	for _, b := range strings.Split(list, ",") {
		if s := strings.TrimSpace(b); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func loadRetry(prefix string, errs *errList) RetrySettings {
	r := RetrySettings{
		Attempts: getenvInt(prefix+"_ATTEMPTS", 5, errs),
		Base:     getenvMillis(prefix+"_BASE_MS", 100, errs),
		MaxDelay: getenvMillis(prefix+"_MAX_DELAY_MS", 2000, errs),
		Jitter:   getenvMillis(prefix+"_JITTER_MS", 250, errs),
	}
	if r.Attempts <= 0 {
		errs.addf("%s_ATTEMPTS must be > 0", prefix)
	}
	if r.Base < 0 || r.MaxDelay < 0 || r.Jitter < 0 {
		errs.addf("%s delays must be >= 0", prefix)
	}
	if r.MaxDelay < r.Base {
		errs.addf("%s_MAX_DELAY_MS must be >= %s_BASE_MS", prefix, prefix)
	}
	return r
}

// LoadEnvFile pre-loads variables from ENV_FILE (default .env). Variables
// already set in the environment win; a missing file is not an error.
func LoadEnvFile() error {
	path := getenv("ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadConfig(logger *slog.Logger) (*Config, error) {
	var errs errList

	parallelism := getenvInt("FILEPARSER_PARALLELISM", 0, &errs)
	if parallelism <= 0 {
		parallelism = max(1, runtime.NumCPU()/2)
	}

	qos := getenvInt("MQTT_QOS", 1, &errs)
	if qos < 0 || qos > 2 {
		errs.addf("MQTT_QOS must be 0, 1 or 2: %d", qos)
		qos = 1
	}

	cfg := &Config{
		RabbitHost:             getenv("RABBITMQ_HOST", "localhost"),
		RabbitPort:             getenvInt("RABBITMQ_PORT", 5672, &errs),
		RabbitUser:             getenv("RABBITMQ_USER", "guest"),
		RabbitPassword:         getenv("RABBITMQ_PASSWORD", "guest"),
		RabbitVHost:            getenv("RABBITMQ_VHOST", "/"),
		RabbitQueue:            getenv("RABBITMQ_QUEUE", "modules"),
		RabbitAutoRecovery:     getenvBool("RABBITMQ_AUTO_RECOVERY", true, &errs),
		RabbitTopologyRecovery: getenvBool("RABBITMQ_TOPOLOGY_RECOVERY", true, &errs),
		RabbitRecoveryInterval: time.Duration(getenvInt("RABBITMQ_RECOVERY_INTERVAL_SEC", 5, &errs)) * time.Second,
		RabbitPrefetch:         getenvInt("RABBITMQ_PREFETCH", 0, &errs),

		InputDir:     getenv("FILEPARSER_INPUT_DIR", "./input"),
		FilePattern:  getenv("FILEPARSER_PATTERN", "*.xml"),
		ScanInterval: getenvMillis("FILEPARSER_SCAN_INTERVAL_MS", 1000, &errs),
		Parallelism:  parallelism,

		DatabaseURL: getenv("DATABASE_URL", "sqlite://modules.db"),

		ProcessorConcurrency: getenvInt("PROCESSOR_CONCURRENCY", 10, &errs),
		KeyedLocks:           getenvBool("PROCESSOR_KEYED_LOCKS", false, &errs),

		PublishRetry: loadRetry("PUBLISH_RETRY", &errs),
		DBRetry:      loadRetry("DB_RETRY", &errs),

		KafkaDLQBrokers:        parseList(os.Getenv("KAFKA_DLQ_BROKERS")),
		KafkaDLQTopic:          getenv("KAFKA_DLQ_TOPIC", "modules-dlq"),
		KafkaDLQPartitions:     getenvInt("KAFKA_DLQ_PARTITIONS", 1, &errs),
		KafkaReplicationFactor: getenvInt("KAFKA_REPLICATION_FACTOR", 1, &errs),

		MQTTBrokerURL: getenv("MQTT_BROKER_URL", ""),
		MQTTClientID:  getenv("MQTT_CLIENT_ID", "file-parser"),
		MQTTUsername:  os.Getenv("MQTT_USERNAME"),
		MQTTPassword:  os.Getenv("MQTT_PASSWORD"),
		MQTTTopic:     getenv("MQTT_TOPIC", "instruments/+/+/+/state"),
		MQTTQoS:       byte(qos),

		InfluxURL:         getenv("INFLUX_URL", ""),
		InfluxToken:       os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:         getenv("INFLUX_ORG", ""),
		InfluxBucket:      getenv("INFLUX_BUCKET", ""),
		InfluxMeasurement: getenv("INFLUX_MEASUREMENT", "module_state"),

		S3Endpoint:  getenv("S3_ENDPOINT", ""),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3UseTLS:    getenvBool("S3_USE_TLS", false, &errs),
		S3Bucket:    getenv("S3_BUCKET", "modules"),
		S3BasePath:  getenv("S3_BASE_PATH", "archive"),

		ArchiveMaxRecords:  getenvInt("ARCHIVE_MAX_RECORDS", 1000, &errs),
		ArchiveMaxInterval: time.Duration(getenvInt("ARCHIVE_MAX_INTERVAL_SEC", 60, &errs)) * time.Second,
		ArchiveMaxBuffered: getenvInt("ARCHIVE_MAX_BUFFERED", 10000, &errs),
		ParquetCompression: strings.ToUpper(getenv("PARQUET_COMPRESSION", "SNAPPY")),
	}

	if cfg.RabbitPort <= 0 || cfg.RabbitPort > 65535 {
		errs.addf("RABBITMQ_PORT out of range: %d", cfg.RabbitPort)
	}
	if cfg.RabbitRecoveryInterval <= 0 {
		errs.add("RABBITMQ_RECOVERY_INTERVAL_SEC must be > 0")
	}
	if cfg.RabbitPrefetch < 0 {
		errs.add("RABBITMQ_PREFETCH must be >= 0")
	}
	if cfg.ScanInterval <= 0 {
		errs.add("FILEPARSER_SCAN_INTERVAL_MS must be > 0")
	}
	if cfg.ProcessorConcurrency <= 0 {
		errs.add("PROCESSOR_CONCURRENCY must be > 0")
	}
	if cfg.DLQEnabled() {
		if cfg.KafkaDLQTopic == "" {
			errs.add("KAFKA_DLQ_TOPIC must not be empty")
		}
		if cfg.KafkaDLQPartitions <= 0 {
			errs.add("KAFKA_DLQ_PARTITIONS must be > 0")
		}
		if cfg.KafkaReplicationFactor <= 0 {
			errs.add("KAFKA_REPLICATION_FACTOR must be > 0")
		}
		if cfg.KafkaReplicationFactor > len(cfg.KafkaDLQBrokers) {
			errs.add("KAFKA_REPLICATION_FACTOR must not exceed the number of brokers in KAFKA_DLQ_BROKERS")
		}
	}
	if cfg.InfluxEnabled() {
		if cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
			errs.add("INFLUX_ORG and INFLUX_BUCKET are required when INFLUX_URL is set")
		}
	}
	if cfg.ArchiveEnabled() {
		if cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
			errs.add("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_ENDPOINT is set")
		}
		if cfg.ArchiveMaxRecords <= 0 {
			errs.add("ARCHIVE_MAX_RECORDS must be > 0")
		}
		if cfg.ArchiveMaxInterval <= 0 {
			errs.add("ARCHIVE_MAX_INTERVAL_SEC must be > 0")
		}
		if cfg.ArchiveMaxBuffered < cfg.ArchiveMaxRecords {
			errs.add("ARCHIVE_MAX_BUFFERED must be >= ARCHIVE_MAX_RECORDS")
		}
	}
	ensureOneOf("PARQUET_COMPRESSION", cfg.ParquetCompression, []string{"SNAPPY", "ZSTD", "GZIP", "UNCOMPRESSED"}, &errs)

	if errs.has() {
		for _, e := range errs {
			logger.Error("invalid configuration", "reason", e)
		}
		return nil, errors.New("missing or invalid environment variables, see logs above")
	}

	return cfg, nil
}
