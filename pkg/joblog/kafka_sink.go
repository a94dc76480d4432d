package joblog

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.uber.org/zap"

	"github.com/telekom/omnibus-reconciler/pkg/metrics"
)

// KafkaSinkConfig configures a KafkaSink.
type KafkaSinkConfig struct {
	Name    string   `yaml:"name"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	// TLS enables TLS; CAFile optionally pins the broker CA.
	TLS                bool   `yaml:"tls"`
	CAFile             string `yaml:"caFile"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`

	// SASLMechanism is one of PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
	SASLMechanism string `yaml:"saslMechanism"`
	SASLUsername  string `yaml:"saslUsername"`
	// SASLPasswordEnv names the environment variable holding the password.
	SASLPasswordEnv string `yaml:"saslPasswordEnv"`

	// BatchTimeout defaults to one second.
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	// WriteTimeout defaults to ten seconds.
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// messageWriter is the part of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes job records as JSON to a Kafka topic, keyed by server
// so records of one server stay ordered within a partition.
type KafkaSink struct {
	name   string
	writer messageWriter
	logger *zap.SugaredLogger
	mu     sync.Mutex
	closed bool
}

func NewKafkaSink(cfg KafkaSinkConfig, logger *zap.SugaredLogger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}

	transport := &kafka.Transport{}
	if cfg.TLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		transport.TLS = tlsConfig
	}
	if cfg.SASLMechanism != "" {
		mechanism, err := buildSASLMechanism(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build SASL mechanism: %w", err)
		}
		transport.SASL = mechanism
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		WriteTimeout:           writeTimeout,
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		Transport:              transport,
		AllowAutoTopicCreation: false,
	}

	name := cfg.Name
	if name == "" {
		name = "kafka"
	}
	logger.Infow("Kafka job record sink created", "name", name, "brokers", cfg.Brokers, "topic", cfg.Topic,
		"tls", cfg.TLS, "sasl", cfg.SASLMechanism != "")
	return newKafkaSink(name, writer, logger), nil
}

func newKafkaSink(name string, w messageWriter, logger *zap.SugaredLogger) *KafkaSink {
	return &KafkaSink{name: name, writer: w, logger: logger.Named("kafka-sink")}
}

func (s *KafkaSink) Write(ctx context.Context, r Record) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		metrics.JobLogSinkErrors.WithLabelValues(s.name, "closed").Inc()
		return fmt.Errorf("kafka sink is closed")
	}
	s.mu.Unlock()

	value, err := json.Marshal(r)
	if err != nil {
		metrics.JobLogSinkErrors.WithLabelValues(s.name, "serialization").Inc()
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(r.Server),
		Value: value,
		Headers: []kafka.Header{
			{Key: "record-id", Value: []byte(r.ID)},
			{Key: "kind", Value: []byte(r.Kind)},
			{Key: "outcome", Value: []byte(r.Outcome)},
			{Key: "finished-at", Value: []byte(r.FinishedAt.Format(time.RFC3339))},
		},
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		errorType := classifyKafkaError(err)
		metrics.JobLogSinkErrors.WithLabelValues(s.name, errorType).Inc()
		s.logger.Warnw("Failed to publish job record", "id", r.ID, "error_type", errorType, "error", err)
		return fmt.Errorf("failed to write to Kafka (%s): %w", errorType, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka writer: %w", err)
	}
	return nil
}

func (s *KafkaSink) Name() string {
	return s.name
}

// classifyKafkaError categorizes Kafka errors for metrics and logging.
func classifyKafkaError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "SASL") || strings.Contains(msg, "authentication"):
		return "auth"
	case strings.Contains(msg, "TLS") || strings.Contains(msg, "certificate"):
		return "tls"
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host"):
		return "network"
	case strings.Contains(msg, "broker") || strings.Contains(msg, "leader"):
		return "broker"
	case strings.Contains(msg, "topic"):
		return "topic"
	default:
		return "other"
	}
}

func buildTLSConfig(cfg KafkaSinkConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // Configurable for testing
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

func buildSASLMechanism(cfg KafkaSinkConfig) (sasl.Mechanism, error) {
	password := ""
	if cfg.SASLPasswordEnv != "" {
		password = os.Getenv(cfg.SASLPasswordEnv)
	}
	switch cfg.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: cfg.SASLUsername, Password: password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.SASLUsername, password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.SASLUsername, password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.SASLMechanism)
	}
}
