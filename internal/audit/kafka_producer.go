package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ILLUVRSE/release-orchestrator/internal/canonical"
	"github.com/ILLUVRSE/release-orchestrator/internal/models"
)

type KafkaProducerConfig struct {
	Brokers []string
	Topic   string
	// MaxAttempts defaults to 3.
	MaxAttempts int
	// WriteTimeout is the per-attempt bound, default 5s.
	WriteTimeout time.Duration
}

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes finished attempts keyed by project, so one
// project's attempts stay ordered within a partition.
type KafkaProducer struct {
	writer       MessageWriter
	maxAttempts  int
	writeTimeout time.Duration
	backoff      time.Duration
}

// NewKafkaProducer publishes attempts to cfg.Topic keyed by project.
func NewKafkaProducer(cfg KafkaProducerConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return NewKafkaProducerWithWriter(w, cfg.MaxAttempts, cfg.WriteTimeout), nil
}

func NewKafkaProducerWithWriter(w MessageWriter, maxAttempts int, writeTimeout time.Duration) *KafkaProducer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &KafkaProducer{writer: w, maxAttempts: maxAttempts, writeTimeout: writeTimeout, backoff: 100 * time.Millisecond}
}

func (p *KafkaProducer) Record(ctx context.Context, a *models.DeploymentAttempt) error {
	if a == nil {
		return fmt.Errorf("nil attempt")
	}
	value, err := canonical.Marshal(a)
	if err != nil {
		return fmt.Errorf("canonicalize attempt: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(a.Project),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(a.Kind)},
			{Key: "outcome", Value: []byte(a.Outcome)},
		},
	}

	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg.Time = time.Now().UTC()
		actx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		err := p.writer.WriteMessages(actx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
