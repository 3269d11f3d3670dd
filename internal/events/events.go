// Package events publishes pool lifecycle events to Kafka for downstream
// consumers (payout processing, monitoring, archival). Publishing is
// fire-and-forget from the node's perspective: a lost event never blocks
// or fails mining operations.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hydrapool/hydrad/pkg/circuit"
	"github.com/hydrapool/hydrad/pkg/errors"
	"github.com/hydrapool/hydrad/pkg/retry"
)

const (
	topicShareAccepted = "share.accepted"
	topicBlockFound    = "block.found"
)

// ShareAccepted is emitted for every share appended to the share chain.
type ShareAccepted struct {
	Hash       string    `json:"hash"`
	Height     uint64    `json:"height"`
	Miner      string    `json:"miner"`
	Worker     string    `json:"worker"`
	Difficulty float64   `json:"difficulty"`
	JobVersion uint64    `json:"job_version"`
	Timestamp  time.Time `json:"timestamp"`
}

// BlockFound is emitted when a share meets network difficulty.
type BlockFound struct {
	BlockHash   string    `json:"block_hash"`
	BlockHeight int64     `json:"block_height"`
	Miner       string    `json:"miner"`
	Worker      string    `json:"worker"`
	Difficulty  float64   `json:"difficulty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher wraps kafka-go with connection pooling per topic. A publisher
// created without brokers is disabled and publishes nothing.
type Publisher struct {
	brokers        []string
	topicPrefix    string
	logger         *slog.Logger
	writers        map[string]*kafka.Writer
	writersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewPublisher creates a Kafka event publisher. With no brokers the
// publisher is a no-op.
func NewPublisher(brokers []string, topicPrefix string, logger *slog.Logger) *Publisher {
	// Configure circuit breaker for Kafka operations
	cbConfig := &circuit.Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &Publisher{
		brokers:        brokers,
		topicPrefix:    topicPrefix,
		logger:         logger,
		writers:        make(map[string]*kafka.Writer),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

// Enabled reports whether events are being published.
func (p *Publisher) Enabled() bool {
	return len(p.brokers) > 0
}

func (p *Publisher) topicName(suffix string) string {
	if p.topicPrefix == "" {
		return suffix
	}
	return p.topicPrefix + "." + suffix
}

// getProducer gets or creates a Kafka producer for a topic (with connection pooling)
func (p *Publisher) getProducer(topic string) *kafka.Writer {
	p.writersMu.RLock()
	if writer, exists := p.writers[topic]; exists {
		p.writersMu.RUnlock()
		return writer
	}
	p.writersMu.RUnlock()

	p.writersMu.Lock()
	defer p.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := p.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	p.writers[topic] = writer
	p.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// publishJSON publishes a JSON-encoded event to Kafka
func (p *Publisher) publishJSON(ctx context.Context, topic, key string, payload any) error {
	if !p.Enabled() {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "event_marshal",
			"failed to encode event payload").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return p.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, p.retryConfig, func() error {
			writer := p.getProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeEvents, "publish_event",
					"failed to publish event to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			p.logger.Debug("published event", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// PublishShareAccepted publishes a share acceptance event, keyed by miner
// so one miner's events stay ordered within a partition.
func (p *Publisher) PublishShareAccepted(ctx context.Context, event *ShareAccepted) error {
	return p.publishJSON(ctx, p.topicName(topicShareAccepted), event.Miner, event)
}

// PublishBlockFound publishes a block discovery event keyed by block hash.
func (p *Publisher) PublishBlockFound(ctx context.Context, event *BlockFound) error {
	return p.publishJSON(ctx, p.topicName(topicBlockFound), event.BlockHash, event)
}

// Close closes all producers
func (p *Publisher) Close() error {
	p.writersMu.Lock()
	defer p.writersMu.Unlock()

	var lastErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			p.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	p.writers = make(map[string]*kafka.Writer)
	return lastErr
}
