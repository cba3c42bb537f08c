// Package kafka provides a Kafka-backed job queue built on sarama consumer
// groups. Jobs are JSON envelopes keyed by scan ID so every delivery of a
// scan's job lands on the same partition.
package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/compliance-armada/internal/infra/queue"
	"github.com/ahrav/compliance-armada/pkg/common/logger"
)

// Config contains settings for connecting to and interacting with Kafka brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// TopicPrefix is prepended to a queue name to form its topic.
	TopicPrefix string
	// ProgressTopic receives job progress events. Empty disables publishing.
	ProgressTopic string
	// DeadLetterTopic receives jobs that exhausted their retries. Empty
	// disables dead-lettering.
	DeadLetterTopic string

	// GroupID identifies the consumer group for this queue instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string

	Retry queue.RetryPolicy

	// CommitInterval bounds how often marked offsets are committed.
	CommitInterval time.Duration
}

// TopicFor returns the topic backing the named queue.
func (c Config) TopicFor(queueName string) string { return c.TopicPrefix + queueName }

// NewClient creates and configures a Kafka client with the provided settings.
// It sets up consistent configuration for both producers and consumers.
func NewClient(cfg *Config) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Producer settings
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Idempotent = false

	// Version should be consistent across all components
	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

// Connect creates a Queue on top of a fresh client, retrying with
// exponential backoff while the brokers are unreachable. It will retry for up
// to 5 minutes, starting with 5 second intervals.
func Connect(
	cfg *Config,
	log *logger.Logger,
	metrics QueueMetrics,
	tracer trace.Tracer,
) (*Queue, error) {
	var q *Queue

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		client, err := NewClient(cfg)
		if err != nil {
			return fmt.Errorf("creating client: %w", err)
		}

		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			client.Close()
			return fmt.Errorf("creating producer: %w", err)
		}

		consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			producer.Close()
			client.Close()
			return fmt.Errorf("creating consumer group: %w", err)
		}

		progressConsumer, err := sarama.NewConsumerFromClient(client)
		if err != nil {
			consumerGroup.Close()
			producer.Close()
			client.Close()
			return fmt.Errorf("creating progress consumer: %w", err)
		}

		q = NewQueue(producer, consumerGroup, cfg, log, metrics, tracer)
		q.progressConsumer = progressConsumer
		q.client = client
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}

	return q, nil
}
