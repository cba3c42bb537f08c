package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
	"github.com/ahrav/compliance-armada/internal/infra/queue"
	"github.com/ahrav/compliance-armada/pkg/common/logger"
)

var (
	_ scanning.JobQueue       = (*Queue)(nil)
	_ scanning.ProgressReader = (*Queue)(nil)
)

// jobMessage is the wire form of a job.
type jobMessage struct {
	ScanID     uuid.UUID `json:"scanId"`
	RepoURL    string    `json:"repoUrl"`
	Branch     string    `json:"branch"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	LastError  string    `json:"lastError,omitempty"`
}

func (m jobMessage) job() scanning.Job {
	return scanning.Job{ScanID: m.ScanID, RepoURL: m.RepoURL, Branch: m.Branch, Attempt: m.Attempt}
}

// ProgressEvent is published to the progress topic whenever a job's reported
// progress advances.
type ProgressEvent struct {
	ScanID     uuid.UUID `json:"scanId"`
	Progress   int       `json:"progress"`
	Attempt    int       `json:"attempt"`
	ReportedAt time.Time `json:"reportedAt"`
}

// Queue is a scanning.JobQueue backed by Kafka topics. Delivery is
// at-least-once: an offset is marked only after the handler returned and any
// redelivery was republished.
type Queue struct {
	client        sarama.Client
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	// progressConsumer reads the progress topic in WatchProgress.
	progressConsumer sarama.Consumer

	cfg       Config
	observers queue.Observers
	progress  *scanning.ProgressTracker

	// consumeBackOff paces rejoining the group after a failed session.
	consumeBackOff func() backoff.BackOff

	logger  *logger.Logger
	metrics QueueMetrics
	tracer  trace.Tracer

	closeOnce sync.Once
}

// NewQueue creates a queue on top of an existing producer and consumer
// group. consumerGroup may be nil for a publish-only queue.
func NewQueue(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *Config,
	log *logger.Logger,
	metrics QueueMetrics,
	tracer trace.Tracer,
) *Queue {
	c := *cfg
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = queue.DefaultRetryPolicy()
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = time.Second
	}

	return &Queue{
		producer:       producer,
		consumerGroup:  consumerGroup,
		cfg:            c,
		progress:       scanning.NewProgressTracker(),
		consumeBackOff: defaultConsumeBackOff,
		logger:         log.With("component", "kafka_queue"),
		metrics:        metrics,
		tracer:         tracer,
	}
}

func defaultConsumeBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Enqueue publishes a job to the topic backing the named queue.
func (q *Queue) Enqueue(ctx context.Context, name string, job scanning.Job) error {
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	msg := jobMessage{
		ScanID:     job.ScanID,
		RepoURL:    job.RepoURL,
		Branch:     job.Branch,
		Attempt:    job.Attempt,
		EnqueuedAt: time.Now().UTC(),
	}
	return q.publishJob(ctx, q.cfg.TopicFor(name), msg)
}

func (q *Queue) publishJob(ctx context.Context, topic string, msg jobMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job for scan %s: %w", msg.ScanID, err)
	}
	return q.publishToTopic(ctx, topic, msg.ScanID.String(), data)
}

func (q *Queue) publishToTopic(ctx context.Context, topic, key string, data []byte) error {
	ctx, span := startProducerSpan(ctx, topic, q.tracer)
	defer span.End()

	span.SetAttributes(attribute.String("message.key", key))

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}
	injectTraceContext(ctx, msg)

	partition, offset, err := q.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		q.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.kafka.partition", int(partition)),
		attribute.Int64("messaging.kafka.offset", offset),
	)
	q.metrics.IncJobPublished(ctx, topic)
	return nil
}

// Consume joins the consumer group for the named queue and delivers jobs to
// handler until ctx is cancelled. Failed sessions are retried with
// exponential backoff.
func (q *Queue) Consume(ctx context.Context, name string, handler scanning.JobHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if q.consumerGroup == nil {
		return errors.New("queue has no consumer group")
	}

	topic := q.cfg.TopicFor(name)
	h := &jobGroupHandler{queue: q, name: name, handler: handler}

	go q.logConsumerErrors(ctx)

	q.logger.Info(ctx, "Starting job consumer", "topic", topic, "group_id", q.cfg.GroupID)
	b := q.consumeBackOff()
	for {
		err := q.consumerGroup.Consume(ctx, []string{topic}, h)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			b.Reset()
			continue
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			b.Reset()
			wait = b.NextBackOff()
		}
		q.logger.Error(ctx, "Error from consumer", "topic", topic, "retry_in", wait, "err", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (q *Queue) logConsumerErrors(ctx context.Context) {
	errs := q.consumerGroup.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			q.logger.Error(ctx, "Consumer group error", "err", err)
		}
	}
}

// Observe registers an observer for job outcomes.
func (q *Queue) Observe(obs scanning.JobObserver) { q.observers.Add(obs) }

// Progress returns the last progress reported for scanID, either by a job
// handled in this process or through WatchProgress.
func (q *Queue) Progress(scanID uuid.UUID) (int, bool) { return q.progress.Get(scanID) }

// Close closes the producer, the consumer group and the client.
func (q *Queue) Close() error {
	var errs []error
	q.closeOnce.Do(func() {
		if q.producer != nil {
			if err := q.producer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing producer: %w", err))
			}
		}
		if q.consumerGroup != nil {
			if err := q.consumerGroup.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing consumer group: %w", err))
			}
		}
		if q.progressConsumer != nil {
			if err := q.progressConsumer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing progress consumer: %w", err))
			}
		}
		if q.client != nil && !q.client.Closed() {
			if err := q.client.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing client: %w", err))
			}
		}
	})
	if err := errors.Join(errs...); err != nil {
		q.logger.Error(context.Background(), "Failed to close kafka queue", "err", err)
		return err
	}
	return nil
}

// jobGroupHandler implements sarama.ConsumerGroupHandler for one queue.
type jobGroupHandler struct {
	queue   *Queue
	name    string
	handler scanning.JobHandler
}

func (h *jobGroupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.queue.logger.Info(sess.Context(), "Consumer group session setup",
		"member_id", sess.MemberID(),
		"generation_id", sess.GenerationID(),
	)
	return nil
}

func (h *jobGroupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.queue.logger.Info(sess.Context(), "Consumer group session cleanup", "member_id", sess.MemberID())
	return nil
}

// ConsumeClaim processes messages of one partition in order. Offsets are
// committed at most once per CommitInterval and once more when the claim ends.
func (h *jobGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	lastCommit := time.Now()
	defer sess.Commit()

	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.process(sess, msg) {
				return nil
			}
			if time.Since(lastCommit) >= h.queue.cfg.CommitInterval {
				sess.Commit()
				lastCommit = time.Now()
			}
		}
	}
}

// process handles one message. It returns false when the message was left
// unmarked because the session ended, so it is redelivered after rebalance.
func (h *jobGroupHandler) process(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) bool {
	q := h.queue
	if sess.Context().Err() != nil {
		return false
	}
	ctx := extractTraceContext(sess.Context(), msg)
	ctx, span := startConsumerSpan(ctx, msg, q.tracer)
	defer span.End()

	var wire jobMessage
	if err := json.Unmarshal(msg.Value, &wire); err != nil || wire.ScanID == uuid.Nil {
		span.SetStatus(codes.Error, "undecodable job")
		q.logger.Error(ctx, "Skipping undecodable job message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"err", err,
		)
		q.metrics.IncConsumeError(ctx, msg.Topic)
		sess.MarkMessage(msg, "")
		return true
	}
	if wire.Attempt < 1 {
		wire.Attempt = 1
	}
	job := wire.job()
	span.SetAttributes(
		attribute.String("scan_id", job.ScanID.String()),
		attribute.Int("attempt", job.Attempt),
	)

	err := h.invoke(ctx, job)
	obsCtx := context.WithoutCancel(ctx)
	if err == nil {
		q.metrics.IncJobConsumed(ctx, msg.Topic)
		q.observers.Completed(obsCtx, scanning.JobEvent{Queue: h.name, Job: job})
		sess.MarkMessage(msg, "")
		return true
	}

	span.RecordError(err)
	q.metrics.IncConsumeError(ctx, msg.Topic)

	if q.cfg.Retry.ShouldRetry(job.Attempt, err) {
		select {
		case <-sess.Context().Done():
			return false
		case <-time.After(q.cfg.Retry.Delay(job.Attempt)):
		}

		next := wire
		next.Attempt++
		next.LastError = err.Error()
		if pubErr := q.publishJob(obsCtx, msg.Topic, next); pubErr != nil {
			// Leaving the offset unmarked makes Kafka redeliver the original.
			q.logger.Error(ctx, "Failed to republish job; leaving offset unmarked",
				"scan_id", job.ScanID.String(),
				"err", pubErr,
			)
			return false
		}
		q.metrics.IncRedelivery(ctx, msg.Topic)
		q.observers.Failed(obsCtx, scanning.JobEvent{Queue: h.name, Job: job, Err: err})
		sess.MarkMessage(msg, "")
		return true
	}

	span.SetStatus(codes.Error, "job failed permanently")
	q.logger.Warn(ctx, "Job failed permanently",
		"queue", h.name,
		"scan_id", job.ScanID.String(),
		"attempt", job.Attempt,
		"err", err,
	)
	if q.cfg.DeadLetterTopic != "" {
		dead := wire
		dead.LastError = err.Error()
		if dlErr := q.publishJob(obsCtx, q.cfg.DeadLetterTopic, dead); dlErr != nil {
			q.logger.Error(ctx, "Failed to dead-letter job", "scan_id", job.ScanID.String(), "err", dlErr)
		}
	}
	q.observers.Failed(obsCtx, scanning.JobEvent{Queue: h.name, Job: job, Err: err, Exhausted: true})
	sess.MarkMessage(msg, "")
	return true
}

func (h *jobGroupHandler) invoke(ctx context.Context, job scanning.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return h.handler(ctx, &delivery{job: job, queue: h.queue})
}

// delivery is a single handoff of a Kafka job message to a handler.
type delivery struct {
	job   scanning.Job
	queue *Queue
}

func (d *delivery) Job() scanning.Job { return d.job }

// UpdateProgress records progress locally and publishes it to the progress
// topic when it advanced.
func (d *delivery) UpdateProgress(ctx context.Context, pct int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, advanced := d.queue.progress.Record(d.job.ScanID, pct)
	if !advanced || d.queue.cfg.ProgressTopic == "" {
		return nil
	}

	evt := ProgressEvent{
		ScanID:     d.job.ScanID,
		Progress:   v,
		Attempt:    d.job.Attempt,
		ReportedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}
	return d.queue.publishToTopic(ctx, d.queue.cfg.ProgressTopic, d.job.ScanID.String(), data)
}
