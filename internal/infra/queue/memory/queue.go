// Package memory provides an in-memory job queue. It offers the same
// at-least-once contract as the Kafka queue, including bounded redelivery
// with backoff, without any durability. It is used by tests and by the
// single-process deployment where the API embeds the worker.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
	"github.com/ahrav/compliance-armada/internal/infra/queue"
	"github.com/ahrav/compliance-armada/pkg/common/logger"
)

// ErrQueueClosed is returned when enqueueing to a closed queue.
var ErrQueueClosed = errors.New("job queue closed")

var (
	_ scanning.JobQueue       = (*Queue)(nil)
	_ scanning.ProgressReader = (*Queue)(nil)
)

// Config tunes the in-memory queue.
type Config struct {
	// Buffer is the capacity of each named queue.
	Buffer int
	// Consumers is the number of goroutines delivering jobs per Consume call.
	Consumers int
	Retry     queue.RetryPolicy
}

// Queue is an in-memory scanning.JobQueue.
type Queue struct {
	cfg Config

	mu     sync.Mutex
	queues map[string]chan scanning.Job
	timers map[*time.Timer]struct{}
	closed bool

	observers queue.Observers
	progress  *scanning.ProgressTracker
	logger    *logger.Logger
}

// New creates an empty queue.
func New(cfg Config, log *logger.Logger) *Queue {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = queue.DefaultRetryPolicy()
	}

	return &Queue{
		cfg:      cfg,
		queues:   make(map[string]chan scanning.Job),
		timers:   make(map[*time.Timer]struct{}),
		progress: scanning.NewProgressTracker(),
		logger:   log.With("component", "memory_queue"),
	}
}

func (q *Queue) channel(name string) (chan scanning.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	ch, ok := q.queues[name]
	if !ok {
		ch = make(chan scanning.Job, q.cfg.Buffer)
		q.queues[name] = ch
	}
	return ch, nil
}

// Enqueue adds a job to the named queue, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, name string, job scanning.Job) error {
	ch, err := q.channel(name)
	if err != nil {
		return err
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}

	select {
	case ch <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue to %s: %w", name, ctx.Err())
	}
}

// Consume delivers jobs from the named queue until ctx is cancelled, then
// waits for in-flight deliveries to finish. Handlers decide themselves how
// long to keep working after cancellation.
func (q *Queue) Consume(ctx context.Context, name string, handler scanning.JobHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	ch, err := q.channel(name)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for range q.cfg.Consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-ch:
					if ctx.Err() != nil {
						q.putBack(name, ch, job)
						return
					}
					q.deliver(ctx, name, job, handler)
				}
			}
		}()
	}
	wg.Wait()

	return nil
}

// putBack returns a job received after cancellation so it is not lost.
func (q *Queue) putBack(name string, ch chan scanning.Job, job scanning.Job) {
	select {
	case ch <- job:
	default:
		q.logger.Warn(context.Background(), "Dropping job received during shutdown, queue is full",
			"queue", name,
			"scan_id", job.ScanID.String(),
		)
	}
}

func (q *Queue) deliver(ctx context.Context, name string, job scanning.Job, handler scanning.JobHandler) {
	err := q.invoke(ctx, job, handler)

	// Observers run after the consumer context may already be cancelled.
	obsCtx := context.WithoutCancel(ctx)
	if err == nil {
		q.observers.Completed(obsCtx, scanning.JobEvent{Queue: name, Job: job})
		return
	}

	if q.cfg.Retry.ShouldRetry(job.Attempt, err) {
		q.observers.Failed(obsCtx, scanning.JobEvent{Queue: name, Job: job, Err: err})
		q.redeliver(name, job)
		return
	}

	q.logger.Warn(obsCtx, "Job failed permanently",
		"queue", name,
		"scan_id", job.ScanID.String(),
		"attempt", job.Attempt,
		"err", err,
	)
	q.observers.Failed(obsCtx, scanning.JobEvent{Queue: name, Job: job, Err: err, Exhausted: true})
}

func (q *Queue) invoke(ctx context.Context, job scanning.Job, handler scanning.JobHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(ctx, &delivery{job: job, queue: q})
}

func (q *Queue) redeliver(name string, job scanning.Job) {
	delay := q.cfg.Retry.Delay(job.Attempt)
	job.Attempt++

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()

		if err := q.Enqueue(context.Background(), name, job); err != nil {
			q.logger.Error(context.Background(), "Failed to redeliver job",
				"queue", name,
				"scan_id", job.ScanID.String(),
				"err", err,
			)
		}
	})
	q.timers[timer] = struct{}{}
}

// Observe registers an observer for job outcomes.
func (q *Queue) Observe(obs scanning.JobObserver) { q.observers.Add(obs) }

// Progress returns the last progress reported for scanID.
func (q *Queue) Progress(scanID uuid.UUID) (int, bool) { return q.progress.Get(scanID) }

// Pending returns the number of jobs waiting in the named queue.
func (q *Queue) Pending(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[name])
}

// Close stops pending redeliveries and rejects further enqueues.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for t := range q.timers {
		t.Stop()
		delete(q.timers, t)
	}
	return nil
}

// delivery is a single handoff of a job to a handler.
type delivery struct {
	job   scanning.Job
	queue *Queue
}

func (d *delivery) Job() scanning.Job { return d.job }

func (d *delivery) UpdateProgress(ctx context.Context, pct int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.queue.progress.Record(d.job.ScanID, pct)
	return nil
}
