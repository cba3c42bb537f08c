package scanning

import (
	"context"

	"github.com/google/uuid"
)

// Delivery is a single delivery of a Job to a consumer. The same Job may be
// delivered more than once.
type Delivery interface {
	Job() Job
	// UpdateProgress annotates the job with a completion percentage. Values
	// lower than an earlier report are ignored.
	UpdateProgress(ctx context.Context, pct int) error
}

// JobHandler processes one delivery. A nil return acknowledges the job. An
// error makes the queue retry the job unless it is marked with Permanent or
// the attempts are exhausted.
type JobHandler func(ctx context.Context, d Delivery) error

// JobEvent describes the outcome of handling a job.
type JobEvent struct {
	Queue string
	Job   Job
	Err   error
	// Exhausted is set on a failure the queue will not retry.
	Exhausted bool
}

// JobObserver receives completion and failure notifications from a queue.
type JobObserver interface {
	JobCompleted(ctx context.Context, evt JobEvent)
	JobFailed(ctx context.Context, evt JobEvent)
}

// JobQueue is an at-least-once message channel keyed by queue name.
type JobQueue interface {
	// Enqueue publishes a job to the named queue.
	Enqueue(ctx context.Context, queue string, job Job) error

	// Consume delivers jobs from the named queue to handler until ctx is
	// cancelled. It returns once in-flight deliveries have been handled.
	Consume(ctx context.Context, queue string, handler JobHandler) error

	// Observe registers an observer for job outcomes.
	Observe(obs JobObserver)

	// Close releases the queue's resources.
	Close() error
}

// ProgressReader exposes the last progress reported for a scan.
type ProgressReader interface {
	Progress(scanID uuid.UUID) (int, bool)
}

// Analyzer is the compliance analysis capability. It returns the findings
// detected for a repository branch.
type Analyzer interface {
	Analyze(ctx context.Context, repoURL, branch string) ([]FindingDraft, error)
}

// CoverageEstimator is optionally implemented by an Analyzer that can report
// how much of the repository it covered.
type CoverageEstimator interface {
	Coverage(ctx context.Context, repoURL, branch string) (float64, error)
}
