package scanning

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
	"github.com/ahrav/compliance-armada/pkg/common/logger"
)

// Dispatcher turns a scan request into a queued Scan and exactly one job.
type Dispatcher struct {
	repo  scanning.ScanRepository
	queue scanning.JobQueue
	clock scanning.TimeProvider

	logger  *logger.Logger
	metrics ScanMetrics
	tracer  trace.Tracer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock overrides the clock used to stamp createdAt.
func WithDispatcherClock(clock scanning.TimeProvider) DispatcherOption {
	return func(d *Dispatcher) { d.clock = clock }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	repo scanning.ScanRepository,
	queue scanning.JobQueue,
	logger *logger.Logger,
	metrics ScanMetrics,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		repo:    repo,
		queue:   queue,
		clock:   scanning.DefaultTimeProvider(),
		logger:  logger.With("component", "scan_dispatcher"),
		metrics: metrics,
		tracer:  tracer,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch validates the request, records a queued scan and enqueues its job.
// An empty branch defaults to "main".
//
// A validation failure returns a *scanning.ValidationError and changes
// nothing. When the job cannot be enqueued the created scan is returned along
// with a *scanning.EnqueueError; the scan stays queued and unmarked until the
// reconciler re-enqueues it.
func (d *Dispatcher) Dispatch(ctx context.Context, repoURL, branch string) (*scanning.Scan, error) {
	ctx, span := d.tracer.Start(ctx, "scan_dispatcher.dispatch",
		trace.WithAttributes(
			attribute.String("repo_url", repoURL),
			attribute.String("branch", branch),
		),
	)
	defer span.End()

	req, err := scanning.NewScanRequest(repoURL, branch)
	if err != nil {
		span.SetStatus(codes.Error, "invalid scan request")
		return nil, err
	}

	scan := scanning.NewScan(req, d.clock.Now())
	span.SetAttributes(attribute.String("scan_id", scan.ID().String()))

	if err := d.repo.CreateScan(ctx, scan); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create scan")
		return nil, fmt.Errorf("creating scan: %w", err)
	}

	if err := d.queue.Enqueue(ctx, scanning.ScanQueue, scan.Job()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to enqueue scan job")
		d.metrics.IncEnqueueErrors(ctx)
		d.logger.Error(ctx, "Scan created but job could not be enqueued",
			"scan_id", scan.ID().String(),
			"repo_url", scan.RepoURL(),
			"err", err,
		)
		return scan, &scanning.EnqueueError{ScanID: scan.ID(), Err: err}
	}

	if err := d.repo.MarkScanEnqueued(ctx, scan.ID(), d.clock.Now()); err != nil {
		// The job is queued; the orphan sweep may enqueue a duplicate, which
		// the worker acknowledges without effect.
		span.RecordError(err)
		d.logger.Warn(ctx, "Scan job enqueued but not recorded as enqueued",
			"scan_id", scan.ID().String(),
			"err", err,
		)
	}

	d.metrics.IncScansDispatched(ctx)
	d.logger.Info(ctx, "Scan dispatched",
		"scan_id", scan.ID().String(),
		"repo_url", scan.RepoURL(),
		"branch", scan.Branch(),
	)
	span.AddEvent("scan_dispatched")
	return scan, nil
}
