package scanning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
	"github.com/ahrav/compliance-armada/pkg/common/logger"
)

// DefaultCoveragePct is reported for analyzers that cannot estimate coverage.
const DefaultCoveragePct = 72.5

// ErrDrainTimeout is the cause of a scan failed because it was still running
// when the drain deadline passed after its consumer stopped.
var ErrDrainTimeout = errors.New("scan did not finish before the drain deadline")

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	// Concurrency is the number of scans processed at the same time.
	Concurrency int
	// FailTimeout bounds the detached update that marks a scan failed.
	FailTimeout time.Duration
	// DrainTimeout is how long a claimed scan may keep running after its
	// consumer was cancelled, by shutdown or by a partition rebalance.
	DrainTimeout time.Duration
}

// Worker consumes scan jobs and drives each scan through its lifecycle:
// queued to running on claim, then phase by phase to completed, or to failed
// on the first error. It also observes queue outcomes so a job whose retries
// are exhausted never leaves its scan non-terminal.
type Worker struct {
	repo     scanning.ScanRepository
	analyzer scanning.Analyzer
	clock    scanning.TimeProvider
	cfg      WorkerConfig

	sem chan struct{}

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
	wg       sync.WaitGroup

	logger  *logger.Logger
	metrics ScanMetrics
	tracer  trace.Tracer
}

var _ scanning.JobObserver = (*Worker)(nil)

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerClock overrides the clock used for lifecycle timestamps.
func WithWorkerClock(clock scanning.TimeProvider) WorkerOption {
	return func(w *Worker) { w.clock = clock }
}

// NewWorker creates a Worker.
func NewWorker(
	repo scanning.ScanRepository,
	analyzer scanning.Analyzer,
	cfg WorkerConfig,
	logger *logger.Logger,
	metrics ScanMetrics,
	tracer trace.Tracer,
	opts ...WorkerOption,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.FailTimeout <= 0 {
		cfg.FailTimeout = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}

	w := &Worker{
		repo:     repo,
		analyzer: analyzer,
		clock:    scanning.DefaultTimeProvider(),
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Concurrency),
		inFlight: make(map[uuid.UUID]struct{}),
		logger:   logger.With("component", "scan_worker"),
		metrics:  metrics,
		tracer:   tracer,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run registers the worker as an observer of q and consumes the scan queue
// until ctx is cancelled. No job is claimed after that, and Run returns once
// the scans already claimed have finished or hit the drain deadline.
func (w *Worker) Run(ctx context.Context, q scanning.JobQueue) error {
	q.Observe(w)

	w.logger.Info(ctx, "Starting scan worker", "concurrency", w.cfg.Concurrency)
	err := q.Consume(ctx, scanning.ScanQueue, w.HandleJob)
	w.wg.Wait()
	w.logger.Info(context.WithoutCancel(ctx), "Scan worker stopped")
	if err != nil {
		return fmt.Errorf("consuming scan jobs: %w", err)
	}
	return nil
}

// HandleJob processes a single delivery. It acknowledges duplicates and
// returns a permanent error once the scan was driven to failed, so the queue
// only retries jobs whose scan is still queued.
func (w *Worker) HandleJob(ctx context.Context, d scanning.Delivery) error {
	job := d.Job()
	ctx, span := w.tracer.Start(ctx, "scan_worker.handle_job",
		trace.WithAttributes(
			attribute.String("scan_id", job.ScanID.String()),
			attribute.Int("attempt", job.Attempt),
		),
	)
	defer span.End()

	logCtx := logger.NewLoggerContext(w.logger.With(
		"scan_id", job.ScanID.String(),
		"attempt", job.Attempt,
	))

	if !w.track(job.ScanID) {
		w.metrics.IncDuplicateDeliveries(ctx)
		logCtx.Info(ctx, "Scan already being processed, acknowledging duplicate delivery")
		span.AddEvent("duplicate_in_flight")
		return nil
	}
	defer w.untrack(job.ScanID)

	select {
	case w.sem <- struct{}{}:
		defer func() { <-w.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	w.wg.Add(1)
	defer w.wg.Done()

	// A stopping consumer claims nothing new.
	if err := ctx.Err(); err != nil {
		return err
	}

	scan, err := w.claim(ctx, job.ScanID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to claim scan")
		return err
	}
	if scan == nil {
		w.metrics.IncDuplicateDeliveries(ctx)
		logCtx.Info(ctx, "Scan no longer queued, acknowledging duplicate delivery")
		span.AddEvent("duplicate_delivery")
		return nil
	}

	w.metrics.IncScansStarted(ctx)
	w.metrics.AddActiveScans(ctx, 1)
	defer w.metrics.AddActiveScans(context.WithoutCancel(ctx), -1)
	logCtx.Add("repo_url", scan.RepoURL(), "branch", scan.Branch())
	logCtx.Info(ctx, "Scan claimed")

	procCtx, release := w.drainContext(ctx)
	defer release()

	phase, findings, err := w.process(procCtx, d, scan.Clone())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return w.fail(ctx, logCtx, scan, phase, err)
	}

	if started := scan.StartedAt(); started != nil {
		w.metrics.ObserveScanDuration(ctx, w.clock.Now().Sub(*started))
	}
	w.metrics.IncScansCompleted(ctx)
	w.metrics.ObserveFindings(ctx, findings)
	logCtx.Info(ctx, "Scan completed", "findings", findings)
	span.SetStatus(codes.Ok, "scan completed")
	return nil
}

// drainContext detaches a claimed scan from the consumer context. When the
// consumer is cancelled the scan keeps running for up to DrainTimeout and is
// then cancelled with ErrDrainTimeout.
func (w *Worker) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	procCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(w.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel(ErrDrainTimeout)
		case <-procCtx.Done():
		}
	})
	return procCtx, func() {
		stop()
		cancel(nil)
	}
}

// claim moves a queued scan to running. It returns a nil scan when the scan is
// no longer queued. A missing scan is a permanent failure; a store failure is
// retryable because the scan is still queued.
func (w *Worker) claim(ctx context.Context, scanID uuid.UUID) (*scanning.Scan, error) {
	scan, err := w.repo.GetScan(ctx, scanID)
	if err != nil {
		if errors.Is(err, scanning.ErrScanNotFound) {
			return nil, scanning.Permanent(err)
		}
		return nil, &scanning.PersistenceError{Op: "load scan", Err: err}
	}
	if scan.Status() != scanning.ScanStatusQueued {
		return nil, nil
	}

	upd, err := scan.Start(w.clock.Now())
	if err != nil {
		return nil, scanning.Permanent(err)
	}

	claimed, err := w.repo.UpdateScanStatus(ctx, upd)
	switch {
	case err == nil:
		return claimed, nil
	case errors.Is(err, scanning.ErrScanAlreadyClaimed):
		return nil, nil
	case errors.Is(err, scanning.ErrScanNotFound):
		return nil, scanning.Permanent(err)
	default:
		return nil, &scanning.PersistenceError{Op: "claim scan", Err: err}
	}
}

// process runs the phases of a claimed scan in order and returns the phase
// that was executing when an error occurred.
func (w *Worker) process(
	ctx context.Context,
	d scanning.Delivery,
	scan *scanning.Scan,
) (phase scanning.Phase, findings int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	phase = scanning.PhaseInitialization
	w.report(ctx, d, phase)

	phase = scanning.PhaseScanStart
	if err = context.Cause(ctx); err != nil {
		return phase, 0, err
	}
	w.report(ctx, d, phase)

	phase = scanning.PhaseAnalysis
	drafts, err := w.analyzer.Analyze(ctx, scan.RepoURL(), scan.Branch())
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %w", cause, err)
		}
		return phase, 0, err
	}
	w.report(ctx, d, phase)

	phase = scanning.PhaseFindingsGeneration
	if err = context.Cause(ctx); err != nil {
		return phase, 0, err
	}
	batch, err := scanning.NewFindings(scan.ID(), drafts, w.clock.Now())
	if err != nil {
		return phase, 0, err
	}
	w.report(ctx, d, phase)

	phase = scanning.PhaseFindingsPersisted
	if err = context.Cause(ctx); err != nil {
		return phase, 0, err
	}
	if err = w.repo.InsertFindings(ctx, scan.ID(), batch); err != nil {
		return phase, 0, &scanning.PersistenceError{Op: "insert findings", Err: err}
	}
	w.report(ctx, d, phase)

	phase = scanning.PhaseFinalize
	upd, err := scan.Complete(w.clock.Now(), w.coverage(ctx, scan))
	if err != nil {
		return phase, 0, err
	}
	if _, err = w.repo.UpdateScanStatus(ctx, upd); err != nil {
		return phase, 0, &scanning.PersistenceError{Op: "complete scan", Err: err}
	}
	w.report(ctx, d, phase)

	return phase, len(batch), nil
}

func (w *Worker) coverage(ctx context.Context, scan *scanning.Scan) float64 {
	est, ok := w.analyzer.(scanning.CoverageEstimator)
	if !ok {
		return DefaultCoveragePct
	}
	pct, err := est.Coverage(ctx, scan.RepoURL(), scan.Branch())
	if err != nil || pct < 0 || pct > 100 {
		w.logger.Warn(ctx, "Coverage estimate unavailable, using default",
			"scan_id", scan.ID().String(),
			"coverage", pct,
			"err", err,
		)
		return DefaultCoveragePct
	}
	return pct
}

// report publishes the progress reached by a finished phase. A failure to
// publish progress does not fail the scan.
func (w *Worker) report(ctx context.Context, d scanning.Delivery, phase scanning.Phase) {
	if err := d.UpdateProgress(ctx, phase.Progress()); err != nil {
		w.logger.Warn(ctx, "Failed to publish scan progress",
			"scan_id", d.Job().ScanID.String(),
			"phase", string(phase),
			"err", err,
		)
	}
}

// fail marks a running scan failed with a context detached from the job so
// a cancelled delivery still records the outcome. The returned error is
// permanent: redelivery would find a terminal scan. When the update itself
// fails the queue's exhaustion event reaches JobFailed, which tries again,
// and the reconciler's stale sweep is the last resort.
func (w *Worker) fail(
	ctx context.Context,
	logCtx *logger.LoggerContext,
	scan *scanning.Scan,
	phase scanning.Phase,
	cause error,
) error {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FailTimeout)
	defer cancel()

	procErr := &scanning.AnalysisError{ScanID: scan.ID(), Phase: phase, Err: cause}
	logCtx.Add("phase", string(phase), "err", cause)

	upd, err := scan.Clone().Fail(w.clock.Now())
	if err != nil {
		logCtx.Error(failCtx, "Scan cannot be marked failed", "transition_err", err)
		return scanning.Permanent(procErr)
	}

	if _, err := w.repo.UpdateScanStatus(failCtx, upd); err != nil {
		if errors.Is(err, scanning.ErrInvalidTransition) {
			logCtx.Warn(failCtx, "Scan reached a terminal status elsewhere before it could be failed")
			return scanning.Permanent(procErr)
		}
		logCtx.Error(failCtx, "Failed to mark scan failed", "update_err", err)
		return scanning.Permanent(errors.Join(procErr, &scanning.PersistenceError{Op: "fail scan", Err: err}))
	}

	w.metrics.IncScansFailed(failCtx, string(phase))
	logCtx.Warn(failCtx, "Scan failed")
	return scanning.Permanent(procErr)
}

// JobCompleted implements scanning.JobObserver.
func (w *Worker) JobCompleted(ctx context.Context, evt scanning.JobEvent) {
	w.logger.Debug(ctx, "Scan job acknowledged",
		"queue", evt.Queue,
		"scan_id", evt.Job.ScanID.String(),
	)
}

// JobFailed implements scanning.JobObserver. Once the queue gives up on a job
// its scan is driven to failed if it is not terminal yet.
func (w *Worker) JobFailed(ctx context.Context, evt scanning.JobEvent) {
	if evt.Queue != scanning.ScanQueue {
		return
	}
	if !evt.Exhausted {
		w.logger.Info(ctx, "Scan job will be retried",
			"scan_id", evt.Job.ScanID.String(),
			"attempt", evt.Job.Attempt,
			"err", evt.Err,
		)
		return
	}

	ctx, span := w.tracer.Start(ctx, "scan_worker.job_exhausted",
		trace.WithAttributes(attribute.String("scan_id", evt.Job.ScanID.String())),
	)
	defer span.End()

	failCtx, cancel := context.WithTimeout(ctx, w.cfg.FailTimeout)
	defer cancel()

	scan, changed, err := forceFail(failCtx, w.repo, w.clock, evt.Job.ScanID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fail scan")
		w.logger.Error(ctx, "Failed to mark scan failed after retries were exhausted",
			"scan_id", evt.Job.ScanID.String(),
			"err", err,
		)
		return
	}
	if changed {
		w.metrics.IncScansFailed(ctx, "retries_exhausted")
		w.logger.Warn(ctx, "Scan failed after retries were exhausted",
			"scan_id", scan.ID().String(),
			"attempt", evt.Job.Attempt,
			"err", evt.Err,
		)
	}
}

func (w *Worker) track(scanID uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inFlight[scanID]; ok {
		return false
	}
	w.inFlight[scanID] = struct{}{}
	return true
}

func (w *Worker) untrack(scanID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, scanID)
}
