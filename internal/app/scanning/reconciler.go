package scanning

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/compliance-armada/internal/app/cluster"
	"github.com/ahrav/compliance-armada/internal/domain/scanning"
	"github.com/ahrav/compliance-armada/pkg/common"
	"github.com/ahrav/compliance-armada/pkg/common/logger"
)

// ReconcilerConfig tunes the reconciler sweeps.
type ReconcilerConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// OrphanAfter is how long a scan may stay queued before its job is
	// considered lost.
	OrphanAfter time.Duration
	// StaleAfter is how long a scan may stay running before it is considered
	// abandoned.
	StaleAfter time.Duration
	// MaxRequeues bounds the failed re-enqueue attempts of one orphan before
	// it is failed. A successful re-enqueue ends the scan's orphan status.
	MaxRequeues int
	// BatchSize bounds the scans handled per sweep.
	BatchSize int
	// RequeueRate and RequeueBurst throttle re-enqueues.
	RequeueRate  float64
	RequeueBurst int
}

// DefaultReconcilerConfig returns the default sweep settings.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:     30 * time.Second,
		OrphanAfter:  2 * time.Minute,
		StaleAfter:   15 * time.Minute,
		MaxRequeues:  3,
		BatchSize:    100,
		RequeueRate:  5,
		RequeueBurst: 10,
	}
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Requeued      int
	OrphansFailed int
	StaleFailed   int
}

// Reconciler recovers scans the pipeline lost track of. Queued scans whose
// job was never enqueued are re-enqueued, and failed once enqueueing them
// failed too often. Running scans nobody finished are failed. Only the
// elected leader sweeps.
type Reconciler struct {
	repo        scanning.ScanRepository
	queue       scanning.JobQueue
	coordinator cluster.Coordinator
	limiter     *common.RateLimiter
	clock       scanning.TimeProvider
	cfg         ReconcilerConfig

	isLeader atomic.Bool

	logger  *logger.Logger
	metrics ScanMetrics
	tracer  trace.Tracer
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerClock overrides the clock used for sweep cutoffs.
func WithReconcilerClock(clock scanning.TimeProvider) ReconcilerOption {
	return func(r *Reconciler) { r.clock = clock }
}

// NewReconciler creates a Reconciler. Zero config fields take their defaults.
func NewReconciler(
	repo scanning.ScanRepository,
	queue scanning.JobQueue,
	coordinator cluster.Coordinator,
	cfg ReconcilerConfig,
	logger *logger.Logger,
	metrics ScanMetrics,
	tracer trace.Tracer,
	opts ...ReconcilerOption,
) *Reconciler {
	def := DefaultReconcilerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.OrphanAfter <= 0 {
		cfg.OrphanAfter = def.OrphanAfter
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.MaxRequeues <= 0 {
		cfg.MaxRequeues = def.MaxRequeues
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	r := &Reconciler{
		repo:        repo,
		queue:       queue,
		coordinator: coordinator,
		limiter:     common.NewRateLimiter(cfg.RequeueRate, cfg.RequeueBurst),
		clock:       scanning.DefaultTimeProvider(),
		cfg:         cfg,
		logger:      logger.With("component", "scan_reconciler"),
		metrics:     metrics,
		tracer:      tracer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsLeader reports whether this instance currently sweeps.
func (r *Reconciler) IsLeader() bool { return r.isLeader.Load() }

// Run participates in leader election and sweeps on every interval while
// leader. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.coordinator.OnLeadershipChange(func(isLeader bool) {
		if r.isLeader.Swap(isLeader) == isLeader {
			return
		}
		r.metrics.SetLeaderStatus(ctx, isLeader)
		r.logger.Info(ctx, "Leadership change", "is_leader", isLeader)
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.coordinator.Start(ctx); err != nil {
			return fmt.Errorf("starting coordinator: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return r.coordinator.Stop()
			case <-ticker.C:
				if !r.IsLeader() {
					continue
				}
				if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
					r.logger.Error(ctx, "Reconciliation pass failed", "err", err)
				}
			}
		}
	})
	return g.Wait()
}

// Reconcile runs one orphan sweep and one stale sweep.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	ctx, span := r.tracer.Start(ctx, "scan_reconciler.reconcile")
	defer span.End()

	var res ReconcileResult
	orphanErr := r.sweepOrphans(ctx, &res)
	staleErr := r.sweepStale(ctx, &res)

	span.SetAttributes(
		attribute.Int("requeued", res.Requeued),
		attribute.Int("orphans_failed", res.OrphansFailed),
		attribute.Int("stale_failed", res.StaleFailed),
	)
	if err := errors.Join(orphanErr, staleErr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconciliation incomplete")
		return res, err
	}
	if res != (ReconcileResult{}) {
		r.logger.Info(ctx, "Reconciliation pass finished",
			"requeued", res.Requeued,
			"orphans_failed", res.OrphansFailed,
			"stale_failed", res.StaleFailed,
		)
	}
	return res, nil
}

func (r *Reconciler) sweepOrphans(ctx context.Context, res *ReconcileResult) error {
	cutoff := r.clock.Now().Add(-r.cfg.OrphanAfter)
	orphans, err := r.repo.ListOrphanedScans(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing orphaned scans: %w", err)
	}

	var errs []error
	for _, scan := range orphans {
		if err := r.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}

		if err := r.queue.Enqueue(ctx, scanning.ScanQueue, scan.Job()); err != nil {
			errs = append(errs, fmt.Errorf("re-enqueueing scan %s: %w", scan.ID(), err))
			if r.enqueueAttemptsExhausted(ctx, scan.ID(), &errs) && r.reap(ctx, scan.ID(), "orphaned", &errs) {
				res.OrphansFailed++
			}
			continue
		}

		res.Requeued++
		r.metrics.IncOrphansRequeued(ctx)
		r.logger.Warn(ctx, "Re-enqueued orphaned scan",
			"scan_id", scan.ID().String(),
			"created_at", scan.CreatedAt(),
		)
		if err := r.repo.MarkScanEnqueued(ctx, scan.ID(), r.clock.Now()); err != nil {
			errs = append(errs, fmt.Errorf("marking scan %s enqueued: %w", scan.ID(), err))
		}
	}

	return errors.Join(errs...)
}

// enqueueAttemptsExhausted records a failed re-enqueue and reports whether
// the scan has used up its attempts.
func (r *Reconciler) enqueueAttemptsExhausted(ctx context.Context, scanID uuid.UUID, errs *[]error) bool {
	failures, err := r.repo.RecordEnqueueFailure(ctx, scanID)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("recording enqueue failure of scan %s: %w", scanID, err))
		return false
	}
	return failures >= r.cfg.MaxRequeues
}

func (r *Reconciler) sweepStale(ctx context.Context, res *ReconcileResult) error {
	cutoff := r.clock.Now().Add(-r.cfg.StaleAfter)
	stale, err := r.repo.ListStaleRunningScans(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing stale scans: %w", err)
	}

	var errs []error
	for _, scan := range stale {
		if r.reap(ctx, scan.ID(), "stale", &errs) {
			res.StaleFailed++
		}
	}
	return errors.Join(errs...)
}

// reap fails a scan and reports whether this call changed it.
func (r *Reconciler) reap(ctx context.Context, scanID uuid.UUID, reason string, errs *[]error) bool {
	scan, changed, err := forceFail(ctx, r.repo, r.clock, scanID)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("failing %s scan %s: %w", reason, scanID, err))
		return false
	}
	if !changed {
		return false
	}
	r.metrics.IncScansReaped(ctx, reason)
	r.logger.Warn(ctx, "Reconciler failed scan",
		"scan_id", scan.ID().String(),
		"reason", reason,
	)
	return true
}
