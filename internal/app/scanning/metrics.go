package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScanMetrics defines metrics operations needed by the dispatcher, the
// worker and the reconciler.
type ScanMetrics interface {
	// Dispatch metrics
	IncScansDispatched(ctx context.Context)
	IncEnqueueErrors(ctx context.Context)

	// Worker metrics
	IncScansStarted(ctx context.Context)
	IncScansCompleted(ctx context.Context)
	IncScansFailed(ctx context.Context, reason string)
	IncDuplicateDeliveries(ctx context.Context)
	AddActiveScans(ctx context.Context, delta int64)
	ObserveFindings(ctx context.Context, count int)
	ObserveScanDuration(ctx context.Context, duration time.Duration)

	// Reconciler metrics
	IncOrphansRequeued(ctx context.Context)
	IncScansReaped(ctx context.Context, reason string)
	SetLeaderStatus(ctx context.Context, isLeader bool)
}

// scanMetrics implements ScanMetrics
type scanMetrics struct {
	// Dispatch metrics
	scansDispatched metric.Int64Counter
	enqueueErrors   metric.Int64Counter

	// Worker metrics
	scansStarted        metric.Int64Counter
	scansCompleted      metric.Int64Counter
	scansFailed         metric.Int64Counter
	duplicateDeliveries metric.Int64Counter
	activeScans         metric.Int64UpDownCounter
	findingsPerScan     metric.Int64Histogram
	scanDuration        metric.Float64Histogram

	// Reconciler metrics
	orphansRequeued metric.Int64Counter
	scansReaped     metric.Int64Counter
	leaderStatus    metric.Int64UpDownCounter
}

const namespace = "compliance_scan"

// NewScanMetrics creates a new ScanMetrics instance.
func NewScanMetrics(mp metric.MeterProvider) (ScanMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	s := new(scanMetrics)
	var err error

	if s.scansDispatched, err = meter.Int64Counter(
		"scans_dispatched_total",
		metric.WithDescription("Total number of scans created and queued"),
	); err != nil {
		return nil, err
	}

	if s.enqueueErrors, err = meter.Int64Counter(
		"enqueue_errors_total",
		metric.WithDescription("Total number of scans created whose job could not be queued"),
	); err != nil {
		return nil, err
	}

	if s.scansStarted, err = meter.Int64Counter(
		"scans_started_total",
		metric.WithDescription("Total number of scans claimed by a worker"),
	); err != nil {
		return nil, err
	}

	if s.scansCompleted, err = meter.Int64Counter(
		"scans_completed_total",
		metric.WithDescription("Total number of scans that completed"),
	); err != nil {
		return nil, err
	}

	if s.scansFailed, err = meter.Int64Counter(
		"scans_failed_total",
		metric.WithDescription("Total number of scans that failed"),
	); err != nil {
		return nil, err
	}

	if s.duplicateDeliveries, err = meter.Int64Counter(
		"duplicate_deliveries_total",
		metric.WithDescription("Total number of job deliveries for scans that were no longer queued"),
	); err != nil {
		return nil, err
	}

	if s.activeScans, err = meter.Int64UpDownCounter(
		"active_scans",
		metric.WithDescription("Number of scans currently being processed"),
	); err != nil {
		return nil, err
	}

	if s.findingsPerScan, err = meter.Int64Histogram(
		"findings_per_scan",
		metric.WithDescription("Number of findings persisted per scan"),
	); err != nil {
		return nil, err
	}

	if s.scanDuration, err = meter.Float64Histogram(
		"scan_duration_seconds",
		metric.WithDescription("Time from claim to terminal status"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if s.orphansRequeued, err = meter.Int64Counter(
		"orphans_requeued_total",
		metric.WithDescription("Total number of queued scans re-enqueued by the reconciler"),
	); err != nil {
		return nil, err
	}

	if s.scansReaped, err = meter.Int64Counter(
		"scans_reaped_total",
		metric.WithDescription("Total number of scans failed by the reconciler"),
	); err != nil {
		return nil, err
	}

	if s.leaderStatus, err = meter.Int64UpDownCounter(
		"leader_status",
		metric.WithDescription("Whether this instance runs the reconciler (1) or not (0)"),
	); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *scanMetrics) IncScansDispatched(ctx context.Context) { s.scansDispatched.Add(ctx, 1) }

func (s *scanMetrics) IncEnqueueErrors(ctx context.Context) { s.enqueueErrors.Add(ctx, 1) }

func (s *scanMetrics) IncScansStarted(ctx context.Context) { s.scansStarted.Add(ctx, 1) }

func (s *scanMetrics) IncScansCompleted(ctx context.Context) { s.scansCompleted.Add(ctx, 1) }

func (s *scanMetrics) IncScansFailed(ctx context.Context, reason string) {
	s.scansFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (s *scanMetrics) IncDuplicateDeliveries(ctx context.Context) { s.duplicateDeliveries.Add(ctx, 1) }

func (s *scanMetrics) AddActiveScans(ctx context.Context, delta int64) { s.activeScans.Add(ctx, delta) }

func (s *scanMetrics) ObserveFindings(ctx context.Context, count int) {
	s.findingsPerScan.Record(ctx, int64(count))
}

func (s *scanMetrics) ObserveScanDuration(ctx context.Context, duration time.Duration) {
	s.scanDuration.Record(ctx, duration.Seconds())
}

func (s *scanMetrics) IncOrphansRequeued(ctx context.Context) { s.orphansRequeued.Add(ctx, 1) }

func (s *scanMetrics) IncScansReaped(ctx context.Context, reason string) {
	s.scansReaped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// SetLeaderStatus records leadership as a 0/1 value.
func (s *scanMetrics) SetLeaderStatus(ctx context.Context, isLeader bool) {
	if isLeader {
		s.leaderStatus.Add(ctx, 1)
		return
	}
	s.leaderStatus.Add(ctx, -1)
}
